package scheduler

import "time"

// Backoff maps an attempt count to a delay: exponential growth from
// Initial by Factor, capped at Max. It is a pure function of the attempt
// number so retry timing is unit-testable without waiting.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff returns 1s initial delay, doubling, capped at 30s.
func DefaultBackoff() Backoff {
	return Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}
}

// Delay returns the wait before the given attempt. Attempts count from 1;
// the first retry waits Initial.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Initial)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if time.Duration(d) >= b.Max {
			return b.Max
		}
	}
	if time.Duration(d) > b.Max {
		return b.Max
	}
	return time.Duration(d)
}
