package scheduler

import (
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 30 * time.Second, Factor: 2}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},  // capped
		{10, 30 * time.Second}, // stays capped
	}
	for _, c := range cases {
		if got := b.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestBackoffDelayIsPure(t *testing.T) {
	b := DefaultBackoff()
	first := b.Delay(4)
	for i := 0; i < 3; i++ {
		if got := b.Delay(4); got != first {
			t.Fatalf("Delay must be deterministic, got %s then %s", first, got)
		}
	}
}
