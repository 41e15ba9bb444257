package tasks

import "fmt"

// ValidTransition reports whether a status change is allowed by the task
// state machine:
//
//	pending → ready → running → passed | failed
//	failed  → ready                       (retry, while budget remains)
//	pending | ready → blocked | skipped   (upstream failure / skip policy)
//
// Terminal statuses other than failed-with-budget admit no transitions.
func ValidTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusReady || to == StatusBlocked || to == StatusSkipped
	case StatusReady:
		return to == StatusRunning || to == StatusBlocked
	case StatusRunning:
		return to == StatusPassed || to == StatusFailed
	case StatusFailed:
		return to == StatusReady
	default:
		return false
	}
}

// Advance applies a validated transition to the task. The caller supplies
// the expected prior status so that races become observable errors.
func (t *Task) Advance(from, to Status) error {
	if t.Status != from {
		return fmt.Errorf("task %s: expected status %s, have %s", t.ID, from, t.Status)
	}
	if !ValidTransition(from, to) {
		return fmt.Errorf("task %s: disallowed transition %s -> %s", t.ID, from, to)
	}
	t.Status = to
	return nil
}
