package tasks

import "context"

// ExecOutcome is what an Executor reports back for one task attempt.
// EvidenceHints are opaque key/value observations the certification
// pipeline records as evidence.
type ExecOutcome struct {
	Success       bool
	Output        string
	EvidenceHints map[string]string
}

// Executor performs the actual work of a task. Supplied by the caller;
// may wrap an LLM call, a shell command, or any side-effecting action.
// Errors wrapped with Structural are terminal; everything else is
// retried within the task's budget.
type Executor interface {
	Execute(ctx context.Context, t *Task) (*ExecOutcome, error)
}

// Remediator attempts an automated fix after a gate failure. Applied
// reports whether a corrective action was taken; notes describe it.
type Remediator interface {
	Attempt(ctx context.Context, t *Task, failureReason string) (applied bool, notes string, err error)
}
