// Package tasks defines the data model shared by the graph, scheduler,
// certification pipeline and state store.
package tasks

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusRunning Status = "running"
	StatusPassed  Status = "passed"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
	StatusBlocked Status = "blocked"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusBlocked:
		return true
	default:
		return false
	}
}

// Satisfies reports whether a dependency in this status unblocks its
// dependents. Skipped satisfies downstream readiness but the dependent's
// result carries a caveat.
func (s Status) Satisfies() bool {
	return s == StatusPassed || s == StatusSkipped
}

// Task is a unit of work. Its ID is stable across runs and is the
// resumption key.
type Task struct {
	ID          string            `json:"id" yaml:"id"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status      Status            `json:"status" yaml:"-"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	RetryCount  int               `json:"retry_count" yaml:"-"`
	MaxRetries  int               `json:"max_retries" yaml:"max_retries,omitempty"`
	CreatedAt   time.Time         `json:"created_at" yaml:"-"`
	StartedAt   *time.Time        `json:"started_at,omitempty" yaml:"-"`
	CompletedAt *time.Time        `json:"completed_at,omitempty" yaml:"-"`
}

// Attempt records one execution attempt of a task, including the gate
// verdict that decided it.
type Attempt struct {
	Number     int           `json:"number"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	GateReason string        `json:"gate_reason,omitempty"`
	Remediated bool          `json:"remediated,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Result holds the final outcome of a task within a run.
type Result struct {
	TaskID       string    `json:"task_id"`
	Status       Status    `json:"status"`
	Output       string    `json:"output,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	BlockedBy    string    `json:"blocked_by,omitempty"`
	Caveats      []string  `json:"caveats,omitempty"`
	Attempts     []Attempt `json:"attempts,omitempty"`
	Remediations int       `json:"remediations"`
	Scores       []Score   `json:"scores,omitempty"`
}

// Evidence is an immutable record produced while executing a task.
// Records are append-only and never mutated.
type Evidence struct {
	TaskID      string    `json:"task_id"`
	Type        string    `json:"type"`
	Payload     string    `json:"payload"`
	CollectedAt time.Time `json:"collected_at"`
}

// Score rates one task attempt along named dimensions.
type Score struct {
	TaskID     string             `json:"task_id"`
	Attempt    int                `json:"attempt"`
	Dimensions map[string]float64 `json:"dimensions,omitempty"`
	Total      float64            `json:"total"`
	ComputedAt time.Time          `json:"computed_at"`
}

// Transition is one entry of a task's persisted status history.
type Transition struct {
	TaskID string    `json:"task_id"`
	From   Status    `json:"from"`
	To     Status    `json:"to"`
	At     time.Time `json:"at"`
	Reason string    `json:"reason,omitempty"`
}

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// RunSummary aggregates per-status counts for a run.
type RunSummary struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Blocked int `json:"blocked"`
}

// Run is one execution attempt over a task graph, independently
// resumable by its RunID.
type Run struct {
	RunID     string             `json:"run_id"`
	Status    RunStatus          `json:"status"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
	Tasks     []*Task            `json:"tasks"`
	Results   map[string]*Result `json:"results,omitempty"`
	Summary   RunSummary         `json:"summary"`
}

// Task returns the task with the given id, or nil.
func (r *Run) Task(id string) *Task {
	for _, t := range r.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Summarize recomputes the run summary from task statuses.
func (r *Run) Summarize() {
	s := RunSummary{Total: len(r.Tasks)}
	for _, t := range r.Tasks {
		switch t.Status {
		case StatusPassed:
			s.Passed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusBlocked:
			s.Blocked++
		}
	}
	r.Summary = s
}

// GenerateTaskID creates a unique task identifier.
func GenerateTaskID() string {
	u := uuid.New().String()
	return "task_" + strings.ReplaceAll(u[:8], "-", "")
}

// GenerateRunID creates a unique run identifier.
func GenerateRunID() string {
	u := uuid.New().String()
	return "run_" + strings.ReplaceAll(u[:8], "-", "")
}
