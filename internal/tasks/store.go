package tasks

// Store is the durable source of truth for runs. All writes are
// synchronous: a crash between a returned write and the next scheduling
// decision loses at most the in-flight task. In-memory Run and graph
// objects are caches reconciled against the store on startup.
type Store interface {
	CreateRun(r *Run) error
	SaveRunSnapshot(r *Run) error
	LoadRun(runID string) (*Run, error)
	ListRuns() ([]*Run, error)

	UpdateTask(runID string, t *Task) error
	SaveResult(runID string, res *Result) error
	GetResult(runID, taskID string) (*Result, error)

	AppendEvidence(runID string, ev Evidence) error
	LoadEvidence(runID, taskID string) ([]Evidence, error)

	RecordTransition(runID string, tr Transition) error
	LoadTransitions(runID string) ([]Transition, error)

	Close() error
}
