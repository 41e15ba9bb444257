package run

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/graph"
	"github.com/orchard-run/orchard/internal/scheduler"
	"github.com/orchard-run/orchard/internal/tasks"
)

// Config carries the execution settings applied to every run the
// coordinator starts.
type Config struct {
	Concurrency int
	TaskTimeout time.Duration
	Policy      graph.Policy
	Backoff     scheduler.Backoff

	// DefaultMaxRetries applies to tasks that do not set their own
	// retry budget.
	DefaultMaxRetries int
}

// Coordinator owns run lifecycles: it validates and persists new runs,
// drives each one through a scheduler on its own goroutine, and exposes
// status, cancellation and resumption.
type Coordinator struct {
	store     tasks.Store
	bus       *events.Bus
	executor  tasks.Executor
	certifier scheduler.Certifier
	cfg       Config
	log       *slog.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	waits   map[string]chan struct{}
}

func NewCoordinator(store tasks.Store, bus *events.Bus, executor tasks.Executor, certifier scheduler.Certifier, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Backoff == (scheduler.Backoff{}) {
		cfg.Backoff = scheduler.DefaultBackoff()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		store:     store,
		bus:       bus,
		executor:  executor,
		certifier: certifier,
		cfg:       cfg,
		log:       log,
		cancels:   make(map[string]context.CancelFunc),
		waits:     make(map[string]chan struct{}),
	}
}

// StartRun validates the task list, persists a new run and starts
// executing it in the background. Structural problems in the task list
// (duplicates, unknown dependencies, cycles) fail the call before
// anything is stored.
func (c *Coordinator) StartRun(ctx context.Context, list []*tasks.Task) (string, error) {
	return c.StartRunWith(ctx, list, c.certifier)
}

// StartRunWith starts a run with a run-specific certifier, typically one
// built from a run definition's gates and scoring rules.
func (c *Coordinator) StartRunWith(ctx context.Context, list []*tasks.Task, certifier scheduler.Certifier) (string, error) {
	now := time.Now()
	for _, t := range list {
		if t.ID == "" {
			t.ID = tasks.GenerateTaskID()
		}
		if t.Status == "" {
			t.Status = tasks.StatusPending
		}
		if t.CreatedAt.IsZero() {
			t.CreatedAt = now
		}
		if t.MaxRetries == 0 {
			t.MaxRetries = c.cfg.DefaultMaxRetries
		}
	}
	g, err := graph.Build(list, c.cfg.Policy)
	if err != nil {
		return "", err
	}

	run := &tasks.Run{
		RunID:     tasks.GenerateRunID(),
		Status:    tasks.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Tasks:     list,
		Results:   make(map[string]*tasks.Result),
	}
	if err := c.store.CreateRun(run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	for _, t := range list {
		if t.Status != tasks.StatusSkipped {
			continue
		}
		_ = c.store.RecordTransition(run.RunID, tasks.Transition{
			TaskID: t.ID,
			From:   tasks.StatusPending,
			To:     tasks.StatusSkipped,
			At:     now,
			Reason: "skipped by definition",
		})
		c.bus.Publish(events.New(events.EventTaskSkipped, events.SourceCoordinator, run.RunID, map[string]any{"task_id": t.ID}))
	}

	c.launch(run, g, certifier)
	return run.RunID, nil
}

// Resume reloads a previously started run and continues it. Tasks left
// mid-flight by a crash are reset to pending; terminal results stay
// untouched and are replayed from the store rather than re-executed.
func (c *Coordinator) Resume(ctx context.Context, runID string) error {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.Status != tasks.RunRunning {
		return fmt.Errorf("run %s is %s, not resumable", runID, run.Status)
	}
	now := time.Now()
	for _, t := range run.Tasks {
		if t.Status != tasks.StatusRunning && t.Status != tasks.StatusReady {
			continue
		}
		from := t.Status
		t.Status = tasks.StatusPending
		t.StartedAt = nil
		if err := c.store.UpdateTask(runID, t); err != nil {
			return fmt.Errorf("reset task %s: %w", t.ID, err)
		}
		_ = c.store.RecordTransition(runID, tasks.Transition{
			TaskID: t.ID,
			From:   from,
			To:     tasks.StatusPending,
			At:     now,
			Reason: "reset on resume",
		})
	}
	g, err := graph.Build(run.Tasks, c.cfg.Policy)
	if err != nil {
		return err
	}
	c.launch(run, g, c.certifier)
	return nil
}

func (c *Coordinator) launch(run *tasks.Run, g *graph.Graph, certifier scheduler.Certifier) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancels[run.RunID] = cancel
	c.waits[run.RunID] = done
	c.mu.Unlock()

	c.bus.Publish(events.New(events.EventRunStarted, events.SourceCoordinator, run.RunID, map[string]any{"tasks": len(run.Tasks)}))
	c.log.Info("run started", "run_id", run.RunID, "tasks", len(run.Tasks))

	sched := scheduler.New(c.store, c.bus, c.executor, certifier, scheduler.Config{
		Concurrency: c.cfg.Concurrency,
		TaskTimeout: c.cfg.TaskTimeout,
		Backoff:     c.cfg.Backoff,
	})

	go func() {
		defer close(done)
		defer cancel()
		err := sched.Run(runCtx, run.RunID, g)
		c.finalize(run, err)
		c.mu.Lock()
		delete(c.cancels, run.RunID)
		c.mu.Unlock()
	}()
}

func (c *Coordinator) finalize(run *tasks.Run, runErr error) {
	run.Summarize()
	switch {
	case errors.Is(runErr, context.Canceled):
		run.Status = tasks.RunCancelled
	case run.Summary.Failed > 0 || run.Summary.Blocked > 0:
		run.Status = tasks.RunFailed
	default:
		run.Status = tasks.RunCompleted
	}
	run.UpdatedAt = time.Now()

	if err := c.store.SaveRunSnapshot(run); err != nil {
		c.log.Error("save run snapshot", "run_id", run.RunID, "error", err)
	}

	evType := events.EventRunCompleted
	if run.Status == tasks.RunCancelled {
		evType = events.EventRunCancelled
	}
	c.bus.Publish(events.New(evType, events.SourceCoordinator, run.RunID, map[string]any{
		"status":  string(run.Status),
		"passed":  run.Summary.Passed,
		"failed":  run.Summary.Failed,
		"blocked": run.Summary.Blocked,
		"skipped": run.Summary.Skipped,
	}))
	c.log.Info("run finished", "run_id", run.RunID, "status", run.Status,
		"passed", run.Summary.Passed, "failed", run.Summary.Failed,
		"blocked", run.Summary.Blocked, "skipped", run.Summary.Skipped)
}

// Store returns the coordinator's backing store.
func (c *Coordinator) Store() tasks.Store {
	return c.store
}

// GetRunStatus returns the stored view of a run.
func (c *Coordinator) GetRunStatus(ctx context.Context, runID string) (*tasks.Run, error) {
	return c.store.LoadRun(runID)
}

// ListRuns returns the stored runs, newest first.
func (c *Coordinator) ListRuns(ctx context.Context) ([]*tasks.Run, error) {
	return c.store.ListRuns()
}

// Transitions returns the recorded status history of a run.
func (c *Coordinator) Transitions(ctx context.Context, runID string) ([]tasks.Transition, error) {
	return c.store.LoadTransitions(runID)
}

// Layers returns the dependency layers of a run: tasks in the same layer
// have no ordering constraint between them.
func (c *Coordinator) Layers(ctx context.Context, runID string) ([][]string, error) {
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return nil, err
	}
	g, err := graph.Build(run.Tasks, c.cfg.Policy)
	if err != nil {
		return nil, err
	}
	return g.TopoLayers(), nil
}

// CancelRun requests cancellation of a run. Tasks already executing are
// allowed to finish; nothing new is dispatched. Cancelling a run that is
// not in flight in this process marks it cancelled in the store if it is
// still recorded as running.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) error {
	c.mu.Lock()
	cancel, ok := c.cancels[runID]
	c.mu.Unlock()
	if ok {
		cancel()
		return nil
	}
	run, err := c.store.LoadRun(runID)
	if err != nil {
		return err
	}
	if run.Status != tasks.RunRunning {
		return fmt.Errorf("run %s is already %s", runID, run.Status)
	}
	run.Status = tasks.RunCancelled
	run.UpdatedAt = time.Now()
	run.Summarize()
	if err := c.store.SaveRunSnapshot(run); err != nil {
		return fmt.Errorf("cancel run: %w", err)
	}
	c.bus.Publish(events.New(events.EventRunCancelled, events.SourceCoordinator, runID, map[string]any{"status": string(run.Status)}))
	return nil
}

// Wait blocks until the given run's scheduler goroutine has finished.
// It returns immediately for runs this process is not executing.
func (c *Coordinator) Wait(runID string) {
	c.mu.Lock()
	done, ok := c.waits[runID]
	c.mu.Unlock()
	if ok {
		<-done
	}
}
