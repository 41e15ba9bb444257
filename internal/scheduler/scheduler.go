// Package scheduler executes a task graph with bounded concurrency,
// retries and durable status tracking.
//
// The control loop is the sole writer of task status; workers execute
// tasks, run the certification pipeline and report back on a completion
// channel. Readiness is recomputed atomically with each processed
// completion, so no two completions interleave mid-reevaluation.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchard-run/orchard/internal/cert"
	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/graph"
	"github.com/orchard-run/orchard/internal/tasks"
)

// Certifier wraps each task attempt's outcome; implemented by
// cert.Pipeline.
type Certifier interface {
	Certify(ctx context.Context, runID string, t *tasks.Task, attempt int, out *tasks.ExecOutcome) (*cert.Outcome, error)
}

// Config holds scheduler tuning.
type Config struct {
	Concurrency int
	TaskTimeout time.Duration // 0 = no per-task timeout
	Backoff     Backoff
}

// Scheduler runs one graph to completion.
type Scheduler struct {
	store     tasks.Store
	bus       *events.Bus
	executor  tasks.Executor
	certifier Certifier
	cfg       Config
}

// New creates a Scheduler.
func New(store tasks.Store, bus *events.Bus, executor tasks.Executor, certifier Certifier, cfg Config) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Backoff == (Backoff{}) {
		cfg.Backoff = DefaultBackoff()
	}
	return &Scheduler{store: store, bus: bus, executor: executor, certifier: certifier, cfg: cfg}
}

// completion is a worker's report back to the control loop.
type completion struct {
	taskID   string
	execOut  *tasks.ExecOutcome
	outcome  *cert.Outcome
	err      error
	duration time.Duration
}

// Run executes the graph until every task is terminal or, after
// cancellation, until in-flight tasks drain. Task statuses in the graph
// reflect any prior progress loaded from the store; tasks already
// terminal are not re-executed.
func (s *Scheduler) Run(ctx context.Context, runID string, g *graph.Graph) error {
	n := g.Len()
	completions := make(chan completion, n)
	retryFires := make(chan string, n)

	view := func(id string) tasks.Status {
		if t := g.Task(id); t != nil {
			return t.Status
		}
		return tasks.StatusPending
	}

	results := make(map[string]*tasks.Result)
	for _, t := range g.Tasks() {
		if res, err := s.store.GetResult(runID, t.ID); err == nil {
			results[t.ID] = res
		}
	}

	// Dependents of terminal non-satisfying tasks (failed in a prior
	// process, or skipped under a strict policy) can never run.
	s.blockUnreachable(runID, g, results)

	running := 0
	waitingRetry := make(map[string]bool)
	cancelled := false
	done := ctx.Done()

	// Cancellation stops dispatch only. Workers get a detached context
	// so an in-flight attempt finishes on its own terms and its outcome
	// is persisted; the per-task timeout still applies.
	workCtx := context.WithoutCancel(ctx)

	for {
		if !cancelled {
			for _, id := range g.ReadyTasks(view) {
				if running >= s.cfg.Concurrency {
					break
				}
				s.dispatch(workCtx, runID, g, g.Task(id), results, completions)
				running++
			}
		}

		if running == 0 && len(waitingRetry) == 0 {
			if cancelled || len(g.ReadyTasks(view)) == 0 {
				break
			}
			continue
		}

		select {
		case comp := <-completions:
			running--
			s.handleCompletion(ctx, runID, g, comp, results, waitingRetry, retryFires, cancelled)
		case id := <-retryFires:
			if !waitingRetry[id] {
				continue
			}
			delete(waitingRetry, id)
			if cancelled {
				continue
			}
			if running < s.cfg.Concurrency {
				s.dispatch(workCtx, runID, g, g.Task(id), results, completions)
				running++
			} else {
				// No slot yet; re-arm and try again shortly.
				waitingRetry[id] = true
				time.AfterFunc(10*time.Millisecond, func() { retryFires <- id })
			}
		case <-done:
			done = nil
			cancelled = true
			slog.Info("run cancellation requested, draining in-flight tasks", "run_id", runID, "running", running)
			// Abandon backoff timers; waiting tasks stay ready for a
			// future resume.
			for id := range waitingRetry {
				delete(waitingRetry, id)
			}
		}
	}

	if cancelled {
		return ctx.Err()
	}
	return nil
}

// dispatch moves a task to running and hands it to a worker. The task
// must be pending (fresh) or ready (requeued retry).
func (s *Scheduler) dispatch(ctx context.Context, runID string, g *graph.Graph, t *tasks.Task, results map[string]*tasks.Result, completions chan<- completion) {
	// Resumability: a terminal result persisted by a prior attempt of
	// this run is reused verbatim, with no second executor call.
	if res := results[t.ID]; res != nil && res.Status.Terminal() && !t.Status.Terminal() {
		s.adoptStored(runID, t, res)
		go func() { completions <- completion{taskID: t.ID, outcome: &cert.Outcome{Passed: res.Status == tasks.StatusPassed}} }()
		return
	}

	if t.Status == tasks.StatusPending {
		s.transition(runID, t, tasks.StatusPending, tasks.StatusReady, "")
	}
	s.transition(runID, t, tasks.StatusReady, tasks.StatusRunning, "")

	now := time.Now()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	if err := s.store.UpdateTask(runID, t); err != nil {
		slog.Error("update task", "task_id", t.ID, "error", err)
	}

	res := results[t.ID]
	if res == nil {
		res = &tasks.Result{TaskID: t.ID}
		results[t.ID] = res
	}
	for _, dep := range g.SkippedDependencies(t.ID, func(id string) tasks.Status { return g.Task(id).Status }) {
		caveat := "skipped dependency: " + dep
		known := false
		for _, c := range res.Caveats {
			if c == caveat {
				known = true
				break
			}
		}
		if !known {
			res.Caveats = append(res.Caveats, caveat)
		}
	}

	s.publish(events.EventTaskStarted, runID, map[string]any{
		"task_id": t.ID,
		"attempt": t.RetryCount + 1,
	})
	slog.Info("task started", "run_id", runID, "task_id", t.ID, "attempt", t.RetryCount+1)

	go s.work(ctx, runID, t, completions)
}

// adoptStored replays a terminal result from a prior attempt of the same
// run without executing anything. No transition is recorded: the stored
// log already ends at this status, and the in-memory jump is graph
// reconstruction rather than a state change.
func (s *Scheduler) adoptStored(runID string, t *tasks.Task, res *tasks.Result) {
	slog.Info("reusing stored result", "run_id", runID, "task_id", t.ID, "status", res.Status)
	t.Status = res.Status
	now := time.Now()
	t.CompletedAt = &now
	if err := s.store.UpdateTask(runID, t); err != nil {
		slog.Error("update task", "task_id", t.ID, "error", err)
	}
}

// work executes one attempt off the control loop. It never touches task
// status; all state decisions happen on the completion channel.
func (s *Scheduler) work(ctx context.Context, runID string, t *tasks.Task, completions chan<- completion) {
	start := time.Now()

	execCtx := ctx
	if s.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
		defer cancel()
	}

	out, err := s.executor.Execute(execCtx, t)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = tasks.Transient(fmt.Errorf("task timed out after %s: %w", s.cfg.TaskTimeout, err))
		}
		completions <- completion{taskID: t.ID, err: err, duration: time.Since(start)}
		return
	}
	if out == nil {
		out = &tasks.ExecOutcome{}
	}

	outcome, err := s.certifier.Certify(ctx, runID, t, t.RetryCount+1, out)
	completions <- completion{taskID: t.ID, execOut: out, outcome: outcome, err: err, duration: time.Since(start)}
}

// handleCompletion is the single point where attempt outcomes become
// status transitions.
func (s *Scheduler) handleCompletion(ctx context.Context, runID string, g *graph.Graph, comp completion, results map[string]*tasks.Result, waitingRetry map[string]bool, retryFires chan<- string, cancelled bool) {
	t := g.Task(comp.taskID)
	if t.Status.Terminal() {
		// Stored-result replay; the status came from the store, but a
		// replayed failure still has to block its dependents.
		s.blockUnreachable(runID, g, results)
		return
	}

	res := results[t.ID]
	attempt := tasks.Attempt{Number: t.RetryCount + 1, Duration: comp.duration}
	if comp.execOut != nil {
		attempt.Output = comp.execOut.Output
	}
	if comp.err != nil {
		attempt.Error = comp.err.Error()
	}
	if comp.outcome != nil {
		attempt.GateReason = comp.outcome.Reason
		attempt.Remediated = comp.outcome.Remediations > 0
		res.Remediations += comp.outcome.Remediations
		res.Scores = append(res.Scores, comp.outcome.Scores...)
		res.Caveats = append(res.Caveats, comp.outcome.Warnings...)
	}
	res.Attempts = append(res.Attempts, attempt)

	switch {
	case comp.err != nil && tasks.IsStructural(comp.err):
		// Configuration defect: terminal immediately, no retry consumed.
		s.failTerminal(runID, g, t, res, "structural: "+comp.err.Error())

	case comp.err == nil && comp.outcome != nil && comp.outcome.Passed:
		s.transition(runID, t, tasks.StatusRunning, tasks.StatusPassed, "")
		now := time.Now()
		t.CompletedAt = &now
		res.Status = tasks.StatusPassed
		if comp.execOut != nil {
			res.Output = comp.execOut.Output
		}
		s.persist(runID, t, res)
		s.publish(events.EventTaskPassed, runID, map[string]any{
			"task_id":  t.ID,
			"attempts": len(res.Attempts),
		})
		slog.Info("task passed", "run_id", runID, "task_id", t.ID, "attempts", len(res.Attempts))

	default:
		reason := "executor error"
		if comp.err != nil {
			reason = comp.err.Error()
		} else if comp.outcome != nil && comp.outcome.Reason != "" {
			reason = comp.outcome.Reason
		}

		if t.RetryCount < t.MaxRetries {
			s.retry(runID, t, res, reason, waitingRetry, retryFires, cancelled)
			return
		}
		s.failTerminal(runID, g, t, res, reason)
	}

	// A terminal failure makes every transitive dependent unreachable.
	s.blockUnreachable(runID, g, results)
}

// retry requeues a failed attempt after backoff. During cancellation no
// timer is armed; the task stays ready for a future resume.
func (s *Scheduler) retry(runID string, t *tasks.Task, res *tasks.Result, reason string, waitingRetry map[string]bool, retryFires chan<- string, cancelled bool) {
	s.transition(runID, t, tasks.StatusRunning, tasks.StatusFailed, reason)
	t.RetryCount++
	s.transition(runID, t, tasks.StatusFailed, tasks.StatusReady, "retry")
	s.persist(runID, t, res)
	if cancelled {
		return
	}

	delay := s.cfg.Backoff.Delay(t.RetryCount)
	waitingRetry[t.ID] = true
	id := t.ID
	time.AfterFunc(delay, func() { retryFires <- id })

	s.publish(events.EventTaskRetrying, runID, map[string]any{
		"task_id": t.ID,
		"retry":   t.RetryCount,
		"delay":   delay.String(),
		"reason":  reason,
	})
	slog.Info("task retrying", "run_id", runID, "task_id", t.ID, "retry", t.RetryCount, "delay", delay)
}

// failTerminal marks a task failed for good. Dependents are blocked by
// the unreachability sweep that follows every terminal completion.
func (s *Scheduler) failTerminal(runID string, g *graph.Graph, t *tasks.Task, res *tasks.Result, reason string) {
	s.transition(runID, t, tasks.StatusRunning, tasks.StatusFailed, reason)
	now := time.Now()
	t.CompletedAt = &now
	res.Status = tasks.StatusFailed
	res.Reason = reason
	s.persist(runID, t, res)

	s.publish(events.EventTaskFailed, runID, map[string]any{
		"task_id": t.ID,
		"reason":  reason,
	})
	slog.Warn("task failed", "run_id", runID, "task_id", t.ID, "reason", reason)
}

// blockUnreachable blocks every non-terminal task downstream of a
// terminal non-satisfying one (failed, or skipped under a strict
// policy), annotating each with the causing task id.
func (s *Scheduler) blockUnreachable(runID string, g *graph.Graph, results map[string]*tasks.Result) {
	for _, t := range g.Tasks() {
		if !t.Status.Terminal() || g.Satisfies(t.Status) || t.Status == tasks.StatusBlocked {
			continue
		}
		for _, depID := range g.TransitiveDependents(t.ID) {
			dep := g.Task(depID)
			if dep.Status.Terminal() || dep.Status == tasks.StatusRunning {
				continue
			}
			s.block(runID, dep, t.ID)
			res := results[depID]
			if res == nil {
				res = &tasks.Result{TaskID: depID}
				results[depID] = res
			}
			res.Status = tasks.StatusBlocked
			res.BlockedBy = t.ID
			res.Reason = "dependency " + t.ID + " did not pass"
			if err := s.store.SaveResult(runID, res); err != nil {
				slog.Error("save result", "task_id", depID, "error", err)
			}
		}
	}
}

// block transitions one task to blocked, recording the causing task.
func (s *Scheduler) block(runID string, t *tasks.Task, causeID string) {
	if t.Status == tasks.StatusBlocked {
		return
	}
	s.transition(runID, t, t.Status, tasks.StatusBlocked, "blocked by "+causeID)
	now := time.Now()
	t.CompletedAt = &now
	if err := s.store.UpdateTask(runID, t); err != nil {
		slog.Error("update task", "task_id", t.ID, "error", err)
	}
	s.publish(events.EventTaskBlocked, runID, map[string]any{
		"task_id":    t.ID,
		"blocked_by": causeID,
	})
	slog.Info("task blocked", "run_id", runID, "task_id", t.ID, "blocked_by", causeID)
}

// transition applies a validated status change and records it durably.
func (s *Scheduler) transition(runID string, t *tasks.Task, from, to tasks.Status, reason string) {
	if err := t.Advance(from, to); err != nil {
		slog.Error("status transition rejected", "task_id", t.ID, "error", err)
		return
	}
	if err := s.store.RecordTransition(runID, tasks.Transition{
		TaskID: t.ID, From: from, To: to, At: time.Now(), Reason: reason,
	}); err != nil {
		slog.Error("record transition", "task_id", t.ID, "error", err)
	}
}

// persist writes the task row and its result synchronously.
func (s *Scheduler) persist(runID string, t *tasks.Task, res *tasks.Result) {
	if err := s.store.UpdateTask(runID, t); err != nil {
		slog.Error("update task", "task_id", t.ID, "error", err)
	}
	if err := s.store.SaveResult(runID, res); err != nil {
		slog.Error("save result", "task_id", t.ID, "error", err)
	}
}

func (s *Scheduler) publish(t events.EventType, runID string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.New(t, events.SourceScheduler, runID, payload))
}
