package cert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/tasks"
)

// Probe collects evidence appropriate to a task's category. Probes are
// externally supplied; the core only defines the append-only collection
// contract.
type Probe interface {
	Name() string
	Collect(ctx context.Context, t *tasks.Task, out *tasks.ExecOutcome) ([]tasks.Evidence, error)
}

// Outcome is the pipeline's verdict for one task attempt.
type Outcome struct {
	Passed       bool
	Reason       string
	Remediations int
	Scores       []tasks.Score
	Warnings     []string
}

// Config holds dependencies for building a Pipeline. Gates and Probes
// are keyed by task category; the "" key applies to every category.
type Config struct {
	Store      tasks.Store
	Bus        *events.Bus
	Gates      map[string][]Gate
	Probes     map[string][]Probe
	Scorer     *Scorer
	Remediator tasks.Remediator
}

// Pipeline applies the four certification phases around each task
// attempt. Evidence and scores are persisted through the store as they
// are produced; the scheduler acts only on the returned Outcome.
type Pipeline struct {
	store      tasks.Store
	bus        *events.Bus
	gates      map[string][]Gate
	probes     map[string][]Probe
	scorer     *Scorer
	remediator tasks.Remediator
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	scorer := cfg.Scorer
	if scorer == nil {
		scorer = NewScorer(nil, 1)
	}
	return &Pipeline{
		store:      cfg.Store,
		bus:        cfg.Bus,
		gates:      cfg.Gates,
		probes:     cfg.Probes,
		scorer:     scorer,
		remediator: cfg.Remediator,
	}
}

// Certify runs the pipeline for one task attempt. A structural error
// (misconfigured gate, failing probe configuration) is returned as an
// error and must not consume a scheduler retry; everything else is
// expressed through the Outcome.
func (p *Pipeline) Certify(ctx context.Context, runID string, t *tasks.Task, attempt int, out *tasks.ExecOutcome) (*Outcome, error) {
	result := &Outcome{}

	// A failed execution is scored for trend analysis but never gated or
	// remediated; it takes the scheduler's retry path instead.
	if !out.Success {
		if err := p.collect(ctx, runID, t, out); err != nil {
			return nil, err
		}
		evs, err := p.store.LoadEvidence(runID, t.ID)
		if err != nil {
			return nil, fmt.Errorf("load evidence: %w", err)
		}
		result.Scores = append(result.Scores, p.scorer.Compute(t.ID, attempt, evs, nil))
		result.Passed = false
		result.Reason = "executor reported failure"
		return result, nil
	}

	verdicts, err := p.certifyOnce(ctx, runID, t, attempt, out, result)
	if err != nil {
		return nil, err
	}

	failed := failedRequired(verdicts)
	if failed == nil {
		result.Passed = true
		return result, nil
	}

	// Phase 4: remediation, at most once per attempt.
	if p.remediator == nil {
		result.Passed = false
		result.Reason = failed.Reason
		return result, nil
	}

	applied, notes, err := p.remediator.Attempt(ctx, t, failed.Reason)
	if err != nil {
		if tasks.IsStructural(err) {
			return nil, err
		}
		slog.Warn("remediation failed", "task_id", t.ID, "error", err)
		result.Passed = false
		result.Reason = failed.Reason
		return result, nil
	}
	if !applied {
		result.Passed = false
		result.Reason = failed.Reason
		return result, nil
	}

	result.Remediations++
	p.publish(events.EventRemediationApplied, runID, map[string]any{
		"task_id": t.ID,
		"gate":    failed.Gate,
		"notes":   notes,
	})

	// Remediation applied: re-run phases 1-3 once.
	verdicts, err = p.certifyOnce(ctx, runID, t, attempt, out, result)
	if err != nil {
		return nil, err
	}
	if failed := failedRequired(verdicts); failed != nil {
		result.Passed = false
		result.Reason = failed.Reason
		return result, nil
	}
	result.Passed = true
	return result, nil
}

// certifyOnce runs phases 1-3: collect, enforce gates, score.
func (p *Pipeline) certifyOnce(ctx context.Context, runID string, t *tasks.Task, attempt int, out *tasks.ExecOutcome, result *Outcome) ([]Verdict, error) {
	if err := p.collect(ctx, runID, t, out); err != nil {
		return nil, err
	}

	evs, err := p.store.LoadEvidence(runID, t.ID)
	if err != nil {
		return nil, fmt.Errorf("load evidence: %w", err)
	}

	verdicts, warnings, err := p.enforce(runID, t, evs)
	if err != nil {
		return nil, err
	}
	result.Warnings = append(result.Warnings, warnings...)

	score := p.scorer.Compute(t.ID, attempt, evs, verdicts)
	result.Scores = append(result.Scores, score)

	return verdicts, nil
}

// collect runs the category's probes and records executor evidence
// hints. Evidence is append-only; records are never rewritten.
func (p *Pipeline) collect(ctx context.Context, runID string, t *tasks.Task, out *tasks.ExecOutcome) error {
	probes := append(append([]Probe(nil), p.probes[""]...), p.probes[t.Category]...)
	for _, probe := range probes {
		evs, err := probe.Collect(ctx, t, out)
		if err != nil {
			if tasks.IsStructural(err) {
				return err
			}
			return tasks.Transient(fmt.Errorf("probe %s: %w", probe.Name(), err))
		}
		for _, ev := range evs {
			if err := p.record(runID, t.ID, ev.Type, ev.Payload); err != nil {
				return err
			}
		}
	}

	for hint, payload := range out.EvidenceHints {
		if err := p.record(runID, t.ID, hint, payload); err != nil {
			return err
		}
	}
	return nil
}

// record appends a single evidence record and publishes it.
func (p *Pipeline) record(runID, taskID, evType, payload string) error {
	ev := tasks.Evidence{
		TaskID:      taskID,
		Type:        evType,
		Payload:     payload,
		CollectedAt: time.Now(),
	}
	if err := p.store.AppendEvidence(runID, ev); err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}
	p.publish(events.EventEvidenceCollected, runID, map[string]any{
		"task_id": taskID,
		"type":    evType,
	})
	return nil
}

// enforce evaluates the category's gates. The first failing required
// gate decides the attempt; advisory failures only warn.
func (p *Pipeline) enforce(runID string, t *tasks.Task, evs []tasks.Evidence) ([]Verdict, []string, error) {
	gates := append(append([]Gate(nil), p.gates[""]...), p.gates[t.Category]...)

	var verdicts []Verdict
	var warnings []string
	for _, g := range gates {
		v, err := g.Evaluate(evs)
		if err != nil {
			// Gate evaluation errors are configuration defects.
			return nil, nil, err
		}
		v.Required = g.Required()
		verdicts = append(verdicts, v)
		if v.Pass {
			continue
		}
		if g.Required() {
			p.publish(events.EventGateFailed, runID, map[string]any{
				"task_id": t.ID,
				"gate":    g.Name(),
				"reason":  v.Reason,
			})
		} else {
			warnings = append(warnings, fmt.Sprintf("advisory gate %s: %s", g.Name(), v.Reason))
			p.publish(events.EventGateWarning, runID, map[string]any{
				"task_id": t.ID,
				"gate":    g.Name(),
				"reason":  v.Reason,
			})
		}
	}
	return verdicts, warnings, nil
}

// failedRequired returns the first failing required-gate verdict, if any.
func failedRequired(verdicts []Verdict) *Verdict {
	for i, v := range verdicts {
		if !v.Pass && v.Required {
			return &verdicts[i]
		}
	}
	return nil
}

func (p *Pipeline) publish(t events.EventType, runID string, payload map[string]any) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.New(t, events.SourcePipeline, runID, payload))
}
