// Package cert implements the four-phase certification pipeline applied
// to every task attempt: evidence collection, gate enforcement, scoring
// and remediation.
package cert

import (
	"fmt"
	"strconv"

	"github.com/orchard-run/orchard/internal/tasks"
)

// Verdict is the outcome of evaluating one gate. Required is filled in
// by the pipeline from the gate's own configuration.
type Verdict struct {
	Gate     string `json:"gate"`
	Pass     bool   `json:"pass"`
	Required bool   `json:"required"`
	Reason   string `json:"reason"`
}

// Gate is a pass/fail predicate evaluated against a task's accumulated
// evidence. A failing required gate fails the attempt; advisory gates
// only record a warning.
type Gate interface {
	Name() string
	Required() bool
	Evaluate(evs []tasks.Evidence) (Verdict, error)
}

// GateDef is the declarative gate configuration parsed from run
// definition files.
type GateDef struct {
	Name         string  `yaml:"name" json:"name"`
	Kind         string  `yaml:"kind" json:"kind"` // "threshold" | "presence"
	Required     bool    `yaml:"required" json:"required"`
	EvidenceType string  `yaml:"evidence_type" json:"evidence_type"`
	Threshold    float64 `yaml:"threshold,omitempty" json:"threshold,omitempty"`
}

// FromDef builds a Gate from its declarative form. An unknown kind is a
// configuration defect.
func FromDef(d GateDef) (Gate, error) {
	switch d.Kind {
	case "threshold":
		return &ThresholdGate{name: d.Name, required: d.Required, evidenceType: d.EvidenceType, threshold: d.Threshold}, nil
	case "presence":
		return &PresenceGate{name: d.Name, required: d.Required, evidenceType: d.EvidenceType}, nil
	default:
		return nil, tasks.Structural(fmt.Errorf("gate %s: unknown kind %q", d.Name, d.Kind))
	}
}

// ThresholdGate passes when the most recent evidence record of its type
// carries a numeric payload at or above the threshold. Evidence is
// append-only, so judging the latest record lets a remediated re-check
// supersede earlier failing observations.
type ThresholdGate struct {
	name         string
	required     bool
	evidenceType string
	threshold    float64
}

// NewThresholdGate creates a threshold gate.
func NewThresholdGate(name string, required bool, evidenceType string, threshold float64) *ThresholdGate {
	return &ThresholdGate{name: name, required: required, evidenceType: evidenceType, threshold: threshold}
}

func (g *ThresholdGate) Name() string   { return g.name }
func (g *ThresholdGate) Required() bool { return g.required }

func (g *ThresholdGate) Evaluate(evs []tasks.Evidence) (Verdict, error) {
	var latest *tasks.Evidence
	for i := range evs {
		if evs[i].Type == g.evidenceType {
			latest = &evs[i]
		}
	}
	if latest == nil {
		// Missing evidence the gate consumes is a configuration defect,
		// not a failed attempt.
		return Verdict{}, tasks.Structural(fmt.Errorf("gate %s: no evidence of type %s collected", g.name, g.evidenceType))
	}
	v, err := strconv.ParseFloat(latest.Payload, 64)
	if err != nil {
		return Verdict{}, tasks.Structural(fmt.Errorf("gate %s: evidence %s payload %q is not numeric", g.name, g.evidenceType, latest.Payload))
	}
	if v < g.threshold {
		return Verdict{
			Gate:   g.name,
			Pass:   false,
			Reason: fmt.Sprintf("%s value %v below threshold %v", g.evidenceType, v, g.threshold),
		}, nil
	}
	return Verdict{Gate: g.name, Pass: true, Reason: fmt.Sprintf("%s value %v at or above %v", g.evidenceType, v, g.threshold)}, nil
}

// PresenceGate passes when at least one evidence record of its type was
// collected.
type PresenceGate struct {
	name         string
	required     bool
	evidenceType string
}

// NewPresenceGate creates a presence gate.
func NewPresenceGate(name string, required bool, evidenceType string) *PresenceGate {
	return &PresenceGate{name: name, required: required, evidenceType: evidenceType}
}

func (g *PresenceGate) Name() string   { return g.name }
func (g *PresenceGate) Required() bool { return g.required }

func (g *PresenceGate) Evaluate(evs []tasks.Evidence) (Verdict, error) {
	for _, ev := range evs {
		if ev.Type == g.evidenceType {
			return Verdict{Gate: g.name, Pass: true, Reason: fmt.Sprintf("%s evidence present", g.evidenceType)}, nil
		}
	}
	return Verdict{Gate: g.name, Pass: false, Reason: fmt.Sprintf("no %s evidence collected", g.evidenceType)}, nil
}
