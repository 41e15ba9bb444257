package run

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orchard-run/orchard/internal/cert"
	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/tasks"
)

// TaskDef is one task entry in a run definition file.
type TaskDef struct {
	ID          string            `yaml:"id"`
	Description string            `yaml:"description,omitempty"`
	Category    string            `yaml:"category,omitempty"`
	DependsOn   []string          `yaml:"depends_on,omitempty"`
	MaxRetries  int               `yaml:"max_retries,omitempty"`
	Skip        bool              `yaml:"skip,omitempty"`
	Metadata    map[string]string `yaml:"metadata,omitempty"`
}

// Definition is a declarative run: the task list plus the gates and
// scoring rules applied per category.
type Definition struct {
	Tasks   []TaskDef                 `yaml:"tasks"`
	Gates   map[string][]cert.GateDef `yaml:"gates,omitempty"`
	Scoring []cert.ScoreRule          `yaml:"scoring,omitempty"`
}

// ParseDefinition parses and validates a YAML run definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse run definition: %w", err)
	}
	if len(def.Tasks) == 0 {
		return nil, fmt.Errorf("run definition has no tasks")
	}
	for i, t := range def.Tasks {
		if t.ID == "" {
			return nil, fmt.Errorf("task %d has no id", i)
		}
	}
	return &def, nil
}

// BuildTasks materializes the task list. Tasks marked skip enter the run
// already in skipped state.
func (d *Definition) BuildTasks() []*tasks.Task {
	now := time.Now()
	list := make([]*tasks.Task, 0, len(d.Tasks))
	for _, td := range d.Tasks {
		status := tasks.StatusPending
		if td.Skip {
			status = tasks.StatusSkipped
		}
		list = append(list, &tasks.Task{
			ID:          td.ID,
			Description: td.Description,
			Category:    td.Category,
			DependsOn:   td.DependsOn,
			Status:      status,
			Metadata:    td.Metadata,
			MaxRetries:  td.MaxRetries,
			CreatedAt:   now,
		})
	}
	return list
}

// BuildCertifier assembles a certification pipeline from the
// definition's gates and scoring rules.
func (d *Definition) BuildCertifier(store tasks.Store, bus *events.Bus, probes map[string][]cert.Probe, remediator tasks.Remediator) (*cert.Pipeline, error) {
	gates, err := d.BuildGates()
	if err != nil {
		return nil, err
	}
	return cert.New(cert.Config{
		Store:      store,
		Bus:        bus,
		Gates:      gates,
		Probes:     probes,
		Scorer:     cert.NewScorer(d.Scoring, 1),
		Remediator: remediator,
	}), nil
}

// BuildGates constructs the configured gates per category.
func (d *Definition) BuildGates() (map[string][]cert.Gate, error) {
	if len(d.Gates) == 0 {
		return nil, nil
	}
	gates := make(map[string][]cert.Gate, len(d.Gates))
	for category, defs := range d.Gates {
		for _, gd := range defs {
			g, err := cert.FromDef(gd)
			if err != nil {
				return nil, err
			}
			gates[category] = append(gates[category], g)
		}
	}
	return gates, nil
}
