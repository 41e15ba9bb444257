package localexec

import (
	"context"
	"strconv"
	"time"

	"github.com/orchard-run/orchard/internal/tasks"
)

// OutputProbe records the command output of each attempt as evidence.
type OutputProbe struct{}

func (OutputProbe) Name() string { return "exec.output" }

func (OutputProbe) Collect(_ context.Context, t *tasks.Task, out *tasks.ExecOutcome) ([]tasks.Evidence, error) {
	if out.Output == "" {
		return nil, nil
	}
	return []tasks.Evidence{{
		TaskID:      t.ID,
		Type:        "exec.output",
		Payload:     out.Output,
		CollectedAt: time.Now(),
	}}, nil
}

// SuccessProbe records a numeric success flag, usable by threshold
// gates that require a passing final execution.
type SuccessProbe struct{}

func (SuccessProbe) Name() string { return "exec.success" }

func (SuccessProbe) Collect(_ context.Context, t *tasks.Task, out *tasks.ExecOutcome) ([]tasks.Evidence, error) {
	v := 0
	if out.Success {
		v = 1
	}
	return []tasks.Evidence{{
		TaskID:      t.ID,
		Type:        "exec.success",
		Payload:     strconv.Itoa(v),
		CollectedAt: time.Now(),
	}}, nil
}
