// Package localexec executes tasks as local shell commands. The command
// comes from task metadata, which keeps run definitions self-contained.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/orchard-run/orchard/internal/tasks"
)

// Metadata keys read by the executor and remediator.
const (
	MetaCommand   = "command"
	MetaRemediate = "remediate"
)

// ShellExecutor runs a task's metadata command through the shell.
type ShellExecutor struct {
	Shell string // defaults to /bin/sh
}

func (e *ShellExecutor) shell() string {
	if e.Shell != "" {
		return e.Shell
	}
	return "/bin/sh"
}

// Execute runs the task's command. A task without a command succeeds
// immediately; command failures are reported through the outcome so the
// scheduler can retry them.
func (e *ShellExecutor) Execute(ctx context.Context, t *tasks.Task) (*tasks.ExecOutcome, error) {
	command := t.Metadata[MetaCommand]
	if command == "" {
		return &tasks.ExecOutcome{Success: true, Output: "no command configured"}, nil
	}

	start := time.Now()
	cmd := exec.CommandContext(ctx, e.shell(), "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	elapsed := time.Since(start)

	out := &tasks.ExecOutcome{
		Output: buf.String(),
		EvidenceHints: map[string]string{
			"exec.duration_ms": strconv.FormatInt(elapsed.Milliseconds(), 10),
		},
	}

	if err != nil {
		if ctx.Err() != nil {
			return nil, tasks.Transient(fmt.Errorf("command interrupted: %w", ctx.Err()))
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.Success = false
			out.EvidenceHints["exec.exit_code"] = strconv.Itoa(exitErr.ExitCode())
			return out, nil
		}
		// Shell missing or unstartable: retrying will not help.
		return nil, tasks.Structural(fmt.Errorf("start command: %w", err))
	}

	out.Success = true
	out.EvidenceHints["exec.exit_code"] = "0"
	return out, nil
}

// ShellRemediator runs a task's remediation command, if it has one.
type ShellRemediator struct {
	Shell string
}

func (r *ShellRemediator) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	return "/bin/sh"
}

// Attempt runs the task's remediate command. Tasks without one report
// no remediation applied.
func (r *ShellRemediator) Attempt(ctx context.Context, t *tasks.Task, failureReason string) (bool, string, error) {
	command := t.Metadata[MetaRemediate]
	if command == "" {
		return false, "", nil
	}

	cmd := exec.CommandContext(ctx, r.shell(), "-c", command)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return false, buf.String(), tasks.Transient(fmt.Errorf("remediate command: %w", err))
	}
	return true, buf.String(), nil
}
