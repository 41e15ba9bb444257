package localexec

import (
	"context"
	"strings"
	"testing"

	"github.com/orchard-run/orchard/internal/tasks"
)

func cmdTask(command string) *tasks.Task {
	return &tasks.Task{ID: "t1", Metadata: map[string]string{MetaCommand: command}}
}

func TestExecuteSuccess(t *testing.T) {
	e := &ShellExecutor{}
	out, err := e.Execute(context.Background(), cmdTask("echo hello"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Success {
		t.Fatal("expected success")
	}
	if !strings.Contains(out.Output, "hello") {
		t.Fatalf("expected output to contain hello, got %q", out.Output)
	}
	if out.EvidenceHints["exec.exit_code"] != "0" {
		t.Fatalf("expected exit_code hint 0, got %q", out.EvidenceHints["exec.exit_code"])
	}
	if out.EvidenceHints["exec.duration_ms"] == "" {
		t.Fatal("expected duration hint")
	}
}

func TestExecuteNoCommand(t *testing.T) {
	e := &ShellExecutor{}
	out, err := e.Execute(context.Background(), &tasks.Task{ID: "t1"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Success {
		t.Fatal("a task without a command must succeed")
	}
}

func TestExecuteCommandFails(t *testing.T) {
	e := &ShellExecutor{}
	out, err := e.Execute(context.Background(), cmdTask("echo broken >&2; exit 3"))
	if err != nil {
		t.Fatalf("exit failures must come back as outcomes, got %v", err)
	}
	if out.Success {
		t.Fatal("expected failed outcome")
	}
	if out.EvidenceHints["exec.exit_code"] != "3" {
		t.Fatalf("expected exit_code hint 3, got %q", out.EvidenceHints["exec.exit_code"])
	}
	if !strings.Contains(out.Output, "broken") {
		t.Fatalf("expected stderr in output, got %q", out.Output)
	}
}

func TestExecuteCancelled(t *testing.T) {
	e := &ShellExecutor{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Execute(ctx, cmdTask("sleep 10"))
	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if !tasks.IsTransient(err) {
		t.Fatalf("cancellation must be transient, got %v", err)
	}
}

func TestExecuteBadShell(t *testing.T) {
	e := &ShellExecutor{Shell: "/nonexistent/sh"}
	_, err := e.Execute(context.Background(), cmdTask("echo hi"))
	if !tasks.IsStructural(err) {
		t.Fatalf("unstartable shell must be structural, got %v", err)
	}
}

func TestRemediatorNoCommand(t *testing.T) {
	r := &ShellRemediator{}
	applied, _, err := r.Attempt(context.Background(), &tasks.Task{ID: "t1"}, "gate failed")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if applied {
		t.Fatal("no remediate command must report not applied")
	}
}

func TestRemediatorRunsCommand(t *testing.T) {
	r := &ShellRemediator{}
	tk := &tasks.Task{ID: "t1", Metadata: map[string]string{MetaRemediate: "echo fixed"}}
	applied, notes, err := r.Attempt(context.Background(), tk, "gate failed")
	if err != nil {
		t.Fatalf("attempt: %v", err)
	}
	if !applied {
		t.Fatal("expected remediation applied")
	}
	if !strings.Contains(notes, "fixed") {
		t.Fatalf("expected notes to carry command output, got %q", notes)
	}
}

func TestRemediatorCommandFails(t *testing.T) {
	r := &ShellRemediator{}
	tk := &tasks.Task{ID: "t1", Metadata: map[string]string{MetaRemediate: "exit 1"}}
	applied, _, err := r.Attempt(context.Background(), tk, "gate failed")
	if applied {
		t.Fatal("failed remediation must report not applied")
	}
	if !tasks.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestOutputProbe(t *testing.T) {
	evs, err := OutputProbe{}.Collect(context.Background(), &tasks.Task{ID: "t1"}, &tasks.ExecOutcome{Output: "42 tests passed"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 1 || evs[0].Type != "exec.output" || evs[0].Payload != "42 tests passed" {
		t.Fatalf("unexpected evidence %+v", evs)
	}

	evs, err = OutputProbe{}.Collect(context.Background(), &tasks.Task{ID: "t1"}, &tasks.ExecOutcome{})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 0 {
		t.Fatalf("empty output must yield no evidence, got %+v", evs)
	}
}

func TestSuccessProbe(t *testing.T) {
	evs, err := SuccessProbe{}.Collect(context.Background(), &tasks.Task{ID: "t1"}, &tasks.ExecOutcome{Success: true})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(evs) != 1 || evs[0].Payload != "1" {
		t.Fatalf("expected success payload 1, got %+v", evs)
	}

	evs, _ = SuccessProbe{}.Collect(context.Background(), &tasks.Task{ID: "t1"}, &tasks.ExecOutcome{})
	if evs[0].Payload != "0" {
		t.Fatalf("expected success payload 0, got %+v", evs)
	}
}
