package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orchard-run/orchard/internal/tasks"
)

func open(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "orchard.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun() *tasks.Run {
	now := time.Now()
	return &tasks.Run{
		RunID:     tasks.GenerateRunID(),
		Status:    tasks.RunRunning,
		CreatedAt: now,
		UpdatedAt: now,
		Tasks: []*tasks.Task{
			{ID: "build", Description: "compile", Category: "build", Status: tasks.StatusPending,
				Metadata: map[string]string{"command": "make"}, MaxRetries: 2, CreatedAt: now},
			{ID: "test", DependsOn: []string{"build"}, Status: tasks.StatusPending, CreatedAt: now},
		},
	}
}

func TestCreateAndLoadRun(t *testing.T) {
	st := open(t)
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadRun(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.RunRunning {
		t.Errorf("expected running, got %s", got.Status)
	}
	if len(got.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(got.Tasks))
	}
	// Insertion order survives the round trip.
	if got.Tasks[0].ID != "build" || got.Tasks[1].ID != "test" {
		t.Errorf("task order lost: %s, %s", got.Tasks[0].ID, got.Tasks[1].ID)
	}
	b := got.Tasks[0]
	if b.Description != "compile" || b.Category != "build" || b.MaxRetries != 2 {
		t.Errorf("task fields lost: %+v", b)
	}
	if b.Metadata["command"] != "make" {
		t.Errorf("metadata lost: %v", b.Metadata)
	}
	if got.Tasks[1].DependsOn[0] != "build" {
		t.Errorf("depends_on lost: %v", got.Tasks[1].DependsOn)
	}
}

func TestLoadRunNotFound(t *testing.T) {
	st := open(t)
	_, err := st.LoadRun("run_missing")
	if !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateTask(t *testing.T) {
	st := open(t)
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	tk := run.Tasks[0]
	now := time.Now()
	tk.Status = tasks.StatusRunning
	tk.RetryCount = 1
	tk.StartedAt = &now
	if err := st.UpdateTask(run.RunID, tk); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadRun(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	b := got.Task("build")
	if b.Status != tasks.StatusRunning || b.RetryCount != 1 || b.StartedAt == nil {
		t.Errorf("update lost: %+v", b)
	}

	if err := st.UpdateTask(run.RunID, &tasks.Task{ID: "ghost"}); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown task, got %v", err)
	}
}

func TestResultsRoundTrip(t *testing.T) {
	st := open(t)
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	res := &tasks.Result{
		TaskID:  "build",
		Status:  tasks.StatusPassed,
		Output:  "ok",
		Caveats: []string{"skipped dependency: x"},
		Attempts: []tasks.Attempt{
			{Number: 1, Error: "boom", Duration: time.Second},
			{Number: 2, Output: "ok", Duration: 2 * time.Second},
		},
		Scores: []tasks.Score{{TaskID: "build", Attempt: 2, Total: 1.5, Dimensions: map[string]float64{"gates": 1}}},
	}
	if err := st.SaveResult(run.RunID, res); err != nil {
		t.Fatal(err)
	}

	got, err := st.GetResult(run.RunID, "build")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.StatusPassed || got.Output != "ok" {
		t.Errorf("result lost: %+v", got)
	}
	if len(got.Attempts) != 2 || got.Attempts[0].Error != "boom" {
		t.Errorf("attempts lost: %+v", got.Attempts)
	}
	if len(got.Scores) != 1 || got.Scores[0].Dimensions["gates"] != 1 {
		t.Errorf("scores lost: %+v", got.Scores)
	}

	// Upsert replaces.
	res.Status = tasks.StatusFailed
	if err := st.SaveResult(run.RunID, res); err != nil {
		t.Fatal(err)
	}
	got, _ = st.GetResult(run.RunID, "build")
	if got.Status != tasks.StatusFailed {
		t.Errorf("expected upsert to replace, got %s", got.Status)
	}

	if _, err := st.GetResult(run.RunID, "ghost"); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEvidenceAppendOnlyOrder(t *testing.T) {
	st := open(t)
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	for i, payload := range []string{"0.4", "0.9", "0.95"} {
		ev := tasks.Evidence{TaskID: "build", Type: "coverage", Payload: payload, CollectedAt: time.Now().Add(time.Duration(i) * time.Millisecond)}
		if err := st.AppendEvidence(run.RunID, ev); err != nil {
			t.Fatal(err)
		}
	}

	evs, err := st.LoadEvidence(run.RunID, "build")
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(evs))
	}
	if evs[0].Payload != "0.4" || evs[2].Payload != "0.95" {
		t.Errorf("collection order lost: %+v", evs)
	}
}

func TestTransitionsRoundTrip(t *testing.T) {
	st := open(t)
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	trs := []tasks.Transition{
		{TaskID: "build", From: tasks.StatusPending, To: tasks.StatusReady, At: time.Now()},
		{TaskID: "build", From: tasks.StatusReady, To: tasks.StatusRunning, At: time.Now()},
		{TaskID: "build", From: tasks.StatusRunning, To: tasks.StatusFailed, At: time.Now(), Reason: "boom"},
	}
	for _, tr := range trs {
		if err := st.RecordTransition(run.RunID, tr); err != nil {
			t.Fatal(err)
		}
	}

	got, err := st.LoadTransitions(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 transitions, got %d", len(got))
	}
	if got[2].To != tasks.StatusFailed || got[2].Reason != "boom" {
		t.Errorf("transition detail lost: %+v", got[2])
	}
}

func TestSaveRunSnapshotAndList(t *testing.T) {
	st := open(t)
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}

	run.Status = tasks.RunCompleted
	run.Tasks[0].Status = tasks.StatusPassed
	run.Tasks[1].Status = tasks.StatusPassed
	run.Summarize()
	if err := st.SaveRunSnapshot(run); err != nil {
		t.Fatal(err)
	}

	got, err := st.LoadRun(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != tasks.RunCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}
	if got.Summary.Passed != 2 {
		t.Errorf("summary lost: %+v", got.Summary)
	}

	list, err := st.ListRuns()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].RunID != run.RunID {
		t.Errorf("unexpected list %+v", list)
	}

	if err := st.SaveRunSnapshot(&tasks.Run{RunID: "run_ghost"}); !errors.Is(err, tasks.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReopenPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orchard.db")

	st, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	run := sampleRun()
	if err := st.CreateRun(run); err != nil {
		t.Fatal(err)
	}
	if err := st.Close(); err != nil {
		t.Fatal(err)
	}

	st2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer st2.Close()

	got, err := st2.LoadRun(run.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Tasks) != 2 {
		t.Errorf("expected tasks to survive reopen, got %d", len(got.Tasks))
	}
}
