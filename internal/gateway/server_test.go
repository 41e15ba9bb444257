package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/orchard-run/orchard/internal/cert"
	"github.com/orchard-run/orchard/internal/events"
	"github.com/orchard-run/orchard/internal/graph"
	"github.com/orchard-run/orchard/internal/run"
	"github.com/orchard-run/orchard/internal/scheduler"
	"github.com/orchard-run/orchard/internal/store"
	"github.com/orchard-run/orchard/internal/tasks"
)

type noopExecutor struct{}

func (noopExecutor) Execute(ctx context.Context, t *tasks.Task) (*tasks.ExecOutcome, error) {
	return &tasks.ExecOutcome{Success: true, Output: "ok"}, nil
}

// waitForEvents polls the bus history until at least n events are present.
func waitForEvents(bus *events.Bus, n int) {
	for i := 0; i < 200; i++ {
		if len(bus.History(100)) >= n {
			return
		}
		runtime.Gosched()
		time.Sleep(time.Millisecond)
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	bus := events.NewBus(64)
	t.Cleanup(func() { bus.Close() })

	st, err := store.Open(filepath.Join(t.TempDir(), "orchard.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	certifier := cert.New(cert.Config{Store: st, Bus: bus})
	coord := run.NewCoordinator(st, bus, noopExecutor{}, certifier, run.Config{
		Concurrency: 2,
		Policy:      graph.DefaultPolicy(),
		Backoff:     scheduler.DefaultBackoff(),
	}, nil)
	return NewServer(bus, coord, nil, nil, "localhost", 0)
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status %q, got %q", "ok", body["status"])
	}
}

func TestHandleEvents_Empty(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body []any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty array, got %d items", len(body))
	}
}

func TestHandleEvents_LimitParam(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	for i := 0; i < 10; i++ {
		srv.bus.Publish(events.New(events.EventTaskPassed, events.SourceScheduler, "run_x", map[string]any{"i": i}))
	}

	waitForEvents(srv.bus, 10)

	req := httptest.NewRequest(http.MethodGet, "/api/events?limit=5", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 5 {
		t.Fatalf("expected 5 events with limit=5, got %d", len(body))
	}
	if body[0]["run_id"] != "run_x" {
		t.Fatalf("expected run_id on event, got %v", body[0]["run_id"])
	}
}

func TestStartRunAndGet(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	def := strings.NewReader(`
tasks:
  - id: build
    description: build the project
  - id: test
    depends_on: [build]
`)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", def)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", w.Code, w.Body.String())
	}
	var created map[string]string
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	runID := created["run_id"]
	if runID == "" {
		t.Fatal("expected run_id in response")
	}
	srv.coordinator.Wait(runID)

	req = httptest.NewRequest(http.MethodGet, "/api/runs/"+runID, nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got["status"] != "completed" {
		t.Fatalf("expected completed run, got %v", got["status"])
	}
}

func TestStartRunRejectsInvalidDefinition(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader("tasks: []"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
}

func TestStartRunRejectsCycle(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	def := strings.NewReader(`
tasks:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`)
	req := httptest.NewRequest(http.MethodPost, "/api/runs", def)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected status 422, got %d", w.Code)
	}
}

func TestGetRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodGet, "/api/runs/run_missing", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestCancelRunNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/runs/run_missing/cancel", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	srv := newTestServer(t)
	defer srv.hub.Close()

	def := strings.NewReader("tasks:\n  - id: only\n")
	req := httptest.NewRequest(http.MethodPost, "/api/runs", def)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", w.Code)
	}
	var created map[string]string
	if err := json.NewDecoder(w.Body).Decode(&created); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	srv.coordinator.Wait(created["run_id"])

	req = httptest.NewRequest(http.MethodGet, "/api/runs", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var body []map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body) != 1 {
		t.Fatalf("expected 1 run, got %d", len(body))
	}
}
