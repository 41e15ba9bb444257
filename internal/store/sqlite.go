// Package store persists run state in SQLite. Every write is committed
// before the call returns, so a crash between a write and the next
// scheduling decision loses at most the in-flight task.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/orchard-run/orchard/internal/tasks"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	summary    TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS run_tasks (
	run_id       TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	position     INTEGER NOT NULL,
	description  TEXT NOT NULL DEFAULT '',
	category     TEXT NOT NULL DEFAULT '',
	depends_on   TEXT NOT NULL DEFAULT '[]',
	status       TEXT NOT NULL,
	metadata     TEXT NOT NULL DEFAULT '{}',
	retry_count  INTEGER NOT NULL DEFAULT 0,
	max_retries  INTEGER NOT NULL DEFAULT 0,
	created_at   TEXT NOT NULL,
	started_at   TEXT,
	completed_at TEXT,
	PRIMARY KEY (run_id, task_id)
);
CREATE TABLE IF NOT EXISTS results (
	run_id  TEXT NOT NULL,
	task_id TEXT NOT NULL,
	data    TEXT NOT NULL,
	PRIMARY KEY (run_id, task_id)
);
CREATE TABLE IF NOT EXISTS evidence (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	task_id      TEXT NOT NULL,
	type         TEXT NOT NULL,
	payload      TEXT NOT NULL,
	collected_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	from_status TEXT NOT NULL,
	to_status   TEXT NOT NULL,
	at          TEXT NOT NULL,
	reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_evidence_task ON evidence (run_id, task_id);
CREATE INDEX IF NOT EXISTS idx_transitions_run ON transitions (run_id);
`

// SQLiteStore implements tasks.Store on a single SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. WAL mode with
// full synchronous writes keeps every commit durable.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under worker concurrency.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// CreateRun persists a new run together with its full task list.
func (s *SQLiteStore) CreateRun(r *tasks.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	defer tx.Rollback()

	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO runs (run_id, status, created_at, updated_at, summary) VALUES (?, ?, ?, ?, ?)`,
		r.RunID, string(r.Status), fmtTime(r.CreatedAt), fmtTime(r.UpdatedAt), string(summary),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", r.RunID, err)
	}

	for i, t := range r.Tasks {
		if err := upsertTask(tx, r.RunID, i, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// SaveRunSnapshot rewrites the run row and all task rows in one
// transaction.
func (s *SQLiteStore) SaveRunSnapshot(r *tasks.Run) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("save run snapshot: %w", err)
	}
	defer tx.Rollback()

	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	res, err := tx.Exec(
		`UPDATE runs SET status = ?, updated_at = ?, summary = ? WHERE run_id = ?`,
		string(r.Status), fmtTime(time.Now()), string(summary), r.RunID,
	)
	if err != nil {
		return fmt.Errorf("update run %s: %w", r.RunID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", r.RunID, tasks.ErrNotFound)
	}

	for i, t := range r.Tasks {
		if err := upsertTask(tx, r.RunID, i, t); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func upsertTask(tx *sql.Tx, runID string, position int, t *tasks.Task) error {
	dependsOn, err := json.Marshal(t.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}
	metadata, err := json.Marshal(t.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.Exec(`
		INSERT INTO run_tasks
			(run_id, task_id, position, description, category, depends_on, status, metadata,
			 retry_count, max_retries, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET
			position = excluded.position,
			status = excluded.status,
			retry_count = excluded.retry_count,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		runID, t.ID, position, t.Description, t.Category, string(dependsOn), string(t.Status),
		string(metadata), t.RetryCount, t.MaxRetries, fmtTime(t.CreatedAt),
		fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

// LoadRun reconstructs a run, its tasks (in original insertion order) and
// its results. Returns tasks.ErrNotFound for an unknown run id.
func (s *SQLiteStore) LoadRun(runID string) (*tasks.Run, error) {
	r := &tasks.Run{RunID: runID, Results: make(map[string]*tasks.Result)}

	var status, createdAt, updatedAt, summary string
	err := s.db.QueryRow(
		`SELECT status, created_at, updated_at, summary FROM runs WHERE run_id = ?`, runID,
	).Scan(&status, &createdAt, &updatedAt, &summary)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, tasks.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load run %s: %w", runID, err)
	}

	r.Status = tasks.RunStatus(status)
	r.CreatedAt = parseTime(createdAt)
	r.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
		return nil, fmt.Errorf("unmarshal summary: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT task_id, description, category, depends_on, status, metadata,
		       retry_count, max_retries, created_at, started_at, completed_at
		FROM run_tasks WHERE run_id = ? ORDER BY position`, runID)
	if err != nil {
		return nil, fmt.Errorf("load tasks for %s: %w", runID, err)
	}
	defer rows.Close()

	for rows.Next() {
		t := &tasks.Task{}
		var dependsOn, metadata, taskCreated string
		var startedAt, completedAt sql.NullString
		var st string
		if err := rows.Scan(&t.ID, &t.Description, &t.Category, &dependsOn, &st, &metadata,
			&t.RetryCount, &t.MaxRetries, &taskCreated, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		t.Status = tasks.Status(st)
		t.CreatedAt = parseTime(taskCreated)
		t.StartedAt = parseTimePtr(startedAt)
		t.CompletedAt = parseTimePtr(completedAt)
		if err := json.Unmarshal([]byte(dependsOn), &t.DependsOn); err != nil {
			return nil, fmt.Errorf("unmarshal depends_on: %w", err)
		}
		if err := json.Unmarshal([]byte(metadata), &t.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
		r.Tasks = append(r.Tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}

	resRows, err := s.db.Query(`SELECT data FROM results WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("load results for %s: %w", runID, err)
	}
	defer resRows.Close()

	for resRows.Next() {
		var data string
		if err := resRows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		var res tasks.Result
		if err := json.Unmarshal([]byte(data), &res); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
		r.Results[res.TaskID] = &res
	}
	return r, resRows.Err()
}

// ListRuns returns all runs, newest first, without task or result detail.
func (s *SQLiteStore) ListRuns() ([]*tasks.Run, error) {
	rows, err := s.db.Query(`SELECT run_id, status, created_at, updated_at, summary FROM runs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*tasks.Run
	for rows.Next() {
		r := &tasks.Run{}
		var status, createdAt, updatedAt, summary string
		if err := rows.Scan(&r.RunID, &status, &createdAt, &updatedAt, &summary); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Status = tasks.RunStatus(status)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
			return nil, fmt.Errorf("unmarshal summary: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateTask rewrites a single task row.
func (s *SQLiteStore) UpdateTask(runID string, t *tasks.Task) error {
	res, err := s.db.Exec(`
		UPDATE run_tasks SET status = ?, retry_count = ?, started_at = ?, completed_at = ?
		WHERE run_id = ? AND task_id = ?`,
		string(t.Status), t.RetryCount, fmtTimePtr(t.StartedAt), fmtTimePtr(t.CompletedAt),
		runID, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s in run %s: %w", t.ID, runID, tasks.ErrNotFound)
	}
	return nil
}

// SaveResult upserts the result record for a task.
func (s *SQLiteStore) SaveResult(runID string, result *tasks.Result) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO results (run_id, task_id, data) VALUES (?, ?, ?)
		ON CONFLICT (run_id, task_id) DO UPDATE SET data = excluded.data`,
		runID, result.TaskID, string(data),
	)
	if err != nil {
		return fmt.Errorf("save result %s: %w", result.TaskID, err)
	}
	return nil
}

// GetResult returns the stored result for a task, or tasks.ErrNotFound.
func (s *SQLiteStore) GetResult(runID, taskID string) (*tasks.Result, error) {
	var data string
	err := s.db.QueryRow(
		`SELECT data FROM results WHERE run_id = ? AND task_id = ?`, runID, taskID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("result for %s: %w", taskID, tasks.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", taskID, err)
	}
	var res tasks.Result
	if err := json.Unmarshal([]byte(data), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result: %w", err)
	}
	return &res, nil
}

// AppendEvidence appends one immutable evidence record.
func (s *SQLiteStore) AppendEvidence(runID string, ev tasks.Evidence) error {
	_, err := s.db.Exec(
		`INSERT INTO evidence (run_id, task_id, type, payload, collected_at) VALUES (?, ?, ?, ?, ?)`,
		runID, ev.TaskID, ev.Type, ev.Payload, fmtTime(ev.CollectedAt),
	)
	if err != nil {
		return fmt.Errorf("append evidence for %s: %w", ev.TaskID, err)
	}
	return nil
}

// LoadEvidence returns a task's evidence in collection order.
func (s *SQLiteStore) LoadEvidence(runID, taskID string) ([]tasks.Evidence, error) {
	rows, err := s.db.Query(
		`SELECT task_id, type, payload, collected_at FROM evidence
		 WHERE run_id = ? AND task_id = ? ORDER BY id`, runID, taskID)
	if err != nil {
		return nil, fmt.Errorf("load evidence for %s: %w", taskID, err)
	}
	defer rows.Close()

	var evs []tasks.Evidence
	for rows.Next() {
		var ev tasks.Evidence
		var collectedAt string
		if err := rows.Scan(&ev.TaskID, &ev.Type, &ev.Payload, &collectedAt); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		ev.CollectedAt = parseTime(collectedAt)
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// RecordTransition appends one status transition to the run's history.
func (s *SQLiteStore) RecordTransition(runID string, tr tasks.Transition) error {
	_, err := s.db.Exec(
		`INSERT INTO transitions (run_id, task_id, from_status, to_status, at, reason) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, tr.TaskID, string(tr.From), string(tr.To), fmtTime(tr.At), tr.Reason,
	)
	if err != nil {
		return fmt.Errorf("record transition %s: %w", tr.TaskID, err)
	}
	return nil
}

// LoadTransitions returns the run's full transition history in order.
func (s *SQLiteStore) LoadTransitions(runID string) ([]tasks.Transition, error) {
	rows, err := s.db.Query(
		`SELECT task_id, from_status, to_status, at, reason FROM transitions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("load transitions for %s: %w", runID, err)
	}
	defer rows.Close()

	var trs []tasks.Transition
	for rows.Next() {
		var tr tasks.Transition
		var from, to, at string
		if err := rows.Scan(&tr.TaskID, &from, &to, &at, &tr.Reason); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = tasks.Status(from)
		tr.To = tasks.Status(to)
		tr.At = parseTime(at)
		trs = append(trs, tr)
	}
	return trs, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}
