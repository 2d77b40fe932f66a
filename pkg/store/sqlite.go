package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/sciencegateway/jobgate/pkg/entity"
	"github.com/sciencegateway/jobgate/pkg/errors"
)

// SQLiteRegistry keeps job records, status histories and errors in a local
// SQLite file.
type SQLiteRegistry struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteRegistry, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, errors.WrapAndTrace(err)
		}
		dsn = "file:" + path
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.WrapAndTrace(err, "opening", path)
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WrapAndTrace(err, "opening", path)
	}
	if path != ":memory:" {
		var journalMode string
		if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
			_ = db.Close()
			return nil, errors.WrapAndTrace(err, "enabling WAL")
		}
		var busyTimeout int
		if err := db.QueryRowContext(ctx, "PRAGMA busy_timeout=5000").Scan(&busyTimeout); err != nil {
			_ = db.Close()
			return nil, errors.WrapAndTrace(err, "setting busy timeout")
		}
	}
	r := &SQLiteRegistry{db: db}
	if err := r.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *SQLiteRegistry) migrate(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			task_id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL,
			model TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS job_statuses (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			job_id TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT NOT NULL,
			changed_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_job_statuses_task ON job_statuses(task_id, seq);`,
		`CREATE TABLE IF NOT EXISTS errors (
			error_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			scope_id TEXT NOT NULL,
			model TEXT NOT NULL,
			PRIMARY KEY (error_id, scope)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.WrapAndTrace(err, "migrating registry")
		}
	}
	return errors.WrapAndTrace(tx.Commit())
}

func (r *SQLiteRegistry) Close() error {
	return errors.WrapAndTrace(r.db.Close())
}

// timeLayout has a fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// AppendJobRecord stores job and its statuses. Storing a record for a task
// that already has one replaces the record and restarts its history.
func (r *SQLiteRegistry) AppendJobRecord(ctx context.Context, job entity.JobModel) error {
	record := job
	record.Statuses = nil
	model, err := json.Marshal(record)
	if err != nil {
		return errors.WrapAndTrace(err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (task_id, job_id, model, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET job_id = excluded.job_id, model = excluded.model, updated_at = excluded.updated_at`,
		job.TaskID, job.JobID, string(model), formatTime(time.Now())); err != nil {
		return errors.WrapAndTrace(err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM job_statuses WHERE task_id = ?`, job.TaskID); err != nil {
		return errors.WrapAndTrace(err)
	}
	for _, s := range job.Statuses {
		if err := insertStatus(ctx, tx, job.TaskID, job.JobID, s); err != nil {
			return err
		}
	}
	return errors.WrapAndTrace(tx.Commit())
}

func insertStatus(ctx context.Context, tx *sql.Tx, taskID, jobID string, s entity.JobStatus) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_statuses (task_id, job_id, state, reason, changed_at) VALUES (?, ?, ?, ?, ?)`,
		taskID, jobID, string(s.State), s.Reason, formatTime(s.TimeOfStateChange))
	return errors.WrapAndTrace(err)
}

func (r *SQLiteRegistry) AppendJobStatus(ctx context.Context, taskID, jobID string, status entity.JobStatus) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE jobs SET job_id = ?, updated_at = ? WHERE task_id = ?`, jobID, formatTime(time.Now()), taskID)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return notFound("job for task", taskID)
	}
	if err := insertStatus(ctx, tx, taskID, jobID, status); err != nil {
		return err
	}
	return errors.WrapAndTrace(tx.Commit())
}

func (r *SQLiteRegistry) AppendError(ctx context.Context, scope entity.ErrorScope, scopeID string, e entity.ErrorModel) error {
	model, err := json.Marshal(e)
	if err != nil {
		return errors.WrapAndTrace(err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO errors (error_id, scope, scope_id, model) VALUES (?, ?, ?, ?)`,
		e.ErrorID, string(scope), scopeID, string(model))
	return errors.WrapAndTrace(err)
}

func (r *SQLiteRegistry) GetJob(ctx context.Context, taskID string) (entity.JobModel, error) {
	var jobID, model string
	err := r.db.QueryRowContext(ctx, `SELECT job_id, model FROM jobs WHERE task_id = ?`, taskID).Scan(&jobID, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return entity.JobModel{}, notFound("job for task", taskID)
	}
	if err != nil {
		return entity.JobModel{}, errors.WrapAndTrace(err)
	}
	var job entity.JobModel
	if err := json.Unmarshal([]byte(model), &job); err != nil {
		return entity.JobModel{}, errors.WrapAndTrace(err)
	}
	job.JobID = jobID
	job.Statuses, err = r.statuses(ctx, taskID)
	if err != nil {
		return entity.JobModel{}, err
	}
	return job, nil
}

func (r *SQLiteRegistry) statuses(ctx context.Context, taskID string) ([]entity.JobStatus, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT state, reason, changed_at FROM job_statuses WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []entity.JobStatus
	for rows.Next() {
		var state, reason, changedAt string
		if err := rows.Scan(&state, &reason, &changedAt); err != nil {
			return nil, errors.WrapAndTrace(err)
		}
		t, err := time.Parse(timeLayout, changedAt)
		if err != nil {
			return nil, errors.WrapAndTrace(err)
		}
		out = append(out, entity.JobStatus{State: entity.JobState(state), Reason: reason, TimeOfStateChange: t})
	}
	return out, errors.WrapAndTrace(rows.Err())
}

// ListJobs returns every job, most recently updated first.
func (r *SQLiteRegistry) ListJobs(ctx context.Context) ([]entity.JobModel, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT task_id FROM jobs ORDER BY updated_at DESC, task_id`)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	var taskIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, errors.WrapAndTrace(err)
		}
		taskIDs = append(taskIDs, id)
	}
	if err := rows.Close(); err != nil {
		return nil, errors.WrapAndTrace(err)
	}

	jobs := make([]entity.JobModel, 0, len(taskIDs))
	for _, id := range taskIDs {
		job, err := r.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (r *SQLiteRegistry) ListErrors(ctx context.Context, scope entity.ErrorScope, scopeID string) ([]entity.ErrorModel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT model FROM errors WHERE scope = ? AND scope_id = ? ORDER BY rowid`, string(scope), scopeID)
	if err != nil {
		return nil, errors.WrapAndTrace(err)
	}
	defer rows.Close() //nolint:errcheck // read-only

	var out []entity.ErrorModel
	for rows.Next() {
		var model string
		if err := rows.Scan(&model); err != nil {
			return nil, errors.WrapAndTrace(err)
		}
		var e entity.ErrorModel
		if err := json.Unmarshal([]byte(model), &e); err != nil {
			return nil, errors.WrapAndTrace(err)
		}
		out = append(out, e)
	}
	return out, errors.WrapAndTrace(rows.Err())
}
