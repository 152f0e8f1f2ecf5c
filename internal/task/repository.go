package task

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// SQLiteStore persists tasks in the tasks table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.InitTable(); err != nil {
		return nil, err
	}
	return s, nil
}

// InitTable creates the tasks table if it doesn't exist
func (s *SQLiteStore) InitTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		requester_ref TEXT,
		idempotency_key TEXT,
		engine_handle TEXT,
		status TEXT NOT NULL,
		name TEXT,
		files TEXT,
		bytes_total INTEGER,
		bytes_done INTEGER,
		rate INTEGER,
		retry_count INTEGER,
		created_time DATETIME,
		updated_time DATETIME,
		result_ref TEXT,
		error_detail TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	`
	_, err := s.db.Exec(query)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, t Task) error {
	files, err := json.Marshal(t.Files)
	if err != nil {
		return fmt.Errorf("encode files: %w", err)
	}
	query := `
	INSERT INTO tasks (id, source, requester_ref, idempotency_key, engine_handle, status, name, files,
		bytes_total, bytes_done, rate, retry_count, created_time, updated_time, result_ref, error_detail)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		engine_handle = excluded.engine_handle,
		status = excluded.status,
		name = excluded.name,
		files = excluded.files,
		bytes_total = excluded.bytes_total,
		bytes_done = excluded.bytes_done,
		rate = excluded.rate,
		retry_count = excluded.retry_count,
		updated_time = excluded.updated_time,
		result_ref = excluded.result_ref,
		error_detail = excluded.error_detail`
	_, err = s.db.ExecContext(ctx, query,
		t.ID, t.Source, t.RequesterRef, t.IdempotencyKey, t.EngineHandle, string(t.Status), t.Name, string(files),
		t.BytesTotal, t.BytesDone, t.RateBytesPerSec, t.RetryCount, t.CreatedAt, t.UpdatedAt, t.ResultRef, t.ErrorDetail)
	return err
}

const selectColumns = `SELECT id, source, requester_ref, idempotency_key, engine_handle, status, name, files,
	bytes_total, bytes_done, rate, retry_count, created_time, updated_time, result_ref, error_detail FROM tasks`

func (s *SQLiteStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) List(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_time ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (Task, error) {
	var (
		t                                                    Task
		status                                               string
		requester, idemKey, handle, name, files, result, msg sql.NullString
	)
	err := row.Scan(&t.ID, &t.Source, &requester, &idemKey, &handle, &status, &name, &files,
		&t.BytesTotal, &t.BytesDone, &t.RateBytesPerSec, &t.RetryCount, &t.CreatedAt, &t.UpdatedAt, &result, &msg)
	if err != nil {
		return Task{}, err
	}
	t.Status = Status(status)
	t.RequesterRef = requester.String
	t.IdempotencyKey = idemKey.String
	t.EngineHandle = handle.String
	t.Name = name.String
	t.ResultRef = result.String
	t.ErrorDetail = msg.String
	if files.Valid && files.String != "" && files.String != "null" {
		if err := json.Unmarshal([]byte(files.String), &t.Files); err != nil {
			return Task{}, fmt.Errorf("decode files for task %s: %w", t.ID, err)
		}
	}
	return t, nil
}
