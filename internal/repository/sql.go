// Copyright 2025 James Ross

// SQLStore is the relational alternative to RedisStore (§5 Domain Stack):
// a database/sql-backed Repositories implementation selecting among
// Postgres, MySQL, and SQLite by driver name, grounded on the teacher's
// internal/job-budgeting (BudgetManager: *sql.DB held alongside narrow
// collaborators, parameterized INSERT/SELECT, JSON-serialized nested
// fields) and internal/exactly_once (SQLOutboxManager: generic
// database/sql usage portable across Postgres and SQLite backends in its
// own test suite). Every entity is stored as an indexed key column plus a
// base64-wrapped, optionally zstd-compressed JSON payload column, which
// keeps the five tables' DDL identical across all three dialects and
// reuses the same payloadCodec the Redis store uses.
package repository

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/loopai/engine/internal/config"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
)

// SQLStore is the database/sql-backed Repositories implementation.
type SQLStore struct {
	db     *sql.DB
	driver string
	codec  *payloadCodec
}

// NewSQLStore opens cfg.DSN with the driver named in cfg.Driver (postgres,
// mysql, or sqlite3 — matching the registered driver names of lib/pq,
// go-sql-driver/mysql, and mattn/go-sqlite3 respectively), applies pool
// settings, and ensures the five entity tables exist.
func NewSQLStore(cfg config.SQL, compressPayloads bool) (*SQLStore, error) {
	switch cfg.Driver {
	case "postgres", "mysql", "sqlite3":
	default:
		return nil, fmt.Errorf("repository: unsupported sql.driver %q (want postgres, mysql, or sqlite3)", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("repository: opening %s database: %w", cfg.Driver, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("repository: pinging %s database: %w", cfg.Driver, err)
	}

	codec, err := newPayloadCodec(compressPayloads)
	if err != nil {
		return nil, err
	}
	store := &SQLStore{db: db, driver: cfg.Driver, codec: codec}
	if err := store.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) AsRepositories() Repositories {
	return Repositories{Tasks: s, Artifacts: s, Executions: s, Validations: s, Canaries: s}
}

// placeholder returns the driver-appropriate positional parameter marker;
// lib/pq requires $1, $2, ... while go-sql-driver/mysql and
// mattn/go-sqlite3 both accept plain `?`.
func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// rebind rewrites a query written with $1,$2,... placeholders for the
// store's actual driver, so every query method below can be written once.
func (s *SQLStore) rebind(query string) string {
	if s.driver == "postgres" {
		return query
	}
	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			b.WriteString("?")
			i = j - 1
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS loopai_tasks (id VARCHAR(128) PRIMARY KEY, payload TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS loopai_artifacts (id VARCHAR(128) PRIMARY KEY, task_id VARCHAR(128) NOT NULL, payload TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS loopai_executions (id VARCHAR(128) PRIMARY KEY, task_id VARCHAR(128) NOT NULL, program_id VARCHAR(128) NOT NULL, executed_at BIGINT NOT NULL, payload TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS loopai_validations (id VARCHAR(128) PRIMARY KEY, execution_id VARCHAR(128) NOT NULL, payload TEXT NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS loopai_canaries (id VARCHAR(128) PRIMARY KEY, task_id VARCHAR(128) NOT NULL, status VARCHAR(32) NOT NULL, payload TEXT NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS idx_loopai_artifacts_task ON loopai_artifacts (task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loopai_executions_task ON loopai_executions (task_id, executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_loopai_executions_program ON loopai_executions (program_id, executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_loopai_validations_execution ON loopai_validations (execution_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loopai_canaries_task ON loopai_canaries (task_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("repository: ensuring schema: %w", err)
		}
	}
	return nil
}

// encodeEntity marshals v to JSON, runs it through the shared payloadCodec,
// and base64-wraps the result so it is safe to store in a TEXT column on
// every supported dialect.
func (s *SQLStore) encodeEntity(v interface{}) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(s.codec.encode(payload)), nil
}

func (s *SQLStore) decodeEntity(stored string, v interface{}) error {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return fmt.Errorf("repository: decoding base64 payload: %w", err)
	}
	payload, err := s.codec.decode(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}

// --- TaskRepository ---

func (s *SQLStore) Create(ctx context.Context, t *domain.Task) error {
	payload, err := s.encodeEntity(t)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO loopai_tasks (id, payload) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET payload = EXCLUDED.payload`)
	if s.driver != "postgres" {
		q = s.rebind(`REPLACE INTO loopai_tasks (id, payload) VALUES ($1, $2)`)
	}
	_, err = s.db.ExecContext(ctx, q, t.ID, payload)
	return err
}

func (s *SQLStore) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM loopai_tasks WHERE id = $1`), id)
	var payload string
	if err := row.Scan(&payload); err == sql.ErrNoRows {
		return nil, errs.Wrap(errs.ErrTaskNotFound, errs.NotFound, "task not found").WithDetail("task_id", id)
	} else if err != nil {
		return nil, err
	}
	var t domain.Task
	if err := s.decodeEntity(payload, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *SQLStore) Update(ctx context.Context, t *domain.Task) error { return s.Create(ctx, t) }

func (s *SQLStore) List(ctx context.Context) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM loopai_tasks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t domain.Task
		if err := s.decodeEntity(payload, &t); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM loopai_tasks WHERE id = $1`), id)
	return err
}

// --- ArtifactRepository ---

func (s *SQLStore) CreateArtifact(ctx context.Context, a *domain.ProgramArtifact) error {
	payload, err := s.encodeEntity(a)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO loopai_artifacts (id, task_id, payload) VALUES ($1, $2, $3)`)
	_, err = s.db.ExecContext(ctx, q, a.ID, a.TaskID, payload)
	return err
}

func (s *SQLStore) GetArtifact(ctx context.Context, id string) (*domain.ProgramArtifact, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM loopai_artifacts WHERE id = $1`), id)
	var payload string
	if err := row.Scan(&payload); err == sql.ErrNoRows {
		return nil, errs.Wrap(errs.ErrArtifactNotFound, errs.NotFound, "artifact not found").WithDetail("artifact_id", id)
	} else if err != nil {
		return nil, err
	}
	var a domain.ProgramArtifact
	if err := s.decodeEntity(payload, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *SQLStore) UpdateArtifact(ctx context.Context, a *domain.ProgramArtifact) error {
	payload, err := s.encodeEntity(a)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE loopai_artifacts SET payload = $1 WHERE id = $2`), payload, a.ID)
	return err
}

func (s *SQLStore) ListArtifactsByTask(ctx context.Context, taskID string) ([]*domain.ProgramArtifact, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT payload FROM loopai_artifacts WHERE task_id = $1`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ProgramArtifact
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var a domain.ProgramArtifact
		if err := s.decodeEntity(payload, &a); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func (s *SQLStore) ActiveArtifactForTask(ctx context.Context, taskID string) (*domain.ProgramArtifact, error) {
	artifacts, err := s.ListArtifactsByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, a := range artifacts {
		if a.Status == domain.ArtifactActive {
			return a, nil
		}
	}
	return nil, errs.Wrap(errs.ErrNoActiveArtifact, errs.NotFound, "no active artifact for task").WithDetail("task_id", taskID)
}

// --- ExecutionRepository ---

func (s *SQLStore) CreateExecution(ctx context.Context, e *domain.ExecutionRecord) error {
	payload, err := s.encodeEntity(e)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO loopai_executions (id, task_id, program_id, executed_at, payload) VALUES ($1, $2, $3, $4, $5)`)
	_, err = s.db.ExecContext(ctx, q, e.ID, e.TaskID, e.ProgramID, e.ExecutedAt.Unix(), payload)
	return err
}

func (s *SQLStore) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM loopai_executions WHERE id = $1`), id)
	var payload string
	if err := row.Scan(&payload); err == sql.ErrNoRows {
		return nil, errs.Wrap(errs.ErrExecutionNotFound, errs.NotFound, "execution not found").WithDetail("execution_id", id)
	} else if err != nil {
		return nil, err
	}
	var e domain.ExecutionRecord
	if err := s.decodeEntity(payload, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLStore) ListExecutionsByProgram(ctx context.Context, programID string, limit int) ([]*domain.ExecutionRecord, error) {
	q := s.rebind(`SELECT payload FROM loopai_executions WHERE program_id = $1 ORDER BY executed_at DESC LIMIT $2`)
	return s.queryExecutions(ctx, q, programID, limit)
}

func (s *SQLStore) ListExecutionsByTask(ctx context.Context, taskID string, since int64, limit int) ([]*domain.ExecutionRecord, error) {
	q := s.rebind(`SELECT payload FROM loopai_executions WHERE task_id = $1 AND executed_at >= $2 ORDER BY executed_at DESC LIMIT $3`)
	return s.queryExecutions(ctx, q, taskID, since, limit)
}

func (s *SQLStore) queryExecutions(ctx context.Context, query string, args ...interface{}) ([]*domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ExecutionRecord
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var e domain.ExecutionRecord
		if err := s.decodeEntity(payload, &e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// --- ValidationRepository ---

func (s *SQLStore) CreateValidation(ctx context.Context, v *domain.ValidationResult) error {
	payload, err := s.encodeEntity(v)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO loopai_validations (id, execution_id, payload) VALUES ($1, $2, $3)`)
	_, err = s.db.ExecContext(ctx, q, v.ID, v.ExecutionID, payload)
	return err
}

func (s *SQLStore) GetValidation(ctx context.Context, id string) (*domain.ValidationResult, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM loopai_validations WHERE id = $1`), id)
	var payload string
	if err := row.Scan(&payload); err != nil {
		return nil, err
	}
	var v domain.ValidationResult
	if err := s.decodeEntity(payload, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLStore) ListValidationsByExecution(ctx context.Context, executionID string) ([]*domain.ValidationResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT payload FROM loopai_validations WHERE execution_id = $1`), executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.ValidationResult
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var v domain.ValidationResult
		if err := s.decodeEntity(payload, &v); err != nil {
			return nil, err
		}
		out = append(out, &v)
	}
	return out, rows.Err()
}

// --- CanaryRepository ---

func (s *SQLStore) CreateCanary(ctx context.Context, c *domain.CanaryDeployment) error {
	payload, err := s.encodeEntity(c)
	if err != nil {
		return err
	}
	q := s.rebind(`INSERT INTO loopai_canaries (id, task_id, status, payload) VALUES ($1, $2, $3, $4)`)
	_, err = s.db.ExecContext(ctx, q, c.ID, c.TaskID, string(c.Status), payload)
	return err
}

func (s *SQLStore) GetCanary(ctx context.Context, id string) (*domain.CanaryDeployment, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT payload FROM loopai_canaries WHERE id = $1`), id)
	var payload string
	if err := row.Scan(&payload); err == sql.ErrNoRows {
		return nil, errs.Wrap(errs.ErrCanaryNotFound, errs.NotFound, "canary not found").WithDetail("canary_id", id)
	} else if err != nil {
		return nil, err
	}
	var c domain.CanaryDeployment
	if err := s.decodeEntity(payload, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *SQLStore) UpdateCanary(ctx context.Context, c *domain.CanaryDeployment) error {
	payload, err := s.encodeEntity(c)
	if err != nil {
		return err
	}
	q := s.rebind(`UPDATE loopai_canaries SET status = $1, payload = $2 WHERE id = $3`)
	_, err = s.db.ExecContext(ctx, q, string(c.Status), payload, c.ID)
	return err
}

func (s *SQLStore) ActiveCanaryForTask(ctx context.Context, taskID string) (*domain.CanaryDeployment, error) {
	canaries, err := s.ListCanariesByTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	for _, c := range canaries {
		if c.Status == domain.CanaryInProgress || c.Status == domain.CanaryPaused {
			return c, nil
		}
	}
	return nil, nil
}

func (s *SQLStore) ListCanariesByTask(ctx context.Context, taskID string) ([]*domain.CanaryDeployment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT payload FROM loopai_canaries WHERE task_id = $1`), taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.CanaryDeployment
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var c domain.CanaryDeployment
		if err := s.decodeEntity(payload, &c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
