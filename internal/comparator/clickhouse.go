// Copyright 2025 James Ross

package comparator

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/loopai/engine/internal/config"
	"github.com/loopai/engine/internal/domain"
	"go.uber.org/zap"
)

// ClickHouseArchive is the analytics-tier backing for the Statistical
// Comparator's large-window percentile queries (§5 Domain Stack),
// grounded on internal/long-term-archives's ClickHouseExporter: the same
// clickhouse.OpenDB/Options shape, connect-then-ensureTable construction,
// and MergeTree-with-TTL table, generalized from an archived-job table to
// one row per execution so `quantile` can be computed in ClickHouse
// itself instead of in process memory once a program has accumulated
// more executions than comfortably fit in a ListExecutionsByProgram call.
type ClickHouseArchive struct {
	db  *sql.DB
	log *zap.Logger
}

// NewClickHouseArchive connects to cfg.Addr and ensures the archive table
// exists. Returns an error if cfg.Enabled is false, matching the
// teacher's ClickHouseExporter refusing to construct when disabled.
func NewClickHouseArchive(cfg config.ClickHouse, log *zap.Logger) (*ClickHouseArchive, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("comparator: clickhouse archive is disabled")
	}
	if log == nil {
		log = zap.NewNop()
	}

	db := clickhouse.OpenDB(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("comparator: pinging clickhouse: %w", err)
	}

	archive := &ClickHouseArchive{db: db, log: log}
	if err := archive.ensureTable(ctx); err != nil {
		return nil, err
	}
	log.Info("clickhouse archive initialized", zap.String("database", cfg.Database))
	return archive, nil
}

func (a *ClickHouseArchive) ensureTable(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS loopai_execution_archive (
			execution_id String,
			program_id String,
			task_id String,
			status LowCardinality(String),
			latency_ms Float64,
			sampled_for_validation UInt8,
			executed_at DateTime64(3)
		) ENGINE = MergeTree()
		PARTITION BY toYYYYMM(executed_at)
		ORDER BY (program_id, executed_at)
		TTL executed_at + INTERVAL 1 YEAR DELETE
		SETTINGS index_granularity = 8192
	`
	_, err := a.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("comparator: ensuring clickhouse archive table: %w", err)
	}
	return nil
}

// Record mirrors one ExecutionRecord into the archive. Implements
// repository.ExecutionArchiver so the repository layer can call it
// without importing this package.
func (a *ClickHouseArchive) Record(ctx context.Context, e *domain.ExecutionRecord) error {
	const insert = `INSERT INTO loopai_execution_archive
		(execution_id, program_id, task_id, status, latency_ms, sampled_for_validation, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	sampled := uint8(0)
	if e.SampledForValidation {
		sampled = 1
	}
	_, err := a.db.ExecContext(ctx, insert, e.ID, e.ProgramID, e.TaskID, string(e.Status), e.LatencyMs, sampled, e.ExecutedAt)
	return err
}

// WindowMetrics computes ArtifactMetrics for programID's last windowSize
// executions using ClickHouse's quantile functions, avoiding the in-memory
// sort §4.7's metricsFor performs over a ListExecutionsByProgram result.
// validation_rate is left at zero: the archive only mirrors execution
// rows, not validation outcomes, so callers needing validation_rate for a
// ClickHouse-backed window fall back to the repository-based path.
func (a *ClickHouseArchive) WindowMetrics(ctx context.Context, programID string, windowSize int) (ArtifactMetrics, error) {
	const query = `
		SELECT
			count() AS sample_size,
			avg(latency_ms) AS avg_latency_ms,
			quantile(0.50)(latency_ms) AS p50,
			quantile(0.95)(latency_ms) AS p95,
			quantile(0.99)(latency_ms) AS p99,
			countIf(status != 'success') / count() AS error_rate
		FROM (
			SELECT latency_ms, status FROM loopai_execution_archive
			WHERE program_id = ?
			ORDER BY executed_at DESC
			LIMIT ?
		)
	`
	row := a.db.QueryRowContext(ctx, query, programID, windowSize)
	var m ArtifactMetrics
	var sampleSize uint64
	if err := row.Scan(&sampleSize, &m.AvgLatencyMs, &m.P50LatencyMs, &m.P95LatencyMs, &m.P99LatencyMs, &m.ErrorRate); err != nil {
		return ArtifactMetrics{}, fmt.Errorf("comparator: querying clickhouse window metrics: %w", err)
	}
	m.SampleSize = int(sampleSize)
	return m, nil
}

// Close releases the underlying connection.
func (a *ClickHouseArchive) Close() error { return a.db.Close() }
