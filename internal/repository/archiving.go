// Copyright 2025 James Ross
package repository

import (
	"context"

	"github.com/loopai/engine/internal/domain"
	"go.uber.org/zap"
)

// ExecutionArchiver mirrors ExecutionRecords into a secondary analytics
// store. Defined here (rather than imported from the archive's own
// package) so this package never has to import comparator, which is the
// archive's actual home (§5 Domain Stack) and already depends on
// repository for ExecutionRepository/ValidationRepository.
type ExecutionArchiver interface {
	Record(ctx context.Context, e *domain.ExecutionRecord) error
}

// archivingExecutions wraps an ExecutionRepository and mirrors every
// CreateExecution call into archiver on a best-effort basis: archive
// failures are logged, never returned, so an analytics-tier outage can
// never block the write path that the engine's executor depends on.
type archivingExecutions struct {
	ExecutionRepository
	archiver ExecutionArchiver
	log      *zap.Logger
}

// NewArchivingExecutions wraps inner so every created execution is also
// mirrored into archiver.
func NewArchivingExecutions(inner ExecutionRepository, archiver ExecutionArchiver, log *zap.Logger) ExecutionRepository {
	return &archivingExecutions{ExecutionRepository: inner, archiver: archiver, log: log}
}

func (a *archivingExecutions) CreateExecution(ctx context.Context, e *domain.ExecutionRecord) error {
	if err := a.ExecutionRepository.CreateExecution(ctx, e); err != nil {
		return err
	}
	if err := a.archiver.Record(ctx, e); err != nil && a.log != nil {
		a.log.Warn("archiving execution failed", zap.String("execution_id", e.ID), zap.Error(err))
	}
	return nil
}
