// Copyright 2025 James Ross

// Package repository defines the storage contracts every engine component
// depends on and provides an in-memory reference implementation. Grounded
// on `internal/storage-backends`'s QueueBackend interface style (context-
// first methods, a Capabilities() descriptor, Close() for lifecycle),
// generalized from a job queue backend to the five entity stores this
// engine needs: Tasks, ProgramArtifacts, ExecutionRecords,
// ValidationResults, and CanaryDeployments.
package repository

import (
	"context"

	"github.com/loopai/engine/internal/domain"
)

// TaskRepository persists Task definitions.
type TaskRepository interface {
	Create(ctx context.Context, t *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	Update(ctx context.Context, t *domain.Task) error
	List(ctx context.Context) ([]*domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// ArtifactRepository persists ProgramArtifact versions. Code/Version are
// immutable once created; Update only ever changes Status/DeploymentPercentage.
// Method names are suffixed because a single backing store (e.g. InMemory,
// Redis) implements all five repository interfaces at once and Go does
// not allow overloading Create/Get/Update by parameter type.
type ArtifactRepository interface {
	CreateArtifact(ctx context.Context, a *domain.ProgramArtifact) error
	GetArtifact(ctx context.Context, id string) (*domain.ProgramArtifact, error)
	UpdateArtifact(ctx context.Context, a *domain.ProgramArtifact) error
	ListArtifactsByTask(ctx context.Context, taskID string) ([]*domain.ProgramArtifact, error)
	ActiveArtifactForTask(ctx context.Context, taskID string) (*domain.ProgramArtifact, error)
}

// ExecutionRepository persists append-only ExecutionRecords.
type ExecutionRepository interface {
	CreateExecution(ctx context.Context, e *domain.ExecutionRecord) error
	GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error)
	ListExecutionsByProgram(ctx context.Context, programID string, limit int) ([]*domain.ExecutionRecord, error)
	ListExecutionsByTask(ctx context.Context, taskID string, since int64, limit int) ([]*domain.ExecutionRecord, error)
}

// ValidationRepository persists append-only ValidationResults.
type ValidationRepository interface {
	CreateValidation(ctx context.Context, v *domain.ValidationResult) error
	GetValidation(ctx context.Context, id string) (*domain.ValidationResult, error)
	ListValidationsByExecution(ctx context.Context, executionID string) ([]*domain.ValidationResult, error)
}

// CanaryRepository persists CanaryDeployment state machines.
type CanaryRepository interface {
	CreateCanary(ctx context.Context, c *domain.CanaryDeployment) error
	GetCanary(ctx context.Context, id string) (*domain.CanaryDeployment, error)
	UpdateCanary(ctx context.Context, c *domain.CanaryDeployment) error
	ActiveCanaryForTask(ctx context.Context, taskID string) (*domain.CanaryDeployment, error)
	ListCanariesByTask(ctx context.Context, taskID string) ([]*domain.CanaryDeployment, error)
}

// Repositories bundles every store the engine depends on, following the
// teacher's convention of wiring concrete dependencies together at the
// composition root rather than through a DI framework.
type Repositories struct {
	Tasks       TaskRepository
	Artifacts   ArtifactRepository
	Executions  ExecutionRepository
	Validations ValidationRepository
	Canaries    CanaryRepository
}
