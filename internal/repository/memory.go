// Copyright 2025 James Ross
package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
)

// InMemory is a process-local Repositories implementation used for tests
// and single-node development, mirroring the shape of the Redis-backed
// implementation in redis.go.
type InMemory struct {
	mu          sync.RWMutex
	tasks       map[string]*domain.Task
	artifacts   map[string]*domain.ProgramArtifact
	executions  map[string]*domain.ExecutionRecord
	validations map[string]*domain.ValidationResult
	canaries    map[string]*domain.CanaryDeployment
}

// NewInMemory returns an empty InMemory store.
func NewInMemory() *InMemory {
	return &InMemory{
		tasks:       make(map[string]*domain.Task),
		artifacts:   make(map[string]*domain.ProgramArtifact),
		executions:  make(map[string]*domain.ExecutionRecord),
		validations: make(map[string]*domain.ValidationResult),
		canaries:    make(map[string]*domain.CanaryDeployment),
	}
}

// AsRepositories bundles the receiver's own methods into a Repositories value.
func (m *InMemory) AsRepositories() Repositories {
	return Repositories{Tasks: m, Artifacts: m, Executions: m, Validations: m, Canaries: m}
}

func (m *InMemory) Create(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("repository: task %s already exists", t.ID)
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *InMemory) Get(ctx context.Context, id string) (*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrTaskNotFound, errs.NotFound, "task not found").WithDetail("task_id", id)
	}
	cp := *t
	return &cp, nil
}

func (m *InMemory) Update(ctx context.Context, t *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return errs.Wrap(errs.ErrTaskNotFound, errs.NotFound, "task not found").WithDetail("task_id", t.ID)
	}
	cp := *t
	m.tasks[t.ID] = &cp
	return nil
}

func (m *InMemory) List(ctx context.Context) ([]*domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*domain.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *InMemory) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
	return nil
}

// --- ArtifactRepository ---

func (m *InMemory) CreateArtifact(ctx context.Context, a *domain.ProgramArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; ok {
		return fmt.Errorf("repository: artifact %s already exists", a.ID)
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *InMemory) GetArtifact(ctx context.Context, id string) (*domain.ProgramArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.artifacts[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrArtifactNotFound, errs.NotFound, "artifact not found").WithDetail("artifact_id", id)
	}
	cp := *a
	return &cp, nil
}

func (m *InMemory) UpdateArtifact(ctx context.Context, a *domain.ProgramArtifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.artifacts[a.ID]; !ok {
		return errs.Wrap(errs.ErrArtifactNotFound, errs.NotFound, "artifact not found").WithDetail("artifact_id", a.ID)
	}
	cp := *a
	m.artifacts[a.ID] = &cp
	return nil
}

func (m *InMemory) ListArtifactsByTask(ctx context.Context, taskID string) ([]*domain.ProgramArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ProgramArtifact
	for _, a := range m.artifacts {
		if a.TaskID == taskID {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (m *InMemory) ActiveArtifactForTask(ctx context.Context, taskID string) (*domain.ProgramArtifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.artifacts {
		if a.TaskID == taskID && a.Status == domain.ArtifactActive {
			cp := *a
			return &cp, nil
		}
	}
	return nil, errs.Wrap(errs.ErrNoActiveArtifact, errs.NotFound, "no active artifact for task").WithDetail("task_id", taskID)
}

// --- ExecutionRepository ---

func (m *InMemory) CreateExecution(ctx context.Context, e *domain.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.executions[e.ID] = &cp
	return nil
}

func (m *InMemory) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrExecutionNotFound, errs.NotFound, "execution not found").WithDetail("execution_id", id)
	}
	cp := *e
	return &cp, nil
}

func (m *InMemory) ListExecutionsByProgram(ctx context.Context, programID string, limit int) ([]*domain.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ExecutionRecord
	for _, e := range m.executions {
		if e.ProgramID == programID {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *InMemory) ListExecutionsByTask(ctx context.Context, taskID string, since int64, limit int) ([]*domain.ExecutionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ExecutionRecord
	for _, e := range m.executions {
		if e.TaskID == taskID && e.ExecutedAt.Unix() >= since {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// --- ValidationRepository ---

func (m *InMemory) CreateValidation(ctx context.Context, v *domain.ValidationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	m.validations[v.ID] = &cp
	return nil
}

func (m *InMemory) GetValidation(ctx context.Context, id string) (*domain.ValidationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.validations[id]
	if !ok {
		return nil, fmt.Errorf("repository: validation %s not found", id)
	}
	cp := *v
	return &cp, nil
}

func (m *InMemory) ListValidationsByExecution(ctx context.Context, executionID string) ([]*domain.ValidationResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.ValidationResult
	for _, v := range m.validations {
		if v.ExecutionID == executionID {
			cp := *v
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ValidatedAt.Before(out[j].ValidatedAt) })
	return out, nil
}

// --- CanaryRepository ---

func (m *InMemory) CreateCanary(ctx context.Context, c *domain.CanaryDeployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.canaries[c.ID]; ok {
		return fmt.Errorf("repository: canary %s already exists", c.ID)
	}
	cp := *c
	m.canaries[c.ID] = &cp
	return nil
}

func (m *InMemory) GetCanary(ctx context.Context, id string) (*domain.CanaryDeployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.canaries[id]
	if !ok {
		return nil, errs.Wrap(errs.ErrCanaryNotFound, errs.NotFound, "canary not found").WithDetail("canary_id", id)
	}
	cp := *c
	return &cp, nil
}

func (m *InMemory) UpdateCanary(ctx context.Context, c *domain.CanaryDeployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.canaries[c.ID]; !ok {
		return errs.Wrap(errs.ErrCanaryNotFound, errs.NotFound, "canary not found").WithDetail("canary_id", c.ID)
	}
	cp := *c
	m.canaries[c.ID] = &cp
	return nil
}

func (m *InMemory) ActiveCanaryForTask(ctx context.Context, taskID string) (*domain.CanaryDeployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.canaries {
		if c.TaskID == taskID && (c.Status == domain.CanaryInProgress || c.Status == domain.CanaryPaused) {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *InMemory) ListCanariesByTask(ctx context.Context, taskID string) ([]*domain.CanaryDeployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.CanaryDeployment
	for _, c := range m.canaries {
		if c.TaskID == taskID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
