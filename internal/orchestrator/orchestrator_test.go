// Copyright 2025 James Ross
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/loopai/engine/internal/canary"
	"github.com/loopai/engine/internal/comparator"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/registry"
	"github.com/loopai/engine/internal/repository"
	"go.uber.org/zap"
)

type stubGenerator struct {
	resp GeneratorResponse
	err  error
	calls int
}

func (s *stubGenerator) Generate(ctx context.Context, req GeneratorRequest) (GeneratorResponse, error) {
	s.calls++
	return s.resp, s.err
}

func setup(t *testing.T, gen ProgramGenerator) (*Orchestrator, *repository.InMemory) {
	t.Helper()
	store := repository.NewInMemory()
	cmp := comparator.New(store, store, zap.NewNop())
	reg := registry.New()
	ctrl := canary.New(store, store, cmp, reg, zap.NewNop())
	orch := New(store.AsRepositories(), gen, ctrl, time.Hour, 5, 0.7, 3, time.Millisecond, zap.NewNop())
	return orch, store
}

func seedFailingTask(t *testing.T, store *repository.InMemory, taskID, artifactID string, failures, successes int) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, &domain.Task{ID: taskID, Name: "sum"}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: artifactID, TaskID: taskID, Version: 1, Status: domain.ArtifactActive, DeploymentPercentage: 1, Language: domain.LanguagePython}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < failures+successes; i++ {
		isFailure := i < failures
		execID := idFor("exec", i)
		if err := store.CreateExecution(ctx, &domain.ExecutionRecord{
			ID: execID, ProgramID: artifactID, TaskID: taskID, Status: domain.ExecutionSuccess,
			SampledForValidation: true, ExecutedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
		if err := store.CreateValidation(ctx, &domain.ValidationResult{
			ID: idFor("val", i), ExecutionID: execID, IsValid: !isFailure, ValidatedAt: time.Now(),
		}); err != nil {
			t.Fatal(err)
		}
	}
}

func idFor(prefix string, i int) string {
	return fmt.Sprintf("%s-%04d", prefix, i)
}

func TestEvaluateTaskSkipsWithoutEnoughFailures(t *testing.T) {
	orch, store := setup(t, &stubGenerator{})
	seedFailingTask(t, store, "t1", "a1", 2, 20)

	if err := orch.EvaluateTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	canaries, _ := store.ListCanariesByTask(context.Background(), "t1")
	if len(canaries) != 0 {
		t.Fatalf("expected no canary started, got %d", len(canaries))
	}
}

func TestEvaluateTaskStartsCanaryOnThresholdTrip(t *testing.T) {
	gen := &stubGenerator{resp: GeneratorResponse{Success: true, Code: "return input", Language: domain.LanguagePython}}
	orch, store := setup(t, gen)
	seedFailingTask(t, store, "t1", "a1", 6, 4)

	if err := orch.EvaluateTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	canaries, _ := store.ListCanariesByTask(context.Background(), "t1")
	if len(canaries) != 1 {
		t.Fatalf("expected one canary started, got %d", len(canaries))
	}
	if gen.calls != 1 {
		t.Fatalf("expected generator called once, got %d", gen.calls)
	}
}

func TestEvaluateTaskSkipsWhenCanaryAlreadyInProgress(t *testing.T) {
	gen := &stubGenerator{resp: GeneratorResponse{Success: true, Code: "x", Language: domain.LanguagePython}}
	orch, store := setup(t, gen)
	seedFailingTask(t, store, "t1", "a1", 6, 4)
	_ = store.CreateArtifact(context.Background(), &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})
	if _, err := orch.controller.Start(context.Background(), "t1", "a2"); err != nil {
		t.Fatal(err)
	}

	if err := orch.EvaluateTask(context.Background(), "t1"); err != nil {
		t.Fatal(err)
	}
	if gen.calls != 0 {
		t.Fatalf("expected generator not called while a canary is in flight, got %d calls", gen.calls)
	}
}

func TestRequestImprovementRetriesOnFailure(t *testing.T) {
	gen := &stubGenerator{err: errors.New("generator unavailable")}
	orch, _ := setup(t, gen)

	_, err := orch.requestImprovement(context.Background(), &domain.Task{ID: "t1"}, &domain.ProgramArtifact{Language: domain.LanguagePython}, nil)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if gen.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", gen.calls)
	}
}
