// Copyright 2025 James Ross
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
)

func TestInMemoryTaskLifecycle(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	task := &domain.Task{ID: "t1", Name: "test", CreatedAt: time.Now()}
	if err := m.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := m.Create(ctx, task); err == nil {
		t.Fatal("expected error creating duplicate task")
	}

	got, err := m.Get(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	got.Name = "mutated"
	stored, _ := m.Get(ctx, "t1")
	if stored.Name == "mutated" {
		t.Fatal("expected Get to return a defensive copy")
	}

	if err := m.Delete(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "t1"); errs.Classify(err) != errs.NotFound {
		t.Fatalf("expected NotFound after delete, got %v", err)
	}
}

func TestInMemoryActiveArtifactForTask(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	_ = m.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a1", TaskID: "t1", Version: 1, Status: domain.ArtifactDeprecated})
	_ = m.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactActive})

	active, err := m.ActiveArtifactForTask(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != "a2" {
		t.Fatalf("expected a2, got %s", active.ID)
	}

	if _, err := m.ActiveArtifactForTask(ctx, "missing-task"); errs.Classify(err) != errs.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}
