// Copyright 2025 James Ross
package validator

import (
	"context"
	"testing"
	"time"

	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/repository"
)

func setup(t *testing.T) (*Validator, *repository.InMemory) {
	t.Helper()
	store := repository.NewInMemory()
	v := New(store, store, store, nil)
	return v, store
}

func TestValidateFailsExecutionYieldsExecutionFailedError(t *testing.T) {
	v, store := setup(t)
	ctx := context.Background()

	exec := &domain.ExecutionRecord{ID: "e1", TaskID: "t1", ProgramID: "p1", Status: domain.ExecutionError, ExecutedAt: time.Now()}
	_ = store.CreateExecution(ctx, exec)

	result, err := v.Validate(ctx, "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsValid || result.Score != 0 || result.Errors[0].Type != "execution_failed" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestValidateSchemaPassWithNoExpectedOutputScoresOne(t *testing.T) {
	v, store := setup(t)
	ctx := context.Background()

	task := &domain.Task{
		ID: "t1",
		OutputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"sum"},
			"properties": map[string]interface{}{
				"sum": map[string]interface{}{"type": "number"},
			},
		},
	}
	_ = store.Create(ctx, task)

	exec := &domain.ExecutionRecord{
		ID: "e1", TaskID: "t1", ProgramID: "p1", Status: domain.ExecutionSuccess,
		OutputData: map[string]interface{}{"sum": 4.0}, ExecutedAt: time.Now(),
	}
	_ = store.CreateExecution(ctx, exec)

	result, err := v.Validate(ctx, "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !result.IsValid || result.Score != 1.0 {
		t.Fatalf("expected valid score 1.0, got %+v", result)
	}
}

func TestValidateSchemaFailScoresZero(t *testing.T) {
	v, store := setup(t)
	ctx := context.Background()

	task := &domain.Task{
		ID: "t1",
		OutputSchema: map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"sum"},
		},
	}
	_ = store.Create(ctx, task)

	exec := &domain.ExecutionRecord{
		ID: "e1", TaskID: "t1", ProgramID: "p1", Status: domain.ExecutionSuccess,
		OutputData: map[string]interface{}{"other": 1.0}, ExecutedAt: time.Now(),
	}
	_ = store.CreateExecution(ctx, exec)

	result, err := v.Validate(ctx, "e1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.IsValid || result.Score != 0 {
		t.Fatalf("expected invalid score 0, got %+v", result)
	}
}

func TestValidateDeepComparisonMissingProperty(t *testing.T) {
	v, store := setup(t)
	ctx := context.Background()

	task := &domain.Task{ID: "t1"}
	_ = store.Create(ctx, task)

	exec := &domain.ExecutionRecord{
		ID: "e1", TaskID: "t1", ProgramID: "p1", Status: domain.ExecutionSuccess,
		OutputData: map[string]interface{}{"a": 1.0}, ExecutedAt: time.Now(),
	}
	_ = store.CreateExecution(ctx, exec)

	result, err := v.Validate(ctx, "e1", map[string]interface{}{"a": 1.0, "b": 2.0})
	if err != nil {
		t.Fatal(err)
	}
	if result.IsValid {
		t.Fatal("expected invalid result for missing property b")
	}
	if result.Errors[0].Type != "missing_property" {
		t.Fatalf("expected missing_property, got %+v", result.Errors)
	}
	if result.Score != 0.9 {
		t.Fatalf("expected score 0.9, got %f", result.Score)
	}
}

func TestDeepCompareArraysAndPrimitives(t *testing.T) {
	errs := deepCompare("$", []interface{}{1.0, "x"}, []interface{}{1.0, "x"})
	if len(errs) != 0 {
		t.Fatalf("expected no errors, got %+v", errs)
	}
	errs = deepCompare("$", []interface{}{1.0}, []interface{}{1.0, 2.0})
	if len(errs) != 1 || errs[0].Type != "length_mismatch" {
		t.Fatalf("expected length_mismatch, got %+v", errs)
	}
}
