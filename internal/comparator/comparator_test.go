// Copyright 2025 James Ross
package comparator

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/repository"
)

func seedExecutions(t *testing.T, store *repository.InMemory, programID, taskID string, n int, latencyMs float64, failRate float64) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		status := domain.ExecutionSuccess
		if failRate > 0 && float64(i)/float64(n) < failRate {
			status = domain.ExecutionError
		}
		e := &domain.ExecutionRecord{
			ID:         idFor(programID, i),
			ProgramID:  programID,
			TaskID:     taskID,
			Status:     status,
			LatencyMs:  latencyMs,
			ExecutedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
}

func idFor(prefix string, i int) string {
	return fmt.Sprintf("%s-exec-%04d", prefix, i)
}

func TestCompareContinuesWhenSampleTooSmall(t *testing.T) {
	store := repository.NewInMemory()
	c := New(store, store, nil)
	seedExecutions(t, store, "control", "t1", 5, 100, 0)
	seedExecutions(t, store, "treatment", "t1", 5, 50, 0)

	result, err := c.Compare(context.Background(), "control", "treatment", Params{MinSampleSize: 100, MaxDegradation: 0.05, MinImprovement: 0.02})
	if err != nil {
		t.Fatal(err)
	}
	if result.Recommendation != RecommendContinue || result.Confidence != ConfidenceLow {
		t.Fatalf("expected continue/low, got %+v", result)
	}
}

func TestCompareRollsBackOnSignificantDegradation(t *testing.T) {
	store := repository.NewInMemory()
	c := New(store, store, nil)
	seedExecutions(t, store, "control", "t1", 60, 50, 0)
	seedExecutions(t, store, "treatment", "t1", 60, 500, 0)

	params := Params{MinSampleSize: 50, MaxDegradation: 0.10, MinImprovement: 0}
	result, err := c.Compare(context.Background(), "control", "treatment", params)
	if err != nil {
		t.Fatal(err)
	}
	if result.Recommendation != RecommendRollback {
		t.Fatalf("expected rollback, got %+v", result)
	}
}

func TestMetricsIncludeFailedExecutionLatency(t *testing.T) {
	store := repository.NewInMemory()
	c := New(store, store, nil)
	ctx := context.Background()

	_ = store.CreateExecution(ctx, &domain.ExecutionRecord{ID: "e1", ProgramID: "p1", Status: domain.ExecutionSuccess, LatencyMs: 10, ExecutedAt: time.Now()})
	_ = store.CreateExecution(ctx, &domain.ExecutionRecord{ID: "e2", ProgramID: "p1", Status: domain.ExecutionTimeout, LatencyMs: 1000, ExecutedAt: time.Now()})

	execs, _ := store.ListExecutionsByProgram(ctx, "p1", 10)
	metrics, err := c.metricsFor(ctx, execs)
	if err != nil {
		t.Fatal(err)
	}
	if metrics.AvgLatencyMs != 505 {
		t.Fatalf("expected avg latency 505 including failed execution, got %f", metrics.AvgLatencyMs)
	}
	if metrics.ErrorRate != 0.5 {
		t.Fatalf("expected error rate 0.5, got %f", metrics.ErrorRate)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	if p := percentile(sorted, 0.5); p != 30 {
		t.Fatalf("expected p50=30, got %f", p)
	}
	if p := percentile(sorted, 0.99); p != 50 {
		t.Fatalf("expected p99=50, got %f", p)
	}
}
