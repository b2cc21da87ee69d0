// Copyright 2025 James Ross
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s, err := NewRedisStore(rdb, true)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestRedisStoreTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := &domain.Task{ID: "task-1", Name: "sum two numbers", CreatedAt: time.Now()}
	if err := s.Create(ctx, task); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != task.Name {
		t.Fatalf("expected name %q, got %q", task.Name, got.Name)
	}

	if _, err := s.Get(ctx, "missing"); errs.Classify(err) != errs.NotFound {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestRedisStoreArtifactIndexedByTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a1 := &domain.ProgramArtifact{ID: "art-1", TaskID: "task-1", Version: 1, Status: domain.ArtifactDeprecated}
	a2 := &domain.ProgramArtifact{ID: "art-2", TaskID: "task-1", Version: 2, Status: domain.ArtifactActive}
	if err := s.CreateArtifact(ctx, a1); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateArtifact(ctx, a2); err != nil {
		t.Fatal(err)
	}

	list, err := s.ListArtifactsByTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(list))
	}

	active, err := s.ActiveArtifactForTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if active.ID != "art-2" {
		t.Fatalf("expected art-2 active, got %s", active.ID)
	}
}

func TestRedisStoreExecutionsIndexedByTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 3; i++ {
		e := &domain.ExecutionRecord{
			ID:         "exec-" + string(rune('a'+i)),
			TaskID:     "task-1",
			ProgramID:  "program-1",
			ExecutedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.CreateExecution(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListExecutionsByTask(ctx, "task-1", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 executions, got %d", len(list))
	}
}

func TestRedisStoreCanaryActiveLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &domain.CanaryDeployment{ID: "canary-1", TaskID: "task-1", Status: domain.CanaryInProgress, CreatedAt: time.Now()}
	if err := s.CreateCanary(ctx, c); err != nil {
		t.Fatal(err)
	}

	active, err := s.ActiveCanaryForTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if active == nil || active.ID != "canary-1" {
		t.Fatalf("expected canary-1 active, got %+v", active)
	}

	c.Status = domain.CanaryCompleted
	if err := s.UpdateCanary(ctx, c); err != nil {
		t.Fatal(err)
	}
	active, err = s.ActiveCanaryForTask(ctx, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if active != nil {
		t.Fatalf("expected no active canary after completion, got %+v", active)
	}
}

// TestRedisStoreCompressesLargeExecutionPayloads asserts that an
// execution whose input/output clears compressionFloor round-trips
// correctly through zstd, and that a payload below the floor is still
// readable (stored with markerRaw instead).
func TestRedisStoreCompressesLargeExecutionPayloads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	big := make(map[string]interface{}, 200)
	for i := 0; i < 200; i++ {
		big[string(rune('a'+i%26))+"-"+string(rune('0'+i%10))] = "this value exists to push the JSON payload well past the compression floor"
	}

	exec := &domain.ExecutionRecord{ID: "exec-big", TaskID: "task-1", ProgramID: "program-1", InputData: big, OutputData: big, ExecutedAt: time.Now()}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetExecution(ctx, "exec-big")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.OutputData) != len(big) {
		t.Fatalf("expected %d output keys after round trip, got %d", len(big), len(got.OutputData))
	}
	if s.CompressionStats().PayloadsCompressed == 0 {
		t.Fatal("expected at least one payload to have been compressed")
	}

	small := &domain.ExecutionRecord{ID: "exec-small", TaskID: "task-1", ProgramID: "program-1", OutputData: map[string]interface{}{"ok": true}, ExecutedAt: time.Now()}
	if err := s.CreateExecution(ctx, small); err != nil {
		t.Fatal(err)
	}
	gotSmall, err := s.GetExecution(ctx, "exec-small")
	if err != nil {
		t.Fatal(err)
	}
	if gotSmall.OutputData["ok"] != true {
		t.Fatalf("expected small payload to round-trip uncompressed, got %+v", gotSmall.OutputData)
	}
}
