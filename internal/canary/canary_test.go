// Copyright 2025 James Ross
package canary

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/loopai/engine/internal/comparator"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/registry"
	"github.com/loopai/engine/internal/repository"
	"go.uber.org/zap"
)

func setup(t *testing.T) (*Controller, *repository.InMemory) {
	t.Helper()
	store := repository.NewInMemory()
	cmp := comparator.New(store, store, zap.NewNop())
	reg := registry.New()
	return New(store, store, cmp, reg, zap.NewNop()), store
}

func seedTaskWithActiveArtifact(t *testing.T, store *repository.InMemory, taskID, artifactID string) {
	t.Helper()
	ctx := context.Background()
	if err := store.Create(ctx, &domain.Task{ID: taskID}); err != nil {
		t.Fatal(err)
	}
	if err := store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: artifactID, TaskID: taskID, Version: 1, Status: domain.ArtifactActive, DeploymentPercentage: 1, Language: domain.LanguagePython}); err != nil {
		t.Fatal(err)
	}
}

func TestStartRequiresActiveArtifact(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	_ = store.Create(ctx, &domain.Task{ID: "t1"})

	_, err := ctrl.Start(ctx, "t1", "new-program")
	if err == nil {
		t.Fatal("expected error when task has no active artifact")
	}
}

func TestStartSetsStage1AndSplitsTraffic(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft, Language: domain.LanguagePython})

	deployment, err := ctrl.Start(ctx, "t1", "a2")
	if err != nil {
		t.Fatal(err)
	}
	if deployment.CurrentStage != domain.Stage1_5 {
		t.Fatalf("expected Stage1_5, got %s", deployment.CurrentStage)
	}
	if deployment.CurrentPercentage != 0.05 {
		t.Fatalf("expected 5%% traffic, got %f", deployment.CurrentPercentage)
	}

	newArtifact, _ := store.GetArtifact(ctx, "a2")
	oldArtifact, _ := store.GetArtifact(ctx, "a1")
	if newArtifact.DeploymentPercentage != 0.05 {
		t.Fatalf("expected new artifact at 5%%, got %f", newArtifact.DeploymentPercentage)
	}
	if oldArtifact.DeploymentPercentage != 0.95 {
		t.Fatalf("expected old artifact at 95%%, got %f", oldArtifact.DeploymentPercentage)
	}
}

func TestStartRejectsConcurrentCanaryForSameTask(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a3", TaskID: "t1", Version: 3, Status: domain.ArtifactDraft})

	if _, err := ctrl.Start(ctx, "t1", "a2"); err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Start(ctx, "t1", "a3"); err == nil {
		t.Fatal("expected conflicting canary error")
	}
}

func TestRollbackRestoresCurrentArtifactToFullTraffic(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, err := ctrl.Start(ctx, "t1", "a2")
	if err != nil {
		t.Fatal(err)
	}

	rolled, err := ctrl.Rollback(ctx, deployment.ID, "manual abort")
	if err != nil {
		t.Fatal(err)
	}
	if rolled.Status != domain.CanaryRolledBack {
		t.Fatalf("expected rolled_back status, got %s", rolled.Status)
	}

	current, _ := store.GetArtifact(ctx, "a1")
	candidate, _ := store.GetArtifact(ctx, "a2")
	if current.DeploymentPercentage != 1 {
		t.Fatalf("expected current artifact restored to 100%%, got %f", current.DeploymentPercentage)
	}
	if candidate.DeploymentPercentage != 0 {
		t.Fatalf("expected rolled-back artifact at 0%%, got %f", candidate.DeploymentPercentage)
	}
}

func TestRollbackOnTerminalDeploymentIsNoop(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, _ := ctrl.Start(ctx, "t1", "a2")
	_, _ = ctrl.Rollback(ctx, deployment.ID, "first rollback")

	again, err := ctrl.Rollback(ctx, deployment.ID, "second rollback")
	if err != nil {
		t.Fatal(err)
	}
	if again.StatusReason != "first rollback" {
		t.Fatalf("expected terminal deployment untouched by second rollback, got reason %q", again.StatusReason)
	}
}

func TestAdvancePastStage4ActivatesNewArtifact(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, _ := ctrl.Start(ctx, "t1", "a2")
	deployment.CurrentStage = domain.Stage3_50

	atStage4, err := ctrl.advance(ctx, deployment)
	if err != nil {
		t.Fatal(err)
	}
	if atStage4.CurrentStage != domain.Stage4_100 || atStage4.Status != domain.CanaryInProgress {
		t.Fatalf("expected Stage4_100 still in_progress before the final advance, got %+v", atStage4)
	}

	final, err := ctrl.advance(ctx, atStage4)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.CanaryCompleted {
		t.Fatalf("expected completed status after advancing past stage4_100, got %s", final.Status)
	}

	newArtifact, _ := store.GetArtifact(ctx, "a2")
	oldArtifact, _ := store.GetArtifact(ctx, "a1")
	if newArtifact.Status != domain.ArtifactActive || newArtifact.DeploymentPercentage != 1 {
		t.Fatalf("expected new artifact active at 100%%, got %+v", newArtifact)
	}
	if oldArtifact.Status != domain.ArtifactDeprecated || oldArtifact.DeploymentPercentage != 0 {
		t.Fatalf("expected old artifact deprecated at 0%%, got %+v", oldArtifact)
	}
}

func TestResumeOnlyFromPaused(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, _ := ctrl.Start(ctx, "t1", "a2")
	if _, err := ctrl.Resume(ctx, deployment.ID); err == nil {
		t.Fatal("expected resume to fail on an in-progress (not paused) deployment")
	}

	deployment.Status = domain.CanaryPaused
	_ = store.UpdateCanary(ctx, deployment)
	resumed, err := ctrl.Resume(ctx, deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Status != domain.CanaryInProgress {
		t.Fatalf("expected in_progress after resume, got %s", resumed.Status)
	}
}

func TestEvaluateRollsBackOnSignificantDegradation(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})
	deployment, _ := ctrl.Start(ctx, "t1", "a2")

	for i := 0; i < 60; i++ {
		_ = store.CreateExecution(ctx, &domain.ExecutionRecord{ID: idForExec("a1", i), ProgramID: "a1", TaskID: "t1", Status: domain.ExecutionSuccess, LatencyMs: 50, ExecutedAt: time.Now()})
		_ = store.CreateExecution(ctx, &domain.ExecutionRecord{ID: idForExec("a2", i), ProgramID: "a2", TaskID: "t1", Status: domain.ExecutionSuccess, LatencyMs: 500, ExecutedAt: time.Now()})
	}

	outcome, err := ctrl.Evaluate(ctx, deployment.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !outcome.Rollback {
		t.Fatalf("expected rollback outcome, got %+v", outcome)
	}
}

func idForExec(prefix string, i int) string {
	return fmt.Sprintf("%s-exec-%04d", prefix, i)
}

// TestProgressToCompletionVisitsEveryStage covers scenario 3: four
// advance steps (the step Progress takes on a progress outcome) walk a
// canary through every stage to
// Completed, with the new artifact ending Active/1.0 and the old one
// Deprecated/0.0, and exactly four "promoted" history entries recorded.
func TestProgressToCompletionVisitsEveryStage(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, err := ctrl.Start(ctx, "t1", "a2")
	if err != nil {
		t.Fatal(err)
	}

	wantStages := []domain.CanaryStage{domain.Stage2_25, domain.Stage3_50, domain.Stage4_100, domain.StageCompleted}
	for i, want := range wantStages {
		advanced, err := ctrl.advance(ctx, deployment)
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
		if advanced.CurrentStage != want {
			t.Fatalf("advance %d: expected stage %s, got %s", i, want, advanced.CurrentStage)
		}
		deployment = advanced
	}

	if deployment.Status != domain.CanaryCompleted {
		t.Fatalf("expected Completed status at the end, got %s", deployment.Status)
	}

	newArtifact, _ := store.GetArtifact(ctx, "a2")
	oldArtifact, _ := store.GetArtifact(ctx, "a1")
	if newArtifact.Status != domain.ArtifactActive || newArtifact.DeploymentPercentage != 1 {
		t.Fatalf("expected new artifact active at 100%%, got %+v", newArtifact)
	}
	if oldArtifact.Status != domain.ArtifactDeprecated || oldArtifact.DeploymentPercentage != 0 {
		t.Fatalf("expected old artifact deprecated at 0%%, got %+v", oldArtifact)
	}

	promoted := 0
	for _, h := range deployment.History {
		if h.Action == domain.ActionPromoted {
			promoted++
		}
	}
	if promoted != 4 {
		t.Fatalf("expected 4 promoted history entries, got %d (%+v)", promoted, deployment.History)
	}
}

// TestDeploymentPercentageSumInvariant covers P1: across a task's
// non-Deprecated, non-Retired artifacts, deployment_percentage always
// sums to 1.0, both mid-canary and after rollback.
func TestDeploymentPercentageSumInvariant(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, err := ctrl.Start(ctx, "t1", "a2")
	if err != nil {
		t.Fatal(err)
	}
	assertPercentageSum(t, ctx, store, "t1")

	if _, err := ctrl.advance(ctx, deployment); err != nil {
		t.Fatal(err)
	}
	assertPercentageSum(t, ctx, store, "t1")

	deployment2, _ := store.ActiveCanaryForTask(ctx, "t1")
	if deployment2 != nil {
		if _, err := ctrl.Rollback(ctx, deployment2.ID, "invariant check"); err != nil {
			t.Fatal(err)
		}
		assertPercentageSum(t, ctx, store, "t1")
	}
}

func assertPercentageSum(t *testing.T, ctx context.Context, store *repository.InMemory, taskID string) {
	t.Helper()
	artifacts, err := store.ListArtifactsByTask(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	sum := 0.0
	for _, a := range artifacts {
		if a.Status == domain.ArtifactDeprecated || a.Status == domain.ArtifactRetired {
			continue
		}
		sum += a.DeploymentPercentage
	}
	if diff := sum - 1.0; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected deployment_percentage to sum to 1.0, got %f", sum)
	}
}

// TestAtMostOneActiveCanaryPerTask covers P2: once a deployment reaches a
// terminal status, a new canary can start for the same task, but never
// two simultaneously InProgress/Paused deployments.
func TestAtMostOneActiveCanaryPerTask(t *testing.T) {
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a3", TaskID: "t1", Version: 3, Status: domain.ArtifactDraft})

	first, err := ctrl.Start(ctx, "t1", "a2")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ctrl.Start(ctx, "t1", "a3"); err == nil {
		t.Fatal("expected second concurrent canary to be rejected")
	}

	if _, err := ctrl.Rollback(ctx, first.ID, "clearing the way"); err != nil {
		t.Fatal(err)
	}

	if _, err := ctrl.Start(ctx, "t1", "a3"); err != nil {
		t.Fatalf("expected a new canary to be startable once the prior one is terminal: %v", err)
	}
}

// TestCurrentPercentageMatchesStage covers P3: current_percentage always
// equals the canonical value for current_stage.
func TestCurrentPercentageMatchesStage(t *testing.T) {
	canonical := map[domain.CanaryStage]float64{
		domain.StageNotStarted: 0,
		domain.Stage1_5:        0.05,
		domain.Stage2_25:       0.25,
		domain.Stage3_50:       0.50,
		domain.Stage4_100:      1.0,
	}
	ctrl, store := setup(t)
	ctx := context.Background()
	seedTaskWithActiveArtifact(t, store, "t1", "a1")
	_ = store.CreateArtifact(ctx, &domain.ProgramArtifact{ID: "a2", TaskID: "t1", Version: 2, Status: domain.ArtifactDraft})

	deployment, err := ctrl.Start(ctx, "t1", "a2")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		want, ok := canonical[deployment.CurrentStage]
		if !ok || deployment.CurrentPercentage != want {
			t.Fatalf("stage %s: expected canonical percentage %v, got %v", deployment.CurrentStage, want, deployment.CurrentPercentage)
		}
		deployment, err = ctrl.advance(ctx, deployment)
		if err != nil {
			t.Fatal(err)
		}
	}
}
