// Copyright 2025 James Ross

// Package canary implements the Canary Controller (C8): a staged-rollout
// state machine that shifts traffic from a task's currently-serving
// artifact to a new version, gated by the Statistical Comparator, with an
// append-only history of its transitions.
package canary

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loopai/engine/internal/comparator"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/registry"
	"github.com/loopai/engine/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// WebhookHandler is invoked on rollback; registered under registry.KindWebhookHandler.
type WebhookHandler interface {
	HandleAlert(ctx context.Context, alert CriticalAlert)
}

// CriticalAlert is raised whenever a canary rolls back.
type CriticalAlert struct {
	DeploymentID string
	TaskID       string
	Reason       string
	Timestamp    time.Time
}

// evaluateParams is the canary-tuned Statistical Comparator configuration
// from §4.8 Evaluate, distinct from the engine-wide comparator defaults.
var evaluateParams = comparator.Params{MinSampleSize: 50, MaxDegradation: 0.10, MinImprovement: 0}

// Controller drives CanaryDeployment state transitions.
type Controller struct {
	canaries   repository.CanaryRepository
	artifacts  repository.ArtifactRepository
	comparator *comparator.Comparator
	reg        *registry.Registry
	log        *zap.Logger
	cron       *cron.Cron
	taskLister func(ctx context.Context) ([]string, error)
}

// New returns a Controller wired against the given repositories and comparator.
func New(canaries repository.CanaryRepository, artifacts repository.ArtifactRepository, cmp *comparator.Comparator, reg *registry.Registry, log *zap.Logger) *Controller {
	return &Controller{canaries: canaries, artifacts: artifacts, comparator: cmp, reg: reg, log: log}
}

// Start implements §4.8 Start: preconditions (a) an active artifact exists
// for the task, (b) no CanaryDeployment is already InProgress or Paused
// for the task (invariant I3).
func (c *Controller) Start(ctx context.Context, taskID, newProgramID string) (*domain.CanaryDeployment, error) {
	active, err := c.artifacts.ActiveArtifactForTask(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrNoActiveArtifact, errs.NotFound, "task has no active artifact").WithDetail("task_id", taskID)
	}

	existing, err := c.canaries.ActiveCanaryForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("canary: checking existing deployment: %w", err)
	}
	if existing != nil {
		return nil, errs.Wrap(errs.ErrConflictingCanary, errs.ConflictingCanary, "a canary is already in progress or paused for this task").WithDetail("task_id", taskID).WithDetail("existing_canary_id", existing.ID)
	}

	newArtifact, err := c.artifacts.GetArtifact(ctx, newProgramID)
	if err != nil {
		return nil, fmt.Errorf("canary: fetching new artifact %s: %w", newProgramID, err)
	}

	now := time.Now()
	deployment := &domain.CanaryDeployment{
		ID:                uuid.New().String(),
		TaskID:            taskID,
		CurrentProgramID:  active.ID,
		NewProgramID:      newProgramID,
		CurrentStage:      domain.Stage1_5,
		CurrentPercentage: domain.StagePercentage[domain.Stage1_5],
		Status:            domain.CanaryInProgress,
		CreatedAt:         now,
	}
	deployment.AppendHistory(domain.CanaryHistoryEntry{Stage: deployment.CurrentStage, Percentage: deployment.CurrentPercentage, Action: domain.ActionStarted, Timestamp: now})

	newArtifact.DeploymentPercentage = domain.StagePercentage[domain.Stage1_5]
	active.DeploymentPercentage = 1 - domain.StagePercentage[domain.Stage1_5]

	if err := c.artifacts.UpdateArtifact(ctx, newArtifact); err != nil {
		return nil, fmt.Errorf("canary: updating new artifact percentage: %w", err)
	}
	if err := c.artifacts.UpdateArtifact(ctx, active); err != nil {
		return nil, fmt.Errorf("canary: updating active artifact percentage: %w", err)
	}
	if err := c.canaries.CreateCanary(ctx, deployment); err != nil {
		return nil, fmt.Errorf("canary: persisting deployment: %w", err)
	}

	obs.CanaryStageGauge.WithLabelValues(taskID).Set(deployment.CurrentPercentage)
	obs.CanaryTransitions.WithLabelValues(string(domain.ActionStarted)).Inc()
	return deployment, nil
}

// Progress implements §4.8 Progress: only from status=InProgress. Runs
// Evaluate and acts on its recommendation: progress, rollback, or pause.
func (c *Controller) Progress(ctx context.Context, canaryID string) (*domain.CanaryDeployment, error) {
	deployment, err := c.canaries.GetCanary(ctx, canaryID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != domain.CanaryInProgress {
		return nil, fmt.Errorf("canary: %s is not InProgress (status=%s)", canaryID, deployment.Status)
	}

	outcome, err := c.Evaluate(ctx, canaryID)
	if err != nil {
		return nil, err
	}

	switch {
	case outcome.Rollback:
		return c.Rollback(ctx, canaryID, outcome.Reason)
	case outcome.Pause:
		return c.pause(ctx, deployment, outcome.Reason)
	case outcome.Progress:
		return c.advance(ctx, deployment)
	default:
		// No decision flag set: hold at the current stage.
		return deployment, nil
	}
}

// advance moves the deployment to its next stage, updating both
// artifacts' deployment_percentage to maintain invariant I1. Stage4_100
// is its own steady state at 100% traffic; the following advance call,
// from Stage4_100 to Completed, triggers Activate.
func (c *Controller) advance(ctx context.Context, deployment *domain.CanaryDeployment) (*domain.CanaryDeployment, error) {
	next, ok := domain.NextStage(deployment.CurrentStage)
	if !ok {
		return deployment, nil
	}

	newArtifact, err := c.artifacts.GetArtifact(ctx, deployment.NewProgramID)
	if err != nil {
		return nil, fmt.Errorf("canary: fetching new artifact: %w", err)
	}
	currentArtifact, err := c.artifacts.GetArtifact(ctx, deployment.CurrentProgramID)
	if err != nil {
		return nil, fmt.Errorf("canary: fetching current artifact: %w", err)
	}

	pct := domain.StagePercentage[next]
	newArtifact.DeploymentPercentage = pct
	currentArtifact.DeploymentPercentage = 1 - pct
	if err := c.artifacts.UpdateArtifact(ctx, newArtifact); err != nil {
		return nil, fmt.Errorf("canary: updating new artifact: %w", err)
	}
	if err := c.artifacts.UpdateArtifact(ctx, currentArtifact); err != nil {
		return nil, fmt.Errorf("canary: updating current artifact: %w", err)
	}

	fromStage4 := deployment.CurrentStage == domain.Stage4_100
	deployment.CurrentStage = next
	deployment.CurrentPercentage = pct
	deployment.AppendHistory(domain.CanaryHistoryEntry{Stage: next, Percentage: pct, Action: domain.ActionPromoted, Timestamp: time.Now()})

	if fromStage4 && next == domain.StageCompleted {
		return c.activate(ctx, deployment, newArtifact, currentArtifact)
	}

	if err := c.canaries.UpdateCanary(ctx, deployment); err != nil {
		return nil, fmt.Errorf("canary: persisting progress: %w", err)
	}
	obs.CanaryStageGauge.WithLabelValues(deployment.TaskID).Set(pct)
	obs.CanaryTransitions.WithLabelValues(string(domain.ActionPromoted)).Inc()
	return deployment, nil
}

// activate implements Stage4_100's terminal transition: new artifact
// becomes Active at 100%, current becomes Deprecated at 0%, and the
// deployment completes. New-artifact-first ordering preserves the
// concurrency model's §5 stale-read guarantee (over-routing to the new
// artifact, never to a retired one).
func (c *Controller) activate(ctx context.Context, deployment *domain.CanaryDeployment, newArtifact, currentArtifact *domain.ProgramArtifact) (*domain.CanaryDeployment, error) {
	newArtifact.Status = domain.ArtifactActive
	newArtifact.DeploymentPercentage = 1
	if err := c.artifacts.UpdateArtifact(ctx, newArtifact); err != nil {
		return nil, fmt.Errorf("canary: activating new artifact: %w", err)
	}
	currentArtifact.Status = domain.ArtifactDeprecated
	currentArtifact.DeploymentPercentage = 0
	if err := c.artifacts.UpdateArtifact(ctx, currentArtifact); err != nil {
		return nil, fmt.Errorf("canary: deprecating current artifact: %w", err)
	}

	now := time.Now()
	deployment.CurrentStage = domain.StageCompleted
	deployment.Status = domain.CanaryCompleted
	deployment.CompletedAt = &now

	if err := c.canaries.UpdateCanary(ctx, deployment); err != nil {
		return nil, fmt.Errorf("canary: persisting completion: %w", err)
	}
	obs.CanaryTransitions.WithLabelValues("completed").Inc()
	return deployment, nil
}

// Rollback implements §4.8 Rollback: from any non-terminal status, restore
// the current artifact to 100% and zero the new artifact. Terminal.
func (c *Controller) Rollback(ctx context.Context, canaryID, reason string) (*domain.CanaryDeployment, error) {
	deployment, err := c.canaries.GetCanary(ctx, canaryID)
	if err != nil {
		return nil, err
	}
	if isTerminal(deployment.Status) {
		return deployment, nil
	}

	currentArtifact, err := c.artifacts.GetArtifact(ctx, deployment.CurrentProgramID)
	if err != nil {
		return nil, fmt.Errorf("canary: fetching current artifact: %w", err)
	}
	newArtifact, err := c.artifacts.GetArtifact(ctx, deployment.NewProgramID)
	if err != nil {
		return nil, fmt.Errorf("canary: fetching new artifact: %w", err)
	}

	currentArtifact.DeploymentPercentage = 1
	newArtifact.DeploymentPercentage = 0
	if err := c.artifacts.UpdateArtifact(ctx, currentArtifact); err != nil {
		return nil, fmt.Errorf("canary: restoring current artifact: %w", err)
	}
	if err := c.artifacts.UpdateArtifact(ctx, newArtifact); err != nil {
		return nil, fmt.Errorf("canary: zeroing new artifact: %w", err)
	}

	now := time.Now()
	deployment.Status = domain.CanaryRolledBack
	deployment.StatusReason = reason
	deployment.CompletedAt = &now
	deployment.AppendHistory(domain.CanaryHistoryEntry{Stage: deployment.CurrentStage, Percentage: 1, Action: domain.ActionRolledBack, Reason: reason, Timestamp: now})

	if err := c.canaries.UpdateCanary(ctx, deployment); err != nil {
		return nil, fmt.Errorf("canary: persisting rollback: %w", err)
	}

	obs.CanaryTransitions.WithLabelValues(string(domain.ActionRolledBack)).Inc()
	c.alert(ctx, CriticalAlert{DeploymentID: deployment.ID, TaskID: deployment.TaskID, Reason: reason, Timestamp: now})
	return deployment, nil
}

func (c *Controller) alert(ctx context.Context, a CriticalAlert) {
	for _, e := range c.reg.List(registry.KindWebhookHandler) {
		if h, ok := e.Handle.(WebhookHandler); ok {
			h.HandleAlert(ctx, a)
		}
	}
}

// Resume implements §4.8 Resume: from Paused only, re-enter InProgress.
func (c *Controller) Resume(ctx context.Context, canaryID string) (*domain.CanaryDeployment, error) {
	deployment, err := c.canaries.GetCanary(ctx, canaryID)
	if err != nil {
		return nil, err
	}
	if deployment.Status != domain.CanaryPaused {
		return nil, fmt.Errorf("canary: %s is not Paused (status=%s)", canaryID, deployment.Status)
	}
	deployment.Status = domain.CanaryInProgress
	deployment.StatusReason = ""
	if err := c.canaries.UpdateCanary(ctx, deployment); err != nil {
		return nil, fmt.Errorf("canary: persisting resume: %w", err)
	}
	return deployment, nil
}

func (c *Controller) pause(ctx context.Context, deployment *domain.CanaryDeployment, reason string) (*domain.CanaryDeployment, error) {
	deployment.Status = domain.CanaryPaused
	deployment.StatusReason = reason
	deployment.AppendHistory(domain.CanaryHistoryEntry{Stage: deployment.CurrentStage, Percentage: deployment.CurrentPercentage, Action: domain.ActionPaused, Reason: reason, Timestamp: time.Now()})
	if err := c.canaries.UpdateCanary(ctx, deployment); err != nil {
		return nil, fmt.Errorf("canary: persisting pause: %w", err)
	}
	obs.CanaryTransitions.WithLabelValues(string(domain.ActionPaused)).Inc()
	return deployment, nil
}

func isTerminal(s domain.CanaryStatus) bool {
	return s == domain.CanaryRolledBack || s == domain.CanaryCompleted || s == domain.CanaryFailed
}

// EvaluateOutcome is Evaluate's decision, one of progress/pause/rollback.
type EvaluateOutcome struct {
	Progress bool
	Pause    bool
	Rollback bool
	Reason   string
}

// Evaluate implements §4.8 Evaluate: invokes the Statistical Comparator
// with the canary-tuned config and applies the ordered decision rules.
func (c *Controller) Evaluate(ctx context.Context, canaryID string) (EvaluateOutcome, error) {
	deployment, err := c.canaries.GetCanary(ctx, canaryID)
	if err != nil {
		return EvaluateOutcome{}, err
	}

	ctx, span := obs.StartCanaryTransitionSpan(ctx, deployment.ID, "evaluate")
	defer span.End()

	result, err := c.comparator.Compare(ctx, deployment.CurrentProgramID, deployment.NewProgramID, evaluateParams)
	if err != nil {
		obs.RecordError(ctx, err)
		return EvaluateOutcome{}, fmt.Errorf("canary: evaluating %s: %w", canaryID, err)
	}

	// Rules, first match wins: a significant degradation beyond
	// MaxDegradation rolls back; too few treatment samples pauses; a
	// treatment error rate above 1.5x the control's rolls back; otherwise
	// the deployment progresses.
	switch {
	case result.Significant && result.PerformanceDelta < -evaluateParams.MaxDegradation:
		return EvaluateOutcome{Rollback: true, Reason: fmt.Sprintf("significant degradation: %.4f", result.PerformanceDelta)}, nil
	case result.Treatment.SampleSize < evaluateParams.MinSampleSize:
		return EvaluateOutcome{Pause: true, Reason: "insufficient samples"}, nil
	case result.Treatment.ErrorRate > 1.5*result.Control.ErrorRate:
		return EvaluateOutcome{Rollback: true, Reason: "error rate elevated"}, nil
	default:
		return EvaluateOutcome{Progress: true, Reason: fmt.Sprintf("delta=%.4f significant=%v", result.PerformanceDelta, result.Significant)}, nil
	}
}

// Run starts the cron-scheduled auto-progress ticker (this expansion's
// swap of the teacher's raw time.Ticker monitor loop for a declarative
// cron schedule — see DESIGN.md), advancing every InProgress canary on
// each tick until ctx is cancelled.
func (c *Controller) Run(ctx context.Context, schedule string) error {
	c.cron = cron.New()
	_, err := c.cron.AddFunc(schedule, func() { c.tickAll(ctx) })
	if err != nil {
		return fmt.Errorf("canary: invalid auto-progress schedule %q: %w", schedule, err)
	}
	c.cron.Start()
	<-ctx.Done()
	stopCtx := c.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (c *Controller) tickAll(ctx context.Context) {
	tasks, err := c.listInProgressTaskIDs(ctx)
	if err != nil {
		c.log.Error("canary auto-progress: listing deployments", obs.Err(err))
		return
	}
	for _, taskID := range tasks {
		deployment, err := c.canaries.ActiveCanaryForTask(ctx, taskID)
		if err != nil || deployment == nil || deployment.Status != domain.CanaryInProgress {
			continue
		}
		if _, err := c.Progress(ctx, deployment.ID); err != nil {
			c.log.Warn("canary auto-progress step failed", obs.String("canary_id", deployment.ID), obs.Err(err))
		}
	}
}

// listInProgressTaskIDs delegates to the composition-root-supplied lister;
// CanaryRepository intentionally has no list-all-deployments method, since
// not every backing store can offer one cheaply, so task enumeration comes
// from whichever store backs Repositories.Tasks instead.
func (c *Controller) listInProgressTaskIDs(ctx context.Context) ([]string, error) {
	if c.taskLister == nil {
		return nil, nil
	}
	return c.taskLister(ctx)
}

// SetTaskLister lets the composition root supply the task ID enumeration
// tickAll needs.
func (c *Controller) SetTaskLister(f func(ctx context.Context) ([]string, error)) {
	c.taskLister = f
}
