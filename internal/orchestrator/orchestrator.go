// Copyright 2025 James Ross

// Package orchestrator implements the Improvement Orchestrator (C9):
// watching each task's recent validation-failure rate, requesting a
// regenerated artifact from the external ProgramGenerator once a failure
// threshold trips, and handing the result to the Canary Controller.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/loopai/engine/internal/canary"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// GeneratorRequest is the outbound request to the external program
// synthesizer (§6 Program Generator contract).
type GeneratorRequest struct {
	TaskID       string                 `json:"task_id"`
	TaskName     string                 `json:"task_name"`
	InputSchema  map[string]interface{} `json:"input_schema"`
	OutputSchema map[string]interface{} `json:"output_schema"`
	Description  string                 `json:"description"`
	Examples     []domain.TaskExample   `json:"examples"`
	Constraints  string                 `json:"constraints,omitempty"`
	TargetRuntime domain.ProgramLanguage `json:"target_runtime"`
	Failures     []FailureSample        `json:"failures"`
}

// FailureSample is one recent validation failure handed to the generator
// as context for what went wrong.
type FailureSample struct {
	Input    map[string]interface{} `json:"input"`
	Output   map[string]interface{} `json:"output"`
	Expected map[string]interface{} `json:"expected,omitempty"`
	Errors   []domain.ValidationError `json:"errors,omitempty"`
}

// GeneratorComplexity mirrors the synthesizer's static-analysis response.
type GeneratorComplexity struct {
	LinesOfCode         int `json:"lines_of_code"`
	CyclomaticComplexity int `json:"cyclomatic_complexity"`
	EstimatedTokens     int `json:"estimated_tokens"`
}

// GeneratorResponse is the Program Generator's reply. Success==false means
// ErrorMessage is populated and Code/Language/Metadata/Complexity are zero.
type GeneratorResponse struct {
	Success      bool                   `json:"success"`
	Code         string                 `json:"code"`
	Language     domain.ProgramLanguage `json:"language"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Complexity   GeneratorComplexity    `json:"complexity"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// ProgramGenerator is the external collaborator that synthesizes a new
// artifact version from a task description and a sample of its failures.
type ProgramGenerator interface {
	Generate(ctx context.Context, req GeneratorRequest) (GeneratorResponse, error)
}

// Orchestrator watches validation-failure rate per task and drives
// improvement cycles.
type Orchestrator struct {
	tasks       repository.TaskRepository
	artifacts   repository.ArtifactRepository
	executions  repository.ExecutionRepository
	validations repository.ValidationRepository
	canaries    repository.CanaryRepository
	generator   ProgramGenerator
	controller  *canary.Controller
	window      time.Duration
	minFailures int
	maxValidationRate float64
	retries     int
	backoff     time.Duration
	log         *zap.Logger
	cron        *cron.Cron
}

// New returns an Orchestrator wired against the given repositories,
// external generator, and Canary Controller.
func New(repos repository.Repositories, generator ProgramGenerator, controller *canary.Controller, window time.Duration, minFailures int, maxValidationRate float64, retries int, backoff time.Duration, log *zap.Logger) *Orchestrator {
	return &Orchestrator{
		tasks:       repos.Tasks,
		artifacts:   repos.Artifacts,
		executions:  repos.Executions,
		validations: repos.Validations,
		canaries:    repos.Canaries,
		generator:   generator,
		controller:  controller,
		window:      window,
		minFailures: minFailures,
		maxValidationRate: maxValidationRate,
		retries:     retries,
		backoff:     backoff,
		log:         log,
	}
}

// Run starts the cron-scheduled watch window (§4.9), evaluating every
// known task on each tick until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, schedule string) error {
	o.cron = cron.New()
	_, err := o.cron.AddFunc(schedule, func() { o.tick(ctx) })
	if err != nil {
		return fmt.Errorf("orchestrator: invalid watch schedule %q: %w", schedule, err)
	}
	o.cron.Start()
	<-ctx.Done()
	stopCtx := o.cron.Stop()
	<-stopCtx.Done()
	return nil
}

func (o *Orchestrator) tick(ctx context.Context) {
	tasks, err := o.tasks.List(ctx)
	if err != nil {
		o.log.Error("orchestrator: listing tasks", obs.Err(err))
		return
	}
	for _, task := range tasks {
		obs.OrchestratorChecks.Inc()
		if err := o.EvaluateTask(ctx, task.ID); err != nil {
			o.log.Warn("orchestrator: evaluating task", obs.String("task_id", task.ID), obs.Err(err))
		}
	}
}

// EvaluateTask implements the core of §4.9: compute the rolling
// validation-failure rate for the task's active artifact over the watch
// window; if it trips the threshold and no canary is already in progress,
// request a new artifact and hand it to the Canary Controller.
func (o *Orchestrator) EvaluateTask(ctx context.Context, taskID string) error {
	active, err := o.artifacts.ActiveArtifactForTask(ctx, taskID)
	if err != nil {
		return nil // no active artifact yet: nothing to improve
	}

	existing, err := o.canaries.ActiveCanaryForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator: checking existing canary: %w", err)
	}
	if existing != nil {
		return nil // cooperative: a canary is already in flight for this task
	}

	since := time.Now().Add(-o.window).Unix()
	execs, err := o.executions.ListExecutionsByTask(ctx, taskID, since, 0)
	if err != nil {
		return fmt.Errorf("orchestrator: listing executions: %w", err)
	}

	failures, sampled := o.collectFailures(ctx, execs, active.ID)
	if len(failures) < o.minFailures {
		return nil
	}
	validationRate := 1 - float64(len(failures))/float64(max1(sampled))
	if validationRate >= o.maxValidationRate {
		return nil
	}

	task, err := o.tasks.Get(ctx, taskID)
	if err != nil {
		return fmt.Errorf("orchestrator: fetching task: %w", err)
	}

	resp, err := o.requestImprovement(ctx, task, active, failures)
	if err != nil {
		o.log.Warn("orchestrator: program generator failed after retries", obs.String("task_id", taskID), obs.Err(err))
		return nil // does not retry until the next window
	}

	newArtifact := &domain.ProgramArtifact{
		ID:       uuid.New().String(),
		TaskID:   taskID,
		Version:  active.Version + 1,
		Code:     resp.Code,
		Language: resp.Language,
		SynthesisStrategy: domain.StrategyML,
		Status:   domain.ArtifactDraft,
		Complexity: domain.ComplexityMetrics{
			Lines:                resp.Complexity.LinesOfCode,
			CyclomaticComplexity: resp.Complexity.CyclomaticComplexity,
		},
		DeploymentPercentage: 0,
		CreatedAt:            time.Now(),
	}
	if err := o.artifacts.CreateArtifact(ctx, newArtifact); err != nil {
		return fmt.Errorf("orchestrator: persisting new artifact: %w", err)
	}

	if _, err := o.controller.Start(ctx, taskID, newArtifact.ID); err != nil {
		return fmt.Errorf("orchestrator: starting canary for improvement: %w", err)
	}

	o.log.Info("orchestrator: improvement cycle started",
		obs.String("task_id", taskID),
		obs.String("new_artifact_id", newArtifact.ID),
		obs.Int("failure_count", len(failures)))
	return nil
}

// collectFailures scans sampled executions for the active artifact within
// the window and returns their failed validations, alongside the total
// number of sampled (validated) executions seen.
func (o *Orchestrator) collectFailures(ctx context.Context, execs []*domain.ExecutionRecord, artifactID string) ([]FailureSample, int) {
	var failures []FailureSample
	sampled := 0
	for _, e := range execs {
		if e.ProgramID != artifactID || !e.SampledForValidation {
			continue
		}
		results, err := o.validations.ListValidationsByExecution(ctx, e.ID)
		if err != nil || len(results) == 0 {
			continue
		}
		sampled++
		latest := results[len(results)-1]
		if !latest.IsValid {
			failures = append(failures, FailureSample{Input: e.InputData, Output: e.OutputData, Errors: latest.Errors})
		}
	}
	return failures, sampled
}

// requestImprovement calls the Program Generator with exponential backoff,
// retrying up to o.retries times before giving up for this window (§6).
func (o *Orchestrator) requestImprovement(ctx context.Context, task *domain.Task, active *domain.ProgramArtifact, failures []FailureSample) (GeneratorResponse, error) {
	req := GeneratorRequest{
		TaskID:        task.ID,
		TaskName:      task.Name,
		InputSchema:   task.InputSchema,
		OutputSchema:  task.OutputSchema,
		Description:   task.Description,
		Examples:      task.Examples,
		TargetRuntime: active.Language,
		Failures:      failures,
	}

	var lastErr error
	delay := o.backoff
	for attempt := 0; attempt < max1(o.retries); attempt++ {
		resp, err := o.generator.Generate(ctx, req)
		if err == nil && resp.Success {
			return resp, nil
		}
		if err == nil {
			lastErr = fmt.Errorf("program generator declined: %s", resp.ErrorMessage)
		} else {
			lastErr = err
		}
		if attempt < o.retries-1 {
			select {
			case <-ctx.Done():
				return GeneratorResponse{}, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return GeneratorResponse{}, lastErr
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
