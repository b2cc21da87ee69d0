// Copyright 2025 James Ross

// Package executor implements the Executor (C3) and Batch Executor (C4):
// resolving the serving artifact for a task, running it through a pooled
// sandbox session, consulting the Sampling Decider, and persisting the
// resulting ExecutionRecord.
package executor

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/ratelimit"
	"github.com/loopai/engine/internal/repository"
	"github.com/loopai/engine/internal/sampling"
	"github.com/loopai/engine/internal/sandbox"
	"github.com/loopai/engine/internal/sessionpool"
	"go.uber.org/zap"
)

// shellCommand maps a language to the interpreter invocation run against
// the wrapped program file (§4.2 per-language harness, step 3).
var shellCommand = map[domain.ProgramLanguage]string{
	domain.LanguagePython:     "python3 /workspace/program.py",
	domain.LanguageJavaScript: "node /workspace/program.js",
	domain.LanguageTypeScript: "ts-node /workspace/program.ts",
	domain.LanguageGo:         "go run /workspace/program.go",
	domain.LanguageCSharp:     "dotnet-script /workspace/program.cs",
}

// Executor runs a single artifact invocation end to end.
type Executor struct {
	tasks       repository.TaskRepository
	artifacts   repository.ArtifactRepository
	executions  repository.ExecutionRepository
	pool        *sessionpool.Pool
	sampler     *sampling.Decider
	limiter     *ratelimit.Limiter
	defaultRate float64
	samplerName string
	log         *zap.Logger
	rnd         func() float64
}

// New returns an Executor wired against the given repositories, session
// pool, and sampling decider. samplerName selects which registered
// strategy is consulted (typically "random" unless the task's schema
// warrants a more specialized one).
func New(repos repository.Repositories, pool *sessionpool.Pool, sampler *sampling.Decider, samplerName string, defaultRate float64, log *zap.Logger) *Executor {
	return &Executor{
		tasks:       repos.Tasks,
		artifacts:   repos.Artifacts,
		executions:  repos.Executions,
		pool:        pool,
		sampler:     sampler,
		samplerName: samplerName,
		defaultRate: defaultRate,
		log:         log,
		rnd:         rand.Float64,
	}
}

// SetRateLimiter attaches the per-task token bucket gating Execute. A nil
// or disabled limiter leaves Execute ungated.
func (ex *Executor) SetRateLimiter(limiter *ratelimit.Limiter) {
	ex.limiter = limiter
}

// Execute implements §4.3: resolve the artifact, run it through a pooled
// session, consult the sampler, persist the ExecutionRecord, and return it.
// version, when greater than zero, pins execution to that exact artifact version
// rather than the currently-serving one.
func (ex *Executor) Execute(ctx context.Context, taskID string, input map[string]interface{}, version int) (*domain.ExecutionRecord, error) {
	if ex.limiter != nil {
		allowed, err := ex.limiter.Allow(ctx, taskID)
		if err != nil {
			ex.log.Warn("rate limiter check failed, allowing request", obs.String("task_id", taskID), obs.Err(err))
		} else if !allowed {
			return nil, errs.Wrap(errs.ErrRateLimited, errs.PoolExhausted, "task execution rate limit exceeded").WithDetail("task_id", taskID)
		}
	}

	task, err := ex.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTaskNotFound, errs.NotFound, "task not found").WithDetail("task_id", taskID)
	}

	artifact, err := ex.resolveArtifact(ctx, taskID, version)
	if err != nil {
		return nil, err
	}

	record := &domain.ExecutionRecord{
		ID:         uuid.New().String(),
		ProgramID:  artifact.ID,
		TaskID:     taskID,
		InputData:  input,
		ExecutedAt: time.Now(),
	}

	ctx, span := obs.StartExecutionSpan(ctx, taskID, artifact.ID, string(artifact.Language))
	defer span.End()

	start := time.Now()
	output, runErr := ex.run(ctx, artifact, input)
	record.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0

	switch {
	case runErr == nil:
		record.Status = domain.ExecutionSuccess
		record.OutputData = output
	case isTimeout(runErr):
		record.Status = domain.ExecutionTimeout
		record.ErrorMessage = runErr.Error()
	default:
		record.Status = domain.ExecutionError
		record.ErrorMessage = runErr.Error()
	}

	decision, sampleErr := ex.sampler.Decide(taskID, ex.strategyFor(task), ex.rateFor(task), input)
	if sampleErr == nil {
		record.SampledForValidation = decision.ShouldSample
	}

	if err := ex.executions.CreateExecution(ctx, record); err != nil {
		obs.RecordError(ctx, err)
		return nil, fmt.Errorf("executor: persisting execution record: %w", err)
	}

	obs.ExecutionsTotal.WithLabelValues(string(record.Status), string(artifact.Language)).Inc()
	obs.ExecutionDuration.WithLabelValues(string(artifact.Language)).Observe(record.LatencyMs / 1000.0)
	if record.Status == domain.ExecutionSuccess {
		obs.SetSpanSuccess(ctx)
	} else {
		obs.RecordError(ctx, runErr)
	}

	return record, nil
}

func (ex *Executor) strategyFor(task *domain.Task) string {
	if ex.samplerName != "" {
		return ex.samplerName
	}
	return "random"
}

func (ex *Executor) rateFor(task *domain.Task) float64 {
	if task.SamplingRate > 0 {
		return task.SamplingRate
	}
	return ex.defaultRate
}

// resolveArtifact implements the traffic-split contract: when version is
// given, fetch that exact version (via ListArtifactsByTask); otherwise
// weight a random draw across {current, new} by deployment_percentage.
func (ex *Executor) resolveArtifact(ctx context.Context, taskID string, version int) (*domain.ProgramArtifact, error) {
	if version > 0 {
		all, err := ex.artifacts.ListArtifactsByTask(ctx, taskID)
		if err != nil {
			return nil, fmt.Errorf("executor: listing artifacts for task %s: %w", taskID, err)
		}
		for _, a := range all {
			if a.Version == version {
				return a, nil
			}
		}
		return nil, errs.Wrap(errs.ErrArtifactNotFound, errs.NotFound, "artifact version not found").WithDetail("task_id", taskID)
	}

	active, err := ex.artifacts.ActiveArtifactForTask(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrNoActiveArtifact, errs.NotFound, "task has no active artifact").WithDetail("task_id", taskID)
	}

	// Under a live canary, a second artifact for the same task will have a
	// non-zero deployment_percentage while the active one's is reduced
	// below 1.0; weight the draw across the two by percentage.
	all, err := ex.artifacts.ListArtifactsByTask(ctx, taskID)
	if err != nil {
		return active, nil
	}
	var candidate *domain.ProgramArtifact
	for _, a := range all {
		if a.ID != active.ID && a.DeploymentPercentage > 0 && a.Status == domain.ArtifactDraft {
			candidate = a
			break
		}
	}
	if candidate == nil {
		return active, nil
	}
	if ex.rnd() < candidate.DeploymentPercentage {
		return candidate, nil
	}
	return active, nil
}

// run acquires a pooled session for the artifact's language, runs the
// sandbox harness, and releases the session on every exit path.
func (ex *Executor) run(ctx context.Context, artifact *domain.ProgramArtifact, input map[string]interface{}) (map[string]interface{}, error) {
	session, err := ex.pool.Acquire(ctx, artifact.Language)
	if err != nil {
		return nil, err
	}
	defer func() { _ = ex.pool.Release(session.ID) }()

	shell, ok := shellCommand[artifact.Language]
	if !ok {
		return nil, &sandbox.Failure{Kind: sandbox.FailureUnsupported, Message: "no shell command known for language " + string(artifact.Language)}
	}

	var output map[string]interface{}
	execErr := ex.pool.Execute(ctx, session.ID, func(adapter *sandbox.Adapter) error {
		result, runErr := adapter.Run(ctx, artifact.Code, input, shell)
		if runErr != nil {
			return runErr
		}
		output = result.OutputJSON
		return nil
	})
	return output, execErr
}

func isTimeout(err error) bool {
	f, ok := err.(*sandbox.Failure)
	return ok && f.Kind == sandbox.FailureTimeout
}
