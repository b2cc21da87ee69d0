// Copyright 2025 James Ross

// Package engine is the composition root: it wires Repositories, the
// Session Pool, per-language Sandbox Adapters, the Plugin Registry,
// Sampling Decider, Oracle Validator, Statistical Comparator, Canary
// Controller, and Improvement Orchestrator into the exported API verbs
// (§6) and translates internal errors into the boundary taxonomy (§7).
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/loopai/engine/internal/breaker"
	"github.com/loopai/engine/internal/canary"
	"github.com/loopai/engine/internal/comparator"
	"github.com/loopai/engine/internal/config"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/errs"
	"github.com/loopai/engine/internal/executor"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/orchestrator"
	"github.com/loopai/engine/internal/ratelimit"
	"github.com/loopai/engine/internal/registry"
	"github.com/loopai/engine/internal/repository"
	"github.com/loopai/engine/internal/sampling"
	"github.com/loopai/engine/internal/sandbox"
	"github.com/loopai/engine/internal/sessionpool"
	"github.com/loopai/engine/internal/validator"
	"go.uber.org/zap"
)

// allLanguages is the fixed set of sandbox-supported runtimes a pool
// provisions one adapter/breaker pair for, per §4.1/§4.2.
var allLanguages = []domain.ProgramLanguage{
	domain.LanguagePython, domain.LanguageJavaScript, domain.LanguageTypeScript,
	domain.LanguageGo, domain.LanguageCSharp,
}

// Engine is the top-level facade the CLI and any future transport layer
// call into.
type Engine struct {
	repos       repository.Repositories
	pool        *sessionpool.Pool
	registry    *registry.Registry
	sampler     *sampling.Decider
	validator   *validator.Validator
	comparator  *comparator.Comparator
	canary      *canary.Controller
	orchestrator *orchestrator.Orchestrator
	executor    *executor.Executor
	archive     *comparator.ClickHouseArchive
	cfg         *config.Config
	log         *zap.Logger
}

// New wires every component from cfg. generator may be nil, in which case
// the Improvement Orchestrator is disabled (it has nothing to call).
func New(cfg *config.Config, repos repository.Repositories, generator orchestrator.ProgramGenerator, log *zap.Logger) (*Engine, error) {
	adapterFor := func(lang domain.ProgramLanguage) (*sandbox.Adapter, *breaker.CircuitBreaker) {
		cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
		endpoint := cfg.Sandbox.Endpoints[string(lang)]
		adapter := sandbox.NewAdapter(sandbox.Config{
			Language:         lang,
			Endpoint:         endpoint,
			CallTimeout:      cfg.Sandbox.CallTimeout,
			HandshakeTimeout: cfg.Sandbox.HandshakeTimeout,
			Breaker:          cb,
		}, log)
		return adapter, cb
	}

	poolCfg := sessionpool.Config{
		Capacity:       cfg.SessionPool.Capacity,
		IdleTTL:        cfg.SessionPool.IdleTTL,
		MaxLifetime:    cfg.SessionPool.MaxLifetime,
		AcquireTimeout: cfg.SessionPool.AcquireTimeout,
		ReapInterval:   cfg.SessionPool.ReapInterval,
	}
	pool := sessionpool.New(poolCfg, adapterFor, log)

	reg := registry.New()
	sampler, err := sampling.NewDecider(reg, log)
	if err != nil {
		return nil, fmt.Errorf("engine: constructing sampling decider: %w", err)
	}

	if len(cfg.Canary.WebhookURLs) > 0 {
		notifier := canary.NewWebhookNotifier(cfg.Canary.WebhookURLs, cfg.Canary.WebhookCooldown, log)
		if err := reg.Register(registry.KindWebhookHandler, "webhook-notifier", 0, notifier); err != nil {
			return nil, fmt.Errorf("engine: registering webhook notifier: %w", err)
		}
	}

	var archive *comparator.ClickHouseArchive
	if cfg.ClickHouse.Enabled {
		a, err := comparator.NewClickHouseArchive(cfg.ClickHouse, log)
		if err != nil {
			return nil, fmt.Errorf("engine: constructing clickhouse archive: %w", err)
		}
		archive = a
		repos.Executions = repository.NewArchivingExecutions(repos.Executions, archive, log)
	}

	v := validator.New(repos.Executions, repos.Tasks, repos.Validations, log)
	cmp := comparator.New(repos.Executions, repos.Validations, log)
	if archive != nil {
		cmp.SetArchive(archive)
	}
	canaryCtrl := canary.New(repos.Canaries, repos.Artifacts, cmp, reg, log)
	canaryCtrl.SetTaskLister(func(ctx context.Context) ([]string, error) {
		tasks, err := repos.Tasks.List(ctx)
		if err != nil {
			return nil, err
		}
		ids := make([]string, len(tasks))
		for i, t := range tasks {
			ids[i] = t.ID
		}
		return ids, nil
	})

	exec := executor.New(repos, pool, sampler, "random", cfg.Sampling.DefaultRate, log)

	var orch *orchestrator.Orchestrator
	if generator != nil {
		orch = orchestrator.New(repos, generator, canaryCtrl,
			cfg.Orchestrator.WatchWindow, cfg.Orchestrator.MinFailureCount, cfg.Orchestrator.MaxValidationRate,
			cfg.Orchestrator.GeneratorRetries, cfg.Orchestrator.GeneratorBackoff, log)
	}

	return &Engine{
		repos:        repos,
		pool:         pool,
		registry:     reg,
		sampler:      sampler,
		validator:    v,
		comparator:   cmp,
		canary:       canaryCtrl,
		orchestrator: orch,
		executor:     exec,
		archive:      archive,
		cfg:          cfg,
		log:          log,
	}, nil
}

// SetRateLimiter attaches a per-task rate limiter to the underlying
// Executor, gating Execute calls. Call before Run.
func (e *Engine) SetRateLimiter(limiter *ratelimit.Limiter) {
	e.executor.SetRateLimiter(limiter)
}

// Close releases any optional backing resources the engine opened itself
// (currently just the ClickHouse archive, when enabled). Repositories are
// owned by the caller and are not closed here.
func (e *Engine) Close() error {
	if e.archive != nil {
		return e.archive.Close()
	}
	return nil
}

// Run starts every background loop (session reaping, canary auto-progress,
// improvement orchestration, pool occupancy sampling) until ctx is
// cancelled. It blocks; call it in its own goroutine.
func (e *Engine) Run(ctx context.Context) {
	go e.pool.Run(ctx)
	obs.StartPoolGaugeUpdater(ctx, e.cfg, e.pool.StatsFunc(), e.log)

	go func() {
		if err := e.canary.Run(ctx, e.cfg.Canary.AutoProgressCron); err != nil {
			e.log.Error("canary auto-progress loop exited", obs.Err(err))
		}
	}()

	if e.orchestrator != nil {
		go func() {
			if err := e.orchestrator.Run(ctx, e.cfg.Orchestrator.WatchCron); err != nil {
				e.log.Error("improvement orchestrator loop exited", obs.Err(err))
			}
		}()
	}

	<-ctx.Done()
}

// CreateTask persists a new task definition.
func (e *Engine) CreateTask(ctx context.Context, task *domain.Task) error {
	task.CreatedAt = time.Now()
	task.UpdatedAt = task.CreatedAt
	if err := e.repos.Tasks.Create(ctx, task); err != nil {
		return boundary(err, errs.Internal, "creating task")
	}
	return nil
}

// GetTask fetches a task by ID.
func (e *Engine) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := e.repos.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, errs.Wrap(errs.ErrTaskNotFound, errs.NotFound, "task not found").WithDetail("task_id", taskID)
	}
	return task, nil
}

// Execute runs the task's currently-serving artifact against input (C3).
func (e *Engine) Execute(ctx context.Context, taskID string, input map[string]interface{}) (*domain.ExecutionRecord, error) {
	record, err := e.executor.Execute(ctx, taskID, input, 0)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "executing task")
	}
	return record, nil
}

// BatchExecuteOptions configures BatchExecute (C4).
type BatchExecuteOptions struct {
	MaxConcurrency   int
	StopOnFirstError bool
	ItemTimeout      time.Duration
}

// BatchExecute runs a batch of inputs against one task's serving artifact.
func (e *Engine) BatchExecute(ctx context.Context, taskID string, items []executor.BatchItem, opts BatchExecuteOptions) (*executor.BatchResult, error) {
	result, err := e.executor.ExecuteBatch(ctx, taskID, items, opts.MaxConcurrency, opts.StopOnFirstError, opts.ItemTimeout)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "executing batch")
	}
	return result, nil
}

// Validate runs the Oracle Validator against one execution (C6), invoked
// asynchronously by the sampling pipeline or directly for testing.
func (e *Engine) Validate(ctx context.Context, executionID string, expectedOutput map[string]interface{}) (*domain.ValidationResult, error) {
	result, err := e.validator.Validate(ctx, executionID, expectedOutput)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "validating execution")
	}
	return result, nil
}

// StartCanary begins a staged rollout of newArtifactID for taskID (C8).
func (e *Engine) StartCanary(ctx context.Context, taskID, newArtifactID string) (*domain.CanaryDeployment, error) {
	d, err := e.canary.Start(ctx, taskID, newArtifactID)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "starting canary")
	}
	return d, nil
}

// ProgressCanary advances or rolls back a deployment per its Evaluate outcome.
func (e *Engine) ProgressCanary(ctx context.Context, canaryID string) (*domain.CanaryDeployment, error) {
	d, err := e.canary.Progress(ctx, canaryID)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "progressing canary")
	}
	return d, nil
}

// RollbackCanary aborts a deployment and restores full traffic to the
// current artifact.
func (e *Engine) RollbackCanary(ctx context.Context, canaryID, reason string) (*domain.CanaryDeployment, error) {
	d, err := e.canary.Rollback(ctx, canaryID, reason)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "rolling back canary")
	}
	return d, nil
}

// EvaluateCanary runs the Statistical Comparator against a deployment
// without acting on the result; canary evaluation never errors out to the
// caller as a failure verdict — it always returns a decision (§7).
func (e *Engine) EvaluateCanary(ctx context.Context, canaryID string) (canary.EvaluateOutcome, error) {
	outcome, err := e.canary.Evaluate(ctx, canaryID)
	if err != nil {
		return canary.EvaluateOutcome{}, boundary(err, errs.Classify(err), "evaluating canary")
	}
	return outcome, nil
}

// ResumeCanary re-enters InProgress from Paused.
func (e *Engine) ResumeCanary(ctx context.Context, canaryID string) (*domain.CanaryDeployment, error) {
	d, err := e.canary.Resume(ctx, canaryID)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "resuming canary")
	}
	return d, nil
}

// CompareVersions runs the Statistical Comparator directly against two
// artifact IDs with caller-supplied thresholds (C7).
func (e *Engine) CompareVersions(ctx context.Context, controlProgramID, treatmentProgramID string, params comparator.Params) (*comparator.ABTestResult, error) {
	result, err := e.comparator.Compare(ctx, controlProgramID, treatmentProgramID, params)
	if err != nil {
		return nil, boundary(err, errs.Classify(err), "comparing versions")
	}
	return result, nil
}

// Health is GetHealth's payload: pool occupancy and per-language breaker state.
type Health struct {
	Pool     sessionpool.Statistics            `json:"pool"`
	Breakers map[domain.ProgramLanguage]string `json:"breakers"`
}

// GetHealth reports session pool occupancy; per-language breaker state is
// intentionally omitted from the default snapshot since it requires a
// live adapter handle the pool does not expose per-language outside a
// session lease — reported as "unknown" rather than fabricated.
func (e *Engine) GetHealth(ctx context.Context) Health {
	breakers := make(map[domain.ProgramLanguage]string, len(allLanguages))
	for _, lang := range allLanguages {
		breakers[lang] = "unknown"
	}
	return Health{Pool: e.pool.GetStatistics(), Breakers: breakers}
}

// boundary classifies an internal error into the engine's boundary
// taxonomy unless it is already an *errs.EngineError.
func boundary(err error, code errs.Code, message string) error {
	if err == nil {
		return nil
	}
	if code == "" {
		code = errs.Internal
	}
	return errs.Wrap(err, code, message)
}
