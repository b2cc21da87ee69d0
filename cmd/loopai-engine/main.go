// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loopai/engine/internal/comparator"
	"github.com/loopai/engine/internal/config"
	"github.com/loopai/engine/internal/engine"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/orchestrator"
	"github.com/loopai/engine/internal/ratelimit"
	"github.com/loopai/engine/internal/redisclient"
	"github.com/loopai/engine/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var adminCmd string
	var adminTaskID string
	var adminCanaryID string
	var adminArtifactID string
	var adminReason string
	var adminControl string
	var adminTreatment string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "engine", "Role to run: engine|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|canary-start|canary-progress|canary-rollback|compare")
	fs.StringVar(&adminTaskID, "task", "", "Task ID for admin commands that need one")
	fs.StringVar(&adminCanaryID, "canary", "", "Canary deployment ID for canary-progress/canary-rollback")
	fs.StringVar(&adminArtifactID, "artifact", "", "New artifact ID for starting a canary")
	fs.StringVar(&adminReason, "reason", "manual admin rollback", "Reason recorded for canary-rollback")
	fs.StringVar(&adminControl, "control", "", "Control artifact ID for compare")
	fs.StringVar(&adminTreatment, "treatment", "", "Treatment artifact ID for compare")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	repos, closeRepos, err := buildRepositories(cfg, rdb, logger)
	if err != nil {
		logger.Fatal("failed to construct repositories", obs.Err(err))
	}
	defer closeRepos()

	eng, err := engine.New(cfg, repos, noGenerator{}, logger)
	if err != nil {
		logger.Fatal("failed to construct engine", obs.Err(err))
	}
	defer func() { _ = eng.Close() }()

	eng.SetRateLimiter(ratelimit.New(rdb, ratelimit.Config{
		RatePerSecond: cfg.Executor.RateLimit.RatePerSecond,
		BurstSize:     cfg.Executor.RateLimit.BurstSize,
		KeyTTL:        cfg.Executor.RateLimit.KeyTTL,
	}, logger))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if role == "admin" {
		runAdmin(ctx, eng, adminCmd, adminTaskID, adminCanaryID, adminArtifactID, adminReason, adminControl, adminTreatment, logger)
		return
	}

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	logger.Info("loopai engine starting", obs.String("version", version))
	eng.Run(ctx)
}

// buildRepositories selects the Redis-backed store (the default) or the
// SQL-backed store when cfg.SQL.Driver is set (§5 Domain Stack), so an
// operator can point loopai-engine at Postgres/MySQL/SQLite instead of
// Redis for the durable record of tasks/artifacts/executions/validations/
// canaries. Both implementations satisfy repository.Repositories, so the
// rest of the engine is unaffected by the choice.
func buildRepositories(cfg *config.Config, rdb *redis.Client, logger *zap.Logger) (repository.Repositories, func(), error) {
	if cfg.SQL.Driver != "" {
		store, err := repository.NewSQLStore(cfg.SQL, cfg.Executor.CompressPayloads)
		if err != nil {
			return repository.Repositories{}, func() {}, fmt.Errorf("constructing SQL store: %w", err)
		}
		logger.Info("using SQL-backed repository", obs.String("driver", cfg.SQL.Driver))
		return store.AsRepositories(), func() { _ = store.Close() }, nil
	}

	store, err := repository.NewRedisStore(rdb, cfg.Executor.CompressPayloads)
	if err != nil {
		return repository.Repositories{}, func() {}, fmt.Errorf("constructing Redis store: %w", err)
	}
	return store.AsRepositories(), func() {}, nil
}

// noGenerator is the default ProgramGenerator until an operator wires a
// real synthesizer; every call fails cleanly rather than panicking, and
// the Improvement Orchestrator simply logs and waits for the next window.
type noGenerator struct{}

func (noGenerator) Generate(ctx context.Context, req orchestrator.GeneratorRequest) (orchestrator.GeneratorResponse, error) {
	return orchestrator.GeneratorResponse{Success: false, ErrorMessage: "no program generator configured"}, nil
}

func runAdmin(ctx context.Context, eng *engine.Engine, cmd, taskID, canaryID, artifactID, reason, control, treatment string, logger *zap.Logger) {
	_ = logger
	switch cmd {
	case "stats":
		health := eng.GetHealth(ctx)
		printJSON(health)
	case "canary-start":
		if taskID == "" || artifactID == "" {
			fatalf("canary-start requires --task and --artifact")
		}
		d, err := eng.StartCanary(ctx, taskID, artifactID)
		exitOnErr(err)
		printJSON(d)
	case "canary-progress":
		if canaryID == "" {
			fatalf("canary-progress requires --canary")
		}
		d, err := eng.ProgressCanary(ctx, canaryID)
		exitOnErr(err)
		printJSON(d)
	case "canary-rollback":
		if canaryID == "" {
			fatalf("canary-rollback requires --canary")
		}
		d, err := eng.RollbackCanary(ctx, canaryID, reason)
		exitOnErr(err)
		printJSON(d)
	case "compare":
		if control == "" || treatment == "" {
			fatalf("compare requires --control and --treatment")
		}
		result, err := eng.CompareVersions(ctx, control, treatment, comparator.Params{})
		exitOnErr(err)
		printJSON(result)
	default:
		fatalf("unknown admin command %q", cmd)
	}
}

func printJSON(v interface{}) {
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
}

func exitOnErr(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
