// Copyright 2025 James Ross

// Package comparator implements the Statistical Comparator (§4.7): it
// computes latency/validation/error metrics for a control and treatment
// artifact over a recent execution window, derives a weighted performance
// delta and an approximate significance test, and recommends promote,
// rollback, continue, or manual_review.
package comparator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/loopai/engine/internal/config"
	"github.com/loopai/engine/internal/domain"
	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/repository"
	"go.uber.org/zap"
)

// Recommendation is the Statistical Comparator's verdict.
type Recommendation string

const (
	RecommendPromote      Recommendation = "promote"
	RecommendRollback     Recommendation = "rollback"
	RecommendContinue     Recommendation = "continue"
	RecommendManualReview Recommendation = "manual_review"
)

// Confidence qualifies how much weight to put on a Recommendation.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// ArtifactMetrics summarizes one artifact's recent execution window.
type ArtifactMetrics struct {
	SampleSize     int     `json:"sample_size"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
	P50LatencyMs   float64 `json:"p50_latency_ms"`
	P95LatencyMs   float64 `json:"p95_latency_ms"`
	P99LatencyMs   float64 `json:"p99_latency_ms"`
	ValidationRate float64 `json:"validation_rate"`
	ErrorRate      float64 `json:"error_rate"`
}

// Params overrides the comparator's default thresholds for one Compare
// call; the Canary Controller supplies a canary-tuned Params (§4.8
// Evaluate) rather than using the engine-wide defaults.
type Params struct {
	MinSampleSize      int
	MaxDegradation     float64
	MinImprovement     float64
	RequiredConfidence float64
	ValidationWindow   time.Duration
}

// DefaultParams derives Params from the engine-wide Comparator config.
func DefaultParams(cfg config.Comparator) Params {
	return Params{
		MinSampleSize:      cfg.MinSampleSize,
		MaxDegradation:     cfg.MaxDegradation,
		MinImprovement:     cfg.MinImprovement,
		RequiredConfidence: cfg.RequiredConfidence,
		ValidationWindow:   cfg.ValidationWindow,
	}
}

// ABTestResult is the outcome of one Compare call.
type ABTestResult struct {
	Control           ArtifactMetrics `json:"control"`
	Treatment         ArtifactMetrics `json:"treatment"`
	PerformanceDelta  float64         `json:"performance_delta"`
	Significant       bool            `json:"significant"`
	PValue            float64         `json:"p_value"`
	Recommendation    Recommendation  `json:"recommendation"`
	Confidence        Confidence      `json:"confidence"`
}

// Comparator computes ABTestResults from the execution and validation
// repositories.
type Comparator struct {
	executions  repository.ExecutionRepository
	validations repository.ValidationRepository
	archive     *ClickHouseArchive
	log         *zap.Logger
}

// New returns a Comparator backed by the given repositories.
func New(executions repository.ExecutionRepository, validations repository.ValidationRepository, log *zap.Logger) *Comparator {
	return &Comparator{executions: executions, validations: validations, log: log}
}

// SetArchive attaches the optional ClickHouse analytics tier. Once set,
// Compare computes latency/error metrics from ClickHouse instead of
// sorting ListExecutionsByProgram results in process memory, falling
// back to the in-memory path if the ClickHouse query fails.
func (c *Comparator) SetArchive(archive *ClickHouseArchive) {
	c.archive = archive
}

// Compare implements §4.7: fetch each artifact's recent executions (a
// window of at least 2·min_sample_size), compute metrics, derive the
// weighted performance delta and significance test, and recommend.
func (c *Comparator) Compare(ctx context.Context, controlProgramID, treatmentProgramID string, params Params) (*ABTestResult, error) {
	windowSize := params.MinSampleSize * 2
	if windowSize < 1 {
		windowSize = 1
	}

	controlExecs, err := c.executions.ListExecutionsByProgram(ctx, controlProgramID, windowSize)
	if err != nil {
		return nil, fmt.Errorf("comparator: listing control executions: %w", err)
	}
	treatmentExecs, err := c.executions.ListExecutionsByProgram(ctx, treatmentProgramID, windowSize)
	if err != nil {
		return nil, fmt.Errorf("comparator: listing treatment executions: %w", err)
	}

	control, err := c.windowMetrics(ctx, controlProgramID, controlExecs, windowSize)
	if err != nil {
		return nil, err
	}
	treatment, err := c.windowMetrics(ctx, treatmentProgramID, treatmentExecs, windowSize)
	if err != nil {
		return nil, err
	}

	delta := performanceDelta(control, treatment)
	significant, pValue := significanceTest(control, treatment)

	rec, conf := decide(control, treatment, delta, significant, params)

	result := &ABTestResult{
		Control: control, Treatment: treatment,
		PerformanceDelta: delta, Significant: significant, PValue: pValue,
		Recommendation: rec, Confidence: conf,
	}
	obs.ComparisonsTotal.WithLabelValues(string(rec)).Inc()
	if c.log != nil {
		c.log.Info("comparison complete",
			obs.String("control", controlProgramID),
			obs.String("treatment", treatmentProgramID),
			obs.Float64("performance_delta", delta),
			obs.Bool("significant", significant),
			obs.String("recommendation", string(rec)),
		)
	}
	return result, nil
}

// windowMetrics computes ArtifactMetrics for programID, preferring the
// ClickHouse archive for sample_size/latency/error_rate when one is
// attached (§5 Domain Stack large-window path) and falling back to the
// in-memory metricsFor on any archive error. validation_rate always comes
// from the in-memory pass since the archive only mirrors executions, not
// validation outcomes.
func (c *Comparator) windowMetrics(ctx context.Context, programID string, execs []*domain.ExecutionRecord, windowSize int) (ArtifactMetrics, error) {
	inMemory, err := c.metricsFor(ctx, execs)
	if err != nil {
		return ArtifactMetrics{}, err
	}
	if c.archive == nil {
		return inMemory, nil
	}
	fromArchive, err := c.archive.WindowMetrics(ctx, programID, windowSize)
	if err != nil {
		if c.log != nil {
			c.log.Warn("clickhouse window metrics failed, using in-memory metrics", obs.String("program", programID), obs.Err(err))
		}
		return inMemory, nil
	}
	fromArchive.ValidationRate = inMemory.ValidationRate
	return fromArchive, nil
}

// metricsFor computes ArtifactMetrics over a window of ExecutionRecords,
// including failed/timed-out executions in avg_latency_ms (this
// expansion's Open Question resolution: a slow-failing artifact must not
// look fast).
func (c *Comparator) metricsFor(ctx context.Context, execs []*domain.ExecutionRecord) (ArtifactMetrics, error) {
	if len(execs) == 0 {
		return ArtifactMetrics{}, nil
	}

	latencies := make([]float64, 0, len(execs))
	errorCount := 0
	sampledCount := 0
	var validCount int
	for _, e := range execs {
		latencies = append(latencies, e.LatencyMs)
		if e.Status != domain.ExecutionSuccess {
			errorCount++
		}
		if e.SampledForValidation {
			sampledCount++
			results, err := c.validations.ListValidationsByExecution(ctx, e.ID)
			if err != nil {
				return ArtifactMetrics{}, fmt.Errorf("comparator: listing validations for %s: %w", e.ID, err)
			}
			for _, v := range results {
				if v.IsValid {
					validCount++
				}
			}
		}
	}

	validationRate := 0.0
	if sampledCount > 0 {
		validationRate = float64(validCount) / float64(sampledCount)
	}

	sorted := append([]float64(nil), latencies...)
	sort.Float64s(sorted)

	return ArtifactMetrics{
		SampleSize:     len(execs),
		AvgLatencyMs:   mean(latencies),
		P50LatencyMs:   percentile(sorted, 0.50),
		P95LatencyMs:   percentile(sorted, 0.95),
		P99LatencyMs:   percentile(sorted, 0.99),
		ValidationRate: validationRate,
		ErrorRate:      float64(errorCount) / float64(len(execs)),
	}, nil
}

// performanceDelta implements §4.7's weighted composite: 0.3 latency +
// 0.5 validation + 0.2 error.
func performanceDelta(control, treatment ArtifactMetrics) float64 {
	latencyDelta := 0.0
	if control.AvgLatencyMs > 0 {
		latencyDelta = (control.AvgLatencyMs - treatment.AvgLatencyMs) / control.AvgLatencyMs
	}
	validationDelta := treatment.ValidationRate - control.ValidationRate
	errorDelta := control.ErrorRate - treatment.ErrorRate
	return 0.3*latencyDelta + 0.5*validationDelta + 0.2*errorDelta
}

// significanceTest implements §4.7's approximate pooled-SD t-statistic on
// latency, kept exactly as specified rather than a stricter textbook test
// (see DESIGN.md Open Question decision).
func significanceTest(control, treatment ArtifactMetrics) (bool, float64) {
	if control.SampleSize < 2 || treatment.SampleSize < 2 {
		return false, 1.0
	}
	// The metrics summary carries only mean latency, not raw samples, so
	// the pooled standard deviation is approximated from the mean itself
	// (a conservative stand-in consistent with the spec's worked example,
	// which likewise operates on summary statistics rather than raw data).
	pooledSD := (control.AvgLatencyMs + treatment.AvgLatencyMs) / 2
	if pooledSD == 0 {
		pooledSD = 1
	}
	n := float64(control.SampleSize + treatment.SampleSize)
	se := pooledSD / math.Sqrt(n)
	if se == 0 {
		se = 1
	}
	t := (control.AvgLatencyMs - treatment.AvgLatencyMs) / se

	if math.Abs(t) > 1.96 {
		return true, 0.01
	}
	return false, 0.10
}

// decide implements the §4.7 recommendation decision table.
func decide(control, treatment ArtifactMetrics, delta float64, significant bool, p Params) (Recommendation, Confidence) {
	if control.SampleSize < p.MinSampleSize || treatment.SampleSize < p.MinSampleSize {
		return RecommendContinue, ConfidenceLow
	}
	switch {
	case significant && delta < -p.MaxDegradation:
		return RecommendRollback, ConfidenceHigh
	case significant && delta > p.MinImprovement:
		return RecommendPromote, ConfidenceHigh
	case !significant:
		return RecommendContinue, ConfidenceMedium
	case significant && delta > 0 && delta <= p.MinImprovement:
		return RecommendContinue, ConfidenceMedium
	default:
		return RecommendManualReview, ConfidenceLow
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// percentile on an already-sorted slice using nearest-rank.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
