// Copyright 2025 James Ross
package executor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/sessionpool"
)

// BatchItem is one input within a batch, carrying a caller-supplied
// client_id used only for result ordering.
type BatchItem struct {
	ClientID string                 `json:"client_id"`
	Input    map[string]interface{} `json:"input"`
}

// BatchItemResult is one item's outcome within a BatchResult.
type BatchItemResult struct {
	ClientID  string  `json:"client_id"`
	Success   bool    `json:"success"`
	Error     string  `json:"error,omitempty"`
	LatencyMs float64 `json:"latency_ms"`
}

// BatchResult aggregates a batch run's outcomes (§4.4).
type BatchResult struct {
	Total               int                        `json:"total"`
	Success             int                        `json:"success"`
	Failure             int                        `json:"failure"`
	TotalDurationMs      float64                    `json:"total_duration_ms"`
	AvgLatencyMs         float64                    `json:"avg_latency_ms"`
	PerItemLatencyList   []float64                  `json:"per_item_latency_list"`
	Results              []BatchItemResult          `json:"results"`
	SessionPoolSnapshot  sessionpool.Statistics     `json:"session_pool_snapshot"`
	StoppedEarly         bool                       `json:"stopped_early"`
}

// ExecuteBatch implements §4.4: artifact resolution happens once, up
// front, then items dispatch concurrently bounded by maxConcurrency
// (clamped to [1,100]); stopOnFirstError flips a draining flag once any
// item fails, letting already-dispatched items finish without starting
// new ones. Results are sorted by client_id for determinism.
func (ex *Executor) ExecuteBatch(ctx context.Context, taskID string, items []BatchItem, maxConcurrency int, stopOnFirstError bool, itemTimeout time.Duration) (*BatchResult, error) {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if maxConcurrency > 100 {
		maxConcurrency = 100
	}

	artifact, err := ex.resolveArtifact(ctx, taskID, 0)
	if err != nil {
		return nil, err
	}

	var (
		mu       sync.Mutex
		draining bool
		results  = make([]BatchItemResult, 0, len(items))
	)

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	start := time.Now()

	for _, item := range items {
		mu.Lock()
		stop := draining
		mu.Unlock()
		if stop {
			break
		}

		sem <- struct{}{}
		wg.Add(1)
		go func(it BatchItem) {
			defer wg.Done()
			defer func() { <-sem }()

			itemCtx := ctx
			var cancel context.CancelFunc
			if itemTimeout > 0 {
				itemCtx, cancel = context.WithTimeout(ctx, itemTimeout)
				defer cancel()
			}

			itemStart := time.Now()
			output, runErr := ex.run(itemCtx, artifact, it.Input)
			latency := float64(time.Since(itemStart).Microseconds()) / 1000.0

			res := BatchItemResult{ClientID: it.ClientID, LatencyMs: latency}
			if runErr != nil {
				res.Error = runErr.Error()
			} else {
				res.Success = true
				_ = output
			}

			mu.Lock()
			results = append(results, res)
			if !res.Success && stopOnFirstError {
				draining = true
			}
			mu.Unlock()
		}(item)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].ClientID < results[j].ClientID })

	successCount, failureCount := 0, 0
	latencies := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Success {
			successCount++
		} else {
			failureCount++
		}
		latencies = append(latencies, r.LatencyMs)
	}

	result := &BatchResult{
		Total:               len(results),
		Success:             successCount,
		Failure:             failureCount,
		TotalDurationMs:      float64(time.Since(start).Microseconds()) / 1000.0,
		AvgLatencyMs:         mean(latencies),
		PerItemLatencyList:   latencies,
		Results:              results,
		SessionPoolSnapshot:  ex.pool.GetStatistics(),
		StoppedEarly:         draining && len(results) < len(items),
	}

	obs.BatchExecutionsTotal.WithLabelValues(boolLabel(result.StoppedEarly)).Inc()
	if ex.log != nil {
		ex.log.Info("batch execution complete",
			obs.String("task_id", taskID),
			obs.Int("total", result.Total),
			obs.Int("success", result.Success),
			obs.Int("failure", result.Failure),
			obs.Bool("stopped_early", result.StoppedEarly),
		)
	}
	return result, nil
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

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
