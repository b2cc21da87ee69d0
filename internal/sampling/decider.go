// Copyright 2025 James Ross
package sampling

import (
	"fmt"
	"sync"

	"github.com/loopai/engine/internal/obs"
	"github.com/loopai/engine/internal/registry"
	"go.uber.org/zap"
)

const feedbackRingBufferSize = 50

// Decider is the Sampling Decider (C5): it looks up a named strategy in the
// Plugin Registry, asks it whether to sample, and fans RecordFeedback calls
// out to every registered strategy that implements Feedback.
type Decider struct {
	reg *registry.Registry
	log *zap.Logger

	mu       sync.Mutex
	feedback map[string][]FeedbackEvent // taskID -> bounded ring buffer, most-recent last
}

// NewDecider wires a Decider against reg, registering the five built-in
// strategies under registry.KindSampler at equal priority.
func NewDecider(reg *registry.Registry, log *zap.Logger) (*Decider, error) {
	d := &Decider{reg: reg, log: log, feedback: make(map[string][]FeedbackEvent)}
	strategies := []Strategy{
		NewRandomStrategy(1),
		NewStratifiedStrategy(2),
		NewEdgeCaseStrategy(3),
		NewAdaptiveStrategy(4),
		NewDiversityStrategy(5),
	}
	for _, s := range strategies {
		if err := reg.Register(registry.KindSampler, s.Name(), 0, s); err != nil {
			return nil, fmt.Errorf("sampling: registering %s: %w", s.Name(), err)
		}
	}
	return d, nil
}

// Decide looks up strategyName in the registry and asks it to decide whether
// taskID's input should be sampled for validation at the given base rate.
func (d *Decider) Decide(taskID, strategyName string, rate float64, input map[string]interface{}) (Decision, error) {
	handle, ok := d.reg.Get(registry.KindSampler, strategyName)
	if !ok {
		return Decision{}, fmt.Errorf("sampling: unknown strategy %q", strategyName)
	}
	strategy, ok := handle.(Strategy)
	if !ok {
		return Decision{}, fmt.Errorf("sampling: registry entry %q is not a Strategy", strategyName)
	}
	decision := strategy.Decide(taskID, rate, input)
	obs.SamplingDecisions.WithLabelValues(strategyName, boolLabel(decision.ShouldSample)).Inc()
	if d.log != nil {
		d.log.Debug("sampling decision",
			obs.String("task_id", taskID),
			obs.String("strategy", strategyName),
			obs.Bool("should_sample", decision.ShouldSample),
			obs.Float64("probability", decision.Probability),
		)
	}
	return decision, nil
}

// RecordFeedback appends a feedback event to taskID's bounded ring buffer
// and forwards it to every registered strategy that consumes feedback
// (currently Adaptive).
func (d *Decider) RecordFeedback(taskID, executionID string, wasFailure bool, failureReason string, input map[string]interface{}) {
	d.mu.Lock()
	hist := append(d.feedback[taskID], FeedbackEvent{
		ExecutionID:   executionID,
		WasFailure:    wasFailure,
		FailureReason: failureReason,
		Signature:     signatureOf(input),
	})
	if len(hist) > feedbackRingBufferSize {
		hist = hist[len(hist)-feedbackRingBufferSize:]
	}
	d.feedback[taskID] = hist
	d.mu.Unlock()

	for _, e := range d.reg.List(registry.KindSampler) {
		if fb, ok := e.Handle.(Feedback); ok {
			fb.RecordFeedback(taskID, executionID, wasFailure, failureReason, input)
		}
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
