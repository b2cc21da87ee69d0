// Copyright 2025 James Ross
package sampling

import (
	"fmt"
	"math/rand"
	"sync"
)

// RandomStrategy samples with a plain Bernoulli trial at the task's
// configured sampling_rate.
type RandomStrategy struct {
	rnd *rand.Rand
	mu  sync.Mutex
}

// NewRandomStrategy returns a Random strategy seeded from the given source.
func NewRandomStrategy(seed int64) *RandomStrategy {
	return &RandomStrategy{rnd: rand.New(rand.NewSource(seed))}
}

func (s *RandomStrategy) Name() string { return "random" }

func (s *RandomStrategy) Decide(taskID string, rate float64, input map[string]interface{}) Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	sampled := bernoulli(s.rnd, rate)
	return Decision{
		ShouldSample: sampled,
		Probability:  rate,
		Reason:       "random",
	}
}

// StratifiedStrategy partitions inputs into structural-signature buckets and
// preferentially samples under-represented buckets for a task.
type StratifiedStrategy struct {
	mu     sync.Mutex
	rnd    *rand.Rand
	counts map[string]map[partitionBucket]int64
}

// NewStratifiedStrategy returns a Stratified strategy seeded from the given source.
func NewStratifiedStrategy(seed int64) *StratifiedStrategy {
	return &StratifiedStrategy{
		rnd:    rand.New(rand.NewSource(seed)),
		counts: make(map[string]map[partitionBucket]int64),
	}
}

func (s *StratifiedStrategy) Name() string { return "stratified" }

func (s *StratifiedStrategy) Decide(taskID string, rate float64, input map[string]interface{}) Decision {
	bucket := bucketFor(input)

	s.mu.Lock()
	byBucket, ok := s.counts[taskID]
	if !ok {
		byBucket = make(map[partitionBucket]int64)
		s.counts[taskID] = byBucket
	}
	byBucket[bucket]++

	total := int64(0)
	minCount := byBucket[bucket]
	for _, c := range byBucket {
		total += c
		if c < minCount {
			minCount = c
		}
	}
	underRepresented := total > 0 && byBucket[bucket] <= minCount+1
	effectiveRate := rate
	if underRepresented {
		effectiveRate = minF(1.0, rate*1.5)
	}
	sampled := bernoulli(s.rnd, effectiveRate)
	s.mu.Unlock()

	return Decision{
		ShouldSample: sampled,
		Probability:  effectiveRate,
		Reason:       fmt.Sprintf("stratified:%s", bucket),
		Metadata:     map[string]interface{}{"bucket": string(bucket), "bucket_count": byBucket[bucket]},
	}
}

// EdgeCaseStrategy always samples inputs containing an edge-case leaf value,
// falling back to a Random trial for non-edge inputs.
type EdgeCaseStrategy struct {
	fallback *RandomStrategy
}

// NewEdgeCaseStrategy returns an EdgeCase strategy, falling back to a Random
// strategy seeded from the given source for non-edge inputs.
func NewEdgeCaseStrategy(seed int64) *EdgeCaseStrategy {
	return &EdgeCaseStrategy{fallback: NewRandomStrategy(seed)}
}

func (s *EdgeCaseStrategy) Name() string { return "edge_case" }

func (s *EdgeCaseStrategy) Decide(taskID string, rate float64, input map[string]interface{}) Decision {
	if hasEdgeCase(input) {
		return Decision{ShouldSample: true, Probability: 1.0, Reason: "edge_case"}
	}
	d := s.fallback.Decide(taskID, rate, input)
	d.Reason = "edge_case:fallback_random"
	return d
}

const feedbackHistoryLimit = 10

// AdaptiveStrategy doubles the base rate when an input's property-set
// overlaps more than 0.7 (Jaccard) with any of a task's last 10 reported
// failures.
type AdaptiveStrategy struct {
	mu        sync.Mutex
	rnd       *rand.Rand
	failures  map[string][]propertySet
}

// NewAdaptiveStrategy returns an Adaptive strategy seeded from the given source.
func NewAdaptiveStrategy(seed int64) *AdaptiveStrategy {
	return &AdaptiveStrategy{
		rnd:      rand.New(rand.NewSource(seed)),
		failures: make(map[string][]propertySet),
	}
}

func (s *AdaptiveStrategy) Name() string { return "adaptive" }

func (s *AdaptiveStrategy) Decide(taskID string, rate float64, input map[string]interface{}) Decision {
	sig := signatureOf(input)

	s.mu.Lock()
	hist := s.failures[taskID]
	overlap := overlapsAny(sig, hist, 0.7)
	effectiveRate := rate
	reason := "adaptive:base_rate"
	if overlap {
		effectiveRate = minF(1.0, rate*2)
		reason = "adaptive:failure_overlap"
	}
	sampled := bernoulli(s.rnd, effectiveRate)
	s.mu.Unlock()

	return Decision{ShouldSample: sampled, Probability: effectiveRate, Reason: reason}
}

// RecordFeedback appends a failure signature to the per-task ring buffer
// when wasFailure is true; it is a no-op otherwise, since Adaptive only
// reacts to failures.
func (s *AdaptiveStrategy) RecordFeedback(taskID, executionID string, wasFailure bool, failureReason string, input map[string]interface{}) {
	if !wasFailure {
		return
	}
	sig := signatureOf(input)
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := append(s.failures[taskID], sig)
	if len(hist) > feedbackHistoryLimit {
		hist = hist[len(hist)-feedbackHistoryLimit:]
	}
	s.failures[taskID] = hist
}

// DiversityStrategy halves the rate when an input overlaps more than 0.8
// with any of the last 10 sampled inputs for a task, and multiplies it by
// 1.5 otherwise, favoring structurally novel inputs.
type DiversityStrategy struct {
	mu      sync.Mutex
	rnd     *rand.Rand
	sampled map[string][]propertySet
}

// NewDiversityStrategy returns a DiversityBased strategy seeded from the given source.
func NewDiversityStrategy(seed int64) *DiversityStrategy {
	return &DiversityStrategy{
		rnd:     rand.New(rand.NewSource(seed)),
		sampled: make(map[string][]propertySet),
	}
}

func (s *DiversityStrategy) Name() string { return "diversity_based" }

func (s *DiversityStrategy) Decide(taskID string, rate float64, input map[string]interface{}) Decision {
	sig := signatureOf(input)

	s.mu.Lock()
	hist := s.sampled[taskID]
	overlap := overlapsAny(sig, hist, 0.8)
	effectiveRate := rate
	reason := "diversity:novel"
	if overlap {
		effectiveRate = rate / 2
		reason = "diversity:redundant"
	} else {
		effectiveRate = minF(1.0, rate*1.5)
	}
	sampled := bernoulli(s.rnd, effectiveRate)
	if sampled {
		hist = append(hist, sig)
		if len(hist) > feedbackHistoryLimit {
			hist = hist[len(hist)-feedbackHistoryLimit:]
		}
		s.sampled[taskID] = hist
	}
	s.mu.Unlock()

	return Decision{ShouldSample: sampled, Probability: effectiveRate, Reason: reason}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
