// Copyright 2025 James Ross

// Package sampling implements the Sampling Decider (§4.5): five pluggable
// strategies that decide, per execution, whether its output is worth the
// cost of oracle validation.
package sampling

import (
	"math/rand"
)

// Decision is the Sampling Decider's verdict for one execution.
type Decision struct {
	ShouldSample bool                   `json:"should_sample"`
	Probability  float64                `json:"probability"`
	Reason       string                 `json:"reason"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
}

// Strategy decides whether a given input for a task should be sampled for
// validation. Implementations are registered in the Plugin Registry under
// registry.KindSampler.
type Strategy interface {
	Name() string
	Decide(taskID string, rate float64, input map[string]interface{}) Decision
}

// FeedbackEvent is one reported execution outcome, used by Adaptive to
// compare new inputs against recent failures.
type FeedbackEvent struct {
	ExecutionID   string
	WasFailure    bool
	FailureReason string
	Signature     propertySet
}

// Feedback consumers implement RecordFeedback to ingest outcomes.
type Feedback interface {
	RecordFeedback(taskID, executionID string, wasFailure bool, failureReason string, input map[string]interface{})
}

// partitionBucket names a Stratified structural-signature bin.
type partitionBucket string

const (
	bucketEmpty    partitionBucket = "empty"
	bucketSimple   partitionBucket = "simple"
	bucketModerate partitionBucket = "moderate"
	bucketComplex  partitionBucket = "complex"
)

// propertySet is the flattened set of top-level property names in an input,
// used for both Stratified bucketing and Jaccard-like overlap comparisons.
type propertySet map[string]struct{}

func signatureOf(input map[string]interface{}) propertySet {
	sig := make(propertySet, len(input))
	for k := range input {
		sig[k] = struct{}{}
	}
	return sig
}

func bucketFor(input map[string]interface{}) partitionBucket {
	n := len(input)
	switch {
	case n == 0:
		return bucketEmpty
	case n <= 1:
		return bucketSimple
	case n <= 5:
		return bucketModerate
	default:
		return bucketComplex
	}
}

// jaccard returns |a ∩ b| / |a ∪ b| for two property sets; 0 if both empty.
func jaccard(a, b propertySet) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func overlapsAny(sig propertySet, history []propertySet, threshold float64) bool {
	for _, h := range history {
		if jaccard(sig, h) > threshold {
			return true
		}
	}
	return false
}

func isEdgeLeaf(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		trimmed := true
		for _, r := range x {
			if r != ' ' && r != '\t' && r != '\n' {
				trimmed = false
				break
			}
		}
		return x == "" || trimmed
	case []interface{}:
		return len(x) == 0
	case map[string]interface{}:
		return len(x) == 0
	case float64:
		abs := x
		if abs < 0 {
			abs = -abs
		}
		return abs == 0 || abs > 1e6 || (abs > 0 && abs < 1e-4)
	case int:
		return x == 0
	}
	return false
}

func hasEdgeCase(input map[string]interface{}) bool {
	for _, v := range input {
		if isEdgeLeaf(v) {
			return true
		}
		if nested, ok := v.(map[string]interface{}); ok {
			if hasEdgeCase(nested) {
				return true
			}
		}
		if arr, ok := v.([]interface{}); ok {
			for _, e := range arr {
				if isEdgeLeaf(e) {
					return true
				}
			}
		}
	}
	return false
}

// bernoulli draws a single trial with probability p, using the supplied
// source so behavior is deterministic in tests.
func bernoulli(rnd *rand.Rand, p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return rnd.Float64() < p
}
