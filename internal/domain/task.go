// Copyright 2025 James Ross
package domain

import "time"

// Task is the stable unit of work an artifact substitutes LLM inference for.
// Its schema and examples are immutable once created; only the sampling
// rate and performance targets may be tuned afterward.
type Task struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Description     string                 `json:"description"`
	InputSchema     map[string]interface{} `json:"input_schema"`
	OutputSchema    map[string]interface{} `json:"output_schema"`
	Examples        []TaskExample          `json:"examples"`
	AccuracyTarget  float64                `json:"accuracy_target"`
	LatencyTargetMs int64                  `json:"latency_target_ms"`
	SamplingRate    float64                `json:"sampling_rate"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// TaskExample is one input/output pair supplied to the program synthesizer.
type TaskExample struct {
	Input  map[string]interface{} `json:"input"`
	Output map[string]interface{} `json:"output"`
}

// ProgramLanguage enumerates sandbox-supported target languages.
type ProgramLanguage string

const (
	LanguagePython     ProgramLanguage = "python"
	LanguageJavaScript ProgramLanguage = "javascript"
	LanguageTypeScript ProgramLanguage = "typescript"
	LanguageGo         ProgramLanguage = "go"
	LanguageCSharp     ProgramLanguage = "csharp"
)

// SynthesisStrategy records how an artifact's code was produced.
type SynthesisStrategy string

const (
	StrategyRule   SynthesisStrategy = "rule"
	StrategyML     SynthesisStrategy = "ml"
	StrategyHybrid SynthesisStrategy = "hybrid"
	StrategyDSL    SynthesisStrategy = "dsl"
)

// ArtifactStatus is the lifecycle state of a ProgramArtifact.
type ArtifactStatus string

const (
	ArtifactDraft      ArtifactStatus = "draft"
	ArtifactActive     ArtifactStatus = "active"
	ArtifactDeprecated ArtifactStatus = "deprecated"
	ArtifactRetired    ArtifactStatus = "retired"
)

// ComplexityMetrics are static measurements taken at synthesis time.
type ComplexityMetrics struct {
	Lines               int     `json:"lines"`
	CyclomaticComplexity int    `json:"cyclomatic_complexity"`
	EstimatedLatencyMs   float64 `json:"estimated_latency_ms"`
}

// ProgramArtifact is an immutable, versioned program bound to a task.
// Code and Version never change after creation; only Status and
// DeploymentPercentage mutate, and only through canary transitions
// (invariant: append-only, no destructive mutation of Code/Version).
type ProgramArtifact struct {
	ID                   string            `json:"id"`
	TaskID               string            `json:"task_id"`
	Version              int               `json:"version"`
	Code                 string            `json:"code"`
	Language             ProgramLanguage   `json:"language"`
	SynthesisStrategy    SynthesisStrategy `json:"synthesis_strategy"`
	Confidence           float64           `json:"confidence"`
	Complexity           ComplexityMetrics `json:"complexity_metrics"`
	Status               ArtifactStatus    `json:"status"`
	DeploymentPercentage float64           `json:"deployment_percentage"`
	CreatedAt            time.Time         `json:"created_at"`
}
