// Copyright 2025 James Ross
package domain

import "time"

// CanaryStage is a step in the fixed-percentage rollout ladder.
type CanaryStage string

const (
	StageNotStarted CanaryStage = "not_started"
	Stage1_5        CanaryStage = "stage1_5"
	Stage2_25       CanaryStage = "stage2_25"
	Stage3_50       CanaryStage = "stage3_50"
	Stage4_100      CanaryStage = "stage4_100"
	StageCompleted  CanaryStage = "completed"
)

// StagePercentage is the canonical traffic percentage for a stage.
// Invariant P3: CanaryDeployment.CurrentPercentage must always equal this.
var StagePercentage = map[CanaryStage]float64{
	StageNotStarted: 0,
	Stage1_5:        0.05,
	Stage2_25:       0.25,
	Stage3_50:       0.50,
	Stage4_100:      1.00,
	StageCompleted:  1.00,
}

// stageOrder gives the monotonic advancement sequence (invariant I4).
var stageOrder = []CanaryStage{StageNotStarted, Stage1_5, Stage2_25, Stage3_50, Stage4_100, StageCompleted}

// NextStage returns the stage following s, or false if s is terminal.
func NextStage(s CanaryStage) (CanaryStage, bool) {
	for i, st := range stageOrder {
		if st == s && i+1 < len(stageOrder) {
			return stageOrder[i+1], true
		}
	}
	return "", false
}

// CanaryStatus is the orthogonal lifecycle status of a deployment.
type CanaryStatus string

const (
	CanaryInProgress CanaryStatus = "in_progress"
	CanaryPaused     CanaryStatus = "paused"
	CanaryRolledBack CanaryStatus = "rolled_back"
	CanaryCompleted  CanaryStatus = "completed"
	CanaryFailed     CanaryStatus = "failed"
)

// CanaryAction enumerates the events appended to a deployment's history.
type CanaryAction string

const (
	ActionStarted    CanaryAction = "started"
	ActionPromoted   CanaryAction = "promoted"
	ActionPaused     CanaryAction = "paused"
	ActionRolledBack CanaryAction = "rolled_back"
)

// CanaryHistoryEntry is one append-only entry in a deployment's history.
type CanaryHistoryEntry struct {
	Stage      CanaryStage  `json:"stage"`
	Percentage float64      `json:"percentage"`
	Action     CanaryAction `json:"action"`
	Reason     string       `json:"reason,omitempty"`
	Timestamp  time.Time    `json:"timestamp"`
}

// CanaryDeployment orchestrates a staged rollout of a new artifact version
// against the currently-serving one for a task. At most one CanaryDeployment
// per task may be InProgress or Paused at a time (invariant I3, P2).
type CanaryDeployment struct {
	ID                string               `json:"id"`
	TaskID            string               `json:"task_id"`
	CurrentProgramID  string               `json:"current_program_id"`
	NewProgramID      string               `json:"new_program_id"`
	CurrentStage      CanaryStage          `json:"current_stage"`
	CurrentPercentage float64              `json:"current_percentage"`
	Status            CanaryStatus         `json:"status"`
	StatusReason      string               `json:"status_reason,omitempty"`
	History           []CanaryHistoryEntry `json:"history"`
	CreatedAt         time.Time            `json:"created_at"`
	CompletedAt       *time.Time           `json:"completed_at,omitempty"`
}

// DeploymentEvent is the shape of a richer, queryable supplement to
// History. No component creates or stores DeploymentEvent values; canary
// transitions are recorded only in the append-only History field above.
type DeploymentEvent struct {
	ID           string                 `json:"id"`
	DeploymentID string                 `json:"deployment_id"`
	Type         string                 `json:"type"`
	Message      string                 `json:"message"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// AppendHistory appends one entry to the deployment's History in place;
// existing entries are never modified or removed.
func (c *CanaryDeployment) AppendHistory(entry CanaryHistoryEntry) {
	c.History = append(c.History, entry)
}
