package models

import (
	"fmt"
	"time"
)

// TaskStatus represents the state of a review task.
//
// The async path is pending → ai_processing → ai_completed →
// manual_reviewing → completed. The synchronous variant (no tiered human
// review requested, or a manual re-run) uses processing → completed|failed.
// failed is reachable from any non-terminal state.
type TaskStatus string

const (
	TaskStatusPending         TaskStatus = "pending"
	TaskStatusProcessing      TaskStatus = "processing"
	TaskStatusAIProcessing    TaskStatus = "ai_processing"
	TaskStatusAICompleted     TaskStatus = "ai_completed"
	TaskStatusManualReviewing TaskStatus = "manual_reviewing"
	TaskStatusCompleted       TaskStatus = "completed"
	TaskStatusFailed          TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// TaskType represents how a review task is executed.
type TaskType string

const (
	TaskTypeAuto   TaskType = "auto"
	TaskTypeManual TaskType = "manual"
)

// Tier is a reviewer level with its own focus configuration.
type Tier string

const (
	TierLevel1 Tier = "level1"
	TierLevel2 Tier = "level2"
	TierLevel3 Tier = "level3"
)

// KnownTier reports whether t is a well-known reviewer tier.
func KnownTier(t Tier) bool {
	switch t {
	case TierLevel1, TierLevel2, TierLevel3:
		return true
	}
	return false
}

// StepStatus is the state of one entry in the progress checklist.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepProcessing StepStatus = "processing"
	StepCompleted  StepStatus = "completed"
)

// ProgressStep is one entry in a task's progress checklist.
type ProgressStep struct {
	Name   string     `json:"name"`
	Status StepStatus `json:"status"`
}

// Progress is the live progress snapshot of a running task. It is only
// ever written by the task's own execution, so percent is monotone.
type Progress struct {
	CurrentStep string         `json:"current_step"`
	Percent     int            `json:"progress"`
	Message     string         `json:"message"`
	Steps       []ProgressStep `json:"steps"`
}

// ReviewTask identifies one review attempt for a contract at a specific
// version. Tasks are never deleted; resubmission supersedes them with a
// new pending task.
type ReviewTask struct {
	ID              string
	ContractID      string
	ContractVersion int
	Type            TaskType
	Status          TaskStatus
	Priority        int
	ReviewerID      string          // reviewer who last submitted
	ReviewerTier    Tier            // tier of that reviewer
	Assignments     map[Tier]string // tier → reviewer id
	ReviewLevels    []Tier          // requested tiers, in review order
	Progress        *Progress
	CorrelationID   string // id of the comprehensive AI call
	ErrorMessage    string
	CreatedBy       string
	StartedAt       *time.Time
	CompletedAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the task's tier invariants: review levels, when present,
// are non-empty well-known tiers, and assignment keys are a subset of them.
func (t *ReviewTask) Validate() error {
	requested := make(map[Tier]bool, len(t.ReviewLevels))
	for _, lvl := range t.ReviewLevels {
		if !KnownTier(lvl) {
			return fmt.Errorf("unknown review level: %s", lvl)
		}
		requested[lvl] = true
	}
	for tier := range t.Assignments {
		if !requested[tier] {
			return fmt.Errorf("assignment for %s is not a requested review level", tier)
		}
	}
	return nil
}

// AssignedReviewer returns the reviewer id assigned to the given tier.
func (t *ReviewTask) AssignedReviewer(tier Tier) (string, bool) {
	id, ok := t.Assignments[tier]
	return id, ok
}

// TierOf returns the tier a reviewer is assigned to on this task.
func (t *ReviewTask) TierOf(reviewerID string) (Tier, bool) {
	for tier, id := range t.Assignments {
		if id == reviewerID {
			return tier, true
		}
	}
	return "", false
}

// ReviewSteps is the fixed six-step checklist reset at task start.
func ReviewSteps() []ProgressStep {
	names := []string{
		"extract contract content",
		"build review prompt",
		"call AI model",
		"parse AI response",
		"convert result format",
		"persist review result",
	}
	steps := make([]ProgressStep, len(names))
	for i, n := range names {
		steps[i] = ProgressStep{Name: n, Status: StepPending}
	}
	return steps
}
