package models

import "time"

// CycleStatus is the state of one feedback loop between reviewers and the
// drafter.
type CycleStatus string

const (
	CycleReviewing CycleStatus = "reviewing"
	CycleModifying CycleStatus = "modifying"
	CycleCompleted CycleStatus = "completed"
)

// ReviewCycle records one round of the opinion feedback loop. Cycle
// numbers are per contract and strictly increasing.
type ReviewCycle struct {
	ID                  string
	ContractID          string
	CycleNo             int
	OpinionSummary      string
	ModificationSummary string
	Status              CycleStatus
	SubmittedBy         string
	SubmittedAt         *time.Time
	ModifiedBy          string
	ModifiedAt          *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
