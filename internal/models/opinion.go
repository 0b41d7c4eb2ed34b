package models

import "time"

// OpinionType classifies a review finding.
type OpinionType string

const (
	OpinionRisk       OpinionType = "risk"
	OpinionSuggestion OpinionType = "suggestion"
	OpinionWarning    OpinionType = "warning"
)

// OpinionStatus is the drafter-side processing state of an opinion.
type OpinionStatus string

const (
	OpinionPending  OpinionStatus = "pending"
	OpinionAccepted OpinionStatus = "accepted"
	OpinionRejected OpinionStatus = "rejected"
)

// OpinionSource records who produced an opinion. The task completion
// check counts only manual submissions.
type OpinionSource string

const (
	OpinionSourceAI     OpinionSource = "ai"
	OpinionSourceManual OpinionSource = "manual"
)

// ReviewOpinion is one finding attached to a review result. Opinions are
// append-only; only Status changes after creation.
type ReviewOpinion struct {
	ID            string
	ResultID      string
	ReviewerID    string
	ReviewerTier  Tier
	ClauseID      string
	ClauseContent string
	Type          OpinionType
	Severity      RiskLevel
	Content       string
	LegalBasis    string
	Suggestion    string
	Status        OpinionStatus
	Source        OpinionSource
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
