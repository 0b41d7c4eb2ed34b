package models

import "time"

// RiskLevel grades a finding or an overall result.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	rank := func(r RiskLevel) int {
		switch r {
		case RiskHigh:
			return 3
		case RiskMedium:
			return 2
		case RiskLow:
			return 1
		}
		return 0
	}
	if rank(b) > rank(a) {
		return b
	}
	return a
}

// RiskOverview is the headline section of a review result.
type RiskOverview struct {
	OverallScore float64   `json:"overall_score"`
	RiskLevel    RiskLevel `json:"risk_level"`
	RiskCount    int       `json:"risk_count"`
	HighRisks    int       `json:"high_risks"`
	MediumRisks  int       `json:"medium_risks"`
	LowRisks     int       `json:"low_risks"`
}

// Suggestion is one remediation item produced by the comprehensive AI call
// or derived from a rule match.
type Suggestion struct {
	ClauseID   string    `json:"clause_id,omitempty"`
	Content    string    `json:"content"`
	Priority   RiskLevel `json:"priority"`
	LegalBasis string    `json:"legal_basis,omitempty"`
	Source     string    `json:"source,omitempty"` // "ai" or "rule"
}

// TierSuggestion is one tier's raw aggregation payload. Exactly one of
// Issues or Error is meaningful; a failed tier records its error here
// instead of aborting the other tiers.
type TierSuggestion struct {
	ReviewerID  string         `json:"reviewer_id,omitempty"`
	FocusPoints []string       `json:"focus_points,omitempty"`
	Issues      []TierIssue    `json:"issues,omitempty"`
	Raw         map[string]any `json:"raw,omitempty"`
	Error       string         `json:"error,omitempty"`
}

// TierIssue is one finding in a tier's AI response.
type TierIssue struct {
	ClauseID   string    `json:"clause_id,omitempty"`
	Clause     string    `json:"clause,omitempty"`
	Severity   RiskLevel `json:"severity"`
	Opinion    string    `json:"opinion"`
	LegalBasis string    `json:"legal_basis,omitempty"`
	Suggestion string    `json:"suggestion,omitempty"`
}

// ReviewData is the structured bag on a ReviewResult. Sections are written
// by different components (rule engine, pipeline, aggregator) at different
// times and merged with Merge.
type ReviewData struct {
	RuleScan             map[string]any          `json:"rule_scan,omitempty"`
	SemanticAnalysis     map[string]any          `json:"semantic_analysis,omitempty"`
	ClauseIdentification map[string]any          `json:"clause_identification,omitempty"`
	RiskIdentification   map[string]any          `json:"risk_identification,omitempty"`
	RiskQuantification   map[string]any          `json:"risk_quantification,omitempty"`
	ClauseScoring        map[string]any          `json:"clause_scoring,omitempty"`
	RiskOverview         *RiskOverview           `json:"risk_overview,omitempty"`
	Suggestions          []Suggestion            `json:"modification_suggestions,omitempty"`
	TierSuggestions      map[Tier]TierSuggestion `json:"tier_suggestions,omitempty"`
}

// Merge folds in into d, sub-key by sub-key. The later writer wins per
// named section; tier suggestions merge per tier rather than wholesale.
func (d *ReviewData) Merge(in *ReviewData) {
	if in == nil {
		return
	}
	if in.RuleScan != nil {
		d.RuleScan = in.RuleScan
	}
	if in.SemanticAnalysis != nil {
		d.SemanticAnalysis = in.SemanticAnalysis
	}
	if in.ClauseIdentification != nil {
		d.ClauseIdentification = in.ClauseIdentification
	}
	if in.RiskIdentification != nil {
		d.RiskIdentification = in.RiskIdentification
	}
	if in.RiskQuantification != nil {
		d.RiskQuantification = in.RiskQuantification
	}
	if in.ClauseScoring != nil {
		d.ClauseScoring = in.ClauseScoring
	}
	if in.RiskOverview != nil {
		d.RiskOverview = in.RiskOverview
	}
	if in.Suggestions != nil {
		d.Suggestions = in.Suggestions
	}
	if len(in.TierSuggestions) > 0 {
		if d.TierSuggestions == nil {
			d.TierSuggestions = make(map[Tier]TierSuggestion, len(in.TierSuggestions))
		}
		for tier, s := range in.TierSuggestions {
			d.TierSuggestions[tier] = s
		}
	}
}

// ReviewResult holds the aggregate outcome of one review task. Exactly one
// per task; created lazily by whichever component writes first.
type ReviewResult struct {
	ID           string
	TaskID       string
	ContractID   string
	OverallScore float64
	RiskLevel    RiskLevel
	RiskCount    int
	Summary      string
	ReportPath   string
	ReportFormat string
	Data         *ReviewData
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
