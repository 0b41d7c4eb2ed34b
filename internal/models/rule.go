package models

import "time"

// RuleType scopes where a rule applies.
type RuleType string

const (
	RuleGeneral    RuleType = "general"
	RuleIndustry   RuleType = "industry"
	RuleEnterprise RuleType = "enterprise"
)

// MatcherType selects how a rule's content is evaluated against text.
type MatcherType string

const (
	MatchKeyword MatcherType = "keyword"
	MatchRegex   MatcherType = "regex"
	// MatchPattern is reserved for composite matchers and currently
	// never matches.
	MatchPattern MatcherType = "pattern"
)

// RuleContent is the typed matcher payload of a rule.
type RuleContent struct {
	Matcher  MatcherType `json:"matcher" yaml:"matcher"`
	Keywords []string    `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Regex    string      `json:"regex,omitempty" yaml:"regex,omitempty"`
	Pattern  string      `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// ReviewRule is a catalog entry evaluated by the rule engine. Read-only
// from the engine's perspective.
type ReviewRule struct {
	ID           string
	Code         string
	Name         string
	Type         RuleType
	Industry     string // empty means all industries
	ContractType string // empty means all contract types
	Category     string
	Priority     int
	Content      RuleContent
	RiskLevel    RiskLevel
	LegalBasis   string
	Description  string
	Active       bool
	Version      int
	Deleted      bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RuleMatch is an immutable audit row recording that a rule fired for a
// task.
type RuleMatch struct {
	ID            string
	TaskID        string
	RuleID        string
	ContractID    string
	MatchedClause string
	Score         float64
	Detail        map[string]any
	CreatedAt     time.Time
}
