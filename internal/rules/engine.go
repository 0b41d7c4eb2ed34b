// Package rules implements keyword/regex rule scanning over contract text.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/store"
)

const (
	keywordScore = 0.8
	regexScore   = 0.9
	contextLines = 3
)

// Engine evaluates the rule catalog against contract text.
type Engine struct {
	store  store.Store
	logger *slog.Logger
}

// NewEngine creates a rule engine backed by the given store.
func NewEngine(s store.Store, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: s, logger: logger}
}

// ScanInput describes one scan request. TaskID is optional; when set,
// every match is persisted as an audit row.
type ScanInput struct {
	TaskID       string
	ContractID   string
	Content      string
	Industry     string
	ContractType models.ContractType
}

// Match is one rule that fired.
type Match struct {
	Rule          *models.ReviewRule
	MatchedClause string
	Matched       string // the exact matched text
	Score         float64
}

// ScanResult is the outcome of a full catalog scan.
type ScanResult struct {
	Matches      []Match
	RulesChecked int
	OverallScore float64
	RiskLevel    models.RiskLevel
}

// Scan evaluates all applicable rules against the contract content.
// Applicability: general rules always, industry rules when the rule's
// industry is empty or equals the contract's, enterprise rules
// unconditionally (no per-enterprise scoping yet). Rules run in priority
// order; a rule that fails to evaluate is skipped, never fatal.
func (e *Engine) Scan(ctx context.Context, in ScanInput) (*ScanResult, error) {
	rules, err := e.store.ListApplicableRules(ctx, in.Industry, in.ContractType)
	if err != nil {
		return nil, fmt.Errorf("load applicable rules: %w", err)
	}

	result := &ScanResult{RulesChecked: len(rules)}
	for _, rule := range rules {
		m, ok := e.matchRule(rule, in.Content)
		if !ok {
			continue
		}
		if !e.conditionsPass(rule, m) {
			continue
		}
		result.Matches = append(result.Matches, m)

		if in.TaskID != "" {
			err := e.store.CreateRuleMatch(ctx, &models.RuleMatch{
				TaskID:        in.TaskID,
				RuleID:        rule.ID,
				ContractID:    in.ContractID,
				MatchedClause: m.MatchedClause,
				Score:         m.Score,
				Detail: map[string]any{
					"matched":    m.Matched,
					"matcher":    string(rule.Content.Matcher),
					"risk_level": string(rule.RiskLevel),
				},
			})
			if err != nil {
				return nil, fmt.Errorf("persist rule match: %w", err)
			}
		}
	}

	result.OverallScore = overallScore(result.Matches)
	result.RiskLevel = overallRisk(result.Matches)
	return result, nil
}

// matchRule dispatches on the rule's matcher type.
func (e *Engine) matchRule(rule *models.ReviewRule, content string) (Match, bool) {
	switch rule.Content.Matcher {
	case models.MatchKeyword:
		return matchKeyword(rule, content)
	case models.MatchRegex:
		return e.matchRegex(rule, content)
	case models.MatchPattern:
		// Composite matchers are not implemented yet and never match.
		return Match{}, false
	default:
		e.logger.Warn("rule has unknown matcher type, skipping",
			"rule", rule.Code, "matcher", string(rule.Content.Matcher))
		return Match{}, false
	}
}

// conditionsPass is the post-match veto hook. There are no conditions in
// the catalog yet, so every match passes.
func (e *Engine) conditionsPass(rule *models.ReviewRule, m Match) bool {
	return true
}

func matchKeyword(rule *models.ReviewRule, content string) (Match, bool) {
	lower := strings.ToLower(content)
	for _, kw := range rule.Content.Keywords {
		if kw == "" {
			continue
		}
		idx := strings.Index(lower, strings.ToLower(kw))
		if idx < 0 {
			continue
		}
		return Match{
			Rule:          rule,
			Matched:       content[idx : idx+len(kw)],
			MatchedClause: clauseContext(content, idx),
			Score:         keywordScore,
		}, true
	}
	return Match{}, false
}

func (e *Engine) matchRegex(rule *models.ReviewRule, content string) (Match, bool) {
	re, err := regexp.Compile(rule.Content.Regex)
	if err != nil {
		e.logger.Warn("invalid regex in rule, skipping",
			"rule", rule.Code, "regex", rule.Content.Regex, "error", err)
		return Match{}, false
	}
	loc := re.FindStringIndex(content)
	if loc == nil {
		return Match{}, false
	}
	return Match{
		Rule:          rule,
		Matched:       content[loc[0]:loc[1]],
		MatchedClause: clauseContext(content, loc[0]),
		Score:         regexScore,
	}, true
}

// clauseContext returns the line containing offset plus the surrounding
// lines on each side.
func clauseContext(content string, offset int) string {
	lines := strings.Split(content, "\n")
	lineNo := strings.Count(content[:offset], "\n")

	start := lineNo - contextLines
	if start < 0 {
		start = 0
	}
	end := lineNo + contextLines + 1
	if end > len(lines) {
		end = len(lines)
	}
	return strings.Join(lines[start:end], "\n")
}

// overallScore derives a 0-100 contract score from the average match score.
func overallScore(matches []Match) float64 {
	if len(matches) == 0 {
		return 100
	}
	var sum float64
	for _, m := range matches {
		sum += m.Score
	}
	avg := sum / float64(len(matches))
	score := 100 - avg*20
	if score < 0 {
		score = 0
	}
	return score
}

// overallRisk is the highest severity among matched rules, defaulting low.
func overallRisk(matches []Match) models.RiskLevel {
	risk := models.RiskLow
	for _, m := range matches {
		risk = models.MaxRisk(risk, m.Rule.RiskLevel)
	}
	return risk
}

// AsReviewData renders a scan result for storage in ReviewResult data.
func (r *ScanResult) AsReviewData() map[string]any {
	matches := make([]map[string]any, 0, len(r.Matches))
	for _, m := range r.Matches {
		matches = append(matches, map[string]any{
			"rule_code":      m.Rule.Code,
			"rule_name":      m.Rule.Name,
			"risk_level":     string(m.Rule.RiskLevel),
			"matched_clause": m.MatchedClause,
			"score":          m.Score,
		})
	}
	return map[string]any{
		"matches":       matches,
		"rules_checked": r.RulesChecked,
		"overall_score": r.OverallScore,
		"risk_level":    string(r.RiskLevel),
	}
}

// Suggestions derives remediation entries from non-low matches.
func (r *ScanResult) Suggestions() []models.Suggestion {
	var out []models.Suggestion
	for _, m := range r.Matches {
		if m.Rule.RiskLevel == models.RiskLow || m.Rule.RiskLevel == "" {
			continue
		}
		priority := models.RiskMedium
		if m.Rule.RiskLevel == models.RiskHigh {
			priority = models.RiskHigh
		}
		content := m.Rule.Description
		if content == "" {
			content = fmt.Sprintf("rule %s matched: %s", m.Rule.Name, m.Matched)
		}
		out = append(out, models.Suggestion{
			Content:    content,
			Priority:   priority,
			LegalBasis: m.Rule.LegalBasis,
			Source:     "rule",
		})
	}
	return out
}
