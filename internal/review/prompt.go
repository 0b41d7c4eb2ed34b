package review

import (
	"fmt"
	"strings"

	"github.com/crevhq/crev/internal/models"
)

// maxContractChars bounds the contract text embedded in the comprehensive
// prompt. Longer contracts are truncated with a marker.
const maxContractChars = 8000

// maxTierPromptChars bounds the contract text in per-tier prompts, which
// run once per requested level.
const maxTierPromptChars = 5000

// truncateContent caps text at n runes and appends a truncation marker.
func truncateContent(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "\n...(content truncated)"
}

// comprehensivePrompt asks for semantic analysis, clause identification,
// risk identification and quantification, clause scoring, and remediation
// suggestions in a single structured reply. One large call instead of six
// keeps end-to-end latency down.
func comprehensivePrompt(contract *models.Contract, content string) string {
	var b strings.Builder
	b.WriteString("You are a senior contract review expert with deep legal knowledge. Review the following contract thoroughly and professionally.\n\n")

	fmt.Fprintf(&b, "Contract title: %s\n", contract.Title)
	fmt.Fprintf(&b, "Contract number: %s\n", orUnspecified(contract.ContractNo))
	fmt.Fprintf(&b, "Contract type: %s\n", orUnspecified(string(contract.Type)))
	fmt.Fprintf(&b, "Industry: %s\n\n", orUnspecified(contract.Industry))

	b.WriteString("Contract content:\n")
	b.WriteString(content)
	b.WriteString("\n\n")

	b.WriteString(`Review the contract along these dimensions:
1. semantic_analysis: main content and purpose, key clauses, structural clarity, possible ambiguities.
2. clause_identification: parties, subject matter, term, responsibilities, payment terms, breach liability, dispute resolution.
3. risk_identification: legality, compliance, completeness, financial, performance and other risks, each with level and legal basis.
4. risk_quantification: risk score (high risk 10 points, medium 5, low 1), overall risk level, counts per level.
5. clause_scoring: per-clause scores (0-100) with comments and the average score.
6. suggestions: concrete, actionable modification suggestions with legal basis.

Return ONLY a JSON document in exactly this shape, no other text:
{
    "semantic_analysis": {"summary": "...", "key_points": ["..."], "structure": "...", "ambiguities": ["..."]},
    "clause_identification": {"subjects": ["..."], "subject_matter": "...", "term": "...", "responsibilities": ["..."], "payment": "...", "breach": "...", "dispute": "..."},
    "risk_identification": {"risks": [{"type": "legality|compliance|completeness|financial|performance|other", "level": "high|medium|low", "description": "...", "clause": "...", "legal_basis": "..."}], "total_count": 0, "high_count": 0, "medium_count": 0, "low_count": 0},
    "risk_quantification": {"risk_score": 0, "overall_risk_level": "high|medium|low", "high_risk_count": 0, "medium_risk_count": 0, "low_risk_count": 0},
    "clause_scoring": {"clause_scores": [{"clause_type": "...", "clause_content": "...", "score": 0, "comments": "..."}], "average_score": 0},
    "suggestions": [{"type": "risk_suggestion|improvement_suggestion", "priority": "high|medium|low", "clause": "...", "suggestion": "...", "legal_basis": "..."}],
    "overall_score": 0,
    "summary": "..."
}

Analyze the actual contract text; do not produce templated answers. Every score and risk level must be justified. The reply must be valid JSON.`)

	return b.String()
}

// tierPrompt builds the per-tier review prompt from that tier's focus
// configuration.
func tierPrompt(cfg *models.ReviewFocusConfig, content string) string {
	var b strings.Builder
	b.WriteString("You are a professional contract review expert. Review the contract per the requirements below.\n\n")

	fmt.Fprintf(&b, "Reviewer tier: %s\n", cfg.TierName)
	fmt.Fprintf(&b, "Focus points: %s\n", strings.Join(cfg.FocusPoints, ", "))
	fmt.Fprintf(&b, "Review standards: %s\n", cfg.Standards)
	fmt.Fprintf(&b, "Attention items: %s\n\n", strings.Join(cfg.AttentionItems, ", "))

	b.WriteString("Contract content:\n")
	b.WriteString(truncateContent(content, maxTierPromptChars))
	b.WriteString("\n\n")

	b.WriteString(`Return ONLY a JSON document in exactly this shape:
{
    "overall_evaluation": "...",
    "issues": [{"clause_id": "...", "clause_content": "...", "issue_description": "...", "risk_level": "high|medium|low", "legal_basis": "...", "suggestion": "..."}],
    "focus_points": [{"point": "...", "status": "ok|abnormal|attention", "description": "..."}],
    "conclusion": "pass|fail|needs_modification",
    "summary": "..."
}`)

	return b.String()
}

func orUnspecified(s string) string {
	if s == "" {
		return "unspecified"
	}
	return s
}
