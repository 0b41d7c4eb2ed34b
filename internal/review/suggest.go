package review

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/store"
)

// Aggregator collects per-tier AI review suggestions for every requested
// review level. Tier failures are isolated: a failing tier records an
// error payload and the remaining tiers still run.
type Aggregator struct {
	store  store.Store
	ai     ai.Client
	logger *slog.Logger
}

// NewAggregator creates a level suggestion aggregator.
func NewAggregator(s store.Store, client ai.Client, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: s, ai: client, logger: logger}
}

// tierReply is the per-tier AI response shape.
type tierReply struct {
	OverallEvaluation string `json:"overall_evaluation"`
	Issues            []struct {
		ClauseID         string `json:"clause_id"`
		ClauseContent    string `json:"clause_content"`
		IssueDescription string `json:"issue_description"`
		RiskLevel        string `json:"risk_level"`
		LegalBasis       string `json:"legal_basis"`
		Suggestion       string `json:"suggestion"`
	} `json:"issues"`
	FocusPoints []map[string]any `json:"focus_points"`
	Conclusion  string           `json:"conclusion"`
	Summary     string           `json:"summary"`
}

// Run produces suggestions for each tier in the task's review levels and
// merges them into the result's tier_suggestions section.
func (a *Aggregator) Run(ctx context.Context, contract *models.Contract, task *models.ReviewTask, result *models.ReviewResult) error {
	if len(task.ReviewLevels) == 0 {
		return nil
	}

	if result.Data == nil {
		result.Data = &models.ReviewData{}
	}
	merged := &models.ReviewData{
		TierSuggestions: make(map[models.Tier]models.TierSuggestion, len(task.ReviewLevels)),
	}

	for _, tier := range task.ReviewLevels {
		suggestion := a.runTier(ctx, contract, task, result, tier)
		merged.TierSuggestions[tier] = suggestion
	}

	result.Data.Merge(merged)
	if err := a.store.UpdateResult(ctx, result); err != nil {
		return fmt.Errorf("persist tier suggestions: %w", err)
	}
	return nil
}

func (a *Aggregator) runTier(ctx context.Context, contract *models.Contract, task *models.ReviewTask, result *models.ReviewResult, tier models.Tier) models.TierSuggestion {
	cfg, err := a.store.GetFocusConfig(ctx, tier)
	if err != nil {
		a.logger.Error("tier suggestion failed: no focus config", "task", task.ID, "tier", string(tier), "error", err)
		return models.TierSuggestion{Error: fmt.Sprintf("focus config for %s: not found", tier)}
	}

	// Use the assigned reviewer when there is one; otherwise a placeholder
	// identity carrying only the tier, for prompt context and attribution.
	reviewerID, ok := task.AssignedReviewer(tier)
	if !ok {
		reviewerID = "ai:" + string(tier)
	}

	reply, err := a.ai.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: "You are a professional contract review expert."},
		{Role: ai.RoleUser, Content: tierPrompt(cfg, contract.Content)},
	}, ai.CallOptions{})
	if err != nil {
		a.logger.Error("tier suggestion call failed", "task", task.ID, "tier", string(tier), "error", err)
		return models.TierSuggestion{ReviewerID: reviewerID, Error: err.Error()}
	}

	var parsed tierReply
	if err := ai.ParseJSONReply(reply, &parsed); err != nil {
		a.logger.Error("tier suggestion parse failed", "task", task.ID, "tier", string(tier), "error", err)
		return models.TierSuggestion{ReviewerID: reviewerID, Error: err.Error()}
	}

	issues := make([]models.TierIssue, 0, len(parsed.Issues))
	for _, issue := range parsed.Issues {
		severity := models.RiskLevel(issue.RiskLevel)
		if severity == "" {
			severity = models.RiskMedium
		}
		issues = append(issues, models.TierIssue{
			ClauseID:   issue.ClauseID,
			Clause:     issue.ClauseContent,
			Severity:   severity,
			Opinion:    issue.IssueDescription,
			LegalBasis: issue.LegalBasis,
			Suggestion: issue.Suggestion,
		})

		o := &models.ReviewOpinion{
			ResultID:      result.ID,
			ReviewerID:    reviewerID,
			ReviewerTier:  tier,
			ClauseID:      issue.ClauseID,
			ClauseContent: issue.ClauseContent,
			Type:          models.OpinionSuggestion,
			Severity:      severity,
			Content:       issue.IssueDescription,
			LegalBasis:    issue.LegalBasis,
			Suggestion:    issue.Suggestion,
			Source:        models.OpinionSourceAI,
		}
		if err := a.store.CreateOpinion(ctx, o); err != nil {
			a.logger.Error("persist tier opinion", "task", task.ID, "tier", string(tier), "error", err)
			return models.TierSuggestion{ReviewerID: reviewerID, Error: err.Error()}
		}
	}

	var raw map[string]any
	_ = ai.ParseJSONReply(reply, &raw)

	return models.TierSuggestion{
		ReviewerID:  reviewerID,
		FocusPoints: cfg.FocusPoints,
		Issues:      issues,
		Raw:         raw,
	}
}
