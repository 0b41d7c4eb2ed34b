package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

// defaultReviewTimeout is the extended deadline for the comprehensive AI
// call, distinct from the gateway default.
const defaultReviewTimeout = 120 * time.Second

// ReportGenerator renders a completed result to a report file. Generation
// is fire-and-forget: failures are logged and never fail the task.
type ReportGenerator interface {
	Generate(contract *models.Contract, result *models.ReviewResult) (path string, err error)
}

// Pipeline executes the automatic review: one comprehensive AI call plus
// an in-process rule scan, converted into a ReviewResult with opinions.
type Pipeline struct {
	store         store.Store
	ai            ai.Client
	rules         *rules.Engine
	reports       ReportGenerator
	logger        *slog.Logger
	reviewTimeout time.Duration
}

// NewPipeline wires the automatic review pipeline. reports may be nil to
// disable report generation.
func NewPipeline(s store.Store, client ai.Client, ruleEngine *rules.Engine, reports ReportGenerator, logger *slog.Logger, reviewTimeout time.Duration) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if reviewTimeout == 0 {
		reviewTimeout = defaultReviewTimeout
	}
	return &Pipeline{
		store:         s,
		ai:            client,
		rules:         ruleEngine,
		reports:       reports,
		logger:        logger,
		reviewTimeout: reviewTimeout,
	}
}

// progress checkpoints are fixed so a polling client always observes
// monotone progress even though the work is dominated by one blocking call.
func (p *Pipeline) setProgress(ctx context.Context, task *models.ReviewTask, step string, pct int, msg string) {
	steps := models.ReviewSteps()
	thresholds := []int{10, 30, 80, 80, 90, 100}
	for i := range steps {
		if pct >= thresholds[i] {
			steps[i].Status = models.StepCompleted
		}
	}
	// the AI call step shows as in-flight between prompt build and parse
	if pct > 30 && pct < 80 {
		steps[2].Status = models.StepProcessing
	}

	task.Progress = &models.Progress{
		CurrentStep: step,
		Percent:     pct,
		Message:     msg,
		Steps:       steps,
	}
	if err := p.store.UpdateTask(ctx, task); err != nil {
		p.logger.Error("update task progress", "task", task.ID, "error", err)
	}
}

// comprehensiveReply is the typed view of the single-call review response.
type comprehensiveReply struct {
	RiskIdentification struct {
		Risks []struct {
			Type        string `json:"type"`
			Level       string `json:"level"`
			Description string `json:"description"`
			Clause      string `json:"clause"`
			LegalBasis  string `json:"legal_basis"`
		} `json:"risks"`
		TotalCount int `json:"total_count"`
	} `json:"risk_identification"`
	RiskQuantification struct {
		RiskScore        float64 `json:"risk_score"`
		OverallRiskLevel string  `json:"overall_risk_level"`
	} `json:"risk_quantification"`
	ClauseScoring struct {
		AverageScore float64 `json:"average_score"`
	} `json:"clause_scoring"`
	Suggestions []struct {
		Type       string `json:"type"`
		Priority   string `json:"priority"`
		Clause     string `json:"clause"`
		Suggestion string `json:"suggestion"`
		LegalBasis string `json:"legal_basis"`
	} `json:"suggestions"`
	OverallScore float64 `json:"overall_score"`
	Summary      string  `json:"summary"`
}

// Run executes the automatic review for the task and returns the persisted
// result. The caller owns the task's status transitions.
func (p *Pipeline) Run(ctx context.Context, contract *models.Contract, task *models.ReviewTask) (*models.ReviewResult, error) {
	p.logger.Info("auto review started", "contract", contract.ID, "task", task.ID)
	p.setProgress(ctx, task, "extract contract content", 10, "extracting contract content")

	content := truncateContent(contract.Content, maxContractChars)

	p.setProgress(ctx, task, "build review prompt", 30, "building review prompt")
	prompt := comprehensivePrompt(contract, content)

	if !p.ai.Enabled() {
		return nil, fmt.Errorf("run review: %w", ai.ErrDisabled)
	}

	// correlation id ties the provider call to the task for diagnostics
	task.CorrelationID = uuid.NewString()
	p.setProgress(ctx, task, "call AI model", 50,
		fmt.Sprintf("calling AI model (%s), this may take a while", p.ai.ModelName()))

	reply, err := p.ai.Chat(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: "You are a professional contract review expert."},
		{Role: ai.RoleUser, Content: prompt},
	}, ai.CallOptions{Timeout: p.reviewTimeout})
	if err != nil {
		return nil, fmt.Errorf("ai review call: %w", err)
	}
	if reply == "" {
		return nil, fmt.Errorf("ai review call: empty response")
	}

	p.setProgress(ctx, task, "parse AI response", 80, "parsing AI review response")
	parsed, sections := parseComprehensiveReply(reply, p.logger, task.ID)

	scan, err := p.rules.Scan(ctx, rules.ScanInput{
		TaskID:       task.ID,
		ContractID:   contract.ID,
		Content:      contract.Content,
		Industry:     contract.Industry,
		ContractType: contract.Type,
	})
	if err != nil {
		return nil, fmt.Errorf("rule scan: %w", err)
	}

	p.setProgress(ctx, task, "convert result format", 90, "converting review result")
	data, headline := convertToResult(parsed, sections, scan)

	p.setProgress(ctx, task, "persist review result", 95, "saving review result and opinions")
	result, err := p.saveResult(ctx, contract, task, data, headline)
	if err != nil {
		return nil, err
	}
	if err := p.saveOpinions(ctx, task, result, data.Suggestions); err != nil {
		return nil, err
	}

	p.generateReport(contract, result)

	p.setProgress(ctx, task, "review completed", 100, "automatic review completed")
	p.logger.Info("auto review completed",
		"contract", contract.ID, "task", task.ID,
		"score", headline.OverallScore, "risk", string(headline.RiskLevel))
	return result, nil
}

// parseComprehensiveReply parses the model reply. A non-JSON reply is
// degraded into a minimal result carrying the raw text as the summary
// rather than failing the task.
func parseComprehensiveReply(reply string, logger *slog.Logger, taskID string) (*comprehensiveReply, map[string]any) {
	var parsed comprehensiveReply
	var sections map[string]any
	if err := ai.ParseJSONReply(reply, &sections); err == nil {
		_ = ai.ParseJSONReply(reply, &parsed)
		return &parsed, sections
	}

	logger.Warn("ai reply is not JSON, degrading to text summary", "task", taskID)
	summary := firstN(reply, 200)
	parsed = comprehensiveReply{OverallScore: 85, Summary: summary}
	parsed.RiskQuantification.OverallRiskLevel = string(models.RiskLow)
	parsed.ClauseScoring.AverageScore = 85
	sections = map[string]any{
		"semantic_analysis":   map[string]any{"summary": summary},
		"risk_identification": map[string]any{"risks": []any{}},
		"risk_quantification": map[string]any{"risk_score": float64(0), "overall_risk_level": "low"},
		"clause_scoring":      map[string]any{"average_score": float64(85)},
	}
	return &parsed, sections
}

// headline is the denormalized top of a review result.
type headline struct {
	OverallScore float64
	RiskLevel    models.RiskLevel
	RiskCount    int
	Summary      string
}

// convertToResult maps the AI sections plus the rule scan onto the stored
// review data and headline fields.
func convertToResult(reply *comprehensiveReply, sections map[string]any, scan *rules.ScanResult) (*models.ReviewData, headline) {
	score := reply.OverallScore
	if score == 0 {
		score = reply.ClauseScoring.AverageScore
	}
	if score == 0 {
		score = 85
	}

	risk := models.RiskLevel(reply.RiskQuantification.OverallRiskLevel)
	if risk == "" {
		risk = models.RiskLow
	}
	risk = models.MaxRisk(risk, scan.RiskLevel)

	riskCount := reply.RiskIdentification.TotalCount
	if riskCount == 0 {
		riskCount = len(reply.RiskIdentification.Risks)
	}
	riskCount += len(scan.Matches)

	var high, medium, low int
	for _, r := range reply.RiskIdentification.Risks {
		switch models.RiskLevel(r.Level) {
		case models.RiskHigh:
			high++
		case models.RiskMedium:
			medium++
		default:
			low++
		}
	}

	suggestions := make([]models.Suggestion, 0, len(reply.Suggestions))
	for _, s := range reply.Suggestions {
		priority := models.RiskLevel(s.Priority)
		if priority == "" {
			priority = models.RiskMedium
		}
		suggestions = append(suggestions, models.Suggestion{
			ClauseID:   s.Clause,
			Content:    s.Suggestion,
			Priority:   priority,
			LegalBasis: s.LegalBasis,
			Source:     "ai",
		})
	}
	suggestions = append(suggestions, scan.Suggestions()...)

	data := &models.ReviewData{
		RuleScan:             scan.AsReviewData(),
		SemanticAnalysis:     asMap(sections["semantic_analysis"]),
		ClauseIdentification: asMap(sections["clause_identification"]),
		RiskIdentification:   asMap(sections["risk_identification"]),
		RiskQuantification:   asMap(sections["risk_quantification"]),
		ClauseScoring:        asMap(sections["clause_scoring"]),
		RiskOverview: &models.RiskOverview{
			OverallScore: score,
			RiskLevel:    risk,
			RiskCount:    riskCount,
			HighRisks:    high,
			MediumRisks:  medium,
			LowRisks:     low,
		},
		Suggestions: suggestions,
	}

	summary := reply.Summary
	if summary == "" {
		summary = fmt.Sprintf("automatic review completed, %d risk(s) found", riskCount)
	}

	return data, headline{
		OverallScore: score,
		RiskLevel:    risk,
		RiskCount:    riskCount,
		Summary:      summary,
	}
}

// saveResult creates the task's result or merges into the existing one.
func (p *Pipeline) saveResult(ctx context.Context, contract *models.Contract, task *models.ReviewTask, data *models.ReviewData, h headline) (*models.ReviewResult, error) {
	existing, err := p.store.GetResultByTask(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		result := &models.ReviewResult{
			TaskID:       task.ID,
			ContractID:   contract.ID,
			OverallScore: h.OverallScore,
			RiskLevel:    h.RiskLevel,
			RiskCount:    h.RiskCount,
			Summary:      h.Summary,
			Data:         data,
		}
		if err := p.store.CreateResult(ctx, result); err != nil {
			return nil, err
		}
		return result, nil
	}
	if err != nil {
		return nil, err
	}

	existing.OverallScore = h.OverallScore
	existing.RiskLevel = h.RiskLevel
	existing.RiskCount = h.RiskCount
	existing.Summary = h.Summary
	if existing.Data == nil {
		existing.Data = &models.ReviewData{}
	}
	existing.Data.Merge(data)
	if err := p.store.UpdateResult(ctx, existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// saveOpinions materializes suggestions as AI-sourced opinion rows.
func (p *Pipeline) saveOpinions(ctx context.Context, task *models.ReviewTask, result *models.ReviewResult, suggestions []models.Suggestion) error {
	for _, s := range suggestions {
		o := &models.ReviewOpinion{
			ResultID:   result.ID,
			ClauseID:   s.ClauseID,
			Type:       models.OpinionSuggestion,
			Severity:   s.Priority,
			Content:    s.Content,
			LegalBasis: s.LegalBasis,
			Suggestion: s.Content,
			Source:     models.OpinionSourceAI,
		}
		if err := p.store.CreateOpinion(ctx, o); err != nil {
			return fmt.Errorf("save suggestion opinion: %w", err)
		}
	}
	return nil
}

// generateReport kicks off report rendering without blocking the task.
func (p *Pipeline) generateReport(contract *models.Contract, result *models.ReviewResult) {
	if p.reports == nil {
		return
	}
	go func() {
		path, err := p.reports.Generate(contract, result)
		if err != nil {
			p.logger.Error("report generation failed", "contract", contract.ID, "result", result.ID, "error", err)
			return
		}
		result.ReportPath = path
		result.ReportFormat = "json"
		if err := p.store.UpdateResult(context.Background(), result); err != nil {
			p.logger.Error("record report path", "result", result.ID, "error", err)
		}
	}()
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func firstN(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
