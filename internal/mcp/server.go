package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/review"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

// Server wraps the crev data layer and exposes it as MCP tools.
type Server struct {
	store  store.Store
	engine *review.Engine
	loop   *review.Loop
	rules  *rules.Engine
}

// NewServer creates the MCP server wrapper with all required dependencies.
func NewServer(s store.Store, engine *review.Engine, loop *review.Loop, ruleEngine *rules.Engine) *Server {
	return &Server{
		store:  s,
		engine: engine,
		loop:   loop,
		rules:  ruleEngine,
	}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("crev", "1.0.0", server.WithToolCapabilities(true))

	// Register all tools
	srv.AddTool(s.listContractsTool())
	srv.AddTool(s.contractStatusTool())
	srv.AddTool(s.startReviewTool())
	srv.AddTool(s.taskProgressTool())
	srv.AddTool(s.submitReviewTool())
	srv.AddTool(s.scanRulesTool())
	srv.AddTool(s.summarizeOpinionsTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// crev_list_contracts
func (s *Server) listContractsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_list_contracts",
		mcp.WithDescription("List contracts under review. Returns a JSON array with id, contract_no, title, type, industry, status, and current version."),
		mcp.WithString("status", mcp.Description("Filter by contract status: draft, reviewing, reviewed, approved, rejected, signed")),
	)
	return tool, s.handleListContracts
}

func (s *Server) handleListContracts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := models.ContractStatus(request.GetString("status", ""))
	contracts, err := s.store.ListContracts(ctx, status)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list contracts: %v", err)), nil
	}

	type contractOut struct {
		ID         string `json:"id"`
		ContractNo string `json:"contract_no"`
		Title      string `json:"title"`
		Type       string `json:"type"`
		Industry   string `json:"industry"`
		Status     string `json:"status"`
		Version    int    `json:"current_version"`
	}

	out := make([]contractOut, len(contracts))
	for i, c := range contracts {
		out[i] = contractOut{
			ID:         c.ID,
			ContractNo: c.ContractNo,
			Title:      c.Title,
			Type:       string(c.Type),
			Industry:   c.Industry,
			Status:     string(c.Status),
			Version:    c.CurrentVersion,
		}
	}

	data, err := json.Marshal(out)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal contracts: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crev_contract_status
func (s *Server) contractStatusTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_contract_status",
		mcp.WithDescription("Get a contract's review status: its metadata, review tasks with their statuses, and review cycles. Resolves the contract by number or id."),
		mcp.WithString("contract", mcp.Required(), mcp.Description("Contract number or id")),
	)
	return tool, s.handleContractStatus
}

func (s *Server) handleContractStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("contract")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: contract"), nil
	}

	c, err := s.resolveContract(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("contract not found: %s", ref)), nil
	}

	tasks, _ := s.store.ListTasks(ctx, store.TaskListFilter{ContractID: c.ID})
	taskOut := make([]map[string]any, len(tasks))
	for i, task := range tasks {
		taskOut[i] = map[string]any{
			"id":               task.ID,
			"status":           string(task.Status),
			"type":             string(task.Type),
			"contract_version": task.ContractVersion,
			"review_levels":    task.ReviewLevels,
			"error":            task.ErrorMessage,
			"created_at":       task.CreatedAt.Format(time.RFC3339),
		}
	}

	cycles, _ := s.store.ListCyclesByContract(ctx, c.ID)
	cycleOut := make([]map[string]any, len(cycles))
	for i, cy := range cycles {
		cycleOut[i] = map[string]any{
			"cycle_no": cy.CycleNo,
			"status":   string(cy.Status),
		}
	}

	result := map[string]any{
		"contract": map[string]any{
			"id":              c.ID,
			"contract_no":     c.ContractNo,
			"title":           c.Title,
			"type":            string(c.Type),
			"industry":        c.Industry,
			"status":          string(c.Status),
			"current_version": c.CurrentVersion,
		},
		"tasks":  taskOut,
		"cycles": cycleOut,
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal status: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crev_start_review
func (s *Server) startReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_start_review",
		mcp.WithDescription("Create and run an automatic review task for a contract. Runs synchronously and returns the finished task with its result summary. Optionally request manual review tiers (comma-separated: level1,level2,level3), in which case the task parks in manual_reviewing after the AI stage."),
		mcp.WithString("contract", mcp.Required(), mcp.Description("Contract number or id")),
		mcp.WithString("review_levels", mcp.Description("Comma-separated manual review tiers, e.g. level1,level2")),
	)
	return tool, s.handleStartReview
}

func (s *Server) handleStartReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("contract")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: contract"), nil
	}

	c, err := s.resolveContract(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("contract not found: %s", ref)), nil
	}

	var levels []models.Tier
	if raw := request.GetString("review_levels", ""); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			levels = append(levels, models.Tier(strings.TrimSpace(part)))
		}
	}

	task := &models.ReviewTask{
		ContractID:      c.ID,
		ContractVersion: c.CurrentVersion,
		ReviewLevels:    levels,
		CreatedBy:       "mcp",
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	if err := s.engine.Process(ctx, task.ID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("review failed: %v", err)), nil
	}

	done, err := s.store.GetTask(ctx, task.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	result := map[string]any{
		"task_id":     done.ID,
		"contract_no": c.ContractNo,
		"status":      string(done.Status),
	}
	if res, err := s.store.GetResultByTask(ctx, done.ID); err == nil {
		result["overall_score"] = res.OverallScore
		result["risk_level"] = string(res.RiskLevel)
		result["risk_count"] = res.RiskCount
		result["summary"] = res.Summary
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal task: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crev_task_progress
func (s *Server) taskProgressTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_task_progress",
		mcp.WithDescription("Get a review task's status and step-by-step progress checklist."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Review task id")),
	)
	return tool, s.handleTaskProgress
}

func (s *Server) handleTaskProgress(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}

	status, progress, err := s.engine.Progress(ctx, taskID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}

	result := map[string]any{
		"task_id": taskID,
		"status":  string(status),
	}
	if progress != nil {
		steps := make([]map[string]any, len(progress.Steps))
		for i, step := range progress.Steps {
			steps[i] = map[string]any{
				"name":   step.Name,
				"status": string(step.Status),
			}
		}
		result["current_step"] = progress.CurrentStep
		result["percent"] = progress.Percent
		result["message"] = progress.Message
		result["steps"] = steps
	}

	data, err := json.Marshal(result)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal progress: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crev_submit_review
func (s *Server) submitReviewTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_submit_review",
		mcp.WithDescription("Submit a manual review opinion on a task awaiting manual review. The reviewer must be assigned to one of the task's review tiers. The task completes once every requested tier has submitted."),
		mcp.WithString("task_id", mcp.Required(), mcp.Description("Review task id")),
		mcp.WithString("reviewer_id", mcp.Required(), mcp.Description("Reviewer id")),
		mcp.WithString("content", mcp.Required(), mcp.Description("Opinion content")),
		mcp.WithString("severity", mcp.Description("Finding severity: low, medium, high")),
		mcp.WithString("suggestion", mcp.Description("Suggested modification")),
	)
	return tool, s.handleSubmitReview
}

func (s *Server) handleSubmitReview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, err := request.RequireString("task_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: task_id"), nil
	}
	reviewerID, err := request.RequireString("reviewer_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: reviewer_id"), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: content"), nil
	}

	opinions := []review.OpinionInput{{
		Type:       models.OpinionSuggestion,
		Severity:   models.RiskLevel(request.GetString("severity", "")),
		Content:    content,
		Suggestion: request.GetString("suggestion", ""),
	}}

	task, err := s.engine.SubmitReview(ctx, taskID, reviewerID, opinions)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("submit review: %v", err)), nil
	}

	result := map[string]any{
		"task_id": task.ID,
		"status":  string(task.Status),
	}
	data, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(data)), nil
}

// crev_scan_rules
func (s *Server) scanRulesTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_scan_rules",
		mcp.WithDescription("Run the rule engine against a contract's content without creating a review task. Returns matched rules, the rule-based score, and the aggregate risk level."),
		mcp.WithString("contract", mcp.Required(), mcp.Description("Contract number or id")),
	)
	return tool, s.handleScanRules
}

func (s *Server) handleScanRules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("contract")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: contract"), nil
	}

	c, err := s.resolveContract(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("contract not found: %s", ref)), nil
	}

	scan, err := s.rules.Scan(ctx, rules.ScanInput{
		ContractID:   c.ID,
		Content:      c.Content,
		Industry:     c.Industry,
		ContractType: c.Type,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rule scan: %v", err)), nil
	}

	data, err := json.Marshal(scan.AsReviewData())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal scan: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// crev_summarize_opinions
func (s *Server) summarizeOpinionsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("crev_summarize_opinions",
		mcp.WithDescription("Summarize all review opinions for a contract, grouped by reviewer tier with severity and status counts."),
		mcp.WithString("contract", mcp.Required(), mcp.Description("Contract number or id")),
	)
	return tool, s.handleSummarizeOpinions
}

func (s *Server) handleSummarizeOpinions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ref, err := request.RequireString("contract")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: contract"), nil
	}

	c, err := s.resolveContract(ctx, ref)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("contract not found: %s", ref)), nil
	}

	summary, err := s.loop.Summarize(ctx, c.ID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("summarize opinions: %v", err)), nil
	}

	data, err := json.Marshal(summary)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal summary: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// resolveContract tries to find a contract by number first, then by id.
func (s *Server) resolveContract(ctx context.Context, ref string) (*models.Contract, error) {
	if c, err := s.store.GetContractByNo(ctx, ref); err == nil {
		return c, nil
	}
	if c, err := s.store.GetContract(ctx, ref); err == nil {
		return c, nil
	}
	return nil, fmt.Errorf("contract not found: %s", ref)
}
