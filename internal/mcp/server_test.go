package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/review"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

const comprehensiveReply = `{
	"risk_quantification": {"overall_risk_level": "low", "risk_count": 0},
	"overall_score": 92,
	"summary": "no significant risks"
}`

// fakeAI replays canned replies in order, repeating the last one.
type fakeAI struct {
	mu      sync.Mutex
	replies []string
	calls   int
}

func (f *fakeAI) Chat(ctx context.Context, msgs []ai.Message, opts ai.CallOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	f.calls++
	return f.replies[i], nil
}
func (f *fakeAI) Enabled() bool                                      { return true }
func (f *fakeAI) ModelName() string                                  { return "fake-model" }
func (f *fakeAI) TestConnection(ctx context.Context) (string, error) { return "OK", nil }

func newTestServer(t *testing.T, replies ...string) (*Server, store.Store) {
	t.Helper()
	if len(replies) == 0 {
		replies = []string{comprehensiveReply}
	}

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	client := &fakeAI{replies: replies}
	ruleEngine := rules.NewEngine(s, nil)
	pipeline := review.NewPipeline(s, client, ruleEngine, nil, nil, time.Second)
	engine := review.NewEngine(s, pipeline, review.NewAggregator(s, client, nil), nil, 30*time.Minute)
	loop := review.NewLoop(s, nil)

	srv := NewServer(s, engine, loop, ruleEngine)
	require.NotNil(t, srv)
	return srv, s
}

// callToolReq builds a mcpgo.CallToolRequest with the given name and arguments.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the concatenated text from a CallToolResult.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	var b strings.Builder
	for _, c := range result.Content {
		tc, ok := c.(mcpgo.TextContent)
		if ok {
			b.WriteString(tc.Text)
		}
	}
	return b.String()
}

// resultJSON parses the text result as JSON into the provided target.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, target any) {
	t.Helper()
	text := resultText(t, result)
	err := json.Unmarshal([]byte(text), target)
	require.NoError(t, err, "failed to parse result JSON: %s", text)
}

func seedContract(t *testing.T, s store.Store, no, title string) *models.Contract {
	t.Helper()
	c := &models.Contract{
		ContractNo: no,
		Title:      title,
		Industry:   "制造业",
		Content:    "第一条 合同标的。第二条 违约责任。",
	}
	require.NoError(t, s.CreateContract(context.Background(), c))
	return c
}

func TestHandleListContracts_Empty(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleListContracts(ctx, callToolReq("crev_list_contracts", nil))
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.NotEmpty(t, text)
}

func TestHandleListContracts_WithStatusFilter(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	seedContract(t, s, "HT-001", "采购合同")
	reviewing := seedContract(t, s, "HT-002", "服务合同")
	reviewing.Status = models.ContractStatusReviewing
	require.NoError(t, s.UpdateContract(ctx, reviewing))

	result, err := srv.handleListContracts(ctx, callToolReq("crev_list_contracts",
		map[string]any{"status": "reviewing"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "HT-002")
	assert.NotContains(t, text, "HT-001")
}

func TestHandleContractStatus_ResolvesByNumber(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	c := seedContract(t, s, "HT-001", "采购合同")
	require.NoError(t, s.CreateTask(ctx, &models.ReviewTask{ContractID: c.ID}))

	result, err := srv.handleContractStatus(ctx, callToolReq("crev_contract_status",
		map[string]any{"contract": "HT-001"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Contract map[string]any   `json:"contract"`
		Tasks    []map[string]any `json:"tasks"`
	}
	resultJSON(t, result, &out)
	assert.Equal(t, "HT-001", out.Contract["contract_no"])
	assert.Len(t, out.Tasks, 1)
}

func TestHandleContractStatus_NotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	result, err := srv.handleContractStatus(context.Background(),
		callToolReq("crev_contract_status", map[string]any{"contract": "nope"}))
	require.NoError(t, err, "handler should not return Go error; should wrap in result")
	assert.True(t, result.IsError)
}

func TestHandleStartReview_CompletesTask(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	c := seedContract(t, s, "HT-001", "采购合同")

	result, err := srv.handleStartReview(ctx, callToolReq("crev_start_review",
		map[string]any{"contract": c.ContractNo}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, float64(92), out["overall_score"])
}

func TestHandleStartReview_WithLevelsParksInManualReview(t *testing.T) {
	tierReply := `{"overall_evaluation": "ok", "issues": [], "summary": "fine"}`
	srv, s := newTestServer(t, comprehensiveReply, tierReply)
	ctx := context.Background()

	require.NoError(t, s.UpsertFocusConfig(ctx, &models.ReviewFocusConfig{
		Tier:     models.TierLevel1,
		TierName: "initial review",
		Active:   true,
	}))
	c := seedContract(t, s, "HT-001", "采购合同")

	result, err := srv.handleStartReview(ctx, callToolReq("crev_start_review",
		map[string]any{"contract": c.ContractNo, "review_levels": "level1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, "manual_reviewing", out["status"])
}

func TestHandleTaskProgress(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	c := seedContract(t, s, "HT-001", "采购合同")

	start, err := srv.handleStartReview(ctx, callToolReq("crev_start_review",
		map[string]any{"contract": c.ContractNo}))
	require.NoError(t, err)
	var started map[string]any
	resultJSON(t, start, &started)

	result, err := srv.handleTaskProgress(ctx, callToolReq("crev_task_progress",
		map[string]any{"task_id": started["task_id"]}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, float64(100), out["percent"])
}

func TestHandleSubmitReview_CompletesCoveredTask(t *testing.T) {
	tierReply := `{"overall_evaluation": "ok", "issues": [], "summary": "fine"}`
	srv, s := newTestServer(t, comprehensiveReply, tierReply)
	ctx := context.Background()

	require.NoError(t, s.UpsertFocusConfig(ctx, &models.ReviewFocusConfig{
		Tier:     models.TierLevel1,
		TierName: "initial review",
		Active:   true,
	}))
	c := seedContract(t, s, "HT-001", "采购合同")

	task := &models.ReviewTask{
		ContractID:   c.ID,
		ReviewLevels: []models.Tier{models.TierLevel1},
		Assignments:  map[models.Tier]string{models.TierLevel1: "alice"},
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, srv.engine.Process(ctx, task.ID))

	result, err := srv.handleSubmitReview(ctx, callToolReq("crev_submit_review", map[string]any{
		"task_id":     task.ID,
		"reviewer_id": "alice",
		"content":     "clarify the delivery schedule",
		"severity":    "medium",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError, resultText(t, result))

	var out map[string]any
	resultJSON(t, result, &out)
	assert.Equal(t, "completed", out["status"])
}

func TestHandleSubmitReview_UnassignedReviewerRejected(t *testing.T) {
	tierReply := `{"overall_evaluation": "ok", "issues": [], "summary": "fine"}`
	srv, s := newTestServer(t, comprehensiveReply, tierReply)
	ctx := context.Background()

	require.NoError(t, s.UpsertFocusConfig(ctx, &models.ReviewFocusConfig{
		Tier:     models.TierLevel1,
		TierName: "initial review",
		Active:   true,
	}))
	c := seedContract(t, s, "HT-001", "采购合同")

	task := &models.ReviewTask{
		ContractID:   c.ID,
		ReviewLevels: []models.Tier{models.TierLevel1},
		Assignments:  map[models.Tier]string{models.TierLevel1: "alice"},
	}
	require.NoError(t, s.CreateTask(ctx, task))
	require.NoError(t, srv.engine.Process(ctx, task.ID))

	result, err := srv.handleSubmitReview(ctx, callToolReq("crev_submit_review", map[string]any{
		"task_id":     task.ID,
		"reviewer_id": "mallory",
		"content":     "looks fine",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleScanRules(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRule(ctx, &models.ReviewRule{
		Code:      "GEN-BREACH",
		Name:      "breach liability check",
		Type:      models.RuleGeneral,
		RiskLevel: models.RiskHigh,
		Content:   models.RuleContent{Matcher: models.MatchKeyword, Keywords: []string{"违约责任"}},
		Active:    true,
	}))
	c := seedContract(t, s, "HT-001", "采购合同")

	result, err := srv.handleScanRules(ctx, callToolReq("crev_scan_rules",
		map[string]any{"contract": c.ContractNo}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out struct {
		Matches   []map[string]any `json:"matches"`
		RiskLevel string           `json:"risk_level"`
	}
	resultJSON(t, result, &out)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "high", out.RiskLevel)
}

func TestHandleSummarizeOpinions(t *testing.T) {
	srv, s := newTestServer(t)
	ctx := context.Background()
	c := seedContract(t, s, "HT-001", "采购合同")

	start, err := srv.handleStartReview(ctx, callToolReq("crev_start_review",
		map[string]any{"contract": c.ContractNo}))
	require.NoError(t, err)
	require.False(t, start.IsError)

	result, err := srv.handleSummarizeOpinions(ctx, callToolReq("crev_summarize_opinions",
		map[string]any{"contract": c.ContractNo}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	var out review.OpinionSummary
	resultJSON(t, result, &out)
	assert.Equal(t, "HT-001", out.ContractNo)
}

func TestMCPServerRegistersTools(t *testing.T) {
	srv, _ := newTestServer(t)
	mcpSrv := srv.MCPServer()
	require.NotNil(t, mcpSrv)
}
