package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/review"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

const comprehensiveReply = `{
	"semantic_analysis": {"contract_nature": "procurement"},
	"risk_quantification": {"overall_risk_level": "medium", "risk_count": 1},
	"suggestions": [{"content": "add a liability cap", "priority": "high"}],
	"overall_score": 78,
	"summary": "one medium risk found"
}`

const tierReply = `{
	"overall_evaluation": "acceptable",
	"issues": [{"clause_id": "第三条", "risk_level": "medium", "issue_description": "vague penalty terms", "suggestion": "quantify the penalty"}],
	"summary": "needs minor edits"
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
func (f *fakeAI) Enabled() bool                                   { return true }
func (f *fakeAI) ModelName() string                               { return "fake-model" }
func (f *fakeAI) TestConnection(ctx context.Context) (string, error) { return "OK", nil }

type testEnv struct {
	store  store.Store
	engine *review.Engine
	server *httptest.Server
}

func newTestEnv(t *testing.T, replies ...string) *testEnv {
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
	aggregator := review.NewAggregator(s, client, nil)
	engine := review.NewEngine(s, pipeline, aggregator, nil, 30*time.Minute)
	loop := review.NewLoop(s, nil)

	srv := NewServer(s, engine, loop, ruleEngine, client, nil, nil)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &testEnv{store: s, engine: engine, server: ts}
}

func (env *testEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(env.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func (env *testEnv) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(env.server.URL + path)
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestContractLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/contracts", map[string]string{
		"contract_no": "HT-2026-001",
		"title":       "采购合同",
		"type":        "procurement",
		"industry":    "制造业",
		"content":     "第一条 合同标的。",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created models.Contract
	decode(t, resp, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.ContractStatusDraft, created.Status)

	resp = env.get(t, "/api/v1/contracts/"+created.ID)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got models.Contract
	decode(t, resp, &got)
	assert.Equal(t, "HT-2026-001", got.ContractNo)

	resp = env.get(t, "/api/v1/contracts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []models.Contract
	decode(t, resp, &list)
	assert.Len(t, list, 1)

	resp = env.get(t, "/api/v1/contracts/nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestCreateContractValidation(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/contracts", map[string]string{"title": "missing number"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestTaskStartSyncCompletes(t *testing.T) {
	env := newTestEnv(t)
	contractID := createContract(t, env)

	resp := env.post(t, "/api/v1/tasks", map[string]any{"contract_id": contractID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task models.ReviewTask
	decode(t, resp, &task)
	require.Equal(t, models.TaskStatusPending, task.Status)

	// no pool wired, so a plain start falls back to synchronous execution
	resp = env.post(t, "/api/v1/tasks/"+task.ID+"/start", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done models.ReviewTask
	decode(t, resp, &done)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)

	resp = env.get(t, "/api/v1/tasks/" + task.ID + "/progress")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var progress struct {
		Status   models.TaskStatus `json:"status"`
		Progress *models.Progress  `json:"progress"`
	}
	decode(t, resp, &progress)
	assert.Equal(t, models.TaskStatusCompleted, progress.Status)
	require.NotNil(t, progress.Progress)
	assert.Equal(t, 100, progress.Progress.Percent)

	resp = env.get(t, "/api/v1/tasks/" + task.ID + "/result")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Result   *models.ReviewResult    `json:"result"`
		Opinions []*models.ReviewOpinion `json:"opinions"`
	}
	decode(t, resp, &out)
	require.NotNil(t, out.Result)
	assert.Equal(t, float64(78), out.Result.OverallScore)
	assert.NotEmpty(t, out.Opinions)
}

func TestTaskStartRejectsRepeat(t *testing.T) {
	env := newTestEnv(t)
	contractID := createContract(t, env)
	taskID := createTask(t, env, contractID, nil, nil)

	resp := env.post(t, "/api/v1/tasks/"+taskID+"/start", map[string]any{"sync": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/v1/tasks/"+taskID+"/start", map[string]any{"sync": true})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestSubmitReviewFlow(t *testing.T) {
	env := newTestEnv(t, comprehensiveReply, tierReply)
	contractID := createContract(t, env)

	require.NoError(t, env.store.UpsertFocusConfig(context.Background(), &models.ReviewFocusConfig{
		Tier:        models.TierLevel1,
		TierName:    "initial review",
		FocusPoints: []string{"completeness"},
		Active:      true,
	}))

	taskID := createTask(t, env, contractID,
		[]models.Tier{models.TierLevel1},
		map[models.Tier]string{models.TierLevel1: "alice"})

	// drive the async path directly so the task parks in manual review
	require.NoError(t, env.engine.Process(context.Background(), taskID))

	resp := env.get(t, "/api/v1/tasks/" + taskID)
	var parked models.ReviewTask
	decode(t, resp, &parked)
	require.Equal(t, models.TaskStatusManualReviewing, parked.Status)

	// an unassigned reviewer is rejected
	resp = env.post(t, "/api/v1/tasks/"+taskID+"/submit", map[string]any{
		"reviewer_id": "mallory",
		"opinions":    []map[string]string{{"content": "looks fine"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = env.post(t, "/api/v1/tasks/"+taskID+"/submit", map[string]any{
		"reviewer_id": "alice",
		"opinions": []map[string]string{
			{"type": "risk", "severity": "medium", "content": "clarify the delivery date"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var done models.ReviewTask
	decode(t, resp, &done)
	assert.Equal(t, models.TaskStatusCompleted, done.Status)
}

func TestSubmitReviewRequiresReviewer(t *testing.T) {
	env := newTestEnv(t)
	contractID := createContract(t, env)
	taskID := createTask(t, env, contractID, nil, nil)

	resp := env.post(t, "/api/v1/tasks/"+taskID+"/submit", map[string]any{
		"opinions": []map[string]string{{"content": "x"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestScanRulesEndpoint(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.CreateRule(context.Background(), &models.ReviewRule{
		Code:      "GEN-BREACH",
		Name:      "breach liability check",
		Type:      models.RuleGeneral,
		RiskLevel: models.RiskHigh,
		Content:   models.RuleContent{Matcher: models.MatchKeyword, Keywords: []string{"违约责任"}},
		Active:    true,
	}))

	resp := env.post(t, "/api/v1/rules/scan", map[string]string{
		"content": "第五条 违约责任。任何一方违约应承担赔偿责任。",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Matches      []map[string]any `json:"matches"`
		RulesChecked int              `json:"rules_checked"`
		RiskLevel    string           `json:"risk_level"`
	}
	decode(t, resp, &out)
	assert.Equal(t, 1, out.RulesChecked)
	require.Len(t, out.Matches, 1)
	assert.Equal(t, "high", out.RiskLevel)
}

func TestRecoverEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/tasks/recover", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]int
	decode(t, resp, &out)
	assert.Equal(t, 0, out["recovered"])
	assert.Equal(t, 0, out["failed"])
}

func TestSummaryAndFeedback(t *testing.T) {
	env := newTestEnv(t)
	contractID := createContract(t, env)
	taskID := createTask(t, env, contractID, nil, nil)

	resp := env.post(t, "/api/v1/tasks/"+taskID+"/start", map[string]any{"sync": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.get(t, "/api/v1/contracts/" + contractID + "/summary")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var summary review.OpinionSummary
	decode(t, resp, &summary)
	assert.Positive(t, summary.Total)

	resp = env.post(t, "/api/v1/contracts/"+contractID+"/feedback", map[string]string{
		"message": "please revise clause three",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	contract, err := env.store.GetContract(context.Background(), contractID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractStatusReviewing, contract.Status)
}

func TestResubmitEndpoint(t *testing.T) {
	env := newTestEnv(t)
	contractID := createContract(t, env)

	resp := env.post(t, "/api/v1/contracts/"+contractID+"/resubmit", map[string]string{
		"user_id":        "drafter-1",
		"change_summary": "tightened the penalty clause",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task models.ReviewTask
	decode(t, resp, &task)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.ContractVersion)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)

	req, err := http.NewRequest(http.MethodOptions, env.server.URL+"/api/v1/contracts", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestTestAIEndpoint(t *testing.T) {
	env := newTestEnv(t)

	resp := env.post(t, "/api/v1/ai/test", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out map[string]string
	decode(t, resp, &out)
	assert.Equal(t, "fake-model", out["model"])
	assert.Equal(t, "OK", out["response"])
}

func createContract(t *testing.T, env *testEnv) string {
	t.Helper()
	resp := env.post(t, "/api/v1/contracts", map[string]string{
		"contract_no": "HT-2026-777",
		"title":       "服务合同",
		"industry":    "贸易",
		"content":     "第一条 服务内容。第二条 付款方式。",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var c models.Contract
	decode(t, resp, &c)
	return c.ID
}

func createTask(t *testing.T, env *testEnv, contractID string, levels []models.Tier, assignments map[models.Tier]string) string {
	t.Helper()
	resp := env.post(t, "/api/v1/tasks", map[string]any{
		"contract_id":   contractID,
		"review_levels": levels,
		"assignments":   assignments,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var task models.ReviewTask
	decode(t, resp, &task)
	return task.ID
}
