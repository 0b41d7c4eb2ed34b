package review

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

// fakeAI replays canned replies in order, repeating the last one.
type fakeAI struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (f *fakeAI) Chat(ctx context.Context, msgs []ai.Message, opts ai.CallOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	idx := f.calls - 1
	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	return f.replies[idx], nil
}

func (f *fakeAI) Enabled() bool      { return true }
func (f *fakeAI) ModelName() string  { return "fake-model" }
func (f *fakeAI) TestConnection(ctx context.Context) (string, error) { return "ok", nil }

const validComprehensiveReply = `{
	"semantic_analysis": {"summary": "standard procurement contract", "key_points": ["clear parties"]},
	"clause_identification": {"subjects": ["甲方", "乙方"], "payment": "monthly"},
	"risk_identification": {"risks": [{"type": "completeness", "level": "medium", "description": "no confidentiality clause"}], "total_count": 1, "medium_count": 1},
	"risk_quantification": {"risk_score": 5, "overall_risk_level": "medium"},
	"clause_scoring": {"clause_scores": [], "average_score": 82},
	"suggestions": [{"type": "improvement_suggestion", "priority": "medium", "clause": "第五条", "suggestion": "add a confidentiality clause", "legal_basis": "民法典"}],
	"overall_score": 82,
	"summary": "overall acceptable with one medium risk"
}`

const validTierReply = `{
	"overall_evaluation": "acceptable",
	"issues": [{"clause_id": "c1", "clause_content": "违约条款", "issue_description": "penalty too high", "risk_level": "high", "legal_basis": "民法典", "suggestion": "cap the penalty"}],
	"conclusion": "needs_modification",
	"summary": "one issue found"
}`

type testEnv struct {
	store  *store.SQLiteStore
	fake   *fakeAI
	engine *Engine
	loop   *Loop
}

func newTestEnv(t *testing.T, replies ...string) *testEnv {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })

	if len(replies) == 0 {
		replies = []string{validComprehensiveReply}
	}
	fake := &fakeAI{replies: replies}
	ruleEngine := rules.NewEngine(s, nil)
	pipeline := NewPipeline(s, fake, ruleEngine, nil, nil, time.Second)
	aggregator := NewAggregator(s, fake, nil)
	engine := NewEngine(s, pipeline, aggregator, nil, 30*time.Minute)
	return &testEnv{
		store:  s,
		fake:   fake,
		engine: engine,
		loop:   NewLoop(s, nil),
	}
}

func (env *testEnv) addContract(t *testing.T, no string) *models.Contract {
	t.Helper()
	c := &models.Contract{
		ContractNo: no,
		Title:      "采购合同",
		Type:       models.ContractTypeProcurement,
		Industry:   "贸易",
		Content:    "第一条 合同标的\n第二条 价款\n第三条 违约责任",
	}
	require.NoError(t, env.store.CreateContract(context.Background(), c))
	return c
}

func (env *testEnv) addTask(t *testing.T, contractID string, levels []models.Tier, assignments map[models.Tier]string) *models.ReviewTask {
	t.Helper()
	task := &models.ReviewTask{
		ContractID:   contractID,
		ReviewLevels: levels,
		Assignments:  assignments,
	}
	require.NoError(t, env.store.CreateTask(context.Background(), task))
	return task
}

func (env *testEnv) addFocusConfigs(t *testing.T, tiers ...models.Tier) {
	t.Helper()
	for _, tier := range tiers {
		require.NoError(t, env.store.UpsertFocusConfig(context.Background(), &models.ReviewFocusConfig{
			Tier:        tier,
			TierName:    string(tier),
			FocusPoints: []string{"基础条款"},
			Standards:   "标准",
			Active:      true,
		}))
	}
}

func TestProcessWithoutLevelsCompletesDirectly(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	_, err := env.engine.Start(ctx, task.ID)
	require.NoError(t, err)
	require.NoError(t, env.engine.Process(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	// no review levels: never enters manual_reviewing
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.Progress)
	assert.Equal(t, 100, got.Progress.Percent)
	assert.NotEmpty(t, got.CorrelationID)

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, float64(82), result.OverallScore)
	assert.Equal(t, models.RiskMedium, result.RiskLevel)
	assert.Equal(t, "overall acceptable with one medium risk", result.Summary)
	require.NotNil(t, result.Data.RiskOverview)

	// the AI suggestion became an opinion row
	opinions, err := env.store.ListOpinionsByResult(ctx, result.ID)
	require.NoError(t, err)
	require.Len(t, opinions, 1)
	assert.Equal(t, models.OpinionSuggestion, opinions[0].Type)
	assert.Equal(t, models.OpinionSourceAI, opinions[0].Source)
}

func TestProcessWithLevelsEntersManualReview(t *testing.T) {
	env := newTestEnv(t, validComprehensiveReply, validTierReply, validTierReply)
	ctx := context.Background()
	env.addFocusConfigs(t, models.TierLevel1, models.TierLevel2)
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID,
		[]models.Tier{models.TierLevel1, models.TierLevel2},
		map[models.Tier]string{models.TierLevel1: "rev-1", models.TierLevel2: "rev-2"})

	require.NoError(t, env.engine.Process(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusManualReviewing, got.Status)
	assert.Nil(t, got.CompletedAt)

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Data)
	assert.Len(t, result.Data.TierSuggestions, 2)
	assert.Equal(t, "rev-1", result.Data.TierSuggestions[models.TierLevel1].ReviewerID)
	require.Len(t, result.Data.TierSuggestions[models.TierLevel1].Issues, 1)
}

func TestProcessKeywordRuleRaisesRisk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.store.CreateRule(ctx, &models.ReviewRule{
		Code:      "GEN-BREACH",
		Name:      "违约责任",
		Type:      models.RuleGeneral,
		RiskLevel: models.RiskHigh,
		Active:    true,
		Content:   models.RuleContent{Matcher: models.MatchKeyword, Keywords: []string{"违约责任"}},
	}))
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	require.NoError(t, env.engine.Process(ctx, task.ID))

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)
	// rule severity outranks the AI's medium
	assert.Equal(t, models.RiskHigh, result.RiskLevel)

	matches, err := env.store.ListRuleMatchesByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, matches)
}

func TestProcessNonJSONReplyDegrades(t *testing.T) {
	env := newTestEnv(t, "some free text")
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	require.NoError(t, env.engine.Process(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "some free text", result.Summary)
	assert.Equal(t, float64(85), result.OverallScore)
}

func TestProcessAIErrorFailsTask(t *testing.T) {
	env := newTestEnv(t)
	env.fake.err = errors.New("ai model \"x\" does not exist")
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	err := env.engine.Process(ctx, task.ID)
	require.Error(t, err)

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "does not exist")
	require.NotNil(t, got.CompletedAt)
}

func TestStartRequiresPending(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	_, err := env.engine.Start(ctx, task.ID)
	require.NoError(t, err)

	_, err = env.engine.Start(ctx, task.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRunSyncUsesProcessingStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	require.NoError(t, env.engine.RunSync(ctx, task.ID))

	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

func TestSubmitReviewCompletionRequiresAllTiers(t *testing.T) {
	env := newTestEnv(t, validComprehensiveReply, validTierReply, validTierReply)
	ctx := context.Background()
	env.addFocusConfigs(t, models.TierLevel1, models.TierLevel2)
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID,
		[]models.Tier{models.TierLevel1, models.TierLevel2},
		map[models.Tier]string{models.TierLevel1: "rev-1", models.TierLevel2: "rev-2"})

	require.NoError(t, env.engine.Process(ctx, task.ID))

	opinion := []OpinionInput{{
		Type:     models.OpinionRisk,
		Severity: models.RiskMedium,
		Content:  "payment terms unclear",
	}}

	got, err := env.engine.SubmitReview(ctx, task.ID, "rev-1", opinion)
	require.NoError(t, err)
	// level2 has not submitted yet
	assert.Equal(t, models.TaskStatusManualReviewing, got.Status)

	got, err = env.engine.SubmitReview(ctx, task.ID, "rev-2", opinion)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "rev-2", got.ReviewerID)
	assert.Equal(t, models.TierLevel2, got.ReviewerTier)
}

func TestSubmitReviewUnauthorizedLeavesNoOpinion(t *testing.T) {
	env := newTestEnv(t, validComprehensiveReply, validTierReply)
	ctx := context.Background()
	env.addFocusConfigs(t, models.TierLevel1)
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID,
		[]models.Tier{models.TierLevel1},
		map[models.Tier]string{models.TierLevel1: "rev-1"})

	require.NoError(t, env.engine.Process(ctx, task.ID))

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)
	before, err := env.store.ListOpinionsByResult(ctx, result.ID)
	require.NoError(t, err)

	_, err = env.engine.SubmitReview(ctx, task.ID, "intruder", []OpinionInput{{Content: "x"}})
	assert.ErrorIs(t, err, ErrUnauthorized)

	after, err := env.store.ListOpinionsByResult(ctx, result.ID)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
}

func TestSubmitReviewDirectoryFallback(t *testing.T) {
	env := newTestEnv(t, validComprehensiveReply, validTierReply)
	ctx := context.Background()
	env.addFocusConfigs(t, models.TierLevel1)
	require.NoError(t, env.store.CreateReviewer(ctx, &models.Reviewer{ID: "rev-9", Name: "Nine", Tier: models.TierLevel1}))

	c := env.addContract(t, "HT-1")
	// levels requested but nobody assigned: directory tier decides
	task := env.addTask(t, c.ID, []models.Tier{models.TierLevel1}, nil)
	require.NoError(t, env.engine.Process(ctx, task.ID))

	got, err := env.engine.SubmitReview(ctx, task.ID, "rev-9", []OpinionInput{{Content: "ok"}})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Equal(t, models.TierLevel1, got.ReviewerTier)
}

func TestSubmitReviewRejectsWrongState(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, []models.Tier{models.TierLevel1}, map[models.Tier]string{models.TierLevel1: "rev-1"})

	_, err := env.engine.SubmitReview(ctx, task.ID, "rev-1", []OpinionInput{{Content: "x"}})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCompleteManually(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	_, err := env.engine.CompleteManually(ctx, task.ID, "admin")
	assert.ErrorIs(t, err, ErrInvalidState)

	_, err = env.engine.Start(ctx, task.ID)
	require.NoError(t, err)

	got, err := env.engine.CompleteManually(ctx, task.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)
	assert.Contains(t, got.ErrorMessage, "admin")
}

func TestRecoverStuck(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")

	old := time.Now().UTC().Add(-40 * time.Minute)

	// stuck without a result: failed with timeout message
	noResult := env.addTask(t, c.ID, nil, nil)
	noResult.Status = models.TaskStatusProcessing
	noResult.StartedAt = &old
	require.NoError(t, env.store.UpdateTask(ctx, noResult))

	// stuck with a result: completed
	withResult := env.addTask(t, c.ID, nil, nil)
	withResult.Status = models.TaskStatusAIProcessing
	withResult.StartedAt = &old
	require.NoError(t, env.store.UpdateTask(ctx, withResult))
	require.NoError(t, env.store.CreateResult(ctx, &models.ReviewResult{TaskID: withResult.ID, ContractID: c.ID}))

	// fresh task is untouched
	fresh := env.addTask(t, c.ID, nil, nil)

	recovered, failed, err := env.engine.RecoverStuck(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)
	assert.Equal(t, 1, failed)

	got, err := env.store.GetTask(ctx, noResult.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "timed out")

	got, err = env.store.GetTask(ctx, withResult.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	got, err = env.store.GetTask(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestProgressMonotone(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID, nil, nil)

	pipeline := NewPipeline(env.store, env.fake, rules.NewEngine(env.store, nil), nil, nil, time.Second)

	var percents []int
	steps := []struct {
		name string
		pct  int
	}{
		{"extract contract content", 10},
		{"build review prompt", 30},
		{"call AI model", 50},
		{"parse AI response", 80},
		{"convert result format", 90},
		{"persist review result", 95},
		{"review completed", 100},
	}
	for _, s := range steps {
		pipeline.setProgress(ctx, task, s.name, s.pct, s.name)
		got, err := env.store.GetTask(ctx, task.ID)
		require.NoError(t, err)
		percents = append(percents, got.Progress.Percent)
	}

	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	// terminal checkpoint marks the whole checklist done
	got, err := env.store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	for _, step := range got.Progress.Steps {
		assert.Equal(t, models.StepCompleted, step.Status)
	}
}

func TestTierFailureIsolated(t *testing.T) {
	// only level1 has a focus config; level2 must record an error payload
	// without failing the task
	env := newTestEnv(t, validComprehensiveReply, validTierReply)
	ctx := context.Background()
	env.addFocusConfigs(t, models.TierLevel1)
	c := env.addContract(t, "HT-1")
	task := env.addTask(t, c.ID,
		[]models.Tier{models.TierLevel1, models.TierLevel2},
		map[models.Tier]string{models.TierLevel1: "rev-1", models.TierLevel2: "rev-2"})

	require.NoError(t, env.engine.Process(ctx, task.ID))

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, result.Data)
	assert.NotEmpty(t, result.Data.TierSuggestions[models.TierLevel1].Issues)
	assert.NotEmpty(t, result.Data.TierSuggestions[models.TierLevel2].Error)
}
