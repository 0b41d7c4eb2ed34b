package review

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crevhq/crev/internal/models"
)

func TestSummarizeGroupsByTier(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")

	task := env.addTask(t, c.ID, nil, nil)
	require.NoError(t, env.engine.Process(ctx, task.ID))

	result, err := env.store.GetResultByTask(ctx, task.ID)
	require.NoError(t, err)

	require.NoError(t, env.store.CreateOpinion(ctx, &models.ReviewOpinion{
		ResultID:     result.ID,
		ReviewerID:   "rev-1",
		ReviewerTier: models.TierLevel1,
		Type:         models.OpinionRisk,
		Severity:     models.RiskHigh,
		Content:      "missing confidentiality clause",
		Source:       models.OpinionSourceManual,
	}))
	require.NoError(t, env.store.CreateOpinion(ctx, &models.ReviewOpinion{
		ResultID:     result.ID,
		ReviewerID:   "rev-2",
		ReviewerTier: models.TierLevel2,
		Type:         models.OpinionWarning,
		Severity:     models.RiskMedium,
		Content:      "payment milestone ambiguous",
		Source:       models.OpinionSourceManual,
	}))

	summary, err := env.loop.Summarize(ctx, c.ID)
	require.NoError(t, err)

	// one AI suggestion from the pipeline plus two manual opinions
	assert.Equal(t, 3, summary.Total)
	assert.Len(t, summary.ByTier[models.TierLevel1], 1)
	assert.Len(t, summary.ByTier[models.TierLevel2], 1)
	assert.Equal(t, 1, summary.BySeverity[models.RiskHigh])
	assert.Equal(t, 3, summary.ByStatus[models.OpinionPending])
	assert.Equal(t, "HT-1", summary.ContractNo)
}

func TestSummarizeIgnoresUnfinishedTasks(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")

	// pending task with no result contributes nothing
	env.addTask(t, c.ID, nil, nil)

	summary, err := env.loop.Summarize(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}

func TestFeedbackMovesContractToReviewing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	c.Status = models.ContractStatusReviewed
	require.NoError(t, env.store.UpdateContract(ctx, c))

	require.NoError(t, env.store.CreateCycle(ctx, &models.ReviewCycle{ContractID: c.ID, CycleNo: 1}))

	require.NoError(t, env.loop.Feedback(ctx, c.ID, "please fix clauses 3 and 5"))

	got, err := env.store.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ContractStatusReviewing, got.Status)

	cycles, err := env.store.ListCyclesByContract(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 1)
	assert.Equal(t, models.CycleModifying, cycles[0].Status)
	assert.Equal(t, "please fix clauses 3 and 5", cycles[0].OpinionSummary)
}

func TestResubmitOpensNewCycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	c := env.addContract(t, "HT-1")
	require.NoError(t, env.store.CreateCycle(ctx, &models.ReviewCycle{ContractID: c.ID, CycleNo: 1}))

	task, err := env.loop.Resubmit(ctx, c.ID, "drafter-1", "tightened breach clause")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.Equal(t, 2, task.ContractVersion)

	got, err := env.store.GetContract(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentVersion)
	assert.Equal(t, models.ContractStatusReviewing, got.Status)

	versions, err := env.store.ListContractVersions(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 2, versions[0].Version)
	assert.Equal(t, "tightened breach clause", versions[0].ChangeSummary)

	cycles, err := env.store.ListCyclesByContract(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, cycles, 2)
	assert.Equal(t, models.CycleCompleted, cycles[0].Status)
	assert.Equal(t, models.CycleReviewing, cycles[1].Status)
	assert.Equal(t, "drafter-1", cycles[1].SubmittedBy)
}
