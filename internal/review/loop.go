package review

import (
	"context"
	"log/slog"
	"time"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/store"
)

// Loop closes the feedback loop between reviewers and the drafter:
// opinion summarization, feedback, and resubmission for a new review
// cycle.
type Loop struct {
	store  store.Store
	logger *slog.Logger
}

// NewLoop creates the opinion loop coordinator.
func NewLoop(s store.Store, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{store: s, logger: logger}
}

// OpinionSummary groups a contract's opinions by tier with headline
// statistics.
type OpinionSummary struct {
	ContractID string                                  `json:"contract_id"`
	ContractNo string                                  `json:"contract_no"`
	Title      string                                  `json:"title"`
	Total      int                                     `json:"total_opinions"`
	ByTier     map[models.Tier][]*models.ReviewOpinion `json:"opinions_by_tier"`
	BySeverity map[models.RiskLevel]int                `json:"by_severity"`
	ByStatus   map[models.OpinionStatus]int            `json:"by_status"`
}

// Summarize collects all opinions from the contract's completed tasks,
// grouped by reviewer tier.
func (l *Loop) Summarize(ctx context.Context, contractID string) (*OpinionSummary, error) {
	contract, err := l.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	tasks, err := l.store.ListTasks(ctx, store.TaskListFilter{
		ContractID: contractID,
		Status:     models.TaskStatusCompleted,
	})
	if err != nil {
		return nil, err
	}

	summary := &OpinionSummary{
		ContractID: contract.ID,
		ContractNo: contract.ContractNo,
		Title:      contract.Title,
		ByTier:     make(map[models.Tier][]*models.ReviewOpinion),
		BySeverity: make(map[models.RiskLevel]int),
		ByStatus:   make(map[models.OpinionStatus]int),
	}

	for _, task := range tasks {
		result, err := l.store.GetResultByTask(ctx, task.ID)
		if err != nil {
			// a completed task may legitimately have no result (manual completion)
			continue
		}
		opinions, err := l.store.ListOpinionsByResult(ctx, result.ID)
		if err != nil {
			return nil, err
		}
		for _, o := range opinions {
			summary.Total++
			summary.ByTier[o.ReviewerTier] = append(summary.ByTier[o.ReviewerTier], o)
			if o.Severity != "" {
				summary.BySeverity[o.Severity]++
			}
			summary.ByStatus[o.Status]++
		}
	}
	return summary, nil
}

// Feedback hands the opinion summary back to the drafter: the contract
// returns to reviewing and the open cycle moves to modifying. Notification
// delivery is out of scope.
func (l *Loop) Feedback(ctx context.Context, contractID, message string) error {
	contract, err := l.store.GetContract(ctx, contractID)
	if err != nil {
		return err
	}

	contract.Status = models.ContractStatusReviewing
	if err := l.store.UpdateContract(ctx, contract); err != nil {
		return err
	}

	cycles, err := l.store.ListCyclesByContract(ctx, contractID)
	if err != nil {
		return err
	}
	if len(cycles) > 0 {
		latest := cycles[len(cycles)-1]
		if latest.Status == models.CycleReviewing {
			latest.Status = models.CycleModifying
			if message != "" {
				latest.OpinionSummary = message
			}
			if err := l.store.UpdateCycle(ctx, latest); err != nil {
				return err
			}
		}
	}

	l.logger.Info("review feedback sent to drafter", "contract", contractID)
	return nil
}

// Resubmit opens a new review cycle: it snapshots the contract content as
// a new version, bumps the current version, and creates a fresh pending
// task. This is the only way a new cycle begins.
func (l *Loop) Resubmit(ctx context.Context, contractID, userID, changeSummary string) (*models.ReviewTask, error) {
	contract, err := l.store.GetContract(ctx, contractID)
	if err != nil {
		return nil, err
	}

	if changeSummary == "" {
		changeSummary = "resubmitted after revising per review opinions"
	}

	newVersion := contract.CurrentVersion + 1
	if err := l.store.CreateContractVersion(ctx, &models.ContractVersion{
		ContractID:    contract.ID,
		Version:       newVersion,
		Content:       contract.Content,
		ChangeSummary: changeSummary,
		ChangedBy:     userID,
	}); err != nil {
		return nil, err
	}

	contract.CurrentVersion = newVersion
	contract.Status = models.ContractStatusReviewing
	if err := l.store.UpdateContract(ctx, contract); err != nil {
		return nil, err
	}

	// close out the previous cycle before opening the next
	cycles, err := l.store.ListCyclesByContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	if len(cycles) > 0 {
		latest := cycles[len(cycles)-1]
		if latest.Status != models.CycleCompleted {
			latest.Status = models.CycleCompleted
			latest.ModifiedBy = userID
			latest.ModifiedAt = &now
			latest.ModificationSummary = changeSummary
			if err := l.store.UpdateCycle(ctx, latest); err != nil {
				return nil, err
			}
		}
	}

	cycleNo, err := l.store.NextCycleNo(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if err := l.store.CreateCycle(ctx, &models.ReviewCycle{
		ContractID:  contractID,
		CycleNo:     cycleNo,
		Status:      models.CycleReviewing,
		SubmittedBy: userID,
		SubmittedAt: &now,
	}); err != nil {
		return nil, err
	}

	task := &models.ReviewTask{
		ContractID:      contract.ID,
		ContractVersion: newVersion,
		Type:            models.TaskTypeAuto,
		Status:          models.TaskStatusPending,
		CreatedBy:       userID,
	}
	if err := l.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	l.logger.Info("contract resubmitted for review",
		"contract", contractID, "version", newVersion, "task", task.ID, "cycle", cycleNo)
	return task, nil
}
