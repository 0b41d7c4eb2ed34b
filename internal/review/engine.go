// Package review orchestrates the contract review lifecycle: the task
// state machine, the automatic review pipeline, per-tier suggestion
// aggregation, and the opinion feedback loop.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/store"
)

var (
	// ErrInvalidState is returned when an operation does not apply to the
	// task's current status.
	ErrInvalidState = errors.New("invalid task state for operation")
	// ErrUnauthorized is returned when a reviewer is not allowed to submit
	// on a task.
	ErrUnauthorized = errors.New("reviewer not authorized for this task")
)

// defaultStaleAfter is how long an in-flight task may go without
// completing before the sweeper intervenes.
const defaultStaleAfter = 30 * time.Minute

// Engine drives review tasks through their lifecycle.
//
// Async path: pending → ai_processing → ai_completed → manual_reviewing →
// completed. Tasks without review levels complete straight after the
// automatic stage. The synchronous variant runs pending → processing →
// completed|failed in the caller's goroutine.
type Engine struct {
	store      store.Store
	pipeline   *Pipeline
	aggregator *Aggregator
	logger     *slog.Logger
	staleAfter time.Duration
}

// NewEngine assembles the review engine.
func NewEngine(s store.Store, pipeline *Pipeline, aggregator *Aggregator, logger *slog.Logger, staleAfter time.Duration) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if staleAfter == 0 {
		staleAfter = defaultStaleAfter
	}
	return &Engine{
		store:      s,
		pipeline:   pipeline,
		aggregator: aggregator,
		logger:     logger,
		staleAfter: staleAfter,
	}
}

// Start transitions a pending task to ai_processing and resets its
// progress checklist. The caller is expected to hand the task id to the
// worker pool afterwards.
func (e *Engine) Start(ctx context.Context, taskID string) (*models.ReviewTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusPending {
		return nil, fmt.Errorf("start task %s in status %s: %w", taskID, task.Status, ErrInvalidState)
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusAIProcessing
	task.StartedAt = &now
	task.ErrorMessage = ""
	task.Progress = &models.Progress{
		CurrentStep: "queued",
		Percent:     0,
		Message:     "review task queued",
		Steps:       models.ReviewSteps(),
	}
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logger.Info("review task started", "task", task.ID, "contract", task.ContractID)
	return task, nil
}

// Process is the background unit of work for one task: automatic pipeline,
// then tier aggregation, then the post-AI transition. It accepts tasks in
// pending (direct invocation) or ai_processing (started via Start).
func (e *Engine) Process(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	switch task.Status {
	case models.TaskStatusPending:
		now := time.Now().UTC()
		task.Status = models.TaskStatusAIProcessing
		task.StartedAt = &now
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return err
		}
	case models.TaskStatusAIProcessing:
		// already started
	default:
		return fmt.Errorf("process task %s in status %s: %w", taskID, task.Status, ErrInvalidState)
	}

	if err := e.execute(ctx, task); err != nil {
		e.fail(ctx, task, err)
		return err
	}

	if len(task.ReviewLevels) == 0 {
		now := time.Now().UTC()
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
	} else {
		task.Status = models.TaskStatusAICompleted
	}
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	// hand off to humans once the AI stage is done
	if task.Status == models.TaskStatusAICompleted {
		task.Status = models.TaskStatusManualReviewing
		if err := e.store.UpdateTask(ctx, task); err != nil {
			return err
		}
	}

	e.logger.Info("review task processed", "task", task.ID, "status", string(task.Status))
	return nil
}

// RunSync executes a task synchronously in the caller's goroutine, the
// fallback when no worker pool is available. It uses the processing status
// and never enters manual review.
func (e *Engine) RunSync(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != models.TaskStatusPending {
		return fmt.Errorf("run task %s in status %s: %w", taskID, task.Status, ErrInvalidState)
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusProcessing
	task.StartedAt = &now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return err
	}

	if err := e.execute(ctx, task); err != nil {
		e.fail(ctx, task, err)
		return err
	}

	done := time.Now().UTC()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &done
	return e.store.UpdateTask(ctx, task)
}

// execute runs the pipeline and, when levels are requested, the aggregator.
func (e *Engine) execute(ctx context.Context, task *models.ReviewTask) error {
	contract, err := e.store.GetContract(ctx, task.ContractID)
	if err != nil {
		return err
	}

	result, err := e.pipeline.Run(ctx, contract, task)
	if err != nil {
		return err
	}

	if len(task.ReviewLevels) > 0 {
		if err := e.aggregator.Run(ctx, contract, task, result); err != nil {
			return err
		}
	}
	return nil
}

// fail marks the task failed, recording the error message and completion
// time. Persistence errors at this point are only logged.
func (e *Engine) fail(ctx context.Context, task *models.ReviewTask, cause error) {
	now := time.Now().UTC()
	task.Status = models.TaskStatusFailed
	task.ErrorMessage = cause.Error()
	task.CompletedAt = &now
	if err := e.store.UpdateTask(ctx, task); err != nil {
		e.logger.Error("mark task failed", "task", task.ID, "error", err)
	}
	e.logger.Error("review task failed", "task", task.ID, "cause", cause)
}

// OpinionInput is one finding in a manual review submission.
type OpinionInput struct {
	ClauseID      string
	ClauseContent string
	Type          models.OpinionType
	Severity      models.RiskLevel
	Content       string
	LegalBasis    string
	Suggestion    string
}

// SubmitReview records a human reviewer's opinions on a task. The reviewer
// must be assigned to one of the task's review levels (or, when the task
// carries no assignments, hold a directory tier among them). Once every
// requested level has at least one manual submission, the task completes.
func (e *Engine) SubmitReview(ctx context.Context, taskID, reviewerID string, opinions []OpinionInput) (*models.ReviewTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusAICompleted && task.Status != models.TaskStatusManualReviewing {
		return nil, fmt.Errorf("submit review on task %s in status %s: %w", taskID, task.Status, ErrInvalidState)
	}

	tier, err := e.authorizeReviewer(ctx, task, reviewerID)
	if err != nil {
		return nil, err
	}

	result, err := e.getOrCreateResult(ctx, task)
	if err != nil {
		return nil, err
	}

	for _, in := range opinions {
		opinionType := in.Type
		if opinionType == "" {
			opinionType = models.OpinionRisk
		}
		o := &models.ReviewOpinion{
			ResultID:      result.ID,
			ReviewerID:    reviewerID,
			ReviewerTier:  tier,
			ClauseID:      in.ClauseID,
			ClauseContent: in.ClauseContent,
			Type:          opinionType,
			Severity:      in.Severity,
			Content:       in.Content,
			LegalBasis:    in.LegalBasis,
			Suggestion:    in.Suggestion,
			Source:        models.OpinionSourceManual,
		}
		if err := e.store.CreateOpinion(ctx, o); err != nil {
			return nil, fmt.Errorf("save review opinion: %w", err)
		}
	}

	task.ReviewerID = reviewerID
	task.ReviewerTier = tier
	task.Status = models.TaskStatusManualReviewing

	// complete once manual submissions cover every requested level;
	// recomputed after each append so concurrent submissions converge
	covered, err := e.coveredTiers(ctx, result.ID)
	if err != nil {
		return nil, err
	}
	if coversAll(task.ReviewLevels, covered) {
		now := time.Now().UTC()
		task.Status = models.TaskStatusCompleted
		task.CompletedAt = &now
	}

	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logger.Info("review submitted",
		"task", task.ID, "reviewer", reviewerID, "tier", string(tier), "status", string(task.Status))
	return task, nil
}

// authorizeReviewer resolves the tier a reviewer submits for. Assignments
// take precedence; a task without assignments falls back to the reviewer
// directory.
func (e *Engine) authorizeReviewer(ctx context.Context, task *models.ReviewTask, reviewerID string) (models.Tier, error) {
	if tier, ok := task.TierOf(reviewerID); ok {
		return tier, nil
	}
	if len(task.Assignments) > 0 {
		return "", fmt.Errorf("reviewer %s on task %s: %w", reviewerID, task.ID, ErrUnauthorized)
	}

	reviewer, err := e.store.GetReviewer(ctx, reviewerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("reviewer %s on task %s: %w", reviewerID, task.ID, ErrUnauthorized)
		}
		return "", err
	}
	for _, lvl := range task.ReviewLevels {
		if lvl == reviewer.Tier {
			return reviewer.Tier, nil
		}
	}
	return "", fmt.Errorf("reviewer %s (tier %s) on task %s: %w", reviewerID, reviewer.Tier, task.ID, ErrUnauthorized)
}

// coveredTiers returns the set of tiers with at least one manual opinion.
func (e *Engine) coveredTiers(ctx context.Context, resultID string) (map[models.Tier]bool, error) {
	opinions, err := e.store.ListOpinionsByResult(ctx, resultID)
	if err != nil {
		return nil, err
	}
	covered := make(map[models.Tier]bool)
	for _, o := range opinions {
		if o.Source == models.OpinionSourceManual && o.ReviewerTier != "" {
			covered[o.ReviewerTier] = true
		}
	}
	return covered, nil
}

func coversAll(levels []models.Tier, covered map[models.Tier]bool) bool {
	for _, lvl := range levels {
		if !covered[lvl] {
			return false
		}
	}
	return true
}

func (e *Engine) getOrCreateResult(ctx context.Context, task *models.ReviewTask) (*models.ReviewResult, error) {
	result, err := e.store.GetResultByTask(ctx, task.ID)
	if errors.Is(err, store.ErrNotFound) {
		result = &models.ReviewResult{TaskID: task.ID, ContractID: task.ContractID}
		if err := e.store.CreateResult(ctx, result); err != nil {
			return nil, err
		}
		return result, nil
	}
	return result, err
}

// CompleteManually force-completes an in-flight task, an admin escape
// hatch for tasks whose execution was lost.
func (e *Engine) CompleteManually(ctx context.Context, taskID, operator string) (*models.ReviewTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusProcessing && task.Status != models.TaskStatusAIProcessing {
		return nil, fmt.Errorf("complete task %s in status %s: %w", taskID, task.Status, ErrInvalidState)
	}

	now := time.Now().UTC()
	task.Status = models.TaskStatusCompleted
	task.CompletedAt = &now
	task.ErrorMessage = fmt.Sprintf("manually completed by %s", operator)
	if err := e.store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	e.logger.Warn("task manually completed", "task", task.ID, "operator", operator)
	return task, nil
}

// RecoverStuck sweeps in-flight tasks older than the stale threshold. A
// stuck task with a persisted result is treated as finished; one without
// is failed with a timeout message.
func (e *Engine) RecoverStuck(ctx context.Context) (recovered, failed int, err error) {
	cutoff := time.Now().UTC().Add(-e.staleAfter)
	statuses := []models.TaskStatus{models.TaskStatusProcessing, models.TaskStatusAIProcessing}
	stale, err := e.store.ListStaleTasks(ctx, statuses, cutoff)
	if err != nil {
		return 0, 0, err
	}

	for _, task := range stale {
		now := time.Now().UTC()
		if _, rerr := e.store.GetResultByTask(ctx, task.ID); rerr == nil {
			task.Status = models.TaskStatusCompleted
			task.CompletedAt = &now
			recovered++
		} else if errors.Is(rerr, store.ErrNotFound) {
			task.Status = models.TaskStatusFailed
			task.ErrorMessage = fmt.Sprintf("review task timed out after %s without a result", e.staleAfter)
			task.CompletedAt = &now
			failed++
		} else {
			return recovered, failed, rerr
		}
		if uerr := e.store.UpdateTask(ctx, task); uerr != nil {
			return recovered, failed, uerr
		}
		e.logger.Warn("stuck task recovered", "task", task.ID, "status", string(task.Status))
	}
	return recovered, failed, nil
}

// Progress returns the task's status and live progress snapshot.
func (e *Engine) Progress(ctx context.Context, taskID string) (models.TaskStatus, *models.Progress, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return "", nil, err
	}
	return task.Status, task.Progress, nil
}
