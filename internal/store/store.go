package store

import (
	"context"
	"errors"
	"time"

	"github.com/crevhq/crev/internal/models"
)

// ErrNotFound is wrapped by lookups that find no row. Callers distinguish
// it from storage failures with errors.Is.
var ErrNotFound = errors.New("not found")

// TaskListFilter specifies filters for listing review tasks.
type TaskListFilter struct {
	ContractID string
	Status     models.TaskStatus
	Type       models.TaskType
}

// RuleListFilter specifies filters for listing review rules.
type RuleListFilter struct {
	Type       models.RuleType
	ActiveOnly bool
}

// Store defines the persistence interface for crev.
type Store interface {
	// Contracts
	CreateContract(ctx context.Context, c *models.Contract) error
	GetContract(ctx context.Context, id string) (*models.Contract, error)
	GetContractByNo(ctx context.Context, no string) (*models.Contract, error)
	ListContracts(ctx context.Context, status models.ContractStatus) ([]*models.Contract, error)
	UpdateContract(ctx context.Context, c *models.Contract) error
	CreateContractVersion(ctx context.Context, v *models.ContractVersion) error
	ListContractVersions(ctx context.Context, contractID string) ([]*models.ContractVersion, error)

	// Review tasks
	CreateTask(ctx context.Context, t *models.ReviewTask) error
	GetTask(ctx context.Context, id string) (*models.ReviewTask, error)
	ListTasks(ctx context.Context, filter TaskListFilter) ([]*models.ReviewTask, error)
	ListStaleTasks(ctx context.Context, statuses []models.TaskStatus, before time.Time) ([]*models.ReviewTask, error)
	UpdateTask(ctx context.Context, t *models.ReviewTask) error

	// Review results
	CreateResult(ctx context.Context, r *models.ReviewResult) error
	GetResult(ctx context.Context, id string) (*models.ReviewResult, error)
	GetResultByTask(ctx context.Context, taskID string) (*models.ReviewResult, error)
	UpdateResult(ctx context.Context, r *models.ReviewResult) error

	// Review opinions
	CreateOpinion(ctx context.Context, o *models.ReviewOpinion) error
	ListOpinionsByResult(ctx context.Context, resultID string) ([]*models.ReviewOpinion, error)
	ListOpinionsByContract(ctx context.Context, contractID string) ([]*models.ReviewOpinion, error)
	UpdateOpinionStatus(ctx context.Context, id string, status models.OpinionStatus) error

	// Rules
	CreateRule(ctx context.Context, r *models.ReviewRule) error
	GetRule(ctx context.Context, id string) (*models.ReviewRule, error)
	ListRules(ctx context.Context, filter RuleListFilter) ([]*models.ReviewRule, error)
	ListApplicableRules(ctx context.Context, industry string, contractType models.ContractType) ([]*models.ReviewRule, error)
	CreateRuleMatch(ctx context.Context, m *models.RuleMatch) error
	ListRuleMatchesByTask(ctx context.Context, taskID string) ([]*models.RuleMatch, error)

	// Focus configs
	UpsertFocusConfig(ctx context.Context, c *models.ReviewFocusConfig) error
	GetFocusConfig(ctx context.Context, tier models.Tier) (*models.ReviewFocusConfig, error)
	ListFocusConfigs(ctx context.Context) ([]*models.ReviewFocusConfig, error)

	// Review cycles
	CreateCycle(ctx context.Context, c *models.ReviewCycle) error
	ListCyclesByContract(ctx context.Context, contractID string) ([]*models.ReviewCycle, error)
	UpdateCycle(ctx context.Context, c *models.ReviewCycle) error
	NextCycleNo(ctx context.Context, contractID string) (int, error)

	// Reviewers
	CreateReviewer(ctx context.Context, r *models.Reviewer) error
	GetReviewer(ctx context.Context, id string) (*models.Reviewer, error)
	ListReviewers(ctx context.Context) ([]*models.Reviewer, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
