package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/output"
	"github.com/crevhq/crev/internal/review"
	"github.com/crevhq/crev/internal/store"
)

var (
	taskLevels     string
	taskAssign     []string
	taskPriority   int
	taskStatus     string
	taskContract   string
	taskReviewer   string
	taskContent    string
	taskSeverity   string
	taskSuggestion string
	taskOperator   string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage review tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <contract>",
	Short: "Create a review task for a contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCreateRun(args[0])
	},
}

var taskListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskListRun()
	},
}

var taskShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show task details and result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskShowRun(args[0])
	},
}

var taskStartCmd = &cobra.Command{
	Use:   "start <task-id>",
	Short: "Run a pending review task",
	Long: `Run a pending review task in the foreground: the rule scan,
the comprehensive AI review, and tier suggestions when manual review
levels are requested. Tasks with review levels park in manual_reviewing
afterwards; tasks without complete directly.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskStartRun(args[0])
	},
}

var taskProgressCmd = &cobra.Command{
	Use:   "progress <task-id>",
	Short: "Show a task's progress checklist",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskProgressRun(args[0])
	},
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit <task-id>",
	Short: "Submit a manual review opinion",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskSubmitRun(args[0])
	},
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete <task-id>",
	Short: "Manually complete a task stuck in processing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskCompleteRun(args[0])
	},
}

var taskRecoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Recover tasks stuck in a processing state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return taskRecoverRun()
	},
}

func init() {
	taskCreateCmd.Flags().StringVar(&taskLevels, "levels", "", "Comma-separated manual review tiers: level1,level2,level3")
	taskCreateCmd.Flags().StringArrayVar(&taskAssign, "assign", nil, "Tier assignment as tier=reviewer, repeatable")
	taskCreateCmd.Flags().IntVar(&taskPriority, "priority", 0, "Task priority")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status")
	taskListCmd.Flags().StringVar(&taskContract, "contract", "", "Filter by contract number or id")

	taskSubmitCmd.Flags().StringVar(&taskReviewer, "reviewer", "", "Reviewer id (required)")
	taskSubmitCmd.Flags().StringVar(&taskContent, "content", "", "Opinion content (required)")
	taskSubmitCmd.Flags().StringVar(&taskSeverity, "severity", "", "Finding severity: low, medium, high")
	taskSubmitCmd.Flags().StringVar(&taskSuggestion, "suggestion", "", "Suggested modification")
	_ = taskSubmitCmd.MarkFlagRequired("reviewer")
	_ = taskSubmitCmd.MarkFlagRequired("content")

	taskCompleteCmd.Flags().StringVar(&taskOperator, "operator", "cli", "Operator recorded on the completion")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskShowCmd)
	taskCmd.AddCommand(taskStartCmd)
	taskCmd.AddCommand(taskProgressCmd)
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskCompleteCmd)
	taskCmd.AddCommand(taskRecoverCmd)
	rootCmd.AddCommand(taskCmd)
}

func taskCreateRun(contractRef string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c, err := resolveContract(ctx, s, contractRef)
	if err != nil {
		return err
	}

	var levels []models.Tier
	if taskLevels != "" {
		for _, part := range strings.Split(taskLevels, ",") {
			levels = append(levels, models.Tier(strings.TrimSpace(part)))
		}
	}

	assignments := make(map[models.Tier]string)
	for _, pair := range taskAssign {
		tier, reviewer, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid --assign %q, expected tier=reviewer", pair)
		}
		assignments[models.Tier(tier)] = reviewer
	}

	task := &models.ReviewTask{
		ContractID:      c.ID,
		ContractVersion: c.CurrentVersion,
		ReviewLevels:    levels,
		Assignments:     assignments,
		Priority:        taskPriority,
		CreatedBy:       "cli",
	}
	if err := s.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	ui.Success("Created task %s for contract %s", output.Cyan(shortID(task.ID)), c.ContractNo)
	return nil
}

func taskListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	filter := store.TaskListFilter{Status: models.TaskStatus(taskStatus)}
	if taskContract != "" {
		c, err := resolveContract(ctx, s, taskContract)
		if err != nil {
			return err
		}
		filter.ContractID = c.ID
	}

	tasks, err := s.ListTasks(ctx, filter)
	if err != nil {
		return err
	}

	if len(tasks) == 0 {
		ui.Info("No tasks found.")
		return nil
	}

	contractNos := make(map[string]string)

	table := ui.Table([]string{"ID", "Contract", "Status", "Ver", "Levels", "Created"})
	for _, task := range tasks {
		no := contractNos[task.ContractID]
		if no == "" {
			if c, err := s.GetContract(ctx, task.ContractID); err == nil {
				no = c.ContractNo
				contractNos[task.ContractID] = no
			}
		}

		levels := make([]string, len(task.ReviewLevels))
		for i, lvl := range task.ReviewLevels {
			levels[i] = string(lvl)
		}

		_ = table.Append([]string{
			shortID(task.ID),
			no,
			output.StatusColor(string(task.Status)),
			fmt.Sprintf("v%d", task.ContractVersion),
			strings.Join(levels, ","),
			task.CreatedAt.Format("2006-01-02 15:04"),
		})
	}
	_ = table.Render()
	return nil
}

func taskShowRun(id string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, s, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s\n", output.Cyan(shortID(task.ID)))
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(task.Status)))
	fmt.Fprintf(ui.Out, "  Contract:   %s (v%d)\n", task.ContractID, task.ContractVersion)
	if len(task.ReviewLevels) > 0 {
		levels := make([]string, len(task.ReviewLevels))
		for i, lvl := range task.ReviewLevels {
			levels[i] = string(lvl)
		}
		fmt.Fprintf(ui.Out, "  Levels:     %s\n", strings.Join(levels, ", "))
	}
	for tier, reviewer := range task.Assignments {
		fmt.Fprintf(ui.Out, "  Assigned:   %s -> %s\n", tier, reviewer)
	}
	if task.ErrorMessage != "" {
		fmt.Fprintf(ui.Out, "  Error:      %s\n", output.Red(task.ErrorMessage))
	}
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", task.ID)

	result, err := s.GetResultByTask(ctx, task.ID)
	if err != nil {
		return nil // no result yet
	}

	fmt.Fprintln(ui.Out)
	fmt.Fprintf(ui.Out, "  Score:      %s\n", output.ScoreColor(result.OverallScore))
	fmt.Fprintf(ui.Out, "  Risk:       %s (%d finding(s))\n", output.RiskColor(string(result.RiskLevel)), result.RiskCount)
	if result.Summary != "" {
		fmt.Fprintf(ui.Out, "  Summary:    %s\n", result.Summary)
	}
	if result.ReportPath != "" {
		fmt.Fprintf(ui.Out, "  Report:     %s\n", result.ReportPath)
	}

	opinions, err := s.ListOpinionsByResult(ctx, result.ID)
	if err == nil && len(opinions) > 0 {
		fmt.Fprintln(ui.Out)
		for _, o := range opinions {
			severity := string(o.Severity)
			if severity == "" {
				severity = "info"
			}
			fmt.Fprintf(ui.Out, "  [%s] %s\n", output.RiskColor(severity), o.Content)
		}
	}
	return nil
}

func taskStartRun(id string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, deps.store, id)
	if err != nil {
		return err
	}

	ui.Info("Running review task %s...", output.Cyan(shortID(task.ID)))
	if err := deps.engine.Process(ctx, task.ID); err != nil {
		return fmt.Errorf("review failed: %w", err)
	}

	done, err := deps.store.GetTask(ctx, task.ID)
	if err != nil {
		return err
	}
	ui.Success("Task %s is now %s", output.Cyan(shortID(done.ID)), output.StatusColor(string(done.Status)))

	if result, err := deps.store.GetResultByTask(ctx, done.ID); err == nil {
		ui.Info("Score %s, risk %s, %d finding(s)",
			output.ScoreColor(result.OverallScore), output.RiskColor(string(result.RiskLevel)), result.RiskCount)
	}
	return nil
}

func taskProgressRun(id string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, deps.store, id)
	if err != nil {
		return err
	}

	status, progress, err := deps.engine.Progress(ctx, task.ID)
	if err != nil {
		return err
	}

	ui.Info("Task %s: %s", output.Cyan(shortID(task.ID)), output.StatusColor(string(status)))
	if progress == nil {
		return nil
	}

	fmt.Fprintf(ui.Out, "  %d%%  %s\n", progress.Percent, progress.Message)
	for _, step := range progress.Steps {
		mark := " "
		switch step.Status {
		case models.StepCompleted:
			mark = output.Green("✓")
		case models.StepProcessing:
			mark = output.Yellow("…")
		}
		fmt.Fprintf(ui.Out, "  %s %s\n", mark, step.Name)
	}
	return nil
}

func taskSubmitRun(id string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, deps.store, id)
	if err != nil {
		return err
	}

	opinions := []review.OpinionInput{{
		Type:       models.OpinionSuggestion,
		Severity:   models.RiskLevel(taskSeverity),
		Content:    taskContent,
		Suggestion: taskSuggestion,
	}}

	done, err := deps.engine.SubmitReview(ctx, task.ID, taskReviewer, opinions)
	if err != nil {
		return err
	}

	ui.Success("Opinion recorded; task %s is now %s",
		output.Cyan(shortID(done.ID)), output.StatusColor(string(done.Status)))
	return nil
}

func taskCompleteRun(id string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	task, err := findTask(ctx, deps.store, id)
	if err != nil {
		return err
	}

	done, err := deps.engine.CompleteManually(ctx, task.ID, taskOperator)
	if err != nil {
		return err
	}

	ui.Success("Task %s completed manually", output.Cyan(shortID(done.ID)))
	return nil
}

func taskRecoverRun() error {
	deps, err := getEngine()
	if err != nil {
		return err
	}

	recovered, failed, err := deps.engine.RecoverStuck(context.Background())
	if err != nil {
		return err
	}

	if recovered+failed == 0 {
		ui.Info("No stuck tasks found.")
		return nil
	}
	ui.Success("Recovered %d task(s), failed %d task(s)", recovered, failed)
	return nil
}

// findTask finds a task by full ID or prefix match.
func findTask(ctx context.Context, s store.Store, id string) (*models.ReviewTask, error) {
	if task, err := s.GetTask(ctx, id); err == nil {
		return task, nil
	}

	upper := strings.ToUpper(id)
	tasks, err := s.ListTasks(ctx, store.TaskListFilter{})
	if err != nil {
		return nil, err
	}

	var matches []*models.ReviewTask
	for _, task := range tasks {
		if strings.HasPrefix(task.ID, upper) {
			matches = append(matches, task)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("task not found: %s", id)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous task ID %s: matches %d tasks", id, len(matches))
	}
}
