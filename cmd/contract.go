package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/output"
	"github.com/crevhq/crev/internal/store"
)

var (
	contractNo       string
	contractTitle    string
	contractType     string
	contractIndustry string
	contractFile     string
	contractContent  string
	contractDrafter  string
	contractStatus   string
	contractMessage  string
	contractSummary  string
)

var contractCmd = &cobra.Command{
	Use:   "contract",
	Short: "Manage contracts under review",
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractListRun()
	},
}

var contractAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a contract for review",
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractAddRun()
	},
}

var contractListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List contracts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractListRun()
	},
}

var contractShowCmd = &cobra.Command{
	Use:   "show <contract>",
	Short: "Show contract details and review history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractShowRun(args[0])
	},
}

var contractSummaryCmd = &cobra.Command{
	Use:   "summary <contract>",
	Short: "Summarize review opinions grouped by tier",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractSummaryRun(args[0])
	},
}

var contractFeedbackCmd = &cobra.Command{
	Use:   "feedback <contract>",
	Short: "Send review opinions back to the drafter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractFeedbackRun(args[0])
	},
}

var contractResubmitCmd = &cobra.Command{
	Use:   "resubmit <contract>",
	Short: "Resubmit a revised contract for a new review cycle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return contractResubmitRun(args[0])
	},
}

func init() {
	contractAddCmd.Flags().StringVar(&contractNo, "no", "", "Contract number (required)")
	contractAddCmd.Flags().StringVar(&contractTitle, "title", "", "Contract title (required)")
	contractAddCmd.Flags().StringVar(&contractType, "type", "", "Contract type: sales, procurement, service, lease, employment, other")
	contractAddCmd.Flags().StringVar(&contractIndustry, "industry", "", "Industry the contract belongs to")
	contractAddCmd.Flags().StringVar(&contractFile, "file", "", "Read contract content from file")
	contractAddCmd.Flags().StringVar(&contractContent, "content", "", "Contract content")
	contractAddCmd.Flags().StringVar(&contractDrafter, "drafter", "", "Drafter user id")
	_ = contractAddCmd.MarkFlagRequired("no")
	_ = contractAddCmd.MarkFlagRequired("title")

	contractListCmd.Flags().StringVar(&contractStatus, "status", "", "Filter by status: draft, reviewing, reviewed, approved, rejected, signed")

	contractFeedbackCmd.Flags().StringVar(&contractMessage, "message", "", "Feedback message for the drafter")

	contractResubmitCmd.Flags().StringVar(&contractDrafter, "user", "", "User resubmitting the contract")
	contractResubmitCmd.Flags().StringVar(&contractSummary, "summary", "", "Summary of the changes made")
	contractResubmitCmd.Flags().StringVar(&contractFile, "file", "", "Read revised content from file")

	contractCmd.AddCommand(contractAddCmd)
	contractCmd.AddCommand(contractListCmd)
	contractCmd.AddCommand(contractShowCmd)
	contractCmd.AddCommand(contractSummaryCmd)
	contractCmd.AddCommand(contractFeedbackCmd)
	contractCmd.AddCommand(contractResubmitCmd)
	rootCmd.AddCommand(contractCmd)
}

func contractAddRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	content := contractContent
	if contractFile != "" {
		data, err := os.ReadFile(contractFile)
		if err != nil {
			return fmt.Errorf("read contract file: %w", err)
		}
		content = string(data)
	}

	c := &models.Contract{
		ContractNo: contractNo,
		Title:      contractTitle,
		Type:       models.ContractType(contractType),
		Industry:   contractIndustry,
		Content:    content,
		DrafterID:  contractDrafter,
	}

	if err := s.CreateContract(ctx, c); err != nil {
		return fmt.Errorf("create contract: %w", err)
	}

	ui.Success("Registered contract %s: %s", output.Cyan(c.ContractNo), c.Title)
	return nil
}

func contractListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	contracts, err := s.ListContracts(ctx, models.ContractStatus(contractStatus))
	if err != nil {
		return err
	}

	if len(contracts) == 0 {
		ui.Info("No contracts found.")
		return nil
	}

	table := ui.Table([]string{"No", "Title", "Type", "Industry", "Status", "Ver"})
	for _, c := range contracts {
		_ = table.Append([]string{
			c.ContractNo,
			c.Title,
			string(c.Type),
			c.Industry,
			output.StatusColor(string(c.Status)),
			fmt.Sprintf("v%d", c.CurrentVersion),
		})
	}
	_ = table.Render()
	return nil
}

func contractShowRun(ref string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c, err := resolveContract(ctx, s, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(ui.Out, "%s  %s\n", output.Cyan(c.ContractNo), c.Title)
	fmt.Fprintf(ui.Out, "  Status:     %s\n", output.StatusColor(string(c.Status)))
	if c.Type != "" {
		fmt.Fprintf(ui.Out, "  Type:       %s\n", c.Type)
	}
	if c.Industry != "" {
		fmt.Fprintf(ui.Out, "  Industry:   %s\n", c.Industry)
	}
	fmt.Fprintf(ui.Out, "  Version:    v%d\n", c.CurrentVersion)
	if c.DrafterID != "" {
		fmt.Fprintf(ui.Out, "  Drafter:    %s\n", c.DrafterID)
	}
	fmt.Fprintf(ui.Out, "  Created:    %s\n", c.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(ui.Out, "  Full ID:    %s\n", c.ID)

	tasks, err := s.ListTasks(ctx, store.TaskListFilter{ContractID: c.ID})
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		fmt.Fprintln(ui.Out)
		table := ui.Table([]string{"Task", "Status", "Ver", "Levels", "Created"})
		for _, task := range tasks {
			levels := make([]string, len(task.ReviewLevels))
			for i, lvl := range task.ReviewLevels {
				levels[i] = string(lvl)
			}
			_ = table.Append([]string{
				shortID(task.ID),
				output.StatusColor(string(task.Status)),
				fmt.Sprintf("v%d", task.ContractVersion),
				strings.Join(levels, ","),
				task.CreatedAt.Format("2006-01-02 15:04"),
			})
		}
		_ = table.Render()
	}

	cycles, err := s.ListCyclesByContract(ctx, c.ID)
	if err != nil {
		return err
	}
	if len(cycles) > 0 {
		fmt.Fprintln(ui.Out)
		for _, cy := range cycles {
			fmt.Fprintf(ui.Out, "  Cycle %d:    %s\n", cy.CycleNo, output.StatusColor(string(cy.Status)))
		}
	}

	return nil
}

func contractSummaryRun(ref string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c, err := resolveContract(ctx, deps.store, ref)
	if err != nil {
		return err
	}

	summary, err := deps.loop.Summarize(ctx, c.ID)
	if err != nil {
		return err
	}

	ui.Info("Contract %s: %d opinion(s)", output.Cyan(summary.ContractNo), summary.Total)
	if summary.Total == 0 {
		return nil
	}

	for tier, opinions := range summary.ByTier {
		tierName := string(tier)
		if tierName == "" {
			tierName = "(untiered)"
		}
		fmt.Fprintf(ui.Out, "\n%s\n", output.Cyan(tierName))
		for _, o := range opinions {
			severity := string(o.Severity)
			if severity == "" {
				severity = "info"
			}
			fmt.Fprintf(ui.Out, "  [%s] %s\n", output.RiskColor(severity), o.Content)
			if o.Suggestion != "" {
				fmt.Fprintf(ui.Out, "      suggestion: %s\n", o.Suggestion)
			}
		}
	}

	fmt.Fprintln(ui.Out)
	for severity, count := range summary.BySeverity {
		fmt.Fprintf(ui.Out, "  %s: %d\n", output.RiskColor(string(severity)), count)
	}
	return nil
}

func contractFeedbackRun(ref string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c, err := resolveContract(ctx, deps.store, ref)
	if err != nil {
		return err
	}

	if err := deps.loop.Feedback(ctx, c.ID, contractMessage); err != nil {
		return err
	}

	ui.Success("Feedback sent for contract %s", output.Cyan(c.ContractNo))
	return nil
}

func contractResubmitRun(ref string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c, err := resolveContract(ctx, deps.store, ref)
	if err != nil {
		return err
	}

	// optionally replace the content before snapshotting the new version
	if contractFile != "" {
		data, err := os.ReadFile(contractFile)
		if err != nil {
			return fmt.Errorf("read contract file: %w", err)
		}
		c.Content = string(data)
		if err := deps.store.UpdateContract(ctx, c); err != nil {
			return fmt.Errorf("update contract content: %w", err)
		}
	}

	task, err := deps.loop.Resubmit(ctx, c.ID, contractDrafter, contractSummary)
	if err != nil {
		return err
	}

	ui.Success("Resubmitted contract %s as v%d (task %s)",
		output.Cyan(c.ContractNo), task.ContractVersion, output.Cyan(shortID(task.ID)))
	return nil
}

// resolveContract finds a contract by number first, then by id or id prefix.
func resolveContract(ctx context.Context, s store.Store, ref string) (*models.Contract, error) {
	if c, err := s.GetContractByNo(ctx, ref); err == nil {
		return c, nil
	}
	if c, err := s.GetContract(ctx, ref); err == nil {
		return c, nil
	}

	upper := strings.ToUpper(ref)
	contracts, err := s.ListContracts(ctx, "")
	if err != nil {
		return nil, err
	}

	var matches []*models.Contract
	for _, c := range contracts {
		if strings.HasPrefix(c.ID, upper) {
			matches = append(matches, c)
		}
	}

	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("contract not found: %s", ref)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous contract %s: matches %d contracts", ref, len(matches))
	}
}

// shortID returns a truncated ULID for display (first 12 chars).
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
