package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/output"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

var (
	rulesType   string
	rulesActive bool
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage and run the review rule catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rulesListRun()
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rulesImportRun(args[0])
	},
}

var rulesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List review rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		return rulesListRun()
	},
}

var rulesScanCmd = &cobra.Command{
	Use:   "scan <contract>",
	Short: "Run the rule engine against a contract",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return rulesScanRun(args[0])
	},
}

func init() {
	rulesListCmd.Flags().StringVar(&rulesType, "type", "", "Filter by rule type: general, industry, enterprise")
	rulesListCmd.Flags().BoolVar(&rulesActive, "active", false, "Show only active rules")

	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesScanCmd)
	rootCmd.AddCommand(rulesCmd)
}

// ruleImport is the YAML shape accepted by `crev rules import`.
type ruleImport struct {
	Code         string             `yaml:"code"`
	Name         string             `yaml:"name"`
	Type         string             `yaml:"type"`
	Industry     string             `yaml:"industry"`
	ContractType string             `yaml:"contract_type"`
	Category     string             `yaml:"category"`
	Priority     int                `yaml:"priority"`
	RiskLevel    string             `yaml:"risk_level"`
	LegalBasis   string             `yaml:"legal_basis"`
	Description  string             `yaml:"description"`
	Active       *bool              `yaml:"active"`
	Content      models.RuleContent `yaml:"content"`
}

func rulesImportRun(path string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var entries []ruleImport
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.Code == "" || entry.Name == "" {
			ui.Warning("Skipping rule with missing code or name")
			continue
		}

		active := true
		if entry.Active != nil {
			active = *entry.Active
		}

		rule := &models.ReviewRule{
			Code:         entry.Code,
			Name:         entry.Name,
			Type:         models.RuleType(entry.Type),
			Industry:     entry.Industry,
			ContractType: entry.ContractType,
			Category:     entry.Category,
			Priority:     entry.Priority,
			Content:      entry.Content,
			RiskLevel:    models.RiskLevel(entry.RiskLevel),
			LegalBasis:   entry.LegalBasis,
			Description:  entry.Description,
			Active:       active,
		}
		if err := s.CreateRule(ctx, rule); err != nil {
			ui.Warning("Rule %s not imported: %v", entry.Code, err)
			continue
		}
		imported++
		ui.VerboseLog("Imported rule %s: %s", rule.Code, rule.Name)
	}

	ui.Success("Imported %d rule(s) from %s", imported, path)
	return nil
}

func rulesListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	list, err := s.ListRules(context.Background(), store.RuleListFilter{
		Type:       models.RuleType(rulesType),
		ActiveOnly: rulesActive,
	})
	if err != nil {
		return err
	}

	if len(list) == 0 {
		ui.Info("No rules found.")
		return nil
	}

	table := ui.Table([]string{"Code", "Name", "Type", "Industry", "Risk", "Prio", "Active"})
	for _, r := range list {
		activeStr := ""
		if r.Active {
			activeStr = output.Green("yes")
		} else {
			activeStr = output.Red("no")
		}
		_ = table.Append([]string{
			r.Code,
			r.Name,
			string(r.Type),
			r.Industry,
			output.RiskColor(string(r.RiskLevel)),
			fmt.Sprintf("%d", r.Priority),
			activeStr,
		})
	}
	_ = table.Render()
	return nil
}

func rulesScanRun(ref string) error {
	deps, err := getEngine()
	if err != nil {
		return err
	}
	ctx := context.Background()

	c, err := resolveContract(ctx, deps.store, ref)
	if err != nil {
		return err
	}

	scan, err := deps.rules.Scan(ctx, rules.ScanInput{
		ContractID:   c.ID,
		Content:      c.Content,
		Industry:     c.Industry,
		ContractType: c.Type,
	})
	if err != nil {
		return err
	}

	ui.Info("Checked %d rule(s): score %s, risk %s",
		scan.RulesChecked, output.ScoreColor(scan.OverallScore), output.RiskColor(string(scan.RiskLevel)))

	if len(scan.Matches) == 0 {
		ui.Success("No rules matched.")
		return nil
	}

	for _, m := range scan.Matches {
		fmt.Fprintf(ui.Out, "\n%s %s [%s]\n", output.Cyan(m.Rule.Code), m.Rule.Name, output.RiskColor(string(m.Rule.RiskLevel)))
		if m.MatchedClause != "" {
			fmt.Fprintf(ui.Out, "  %s\n", m.MatchedClause)
		}
	}
	return nil
}
