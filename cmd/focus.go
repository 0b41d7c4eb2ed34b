package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/crevhq/crev/internal/models"
	"github.com/crevhq/crev/internal/output"
)

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Manage per-tier review focus configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return focusListRun()
	},
}

var focusImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import focus configs from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return focusImportRun(args[0])
	},
}

var focusListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List focus configs",
	RunE: func(cmd *cobra.Command, args []string) error {
		return focusListRun()
	},
}

var focusSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed default focus configs for all three tiers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return focusSeedRun()
	},
}

func init() {
	focusCmd.AddCommand(focusImportCmd)
	focusCmd.AddCommand(focusListCmd)
	focusCmd.AddCommand(focusSeedCmd)
	rootCmd.AddCommand(focusCmd)
}

// focusImport is the YAML shape accepted by `crev focus import`.
type focusImport struct {
	Tier           string   `yaml:"tier"`
	TierName       string   `yaml:"tier_name"`
	FocusPoints    []string `yaml:"focus_points"`
	Description    string   `yaml:"description"`
	Standards      string   `yaml:"standards"`
	AttentionItems []string `yaml:"attention_items"`
	Active         *bool    `yaml:"active"`
}

func focusImportRun(path string) error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read focus file: %w", err)
	}

	var entries []focusImport
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("parse focus file: %w", err)
	}

	for _, entry := range entries {
		tier := models.Tier(entry.Tier)
		if !models.KnownTier(tier) {
			ui.Warning("Skipping unknown tier %q", entry.Tier)
			continue
		}

		active := true
		if entry.Active != nil {
			active = *entry.Active
		}

		cfg := &models.ReviewFocusConfig{
			Tier:           tier,
			TierName:       entry.TierName,
			FocusPoints:    entry.FocusPoints,
			Description:    entry.Description,
			Standards:      entry.Standards,
			AttentionItems: entry.AttentionItems,
			Active:         active,
		}
		if err := s.UpsertFocusConfig(ctx, cfg); err != nil {
			return fmt.Errorf("upsert focus config %s: %w", tier, err)
		}
		ui.VerboseLog("Imported focus config for %s", tier)
	}

	ui.Success("Imported focus configs from %s", path)
	return nil
}

func focusListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	configs, err := s.ListFocusConfigs(context.Background())
	if err != nil {
		return err
	}

	if len(configs) == 0 {
		ui.Info("No focus configs found. Run 'crev focus seed' to create defaults.")
		return nil
	}

	for _, cfg := range configs {
		activeStr := output.Green("active")
		if !cfg.Active {
			activeStr = output.Red("inactive")
		}
		fmt.Fprintf(ui.Out, "%s  %s (%s)\n", output.Cyan(string(cfg.Tier)), cfg.TierName, activeStr)
		if len(cfg.FocusPoints) > 0 {
			fmt.Fprintf(ui.Out, "  Focus:      %s\n", strings.Join(cfg.FocusPoints, ", "))
		}
		if cfg.Standards != "" {
			fmt.Fprintf(ui.Out, "  Standards:  %s\n", cfg.Standards)
		}
		if len(cfg.AttentionItems) > 0 {
			fmt.Fprintf(ui.Out, "  Attention:  %s\n", strings.Join(cfg.AttentionItems, ", "))
		}
	}
	return nil
}

func focusSeedRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}
	ctx := context.Background()

	defaults := []*models.ReviewFocusConfig{
		{
			Tier:        models.TierLevel1,
			TierName:    "initial review",
			FocusPoints: []string{"contract completeness", "format compliance", "required clauses present"},
			Description: "First-pass check that the contract is complete and well-formed.",
			Standards:   "Every mandatory clause is present and internally consistent.",
			AttentionItems: []string{
				"missing party identification",
				"undefined terms used in obligations",
			},
			Active: true,
		},
		{
			Tier:        models.TierLevel2,
			TierName:    "business review",
			FocusPoints: []string{"commercial terms", "payment schedule", "delivery and acceptance"},
			Description: "Business-side review of pricing, payment, and performance terms.",
			Standards:   "Commercial terms match the negotiated position and carry no one-sided obligations.",
			AttentionItems: []string{
				"unlimited liability exposure",
				"payment terms beyond policy limits",
			},
			Active: true,
		},
		{
			Tier:        models.TierLevel3,
			TierName:    "legal review",
			FocusPoints: []string{"legal compliance", "dispute resolution", "liability and indemnity"},
			Description: "Final legal review of compliance, risk allocation, and enforceability.",
			Standards:   "The contract is enforceable and compliant with applicable regulation.",
			AttentionItems: []string{
				"governing law conflicts",
				"unenforceable penalty clauses",
			},
			Active: true,
		},
	}

	for _, cfg := range defaults {
		if err := s.UpsertFocusConfig(ctx, cfg); err != nil {
			return fmt.Errorf("seed focus config %s: %w", cfg.Tier, err)
		}
	}

	ui.Success("Seeded focus configs for %d tier(s)", len(defaults))
	return nil
}
