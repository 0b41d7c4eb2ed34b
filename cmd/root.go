package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crevhq/crev/internal/ai"
	"github.com/crevhq/crev/internal/output"
	"github.com/crevhq/crev/internal/report"
	"github.com/crevhq/crev/internal/review"
	"github.com/crevhq/crev/internal/rules"
	"github.com/crevhq/crev/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "crev",
	Short: "Contract review orchestration - rule scans, AI review, and opinion loops",
	Long: `crev orchestrates contract reviews end to end.
It runs rule-based risk scans, multi-tier AI review suggestions,
and tracks manual review tasks through to the drafter feedback loop.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/crev/config.yaml)")
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "crev")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CREV")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "crev")

	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "crev.db"))
	viper.SetDefault("port", 8080)
	viper.SetDefault("ai.provider", "openai")
	viper.SetDefault("ai.base_url", "https://api.openai.com/v1")
	viper.SetDefault("ai.api_key", "")
	viper.SetDefault("ai.model", "gpt-4o")
	viper.SetDefault("ai.temperature", 0.3)
	viper.SetDefault("ai.max_tokens", 4000)
	viper.SetDefault("ai.timeout", "60s")
	viper.SetDefault("ai.review_timeout", "120s")
	viper.SetDefault("review.stale_after", "30m")
	viper.SetDefault("worker.count", 2)
	viper.SetDefault("worker.sweep_interval", "5m")
	viper.SetDefault("report.dir", filepath.Join(defaultConfigDir, "reports"))

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose

	// Store is initialized lazily so config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// getAIClient builds the AI client from viper config.
func getAIClient() (ai.Client, error) {
	return ai.New(ai.Config{
		Provider:      viper.GetString("ai.provider"),
		BaseURL:       viper.GetString("ai.base_url"),
		APIKey:        viper.GetString("ai.api_key"),
		Model:         viper.GetString("ai.model"),
		Temperature:   viper.GetFloat64("ai.temperature"),
		MaxTokens:     viper.GetInt("ai.max_tokens"),
		Timeout:       viper.GetDuration("ai.timeout"),
		ReviewTimeout: viper.GetDuration("ai.review_timeout"),
	})
}

// engineDeps bundles everything a review command needs.
type engineDeps struct {
	store  store.Store
	ai     ai.Client
	rules  *rules.Engine
	engine *review.Engine
	loop   *review.Loop
}

// getEngine wires the review engine and its collaborators.
func getEngine() (*engineDeps, error) {
	s, err := getStore()
	if err != nil {
		return nil, err
	}
	client, err := getAIClient()
	if err != nil {
		return nil, err
	}

	ruleEngine := rules.NewEngine(s, nil)
	reports := report.NewGenerator(viper.GetString("report.dir"))
	pipeline := review.NewPipeline(s, client, ruleEngine, reports, nil, viper.GetDuration("ai.review_timeout"))
	aggregator := review.NewAggregator(s, client, nil)
	engine := review.NewEngine(s, pipeline, aggregator, nil, viper.GetDuration("review.stale_after"))

	return &engineDeps{
		store:  s,
		ai:     client,
		rules:  ruleEngine,
		engine: engine,
		loop:   review.NewLoop(s, nil),
	}, nil
}
