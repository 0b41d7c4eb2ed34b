package cmd

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"text/template"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configForce bool

// configDirFunc returns the config directory path, replaceable in tests.
var configDirFunc = defaultConfigDir

func defaultConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "crev"), nil
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or manage configuration",
	Long: `Show or manage crev configuration.

Running bare 'crev config' is the same as 'crev config show'.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create config file with commented defaults",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configInitRun()
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration with sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configShowRun()
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config file in $EDITOR",
	RunE: func(cmd *cobra.Command, args []string) error {
		return configEditRun()
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing config file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	rootCmd.AddCommand(configCmd)
}

// configTemplate is the template for generating config.yaml with comments.
const configTemplate = `# crev configuration
# See: crev config show (for effective values and sources)

# SQLite database path (default: ~/.config/crev/crev.db)
# db_path: {{ .DBPath }}

# API server port (default: 8080)
# port: {{ .Port }}

# AI model settings
ai:
  # Provider: "openai" (any OpenAI-compatible endpoint) or "anthropic"
  provider: "{{ .AIProvider }}"

  # API base URL for OpenAI-compatible providers
  base_url: "{{ .AIBaseURL }}"

  # API key (or set CREV_AI_API_KEY)
  api_key: ""

  # Model name
  model: "{{ .AIModel }}"

# Review engine settings
review:
  # Tasks stuck in a processing state longer than this are recovered
  stale_after: "{{ .StaleAfter }}"

# Background worker settings
worker:
  count: {{ .WorkerCount }}
  sweep_interval: "{{ .SweepInterval }}"

# Report output directory
report:
  dir: "{{ .ReportDir }}"
`

type configTemplateData struct {
	DBPath        string
	Port          int
	AIProvider    string
	AIBaseURL     string
	AIModel       string
	StaleAfter    string
	WorkerCount   int
	SweepInterval string
	ReportDir     string
}

func configFilePath() (string, error) {
	dir, err := configDirFunc()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func configInitRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if file already exists
	if _, err := os.Stat(cfgPath); err == nil {
		if !configForce {
			return fmt.Errorf("config file already exists: %s (use --force to overwrite)", cfgPath)
		}
		ui.Warning("Overwriting existing config file")
	}

	// Build template data from current viper values
	data := configTemplateData{
		DBPath:        viper.GetString("db_path"),
		Port:          viper.GetInt("port"),
		AIProvider:    viper.GetString("ai.provider"),
		AIBaseURL:     viper.GetString("ai.base_url"),
		AIModel:       viper.GetString("ai.model"),
		StaleAfter:    viper.GetString("review.stale_after"),
		WorkerCount:   viper.GetInt("worker.count"),
		SweepInterval: viper.GetString("worker.sweep_interval"),
		ReportDir:     viper.GetString("report.dir"),
	}

	tmpl, err := template.New("config").Parse(configTemplate)
	if err != nil {
		return fmt.Errorf("template parse error: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("template execute error: %w", err)
	}

	// Create config directory
	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(cfgPath, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	ui.Success("Config file created: %s", cfgPath)
	fmt.Fprintln(ui.Out)
	fmt.Fprint(ui.Out, buf.String())
	return nil
}

// configKeyInfo describes a config key for display purposes.
type configKeyInfo struct {
	Key    string
	EnvVar string
}

var configKeys = []configKeyInfo{
	{Key: "db_path", EnvVar: "CREV_DB_PATH"},
	{Key: "port", EnvVar: "CREV_PORT"},
	{Key: "ai.provider", EnvVar: "CREV_AI_PROVIDER"},
	{Key: "ai.base_url", EnvVar: "CREV_AI_BASE_URL"},
	{Key: "ai.api_key", EnvVar: "CREV_AI_API_KEY"},
	{Key: "ai.model", EnvVar: "CREV_AI_MODEL"},
	{Key: "ai.timeout", EnvVar: "CREV_AI_TIMEOUT"},
	{Key: "ai.review_timeout", EnvVar: "CREV_AI_REVIEW_TIMEOUT"},
	{Key: "review.stale_after", EnvVar: "CREV_REVIEW_STALE_AFTER"},
	{Key: "worker.count", EnvVar: "CREV_WORKER_COUNT"},
	{Key: "worker.sweep_interval", EnvVar: "CREV_WORKER_SWEEP_INTERVAL"},
	{Key: "report.dir", EnvVar: "CREV_REPORT_DIR"},
}

func configShowRun() error {
	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	// Check if config file exists
	if _, err := os.Stat(cfgPath); err == nil {
		ui.Info("Config file: %s", cfgPath)
	} else {
		ui.Info("Config file: (none)")
	}
	fmt.Fprintln(ui.Out)

	// Read config file values to determine file source
	fileValues := readConfigFileValues(cfgPath)

	for _, k := range configKeys {
		val := viper.Get(k.Key)
		if k.Key == "ai.api_key" {
			val = "(hidden)"
		}
		source := detectSource(k.Key, k.EnvVar, fileValues)
		fmt.Fprintf(ui.Out, "  %-24s %v  %s\n", k.Key, val, source)
	}

	return nil
}

// readConfigFileValues reads the raw YAML file and returns a flat map of keys present in it.
func readConfigFileValues(path string) map[string]bool {
	result := make(map[string]bool)

	data, err := os.ReadFile(path)
	if err != nil {
		return result
	}

	var parsed map[string]any
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return result
	}

	// Flatten nested keys with dot notation
	flattenKeys("", parsed, result)
	return result
}

// flattenKeys recursively flattens a nested map to dot-notation keys.
func flattenKeys(prefix string, m map[string]any, result map[string]bool) {
	for key, val := range m {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := val.(map[string]any); ok {
			flattenKeys(fullKey, nested, result)
		} else {
			result[fullKey] = true
		}
	}
}

// detectSource determines where a config value is coming from.
func detectSource(key, envVar string, fileValues map[string]bool) string {
	if _, ok := os.LookupEnv(envVar); ok {
		return fmt.Sprintf("(env: %s)", envVar)
	}
	if fileValues[key] {
		return "(file)"
	}
	return "(default)"
}

func configEditRun() error {
	editor := os.Getenv("EDITOR")
	if editor == "" {
		editor = os.Getenv("VISUAL")
	}
	if editor == "" {
		return fmt.Errorf("$EDITOR is not set; set it to your preferred editor (e.g. export EDITOR=vim)")
	}

	cfgPath, err := configFilePath()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		return fmt.Errorf("config file not found: %s (run 'crev config init' first)", cfgPath)
	}

	editCmd := exec.Command(editor, cfgPath)
	editCmd.Stdin = os.Stdin
	editCmd.Stdout = os.Stdout
	editCmd.Stderr = os.Stderr
	return editCmd.Run()
}
