package cmd

import (
	"context"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/crevhq/crev/internal/output"
)

var aiCmd = &cobra.Command{
	Use:   "ai",
	Short: "Inspect the AI model configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return aiTestRun()
	},
}

var aiTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Test connectivity to the configured AI model",
	RunE: func(cmd *cobra.Command, args []string) error {
		return aiTestRun()
	},
}

func init() {
	aiCmd.AddCommand(aiTestCmd)
	rootCmd.AddCommand(aiCmd)
}

func aiTestRun() error {
	client, err := getAIClient()
	if err != nil {
		return err
	}

	ui.Info("Provider: %s, model: %s", viper.GetString("ai.provider"), output.Cyan(client.ModelName()))
	if !client.Enabled() {
		ui.Warning("No API key configured; AI review is disabled.")
		return nil
	}

	reply, err := client.TestConnection(context.Background())
	if err != nil {
		ui.Error("Connection test failed: %v", err)
		return err
	}

	ui.Success("Model responded: %s", reply)
	return nil
}
