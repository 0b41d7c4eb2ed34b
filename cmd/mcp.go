package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/crevhq/crev/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for AI assistant integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets an AI assistant query crev natively for contracts, review
tasks, and opinions. Configure with:

  {
    "mcpServers": {
      "crev": { "command": "crev", "args": ["mcp"] }
    }
  }

Available tools: crev_list_contracts, crev_contract_status,
crev_start_review, crev_task_progress, crev_submit_review,
crev_scan_rules, crev_summarize_opinions`,
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := getEngine()
		if err != nil {
			return err
		}

		srv := mcp.NewServer(deps.store, deps.engine, deps.loop, deps.rules)
		return srv.ServeStdio(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
