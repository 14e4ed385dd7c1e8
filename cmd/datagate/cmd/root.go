// Package cmd provides the CLI commands for DataGate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/datagate-labs/datagate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "datagate",
	Short: "DataGate - governed tool-dispatch gateway",
	Long: `DataGate sits between an untrusted chat client and a trusted
Postgres warehouse. It accepts tool-call envelopes (run_sql,
search_docs, explain_metric, generate_chart), evaluates each call
against the policy bundle, routes sensitive calls through admin
approval, and records every terminal outcome in the audit log before
responding.

Quick start:
  1. Create a config file: datagate.yaml
  2. Run: datagate serve

Configuration:
  Config is loaded from datagate.yaml in the current directory,
  $HOME/.datagate/, or /etc/datagate/.

  Environment variables can override config values with the DATAGATE_
  prefix. Example: DATAGATE_WAREHOUSE_DSN=postgres://...

Commands:
  serve       Start the gateway (HTTP API)
  mcp         Serve the tool catalogue over MCP stdio
  policy      Validate a policy bundle directory
  identity    Manage caller identities
  key         Hash gateway API keys for the config file
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./datagate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
