package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datagate-labs/datagate/internal/adapter/inbound/mcp"
	"github.com/datagate-labs/datagate/internal/config"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the tool catalogue over MCP stdio",
	Long: `Serve the governed tool catalogue as an MCP server on
stdin/stdout. The same policy evaluation, approval workflow, and audit
trail apply as on the HTTP surface.

The caller identity comes from _meta.apiKey on each call, or from
--user for a single-operator local session.

Examples:
  # Local session as a registered identity
  datagate mcp --user U006ANALYST

  # API-key-authenticated clients only
  datagate mcp`,
	RunE: runMCP,
}

var mcpUser string
var mcpDev bool

func init() {
	mcpCmd.Flags().StringVar(&mcpUser, "user", "", "default external user ID for calls without an API key")
	mcpCmd.Flags().BoolVar(&mcpDev, "dev", false, "Enable development mode (in-memory store, debug logging)")
	rootCmd.AddCommand(mcpCmd)
}

func runMCP(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(mcpDev)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := newLogger(cfg)
	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	gw, err := buildGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	gw.approvals.Start()
	gw.watchBundle(ctx)

	adapter := mcp.NewAdapter(gw.orchestrator,
		mcp.WithKeyVerifier(gw.identities),
		mcp.WithDefaultUser(mcpUser),
		mcp.WithLogger(logger),
		mcp.WithVersion(Version),
	)
	if err := adapter.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("datagate stopped")
	return nil
}
