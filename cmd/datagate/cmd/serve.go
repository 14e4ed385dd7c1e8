package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/datagate-labs/datagate/internal/adapter/inbound/httpapi"
	"github.com/datagate-labs/datagate/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the gateway HTTP API",
	Long: `Start the DataGate HTTP API.

Endpoints:
  POST /v1/tools/call           Dispatch a tool-call envelope
  POST /v1/approvals/decision   Apply an admin approval decision
  GET  /v1/audit                Query the audit log
  GET  /health                  Component health
  GET  /metrics                 Prometheus metrics

Examples:
  # Start with config file settings
  datagate serve

  # Local development: in-memory store, debug logging
  datagate serve --dev

  # Start with a specific config file
  datagate --config /path/to/datagate.yaml serve`,
	RunE: runServe,
}

var serveDev bool

func init() {
	serveCmd.Flags().BoolVar(&serveDev, "dev", false, "Enable development mode (in-memory store, debug logging)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadServeConfig(serveDev)
	if err != nil {
		return err
	}

	// stop() restores default signal handling so a second Ctrl+C does a
	// hard kill.
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

	var warehousePinger httpapi.Pinger
	if gw.pool != nil {
		warehousePinger = gw.pool
	}
	health := httpapi.NewHealthChecker(gw.db, warehousePinger, gw.audits, Version)

	opts := []httpapi.Option{
		httpapi.WithAddr(cfg.Server.ListenAddr),
		httpapi.WithLogger(logger),
		httpapi.WithHealthChecker(health),
		httpapi.WithStats(gw.approvals, gw.audits, gw.policies),
	}
	if cfg.Auth.Required || len(cfg.Auth.APIKeys) > 0 {
		opts = append(opts, httpapi.WithAPIKeys(gw.identities, cfg.Auth.Required))
	}
	server := httpapi.NewServer(gw.orchestrator, gw.approvals, gw.identities, gw.audits, opts...)

	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info("datagate stopped")
	return nil
}
