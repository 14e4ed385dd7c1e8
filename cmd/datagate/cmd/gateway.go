package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/datagate-labs/datagate/internal/adapter/outbound/notify"
	"github.com/datagate-labs/datagate/internal/adapter/outbound/store"
	"github.com/datagate-labs/datagate/internal/adapter/outbound/warehouse"
	"github.com/datagate-labs/datagate/internal/bundle"
	"github.com/datagate-labs/datagate/internal/config"
	"github.com/datagate-labs/datagate/internal/domain/approval"
	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/executor"
	"github.com/datagate-labs/datagate/internal/service"
)

// gateway holds the wired service graph shared by the serve and mcp
// commands.
type gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	db   *store.DB
	pool *warehouse.Pool // nil when no warehouse is configured

	identities   *service.IdentityService
	policies     *service.PolicyService
	audits       *service.AuditService
	approvals    *service.ApprovalService
	orchestrator *service.Orchestrator
}

// buildGateway wires stores, services, and the orchestrator from
// config. The caller owns shutdown via Close.
func buildGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gateway, error) {
	db, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	policies, err := service.NewPolicyService(cfg.Bundle.Dir, logger,
		service.WithCacheSize(cfg.Bundle.CacheSize))
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	execCfg := executor.Config{
		Timeout:       cfg.Warehouse.ParseStatementTimeout(),
		RowCap:        cfg.Warehouse.RowCap,
		AnalystRowCap: cfg.Warehouse.AnalystRowCap,
	}
	var pool *warehouse.Pool
	var exec *executor.Executor
	if cfg.Warehouse.DSN != "" {
		pool, err = warehouse.New(warehouse.Config{
			DSN:      cfg.Warehouse.DSN,
			MaxConns: cfg.Warehouse.MaxConns,
		}, logger)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		exec = executor.NewFromPool(pool, policies, execCfg, logger)
	} else {
		logger.Warn("no warehouse configured; run_sql, search_docs, and explain_metric will fail")
		exec = executor.New(unavailableWarehouse{}, policies, execCfg, logger)
	}

	audits := service.NewAuditService(store.NewAuditStore(db), store.NewAuditStore(db), logger)

	identities := service.NewIdentityService(store.NewIdentityStore(db), logger)
	if keys := apiKeyEntries(cfg.Auth.APIKeys); len(keys) > 0 {
		identities.LoadAPIKeys(keys)
		logger.Info("loaded gateway API keys", "count", len(keys))
	}

	signer, err := approval.NewSigner([]byte(cfg.Approval.Secret))
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	var notifier approval.Notifier
	if cfg.Approval.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Approval.WebhookURL, logger)
	}
	approvals := service.NewApprovalService(store.NewApprovalStore(db), signer, policies,
		exec, audits, notifier, service.ApprovalConfig{
			TTL:           cfg.Approval.ParseTTL(),
			SweepInterval: cfg.Approval.ParseSweepInterval(),
		}, logger)

	orchestrator := service.NewOrchestrator(identities, policies, approvals, audits, exec, logger)

	return &gateway{
		cfg:          cfg,
		logger:       logger,
		db:           db,
		pool:         pool,
		identities:   identities,
		policies:     policies,
		audits:       audits,
		approvals:    approvals,
		orchestrator: orchestrator,
	}, nil
}

// Close releases the gateway's resources in reverse wiring order.
func (g *gateway) Close() {
	g.approvals.Stop()
	if g.pool != nil {
		_ = g.pool.Close()
	}
	_ = g.db.Close()
}

// watchBundle reloads the policy bundle on file changes (when watch is
// enabled) and on SIGHUP. Runs until the context is cancelled.
func (g *gateway) watchBundle(ctx context.Context) {
	if g.cfg.Bundle.Dir != "" && g.cfg.Bundle.Watch {
		go func() {
			if err := bundle.Watch(ctx, g.cfg.Bundle.Dir, g.logger, func() {
				if err := g.policies.Reload(ctx); err != nil {
					g.logger.Error("bundle reload failed", "error", err)
				}
			}); err != nil && ctx.Err() == nil {
				g.logger.Error("bundle watcher stopped", "error", err)
			}
		}()
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				g.logger.Info("SIGHUP received, reloading policy bundle")
				if err := g.policies.Reload(ctx); err != nil {
					g.logger.Error("bundle reload failed", "error", err)
				}
			}
		}
	}()
}

// unavailableWarehouse refuses every session. Used when serve runs
// without a warehouse DSN, keeping generate_chart and the policy
// surface usable.
type unavailableWarehouse struct{}

func (unavailableWarehouse) Session(context.Context, string, string) (executor.Session, error) {
	return nil, tool.NewError(tool.CodeExecutorDBError, "no warehouse configured")
}

func apiKeyEntries(keys []config.APIKeyConfig) []service.APIKeyEntry {
	entries := make([]service.APIKeyEntry, len(keys))
	for i, k := range keys {
		entries[i] = service.APIKeyEntry{
			ID:             k.ID,
			Name:           k.Name,
			KeyHash:        k.KeyHash,
			ExternalUserID: k.ExternalUserID,
		}
	}
	return entries
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newLogger builds the process logger. Logs go to stderr; stdout is
// reserved for the MCP stream in mcp mode.
func newLogger(cfg *config.Config) *slog.Logger {
	level := parseLogLevel(cfg.Server.LogLevel)
	if cfg.DevMode {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// loadServeConfig loads config with the --dev flag applied before
// validation.
func loadServeConfig(dev bool) (*config.Config, error) {
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dev {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}
