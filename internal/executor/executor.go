// Package executor runs the governed tool catalogue against the data
// warehouse under the constraints the policy engine attached. Nothing
// here makes access decisions; by the time a request reaches the
// executor it has already been allowed.
package executor

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/datagate-labs/datagate/internal/adapter/outbound/warehouse"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/sqlrewrite"
)

// Session is one scoped warehouse connection.
type Session interface {
	Query(ctx context.Context, query string, maxRows int, args ...interface{}) (*warehouse.Result, error)
	Exec(ctx context.Context, query string) (int64, error)
	Close() error
}

// Warehouse hands out scoped sessions.
type Warehouse interface {
	Session(ctx context.Context, role, region string) (Session, error)
}

// CatalogSource exposes the active region-column catalog. The policy
// service implements this; the catalog follows bundle reloads.
type CatalogSource interface {
	Catalog() map[string]string
}

// Config tunes execution limits. Zero values fall back to defaults.
type Config struct {
	// Timeout bounds a single statement.
	Timeout time.Duration
	// RowCap is the result cap for most roles; AnalystRowCap applies to
	// data_analyst and admin.
	RowCap        int
	AnalystRowCap int
}

const (
	defaultTimeout       = 30 * time.Second
	defaultRowCap        = 1000
	defaultAnalystRowCap = 10000
)

// Executor implements the four tool handlers.
type Executor struct {
	wh       Warehouse
	catalogs CatalogSource
	cfg      Config
	logger   *slog.Logger
}

func New(wh Warehouse, catalogs CatalogSource, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RowCap <= 0 {
		cfg.RowCap = defaultRowCap
	}
	if cfg.AnalystRowCap <= 0 {
		cfg.AnalystRowCap = defaultAnalystRowCap
	}
	return &Executor{wh: wh, catalogs: catalogs, cfg: cfg, logger: logger}
}

// poolWarehouse adapts the concrete pool to the Warehouse interface.
type poolWarehouse struct {
	pool *warehouse.Pool
}

func (w poolWarehouse) Session(ctx context.Context, role, region string) (Session, error) {
	s, err := w.pool.Session(ctx, role, region)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// NewFromPool wraps a warehouse pool.
func NewFromPool(pool *warehouse.Pool, catalogs CatalogSource, cfg Config, logger *slog.Logger) *Executor {
	return New(poolWarehouse{pool: pool}, catalogs, cfg, logger)
}

// SQLRequest is everything RunSQL needs: the statement, the analyzer's
// view of it, and the decision's constraints.
type SQLRequest struct {
	Role        string
	Region      string
	Query       string
	QueryType   policy.QueryType
	Tables      []policy.TableRef
	Constraints policy.Constraints
}

func elevated(role string) bool {
	return role == string(identity.RoleDataAnalyst) || role == string(identity.RoleAdmin)
}

func (e *Executor) rowCap(role string) int {
	if elevated(role) {
		return e.cfg.AnalystRowCap
	}
	return e.cfg.RowCap
}

// execCtx detaches from the caller's cancellation and applies the
// statement timeout. A client hanging up mid-statement does not abort
// the warehouse query; the audit trail still records what ran.
func (e *Executor) execCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Timeout)
}

// RunSQL rewrites the statement under the decision's constraints, runs
// it on a scoped session, and masks the result.
func (e *Executor) RunSQL(ctx context.Context, req SQLRequest) (*tool.Result, error) {
	query := req.Query
	applier := sqlrewrite.NewApplier(e.catalogs.Catalog())

	if req.Constraints.RegionFilter != "" && req.QueryType == policy.QuerySelect {
		rewritten, changed, err := applier.ApplyRegionFilter(query, req.Tables, req.Constraints.RegionFilter)
		if err != nil {
			return nil, tool.NewError(tool.CodeAnalyzerParse, err.Error())
		}
		if changed {
			query = rewritten
		}
	}
	if req.QueryType == policy.QuerySelect && !elevated(req.Role) {
		rewritten, changed, err := applier.EnsureLimit(query, e.cfg.RowCap)
		if err != nil {
			return nil, tool.NewError(tool.CodeAnalyzerParse, err.Error())
		}
		if changed {
			query = rewritten
		}
	}

	execCtx, cancel := e.execCtx(ctx)
	defer cancel()

	sess, err := e.wh.Session(execCtx, req.Role, req.Region)
	if err != nil {
		return nil, e.mapWarehouseErr(err)
	}
	defer sess.Close()

	start := time.Now()

	if req.QueryType != policy.QuerySelect {
		// Admin DML/DDL: no result set.
		n, err := sess.Exec(execCtx, query)
		if err != nil {
			return nil, e.mapWarehouseErr(err)
		}
		return &tool.Result{
			RowCount:  int(n),
			LatencyMS: time.Since(start).Milliseconds(),
		}, nil
	}

	res, err := sess.Query(execCtx, query, e.rowCap(req.Role))
	if err != nil {
		return nil, e.mapWarehouseErr(err)
	}

	rows := make([]map[string]interface{}, 0, len(res.Rows))
	for _, r := range res.Rows {
		m := make(map[string]interface{}, len(res.Columns))
		for i, col := range res.Columns {
			m[col] = r[i]
		}
		rows = append(rows, m)
	}
	sqlrewrite.MaskRows(rows, req.Constraints.MaskedColumns)

	return &tool.Result{
		Columns:   res.Columns,
		Rows:      rows,
		RowCount:  len(rows),
		Truncated: res.Truncated,
		LatencyMS: time.Since(start).Milliseconds(),
	}, nil
}

func (e *Executor) mapWarehouseErr(err error) error {
	switch {
	case errors.Is(err, warehouse.ErrTimeout):
		return tool.NewError(tool.CodeExecutorTimeout, "statement timed out")
	case errors.Is(err, warehouse.ErrPoolExhausted):
		return tool.NewError(tool.CodeExecutorPoolExhausted, "warehouse connection pool exhausted")
	default:
		return tool.NewError(tool.CodeExecutorDBError, warehouse.RedactError(err))
	}
}
