// Package warehouse provides scoped connections to the Postgres data
// warehouse. Every query runs on a connection whose app.user_role and
// app.user_region settings are pinned to the caller's identity, so
// row-level security policies in the warehouse see the same principal
// the policy engine evaluated.
package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Sentinel errors mapped by callers to wire error codes.
var (
	ErrPoolExhausted = errors.New("warehouse: connection pool exhausted")
	ErrTimeout       = errors.New("warehouse: statement timed out")
)

const (
	defaultMaxConns       = 20
	defaultAcquireTimeout = 5 * time.Second
)

// Pool owns the warehouse connection pool.
type Pool struct {
	db             *sql.DB
	acquireTimeout time.Duration
	logger         *slog.Logger
}

// Config tunes the pool. Zero values fall back to defaults.
type Config struct {
	DSN            string
	MaxConns       int
	AcquireTimeout time.Duration
}

// New opens the warehouse pool. The warehouse is Postgres-only:
// session settings and RLS have no SQLite equivalent.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.DSN == "" {
		return nil, errors.New("warehouse: dsn required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open warehouse: %w", err)
	}
	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = defaultMaxConns
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns / 2)
	db.SetConnMaxIdleTime(5 * time.Minute)

	acquire := cfg.AcquireTimeout
	if acquire <= 0 {
		acquire = defaultAcquireTimeout
	}
	return &Pool{db: db, acquireTimeout: acquire, logger: logger}, nil
}

// Ping verifies connectivity.
func (p *Pool) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close drains the pool.
func (p *Pool) Close() error {
	return p.db.Close()
}

// Session is a single warehouse connection scoped to one caller.
// Callers must Close it; the session settings are reset on release so
// the connection returns to the pool unscoped.
type Session struct {
	conn   *sql.Conn
	logger *slog.Logger
}

// Session acquires a connection and pins the caller's role and region
// as session settings. A pool that cannot hand out a connection within
// the acquire timeout returns ErrPoolExhausted.
func (p *Pool) Session(ctx context.Context, role, region string) (*Session, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, p.acquireTimeout)
	defer cancel()

	conn, err := p.db.Conn(acquireCtx)
	if err != nil {
		if acquireCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrPoolExhausted
		}
		return nil, fmt.Errorf("acquire warehouse connection: %w", err)
	}

	// set_config with is_local=false: the setting survives for the
	// session, not just a transaction.
	_, err = conn.ExecContext(ctx,
		`SELECT set_config('app.user_role', $1, false), set_config('app.user_region', $2, false)`,
		role, region)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("scope warehouse session: %w", err)
	}
	return &Session{conn: conn, logger: p.logger}, nil
}

// Result is a fully materialized query result.
type Result struct {
	Columns   []string
	Rows      [][]interface{}
	Truncated bool
}

// Query executes a statement and materializes up to maxRows rows,
// setting Truncated when more were available. Deadline expiry maps to
// ErrTimeout; other driver errors pass through for redaction upstream.
func (s *Session) Query(ctx context.Context, query string, maxRows int, args ...interface{}) (*Result, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, s.mapErr(ctx, err)
	}

	res := &Result{Columns: cols}
	for rows.Next() {
		if maxRows > 0 && len(res.Rows) >= maxRows {
			res.Truncated = true
			break
		}
		vals := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, s.mapErr(ctx, err)
		}
		for i, v := range vals {
			// Drivers hand back []byte for text columns; normalize so
			// results JSON-encode as strings.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, s.mapErr(ctx, err)
	}
	return res, nil
}

// Exec runs a statement that returns no rows (admin DML/DDL) and
// reports the affected-row count.
func (s *Session) Exec(ctx context.Context, query string) (int64, error) {
	res, err := s.conn.ExecContext(ctx, query)
	if err != nil {
		return 0, s.mapErr(ctx, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *Session) mapErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// Close resets the session settings and returns the connection to the
// pool. Reset failures close the underlying connection instead of
// leaking a scoped one back into the pool.
func (s *Session) Close() error {
	_, err := s.conn.ExecContext(context.Background(), `RESET ALL`)
	if err != nil && s.logger != nil {
		s.logger.Warn("warehouse session reset failed, discarding connection", "error", err)
	}
	return s.conn.Close()
}

// identFragment matches quoted identifiers and table-like tokens that
// Postgres error messages embed, e.g. relation "raw.customers".
var identFragment = regexp.MustCompile(`"[^"]*"`)

// RedactError strips identifier fragments from a driver error message
// so schema details never leak to an untrusted caller.
func RedactError(err error) string {
	if err == nil {
		return ""
	}
	return identFragment.ReplaceAllString(err.Error(), `"?"`)
}
