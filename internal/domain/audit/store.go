package audit

import (
	"context"
	"errors"
	"time"
)

// ErrWriteFailed wraps any storage failure. A request whose audit
// entry cannot be written must not return its result.
var ErrWriteFailed = errors.New("audit write failed")

// Store persists audit entries. Append is synchronous: when it
// returns nil the entry is durable.
type Store interface {
	// Append writes one entry. Implementations must not buffer.
	Append(ctx context.Context, e *Entry) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for operator audit queries.
type Filter struct {
	StartTime      time.Time
	EndTime        time.Time
	ExternalUserID string
	ToolName       string
	Status         string
	RequestID      string
	// Limit caps returned rows (default 100).
	Limit int
}

// QueryStore provides read access to the audit trail.
type QueryStore interface {
	// Query returns entries matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]Entry, error)
}
