package service

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

// AuditService writes one audit entry per terminal outcome,
// synchronously. The write happens-before the client response: a
// caller that cannot record the outcome must withhold the result, so
// Record returns a coded error instead of swallowing store failures.
type AuditService struct {
	store   audit.Store
	queries audit.QueryStore
	logger  *slog.Logger

	failures atomic.Int64
}

// NewAuditService creates the audit writer. queries may be nil when
// the backing store does not support reads.
func NewAuditService(store audit.Store, queries audit.QueryStore, logger *slog.Logger) *AuditService {
	return &AuditService{store: store, queries: queries, logger: logger}
}

// Record redacts and persists one entry. The entry is mutated in
// place: inputs and result summary are replaced with redacted copies
// so no caller accidentally holds the unredacted row.
func (s *AuditService) Record(ctx context.Context, e *audit.Entry) error {
	e.Inputs = audit.Redact(e.Inputs)
	e.ResultSummary = audit.Redact(e.ResultSummary)
	e.Reason = audit.RedactText(e.Reason)

	if err := s.store.Append(ctx, e); err != nil {
		s.failures.Add(1)
		s.logger.Error("audit write failed",
			"request_id", e.RequestID,
			"tool", e.ToolName,
			"status", e.Status,
			"error", err,
		)
		return tool.NewError(tool.CodeAuditWriteFailed, "audit log unavailable, result withheld")
	}
	return nil
}

// Query returns audit entries for the admin surface.
func (s *AuditService) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	if s.queries == nil {
		return nil, nil
	}
	return s.queries.Query(ctx, f)
}

// Failures returns the count of failed writes, for metrics.
func (s *AuditService) Failures() int64 {
	return s.failures.Load()
}
