package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/datagate-labs/datagate/internal/domain/audit"
)

// timeFormat matches how timestamps are stored across the governance
// tables: RFC3339Nano strings sort correctly in both dialects.
const timeFormat = time.RFC3339Nano

// AuditStore writes audit entries synchronously, one row per call.
type AuditStore struct {
	db *DB
}

func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one entry. The row is durable when this returns nil;
// callers must treat any error as audit.write_failed and withhold the
// tool result.
func (s *AuditStore) Append(ctx context.Context, e *audit.Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	ruleIDs, err := json.Marshal(e.RuleIDs)
	if err != nil {
		return fmt.Errorf("%w: marshal rule ids: %v", audit.ErrWriteFailed, err)
	}
	constraints, err := json.Marshal(e.Constraints)
	if err != nil {
		return fmt.Errorf("%w: marshal constraints: %v", audit.ErrWriteFailed, err)
	}
	inputs, err := json.Marshal(e.Inputs)
	if err != nil {
		return fmt.Errorf("%w: marshal inputs: %v", audit.ErrWriteFailed, err)
	}
	summary, err := json.Marshal(e.ResultSummary)
	if err != nil {
		return fmt.Errorf("%w: marshal result summary: %v", audit.ErrWriteFailed, err)
	}

	_, err = s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO audit_logs (
			log_id, created_at, request_id, external_user_id, role, region,
			tool_name, status, decision, reason, rule_ids, constraints,
			inputs, result_summary, approval_id, latency_ms, error_code
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.Timestamp.UTC().Format(timeFormat), e.RequestID, e.ExternalUserID,
		e.Role, e.Region, e.ToolName, e.Status, e.Decision, e.Reason,
		string(ruleIDs), string(constraints), string(inputs), string(summary),
		e.ApprovalID, e.LatencyMS, e.ErrorCode)
	if err != nil {
		return fmt.Errorf("%w: %v", audit.ErrWriteFailed, err)
	}
	return nil
}

// Close is a no-op; the shared DB handle is closed by its owner.
func (s *AuditStore) Close() error { return nil }

// Query returns entries matching the filter, newest first.
func (s *AuditStore) Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error) {
	query := `SELECT log_id, created_at, request_id, external_user_id, role, region,
		tool_name, status, decision, reason, rule_ids, constraints,
		inputs, result_summary, approval_id, latency_ms, error_code
		FROM audit_logs WHERE 1=1`
	var args []interface{}

	if !f.StartTime.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, f.StartTime.UTC().Format(timeFormat))
	}
	if !f.EndTime.IsZero() {
		query += ` AND created_at <= ?`
		args = append(args, f.EndTime.UTC().Format(timeFormat))
	}
	if f.ExternalUserID != "" {
		query += ` AND external_user_id = ?`
		args = append(args, f.ExternalUserID)
	}
	if f.ToolName != "" {
		query += ` AND tool_name = ?`
		args = append(args, f.ToolName)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.RequestID != "" {
		query += ` AND request_id = ?`
		args = append(args, f.RequestID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var createdAt, ruleIDs, constraints, inputs, summary string
		if err := rows.Scan(&e.ID, &createdAt, &e.RequestID, &e.ExternalUserID,
			&e.Role, &e.Region, &e.ToolName, &e.Status, &e.Decision, &e.Reason,
			&ruleIDs, &constraints, &inputs, &summary,
			&e.ApprovalID, &e.LatencyMS, &e.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.Timestamp, _ = time.Parse(timeFormat, createdAt)
		if err := json.Unmarshal([]byte(ruleIDs), &e.RuleIDs); err != nil {
			return nil, fmt.Errorf("decode rule ids: %w", err)
		}
		if err := json.Unmarshal([]byte(constraints), &e.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints: %w", err)
		}
		if err := json.Unmarshal([]byte(inputs), &e.Inputs); err != nil {
			return nil, fmt.Errorf("decode inputs: %w", err)
		}
		if err := json.Unmarshal([]byte(summary), &e.ResultSummary); err != nil {
			return nil, fmt.Errorf("decode result summary: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Compile-time interface verification.
var (
	_ audit.Store      = (*AuditStore)(nil)
	_ audit.QueryStore = (*AuditStore)(nil)
)
