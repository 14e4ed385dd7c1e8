package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/datagate-labs/datagate/internal/domain/approval"
	"github.com/datagate-labs/datagate/internal/domain/policy"
)

// ApprovalStore persists approval requests. Status transitions are
// guarded by an optimistic compare-and-set on the status column so two
// concurrent approvers cannot both resolve the same request.
type ApprovalStore struct {
	db *DB
}

func NewApprovalStore(db *DB) *ApprovalStore {
	return &ApprovalStore{db: db}
}

// Create persists a new pending request.
func (s *ApprovalStore) Create(ctx context.Context, r *approval.Request) error {
	inputs, err := json.Marshal(r.Inputs)
	if err != nil {
		return fmt.Errorf("marshal inputs: %w", err)
	}
	decisionInput, err := json.Marshal(r.DecisionInput)
	if err != nil {
		return fmt.Errorf("marshal decision input: %w", err)
	}
	constraints, err := json.Marshal(r.Constraints)
	if err != nil {
		return fmt.Errorf("marshal constraints: %w", err)
	}

	_, err = s.db.ExecContext(ctx, s.db.rebind(
		`INSERT INTO approval_requests (
			approval_id, request_id, requester_id, requester_role,
			approval_type, tool_name, inputs, decision_input, constraints,
			status, token_expires_at, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.RequestID, r.RequesterID, r.RequesterRole,
		r.ApprovalType, r.ToolName, string(inputs), string(decisionInput), string(constraints),
		string(r.Status), r.TokenExpiresAt.UTC().Format(timeFormat), r.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("create approval request: %w", err)
	}
	return nil
}

// Get returns a request by approval ID.
func (s *ApprovalStore) Get(ctx context.Context, id string) (*approval.Request, error) {
	return s.getWhere(ctx, `approval_id = ?`, id)
}

// GetByRequestID returns the request created for an envelope request ID.
func (s *ApprovalStore) GetByRequestID(ctx context.Context, requestID string) (*approval.Request, error) {
	return s.getWhere(ctx, `request_id = ?`, requestID)
}

func (s *ApprovalStore) getWhere(ctx context.Context, where string, arg interface{}) (*approval.Request, error) {
	row := s.db.QueryRowContext(ctx, s.db.rebind(
		`SELECT approval_id, request_id, requester_id, requester_role,
			approval_type, tool_name, inputs, decision_input, constraints,
			status, token_expires_at, created_at, resolved_at, approver_id, resolution_reason
		FROM approval_requests WHERE `+where+` ORDER BY created_at DESC LIMIT 1`), arg)

	var r approval.Request
	var inputs, decisionInput, constraints, status, expiresAt, createdAt string
	var resolvedAt, approverID, reason sql.NullString
	err := row.Scan(&r.ID, &r.RequestID, &r.RequesterID, &r.RequesterRole,
		&r.ApprovalType, &r.ToolName, &inputs, &decisionInput, &constraints,
		&status, &expiresAt, &createdAt, &resolvedAt, &approverID, &reason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("get approval request: %w", err)
	}

	if err := json.Unmarshal([]byte(inputs), &r.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	r.DecisionInput = &policy.Input{}
	if err := json.Unmarshal([]byte(decisionInput), r.DecisionInput); err != nil {
		return nil, fmt.Errorf("decode decision input: %w", err)
	}
	if err := json.Unmarshal([]byte(constraints), &r.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints: %w", err)
	}
	r.Status = approval.Status(status)
	r.TokenExpiresAt, _ = time.Parse(timeFormat, expiresAt)
	r.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	if resolvedAt.Valid {
		r.ResolvedAt, _ = time.Parse(timeFormat, resolvedAt.String)
	}
	r.ApproverID = approverID.String
	r.ResolutionReason = reason.String
	return &r, nil
}

// Resolve transitions pending -> status with a compare-and-set. A lost
// race (or any non-pending state) returns ErrAlreadyDecided.
func (s *ApprovalStore) Resolve(ctx context.Context, id string, status approval.Status, approverID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.db.rebind(
		`UPDATE approval_requests
		SET status = ?, approver_id = ?, resolution_reason = ?, resolved_at = ?
		WHERE approval_id = ? AND status = 'pending'`),
		string(status), approverID, reason, at.UTC().Format(timeFormat), id)
	if err != nil {
		return fmt.Errorf("resolve approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve approval request: %w", err)
	}
	if n == 0 {
		// Distinguish a decided request from a missing one.
		if _, err := s.Get(ctx, id); errors.Is(err, approval.ErrNotFound) {
			return approval.ErrNotFound
		}
		return approval.ErrAlreadyDecided
	}
	return nil
}

// Expire transitions all pending requests past cutoff to expired and
// returns them for auditing.
func (s *ApprovalStore) Expire(ctx context.Context, cutoff time.Time) ([]approval.Request, error) {
	rows, err := s.db.QueryContext(ctx, s.db.rebind(
		`SELECT approval_id FROM approval_requests
		WHERE status = 'pending' AND token_expires_at < ?`),
		cutoff.UTC().Format(timeFormat))
	if err != nil {
		return nil, fmt.Errorf("find expired approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var expired []approval.Request
	for _, id := range ids {
		// CAS per row: a request approved between the scan and here
		// stays approved.
		err := s.Resolve(ctx, id, approval.StatusExpired, "", "approval token expired", cutoff)
		if errors.Is(err, approval.ErrAlreadyDecided) {
			continue
		}
		if err != nil {
			return expired, err
		}
		r, err := s.Get(ctx, id)
		if err != nil {
			return expired, err
		}
		expired = append(expired, *r)
	}
	return expired, nil
}

// CountPending returns the number of pending requests.
func (s *ApprovalStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM approval_requests WHERE status = 'pending'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending approvals: %w", err)
	}
	return n, nil
}

// Compile-time interface verification.
var _ approval.Store = (*ApprovalStore)(nil)
