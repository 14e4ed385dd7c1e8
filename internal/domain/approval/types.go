// Package approval contains domain types for the human-approval workflow.
package approval

import (
	"errors"
	"time"

	"github.com/datagate-labs/datagate/internal/domain/policy"
)

// Status is the lifecycle state of an approval request.
// pending -> approved | denied | expired; terminal states are final.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status admits no further transition.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusDenied || s == StatusExpired
}

// Sentinel errors for the approval workflow.
var (
	ErrNotFound       = errors.New("approval request not found")
	ErrTokenInvalid   = errors.New("approval token invalid")
	ErrTokenExpired   = errors.New("approval token expired")
	ErrNotAdmin       = errors.New("approver must be an admin")
	ErrSelfApproval   = errors.New("requester cannot approve their own request")
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Request is a persisted approval request. The envelope inputs and the
// decision input are frozen at creation; a later approval executes
// exactly what was originally asked, re-checked against whatever rule
// set is active at approval time.
type Request struct {
	// ID is a server-assigned UUID.
	ID string
	// RequestID is the originating envelope's idempotency key.
	RequestID string
	// RequesterID and RequesterRole capture the caller at request time.
	RequesterID   string
	RequesterRole string
	// ApprovalType names the trigger (sensitive_schema, large_data,
	// admin_pii).
	ApprovalType string
	// ToolName and Inputs are the frozen envelope.
	ToolName string
	Inputs   map[string]interface{}
	// DecisionInput is the frozen analyzer output the policy engine
	// evaluated. Re-evaluation on approval reuses this, not a re-parse.
	DecisionInput *policy.Input
	// Constraints from the original decision, reapplied on execution.
	Constraints policy.Constraints

	Status Status
	// TokenExpiresAt bounds both the token and the request itself.
	TokenExpiresAt time.Time
	CreatedAt      time.Time
	// ResolvedAt, ApproverID, ResolutionReason are set on resolution.
	ResolvedAt       time.Time
	ApproverID       string
	ResolutionReason string
}
