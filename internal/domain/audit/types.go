// Package audit contains domain types for the dispatch audit trail.
package audit

import (
	"time"

	"github.com/datagate-labs/datagate/internal/domain/policy"
)

// Status values recorded per terminal request outcome.
const (
	StatusAllowed          = "allowed"
	StatusDenied           = "denied"
	StatusApprovalPending  = "approval_pending"
	StatusApprovalApproved = "approval_approved"
	StatusApprovalDenied   = "approval_denied"
	StatusApprovalExpired  = "approval_expired"
	StatusError            = "error"
)

// Entry is one audit row. Exactly one entry is written per terminal
// outcome, and the write completes before the caller sees a response.
type Entry struct {
	// ID is a server-assigned UUID.
	ID string
	// Timestamp is when the outcome was reached (UTC).
	Timestamp time.Time
	// RequestID is the envelope idempotency key, correlating retries
	// and approval resumption with the original call.
	RequestID string
	// ExternalUserID and Role identify the caller at decision time.
	ExternalUserID string
	Role           string
	Region         string
	// ToolName is the tool that was requested.
	ToolName string
	// Status is one of the Status* constants.
	Status string
	// Decision is the policy outcome (ALLOW/DENY/REQUIRE_APPROVAL),
	// empty for pre-policy errors.
	Decision string
	// Reason and RuleIDs come from the policy decision or the error.
	Reason  string
	RuleIDs []string
	// Constraints applied at execution time.
	Constraints policy.Constraints
	// Inputs are the redacted tool inputs. The SQL query text is kept
	// verbatim inside Inputs["query"]; query text is operator-facing
	// and redacting it would destroy replayability.
	Inputs map[string]interface{}
	// ResultSummary is a redacted sketch of the output: row counts,
	// column names, doc IDs. Never raw result cells.
	ResultSummary map[string]interface{}
	// ApprovalID links entries produced by the approval lifecycle.
	ApprovalID string
	// LatencyMS is tool execution time, zero when nothing executed.
	LatencyMS int64
	// ErrorCode is the machine-readable error (executor.timeout,
	// audit.write_failed never appears here for obvious reasons).
	ErrorCode string
}
