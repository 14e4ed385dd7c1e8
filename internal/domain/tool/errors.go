package tool

import "errors"

// Machine-readable error codes carried on the wire and in audit rows.
const (
	CodeEnvelopeMalformed = "envelope.malformed"
	CodeIdentityUnknown   = "identity.unknown"
	CodeAnalyzerParse     = "analyzer.parse_error"

	CodePolicyDenied          = "policy.denied"
	CodePolicyRequireApproval = "policy.require_approval"
	CodeBundleInvalid         = "policy.bundle_invalid"

	CodeExecutorTimeout       = "executor.timeout"
	CodeExecutorDBError       = "executor.db_error"
	CodeExecutorPoolExhausted = "executor.pool_exhausted"

	CodeMetricNotFound = "metric.not_found"

	CodeAuditWriteFailed = "audit.write_failed"

	CodeApprovalTokenInvalid   = "approval.token_invalid"
	CodeApprovalTokenExpired   = "approval.token_expired"
	CodeApprovalNotAdmin       = "approval.not_admin"
	CodeApprovalSelfApproval   = "approval.self_approval"
	CodeApprovalAlreadyDecided = "approval.already_decided"
	CodeApprovalNotFound       = "approval.not_found"
)

// Error is a coded gateway error. The code is stable API; the message
// is operator-readable and already redacted where it embeds driver
// output.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// NewError builds a coded error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// CodeOf extracts the code from an error, or "" for uncoded errors.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
