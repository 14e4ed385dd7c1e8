package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/service"
)

// Dispatcher drives a tool-call envelope to a terminal response.
// Satisfied by *service.Orchestrator.
type Dispatcher interface {
	Handle(ctx context.Context, env *tool.Envelope) (*service.Response, error)
}

// ApprovalDecider applies admin decisions to pending approvals.
// Satisfied by *service.ApprovalService.
type ApprovalDecider interface {
	Submit(ctx context.Context, approvalID string, approver *identity.Identity,
		approve bool, reason, token string) (*service.SubmitResult, error)
}

// IdentityResolver maps external user IDs to identities. Satisfied by
// *service.IdentityService.
type IdentityResolver interface {
	Resolve(ctx context.Context, externalUserID string) (*identity.Identity, error)
}

// AuditReader serves operator audit queries. Satisfied by
// *service.AuditService.
type AuditReader interface {
	Query(ctx context.Context, f audit.Filter) ([]audit.Entry, error)
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error tool.Error `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: tool.Error{Code: code, Message: message}})
}

// httpStatusFor maps gateway error codes to HTTP statuses. A policy
// DENY never reaches this: denials are answers, served as 200.
func httpStatusFor(code string) int {
	switch code {
	case tool.CodeEnvelopeMalformed:
		return http.StatusBadRequest
	case tool.CodeIdentityUnknown,
		tool.CodeApprovalTokenInvalid,
		tool.CodeApprovalTokenExpired:
		return http.StatusUnauthorized
	case tool.CodeApprovalNotAdmin, tool.CodeApprovalSelfApproval:
		return http.StatusForbidden
	case tool.CodeApprovalNotFound, tool.CodeMetricNotFound:
		return http.StatusNotFound
	case tool.CodeExecutorTimeout:
		return http.StatusGatewayTimeout
	case tool.CodeExecutorPoolExhausted:
		return http.StatusServiceUnavailable
	case tool.CodeExecutorDBError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeToolError(w http.ResponseWriter, err error) {
	var coded *tool.Error
	if errors.As(err, &coded) {
		writeJSON(w, httpStatusFor(coded.Code), errorBody{Error: *coded})
		return
	}
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// handleToolCall serves POST /v1/tools/call.
func handleToolCall(dispatcher Dispatcher, metrics *Metrics, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var env tool.Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed, "invalid JSON: "+err.Error())
			return
		}

		// A verified gateway key pins the caller: the envelope may not
		// speak for anyone else.
		if verified, ok := VerifiedUser(r.Context()); ok && verified != env.ExternalUserID {
			writeError(w, http.StatusForbidden, tool.CodeIdentityUnknown,
				"envelope user does not match API key")
			return
		}

		resp, err := dispatcher.Handle(r.Context(), &env)
		if err != nil {
			logger.Warn("tool call failed",
				"request_id", env.RequestID,
				"tool", env.ToolName,
				"error", err,
			)
			writeToolError(w, err)
			return
		}
		if metrics != nil && resp.Decision != "" {
			metrics.PolicyDecisions.WithLabelValues(string(resp.Decision)).Inc()
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// decisionRequest is the approval callback body.
type decisionRequest struct {
	ApprovalID string `json:"approval_id"`
	ApproverID string `json:"approver_id"`
	Decision   string `json:"decision"`
	Reason     string `json:"reason,omitempty"`
	Token      string `json:"token"`
}

// decisionResponse reports the applied decision.
type decisionResponse struct {
	ApprovalID      string       `json:"approval_id"`
	Status          string       `json:"status"`
	AlreadyDecided  bool         `json:"already_decided,omitempty"`
	Executed        bool         `json:"executed,omitempty"`
	Result          *tool.Result `json:"result,omitempty"`
	ExecutionDenied bool         `json:"execution_denied,omitempty"`
	DenyReason      string       `json:"deny_reason,omitempty"`
}

// handleApprovalDecision serves POST /v1/approvals/decision.
func handleApprovalDecision(approvals ApprovalDecider, identities IdentityResolver, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req decisionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed, "invalid JSON: "+err.Error())
			return
		}
		if req.ApprovalID == "" || req.ApproverID == "" || req.Token == "" {
			writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed,
				"approval_id, approver_id, and token are required")
			return
		}
		var approve bool
		switch req.Decision {
		case "approve":
			approve = true
		case "deny":
		default:
			writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed,
				`decision must be "approve" or "deny"`)
			return
		}

		approver, err := identities.Resolve(r.Context(), req.ApproverID)
		if err != nil {
			writeToolError(w, err)
			return
		}

		result, err := approvals.Submit(r.Context(), req.ApprovalID, approver, approve, req.Reason, req.Token)
		if err != nil {
			logger.Warn("approval decision rejected",
				"approval_id", req.ApprovalID,
				"approver", req.ApproverID,
				"error", err,
			)
			writeToolError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, decisionResponse{
			ApprovalID:      req.ApprovalID,
			Status:          string(result.Request.Status),
			AlreadyDecided:  result.AlreadyDecided,
			Executed:        result.Executed,
			Result:          result.Result,
			ExecutionDenied: result.ExecutionDenied,
			DenyReason:      result.DenyReason,
		})
	}
}

// auditEntryView is the wire shape of one audit row.
type auditEntryView struct {
	ID             string                 `json:"id"`
	Timestamp      time.Time              `json:"timestamp"`
	RequestID      string                 `json:"request_id"`
	ExternalUserID string                 `json:"external_user_id"`
	Role           string                 `json:"role"`
	Region         string                 `json:"region,omitempty"`
	ToolName       string                 `json:"tool_name"`
	Status         string                 `json:"status"`
	Decision       string                 `json:"decision,omitempty"`
	Reason         string                 `json:"reason,omitempty"`
	RuleIDs        []string               `json:"rule_ids,omitempty"`
	Constraints    policy.Constraints     `json:"constraints,omitempty"`
	Inputs         map[string]interface{} `json:"inputs,omitempty"`
	ResultSummary  map[string]interface{} `json:"result_summary,omitempty"`
	ApprovalID     string                 `json:"approval_id,omitempty"`
	LatencyMS      int64                  `json:"latency_ms,omitempty"`
	ErrorCode      string                 `json:"error_code,omitempty"`
}

// handleAuditQuery serves GET /v1/audit.
func handleAuditQuery(audits AuditReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f := audit.Filter{
			ExternalUserID: q.Get("external_user_id"),
			ToolName:       q.Get("tool_name"),
			Status:         q.Get("status"),
			RequestID:      q.Get("request_id"),
		}
		if v := q.Get("start_time"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed, "start_time must be RFC 3339")
				return
			}
			f.StartTime = t
		}
		if v := q.Get("end_time"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed, "end_time must be RFC 3339")
				return
			}
			f.EndTime = t
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, tool.CodeEnvelopeMalformed, "limit must be a positive integer")
				return
			}
			f.Limit = n
		}

		entries, err := audits.Query(r.Context(), f)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal", "audit query failed")
			return
		}

		views := make([]auditEntryView, len(entries))
		for i, e := range entries {
			views[i] = auditEntryView{
				ID:             e.ID,
				Timestamp:      e.Timestamp,
				RequestID:      e.RequestID,
				ExternalUserID: e.ExternalUserID,
				Role:           e.Role,
				Region:         e.Region,
				ToolName:       e.ToolName,
				Status:         e.Status,
				Decision:       e.Decision,
				Reason:         e.Reason,
				RuleIDs:        e.RuleIDs,
				Constraints:    e.Constraints,
				Inputs:         e.Inputs,
				ResultSummary:  e.ResultSummary,
				ApprovalID:     e.ApprovalID,
				LatencyMS:      e.LatencyMS,
				ErrorCode:      e.ErrorCode,
			}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"entries": views})
	}
}
