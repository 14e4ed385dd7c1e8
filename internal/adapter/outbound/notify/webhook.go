// Package notify delivers approval prompts to an operator channel via
// an outbound webhook. Delivery is best effort: the approval request
// is already durable by the time a notification is attempted.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/datagate-labs/datagate/internal/domain/approval"
)

const defaultTimeout = 10 * time.Second

// WebhookNotifier posts a JSON payload per pending approval.
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhookNotifier(url string, logger *slog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: defaultTimeout},
		logger: logger,
	}
}

// payload is the webhook body. The token is included so the approver
// channel can render an approve/deny link; the raw inputs are not.
type payload struct {
	ApprovalID   string    `json:"approval_id"`
	RequestID    string    `json:"request_id"`
	Requester    string    `json:"requester"`
	Role         string    `json:"role"`
	ApprovalType string    `json:"approval_type"`
	ToolName     string    `json:"tool_name"`
	Prompt       string    `json:"prompt"`
	Token        string    `json:"token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// NotifyPending posts the approval prompt. Non-2xx responses are
// errors; callers treat any error as a logged, non-fatal event.
func (n *WebhookNotifier) NotifyPending(ctx context.Context, r *approval.Request, token string) error {
	body, err := json.Marshal(payload{
		ApprovalID:   r.ID,
		RequestID:    r.RequestID,
		Requester:    r.RequesterID,
		Role:         r.RequesterRole,
		ApprovalType: r.ApprovalType,
		ToolName:     r.ToolName,
		Prompt:       renderPrompt(r),
		Token:        token,
		ExpiresAt:    r.TokenExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notification rejected: %s", resp.Status)
	}
	n.logger.Debug("approval notification delivered", "approval_id", r.ID)
	return nil
}

// renderPrompt builds the human-readable line shown to approvers.
func renderPrompt(r *approval.Request) string {
	return fmt.Sprintf("%s (%s) requests %s approval for %s",
		r.RequesterID, r.RequesterRole, r.ApprovalType, r.ToolName)
}

// Compile-time interface verification.
var _ approval.Notifier = (*WebhookNotifier)(nil)
