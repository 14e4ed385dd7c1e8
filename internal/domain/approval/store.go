package approval

import (
	"context"
	"time"
)

// Store persists approval requests. Resolve must be a compare-and-set
// on status so concurrent approvers cannot both win.
type Store interface {
	// Create persists a new pending request.
	Create(ctx context.Context, r *Request) error

	// Get returns a request by approval ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Request, error)

	// GetByRequestID returns the request created for an envelope
	// request ID, or ErrNotFound. Used for idempotent resubmission.
	GetByRequestID(ctx context.Context, requestID string) (*Request, error)

	// Resolve transitions pending -> status atomically. Returns
	// ErrAlreadyDecided when the request is no longer pending.
	Resolve(ctx context.Context, id string, status Status, approverID, reason string, at time.Time) error

	// Expire marks all pending requests whose TokenExpiresAt is before
	// cutoff as expired and returns them.
	Expire(ctx context.Context, cutoff time.Time) ([]Request, error)

	// CountPending returns the number of pending requests, for the
	// pending-approvals gauge.
	CountPending(ctx context.Context) (int, error)
}

// Notifier delivers approval prompts to the approver channel (e.g. a
// chat webhook). Delivery is best effort; failures never block the
// request lifecycle.
type Notifier interface {
	NotifyPending(ctx context.Context, r *Request, token string) error
}
