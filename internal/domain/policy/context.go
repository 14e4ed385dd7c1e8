package policy

import "context"

// decisionKey is the context key type for policy decisions.
type decisionKey struct{}

// WithDecision stores a policy decision in the context so downstream
// stages (constraint application, audit) can read what was decided.
func WithDecision(ctx context.Context, d *Decision) context.Context {
	return context.WithValue(ctx, decisionKey{}, d)
}

// DecisionFromContext retrieves a policy decision from the context.
// Returns nil if no decision is stored.
func DecisionFromContext(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionKey{}).(*Decision)
	return d
}
