package policy

import "context"

// Engine evaluates a decision input against the active rule snapshot.
type Engine interface {
	// Evaluate returns the aggregated decision for an input. An error
	// means the engine could not evaluate (bad snapshot, evaluator
	// failure); callers must treat it as a denial.
	Evaluate(ctx context.Context, in *Input) (*Decision, error)

	// EvaluateAccess runs only the access layers (rbac, tables,
	// columns, custom, rows) and skips approval triggers. Used when an
	// approved request is re-checked before execution: the approval
	// grant satisfies the trigger, but a tightened rule set must still
	// be able to refuse.
	EvaluateAccess(ctx context.Context, in *Input) (*Decision, error)
}
