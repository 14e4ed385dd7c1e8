// Package cel provides a CEL-based evaluator for operator-authored
// deny rules in the policy bundle.
package cel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/datagate-labs/datagate/internal/domain/policy"
)

// maxExpressionLength is the maximum allowed length for rule expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit to prevent cost-exhaustion DoS.
const maxCostBudget = 100_000

// maxNestingDepth is the maximum allowed parenthesis/bracket nesting depth.
const maxNestingDepth = 50

// evalTimeout is the maximum time allowed for a single evaluation.
const evalTimeout = 5 * time.Second

// interruptCheckFreq is how often (in comprehension iterations) context cancellation is checked.
const interruptCheckFreq = 100

// Evaluator compiles and evaluates CEL expressions over decision inputs.
type Evaluator struct {
	env *cel.Env
}

// newDecisionEnvironment declares the variables a rule expression may
// reference. They mirror the decision input fed to the built-in layers.
func newDecisionEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("role", cel.StringType),
		cel.Variable("region", cel.StringType),
		cel.Variable("tool", cel.StringType),
		cel.Variable("query_type", cel.StringType),
		cel.Variable("has_limit", cel.BoolType),
		cel.Variable("aggregate", cel.BoolType),
		cel.Variable("row_count", cel.IntType),
		cel.Variable("schemas", cel.ListType(cel.StringType)),
		cel.Variable("tables", cel.ListType(cel.StringType)),
		cel.Variable("columns", cel.ListType(cel.StringType)),
	)
}

// NewEvaluator creates an evaluator with the decision environment.
func NewEvaluator() (*Evaluator, error) {
	env, err := newDecisionEnvironment()
	if err != nil {
		return nil, fmt.Errorf("failed to create decision environment: %w", err)
	}
	return &Evaluator{env: env}, nil
}

// Compile parses and type-checks an expression, returning a compiled program.
func (e *Evaluator) Compile(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}

	prg, err := e.env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
		cel.InterruptCheckFrequency(interruptCheckFreq),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}

	return prg, nil
}

// validateNesting checks that the expression does not exceed the
// maximum allowed nesting depth for parentheses, brackets, and braces.
func validateNesting(expr string) error {
	var depth, maxDepth int
	for _, ch := range expr {
		switch ch {
		case '(', '[', '{':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case ')', ']', '}':
			depth--
		}
	}
	if maxDepth > maxNestingDepth {
		return fmt.Errorf("expression nesting too deep: %d levels (max %d)", maxDepth, maxNestingDepth)
	}
	return nil
}

// ValidateExpression checks that an expression is syntactically valid
// and within the safety limits before a bundle is activated.
func (e *Evaluator) ValidateExpression(expr string) error {
	if len(expr) > maxExpressionLength {
		return fmt.Errorf("expression too long: %d characters (max %d)", len(expr), maxExpressionLength)
	}

	if expr == "" {
		return errors.New("expression is empty")
	}

	if err := validateNesting(expr); err != nil {
		return err
	}

	if _, err := e.Compile(expr); err != nil {
		return fmt.Errorf("invalid CEL expression: %w", err)
	}

	return nil
}

// BuildActivation maps a decision input to CEL variables.
func BuildActivation(in *policy.Input) map[string]interface{} {
	tables := make([]string, 0, len(in.Tables))
	for _, t := range in.Tables {
		tables = append(tables, t.String())
	}
	return map[string]interface{}{
		"role":       in.Role,
		"region":     in.Region,
		"tool":       in.Tool,
		"query_type": string(in.QueryType),
		"has_limit":  in.HasLimit,
		"aggregate":  in.Aggregate,
		"row_count":  in.RowCount,
		"schemas":    in.Schemas(),
		"tables":     tables,
		"columns":    in.Columns,
	}
}

// Evaluate runs a compiled program against a decision input. Returns
// true when the rule matches (and should deny). Evaluation is bounded
// by a timeout so a pathological expression cannot hang a request.
func (e *Evaluator) Evaluate(prg cel.Program, in *policy.Input) (bool, error) {
	activation := BuildActivation(in)

	ctx, cancel := context.WithTimeout(context.Background(), evalTimeout)
	defer cancel()

	result, _, err := prg.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation failed: %w", err)
	}

	boolResult, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("expression did not return a boolean, got %T", result.Value())
	}

	return boolResult, nil
}
