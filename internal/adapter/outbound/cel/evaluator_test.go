package cel

import (
	"strings"
	"testing"

	"github.com/datagate-labs/datagate/internal/domain/policy"
)

func newTestEvaluator(t *testing.T) *Evaluator {
	t.Helper()
	e, err := NewEvaluator()
	if err != nil {
		t.Fatalf("NewEvaluator() error = %v", err)
	}
	return e
}

func TestEvaluateMatchesInput(t *testing.T) {
	e := newTestEvaluator(t)

	tests := []struct {
		name string
		expr string
		in   policy.Input
		want bool
	}{
		{
			"role match",
			`role == "marketing" && tool == "run_sql"`,
			policy.Input{Role: "marketing", Tool: "run_sql"},
			true,
		},
		{
			"schema membership",
			`"raw" in schemas`,
			policy.Input{Tables: []policy.TableRef{{Schema: "raw", Table: "customers"}}},
			true,
		},
		{
			"column scan",
			`columns.exists(c, c == "ssn")`,
			policy.Input{Columns: []string{"mrr", "ssn"}},
			true,
		},
		{
			"no match",
			`query_type == "ddl"`,
			policy.Input{QueryType: policy.QuerySelect},
			false,
		},
		{
			"row count threshold",
			`row_count > 5000`,
			policy.Input{RowCount: 100},
			false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prg, err := e.Compile(tt.expr)
			if err != nil {
				t.Fatalf("Compile(%q) error = %v", tt.expr, err)
			}
			got, err := e.Evaluate(prg, &tt.in)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestValidateExpression(t *testing.T) {
	e := newTestEvaluator(t)

	if err := e.ValidateExpression(`role == "admin"`); err != nil {
		t.Errorf("valid expression rejected: %v", err)
	}
	if err := e.ValidateExpression(""); err == nil {
		t.Error("empty expression accepted")
	}
	if err := e.ValidateExpression(`role == `); err == nil {
		t.Error("syntax error accepted")
	}
	if err := e.ValidateExpression(`nonexistent_var == 1`); err == nil {
		t.Error("unknown variable accepted")
	}
	if err := e.ValidateExpression(strings.Repeat("a", maxExpressionLength+1)); err == nil {
		t.Error("oversized expression accepted")
	}
	deep := strings.Repeat("(", maxNestingDepth+1) + "true" + strings.Repeat(")", maxNestingDepth+1)
	if err := e.ValidateExpression(deep); err == nil {
		t.Error("deeply nested expression accepted")
	}
}

func TestEvaluateNonBooleanResult(t *testing.T) {
	e := newTestEvaluator(t)
	prg, err := e.Compile(`role`)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if _, err := e.Evaluate(prg, &policy.Input{Role: "admin"}); err == nil {
		t.Error("non-boolean expression result accepted")
	}
}
