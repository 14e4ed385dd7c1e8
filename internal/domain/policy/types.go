// Package policy contains domain types for layered tool-call authorization.
package policy

import (
	"sort"
	"strings"
)

// Outcome is the aggregated result of evaluating all policy layers.
type Outcome string

const (
	// OutcomeAllow permits the tool call, possibly under constraints.
	OutcomeAllow Outcome = "ALLOW"
	// OutcomeDeny refuses the tool call.
	OutcomeDeny Outcome = "DENY"
	// OutcomeRequireApproval suspends the tool call pending an admin decision.
	OutcomeRequireApproval Outcome = "REQUIRE_APPROVAL"
)

// Layer names, in evaluation (and deny-precedence) order.
const (
	LayerRBAC     = "rbac"
	LayerTables   = "tables"
	LayerColumns  = "columns"
	LayerCustom   = "custom"
	LayerRows     = "rows"
	LayerApproval = "approval"
)

// Rule IDs emitted by the built-in layers.
const (
	RuleRBACInvalidRole = "rbac.invalid_role"
	RuleRBACToolDenied  = "rbac.tool_denied"

	RuleTablesSchemaDenied    = "tables.schema_denied"
	RuleTablesQueryTypeDenied = "tables.query_type_denied"
	RuleTablesLimitRequired   = "tables.limit_required"

	RuleColumnsPIIAccess       = "columns.pii_access"
	RuleColumnsPIIMasked       = "columns.pii_masked"
	RuleColumnsPIIDenied       = "columns.pii_denied"
	RuleColumnsFinancialDenied = "columns.financial_denied"

	RuleRowsSalesRegionFilter = "rows.sales_region_filter"

	RuleApprovalSensitiveSchema = "approval.sensitive_schema"
	RuleApprovalLargeData       = "approval.large_data"
	RuleApprovalAdminPII        = "approval.admin_pii"

	RuleAnalyzerParseError = "analyzer.parse_error"
)

// QueryType is the statement class reported by the SQL analyzer.
type QueryType string

const (
	QuerySelect  QueryType = "select"
	QueryInsert  QueryType = "insert"
	QueryUpdate  QueryType = "update"
	QueryDelete  QueryType = "delete"
	QueryDDL     QueryType = "ddl"
	QueryUnknown QueryType = "unknown"
)

// TableRef is a schema-qualified table reference. An unqualified
// reference carries an empty Schema and fails closed in the tables layer.
type TableRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

func (t TableRef) String() string {
	if t.Schema == "" {
		return t.Table
	}
	return t.Schema + "." + t.Table
}

// Input is everything a decision depends on. Evaluation is a pure
// function of this value plus the active rule snapshot: same input,
// same snapshot, same decision.
type Input struct {
	Role   string `json:"role"`
	Region string `json:"region"`
	Tool   string `json:"tool"`

	// SQL shape, present only for run_sql. Tables and Columns are the
	// analyzer's over-approximation of what the statement may touch.
	Tables    []TableRef `json:"tables,omitempty"`
	Columns   []string   `json:"columns,omitempty"`
	QueryType QueryType  `json:"query_type,omitempty"`
	HasLimit  bool       `json:"has_limit,omitempty"`
	Aggregate bool       `json:"aggregate,omitempty"`

	// RowCount is the caller-declared expected result size. Zero means
	// undeclared.
	RowCount int64 `json:"row_count,omitempty"`
}

// Schemas returns the distinct schemas referenced by the input, sorted.
func (in *Input) Schemas() []string {
	seen := make(map[string]struct{}, len(in.Tables))
	for _, t := range in.Tables {
		seen[t.Schema] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Constraints are execution-time obligations attached to an ALLOW or
// REQUIRE_APPROVAL decision. Each layer writes disjoint fields, so
// merging is field-wise.
type Constraints struct {
	// RegionFilter pins result rows to the caller's region.
	RegionFilter string `json:"region_filter,omitempty"`
	// MaskedColumns lists result columns whose values must be replaced
	// with mask sentinels before the caller sees them.
	MaskedColumns []string `json:"masked_columns,omitempty"`
	// ApprovalType names the approval trigger when the outcome is
	// REQUIRE_APPROVAL.
	ApprovalType string `json:"approval_type,omitempty"`
}

// IsZero reports whether no constraint is set.
func (c Constraints) IsZero() bool {
	return c.RegionFilter == "" && len(c.MaskedColumns) == 0 && c.ApprovalType == ""
}

// merge folds another layer's constraints in. Layers own disjoint
// fields; a second writer to the same field indicates a bundle bug and
// the later value wins.
func (c Constraints) merge(o Constraints) Constraints {
	if o.RegionFilter != "" {
		c.RegionFilter = o.RegionFilter
	}
	if len(o.MaskedColumns) > 0 {
		c.MaskedColumns = o.MaskedColumns
	}
	if o.ApprovalType != "" {
		c.ApprovalType = o.ApprovalType
	}
	return c
}

// LayerResult is one layer's verdict on an input.
type LayerResult struct {
	// Allowed is false only for hard denials. Approval triggers keep
	// Allowed true and set RequiresApproval.
	Allowed bool
	// RequiresApproval is set by the approval layer when the call must
	// suspend for an admin decision.
	RequiresApproval bool
	// RuleIDs are the rules that matched, allow or deny.
	RuleIDs []string
	// Reason is a short operator-readable explanation, set on denials
	// and approval triggers.
	Reason string
	// Constraints are obligations this layer attaches.
	Constraints Constraints
}

// Decision is the aggregated outcome across all layers.
type Decision struct {
	Outcome     Outcome     `json:"outcome"`
	Reason      string      `json:"reason,omitempty"`
	RuleIDs     []string    `json:"rule_ids,omitempty"`
	Constraints Constraints `json:"constraints,omitempty"`
}

// Aggregate folds per-layer results (in layer order) into a decision.
//
// ALLOW requires every layer to allow and none to require approval.
// REQUIRE_APPROVAL requires every layer to allow with at least one
// approval trigger. Any hard denial yields DENY with the first failing
// layer's reason; rule IDs from all layers are concatenated either way.
func Aggregate(results []LayerResult) *Decision {
	d := &Decision{Outcome: OutcomeAllow}
	needsApproval := false
	for _, r := range results {
		d.RuleIDs = append(d.RuleIDs, r.RuleIDs...)
		d.Constraints = d.Constraints.merge(r.Constraints)
		if !r.Allowed && d.Outcome != OutcomeDeny {
			d.Outcome = OutcomeDeny
			d.Reason = r.Reason
		}
		if r.RequiresApproval {
			needsApproval = true
			if d.Reason == "" {
				d.Reason = r.Reason
			}
		}
	}
	if d.Outcome == OutcomeDeny {
		// Constraints are meaningless on a refusal.
		d.Constraints = Constraints{}
		return d
	}
	if needsApproval {
		d.Outcome = OutcomeRequireApproval
	}
	return d
}

// Denied returns a standalone deny decision, used for analyzer parse
// failures and fail-closed layer errors.
func Denied(reason string, ruleIDs ...string) *Decision {
	return &Decision{Outcome: OutcomeDeny, Reason: reason, RuleIDs: ruleIDs}
}

// ContainsAny reports whether any of the needles appears in haystack,
// comparing case-insensitively. Column matching across the layers goes
// through this helper so casing never widens access.
func ContainsAny(haystack []string, needles map[string]struct{}) []string {
	var hits []string
	for _, h := range haystack {
		if _, ok := needles[strings.ToLower(h)]; ok {
			hits = append(hits, strings.ToLower(h))
		}
	}
	return hits
}
