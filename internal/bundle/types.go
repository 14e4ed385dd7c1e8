// Package bundle loads and validates the declarative policy bundle:
// one YAML module per policy layer, a schema catalog, and optional
// operator-authored CEL deny rules. A bundle is immutable once loaded;
// reloads produce a fresh value that the engine swaps in atomically.
package bundle

import "strings"

// Bundle is the parsed, validated rule set for all policy layers.
type Bundle struct {
	RBAC     RBACModule     `yaml:"rbac"`
	Tables   TablesModule   `yaml:"tables"`
	Columns  ColumnsModule  `yaml:"columns"`
	Rows     RowsModule     `yaml:"rows"`
	Approval ApprovalModule `yaml:"approval"`
	Custom   []CustomRule   `yaml:"custom"`
	// Catalog maps qualified table names to their region column, for
	// the constraint applier.
	Catalog map[string]string `yaml:"catalog"`
}

// RBACModule is the role -> allowed-tools matrix.
type RBACModule struct {
	Roles map[string][]string `yaml:"roles" validate:"required,min=1"`
}

// ToolAllowed reports whether the role exists and may call the tool.
func (m *RBACModule) ToolAllowed(role, toolName string) (roleKnown, allowed bool) {
	tools, ok := m.Roles[role]
	if !ok {
		return false, false
	}
	for _, t := range tools {
		if t == toolName {
			return true, true
		}
	}
	return true, false
}

// TablesModule governs schema and table reachability per role.
type TablesModule struct {
	// Schemas is the per-role schema allow-set. A role absent from the
	// map (or mapped to an empty list) reaches no schema at all.
	Schemas map[string][]string `yaml:"schemas" validate:"required"`
	// BlockedTables lists qualified tables a role may never touch even
	// inside an allowed schema.
	BlockedTables map[string][]string `yaml:"blocked_tables"`
	// LimitExemptRoles may run non-aggregate SELECTs without a LIMIT.
	LimitExemptRoles []string `yaml:"limit_exempt_roles"`
	// DMLRoles may run statements other than SELECT.
	DMLRoles []string `yaml:"dml_roles"`
}

// SchemaAllowed reports whether the role's allow-set contains the
// schema. The empty schema (an unqualified table reference) is never
// allowed: it could resolve to any schema, so it fails closed.
func (m *TablesModule) SchemaAllowed(role, schema string) bool {
	if schema == "" {
		return false
	}
	for _, s := range m.Schemas[role] {
		if s == schema {
			return true
		}
	}
	return false
}

// TableBlocked reports whether the qualified table is on the role's
// block list.
func (m *TablesModule) TableBlocked(role, qualified string) bool {
	for _, t := range m.BlockedTables[role] {
		if t == qualified {
			return true
		}
	}
	return false
}

// LimitExempt reports whether the role may omit LIMIT.
func (m *TablesModule) LimitExempt(role string) bool {
	return contains(m.LimitExemptRoles, role)
}

// DMLAllowed reports whether the role may run non-SELECT statements.
func (m *TablesModule) DMLAllowed(role string) bool {
	return contains(m.DMLRoles, role)
}

// ColumnsModule governs sensitive-column access.
type ColumnsModule struct {
	PIIColumns       []string `yaml:"pii_columns" validate:"required,min=1"`
	FinancialColumns []string `yaml:"financial_columns"`
	// PIIAllowedRoles see PII in the clear.
	PIIAllowedRoles []string `yaml:"pii_allowed_roles"`
	// PIIMaskedRoles see PII columns masked with sentinels.
	PIIMaskedRoles []string `yaml:"pii_masked_roles"`
	// FinancialRoles may reference financial columns at all.
	FinancialRoles []string `yaml:"financial_roles"`
}

// PIISet returns the PII columns as a lowercase lookup set.
func (m *ColumnsModule) PIISet() map[string]struct{} {
	return toSet(m.PIIColumns)
}

// FinancialSet returns the financial columns as a lowercase lookup set.
func (m *ColumnsModule) FinancialSet() map[string]struct{} {
	return toSet(m.FinancialColumns)
}

// PIIAllowed reports whether the role sees PII in the clear.
func (m *ColumnsModule) PIIAllowed(role string) bool {
	return contains(m.PIIAllowedRoles, role)
}

// PIIMasked reports whether the role gets PII masked instead of denied.
func (m *ColumnsModule) PIIMasked(role string) bool {
	return contains(m.PIIMaskedRoles, role)
}

// FinancialAllowed reports whether the role may touch financial columns.
func (m *ColumnsModule) FinancialAllowed(role string) bool {
	return contains(m.FinancialRoles, role)
}

// RowsModule governs row-level scoping.
type RowsModule struct {
	// RegionFilterRoles get a region predicate pinned to their identity
	// region.
	RegionFilterRoles []string `yaml:"region_filter_roles"`
}

// RegionFiltered reports whether the role's rows are region-scoped.
func (m *RowsModule) RegionFiltered(role string) bool {
	return contains(m.RegionFilterRoles, role)
}

// ApprovalModule governs the approval triggers.
type ApprovalModule struct {
	// SensitiveSchemas trigger approval for non-exempt roles.
	SensitiveSchemas []string `yaml:"sensitive_schemas"`
	// SensitiveExemptRoles reach sensitive schemas without approval.
	SensitiveExemptRoles []string `yaml:"sensitive_exempt_roles"`
	// LargeRowThreshold triggers approval for declared result sizes
	// strictly above it.
	LargeRowThreshold int64 `yaml:"large_row_threshold" validate:"min=0"`
	// AdminPIIRoles trigger the second-party check when they run SQL
	// over PII columns.
	AdminPIIRoles []string `yaml:"admin_pii_roles"`
}

// SchemaSensitive reports whether the schema triggers approval.
func (m *ApprovalModule) SchemaSensitive(schema string) bool {
	return contains(m.SensitiveSchemas, schema)
}

// SensitiveExempt reports whether the role bypasses the sensitive-schema trigger.
func (m *ApprovalModule) SensitiveExempt(role string) bool {
	return contains(m.SensitiveExemptRoles, role)
}

// AdminPII reports whether the role's PII access needs a second party.
func (m *ApprovalModule) AdminPII(role string) bool {
	return contains(m.AdminPIIRoles, role)
}

// CustomRule is an operator-authored CEL deny rule. A rule whose
// expression evaluates true denies the call with its ID.
type CustomRule struct {
	ID          string `yaml:"id" validate:"required,max=128"`
	Description string `yaml:"description" validate:"max=500"`
	Expression  string `yaml:"expression" validate:"required"`
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

func toSet(xs []string) map[string]struct{} {
	out := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		out[strings.ToLower(x)] = struct{}{}
	}
	return out
}
