package bundle

import (
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

// Default returns the built-in rule set. A bundle directory overrides
// it module by module; modules absent from the directory keep these
// values.
func Default() *Bundle {
	readOnly := []string{tool.NameSearchDocs, tool.NameExplainMetric}
	full := append([]string{tool.NameRunSQL, tool.NameGenerateChart}, readOnly...)

	return &Bundle{
		RBAC: RBACModule{
			Roles: map[string][]string{
				string(identity.RoleIntern):      readOnly,
				string(identity.RoleMarketing):   full,
				string(identity.RoleSales):       full,
				string(identity.RoleDataAnalyst): full,
				string(identity.RoleAdmin):       full,
			},
		},
		Tables: TablesModule{
			Schemas: map[string][]string{
				string(identity.RoleIntern):      {},
				string(identity.RoleMarketing):   {"reporting"},
				string(identity.RoleSales):       {"reporting"},
				// raw is reachable for analysts but gated by the
				// sensitive-schema approval trigger below.
				string(identity.RoleDataAnalyst): {"reporting", "refined", "raw"},
				string(identity.RoleAdmin):       {"reporting", "refined", "raw", "internal"},
			},
			BlockedTables: map[string][]string{
				string(identity.RoleMarketing): {"reporting.user_sessions"},
			},
			LimitExemptRoles: []string{string(identity.RoleDataAnalyst), string(identity.RoleAdmin)},
			DMLRoles:         []string{string(identity.RoleAdmin)},
		},
		Columns: ColumnsModule{
			PIIColumns: []string{
				"email", "phone", "address", "address_line1", "address_line2",
				"contact_name", "card_last_four", "ssn", "tax_id",
			},
			FinancialColumns: []string{"payment_method", "bank_account", "routing_number"},
			PIIAllowedRoles:  []string{string(identity.RoleAdmin), string(identity.RoleDataAnalyst)},
			PIIMaskedRoles:   []string{string(identity.RoleSales), string(identity.RoleMarketing)},
			FinancialRoles:   []string{string(identity.RoleAdmin), string(identity.RoleDataAnalyst), "finance"},
		},
		Rows: RowsModule{
			RegionFilterRoles: []string{string(identity.RoleSales)},
		},
		Approval: ApprovalModule{
			SensitiveSchemas:     []string{"raw"},
			SensitiveExemptRoles: []string{string(identity.RoleAdmin)},
			LargeRowThreshold:    1000,
			AdminPIIRoles:        []string{string(identity.RoleAdmin)},
		},
		Catalog: map[string]string{
			"reporting.customers":  "region",
			"reporting.daily_kpis": "region",
		},
	}
}
