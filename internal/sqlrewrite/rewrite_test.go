package sqlrewrite

import (
	"strings"
	"testing"

	"github.com/datagate-labs/datagate/internal/domain/policy"
)

func testCatalog() Catalog {
	return Catalog{
		"reporting.customers":  "region",
		"reporting.daily_kpis": "region",
	}
}

func TestApplyRegionFilterWithWhere(t *testing.T) {
	a := NewApplier(testCatalog())
	query := "SELECT region, mrr FROM reporting.customers WHERE status = 'active' LIMIT 100"
	tables := []policy.TableRef{{Schema: "reporting", Table: "customers"}}

	got, changed, err := a.ApplyRegionFilter(query, tables, "NA")
	if err != nil {
		t.Fatalf("ApplyRegionFilter() error = %v", err)
	}
	if !changed {
		t.Fatal("expected rewrite")
	}
	if !strings.Contains(got, "AND region = 'NA'") {
		t.Errorf("missing AND predicate: %q", got)
	}
	if !strings.Contains(got, "LIMIT 100") {
		t.Errorf("LIMIT clause lost: %q", got)
	}
	if idx := strings.Index(got, "region = 'NA'"); idx > strings.Index(got, "LIMIT") {
		t.Errorf("predicate landed after LIMIT: %q", got)
	}
}

func TestApplyRegionFilterWithoutWhere(t *testing.T) {
	a := NewApplier(testCatalog())
	query := "SELECT region, mrr FROM reporting.customers LIMIT 10"
	tables := []policy.TableRef{{Schema: "reporting", Table: "customers"}}

	got, changed, err := a.ApplyRegionFilter(query, tables, "EMEA")
	if err != nil {
		t.Fatalf("ApplyRegionFilter() error = %v", err)
	}
	if !changed {
		t.Fatal("expected rewrite")
	}
	if !strings.Contains(got, "WHERE region = 'EMEA'") {
		t.Errorf("missing WHERE predicate: %q", got)
	}
}

func TestApplyRegionFilterNoCatalogTable(t *testing.T) {
	a := NewApplier(testCatalog())
	query := "SELECT id FROM reporting.orders LIMIT 10"
	tables := []policy.TableRef{{Schema: "reporting", Table: "orders"}}

	got, changed, err := a.ApplyRegionFilter(query, tables, "NA")
	if err != nil {
		t.Fatalf("ApplyRegionFilter() error = %v", err)
	}
	if changed || got != query {
		t.Errorf("uncatalogued table must not be rewritten: %q", got)
	}
}

func TestApplyRegionFilterRejectsBadRegion(t *testing.T) {
	a := NewApplier(testCatalog())
	tables := []policy.TableRef{{Schema: "reporting", Table: "customers"}}
	if _, _, err := a.ApplyRegionFilter("SELECT 1 FROM reporting.customers", tables, "NA' OR '1'='1"); err == nil {
		t.Fatal("expected error for malformed region value")
	}
}

func TestEnsureLimit(t *testing.T) {
	a := NewApplier(nil)
	tests := []struct {
		name        string
		query       string
		wantChanged bool
	}{
		{"absent", "SELECT id FROM reporting.orders", true},
		{"present", "SELECT id FROM reporting.orders LIMIT 50", false},
		{"nested only", "SELECT x FROM (SELECT id AS x FROM reporting.orders LIMIT 5) s", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed, err := a.EnsureLimit(tt.query, 1000)
			if err != nil {
				t.Fatalf("EnsureLimit() error = %v", err)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v (%q)", changed, tt.wantChanged, got)
			}
			if tt.wantChanged && !strings.HasSuffix(got, "LIMIT 1000") {
				t.Errorf("missing injected limit: %q", got)
			}
		})
	}
}

func TestMaskRows(t *testing.T) {
	rows := []map[string]interface{}{
		{"email": "alice@example.com", "phone": "555-123-4567", "mrr": 42},
		{"email": "bob@example.com", "card_last_four": "1234", "ssn": "123-45-6789"},
	}
	MaskRows(rows, []string{"email", "phone", "card_last_four", "ssn"})

	if rows[0]["email"] != "***@***.***" {
		t.Errorf("email = %v", rows[0]["email"])
	}
	if rows[0]["phone"] != "***-***-****" {
		t.Errorf("phone = %v", rows[0]["phone"])
	}
	if rows[0]["mrr"] != 42 {
		t.Errorf("unmasked column touched: %v", rows[0]["mrr"])
	}
	if rows[1]["card_last_four"] != "****" {
		t.Errorf("card_last_four = %v", rows[1]["card_last_four"])
	}
	if rows[1]["ssn"] != "***" {
		t.Errorf("ssn = %v", rows[1]["ssn"])
	}
}
