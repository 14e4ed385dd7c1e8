package bundle

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type acceptAll struct{}

func (acceptAll) ValidateExpression(string) error { return nil }

type rejectAll struct{}

func (rejectAll) ValidateExpression(string) error { return errors.New("bad expression") }

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadDefaults(t *testing.T) {
	b, err := Load("", acceptAll{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if known, allowed := b.RBAC.ToolAllowed("intern", "run_sql"); !known || allowed {
		t.Errorf("intern/run_sql = (%v, %v), want (true, false)", known, allowed)
	}
	if known, allowed := b.RBAC.ToolAllowed("sales", "run_sql"); !known || !allowed {
		t.Errorf("sales/run_sql = (%v, %v), want (true, true)", known, allowed)
	}
	if known, _ := b.RBAC.ToolAllowed("pirate", "run_sql"); known {
		t.Error("unknown role should not be known")
	}

	if b.Tables.SchemaAllowed("marketing", "raw") {
		t.Error("marketing must not reach raw")
	}
	if !b.Tables.SchemaAllowed("data_analyst", "refined") {
		t.Error("data_analyst must reach refined")
	}
	if b.Tables.SchemaAllowed("admin", "") {
		t.Error("empty schema must fail closed even for admin")
	}
	if !b.Tables.TableBlocked("marketing", "reporting.user_sessions") {
		t.Error("marketing block list missing user_sessions")
	}

	if _, ok := b.Columns.PIISet()["email"]; !ok {
		t.Error("email missing from PII set")
	}
	if !b.Rows.RegionFiltered("sales") {
		t.Error("sales must be region filtered")
	}
	if !b.Approval.SchemaSensitive("raw") {
		t.Error("raw must be a sensitive schema")
	}
	if b.Catalog["reporting.customers"] != "region" {
		t.Errorf("catalog missing reporting.customers: %v", b.Catalog)
	}
}

func TestLoadOverlay(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tables.yaml", `
schemas:
  marketing: [reporting, refined]
limit_exempt_roles: [admin]
`)
	writeFile(t, dir, "custom.yaml", `
rules:
  - id: custom.no_ddl_ever
    description: belt and suspenders
    expression: query_type == "ddl"
`)

	b, err := Load(dir, acceptAll{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !b.Tables.SchemaAllowed("marketing", "refined") {
		t.Error("overlay did not widen marketing schemas")
	}
	if b.Tables.LimitExempt("data_analyst") {
		t.Error("overlay did not replace limit-exempt roles")
	}
	// Modules without files keep defaults.
	if known, allowed := b.RBAC.ToolAllowed("intern", "search_docs"); !known || !allowed {
		t.Error("default rbac module lost")
	}
	if len(b.Custom) != 1 || b.Custom[0].ID != "custom.no_ddl_ever" {
		t.Errorf("custom rules = %+v", b.Custom)
	}
}

func TestLoadRejectsUnknownTool(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "rbac.yaml", `
roles:
  admin: [run_sql, launch_missiles]
`)
	if _, err := Load(dir, acceptAll{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "tables.yaml", `
schemass:
  marketing: [reporting]
`)
	if _, err := Load(dir, acceptAll{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoadRejectsBadExpression(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "custom.yaml", `
rules:
  - id: custom.broken
    expression: "this is not CEL ((("
`)
	if _, err := Load(dir, rejectAll{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoadRejectsDuplicateRuleIDs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "custom.yaml", `
rules:
  - id: custom.dup
    expression: "true"
  - id: custom.dup
    expression: "false"
`)
	if _, err := Load(dir, acceptAll{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}

func TestLoadRejectsUnqualifiedCatalogKey(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "catalog.yaml", `
region_columns:
  customers: region
`)
	if _, err := Load(dir, acceptAll{}); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load() error = %v, want ErrInvalid", err)
	}
}
