package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/datagate-labs/datagate/internal/adapter/outbound/warehouse"
	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

type stubCatalog map[string]string

func (c stubCatalog) Catalog() map[string]string { return c }

type fakeSession struct {
	lastQuery   string
	lastMaxRows int
	lastArgs    []interface{}
	execQuery   string

	result   *warehouse.Result
	affected int64
	err      error
	closed   bool
}

func (s *fakeSession) Query(_ context.Context, query string, maxRows int, args ...interface{}) (*warehouse.Result, error) {
	s.lastQuery = query
	s.lastMaxRows = maxRows
	s.lastArgs = args
	if s.err != nil {
		return nil, s.err
	}
	if s.result == nil {
		return &warehouse.Result{}, nil
	}
	return s.result, nil
}

func (s *fakeSession) Exec(_ context.Context, query string) (int64, error) {
	s.execQuery = query
	return s.affected, s.err
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeWarehouse struct {
	session    *fakeSession
	sessionErr error
	role       string
	region     string
}

func (w *fakeWarehouse) Session(_ context.Context, role, region string) (Session, error) {
	w.role, w.region = role, region
	if w.sessionErr != nil {
		return nil, w.sessionErr
	}
	return w.session, nil
}

func newTestExecutor(sess *fakeSession) (*Executor, *fakeWarehouse) {
	wh := &fakeWarehouse{session: sess}
	catalog := stubCatalog{"reporting.customers": "region", "reporting.daily_kpis": "region"}
	return New(wh, catalog, Config{}, nil), wh
}

func TestRunSQLRegionFilterAndMasking(t *testing.T) {
	sess := &fakeSession{result: &warehouse.Result{
		Columns: []string{"name", "email"},
		Rows: [][]interface{}{
			{"Acme", "ops@acme.example"},
			{"Globex", "it@globex.example"},
		},
	}}
	ex, wh := newTestExecutor(sess)

	res, err := ex.RunSQL(context.Background(), SQLRequest{
		Role:      "sales",
		Region:    "NA",
		Query:     "SELECT name, email FROM reporting.customers LIMIT 10",
		QueryType: policy.QuerySelect,
		Tables:    []policy.TableRef{{Schema: "reporting", Table: "customers"}},
		Constraints: policy.Constraints{
			RegionFilter:  "NA",
			MaskedColumns: []string{"email"},
		},
	})
	if err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}

	if !strings.Contains(sess.lastQuery, "WHERE region = 'NA'") {
		t.Errorf("region predicate missing: %q", sess.lastQuery)
	}
	if wh.role != "sales" || wh.region != "NA" {
		t.Errorf("session scoped to %s/%s", wh.role, wh.region)
	}
	for _, row := range res.Rows {
		if row["email"] != "***@***.***" {
			t.Errorf("email not masked: %v", row["email"])
		}
		if row["name"] == "***" {
			t.Error("unmasked column overwritten")
		}
	}
	if !sess.closed {
		t.Error("session not released")
	}
}

func TestRunSQLAppendsLimitSafetyNet(t *testing.T) {
	sess := &fakeSession{result: &warehouse.Result{Columns: []string{"n"}}}
	ex, _ := newTestExecutor(sess)

	_, err := ex.RunSQL(context.Background(), SQLRequest{
		Role:      "marketing",
		Query:     "SELECT channel, SUM(spend) FROM reporting.campaigns GROUP BY channel",
		QueryType: policy.QuerySelect,
		Tables:    []policy.TableRef{{Schema: "reporting", Table: "campaigns"}},
	})
	if err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}
	if !strings.HasSuffix(sess.lastQuery, "LIMIT 1000") {
		t.Errorf("limit not appended: %q", sess.lastQuery)
	}
	if sess.lastMaxRows != 1000 {
		t.Errorf("row cap = %d, want 1000", sess.lastMaxRows)
	}
}

func TestRunSQLElevatedRoleCaps(t *testing.T) {
	sess := &fakeSession{result: &warehouse.Result{Columns: []string{"n"}}}
	ex, _ := newTestExecutor(sess)

	query := "SELECT id FROM refined.orders"
	_, err := ex.RunSQL(context.Background(), SQLRequest{
		Role:      "data_analyst",
		Query:     query,
		QueryType: policy.QuerySelect,
		Tables:    []policy.TableRef{{Schema: "refined", Table: "orders"}},
	})
	if err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}
	if sess.lastQuery != query {
		t.Errorf("analyst query rewritten: %q", sess.lastQuery)
	}
	if sess.lastMaxRows != 10000 {
		t.Errorf("row cap = %d, want 10000", sess.lastMaxRows)
	}
}

func TestRunSQLAdminDML(t *testing.T) {
	sess := &fakeSession{affected: 3}
	ex, _ := newTestExecutor(sess)

	res, err := ex.RunSQL(context.Background(), SQLRequest{
		Role:      "admin",
		Query:     "UPDATE internal.metrics SET owner = 'finance' WHERE owner = 'ops'",
		QueryType: policy.QueryUpdate,
		Tables:    []policy.TableRef{{Schema: "internal", Table: "metrics"}},
	})
	if err != nil {
		t.Fatalf("RunSQL() error = %v", err)
	}
	if sess.execQuery == "" {
		t.Fatal("DML went through Query, not Exec")
	}
	if res.RowCount != 3 {
		t.Errorf("RowCount = %d, want 3", res.RowCount)
	}
}

func TestRunSQLErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		sessionErr error
		queryErr   error
		wantCode   string
	}{
		{name: "timeout", queryErr: warehouse.ErrTimeout, wantCode: tool.CodeExecutorTimeout},
		{name: "pool exhausted", sessionErr: warehouse.ErrPoolExhausted, wantCode: tool.CodeExecutorPoolExhausted},
		{name: "db error", queryErr: errors.New(`ERROR: relation "raw.customers" does not exist`), wantCode: tool.CodeExecutorDBError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := &fakeSession{err: tt.queryErr}
			ex, wh := newTestExecutor(sess)
			wh.sessionErr = tt.sessionErr

			_, err := ex.RunSQL(context.Background(), SQLRequest{
				Role:      "data_analyst",
				Query:     "SELECT id FROM reporting.orders",
				QueryType: policy.QuerySelect,
			})
			if tool.CodeOf(err) != tt.wantCode {
				t.Errorf("code = %q, want %q (err %v)", tool.CodeOf(err), tt.wantCode, err)
			}
			if tt.wantCode == tool.CodeExecutorDBError && strings.Contains(err.Error(), "raw.customers") {
				t.Errorf("identifier leaked: %v", err)
			}
		})
	}
}

func TestSearchDocsACLTags(t *testing.T) {
	tests := []struct {
		role string
		want []string
	}{
		{role: "intern", want: []string{"public"}},
		{role: "sales", want: []string{"public"}},
		{role: "marketing", want: []string{"public", "marketing_only"}},
		{role: "data_analyst", want: []string{"public", "finance_only", "internal"}},
		{role: "admin", want: []string{"public", "finance_only", "internal"}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			sess := &fakeSession{result: &warehouse.Result{
				Columns: []string{"document_id", "title", "acl_tag", "content", "chunk_index"},
				Rows:    [][]interface{}{{"doc-1", "Refund policy", "public", "Refunds within 30 days.", int64(0)}},
			}}
			ex, _ := newTestExecutor(sess)

			res, err := ex.SearchDocs(context.Background(), tt.role, "", tool.SearchDocsInputs{Query: "refund"})
			if err != nil {
				t.Fatalf("SearchDocs() error = %v", err)
			}
			tags, ok := sess.lastArgs[0].([]string)
			if !ok {
				t.Fatalf("acl arg type %T", sess.lastArgs[0])
			}
			if len(tags) != len(tt.want) {
				t.Fatalf("tags = %v, want %v", tags, tt.want)
			}
			for i := range tags {
				if tags[i] != tt.want[i] {
					t.Errorf("tags = %v, want %v", tags, tt.want)
				}
			}
			if sess.lastArgs[1] != "%refund%" {
				t.Errorf("pattern = %v", sess.lastArgs[1])
			}
			if len(res.Docs) != 1 || res.Docs[0].DocumentID != "doc-1" {
				t.Errorf("docs = %+v", res.Docs)
			}
		})
	}
}

func TestSearchDocsDefaultK(t *testing.T) {
	sess := &fakeSession{result: &warehouse.Result{}}
	ex, _ := newTestExecutor(sess)
	if _, err := ex.SearchDocs(context.Background(), "intern", "", tool.SearchDocsInputs{Query: "vpn"}); err != nil {
		t.Fatal(err)
	}
	if sess.lastArgs[2] != 5 {
		t.Errorf("k = %v, want 5", sess.lastArgs[2])
	}
}

func TestExplainMetricNotFound(t *testing.T) {
	sess := &fakeSession{result: &warehouse.Result{}}
	ex, _ := newTestExecutor(sess)
	_, err := ex.ExplainMetric(context.Background(), "intern", "", tool.ExplainMetricInputs{Name: "nope"})
	if tool.CodeOf(err) != tool.CodeMetricNotFound {
		t.Errorf("code = %q, want metric.not_found", tool.CodeOf(err))
	}
}

func TestExplainMetric(t *testing.T) {
	sess := &fakeSession{result: &warehouse.Result{
		Columns: []string{"name", "display_name", "description", "formula", "owner", "updated_at"},
		Rows: [][]interface{}{{
			"mrr", "Monthly Recurring Revenue", "Sum of active subscription values.",
			"SUM(subscription_value) WHERE status = 'active'", "finance", nil,
		}},
	}}
	ex, _ := newTestExecutor(sess)

	res, err := ex.ExplainMetric(context.Background(), "marketing", "", tool.ExplainMetricInputs{Name: "MRR"})
	if err != nil {
		t.Fatalf("ExplainMetric() error = %v", err)
	}
	if res.Metric == nil || res.Metric.Name != "mrr" || res.Metric.Owner != "finance" {
		t.Errorf("metric = %+v", res.Metric)
	}
}

func TestGenerateChart(t *testing.T) {
	ex, _ := newTestExecutor(&fakeSession{})

	res, err := ex.GenerateChart(tool.GenerateChartInputs{
		ChartType: "bar",
		Title:     "Signups by week",
		Data: []map[string]interface{}{
			{"week": "2026-W01", "signups": float64(120)},
			{"week": "2026-W02", "signups": float64(140)},
		},
		X: "week",
		Y: "signups",
	})
	if err != nil {
		t.Fatalf("GenerateChart() error = %v", err)
	}
	if res.Chart == nil {
		t.Fatal("no chart in result")
	}
	if len(res.Chart.DataHash) != 16 {
		t.Errorf("data hash length = %d", len(res.Chart.DataHash))
	}

	var spec map[string]interface{}
	if err := json.Unmarshal(res.Chart.Spec, &spec); err != nil {
		t.Fatalf("spec is not valid JSON: %v", err)
	}
	if spec["mark"] != "bar" || spec["title"] != "Signups by week" {
		t.Errorf("spec = %v", spec)
	}
	enc := spec["encoding"].(map[string]interface{})
	if enc["x"].(map[string]interface{})["type"] != "nominal" {
		t.Errorf("x type = %v", enc["x"])
	}
	if enc["y"].(map[string]interface{})["type"] != "quantitative" {
		t.Errorf("y type = %v", enc["y"])
	}
	if _, ok := enc["color"]; ok {
		t.Error("color encoding present without color field")
	}
}

func TestGenerateChartDeterministicHash(t *testing.T) {
	ex, _ := newTestExecutor(&fakeSession{})
	in := tool.GenerateChartInputs{
		ChartType: "line",
		Data:      []map[string]interface{}{{"x": float64(1), "y": float64(2)}},
		X:         "x", Y: "y",
	}
	a, err := ex.GenerateChart(in)
	if err != nil {
		t.Fatal(err)
	}
	b, err := ex.GenerateChart(in)
	if err != nil {
		t.Fatal(err)
	}
	if a.Chart.DataHash != b.Chart.DataHash {
		t.Errorf("hash not deterministic: %s vs %s", a.Chart.DataHash, b.Chart.DataHash)
	}
}
