package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

type memAuditStore struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (m *memAuditStore) Append(_ context.Context, e *audit.Entry) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memAuditStore) Close() error { return nil }

func (m *memAuditStore) byStatus(status string) []audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []audit.Entry
	for _, e := range m.entries {
		if e.Status == status {
			out = append(out, e)
		}
	}
	return out
}

func TestAuditRecordRedactsBeforeWrite(t *testing.T) {
	store := &memAuditStore{}
	svc := NewAuditService(store, nil, testLogger())

	e := &audit.Entry{
		RequestID: "req-1",
		ToolName:  "run_sql",
		Status:    audit.StatusAllowed,
		Inputs: map[string]interface{}{
			"query": "SELECT email FROM reporting.customers LIMIT 5",
			"note":  "forward to ops@acme.example please",
		},
		ResultSummary: map[string]interface{}{
			"email":     "real@person.example",
			"row_count": 5,
		},
	}
	if err := svc.Record(context.Background(), e); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	got := store.entries[0]
	if got.Inputs["query"] != "SELECT email FROM reporting.customers LIMIT 5" {
		t.Errorf("query field scrubbed: %v", got.Inputs["query"])
	}
	if got.Inputs["note"] != "forward to [EMAIL_REDACTED] please" {
		t.Errorf("free text not scrubbed: %v", got.Inputs["note"])
	}
	if got.ResultSummary["email"] != "[REDACTED]" {
		t.Errorf("PII field not redacted: %v", got.ResultSummary["email"])
	}
	if got.ResultSummary["row_count"] != 5 {
		t.Errorf("non-PII field altered: %v", got.ResultSummary["row_count"])
	}
}

func TestAuditRecordWriteFailure(t *testing.T) {
	store := &memAuditStore{err: errors.New("disk full")}
	svc := NewAuditService(store, nil, testLogger())

	err := svc.Record(context.Background(), &audit.Entry{RequestID: "req-1"})
	if tool.CodeOf(err) != tool.CodeAuditWriteFailed {
		t.Errorf("code = %q, want audit.write_failed", tool.CodeOf(err))
	}
	if svc.Failures() != 1 {
		t.Errorf("Failures() = %d, want 1", svc.Failures())
	}
}
