package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/datagate-labs/datagate/internal/domain/approval"
	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/executor"
)

type memApprovalStore struct {
	mu       sync.Mutex
	requests map[string]*approval.Request
}

func newMemApprovalStore() *memApprovalStore {
	return &memApprovalStore{requests: make(map[string]*approval.Request)}
}

func (m *memApprovalStore) Create(_ context.Context, r *approval.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.requests[r.ID] = &cp
	return nil
}

func (m *memApprovalStore) Get(_ context.Context, id string) (*approval.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, approval.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memApprovalStore) GetByRequestID(_ context.Context, requestID string) (*approval.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.RequestID == requestID {
			cp := *r
			return &cp, nil
		}
	}
	return nil, approval.ErrNotFound
}

func (m *memApprovalStore) Resolve(_ context.Context, id string, status approval.Status, approverID, reason string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return approval.ErrNotFound
	}
	if r.Status != approval.StatusPending {
		return approval.ErrAlreadyDecided
	}
	r.Status = status
	r.ApproverID = approverID
	r.ResolutionReason = reason
	r.ResolvedAt = at
	return nil
}

func (m *memApprovalStore) Expire(_ context.Context, cutoff time.Time) ([]approval.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []approval.Request
	for _, r := range m.requests {
		if r.Status == approval.StatusPending && r.TokenExpiresAt.Before(cutoff) {
			r.Status = approval.StatusExpired
			r.ResolvedAt = cutoff
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memApprovalStore) CountPending(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.requests {
		if r.Status == approval.StatusPending {
			n++
		}
	}
	return n, nil
}

type stubEngine struct {
	decision *policy.Decision
}

func (e *stubEngine) Evaluate(_ context.Context, _ *policy.Input) (*policy.Decision, error) {
	return e.decision, nil
}

func (e *stubEngine) EvaluateAccess(_ context.Context, _ *policy.Input) (*policy.Decision, error) {
	return e.decision, nil
}

type stubExecutor struct {
	mu      sync.Mutex
	sqlRuns []executor.SQLRequest
	result  *tool.Result
	err     error
}

func (e *stubExecutor) RunSQL(_ context.Context, req executor.SQLRequest) (*tool.Result, error) {
	e.mu.Lock()
	e.sqlRuns = append(e.sqlRuns, req)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	if e.result != nil {
		return e.result, nil
	}
	return &tool.Result{RowCount: 1}, nil
}

func (e *stubExecutor) SearchDocs(_ context.Context, _, _ string, _ tool.SearchDocsInputs) (*tool.Result, error) {
	return &tool.Result{}, nil
}

func (e *stubExecutor) ExplainMetric(_ context.Context, _, _ string, _ tool.ExplainMetricInputs) (*tool.Result, error) {
	return &tool.Result{}, nil
}

func (e *stubExecutor) GenerateChart(_ tool.GenerateChartInputs) (*tool.Result, error) {
	return &tool.Result{}, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	tokens []string
}

func (n *recordingNotifier) NotifyPending(_ context.Context, _ *approval.Request, token string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tokens = append(n.tokens, token)
	return nil
}

type approvalFixture struct {
	svc      *ApprovalService
	store    *memApprovalStore
	audits   *memAuditStore
	exec     *stubExecutor
	notifier *recordingNotifier
	engine   *stubEngine
}

func newApprovalFixture(t *testing.T) *approvalFixture {
	t.Helper()
	signer, err := approval.NewSigner([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	f := &approvalFixture{
		store:    newMemApprovalStore(),
		audits:   &memAuditStore{},
		exec:     &stubExecutor{},
		notifier: &recordingNotifier{},
		engine:   &stubEngine{decision: &policy.Decision{Outcome: policy.OutcomeAllow}},
	}
	f.svc = NewApprovalService(f.store, signer, f.engine, f.exec,
		NewAuditService(f.audits, nil, testLogger()), f.notifier,
		ApprovalConfig{}, testLogger())
	return f
}

func analystRawRequest() (*identity.Identity, *tool.Envelope, *policy.Decision, *policy.Input) {
	requester := &identity.Identity{ExternalUserID: "U006ANALYST", Role: identity.RoleDataAnalyst}
	env := &tool.Envelope{
		RequestID:      "0c5dfe1e-6c9a-4b51-9f3f-5a1b2c3d4e5f",
		ExternalUserID: requester.ExternalUserID,
		ToolName:       tool.NameRunSQL,
		Inputs:         map[string]interface{}{"query": "SELECT id FROM raw.customers LIMIT 5"},
	}
	decision := &policy.Decision{
		Outcome:     policy.OutcomeRequireApproval,
		Reason:      "Access to raw schema requires admin approval",
		RuleIDs:     []string{policy.RuleApprovalSensitiveSchema},
		Constraints: policy.Constraints{ApprovalType: "sensitive_schema"},
	}
	in := &policy.Input{
		Role:      "data_analyst",
		Tool:      tool.NameRunSQL,
		Tables:    []policy.TableRef{{Schema: "raw", Table: "customers"}},
		QueryType: policy.QuerySelect,
		HasLimit:  true,
	}
	return requester, env, decision, in
}

func TestApprovalCreateMintsVerifiableToken(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()

	r, token, err := f.svc.Create(context.Background(), requester, env, decision, in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if r.Status != approval.StatusPending || r.ApprovalType != "sensitive_schema" {
		t.Errorf("request = %+v", r)
	}
	if len(f.notifier.tokens) != 1 || f.notifier.tokens[0] != token {
		t.Error("notifier did not receive the minted token")
	}

	signer, _ := approval.NewSigner([]byte("test-secret"))
	if err := signer.Verify(token, r.ID, time.Now()); err != nil {
		t.Errorf("minted token does not verify: %v", err)
	}
}

func TestApprovalApproveExecutes(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()
	r, token, err := f.svc.Create(context.Background(), requester, env, decision, in)
	if err != nil {
		t.Fatal(err)
	}

	admin := &identity.Identity{ExternalUserID: "U007ADMIN", Role: identity.RoleAdmin}
	res, err := f.svc.Submit(context.Background(), r.ID, admin, true, "reviewed", token)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.Executed || res.Result == nil {
		t.Fatalf("result = %+v", res)
	}
	if len(f.exec.sqlRuns) != 1 {
		t.Fatalf("executor ran %d times", len(f.exec.sqlRuns))
	}
	if f.exec.sqlRuns[0].Query != "SELECT id FROM raw.customers LIMIT 5" {
		t.Errorf("frozen query not executed: %q", f.exec.sqlRuns[0].Query)
	}

	entries := f.audits.byStatus(audit.StatusApprovalApproved)
	if len(entries) != 1 {
		t.Fatalf("approval_approved entries = %d", len(entries))
	}
	if entries[0].ApprovalID != r.ID || entries[0].ExternalUserID != requester.ExternalUserID {
		t.Errorf("audit entry = %+v", entries[0])
	}
}

func TestApprovalDenyDoesNotExecute(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()
	r, token, _ := f.svc.Create(context.Background(), requester, env, decision, in)

	admin := &identity.Identity{ExternalUserID: "U007ADMIN", Role: identity.RoleAdmin}
	res, err := f.svc.Submit(context.Background(), r.ID, admin, false, "not justified", token)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if res.Executed || len(f.exec.sqlRuns) != 0 {
		t.Error("denied request executed")
	}
	if len(f.audits.byStatus(audit.StatusApprovalDenied)) != 1 {
		t.Error("approval_denied not audited")
	}
}

func TestApprovalNoWidening(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()
	r, token, _ := f.svc.Create(context.Background(), requester, env, decision, in)

	// Rule set tightened between request and approval.
	f.engine.decision = policy.Denied("schema no longer permitted", policy.RuleTablesSchemaDenied)

	admin := &identity.Identity{ExternalUserID: "U007ADMIN", Role: identity.RoleAdmin}
	res, err := f.svc.Submit(context.Background(), r.ID, admin, true, "ok", token)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if !res.ExecutionDenied {
		t.Fatal("tightened rules did not refuse execution")
	}
	if len(f.exec.sqlRuns) != 0 {
		t.Error("executor ran despite denial")
	}
}

func TestApprovalSubmitValidation(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()
	r, token, _ := f.svc.Create(context.Background(), requester, env, decision, in)

	admin := &identity.Identity{ExternalUserID: "U007ADMIN", Role: identity.RoleAdmin}
	analyst := &identity.Identity{ExternalUserID: "U009", Role: identity.RoleDataAnalyst}
	self := &identity.Identity{ExternalUserID: requester.ExternalUserID, Role: identity.RoleAdmin}

	tests := []struct {
		name     string
		approver *identity.Identity
		token    string
		wantCode string
	}{
		{name: "bad token", approver: admin, token: "bogus", wantCode: tool.CodeApprovalTokenInvalid},
		{name: "non-admin", approver: analyst, token: token, wantCode: tool.CodeApprovalNotAdmin},
		{name: "self approval", approver: self, token: token, wantCode: tool.CodeApprovalSelfApproval},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), r.ID, tt.approver, true, "", tt.token)
			if tool.CodeOf(err) != tt.wantCode {
				t.Errorf("code = %q, want %q", tool.CodeOf(err), tt.wantCode)
			}
		})
	}

	if _, err := f.svc.Submit(context.Background(), "missing-id", admin, true, "", token); tool.CodeOf(err) != tool.CodeApprovalNotFound {
		t.Errorf("missing request code = %q", tool.CodeOf(err))
	}
}

func TestApprovalSubmitIdempotent(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()
	r, token, _ := f.svc.Create(context.Background(), requester, env, decision, in)

	admin := &identity.Identity{ExternalUserID: "U007ADMIN", Role: identity.RoleAdmin}
	if _, err := f.svc.Submit(context.Background(), r.ID, admin, false, "no", token); err != nil {
		t.Fatal(err)
	}

	res, err := f.svc.Submit(context.Background(), r.ID, admin, true, "changed my mind", token)
	if err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if !res.AlreadyDecided {
		t.Fatal("second submission not reported as already decided")
	}
	if res.Request.Status != approval.StatusDenied {
		t.Errorf("recorded outcome = %s, want denied", res.Request.Status)
	}
	if len(f.exec.sqlRuns) != 0 {
		t.Error("flip-flop submission executed the request")
	}
}

func TestApprovalSweepExpires(t *testing.T) {
	f := newApprovalFixture(t)
	requester, env, decision, in := analystRawRequest()
	r, _, _ := f.svc.Create(context.Background(), requester, env, decision, in)

	// Age the request past its TTL.
	f.store.mu.Lock()
	f.store.requests[r.ID].TokenExpiresAt = time.Now().Add(-time.Hour)
	f.store.mu.Unlock()

	if err := f.svc.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	got, _ := f.store.Get(context.Background(), r.ID)
	if got.Status != approval.StatusExpired {
		t.Errorf("status = %s, want expired", got.Status)
	}
	if len(f.audits.byStatus(audit.StatusApprovalExpired)) != 1 {
		t.Error("expiry not audited")
	}
}

func TestApprovalSweeperStops(t *testing.T) {
	defer goleak.VerifyNone(t)
	f := newApprovalFixture(t)
	f.svc.Start()
	f.svc.Stop()
}
