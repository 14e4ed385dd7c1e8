package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/datagate-labs/datagate/internal/domain/approval"
	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
	"github.com/datagate-labs/datagate/internal/sqlscan"
)

// Response is the terminal answer to a tool-call envelope. A denial is
// a successful response, not an error: the caller asked a question and
// got an answer.
type Response struct {
	RequestID  string             `json:"request_id"`
	Status     string             `json:"status"`
	Decision   policy.Outcome     `json:"decision,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	RuleIDs    []string           `json:"rule_ids,omitempty"`
	Result     *tool.Result       `json:"result,omitempty"`
	ApprovalID string             `json:"approval_id,omitempty"`
	Constraint policy.Constraints `json:"constraints,omitempty"`
}

// Orchestrator drives a tool call through its lifecycle: validate,
// resolve identity, analyze, decide, then execute, suspend, or refuse,
// auditing every terminal outcome before responding.
type Orchestrator struct {
	identities *IdentityService
	engine     policy.Engine
	approvals  *ApprovalService
	audits     *AuditService
	exec       ToolExecutor
	validate   *validator.Validate
	logger     *slog.Logger

	mu       sync.Mutex
	inflight map[string]*inflightCall
}

// inflightCall is the rendezvous for concurrent replays of the same
// request ID: the first caller runs, later callers wait and share the
// outcome.
type inflightCall struct {
	done chan struct{}
	resp *Response
	err  error
}

func NewOrchestrator(identities *IdentityService, engine policy.Engine, approvals *ApprovalService,
	audits *AuditService, exec ToolExecutor, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		identities: identities,
		engine:     engine,
		approvals:  approvals,
		audits:     audits,
		exec:       exec,
		validate:   validator.New(),
		logger:     logger,
		inflight:   make(map[string]*inflightCall),
	}
}

// Handle processes one envelope to a terminal response.
func (o *Orchestrator) Handle(ctx context.Context, env *tool.Envelope) (*Response, error) {
	if err := o.validateEnvelope(env); err != nil {
		return nil, err
	}

	// Request-id rendezvous: a replay while the original is in flight
	// joins it rather than executing twice.
	o.mu.Lock()
	if call, ok := o.inflight[env.RequestID]; ok {
		o.mu.Unlock()
		select {
		case <-call.done:
			return call.resp, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &inflightCall{done: make(chan struct{})}
	o.inflight[env.RequestID] = call
	o.mu.Unlock()

	resp, err := o.handle(ctx, env)

	call.resp, call.err = resp, err
	close(call.done)
	o.mu.Lock()
	delete(o.inflight, env.RequestID)
	o.mu.Unlock()
	return resp, err
}

func (o *Orchestrator) validateEnvelope(env *tool.Envelope) error {
	if err := o.validate.Struct(env); err != nil {
		return tool.NewError(tool.CodeEnvelopeMalformed, err.Error())
	}
	if !tool.Known(env.ToolName) {
		return tool.NewError(tool.CodeEnvelopeMalformed, "unknown tool "+env.ToolName)
	}
	return nil
}

func (o *Orchestrator) handle(ctx context.Context, env *tool.Envelope) (*Response, error) {
	id, err := o.identities.Resolve(ctx, env.ExternalUserID)
	if err != nil {
		return nil, err
	}

	// A replayed envelope whose original run suspended reports the
	// approval status instead of opening a duplicate request.
	if prior, err := o.approvals.Find(ctx, env.RequestID); err == nil {
		return o.priorApprovalResponse(env, prior), nil
	} else if !errors.Is(err, approval.ErrNotFound) {
		return nil, err
	}

	in, analyzeErr := o.buildInput(id, env)
	if analyzeErr != nil {
		decision := policy.Denied(analyzeErr.Error(), policy.RuleAnalyzerParseError)
		return o.refuse(ctx, id, env, decision)
	}

	decision, err := o.engine.Evaluate(ctx, in)
	if err != nil {
		// Fail closed: an engine that cannot evaluate denies.
		o.logger.Error("policy evaluation failed", "request_id", env.RequestID, "error", err)
		decision = policy.Denied("policy evaluation failed")
	}

	switch decision.Outcome {
	case policy.OutcomeDeny:
		return o.refuse(ctx, id, env, decision)
	case policy.OutcomeRequireApproval:
		return o.suspend(ctx, id, env, decision, in)
	default:
		return o.execute(ctx, id, env, decision, in)
	}
}

// buildInput assembles the decision input. run_sql inputs pass through
// the analyzer; other tools carry only the identity and tool name.
func (o *Orchestrator) buildInput(id *identity.Identity, env *tool.Envelope) (*policy.Input, error) {
	in := &policy.Input{
		Role:   string(id.Role),
		Region: string(id.Region),
		Tool:   env.ToolName,
	}
	if env.ToolName != tool.NameRunSQL {
		return in, nil
	}

	var sqlIn tool.SQLInputs
	if err := decodeInputs(env.Inputs, &sqlIn); err != nil {
		return nil, err
	}
	analysis, err := sqlscan.Analyze(sqlIn.Query)
	if err != nil {
		return nil, err
	}
	in.Tables = analysis.Tables
	in.Columns = analysis.Columns
	in.QueryType = analysis.QueryType
	in.HasLimit = analysis.HasLimit
	in.Aggregate = analysis.Aggregate
	in.RowCount = sqlIn.RowCount
	return in, nil
}

func (o *Orchestrator) refuse(ctx context.Context, id *identity.Identity, env *tool.Envelope, decision *policy.Decision) (*Response, error) {
	entry := o.entry(id, env)
	entry.Status = audit.StatusDenied
	entry.Decision = string(policy.OutcomeDeny)
	entry.Reason = decision.Reason
	entry.RuleIDs = decision.RuleIDs
	if err := o.audits.Record(ctx, entry); err != nil {
		return nil, err
	}
	return &Response{
		RequestID: env.RequestID,
		Status:    audit.StatusDenied,
		Decision:  policy.OutcomeDeny,
		Reason:    decision.Reason,
		RuleIDs:   decision.RuleIDs,
	}, nil
}

func (o *Orchestrator) suspend(ctx context.Context, id *identity.Identity, env *tool.Envelope,
	decision *policy.Decision, in *policy.Input) (*Response, error) {

	r, _, err := o.approvals.Create(ctx, id, env, decision, in)
	if err != nil {
		return nil, err
	}
	entry := o.entry(id, env)
	entry.Status = audit.StatusApprovalPending
	entry.Decision = string(policy.OutcomeRequireApproval)
	entry.Reason = decision.Reason
	entry.RuleIDs = decision.RuleIDs
	entry.Constraints = decision.Constraints
	entry.ApprovalID = r.ID
	if err := o.audits.Record(ctx, entry); err != nil {
		return nil, err
	}
	return &Response{
		RequestID:  env.RequestID,
		Status:     audit.StatusApprovalPending,
		Decision:   policy.OutcomeRequireApproval,
		Reason:     decision.Reason,
		RuleIDs:    decision.RuleIDs,
		ApprovalID: r.ID,
	}, nil
}

func (o *Orchestrator) execute(ctx context.Context, id *identity.Identity, env *tool.Envelope,
	decision *policy.Decision, in *policy.Input) (*Response, error) {

	res, execErr := dispatch(ctx, o.exec, string(id.Role), string(id.Region),
		env.ToolName, env.Inputs, in, decision.Constraints)

	entry := o.entry(id, env)
	entry.Decision = string(policy.OutcomeAllow)
	entry.RuleIDs = decision.RuleIDs
	entry.Constraints = decision.Constraints
	if execErr != nil {
		entry.Status = audit.StatusError
		entry.ErrorCode = tool.CodeOf(execErr)
		entry.Reason = execErr.Error()
	} else {
		entry.Status = audit.StatusAllowed
		entry.ResultSummary = resultSummary(res)
		entry.LatencyMS = res.LatencyMS
	}
	if err := o.audits.Record(ctx, entry); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return &Response{
		RequestID:  env.RequestID,
		Status:     audit.StatusAllowed,
		Decision:   policy.OutcomeAllow,
		RuleIDs:    decision.RuleIDs,
		Result:     res,
		Constraint: decision.Constraints,
	}, nil
}

func (o *Orchestrator) priorApprovalResponse(env *tool.Envelope, r *approval.Request) *Response {
	resp := &Response{
		RequestID:  env.RequestID,
		ApprovalID: r.ID,
	}
	switch r.Status {
	case approval.StatusPending:
		resp.Status = audit.StatusApprovalPending
		resp.Decision = policy.OutcomeRequireApproval
	case approval.StatusApproved:
		resp.Status = audit.StatusApprovalApproved
	case approval.StatusDenied:
		resp.Status = audit.StatusApprovalDenied
	case approval.StatusExpired:
		resp.Status = audit.StatusApprovalExpired
	}
	return resp
}

func (o *Orchestrator) entry(id *identity.Identity, env *tool.Envelope) *audit.Entry {
	return &audit.Entry{
		RequestID:      env.RequestID,
		ExternalUserID: id.ExternalUserID,
		Role:           string(id.Role),
		Region:         string(id.Region),
		ToolName:       env.ToolName,
		Inputs:         env.Inputs,
	}
}
