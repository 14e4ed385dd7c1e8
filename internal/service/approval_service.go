package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datagate-labs/datagate/internal/domain/approval"
	"github.com/datagate-labs/datagate/internal/domain/audit"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/domain/policy"
	"github.com/datagate-labs/datagate/internal/domain/tool"
)

const defaultApprovalTTL = 24 * time.Hour

// ApprovalService owns the human-approval workflow: creating pending
// requests with signed tokens, validating and applying admin
// decisions, and expiring stale requests.
type ApprovalService struct {
	store    approval.Store
	signer   *approval.Signer
	engine   policy.Engine
	exec     ToolExecutor
	audits   *AuditService
	notifier approval.Notifier
	ttl      time.Duration
	logger   *slog.Logger

	sweepInterval time.Duration
	stopSweep     chan struct{}
	sweepDone     sync.WaitGroup
	startOnce     sync.Once
	stopOnce      sync.Once
}

// ApprovalConfig tunes the workflow. Zero values fall back to
// defaults.
type ApprovalConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

func NewApprovalService(store approval.Store, signer *approval.Signer, engine policy.Engine,
	exec ToolExecutor, audits *AuditService, notifier approval.Notifier,
	cfg ApprovalConfig, logger *slog.Logger) *ApprovalService {

	if cfg.TTL <= 0 {
		cfg.TTL = defaultApprovalTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	return &ApprovalService{
		store:         store,
		signer:        signer,
		engine:        engine,
		exec:          exec,
		audits:        audits,
		notifier:      notifier,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        logger,
	}
}

// Create persists a pending request for a REQUIRE_APPROVAL decision
// and notifies the approver channel. The decision input and envelope
// inputs are frozen: a later approval executes exactly what was asked.
func (s *ApprovalService) Create(ctx context.Context, requester *identity.Identity,
	env *tool.Envelope, decision *policy.Decision, in *policy.Input) (*approval.Request, string, error) {

	now := time.Now().UTC()
	r := &approval.Request{
		ID:             uuid.NewString(),
		RequestID:      env.RequestID,
		RequesterID:    requester.ExternalUserID,
		RequesterRole:  string(requester.Role),
		ApprovalType:   decision.Constraints.ApprovalType,
		ToolName:       env.ToolName,
		Inputs:         env.Inputs,
		DecisionInput:  in,
		Constraints:    decision.Constraints,
		Status:         approval.StatusPending,
		TokenExpiresAt: now.Add(s.ttl),
		CreatedAt:      now,
	}
	if err := s.store.Create(ctx, r); err != nil {
		return nil, "", err
	}
	token := s.signer.Mint(r.ID, r.TokenExpiresAt)

	if s.notifier != nil {
		if err := s.notifier.NotifyPending(ctx, r, token); err != nil {
			// Best effort: the request stays pending either way.
			s.logger.Warn("approval notification failed", "approval_id", r.ID, "error", err)
		}
	}
	s.logger.Info("approval requested",
		"approval_id", r.ID,
		"request_id", r.RequestID,
		"type", r.ApprovalType,
		"requester", r.RequesterID,
	)
	return r, token, nil
}

// Find returns the pending request previously created for an envelope
// request ID, if any. Lets a replayed envelope report its approval
// status instead of opening a duplicate.
func (s *ApprovalService) Find(ctx context.Context, requestID string) (*approval.Request, error) {
	return s.store.GetByRequestID(ctx, requestID)
}

// CountPending exposes the pending count for the metrics gauge.
func (s *ApprovalService) CountPending(ctx context.Context) (int, error) {
	return s.store.CountPending(ctx)
}

// SubmitResult is the outcome of an approval decision.
type SubmitResult struct {
	Request *approval.Request
	// AlreadyDecided is set when the request was resolved before this
	// submission; Request carries the recorded outcome.
	AlreadyDecided bool
	// Executed and Result are set when an approval led to execution.
	Executed bool
	Result   *tool.Result
	// ExecutionDenied is set when the re-evaluation under the current
	// rule set refused the frozen request.
	ExecutionDenied bool
	DenyReason      string
}

// Submit applies an admin decision to a pending request. Token,
// approver role, and self-approval checks run before the store CAS; a
// lost race degrades to the idempotent already-decided path.
func (s *ApprovalService) Submit(ctx context.Context, approvalID string, approver *identity.Identity,
	approve bool, reason, token string) (*SubmitResult, error) {

	r, err := s.store.Get(ctx, approvalID)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			return nil, tool.NewError(tool.CodeApprovalNotFound, "no approval request "+approvalID)
		}
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.signer.Verify(token, approvalID, now); err != nil {
		switch {
		case errors.Is(err, approval.ErrTokenExpired):
			return nil, tool.NewError(tool.CodeApprovalTokenExpired, "approval token expired")
		default:
			return nil, tool.NewError(tool.CodeApprovalTokenInvalid, "approval token invalid")
		}
	}
	if approver.Role != identity.RoleAdmin {
		return nil, tool.NewError(tool.CodeApprovalNotAdmin, "approver must be an admin")
	}
	if approver.ExternalUserID == r.RequesterID {
		return nil, tool.NewError(tool.CodeApprovalSelfApproval, "requester cannot approve their own request")
	}

	if r.Status.Terminal() {
		return &SubmitResult{Request: r, AlreadyDecided: true}, nil
	}

	status := approval.StatusDenied
	if approve {
		status = approval.StatusApproved
	}
	err = s.store.Resolve(ctx, approvalID, status, approver.ExternalUserID, reason, now)
	if errors.Is(err, approval.ErrAlreadyDecided) {
		r, getErr := s.store.Get(ctx, approvalID)
		if getErr != nil {
			return nil, getErr
		}
		return &SubmitResult{Request: r, AlreadyDecided: true}, nil
	}
	if err != nil {
		return nil, err
	}
	r.Status = status
	r.ApproverID = approver.ExternalUserID
	r.ResolutionReason = reason
	r.ResolvedAt = now

	if !approve {
		if err := s.recordResolution(ctx, r, audit.StatusApprovalDenied, reason); err != nil {
			return nil, err
		}
		return &SubmitResult{Request: r}, nil
	}

	return s.executeApproved(ctx, r)
}

// executeApproved re-checks the frozen decision input against the
// current rule set (approval layer excluded: the grant satisfies it)
// and executes on an allow. No widening: an approval cannot unlock
// more than the rules in force at execution time permit.
func (s *ApprovalService) executeApproved(ctx context.Context, r *approval.Request) (*SubmitResult, error) {
	decision, err := s.engine.EvaluateAccess(ctx, r.DecisionInput)
	if err != nil {
		decision = policy.Denied("policy evaluation failed")
	}
	if decision.Outcome == policy.OutcomeDeny {
		entry := s.resolutionEntry(r, audit.StatusApprovalApproved, r.ResolutionReason)
		entry.Decision = string(policy.OutcomeDeny)
		entry.Reason = decision.Reason
		entry.RuleIDs = decision.RuleIDs
		if err := s.audits.Record(ctx, entry); err != nil {
			return nil, err
		}
		return &SubmitResult{Request: r, ExecutionDenied: true, DenyReason: decision.Reason}, nil
	}

	// Constraints may have tightened since the original decision; the
	// re-evaluation's obligations win.
	res, execErr := dispatch(ctx, s.exec, r.RequesterRole, r.DecisionInput.Region,
		r.ToolName, r.Inputs, r.DecisionInput, decision.Constraints)

	entry := s.resolutionEntry(r, audit.StatusApprovalApproved, r.ResolutionReason)
	entry.Decision = string(policy.OutcomeAllow)
	entry.RuleIDs = decision.RuleIDs
	entry.Constraints = decision.Constraints
	if execErr != nil {
		entry.Status = audit.StatusError
		entry.ErrorCode = tool.CodeOf(execErr)
	} else {
		entry.ResultSummary = resultSummary(res)
	}
	if err := s.audits.Record(ctx, entry); err != nil {
		return nil, err
	}
	if execErr != nil {
		return nil, execErr
	}
	return &SubmitResult{Request: r, Executed: true, Result: res}, nil
}

func (s *ApprovalService) resolutionEntry(r *approval.Request, status, reason string) *audit.Entry {
	return &audit.Entry{
		RequestID:      r.RequestID,
		ExternalUserID: r.RequesterID,
		Role:           r.RequesterRole,
		Region:         r.DecisionInput.Region,
		ToolName:       r.ToolName,
		Status:         status,
		Reason:         reason,
		Inputs:         r.Inputs,
		ApprovalID:     r.ID,
	}
}

func (s *ApprovalService) recordResolution(ctx context.Context, r *approval.Request, status, reason string) error {
	return s.audits.Record(ctx, s.resolutionEntry(r, status, reason))
}

// Start launches the expiry sweeper.
func (s *ApprovalService) Start() {
	s.startOnce.Do(func() {
		s.sweepDone.Add(1)
		go s.sweepLoop()
	})
}

// Stop halts the sweeper and waits for it to exit.
func (s *ApprovalService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)
	})
	s.sweepDone.Wait()
}

func (s *ApprovalService) sweepLoop() {
	defer s.sweepDone.Done()
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.Sweep(context.Background()); err != nil {
				s.logger.Error("approval sweep failed", "error", err)
			}
		case <-s.stopSweep:
			return
		}
	}
}

// Sweep expires pending requests past their token TTL and audits each
// expiry.
func (s *ApprovalService) Sweep(ctx context.Context) error {
	expired, err := s.store.Expire(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for i := range expired {
		r := &expired[i]
		if err := s.recordResolution(ctx, r, audit.StatusApprovalExpired, "approval token expired"); err != nil {
			s.logger.Error("failed to audit approval expiry", "approval_id", r.ID, "error", err)
		}
		s.logger.Info("approval expired", "approval_id", r.ID, "request_id", r.RequestID)
	}
	return nil
}
