// Package service contains application services.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"

	celeval "github.com/datagate-labs/datagate/internal/adapter/outbound/cel"
	"github.com/datagate-labs/datagate/internal/bundle"
	"github.com/datagate-labs/datagate/internal/domain/policy"
)

// compiledCustomRule is an operator rule with its pre-compiled program.
type compiledCustomRule struct {
	ID          string
	Description string
	Program     cel.Program
}

// bundleSnapshot is the immutable snapshot stored in atomic.Value:
// the parsed bundle plus compiled custom rules.
type bundleSnapshot struct {
	Bundle *bundle.Bundle
	Custom []compiledCustomRule
}

// lruEntry is a doubly-linked list node for the LRU cache.
type lruEntry struct {
	key      uint64
	decision *policy.Decision
	prev     *lruEntry
	next     *lruEntry
}

// ResultCache provides bounded LRU caching for policy decisions.
// Thread-safe with Mutex (both Get and Put mutate LRU order).
type ResultCache struct {
	mu      sync.Mutex
	entries map[uint64]*lruEntry
	head    *lruEntry // most recently used
	tail    *lruEntry // least recently used
	maxSize int
}

// NewResultCache creates a new LRU cache with the given max size.
func NewResultCache(maxSize int) *ResultCache {
	return &ResultCache{
		entries: make(map[uint64]*lruEntry, maxSize),
		maxSize: maxSize,
	}
}

// Get retrieves a cached decision. On hit, the entry is promoted to
// the head (most recently used).
func (c *ResultCache) Get(key uint64) (*policy.Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.moveToHeadLocked(e)
		return e.decision, true
	}
	return nil, false
}

// Put stores a decision. At capacity, the least recently used entry is
// evicted.
func (c *ResultCache) Put(key uint64, decision *policy.Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.decision = decision
		c.moveToHeadLocked(e)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictTailLocked()
	}

	e := &lruEntry{key: key, decision: decision}
	c.entries[key] = e
	c.pushHeadLocked(e)
}

// Clear empties the cache. Called on bundle reload.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[uint64]*lruEntry, c.maxSize)
	c.head = nil
	c.tail = nil
}

// Size returns current cache size.
func (c *ResultCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *ResultCache) moveToHeadLocked(e *lruEntry) {
	if c.head == e {
		return
	}
	c.unlinkLocked(e)
	c.pushHeadLocked(e)
}

func (c *ResultCache) pushHeadLocked(e *lruEntry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *ResultCache) unlinkLocked(e *lruEntry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (c *ResultCache) evictTailLocked() {
	if c.tail == nil {
		return
	}
	delete(c.entries, c.tail.key)
	c.unlinkLocked(c.tail)
}

// computeCacheKey hashes a decision input plus the evaluation mode.
// All fields that influence the decision participate, separated by NUL
// bytes for collision resistance.
func computeCacheKey(in *policy.Input, accessOnly bool) uint64 {
	h := xxhash.New()
	sep := []byte{0}

	_, _ = h.WriteString(in.Role)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(in.Region)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(in.Tool)
	_, _ = h.Write(sep)
	_, _ = h.WriteString(string(in.QueryType))
	_, _ = h.Write(sep)
	_, _ = h.WriteString(strconv.FormatBool(in.HasLimit))
	_, _ = h.Write(sep)
	_, _ = h.WriteString(strconv.FormatBool(in.Aggregate))
	_, _ = h.Write(sep)
	_, _ = h.WriteString(strconv.FormatInt(in.RowCount, 10))
	_, _ = h.Write(sep)
	for _, t := range in.Tables {
		_, _ = h.WriteString(t.String())
		_, _ = h.Write(sep)
	}
	for _, c := range in.Columns {
		_, _ = h.WriteString(c)
		_, _ = h.Write(sep)
	}
	_, _ = h.WriteString(strconv.FormatBool(accessOnly))
	return h.Sum64()
}

// PolicyService evaluates the five built-in layers plus operator CEL
// rules against decision inputs. The active bundle lives behind an
// atomic.Value for lock-free reads on the hot path; Reload swaps it
// wholesale and clears the decision cache.
type PolicyService struct {
	bundleDir string
	evaluator *celeval.Evaluator
	snapshot  atomic.Value // stores *bundleSnapshot
	mu        sync.Mutex   // only for Reload() writes
	cache     *ResultCache
	logger    *slog.Logger
}

// PolicyServiceOption configures PolicyService.
type PolicyServiceOption func(*PolicyService)

// WithCacheSize sets the maximum number of cached decisions.
func WithCacheSize(size int) PolicyServiceOption {
	return func(s *PolicyService) {
		s.cache = NewResultCache(size)
	}
}

// NewPolicyService loads and compiles the bundle at bundleDir (the
// built-in defaults when empty) and returns a ready engine.
func NewPolicyService(bundleDir string, logger *slog.Logger, opts ...PolicyServiceOption) (*PolicyService, error) {
	evaluator, err := celeval.NewEvaluator()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL evaluator: %w", err)
	}

	s := &PolicyService{
		bundleDir: bundleDir,
		evaluator: evaluator,
		cache:     NewResultCache(1000),
		logger:    logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	snap, err := s.loadAndCompile()
	if err != nil {
		return nil, err
	}
	s.snapshot.Store(snap)

	logger.Info("policy service initialized",
		"bundle_dir", bundleDir,
		"custom_rules", len(snap.Custom),
		"cache_max_size", s.cache.maxSize,
	)
	return s, nil
}

// loadAndCompile reads the bundle directory and compiles custom rules.
func (s *PolicyService) loadAndCompile() (*bundleSnapshot, error) {
	b, err := bundle.Load(s.bundleDir, s.evaluator)
	if err != nil {
		return nil, err
	}
	compiled := make([]compiledCustomRule, 0, len(b.Custom))
	for _, r := range b.Custom {
		prg, err := s.evaluator.Compile(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("%w: custom rule %q: %v", bundle.ErrInvalid, r.ID, err)
		}
		compiled = append(compiled, compiledCustomRule{ID: r.ID, Description: r.Description, Program: prg})
	}
	return &bundleSnapshot{Bundle: b, Custom: compiled}, nil
}

// Reload re-reads the bundle directory and swaps the snapshot. On
// failure the previous bundle stays active and the error is returned.
func (s *PolicyService) Reload(ctx context.Context) error {
	snap, err := s.loadAndCompile()
	if err != nil {
		s.logger.Error("bundle reload rejected, keeping active bundle", "error", err)
		return err
	}

	s.mu.Lock()
	s.snapshot.Store(snap)
	s.mu.Unlock()

	s.cache.Clear()
	s.logger.Info("policy bundle reloaded", "custom_rules", len(snap.Custom), "cache_cleared", true)
	return nil
}

func (s *PolicyService) loadSnapshot() *bundleSnapshot {
	return s.snapshot.Load().(*bundleSnapshot)
}

// Catalog returns the active schema catalog for the constraint applier.
func (s *PolicyService) Catalog() map[string]string {
	return s.loadSnapshot().Bundle.Catalog
}

// CacheSize exposes the decision cache occupancy for stats.
func (s *PolicyService) CacheSize() int {
	return s.cache.Size()
}

// Evaluate runs all layers and aggregates their results. Cached by
// input hash; a layer failure aggregates to DENY, never to a pass.
func (s *PolicyService) Evaluate(ctx context.Context, in *policy.Input) (*policy.Decision, error) {
	return s.evaluate(ctx, in, false)
}

// EvaluateAccess runs the access layers only (no approval triggers).
// Used for the post-approval re-check: the grant satisfies the
// trigger, but a tightened bundle must still be able to refuse.
func (s *PolicyService) EvaluateAccess(ctx context.Context, in *policy.Input) (*policy.Decision, error) {
	return s.evaluate(ctx, in, true)
}

func (s *PolicyService) evaluate(ctx context.Context, in *policy.Input, accessOnly bool) (*policy.Decision, error) {
	cacheKey := computeCacheKey(in, accessOnly)
	if d, ok := s.cache.Get(cacheKey); ok {
		return d, nil
	}

	snap := s.loadSnapshot()
	b := snap.Bundle

	results := []policy.LayerResult{
		evalRBAC(b, in),
		evalTables(b, in),
		evalColumns(b, in),
		s.evalCustom(snap, in),
		evalRows(b, in),
	}
	if !accessOnly {
		results = append(results, evalApproval(b, in))
	}

	d := policy.Aggregate(results)
	s.cache.Put(cacheKey, d)
	return d, nil
}

// evalRBAC checks the role -> tool matrix.
func evalRBAC(b *bundle.Bundle, in *policy.Input) policy.LayerResult {
	known, allowed := b.RBAC.ToolAllowed(in.Role, in.Tool)
	if !known {
		return policy.LayerResult{
			RuleIDs: []string{policy.RuleRBACInvalidRole},
			Reason:  fmt.Sprintf("unknown role %q", in.Role),
		}
	}
	if !allowed {
		return policy.LayerResult{
			RuleIDs: []string{policy.RuleRBACToolDenied},
			Reason:  fmt.Sprintf("role %s may not call tool %s", in.Role, in.Tool),
		}
	}
	return policy.LayerResult{Allowed: true}
}

// evalTables checks schema reachability, statement kind, and the LIMIT
// requirement. Non-SQL tools pass trivially.
func evalTables(b *bundle.Bundle, in *policy.Input) policy.LayerResult {
	if in.QueryType == "" {
		return policy.LayerResult{Allowed: true}
	}

	if in.QueryType != policy.QuerySelect && !b.Tables.DMLAllowed(in.Role) {
		return policy.LayerResult{
			RuleIDs: []string{policy.RuleTablesQueryTypeDenied},
			Reason:  fmt.Sprintf("role %s may only run SELECT statements, got %s", in.Role, in.QueryType),
		}
	}

	for _, t := range in.Tables {
		if !b.Tables.SchemaAllowed(in.Role, t.Schema) {
			reason := fmt.Sprintf("schema %q is not permitted for role %s", t.Schema, in.Role)
			if t.Schema == "" {
				reason = fmt.Sprintf("unqualified table %q cannot be resolved to a permitted schema for role %s", t.Table, in.Role)
			}
			return policy.LayerResult{
				RuleIDs: []string{policy.RuleTablesSchemaDenied},
				Reason:  reason,
			}
		}
		if b.Tables.TableBlocked(in.Role, t.String()) {
			return policy.LayerResult{
				RuleIDs: []string{policy.RuleTablesSchemaDenied},
				Reason:  fmt.Sprintf("table %s is blocked for role %s", t.String(), in.Role),
			}
		}
	}

	if in.QueryType == policy.QuerySelect && !in.Aggregate && !in.HasLimit && !b.Tables.LimitExempt(in.Role) {
		return policy.LayerResult{
			RuleIDs: []string{policy.RuleTablesLimitRequired},
			Reason:  fmt.Sprintf("non-aggregate SELECT by role %s requires an explicit LIMIT", in.Role),
		}
	}

	return policy.LayerResult{Allowed: true}
}

// evalColumns checks the PII and financial column sets.
func evalColumns(b *bundle.Bundle, in *policy.Input) policy.LayerResult {
	if in.QueryType == "" {
		return policy.LayerResult{Allowed: true}
	}

	finHits := policy.ContainsAny(in.Columns, b.Columns.FinancialSet())
	if len(finHits) > 0 && !b.Columns.FinancialAllowed(in.Role) {
		return policy.LayerResult{
			RuleIDs: []string{policy.RuleColumnsFinancialDenied},
			Reason:  fmt.Sprintf("financial columns %v are not permitted for role %s", finHits, in.Role),
		}
	}

	piiHits := policy.ContainsAny(in.Columns, b.Columns.PIISet())
	if len(piiHits) == 0 {
		return policy.LayerResult{Allowed: true}
	}

	switch {
	case b.Columns.PIIAllowed(in.Role):
		return policy.LayerResult{
			Allowed: true,
			RuleIDs: []string{policy.RuleColumnsPIIAccess},
		}
	case b.Columns.PIIMasked(in.Role):
		return policy.LayerResult{
			Allowed:     true,
			RuleIDs:     []string{policy.RuleColumnsPIIMasked},
			Constraints: policy.Constraints{MaskedColumns: piiHits},
		}
	default:
		return policy.LayerResult{
			RuleIDs: []string{policy.RuleColumnsPIIDenied},
			Reason:  fmt.Sprintf("PII columns %v are not permitted for role %s", piiHits, in.Role),
		}
	}
}

// evalCustom runs operator CEL rules. An evaluation failure denies:
// an unevaluable rule must never widen access.
func (s *PolicyService) evalCustom(snap *bundleSnapshot, in *policy.Input) policy.LayerResult {
	for _, r := range snap.Custom {
		matched, err := s.evaluator.Evaluate(r.Program, in)
		if err != nil {
			s.logger.Error("custom rule evaluation failed, denying", "rule", r.ID, "error", err)
			return policy.LayerResult{
				RuleIDs: []string{r.ID},
				Reason:  fmt.Sprintf("custom rule %s could not be evaluated", r.ID),
			}
		}
		if matched {
			reason := r.Description
			if reason == "" {
				reason = fmt.Sprintf("denied by custom rule %s", r.ID)
			}
			return policy.LayerResult{
				RuleIDs: []string{r.ID},
				Reason:  reason,
			}
		}
	}
	return policy.LayerResult{Allowed: true}
}

// evalRows emits the region pin for region-scoped roles on SQL calls.
func evalRows(b *bundle.Bundle, in *policy.Input) policy.LayerResult {
	if in.QueryType == "" || in.Region == "" || !b.Rows.RegionFiltered(in.Role) {
		return policy.LayerResult{Allowed: true}
	}
	return policy.LayerResult{
		Allowed:     true,
		RuleIDs:     []string{policy.RuleRowsSalesRegionFilter},
		Constraints: policy.Constraints{RegionFilter: in.Region},
	}
}

// evalApproval checks the three approval triggers. Triggers stack
// their rule IDs; the approval type reflects the first to fire.
func evalApproval(b *bundle.Bundle, in *policy.Input) policy.LayerResult {
	r := policy.LayerResult{Allowed: true}
	if in.QueryType == "" {
		return r
	}

	trigger := func(ruleID, approvalType, reason string) {
		r.RequiresApproval = true
		r.RuleIDs = append(r.RuleIDs, ruleID)
		if r.Constraints.ApprovalType == "" {
			r.Constraints.ApprovalType = approvalType
			r.Reason = reason
		}
	}

	if !b.Approval.SensitiveExempt(in.Role) {
		for _, schema := range in.Schemas() {
			if b.Approval.SchemaSensitive(schema) {
				trigger(policy.RuleApprovalSensitiveSchema, "sensitive_schema",
					fmt.Sprintf("Access to %s schema requires admin approval", schema))
				break
			}
		}
	}

	if b.Approval.LargeRowThreshold > 0 && in.RowCount > b.Approval.LargeRowThreshold {
		trigger(policy.RuleApprovalLargeData, "large_data",
			fmt.Sprintf("Expected result size %d exceeds %d rows and requires admin approval", in.RowCount, b.Approval.LargeRowThreshold))
	}

	if b.Approval.AdminPII(in.Role) {
		if hits := policy.ContainsAny(in.Columns, b.Columns.PIISet()); len(hits) > 0 {
			trigger(policy.RuleApprovalAdminPII, "admin_pii",
				"Admin access to PII columns requires second-party approval")
		}
	}

	return r
}

// Compile-time interface verification.
var _ policy.Engine = (*PolicyService)(nil)
