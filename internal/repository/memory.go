package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
)

// In-memory repositories backing unit tests and local development.
// They implement the same store interfaces as the Postgres
// repositories; records are cloned on the way in and out so callers
// never share mutable state with the store.

type memStore[T any] struct {
	mu    sync.RWMutex
	items map[string]*T
	key   func(*T) string
	clone func(*T) *T
}

func newMemStore[T any](key func(*T) string, clone func(*T) *T) *memStore[T] {
	return &memStore[T]{
		items: make(map[string]*T),
		key:   key,
		clone: clone,
	}
}

func (s *memStore[T]) save(v *T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[s.key(v)] = s.clone(v)
}

func (s *memStore[T]) load(id string) *T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.items[id]
	if !ok {
		return nil
	}
	return s.clone(v)
}

func (s *memStore[T]) list() []*T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*T, 0, len(s.items))
	for _, v := range s.items {
		out = append(out, s.clone(v))
	}
	return out
}

func cloneRule(r *ApprovalRule) *ApprovalRule {
	c := *r
	c.Approvers = append([]RuleApprover(nil), r.Approvers...)
	return &c
}

func cloneRequest(r *ApprovalRequest) *ApprovalRequest {
	c := *r
	c.Approvals = append([]Approval(nil), r.Approvals...)
	return &c
}

func cloneAudit(e *AuditEntry) *AuditEntry {
	c := *e
	return &c
}

// ── Rules ─────────────────────────────────────────────────────────────────────

// MemoryRuleRepository is an in-memory RuleStore.
type MemoryRuleRepository struct {
	store *memStore[ApprovalRule]
}

// NewMemoryRuleRepository creates an empty in-memory rule store.
func NewMemoryRuleRepository() *MemoryRuleRepository {
	return &MemoryRuleRepository{
		store: newMemStore(func(r *ApprovalRule) string { return r.ID }, cloneRule),
	}
}

func (r *MemoryRuleRepository) Upsert(_ context.Context, rule *ApprovalRule) error {
	r.store.save(rule)
	return nil
}

func (r *MemoryRuleRepository) GetByID(_ context.Context, id string) (*ApprovalRule, error) {
	rule := r.store.load(id)
	if rule == nil {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule, nil
}

func (r *MemoryRuleRepository) List(_ context.Context, enabledOnly bool) ([]*ApprovalRule, error) {
	all := r.store.list()
	rules := make([]*ApprovalRule, 0, len(all))
	for _, rule := range all {
		if enabledOnly && !rule.Enabled {
			continue
		}
		rules = append(rules, rule)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

func (r *MemoryRuleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	rule := r.store.load(id)
	if rule == nil {
		return errors.NotFound("approval_rule", id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now()
	r.store.save(rule)
	return nil
}

// ── Requests ──────────────────────────────────────────────────────────────────

// MemoryRequestRepository is an in-memory RequestStore.
type MemoryRequestRepository struct {
	store *memStore[ApprovalRequest]
}

// NewMemoryRequestRepository creates an empty in-memory request store.
func NewMemoryRequestRepository() *MemoryRequestRepository {
	return &MemoryRequestRepository{
		store: newMemStore(func(r *ApprovalRequest) string { return r.ID }, cloneRequest),
	}
}

func (r *MemoryRequestRepository) Create(_ context.Context, req *ApprovalRequest) error {
	r.store.save(req)
	return nil
}

func (r *MemoryRequestRepository) GetByID(_ context.Context, id string) (*ApprovalRequest, error) {
	req := r.store.load(id)
	if req == nil {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, nil
}

func (r *MemoryRequestRepository) Update(_ context.Context, req *ApprovalRequest) error {
	if r.store.load(req.ID) == nil {
		return errors.NotFound("approval_request", req.ID)
	}
	r.store.save(req)
	return nil
}

func (r *MemoryRequestRepository) List(_ context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	all := r.store.list()
	requests := make([]*ApprovalRequest, 0, len(all))
	for _, req := range all {
		if filter.Status != nil && req.Status != *filter.Status {
			continue
		}
		if filter.ProjectID != nil && req.ProjectID != *filter.ProjectID {
			continue
		}
		if filter.ApproverID != nil && req.ApprovalFor(*filter.ApproverID) == nil {
			continue
		}
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.After(requests[j].CreatedAt)
	})
	return requests, nil
}

func (r *MemoryRequestRepository) ListPendingForApprover(_ context.Context, approverID string) ([]*ApprovalRequest, error) {
	all := r.store.list()
	var requests []*ApprovalRequest
	for _, req := range all {
		if req.Status != RequestStatusPending {
			continue
		}
		a := req.ApprovalFor(approverID)
		if a == nil || a.Status != ApprovalStatusPending {
			continue
		}
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, nil
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// MemoryAuditRepository is an in-memory AuditStore.
type MemoryAuditRepository struct {
	mu      sync.RWMutex
	entries map[string][]*AuditEntry // keyed by request id
}

// NewMemoryAuditRepository creates an empty in-memory audit store.
func NewMemoryAuditRepository() *MemoryAuditRepository {
	return &MemoryAuditRepository{entries: make(map[string][]*AuditEntry)}
}

func (r *MemoryAuditRepository) Append(_ context.Context, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.PerformedAt.IsZero() {
		entry.PerformedAt = time.Now()
	}
	r.entries[entry.RequestID] = append(r.entries[entry.RequestID], cloneAudit(entry))
	return nil
}

func (r *MemoryAuditRepository) ListByRequestID(_ context.Context, requestID string) ([]*AuditEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	stored := r.entries[requestID]
	out := make([]*AuditEntry, 0, len(stored))
	for _, e := range stored {
		out = append(out, cloneAudit(e))
	}
	return out, nil
}
