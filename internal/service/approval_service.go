package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
	"github.com/atlasops/be-pm-approvals/internal/platform/logger"
	"github.com/atlasops/be-pm-approvals/internal/repository"
)

// Notification event types published on approval state changes.
const (
	EventApprovalRequested = "approval_requested"
	EventRequestApproved   = "request_approved"
	EventRequestRejected   = "request_rejected"
	EventRequestCancelled  = "request_cancelled"
)

// RuleStore persists approval rules.
type RuleStore interface {
	Upsert(ctx context.Context, rule *repository.ApprovalRule) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRule, error)
	List(ctx context.Context, enabledOnly bool) ([]*repository.ApprovalRule, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
}

// RequestStore persists approval requests with their approvals.
type RequestStore interface {
	Create(ctx context.Context, req *repository.ApprovalRequest) error
	GetByID(ctx context.Context, id string) (*repository.ApprovalRequest, error)
	Update(ctx context.Context, req *repository.ApprovalRequest) error
	List(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error)
	ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error)
}

// AuditStore appends immutable audit entries.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	ListByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
}

// Directory resolves an organizational role to concrete approver
// identities. The engine holds no identity data of its own.
type Directory interface {
	UsersWithRole(ctx context.Context, role string) ([]repository.Approver, error)
}

// ActionExecutor applies an approved change to the subject project.
// Invoked exactly once per approved request; failures are surfaced to
// the caller but never roll back the approval decision.
type ActionExecutor interface {
	Apply(ctx context.Context, projectID string, kind repository.ChangeKind, before, after *repository.ChangeValue) error
}

// Notifier publishes approval events. Best-effort: implementations
// must never let a publish failure reach the caller.
type Notifier interface {
	PublishRequestEvent(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string, recipients []string)
}

// ApprovalService is the approval workflow engine: it matches change
// proposals against rules, freezes the approver set at creation,
// aggregates votes to a terminal outcome and triggers the approved
// change exactly once.
type ApprovalService struct {
	rules     RuleStore
	requests  RequestStore
	audit     AuditStore
	directory Directory
	executor  ActionExecutor
	notifier  Notifier
	log       *logger.Logger

	locks keyedMutex
}

// NewApprovalService creates a new ApprovalService. The executor and
// notifier may be nil in standalone setups; the engine then skips the
// corresponding side effects.
func NewApprovalService(
	rules RuleStore,
	requests RequestStore,
	audit AuditStore,
	directory Directory,
	executor ActionExecutor,
	notifier Notifier,
	log *logger.Logger,
) *ApprovalService {
	return &ApprovalService{
		rules:     rules,
		requests:  requests,
		audit:     audit,
		directory: directory,
		executor:  executor,
		notifier:  notifier,
		log:       log,
	}
}

// ── Request creation ──────────────────────────────────────────────────────────

// CreateRequestInput is the payload for CreateRequest.
type CreateRequestInput struct {
	ChangeKind    repository.ChangeKind   `json:"change_kind"`
	ProjectID     string                  `json:"project_id"`
	ProjectName   string                  `json:"project_name"`
	RequestedBy   string                  `json:"requested_by"`
	RequesterName string                  `json:"requester_name"`
	Title         string                  `json:"title"`
	Description   string                  `json:"description"`
	Before        *repository.ChangeValue `json:"before,omitempty"`
	After         *repository.ChangeValue `json:"after,omitempty"`
	Justification string                  `json:"justification"`
	Urgency       repository.Urgency      `json:"urgency,omitempty"`
	Deadline      *time.Time              `json:"deadline,omitempty"`
}

// CreateRequest evaluates rules for the proposed change, resolves the
// required approver set and persists the request with one pending
// approval per approver. The approver set is frozen from here on.
func (s *ApprovalService) CreateRequest(ctx context.Context, input *CreateRequestInput) (*repository.ApprovalRequest, error) {
	if err := validateCreateInput(input); err != nil {
		return nil, err
	}
	if input.Urgency == "" {
		input.Urgency = repository.UrgencyMedium
	}

	rules, err := s.rules.List(ctx, true)
	if err != nil {
		return nil, err
	}

	matched := MatchRules(rules, input.ChangeKind, input.Before, input.After)
	if len(matched) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApplicableRule,
			"no enabled approval rule matches %s for project %q", input.ChangeKind, input.ProjectID)
	}

	approvers := s.resolveApprovers(ctx, matched)
	if len(approvers) == 0 {
		return nil, errors.Newf(errors.ErrCodeNoApprovers,
			"matched rules resolve to no approvers for project %q", input.ProjectID)
	}

	now := time.Now()
	req := &repository.ApprovalRequest{
		ID:            uuid.NewString(),
		ChangeKind:    input.ChangeKind,
		ProjectID:     input.ProjectID,
		ProjectName:   input.ProjectName,
		RequestedBy:   input.RequestedBy,
		RequesterName: input.RequesterName,
		Title:         input.Title,
		Description:   input.Description,
		Before:        input.Before,
		After:         input.After,
		Justification: input.Justification,
		Urgency:       input.Urgency,
		Status:        repository.RequestStatusPending,
		Approvals:     make([]repository.Approval, 0, len(approvers)),
		Deadline:      input.Deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	for _, a := range approvers {
		req.Approvals = append(req.Approvals, repository.Approval{
			ApproverID:   a.ID,
			ApproverName: a.Name,
			Status:       repository.ApprovalStatusPending,
		})
	}

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}

	after := req.Status
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:   req.ID,
		Action:      "submitted",
		PerformedBy: req.RequestedBy,
		StatusAfter: &after,
		Metadata: map[string]any{
			"change_kind": req.ChangeKind,
			"approvers":   len(req.Approvals),
		},
	})
	s.notify(ctx, EventApprovalRequested, req, req.RequestedBy, approverIDs(req))

	s.log.Info().
		Str("request_id", req.ID).
		Str("project_id", req.ProjectID).
		Str("change_kind", string(req.ChangeKind)).
		Int("approvers", len(req.Approvals)).
		Msg("Approval request created")

	return req, nil
}

func validateCreateInput(input *CreateRequestInput) error {
	if input == nil {
		return errors.New(errors.ErrCodeInvalidInput, "request body is required")
	}
	if !input.ChangeKind.Valid() {
		return errors.InvalidInput("change_kind", "unknown change kind")
	}
	if input.ProjectID == "" {
		return errors.InvalidInput("project_id", "project id is required")
	}
	if input.RequestedBy == "" {
		return errors.InvalidInput("requested_by", "requester identity is required")
	}
	if input.Title == "" {
		return errors.InvalidInput("title", "title is required")
	}
	if input.Urgency != "" && !input.Urgency.Valid() {
		return errors.InvalidInput("urgency", "unknown urgency tier")
	}
	return nil
}

// ── Vote processing ───────────────────────────────────────────────────────────

// ProcessApproval records one approver's decision and re-evaluates the
// request. Aggregation is unanimity: any rejection makes the request
// rejected immediately; the request becomes approved only when every
// approval is approved. The whole read-modify-write runs inside a
// per-request critical section so concurrent votes serialize.
func (s *ApprovalService) ProcessApproval(
	ctx context.Context,
	requestID, approverID string,
	decision repository.ApprovalStatus,
	comment *string,
) error {
	if decision != repository.ApprovalStatusApproved && decision != repository.ApprovalStatusRejected {
		return errors.InvalidInput("decision", "must be approved or rejected")
	}

	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Terminal() {
		return errors.Newf(errors.ErrCodeRequestTerminal,
			"request %q is already %s", requestID, req.Status)
	}
	vote := req.ApprovalFor(approverID)
	if vote == nil {
		return errors.Newf(errors.ErrCodeNotAnApprover,
			"%q is not an approver on request %q", approverID, requestID)
	}
	if vote.Status != repository.ApprovalStatusPending {
		return errors.Newf(errors.ErrCodeAlreadyDecided,
			"approver %q already decided on request %q", approverID, requestID)
	}

	now := time.Now()
	vote.Status = decision
	vote.Comment = comment
	vote.DecidedAt = &now

	statusBefore := req.Status
	req.Status = aggregateStatus(req.Approvals)
	req.UpdatedAt = now
	if req.Terminal() {
		req.DecidedAt = &now
	}

	if err := s.requests.Update(ctx, req); err != nil {
		return err
	}

	statusAfter := req.Status
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		Action:       string(decision),
		PerformedBy:  approverID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
		Metadata:     auditComment(comment),
	})

	switch req.Status {
	case repository.RequestStatusApproved:
		s.notify(ctx, EventRequestApproved, req, approverID, []string{req.RequestedBy})
		s.log.Info().
			Str("request_id", req.ID).
			Str("project_id", req.ProjectID).
			Msg("Request approved by all approvers")
		return s.applyAction(ctx, req)
	case repository.RequestStatusRejected:
		s.notify(ctx, EventRequestRejected, req, approverID, []string{req.RequestedBy})
		s.log.Info().
			Str("request_id", req.ID).
			Str("rejected_by", approverID).
			Msg("Request rejected")
	}
	return nil
}

// aggregateStatus computes the overall outcome from individual votes.
// Order independent: rejection wins regardless of arrival order.
func aggregateStatus(approvals []repository.Approval) repository.RequestStatus {
	allApproved := true
	for _, a := range approvals {
		switch a.Status {
		case repository.ApprovalStatusRejected:
			return repository.RequestStatusRejected
		case repository.ApprovalStatusPending:
			allApproved = false
		}
	}
	if allApproved {
		return repository.RequestStatusApproved
	}
	return repository.RequestStatusPending
}

// applyAction invokes the action executor for an approved request. The
// approval stands even when the action fails; the failure is surfaced
// separately for operator remediation.
func (s *ApprovalService) applyAction(ctx context.Context, req *repository.ApprovalRequest) error {
	if s.executor == nil {
		s.log.Warn().Str("request_id", req.ID).Msg("No action executor configured; change not applied")
		return nil
	}
	if err := s.executor.Apply(ctx, req.ProjectID, req.ChangeKind, req.Before, req.After); err != nil {
		s.log.Error().Err(err).
			Str("request_id", req.ID).
			Str("project_id", req.ProjectID).
			Msg("Approved change could not be applied")
		return errors.Wrap(err, errors.ErrCodeActionFailed,
			"request approved but applying the change failed")
	}
	return nil
}

// ── Cancellation ──────────────────────────────────────────────────────────────

// CancelRequest lets the original requester withdraw a still-pending request.
func (s *ApprovalService) CancelRequest(ctx context.Context, requestID, callerID string) error {
	unlock := s.locks.lock(requestID)
	defer unlock()

	req, err := s.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.RequestedBy != callerID {
		return errors.Newf(errors.ErrCodeNotRequester,
			"only the requester may cancel request %q", requestID)
	}
	if req.Terminal() {
		return errors.Newf(errors.ErrCodeRequestTerminal,
			"request %q is already %s", requestID, req.Status)
	}

	now := time.Now()
	statusBefore := req.Status
	req.Status = repository.RequestStatusCancelled
	req.DecidedAt = &now
	req.UpdatedAt = now

	if err := s.requests.Update(ctx, req); err != nil {
		return err
	}

	statusAfter := req.Status
	s.appendAudit(ctx, &repository.AuditEntry{
		RequestID:    req.ID,
		Action:       "cancelled",
		PerformedBy:  callerID,
		StatusBefore: &statusBefore,
		StatusAfter:  &statusAfter,
	})
	s.notify(ctx, EventRequestCancelled, req, callerID, approverIDs(req))

	s.log.Info().
		Str("request_id", req.ID).
		Msg("Request cancelled by requester")
	return nil
}

// ── Queries ───────────────────────────────────────────────────────────────────

// GetRequest returns one request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*repository.ApprovalRequest, error) {
	return s.requests.GetByID(ctx, id)
}

// ListRequests returns requests matching the filter.
func (s *ApprovalService) ListRequests(ctx context.Context, filter repository.RequestFilter) ([]*repository.ApprovalRequest, error) {
	return s.requests.List(ctx, filter)
}

// ListPendingForApprover returns requests still awaiting a vote from
// the given approver.
func (s *ApprovalService) ListPendingForApprover(ctx context.Context, approverID string) ([]*repository.ApprovalRequest, error) {
	if approverID == "" {
		return nil, errors.InvalidInput("approver_id", "approver id is required")
	}
	return s.requests.ListPendingForApprover(ctx, approverID)
}

// GetAuditTrail returns the audit log for a request oldest-first.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.ListByRequestID(ctx, requestID)
}

// ── Rule administration ───────────────────────────────────────────────────────

// UpsertRule creates or replaces an approval rule. Existing requests
// keep the approver sets resolved at their creation time.
func (s *ApprovalService) UpsertRule(ctx context.Context, rule *repository.ApprovalRule) error {
	if rule == nil {
		return errors.New(errors.ErrCodeInvalidInput, "rule body is required")
	}
	if rule.Name == "" {
		return errors.InvalidInput("name", "rule name is required")
	}
	if !rule.ChangeKind.Valid() {
		return errors.InvalidInput("change_kind", "unknown change kind")
	}

	now := time.Now()
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	return s.rules.Upsert(ctx, rule)
}

// SetRuleEnabled flips a rule's enabled flag.
func (s *ApprovalService) SetRuleEnabled(ctx context.Context, ruleID string, enabled bool) error {
	return s.rules.SetEnabled(ctx, ruleID, enabled)
}

// ListRules returns all rules, optionally enabled only.
func (s *ApprovalService) ListRules(ctx context.Context, enabledOnly bool) ([]*repository.ApprovalRule, error) {
	return s.rules.List(ctx, enabledOnly)
}

// ── Internal helpers ──────────────────────────────────────────────────────────

// appendAudit writes an audit entry; failures are logged, never returned.
func (s *ApprovalService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("request_id", entry.RequestID).
			Str("action", entry.Action).
			Msg("Failed to write audit entry")
	}
}

// notify publishes an event when a notifier is configured.
func (s *ApprovalService) notify(ctx context.Context, eventType string, req *repository.ApprovalRequest, actorID string, recipients []string) {
	if s.notifier == nil {
		return
	}
	s.notifier.PublishRequestEvent(ctx, eventType, req, actorID, recipients)
}

func approverIDs(req *repository.ApprovalRequest) []string {
	ids := make([]string, 0, len(req.Approvals))
	for _, a := range req.Approvals {
		ids = append(ids, a.ApproverID)
	}
	return ids
}

func auditComment(comment *string) map[string]any {
	if comment == nil || *comment == "" {
		return nil
	}
	return map[string]any{"comment": *comment}
}

// keyedMutex serializes operations per request id. Requests are
// independent, so votes on different requests proceed in parallel.
type keyedMutex struct {
	locks sync.Map // request id → *sync.Mutex
}

func (k *keyedMutex) lock(id string) (unlock func()) {
	v, _ := k.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
