package repository

import "time"

// ── Domain types for the approval workflow engine ────────────────────────────

// ChangeKind classifies the proposed change a request covers.
type ChangeKind string

const (
	ChangeKindBudget              ChangeKind = "budget_change"
	ChangeKindScope               ChangeKind = "scope_change"
	ChangeKindTimeline            ChangeKind = "timeline_change"
	ChangeKindTeam                ChangeKind = "team_change"
	ChangeKindProjectCreation     ChangeKind = "project_creation"
	ChangeKindProjectCancellation ChangeKind = "project_cancellation"
)

// Valid reports whether k is a known change kind.
func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeKindBudget, ChangeKindScope, ChangeKindTimeline,
		ChangeKindTeam, ChangeKindProjectCreation, ChangeKindProjectCancellation:
		return true
	}
	return false
}

// Urgency is the requester-supplied priority tier.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// Valid reports whether u is a known urgency tier.
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return true
	}
	return false
}

// RequestStatus is the overall lifecycle state of a request.
// pending is the only non-terminal state.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusApproved  RequestStatus = "approved"
	RequestStatusRejected  RequestStatus = "rejected"
	RequestStatusCancelled RequestStatus = "cancelled"
)

// ApprovalStatus is the state of one approver's vote.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "pending"
	ApprovalStatusApproved ApprovalStatus = "approved"
	ApprovalStatusRejected ApprovalStatus = "rejected"
)

// ChangeValue is one side of a before/after pair. Budget rules read
// Amount, timeline rules read Date; Label is display-only.
type ChangeValue struct {
	Amount *float64   `json:"amount,omitempty"`
	Date   *time.Time `json:"date,omitempty"`
	Label  string     `json:"label,omitempty"`
}

// RuleApprover is one entry in a rule's approver specification.
// Required=false entries are informational and never join the
// resolved approver set.
type RuleApprover struct {
	Role     string `json:"role"`
	Required bool   `json:"required"`
}

// ApprovalRule maps a kind of change to the approver roles it
// requires, optionally gated by a magnitude threshold.
//
// RequiresAll and MinApprovers are persisted configuration that the
// aggregator does not consult: aggregation always waits for every
// assigned approver and any rejection vetoes the request.
type ApprovalRule struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	ChangeKind      ChangeKind     `json:"change_kind"`
	Enabled         bool           `json:"enabled"`
	AmountThreshold *float64       `json:"amount_threshold,omitempty"` // min abs budget delta
	DayThreshold    *int           `json:"day_threshold,omitempty"`    // min abs timeline shift, days
	RequiresAll     bool           `json:"requires_all"`
	MinApprovers    int            `json:"min_approvers"`
	Approvers       []RuleApprover `json:"approvers"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Approver is a concrete approver identity resolved from the directory.
type Approver struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Approval is one approver's vote on a request. Each approver appears
// exactly once per request; status only moves pending → approved or
// pending → rejected.
type Approval struct {
	ApproverID   string         `json:"approver_id"`
	ApproverName string         `json:"approver_name"`
	Status       ApprovalStatus `json:"status"`
	Comment      *string        `json:"comment,omitempty"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
}

// ApprovalRequest is one proposed change awaiting sign-off. The
// approver set is frozen at creation; once Status leaves pending the
// record is immutable.
type ApprovalRequest struct {
	ID            string        `json:"id"`
	ChangeKind    ChangeKind    `json:"change_kind"`
	ProjectID     string        `json:"project_id"`
	ProjectName   string        `json:"project_name"`
	RequestedBy   string        `json:"requested_by"`
	RequesterName string        `json:"requester_name"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	Before        *ChangeValue  `json:"before,omitempty"`
	After         *ChangeValue  `json:"after,omitempty"`
	Justification string        `json:"justification"`
	Urgency       Urgency       `json:"urgency"`
	Status        RequestStatus `json:"status"`
	Approvals     []Approval    `json:"approvals"`
	Deadline      *time.Time    `json:"deadline,omitempty"` // advisory only
	DecidedAt     *time.Time    `json:"decided_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Terminal reports whether the request has reached a terminal status.
func (r *ApprovalRequest) Terminal() bool {
	return r.Status != RequestStatusPending
}

// ApprovalFor returns the approval row for approverID, or nil when the
// identity is not part of the request's approver set.
func (r *ApprovalRequest) ApprovalFor(approverID string) *Approval {
	for i := range r.Approvals {
		if r.Approvals[i].ApproverID == approverID {
			return &r.Approvals[i]
		}
	}
	return nil
}

// RequestFilter narrows ListRequests results. Nil fields match everything.
type RequestFilter struct {
	Status     *RequestStatus
	ProjectID  *string
	ApproverID *string
}

// AuditEntry is one immutable record in a request's audit trail.
type AuditEntry struct {
	ID           string         `json:"id"`
	RequestID    string         `json:"request_id"`
	Action       string         `json:"action"` // submitted | approved | rejected | cancelled
	PerformedBy  string         `json:"performed_by"`
	PerformedAt  time.Time      `json:"performed_at"`
	StatusBefore *RequestStatus `json:"status_before,omitempty"`
	StatusAfter  *RequestStatus `json:"status_after,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}
