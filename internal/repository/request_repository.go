package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/atlasops/be-pm-approvals/internal/platform/database"
	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
)

// RequestRepository manages approval requests. A request and its
// approvals are always written together: the approver set is frozen at
// creation and owned exclusively by the request, so approvals are
// serialized as a JSONB column on the request row.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

const requestColumns = `
	id, change_kind, project_id, project_name,
	requested_by, requester_name, title, description,
	before_value, after_value, justification,
	urgency, status, approvals,
	deadline, decided_at, created_at, updated_at
`

// Create inserts a request with its frozen approval rows.
func (r *RequestRepository) Create(ctx context.Context, req *ApprovalRequest) error {
	approvalsJSON, beforeJSON, afterJSON, err := marshalRequestJSON(req)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO approval_requests
		    (id, change_kind, project_id, project_name,
		     requested_by, requester_name, title, description,
		     before_value, after_value, justification,
		     urgency, status, approvals,
		     deadline, decided_at, created_at, updated_at)
		VALUES ($1, $2::change_kind, $3, $4,
		        $5, $6, $7, $8,
		        $9, $10, $11,
		        $12::urgency_level, $13::request_status, $14,
		        $15, $16, $17, $18)
	`

	_, err = r.db.Exec(ctx, query,
		req.ID,
		req.ChangeKind,
		req.ProjectID,
		req.ProjectName,
		req.RequestedBy,
		req.RequesterName,
		req.Title,
		req.Description,
		beforeJSON,
		afterJSON,
		req.Justification,
		req.Urgency,
		req.Status,
		approvalsJSON,
		req.Deadline,
		req.DecidedAt,
		req.CreatedAt,
		req.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval request")
	}
	return nil
}

// GetByID retrieves a request by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE id = $1`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_request", id)
	}
	return req, err
}

// Update persists vote and status changes on an existing request.
func (r *RequestRepository) Update(ctx context.Context, req *ApprovalRequest) error {
	approvalsJSON, _, _, err := marshalRequestJSON(req)
	if err != nil {
		return err
	}

	query := `
		UPDATE approval_requests
		SET status     = $2::request_status,
		    approvals  = $3,
		    decided_at = $4,
		    updated_at = $5
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err = r.db.QueryRow(ctx, query,
		req.ID,
		req.Status,
		approvalsJSON,
		req.DecidedAt,
		req.UpdatedAt,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_request", req.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval request")
	}
	return nil
}

// List returns requests matching the filter, newest first.
func (r *RequestRepository) List(ctx context.Context, filter RequestFilter) ([]*ApprovalRequest, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE 1=1`
	var args []any

	if filter.Status != nil {
		args = append(args, *filter.Status)
		query += ` AND status = $` + strconv.Itoa(len(args)) + `::request_status`
	}
	if filter.ProjectID != nil {
		args = append(args, *filter.ProjectID)
		query += ` AND project_id = $` + strconv.Itoa(len(args))
	}
	if filter.ApproverID != nil {
		args = append(args, *filter.ApproverID)
		query += ` AND approvals @> jsonb_build_array(jsonb_build_object('approver_id', $` + strconv.Itoa(len(args)) + `::text))`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListPendingForApprover returns pending requests on which the given
// approver still has an undecided vote, oldest first.
func (r *RequestRepository) ListPendingForApprover(ctx context.Context, approverID string) ([]*ApprovalRequest, error) {
	query := `
		SELECT ` + requestColumns + `
		FROM approval_requests
		WHERE status = 'pending'
		  AND approvals @> jsonb_build_array(
		          jsonb_build_object('approver_id', $1::text, 'status', 'pending'))
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, approverID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*ApprovalRequest, error) {
	req := &ApprovalRequest{}
	var approvalsJSON, beforeJSON, afterJSON []byte

	err := row.Scan(
		&req.ID,
		&req.ChangeKind,
		&req.ProjectID,
		&req.ProjectName,
		&req.RequestedBy,
		&req.RequesterName,
		&req.Title,
		&req.Description,
		&beforeJSON,
		&afterJSON,
		&req.Justification,
		&req.Urgency,
		&req.Status,
		&approvalsJSON,
		&req.Deadline,
		&req.DecidedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(approvalsJSON, &req.Approvals); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal approvals")
	}
	if beforeJSON != nil {
		if err := json.Unmarshal(beforeJSON, &req.Before); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal before value")
		}
	}
	if afterJSON != nil {
		if err := json.Unmarshal(afterJSON, &req.After); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal after value")
		}
	}
	return req, nil
}

func (r *RequestRepository) scanRows(rows pgx.Rows) ([]*ApprovalRequest, error) {
	var requests []*ApprovalRequest
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval request")
		}
		requests = append(requests, req)
	}
	return requests, nil
}

func marshalRequestJSON(req *ApprovalRequest) (approvals, before, after []byte, err error) {
	approvals, err = json.Marshal(req.Approvals)
	if err != nil {
		return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal approvals")
	}
	if req.Before != nil {
		before, err = json.Marshal(req.Before)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal before value")
		}
	}
	if req.After != nil {
		after, err = json.Marshal(req.After)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal after value")
		}
	}
	return approvals, before, after, nil
}
