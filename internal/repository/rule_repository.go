package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/atlasops/be-pm-approvals/internal/platform/database"
	"github.com/atlasops/be-pm-approvals/internal/platform/errors"
)

// RuleRepository handles CRUD for approval_rules.
type RuleRepository struct {
	db *database.DB
}

// NewRuleRepository creates a new RuleRepository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db}
}

// Upsert inserts or replaces a rule by primary key.
func (r *RuleRepository) Upsert(ctx context.Context, rule *ApprovalRule) error {
	approversJSON, err := json.Marshal(rule.Approvers)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to marshal rule approvers")
	}

	query := `
		INSERT INTO approval_rules
		    (id, name, change_kind, enabled,
		     amount_threshold, day_threshold,
		     requires_all, min_approvers, approvers,
		     created_at, updated_at)
		VALUES ($1, $2, $3::change_kind, $4,
		        $5, $6,
		        $7, $8, $9,
		        $10, $11)
		ON CONFLICT (id) DO UPDATE
		SET name             = EXCLUDED.name,
		    change_kind      = EXCLUDED.change_kind,
		    enabled          = EXCLUDED.enabled,
		    amount_threshold = EXCLUDED.amount_threshold,
		    day_threshold    = EXCLUDED.day_threshold,
		    requires_all     = EXCLUDED.requires_all,
		    min_approvers    = EXCLUDED.min_approvers,
		    approvers        = EXCLUDED.approvers,
		    updated_at       = EXCLUDED.updated_at
	`

	_, err = r.db.Exec(ctx, query,
		rule.ID,
		rule.Name,
		rule.ChangeKind,
		rule.Enabled,
		rule.AmountThreshold,
		rule.DayThreshold,
		rule.RequiresAll,
		rule.MinApprovers,
		approversJSON,
		rule.CreatedAt,
		rule.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to upsert approval rule")
	}
	return nil
}

// GetByID retrieves a rule by primary key.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*ApprovalRule, error) {
	query := `
		SELECT id, name, change_kind, enabled,
		       amount_threshold, day_threshold,
		       requires_all, min_approvers, approvers,
		       created_at, updated_at
		FROM approval_rules
		WHERE id = $1
	`

	rule, err := r.scanRule(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_rule", id)
	}
	return rule, err
}

// List returns all rules, optionally filtered to enabled only.
func (r *RuleRepository) List(ctx context.Context, enabledOnly bool) ([]*ApprovalRule, error) {
	query := `
		SELECT id, name, change_kind, enabled,
		       amount_threshold, day_threshold,
		       requires_all, min_approvers, approvers,
		       created_at, updated_at
		FROM approval_rules
	`
	if enabledOnly {
		query += " WHERE enabled = TRUE"
	}
	query += " ORDER BY name ASC"

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list approval rules")
	}
	defer rows.Close()

	var rules []*ApprovalRule
	for rows.Next() {
		rule, err := r.scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval rule")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// SetEnabled flips a rule's enabled flag. In-flight requests keep
// their already-resolved approver sets regardless.
func (r *RuleRepository) SetEnabled(ctx context.Context, id string, enabled bool) error {
	query := `
		UPDATE approval_rules
		SET enabled    = $2,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, enabled).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return errors.NotFound("approval_rule", id)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval rule")
	}
	return nil
}

// ── scan helper ───────────────────────────────────────────────────────────────

type ruleScanner interface {
	Scan(dest ...any) error
}

func (r *RuleRepository) scanRule(row ruleScanner) (*ApprovalRule, error) {
	rule := &ApprovalRule{}
	var approversJSON []byte

	err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.ChangeKind,
		&rule.Enabled,
		&rule.AmountThreshold,
		&rule.DayThreshold,
		&rule.RequiresAll,
		&rule.MinApprovers,
		&approversJSON,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(approversJSON, &rule.Approvers); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal rule approvers")
	}
	return rule, nil
}
