package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/database"
)

// ProgressRepository manages per-(request, step) progress rows. Rows are
// created in bulk when a chain is bound and mutated one at a time afterwards;
// approved, rejected and skipped rows are immutable history.
type ProgressRepository struct {
	db *database.DB
}

// NewProgressRepository creates a new ProgressRepository.
func NewProgressRepository(db *database.DB) *ProgressRepository {
	return &ProgressRepository{db: db}
}

// ListByRequest returns all progress rows for a request ordered by step_order.
func (r *ProgressRepository) ListByRequest(ctx context.Context, requestID string) ([]*ProgressRecord, error) {
	query := `
		SELECT id, request_id, step_id, role, step_order,
		       skip_if_no_approver, mandatory, status,
		       approver_id, comment, approved_at, created_at, updated_at
		FROM approval_progress
		WHERE request_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get progress rows")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// CreatePending inserts one pending row per chain step in one transaction.
func (r *ProgressRepository) CreatePending(ctx context.Context, requestID string, steps []*ChainStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		return insertPending(ctx, tx, requestID, steps)
	})
}

// ReplacePending deletes the currently pending rows of a request and inserts
// fresh pending rows for the given steps, all in one transaction. The request
// row is locked first so the swap cannot interleave with an approval.
func (r *ProgressRepository) ReplacePending(ctx context.Context, requestID string, steps []*ChainStep) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var lockedID string
		err := tx.QueryRow(ctx,
			`SELECT id FROM material_requests WHERE id = $1 FOR UPDATE`, requestID,
		).Scan(&lockedID)
		if err == pgx.ErrNoRows {
			return apperrors.NotFound("material_request", requestID)
		}
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to lock request")
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM approval_progress
			WHERE request_id = $1 AND status = 'pending'
		`, requestID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete pending rows")
		}

		return insertPending(ctx, tx, requestID, steps)
	})
}

// SetApprover records the resolved approver on a pending row.
func (r *ProgressRepository) SetApprover(ctx context.Context, progressID, approverID string) error {
	query := `
		UPDATE approval_progress
		SET approver_id = $2, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, progressID, approverID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("progress row is no longer pending")
	}
	return err
}

// MarkSkipped marks a pending row as auto-skipped. The approver stays null.
func (r *ProgressRepository) MarkSkipped(ctx context.Context, progressID string) error {
	query := `
		UPDATE approval_progress
		SET status = 'skipped'::progress_status, approver_id = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, progressID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("progress row is no longer pending")
	}
	return err
}

// Finish records an approve or reject outcome on a pending row. The
// status='pending' guard makes the loser of a race fail with a conflict
// instead of overwriting the winner's outcome.
func (r *ProgressRepository) Finish(ctx context.Context, progressID string, status ProgressStatus, actorID string, comment *string) error {
	query := `
		UPDATE approval_progress
		SET status      = $2::progress_status,
		    approver_id = $3,
		    comment     = $4,
		    approved_at = NOW(),
		    updated_at  = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, progressID, status, actorID, comment).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.New(apperrors.CodeConflict, "progress row already acted on")
	}
	return err
}

// ── helpers ───────────────────────────────────────────────────────────────────

func insertPending(ctx context.Context, tx pgx.Tx, requestID string, steps []*ChainStep) error {
	query := `
		INSERT INTO approval_progress
		    (id, request_id, step_id, role, step_order,
		     skip_if_no_approver, mandatory, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending'::progress_status)
	`

	for _, step := range steps {
		_, err := tx.Exec(ctx, query,
			uuid.NewString(),
			requestID,
			step.ID,
			step.Role,
			step.StepOrder,
			step.SkipIfNoApprover,
			step.Mandatory,
		)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create progress row")
		}
	}
	return nil
}

func (r *ProgressRepository) scanRows(rows pgx.Rows) ([]*ProgressRecord, error) {
	var records []*ProgressRecord
	for rows.Next() {
		p := &ProgressRecord{}
		err := rows.Scan(
			&p.ID,
			&p.RequestID,
			&p.StepID,
			&p.Role,
			&p.StepOrder,
			&p.SkipIfNoApprover,
			&p.Mandatory,
			&p.Status,
			&p.ApproverID,
			&p.Comment,
			&p.ApprovedAt,
			&p.CreatedAt,
			&p.UpdatedAt,
		)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan progress row")
		}
		records = append(records, p)
	}
	return records, nil
}
