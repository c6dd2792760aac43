package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/database"
)

// RequestRepository manages material request envelopes. The flow-engine
// projection columns (status, current_step_id, responsible, dead_end_role) are
// written only through SetProjection.
type RequestRepository struct {
	db *database.DB
}

// NewRequestRepository creates a new RequestRepository.
func NewRequestRepository(db *database.DB) *RequestRepository {
	return &RequestRepository{db: db}
}

// Create inserts a request and its line items in one transaction.
func (r *RequestRepository) Create(ctx context.Context, req *Request, items []*LineItem) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		reqQuery := `
			INSERT INTO material_requests
			    (id, tenant_id, project_id, author_id, status)
			VALUES ($1, $2, $3, $4, $5::request_status)
			RETURNING created_at, updated_at
		`

		err := tx.QueryRow(ctx, reqQuery,
			req.ID,
			req.TenantID,
			req.ProjectID,
			req.AuthorID,
			req.Status,
		).Scan(&req.CreatedAt, &req.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create material request")
		}

		itemQuery := `
			INSERT INTO line_items
			    (id, request_id, name, unit, quantity, item_status)
			VALUES ($1, $2, $3, $4, $5, $6::item_status)
			RETURNING created_at, updated_at
		`

		for _, item := range items {
			item.RequestID = req.ID
			err := tx.QueryRow(ctx, itemQuery,
				item.ID,
				item.RequestID,
				item.Name,
				item.Unit,
				item.Quantity,
				item.ItemStatus,
			).Scan(&item.CreatedAt, &item.UpdatedAt)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create line item")
			}
		}

		return nil
	})
}

// GetByID retrieves a request envelope by primary key.
func (r *RequestRepository) GetByID(ctx context.Context, id string) (*Request, error) {
	query := `
		SELECT id, tenant_id, project_id, author_id, status,
		       template_id, current_step_id, responsible, dead_end_role,
		       created_at, updated_at
		FROM material_requests
		WHERE id = $1
	`

	req, err := r.scanRequest(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("material_request", id)
	}
	return req, err
}

// List returns requests for a tenant, newest first, optionally filtered by
// status and project.
func (r *RequestRepository) List(ctx context.Context, tenantID string, status *RequestStatus, projectID *string, limit, offset int) ([]*Request, error) {
	query := `
		SELECT id, tenant_id, project_id, author_id, status,
		       template_id, current_step_id, responsible, dead_end_role,
		       created_at, updated_at
		FROM material_requests
		WHERE tenant_id = $1
		  AND ($2::request_status IS NULL OR status = $2::request_status)
		  AND ($3::text IS NULL OR project_id = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5
	`

	rows, err := r.db.Query(ctx, query, tenantID, status, projectID, limit, offset)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListNonTerminal returns every draft or in-progress request of a tenant.
// Used by the chain-change reconcile fan-out.
func (r *RequestRepository) ListNonTerminal(ctx context.Context, tenantID string) ([]*Request, error) {
	query := `
		SELECT id, tenant_id, project_id, author_id, status,
		       template_id, current_step_id, responsible, dead_end_role,
		       created_at, updated_at
		FROM material_requests
		WHERE tenant_id = $1
		  AND status IN ('draft', 'in_progress')
		ORDER BY created_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list non-terminal requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListDeadEnd returns requests stalled on a mandatory step with no resolvable
// approver.
func (r *RequestRepository) ListDeadEnd(ctx context.Context, tenantID string) ([]*Request, error) {
	query := `
		SELECT id, tenant_id, project_id, author_id, status,
		       template_id, current_step_id, responsible, dead_end_role,
		       created_at, updated_at
		FROM material_requests
		WHERE tenant_id = $1
		  AND dead_end_role IS NOT NULL
		ORDER BY updated_at ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list dead-end requests")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// BindTemplate records which chain template governs the request.
func (r *RequestRepository) BindTemplate(ctx context.Context, requestID, templateID string) error {
	query := `
		UPDATE material_requests
		SET template_id = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, requestID, templateID).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("material_request", requestID)
	}
	return err
}

// SetProjection writes the flow-engine-owned columns in one statement.
func (r *RequestRepository) SetProjection(ctx context.Context, requestID string, status RequestStatus, currentStepID, responsible *string, deadEndRole *Role) error {
	query := `
		UPDATE material_requests
		SET status          = $2::request_status,
		    current_step_id = $3,
		    responsible     = $4,
		    dead_end_role   = $5,
		    updated_at      = NOW()
		WHERE id = $1
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, requestID, status, currentStepID, responsible, deadEndRole).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.NotFound("material_request", requestID)
	}
	return err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type requestScanner interface {
	Scan(dest ...any) error
}

func (r *RequestRepository) scanRequest(row requestScanner) (*Request, error) {
	req := &Request{}
	err := row.Scan(
		&req.ID,
		&req.TenantID,
		&req.ProjectID,
		&req.AuthorID,
		&req.Status,
		&req.TemplateID,
		&req.CurrentStepID,
		&req.Responsible,
		&req.DeadEndRole,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return req, nil
}

func (r *RequestRepository) scanRows(rows pgx.Rows) ([]*Request, error) {
	var reqs []*Request
	for rows.Next() {
		req, err := r.scanRequest(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan request")
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}
