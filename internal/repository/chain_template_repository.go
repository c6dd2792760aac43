package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/database"
)

// ChainTemplateRepository handles CRUD and activation for approval chain
// templates and their steps.
type ChainTemplateRepository struct {
	db *database.DB
}

// NewChainTemplateRepository creates a new ChainTemplateRepository.
func NewChainTemplateRepository(db *database.DB) *ChainTemplateRepository {
	return &ChainTemplateRepository{db: db}
}

// Create inserts a template and its steps in one transaction.
func (r *ChainTemplateRepository) Create(ctx context.Context, tpl *ChainTemplate) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		tplQuery := `
			INSERT INTO chain_templates (tenant_id, name, is_active)
			VALUES ($1, $2, $3)
			RETURNING id, created_at, updated_at
		`

		err := tx.QueryRow(ctx, tplQuery, tpl.TenantID, tpl.Name, tpl.IsActive).
			Scan(&tpl.ID, &tpl.CreatedAt, &tpl.UpdatedAt)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create chain template")
		}

		stepQuery := `
			INSERT INTO chain_steps (template_id, role, step_order, skip_if_no_approver, mandatory)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`

		for _, step := range tpl.Steps {
			step.TemplateID = tpl.ID
			err := tx.QueryRow(ctx, stepQuery,
				step.TemplateID,
				step.Role,
				step.StepOrder,
				step.SkipIfNoApprover,
				step.Mandatory,
			).Scan(&step.ID)
			if err != nil {
				return apperrors.Wrap(err, apperrors.CodeInternal, "failed to create chain step")
			}
		}

		return nil
	})
}

// GetByID retrieves a template with its steps ordered by step_order.
func (r *ChainTemplateRepository) GetByID(ctx context.Context, id string) (*ChainTemplate, error) {
	query := `
		SELECT id, tenant_id, name, is_active, created_at, updated_at
		FROM chain_templates
		WHERE id = $1
	`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("chain_template", id)
	}
	if err != nil {
		return nil, err
	}

	tpl.Steps, err = r.getSteps(ctx, tpl.ID)
	return tpl, err
}

// GetActive returns the active template for a tenant with its steps, or nil
// when the tenant has no active template yet.
func (r *ChainTemplateRepository) GetActive(ctx context.Context, tenantID string) (*ChainTemplate, error) {
	query := `
		SELECT id, tenant_id, name, is_active, created_at, updated_at
		FROM chain_templates
		WHERE tenant_id = $1 AND is_active = TRUE
		LIMIT 1
	`

	tpl, err := r.scanTemplate(r.db.QueryRow(ctx, query, tenantID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tpl.Steps, err = r.getSteps(ctx, tpl.ID)
	return tpl, err
}

// List returns all templates of a tenant ordered by name, without steps.
func (r *ChainTemplateRepository) List(ctx context.Context, tenantID string) ([]*ChainTemplate, error) {
	query := `
		SELECT id, tenant_id, name, is_active, created_at, updated_at
		FROM chain_templates
		WHERE tenant_id = $1
		ORDER BY name ASC
	`

	rows, err := r.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list chain templates")
	}
	defer rows.Close()

	var tpls []*ChainTemplate
	for rows.Next() {
		tpl, err := r.scanTemplate(rows)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan chain template")
		}
		tpls = append(tpls, tpl)
	}
	return tpls, nil
}

// Activate atomically deactivates every other template of the tenant and
// activates the named one. All-or-nothing.
func (r *ChainTemplateRepository) Activate(ctx context.Context, tenantID, templateID string) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE chain_templates
			SET is_active = FALSE, updated_at = NOW()
			WHERE tenant_id = $1 AND id <> $2 AND is_active = TRUE
		`, tenantID, templateID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to deactivate chain templates")
		}

		tag, err := tx.Exec(ctx, `
			UPDATE chain_templates
			SET is_active = TRUE, updated_at = NOW()
			WHERE id = $1 AND tenant_id = $2
		`, templateID, tenantID)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to activate chain template")
		}
		if tag.RowsAffected() == 0 {
			return apperrors.NotFound("chain_template", templateID)
		}
		return nil
	})
}

// Delete removes an inactive template and its steps. The active template
// cannot be deleted.
func (r *ChainTemplateRepository) Delete(ctx context.Context, tenantID, templateID string) error {
	query := `
		DELETE FROM chain_templates
		WHERE id = $1 AND tenant_id = $2 AND is_active = FALSE
	`

	tag, err := r.db.Exec(ctx, query, templateID, tenantID)
	if err != nil {
		return apperrors.Wrap(err, apperrors.CodeInternal, "failed to delete chain template")
	}
	if tag.RowsAffected() == 0 {
		return apperrors.Conflict("template not found or currently active")
	}
	return nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type templateScanner interface {
	Scan(dest ...any) error
}

func (r *ChainTemplateRepository) scanTemplate(row templateScanner) (*ChainTemplate, error) {
	tpl := &ChainTemplate{}
	err := row.Scan(
		&tpl.ID,
		&tpl.TenantID,
		&tpl.Name,
		&tpl.IsActive,
		&tpl.CreatedAt,
		&tpl.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return tpl, nil
}

func (r *ChainTemplateRepository) getSteps(ctx context.Context, templateID string) ([]*ChainStep, error) {
	query := `
		SELECT id, template_id, role, step_order, skip_if_no_approver, mandatory
		FROM chain_steps
		WHERE template_id = $1
		ORDER BY step_order ASC
	`

	rows, err := r.db.Query(ctx, query, templateID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get chain steps")
	}
	defer rows.Close()

	var steps []*ChainStep
	for rows.Next() {
		s := &ChainStep{}
		err := rows.Scan(&s.ID, &s.TemplateID, &s.Role, &s.StepOrder, &s.SkipIfNoApprover, &s.Mandatory)
		if err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan chain step")
		}
		steps = append(steps, s)
	}
	return steps, nil
}
