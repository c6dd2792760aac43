package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/database"
)

// LineItemRepository manages line items. Item creation happens inside
// RequestRepository.Create; this repository covers reads and fulfillment
// status mutations.
type LineItemRepository struct {
	db *database.DB
}

// NewLineItemRepository creates a new LineItemRepository.
func NewLineItemRepository(db *database.DB) *LineItemRepository {
	return &LineItemRepository{db: db}
}

// GetByID retrieves a line item by primary key.
func (r *LineItemRepository) GetByID(ctx context.Context, id string) (*LineItem, error) {
	query := `
		SELECT id, request_id, name, unit, quantity,
		       item_status, previous_item_status, cancel_reason,
		       created_at, updated_at
		FROM line_items
		WHERE id = $1
	`

	item, err := r.scanItem(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, apperrors.NotFound("line_item", id)
	}
	return item, err
}

// ListByRequest returns all line items of a request in creation order.
func (r *LineItemRepository) ListByRequest(ctx context.Context, requestID string) ([]*LineItem, error) {
	query := `
		SELECT id, request_id, name, unit, quantity,
		       item_status, previous_item_status, cancel_reason,
		       created_at, updated_at
		FROM line_items
		WHERE request_id = $1
		ORDER BY created_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to list line items")
	}
	defer rows.Close()

	var items []*LineItem
	for rows.Next() {
		item := &LineItem{}
		if err := r.scanInto(rows, item); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan line item")
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateStatus moves an item to a new fulfillment status, guarded by the
// expected current status so concurrent transitions cannot both win.
func (r *LineItemRepository) UpdateStatus(ctx context.Context, id string, from, to ItemStatus) error {
	query := `
		UPDATE line_items
		SET item_status = $3::item_status, updated_at = NOW()
		WHERE id = $1 AND item_status = $2::item_status
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, from, to).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("item status changed concurrently")
	}
	return err
}

// Cancel snapshots the current status and marks the item cancelled.
func (r *LineItemRepository) Cancel(ctx context.Context, id string, from ItemStatus, reason string) error {
	query := `
		UPDATE line_items
		SET item_status          = 'cancelled'::item_status,
		    previous_item_status = $2::item_status,
		    cancel_reason        = $3,
		    updated_at           = NOW()
		WHERE id = $1 AND item_status = $2::item_status
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, from, reason).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("item status changed concurrently")
	}
	return err
}

// Restore puts a cancelled item back to its snapshotted status and clears the
// cancellation metadata.
func (r *LineItemRepository) Restore(ctx context.Context, id string, to ItemStatus) error {
	query := `
		UPDATE line_items
		SET item_status          = $2::item_status,
		    previous_item_status = NULL,
		    cancel_reason        = NULL,
		    updated_at           = NOW()
		WHERE id = $1 AND item_status = 'cancelled'::item_status
		RETURNING id
	`

	var returnedID string
	err := r.db.QueryRow(ctx, query, id, to).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		return apperrors.Conflict("item is not cancelled")
	}
	return err
}

// ── scan helpers ──────────────────────────────────────────────────────────────

type itemScanner interface {
	Scan(dest ...any) error
}

func (r *LineItemRepository) scanItem(row itemScanner) (*LineItem, error) {
	item := &LineItem{}
	if err := r.scanInto(row, item); err != nil {
		return nil, err
	}
	return item, nil
}

func (r *LineItemRepository) scanInto(sc itemScanner, item *LineItem) error {
	return sc.Scan(
		&item.ID,
		&item.RequestID,
		&item.Name,
		&item.Unit,
		&item.Quantity,
		&item.ItemStatus,
		&item.PreviousItemStatus,
		&item.CancelReason,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
}
