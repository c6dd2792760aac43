package repository

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/database"
)

// AuditRepository appends and reads immutable audit log entries. Both state
// machines write through it; nothing deletes from it.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append inserts one audit entry. The table has a delete-prevention trigger so
// this is the only mutation operation exposed.
func (r *AuditRepository) Append(ctx context.Context, entry *AuditEntry) error {
	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeInternal, "failed to marshal audit metadata")
		}
	}

	query := `
		INSERT INTO approval_audit_log
		    (entity_type, entity_id, request_id, actor_id,
		     old_state, new_state, severity, comment, metadata)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7::audit_severity, $8, $9)
		RETURNING id, performed_at
	`

	return r.db.QueryRow(ctx, query,
		entry.EntityType,
		entry.EntityID,
		entry.RequestID,
		entry.ActorID,
		entry.OldState,
		entry.NewState,
		entry.Severity,
		entry.Comment,
		metadataJSON,
	).Scan(&entry.ID, &entry.PerformedAt)
}

// GetByRequestID returns the full audit trail for a request oldest-first,
// including its progress-step and line-item entries.
func (r *AuditRepository) GetByRequestID(ctx context.Context, requestID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, request_id, actor_id,
		       old_state, new_state, severity, comment, metadata, performed_at
		FROM approval_audit_log
		WHERE request_id = $1
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, requestID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// GetByEntity returns all entries for one entity oldest-first.
func (r *AuditRepository) GetByEntity(ctx context.Context, entityType, entityID string) ([]*AuditEntry, error) {
	query := `
		SELECT id, entity_type, entity_id, request_id, actor_id,
		       old_state, new_state, severity, comment, metadata, performed_at
		FROM approval_audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY performed_at ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to get entity audit log")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*AuditEntry, error) {
	var entries []*AuditEntry
	for rows.Next() {
		entry, err := r.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

type auditScanner interface {
	Scan(dest ...any) error
}

func (r *AuditRepository) scanEntry(sc auditScanner) (*AuditEntry, error) {
	entry := &AuditEntry{}
	var metadataJSON []byte

	err := sc.Scan(
		&entry.ID,
		&entry.EntityType,
		&entry.EntityID,
		&entry.RequestID,
		&entry.ActorID,
		&entry.OldState,
		&entry.NewState,
		&entry.Severity,
		&entry.Comment,
		&metadataJSON,
		&entry.PerformedAt,
	)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to scan audit entry")
	}

	if metadataJSON != nil {
		if err := json.Unmarshal(metadataJSON, &entry.Metadata); err != nil {
			return nil, apperrors.Wrap(err, apperrors.CodeInternal, "failed to unmarshal audit metadata")
		}
	}

	return entry, nil
}
