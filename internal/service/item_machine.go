package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// ItemStatusMachine drives per-line-item fulfillment. It shares the audit
// sink with the flow engine but never touches the envelope or progress rows:
// an approved request may still have items mid-fulfillment, and vice versa.
type ItemStatusMachine struct {
	items    ItemStore
	requests RequestStore
	audit    AuditStore
	notifier Notifier
	log      zerolog.Logger
}

// NewItemStatusMachine creates a new ItemStatusMachine.
func NewItemStatusMachine(
	items ItemStore,
	requests RequestStore,
	audit AuditStore,
	notifier Notifier,
	log zerolog.Logger,
) *ItemStatusMachine {
	return &ItemStatusMachine{
		items:    items,
		requests: requests,
		audit:    audit,
		notifier: notifier,
		log:      log,
	}
}

// Transition moves an item to target on behalf of actingRole. The transition
// table is authoritative: any (status, role, target) combination outside it
// is forbidden.
func (m *ItemStatusMachine) Transition(ctx context.Context, itemID string, target repository.ItemStatus, actingRole repository.Role, actorID string, comment *string) error {
	if !repository.ValidRole(actingRole) {
		return apperrors.InvalidInput("role", "unknown role: "+string(actingRole))
	}

	item, err := m.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Cancelled() {
		return apperrors.Conflict("item is cancelled; restore it before transitioning")
	}
	if !transitionAllowed(item.ItemStatus, actingRole, target) {
		return apperrors.Newf(apperrors.CodeForbidden,
			"role %s may not move item from %s to %s", actingRole, item.ItemStatus, target)
	}

	if err := m.items.UpdateStatus(ctx, itemID, item.ItemStatus, target); err != nil {
		return err
	}

	m.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityLineItem,
		EntityID:   item.ID,
		RequestID:  &item.RequestID,
		ActorID:    &actorID,
		OldState:   strPtr(string(item.ItemStatus)),
		NewState:   strPtr(string(target)),
		Severity:   repository.SeverityInfo,
		Comment:    comment,
		Metadata:   map[string]interface{}{"acting_role": string(actingRole)},
	})

	m.log.Info().
		Str("item_id", item.ID).
		Str("from", string(item.ItemStatus)).
		Str("to", string(target)).
		Str("acting_role", string(actingRole)).
		Msg("Line item transitioned")

	m.notifyAuthor(ctx, item, "item_status_changed", map[string]interface{}{
		"item_id": item.ID,
		"from":    string(item.ItemStatus),
		"to":      string(target),
	})
	return nil
}

// Cancel withdraws an item from fulfillment, snapshotting its position so a
// later restore resumes exactly where it was interrupted.
func (m *ItemStatusMachine) Cancel(ctx context.Context, itemID, actorID, reason string) error {
	if reason == "" {
		return apperrors.InvalidInput("reason", "cancellation reason is required")
	}

	item, err := m.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if item.Cancelled() {
		return apperrors.Conflict("item is already cancelled")
	}
	if item.ItemStatus.Terminal() {
		return apperrors.Conflict("completed items cannot be cancelled")
	}

	if err := m.items.Cancel(ctx, itemID, item.ItemStatus, reason); err != nil {
		return err
	}

	m.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityLineItem,
		EntityID:   item.ID,
		RequestID:  &item.RequestID,
		ActorID:    &actorID,
		OldState:   strPtr(string(item.ItemStatus)),
		NewState:   strPtr(string(repository.ItemCancelled)),
		Severity:   repository.SeverityInfo,
		Comment:    &reason,
	})

	m.log.Info().
		Str("item_id", item.ID).
		Str("previous_status", string(item.ItemStatus)).
		Msg("Line item cancelled")
	return nil
}

// Restore puts a cancelled item back to its snapshotted status verbatim. This
// is a direct state restoration, not a re-validated transition: the item
// resumes where it was interrupted instead of restarting.
func (m *ItemStatusMachine) Restore(ctx context.Context, itemID, actorID string) error {
	item, err := m.items.GetByID(ctx, itemID)
	if err != nil {
		return err
	}
	if !item.Cancelled() {
		return apperrors.Conflict("item is not cancelled")
	}
	if item.PreviousItemStatus == nil {
		return apperrors.New(apperrors.CodeInternal, "cancelled item has no snapshotted status")
	}

	target := *item.PreviousItemStatus
	if err := m.items.Restore(ctx, itemID, target); err != nil {
		return err
	}

	m.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityLineItem,
		EntityID:   item.ID,
		RequestID:  &item.RequestID,
		ActorID:    &actorID,
		OldState:   strPtr(string(repository.ItemCancelled)),
		NewState:   strPtr(string(target)),
		Severity:   repository.SeverityInfo,
		Comment:    strPtr("restored to snapshotted status"),
	})

	m.log.Info().
		Str("item_id", item.ID).
		Str("restored_to", string(target)).
		Msg("Line item restored")
	return nil
}

// History returns the item's audit trail oldest-first.
func (m *ItemStatusMachine) History(ctx context.Context, itemID string) ([]*repository.AuditEntry, error) {
	if _, err := m.items.GetByID(ctx, itemID); err != nil {
		return nil, err
	}
	return m.audit.GetByEntity(ctx, entityLineItem, itemID)
}

// notifyAuthor resolves the parent request's author and notifies them.
func (m *ItemStatusMachine) notifyAuthor(ctx context.Context, item *repository.LineItem, eventType string, payload map[string]interface{}) {
	req, err := m.requests.GetByID(ctx, item.RequestID)
	if err != nil {
		m.log.Warn().Err(err).Str("item_id", item.ID).Msg("Could not load request for notification")
		return
	}
	m.notifier.Notify(eventType, req.TenantID, req.ID, "", []string{req.AuthorID}, payload)
}

func (m *ItemStatusMachine) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := m.audit.Append(ctx, entry); err != nil {
		m.log.Warn().Err(err).
			Str("entity_type", entry.EntityType).
			Str("entity_id", entry.EntityID).
			Msg("Failed to write audit log entry")
	}
}
