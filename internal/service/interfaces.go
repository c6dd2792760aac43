package service

import (
	"context"

	"github.com/buildflow-ai/be-mr-requests/internal/directory"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// Consumer-side interfaces for the collaborators the services depend on.
// The repository and client packages satisfy them; tests substitute in-memory
// fakes.

// RequestStore persists material request envelopes.
type RequestStore interface {
	Create(ctx context.Context, req *repository.Request, items []*repository.LineItem) error
	GetByID(ctx context.Context, id string) (*repository.Request, error)
	List(ctx context.Context, tenantID string, status *repository.RequestStatus, projectID *string, limit, offset int) ([]*repository.Request, error)
	ListNonTerminal(ctx context.Context, tenantID string) ([]*repository.Request, error)
	ListDeadEnd(ctx context.Context, tenantID string) ([]*repository.Request, error)
	BindTemplate(ctx context.Context, requestID, templateID string) error
	SetProjection(ctx context.Context, requestID string, status repository.RequestStatus, currentStepID, responsible *string, deadEndRole *repository.Role) error
}

// ProgressStore persists per-(request, step) progress rows.
type ProgressStore interface {
	ListByRequest(ctx context.Context, requestID string) ([]*repository.ProgressRecord, error)
	CreatePending(ctx context.Context, requestID string, steps []*repository.ChainStep) error
	ReplacePending(ctx context.Context, requestID string, steps []*repository.ChainStep) error
	SetApprover(ctx context.Context, progressID, approverID string) error
	MarkSkipped(ctx context.Context, progressID string) error
	Finish(ctx context.Context, progressID string, status repository.ProgressStatus, actorID string, comment *string) error
}

// TemplateStore persists chain templates.
type TemplateStore interface {
	Create(ctx context.Context, tpl *repository.ChainTemplate) error
	GetByID(ctx context.Context, id string) (*repository.ChainTemplate, error)
	GetActive(ctx context.Context, tenantID string) (*repository.ChainTemplate, error)
	List(ctx context.Context, tenantID string) ([]*repository.ChainTemplate, error)
	Activate(ctx context.Context, tenantID, templateID string) error
	Delete(ctx context.Context, tenantID, templateID string) error
}

// ItemStore persists line items.
type ItemStore interface {
	GetByID(ctx context.Context, id string) (*repository.LineItem, error)
	ListByRequest(ctx context.Context, requestID string) ([]*repository.LineItem, error)
	UpdateStatus(ctx context.Context, id string, from, to repository.ItemStatus) error
	Cancel(ctx context.Context, id string, from repository.ItemStatus, reason string) error
	Restore(ctx context.Context, id string, to repository.ItemStatus) error
}

// AuditStore is the append-only audit sink shared by both state machines.
type AuditStore interface {
	Append(ctx context.Context, entry *repository.AuditEntry) error
	GetByRequestID(ctx context.Context, requestID string) ([]*repository.AuditEntry, error)
	GetByEntity(ctx context.Context, entityType, entityID string) ([]*repository.AuditEntry, error)
}

// DirectoryClient is the org directory lookup feeding approver resolution.
type DirectoryClient interface {
	ListMembers(ctx context.Context, tenantID, projectID, role string) ([]directory.Member, error)
}

// Notifier dispatches workflow notifications, fire-and-forget.
type Notifier interface {
	Notify(eventType, tenantID, requestID, actorID string, recipients []string, payload map[string]interface{})
}

// NopNotifier discards notifications. Used when NATS is not configured.
type NopNotifier struct{}

// Notify implements Notifier.
func (NopNotifier) Notify(string, string, string, string, []string, map[string]interface{}) {}
