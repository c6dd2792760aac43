package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// RequestService is the surface the CRUD/API layer talks to: submission,
// reads, and pass-through to the flow engine for approval actions.
type RequestService struct {
	requests RequestStore
	items    ItemStore
	progress ProgressStore
	audit    AuditStore
	engine   *FlowEngine
	notifier Notifier
	log      zerolog.Logger
}

// NewRequestService creates a new RequestService.
func NewRequestService(
	requests RequestStore,
	items ItemStore,
	progress ProgressStore,
	audit AuditStore,
	engine *FlowEngine,
	notifier Notifier,
	log zerolog.Logger,
) *RequestService {
	return &RequestService{
		requests: requests,
		items:    items,
		progress: progress,
		audit:    audit,
		engine:   engine,
		notifier: notifier,
		log:      log,
	}
}

// SubmitRequestInput carries a new material request.
type SubmitRequestInput struct {
	TenantID  string         `json:"tenant_id"`
	ProjectID string         `json:"project_id"`
	AuthorID  string         `json:"author_id"`
	Items     []LineItemSpec `json:"items"`
}

// LineItemSpec is one requested material position.
type LineItemSpec struct {
	Name     string  `json:"name"`
	Unit     string  `json:"unit"`
	Quantity float64 `json:"quantity"`
}

// SubmitRequest creates the request with its line items and routes it into
// the approval chain. Returns the request id.
func (s *RequestService) SubmitRequest(ctx context.Context, input *SubmitRequestInput) (string, error) {
	if input.TenantID == "" {
		return "", apperrors.InvalidInput("tenant_id", "tenant is required")
	}
	if input.AuthorID == "" {
		return "", apperrors.InvalidInput("author_id", "author is required")
	}
	if len(input.Items) == 0 {
		return "", apperrors.InvalidInput("items", "at least one line item is required")
	}

	req := &repository.Request{
		ID:        uuid.NewString(),
		TenantID:  input.TenantID,
		ProjectID: input.ProjectID,
		AuthorID:  input.AuthorID,
		Status:    repository.RequestDraft,
	}

	items := make([]*repository.LineItem, 0, len(input.Items))
	for _, spec := range input.Items {
		if spec.Name == "" {
			return "", apperrors.InvalidInput("items", "line item name is required")
		}
		if spec.Quantity <= 0 {
			return "", apperrors.InvalidInput("items", "line item quantity must be positive")
		}
		if spec.Unit == "" {
			return "", apperrors.InvalidInput("items", "line item unit is required")
		}
		items = append(items, &repository.LineItem{
			ID:         uuid.NewString(),
			Name:       spec.Name,
			Unit:       spec.Unit,
			Quantity:   spec.Quantity,
			ItemStatus: repository.ItemSubmitted,
		})
	}

	if err := s.requests.Create(ctx, req, items); err != nil {
		return "", err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityRequest,
		EntityID:   req.ID,
		RequestID:  &req.ID,
		ActorID:    &input.AuthorID,
		NewState:   strPtr(string(repository.RequestDraft)),
		Severity:   repository.SeverityInfo,
		Metadata:   map[string]interface{}{"items": len(items)},
	})

	s.log.Info().
		Str("request_id", req.ID).
		Str("tenant_id", req.TenantID).
		Int("items", len(items)).
		Msg("Material request submitted")

	if err := s.engine.Initialize(ctx, req.ID); err != nil {
		return "", err
	}

	s.notifier.Notify("request_submitted", req.TenantID, req.ID, input.AuthorID,
		[]string{input.AuthorID}, map[string]interface{}{"items": len(items)})

	return req.ID, nil
}

// GetRequest returns the envelope with its line items.
func (s *RequestService) GetRequest(ctx context.Context, id string) (*repository.Request, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	req.Items, err = s.items.ListByRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return req, nil
}

// ListRequests returns the tenant's requests, newest first.
func (s *RequestService) ListRequests(ctx context.Context, tenantID string, status *repository.RequestStatus, projectID *string, page, pageSize int) ([]*repository.Request, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 50
	}
	return s.requests.List(ctx, tenantID, status, projectID, pageSize, (page-1)*pageSize)
}

// GetProgress returns the approval progress rows in step order.
func (s *RequestService) GetProgress(ctx context.Context, requestID string) ([]*repository.ProgressRecord, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.progress.ListByRequest(ctx, requestID)
}

// GetAuditTrail returns the full audit history for a request oldest-first.
func (s *RequestService) GetAuditTrail(ctx context.Context, requestID string) ([]*repository.AuditEntry, error) {
	if _, err := s.requests.GetByID(ctx, requestID); err != nil {
		return nil, err
	}
	return s.audit.GetByRequestID(ctx, requestID)
}

func (s *RequestService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_type", entry.EntityType).
			Str("entity_id", entry.EntityID).
			Msg("Failed to write audit log entry")
	}
}
