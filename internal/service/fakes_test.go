package service

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/directory"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// In-memory fakes for the store interfaces. They mirror the repository
// semantics the engine relies on: ordered progress listings, conditional
// pending-row updates that conflict when the row was already acted on, and
// pending-only deletion on replace.

// ── request store ─────────────────────────────────────────────────────────────

type fakeRequestStore struct {
	mu       sync.Mutex
	requests map[string]*repository.Request
}

func newFakeRequestStore() *fakeRequestStore {
	return &fakeRequestStore{requests: make(map[string]*repository.Request)}
}

func (s *fakeRequestStore) Create(_ context.Context, req *repository.Request, items []*repository.LineItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	for _, item := range items {
		item.RequestID = req.ID
	}
	cp.Items = nil
	s.requests[req.ID] = &cp
	return nil
}

func (s *fakeRequestStore) GetByID(_ context.Context, id string) (*repository.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, apperrors.NotFound("material_request", id)
	}
	cp := *req
	return &cp, nil
}

func (s *fakeRequestStore) List(_ context.Context, tenantID string, status *repository.RequestStatus, projectID *string, limit, offset int) ([]*repository.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Request
	for _, req := range s.requests {
		if req.TenantID != tenantID {
			continue
		}
		if status != nil && req.Status != *status {
			continue
		}
		if projectID != nil && req.ProjectID != *projectID {
			continue
		}
		cp := *req
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeRequestStore) ListNonTerminal(_ context.Context, tenantID string) ([]*repository.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Request
	for _, req := range s.requests {
		if req.TenantID == tenantID && !req.Status.Terminal() {
			cp := *req
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeRequestStore) ListDeadEnd(_ context.Context, tenantID string) ([]*repository.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.Request
	for _, req := range s.requests {
		if req.TenantID == tenantID && req.DeadEndRole != nil {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeRequestStore) BindTemplate(_ context.Context, requestID, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return apperrors.NotFound("material_request", requestID)
	}
	req.TemplateID = &templateID
	return nil
}

func (s *fakeRequestStore) SetProjection(_ context.Context, requestID string, status repository.RequestStatus, currentStepID, responsible *string, deadEndRole *repository.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return apperrors.NotFound("material_request", requestID)
	}
	req.Status = status
	req.CurrentStepID = currentStepID
	req.Responsible = responsible
	req.DeadEndRole = deadEndRole
	return nil
}

// ── progress store ────────────────────────────────────────────────────────────

type fakeProgressStore struct {
	mu   sync.Mutex
	rows map[string][]*repository.ProgressRecord // by request id
	seq  int
}

func newFakeProgressStore() *fakeProgressStore {
	return &fakeProgressStore{rows: make(map[string][]*repository.ProgressRecord)}
}

func (s *fakeProgressStore) ListByRequest(_ context.Context, requestID string) ([]*repository.ProgressRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[requestID]
	out := make([]*repository.ProgressRecord, len(rows))
	for i, row := range rows {
		cp := *row
		out[i] = &cp
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepOrder < out[j].StepOrder })
	return out, nil
}

func (s *fakeProgressStore) CreatePending(_ context.Context, requestID string, steps []*repository.ChainStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendPending(requestID, steps)
	return nil
}

func (s *fakeProgressStore) ReplacePending(_ context.Context, requestID string, steps []*repository.ChainStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*repository.ProgressRecord
	for _, row := range s.rows[requestID] {
		if row.Status != repository.ProgressPending {
			kept = append(kept, row)
		}
	}
	s.rows[requestID] = kept
	s.appendPending(requestID, steps)
	return nil
}

func (s *fakeProgressStore) appendPending(requestID string, steps []*repository.ChainStep) {
	for _, step := range steps {
		s.seq++
		s.rows[requestID] = append(s.rows[requestID], &repository.ProgressRecord{
			ID:               uuid.NewString(),
			RequestID:        requestID,
			StepID:           step.ID,
			Role:             step.Role,
			StepOrder:        step.StepOrder,
			SkipIfNoApprover: step.SkipIfNoApprover,
			Mandatory:        step.Mandatory,
			Status:           repository.ProgressPending,
		})
	}
}

func (s *fakeProgressStore) find(progressID string) *repository.ProgressRecord {
	for _, rows := range s.rows {
		for _, row := range rows {
			if row.ID == progressID {
				return row
			}
		}
	}
	return nil
}

func (s *fakeProgressStore) SetApprover(_ context.Context, progressID, approverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(progressID)
	if row == nil || row.Status != repository.ProgressPending {
		return apperrors.Conflict("progress row is no longer pending")
	}
	row.ApproverID = &approverID
	return nil
}

func (s *fakeProgressStore) MarkSkipped(_ context.Context, progressID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(progressID)
	if row == nil || row.Status != repository.ProgressPending {
		return apperrors.Conflict("progress row is no longer pending")
	}
	row.Status = repository.ProgressSkipped
	row.ApproverID = nil
	return nil
}

func (s *fakeProgressStore) Finish(_ context.Context, progressID string, status repository.ProgressStatus, actorID string, comment *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.find(progressID)
	if row == nil || row.Status != repository.ProgressPending {
		return apperrors.New(apperrors.CodeConflict, "progress row already acted on")
	}
	row.Status = status
	row.ApproverID = &actorID
	row.Comment = comment
	return nil
}

// ── template store ────────────────────────────────────────────────────────────

type fakeTemplateStore struct {
	mu        sync.Mutex
	templates map[string]*repository.ChainTemplate
}

func newFakeTemplateStore() *fakeTemplateStore {
	return &fakeTemplateStore{templates: make(map[string]*repository.ChainTemplate)}
}

func (s *fakeTemplateStore) Create(_ context.Context, tpl *repository.ChainTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tpl.ID == "" {
		tpl.ID = uuid.NewString()
	}
	for _, step := range tpl.Steps {
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		step.TemplateID = tpl.ID
	}
	s.templates[tpl.ID] = tpl
	return nil
}

func (s *fakeTemplateStore) GetByID(_ context.Context, id string) (*repository.ChainTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[id]
	if !ok {
		return nil, apperrors.NotFound("chain_template", id)
	}
	return tpl, nil
}

func (s *fakeTemplateStore) GetActive(_ context.Context, tenantID string) (*repository.ChainTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tpl := range s.templates {
		if tpl.TenantID != nil && *tpl.TenantID == tenantID && tpl.IsActive {
			return tpl, nil
		}
	}
	return nil, nil
}

func (s *fakeTemplateStore) List(_ context.Context, tenantID string) ([]*repository.ChainTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.ChainTemplate
	for _, tpl := range s.templates {
		if tpl.TenantID != nil && *tpl.TenantID == tenantID {
			out = append(out, tpl)
		}
	}
	return out, nil
}

func (s *fakeTemplateStore) Activate(_ context.Context, tenantID, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	target, ok := s.templates[templateID]
	if !ok || target.TenantID == nil || *target.TenantID != tenantID {
		return apperrors.NotFound("chain_template", templateID)
	}
	for _, tpl := range s.templates {
		if tpl.TenantID != nil && *tpl.TenantID == tenantID {
			tpl.IsActive = false
		}
	}
	target.IsActive = true
	return nil
}

func (s *fakeTemplateStore) Delete(_ context.Context, tenantID, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tpl, ok := s.templates[templateID]
	if !ok || tpl.TenantID == nil || *tpl.TenantID != tenantID || tpl.IsActive {
		return apperrors.Conflict("template not found or currently active")
	}
	delete(s.templates, templateID)
	return nil
}

// ── item store ────────────────────────────────────────────────────────────────

type fakeItemStore struct {
	mu    sync.Mutex
	items map[string]*repository.LineItem
}

func newFakeItemStore() *fakeItemStore {
	return &fakeItemStore{items: make(map[string]*repository.LineItem)}
}

func (s *fakeItemStore) add(item *repository.LineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item
}

func (s *fakeItemStore) GetByID(_ context.Context, id string) (*repository.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, apperrors.NotFound("line_item", id)
	}
	cp := *item
	return &cp, nil
}

func (s *fakeItemStore) ListByRequest(_ context.Context, requestID string) ([]*repository.LineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.LineItem
	for _, item := range s.items {
		if item.RequestID == requestID {
			cp := *item
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeItemStore) UpdateStatus(_ context.Context, id string, from, to repository.ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.ItemStatus != from {
		return apperrors.Conflict("item status changed concurrently")
	}
	item.ItemStatus = to
	return nil
}

func (s *fakeItemStore) Cancel(_ context.Context, id string, from repository.ItemStatus, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.ItemStatus != from {
		return apperrors.Conflict("item status changed concurrently")
	}
	prev := item.ItemStatus
	item.PreviousItemStatus = &prev
	item.ItemStatus = repository.ItemCancelled
	item.CancelReason = &reason
	return nil
}

func (s *fakeItemStore) Restore(_ context.Context, id string, to repository.ItemStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.ItemStatus != repository.ItemCancelled {
		return apperrors.Conflict("item is not cancelled")
	}
	item.ItemStatus = to
	item.PreviousItemStatus = nil
	item.CancelReason = nil
	return nil
}

// ── audit store ───────────────────────────────────────────────────────────────

type fakeAuditStore struct {
	mu      sync.Mutex
	entries []*repository.AuditEntry
}

func newFakeAuditStore() *fakeAuditStore {
	return &fakeAuditStore{}
}

func (s *fakeAuditStore) Append(_ context.Context, entry *repository.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = uuid.NewString()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *fakeAuditStore) GetByRequestID(_ context.Context, requestID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, entry := range s.entries {
		if entry.RequestID != nil && *entry.RequestID == requestID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *fakeAuditStore) GetByEntity(_ context.Context, entityType, entityID string) ([]*repository.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, entry := range s.entries {
		if entry.EntityType == entityType && entry.EntityID == entityID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (s *fakeAuditStore) bySeverity(sev repository.AuditSeverity) []*repository.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*repository.AuditEntry
	for _, entry := range s.entries {
		if entry.Severity == sev {
			out = append(out, entry)
		}
	}
	return out
}

// ── directory ─────────────────────────────────────────────────────────────────

// fakeDirectory maps (tenant, project, role) to ordered member listings.
// Project-scoped entries use a non-empty project key.
type fakeDirectory struct {
	mu      sync.Mutex
	members map[[3]string][]directory.Member
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{members: make(map[[3]string][]directory.Member)}
}

func (d *fakeDirectory) set(tenantID, projectID string, role repository.Role, userIDs ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var members []directory.Member
	for _, id := range userIDs {
		members = append(members, directory.Member{UserID: id, Role: string(role), Active: true})
	}
	d.members[[3]string{tenantID, projectID, string(role)}] = members
}

func (d *fakeDirectory) ListMembers(_ context.Context, tenantID, projectID, role string) ([]directory.Member, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.members[[3]string{tenantID, projectID, role}], nil
}

// ── notifier ──────────────────────────────────────────────────────────────────

type notification struct {
	EventType  string
	RequestID  string
	Recipients []string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{}
}

func (n *fakeNotifier) Notify(eventType, _, requestID, _ string, recipients []string, _ map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{EventType: eventType, RequestID: requestID, Recipients: recipients})
}

func (n *fakeNotifier) byType(eventType string) []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notification
	for _, evt := range n.events {
		if evt.EventType == eventType {
			out = append(out, evt)
		}
	}
	return out
}
