package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
	"github.com/buildflow-ai/be-mr-requests/internal/service"
)

// HTTPHandler handles HTTP requests
type HTTPHandler struct {
	requests *service.RequestService
	chains   *service.ChainService
	engine   *service.FlowEngine
	items    *service.ItemStatusMachine
	log      zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	requests *service.RequestService,
	chains *service.ChainService,
	engine *service.FlowEngine,
	items *service.ItemStatusMachine,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		requests: requests,
		chains:   chains,
		engine:   engine,
		items:    items,
		log:      log,
	}
}

// ── Requests ──────────────────────────────────────────────────────────────────

// SubmitRequest handles material request submission.
func (h *HTTPHandler) SubmitRequest(w http.ResponseWriter, r *http.Request) {
	var input service.SubmitRequestInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	id, err := h.requests.SubmitRequest(r.Context(), &input)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, map[string]string{"request_id": id})
}

// GetRequest returns one request with its line items.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	req, err := h.requests.GetRequest(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, req)
}

// ListRequests returns the tenant's requests.
func (h *HTTPHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	var status *repository.RequestStatus
	if s := r.URL.Query().Get("status"); s != "" {
		st := repository.RequestStatus(s)
		status = &st
	}
	var projectID *string
	if p := r.URL.Query().Get("project_id"); p != "" {
		projectID = &p
	}

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	pageSize, _ := strconv.Atoi(r.URL.Query().Get("page_size"))

	reqs, err := h.requests.ListRequests(r.Context(), tenantID, status, projectID, page, pageSize)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

// GetProgress returns the approval progress rows for a request.
func (h *HTTPHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	rows, err := h.requests.GetProgress(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"progress": rows})
}

// GetAuditTrail returns the audit history for a request.
func (h *HTTPHandler) GetAuditTrail(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Request ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.requests.GetAuditTrail(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"audit": entries})
}

// ApproveStep handles checkpoint approval.
func (h *HTTPHandler) ApproveStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string  `json:"request_id"`
		ActorID   string  `json:"actor_id"`
		Comment   *string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.Approve(r.Context(), req.RequestID, req.ActorID, req.Comment); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// RejectStep handles checkpoint rejection.
func (h *HTTPHandler) RejectStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
		ActorID   string `json:"actor_id"`
		Comment   string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.Reject(r.Context(), req.RequestID, req.ActorID, req.Comment); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

// RetryAdvance re-runs advancement, recovering dead-ended requests.
func (h *HTTPHandler) RetryAdvance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RequestID string `json:"request_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.RetryAdvance(r.Context(), req.RequestID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "advanced"})
}

// ListDeadEnd returns requests stalled on an unresolvable mandatory checkpoint.
func (h *HTTPHandler) ListDeadEnd(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	reqs, err := h.engine.ListDeadEnd(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"requests": reqs})
}

// ── Chain templates ───────────────────────────────────────────────────────────

// CreateTemplate handles chain template creation.
func (h *HTTPHandler) CreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string            `json:"tenant_id"`
		Name     string            `json:"name"`
		Steps    []service.StepDef `json:"steps"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	tpl, err := h.chains.CreateTemplate(r.Context(), &service.CreateTemplateRequest{
		TenantID: req.TenantID,
		Name:     req.Name,
		Steps:    req.Steps,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, tpl)
}

// ListTemplates returns all templates of a tenant.
func (h *HTTPHandler) ListTemplates(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	tpls, err := h.chains.ListTemplates(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"templates": tpls})
}

// GetActiveTemplate returns the governing chain for a tenant.
func (h *HTTPHandler) GetActiveTemplate(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		http.Error(w, "Tenant ID is required", http.StatusBadRequest)
		return
	}

	tpl, err := h.chains.GetActive(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, tpl)
}

// ChangeActiveChain activates a template and reconciles in-flight requests.
func (h *HTTPHandler) ChangeActiveChain(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID   string `json:"tenant_id"`
		TemplateID string `json:"template_id"`
		ActorID    string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	report, err := h.chains.ChangeActiveChain(r.Context(), req.TenantID, req.TemplateID, req.ActorID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// DeleteTemplate removes an inactive template.
func (h *HTTPHandler) DeleteTemplate(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	templateID := r.URL.Query().Get("id")
	if tenantID == "" || templateID == "" {
		http.Error(w, "Tenant ID and template ID are required", http.StatusBadRequest)
		return
	}

	if err := h.chains.DeleteTemplate(r.Context(), tenantID, templateID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Line items ────────────────────────────────────────────────────────────────

// TransitionItem moves a line item through its fulfillment chain.
func (h *HTTPHandler) TransitionItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID     string  `json:"item_id"`
		NewStatus  string  `json:"new_status"`
		ActingRole string  `json:"acting_role"`
		ActorID    string  `json:"actor_id"`
		Comment    *string `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	err := h.items.Transition(r.Context(), req.ItemID,
		repository.ItemStatus(req.NewStatus), repository.Role(req.ActingRole), req.ActorID, req.Comment)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "transitioned"})
}

// CancelItem withdraws a line item from fulfillment.
func (h *HTTPHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID  string `json:"item_id"`
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.items.Cancel(r.Context(), req.ItemID, req.ActorID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RestoreItem puts a cancelled line item back where it was interrupted.
func (h *HTTPHandler) RestoreItem(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ItemID  string `json:"item_id"`
		ActorID string `json:"actor_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.items.Restore(r.Context(), req.ItemID, req.ActorID); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "restored"})
}

// GetItemHistory returns the audit trail of one line item.
func (h *HTTPHandler) GetItemHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "Item ID is required", http.StatusBadRequest)
		return
	}

	entries, err := h.items.History(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"audit": entries})
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Warn().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(apperrors.CodeOf(err)),
		"error": err.Error(),
	})
}
