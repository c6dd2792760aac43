package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// Audit entity types shared by both state machines.
const (
	entityRequest      = "request"
	entityProgressStep = "progress_step"
	entityLineItem     = "line_item"
	entityTemplate     = "chain_template"
)

// FlowEngine owns the envelope state machine. It is the only writer of
// Request.status, current_step_id, responsible and dead_end_role, and of
// progress row outcomes.
type FlowEngine struct {
	requests  RequestStore
	progress  ProgressStore
	templates TemplateStore
	audit     AuditStore
	resolver  *ApproverResolver
	notifier  Notifier
	locks     *requestLocks
	log       zerolog.Logger
}

// NewFlowEngine creates a new FlowEngine.
func NewFlowEngine(
	requests RequestStore,
	progress ProgressStore,
	templates TemplateStore,
	audit AuditStore,
	resolver *ApproverResolver,
	notifier Notifier,
	log zerolog.Logger,
) *FlowEngine {
	return &FlowEngine{
		requests:  requests,
		progress:  progress,
		templates: templates,
		audit:     audit,
		resolver:  resolver,
		notifier:  notifier,
		locks:     newRequestLocks(),
		log:       log,
	}
}

// ── Initialize ────────────────────────────────────────────────────────────────

// Initialize binds the tenant's active chain to a freshly created request,
// creates one pending progress row per step and advances to the first
// resolvable checkpoint. When the tenant has no active template the built-in
// default chain is synthesized and persisted so submission is never blocked.
func (e *FlowEngine) Initialize(ctx context.Context, requestID string) error {
	release := e.locks.acquire(requestID)
	defer release()

	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if req.Status != repository.RequestDraft {
		return apperrors.Newf(apperrors.CodeConflict, "request %s is already initialized", requestID)
	}

	tpl, err := e.activeTemplate(ctx, req.TenantID)
	if err != nil {
		return err
	}

	if err := e.progress.CreatePending(ctx, req.ID, tpl.Steps); err != nil {
		return err
	}
	if err := e.requests.BindTemplate(ctx, req.ID, tpl.ID); err != nil {
		return err
	}

	e.log.Info().
		Str("request_id", req.ID).
		Str("template_id", tpl.ID).
		Int("steps", len(tpl.Steps)).
		Msg("Approval chain bound to request")

	return e.advance(ctx, req)
}

// activeTemplate returns the tenant's active template, synthesizing and
// persisting the default chain when none exists.
func (e *FlowEngine) activeTemplate(ctx context.Context, tenantID string) (*repository.ChainTemplate, error) {
	tpl, err := e.templates.GetActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tpl != nil {
		return tpl, nil
	}

	tpl = DefaultTemplate(tenantID)
	if err := e.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	e.log.Warn().
		Str("tenant_id", tenantID).
		Msg("No active chain template; default chain synthesized")

	return tpl, nil
}

// ── Advance ───────────────────────────────────────────────────────────────────

// Advance moves the request to its next actionable checkpoint. Idempotent:
// calling it again with no intervening state change leaves state untouched.
func (e *FlowEngine) Advance(ctx context.Context, requestID string) error {
	release := e.locks.acquire(requestID)
	defer release()

	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	return e.advance(ctx, req)
}

// advance runs the iterative traversal with the per-request lock already
// held. The iteration count is capped at the chain length so a malformed
// chain (duplicate orders, cyclic edits) cannot loop forever.
func (e *FlowEngine) advance(ctx context.Context, req *repository.Request) error {
	if req.Status.Terminal() {
		return nil
	}

	rows, err := e.progress.ListByRequest(ctx, req.ID)
	if err != nil {
		return err
	}

	maxIterations := len(rows) + 1
	for i := 0; i < maxIterations; i++ {
		row := firstPending(rows)
		if row == nil {
			return e.finishApproved(ctx, req)
		}

		approverID, err := e.resolver.Resolve(ctx, req.TenantID, req.ProjectID, row.Role)
		if err != nil {
			return err
		}

		if approverID == "" {
			if row.SkipIfNoApprover {
				if err := e.autoSkip(ctx, req, row); err != nil {
					return err
				}
				row.Status = repository.ProgressSkipped
				continue
			}
			if row.Mandatory {
				return e.markDeadEnd(ctx, req, row)
			}
			// Unassigned checkpoint: anyone holding the role may act.
			return e.assignStep(ctx, req, row, "")
		}

		return e.assignStep(ctx, req, row, approverID)
	}

	return apperrors.Newf(apperrors.CodeInternal,
		"advance did not terminate within %d iterations for request %s", maxIterations, req.ID)
}

func (e *FlowEngine) finishApproved(ctx context.Context, req *repository.Request) error {
	if req.Status == repository.RequestApproved && req.CurrentStepID == nil {
		return nil
	}

	oldStatus := string(req.Status)
	if err := e.requests.SetProjection(ctx, req.ID, repository.RequestApproved, nil, nil, nil); err != nil {
		return err
	}
	req.Status = repository.RequestApproved
	req.CurrentStepID = nil
	req.Responsible = nil
	req.DeadEndRole = nil

	e.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityRequest,
		EntityID:   req.ID,
		RequestID:  &req.ID,
		OldState:   strPtr(oldStatus),
		NewState:   strPtr(string(repository.RequestApproved)),
		Severity:   repository.SeverityInfo,
	})

	e.log.Info().Str("request_id", req.ID).Msg("Request fully approved")
	e.notifier.Notify("request_approved", req.TenantID, req.ID, "", []string{req.AuthorID}, nil)
	return nil
}

func (e *FlowEngine) autoSkip(ctx context.Context, req *repository.Request, row *repository.ProgressRecord) error {
	if err := e.progress.MarkSkipped(ctx, row.ID); err != nil {
		return err
	}

	e.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityProgressStep,
		EntityID:   row.ID,
		RequestID:  &req.ID,
		OldState:   strPtr(string(repository.ProgressPending)),
		NewState:   strPtr(string(repository.ProgressSkipped)),
		Severity:   repository.SeverityWarning,
		Comment:    strPtr("auto-skipped: no approver resolvable for role"),
		Metadata:   map[string]interface{}{"role": string(row.Role), "step_order": row.StepOrder},
	})

	e.log.Warn().
		Str("request_id", req.ID).
		Str("role", string(row.Role)).
		Int("step_order", row.StepOrder).
		Msg("Checkpoint auto-skipped: no approver")
	return nil
}

func (e *FlowEngine) markDeadEnd(ctx context.Context, req *repository.Request, row *repository.ProgressRecord) error {
	role := row.Role
	if err := e.requests.SetProjection(ctx, req.ID, repository.RequestInProgress, &row.StepID, nil, &role); err != nil {
		return err
	}
	req.Status = repository.RequestInProgress
	req.CurrentStepID = &row.StepID
	req.Responsible = nil
	req.DeadEndRole = &role

	e.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityRequest,
		EntityID:   req.ID,
		RequestID:  &req.ID,
		NewState:   strPtr("dead_end"),
		Severity:   repository.SeverityWarning,
		Comment:    strPtr("mandatory checkpoint has no resolvable approver"),
		Metadata:   map[string]interface{}{"role": string(role), "step_order": row.StepOrder},
	})

	e.log.Warn().
		Str("request_id", req.ID).
		Str("role", string(role)).
		Msg("Request at dead end: mandatory checkpoint unresolvable")
	e.notifier.Notify("request_dead_end", req.TenantID, req.ID, "", []string{req.AuthorID},
		map[string]interface{}{"role": string(role)})
	return nil
}

func (e *FlowEngine) assignStep(ctx context.Context, req *repository.Request, row *repository.ProgressRecord, approverID string) error {
	var responsible *string
	if approverID != "" {
		if err := e.progress.SetApprover(ctx, row.ID, approverID); err != nil {
			return err
		}
		responsible = &approverID
	}

	if err := e.requests.SetProjection(ctx, req.ID, repository.RequestInProgress, &row.StepID, responsible, nil); err != nil {
		return err
	}
	req.Status = repository.RequestInProgress
	req.CurrentStepID = &row.StepID
	req.Responsible = responsible
	req.DeadEndRole = nil

	e.log.Info().
		Str("request_id", req.ID).
		Str("role", string(row.Role)).
		Int("step_order", row.StepOrder).
		Msg("Request awaiting approval")

	if approverID != "" {
		e.notifier.Notify("approval_required", req.TenantID, req.ID, "", []string{approverID},
			map[string]interface{}{"role": string(row.Role), "step_order": row.StepOrder})
	}
	return nil
}

// ── Approve / Reject ──────────────────────────────────────────────────────────

// Approve records the current checkpoint as approved by actor and advances.
func (e *FlowEngine) Approve(ctx context.Context, requestID, actorID string, comment *string) error {
	release := e.locks.acquire(requestID)
	defer release()

	req, row, err := e.currentPending(ctx, requestID)
	if err != nil {
		return err
	}
	if err := assertCanAct(row, actorID); err != nil {
		return err
	}

	if err := e.progress.Finish(ctx, row.ID, repository.ProgressApproved, actorID, comment); err != nil {
		return err
	}

	e.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityProgressStep,
		EntityID:   row.ID,
		RequestID:  &req.ID,
		ActorID:    &actorID,
		OldState:   strPtr(string(repository.ProgressPending)),
		NewState:   strPtr(string(repository.ProgressApproved)),
		Severity:   repository.SeverityInfo,
		Comment:    comment,
		Metadata:   map[string]interface{}{"role": string(row.Role), "step_order": row.StepOrder},
	})

	e.log.Info().
		Str("request_id", req.ID).
		Str("actor_id", actorID).
		Str("role", string(row.Role)).
		Msg("Checkpoint approved")

	return e.advance(ctx, req)
}

// Reject records the current checkpoint as rejected and terminates the
// envelope. The comment is mandatory.
func (e *FlowEngine) Reject(ctx context.Context, requestID, actorID, comment string) error {
	if comment == "" {
		return apperrors.InvalidInput("comment", "rejection comment is required")
	}

	release := e.locks.acquire(requestID)
	defer release()

	req, row, err := e.currentPending(ctx, requestID)
	if err != nil {
		return err
	}
	if err := assertCanAct(row, actorID); err != nil {
		return err
	}

	if err := e.progress.Finish(ctx, row.ID, repository.ProgressRejected, actorID, &comment); err != nil {
		return err
	}
	if err := e.requests.SetProjection(ctx, req.ID, repository.RequestRejected, nil, nil, nil); err != nil {
		return err
	}

	e.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityRequest,
		EntityID:   req.ID,
		RequestID:  &req.ID,
		ActorID:    &actorID,
		OldState:   strPtr(string(repository.RequestInProgress)),
		NewState:   strPtr(string(repository.RequestRejected)),
		Severity:   repository.SeverityInfo,
		Comment:    &comment,
		Metadata:   map[string]interface{}{"role": string(row.Role), "step_order": row.StepOrder},
	})

	e.log.Info().
		Str("request_id", req.ID).
		Str("actor_id", actorID).
		Msg("Request rejected")

	e.notifier.Notify("request_rejected", req.TenantID, req.ID, actorID, []string{req.AuthorID},
		map[string]interface{}{"comment": comment})
	return nil
}

// currentPending loads the request and its pending row at the current step.
func (e *FlowEngine) currentPending(ctx context.Context, requestID string) (*repository.Request, *repository.ProgressRecord, error) {
	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.CurrentStepID == nil {
		return nil, nil, apperrors.New(apperrors.CodeNotInApprovalStage,
			"request has no checkpoint awaiting action")
	}

	rows, err := e.progress.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}

	row := firstPending(rows)
	if row == nil || row.StepID != *req.CurrentStepID {
		// The projection points at a row someone already acted on.
		return nil, nil, apperrors.Conflict("checkpoint already acted on")
	}
	return req, row, nil
}

// assertCanAct checks that the actor is the resolved approver. Rows with no
// resolved approver can be acted on by anyone holding the role (the API layer
// enforces role membership).
func assertCanAct(row *repository.ProgressRecord, actorID string) error {
	if row.ApproverID == nil || *row.ApproverID == actorID {
		return nil
	}
	return apperrors.Newf(apperrors.CodeForbidden,
		"checkpoint is assigned to %s", *row.ApproverID)
}

// ── Reconcile ─────────────────────────────────────────────────────────────────

// Reconcile re-routes an in-flight request onto a new chain template.
// Approved, rejected and skipped rows are immutable history; only pending
// rows are replaced. Returns true when the request was restarted at position
// zero because its last completed role is absent from the new chain.
func (e *FlowEngine) Reconcile(ctx context.Context, requestID, newTemplateID string) (restarted bool, err error) {
	release := e.locks.acquire(requestID)
	defer release()

	req, err := e.requests.GetByID(ctx, requestID)
	if err != nil {
		return false, err
	}
	if req.Status.Terminal() {
		e.appendAudit(ctx, &repository.AuditEntry{
			EntityType: entityRequest,
			EntityID:   req.ID,
			RequestID:  &req.ID,
			Severity:   repository.SeverityInfo,
			Comment:    strPtr("reconcile skipped: request is terminal"),
			Metadata:   map[string]interface{}{"template_id": newTemplateID},
		})
		return false, nil
	}

	tpl, err := e.templates.GetByID(ctx, newTemplateID)
	if err != nil {
		return false, err
	}
	if len(tpl.Steps) == 0 {
		return false, apperrors.InvalidInput("template", "chain template has no steps")
	}

	rows, err := e.progress.ListByRequest(ctx, req.ID)
	if err != nil {
		return false, err
	}

	lastRole, hasCompleted := lastCompletedRole(rows)

	position := 0
	if hasCompleted {
		position = positionAfterRole(tpl.Steps, lastRole)
		if position < 0 {
			position = 0
			restarted = true
			e.appendAudit(ctx, &repository.AuditEntry{
				EntityType: entityRequest,
				EntityID:   req.ID,
				RequestID:  &req.ID,
				NewState:   strPtr("reconcile_restarted"),
				Severity:   repository.SeverityWarning,
				Comment:    strPtr("last completed role absent from new chain; restarting at position 0"),
				Metadata: map[string]interface{}{
					"template_id":   tpl.ID,
					"orphaned_role": string(lastRole),
				},
			})
			e.log.Warn().
				Str("request_id", req.ID).
				Str("orphaned_role", string(lastRole)).
				Str("template_id", tpl.ID).
				Msg("Reconcile restarting request at position 0")
		}
	}

	// One transaction: a failure here must never leave the request with zero
	// pending rows while non-terminal.
	if err := e.progress.ReplacePending(ctx, req.ID, tpl.Steps[position:]); err != nil {
		return false, err
	}
	if err := e.requests.BindTemplate(ctx, req.ID, tpl.ID); err != nil {
		return false, err
	}

	e.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityRequest,
		EntityID:   req.ID,
		RequestID:  &req.ID,
		NewState:   strPtr("reconciled"),
		Severity:   repository.SeverityInfo,
		Metadata: map[string]interface{}{
			"template_id":    tpl.ID,
			"resume_position": position,
			"pending_steps":  len(tpl.Steps) - position,
		},
	})

	return restarted, e.advance(ctx, req)
}

// RetryAdvance re-runs the traversal for a request, typically to recover a
// dead-ended request after the directory changed.
func (e *FlowEngine) RetryAdvance(ctx context.Context, requestID string) error {
	return e.Advance(ctx, requestID)
}

// ListDeadEnd returns the tenant's requests stalled on an unresolvable
// mandatory checkpoint.
func (e *FlowEngine) ListDeadEnd(ctx context.Context, tenantID string) ([]*repository.Request, error) {
	return e.requests.ListDeadEnd(ctx, tenantID)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func firstPending(rows []*repository.ProgressRecord) *repository.ProgressRecord {
	for _, row := range rows {
		if row.Status == repository.ProgressPending {
			return row
		}
	}
	return nil
}

// lastCompletedRole returns the role of the highest-order approved row.
func lastCompletedRole(rows []*repository.ProgressRecord) (repository.Role, bool) {
	var role repository.Role
	found := false
	for _, row := range rows { // rows are ordered by step_order ascending
		if row.Status == repository.ProgressApproved {
			role = row.Role
			found = true
		}
	}
	return role, found
}

// positionAfterRole returns the index just past the first step holding role,
// or -1 when the role is absent.
func positionAfterRole(steps []*repository.ChainStep, role repository.Role) int {
	for i, step := range steps {
		if step.Role == role {
			return i + 1
		}
	}
	return -1
}

// appendAudit writes an audit entry and logs a warning on failure. The audit
// sink never vetoes a committed transition.
func (e *FlowEngine) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := e.audit.Append(ctx, entry); err != nil {
		e.log.Warn().Err(err).
			Str("entity_type", entry.EntityType).
			Str("entity_id", entry.EntityID).
			Msg("Failed to write audit log entry")
	}
}

func strPtr(s string) *string { return &s }
