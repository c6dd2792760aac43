package service

import (
	"context"
	"sort"

	"github.com/rs/zerolog"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

// DefaultTemplateName marks templates synthesized when a tenant submits
// without having configured a chain.
const DefaultTemplateName = "Default approval chain"

// DefaultTemplate builds the built-in fallback chain for a tenant: supply and
// PM checkpoints are skippable, engineering and director sign-off are
// mandatory.
func DefaultTemplate(tenantID string) *repository.ChainTemplate {
	tenant := tenantID
	return &repository.ChainTemplate{
		TenantID: &tenant,
		Name:     DefaultTemplateName,
		IsActive: true,
		Steps: []*repository.ChainStep{
			{Role: repository.RoleSupplyManager, StepOrder: 1, SkipIfNoApprover: true},
			{Role: repository.RoleChiefEngineer, StepOrder: 2, Mandatory: true},
			{Role: repository.RoleProjectManager, StepOrder: 3, SkipIfNoApprover: true},
			{Role: repository.RoleDirector, StepOrder: 4, Mandatory: true},
		},
	}
}

// ChainService manages chain templates and drives the reconcile fan-out when
// a tenant swaps its active chain.
type ChainService struct {
	templates TemplateStore
	requests  RequestStore
	audit     AuditStore
	engine    *FlowEngine
	log       zerolog.Logger
}

// NewChainService creates a new ChainService.
func NewChainService(
	templates TemplateStore,
	requests RequestStore,
	audit AuditStore,
	engine *FlowEngine,
	log zerolog.Logger,
) *ChainService {
	return &ChainService{
		templates: templates,
		requests:  requests,
		audit:     audit,
		engine:    engine,
		log:       log,
	}
}

// CreateTemplateRequest carries a new template definition.
type CreateTemplateRequest struct {
	TenantID string
	Name     string
	Steps    []StepDef
}

// StepDef is one step in a submitted template definition.
type StepDef struct {
	Role             repository.Role `json:"role"`
	Order            int             `json:"order"`
	SkipIfNoApprover bool            `json:"skip_if_no_approver"`
	Mandatory        bool            `json:"mandatory"`
}

// CreateTemplate validates and persists a new (inactive) template.
func (s *ChainService) CreateTemplate(ctx context.Context, req *CreateTemplateRequest) (*repository.ChainTemplate, error) {
	if req.Name == "" {
		return nil, apperrors.InvalidInput("name", "template name is required")
	}
	if err := validateSteps(req.Steps); err != nil {
		return nil, err
	}

	tenant := req.TenantID
	tpl := &repository.ChainTemplate{
		TenantID: &tenant,
		Name:     req.Name,
	}
	for _, def := range req.Steps {
		tpl.Steps = append(tpl.Steps, &repository.ChainStep{
			Role:             def.Role,
			StepOrder:        def.Order,
			SkipIfNoApprover: def.SkipIfNoApprover,
			Mandatory:        def.Mandatory,
		})
	}
	sort.Slice(tpl.Steps, func(i, j int) bool {
		return tpl.Steps[i].StepOrder < tpl.Steps[j].StepOrder
	})

	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("tenant_id", req.TenantID).
		Str("template_id", tpl.ID).
		Int("steps", len(tpl.Steps)).
		Msg("Chain template created")

	return tpl, nil
}

// validateSteps checks the closed role set and that orders form exactly 1..N.
func validateSteps(defs []StepDef) error {
	if len(defs) == 0 {
		return apperrors.InvalidInput("steps", "at least one step is required")
	}

	seen := make(map[int]bool, len(defs))
	for _, def := range defs {
		if !repository.ChainRoles[def.Role] {
			return apperrors.InvalidInput("role", "unknown chain role: "+string(def.Role))
		}
		if def.Order < 1 {
			return apperrors.InvalidInput("order", "step order must be >= 1")
		}
		if seen[def.Order] {
			return apperrors.InvalidInput("order", "duplicate step order")
		}
		seen[def.Order] = true
	}
	for i := 1; i <= len(defs); i++ {
		if !seen[i] {
			return apperrors.InvalidInput("order", "step orders must be contiguous starting at 1")
		}
	}
	return nil
}

// GetTemplate returns a template with its steps.
func (s *ChainService) GetTemplate(ctx context.Context, id string) (*repository.ChainTemplate, error) {
	return s.templates.GetByID(ctx, id)
}

// ListTemplates returns all templates of a tenant.
func (s *ChainService) ListTemplates(ctx context.Context, tenantID string) ([]*repository.ChainTemplate, error) {
	return s.templates.List(ctx, tenantID)
}

// DeleteTemplate removes an inactive template.
func (s *ChainService) DeleteTemplate(ctx context.Context, tenantID, templateID string) error {
	return s.templates.Delete(ctx, tenantID, templateID)
}

// GetActive returns the governing template for a tenant, synthesizing and
// persisting the default chain when none is configured.
func (s *ChainService) GetActive(ctx context.Context, tenantID string) (*repository.ChainTemplate, error) {
	tpl, err := s.templates.GetActive(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if tpl != nil {
		return tpl, nil
	}

	tpl = DefaultTemplate(tenantID)
	if err := s.templates.Create(ctx, tpl); err != nil {
		return nil, err
	}
	return tpl, nil
}

// ReconcileReport summarizes a chain-change fan-out. Restarted counts the
// requests whose last completed role was absent from the new chain and which
// therefore re-run from position 0 — operators should review those.
type ReconcileReport struct {
	TemplateID string `json:"template_id"`
	Reconciled int    `json:"reconciled"`
	Restarted  int    `json:"restarted"`
	Failed     int    `json:"failed"`
}

// ChangeActiveChain activates a template and reconciles every non-terminal
// request of the tenant onto it. Activation does not retroactively affect
// in-flight requests by itself; this fan-out is the explicit re-route.
func (s *ChainService) ChangeActiveChain(ctx context.Context, tenantID, templateID, actorID string) (*ReconcileReport, error) {
	tpl, err := s.templates.GetByID(ctx, templateID)
	if err != nil {
		return nil, err
	}
	if tpl.TenantID == nil || *tpl.TenantID != tenantID {
		return nil, apperrors.NotFound("chain_template", templateID)
	}
	if len(tpl.Steps) == 0 {
		return nil, apperrors.InvalidInput("template", "cannot activate a template with no steps")
	}

	if err := s.templates.Activate(ctx, tenantID, templateID); err != nil {
		return nil, err
	}

	s.appendAudit(ctx, &repository.AuditEntry{
		EntityType: entityTemplate,
		EntityID:   templateID,
		ActorID:    &actorID,
		NewState:   strPtr("active"),
		Severity:   repository.SeverityInfo,
	})

	inFlight, err := s.requests.ListNonTerminal(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{TemplateID: templateID}
	for _, req := range inFlight {
		restarted, err := s.engine.Reconcile(ctx, req.ID, templateID)
		if err != nil {
			report.Failed++
			s.log.Error().Err(err).
				Str("request_id", req.ID).
				Str("template_id", templateID).
				Msg("Reconcile failed for request")
			continue
		}
		report.Reconciled++
		if restarted {
			report.Restarted++
		}
	}

	s.log.Info().
		Str("tenant_id", tenantID).
		Str("template_id", templateID).
		Int("reconciled", report.Reconciled).
		Int("restarted", report.Restarted).
		Int("failed", report.Failed).
		Msg("Active chain changed")

	return report, nil
}

func (s *ChainService) appendAudit(ctx context.Context, entry *repository.AuditEntry) {
	if err := s.audit.Append(ctx, entry); err != nil {
		s.log.Warn().Err(err).
			Str("entity_type", entry.EntityType).
			Str("entity_id", entry.EntityID).
			Msg("Failed to write audit log entry")
	}
}
