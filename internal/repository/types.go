package repository

import "time"

// ── Roles ─────────────────────────────────────────────────────────────────────

// Role is an organizational role that can hold an approval checkpoint or act
// on a line item. Closed set; anything else is rejected at validation time.
type Role string

const (
	RoleAuthor           Role = "AUTHOR"
	RoleSupplyManager    Role = "SUPPLY_MANAGER"
	RoleWarehouseManager Role = "WAREHOUSE_MANAGER"
	RoleChiefEngineer    Role = "CHIEF_ENGINEER"
	RoleProjectManager   Role = "PROJECT_MANAGER"
	RoleDirector         Role = "DIRECTOR"
	RoleAccountant       Role = "ACCOUNTANT"
)

// ChainRoles are the roles allowed to appear as chain checkpoints. AUTHOR acts
// on line items only and never holds an approval step.
var ChainRoles = map[Role]bool{
	RoleSupplyManager:    true,
	RoleWarehouseManager: true,
	RoleChiefEngineer:    true,
	RoleProjectManager:   true,
	RoleDirector:         true,
	RoleAccountant:       true,
}

// ValidRole reports whether r is a known role (chain or item actor).
func ValidRole(r Role) bool {
	return r == RoleAuthor || ChainRoles[r]
}

// ── Chain templates ───────────────────────────────────────────────────────────

// ChainTemplate is a named, ordered approval chain. TenantID nil marks the
// built-in global default. At most one template per tenant is active.
type ChainTemplate struct {
	ID        string
	TenantID  *string
	Name      string
	IsActive  bool
	Steps     []*ChainStep
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChainStep is one role-gated checkpoint within a template. StepOrder starts
// at 1 and is contiguous and unique within the template.
type ChainStep struct {
	ID               string
	TemplateID       string
	Role             Role
	StepOrder        int
	SkipIfNoApprover bool
	Mandatory        bool
}

// ── Requests ──────────────────────────────────────────────────────────────────

// RequestStatus is the envelope state.
type RequestStatus string

const (
	RequestDraft      RequestStatus = "draft"
	RequestInProgress RequestStatus = "in_progress"
	RequestApproved   RequestStatus = "approved"
	RequestRejected   RequestStatus = "rejected"
)

// Terminal reports whether the envelope accepts no further approval actions.
func (s RequestStatus) Terminal() bool {
	return s == RequestApproved || s == RequestRejected
}

// Request is the material request envelope. CurrentStepID, Responsible and
// DeadEndRole are projections owned by the flow engine; nothing else writes
// them.
type Request struct {
	ID            string
	TenantID      string
	ProjectID     string
	AuthorID      string
	Status        RequestStatus
	TemplateID    *string
	CurrentStepID *string
	Responsible   *string
	DeadEndRole   *Role
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Items []*LineItem
}

// ── Progress records ──────────────────────────────────────────────────────────

// ProgressStatus is the outcome state of one checkpoint for one request.
type ProgressStatus string

const (
	ProgressPending  ProgressStatus = "pending"
	ProgressApproved ProgressStatus = "approved"
	ProgressRejected ProgressStatus = "rejected"
	ProgressSkipped  ProgressStatus = "skipped"
)

// ProgressRecord is one (request, step) outcome row. Role, StepOrder and the
// step flags are denormalized from the chain step at creation time so the
// history survives template edits and chain swaps.
type ProgressRecord struct {
	ID               string
	RequestID        string
	StepID           string
	Role             Role
	StepOrder        int
	SkipIfNoApprover bool
	Mandatory        bool
	Status           ProgressStatus
	ApproverID       *string
	Comment          *string
	ApprovedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ── Line items ────────────────────────────────────────────────────────────────

// ItemStatus is the per-line-item fulfillment state, independent of the
// envelope's approval state.
type ItemStatus string

const (
	ItemDraft                ItemStatus = "draft"
	ItemSubmitted            ItemStatus = "submitted"
	ItemSupplyReview         ItemStatus = "supply_review"
	ItemWarehouseCheck       ItemStatus = "warehouse_check"
	ItemSupplyAfterWarehouse ItemStatus = "supply_after_warehouse"
	ItemEngineeringReview    ItemStatus = "engineering_review"
	ItemSupplyAfterEng       ItemStatus = "supply_after_engineering"
	ItemPMReview             ItemStatus = "pm_review"
	ItemSupplyAfterPM        ItemStatus = "supply_after_pm"
	ItemDirectorReview       ItemStatus = "director_review"
	ItemSupplyAfterDirector  ItemStatus = "supply_after_director"
	ItemPaymentPending       ItemStatus = "payment_pending"
	ItemShipToSite           ItemStatus = "ship_to_site"
	ItemPaid                 ItemStatus = "paid"
	ItemDelivered            ItemStatus = "delivered"
	ItemCompleted            ItemStatus = "completed"
	ItemReturnedForRevision  ItemStatus = "returned_for_revision"
	ItemCancelled            ItemStatus = "cancelled"
)

// Terminal reports whether the fulfillment state accepts no further
// transitions. Cancelled is recoverable via restore, not via transition.
func (s ItemStatus) Terminal() bool {
	return s == ItemCompleted || s == ItemCancelled
}

// LineItem is one requested material position. PreviousItemStatus is a
// snapshot written only by cancel and consumed only by restore.
type LineItem struct {
	ID                 string
	RequestID          string
	Name               string
	Unit               string
	Quantity           float64
	ItemStatus         ItemStatus
	PreviousItemStatus *ItemStatus
	CancelReason       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Cancelled reports whether the item is currently cancelled.
func (i *LineItem) Cancelled() bool {
	return i.ItemStatus == ItemCancelled
}

// ── Audit ─────────────────────────────────────────────────────────────────────

// AuditSeverity distinguishes routine transitions from policy fallbacks
// (auto-skips, reconcile restarts, dead ends).
type AuditSeverity string

const (
	SeverityInfo    AuditSeverity = "info"
	SeverityWarning AuditSeverity = "warning"
)

// AuditEntry is one immutable record in the audit log. ActorID is nil for
// system-driven transitions such as auto-skips.
type AuditEntry struct {
	ID          string
	EntityType  string // request | progress_step | line_item | chain_template
	EntityID    string
	RequestID   *string
	ActorID     *string
	OldState    *string
	NewState    *string
	Severity    AuditSeverity
	Comment     *string
	Metadata    map[string]interface{}
	PerformedAt time.Time
}
