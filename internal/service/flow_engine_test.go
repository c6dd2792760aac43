package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildflow-ai/be-mr-requests/internal/apperrors"
	"github.com/buildflow-ai/be-mr-requests/internal/repository"
)

const (
	testTenant  = "tenant-1"
	testProject = "project-1"
	testAuthor  = "user-author"
)

type engineFixture struct {
	requests  *fakeRequestStore
	progress  *fakeProgressStore
	templates *fakeTemplateStore
	audit     *fakeAuditStore
	dir       *fakeDirectory
	notifier  *fakeNotifier
	engine    *FlowEngine
}

func newEngineFixture() *engineFixture {
	fx := &engineFixture{
		requests:  newFakeRequestStore(),
		progress:  newFakeProgressStore(),
		templates: newFakeTemplateStore(),
		audit:     newFakeAuditStore(),
		dir:       newFakeDirectory(),
		notifier:  newFakeNotifier(),
	}
	fx.engine = NewFlowEngine(
		fx.requests, fx.progress, fx.templates, fx.audit,
		NewApproverResolver(fx.dir), fx.notifier, zerolog.Nop(),
	)
	return fx
}

// activeChain installs an active template for the test tenant. Steps are
// given as (role, skipIfNoApprover, mandatory) triples in order.
func (fx *engineFixture) activeChain(t *testing.T, steps ...*repository.ChainStep) *repository.ChainTemplate {
	t.Helper()
	for i, step := range steps {
		step.StepOrder = i + 1
	}
	tenant := testTenant
	tpl := &repository.ChainTemplate{TenantID: &tenant, Name: "Test chain", IsActive: true, Steps: steps}
	require.NoError(t, fx.templates.Create(context.Background(), tpl))
	return tpl
}

// submit creates a draft request and routes it into the chain.
func (fx *engineFixture) submit(t *testing.T) *repository.Request {
	t.Helper()
	ctx := context.Background()
	req := &repository.Request{
		ID:        uuid.NewString(),
		TenantID:  testTenant,
		ProjectID: testProject,
		AuthorID:  testAuthor,
		Status:    repository.RequestDraft,
	}
	require.NoError(t, fx.requests.Create(ctx, req, nil))
	require.NoError(t, fx.engine.Initialize(ctx, req.ID))
	return req
}

func (fx *engineFixture) reload(t *testing.T, id string) *repository.Request {
	t.Helper()
	req, err := fx.requests.GetByID(context.Background(), id)
	require.NoError(t, err)
	return req
}

func (fx *engineFixture) rows(t *testing.T, id string) []*repository.ProgressRecord {
	t.Helper()
	rows, err := fx.progress.ListByRequest(context.Background(), id)
	require.NoError(t, err)
	return rows
}

func TestApproveEveryStepInOrder(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	fx.dir.set(testTenant, "", repository.RoleDirector, "user-dir")
	fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer},
		&repository.ChainStep{Role: repository.RoleDirector},
	)

	req := fx.submit(t)
	loaded := fx.reload(t, req.ID)
	require.Equal(t, repository.RequestInProgress, loaded.Status)
	require.NotNil(t, loaded.Responsible)
	assert.Equal(t, "user-supply", *loaded.Responsible)

	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-eng", nil))
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-dir", nil))

	loaded = fx.reload(t, req.ID)
	assert.Equal(t, repository.RequestApproved, loaded.Status)
	assert.Nil(t, loaded.CurrentStepID)
	assert.Nil(t, loaded.Responsible)

	rows := fx.rows(t, req.ID)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, repository.ProgressApproved, row.Status)
	}

	approved := fx.notifier.byType("request_approved")
	require.Len(t, approved, 1)
	assert.Equal(t, []string{testAuthor}, approved[0].Recipients)
}

func TestRejectTerminatesWorkflow(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer},
	)

	req := fx.submit(t)
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))
	require.NoError(t, fx.engine.Reject(ctx, req.ID, "user-eng", "out of budget"))

	loaded := fx.reload(t, req.ID)
	assert.Equal(t, repository.RequestRejected, loaded.Status)
	assert.Nil(t, loaded.CurrentStepID)
	assert.Nil(t, loaded.Responsible)

	rejected := 0
	for _, row := range fx.rows(t, req.ID) {
		if row.Status == repository.ProgressRejected {
			rejected++
		}
	}
	assert.Equal(t, 1, rejected)

	// Terminal: no further actions reach a checkpoint.
	err := fx.engine.Approve(ctx, req.ID, "user-eng", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeNotInApprovalStage, apperrors.CodeOf(err))

	assert.Len(t, fx.notifier.byType("request_rejected"), 1)
}

func TestRejectRequiresComment(t *testing.T) {
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.activeChain(t, &repository.ChainStep{Role: repository.RoleSupplyManager})
	req := fx.submit(t)

	err := fx.engine.Reject(context.Background(), req.ID, "user-supply", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeValidation, apperrors.CodeOf(err))
}

func TestAdvanceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.activeChain(t, &repository.ChainStep{Role: repository.RoleSupplyManager})
	req := fx.submit(t)

	before := fx.reload(t, req.ID)
	rowsBefore := fx.rows(t, req.ID)

	require.NoError(t, fx.engine.Advance(ctx, req.ID))

	after := fx.reload(t, req.ID)
	assert.Equal(t, before.Status, after.Status)
	assert.Equal(t, before.CurrentStepID, after.CurrentStepID)
	assert.Equal(t, before.Responsible, after.Responsible)
	assert.Equal(t, len(rowsBefore), len(fx.rows(t, req.ID)))
}

func TestSkippableStepWithNoApproverIsAutoSkipped(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	// No member holds CHIEF_ENGINEER.
	fx.dir.set(testTenant, "", repository.RoleDirector, "user-dir")
	tpl := fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer, SkipIfNoApprover: true},
		&repository.ChainStep{Role: repository.RoleDirector},
	)

	req := fx.submit(t)
	loaded := fx.reload(t, req.ID)
	require.NotNil(t, loaded.CurrentStepID)
	assert.Equal(t, tpl.Steps[0].ID, *loaded.CurrentStepID)

	// Approving step 1 skips step 2 and lands on step 3 without caller action.
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))
	loaded = fx.reload(t, req.ID)
	require.NotNil(t, loaded.CurrentStepID)
	assert.Equal(t, tpl.Steps[2].ID, *loaded.CurrentStepID)
	assert.Equal(t, "user-dir", *loaded.Responsible)

	rows := fx.rows(t, req.ID)
	assert.Equal(t, repository.ProgressSkipped, rows[1].Status)
	assert.Nil(t, rows[1].ApproverID)
	assert.NotEmpty(t, fx.audit.bySeverity(repository.SeverityWarning))

	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-dir", nil))
	assert.Equal(t, repository.RequestApproved, fx.reload(t, req.ID).Status)
}

func TestWrongActorIsForbidden(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.activeChain(t, &repository.ChainStep{Role: repository.RoleSupplyManager})
	req := fx.submit(t)

	err := fx.engine.Approve(ctx, req.ID, "user-intruder", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeForbidden, apperrors.CodeOf(err))
	assert.Contains(t, err.Error(), "user-supply")

	// Nothing mutated.
	rows := fx.rows(t, req.ID)
	assert.Equal(t, repository.ProgressPending, rows[0].Status)
	assert.Equal(t, repository.RequestInProgress, fx.reload(t, req.ID).Status)
}

func TestMandatoryStepWithNoApproverIsDeadEnd(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	// Nobody holds DIRECTOR yet.
	fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleDirector, Mandatory: true},
	)

	req := fx.submit(t)
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))

	loaded := fx.reload(t, req.ID)
	assert.Equal(t, repository.RequestInProgress, loaded.Status)
	assert.Nil(t, loaded.Responsible)
	require.NotNil(t, loaded.DeadEndRole)
	assert.Equal(t, repository.RoleDirector, *loaded.DeadEndRole)

	stalled, err := fx.engine.ListDeadEnd(ctx, testTenant)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, req.ID, stalled[0].ID)

	// A director joins; retrying the traversal recovers the request.
	fx.dir.set(testTenant, "", repository.RoleDirector, "user-dir")
	require.NoError(t, fx.engine.RetryAdvance(ctx, req.ID))

	loaded = fx.reload(t, req.ID)
	assert.Nil(t, loaded.DeadEndRole)
	require.NotNil(t, loaded.Responsible)
	assert.Equal(t, "user-dir", *loaded.Responsible)
}

func TestUnassignedOptionalStepAcceptsAnyActor(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	// Nobody holds SUPPLY_MANAGER; the step is neither skippable nor mandatory.
	fx.activeChain(t, &repository.ChainStep{Role: repository.RoleSupplyManager})
	req := fx.submit(t)

	loaded := fx.reload(t, req.ID)
	assert.Equal(t, repository.RequestInProgress, loaded.Status)
	assert.NotNil(t, loaded.CurrentStepID)
	assert.Nil(t, loaded.Responsible)
	assert.Nil(t, loaded.DeadEndRole)

	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-any", nil))
	assert.Equal(t, repository.RequestApproved, fx.reload(t, req.ID).Status)
}

func TestLostRaceOnPendingRowConflicts(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer},
	)
	req := fx.submit(t)

	// Another writer finishes the pending row between our read and write.
	rows := fx.rows(t, req.ID)
	require.NoError(t, fx.progress.Finish(ctx, rows[0].ID, repository.ProgressApproved, "user-supply", nil))

	err := fx.engine.Approve(ctx, req.ID, "user-supply", nil)
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeConflict, apperrors.CodeOf(err))
}

func TestReconcileWithSameTemplateIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	tpl := fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer},
	)
	req := fx.submit(t)
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))

	before := fx.reload(t, req.ID)
	restarted, err := fx.engine.Reconcile(ctx, req.ID, tpl.ID)
	require.NoError(t, err)
	assert.False(t, restarted)

	after := fx.reload(t, req.ID)
	assert.Equal(t, before.CurrentStepID, after.CurrentStepID)
	assert.Equal(t, before.Responsible, after.Responsible)
	assert.Equal(t, before.Status, after.Status)
}

func TestReconcileResumesAfterLastCompletedRole(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	fx.dir.set(testTenant, "", repository.RoleDirector, "user-dir")
	fx.dir.set(testTenant, "", repository.RoleProjectManager, "user-pm")
	fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer},
	)
	req := fx.submit(t)
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))

	// New chain keeps SUPPLY_MANAGER and appends PM + DIRECTOR.
	tenant := testTenant
	newTpl := &repository.ChainTemplate{TenantID: &tenant, Name: "v2", Steps: []*repository.ChainStep{
		{Role: repository.RoleSupplyManager, StepOrder: 1},
		{Role: repository.RoleProjectManager, StepOrder: 2},
		{Role: repository.RoleDirector, StepOrder: 3},
	}}
	require.NoError(t, fx.templates.Create(ctx, newTpl))

	restarted, err := fx.engine.Reconcile(ctx, req.ID, newTpl.ID)
	require.NoError(t, err)
	assert.False(t, restarted)

	// The approved SUPPLY_MANAGER row is history; work resumes at PM.
	loaded := fx.reload(t, req.ID)
	require.NotNil(t, loaded.Responsible)
	assert.Equal(t, "user-pm", *loaded.Responsible)

	rows := fx.rows(t, req.ID)
	require.Len(t, rows, 3)
	assert.Equal(t, repository.ProgressApproved, rows[0].Status)
}

func TestReconcileRestartsWhenRoleAbsentFromNewChain(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	fx.dir.set(testTenant, "", repository.RoleDirector, "user-dir")
	fx.activeChain(t,
		&repository.ChainStep{Role: repository.RoleSupplyManager},
		&repository.ChainStep{Role: repository.RoleChiefEngineer},
	)
	req := fx.submit(t)
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))

	// New chain has no SUPPLY_MANAGER step at all.
	tenant := testTenant
	newTpl := &repository.ChainTemplate{TenantID: &tenant, Name: "v2", Steps: []*repository.ChainStep{
		{Role: repository.RoleChiefEngineer, StepOrder: 1},
		{Role: repository.RoleDirector, StepOrder: 2},
	}}
	require.NoError(t, fx.templates.Create(ctx, newTpl))

	restarted, err := fx.engine.Reconcile(ctx, req.ID, newTpl.ID)
	require.NoError(t, err)
	assert.True(t, restarted)

	loaded := fx.reload(t, req.ID)
	require.NotNil(t, loaded.Responsible)
	assert.Equal(t, "user-eng", *loaded.Responsible)

	warnings := fx.audit.bySeverity(repository.SeverityWarning)
	require.NotEmpty(t, warnings)
	found := false
	for _, entry := range warnings {
		if entry.NewState != nil && *entry.NewState == "reconcile_restarted" {
			found = true
		}
	}
	assert.True(t, found, "expected a reconcile_restarted warning audit entry")
}

func TestReconcileOnTerminalRequestIsNoop(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	tpl := fx.activeChain(t, &repository.ChainStep{Role: repository.RoleSupplyManager})
	req := fx.submit(t)
	require.NoError(t, fx.engine.Approve(ctx, req.ID, "user-supply", nil))
	require.Equal(t, repository.RequestApproved, fx.reload(t, req.ID).Status)

	restarted, err := fx.engine.Reconcile(ctx, req.ID, tpl.ID)
	require.NoError(t, err)
	assert.False(t, restarted)
	assert.Equal(t, repository.RequestApproved, fx.reload(t, req.ID).Status)
}

func TestInitializeSynthesizesDefaultChain(t *testing.T) {
	ctx := context.Background()
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-supply")
	fx.dir.set(testTenant, "", repository.RoleChiefEngineer, "user-eng")
	fx.dir.set(testTenant, "", repository.RoleProjectManager, "user-pm")
	fx.dir.set(testTenant, "", repository.RoleDirector, "user-dir")

	req := fx.submit(t)

	tpl, err := fx.templates.GetActive(ctx, testTenant)
	require.NoError(t, err)
	require.NotNil(t, tpl)
	assert.Equal(t, DefaultTemplateName, tpl.Name)
	assert.Len(t, fx.rows(t, req.ID), 4)

	loaded := fx.reload(t, req.ID)
	require.NotNil(t, loaded.Responsible)
	assert.Equal(t, "user-supply", *loaded.Responsible)
}

func TestProjectMembersWinOverTenantMembers(t *testing.T) {
	fx := newEngineFixture()
	fx.dir.set(testTenant, "", repository.RoleSupplyManager, "user-tenant-supply")
	fx.dir.set(testTenant, testProject, repository.RoleSupplyManager, "user-project-supply")
	fx.activeChain(t, &repository.ChainStep{Role: repository.RoleSupplyManager})

	req := fx.submit(t)
	loaded := fx.reload(t, req.ID)
	require.NotNil(t, loaded.Responsible)
	assert.Equal(t, "user-project-supply", *loaded.Responsible)
}
