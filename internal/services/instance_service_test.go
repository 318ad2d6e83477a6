package services

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:svc_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.Sbu{},
		&models.User{},
		&models.Setting{},
		&models.Workflow{},
		&models.WorkflowField{},
		&models.FieldOption{},
		&models.WorkflowApprover{},
		&models.WorkflowInstance{},
		&models.WorkflowFieldValue{},
		&models.ApprovalHistory{},
		&models.InstanceAttachment{},
		&models.EmailApprovalToken{},
		&models.NotificationLog{},
	))
	return db
}

// captureNotifier records notifications instead of sending mail.
type captureNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

func (c *captureNotifier) Dispatch(notifications []Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, notifications...)
}

func (c *captureNotifier) SendNow(ctx context.Context, n Notification) error {
	c.Dispatch([]Notification{n})
	return nil
}

func (c *captureNotifier) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = nil
}

func (c *captureNotifier) recipients() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, n := range c.sent {
		out = append(out, n.Recipient)
	}
	return out
}

type engineFixture struct {
	t        *testing.T
	db       *gorm.DB
	svc      InstanceService
	settings SettingService
	notifier *captureNotifier
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db := newTestDB(t)
	settings := NewSettingService(repository.NewSettingRepository(db), nil)
	tokens := NewEmailApprovalService(repository.NewTokenRepository(db), settings)
	notifier := &captureNotifier{}
	svc := NewInstanceService(
		db,
		repository.NewInstanceRepository(db),
		repository.NewWorkflowRepository(db),
		repository.NewUserRepository(db),
		tokens,
		notifier,
		settings,
	)
	return &engineFixture{t: t, db: db, svc: svc, settings: settings, notifier: notifier}
}

func (f *engineFixture) createUser(email string, super bool) *models.User {
	f.t.Helper()
	u := &models.User{
		Email:       email,
		Username:    strings.SplitN(email, "@", 2)[0],
		Password:    "irrelevant",
		FirstName:   "Test",
		LastName:    strings.SplitN(email, "@", 2)[0],
		Role:        "user",
		IsActive:    true,
		IsSuperUser: super,
	}
	require.NoError(f.t, f.db.Create(u).Error)
	return u
}

func (f *engineFixture) createWorkflow(wf *models.Workflow) *models.Workflow {
	f.t.Helper()
	wf.IsActive = true
	require.NoError(f.t, f.db.Create(wf).Error)
	return wf
}

func fieldByName(t *testing.T, wf *models.Workflow, name string) *models.WorkflowField {
	t.Helper()
	for i := range wf.Fields {
		if wf.Fields[i].Name == name {
			return &wf.Fields[i]
		}
	}
	t.Fatalf("workflow %s has no field %s", wf.Code, name)
	return nil
}

func (f *engineFixture) draft(actor Actor, wf *models.Workflow, values map[string]string) *models.InstanceResponse {
	f.t.Helper()
	req := &models.CreateInstanceRequest{WorkflowID: wf.ID}
	for name, v := range values {
		req.FieldValues = append(req.FieldValues, models.FieldValueRequest{
			FieldID: fieldByName(f.t, wf, name).ID,
			Value:   v,
		})
	}
	resp, err := f.svc.CreateDraft(context.Background(), actor, req)
	require.NoError(f.t, err)
	return resp
}

func (f *engineFixture) history(id uuid.UUID) []models.ApprovalHistory {
	f.t.Helper()
	var entries []models.ApprovalHistory
	require.NoError(f.t, f.db.Where("instance_id = ?", id).Order("created_at ASC").Find(&entries).Error)
	return entries
}

func ptrFloat(v float64) *float64 { return &v }

func ptrBool(v bool) *bool { return &v }

func ptrInt(v int) *int { return &v }

func twoLevelWorkflow(code string, first, second *models.User) *models.Workflow {
	return &models.Workflow{
		Name: "Purchase Request",
		Code: code,
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "subject", Label: "Subject", FieldType: models.FieldTypeText, IsMandatory: true, IsTitle: true, DisplayOrder: 1},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &first.ID, ApproverName: first.FullName(), ApproverEmail: first.Email},
			{Level: 2, DisplayOrder: 1, UserID: &second.ID, ApproverName: second.FullName(), ApproverEmail: second.Email},
		},
	}
}

func TestSubmitRoutesToFirstApprover(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	assert.Equal(t, models.StatusDraft, draft.Status)
	assert.Empty(t, draft.ReferenceNumber)

	resp, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 1, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, approver1.Email, resp.CurrentApprover.ApproverEmail)
	assert.Equal(t, "New laptops", resp.Title)
	assert.NotNil(t, resp.SubmittedAt)
	assert.Regexp(t, regexp.MustCompile(`^PR-\d{14}-\d{4}$`), resp.ReferenceNumber)

	entries := f.history(resp.ID)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionSubmit, entries[0].Action)
	assert.Equal(t, models.SourceWeb, entries[0].Source)

	assert.Contains(t, f.notifier.recipients(), approver1.Email)
}

func TestSubmitRejectsMissingMandatoryFields(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver := f.createUser("bob@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Leave Request",
		Code: "LR",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "reason", Label: "Reason", FieldType: models.FieldTypeText, IsMandatory: true, DisplayOrder: 1},
			{Name: "from", Label: "From Date", FieldType: models.FieldTypeDate, IsMandatory: true, DisplayOrder: 2},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &approver.ID, ApproverEmail: approver.Email},
		},
	})
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"reason": "  "})

	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.ElementsMatch(t, []string{"Reason", "From Date"}, vErr.Fields)
}

func TestSubmitRejectsDuplicateUniqueValue(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver := f.createUser("bob@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Vendor Registration",
		Code: "VR",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "vat", Label: "VAT Number", FieldType: models.FieldTypeText, IsMandatory: true, IsUnique: true, DisplayOrder: 1},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &approver.ID, ApproverEmail: approver.Email},
		},
	})
	actor := ActorFromUser(initiator)

	first := f.draft(actor, wf, map[string]string{"vat": "300012345600003"})
	_, err := f.svc.Submit(context.Background(), actor, first.ID)
	require.NoError(t, err)

	second := f.draft(actor, wf, map[string]string{"vat": "300012345600003"})
	_, err = f.svc.Submit(context.Background(), actor, second.ID)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "VAT Number")
}

func TestCreateDraftRejectsUnknownDropdownValue(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver := f.createUser("bob@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "IT Request",
		Code: "IT",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{
				Name: "priority", Label: "Priority", FieldType: models.FieldTypeDropdown, DisplayOrder: 1,
				Options: []models.FieldOption{
					{Value: "low", Label: "Low", DisplayOrder: 1},
					{Value: "high", Label: "High", DisplayOrder: 2},
				},
			},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &approver.ID, ApproverEmail: approver.Email},
		},
	})
	actor := ActorFromUser(initiator)

	_, err := f.svc.CreateDraft(context.Background(), actor, &models.CreateInstanceRequest{
		WorkflowID: wf.ID,
		FieldValues: []models.FieldValueRequest{
			{FieldID: fieldByName(t, wf, "priority").ID, Value: "urgent"},
		},
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Fields, "Priority")
}

func TestCreateDraftRejectsForeignField(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver := f.createUser("bob@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver, approver))
	actor := ActorFromUser(initiator)

	_, err := f.svc.CreateDraft(context.Background(), actor, &models.CreateInstanceRequest{
		WorkflowID: wf.ID,
		FieldValues: []models.FieldValueRequest{
			{FieldID: uuid.New(), Value: "anything"},
		},
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestSubmitAutoApprovesWithoutApprovers(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Announcement",
		Code: "AN",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "subject", Label: "Subject", FieldType: models.FieldTypeText, IsTitle: true, DisplayOrder: 1},
		},
	})
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "Office closed Friday"})
	resp, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusApproved, resp.Status)
	assert.NotNil(t, resp.CompletedAt)
	assert.Nil(t, resp.CurrentApprover)

	entries := f.history(resp.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionSubmit, entries[0].Action)
	assert.Equal(t, models.ActionAutoApprove, entries[1].Action)
	assert.Equal(t, models.SourceSystem, entries[1].Source)
	assert.Equal(t, "No approvers configured", entries[1].Comments)

	assert.Contains(t, f.notifier.recipients(), initiator.Email)
}

func financialWorkflow(code string, l1, l2, l3 *models.User) *models.Workflow {
	return &models.Workflow{
		Name: "Payment Request",
		Code: code,
		Type: models.WorkflowTypeFinancial,
		Fields: []models.WorkflowField{
			{Name: "purpose", Label: "Purpose", FieldType: models.FieldTypeText, IsMandatory: true, IsTitle: true, DisplayOrder: 1},
			{Name: "amount", Label: "Amount", FieldType: models.FieldTypeNumber, IsMandatory: true, IsLimited: true, DisplayOrder: 2},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &l1.ID, ApproverEmail: l1.Email, ApprovalLimit: ptrFloat(1000)},
			{Level: 2, DisplayOrder: 1, UserID: &l2.ID, ApproverEmail: l2.Email, ApprovalLimit: ptrFloat(10000)},
			{Level: 3, DisplayOrder: 1, UserID: &l3.ID, ApproverEmail: l3.Email, IsUnlimited: true},
		},
	}
}

func TestSubmitSkipsLevelsBelowAmount(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	wf := f.createWorkflow(financialWorkflow("PAY", l1, l2, l3))
	actor := ActorFromUser(initiator)

	// Skip routing is on by default; no setting row needed.
	draft := f.draft(actor, wf, map[string]string{"purpose": "Server hardware", "amount": "5000"})
	resp, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 2, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, l2.Email, resp.CurrentApprover.ApproverEmail)
	require.NotNil(t, resp.Amount)
	assert.Equal(t, 5000.0, *resp.Amount)

	entries := f.history(resp.ID)
	require.Len(t, entries, 2)
	assert.Equal(t, models.ActionAutoEscalate, entries[1].Action)
	assert.Equal(t, models.SourceSystem, entries[1].Source)
	assert.Contains(t, entries[1].Comments, "Skipped 1 level(s)")
}

func TestSubmitWithoutSkipStartsAtLevelOne(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	wf := f.createWorkflow(financialWorkflow("PAY", l1, l2, l3))
	actor := ActorFromUser(initiator)

	// With skip routing disabled the amount exceeds level one's limit,
	// but routing still falls back to that level's first entry.
	require.NoError(t, f.settings.Set(context.Background(), models.SettingSkipUnauthorizedApprovers, "false"))

	draft := f.draft(actor, wf, map[string]string{"purpose": "Server hardware", "amount": "5000"})
	resp, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	assert.Equal(t, 1, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, l1.Email, resp.CurrentApprover.ApproverEmail)
}

func TestSubmitIgnoresUnparsableAmount(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	wf := f.createWorkflow(financialWorkflow("PAY", l1, l2, l3))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"purpose": "Misc", "amount": "about twelve"})
	resp, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Nil(t, resp.Amount)
	assert.Equal(t, 1, resp.CurrentLevel)
}

func TestApproveAboveCeilingForwardsUpward(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	wf := f.createWorkflow(financialWorkflow("PAY", l1, l2, l3))
	actor := ActorFromUser(initiator)

	// With skip routing off the level-one approver holds a 5000 instance
	// despite a 1000 ceiling; their approval hands it up, it does not
	// settle the chain.
	require.NoError(t, f.settings.Set(context.Background(), models.SettingSkipUnauthorizedApprovers, "false"))
	draft := f.draft(actor, wf, map[string]string{"purpose": "Server hardware", "amount": "5000"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	resp, err := f.svc.Approve(context.Background(), ActorFromUser(l1), draft.ID, "fine by me")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 2, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, l2.Email, resp.CurrentApprover.ApproverEmail)

	entries := f.history(draft.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.ActionAutoEscalate, last.Action)
	assert.Equal(t, models.SourceSystem, last.Source)
	assert.Contains(t, last.Comments, "forwarded to level 2")
}

func TestGetByReferenceAndHistory(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	submitted, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	found, err := f.svc.GetByReference(context.Background(), actor, submitted.ReferenceNumber)
	require.NoError(t, err)
	assert.Equal(t, draft.ID, found.ID)

	_, err = f.svc.GetByReference(context.Background(), actor, "PR-00000000000000-0000")
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)

	entries, err := f.svc.History(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionSubmit, entries[0].Action)
}

func TestApproveAdvancesThroughLevels(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	resp, err := f.svc.Approve(context.Background(), ActorFromUser(approver1), draft.ID, "looks fine")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 2, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, approver2.Email, resp.CurrentApprover.ApproverEmail)

	resp, err = f.svc.Approve(context.Background(), ActorFromUser(approver2), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, resp.Status)
	assert.Nil(t, resp.CurrentApprover)
	assert.NotNil(t, resp.CompletedAt)

	entries := f.history(draft.ID)
	require.Len(t, entries, 3)
	assert.Equal(t, models.ActionApprove, entries[1].Action)
	assert.Equal(t, 1, entries[1].Level)
	assert.Equal(t, "looks fine", entries[1].Comments)
	assert.Equal(t, models.ActionApprove, entries[2].Action)
	assert.Equal(t, 2, entries[2].Level)

	// Approving a finished instance must fail.
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver2), draft.ID, "")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestApproveWalksSameLevelByDisplayOrder(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	first := f.createUser("bob@example.com", false)
	second := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Contract Review",
		Code: "CR",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "subject", Label: "Subject", FieldType: models.FieldTypeText, IsTitle: true, DisplayOrder: 1},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &first.ID, ApproverEmail: first.Email},
			{Level: 1, DisplayOrder: 2, UserID: &second.ID, ApproverEmail: second.Email},
		},
	})
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "NDA renewal"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	resp, err := f.svc.Approve(context.Background(), ActorFromUser(first), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 1, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, second.Email, resp.CurrentApprover.ApproverEmail)

	resp, err = f.svc.Approve(context.Background(), ActorFromUser(second), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, resp.Status)
}

func TestApproveRequiresCurrentApprover(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	super := f.createUser("root@example.com", true)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	// The level-two approver is not up yet.
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver2), draft.ID, "")
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	// A super user may act for anyone.
	resp, err := f.svc.Approve(context.Background(), ActorFromUser(super), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CurrentLevel)
}

func TestRejectFinalizes(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	resp, err := f.svc.Reject(context.Background(), ActorFromUser(approver1), draft.ID, "over budget")
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, resp.Status)
	assert.NotNil(t, resp.CompletedAt)
	assert.Nil(t, resp.CurrentApprover)

	assert.Contains(t, f.notifier.recipients(), initiator.Email)
}

func TestRejectRequiresCommentsWhenConfigured(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	wf.CommentsMandatoryOnReject = true
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Reject(context.Background(), ActorFromUser(approver1), draft.ID, "   ")
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	// An approval on the same workflow needs no comment.
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver1), draft.ID, "")
	require.NoError(t, err)
}

func TestRecallRequiresInitiatorOrSuperUser(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	outsider := f.createUser("dave@example.com", false)
	super := f.createUser("root@example.com", true)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	submitted, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Recall(context.Background(), ActorFromUser(outsider), draft.ID)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	resp, err := f.svc.Recall(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, resp.Status)
	assert.Equal(t, 0, resp.CurrentLevel)
	assert.Nil(t, resp.CurrentApprover)
	assert.Nil(t, resp.SubmittedAt)

	// Resubmitting keeps the reference number assigned on first submit.
	resp, err = f.svc.Resubmit(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, submitted.ReferenceNumber, resp.ReferenceNumber)

	// A super-user may recall on the initiator's behalf.
	resp, err = f.svc.Recall(context.Background(), ActorFromUser(super), draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDraft, resp.Status)
}

func TestResubmitAfterRejection(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	_, err = f.svc.Reject(context.Background(), ActorFromUser(approver1), draft.ID, "fix the quote")
	require.NoError(t, err)

	resp, err := f.svc.Resubmit(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 1, resp.CurrentLevel)
	assert.Nil(t, resp.CompletedAt)

	// Submit proper is only valid from a draft.
	_, err = f.svc.Submit(context.Background(), actor, draft.ID)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestCancelExcludesOnlyCompletedStates(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	colleague := f.createUser("dave@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	// A draft can be cancelled outright.
	draft := f.draft(actor, wf, map[string]string{"subject": "Abandoned"})
	resp, err := f.svc.Cancel(context.Background(), actor, draft.ID, "never mind")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, resp.Status)
	assert.NotNil(t, resp.CompletedAt)

	// Cancellation is not restricted to the initiator, and an escalated
	// instance is still cancellable.
	second := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err = f.svc.Submit(context.Background(), actor, second.ID)
	require.NoError(t, err)
	_, err = f.svc.Escalate(context.Background(), ActorFromUser(approver1), second.ID, &models.EscalateRequest{Comments: "needs a director"})
	require.NoError(t, err)

	resp, err = f.svc.Cancel(context.Background(), ActorFromUser(colleague), second.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, resp.Status)

	// A settled instance stays settled.
	done := f.draft(actor, wf, map[string]string{"subject": "Finished"})
	_, err = f.svc.Submit(context.Background(), actor, done.ID)
	require.NoError(t, err)
	_, err = f.svc.Reject(context.Background(), ActorFromUser(approver1), done.ID, "over budget")
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), actor, done.ID, "")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestEscalateMovesToNextLevel(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	resp, err := f.svc.Escalate(context.Background(), ActorFromUser(approver1), draft.ID, &models.EscalateRequest{Comments: "above my authority"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, resp.Status)
	assert.Equal(t, 2, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, approver2.Email, resp.CurrentApprover.ApproverEmail)

	// Level two is the top here; the only thing stopping another
	// escalation is the chain running out, not the ESCALATED status.
	_, err = f.svc.Escalate(context.Background(), ActorFromUser(approver2), draft.ID, &models.EscalateRequest{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Error(), "no higher approval level")

	// An approval clears the escalated flag.
	final, err := f.svc.Approve(context.Background(), ActorFromUser(approver2), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, final.Status)
}

func TestEscalateAgainFromEscalated(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	wf := f.createWorkflow(financialWorkflow("PAY", l1, l2, l3))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"purpose": "Audit fees", "amount": "900"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Escalate(context.Background(), ActorFromUser(l1), draft.ID, &models.EscalateRequest{Comments: "not mine to sign"})
	require.NoError(t, err)

	// The level-two approver can push an already-escalated instance on.
	resp, err := f.svc.Escalate(context.Background(), ActorFromUser(l2), draft.ID, &models.EscalateRequest{Comments: "still not ours"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, resp.Status)
	assert.Equal(t, 3, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, l3.Email, resp.CurrentApprover.ApproverEmail)
}

func TestEscalateHonorsEntryPermission(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	wf.Approvers[0].CanEscalate = ptrBool(false)
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Escalate(context.Background(), ActorFromUser(approver1), draft.ID, &models.EscalateRequest{Comments: "someone else should decide"})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	// The entry still approves normally.
	resp, err := f.svc.Approve(context.Background(), ActorFromUser(approver1), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CurrentLevel)
}

func TestEscalateToNamedApprover(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	outsider := f.createUser("mallory@example.com", false)
	wf := f.createWorkflow(financialWorkflow("PAY", l1, l2, l3))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"purpose": "Audit fees", "amount": "900"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Escalate(context.Background(), ActorFromUser(l1), draft.ID, &models.EscalateRequest{EscalateToUser: &outsider.ID})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)

	resp, err := f.svc.Escalate(context.Background(), ActorFromUser(l1), draft.ID, &models.EscalateRequest{EscalateToUser: &l3.ID})
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, resp.Status)
	assert.Equal(t, 3, resp.CurrentLevel)
	require.NotNil(t, resp.CurrentApprover)
	assert.Equal(t, l3.Email, resp.CurrentApprover.ApproverEmail)
}

func TestEscalatePastTopLevelFails(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver := f.createUser("bob@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Single Step",
		Code: "SS",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "subject", Label: "Subject", FieldType: models.FieldTypeText, IsTitle: true, DisplayOrder: 1},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &approver.ID, ApproverEmail: approver.Email},
		},
	})
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "One signer"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	_, err = f.svc.Escalate(context.Background(), ActorFromUser(approver), draft.ID, &models.EscalateRequest{})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Error(), "no higher approval level")
}

func TestCloneCreatesFreshDraft(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	colleague := f.createUser("dave@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "Standing order"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	clone, err := f.svc.Clone(context.Background(), ActorFromUser(colleague), draft.ID)
	require.NoError(t, err)
	assert.NotEqual(t, draft.ID, clone.ID)
	assert.Equal(t, models.StatusDraft, clone.Status)
	assert.Empty(t, clone.ReferenceNumber)
	require.NotNil(t, clone.Initiator)
	assert.Equal(t, colleague.Email, clone.Initiator.Email)
	require.Len(t, clone.FieldValues, 1)
	assert.Equal(t, "Standing order", clone.FieldValues[0].Value)
	assert.Empty(t, f.history(clone.ID))
}

func TestDeleteOnlyDraftsAndCancelled(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	other := f.createUser("dave@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	pending := f.draft(actor, wf, map[string]string{"subject": "Keep me"})
	_, err := f.svc.Submit(context.Background(), actor, pending.ID)
	require.NoError(t, err)
	err = f.svc.Delete(context.Background(), actor, pending.ID)
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	draft := f.draft(actor, wf, map[string]string{"subject": "Scratch"})
	err = f.svc.Delete(context.Background(), ActorFromUser(other), draft.ID)
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	require.NoError(t, f.svc.Delete(context.Background(), actor, draft.ID))
	_, err = f.svc.Get(context.Background(), actor, draft.ID)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func (f *engineFixture) issuedTokens(instanceID uuid.UUID) []models.EmailApprovalToken {
	f.t.Helper()
	var tokens []models.EmailApprovalToken
	require.NoError(f.t, f.db.Where("instance_id = ?", instanceID).Order("created_at ASC").Find(&tokens).Error)
	return tokens
}

func tokenFor(t *testing.T, tokens []models.EmailApprovalToken, action models.EmailTokenAction) *models.EmailApprovalToken {
	t.Helper()
	for i := range tokens {
		if tokens[i].Action == action && !tokens[i].Used {
			return &tokens[i]
		}
	}
	t.Fatalf("no unused %s token issued", action)
	return nil
}

func TestEmailActionApprovesAndBurnsThePair(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	wf.AllowEmailApprovals = true
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	issued := f.issuedTokens(draft.ID)
	require.Len(t, issued, 2)
	approveToken := tokenFor(t, issued, models.EmailActionApprove)
	rejectToken := tokenFor(t, issued, models.EmailActionReject)

	resp, err := f.svc.ProcessEmailAction(context.Background(), approveToken.Token, "approved from my phone")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Equal(t, 2, resp.CurrentLevel)

	entries := f.history(draft.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.ActionApprove, last.Action)
	assert.Equal(t, models.SourceEmail, last.Source)
	assert.Equal(t, approver1.Email, last.ActorEmail)
	assert.Nil(t, last.ActorID)

	// The sibling reject token died with the decision.
	_, err = f.svc.ProcessEmailAction(context.Background(), rejectToken.Token, "")
	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)

	// So did the approve token itself.
	_, err = f.svc.ProcessEmailAction(context.Background(), approveToken.Token, "")
	require.ErrorAs(t, err, &tokenErr)
}

func TestEmailActionRejectedWhenWorkflowForbidsIt(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Empty(t, f.issuedTokens(draft.ID))

	// A token smuggled in for a workflow without email approvals is refused.
	stray := &models.EmailApprovalToken{
		Token:         "stray-token-value",
		InstanceID:    draft.ID,
		ApproverEmail: approver1.Email,
		Level:         1,
		Action:        models.EmailActionApprove,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, f.db.Create(stray).Error)

	_, err = f.svc.ProcessEmailAction(context.Background(), stray.Token, "")
	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
}

func TestEmailActionStaleLevelFails(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	wf.AllowEmailApprovals = true
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	stale := &models.EmailApprovalToken{
		Token:         "stale-level-token",
		InstanceID:    draft.ID,
		ApproverEmail: approver1.Email,
		Level:         9,
		Action:        models.EmailActionApprove,
		ExpiresAt:     time.Now().Add(time.Hour),
	}
	require.NoError(t, f.db.Create(stale).Error)

	_, err = f.svc.ProcessEmailAction(context.Background(), stale.Token, "")
	var tokenErr *TokenError
	require.ErrorAs(t, err, &tokenErr)
}

func TestEscalateOverdueMovesStaleInstances(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	timeout := 1
	wf.EscalationTimeoutHours = &timeout
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	stale := f.draft(actor, wf, map[string]string{"subject": "Forgotten"})
	_, err := f.svc.Submit(context.Background(), actor, stale.ID)
	require.NoError(t, err)

	fresh := f.draft(actor, wf, map[string]string{"subject": "Recent"})
	_, err = f.svc.Submit(context.Background(), actor, fresh.ID)
	require.NoError(t, err)

	require.NoError(t, f.db.Model(&models.WorkflowInstance{}).
		Where("id = ?", stale.ID).
		Update("last_action_at", time.Now().Add(-3*time.Hour)).Error)

	count, err := f.svc.EscalateOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	moved, err := f.svc.Get(context.Background(), actor, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, moved.Status)
	assert.Equal(t, 2, moved.CurrentLevel)

	entries := f.history(stale.ID)
	last := entries[len(entries)-1]
	assert.Equal(t, models.ActionAutoEscalate, last.Action)
	assert.Equal(t, models.SourceSystem, last.Source)
	assert.Contains(t, last.Comments, "1 hour(s) without action")

	untouched, err := f.svc.Get(context.Background(), actor, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, untouched.Status)
}

func TestEscalateOverdueUsesEntryTimeout(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	l1 := f.createUser("l1@example.com", false)
	l2 := f.createUser("l2@example.com", false)
	l3 := f.createUser("l3@example.com", false)
	wf := financialWorkflow("PAY", l1, l2, l3)
	// No workflow-level timeout; the first two entries carry their own.
	wf.Approvers[0].EscalationTimeoutHours = ptrInt(1)
	wf.Approvers[1].EscalationTimeoutHours = ptrInt(1)
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"purpose": "Office chairs", "amount": "500"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	backdate := func() {
		require.NoError(t, f.db.Model(&models.WorkflowInstance{}).
			Where("id = ?", draft.ID).
			Update("last_action_at", time.Now().Add(-2*time.Hour)).Error)
	}

	backdate()
	count, err := f.svc.EscalateOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	moved, err := f.svc.Get(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEscalated, moved.Status)
	assert.Equal(t, 2, moved.CurrentLevel)

	// An already-escalated instance times out again at the next entry.
	backdate()
	count, err = f.svc.EscalateOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	moved, err = f.svc.Get(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, moved.CurrentLevel)

	// The top entry has no timeout; nothing moves any more.
	backdate()
	count, err = f.svc.EscalateOverdue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPendingNoticeHonorsEntryFlag(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	wf.AllowEmailApprovals = true
	wf.Approvers[0].NotifyOnPending = ptrBool(false)
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	// The muted entry gets neither mail nor action links.
	assert.NotContains(t, f.notifier.recipients(), approver1.Email)
	assert.Empty(t, f.issuedTokens(draft.ID))

	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver1), draft.ID, "")
	require.NoError(t, err)
	assert.Contains(t, f.notifier.recipients(), approver2.Email)
}

func TestOutcomeNoticeHonorsEntryFlags(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	wf.Approvers[0].NotifyOnApproval = ptrBool(false)
	f.createWorkflow(wf)
	actor := ActorFromUser(initiator)

	first := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, first.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver1), first.ID, "")
	require.NoError(t, err)

	f.notifier.reset()
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver2), first.ID, "")
	require.NoError(t, err)
	assert.Contains(t, f.notifier.recipients(), initiator.Email)
	assert.NotContains(t, f.notifier.recipients(), approver1.Email)

	// Rejection notices still go out; that flag was left on.
	second := f.draft(actor, wf, map[string]string{"subject": "More laptops"})
	_, err = f.svc.Submit(context.Background(), actor, second.ID)
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver1), second.ID, "")
	require.NoError(t, err)

	f.notifier.reset()
	_, err = f.svc.Reject(context.Background(), ActorFromUser(approver2), second.ID, "over budget")
	require.NoError(t, err)
	assert.Contains(t, f.notifier.recipients(), initiator.Email)
	assert.Contains(t, f.notifier.recipients(), approver1.Email)
}

func TestApproveReplayDoesNotDoubleAdvance(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "New laptops"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	approvals := func(level int) int {
		n := 0
		for _, e := range f.history(draft.ID) {
			if e.Action == models.ActionApprove && e.Level == level {
				n++
			}
		}
		return n
	}

	// A second approve racing the first loses after the row lock; the
	// level moves once and the trail holds a single decision.
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver1), draft.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver1), draft.ID, "")
	require.Error(t, err)

	resp, err := f.svc.Get(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CurrentLevel)
	assert.Equal(t, 1, approvals(1))

	// Replaying the finalizing approve hits the status recheck.
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver2), draft.ID, "")
	require.NoError(t, err)
	_, err = f.svc.Approve(context.Background(), ActorFromUser(approver2), draft.ID, "")
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)

	resp, err = f.svc.Get(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, resp.Status)
	assert.Equal(t, 1, approvals(2))
}

func TestEmailMatchOnlyAuthorizesUnboundEntries(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	bob := f.createUser("bob@example.com", false)
	dave := f.createUser("dave@example.com", false)
	eve := f.createUser("shared@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Invoice Signoff",
		Code: "INV",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "subject", Label: "Subject", FieldType: models.FieldTypeText, IsTitle: true, DisplayOrder: 1},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &bob.ID, ApproverEmail: "shared@example.com"},
			{Level: 2, DisplayOrder: 1, ApproverName: "External Auditor", ApproverEmail: dave.Email},
		},
	})
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "Q3 invoices"})
	_, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	// The entry names bob; a different account matching only the stored
	// email does not get to act for him.
	_, err = f.svc.Approve(context.Background(), ActorFromUser(eve), draft.ID, "")
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)

	resp, err := f.svc.Approve(context.Background(), ActorFromUser(bob), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, resp.CurrentLevel)

	// An unbound entry authorizes by email alone.
	resp, err = f.svc.Approve(context.Background(), ActorFromUser(dave), draft.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, resp.Status)
}

func TestCountsAndLists(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	f.draft(actor, wf, map[string]string{"subject": "Draft one"})
	pending := f.draft(actor, wf, map[string]string{"subject": "Pending one"})
	_, err := f.svc.Submit(context.Background(), actor, pending.ID)
	require.NoError(t, err)

	counts, err := f.svc.Counts(context.Background(), actor)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts.Drafts)
	assert.Equal(t, int64(1), counts.Pending)

	mine, total, err := f.svc.ListMySubmissions(context.Background(), actor, &models.InstanceListFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Len(t, mine, 2)

	queue, total, err := f.svc.ListPendingApprovals(context.Background(), ActorFromUser(approver1), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, queue, 1)
	assert.Equal(t, pending.ID, queue[0].ID)

	empty, total, err := f.svc.ListPendingApprovals(context.Background(), ActorFromUser(approver2), 1, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, empty)
}

func TestTitleJoinsTitleFieldsInDisplayOrder(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver := f.createUser("bob@example.com", false)
	wf := f.createWorkflow(&models.Workflow{
		Name: "Travel Request",
		Code: "TRV",
		Type: models.WorkflowTypeGeneral,
		Fields: []models.WorkflowField{
			{Name: "destination", Label: "Destination", FieldType: models.FieldTypeText, IsTitle: true, DisplayOrder: 2},
			{Name: "traveller", Label: "Traveller", FieldType: models.FieldTypeText, IsTitle: true, DisplayOrder: 1},
		},
		Approvers: []models.WorkflowApprover{
			{Level: 1, DisplayOrder: 1, UserID: &approver.ID, ApproverEmail: approver.Email},
		},
	})
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"traveller": "Alice", "destination": "Riyadh"})
	resp, err := f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice_Riyadh", resp.Title)

	// Without any title values the workflow name stands in.
	blank := f.draft(actor, wf, map[string]string{})
	resp, err = f.svc.Submit(context.Background(), actor, blank.ID)
	require.NoError(t, err)
	assert.Equal(t, "Travel Request", resp.Title)
}

func TestFindEligibleApproverFirstMatchWithFallback(t *testing.T) {
	approvers := []models.WorkflowApprover{
		{ApproverEmail: "junior@example.com", DisplayOrder: 1, ApprovalLimit: ptrFloat(500)},
		{ApproverEmail: "senior@example.com", DisplayOrder: 2, ApprovalLimit: ptrFloat(5000)},
		{ApproverEmail: "cfo@example.com", DisplayOrder: 3, IsUnlimited: true},
	}

	picked := findEligibleApprover(approvers, ptrFloat(300))
	require.NotNil(t, picked)
	assert.Equal(t, "junior@example.com", picked.ApproverEmail)

	picked = findEligibleApprover(approvers, ptrFloat(2000))
	require.NotNil(t, picked)
	assert.Equal(t, "senior@example.com", picked.ApproverEmail)

	picked = findEligibleApprover(approvers, ptrFloat(1e9))
	require.NotNil(t, picked)
	assert.Equal(t, "cfo@example.com", picked.ApproverEmail)

	// No amount means the first entry wins outright.
	picked = findEligibleApprover(approvers, nil)
	require.NotNil(t, picked)
	assert.Equal(t, "junior@example.com", picked.ApproverEmail)

	// Nobody qualifies: fall back to the first entry rather than stall.
	capped := approvers[:2]
	picked = findEligibleApprover(capped, ptrFloat(1e9))
	require.NotNil(t, picked)
	assert.Equal(t, "junior@example.com", picked.ApproverEmail)

	assert.Nil(t, findEligibleApprover(nil, ptrFloat(100)))
}

func TestUpdateDraftReplacesValues(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	draft := f.draft(actor, wf, map[string]string{"subject": "Old subject"})
	resp, err := f.svc.UpdateDraft(context.Background(), actor, draft.ID, &models.UpdateInstanceRequest{
		FieldValues: []models.FieldValueRequest{
			{FieldID: fieldByName(t, wf, "subject").ID, Value: "New subject"},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.FieldValues, 1)
	assert.Equal(t, "New subject", resp.FieldValues[0].Value)
	assert.Equal(t, "New subject", resp.Title)

	_, err = f.svc.Submit(context.Background(), actor, draft.ID)
	require.NoError(t, err)

	// A routed submission is frozen.
	_, err = f.svc.UpdateDraft(context.Background(), actor, draft.ID, &models.UpdateInstanceRequest{})
	var stateErr *InvalidStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestCreateAndSubmitRunsBothSteps(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := f.createWorkflow(twoLevelWorkflow("PR", approver1, approver2))
	actor := ActorFromUser(initiator)

	resp, err := f.svc.CreateAndSubmit(context.Background(), actor, &models.CreateInstanceRequest{
		WorkflowID: wf.ID,
		FieldValues: []models.FieldValueRequest{
			{FieldID: fieldByName(t, wf, "subject").ID, Value: "One shot"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.NotEmpty(t, resp.ReferenceNumber)
}

func TestCreateDraftRejectsInactiveWorkflow(t *testing.T) {
	f := newEngineFixture(t)
	initiator := f.createUser("alice@example.com", false)
	approver1 := f.createUser("bob@example.com", false)
	approver2 := f.createUser("carol@example.com", false)
	wf := twoLevelWorkflow("PR", approver1, approver2)
	require.NoError(t, f.db.Create(wf).Error)
	require.NoError(t, f.db.Model(wf).Update("is_active", false).Error)

	_, err := f.svc.CreateDraft(context.Background(), ActorFromUser(initiator), &models.CreateInstanceRequest{WorkflowID: wf.ID})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}
