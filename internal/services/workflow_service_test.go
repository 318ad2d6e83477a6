package services

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkflowService(t *testing.T) WorkflowService {
	t.Helper()
	db := newTestDB(t)
	return NewWorkflowService(repository.NewWorkflowRepository(db))
}

func validCreateRequest(code string) *models.CreateWorkflowRequest {
	return &models.CreateWorkflowRequest{
		Name: "Purchase Request",
		Code: code,
		Fields: []models.WorkflowFieldRequest{
			{Name: "subject", Label: "Subject", FieldType: models.FieldTypeText, IsMandatory: true, IsTitle: true},
			{Name: "notes", Label: "Notes", FieldType: models.FieldTypeTextarea},
		},
		Approvers: []models.WorkflowApproverRequest{
			{Level: 1, ApproverName: "Line Manager", ApproverEmail: "manager@example.com"},
			{Level: 2, ApproverName: "Director", ApproverEmail: "director@example.com"},
		},
	}
}

func TestCreateWorkflowNormalizesCodeAndDefaults(t *testing.T) {
	svc := newWorkflowService(t)

	resp, err := svc.Create(context.Background(), uuid.New(), validCreateRequest(" pr "))
	require.NoError(t, err)

	assert.Equal(t, "PR", resp.Code)
	assert.Equal(t, models.WorkflowTypeGeneral, resp.Type)
	assert.True(t, resp.IsActive)
	require.Len(t, resp.Fields, 2)
	assert.Equal(t, 1, resp.Fields[0].DisplayOrder)
	assert.Equal(t, 2, resp.Fields[1].DisplayOrder)
	require.Len(t, resp.Approvers, 2)
	assert.Equal(t, 1, resp.Approvers[0].Level)
}

func TestCreateWorkflowRejectsDuplicateCode(t *testing.T) {
	svc := newWorkflowService(t)

	_, err := svc.Create(context.Background(), uuid.New(), validCreateRequest("PR"))
	require.NoError(t, err)

	_, err = svc.Create(context.Background(), uuid.New(), validCreateRequest("pr"))
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestCreateWorkflowDefinitionRules(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(req *models.CreateWorkflowRequest)
		problem string
	}{
		{
			name: "duplicate field names",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Fields[1].Name = "Subject"
			},
			problem: "duplicate field name",
		},
		{
			name: "amount field must be numeric",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Type = models.WorkflowTypeFinancial
				req.Fields[0].IsLimited = true
			},
			problem: "must be a NUMBER field",
		},
		{
			name: "amount field only on financial workflows",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Fields = append(req.Fields, models.WorkflowFieldRequest{
					Name: "amount", Label: "Amount", FieldType: models.FieldTypeNumber, IsLimited: true,
				})
			},
			problem: "only valid on FINANCIAL workflows",
		},
		{
			name: "single amount field",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Type = models.WorkflowTypeFinancial
				req.Fields = append(req.Fields,
					models.WorkflowFieldRequest{Name: "amount", Label: "Amount", FieldType: models.FieldTypeNumber, IsLimited: true},
					models.WorkflowFieldRequest{Name: "vat", Label: "VAT", FieldType: models.FieldTypeNumber, IsLimited: true},
				)
			},
			problem: "only one field can carry the amount",
		},
		{
			name: "dropdown needs options",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Fields = append(req.Fields, models.WorkflowFieldRequest{
					Name: "priority", Label: "Priority", FieldType: models.FieldTypeDropdown,
				})
			},
			problem: "needs at least one option",
		},
		{
			name: "levels start at one",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Approvers[0].Level = 0
			},
			problem: "approver levels start at 1",
		},
		{
			name: "levels are contiguous",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Approvers[1].Level = 3
			},
			problem: "contiguous",
		},
		{
			name: "approver needs an email",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Approvers[0].ApproverEmail = "  "
			},
			problem: "needs an email",
		},
		{
			name: "approval limits only on financial workflows",
			mutate: func(req *models.CreateWorkflowRequest) {
				req.Approvers[0].ApprovalLimit = ptrFloat(1000)
			},
			problem: "approval limits are only valid",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newWorkflowService(t)
			req := validCreateRequest("PR")
			tc.mutate(req)

			_, err := svc.Create(context.Background(), uuid.New(), req)
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)

			found := false
			for _, p := range vErr.Fields {
				if strings.Contains(p, tc.problem) {
					found = true
					break
				}
			}
			assert.True(t, found, "expected a problem containing %q, got %v", tc.problem, vErr.Fields)
		})
	}
}

func TestCreateWorkflowCarriesApproverEntryFlags(t *testing.T) {
	svc := newWorkflowService(t)
	req := validCreateRequest("PR")
	req.Approvers[0].CanEscalate = ptrBool(false)
	req.Approvers[0].NotifyOnPending = ptrBool(false)
	req.Approvers[0].EscalationTimeoutHours = ptrInt(4)

	resp, err := svc.Create(context.Background(), uuid.New(), req)
	require.NoError(t, err)

	require.Len(t, resp.Approvers, 2)
	assert.False(t, resp.Approvers[0].CanEscalate)
	assert.False(t, resp.Approvers[0].NotifyOnPending)
	require.NotNil(t, resp.Approvers[0].EscalationTimeoutHours)
	assert.Equal(t, 4, *resp.Approvers[0].EscalationTimeoutHours)

	// Unset flags read as on.
	assert.True(t, resp.Approvers[1].CanEscalate)
	assert.True(t, resp.Approvers[1].NotifyOnPending)
	assert.True(t, resp.Approvers[1].NotifyOnApproval)
	assert.True(t, resp.Approvers[1].NotifyOnRejection)
	assert.Nil(t, resp.Approvers[1].EscalationTimeoutHours)

	// A duplicate keeps the per-entry configuration.
	dup, err := svc.Duplicate(context.Background(), uuid.New(), resp.ID)
	require.NoError(t, err)
	require.Len(t, dup.Approvers, 2)
	assert.False(t, dup.Approvers[0].CanEscalate)
	require.NotNil(t, dup.Approvers[0].EscalationTimeoutHours)
	assert.Equal(t, 4, *dup.Approvers[0].EscalationTimeoutHours)
}

func TestUpdateWorkflowPatchesAndReplaces(t *testing.T) {
	svc := newWorkflowService(t)
	created, err := svc.Create(context.Background(), uuid.New(), validCreateRequest("PR"))
	require.NoError(t, err)

	name := "Purchase Request v2"
	active := false
	resp, err := svc.Update(context.Background(), created.ID, &models.UpdateWorkflowRequest{
		Name:     &name,
		IsActive: &active,
		Fields: []models.WorkflowFieldRequest{
			{Name: "justification", Label: "Justification", FieldType: models.FieldTypeTextarea, IsMandatory: true},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Purchase Request v2", resp.Name)
	assert.False(t, resp.IsActive)
	require.Len(t, resp.Fields, 1)
	assert.Equal(t, "justification", resp.Fields[0].Name)
	// Approvers were not in the request and survive untouched.
	assert.Len(t, resp.Approvers, 2)
}

func TestUpdateWorkflowValidatesReplacement(t *testing.T) {
	svc := newWorkflowService(t)
	created, err := svc.Create(context.Background(), uuid.New(), validCreateRequest("PR"))
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), created.ID, &models.UpdateWorkflowRequest{
		Approvers: []models.WorkflowApproverRequest{
			{Level: 2, ApproverEmail: "director@example.com"},
		},
	})
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestDuplicateWorkflowDerivesFreeCode(t *testing.T) {
	svc := newWorkflowService(t)
	creator := uuid.New()
	created, err := svc.Create(context.Background(), creator, validCreateRequest("PR"))
	require.NoError(t, err)

	dup, err := svc.Duplicate(context.Background(), creator, created.ID)
	require.NoError(t, err)

	assert.Equal(t, "Purchase Request (Copy)", dup.Name)
	assert.Equal(t, "PR1", dup.Code)
	assert.False(t, dup.IsActive)
	assert.Len(t, dup.Fields, len(created.Fields))
	assert.Len(t, dup.Approvers, len(created.Approvers))

	// A second duplicate steps the suffix.
	dup2, err := svc.Duplicate(context.Background(), creator, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "PR2", dup2.Code)
}

func TestSetActiveAndDelete(t *testing.T) {
	svc := newWorkflowService(t)
	created, err := svc.Create(context.Background(), uuid.New(), validCreateRequest("PR"))
	require.NoError(t, err)

	resp, err := svc.SetActive(context.Background(), created.ID, false)
	require.NoError(t, err)
	assert.False(t, resp.IsActive)

	require.NoError(t, svc.Delete(context.Background(), created.ID))
	_, err = svc.Get(context.Background(), created.ID)
	var nfErr *NotFoundError
	require.ErrorAs(t, err, &nfErr)

	err = svc.Delete(context.Background(), created.ID)
	require.ErrorAs(t, err, &nfErr)
}
