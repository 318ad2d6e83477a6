package services

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
)

type WorkflowService interface {
	Create(ctx context.Context, creatorID uuid.UUID, req *models.CreateWorkflowRequest) (*models.WorkflowResponse, error)
	Update(ctx context.Context, id uuid.UUID, req *models.UpdateWorkflowRequest) (*models.WorkflowResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*models.WorkflowResponse, error)
	GetByCode(ctx context.Context, code string) (*models.WorkflowResponse, error)
	List(ctx context.Context, filter *models.WorkflowListFilter) ([]models.WorkflowResponse, int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.WorkflowResponse, error)
	Duplicate(ctx context.Context, creatorID uuid.UUID, id uuid.UUID) (*models.WorkflowResponse, error)
}

type workflowService struct {
	repo repository.WorkflowRepository
}

func NewWorkflowService(repo repository.WorkflowRepository) WorkflowService {
	return &workflowService{repo: repo}
}

func (s *workflowService) Create(ctx context.Context, creatorID uuid.UUID, req *models.CreateWorkflowRequest) (*models.WorkflowResponse, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	exists, err := s.repo.ExistsByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &ConflictError{Message: fmt.Sprintf("workflow code %s is already in use", code)}
	}

	wfType := req.Type
	if wfType == "" {
		wfType = models.WorkflowTypeGeneral
	}

	workflow := &models.Workflow{
		Name:                        req.Name,
		Code:                        code,
		Description:                 req.Description,
		Type:                        wfType,
		SbuID:                       req.SbuID,
		IsActive:                    true,
		CommentsMandatory:           req.CommentsMandatory,
		CommentsMandatoryOnReject:   req.CommentsMandatoryOnReject,
		CommentsMandatoryOnEscalate: req.CommentsMandatoryOnEscalate,
		AllowEmailApprovals:         req.AllowEmailApprovals,
		EscalationTimeoutHours:      req.EscalationTimeoutHours,
		CreatedByID:                 &creatorID,
		Fields:                      buildFields(req.Fields),
		Approvers:                   buildApprovers(req.Approvers),
	}
	if err := validateDefinition(workflow); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, workflow); err != nil {
		return nil, err
	}
	return s.Get(ctx, workflow.ID)
}

func (s *workflowService) Update(ctx context.Context, id uuid.UUID, req *models.UpdateWorkflowRequest) (*models.WorkflowResponse, error) {
	workflow, err := s.repo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "workflow", ID: id.String()}
	}

	if req.Name != nil {
		workflow.Name = *req.Name
	}
	if req.Description != nil {
		workflow.Description = *req.Description
	}
	if req.Type != nil {
		workflow.Type = *req.Type
	}
	if req.SbuID != nil {
		workflow.SbuID = req.SbuID
	}
	if req.IsActive != nil {
		workflow.IsActive = *req.IsActive
	}
	if req.CommentsMandatory != nil {
		workflow.CommentsMandatory = *req.CommentsMandatory
	}
	if req.CommentsMandatoryOnReject != nil {
		workflow.CommentsMandatoryOnReject = *req.CommentsMandatoryOnReject
	}
	if req.CommentsMandatoryOnEscalate != nil {
		workflow.CommentsMandatoryOnEscalate = *req.CommentsMandatoryOnEscalate
	}
	if req.AllowEmailApprovals != nil {
		workflow.AllowEmailApprovals = *req.AllowEmailApprovals
	}
	if req.EscalationTimeoutHours != nil {
		workflow.EscalationTimeoutHours = req.EscalationTimeoutHours
	}

	if req.Fields != nil {
		workflow.Fields = buildFields(req.Fields)
	}
	if req.Approvers != nil {
		workflow.Approvers = buildApprovers(req.Approvers)
	}
	if err := validateDefinition(workflow); err != nil {
		return nil, err
	}

	if req.Fields != nil {
		if err := s.repo.ReplaceFields(ctx, workflow.ID, workflow.Fields); err != nil {
			return nil, err
		}
	}
	if req.Approvers != nil {
		if err := s.repo.ReplaceApprovers(ctx, workflow.ID, workflow.Approvers); err != nil {
			return nil, err
		}
	}

	// Associations were persisted above; save only the scalar columns.
	workflow.Fields = nil
	workflow.Approvers = nil
	if err := s.repo.Update(ctx, workflow); err != nil {
		return nil, err
	}
	return s.Get(ctx, workflow.ID)
}

func (s *workflowService) Get(ctx context.Context, id uuid.UUID) (*models.WorkflowResponse, error) {
	workflow, err := s.repo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "workflow", ID: id.String()}
	}
	resp := workflow.ToResponse()
	return &resp, nil
}

func (s *workflowService) GetByCode(ctx context.Context, code string) (*models.WorkflowResponse, error) {
	workflow, err := s.repo.FindByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return nil, &NotFoundError{Resource: "workflow", ID: code}
	}
	return s.Get(ctx, workflow.ID)
}

func (s *workflowService) List(ctx context.Context, filter *models.WorkflowListFilter) ([]models.WorkflowResponse, int64, error) {
	workflows, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.WorkflowResponse, 0, len(workflows))
	for i := range workflows {
		out = append(out, workflows[i].ToResponse())
	}
	return out, total, nil
}

func (s *workflowService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return &NotFoundError{Resource: "workflow", ID: id.String()}
	}
	return s.repo.Delete(ctx, id)
}

func (s *workflowService) SetActive(ctx context.Context, id uuid.UUID, active bool) (*models.WorkflowResponse, error) {
	workflow, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "workflow", ID: id.String()}
	}
	workflow.IsActive = active
	if err := s.repo.Update(ctx, workflow); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// Duplicate copies a definition with a derived code so admins can branch
// an existing workflow instead of rebuilding it field by field.
func (s *workflowService) Duplicate(ctx context.Context, creatorID uuid.UUID, id uuid.UUID) (*models.WorkflowResponse, error) {
	source, err := s.repo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "workflow", ID: id.String()}
	}

	code, err := s.freeCode(ctx, source.Code)
	if err != nil {
		return nil, err
	}

	copyWf := &models.Workflow{
		Name:                        source.Name + " (Copy)",
		Code:                        code,
		Description:                 source.Description,
		Type:                        source.Type,
		SbuID:                       source.SbuID,
		IsActive:                    false,
		CommentsMandatory:           source.CommentsMandatory,
		CommentsMandatoryOnReject:   source.CommentsMandatoryOnReject,
		CommentsMandatoryOnEscalate: source.CommentsMandatoryOnEscalate,
		AllowEmailApprovals:         source.AllowEmailApprovals,
		EscalationTimeoutHours:      source.EscalationTimeoutHours,
		CreatedByID:                 &creatorID,
	}
	for _, f := range source.Fields {
		field := models.WorkflowField{
			Name:         f.Name,
			Label:        f.Label,
			FieldType:    f.FieldType,
			IsMandatory:  f.IsMandatory,
			IsUnique:     f.IsUnique,
			IsTitle:      f.IsTitle,
			IsLimited:    f.IsLimited,
			DisplayOrder: f.DisplayOrder,
			Placeholder:  f.Placeholder,
		}
		for _, o := range f.Options {
			field.Options = append(field.Options, models.FieldOption{
				Label:        o.Label,
				Value:        o.Value,
				DisplayOrder: o.DisplayOrder,
			})
		}
		copyWf.Fields = append(copyWf.Fields, field)
	}
	for _, a := range source.Approvers {
		copyWf.Approvers = append(copyWf.Approvers, models.WorkflowApprover{
			Level:                  a.Level,
			DisplayOrder:           a.DisplayOrder,
			UserID:                 a.UserID,
			ApproverName:           a.ApproverName,
			ApproverEmail:          a.ApproverEmail,
			ApprovalLimit:          a.ApprovalLimit,
			IsUnlimited:            a.IsUnlimited,
			CanEscalate:            a.CanEscalate,
			EscalationTimeoutHours: a.EscalationTimeoutHours,
			NotifyOnPending:        a.NotifyOnPending,
			NotifyOnApproval:       a.NotifyOnApproval,
			NotifyOnRejection:      a.NotifyOnRejection,
		})
	}

	if err := s.repo.Create(ctx, copyWf); err != nil {
		return nil, err
	}
	return s.Get(ctx, copyWf.ID)
}

func (s *workflowService) freeCode(ctx context.Context, base string) (string, error) {
	for i := 1; i < 100; i++ {
		suffix := fmt.Sprint(i)
		candidate := base + suffix
		if len(candidate) > 20 {
			candidate = base[:20-len(suffix)] + suffix
		}
		exists, err := s.repo.ExistsByCode(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", &ConflictError{Message: fmt.Sprintf("could not derive a free code from %s", base)}
}

func buildFields(reqs []models.WorkflowFieldRequest) []models.WorkflowField {
	fields := make([]models.WorkflowField, 0, len(reqs))
	for i, r := range reqs {
		order := r.DisplayOrder
		if order == 0 {
			order = i + 1
		}
		field := models.WorkflowField{
			Name:         r.Name,
			Label:        r.Label,
			FieldType:    r.FieldType,
			IsMandatory:  r.IsMandatory,
			IsUnique:     r.IsUnique,
			IsTitle:      r.IsTitle,
			IsLimited:    r.IsLimited,
			DisplayOrder: order,
			Placeholder:  r.Placeholder,
		}
		for j, o := range r.Options {
			oo := o.DisplayOrder
			if oo == 0 {
				oo = j + 1
			}
			field.Options = append(field.Options, models.FieldOption{
				Label:        o.Label,
				Value:        o.Value,
				DisplayOrder: oo,
			})
		}
		fields = append(fields, field)
	}
	return fields
}

func buildApprovers(reqs []models.WorkflowApproverRequest) []models.WorkflowApprover {
	approvers := make([]models.WorkflowApprover, 0, len(reqs))
	for i, r := range reqs {
		order := r.DisplayOrder
		if order == 0 {
			order = i + 1
		}
		approvers = append(approvers, models.WorkflowApprover{
			Level:                  r.Level,
			DisplayOrder:           order,
			UserID:                 r.UserID,
			ApproverName:           r.ApproverName,
			ApproverEmail:          r.ApproverEmail,
			ApprovalLimit:          r.ApprovalLimit,
			IsUnlimited:            r.IsUnlimited,
			CanEscalate:            r.CanEscalate,
			EscalationTimeoutHours: r.EscalationTimeoutHours,
			NotifyOnPending:        r.NotifyOnPending,
			NotifyOnApproval:       r.NotifyOnApproval,
			NotifyOnRejection:      r.NotifyOnRejection,
		})
	}
	return approvers
}

// validateDefinition enforces the structural rules a definition must
// satisfy before instances can route through it.
func validateDefinition(workflow *models.Workflow) error {
	var problems []string

	limited := 0
	names := make(map[string]bool, len(workflow.Fields))
	for _, f := range workflow.Fields {
		key := strings.ToLower(strings.TrimSpace(f.Name))
		if key == "" {
			problems = append(problems, "every field needs a name")
			continue
		}
		if names[key] {
			problems = append(problems, fmt.Sprintf("duplicate field name %q", f.Name))
		}
		names[key] = true
		if f.IsLimited {
			limited++
			if f.FieldType != models.FieldTypeNumber {
				problems = append(problems, fmt.Sprintf("amount field %q must be a NUMBER field", f.Name))
			}
		}
		if f.FieldType == models.FieldTypeDropdown && len(f.Options) == 0 {
			problems = append(problems, fmt.Sprintf("dropdown field %q needs at least one option", f.Name))
		}
	}
	if limited > 1 {
		problems = append(problems, "only one field can carry the amount")
	}
	if limited > 0 && workflow.Type != models.WorkflowTypeFinancial {
		problems = append(problems, "amount fields are only valid on FINANCIAL workflows")
	}

	levels := make(map[int]bool)
	for _, a := range workflow.Approvers {
		if a.Level < 1 {
			problems = append(problems, "approver levels start at 1")
			continue
		}
		levels[a.Level] = true
		if strings.TrimSpace(a.ApproverEmail) == "" {
			problems = append(problems, fmt.Sprintf("approver at level %d needs an email", a.Level))
		}
		if workflow.Type != models.WorkflowTypeFinancial && a.ApprovalLimit != nil {
			problems = append(problems, "approval limits are only valid on FINANCIAL workflows")
		}
	}
	if len(levels) > 0 {
		keys := make([]int, 0, len(levels))
		for l := range levels {
			keys = append(keys, l)
		}
		sort.Ints(keys)
		for i, l := range keys {
			if l != i+1 {
				problems = append(problems, "approver levels must be contiguous starting at 1")
				break
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Message: "workflow definition is invalid", Fields: problems}
	}
	return nil
}
