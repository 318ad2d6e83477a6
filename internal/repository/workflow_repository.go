package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"gorm.io/gorm"
)

type WorkflowRepository interface {
	Create(ctx context.Context, workflow *models.Workflow) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.Workflow, error)
	FindByCode(ctx context.Context, code string) (*models.Workflow, error)
	List(ctx context.Context, filter *models.WorkflowListFilter) ([]models.Workflow, int64, error)
	Update(ctx context.Context, workflow *models.Workflow) error
	Delete(ctx context.Context, id uuid.UUID) error
	ExistsByCode(ctx context.Context, code string) (bool, error)

	ReplaceFields(ctx context.Context, workflowID uuid.UUID, fields []models.WorkflowField) error
	ReplaceApprovers(ctx context.Context, workflowID uuid.UUID, approvers []models.WorkflowApprover) error
	FindApproverByID(ctx context.Context, id uuid.UUID) (*models.WorkflowApprover, error)
	FindApproverByUserAndWorkflow(ctx context.Context, userID, workflowID uuid.UUID) (*models.WorkflowApprover, error)
	ListWithEscalationTimeout(ctx context.Context) ([]models.Workflow, error)
}

type workflowRepository struct {
	db *gorm.DB
}

func NewWorkflowRepository(db *gorm.DB) WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	return r.db.WithContext(ctx).Create(workflow).Error
}

func (r *workflowRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	var workflow models.Workflow
	err := r.db.WithContext(ctx).First(&workflow, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &workflow, nil
}

func (r *workflowRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.Workflow, error) {
	var workflow models.Workflow
	err := r.db.WithContext(ctx).
		Preload("Sbu").
		Preload("Fields", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC")
		}).
		Preload("Fields.Options", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC")
		}).
		Preload("Approvers", func(db *gorm.DB) *gorm.DB {
			return db.Order("level ASC, display_order ASC")
		}).
		Preload("Approvers.User").
		First(&workflow, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &workflow, nil
}

func (r *workflowRepository) FindByCode(ctx context.Context, code string) (*models.Workflow, error) {
	var workflow models.Workflow
	err := r.db.WithContext(ctx).First(&workflow, "code = ?", code).Error
	if err != nil {
		return nil, err
	}
	return &workflow, nil
}

func (r *workflowRepository) List(ctx context.Context, filter *models.WorkflowListFilter) ([]models.Workflow, int64, error) {
	var workflows []models.Workflow
	var total int64

	query := r.db.WithContext(ctx).Model(&models.Workflow{})

	if filter.Search != "" {
		search := "%" + filter.Search + "%"
		query = query.Where("name ILIKE ? OR code ILIKE ? OR description ILIKE ?", search, search, search)
	}
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.SbuID != nil {
		query = query.Where("sbu_id = ?", *filter.SbuID)
	}
	if filter.IsActive != nil {
		query = query.Where("is_active = ?", *filter.IsActive)
	}

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	limit := filter.Limit
	if limit < 1 || limit > 100 {
		limit = 20
	}

	err := query.Preload("Sbu").
		Order("created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&workflows).Error
	if err != nil {
		return nil, 0, err
	}
	return workflows, total, nil
}

func (r *workflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	return r.db.WithContext(ctx).Save(workflow).Error
}

func (r *workflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.Workflow{}, "id = ?", id).Error
}

func (r *workflowRepository) ExistsByCode(ctx context.Context, code string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Workflow{}).Where("code = ?", code).Count(&count).Error
	return count > 0, err
}

func (r *workflowRepository) ReplaceFields(ctx context.Context, workflowID uuid.UUID, fields []models.WorkflowField) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var fieldIDs []uuid.UUID
		if err := tx.Model(&models.WorkflowField{}).
			Where("workflow_id = ?", workflowID).
			Pluck("id", &fieldIDs).Error; err != nil {
			return err
		}
		if len(fieldIDs) > 0 {
			if err := tx.Where("field_id IN ?", fieldIDs).Delete(&models.FieldOption{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Unscoped().Where("workflow_id = ?", workflowID).Delete(&models.WorkflowField{}).Error; err != nil {
			return err
		}
		for i := range fields {
			fields[i].WorkflowID = workflowID
			if err := tx.Create(&fields[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *workflowRepository) ReplaceApprovers(ctx context.Context, workflowID uuid.UUID, approvers []models.WorkflowApprover) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Unscoped().Where("workflow_id = ?", workflowID).Delete(&models.WorkflowApprover{}).Error; err != nil {
			return err
		}
		for i := range approvers {
			approvers[i].WorkflowID = workflowID
			if err := tx.Create(&approvers[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *workflowRepository) FindApproverByID(ctx context.Context, id uuid.UUID) (*models.WorkflowApprover, error) {
	var approver models.WorkflowApprover
	err := r.db.WithContext(ctx).Preload("User").First(&approver, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &approver, nil
}

func (r *workflowRepository) FindApproverByUserAndWorkflow(ctx context.Context, userID, workflowID uuid.UUID) (*models.WorkflowApprover, error) {
	var approver models.WorkflowApprover
	err := r.db.WithContext(ctx).
		Preload("User").
		Where("user_id = ? AND workflow_id = ?", userID, workflowID).
		Order("level ASC, display_order ASC").
		First(&approver).Error
	if err != nil {
		return nil, err
	}
	return &approver, nil
}

// ListWithEscalationTimeout returns active workflows carrying a timeout
// on the workflow itself or on any approver entry.
func (r *workflowRepository) ListWithEscalationTimeout(ctx context.Context) ([]models.Workflow, error) {
	var workflows []models.Workflow
	timedEntries := r.db.Model(&models.WorkflowApprover{}).
		Select("workflow_id").
		Where("escalation_timeout_hours IS NOT NULL")
	err := r.db.WithContext(ctx).
		Preload("Approvers", func(db *gorm.DB) *gorm.DB {
			return db.Order("level ASC, display_order ASC")
		}).
		Where("is_active = ?", true).
		Where("escalation_timeout_hours IS NOT NULL OR id IN (?)", timedEntries).
		Find(&workflows).Error
	if err != nil {
		return nil, err
	}
	return workflows, nil
}
