package repository

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type InstanceRepository interface {
	Create(ctx context.Context, instance *models.WorkflowInstance) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error)
	FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error)
	FindByReference(ctx context.Context, reference string) (*models.WorkflowInstance, error)
	Update(ctx context.Context, instance *models.WorkflowInstance) error
	Delete(ctx context.Context, id uuid.UUID) error

	List(ctx context.Context, filter *models.InstanceListFilter) ([]models.WorkflowInstance, int64, error)
	ListByInitiator(ctx context.Context, initiatorID uuid.UUID, filter *models.InstanceListFilter) ([]models.WorkflowInstance, int64, error)
	ListPendingForApprover(ctx context.Context, userID uuid.UUID, email string, page, limit int) ([]models.WorkflowInstance, int64, error)
	ListAwaiting(ctx context.Context, workflowID uuid.UUID) ([]models.WorkflowInstance, error)
	Counts(ctx context.Context, userID uuid.UUID, email string) (*models.InstanceCounts, error)

	ExistsFieldValue(ctx context.Context, workflowID, fieldID uuid.UUID, value string, excludeInstanceID *uuid.UUID) (bool, error)
	ReplaceFieldValues(ctx context.Context, instanceID uuid.UUID, values []models.WorkflowFieldValue) error
	ListHistory(ctx context.Context, instanceID uuid.UUID) ([]models.ApprovalHistory, error)

	CreateAttachment(ctx context.Context, attachment *models.InstanceAttachment) error
	FindAttachmentByID(ctx context.Context, id uuid.UUID) (*models.InstanceAttachment, error)
	ListAttachments(ctx context.Context, instanceID uuid.UUID) ([]models.InstanceAttachment, error)
	DeleteAttachment(ctx context.Context, id uuid.UUID) error
}

// LockByID loads an instance row under SELECT ... FOR UPDATE inside the
// given transaction. Callers must re-check the status after acquiring the
// lock; a competing transition may have moved the instance first.
func LockByID(tx *gorm.DB, id uuid.UUID) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&instance, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

type instanceRepository struct {
	db *gorm.DB
}

func NewInstanceRepository(db *gorm.DB) InstanceRepository {
	return &instanceRepository{db: db}
}

func (r *instanceRepository) Create(ctx context.Context, instance *models.WorkflowInstance) error {
	return r.db.WithContext(ctx).Create(instance).Error
}

func (r *instanceRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance
	err := r.db.WithContext(ctx).First(&instance, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *instanceRepository) FindByIDWithRelations(ctx context.Context, id uuid.UUID) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance
	err := r.db.WithContext(ctx).
		Preload("Workflow").
		Preload("Workflow.Fields", func(db *gorm.DB) *gorm.DB {
			return db.Order("display_order ASC")
		}).
		Preload("Workflow.Fields.Options").
		Preload("Workflow.Approvers", func(db *gorm.DB) *gorm.DB {
			return db.Order("level ASC, display_order ASC")
		}).
		Preload("Workflow.Approvers.User").
		Preload("CurrentApprover").
		Preload("CurrentApprover.User").
		Preload("Initiator").
		Preload("FieldValues").
		Preload("FieldValues.Field").
		Preload("History", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC")
		}).
		Preload("Attachments").
		First(&instance, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *instanceRepository) FindByReference(ctx context.Context, reference string) (*models.WorkflowInstance, error) {
	var instance models.WorkflowInstance
	err := r.db.WithContext(ctx).
		Preload("Workflow").
		First(&instance, "reference_number = ?", reference).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *instanceRepository) Update(ctx context.Context, instance *models.WorkflowInstance) error {
	return r.db.WithContext(ctx).Save(instance).Error
}

func (r *instanceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.WorkflowInstance{}, "id = ?", id).Error
}

func (r *instanceRepository) applyFilter(query *gorm.DB, filter *models.InstanceListFilter) *gorm.DB {
	if filter.WorkflowID != nil {
		query = query.Where("workflow_instances.workflow_id = ?", *filter.WorkflowID)
	}
	if filter.Status != "" {
		query = query.Where("workflow_instances.status = ?", filter.Status)
	}
	if filter.SbuID != nil {
		query = query.Where("workflow_instances.sbu_id = ?", *filter.SbuID)
	}
	if filter.Search != "" {
		search := "%" + strings.ToLower(filter.Search) + "%"
		query = query.Where(
			"LOWER(workflow_instances.reference_number) LIKE ? OR LOWER(workflow_instances.title) LIKE ?",
			search, search,
		)
	}
	if filter.From != nil {
		query = query.Where("workflow_instances.created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("workflow_instances.created_at <= ?", *filter.To)
	}
	return query
}

func (r *instanceRepository) paginate(query *gorm.DB, filter *models.InstanceListFilter) ([]models.WorkflowInstance, int64, error) {
	var instances []models.WorkflowInstance
	var total int64

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

	err := query.Preload("Workflow").
		Preload("CurrentApprover").
		Preload("Initiator").
		Order("workflow_instances.created_at DESC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&instances).Error
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

func (r *instanceRepository) List(ctx context.Context, filter *models.InstanceListFilter) ([]models.WorkflowInstance, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.WorkflowInstance{})
	query = r.applyFilter(query, filter)
	return r.paginate(query, filter)
}

func (r *instanceRepository) ListByInitiator(ctx context.Context, initiatorID uuid.UUID, filter *models.InstanceListFilter) ([]models.WorkflowInstance, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Where("workflow_instances.initiator_id = ?", initiatorID)
	query = r.applyFilter(query, filter)
	return r.paginate(query, filter)
}

func (r *instanceRepository) ListPendingForApprover(ctx context.Context, userID uuid.UUID, email string, page, limit int) ([]models.WorkflowInstance, int64, error) {
	var instances []models.WorkflowInstance
	var total int64

	query := r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Joins("JOIN workflow_approvers ON workflow_approvers.id = workflow_instances.current_approver_id").
		Where("workflow_instances.status IN ?", []models.InstanceStatus{models.StatusPending, models.StatusEscalated}).
		Where("workflow_approvers.user_id = ? OR LOWER(workflow_approvers.approver_email) = ?",
			userID, strings.ToLower(email))

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	err := query.Preload("Workflow").
		Preload("CurrentApprover").
		Preload("Initiator").
		Order("workflow_instances.submitted_at ASC").
		Offset((page - 1) * limit).
		Limit(limit).
		Find(&instances).Error
	if err != nil {
		return nil, 0, err
	}
	return instances, total, nil
}

// ListAwaiting returns a workflow's instances still waiting on an
// approver, escalated ones included; they can still time out again.
func (r *instanceRepository) ListAwaiting(ctx context.Context, workflowID uuid.UUID) ([]models.WorkflowInstance, error) {
	var instances []models.WorkflowInstance
	err := r.db.WithContext(ctx).
		Where("workflow_id = ?", workflowID).
		Where("status IN ?", []models.InstanceStatus{models.StatusPending, models.StatusEscalated}).
		Where("last_action_at IS NOT NULL").
		Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

func (r *instanceRepository) Counts(ctx context.Context, userID uuid.UUID, email string) (*models.InstanceCounts, error) {
	counts := &models.InstanceCounts{}

	type statusCount struct {
		Status models.InstanceStatus
		Count  int64
	}
	var rows []statusCount
	err := r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Select("status, COUNT(*) as count").
		Where("initiator_id = ?", userID).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		switch row.Status {
		case models.StatusDraft:
			counts.Drafts = row.Count
		case models.StatusPending, models.StatusEscalated:
			counts.Pending += row.Count
		case models.StatusApproved:
			counts.Approved = row.Count
		case models.StatusRejected:
			counts.Rejected = row.Count
		case models.StatusCancelled:
			counts.Cancelled = row.Count
		}
	}

	err = r.db.WithContext(ctx).Model(&models.WorkflowInstance{}).
		Joins("JOIN workflow_approvers ON workflow_approvers.id = workflow_instances.current_approver_id").
		Where("workflow_instances.status IN ?", []models.InstanceStatus{models.StatusPending, models.StatusEscalated}).
		Where("workflow_approvers.user_id = ? OR LOWER(workflow_approvers.approver_email) = ?",
			userID, strings.ToLower(email)).
		Count(&counts.AwaitingMyAction).Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *instanceRepository) ExistsFieldValue(ctx context.Context, workflowID, fieldID uuid.UUID, value string, excludeInstanceID *uuid.UUID) (bool, error) {
	var count int64
	query := r.db.WithContext(ctx).Model(&models.WorkflowFieldValue{}).
		Joins("JOIN workflow_instances ON workflow_instances.id = workflow_field_values.instance_id").
		Where("workflow_instances.workflow_id = ?", workflowID).
		Where("workflow_instances.deleted_at IS NULL").
		Where("workflow_field_values.field_id = ?", fieldID).
		Where("workflow_field_values.value = ?", value)
	if excludeInstanceID != nil {
		query = query.Where("workflow_field_values.instance_id != ?", *excludeInstanceID)
	}
	err := query.Count(&count).Error
	return count > 0, err
}

func (r *instanceRepository) ReplaceFieldValues(ctx context.Context, instanceID uuid.UUID, values []models.WorkflowFieldValue) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("instance_id = ?", instanceID).Delete(&models.WorkflowFieldValue{}).Error; err != nil {
			return err
		}
		for i := range values {
			values[i].InstanceID = instanceID
			if err := tx.Create(&values[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *instanceRepository) ListHistory(ctx context.Context, instanceID uuid.UUID) ([]models.ApprovalHistory, error) {
	var history []models.ApprovalHistory
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&history).Error
	if err != nil {
		return nil, err
	}
	return history, nil
}

func (r *instanceRepository) CreateAttachment(ctx context.Context, attachment *models.InstanceAttachment) error {
	return r.db.WithContext(ctx).Create(attachment).Error
}

func (r *instanceRepository) FindAttachmentByID(ctx context.Context, id uuid.UUID) (*models.InstanceAttachment, error) {
	var attachment models.InstanceAttachment
	err := r.db.WithContext(ctx).First(&attachment, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &attachment, nil
}

func (r *instanceRepository) ListAttachments(ctx context.Context, instanceID uuid.UUID) ([]models.InstanceAttachment, error) {
	var attachments []models.InstanceAttachment
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&attachments).Error
	if err != nil {
		return nil, err
	}
	return attachments, nil
}

func (r *instanceRepository) DeleteAttachment(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.InstanceAttachment{}, "id = ?", id).Error
}
