package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"gorm.io/gorm"
)

type NotificationLogRepository interface {
	Create(ctx context.Context, log *models.NotificationLog) error
	ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]models.NotificationLog, error)
}

type notificationLogRepository struct {
	db *gorm.DB
}

func NewNotificationLogRepository(db *gorm.DB) NotificationLogRepository {
	return &notificationLogRepository{db: db}
}

func (r *notificationLogRepository) Create(ctx context.Context, log *models.NotificationLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *notificationLogRepository) ListByInstance(ctx context.Context, instanceID uuid.UUID) ([]models.NotificationLog, error) {
	var logs []models.NotificationLog
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at DESC").
		Find(&logs).Error
	if err != nil {
		return nil, err
	}
	return logs, nil
}
