package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"gorm.io/gorm"
)

type TokenRepository interface {
	Create(ctx context.Context, token *models.EmailApprovalToken) error
	CreateTx(tx *gorm.DB, token *models.EmailApprovalToken) error
	FindByToken(ctx context.Context, token string) (*models.EmailApprovalToken, error)
	MarkUsed(tx *gorm.DB, id uuid.UUID, usedAt time.Time) error
	InvalidateForInstanceAndLevel(tx *gorm.DB, instanceID uuid.UUID, level int) error
	InvalidateForInstance(tx *gorm.DB, instanceID uuid.UUID) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

type tokenRepository struct {
	db *gorm.DB
}

func NewTokenRepository(db *gorm.DB) TokenRepository {
	return &tokenRepository{db: db}
}

func (r *tokenRepository) Create(ctx context.Context, token *models.EmailApprovalToken) error {
	return r.db.WithContext(ctx).Create(token).Error
}

func (r *tokenRepository) CreateTx(tx *gorm.DB, token *models.EmailApprovalToken) error {
	return tx.Create(token).Error
}

func (r *tokenRepository) FindByToken(ctx context.Context, token string) (*models.EmailApprovalToken, error) {
	var t models.EmailApprovalToken
	err := r.db.WithContext(ctx).
		Preload("Instance").
		Preload("Instance.Workflow").
		First(&t, "token = ?", token).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *tokenRepository) MarkUsed(tx *gorm.DB, id uuid.UUID, usedAt time.Time) error {
	return tx.Model(&models.EmailApprovalToken{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"used": true, "used_at": usedAt}).Error
}

func (r *tokenRepository) InvalidateForInstanceAndLevel(tx *gorm.DB, instanceID uuid.UUID, level int) error {
	return tx.Model(&models.EmailApprovalToken{}).
		Where("instance_id = ? AND level = ? AND used = ?", instanceID, level, false).
		Update("used", true).Error
}

func (r *tokenRepository) InvalidateForInstance(tx *gorm.DB, instanceID uuid.UUID) error {
	return tx.Model(&models.EmailApprovalToken{}).
		Where("instance_id = ? AND used = ?", instanceID, false).
		Update("used", true).Error
}

func (r *tokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("expires_at < ?", before).
		Delete(&models.EmailApprovalToken{})
	return result.RowsAffected, result.Error
}
