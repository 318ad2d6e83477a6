package repository

import (
	"context"

	"github.com/sonarworks/workflow-backend/internal/models"
	"gorm.io/gorm"
)

type SettingRepository interface {
	FindByKey(ctx context.Context, key string) (*models.Setting, error)
	List(ctx context.Context) ([]models.Setting, error)
	Upsert(ctx context.Context, key, value string) error
}

type settingRepository struct {
	db *gorm.DB
}

func NewSettingRepository(db *gorm.DB) SettingRepository {
	return &settingRepository{db: db}
}

func (r *settingRepository) FindByKey(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	err := r.db.WithContext(ctx).First(&setting, "setting_key = ?", key).Error
	if err != nil {
		return nil, err
	}
	return &setting, nil
}

func (r *settingRepository) List(ctx context.Context) ([]models.Setting, error) {
	var settings []models.Setting
	err := r.db.WithContext(ctx).Order("setting_key ASC").Find(&settings).Error
	if err != nil {
		return nil, err
	}
	return settings, nil
}

func (r *settingRepository) Upsert(ctx context.Context, key, value string) error {
	var setting models.Setting
	err := r.db.WithContext(ctx).First(&setting, "setting_key = ?", key).Error
	if err == gorm.ErrRecordNotFound {
		return r.db.WithContext(ctx).Create(&models.Setting{Key: key, Value: value}).Error
	}
	if err != nil {
		return err
	}
	setting.Value = value
	return r.db.WithContext(ctx).Save(&setting).Error
}
