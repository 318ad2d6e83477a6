package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"gorm.io/gorm"
)

type SbuRepository interface {
	Create(ctx context.Context, sbu *models.Sbu) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Sbu, error)
	FindByCode(ctx context.Context, code string) (*models.Sbu, error)
	List(ctx context.Context) ([]models.Sbu, error)
	Update(ctx context.Context, sbu *models.Sbu) error
	Delete(ctx context.Context, id uuid.UUID) error
}

type sbuRepository struct {
	db *gorm.DB
}

func NewSbuRepository(db *gorm.DB) SbuRepository {
	return &sbuRepository{db: db}
}

func (r *sbuRepository) Create(ctx context.Context, sbu *models.Sbu) error {
	return r.db.WithContext(ctx).Create(sbu).Error
}

func (r *sbuRepository) FindByID(ctx context.Context, id uuid.UUID) (*models.Sbu, error) {
	var sbu models.Sbu
	err := r.db.WithContext(ctx).First(&sbu, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return &sbu, nil
}

func (r *sbuRepository) FindByCode(ctx context.Context, code string) (*models.Sbu, error) {
	var sbu models.Sbu
	err := r.db.WithContext(ctx).First(&sbu, "code = ?", code).Error
	if err != nil {
		return nil, err
	}
	return &sbu, nil
}

func (r *sbuRepository) List(ctx context.Context) ([]models.Sbu, error) {
	var sbus []models.Sbu
	err := r.db.WithContext(ctx).Order("name ASC").Find(&sbus).Error
	if err != nil {
		return nil, err
	}
	return sbus, nil
}

func (r *sbuRepository) Update(ctx context.Context, sbu *models.Sbu) error {
	return r.db.WithContext(ctx).Save(sbu).Error
}

func (r *sbuRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return r.db.WithContext(ctx).Delete(&models.Sbu{}, "id = ?", id).Error
}
