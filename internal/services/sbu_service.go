package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
)

type SbuService interface {
	Create(ctx context.Context, req *models.SbuCreateRequest) (*models.SbuResponse, error)
	Update(ctx context.Context, id uuid.UUID, req *models.SbuUpdateRequest) (*models.SbuResponse, error)
	Get(ctx context.Context, id uuid.UUID) (*models.SbuResponse, error)
	List(ctx context.Context) ([]models.SbuResponse, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type sbuService struct {
	repo repository.SbuRepository
}

func NewSbuService(repo repository.SbuRepository) SbuService {
	return &sbuService{repo: repo}
}

func (s *sbuService) Create(ctx context.Context, req *models.SbuCreateRequest) (*models.SbuResponse, error) {
	code := strings.ToUpper(strings.TrimSpace(req.Code))
	if existing, err := s.repo.FindByCode(ctx, code); err == nil && existing != nil {
		return nil, &ConflictError{Message: fmt.Sprintf("business unit code %s is already in use", code)}
	}

	sbu := &models.Sbu{
		Name:        req.Name,
		Code:        code,
		Description: req.Description,
		IsActive:    true,
	}
	if err := s.repo.Create(ctx, sbu); err != nil {
		return nil, err
	}
	resp := sbu.ToResponse()
	return &resp, nil
}

func (s *sbuService) Update(ctx context.Context, id uuid.UUID, req *models.SbuUpdateRequest) (*models.SbuResponse, error) {
	sbu, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "business unit", ID: id.String()}
	}

	if req.Name != nil {
		sbu.Name = *req.Name
	}
	if req.Description != nil {
		sbu.Description = *req.Description
	}
	if req.IsActive != nil {
		sbu.IsActive = *req.IsActive
	}

	if err := s.repo.Update(ctx, sbu); err != nil {
		return nil, err
	}
	resp := sbu.ToResponse()
	return &resp, nil
}

func (s *sbuService) Get(ctx context.Context, id uuid.UUID) (*models.SbuResponse, error) {
	sbu, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "business unit", ID: id.String()}
	}
	resp := sbu.ToResponse()
	return &resp, nil
}

func (s *sbuService) List(ctx context.Context) ([]models.SbuResponse, error) {
	sbus, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]models.SbuResponse, 0, len(sbus))
	for i := range sbus {
		out = append(out, sbus[i].ToResponse())
	}
	return out, nil
}

func (s *sbuService) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.repo.FindByID(ctx, id); err != nil {
		return &NotFoundError{Resource: "business unit", ID: id.String()}
	}
	return s.repo.Delete(ctx, id)
}
