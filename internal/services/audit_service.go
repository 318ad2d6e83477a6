package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
)

type AuditService interface {
	Record(ctx context.Context, params *AuditParams) error
	Get(ctx context.Context, id uuid.UUID) (*models.AuditLogResponse, error)
	List(ctx context.Context, filter *models.AuditLogFilter) ([]models.AuditLogResponse, int64, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

type AuditParams struct {
	UserID      *uuid.UUID
	Action      string
	Module      string
	ResourceID  string
	Description string
	IPAddress   string
	UserAgent   string
	Status      string
	ErrorMsg    string
	Duration    int64
}

type auditService struct {
	repo repository.AuditLogRepository
}

func NewAuditService(repo repository.AuditLogRepository) AuditService {
	return &auditService{repo: repo}
}

func (s *auditService) Record(ctx context.Context, params *AuditParams) error {
	if params.Status == "" {
		params.Status = "success"
	}
	entry := &models.AuditLog{
		UserID:      params.UserID,
		Action:      params.Action,
		Module:      params.Module,
		ResourceID:  params.ResourceID,
		Description: params.Description,
		IPAddress:   params.IPAddress,
		UserAgent:   params.UserAgent,
		Status:      params.Status,
		ErrorMsg:    params.ErrorMsg,
		Duration:    params.Duration,
	}
	return s.repo.Create(ctx, entry)
}

func (s *auditService) Get(ctx context.Context, id uuid.UUID) (*models.AuditLogResponse, error) {
	entry, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "audit log", ID: id.String()}
	}
	resp := entry.ToResponse()
	return &resp, nil
}

func (s *auditService) List(ctx context.Context, filter *models.AuditLogFilter) ([]models.AuditLogResponse, int64, error) {
	entries, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.AuditLogResponse, 0, len(entries))
	for i := range entries {
		out = append(out, entries[i].ToResponse())
	}
	return out, total, nil
}

func (s *auditService) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	return s.repo.DeleteOlderThan(ctx, cutoff)
}
