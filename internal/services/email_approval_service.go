package services

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"gorm.io/gorm"
)

const defaultTokenExpiryHours = 48

// EmailApprovalService manages the single-use tokens behind approve and
// reject links in notification emails.
type EmailApprovalService interface {
	// IssuePair creates an approve and a reject token for an approver at
	// the instance's current level, inside the caller's transaction.
	IssuePair(ctx context.Context, tx *gorm.DB, instance *models.WorkflowInstance, approverEmail string) (approve, reject *models.EmailApprovalToken, err error)

	// Validate returns the token when it is unused and unexpired. Every
	// failure mode returns the same TokenError.
	Validate(ctx context.Context, token string) (*models.EmailApprovalToken, error)

	// Consume marks a token used inside the caller's transaction.
	Consume(tx *gorm.DB, token *models.EmailApprovalToken) error

	InvalidateLevel(tx *gorm.DB, instanceID uuid.UUID, level int) error
	InvalidateAll(tx *gorm.DB, instanceID uuid.UUID) error

	// SweepExpired deletes tokens past their expiry.
	SweepExpired(ctx context.Context) (int64, error)

	// ActionURL builds the link embedded in the email body.
	ActionURL(ctx context.Context, token *models.EmailApprovalToken) string
}

type emailApprovalService struct {
	tokenRepo repository.TokenRepository
	settings  SettingService
}

func NewEmailApprovalService(tokenRepo repository.TokenRepository, settings SettingService) EmailApprovalService {
	return &emailApprovalService{
		tokenRepo: tokenRepo,
		settings:  settings,
	}
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *emailApprovalService) IssuePair(ctx context.Context, tx *gorm.DB, instance *models.WorkflowInstance, approverEmail string) (*models.EmailApprovalToken, *models.EmailApprovalToken, error) {
	expiryHours := s.settings.GetInt(ctx, models.SettingEmailTokenExpiryHours, defaultTokenExpiryHours)
	expiresAt := time.Now().Add(time.Duration(expiryHours) * time.Hour)

	issue := func(action models.EmailTokenAction) (*models.EmailApprovalToken, error) {
		raw, err := generateToken()
		if err != nil {
			return nil, err
		}
		token := &models.EmailApprovalToken{
			Token:         raw,
			InstanceID:    instance.ID,
			ApproverEmail: approverEmail,
			Level:         instance.CurrentLevel,
			Action:        action,
			ExpiresAt:     expiresAt,
		}
		if err := s.tokenRepo.CreateTx(tx, token); err != nil {
			return nil, err
		}
		return token, nil
	}

	approve, err := issue(models.EmailActionApprove)
	if err != nil {
		return nil, nil, err
	}
	reject, err := issue(models.EmailActionReject)
	if err != nil {
		return nil, nil, err
	}
	return approve, reject, nil
}

func (s *emailApprovalService) Validate(ctx context.Context, token string) (*models.EmailApprovalToken, error) {
	t, err := s.tokenRepo.FindByToken(ctx, token)
	if err != nil {
		return nil, &TokenError{}
	}
	if !t.IsValid(time.Now()) {
		return nil, &TokenError{}
	}
	return t, nil
}

func (s *emailApprovalService) Consume(tx *gorm.DB, token *models.EmailApprovalToken) error {
	return s.tokenRepo.MarkUsed(tx, token.ID, time.Now())
}

func (s *emailApprovalService) InvalidateLevel(tx *gorm.DB, instanceID uuid.UUID, level int) error {
	return s.tokenRepo.InvalidateForInstanceAndLevel(tx, instanceID, level)
}

func (s *emailApprovalService) InvalidateAll(tx *gorm.DB, instanceID uuid.UUID) error {
	return s.tokenRepo.InvalidateForInstance(tx, instanceID)
}

func (s *emailApprovalService) SweepExpired(ctx context.Context) (int64, error) {
	return s.tokenRepo.DeleteExpired(ctx, time.Now())
}

func (s *emailApprovalService) ActionURL(ctx context.Context, token *models.EmailApprovalToken) string {
	base := s.settings.Get(ctx, models.SettingAppBaseURL, "http://localhost:8080")
	return fmt.Sprintf("%s/api/v1/email-actions/%s", base, token.Token)
}
