package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Well-known setting keys.
const (
	SettingSkipUnauthorizedApprovers = "workflow.skip.unauthorized.approvers"
	SettingAllowEmailApprovals       = "workflow.allow.email.approvals"
	SettingEmailTokenExpiryHours     = "workflow.email.token.expiry.hours"
	SettingAppBaseURL                = "app.base.url"
)

type Setting struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	Key         string    `gorm:"column:setting_key;size:100;uniqueIndex;not null" json:"key"`
	Value       string    `gorm:"size:500" json:"value"`
	Description string    `gorm:"size:500" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (s *Setting) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

type UpdateSettingRequest struct {
	Value string `json:"value" validate:"max=500"`
}
