package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type EmailTokenAction string

const (
	EmailActionApprove EmailTokenAction = "APPROVE"
	EmailActionReject  EmailTokenAction = "REJECT"
)

// EmailApprovalToken is a single-use credential embedded in an approval
// email link. One approve/reject pair is issued per approver per level;
// the pair is invalidated as soon as the instance moves on.
type EmailApprovalToken struct {
	ID            uuid.UUID         `gorm:"type:uuid;primary_key" json:"id"`
	Token         string            `gorm:"size:64;uniqueIndex;not null" json:"-"`
	InstanceID    uuid.UUID         `gorm:"type:uuid;index;not null" json:"instance_id"`
	Instance      *WorkflowInstance `gorm:"foreignKey:InstanceID" json:"-"`
	ApproverEmail string            `gorm:"size:200;not null" json:"approver_email"`
	Level         int               `gorm:"not null" json:"level"`
	Action        EmailTokenAction  `gorm:"size:10;not null" json:"action"`
	Used          bool              `gorm:"default:false;index" json:"used"`
	UsedAt        *time.Time        `json:"used_at"`
	ExpiresAt     time.Time         `gorm:"index;not null" json:"expires_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

func (t *EmailApprovalToken) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// IsValid reports whether the token can still be redeemed.
func (t *EmailApprovalToken) IsValid(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

type EmailActionRequest struct {
	Comments string `json:"comments" validate:"max=2000"`
}

type EmailTokenInfoResponse struct {
	ReferenceNumber string           `json:"reference_number"`
	WorkflowName    string           `json:"workflow_name"`
	Title           string           `json:"title"`
	Action          EmailTokenAction `json:"action"`
	Level           int              `json:"level"`
	ExpiresAt       time.Time        `json:"expires_at"`
}
