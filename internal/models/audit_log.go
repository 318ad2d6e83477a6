package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AuditLog struct {
	ID          uuid.UUID  `gorm:"type:uuid;primary_key" json:"id"`
	UserID      *uuid.UUID `gorm:"type:uuid;index" json:"user_id"`
	User        *User      `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Action      string     `gorm:"size:50;index;not null" json:"action"` // create, update, delete, submit, approve, ...
	Module      string     `gorm:"size:50;index;not null" json:"module"` // workflows, instances, settings, auth
	ResourceID  string     `gorm:"size:36;index" json:"resource_id"`
	Description string     `gorm:"size:500" json:"description"`
	IPAddress   string     `gorm:"size:45" json:"ip_address"`
	UserAgent   string     `gorm:"size:500" json:"user_agent"`
	Status      string     `gorm:"size:20;default:'success'" json:"status"`
	ErrorMsg    string     `gorm:"size:500" json:"error_msg,omitempty"`
	Duration    int64      `json:"duration"`
	CreatedAt   time.Time  `gorm:"index" json:"created_at"`
}

func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

type AuditLogFilter struct {
	UserID     *uuid.UUID `json:"user_id"`
	Action     string     `json:"action"`
	Module     string     `json:"module"`
	Status     string     `json:"status"`
	ResourceID string     `json:"resource_id"`
	StartDate  *time.Time `json:"start_date"`
	EndDate    *time.Time `json:"end_date"`
	Page       int        `json:"page"`
	Limit      int        `json:"limit"`
}

type AuditLogResponse struct {
	ID          uuid.UUID     `json:"id"`
	UserID      *uuid.UUID    `json:"user_id"`
	User        *UserResponse `json:"user,omitempty"`
	Action      string        `json:"action"`
	Module      string        `json:"module"`
	ResourceID  string        `json:"resource_id"`
	Description string        `json:"description"`
	IPAddress   string        `json:"ip_address"`
	UserAgent   string        `json:"user_agent"`
	Status      string        `json:"status"`
	ErrorMsg    string        `json:"error_msg,omitempty"`
	Duration    int64         `json:"duration"`
	CreatedAt   time.Time     `json:"created_at"`
}

func (a *AuditLog) ToResponse() AuditLogResponse {
	resp := AuditLogResponse{
		ID:          a.ID,
		UserID:      a.UserID,
		Action:      a.Action,
		Module:      a.Module,
		ResourceID:  a.ResourceID,
		Description: a.Description,
		IPAddress:   a.IPAddress,
		UserAgent:   a.UserAgent,
		Status:      a.Status,
		ErrorMsg:    a.ErrorMsg,
		Duration:    a.Duration,
		CreatedAt:   a.CreatedAt,
	}
	if a.User != nil {
		user := a.User.ToResponse()
		resp.User = &user
	}
	return resp
}
