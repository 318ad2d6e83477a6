package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type NotificationLog struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	Channel      string     `gorm:"size:20;not null" json:"channel"`
	Recipient    string     `gorm:"size:255;not null" json:"recipient"`
	Subject      string     `gorm:"type:text" json:"subject,omitempty"`
	Body         string     `gorm:"type:text;not null" json:"body"`
	InstanceID   *uuid.UUID `gorm:"type:uuid;index" json:"instance_id"`
	Status       string     `gorm:"size:20;not null" json:"status"` // sent | failed | mock-sent
	Provider     string     `gorm:"size:50" json:"provider"`        // smtp | mock
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

func (l *NotificationLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	return nil
}
