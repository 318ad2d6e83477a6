package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type InstanceStatus string

const (
	StatusDraft     InstanceStatus = "DRAFT"
	StatusPending   InstanceStatus = "PENDING"
	StatusEscalated InstanceStatus = "ESCALATED"
	StatusApproved  InstanceStatus = "APPROVED"
	StatusRejected  InstanceStatus = "REJECTED"
	StatusCancelled InstanceStatus = "CANCELLED"
)

// IsFinal reports whether the status is terminal for the approval chain.
func (s InstanceStatus) IsFinal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// IsAwaitingAction reports whether the submission sits with an approver.
func (s InstanceStatus) IsAwaitingAction() bool {
	return s == StatusPending || s == StatusEscalated
}

type HistoryAction string

const (
	ActionSubmit       HistoryAction = "SUBMIT"
	ActionApprove      HistoryAction = "APPROVE"
	ActionReject       HistoryAction = "REJECT"
	ActionEscalate     HistoryAction = "ESCALATE"
	ActionCancel       HistoryAction = "CANCEL"
	ActionRecall       HistoryAction = "RECALL"
	ActionResubmit     HistoryAction = "RESUBMIT"
	ActionAutoApprove  HistoryAction = "AUTO_APPROVE"
	ActionAutoEscalate HistoryAction = "AUTO_ESCALATE"
)

type ActionSource string

const (
	SourceWeb    ActionSource = "WEB"
	SourceEmail  ActionSource = "EMAIL"
	SourceSystem ActionSource = "SYSTEM"
)

// WorkflowInstance is a single submission travelling through a workflow's
// approval chain.
type WorkflowInstance struct {
	ID                uuid.UUID            `gorm:"type:uuid;primary_key" json:"id"`
	WorkflowID        uuid.UUID            `gorm:"type:uuid;index;not null" json:"workflow_id"`
	Workflow          *Workflow            `gorm:"foreignKey:WorkflowID" json:"workflow,omitempty"`
	ReferenceNumber   string               `gorm:"size:50;uniqueIndex" json:"reference_number"`
	Title             string               `gorm:"size:500" json:"title"`
	Status            InstanceStatus       `gorm:"size:20;index;default:DRAFT" json:"status"`
	CurrentLevel      int                  `gorm:"default:0" json:"current_level"`
	CurrentApproverID *uuid.UUID           `gorm:"type:uuid" json:"current_approver_id"`
	CurrentApprover   *WorkflowApprover    `gorm:"foreignKey:CurrentApproverID" json:"current_approver,omitempty"`
	Amount            *float64             `gorm:"type:decimal(18,2)" json:"amount"`
	InitiatorID       uuid.UUID            `gorm:"type:uuid;index;not null" json:"initiator_id"`
	Initiator         *User                `gorm:"foreignKey:InitiatorID" json:"initiator,omitempty"`
	SbuID             *uuid.UUID           `gorm:"type:uuid;index" json:"sbu_id"`
	SubmittedAt       *time.Time           `json:"submitted_at"`
	CompletedAt       *time.Time           `json:"completed_at"`
	LastActionAt      *time.Time           `gorm:"index" json:"last_action_at"`
	FieldValues       []WorkflowFieldValue `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE" json:"field_values,omitempty"`
	History           []ApprovalHistory    `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE" json:"history,omitempty"`
	Attachments       []InstanceAttachment `gorm:"foreignKey:InstanceID;constraint:OnDelete:CASCADE" json:"attachments,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
	DeletedAt         gorm.DeletedAt       `gorm:"index" json:"-"`
}

func (i *WorkflowInstance) BeforeCreate(tx *gorm.DB) error {
	if i.ID == uuid.Nil {
		i.ID = uuid.New()
	}
	return nil
}

type WorkflowFieldValue struct {
	ID         uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	InstanceID uuid.UUID      `gorm:"type:uuid;index;not null" json:"instance_id"`
	FieldID    uuid.UUID      `gorm:"type:uuid;index;not null" json:"field_id"`
	Field      *WorkflowField `gorm:"foreignKey:FieldID" json:"field,omitempty"`
	Value      string         `gorm:"type:text" json:"value"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (v *WorkflowFieldValue) BeforeCreate(tx *gorm.DB) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	return nil
}

// ApprovalHistory is the append-only trail of everything that happened to
// an instance.
type ApprovalHistory struct {
	ID         uuid.UUID     `gorm:"type:uuid;primary_key" json:"id"`
	InstanceID uuid.UUID     `gorm:"type:uuid;index;not null" json:"instance_id"`
	Level      int           `json:"level"`
	Action     HistoryAction `gorm:"size:20;not null" json:"action"`
	ActorID    *uuid.UUID    `gorm:"type:uuid" json:"actor_id"`
	ActorName  string        `gorm:"size:200" json:"actor_name"`
	ActorEmail string        `gorm:"size:200" json:"actor_email"`
	Comments   string        `gorm:"type:text" json:"comments"`
	Source     ActionSource  `gorm:"size:10;default:WEB" json:"source"`
	CreatedAt  time.Time     `json:"created_at"`
}

func (h *ApprovalHistory) BeforeCreate(tx *gorm.DB) error {
	if h.ID == uuid.Nil {
		h.ID = uuid.New()
	}
	return nil
}

type InstanceAttachment struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	InstanceID   uuid.UUID `gorm:"type:uuid;index;not null" json:"instance_id"`
	FileName     string    `gorm:"size:255;not null" json:"file_name"`
	ObjectKey    string    `gorm:"size:500;not null" json:"-"`
	ContentType  string    `gorm:"size:100" json:"content_type"`
	Size         int64     `json:"size"`
	UploadedByID uuid.UUID `gorm:"type:uuid" json:"uploaded_by_id"`
	CreatedAt    time.Time `json:"created_at"`
}

func (a *InstanceAttachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

type FieldValueRequest struct {
	FieldID uuid.UUID `json:"field_id" validate:"required"`
	Value   string    `json:"value"`
}

type CreateInstanceRequest struct {
	WorkflowID  uuid.UUID           `json:"workflow_id" validate:"required"`
	FieldValues []FieldValueRequest `json:"field_values" validate:"dive"`
}

type UpdateInstanceRequest struct {
	FieldValues []FieldValueRequest `json:"field_values" validate:"dive"`
}

// ActionRequest carries the approver's comments for a transition.
type ActionRequest struct {
	Comments string `json:"comments" validate:"max=2000"`
}

type EscalateRequest struct {
	Comments       string     `json:"comments" validate:"max=2000"`
	EscalateToUser *uuid.UUID `json:"escalate_to_user_id"`
}

type InstanceListFilter struct {
	WorkflowID *uuid.UUID     `query:"workflow_id"`
	Status     InstanceStatus `query:"status"`
	SbuID      *uuid.UUID     `query:"sbu_id"`
	Search     string         `query:"search"`
	From       *time.Time     `query:"from"`
	To         *time.Time     `query:"to"`
	Page       int            `query:"page"`
	Limit      int            `query:"limit"`
}

type FieldValueResponse struct {
	FieldID   uuid.UUID `json:"field_id"`
	FieldName string    `json:"field_name"`
	Label     string    `json:"label"`
	FieldType FieldType `json:"field_type"`
	Value     string    `json:"value"`
}

type ApprovalHistoryResponse struct {
	ID         uuid.UUID     `json:"id"`
	Level      int           `json:"level"`
	Action     HistoryAction `json:"action"`
	ActorName  string        `json:"actor_name"`
	ActorEmail string        `json:"actor_email"`
	Comments   string        `json:"comments"`
	Source     ActionSource  `json:"source"`
	CreatedAt  time.Time     `json:"created_at"`
}

type AttachmentResponse struct {
	ID          uuid.UUID `json:"id"`
	FileName    string    `json:"file_name"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	URL         string    `json:"url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type InstanceResponse struct {
	ID              uuid.UUID                 `json:"id"`
	WorkflowID      uuid.UUID                 `json:"workflow_id"`
	WorkflowName    string                    `json:"workflow_name"`
	WorkflowCode    string                    `json:"workflow_code"`
	ReferenceNumber string                    `json:"reference_number"`
	Title           string                    `json:"title"`
	Status          InstanceStatus            `json:"status"`
	CurrentLevel    int                       `json:"current_level"`
	CurrentApprover *WorkflowApproverResponse `json:"current_approver,omitempty"`
	Amount          *float64                  `json:"amount"`
	Initiator       *UserResponse             `json:"initiator,omitempty"`
	SubmittedAt     *time.Time                `json:"submitted_at"`
	CompletedAt     *time.Time                `json:"completed_at"`
	FieldValues     []FieldValueResponse      `json:"field_values,omitempty"`
	History         []ApprovalHistoryResponse `json:"history,omitempty"`
	Attachments     []AttachmentResponse      `json:"attachments,omitempty"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
}

type InstanceCounts struct {
	Drafts           int64 `json:"drafts"`
	Pending          int64 `json:"pending"`
	Approved         int64 `json:"approved"`
	Rejected         int64 `json:"rejected"`
	Cancelled        int64 `json:"cancelled"`
	AwaitingMyAction int64 `json:"awaiting_my_action"`
}

func (h *ApprovalHistory) ToResponse() ApprovalHistoryResponse {
	return ApprovalHistoryResponse{
		ID:         h.ID,
		Level:      h.Level,
		Action:     h.Action,
		ActorName:  h.ActorName,
		ActorEmail: h.ActorEmail,
		Comments:   h.Comments,
		Source:     h.Source,
		CreatedAt:  h.CreatedAt,
	}
}

func (a *InstanceAttachment) ToResponse() AttachmentResponse {
	return AttachmentResponse{
		ID:          a.ID,
		FileName:    a.FileName,
		ContentType: a.ContentType,
		Size:        a.Size,
		CreatedAt:   a.CreatedAt,
	}
}

func (i *WorkflowInstance) ToResponse() InstanceResponse {
	resp := InstanceResponse{
		ID:              i.ID,
		WorkflowID:      i.WorkflowID,
		ReferenceNumber: i.ReferenceNumber,
		Title:           i.Title,
		Status:          i.Status,
		CurrentLevel:    i.CurrentLevel,
		Amount:          i.Amount,
		SubmittedAt:     i.SubmittedAt,
		CompletedAt:     i.CompletedAt,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
	if i.Workflow != nil {
		resp.WorkflowName = i.Workflow.Name
		resp.WorkflowCode = i.Workflow.Code
	}
	if i.CurrentApprover != nil {
		approver := i.CurrentApprover.ToResponse()
		resp.CurrentApprover = &approver
	}
	if i.Initiator != nil {
		initiator := i.Initiator.ToResponse()
		resp.Initiator = &initiator
	}
	for idx := range i.FieldValues {
		fv := i.FieldValues[idx]
		fvResp := FieldValueResponse{
			FieldID: fv.FieldID,
			Value:   fv.Value,
		}
		if fv.Field != nil {
			fvResp.FieldName = fv.Field.Name
			fvResp.Label = fv.Field.Label
			fvResp.FieldType = fv.Field.FieldType
		}
		resp.FieldValues = append(resp.FieldValues, fvResp)
	}
	for idx := range i.History {
		resp.History = append(resp.History, i.History[idx].ToResponse())
	}
	for idx := range i.Attachments {
		resp.Attachments = append(resp.Attachments, i.Attachments[idx].ToResponse())
	}
	return resp
}
