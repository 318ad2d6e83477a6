package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type WorkflowType string

const (
	WorkflowTypeGeneral   WorkflowType = "GENERAL"
	WorkflowTypeFinancial WorkflowType = "FINANCIAL"
)

type FieldType string

const (
	FieldTypeText     FieldType = "TEXT"
	FieldTypeTextarea FieldType = "TEXTAREA"
	FieldTypeNumber   FieldType = "NUMBER"
	FieldTypeDate     FieldType = "DATE"
	FieldTypeDropdown FieldType = "DROPDOWN"
	FieldTypeCheckbox FieldType = "CHECKBOX"
	FieldTypeEmail    FieldType = "EMAIL"
	FieldTypeFile     FieldType = "FILE"
)

// Workflow is a process definition: the form fields a submission carries
// and the ordered chain of approvers it must pass through.
type Workflow struct {
	ID                          uuid.UUID          `gorm:"type:uuid;primary_key" json:"id"`
	Name                        string             `gorm:"size:200;not null" json:"name"`
	Code                        string             `gorm:"size:20;uniqueIndex;not null" json:"code"`
	Description                 string             `gorm:"size:1000" json:"description"`
	Type                        WorkflowType       `gorm:"size:20;default:GENERAL" json:"type"`
	SbuID                       *uuid.UUID         `gorm:"type:uuid;index" json:"sbu_id"`
	Sbu                         *Sbu               `gorm:"foreignKey:SbuID" json:"sbu,omitempty"`
	IsActive                    bool               `gorm:"default:true" json:"is_active"`
	CommentsMandatory           bool               `gorm:"default:false" json:"comments_mandatory"`
	CommentsMandatoryOnReject   bool               `gorm:"default:false" json:"comments_mandatory_on_reject"`
	CommentsMandatoryOnEscalate bool               `gorm:"default:false" json:"comments_mandatory_on_escalate"`
	AllowEmailApprovals         bool               `gorm:"default:false" json:"allow_email_approvals"`
	EscalationTimeoutHours      *int               `json:"escalation_timeout_hours"`
	Fields                      []WorkflowField    `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"fields,omitempty"`
	Approvers                   []WorkflowApprover `gorm:"foreignKey:WorkflowID;constraint:OnDelete:CASCADE" json:"approvers,omitempty"`
	CreatedByID                 *uuid.UUID         `gorm:"type:uuid" json:"created_by_id"`
	CreatedAt                   time.Time          `json:"created_at"`
	UpdatedAt                   time.Time          `json:"updated_at"`
	DeletedAt                   gorm.DeletedAt     `gorm:"index" json:"-"`
}

func (w *Workflow) BeforeCreate(tx *gorm.DB) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	return nil
}

// MaxLevel returns the highest approval level configured, 0 when the
// chain is empty.
func (w *Workflow) MaxLevel() int {
	max := 0
	for _, a := range w.Approvers {
		if a.Level > max {
			max = a.Level
		}
	}
	return max
}

// ApproversAtLevel returns the approver entries of one level ordered by
// display order.
func (w *Workflow) ApproversAtLevel(level int) []WorkflowApprover {
	var out []WorkflowApprover
	for _, a := range w.Approvers {
		if a.Level == level {
			out = append(out, a)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].DisplayOrder < out[j-1].DisplayOrder; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

type WorkflowField struct {
	ID           uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	WorkflowID   uuid.UUID      `gorm:"type:uuid;index;not null" json:"workflow_id"`
	Name         string         `gorm:"size:100;not null" json:"name"`
	Label        string         `gorm:"size:200;not null" json:"label"`
	FieldType    FieldType      `gorm:"size:20;not null" json:"field_type"`
	IsMandatory  bool           `gorm:"default:false" json:"is_mandatory"`
	IsUnique     bool           `gorm:"default:false" json:"is_unique"`
	IsTitle      bool           `gorm:"default:false" json:"is_title"`
	IsLimited    bool           `gorm:"default:false" json:"is_limited"`
	DisplayOrder int            `gorm:"default:0" json:"display_order"`
	Placeholder  string         `gorm:"size:200" json:"placeholder"`
	Options      []FieldOption  `gorm:"foreignKey:FieldID;constraint:OnDelete:CASCADE" json:"options,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"-"`
}

func (f *WorkflowField) BeforeCreate(tx *gorm.DB) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	return nil
}

type FieldOption struct {
	ID           uuid.UUID `gorm:"type:uuid;primary_key" json:"id"`
	FieldID      uuid.UUID `gorm:"type:uuid;index;not null" json:"field_id"`
	Value        string    `gorm:"size:200;not null" json:"value"`
	Label        string    `gorm:"size:200" json:"label"`
	DisplayOrder int       `gorm:"default:0" json:"display_order"`
}

func (o *FieldOption) BeforeCreate(tx *gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}

// WorkflowApprover is one entry in the approval chain. Level is the stage
// a submission must clear, display order ranks the entries inside a level.
// An entry either names a registered user or carries a free-form
// name/email pair for external approvers. The nullable flags default to
// true when unset; an entry opts out explicitly.
type WorkflowApprover struct {
	ID                     uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	WorkflowID             uuid.UUID      `gorm:"type:uuid;index;not null" json:"workflow_id"`
	Level                  int            `gorm:"not null" json:"level"`
	DisplayOrder           int            `gorm:"default:0" json:"display_order"`
	UserID                 *uuid.UUID     `gorm:"type:uuid;index" json:"user_id"`
	User                   *User          `gorm:"foreignKey:UserID" json:"user,omitempty"`
	ApproverName           string         `gorm:"size:200" json:"approver_name"`
	ApproverEmail          string         `gorm:"size:200;not null" json:"approver_email"`
	ApprovalLimit          *float64       `gorm:"type:decimal(18,2)" json:"approval_limit"`
	IsUnlimited            bool           `gorm:"default:false" json:"is_unlimited"`
	CanEscalate            *bool          `gorm:"default:true" json:"can_escalate"`
	EscalationTimeoutHours *int           `json:"escalation_timeout_hours"`
	NotifyOnPending        *bool          `gorm:"default:true" json:"notify_on_pending"`
	NotifyOnApproval       *bool          `gorm:"default:true" json:"notify_on_approval"`
	NotifyOnRejection      *bool          `gorm:"default:true" json:"notify_on_rejection"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
	DeletedAt              gorm.DeletedAt `gorm:"index" json:"-"`
}

func (a *WorkflowApprover) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

func flagOn(v *bool) bool { return v == nil || *v }

// MayEscalate reports whether this entry is allowed to hand an instance
// up the chain instead of deciding it.
func (a *WorkflowApprover) MayEscalate() bool { return flagOn(a.CanEscalate) }

func (a *WorkflowApprover) NotifiesOnPending() bool { return flagOn(a.NotifyOnPending) }

func (a *WorkflowApprover) NotifiesOnApproval() bool { return flagOn(a.NotifyOnApproval) }

func (a *WorkflowApprover) NotifiesOnRejection() bool { return flagOn(a.NotifyOnRejection) }

// CanApprove reports whether this entry's monetary ceiling covers the
// amount. A nil amount always passes.
func (a *WorkflowApprover) CanApprove(amount *float64) bool {
	if a.IsUnlimited || amount == nil {
		return true
	}
	if a.ApprovalLimit == nil {
		return false
	}
	return *a.ApprovalLimit >= *amount
}

type FieldOptionRequest struct {
	Value        string `json:"value" validate:"required,max=200"`
	Label        string `json:"label" validate:"max=200"`
	DisplayOrder int    `json:"display_order"`
}

type WorkflowFieldRequest struct {
	Name         string               `json:"name" validate:"required,max=100"`
	Label        string               `json:"label" validate:"required,max=200"`
	FieldType    FieldType            `json:"field_type" validate:"required,oneof=TEXT TEXTAREA NUMBER DATE DROPDOWN CHECKBOX EMAIL FILE"`
	IsMandatory  bool                 `json:"is_mandatory"`
	IsUnique     bool                 `json:"is_unique"`
	IsTitle      bool                 `json:"is_title"`
	IsLimited    bool                 `json:"is_limited"`
	DisplayOrder int                  `json:"display_order"`
	Placeholder  string               `json:"placeholder" validate:"max=200"`
	Options      []FieldOptionRequest `json:"options" validate:"dive"`
}

type WorkflowApproverRequest struct {
	Level                  int        `json:"level" validate:"required,min=1"`
	DisplayOrder           int        `json:"display_order"`
	UserID                 *uuid.UUID `json:"user_id"`
	ApproverName           string     `json:"approver_name" validate:"max=200"`
	ApproverEmail          string     `json:"approver_email" validate:"required,email"`
	ApprovalLimit          *float64   `json:"approval_limit" validate:"omitempty,gte=0"`
	IsUnlimited            bool       `json:"is_unlimited"`
	CanEscalate            *bool      `json:"can_escalate"`
	EscalationTimeoutHours *int       `json:"escalation_timeout_hours" validate:"omitempty,min=1"`
	NotifyOnPending        *bool      `json:"notify_on_pending"`
	NotifyOnApproval       *bool      `json:"notify_on_approval"`
	NotifyOnRejection      *bool      `json:"notify_on_rejection"`
}

type CreateWorkflowRequest struct {
	Name                        string                    `json:"name" validate:"required,max=200"`
	Code                        string                    `json:"code" validate:"required,min=2,max=20,alphanum"`
	Description                 string                    `json:"description" validate:"max=1000"`
	Type                        WorkflowType              `json:"type" validate:"omitempty,oneof=GENERAL FINANCIAL"`
	SbuID                       *uuid.UUID                `json:"sbu_id"`
	CommentsMandatory           bool                      `json:"comments_mandatory"`
	CommentsMandatoryOnReject   bool                      `json:"comments_mandatory_on_reject"`
	CommentsMandatoryOnEscalate bool                      `json:"comments_mandatory_on_escalate"`
	AllowEmailApprovals         bool                      `json:"allow_email_approvals"`
	EscalationTimeoutHours      *int                      `json:"escalation_timeout_hours" validate:"omitempty,min=1"`
	Fields                      []WorkflowFieldRequest    `json:"fields" validate:"dive"`
	Approvers                   []WorkflowApproverRequest `json:"approvers" validate:"dive"`
}

type UpdateWorkflowRequest struct {
	Name                        *string                   `json:"name" validate:"omitempty,max=200"`
	Description                 *string                   `json:"description" validate:"omitempty,max=1000"`
	Type                        *WorkflowType             `json:"type" validate:"omitempty,oneof=GENERAL FINANCIAL"`
	SbuID                       *uuid.UUID                `json:"sbu_id"`
	IsActive                    *bool                     `json:"is_active"`
	CommentsMandatory           *bool                     `json:"comments_mandatory"`
	CommentsMandatoryOnReject   *bool                     `json:"comments_mandatory_on_reject"`
	CommentsMandatoryOnEscalate *bool                     `json:"comments_mandatory_on_escalate"`
	AllowEmailApprovals         *bool                     `json:"allow_email_approvals"`
	EscalationTimeoutHours      *int                      `json:"escalation_timeout_hours" validate:"omitempty,min=1"`
	Fields                      []WorkflowFieldRequest    `json:"fields" validate:"omitempty,dive"`
	Approvers                   []WorkflowApproverRequest `json:"approvers" validate:"omitempty,dive"`
}

type WorkflowListFilter struct {
	Search   string       `query:"search"`
	Type     WorkflowType `query:"type"`
	SbuID    *uuid.UUID   `query:"sbu_id"`
	IsActive *bool        `query:"is_active"`
	Page     int          `query:"page"`
	Limit    int          `query:"limit"`
}

type FieldOptionResponse struct {
	ID           uuid.UUID `json:"id"`
	Value        string    `json:"value"`
	Label        string    `json:"label"`
	DisplayOrder int       `json:"display_order"`
}

type WorkflowFieldResponse struct {
	ID           uuid.UUID             `json:"id"`
	Name         string                `json:"name"`
	Label        string                `json:"label"`
	FieldType    FieldType             `json:"field_type"`
	IsMandatory  bool                  `json:"is_mandatory"`
	IsUnique     bool                  `json:"is_unique"`
	IsTitle      bool                  `json:"is_title"`
	IsLimited    bool                  `json:"is_limited"`
	DisplayOrder int                   `json:"display_order"`
	Placeholder  string                `json:"placeholder"`
	Options      []FieldOptionResponse `json:"options,omitempty"`
}

type WorkflowApproverResponse struct {
	ID                     uuid.UUID  `json:"id"`
	Level                  int        `json:"level"`
	DisplayOrder           int        `json:"display_order"`
	UserID                 *uuid.UUID `json:"user_id"`
	ApproverName           string     `json:"approver_name"`
	ApproverEmail          string     `json:"approver_email"`
	ApprovalLimit          *float64   `json:"approval_limit"`
	IsUnlimited            bool       `json:"is_unlimited"`
	CanEscalate            bool       `json:"can_escalate"`
	EscalationTimeoutHours *int       `json:"escalation_timeout_hours"`
	NotifyOnPending        bool       `json:"notify_on_pending"`
	NotifyOnApproval       bool       `json:"notify_on_approval"`
	NotifyOnRejection      bool       `json:"notify_on_rejection"`
}

type WorkflowResponse struct {
	ID                          uuid.UUID                  `json:"id"`
	Name                        string                     `json:"name"`
	Code                        string                     `json:"code"`
	Description                 string                     `json:"description"`
	Type                        WorkflowType               `json:"type"`
	Sbu                         *SbuResponse               `json:"sbu,omitempty"`
	IsActive                    bool                       `json:"is_active"`
	CommentsMandatory           bool                       `json:"comments_mandatory"`
	CommentsMandatoryOnReject   bool                       `json:"comments_mandatory_on_reject"`
	CommentsMandatoryOnEscalate bool                       `json:"comments_mandatory_on_escalate"`
	AllowEmailApprovals         bool                       `json:"allow_email_approvals"`
	EscalationTimeoutHours      *int                       `json:"escalation_timeout_hours"`
	Fields                      []WorkflowFieldResponse    `json:"fields,omitempty"`
	Approvers                   []WorkflowApproverResponse `json:"approvers,omitempty"`
	CreatedAt                   time.Time                  `json:"created_at"`
	UpdatedAt                   time.Time                  `json:"updated_at"`
}

func (f *WorkflowField) ToResponse() WorkflowFieldResponse {
	resp := WorkflowFieldResponse{
		ID:           f.ID,
		Name:         f.Name,
		Label:        f.Label,
		FieldType:    f.FieldType,
		IsMandatory:  f.IsMandatory,
		IsUnique:     f.IsUnique,
		IsTitle:      f.IsTitle,
		IsLimited:    f.IsLimited,
		DisplayOrder: f.DisplayOrder,
		Placeholder:  f.Placeholder,
	}
	for _, o := range f.Options {
		resp.Options = append(resp.Options, FieldOptionResponse{
			ID:           o.ID,
			Value:        o.Value,
			Label:        o.Label,
			DisplayOrder: o.DisplayOrder,
		})
	}
	return resp
}

func (a *WorkflowApprover) ToResponse() WorkflowApproverResponse {
	return WorkflowApproverResponse{
		ID:                     a.ID,
		Level:                  a.Level,
		DisplayOrder:           a.DisplayOrder,
		UserID:                 a.UserID,
		ApproverName:           a.ApproverName,
		ApproverEmail:          a.ApproverEmail,
		ApprovalLimit:          a.ApprovalLimit,
		IsUnlimited:            a.IsUnlimited,
		CanEscalate:            a.MayEscalate(),
		EscalationTimeoutHours: a.EscalationTimeoutHours,
		NotifyOnPending:        a.NotifiesOnPending(),
		NotifyOnApproval:       a.NotifiesOnApproval(),
		NotifyOnRejection:      a.NotifiesOnRejection(),
	}
}

func (w *Workflow) ToResponse() WorkflowResponse {
	resp := WorkflowResponse{
		ID:                          w.ID,
		Name:                        w.Name,
		Code:                        w.Code,
		Description:                 w.Description,
		Type:                        w.Type,
		IsActive:                    w.IsActive,
		CommentsMandatory:           w.CommentsMandatory,
		CommentsMandatoryOnReject:   w.CommentsMandatoryOnReject,
		CommentsMandatoryOnEscalate: w.CommentsMandatoryOnEscalate,
		AllowEmailApprovals:         w.AllowEmailApprovals,
		EscalationTimeoutHours:      w.EscalationTimeoutHours,
		CreatedAt:                   w.CreatedAt,
		UpdatedAt:                   w.UpdatedAt,
	}
	if w.Sbu != nil {
		sbu := w.Sbu.ToResponse()
		resp.Sbu = &sbu
	}
	for i := range w.Fields {
		resp.Fields = append(resp.Fields, w.Fields[i].ToResponse())
	}
	for i := range w.Approvers {
		resp.Approvers = append(resp.Approvers, w.Approvers[i].ToResponse())
	}
	return resp
}
