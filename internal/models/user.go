package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type User struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	Email       string         `gorm:"uniqueIndex;not null" json:"email"`
	Username    string         `gorm:"uniqueIndex;not null" json:"username"`
	Password    string         `gorm:"not null" json:"-"`
	FirstName   string         `gorm:"size:100" json:"first_name"`
	LastName    string         `gorm:"size:100" json:"last_name"`
	Phone       string         `gorm:"size:20" json:"phone"`
	Role        string         `gorm:"size:50;default:user" json:"role"`
	SbuID       *uuid.UUID     `gorm:"type:uuid;index" json:"sbu_id"`
	Sbu         *Sbu           `gorm:"foreignKey:SbuID" json:"sbu,omitempty"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	IsSuperUser bool           `gorm:"default:false" json:"is_super_user"`
	LastLoginAt *time.Time     `json:"last_login_at"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// FullName returns the display name used in approval history entries.
func (u *User) FullName() string {
	if u.FirstName == "" && u.LastName == "" {
		return u.Username
	}
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

type UserRegisterRequest struct {
	Email     string     `json:"email" validate:"required,email"`
	Username  string     `json:"username" validate:"required,min=3,max=50"`
	Password  string     `json:"password" validate:"required,min=6"`
	FirstName string     `json:"first_name" validate:"max=100"`
	LastName  string     `json:"last_name" validate:"max=100"`
	Phone     string     `json:"phone" validate:"max=20"`
	SbuID     *uuid.UUID `json:"sbu_id"`
}

type UserLoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type UserUpdateRequest struct {
	FirstName *string    `json:"first_name" validate:"omitempty,max=100"`
	LastName  *string    `json:"last_name" validate:"omitempty,max=100"`
	Phone     *string    `json:"phone" validate:"omitempty,max=20"`
	SbuID     *uuid.UUID `json:"sbu_id"`
}

type ChangePasswordRequest struct {
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=6"`
}

type AdminUpdateUserRequest struct {
	FirstName   *string    `json:"first_name" validate:"omitempty,max=100"`
	LastName    *string    `json:"last_name" validate:"omitempty,max=100"`
	Phone       *string    `json:"phone" validate:"omitempty,max=20"`
	Role        *string    `json:"role" validate:"omitempty,oneof=user admin"`
	SbuID       *uuid.UUID `json:"sbu_id"`
	IsActive    *bool      `json:"is_active"`
	IsSuperUser *bool      `json:"is_super_user"`
}

type UserResponse struct {
	ID          uuid.UUID    `json:"id"`
	Email       string       `json:"email"`
	Username    string       `json:"username"`
	FirstName   string       `json:"first_name"`
	LastName    string       `json:"last_name"`
	Phone       string       `json:"phone"`
	Role        string       `json:"role"`
	Sbu         *SbuResponse `json:"sbu,omitempty"`
	IsActive    bool         `json:"is_active"`
	IsSuperUser bool         `json:"is_super_user"`
	LastLoginAt *time.Time   `json:"last_login_at"`
	CreatedAt   time.Time    `json:"created_at"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  UserResponse `json:"user"`
}

func (u *User) ToResponse() UserResponse {
	resp := UserResponse{
		ID:          u.ID,
		Email:       u.Email,
		Username:    u.Username,
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		Phone:       u.Phone,
		Role:        u.Role,
		IsActive:    u.IsActive,
		IsSuperUser: u.IsSuperUser,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
	if u.Sbu != nil {
		sbu := u.Sbu.ToResponse()
		resp.Sbu = &sbu
	}
	return resp
}
