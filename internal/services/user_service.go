package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/database"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"github.com/sonarworks/workflow-backend/pkg/utils"
	"gorm.io/gorm"
)

type UserService interface {
	Register(ctx context.Context, req *models.UserRegisterRequest) (*models.LoginResponse, error)
	Login(ctx context.Context, req *models.UserLoginRequest) (*models.LoginResponse, error)
	Refresh(ctx context.Context, userID uuid.UUID, oldToken string) (*models.LoginResponse, error)
	Logout(ctx context.Context, userID uuid.UUID, token string) error
	GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserResponse, error)
	UpdateProfile(ctx context.Context, userID uuid.UUID, req *models.UserUpdateRequest) (*models.UserResponse, error)
	ChangePassword(ctx context.Context, userID uuid.UUID, req *models.ChangePasswordRequest) error
	ListUsers(ctx context.Context, page, limit int) ([]models.UserResponse, int64, error)
	GetUser(ctx context.Context, userID uuid.UUID) (*models.UserResponse, error)
	AdminUpdateUser(ctx context.Context, userID uuid.UUID, req *models.AdminUpdateUserRequest) (*models.UserResponse, error)
	DeleteUser(ctx context.Context, userID uuid.UUID) error
}

type userService struct {
	userRepo     repository.UserRepository
	jwtManager   *utils.JWTManager
	sessionStore *database.SessionStore
}

func NewUserService(userRepo repository.UserRepository, jwtManager *utils.JWTManager, sessionStore *database.SessionStore) UserService {
	return &userService{
		userRepo:     userRepo,
		jwtManager:   jwtManager,
		sessionStore: sessionStore,
	}
}

func (s *userService) Register(ctx context.Context, req *models.UserRegisterRequest) (*models.LoginResponse, error) {
	exists, err := s.userRepo.ExistsByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &ConflictError{Message: "email already exists"}
	}

	exists, err = s.userRepo.ExistsByUsername(ctx, req.Username)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, &ConflictError{Message: "username already exists"}
	}

	hashedPassword, err := utils.HashPassword(req.Password)
	if err != nil {
		return nil, err
	}

	user := &models.User{
		Email:     req.Email,
		Username:  req.Username,
		Password:  hashedPassword,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		SbuID:     req.SbuID,
		Role:      "user",
		IsActive:  true,
	}
	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user)
}

func (s *userService) Login(ctx context.Context, req *models.UserLoginRequest) (*models.LoginResponse, error) {
	user, err := s.userRepo.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &AuthorizationError{Reason: "invalid credentials"}
		}
		return nil, err
	}
	if !utils.CheckPassword(req.Password, user.Password) {
		return nil, &AuthorizationError{Reason: "invalid credentials"}
	}
	if !user.IsActive {
		return nil, &AuthorizationError{Reason: "account is deactivated"}
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}
	return s.issueSession(ctx, user)
}

func (s *userService) issueSession(ctx context.Context, user *models.User) (*models.LoginResponse, error) {
	token, err := s.jwtManager.GenerateToken(user.ID, user.Email, user.Role)
	if err != nil {
		return nil, err
	}

	if err := s.sessionStore.SetUserSession(ctx, user.ID.String(), map[string]interface{}{
		"user_id": user.ID,
		"email":   user.Email,
		"role":    user.Role,
	}, s.jwtManager.TokenTTL()); err != nil {
		return nil, err
	}

	return &models.LoginResponse{
		Token: token,
		User:  user.ToResponse(),
	}, nil
}

// Refresh trades a still-valid token for a fresh one and revokes the
// old one so only a single token lives per exchange.
func (s *userService) Refresh(ctx context.Context, userID uuid.UUID, oldToken string) (*models.LoginResponse, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, &NotFoundError{Resource: "user", ID: userID.String()}
	}
	if !user.IsActive {
		return nil, &AuthorizationError{Reason: "account is deactivated"}
	}

	session, err := s.issueSession(ctx, user)
	if err != nil {
		return nil, err
	}
	if err := s.sessionStore.BlacklistToken(ctx, oldToken, s.jwtManager.TokenTTL()); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *userService) Logout(ctx context.Context, userID uuid.UUID, token string) error {
	if err := s.sessionStore.DeleteUserSession(ctx, userID.String()); err != nil {
		return err
	}
	return s.sessionStore.BlacklistToken(ctx, token, s.jwtManager.TokenTTL())
}

func (s *userService) GetProfile(ctx context.Context, userID uuid.UUID) (*models.UserResponse, error) {
	return s.GetUser(ctx, userID)
}

func (s *userService) UpdateProfile(ctx context.Context, userID uuid.UUID, req *models.UserUpdateRequest) (*models.UserResponse, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, &NotFoundError{Resource: "user", ID: userID.String()}
	}

	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}
	if req.Phone != nil {
		user.Phone = *req.Phone
	}
	if req.SbuID != nil {
		user.SbuID = req.SbuID
	}

	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *userService) ChangePassword(ctx context.Context, userID uuid.UUID, req *models.ChangePasswordRequest) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return &NotFoundError{Resource: "user", ID: userID.String()}
	}
	if !utils.CheckPassword(req.CurrentPassword, user.Password) {
		return &AuthorizationError{Reason: "current password is incorrect"}
	}

	hashed, err := utils.HashPassword(req.NewPassword)
	if err != nil {
		return err
	}
	user.Password = hashed
	if err := s.userRepo.Update(ctx, user); err != nil {
		return err
	}
	// Active sessions survive a password change until the token expires;
	// dropping the stored session at least stops refreshes.
	return s.sessionStore.DeleteUserSession(ctx, userID.String())
}

func (s *userService) ListUsers(ctx context.Context, page, limit int) ([]models.UserResponse, int64, error) {
	users, total, err := s.userRepo.List(ctx, page, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.UserResponse, 0, len(users))
	for i := range users {
		out = append(out, users[i].ToResponse())
	}
	return out, total, nil
}

func (s *userService) GetUser(ctx context.Context, userID uuid.UUID) (*models.UserResponse, error) {
	user, err := s.userRepo.FindByIDWithRelations(ctx, userID)
	if err != nil {
		return nil, &NotFoundError{Resource: "user", ID: userID.String()}
	}
	resp := user.ToResponse()
	return &resp, nil
}

func (s *userService) AdminUpdateUser(ctx context.Context, userID uuid.UUID, req *models.AdminUpdateUserRequest) (*models.UserResponse, error) {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return nil, &NotFoundError{Resource: "user", ID: userID.String()}
	}

	if req.FirstName != nil {
		user.FirstName = *req.FirstName
	}
	if req.LastName != nil {
		user.LastName = *req.LastName
	}
	if req.Phone != nil {
		user.Phone = *req.Phone
	}
	if req.Role != nil {
		user.Role = *req.Role
	}
	if req.SbuID != nil {
		user.SbuID = req.SbuID
	}
	if req.IsActive != nil {
		user.IsActive = *req.IsActive
		if !user.IsActive {
			if err := s.sessionStore.DeleteUserSession(ctx, userID.String()); err != nil {
				return nil, err
			}
		}
	}
	if req.IsSuperUser != nil {
		user.IsSuperUser = *req.IsSuperUser
	}

	if err := s.userRepo.Update(ctx, user); err != nil {
		return nil, err
	}
	return s.GetUser(ctx, userID)
}

func (s *userService) DeleteUser(ctx context.Context, userID uuid.UUID) error {
	if _, err := s.userRepo.FindByID(ctx, userID); err != nil {
		return &NotFoundError{Resource: "user", ID: userID.String()}
	}
	if err := s.sessionStore.DeleteUserSession(ctx, userID.String()); err != nil {
		return err
	}
	return s.userRepo.Delete(ctx, userID)
}
