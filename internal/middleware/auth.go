package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/database"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

type AuthMiddleware struct {
	jwtManager   *utils.JWTManager
	sessionStore *database.SessionStore
	userRepo     repository.UserRepository
}

func NewAuthMiddleware(jwtManager *utils.JWTManager, sessionStore *database.SessionStore, userRepo repository.UserRepository) *AuthMiddleware {
	return &AuthMiddleware{
		jwtManager:   jwtManager,
		sessionStore: sessionStore,
		userRepo:     userRepo,
	}
}

// Authenticate validates the bearer token and loads the user onto the
// request context. A token revoked at logout is rejected even if its
// signature is still valid.
func (m *AuthMiddleware) Authenticate() fiber.Handler {
	return func(c *fiber.Ctx) error {
		var token string

		authHeader := c.Get("Authorization")
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}

		// Query parameter fallback for file downloads.
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Missing authorization token")
		}

		isBlacklisted, err := m.sessionStore.IsTokenBlacklisted(c.Context(), token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to validate token")
		}
		if isBlacklisted {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Token has been revoked")
		}

		claims, err := m.jwtManager.ValidateToken(token)
		if err != nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Invalid or expired token")
		}

		user, err := m.userRepo.FindByID(c.Context(), claims.UserID)
		if err != nil || !user.IsActive {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "Account is not active")
		}

		c.Locals("user_id", claims.UserID)
		c.Locals("email", claims.Email)
		c.Locals("role", user.Role)
		c.Locals("token", token)
		c.Locals("user", user)

		return c.Next()
	}
}

// RequireAdmin allows admins and super-users through.
func (m *AuthMiddleware) RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := CurrentUser(c)
		if user == nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "User not authenticated")
		}
		if user.Role != "admin" && !user.IsSuperUser {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Insufficient permissions")
		}
		return c.Next()
	}
}

func (m *AuthMiddleware) RequireSuperUser() fiber.Handler {
	return func(c *fiber.Ctx) error {
		user := CurrentUser(c)
		if user == nil {
			return utils.ErrorResponse(c, fiber.StatusUnauthorized, "User not authenticated")
		}
		if !user.IsSuperUser {
			return utils.ErrorResponse(c, fiber.StatusForbidden, "Insufficient permissions")
		}
		return c.Next()
	}
}

// CurrentUser returns the authenticated user, or nil on public routes.
func CurrentUser(c *fiber.Ctx) *models.User {
	user, ok := c.Locals("user").(*models.User)
	if !ok {
		return nil
	}
	return user
}

// CurrentUserID returns the authenticated user's ID, or uuid.Nil.
func CurrentUserID(c *fiber.Ctx) uuid.UUID {
	id, ok := c.Locals("user_id").(uuid.UUID)
	if !ok {
		return uuid.Nil
	}
	return id
}
