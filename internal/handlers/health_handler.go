package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sonarworks/workflow-backend/pkg/utils"
	"gorm.io/gorm"
)

type HealthHandler struct {
	db    *gorm.DB
	redis *redis.Client
}

func NewHealthHandler(db *gorm.DB, redisClient *redis.Client) *HealthHandler {
	return &HealthHandler{db: db, redis: redisClient}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	return utils.SuccessResponse(c, fiber.StatusOK, "ok", nil)
}

// Ready reports whether the backing stores answer.
func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	sqlDB, err := h.db.DB()
	if err != nil || sqlDB.PingContext(c.Context()) != nil {
		return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "database unavailable")
	}
	if h.redis != nil {
		if err := h.redis.Ping(c.Context()).Err(); err != nil {
			return utils.ErrorResponse(c, fiber.StatusServiceUnavailable, "redis unavailable")
		}
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "ready", nil)
}
