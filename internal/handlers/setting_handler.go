package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

type SettingHandler struct {
	settingService services.SettingService
	validator      *validator.Validate
}

func NewSettingHandler(settingService services.SettingService) *SettingHandler {
	return &SettingHandler{
		settingService: settingService,
		validator:      validator.New(),
	}
}

func (h *SettingHandler) List(c *fiber.Ctx) error {
	settings, err := h.settingService.List(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", settings)
}

func (h *SettingHandler) Update(c *fiber.Ctx) error {
	key := c.Params("key")
	if key == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Missing setting key")
	}

	var req models.UpdateSettingRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	if err := h.settingService.Set(c.Context(), key, req.Value); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Setting updated successfully", nil)
}
