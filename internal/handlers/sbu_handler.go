package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

type SbuHandler struct {
	sbuService services.SbuService
	validator  *validator.Validate
}

func NewSbuHandler(sbuService services.SbuService) *SbuHandler {
	return &SbuHandler{
		sbuService: sbuService,
		validator:  validator.New(),
	}
}

func (h *SbuHandler) Create(c *fiber.Ctx) error {
	var req models.SbuCreateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.sbuService.Create(c.Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusCreated, "Business unit created successfully", response)
}

func (h *SbuHandler) Update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid business unit ID")
	}

	var req models.SbuUpdateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.sbuService.Update(c.Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Business unit updated successfully", response)
}

func (h *SbuHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid business unit ID")
	}

	response, err := h.sbuService.Get(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", response)
}

func (h *SbuHandler) List(c *fiber.Ctx) error {
	response, err := h.sbuService.List(c.Context())
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", response)
}

func (h *SbuHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid business unit ID")
	}

	if err := h.sbuService.Delete(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Business unit deleted successfully", nil)
}
