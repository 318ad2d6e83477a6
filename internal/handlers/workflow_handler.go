package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/middleware"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

type WorkflowHandler struct {
	workflowService services.WorkflowService
	validator       *validator.Validate
}

func NewWorkflowHandler(workflowService services.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{
		workflowService: workflowService,
		validator:       validator.New(),
	}
}

func (h *WorkflowHandler) Create(c *fiber.Ctx) error {
	var req models.CreateWorkflowRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.workflowService.Create(c.Context(), middleware.CurrentUserID(c), &req)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusCreated, "Workflow created successfully", response)
}

func (h *WorkflowHandler) Update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid workflow ID")
	}

	var req models.UpdateWorkflowRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.workflowService.Update(c.Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Workflow updated successfully", response)
}

func (h *WorkflowHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid workflow ID")
	}

	response, err := h.workflowService.Get(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", response)
}

func (h *WorkflowHandler) List(c *fiber.Ctx) error {
	var filter models.WorkflowListFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 20
	}

	workflows, total, err := h.workflowService.List(c.Context(), &filter)
	if err != nil {
		return respondError(c, err)
	}
	return utils.PaginatedSuccessResponse(c, workflows, filter.Page, filter.Limit, total)
}

func (h *WorkflowHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid workflow ID")
	}

	if err := h.workflowService.Delete(c.Context(), id); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Workflow deleted successfully", nil)
}

func (h *WorkflowHandler) Activate(c *fiber.Ctx) error {
	return h.setActive(c, true, "Workflow activated successfully")
}

func (h *WorkflowHandler) Deactivate(c *fiber.Ctx) error {
	return h.setActive(c, false, "Workflow deactivated successfully")
}

func (h *WorkflowHandler) setActive(c *fiber.Ctx, active bool, message string) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid workflow ID")
	}

	response, err := h.workflowService.SetActive(c.Context(), id, active)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, message, response)
}

func (h *WorkflowHandler) Duplicate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid workflow ID")
	}

	response, err := h.workflowService.Duplicate(c.Context(), middleware.CurrentUserID(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusCreated, "Workflow duplicated successfully", response)
}
