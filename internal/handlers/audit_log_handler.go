package handlers

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

type AuditLogHandler struct {
	auditService services.AuditService
}

func NewAuditLogHandler(auditService services.AuditService) *AuditLogHandler {
	return &AuditLogHandler{auditService: auditService}
}

func (h *AuditLogHandler) List(c *fiber.Ctx) error {
	var filter models.AuditLogFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 20
	}

	logs, total, err := h.auditService.List(c.Context(), &filter)
	if err != nil {
		return respondError(c, err)
	}
	return utils.PaginatedSuccessResponse(c, logs, filter.Page, filter.Limit, total)
}

func (h *AuditLogHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid audit log ID")
	}

	entry, err := h.auditService.Get(c.Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", entry)
}
