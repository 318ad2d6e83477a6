package handlers

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

// EmailActionHandler serves the unauthenticated endpoints behind the
// links in approval emails. The token is the sole credential, so every
// failure mode answers with the same message.
type EmailActionHandler struct {
	instanceService services.InstanceService
	emailTokens     services.EmailApprovalService
	validator       *validator.Validate
}

func NewEmailActionHandler(instanceService services.InstanceService, emailTokens services.EmailApprovalService) *EmailActionHandler {
	return &EmailActionHandler{
		instanceService: instanceService,
		emailTokens:     emailTokens,
		validator:       validator.New(),
	}
}

// Info lets the landing page show what the token would do before the
// approver confirms. The token stays unused.
func (h *EmailActionHandler) Info(c *fiber.Ctx) error {
	token, err := h.emailTokens.Validate(c.Context(), c.Params("token"))
	if err != nil {
		return respondError(c, err)
	}

	info := models.EmailTokenInfoResponse{
		Action:    token.Action,
		Level:     token.Level,
		ExpiresAt: token.ExpiresAt,
	}
	if token.Instance != nil {
		info.ReferenceNumber = token.Instance.ReferenceNumber
		info.Title = token.Instance.Title
		if token.Instance.Workflow != nil {
			info.WorkflowName = token.Instance.Workflow.Name
		}
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", info)
}

// Redeem consumes the token and applies its action.
func (h *EmailActionHandler) Redeem(c *fiber.Ctx) error {
	var req models.EmailActionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.instanceService.ProcessEmailAction(c.Context(), c.Params("token"), req.Comments)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Action recorded successfully", response)
}
