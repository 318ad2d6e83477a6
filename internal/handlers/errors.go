package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

// respondError maps the service layer's typed errors onto HTTP statuses.
func respondError(c *fiber.Ctx, err error) error {
	var notFound *services.NotFoundError
	if errors.As(err, &notFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, notFound.Error())
	}

	var invalidState *services.InvalidStateError
	if errors.As(err, &invalidState) {
		return utils.ErrorResponse(c, fiber.StatusConflict, invalidState.Error())
	}

	var authz *services.AuthorizationError
	if errors.As(err, &authz) {
		return utils.ErrorResponse(c, fiber.StatusForbidden, authz.Error())
	}

	var validation *services.ValidationError
	if errors.As(err, &validation) {
		if len(validation.Fields) > 0 {
			return utils.ErrorResponseWithDetails(c, fiber.StatusBadRequest, validation.Message, validation.Fields)
		}
		return utils.ErrorResponse(c, fiber.StatusBadRequest, validation.Error())
	}

	var token *services.TokenError
	if errors.As(err, &token) {
		return utils.ErrorResponse(c, fiber.StatusGone, token.Error())
	}

	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		return utils.ErrorResponse(c, fiber.StatusConflict, conflict.Error())
	}

	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "Internal server error")
}
