package handlers

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/middleware"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/services"
	"github.com/sonarworks/workflow-backend/pkg/utils"
)

type InstanceHandler struct {
	instanceService   services.InstanceService
	attachmentService services.AttachmentService
	validator         *validator.Validate
}

func NewInstanceHandler(instanceService services.InstanceService, attachmentService services.AttachmentService) *InstanceHandler {
	return &InstanceHandler{
		instanceService:   instanceService,
		attachmentService: attachmentService,
		validator:         validator.New(),
	}
}

func (h *InstanceHandler) actor(c *fiber.Ctx) services.Actor {
	user := middleware.CurrentUser(c)
	if user == nil {
		return services.Actor{}
	}
	return services.ActorFromUser(user)
}

func (h *InstanceHandler) Create(c *fiber.Ctx) error {
	var req models.CreateInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	actor := h.actor(c)
	var (
		response *models.InstanceResponse
		err      error
	)
	if c.QueryBool("submit") {
		response, err = h.instanceService.CreateAndSubmit(c.Context(), actor, &req)
	} else {
		response, err = h.instanceService.CreateDraft(c.Context(), actor, &req)
	}
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusCreated, "Submission created successfully", response)
}

func (h *InstanceHandler) Update(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	var req models.UpdateInstanceRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, err := h.instanceService.UpdateDraft(c.Context(), h.actor(c), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Submission updated successfully", response)
}

func (h *InstanceHandler) Submit(c *fiber.Ctx) error {
	return h.simpleTransition(c, h.instanceService.Submit, "Submission routed for approval")
}

func (h *InstanceHandler) Recall(c *fiber.Ctx) error {
	return h.simpleTransition(c, h.instanceService.Recall, "Submission recalled to draft")
}

func (h *InstanceHandler) Resubmit(c *fiber.Ctx) error {
	return h.simpleTransition(c, h.instanceService.Resubmit, "Submission routed for approval")
}

func (h *InstanceHandler) Clone(c *fiber.Ctx) error {
	return h.simpleTransition(c, h.instanceService.Clone, "Submission cloned successfully")
}

func (h *InstanceHandler) simpleTransition(c *fiber.Ctx, fn func(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.InstanceResponse, error), message string) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	response, err := fn(c.Context(), h.actor(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, message, response)
}

func (h *InstanceHandler) Approve(c *fiber.Ctx) error {
	id, req, err := h.parseAction(c)
	if err != nil {
		return err
	}
	response, svcErr := h.instanceService.Approve(c.Context(), h.actor(c), id, req.Comments)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Submission approved", response)
}

func (h *InstanceHandler) Reject(c *fiber.Ctx) error {
	id, req, err := h.parseAction(c)
	if err != nil {
		return err
	}
	response, svcErr := h.instanceService.Reject(c.Context(), h.actor(c), id, req.Comments)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Submission rejected", response)
}

func (h *InstanceHandler) Escalate(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	var req models.EscalateRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if err := h.validator.Struct(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}

	response, svcErr := h.instanceService.Escalate(c.Context(), h.actor(c), id, &req)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Submission escalated", response)
}

func (h *InstanceHandler) Cancel(c *fiber.Ctx) error {
	id, req, err := h.parseAction(c)
	if err != nil {
		return err
	}
	response, svcErr := h.instanceService.Cancel(c.Context(), h.actor(c), id, req.Comments)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Submission cancelled", response)
}

func (h *InstanceHandler) Delete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	if err := h.instanceService.Delete(c.Context(), h.actor(c), id); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Submission deleted successfully", nil)
}

func (h *InstanceHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	response, err := h.instanceService.Get(c.Context(), h.actor(c), id)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", response)
}

func (h *InstanceHandler) GetByReference(c *fiber.Ctx) error {
	reference := c.Params("reference")
	if reference == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid reference number")
	}

	response, err := h.instanceService.GetByReference(c.Context(), h.actor(c), reference)
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", response)
}

func (h *InstanceHandler) History(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	entries, svcErr := h.instanceService.History(c.Context(), h.actor(c), id)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", entries)
}

func (h *InstanceHandler) ListMySubmissions(c *fiber.Ctx) error {
	filter, err := h.parseFilter(c)
	if err != nil {
		return err
	}

	instances, total, svcErr := h.instanceService.ListMySubmissions(c.Context(), h.actor(c), filter)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.PaginatedSuccessResponse(c, instances, filter.Page, filter.Limit, total)
}

func (h *InstanceHandler) ListPendingApprovals(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))

	instances, total, err := h.instanceService.ListPendingApprovals(c.Context(), h.actor(c), page, limit)
	if err != nil {
		return respondError(c, err)
	}
	return utils.PaginatedSuccessResponse(c, instances, page, limit, total)
}

func (h *InstanceHandler) Search(c *fiber.Ctx) error {
	filter, err := h.parseFilter(c)
	if err != nil {
		return err
	}

	instances, total, svcErr := h.instanceService.Search(c.Context(), h.actor(c), filter)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.PaginatedSuccessResponse(c, instances, filter.Page, filter.Limit, total)
}

func (h *InstanceHandler) Counts(c *fiber.Ctx) error {
	counts, err := h.instanceService.Counts(c.Context(), h.actor(c))
	if err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", counts)
}

func (h *InstanceHandler) UploadAttachment(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	header, err := c.FormFile("file")
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "No file provided")
	}
	file, err := header.Open()
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Failed to read file")
	}
	defer file.Close()

	response, svcErr := h.attachmentService.Upload(c.Context(), h.actor(c), id, file, header)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusCreated, "File uploaded successfully", response)
}

func (h *InstanceHandler) ListAttachments(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	attachments, svcErr := h.attachmentService.List(c.Context(), id)
	if svcErr != nil {
		return respondError(c, svcErr)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "", attachments)
}

func (h *InstanceHandler) DownloadAttachment(c *fiber.Ctx) error {
	attachmentID, err := uuid.Parse(c.Params("attachmentId"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid attachment ID")
	}

	reader, attachment, svcErr := h.attachmentService.Download(c.Context(), attachmentID)
	if svcErr != nil {
		return respondError(c, svcErr)
	}

	c.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", attachment.FileName))
	if attachment.ContentType != "" {
		c.Set("Content-Type", attachment.ContentType)
	}
	return c.SendStream(reader)
}

func (h *InstanceHandler) DeleteAttachment(c *fiber.Ctx) error {
	attachmentID, err := uuid.Parse(c.Params("attachmentId"))
	if err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid attachment ID")
	}

	if err := h.attachmentService.Delete(c.Context(), h.actor(c), attachmentID); err != nil {
		return respondError(c, err)
	}
	return utils.SuccessResponse(c, fiber.StatusOK, "Attachment deleted successfully", nil)
}

func (h *InstanceHandler) parseAction(c *fiber.Ctx) (uuid.UUID, *models.ActionRequest, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid submission ID")
	}

	var req models.ActionRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return uuid.Nil, nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body")
		}
	}
	if err := h.validator.Struct(&req); err != nil {
		return uuid.Nil, nil, utils.ErrorResponse(c, fiber.StatusBadRequest, err.Error())
	}
	return id, &req, nil
}

func (h *InstanceHandler) parseFilter(c *fiber.Ctx) (*models.InstanceListFilter, error) {
	var filter models.InstanceListFilter
	if err := c.QueryParser(&filter); err != nil {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, "Invalid query parameters")
	}
	if filter.Page < 1 {
		filter.Page = 1
	}
	if filter.Limit < 1 {
		filter.Limit = 20
	}
	return &filter, nil
}
