package services

import (
	"context"
	"io"
	"mime/multipart"
	"time"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"github.com/sonarworks/workflow-backend/internal/storage"
)

const attachmentURLExpiry = 24 * time.Hour

type AttachmentService interface {
	Upload(ctx context.Context, actor Actor, instanceID uuid.UUID, file multipart.File, header *multipart.FileHeader) (*models.AttachmentResponse, error)
	List(ctx context.Context, instanceID uuid.UUID) ([]models.AttachmentResponse, error)
	Download(ctx context.Context, attachmentID uuid.UUID) (io.ReadCloser, *models.InstanceAttachment, error)
	Delete(ctx context.Context, actor Actor, attachmentID uuid.UUID) error
}

type attachmentService struct {
	instanceRepo repository.InstanceRepository
	storage      *storage.MinIOStorage
}

func NewAttachmentService(instanceRepo repository.InstanceRepository, store *storage.MinIOStorage) AttachmentService {
	return &attachmentService{instanceRepo: instanceRepo, storage: store}
}

func (s *attachmentService) Upload(ctx context.Context, actor Actor, instanceID uuid.UUID, file multipart.File, header *multipart.FileHeader) (*models.AttachmentResponse, error) {
	instance, err := s.instanceRepo.FindByID(ctx, instanceID)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: instanceID.String()}
	}
	// Files attach while the form is editable; a routed submission is frozen.
	if instance.Status != models.StatusDraft {
		return nil, &InvalidStateError{Current: string(instance.Status), Action: "attach files to"}
	}
	if err := requireInitiator(actor, instance); err != nil {
		return nil, err
	}
	if actor.ID == nil {
		return nil, &AuthorizationError{}
	}

	objectKey, err := s.storage.UploadAttachment(ctx, instanceID, file, header)
	if err != nil {
		return nil, err
	}

	attachment := &models.InstanceAttachment{
		InstanceID:   instanceID,
		FileName:     header.Filename,
		ObjectKey:    objectKey,
		ContentType:  header.Header.Get("Content-Type"),
		Size:         header.Size,
		UploadedByID: *actor.ID,
	}
	if err := s.instanceRepo.CreateAttachment(ctx, attachment); err != nil {
		// Keep storage consistent with the record that failed to land.
		_ = s.storage.DeleteObject(ctx, objectKey)
		return nil, err
	}

	resp := attachment.ToResponse()
	if url, err := s.storage.PresignedURL(ctx, objectKey, attachmentURLExpiry); err == nil {
		resp.URL = url
	}
	return &resp, nil
}

func (s *attachmentService) List(ctx context.Context, instanceID uuid.UUID) ([]models.AttachmentResponse, error) {
	attachments, err := s.instanceRepo.ListAttachments(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	out := make([]models.AttachmentResponse, 0, len(attachments))
	for i := range attachments {
		resp := attachments[i].ToResponse()
		if url, err := s.storage.PresignedURL(ctx, attachments[i].ObjectKey, attachmentURLExpiry); err == nil {
			resp.URL = url
		}
		out = append(out, resp)
	}
	return out, nil
}

func (s *attachmentService) Download(ctx context.Context, attachmentID uuid.UUID) (io.ReadCloser, *models.InstanceAttachment, error) {
	attachment, err := s.instanceRepo.FindAttachmentByID(ctx, attachmentID)
	if err != nil {
		return nil, nil, &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	reader, err := s.storage.GetObject(ctx, attachment.ObjectKey)
	if err != nil {
		return nil, nil, err
	}
	return reader, attachment, nil
}

func (s *attachmentService) Delete(ctx context.Context, actor Actor, attachmentID uuid.UUID) error {
	attachment, err := s.instanceRepo.FindAttachmentByID(ctx, attachmentID)
	if err != nil {
		return &NotFoundError{Resource: "attachment", ID: attachmentID.String()}
	}
	instance, err := s.instanceRepo.FindByID(ctx, attachment.InstanceID)
	if err != nil {
		return &NotFoundError{Resource: "instance", ID: attachment.InstanceID.String()}
	}
	if instance.Status != models.StatusDraft {
		return &InvalidStateError{Current: string(instance.Status), Action: "remove files from"}
	}
	if err := requireInitiator(actor, instance); err != nil {
		return err
	}

	if err := s.instanceRepo.DeleteAttachment(ctx, attachmentID); err != nil {
		return err
	}
	if err := s.storage.DeleteObject(ctx, attachment.ObjectKey); err != nil {
		return err
	}
	return nil
}
