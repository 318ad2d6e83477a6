package services

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
	"gorm.io/gorm"
)

const referenceNumberAttempts = 5

// Actor identifies who is driving a transition. Email actions carry no
// user ID, system actions carry neither.
type Actor struct {
	ID          *uuid.UUID
	Name        string
	Email       string
	IsSuperUser bool
	Source      models.ActionSource
}

func ActorFromUser(u *models.User) Actor {
	id := u.ID
	return Actor{
		ID:          &id,
		Name:        u.FullName(),
		Email:       u.Email,
		IsSuperUser: u.IsSuperUser,
		Source:      models.SourceWeb,
	}
}

func systemActor() Actor {
	return Actor{Name: "System", Source: models.SourceSystem}
}

type InstanceService interface {
	CreateDraft(ctx context.Context, actor Actor, req *models.CreateInstanceRequest) (*models.InstanceResponse, error)
	UpdateDraft(ctx context.Context, actor Actor, id uuid.UUID, req *models.UpdateInstanceRequest) (*models.InstanceResponse, error)
	Submit(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error)
	CreateAndSubmit(ctx context.Context, actor Actor, req *models.CreateInstanceRequest) (*models.InstanceResponse, error)

	Approve(ctx context.Context, actor Actor, id uuid.UUID, comments string) (*models.InstanceResponse, error)
	Reject(ctx context.Context, actor Actor, id uuid.UUID, comments string) (*models.InstanceResponse, error)
	Escalate(ctx context.Context, actor Actor, id uuid.UUID, req *models.EscalateRequest) (*models.InstanceResponse, error)
	Cancel(ctx context.Context, actor Actor, id uuid.UUID, comments string) (*models.InstanceResponse, error)
	Recall(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error)
	Resubmit(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error)
	Clone(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error)
	Delete(ctx context.Context, actor Actor, id uuid.UUID) error

	Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error)
	GetByReference(ctx context.Context, actor Actor, reference string) (*models.InstanceResponse, error)
	History(ctx context.Context, actor Actor, id uuid.UUID) ([]models.ApprovalHistoryResponse, error)
	ListMySubmissions(ctx context.Context, actor Actor, filter *models.InstanceListFilter) ([]models.InstanceResponse, int64, error)
	ListPendingApprovals(ctx context.Context, actor Actor, page, limit int) ([]models.InstanceResponse, int64, error)
	Search(ctx context.Context, actor Actor, filter *models.InstanceListFilter) ([]models.InstanceResponse, int64, error)
	Counts(ctx context.Context, actor Actor) (*models.InstanceCounts, error)

	ProcessEmailAction(ctx context.Context, token, comments string) (*models.InstanceResponse, error)
	EscalateOverdue(ctx context.Context) (int, error)
}

type instanceService struct {
	db           *gorm.DB
	instanceRepo repository.InstanceRepository
	workflowRepo repository.WorkflowRepository
	userRepo     repository.UserRepository
	emailTokens  EmailApprovalService
	notifier     NotificationService
	settings     SettingService
}

func NewInstanceService(
	db *gorm.DB,
	instanceRepo repository.InstanceRepository,
	workflowRepo repository.WorkflowRepository,
	userRepo repository.UserRepository,
	emailTokens EmailApprovalService,
	notifier NotificationService,
	settings SettingService,
) InstanceService {
	return &instanceService{
		db:           db,
		instanceRepo: instanceRepo,
		workflowRepo: workflowRepo,
		userRepo:     userRepo,
		emailTokens:  emailTokens,
		notifier:     notifier,
		settings:     settings,
	}
}

func (s *instanceService) CreateDraft(ctx context.Context, actor Actor, req *models.CreateInstanceRequest) (*models.InstanceResponse, error) {
	workflow, err := s.workflowRepo.FindByIDWithRelations(ctx, req.WorkflowID)
	if err != nil {
		return nil, &NotFoundError{Resource: "workflow", ID: req.WorkflowID.String()}
	}
	if !workflow.IsActive {
		return nil, &ValidationError{Message: "workflow is not active"}
	}
	if actor.ID == nil {
		return nil, &AuthorizationError{Reason: "a registered user is required to create submissions"}
	}

	values, err := s.buildFieldValues(workflow, req.FieldValues)
	if err != nil {
		return nil, err
	}

	initiator, err := s.userRepo.FindByID(ctx, *actor.ID)
	if err != nil {
		return nil, &NotFoundError{Resource: "user", ID: actor.ID.String()}
	}

	instance := &models.WorkflowInstance{
		WorkflowID:  workflow.ID,
		Status:      models.StatusDraft,
		InitiatorID: initiator.ID,
		SbuID:       workflow.SbuID,
		Title:       buildTitle(workflow, values),
		Amount:      extractAmount(workflow, values),
		FieldValues: values,
	}
	if err := s.instanceRepo.Create(ctx, instance); err != nil {
		return nil, err
	}
	return s.respond(ctx, instance.ID)
}

func (s *instanceService) UpdateDraft(ctx context.Context, actor Actor, id uuid.UUID, req *models.UpdateInstanceRequest) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	if instance.Status != models.StatusDraft {
		return nil, &InvalidStateError{Current: string(instance.Status), Action: "update"}
	}
	if err := requireInitiator(actor, instance); err != nil {
		return nil, err
	}

	values, err := s.buildFieldValues(instance.Workflow, req.FieldValues)
	if err != nil {
		return nil, err
	}
	if err := s.instanceRepo.ReplaceFieldValues(ctx, instance.ID, values); err != nil {
		return nil, err
	}

	instance.Title = buildTitle(instance.Workflow, values)
	instance.Amount = extractAmount(instance.Workflow, values)
	if err := s.instanceRepo.Update(ctx, instance); err != nil {
		return nil, err
	}
	return s.respond(ctx, instance.ID)
}

func (s *instanceService) Submit(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error) {
	return s.submit(ctx, actor, id, models.ActionSubmit, models.StatusDraft)
}

func (s *instanceService) CreateAndSubmit(ctx context.Context, actor Actor, req *models.CreateInstanceRequest) (*models.InstanceResponse, error) {
	draft, err := s.CreateDraft(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	return s.Submit(ctx, actor, draft.ID)
}

func (s *instanceService) Resubmit(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error) {
	return s.submit(ctx, actor, id, models.ActionResubmit, models.StatusDraft, models.StatusRejected)
}

// submit validates the form against the definition, then moves the
// instance to PENDING at its computed starting level, or straight to
// APPROVED when the workflow has no approvers configured.
func (s *instanceService) submit(ctx context.Context, actor Actor, id uuid.UUID, action models.HistoryAction, allowed ...models.InstanceStatus) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	if !statusIn(instance.Status, allowed...) {
		return nil, &InvalidStateError{Current: string(instance.Status), Action: strings.ToLower(string(action))}
	}
	if err := requireInitiator(actor, instance); err != nil {
		return nil, err
	}
	workflow := instance.Workflow

	if err := s.validateSubmission(ctx, workflow, instance); err != nil {
		return nil, err
	}

	title := buildTitle(workflow, instance.FieldValues)
	amount := extractAmount(workflow, instance.FieldValues)

	var notifications []Notification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := repository.LockByID(tx, id)
		if err != nil {
			return err
		}
		if !statusIn(locked.Status, allowed...) {
			return &InvalidStateError{Current: string(locked.Status), Action: strings.ToLower(string(action))}
		}

		now := time.Now()
		locked.Title = title
		locked.Amount = amount
		locked.SubmittedAt = &now
		locked.LastActionAt = &now
		locked.CompletedAt = nil

		if locked.ReferenceNumber == "" {
			ref, err := s.generateReferenceNumber(tx, workflow.Code)
			if err != nil {
				return err
			}
			locked.ReferenceNumber = ref
		}

		if err := s.appendHistory(tx, locked, 0, action, actor, ""); err != nil {
			return err
		}

		maxLevel := workflow.MaxLevel()
		if maxLevel == 0 {
			// Nothing to route through: approve immediately.
			locked.Status = models.StatusApproved
			locked.CurrentLevel = 0
			locked.CurrentApproverID = nil
			locked.CompletedAt = &now
			if err := s.appendHistory(tx, locked, 0, models.ActionAutoApprove, systemActor(), "No approvers configured"); err != nil {
				return err
			}
			notifications = append(notifications, s.outcomeNotification(ctx, locked, workflow, "approved", ""))
			return tx.Save(locked).Error
		}

		startLevel, skipped := s.startingLevel(ctx, workflow, amount)
		approver := findEligibleApprover(workflow.ApproversAtLevel(startLevel), amount)
		if approver == nil {
			return &ValidationError{Message: "workflow has no approver configured at the starting level"}
		}

		locked.Status = models.StatusPending
		locked.CurrentLevel = startLevel
		locked.CurrentApproverID = &approver.ID

		if skipped > 0 {
			comment := fmt.Sprintf("Skipped %d level(s) without sufficient approval limit", skipped)
			if err := s.appendHistory(tx, locked, startLevel, models.ActionAutoEscalate, systemActor(), comment); err != nil {
				return err
			}
		}

		if approver.NotifiesOnPending() {
			n, err := s.notifyApprover(ctx, tx, locked, workflow, approver)
			if err != nil {
				return err
			}
			notifications = append(notifications, n)
		}
		return tx.Save(locked).Error
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Dispatch(notifications)
	return s.respond(ctx, id)
}

func (s *instanceService) Approve(ctx context.Context, actor Actor, id uuid.UUID, comments string) (*models.InstanceResponse, error) {
	return s.decide(ctx, actor, id, models.ActionApprove, comments, nil)
}

func (s *instanceService) Reject(ctx context.Context, actor Actor, id uuid.UUID, comments string) (*models.InstanceResponse, error) {
	return s.decide(ctx, actor, id, models.ActionReject, comments, nil)
}

// decide executes an approve or reject by the instance's current
// approver. consume, when set, marks the email token used inside the
// same transaction.
func (s *instanceService) decide(ctx context.Context, actor Actor, id uuid.UUID, action models.HistoryAction, comments string, consume *models.EmailApprovalToken) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	workflow := instance.Workflow

	if err := validateComments(workflow, action, comments); err != nil {
		return nil, err
	}

	var notifications []Notification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := repository.LockByID(tx, id)
		if err != nil {
			return err
		}
		if !locked.Status.IsAwaitingAction() {
			return &InvalidStateError{Current: string(locked.Status), Action: strings.ToLower(string(action))}
		}

		approver := approverByID(workflow, locked.CurrentApproverID)
		if approver == nil {
			return &InvalidStateError{Current: string(locked.Status), Action: strings.ToLower(string(action))}
		}
		if err := authorizeApprover(actor, approver); err != nil {
			return err
		}
		if consume != nil {
			if consume.Level != locked.CurrentLevel {
				return &TokenError{}
			}
			if err := s.emailTokens.Consume(tx, consume); err != nil {
				return err
			}
		}

		now := time.Now()
		locked.LastActionAt = &now

		if err := s.appendHistory(tx, locked, locked.CurrentLevel, action, actor, comments); err != nil {
			return err
		}
		if err := s.emailTokens.InvalidateLevel(tx, locked.ID, locked.CurrentLevel); err != nil {
			return err
		}

		if action == models.ActionReject {
			locked.Status = models.StatusRejected
			locked.CurrentApproverID = nil
			locked.CompletedAt = &now
			if err := s.emailTokens.InvalidateAll(tx, locked.ID); err != nil {
				return err
			}
			notifications = append(notifications, s.outcomeNotification(ctx, locked, workflow, "rejected", comments))
			notifications = append(notifications, approverOutcomeNotifications(locked, workflow, approver.ID, "rejected", comments)...)
			return tx.Save(locked).Error
		}

		// Approval: next entry at this level first, then the next level,
		// finalizing once the top level is cleared.
		next := nextApproverAtLevel(workflow.ApproversAtLevel(locked.CurrentLevel), approver.DisplayOrder, locked.Amount)
		if next == nil && locked.CurrentLevel < workflow.MaxLevel() {
			nextLevel := locked.CurrentLevel + 1
			next = findEligibleApprover(workflow.ApproversAtLevel(nextLevel), locked.Amount)
			if next != nil {
				locked.CurrentLevel = nextLevel
			}
		}

		// An approver acting above their ceiling forwards the decision
		// rather than settling it; the trail records the handoff.
		if next != nil && !approver.CanApprove(locked.Amount) {
			comment := fmt.Sprintf("Approval limit below amount, forwarded to level %d", next.Level)
			if err := s.appendHistory(tx, locked, next.Level, models.ActionAutoEscalate, systemActor(), comment); err != nil {
				return err
			}
		}

		if next == nil {
			locked.Status = models.StatusApproved
			locked.CurrentApproverID = nil
			locked.CompletedAt = &now
			if err := s.emailTokens.InvalidateAll(tx, locked.ID); err != nil {
				return err
			}
			notifications = append(notifications, s.outcomeNotification(ctx, locked, workflow, "approved", comments))
			notifications = append(notifications, approverOutcomeNotifications(locked, workflow, approver.ID, "approved", comments)...)
			return tx.Save(locked).Error
		}

		locked.Status = models.StatusPending
		locked.CurrentApproverID = &next.ID
		if next.NotifiesOnPending() {
			n, err := s.notifyApprover(ctx, tx, locked, workflow, next)
			if err != nil {
				return err
			}
			notifications = append(notifications, n)
		}
		return tx.Save(locked).Error
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Dispatch(notifications)
	return s.respond(ctx, id)
}

func (s *instanceService) Escalate(ctx context.Context, actor Actor, id uuid.UUID, req *models.EscalateRequest) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	workflow := instance.Workflow

	if actor.Source != models.SourceSystem {
		if err := validateComments(workflow, models.ActionEscalate, req.Comments); err != nil {
			return nil, err
		}
	}

	var target *models.WorkflowApprover
	if req.EscalateToUser != nil {
		target, err = s.workflowRepo.FindApproverByUserAndWorkflow(ctx, *req.EscalateToUser, workflow.ID)
		if err != nil {
			return nil, &ValidationError{Message: "the selected user is not an approver of this workflow"}
		}
	}

	action := models.ActionEscalate
	if actor.Source == models.SourceSystem {
		action = models.ActionAutoEscalate
	}

	var notifications []Notification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := repository.LockByID(tx, id)
		if err != nil {
			return err
		}
		if !locked.Status.IsAwaitingAction() {
			return &InvalidStateError{Current: string(locked.Status), Action: "escalate"}
		}

		current := approverByID(workflow, locked.CurrentApproverID)
		if current == nil {
			return &InvalidStateError{Current: string(locked.Status), Action: "escalate"}
		}
		if actor.Source != models.SourceSystem {
			if err := authorizeApprover(actor, current); err != nil {
				return err
			}
			if !current.MayEscalate() {
				return &AuthorizationError{Reason: "the current approver entry does not allow escalation"}
			}
		}

		next := target
		if next == nil {
			if locked.CurrentLevel >= workflow.MaxLevel() {
				return &ValidationError{Message: "no higher approval level to escalate to"}
			}
			next = findEligibleApprover(workflow.ApproversAtLevel(locked.CurrentLevel+1), locked.Amount)
			if next == nil {
				return &ValidationError{Message: "no approver configured at the next level"}
			}
		}

		now := time.Now()
		locked.LastActionAt = &now
		if err := s.appendHistory(tx, locked, locked.CurrentLevel, action, actor, req.Comments); err != nil {
			return err
		}
		if err := s.emailTokens.InvalidateLevel(tx, locked.ID, locked.CurrentLevel); err != nil {
			return err
		}

		locked.Status = models.StatusEscalated
		locked.CurrentLevel = next.Level
		locked.CurrentApproverID = &next.ID

		if next.NotifiesOnPending() {
			n, err := s.notifyApprover(ctx, tx, locked, workflow, next)
			if err != nil {
				return err
			}
			notifications = append(notifications, n)
		}
		return tx.Save(locked).Error
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Dispatch(notifications)
	return s.respond(ctx, id)
}

// Cancel closes an instance in any non-completed state. Any actor may
// cancel; the history entry records who did.
func (s *instanceService) Cancel(ctx context.Context, actor Actor, id uuid.UUID, comments string) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	workflow := instance.Workflow

	var notifications []Notification
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := repository.LockByID(tx, id)
		if err != nil {
			return err
		}
		if locked.Status == models.StatusApproved || locked.Status == models.StatusRejected {
			return &InvalidStateError{Current: string(locked.Status), Action: "cancel"}
		}

		now := time.Now()
		locked.Status = models.StatusCancelled
		locked.CurrentApproverID = nil
		locked.CompletedAt = &now
		locked.LastActionAt = &now

		if err := s.appendHistory(tx, locked, locked.CurrentLevel, models.ActionCancel, actor, comments); err != nil {
			return err
		}
		if err := s.emailTokens.InvalidateAll(tx, locked.ID); err != nil {
			return err
		}
		notifications = append(notifications, s.outcomeNotification(ctx, locked, workflow, "cancelled", comments))
		return tx.Save(locked).Error
	})
	if err != nil {
		return nil, err
	}

	s.notifier.Dispatch(notifications)
	return s.respond(ctx, id)
}

func (s *instanceService) Recall(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByID(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	// Recall is the initiator taking the submission back; a super-user
	// may do it on their behalf.
	if err := requireInitiator(actor, instance); err != nil {
		return nil, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := repository.LockByID(tx, id)
		if err != nil {
			return err
		}
		if locked.Status != models.StatusPending {
			return &InvalidStateError{Current: string(locked.Status), Action: "recall"}
		}

		now := time.Now()
		locked.Status = models.StatusDraft
		locked.CurrentLevel = 0
		locked.CurrentApproverID = nil
		locked.SubmittedAt = nil
		locked.LastActionAt = &now

		if err := s.appendHistory(tx, locked, 0, models.ActionRecall, actor, ""); err != nil {
			return err
		}
		if err := s.emailTokens.InvalidateAll(tx, locked.ID); err != nil {
			return err
		}
		return tx.Save(locked).Error
	})
	if err != nil {
		return nil, err
	}
	return s.respond(ctx, id)
}

func (s *instanceService) Clone(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	if actor.ID == nil {
		return nil, &AuthorizationError{Reason: "a registered user is required to clone submissions"}
	}

	values := make([]models.WorkflowFieldValue, 0, len(instance.FieldValues))
	for _, fv := range instance.FieldValues {
		values = append(values, models.WorkflowFieldValue{
			FieldID: fv.FieldID,
			Value:   fv.Value,
		})
	}

	clone := &models.WorkflowInstance{
		WorkflowID:  instance.WorkflowID,
		Status:      models.StatusDraft,
		InitiatorID: *actor.ID,
		SbuID:       instance.SbuID,
		Title:       instance.Title,
		Amount:      instance.Amount,
		FieldValues: values,
	}
	if err := s.instanceRepo.Create(ctx, clone); err != nil {
		return nil, err
	}
	return s.respond(ctx, clone.ID)
}

func (s *instanceService) Delete(ctx context.Context, actor Actor, id uuid.UUID) error {
	instance, err := s.instanceRepo.FindByID(ctx, id)
	if err != nil {
		return &NotFoundError{Resource: "instance", ID: id.String()}
	}
	if instance.Status != models.StatusDraft && instance.Status != models.StatusCancelled {
		return &InvalidStateError{Current: string(instance.Status), Action: "delete"}
	}
	if err := requireInitiator(actor, instance); err != nil {
		return err
	}
	return s.instanceRepo.Delete(ctx, id)
}

func (s *instanceService) Get(ctx context.Context, actor Actor, id uuid.UUID) (*models.InstanceResponse, error) {
	return s.respond(ctx, id)
}

func (s *instanceService) GetByReference(ctx context.Context, actor Actor, reference string) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByReference(ctx, reference)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: reference}
	}
	return s.respond(ctx, instance.ID)
}

func (s *instanceService) History(ctx context.Context, actor Actor, id uuid.UUID) ([]models.ApprovalHistoryResponse, error) {
	if _, err := s.instanceRepo.FindByID(ctx, id); err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	entries, err := s.instanceRepo.ListHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]models.ApprovalHistoryResponse, 0, len(entries))
	for i := range entries {
		out = append(out, entries[i].ToResponse())
	}
	return out, nil
}

func (s *instanceService) ListMySubmissions(ctx context.Context, actor Actor, filter *models.InstanceListFilter) ([]models.InstanceResponse, int64, error) {
	if actor.ID == nil {
		return nil, 0, &AuthorizationError{}
	}
	instances, total, err := s.instanceRepo.ListByInitiator(ctx, *actor.ID, filter)
	if err != nil {
		return nil, 0, err
	}
	return toResponses(instances), total, nil
}

func (s *instanceService) ListPendingApprovals(ctx context.Context, actor Actor, page, limit int) ([]models.InstanceResponse, int64, error) {
	if actor.ID == nil {
		return nil, 0, &AuthorizationError{}
	}
	instances, total, err := s.instanceRepo.ListPendingForApprover(ctx, *actor.ID, actor.Email, page, limit)
	if err != nil {
		return nil, 0, err
	}
	return toResponses(instances), total, nil
}

func (s *instanceService) Search(ctx context.Context, actor Actor, filter *models.InstanceListFilter) ([]models.InstanceResponse, int64, error) {
	instances, total, err := s.instanceRepo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return toResponses(instances), total, nil
}

func (s *instanceService) Counts(ctx context.Context, actor Actor) (*models.InstanceCounts, error) {
	if actor.ID == nil {
		return nil, &AuthorizationError{}
	}
	return s.instanceRepo.Counts(ctx, *actor.ID, actor.Email)
}

func (s *instanceService) ProcessEmailAction(ctx context.Context, token, comments string) (*models.InstanceResponse, error) {
	t, err := s.emailTokens.Validate(ctx, token)
	if err != nil {
		return nil, err
	}
	if t.Instance == nil || t.Instance.Workflow == nil {
		return nil, &TokenError{}
	}
	workflow := t.Instance.Workflow
	if !workflow.AllowEmailApprovals || !s.settings.GetBool(ctx, models.SettingAllowEmailApprovals, true) {
		return nil, &TokenError{}
	}

	actor := Actor{
		Name:   t.ApproverEmail,
		Email:  t.ApproverEmail,
		Source: models.SourceEmail,
	}

	action := models.ActionApprove
	if t.Action == models.EmailActionReject {
		action = models.ActionReject
	}
	return s.decide(ctx, actor, t.InstanceID, action, comments, t)
}

// EscalateOverdue escalates every awaiting instance that has sat at one
// approver past its escalation timeout. The current entry's own timeout
// wins over the workflow-level one; entries without either never time
// out. Called from the background monitor.
func (s *instanceService) EscalateOverdue(ctx context.Context) (int, error) {
	workflows, err := s.workflowRepo.ListWithEscalationTimeout(ctx)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	escalated := 0
	for i := range workflows {
		wf := &workflows[i]
		awaiting, err := s.instanceRepo.ListAwaiting(ctx, wf.ID)
		if err != nil {
			return escalated, err
		}
		for _, instance := range awaiting {
			if instance.CurrentLevel >= wf.MaxLevel() {
				continue
			}
			hours := wf.EscalationTimeoutHours
			if entry := approverByID(wf, instance.CurrentApproverID); entry != nil && entry.EscalationTimeoutHours != nil {
				hours = entry.EscalationTimeoutHours
			}
			if hours == nil || instance.LastActionAt == nil {
				continue
			}
			if instance.LastActionAt.After(now.Add(-time.Duration(*hours) * time.Hour)) {
				continue
			}
			_, err := s.Escalate(ctx, systemActor(), instance.ID, &models.EscalateRequest{
				Comments: fmt.Sprintf("Escalated automatically after %d hour(s) without action", *hours),
			})
			if err != nil {
				log.Printf("Failed to auto-escalate instance %s: %v", instance.ReferenceNumber, err)
				continue
			}
			escalated++
		}
	}
	return escalated, nil
}

// --- helpers ---

func (s *instanceService) respond(ctx context.Context, id uuid.UUID) (*models.InstanceResponse, error) {
	instance, err := s.instanceRepo.FindByIDWithRelations(ctx, id)
	if err != nil {
		return nil, &NotFoundError{Resource: "instance", ID: id.String()}
	}
	resp := instance.ToResponse()
	return &resp, nil
}

func toResponses(instances []models.WorkflowInstance) []models.InstanceResponse {
	out := make([]models.InstanceResponse, 0, len(instances))
	for i := range instances {
		out = append(out, instances[i].ToResponse())
	}
	return out
}

func statusIn(status models.InstanceStatus, allowed ...models.InstanceStatus) bool {
	for _, a := range allowed {
		if status == a {
			return true
		}
	}
	return false
}

func requireInitiator(actor Actor, instance *models.WorkflowInstance) error {
	if actor.IsSuperUser {
		return nil
	}
	if actor.ID != nil && *actor.ID == instance.InitiatorID {
		return nil
	}
	return &AuthorizationError{Reason: "only the initiator can perform this action"}
}

// authorizeApprover checks that the actor may act for the current
// approver entry: super-user, the bound user, or a matching email when
// the entry names no user. Email-token actors carry no user ID and
// authorize by email alone; the token itself named this entry.
func authorizeApprover(actor Actor, approver *models.WorkflowApprover) error {
	if actor.IsSuperUser {
		return nil
	}
	if actor.ID != nil && approver.UserID != nil && *actor.ID == *approver.UserID {
		return nil
	}
	if (approver.UserID == nil || actor.ID == nil) && strings.EqualFold(actor.Email, approver.ApproverEmail) {
		return nil
	}
	return &AuthorizationError{Reason: "you are not the current approver"}
}

func validateComments(workflow *models.Workflow, action models.HistoryAction, comments string) error {
	required := workflow.CommentsMandatory ||
		(action == models.ActionReject && workflow.CommentsMandatoryOnReject) ||
		(action == models.ActionEscalate && workflow.CommentsMandatoryOnEscalate)
	if required && strings.TrimSpace(comments) == "" {
		return &ValidationError{Message: "comments are required for this action"}
	}
	return nil
}

func approverByID(workflow *models.Workflow, id *uuid.UUID) *models.WorkflowApprover {
	if id == nil {
		return nil
	}
	for i := range workflow.Approvers {
		if workflow.Approvers[i].ID == *id {
			return &workflow.Approvers[i]
		}
	}
	return nil
}

// findEligibleApprover picks the first entry in display order whose
// ceiling covers the amount, falling back to the first entry when the
// amount is unset or nobody qualifies.
func findEligibleApprover(approvers []models.WorkflowApprover, amount *float64) *models.WorkflowApprover {
	if len(approvers) == 0 {
		return nil
	}
	for i := range approvers {
		if approvers[i].CanApprove(amount) {
			return &approvers[i]
		}
	}
	return &approvers[0]
}

func nextApproverAtLevel(approvers []models.WorkflowApprover, afterDisplayOrder int, amount *float64) *models.WorkflowApprover {
	for i := range approvers {
		if approvers[i].DisplayOrder > afterDisplayOrder && approvers[i].CanApprove(amount) {
			return &approvers[i]
		}
	}
	return nil
}

// startingLevel returns where a submission enters the chain. With the
// skip setting on, levels whose every approver is below the amount are
// bypassed; the count of skipped levels is returned for the audit trail.
func (s *instanceService) startingLevel(ctx context.Context, workflow *models.Workflow, amount *float64) (int, int) {
	maxLevel := workflow.MaxLevel()
	if amount == nil || workflow.Type != models.WorkflowTypeFinancial {
		return 1, 0
	}
	if !s.settings.GetBool(ctx, models.SettingSkipUnauthorizedApprovers, true) {
		return 1, 0
	}

	level := 1
	for level < maxLevel {
		qualified := false
		for _, a := range workflow.ApproversAtLevel(level) {
			if a.CanApprove(amount) {
				qualified = true
				break
			}
		}
		if qualified {
			break
		}
		level++
	}
	return level, level - 1
}

func (s *instanceService) appendHistory(tx *gorm.DB, instance *models.WorkflowInstance, level int, action models.HistoryAction, actor Actor, comments string) error {
	entry := &models.ApprovalHistory{
		InstanceID: instance.ID,
		Level:      level,
		Action:     action,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		ActorEmail: actor.Email,
		Comments:   comments,
		Source:     actor.Source,
	}
	if entry.Source == "" {
		entry.Source = models.SourceWeb
	}
	return tx.Create(entry).Error
}

// notifyApprover builds the pending-approval email for the new current
// approver, issuing an email-action token pair when the workflow and the
// platform both allow it.
func (s *instanceService) notifyApprover(ctx context.Context, tx *gorm.DB, instance *models.WorkflowInstance, workflow *models.Workflow, approver *models.WorkflowApprover) (Notification, error) {
	var approveURL, rejectURL, expires string
	if workflow.AllowEmailApprovals && s.settings.GetBool(ctx, models.SettingAllowEmailApprovals, true) {
		approveToken, rejectToken, err := s.emailTokens.IssuePair(ctx, tx, instance, approver.ApproverEmail)
		if err != nil {
			return Notification{}, err
		}
		approveURL = s.emailTokens.ActionURL(ctx, approveToken)
		rejectURL = s.emailTokens.ActionURL(ctx, rejectToken)
		expires = approveToken.ExpiresAt.Format(time.RFC1123)
	}

	name := approver.ApproverName
	if name == "" {
		name = approver.ApproverEmail
	}
	return BuildPendingApprovalNotification(instance, workflow.Name, name, approver.ApproverEmail, approveURL, rejectURL, expires), nil
}

func (s *instanceService) outcomeNotification(ctx context.Context, instance *models.WorkflowInstance, workflow *models.Workflow, outcome, comments string) Notification {
	initiator, err := s.userRepo.FindByID(ctx, instance.InitiatorID)
	if err != nil {
		return Notification{}
	}
	return BuildOutcomeNotification(instance, workflow.Name, initiator.FullName(), initiator.Email, outcome, comments)
}

// approverOutcomeNotifications copies the final outcome to chain entries
// that subscribed to it, skipping whoever made the deciding call.
func approverOutcomeNotifications(instance *models.WorkflowInstance, workflow *models.Workflow, decidedByID uuid.UUID, outcome, comments string) []Notification {
	var out []Notification
	for i := range workflow.Approvers {
		a := &workflow.Approvers[i]
		if a.ID == decidedByID {
			continue
		}
		wants := a.NotifiesOnApproval()
		if outcome == "rejected" {
			wants = a.NotifiesOnRejection()
		}
		if !wants {
			continue
		}
		name := a.ApproverName
		if name == "" {
			name = a.ApproverEmail
		}
		out = append(out, BuildOutcomeNotification(instance, workflow.Name, name, a.ApproverEmail, outcome, comments))
	}
	return out
}

// buildFieldValues maps submitted values onto the definition's fields,
// dropping values for fields the workflow does not declare.
func (s *instanceService) buildFieldValues(workflow *models.Workflow, reqs []models.FieldValueRequest) ([]models.WorkflowFieldValue, error) {
	byID := make(map[uuid.UUID]*models.WorkflowField, len(workflow.Fields))
	for i := range workflow.Fields {
		byID[workflow.Fields[i].ID] = &workflow.Fields[i]
	}

	values := make([]models.WorkflowFieldValue, 0, len(reqs))
	for _, req := range reqs {
		field, ok := byID[req.FieldID]
		if !ok {
			return nil, &ValidationError{Message: fmt.Sprintf("field %s does not belong to this workflow", req.FieldID)}
		}
		if field.FieldType == models.FieldTypeDropdown && req.Value != "" && !optionAllowed(field, req.Value) {
			return nil, &ValidationError{
				Message: fmt.Sprintf("value %q is not an option of field %s", req.Value, field.Label),
				Fields:  []string{field.Label},
			}
		}
		values = append(values, models.WorkflowFieldValue{
			FieldID: field.ID,
			Value:   req.Value,
		})
	}
	return values, nil
}

func optionAllowed(field *models.WorkflowField, value string) bool {
	if len(field.Options) == 0 {
		return true
	}
	for _, o := range field.Options {
		if o.Value == value {
			return true
		}
	}
	return false
}

// validateSubmission enforces mandatory and unique fields before a
// submission enters the chain. Missing labels are collected so the form
// can mark every offending field in one round trip.
func (s *instanceService) validateSubmission(ctx context.Context, workflow *models.Workflow, instance *models.WorkflowInstance) error {
	valueByField := make(map[uuid.UUID]string, len(instance.FieldValues))
	for _, fv := range instance.FieldValues {
		valueByField[fv.FieldID] = fv.Value
	}

	var missing []string
	for _, field := range workflow.Fields {
		value := strings.TrimSpace(valueByField[field.ID])
		if field.IsMandatory && value == "" {
			missing = append(missing, field.Label)
			continue
		}
		if field.IsUnique && value != "" {
			exists, err := s.instanceRepo.ExistsFieldValue(ctx, workflow.ID, field.ID, valueByField[field.ID], &instance.ID)
			if err != nil {
				return err
			}
			if exists {
				return &ValidationError{
					Message: fmt.Sprintf("value for %s is already used by another submission", field.Label),
					Fields:  []string{field.Label},
				}
			}
		}
	}
	if len(missing) > 0 {
		return &ValidationError{
			Message: "mandatory fields are missing",
			Fields:  missing,
		}
	}
	return nil
}

// buildTitle joins the values of title-marked fields in display order.
func buildTitle(workflow *models.Workflow, values []models.WorkflowFieldValue) string {
	valueByField := make(map[uuid.UUID]string, len(values))
	for _, fv := range values {
		valueByField[fv.FieldID] = fv.Value
	}

	var parts []string
	for _, field := range workflow.Fields {
		if field.IsTitle {
			if v := strings.TrimSpace(valueByField[field.ID]); v != "" {
				parts = append(parts, v)
			}
		}
	}
	if len(parts) == 0 {
		return workflow.Name
	}
	return strings.Join(parts, "_")
}

// extractAmount reads the monetary amount of a FINANCIAL submission from
// the limit-marked field, falling back to a field named "amount". An
// unparsable value is ignored rather than blocking the submission.
func extractAmount(workflow *models.Workflow, values []models.WorkflowFieldValue) *float64 {
	if workflow.Type != models.WorkflowTypeFinancial {
		return nil
	}

	var amountField *models.WorkflowField
	for i := range workflow.Fields {
		if workflow.Fields[i].IsLimited {
			amountField = &workflow.Fields[i]
			break
		}
	}
	if amountField == nil {
		for i := range workflow.Fields {
			if strings.EqualFold(workflow.Fields[i].Name, "amount") {
				amountField = &workflow.Fields[i]
				break
			}
		}
	}
	if amountField == nil {
		return nil
	}

	for _, fv := range values {
		if fv.FieldID != amountField.ID {
			continue
		}
		raw := strings.TrimSpace(fv.Value)
		if raw == "" {
			return nil
		}
		amount, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			log.Printf("Ignoring unparsable amount %q on field %s", raw, amountField.Name)
			return nil
		}
		return &amount
	}
	return nil
}

// generateReferenceNumber produces CODE-yyyyMMddHHmmss-#### and retries
// on the rare collision within the same second.
func (s *instanceService) generateReferenceNumber(tx *gorm.DB, code string) (string, error) {
	for attempt := 0; attempt < referenceNumberAttempts; attempt++ {
		ref := fmt.Sprintf("%s-%s-%04d", code, time.Now().Format("20060102150405"), rand.Intn(10000))
		var count int64
		if err := tx.Model(&models.WorkflowInstance{}).Where("reference_number = ?", ref).Count(&count).Error; err != nil {
			return "", err
		}
		if count == 0 {
			return ref, nil
		}
	}
	return "", fmt.Errorf("could not generate a unique reference number for %s", code)
}
