package services

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/smtp"
	"os"
	"text/template"

	"github.com/google/uuid"
	"github.com/sonarworks/workflow-backend/internal/config"
	"github.com/sonarworks/workflow-backend/internal/models"
	"github.com/sonarworks/workflow-backend/internal/repository"
)

// Notification is one outbound email collected during a transition and
// dispatched after the transaction commits.
type Notification struct {
	Recipient  string
	Subject    string
	Body       string
	InstanceID *uuid.UUID
}

type NotificationService interface {
	// Dispatch sends the batch in the background. Failures are logged,
	// never propagated: a dead mail server must not fail a transition.
	Dispatch(notifications []Notification)
	SendNow(ctx context.Context, n Notification) error
}

type notificationService struct {
	logRepo repository.NotificationLogRepository
	smtp    config.SMTPConfig
}

func NewNotificationService(logRepo repository.NotificationLogRepository, smtpCfg config.SMTPConfig) NotificationService {
	return &notificationService{
		logRepo: logRepo,
		smtp:    smtpCfg,
	}
}

func (s *notificationService) Dispatch(notifications []Notification) {
	if len(notifications) == 0 {
		return
	}
	go func() {
		ctx := context.Background()
		for _, n := range notifications {
			if err := s.SendNow(ctx, n); err != nil {
				log.Printf("Failed to send notification to %s: %v", n.Recipient, err)
			}
		}
	}()
}

func (s *notificationService) SendNow(ctx context.Context, n Notification) error {
	status := "sent"
	provider := "smtp"
	var sendErr error

	if os.Getenv("ENV") == "local" {
		status = "mock-sent"
		provider = "mock"
	} else {
		sendErr = s.sendSMTP(n.Recipient, n.Subject, n.Body)
		if sendErr != nil {
			status = "failed"
		}
	}

	entry := &models.NotificationLog{
		Channel:    "email",
		Recipient:  n.Recipient,
		Subject:    n.Subject,
		Body:       n.Body,
		InstanceID: n.InstanceID,
		Status:     status,
		Provider:   provider,
	}
	if sendErr != nil {
		entry.ErrorMessage = sendErr.Error()
	}
	if err := s.logRepo.Create(ctx, entry); err != nil {
		log.Printf("Failed to record notification log: %v", err)
	}
	return sendErr
}

func (s *notificationService) sendSMTP(to, subject, body string) error {
	addr := fmt.Sprintf("%s:%s", s.smtp.Host, s.smtp.Port)
	var auth smtp.Auth
	if s.smtp.User != "" {
		auth = smtp.PlainAuth("", s.smtp.User, s.smtp.Password, s.smtp.Host)
	}

	msg := []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=\"UTF-8\"\r\n\r\n%s",
		s.smtp.From, to, subject, body))

	return smtp.SendMail(addr, auth, s.smtp.From, []string{to}, msg)
}

func RenderTemplate(tpl string, vars map[string]string) (string, error) {
	t, err := template.New("tpl").Option("missingkey=zero").Parse(tpl)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	err = t.Execute(&buf, vars)
	return buf.String(), err
}

const pendingApprovalTemplate = `Dear {{.ApproverName}},

Submission {{.ReferenceNumber}} ({{.Title}}) in workflow {{.WorkflowName}} is awaiting your approval at level {{.Level}}.
{{if .ApproveURL}}
Approve: {{.ApproveURL}}
Reject:  {{.RejectURL}}

These links are single-use and expire on {{.ExpiresAt}}.
{{end}}`

const outcomeTemplate = `Dear {{.InitiatorName}},

Your submission {{.ReferenceNumber}} ({{.Title}}) in workflow {{.WorkflowName}} has been {{.Outcome}}.
{{if .Comments}}
Comments: {{.Comments}}
{{end}}`

// BuildPendingApprovalNotification renders the email sent to the approver
// an instance has just landed with. The action URLs are empty when email
// approvals are disabled.
func BuildPendingApprovalNotification(instance *models.WorkflowInstance, workflowName, approverName, recipient, approveURL, rejectURL, expiresAt string) Notification {
	body, _ := RenderTemplate(pendingApprovalTemplate, map[string]string{
		"ApproverName":    approverName,
		"ReferenceNumber": instance.ReferenceNumber,
		"Title":           instance.Title,
		"WorkflowName":    workflowName,
		"Level":           fmt.Sprintf("%d", instance.CurrentLevel),
		"ApproveURL":      approveURL,
		"RejectURL":       rejectURL,
		"ExpiresAt":       expiresAt,
	})
	id := instance.ID
	return Notification{
		Recipient:  recipient,
		Subject:    fmt.Sprintf("Approval required: %s", instance.ReferenceNumber),
		Body:       body,
		InstanceID: &id,
	}
}

// BuildOutcomeNotification renders the email sent to the initiator once
// the instance reaches a terminal status.
func BuildOutcomeNotification(instance *models.WorkflowInstance, workflowName, initiatorName, recipient, outcome, comments string) Notification {
	body, _ := RenderTemplate(outcomeTemplate, map[string]string{
		"InitiatorName":   initiatorName,
		"ReferenceNumber": instance.ReferenceNumber,
		"Title":           instance.Title,
		"WorkflowName":    workflowName,
		"Outcome":         outcome,
		"Comments":        comments,
	})
	id := instance.ID
	return Notification{
		Recipient:  recipient,
		Subject:    fmt.Sprintf("Submission %s: %s", outcome, instance.ReferenceNumber),
		Body:       body,
		InstanceID: &id,
	}
}
