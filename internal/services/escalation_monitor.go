package services

import (
	"context"
	"log"
	"time"
)

// EscalationMonitor watches for submissions that have sat with one
// approver past their workflow's timeout and escalates them, and sweeps
// expired email-action tokens on the same tick.
type EscalationMonitor interface {
	Start(ctx context.Context)
	Stop()
	RunOnce(ctx context.Context) error
}

type escalationMonitor struct {
	instances   InstanceService
	emailTokens EmailApprovalService
	interval    time.Duration
	stopChan    chan struct{}
	running     bool
}

func NewEscalationMonitor(instances InstanceService, emailTokens EmailApprovalService, checkInterval time.Duration) EscalationMonitor {
	if checkInterval == 0 {
		checkInterval = 5 * time.Minute
	}
	return &escalationMonitor{
		instances:   instances,
		emailTokens: emailTokens,
		interval:    checkInterval,
		stopChan:    make(chan struct{}),
	}
}

func (m *escalationMonitor) Start(ctx context.Context) {
	if m.running {
		return
	}
	m.running = true
	log.Printf("Escalation monitor started with interval: %v", m.interval)

	go func() {
		if err := m.RunOnce(ctx); err != nil {
			log.Printf("Initial escalation check failed: %v", err)
		}

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := m.RunOnce(ctx); err != nil {
					log.Printf("Escalation check failed: %v", err)
				}
			case <-m.stopChan:
				log.Println("Escalation monitor stopped")
				return
			case <-ctx.Done():
				log.Println("Escalation monitor context cancelled")
				return
			}
		}
	}()
}

func (m *escalationMonitor) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopChan)
}

func (m *escalationMonitor) RunOnce(ctx context.Context) error {
	escalated, err := m.instances.EscalateOverdue(ctx)
	if err != nil {
		return err
	}
	if escalated > 0 {
		log.Printf("Escalated %d overdue submission(s)", escalated)
	}

	swept, err := m.emailTokens.SweepExpired(ctx)
	if err != nil {
		log.Printf("Failed to sweep expired email tokens: %v", err)
	} else if swept > 0 {
		log.Printf("Removed %d expired email token(s)", swept)
	}
	return nil
}
