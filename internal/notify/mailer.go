// Package notify emails tenant operators about the events that need a
// human: escalations, exhausted CRM writes, and transition conflicts.
package notify

import (
	"context"
	"fmt"
	"net"
	"time"

	"leadrouter_backend/internal/events"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/logger"

	gomail "github.com/wneessen/go-mail"
)

// Mailer subscribes to operator-facing domain events and delivers plain
// text notices over SMTP. When SMTP is not configured every handler is a
// clean no-op.
type Mailer struct {
	cfg     config.SMTPConfig
	tenants *config.TenantRegistry
	log     *logger.Logger
}

func NewMailer(cfg config.SMTPConfig, tenants *config.TenantRegistry, log *logger.Logger) *Mailer {
	m := &Mailer{cfg: cfg, tenants: tenants, log: log}
	if !cfg.IsEmailEnabled() {
		log.Info("smtp not configured, operator notifications disabled")
	}
	return m
}

// Register subscribes the mailer to the event bus.
func (m *Mailer) Register(bus events.Bus) {
	bus.Subscribe("leads.escalated", events.HandlerFunc(m.handleEscalated))
	bus.Subscribe("crm.write.dead_lettered", events.HandlerFunc(m.handleDeadLettered))
	bus.Subscribe("leads.transition.conflict", events.HandlerFunc(m.handleConflict))
}

func (m *Mailer) handleEscalated(ctx context.Context, e events.Event) error {
	evt, ok := e.(events.LeadEscalated)
	if !ok {
		return fmt.Errorf("unexpected event type %T", e)
	}
	subject := fmt.Sprintf("Lead escalated to you: contact %s", evt.ContactID)
	body := fmt.Sprintf(
		"A lead was handed off to a human.\n\nContact: %s\nReason: %s\n\nPick the conversation up in the CRM.",
		evt.ContactID, evt.Reason)
	return m.notify(ctx, evt.TenantID, subject, body)
}

func (m *Mailer) handleDeadLettered(ctx context.Context, e events.Event) error {
	evt, ok := e.(events.CrmWriteDeadLettered)
	if !ok {
		return fmt.Errorf("unexpected event type %T", e)
	}
	subject := fmt.Sprintf("CRM sync failed for contact %s", evt.ContactID)
	body := fmt.Sprintf(
		"An outbound CRM write exhausted its retries and was dead-lettered.\n\nContact: %s\nOperation: %s\nError: %s\n\nThe lead's internal state is intact. Requeue the write from the operator console.",
		evt.ContactID, evt.Category, evt.Detail)
	return m.notify(ctx, evt.TenantID, subject, body)
}

func (m *Mailer) handleConflict(ctx context.Context, e events.Event) error {
	evt, ok := e.(events.TransitionConflict)
	if !ok {
		return fmt.Errorf("unexpected event type %T", e)
	}
	subject := fmt.Sprintf("Lead update conflict for contact %s", evt.ContactID)
	body := fmt.Sprintf(
		"A lead update kept losing races with concurrent writers and was abandoned.\n\nContact: %s\nDetail: %s\n\nReview the conflict queue in the operator console.",
		evt.ContactID, evt.Detail)
	return m.notify(ctx, evt.TenantID, subject, body)
}

func (m *Mailer) notify(ctx context.Context, tenantID, subject, body string) error {
	if !m.cfg.IsEmailEnabled() {
		return nil
	}
	tenant, ok := m.tenants.Get(tenantID)
	if !ok || tenant.OperatorEmail == "" {
		return nil
	}

	if err := m.send(ctx, tenant.OperatorEmail, subject, body); err != nil {
		// Notification failures are logged, never propagated: the event
		// that triggered them already succeeded or is already dead-lettered.
		m.log.Error("operator notification failed", "tenant_id", tenantID, "error", err)
	}
	return nil
}

func (m *Mailer) send(ctx context.Context, toEmail, subject, body string) error {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(m.cfg.GetEmailFromName(), m.cfg.GetEmailFromAddress()); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(toEmail); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, body)

	client, err := gomail.NewClient(m.cfg.GetSMTPHost(),
		gomail.WithPort(m.cfg.GetSMTPPort()),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(m.cfg.GetSMTPUsername()),
		gomail.WithPassword(m.cfg.GetSMTPPassword()),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}
