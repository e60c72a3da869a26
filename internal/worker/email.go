package worker

import (
	"context"
	"fmt"
	"html"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/models"
)

// Email is a rendered message ready for delivery.
type Email struct {
	To        string
	Name      string
	Type      string
	Subject   string
	HTML      string
	JoinURL   string
	SessionID uuid.UUID
}

// Sender delivers emails.
type Sender interface {
	Send(ctx context.Context, e Email) error
}

// LogSender writes emails to the log instead of delivering them.
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSender{logger: logger}
}

// Send implements Sender.
func (s *LogSender) Send(ctx context.Context, e Email) error {
	s.logger.Info("email sent",
		zap.String("to", e.To),
		zap.String("type", e.Type),
		zap.String("subject", e.Subject),
		zap.String("session_id", e.SessionID.String()))
	return nil
}

var subjects = map[string]string{
	models.EmailTypeBookingRequested: "New session request",
	models.EmailTypeBookingConfirmed: "Your session is confirmed",
	models.EmailTypeSessionCancelled: "Your session was cancelled",
	models.EmailTypeJoinLink:         "Your session link",
}

// render fills in a subject and body for typed emails that arrived without them.
// Outbox rows store the email type as the subject until rendered.
func render(e *Email) {
	if s, ok := subjects[e.Type]; ok && (e.Subject == "" || e.Subject == e.Type) {
		e.Subject = s
	}
	if e.HTML != "" {
		return
	}
	name := e.Name
	if name == "" {
		name = "there"
	}
	body := fmt.Sprintf("<p>Hi %s,</p><p>%s.</p>", html.EscapeString(name), html.EscapeString(e.Subject))
	if e.JoinURL != "" {
		u := html.EscapeString(e.JoinURL)
		body += fmt.Sprintf(`<p><a href="%s">Join your session</a></p>`, u)
	}
	e.HTML = body
}
