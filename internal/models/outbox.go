package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Outbox message kinds.
const (
	OutboxKindEmail           = "email"
	OutboxKindSessionAnalysis = "session_analysis"
)

// Outbox statuses.
const (
	OutboxStatusPending    = "pending"
	OutboxStatusDispatched = "dispatched"
	OutboxStatusSent       = "sent"
	OutboxStatusFailed     = "failed"
)

// Email types sent through the outbox.
const (
	EmailTypeBookingRequested = "booking_requested"
	EmailTypeBookingConfirmed = "booking_confirmed"
	EmailTypeSessionCancelled = "session_cancelled"
	EmailTypeJoinLink         = "join_link"
)

// OutboxMessage is a durable unit of best-effort work.
type OutboxMessage struct {
	ID        uuid.UUID       `json:"id"`
	Kind      string          `json:"kind"`
	SessionID *uuid.UUID      `json:"session_id,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	Subject   string          `json:"subject,omitempty"`
	Body      string          `json:"body,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	LastError string          `json:"last_error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// EmailPayload addresses an email to a user. The worker resolves the address.
type EmailPayload struct {
	EmailType string    `json:"email_type"`
	ToUserID  uuid.UUID `json:"to_user_id"`
	JoinURL   string    `json:"join_url,omitempty"`
}

// NewEmailMessage builds an email outbox message for a session party.
func NewEmailMessage(sessionID, toUserID uuid.UUID, emailType string) *OutboxMessage {
	payload, _ := json.Marshal(EmailPayload{EmailType: emailType, ToUserID: toUserID})
	return &OutboxMessage{
		Kind:      OutboxKindEmail,
		SessionID: &sessionID,
		Subject:   emailType,
		Payload:   payload,
	}
}
