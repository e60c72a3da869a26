package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConnectionRequest statuses.
const (
	ConnectionPending  = "pending"
	ConnectionAccepted = "accepted"
	ConnectionDeclined = "declined"
	ConnectionExpired  = "expired"
)

// ConnectionRequest is an instant-connect ask from a client to a coach.
type ConnectionRequest struct {
	ID        uuid.UUID  `json:"id"`
	ClientID  uuid.UUID  `json:"client_id"`
	CoachID   uuid.UUID  `json:"coach_id"`
	Status    string     `json:"status"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
	ExpiresAt time.Time  `json:"expires_at"`
	CreatedAt time.Time  `json:"created_at"`
}

// GuestSession is a pre-auth interaction (e.g. an assessment) awaiting migration to a user.
type GuestSession struct {
	ID             uuid.UUID       `json:"id"`
	GuestSessionID string          `json:"guest_session_id"`
	Assessment     json.RawMessage `json:"assessment,omitempty"`
	MigratedUserID *uuid.UUID      `json:"migrated_user_id,omitempty"`
	MigratedAt     *time.Time      `json:"migrated_at,omitempty"`
	SessionID      *uuid.UUID      `json:"session_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// QuestionnaireResponse is a questionnaire answered before or after booking.
type QuestionnaireResponse struct {
	ID             uuid.UUID       `json:"id"`
	UserID         *uuid.UUID      `json:"user_id,omitempty"`
	GuestSessionID string          `json:"guest_session_id,omitempty"`
	Answers        json.RawMessage `json:"answers"`
	SessionID      *uuid.UUID      `json:"session_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}
