package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant roles within a session.
const (
	ParticipantCoach  = "coach"
	ParticipantClient = "client"
)

// SessionParticipant tracks join credential issuance and presence per (session, user).
type SessionParticipant struct {
	SessionID     uuid.UUID  `json:"session_id"`
	UserID        uuid.UUID  `json:"user_id"`
	Role          string     `json:"role"`
	IsOwner       bool       `json:"is_owner"`
	TokenIssuedAt time.Time  `json:"token_issued_at"`
	IssueCount    int        `json:"issue_count"`
	JoinedAt      *time.Time `json:"joined_at,omitempty"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
}
