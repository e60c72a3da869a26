package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a coaching session.
type SessionStatus string

const (
	SessionPendingCoachResponse SessionStatus = "pending_coach_response"
	SessionScheduled            SessionStatus = "scheduled"
	SessionReady                SessionStatus = "ready"
	SessionInProgress           SessionStatus = "in_progress"
	SessionCompleted            SessionStatus = "completed"
	SessionCancelled            SessionStatus = "cancelled"
	SessionDeclined             SessionStatus = "declined"
	SessionNoShow               SessionStatus = "no_show"
)

// Terminal reports whether no further transitions leave this state.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionCancelled, SessionDeclined, SessionNoShow:
		return true
	}
	return false
}

// Active reports whether a session in this state counts against system capacity.
func (s SessionStatus) Active() bool {
	return s == SessionReady || s == SessionInProgress
}

// Valid reports whether s is a known state.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionPendingCoachResponse, SessionScheduled, SessionReady, SessionInProgress,
		SessionCompleted, SessionCancelled, SessionDeclined, SessionNoShow:
		return true
	}
	return false
}

// ActiveStatuses lists the states counted by capacity recomputation.
var ActiveStatuses = []SessionStatus{SessionReady, SessionInProgress}

// Video provider names.
const (
	VideoProviderDaily    = "daily"
	VideoProviderVideoSDK = "videosdk"
)

// VideoRoom is the video linkage of a session. Immutable once set.
type VideoRoom struct {
	Name     string `json:"room_name"`
	URL      string `json:"room_url"`
	Provider string `json:"provider"`
}

// Session is a 1:1 coaching session between a coach and a client.
type Session struct {
	ID              uuid.UUID     `json:"id"`
	CoachID         uuid.UUID     `json:"coach_id"`
	ClientID        *uuid.UUID    `json:"client_id,omitempty"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	PriceCoins      int           `json:"price_coins"`
	Status          SessionStatus `json:"status"`

	LockHolder     string     `json:"-"`
	LockAcquiredAt *time.Time `json:"-"`
	LockReason     string     `json:"-"`

	StateReason   string          `json:"state_reason,omitempty"`
	StateMetadata json.RawMessage `json:"state_metadata,omitempty"`

	JoinToken          string     `json:"-"`
	JoinTokenExpiresAt *time.Time `json:"-"`
	JoinTokenUsedAt    *time.Time `json:"-"`

	VideoRoomName string `json:"video_room_name,omitempty"`
	VideoRoomURL  string `json:"video_room_url,omitempty"`
	VideoProvider string `json:"video_provider,omitempty"`

	GuestSessionID string    `json:"guest_session_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// HasRoom reports whether a video room has been provisioned.
func (s *Session) HasRoom() bool { return s.VideoRoomURL != "" }

// Room returns the session's video room, or nil if none.
func (s *Session) Room() *VideoRoom {
	if !s.HasRoom() {
		return nil
	}
	return &VideoRoom{Name: s.VideoRoomName, URL: s.VideoRoomURL, Provider: s.VideoProvider}
}

// IsParty reports whether userID is the coach or the client.
func (s *Session) IsParty(userID uuid.UUID) bool {
	return s.CoachID == userID || (s.ClientID != nil && *s.ClientID == userID)
}

// SessionPublic is the subset of a session safe to return to an unauthenticated join link.
type SessionPublic struct {
	ID              uuid.UUID     `json:"id"`
	ScheduledAt     time.Time     `json:"scheduled_at"`
	DurationMinutes int           `json:"duration_minutes"`
	Status          SessionStatus `json:"status"`
}

// ToPublic strips parties, tokens and lock metadata.
func (s *Session) ToPublic() SessionPublic {
	return SessionPublic{ID: s.ID, ScheduledAt: s.ScheduledAt, DurationMinutes: s.DurationMinutes, Status: s.Status}
}

// StateTransition is one audit row for an accepted transition.
type StateTransition struct {
	ID         uuid.UUID       `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	FromStatus SessionStatus   `json:"from_status"`
	ToStatus   SessionStatus   `json:"to_status"`
	LockHolder string          `json:"lock_holder"`
	Reason     string          `json:"reason,omitempty"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
