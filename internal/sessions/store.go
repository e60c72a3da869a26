package sessions

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/aura-coaching/backend/internal/models"
)

// ApplyParams is one guarded state write. The write only lands if the session is still
// in From and the row lease is still owned by Holder.
type ApplyParams struct {
	SessionID uuid.UUID
	From      models.SessionStatus
	To        models.SessionStatus
	Holder    string
	Reason    string
	Metadata  json.RawMessage
	// Room, when set, is written in the same transaction without overwriting an existing room.
	Room *models.VideoRoom
}

// Store persists sessions and their transition audit trail.
type Store interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error)

	// ClaimLease takes the row lease if free, already ours, or older than ttl.
	// Returns apperr.ErrLockUnavailable when another live holder owns it.
	ClaimLease(ctx context.Context, id uuid.UUID, holder, reason string, ttl time.Duration) (*models.Session, error)
	ReleaseLease(ctx context.Context, id uuid.UUID, holder string) error
	ClearExpiredLeases(ctx context.Context, ttl time.Duration) (int, error)

	ApplyTransition(ctx context.Context, p ApplyParams) (*models.Session, error)
	// SetRoom writes the room of an active session that has none.
	SetRoom(ctx context.Context, id uuid.UUID, room models.VideoRoom) (*models.Session, error)
	ListTransitions(ctx context.Context, id uuid.UUID) ([]models.StateTransition, error)
}
