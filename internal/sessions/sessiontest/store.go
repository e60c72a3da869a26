// Package sessiontest provides an in-memory sessions.Store for tests.
package sessiontest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
)

// Store is an in-memory sessions.Store. It also implements capacity.Store, counting
// active sessions from its own rows.
type Store struct {
	mu           sync.Mutex
	sessions     map[uuid.UUID]*models.Session
	transitions  []models.StateTransition
	capacity     models.SystemCapacity
	participants map[string]*models.SessionParticipant

	// Now is the clock used for leases. Defaults to time.Now.
	Now func() time.Time
	// ApplyErr, when set, fails every ApplyTransition and SetRoom call.
	ApplyErr error
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		sessions:     make(map[uuid.UUID]*models.Session),
		participants: make(map[string]*models.SessionParticipant),
		Now:          time.Now,
	}
}

var _ sessions.Store = (*Store)(nil)

// Put inserts or replaces a session as is.
func (s *Store) Put(sess *models.Session) *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	c := *sess
	s.sessions[sess.ID] = &c
	return sess
}

// Create implements sessions.Store.
func (s *Store) Create(ctx context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess.ID = uuid.New()
	sess.CreatedAt = s.Now()
	sess.UpdatedAt = sess.CreatedAt
	c := *sess
	s.sessions[sess.ID] = &c
	return nil
}

// Get implements sessions.Store.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	c := *sess
	return &c, nil
}

// GetByGuestSession returns the session booked from a guest session.
func (s *Store) GetByGuestSession(ctx context.Context, guestSessionID string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if guestSessionID != "" && sess.GuestSessionID == guestSessionID {
			c := *sess
			return &c, nil
		}
	}
	return nil, apperr.ErrNotFound
}

// ListForUser implements sessions.Store.
func (s *Store) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Session
	for _, sess := range s.sessions {
		if sess.IsParty(userID) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.After(out[j].ScheduledAt) })
	return out, nil
}

// ClaimLease implements sessions.Store.
func (s *Store) ClaimLease(ctx context.Context, id uuid.UUID, holder, reason string, ttl time.Duration) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	now := s.Now()
	free := sess.LockHolder == "" || sess.LockHolder == holder ||
		(sess.LockAcquiredAt != nil && sess.LockAcquiredAt.Before(now.Add(-ttl)))
	if !free {
		return nil, apperr.Wrap(apperr.ErrLockUnavailable, nil, "session is being updated by another request")
	}
	sess.LockHolder = holder
	sess.LockAcquiredAt = &now
	sess.LockReason = reason
	c := *sess
	return &c, nil
}

// ReleaseLease implements sessions.Store.
func (s *Store) ReleaseLease(ctx context.Context, id uuid.UUID, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sess, ok := s.sessions[id]; ok && sess.LockHolder == holder {
		sess.LockHolder, sess.LockAcquiredAt, sess.LockReason = "", nil, ""
	}
	return nil
}

// ClearExpiredLeases implements sessions.Store.
func (s *Store) ClearExpiredLeases(ctx context.Context, ttl time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.Now().Add(-ttl)
	n := 0
	for _, sess := range s.sessions {
		if sess.LockHolder != "" && sess.LockAcquiredAt != nil && sess.LockAcquiredAt.Before(cutoff) {
			sess.LockHolder, sess.LockAcquiredAt, sess.LockReason = "", nil, ""
			n++
		}
	}
	return n, nil
}

// ApplyTransition implements sessions.Store.
func (s *Store) ApplyTransition(ctx context.Context, p sessions.ApplyParams) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ApplyErr != nil {
		return nil, s.ApplyErr
	}
	sess, ok := s.sessions[p.SessionID]
	if !ok || sess.Status != p.From || sess.LockHolder != p.Holder {
		return nil, apperr.Wrap(apperr.ErrLockUnavailable, nil, "session changed while transitioning")
	}
	sess.Status = p.To
	sess.StateReason = p.Reason
	sess.StateMetadata = p.Metadata
	if p.Room != nil && sess.VideoRoomURL == "" {
		sess.VideoRoomName, sess.VideoRoomURL, sess.VideoProvider = p.Room.Name, p.Room.URL, p.Room.Provider
	}
	sess.UpdatedAt = s.Now()
	s.transitions = append(s.transitions, models.StateTransition{
		ID:         uuid.New(),
		SessionID:  p.SessionID,
		FromStatus: p.From,
		ToStatus:   p.To,
		LockHolder: p.Holder,
		Reason:     p.Reason,
		Metadata:   p.Metadata,
		CreatedAt:  sess.UpdatedAt,
	})
	c := *sess
	return &c, nil
}

// SetRoom implements sessions.Store.
func (s *Store) SetRoom(ctx context.Context, id uuid.UUID, room models.VideoRoom) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ApplyErr != nil {
		return nil, s.ApplyErr
	}
	sess, ok := s.sessions[id]
	if !ok || sess.VideoRoomURL != "" || !sess.Status.Active() {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, nil, "session already has a room or is not active")
	}
	sess.VideoRoomName, sess.VideoRoomURL, sess.VideoProvider = room.Name, room.URL, room.Provider
	c := *sess
	return &c, nil
}

// ListTransitions implements sessions.Store.
func (s *Store) ListTransitions(ctx context.Context, id uuid.UUID) ([]models.StateTransition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StateTransition
	for _, t := range s.transitions {
		if t.SessionID == id {
			out = append(out, t)
		}
	}
	return out, nil
}

// SetJoinToken attaches a one-time join token to a session.
func (s *Store) SetJoinToken(ctx context.Context, id uuid.UUID, token string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return apperr.ErrNotFound
	}
	sess.JoinToken, sess.JoinTokenExpiresAt, sess.JoinTokenUsedAt = token, &expiresAt, nil
	return nil
}

// ConsumeJoinToken marks a join token used, distinguishing missing, used and expired tokens.
func (s *Store) ConsumeJoinToken(ctx context.Context, token string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.JoinToken != token || token == "" {
			continue
		}
		now := s.Now()
		if sess.JoinTokenUsedAt != nil {
			return nil, apperr.ErrTokenUsed
		}
		if sess.JoinTokenExpiresAt == nil || !now.Before(*sess.JoinTokenExpiresAt) {
			return nil, apperr.ErrTokenExpired
		}
		sess.JoinTokenUsedAt = &now
		c := *sess
		return &c, nil
	}
	return nil, apperr.ErrTokenNotFound
}

// UpsertParticipant records a credential issuance, bumping issue_count on repeats.
func (s *Store) UpsertParticipant(ctx context.Context, p *models.SessionParticipant) (*models.SessionParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := p.SessionID.String() + "/" + p.UserID.String()
	cur, ok := s.participants[key]
	if !ok {
		c := *p
		c.IssueCount = 1
		s.participants[key] = &c
		out := c
		return &out, nil
	}
	cur.Role, cur.IsOwner, cur.TokenIssuedAt = p.Role, p.IsOwner, p.TokenIssuedAt
	cur.IssueCount++
	out := *cur
	return &out, nil
}

// MarkJoined records presence.
func (s *Store) MarkJoined(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[sessionID.String()+"/"+userID.String()]; ok {
		p.JoinedAt, p.LeftAt = &at, nil
	}
	return nil
}

// MarkLeft records departure.
func (s *Store) MarkLeft(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[sessionID.String()+"/"+userID.String()]; ok {
		p.LeftAt = &at
	}
	return nil
}

// ListParticipants returns the participants of a session.
func (s *Store) ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.SessionParticipant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SessionParticipant
	for _, p := range s.participants {
		if p.SessionID == sessionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Role < out[j].Role })
	return out, nil
}

func (s *Store) capacityRow() *models.SystemCapacity {
	c := s.capacity
	return &c
}

// Capacity is a capacity.Store view of the same data.
type Capacity struct{ s *Store }

// Capacity returns the capacity.Store view.
func (s *Store) Capacity() *Capacity { return &Capacity{s: s} }

// Get implements capacity.Store.
func (c *Capacity) Get(ctx context.Context) (*models.SystemCapacity, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.s.capacityRow(), nil
}

// Recompute implements capacity.Store.
func (c *Capacity) Recompute(ctx context.Context, dbUsed int) (*models.SystemCapacity, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	n := 0
	for _, sess := range c.s.sessions {
		if sess.Status.Active() {
			n++
		}
	}
	c.s.capacity.ActiveSessionsCount = n
	if dbUsed >= 0 {
		c.s.capacity.DBConnectionsUsed = dbUsed
	}
	c.s.capacity.UpdatedAt = c.s.Now()
	return c.s.capacityRow(), nil
}

// SetLimits implements capacity.Store.
func (c *Capacity) SetLimits(ctx context.Context, maxSessions, maxDB int) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.capacity.MaxSessionsLimit = maxSessions
	c.s.capacity.MaxDBConnections = maxDB
	return nil
}
