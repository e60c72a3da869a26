// Package booking promotes guest and pre-auth interactions (assessments, questionnaires,
// instant-connect requests) into durable sessions.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
)

// Action selects what BookFromRequest does with its payload.
type Action string

const (
	ActionBookFromAssessment      Action = "book_from_assessment"
	ActionConvertGuestSession     Action = "convert_guest_session"
	ActionLinkQuestionnaire       Action = "link_questionnaire"
	ActionAcceptConnectionRequest Action = "accept_connection_request"
)

// Result is the outcome of BookFromRequest. Reason is set when Success is false.
type Result struct {
	Success    bool          `json:"success"`
	SessionID  *uuid.UUID    `json:"session_id,omitempty"`
	Idempotent bool          `json:"idempotent,omitempty"`
	Reason     apperr.Reason `json:"reason,omitempty"`
	Message    string        `json:"message,omitempty"`
}

// AssessmentPayload is the payload of book_from_assessment.
type AssessmentPayload struct {
	GuestSessionID  string    `json:"guest_session_id"`
	CoachID         uuid.UUID `json:"coach_id"`
	ScheduledAt     time.Time `json:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes"`
}

// ConvertPayload is the payload of convert_guest_session.
type ConvertPayload struct {
	GuestSessionID string `json:"guest_session_id"`
}

// QuestionnairePayload is the payload of link_questionnaire.
type QuestionnairePayload struct {
	ResponseID uuid.UUID `json:"response_id"`
	SessionID  uuid.UUID `json:"session_id"`
}

// ConnectionPayload is the payload of accept_connection_request.
type ConnectionPayload struct {
	RequestID uuid.UUID `json:"request_id"`
}

// Store persists the ephemeral pre-session records.
type Store interface {
	UpsertGuestSession(ctx context.Context, g *models.GuestSession) (*models.GuestSession, error)
	GetGuestSession(ctx context.Context, guestSessionID string) (*models.GuestSession, error)
	// MigrateGuestSession assigns the guest session and its questionnaire responses to
	// userID. It returns apperr.ErrAlreadyClaimed when another user owns it.
	MigrateGuestSession(ctx context.Context, guestSessionID string, userID uuid.UUID, at time.Time) (*models.GuestSession, error)
	LinkGuestSession(ctx context.Context, guestSessionID string, sessionID uuid.UUID) error

	CreateQuestionnaire(ctx context.Context, q *models.QuestionnaireResponse) error
	GetQuestionnaire(ctx context.Context, id uuid.UUID) (*models.QuestionnaireResponse, error)
	LinkQuestionnaire(ctx context.Context, id, sessionID uuid.UUID) error

	CreateConnectionRequest(ctx context.Context, r *models.ConnectionRequest) error
	GetConnectionRequest(ctx context.Context, id uuid.UUID) (*models.ConnectionRequest, error)
	SetConnectionStatus(ctx context.Context, id uuid.UUID, status string, sessionID *uuid.UUID) error
}

// Sessions creates sessions and applies transitions.
type Sessions interface {
	Create(ctx context.Context, s *models.Session) error
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
	// GetByGuestSession returns the session booked from a guest session, or
	// apperr.ErrNotFound.
	GetByGuestSession(ctx context.Context, guestSessionID string) (*models.Session, error)
}

// Transitioner is the session state machine.
type Transitioner interface {
	Transition(ctx context.Context, req sessions.Request) (*models.Session, error)
}

// CapacityChecker is the read side of the capacity gate.
type CapacityChecker interface {
	Check(ctx context.Context) (capacity.Snapshot, error)
}

// Outbox queues confirmation emails.
type Outbox interface {
	Enqueue(ctx context.Context, msg *models.OutboxMessage) error
}

// UserReader resolves users.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// Config tunes the bridge.
type Config struct {
	CoinsPerMinute         int
	InstantDurationMinutes int
	ConnectRequestTTL      time.Duration
}

// Bridge implements BookFromRequest.
type Bridge struct {
	store    Store
	sessions Sessions
	machine  Transitioner
	gate     CapacityChecker
	locker   lock.Locker
	users    UserReader
	outbox   Outbox
	cfg      Config
	now      func() time.Time
	logger   *zap.Logger
}

// NewBridge creates a booking bridge.
func NewBridge(store Store, sess Sessions, machine Transitioner, gate CapacityChecker, locker lock.Locker, users UserReader, cfg Config, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InstantDurationMinutes <= 0 {
		cfg.InstantDurationMinutes = 30
	}
	if cfg.ConnectRequestTTL <= 0 {
		cfg.ConnectRequestTTL = 10 * time.Minute
	}
	return &Bridge{store: store, sessions: sess, machine: machine, gate: gate, locker: locker, users: users, cfg: cfg, now: time.Now, logger: logger}
}

// SetOutbox sets the optional outbox for confirmation emails.
func (b *Bridge) SetOutbox(o Outbox) { b.outbox = o }

// BookFromRequest runs action for userID. Failures come back as a Result with a reason code.
func (b *Bridge) BookFromRequest(ctx context.Context, userID uuid.UUID, action Action, payload json.RawMessage) Result {
	log := b.logger.With(zap.String("action", string(action)), zap.String("user_id", userID.String()))
	var (
		id         uuid.UUID
		idempotent bool
		err        error
	)
	switch action {
	case ActionBookFromAssessment:
		var p AssessmentPayload
		if err = decode(payload, &p); err == nil {
			id, idempotent, err = b.bookFromAssessment(ctx, userID, p)
		}
	case ActionConvertGuestSession:
		var p ConvertPayload
		if err = decode(payload, &p); err == nil {
			idempotent, err = b.convertGuestSession(ctx, userID, p)
		}
	case ActionLinkQuestionnaire:
		var p QuestionnairePayload
		if err = decode(payload, &p); err == nil {
			idempotent, err = b.linkQuestionnaire(ctx, userID, p)
			id = p.SessionID
		}
	case ActionAcceptConnectionRequest:
		var p ConnectionPayload
		if err = decode(payload, &p); err == nil {
			id, idempotent, err = b.acceptConnectionRequest(ctx, userID, p)
		}
	default:
		err = apperr.Invalid("unknown action %q", action)
	}
	if err != nil {
		reason := apperr.ReasonOf(err)
		if reason == apperr.ReasonInternal {
			log.Error("booking failed", zap.Error(err))
		} else {
			log.Info("booking rejected", zap.String("reason", string(reason)), zap.Error(err))
		}
		return Result{Reason: reason, Message: apperr.MessageOf(err)}
	}
	res := Result{Success: true, Idempotent: idempotent}
	if id != uuid.Nil {
		res.SessionID = &id
	}
	return res
}

func decode(payload json.RawMessage, v interface{}) error {
	if len(payload) == 0 {
		return apperr.Invalid("payload required")
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Invalid("invalid payload: %v", err)
	}
	return nil
}

func guestLockKey(guestSessionID string) string { return "guest_session:" + guestSessionID }

func connectionLockKey(id uuid.UUID) string { return "connection_request:" + id.String() }

func (b *Bridge) admit(ctx context.Context) error {
	if b.gate == nil {
		return nil
	}
	snap, err := b.gate.Check(ctx)
	if err != nil {
		return fmt.Errorf("capacity check: %w", err)
	}
	if !snap.CanAdmit {
		return apperr.ErrCapacityExceeded
	}
	return nil
}

func (b *Bridge) bookFromAssessment(ctx context.Context, userID uuid.UUID, p AssessmentPayload) (uuid.UUID, bool, error) {
	if p.GuestSessionID == "" || p.CoachID == uuid.Nil {
		return uuid.Nil, false, apperr.Invalid("guest_session_id and coach_id required")
	}
	if p.DurationMinutes < 15 || p.DurationMinutes > 240 {
		return uuid.Nil, false, apperr.Invalid("duration_minutes must be between 15 and 240")
	}
	if p.CoachID == userID {
		return uuid.Nil, false, apperr.Invalid("cannot book a session with yourself")
	}
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = b.now()
	}

	var sessionID uuid.UUID
	var idempotent bool
	err := lock.WithLock(ctx, b.locker, guestLockKey(p.GuestSessionID), lock.NewHolder("booking"), func(ctx context.Context) error {
		g, err := b.store.GetGuestSession(ctx, p.GuestSessionID)
		if err != nil {
			return err
		}
		if g.MigratedUserID != nil && *g.MigratedUserID != userID {
			return apperr.ErrAlreadyClaimed
		}
		if g.SessionID != nil {
			sessionID, idempotent = *g.SessionID, true
			return nil
		}
		// An earlier attempt may have created the session and failed before linking it.
		existing, err := b.sessions.GetByGuestSession(ctx, p.GuestSessionID)
		switch {
		case err == nil:
			if err := b.store.LinkGuestSession(ctx, p.GuestSessionID, existing.ID); err != nil {
				return fmt.Errorf("link guest session: %w", err)
			}
			sessionID, idempotent = existing.ID, true
			return nil
		case !errors.Is(err, apperr.ErrNotFound):
			return fmt.Errorf("find guest booking: %w", err)
		}
		if err := b.admit(ctx); err != nil {
			return err
		}
		if _, err := b.store.MigrateGuestSession(ctx, p.GuestSessionID, userID, b.now()); err != nil {
			return err
		}
		s := &models.Session{
			CoachID:         p.CoachID,
			ClientID:        &userID,
			ScheduledAt:     p.ScheduledAt.UTC(),
			DurationMinutes: p.DurationMinutes,
			PriceCoins:      sessions.PriceCoins(p.DurationMinutes, b.cfg.CoinsPerMinute),
			Status:          models.SessionPendingCoachResponse,
			GuestSessionID:  p.GuestSessionID,
		}
		if err := b.sessions.Create(ctx, s); err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		if err := b.store.LinkGuestSession(ctx, p.GuestSessionID, s.ID); err != nil {
			return fmt.Errorf("link guest session: %w", err)
		}
		sessionID = s.ID
		b.notify(ctx, s.ID, s.CoachID, models.EmailTypeBookingRequested)
		return nil
	})
	return sessionID, idempotent, err
}

func (b *Bridge) convertGuestSession(ctx context.Context, userID uuid.UUID, p ConvertPayload) (bool, error) {
	if p.GuestSessionID == "" {
		return false, apperr.Invalid("guest_session_id required")
	}
	var idempotent bool
	err := lock.WithLock(ctx, b.locker, guestLockKey(p.GuestSessionID), lock.NewHolder("convert"), func(ctx context.Context) error {
		g, err := b.store.GetGuestSession(ctx, p.GuestSessionID)
		if err != nil {
			return err
		}
		if g.MigratedUserID != nil {
			if *g.MigratedUserID != userID {
				return apperr.ErrAlreadyClaimed
			}
			idempotent = true
			return nil
		}
		_, err = b.store.MigrateGuestSession(ctx, p.GuestSessionID, userID, b.now())
		return err
	})
	return idempotent, err
}

func (b *Bridge) linkQuestionnaire(ctx context.Context, userID uuid.UUID, p QuestionnairePayload) (bool, error) {
	if p.ResponseID == uuid.Nil || p.SessionID == uuid.Nil {
		return false, apperr.Invalid("response_id and session_id required")
	}
	s, err := b.sessions.Get(ctx, p.SessionID)
	if err != nil {
		return false, err
	}
	if !s.IsParty(userID) {
		return false, apperr.ErrForbidden
	}
	q, err := b.store.GetQuestionnaire(ctx, p.ResponseID)
	if err != nil {
		return false, err
	}
	if q.UserID != nil && *q.UserID != userID {
		return false, apperr.ErrAlreadyClaimed
	}
	if q.SessionID != nil {
		if *q.SessionID == p.SessionID {
			return true, nil
		}
		return false, apperr.Wrap(apperr.ErrAlreadyClaimed, nil, "questionnaire already linked to another session")
	}
	if err := b.store.LinkQuestionnaire(ctx, p.ResponseID, p.SessionID); err != nil {
		return false, err
	}
	return false, nil
}

func (b *Bridge) acceptConnectionRequest(ctx context.Context, coachID uuid.UUID, p ConnectionPayload) (uuid.UUID, bool, error) {
	if p.RequestID == uuid.Nil {
		return uuid.Nil, false, apperr.Invalid("request_id required")
	}
	var sessionID uuid.UUID
	var idempotent bool
	err := lock.WithLock(ctx, b.locker, connectionLockKey(p.RequestID), lock.NewHolder("connect"), func(ctx context.Context) error {
		r, err := b.store.GetConnectionRequest(ctx, p.RequestID)
		if err != nil {
			return err
		}
		if r.CoachID != coachID {
			return apperr.Wrap(apperr.ErrForbidden, nil, "only the requested coach can accept")
		}
		switch r.Status {
		case models.ConnectionAccepted:
			if r.SessionID != nil {
				sessionID, idempotent = *r.SessionID, true
				return nil
			}
		case models.ConnectionPending:
		default:
			return apperr.Invalid("connection request is %s", r.Status)
		}
		now := b.now()
		if now.After(r.ExpiresAt) {
			if err := b.store.SetConnectionStatus(ctx, r.ID, models.ConnectionExpired, nil); err != nil {
				b.logger.Warn("expire connection request failed", zap.Error(err), zap.String("request_id", r.ID.String()))
			}
			return apperr.Invalid("connection request expired")
		}
		if err := b.admit(ctx); err != nil {
			return err
		}

		// Resume a half-done acceptance instead of creating a second session.
		if r.SessionID == nil {
			clientID := r.ClientID
			s := &models.Session{
				CoachID:         r.CoachID,
				ClientID:        &clientID,
				ScheduledAt:     now.UTC(),
				DurationMinutes: b.cfg.InstantDurationMinutes,
				PriceCoins:      sessions.PriceCoins(b.cfg.InstantDurationMinutes, b.cfg.CoinsPerMinute),
				Status:          models.SessionPendingCoachResponse,
			}
			if err := b.sessions.Create(ctx, s); err != nil {
				return fmt.Errorf("create session: %w", err)
			}
			if err := b.store.SetConnectionStatus(ctx, r.ID, models.ConnectionPending, &s.ID); err != nil {
				return fmt.Errorf("attach session: %w", err)
			}
			r.SessionID = &s.ID
		}
		if _, err := b.machine.Transition(ctx, sessions.Request{
			SessionID: *r.SessionID,
			To:        models.SessionScheduled,
			Reason:    "instant connect accepted",
		}); err != nil && !errors.Is(err, apperr.ErrInvalidTransition) {
			return err
		}
		if err := b.store.SetConnectionStatus(ctx, r.ID, models.ConnectionAccepted, r.SessionID); err != nil {
			return fmt.Errorf("accept connection request: %w", err)
		}
		sessionID = *r.SessionID
		b.notify(ctx, sessionID, r.ClientID, models.EmailTypeBookingConfirmed)
		return nil
	})
	return sessionID, idempotent, err
}

// RequestConnection opens an instant-connect request from a client to a coach.
func (b *Bridge) RequestConnection(ctx context.Context, clientID, coachID uuid.UUID) (*models.ConnectionRequest, error) {
	if clientID == coachID {
		return nil, apperr.Invalid("cannot connect with yourself")
	}
	if b.users != nil {
		coach, err := b.users.GetByID(ctx, coachID)
		if err != nil {
			return nil, err
		}
		if coach.Role != models.RoleCoach {
			return nil, apperr.Invalid("user is not a coach")
		}
	}
	now := b.now()
	r := &models.ConnectionRequest{
		ClientID:  clientID,
		CoachID:   coachID,
		Status:    models.ConnectionPending,
		ExpiresAt: now.Add(b.cfg.ConnectRequestTTL),
	}
	if err := b.store.CreateConnectionRequest(ctx, r); err != nil {
		return nil, fmt.Errorf("create connection request: %w", err)
	}
	b.logger.Info("connection requested", zap.String("request_id", r.ID.String()), zap.String("coach_id", coachID.String()))
	return r, nil
}

// SaveAssessment records a guest's assessment, and optionally questionnaire answers, before sign-up.
func (b *Bridge) SaveAssessment(ctx context.Context, guestSessionID string, assessment, answers json.RawMessage) (*models.GuestSession, error) {
	if guestSessionID == "" {
		return nil, apperr.Invalid("guest_session_id required")
	}
	g, err := b.store.UpsertGuestSession(ctx, &models.GuestSession{GuestSessionID: guestSessionID, Assessment: assessment})
	if err != nil {
		return nil, err
	}
	if len(answers) > 0 {
		if err := b.store.CreateQuestionnaire(ctx, &models.QuestionnaireResponse{GuestSessionID: guestSessionID, Answers: answers}); err != nil {
			return nil, fmt.Errorf("save questionnaire: %w", err)
		}
	}
	return g, nil
}

// SaveQuestionnaire records answers from an authenticated user.
func (b *Bridge) SaveQuestionnaire(ctx context.Context, userID uuid.UUID, answers json.RawMessage) (*models.QuestionnaireResponse, error) {
	if len(answers) == 0 {
		return nil, apperr.Invalid("answers required")
	}
	q := &models.QuestionnaireResponse{UserID: &userID, Answers: answers}
	if err := b.store.CreateQuestionnaire(ctx, q); err != nil {
		return nil, fmt.Errorf("save questionnaire: %w", err)
	}
	return q, nil
}

func (b *Bridge) notify(ctx context.Context, sessionID, to uuid.UUID, emailType string) {
	if b.outbox == nil {
		return
	}
	if err := b.outbox.Enqueue(context.WithoutCancel(ctx), models.NewEmailMessage(sessionID, to, emailType)); err != nil {
		b.logger.Warn("enqueue confirmation failed", zap.Error(err), zap.String("session_id", sessionID.String()), zap.String("email_type", emailType))
	}
}
