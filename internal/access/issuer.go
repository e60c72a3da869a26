// Package access issues scoped video credentials and one-time join links.
package access

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/video"
	"github.com/aura-coaching/backend/pkg/utils"
)

// Store persists participants and one-time join tokens.
type Store interface {
	UpsertParticipant(ctx context.Context, p *models.SessionParticipant) (*models.SessionParticipant, error)
	MarkJoined(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error
	MarkLeft(ctx context.Context, sessionID, userID uuid.UUID, at time.Time) error
	ListParticipants(ctx context.Context, sessionID uuid.UUID) ([]models.SessionParticipant, error)
	SetJoinToken(ctx context.Context, sessionID uuid.UUID, token string, expiresAt time.Time) error
	// ConsumeJoinToken marks the token used. Errors: apperr.ErrTokenNotFound,
	// apperr.ErrTokenUsed, apperr.ErrTokenExpired.
	ConsumeJoinToken(ctx context.Context, token string) (*models.Session, error)
}

// SessionReader loads sessions.
type SessionReader interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// UserReader loads users for display names.
type UserReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// TokenMinter mints provider meeting tokens.
type TokenMinter interface {
	MeetingToken(ctx context.Context, p video.MeetingTokenParams) (string, error)
}

// JoinToken is a credential for one participant.
type JoinToken struct {
	JoinURL   string    `json:"join_url"`
	Role      string    `json:"role"`
	IsOwner   bool      `json:"is_owner"`
	ExpiresAt time.Time `json:"expires_at"`
	Provider  string    `json:"provider"`
}

// JoinLink is a one-time link that resolves to a session.
type JoinLink struct {
	URL       string    `json:"url"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config configures the issuer.
type Config struct {
	TokenTTL     time.Duration
	JoinLinkTTL  time.Duration
	PublicAPIURL string
}

// Issuer issues join credentials.
type Issuer struct {
	sessions SessionReader
	users    UserReader
	store    Store
	minter   TokenMinter
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

// NewIssuer creates an issuer. users may be nil, in which case the role is the display name.
func NewIssuer(sessions SessionReader, users UserReader, store Store, minter TokenMinter, cfg Config, logger *zap.Logger) *Issuer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 4 * time.Hour
	}
	if cfg.JoinLinkTTL <= 0 {
		cfg.JoinLinkTTL = 24 * time.Hour
	}
	return &Issuer{sessions: sessions, users: users, store: store, minter: minter, cfg: cfg, logger: logger, now: time.Now}
}

// IssueJoinToken issues a room credential for userID. The coach owns the room and starts
// cloud recording; the client joins as a guest; anyone else is refused.
func (i *Issuer) IssueJoinToken(ctx context.Context, sessionID, userID uuid.UUID) (*JoinToken, error) {
	s, err := i.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var role string
	switch {
	case s.CoachID == userID:
		role = models.ParticipantCoach
	case s.ClientID != nil && *s.ClientID == userID:
		role = models.ParticipantClient
	default:
		return nil, apperr.Wrap(apperr.ErrUnauthorized, nil, "not a participant of this session")
	}
	if !s.HasRoom() {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, nil, "session has no video room yet")
	}
	isOwner := role == models.ParticipantCoach
	log := i.logger.With(zap.String("session_id", sessionID.String()), zap.String("user_id", userID.String()))

	name := i.displayName(ctx, userID, role)
	now := i.now()
	tok := &JoinToken{Role: role, IsOwner: isOwner, ExpiresAt: now.Add(i.cfg.TokenTTL), Provider: s.VideoProvider}

	switch s.VideoProvider {
	case models.VideoProviderDaily:
		if i.minter == nil {
			return nil, apperr.ErrVideoProviderUnavailable
		}
		t, err := i.minter.MeetingToken(ctx, video.MeetingTokenParams{
			RoomName:            s.VideoRoomName,
			UserName:            name,
			IsOwner:             isOwner,
			StartCloudRecording: isOwner,
			ExpiresAt:           tok.ExpiresAt,
		})
		if err != nil {
			log.Warn("meeting token failed", zap.Error(err))
			return nil, apperr.Wrap(apperr.ErrVideoProviderUnavailable, err, "")
		}
		tok.JoinURL = withQuery(s.VideoRoomURL, "t", t)
	default:
		log.Warn("issuing unauthenticated fallback join url (degraded)", zap.String("provider", s.VideoProvider))
		tok.JoinURL = withQuery(s.VideoRoomURL, "name", name)
	}

	if _, err := i.store.UpsertParticipant(ctx, &models.SessionParticipant{
		SessionID:     sessionID,
		UserID:        userID,
		Role:          role,
		IsOwner:       isOwner,
		TokenIssuedAt: now,
	}); err != nil {
		log.Warn("record participant failed", zap.Error(err))
	}
	log.Info("join token issued", zap.String("role", role))
	return tok, nil
}

func (i *Issuer) displayName(ctx context.Context, userID uuid.UUID, role string) string {
	if i.users == nil {
		return role
	}
	u, err := i.users.GetByID(ctx, userID)
	if err != nil || u.FullName == "" {
		return role
	}
	return u.FullName
}

func withQuery(raw, key, value string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw + "?" + key + "=" + url.QueryEscape(value)
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// CreateJoinLink stores a fresh one-time token on the session, replacing any previous one.
func (i *Issuer) CreateJoinLink(ctx context.Context, sessionID uuid.UUID, ttl time.Duration) (*JoinLink, error) {
	if ttl <= 0 {
		ttl = i.cfg.JoinLinkTTL
	}
	s, err := i.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if s.Status.Terminal() {
		return nil, apperr.Wrap(apperr.ErrInvalidTransition, nil, "session is closed")
	}
	token, err := utils.GenerateToken(32)
	if err != nil {
		return nil, err
	}
	expiresAt := i.now().Add(ttl)
	if err := i.store.SetJoinToken(ctx, sessionID, token, expiresAt); err != nil {
		return nil, err
	}
	return &JoinLink{
		URL:       i.cfg.PublicAPIURL + "/api/v1/join?token=" + token,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// ResolveJoinToken consumes a one-time token and returns only public session fields.
func (i *Issuer) ResolveJoinToken(ctx context.Context, token string) (*models.SessionPublic, error) {
	if token == "" {
		return nil, apperr.ErrTokenNotFound
	}
	s, err := i.store.ConsumeJoinToken(ctx, token)
	if err != nil {
		return nil, err
	}
	pub := s.ToPublic()
	return &pub, nil
}

// ParticipantJoined records that userID connected to the session.
func (i *Issuer) ParticipantJoined(ctx context.Context, sessionID, userID uuid.UUID) {
	if err := i.store.MarkJoined(ctx, sessionID, userID, i.now()); err != nil {
		i.logger.Warn("mark participant joined failed", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
}

// ParticipantLeft records that userID disconnected.
func (i *Issuer) ParticipantLeft(ctx context.Context, sessionID, userID uuid.UUID) {
	if err := i.store.MarkLeft(ctx, sessionID, userID, i.now()); err != nil {
		i.logger.Warn("mark participant left failed", zap.Error(err), zap.String("session_id", sessionID.String()))
	}
}

// errorReason maps a join failure to the redirect reason shown by the web app.
func errorReason(err error) string {
	switch {
	case errors.Is(err, apperr.ErrTokenUsed):
		return "token-used"
	case errors.Is(err, apperr.ErrTokenExpired):
		return "token-expired"
	case errors.Is(err, apperr.ErrTokenNotFound), errors.Is(err, apperr.ErrNotFound):
		return "session-not-found"
	case errors.Is(err, apperr.ErrVideoProviderUnavailable):
		return "video-provider-down"
	default:
		return "database-error"
	}
}
