package booking

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
	"github.com/aura-coaching/backend/internal/sessions/sessiontest"
)

type memStore struct {
	mu            sync.Mutex
	guests        map[string]*models.GuestSession
	questionnaire map[uuid.UUID]*models.QuestionnaireResponse
	connections   map[uuid.UUID]*models.ConnectionRequest
	// linkErr fails the next LinkGuestSession.
	linkErr error
}

func newMemStore() *memStore {
	return &memStore{
		guests:        make(map[string]*models.GuestSession),
		questionnaire: make(map[uuid.UUID]*models.QuestionnaireResponse),
		connections:   make(map[uuid.UUID]*models.ConnectionRequest),
	}
}

func (m *memStore) UpsertGuestSession(ctx context.Context, g *models.GuestSession) (*models.GuestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.guests[g.GuestSessionID]
	if !ok {
		cur = &models.GuestSession{ID: uuid.New(), GuestSessionID: g.GuestSessionID, CreatedAt: time.Now()}
		m.guests[g.GuestSessionID] = cur
	}
	if cur.MigratedUserID == nil {
		cur.Assessment = g.Assessment
	}
	c := *cur
	return &c, nil
}

func (m *memStore) GetGuestSession(ctx context.Context, id string) (*models.GuestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	c := *g
	return &c, nil
}

func (m *memStore) MigrateGuestSession(ctx context.Context, id string, userID uuid.UUID, at time.Time) (*models.GuestSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	if g.MigratedUserID != nil && *g.MigratedUserID != userID {
		return nil, apperr.ErrAlreadyClaimed
	}
	g.MigratedUserID, g.MigratedAt = &userID, &at
	for _, q := range m.questionnaire {
		if q.GuestSessionID == id && q.UserID == nil {
			q.UserID = &userID
		}
	}
	c := *g
	return &c, nil
}

func (m *memStore) LinkGuestSession(ctx context.Context, id string, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.linkErr; err != nil {
		m.linkErr = nil
		return err
	}
	g := m.guests[id]
	if g.SessionID != nil && *g.SessionID != sessionID {
		return apperr.ErrAlreadyClaimed
	}
	g.SessionID = &sessionID
	return nil
}

func (m *memStore) CreateQuestionnaire(ctx context.Context, q *models.QuestionnaireResponse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.ID, q.CreatedAt = uuid.New(), time.Now()
	c := *q
	m.questionnaire[q.ID] = &c
	return nil
}

func (m *memStore) GetQuestionnaire(ctx context.Context, id uuid.UUID) (*models.QuestionnaireResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.questionnaire[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	c := *q
	return &c, nil
}

func (m *memStore) LinkQuestionnaire(ctx context.Context, id, sessionID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.questionnaire[id].SessionID = &sessionID
	return nil
}

func (m *memStore) CreateConnectionRequest(ctx context.Context, r *models.ConnectionRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.ID, r.CreatedAt = uuid.New(), time.Now()
	c := *r
	m.connections[r.ID] = &c
	return nil
}

func (m *memStore) GetConnectionRequest(ctx context.Context, id uuid.UUID) (*models.ConnectionRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.connections[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	c := *r
	return &c, nil
}

func (m *memStore) SetConnectionStatus(ctx context.Context, id uuid.UUID, status string, sessionID *uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.connections[id]
	r.Status = status
	if sessionID != nil {
		r.SessionID = sessionID
	}
	return nil
}

type fakeGate struct{ full bool }

func (g *fakeGate) Check(ctx context.Context) (capacity.Snapshot, error) {
	return capacity.Snapshot{CanAdmit: !g.full, ActiveCount: 1, MaxCount: 1}, nil
}

type fakeUsers map[uuid.UUID]*models.User

func (u fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if x, ok := u[id]; ok {
		return x, nil
	}
	return nil, apperr.ErrNotFound
}

type recordingOutbox struct {
	mu   sync.Mutex
	msgs []*models.OutboxMessage
}

func (o *recordingOutbox) Enqueue(ctx context.Context, m *models.OutboxMessage) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, m)
	return nil
}

type fixture struct {
	bridge   *Bridge
	store    *memStore
	sessions *sessiontest.Store
	gate     *fakeGate
	outbox   *recordingOutbox
	coach    uuid.UUID
	client   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rc.Close() })
	locker := lock.NewRedisLocker(rc, time.Minute, nil)

	f := &fixture{store: newMemStore(), sessions: sessiontest.NewStore(), gate: &fakeGate{}, outbox: &recordingOutbox{},
		coach: uuid.New(), client: uuid.New()}
	machine := sessions.NewMachine(f.sessions, locker, time.Minute, nil)
	users := fakeUsers{
		f.coach:  {ID: f.coach, Role: models.RoleCoach},
		f.client: {ID: f.client, Role: models.RoleClient},
	}
	f.bridge = NewBridge(f.store, f.sessions, machine, f.gate, locker, users, Config{CoinsPerMinute: 2}, nil)
	f.bridge.SetOutbox(f.outbox)
	return f
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestBookFromAssessment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bridge.SaveAssessment(ctx, "guest-1", json.RawMessage(`{"score":7}`), json.RawMessage(`{"q1":"a"}`))
	require.NoError(t, err)

	payload := raw(t, AssessmentPayload{GuestSessionID: "guest-1", CoachID: f.coach, ScheduledAt: time.Now().Add(24 * time.Hour), DurationMinutes: 45})
	res := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment, payload)
	require.True(t, res.Success, res.Message)
	require.NotNil(t, res.SessionID)
	assert.False(t, res.Idempotent)

	s, err := f.sessions.Get(ctx, *res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPendingCoachResponse, s.Status)
	assert.Equal(t, f.client, *s.ClientID)
	assert.Equal(t, 90, s.PriceCoins)
	assert.Equal(t, "guest-1", s.GuestSessionID)

	g, _ := f.store.GetGuestSession(ctx, "guest-1")
	assert.Equal(t, f.client, *g.MigratedUserID)
	assert.Equal(t, *res.SessionID, *g.SessionID)
	for _, q := range f.store.questionnaire {
		assert.Equal(t, f.client, *q.UserID)
	}
	require.Len(t, f.outbox.msgs, 1)

	again := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment, payload)
	require.True(t, again.Success)
	assert.True(t, again.Idempotent)
	assert.Equal(t, *res.SessionID, *again.SessionID)
	list, _ := f.sessions.ListForUser(ctx, f.client)
	assert.Len(t, list, 1)

	other := f.bridge.BookFromRequest(ctx, uuid.New(), ActionBookFromAssessment, payload)
	assert.False(t, other.Success)
	assert.Equal(t, apperr.ReasonConflict, other.Reason)
}

func TestBookFromAssessment_RetryAfterLinkFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bridge.SaveAssessment(ctx, "guest-link", nil, nil)
	require.NoError(t, err)
	f.store.linkErr = errors.New("connection reset")

	payload := raw(t, AssessmentPayload{GuestSessionID: "guest-link", CoachID: f.coach, DurationMinutes: 30})
	first := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment, payload)
	require.False(t, first.Success)
	assert.Equal(t, apperr.ReasonInternal, first.Reason)

	retry := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment, payload)
	require.True(t, retry.Success, retry.Message)
	assert.True(t, retry.Idempotent)

	list, err := f.sessions.ListForUser(ctx, f.client)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, list[0].ID, *retry.SessionID)
	g, _ := f.store.GetGuestSession(ctx, "guest-link")
	require.NotNil(t, g.SessionID)
	assert.Equal(t, list[0].ID, *g.SessionID)
}

func TestBookFromAssessment_Capacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bridge.SaveAssessment(ctx, "guest-2", nil, nil)
	require.NoError(t, err)
	f.gate.full = true

	res := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment,
		raw(t, AssessmentPayload{GuestSessionID: "guest-2", CoachID: f.coach, DurationMinutes: 30}))
	assert.False(t, res.Success)
	assert.Equal(t, apperr.ReasonCapacity, res.Reason)
	g, _ := f.store.GetGuestSession(ctx, "guest-2")
	assert.Nil(t, g.MigratedUserID, "rejected booking leaves the guest session untouched")
}

func TestBookFromAssessment_Invalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []json.RawMessage{
		nil,
		json.RawMessage(`{"guest_session_id":`),
		raw(t, AssessmentPayload{CoachID: f.coach, DurationMinutes: 30}),
		raw(t, AssessmentPayload{GuestSessionID: "g", CoachID: f.coach, DurationMinutes: 5}),
		raw(t, AssessmentPayload{GuestSessionID: "g", CoachID: f.client, DurationMinutes: 30}),
	}
	for _, p := range cases {
		res := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment, p)
		assert.Equal(t, apperr.ReasonInvalidInput, res.Reason, string(p))
	}
	res := f.bridge.BookFromRequest(ctx, f.client, ActionBookFromAssessment,
		raw(t, AssessmentPayload{GuestSessionID: "missing", CoachID: f.coach, DurationMinutes: 30}))
	assert.Equal(t, apperr.ReasonNotFound, res.Reason)

	res = f.bridge.BookFromRequest(ctx, f.client, Action("teleport"), json.RawMessage(`{}`))
	assert.Equal(t, apperr.ReasonInvalidInput, res.Reason)
}

func TestConvertGuestSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bridge.SaveAssessment(ctx, "guest-3", json.RawMessage(`{}`), nil)
	require.NoError(t, err)
	payload := raw(t, ConvertPayload{GuestSessionID: "guest-3"})

	res := f.bridge.BookFromRequest(ctx, f.client, ActionConvertGuestSession, payload)
	require.True(t, res.Success)
	assert.False(t, res.Idempotent)

	res = f.bridge.BookFromRequest(ctx, f.client, ActionConvertGuestSession, payload)
	require.True(t, res.Success)
	assert.True(t, res.Idempotent)

	res = f.bridge.BookFromRequest(ctx, uuid.New(), ActionConvertGuestSession, payload)
	assert.False(t, res.Success)
	assert.Equal(t, apperr.ReasonConflict, res.Reason)
}

func TestLinkQuestionnaire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.sessions.Put(&models.Session{CoachID: f.coach, ClientID: &f.client, Status: models.SessionScheduled})
	q, err := f.bridge.SaveQuestionnaire(ctx, f.client, json.RawMessage(`{"goal":"focus"}`))
	require.NoError(t, err)
	payload := raw(t, QuestionnairePayload{ResponseID: q.ID, SessionID: s.ID})

	res := f.bridge.BookFromRequest(ctx, uuid.New(), ActionLinkQuestionnaire, payload)
	assert.Equal(t, apperr.ReasonForbidden, res.Reason)

	res = f.bridge.BookFromRequest(ctx, f.client, ActionLinkQuestionnaire, payload)
	require.True(t, res.Success)
	assert.Equal(t, s.ID, *res.SessionID)

	res = f.bridge.BookFromRequest(ctx, f.client, ActionLinkQuestionnaire, payload)
	require.True(t, res.Success)
	assert.True(t, res.Idempotent)

	s2 := f.sessions.Put(&models.Session{CoachID: f.coach, ClientID: &f.client, Status: models.SessionScheduled})
	res = f.bridge.BookFromRequest(ctx, f.client, ActionLinkQuestionnaire, raw(t, QuestionnairePayload{ResponseID: q.ID, SessionID: s2.ID}))
	assert.Equal(t, apperr.ReasonConflict, res.Reason)
}

func TestAcceptConnectionRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.bridge.RequestConnection(ctx, f.client, f.coach)
	require.NoError(t, err)
	assert.Equal(t, models.ConnectionPending, r.Status)
	payload := raw(t, ConnectionPayload{RequestID: r.ID})

	res := f.bridge.BookFromRequest(ctx, f.client, ActionAcceptConnectionRequest, payload)
	assert.Equal(t, apperr.ReasonForbidden, res.Reason)

	res = f.bridge.BookFromRequest(ctx, f.coach, ActionAcceptConnectionRequest, payload)
	require.True(t, res.Success, res.Message)
	s, err := f.sessions.Get(ctx, *res.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionScheduled, s.Status)
	assert.Equal(t, 30, s.DurationMinutes)
	transitions, _ := f.sessions.ListTransitions(ctx, s.ID)
	assert.Len(t, transitions, 1)

	again := f.bridge.BookFromRequest(ctx, f.coach, ActionAcceptConnectionRequest, payload)
	require.True(t, again.Success)
	assert.True(t, again.Idempotent)
	assert.Equal(t, *res.SessionID, *again.SessionID)
}

func TestAcceptConnectionRequest_ExpiredAndCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, err := f.bridge.RequestConnection(ctx, f.client, f.coach)
	require.NoError(t, err)
	f.gate.full = true
	res := f.bridge.BookFromRequest(ctx, f.coach, ActionAcceptConnectionRequest, raw(t, ConnectionPayload{RequestID: r.ID}))
	assert.Equal(t, apperr.ReasonCapacity, res.Reason)
	f.gate.full = false

	f.bridge.now = func() time.Time { return time.Now().Add(time.Hour) }
	res = f.bridge.BookFromRequest(ctx, f.coach, ActionAcceptConnectionRequest, raw(t, ConnectionPayload{RequestID: r.ID}))
	assert.Equal(t, apperr.ReasonInvalidInput, res.Reason)
	got, _ := f.store.GetConnectionRequest(ctx, r.ID)
	assert.Equal(t, models.ConnectionExpired, got.Status)
}

func TestRequestConnection_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.bridge.RequestConnection(ctx, f.client, f.client)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.bridge.RequestConnection(ctx, f.coach, f.client)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.bridge.RequestConnection(ctx, f.client, uuid.New())
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
