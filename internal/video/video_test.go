package video_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-coaching/backend/config"
	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/capacity"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
	"github.com/aura-coaching/backend/internal/sessions/sessiontest"
	"github.com/aura-coaching/backend/internal/video"
)

// fakeDaily is a minimal Daily REST API.
type fakeDaily struct {
	mu       sync.Mutex
	rooms    map[string]string
	posts    int
	fail     bool
	lastBody map[string]interface{}
	// delay is applied to room creation before the request is handled.
	delay time.Duration
}

func (f *fakeDaily) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func (f *fakeDaily) postCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts
}

func (f *fakeDaily) lastRequest() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBody
}

func (f *fakeDaily) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost && f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if r.Header.Get("Authorization") != "Bearer test-key" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/rooms":
		f.posts++
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.lastBody = body
		name := body["name"].(string)
		if _, ok := f.rooms[name]; ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid-request-error","info":"a room named ` + name + ` already exists"}`))
			return
		}
		f.rooms[name] = "https://aura.daily.co/" + name
		_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "url": f.rooms[name]})
	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/rooms/"):
		name := strings.TrimPrefix(r.URL.Path, "/rooms/")
		url, ok := f.rooms[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": name, "url": url})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type env struct {
	store   *sessiontest.Store
	daily   *fakeDaily
	gate    *capacity.Gate
	machine *sessions.Machine
	locker  lock.Locker
	primary *video.DailyClient
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	daily := &fakeDaily{rooms: map[string]string{}}
	srv := httptest.NewServer(daily)
	t.Cleanup(srv.Close)

	store := sessiontest.NewStore()
	locker := lock.NewRedisLocker(client, time.Minute, nil)
	gate := capacity.NewGate(store.Capacity(), nil, nil)
	require.NoError(t, gate.SetLimits(context.Background(), 10, 10))
	return &env{
		store:   store,
		daily:   daily,
		gate:    gate,
		machine: sessions.NewMachine(store, locker, time.Minute, nil),
		locker:  locker,
		primary: video.NewDailyClient(video.DailyConfig{APIKey: "test-key", BaseURL: srv.URL}, nil),
	}
}

func (e *env) provisioner(fallback video.Provider) *video.Provisioner {
	return video.NewProvisioner(e.store, e.machine, e.locker, e.gate, e.primary, fallback,
		video.ProvisionerConfig{LockAttempts: 100, LockBackoff: 10 * time.Millisecond}, nil)
}

func (e *env) seed(status models.SessionStatus) *models.Session {
	client := uuid.New()
	return e.store.Put(&models.Session{CoachID: uuid.New(), ClientID: &client, Status: status, DurationMinutes: 30})
}

func TestEnsureRoom_CreatesAndTransitions(t *testing.T) {
	e := newEnv(t)
	s := e.seed(models.SessionScheduled)

	res, err := e.provisioner(nil).EnsureRoom(context.Background(), s.ID, "")
	require.NoError(t, err)
	assert.False(t, res.Idempotent)
	assert.Equal(t, "coaching-"+s.ID.String(), res.RoomName)
	assert.Equal(t, models.VideoProviderDaily, res.Provider)

	body := e.daily.lastRequest()
	props := body["properties"].(map[string]interface{})
	assert.Equal(t, "private", body["privacy"])
	assert.EqualValues(t, 2, props["max_participants"])
	assert.Equal(t, "cloud", props["enable_recording"])

	cur, _ := e.store.Get(context.Background(), s.ID)
	assert.Equal(t, models.SessionReady, cur.Status)
	assert.Equal(t, res.RoomURL, cur.VideoRoomURL)
}

func TestEnsureRoom_ConcurrentIsIdempotent(t *testing.T) {
	e := newEnv(t)
	s := e.seed(models.SessionScheduled)
	p := e.provisioner(nil)

	const n = 5
	results := make([]*video.RoomResult, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.EnsureRoom(context.Background(), s.ID, "")
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, results[0].RoomURL, results[i].RoomURL)
		if !results[i].Idempotent {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, e.daily.postCount())
}

func TestEnsureRoom_SlowProviderWithDefaultRetry(t *testing.T) {
	e := newEnv(t)
	e.daily.delay = 700 * time.Millisecond
	s := e.seed(models.SessionScheduled)
	p := video.NewProvisioner(e.store, e.machine, e.locker, e.gate, e.primary, nil,
		video.ProvisionerConfig{
			LockBackoff:     config.DefaultProvisionBackoff,
			ProviderTimeout: config.DefaultVideoTimeout,
		}, nil)

	results := make([]*video.RoomResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.EnsureRoom(context.Background(), s.ID, "")
		}(i)
		time.Sleep(20 * time.Millisecond)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].RoomURL, results[1].RoomURL)
	assert.NotEqual(t, results[0].Idempotent, results[1].Idempotent)
	assert.Equal(t, 1, e.daily.postCount())
}

func TestEnsureRoom_ReadySessionWithoutRoom(t *testing.T) {
	e := newEnv(t)
	s := e.seed(models.SessionInProgress)

	res, err := e.provisioner(nil).EnsureRoom(context.Background(), s.ID, "k1")
	require.NoError(t, err)
	cur, _ := e.store.Get(context.Background(), s.ID)
	assert.Equal(t, models.SessionInProgress, cur.Status)
	assert.Equal(t, res.RoomURL, cur.VideoRoomURL)
}

func TestEnsureRoom_FallbackWhenPrimaryDown(t *testing.T) {
	e := newEnv(t)
	e.daily.setFail(true)
	s := e.seed(models.SessionScheduled)

	res, err := e.provisioner(video.NewFallbackProvider("rooms.videosdk.live")).EnsureRoom(context.Background(), s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.VideoProviderVideoSDK, res.Provider)
	assert.Equal(t, "https://rooms.videosdk.live/coaching-"+s.ID.String(), res.RoomURL)
}

func TestEnsureRoom_FallbackWhenNotConfigured(t *testing.T) {
	e := newEnv(t)
	e.primary = video.NewDailyClient(video.DailyConfig{}, nil)
	s := e.seed(models.SessionScheduled)

	res, err := e.provisioner(video.NewFallbackProvider("https://rooms.videosdk.live/")).EnsureRoom(context.Background(), s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.VideoProviderVideoSDK, res.Provider)
	assert.Equal(t, 0, e.daily.postCount())
}

func TestEnsureRoom_BothProvidersDown(t *testing.T) {
	e := newEnv(t)
	e.daily.setFail(true)
	s := e.seed(models.SessionScheduled)

	_, err := e.provisioner(video.NewFallbackProvider("")).EnsureRoom(context.Background(), s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrVideoProviderUnavailable)

	cur, _ := e.store.Get(context.Background(), s.ID)
	assert.Equal(t, models.SessionScheduled, cur.Status)
	assert.False(t, cur.HasRoom())
}

func TestEnsureRoom_PersistFailureLeavesRoomUnsetThenReusesOrphan(t *testing.T) {
	e := newEnv(t)
	s := e.seed(models.SessionScheduled)
	p := e.provisioner(nil)

	e.store.ApplyErr = errors.New("db down")
	_, err := p.EnsureRoom(context.Background(), s.ID, "")
	require.Error(t, err)
	cur, _ := e.store.Get(context.Background(), s.ID)
	assert.False(t, cur.HasRoom())
	assert.Equal(t, models.SessionScheduled, cur.Status)

	e.store.ApplyErr = nil
	res, err := p.EnsureRoom(context.Background(), s.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "https://aura.daily.co/coaching-"+s.ID.String(), res.RoomURL)
	assert.Equal(t, 2, e.daily.postCount())
}

func TestEnsureRoom_CapacityExceeded(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.gate.SetLimits(context.Background(), 0, 10))
	s := e.seed(models.SessionScheduled)

	_, err := e.provisioner(nil).EnsureRoom(context.Background(), s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrCapacityExceeded)
	assert.Equal(t, 0, e.daily.postCount())
}

func TestEnsureRoom_ClosedSession(t *testing.T) {
	e := newEnv(t)
	s := e.seed(models.SessionCancelled)
	_, err := e.provisioner(nil).EnsureRoom(context.Background(), s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
}

func TestEnsureRoom_LockContentionGivesUp(t *testing.T) {
	e := newEnv(t)
	s := e.seed(models.SessionScheduled)
	lease, err := e.locker.TryAcquire(context.Background(), lock.RoomCreateKey(s.ID), "other")
	require.NoError(t, err)
	defer lease.Release(context.Background())

	p := video.NewProvisioner(e.store, e.machine, e.locker, e.gate, e.primary, nil,
		video.ProvisionerConfig{LockAttempts: 2, LockBackoff: time.Millisecond}, nil)
	_, err = p.EnsureRoom(context.Background(), s.ID, "")
	assert.ErrorIs(t, err, apperr.ErrLockUnavailable)
}

func TestSessionIDFromRoom(t *testing.T) {
	id := uuid.New()
	got, ok := video.SessionIDFromRoom(video.RoomName(id))
	require.True(t, ok)
	assert.Equal(t, id, got)
	_, ok = video.SessionIDFromRoom("standup-123")
	assert.False(t, ok)
}
