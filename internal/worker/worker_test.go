package worker

import (
	"context"
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
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/sessions"
	"github.com/aura-coaching/backend/pkg/queue"
)

type fakeRecordings struct {
	mu          sync.Mutex
	transcripts []queue.TranscriptPayload
	finalized   []uuid.UUID
	archived    []queue.RecordingUploadPayload
	err         error
}

func (f *fakeRecordings) ProcessTranscript(ctx context.Context, job queue.TranscriptPayload) (*models.SessionRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.transcripts = append(f.transcripts, job)
	return &models.SessionRecording{SessionID: job.SessionID}, nil
}

func (f *fakeRecordings) Finalize(ctx context.Context, id uuid.UUID) (*models.SessionRecording, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.finalized = append(f.finalized, id)
	return &models.SessionRecording{SessionID: id}, nil
}

func (f *fakeRecordings) ArchiveRecording(ctx context.Context, job queue.RecordingUploadPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.archived = append(f.archived, job)
	return nil
}

func (f *fakeRecordings) transcriptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transcripts)
}

type fakeSettler struct {
	mu     sync.Mutex
	sent   []uuid.UUID
	failed map[uuid.UUID]string
}

func newFakeSettler() *fakeSettler { return &fakeSettler{failed: make(map[uuid.UUID]string)} }

func (s *fakeSettler) MarkSent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, id)
	return nil
}

func (s *fakeSettler) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = reason
	return nil
}

type fakeUsers map[uuid.UUID]*models.User

func (u fakeUsers) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	if user, ok := u[id]; ok {
		return user, nil
	}
	return nil, apperr.ErrNotFound
}

type captureSender struct {
	mu   sync.Mutex
	sent []Email
	err  error
}

func (c *captureSender) Send(ctx context.Context, e Email) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, e)
	return nil
}

type fixture struct {
	q       *queue.Queue
	mr      *miniredis.Miniredis
	recs    *fakeRecordings
	settler *fakeSettler
	sender  *captureSender
	users   fakeUsers
	proc    *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	f := &fixture{
		q:       queue.NewQueue(client, nil),
		mr:      mr,
		recs:    &fakeRecordings{},
		settler: newFakeSettler(),
		sender:  &captureSender{},
		users:   fakeUsers{},
	}
	f.proc = NewProcessor(f.q, f.recs, f.settler, f.users, f.sender, 2, nil)
	f.proc.SetRetryBackoff(0)
	f.proc.SetPollTimeout(100 * time.Millisecond)
	return f
}

func (f *fixture) next(t *testing.T) *queue.Job {
	t.Helper()
	job, _, err := f.q.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	return job
}

func TestProcessEmailResolvesRecipient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := &models.User{ID: uuid.New(), Email: "coach@example.com", FullName: "Sam"}
	f.users[user.ID] = user
	outboxID, sessionID := uuid.New(), uuid.New()

	require.NoError(t, f.q.EnqueueEmail(ctx, queue.EmailPayload{
		OutboxID:  outboxID,
		EmailType: models.EmailTypeJoinLink,
		SessionID: &sessionID,
		ToUserID:  user.ID,
		Subject:   models.EmailTypeJoinLink,
		JoinURL:   "https://app.example.com/join?token=abc",
	}))
	require.NoError(t, f.proc.Process(ctx, f.next(t)))

	require.Len(t, f.sender.sent, 1)
	e := f.sender.sent[0]
	assert.Equal(t, "coach@example.com", e.To)
	assert.Equal(t, "Your session link", e.Subject)
	assert.Contains(t, e.HTML, "Hi Sam")
	assert.Contains(t, e.HTML, "https://app.example.com/join?token=abc")
	assert.Equal(t, sessionID, e.SessionID)
	assert.Equal(t, []uuid.UUID{outboxID}, f.settler.sent)
}

func TestProcessAnalysisSettlesOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sessionID, outboxID := uuid.New(), uuid.New()
	require.NoError(t, f.q.EnqueueAnalysis(ctx, queue.AnalysisPayload{SessionID: sessionID, OutboxID: &outboxID}))

	require.NoError(t, f.proc.Process(ctx, f.next(t)))
	assert.Equal(t, []uuid.UUID{sessionID}, f.recs.finalized)
	assert.Equal(t, []uuid.UUID{outboxID}, f.settler.sent)
}

func TestProcessRecordingUpload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := queue.RecordingUploadPayload{SessionID: uuid.New(), RecordingID: "rec-1", OriginalURL: "https://cdn.example.com/r.mp4"}
	require.NoError(t, f.q.EnqueueRecordingUpload(ctx, payload))

	require.NoError(t, f.proc.Process(ctx, f.next(t)))
	assert.Equal(t, []queue.RecordingUploadPayload{payload}, f.recs.archived)
}

func TestTransientFailureRetriesThenFailsOutbox(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.recs.err = errors.New("database unavailable")
	outboxID := uuid.New()
	require.NoError(t, f.q.EnqueueAnalysis(ctx, queue.AnalysisPayload{SessionID: uuid.New(), OutboxID: &outboxID}))

	for i := 1; i < queue.MaxRetries; i++ {
		f.proc.handle(ctx, f.next(t))
		n, err := f.q.Len(ctx, queue.QueueAnalysis)
		require.NoError(t, err)
		assert.EqualValues(t, 1, n, "attempt %d requeued", i)
		assert.Empty(t, f.settler.failed)
	}
	f.proc.handle(ctx, f.next(t))

	dlq, err := f.mr.List(queue.QueueDLQ)
	require.NoError(t, err)
	assert.Len(t, dlq, 1)
	assert.Contains(t, f.settler.failed[outboxID], "database unavailable")
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	outboxID := uuid.New()
	require.NoError(t, f.q.EnqueueEmail(ctx, queue.EmailPayload{OutboxID: outboxID, EmailType: models.EmailTypeBookingConfirmed, ToUserID: uuid.New()}))

	f.proc.handle(ctx, f.next(t))

	n, err := f.q.Len(ctx, queue.QueueEmails)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, f.mr.Exists(queue.QueueDLQ))
	assert.Contains(t, f.settler.failed, outboxID)
	assert.Empty(t, f.sender.sent)
}

func TestUnknownJobTypeIsPermanent(t *testing.T) {
	f := newFixture(t)
	err := f.proc.Process(context.Background(), &queue.Job{ID: "x", Type: "analytics"})
	var perm permanentError
	assert.True(t, errors.As(err, &perm))
}

func TestRunProcessesUntilCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 3; i++ {
		require.NoError(t, f.q.EnqueueTranscript(ctx, queue.TranscriptPayload{SessionID: uuid.New()}))
	}

	done := make(chan error, 1)
	go func() { done <- f.proc.Run(ctx) }()

	assert.Eventually(t, func() bool { return f.recs.transcriptCount() == 3 }, 3*time.Second, 20*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestRenderKeepsExplicitBody(t *testing.T) {
	e := Email{Type: models.EmailTypeBookingRequested, Subject: "Custom", HTML: "<p>hello</p>"}
	render(&e)
	assert.Equal(t, "Custom", e.Subject)
	assert.Equal(t, "<p>hello</p>", e.HTML)

	e = Email{Type: "newsletter", Subject: "News", Name: "<b>Al</b>"}
	render(&e)
	assert.Equal(t, "News", e.Subject)
	assert.Contains(t, e.HTML, "&lt;b&gt;Al&lt;/b&gt;")
	assert.NotContains(t, e.HTML, "href")
}

type fakeCleaner struct{ calls int }

func (c *fakeCleaner) CleanupExpiredLocks(ctx context.Context) (sessions.CleanupResult, error) {
	c.calls++
	return sessions.CleanupResult{}, errors.New("lock store down")
}

type fakeDrainer struct {
	dispatched, requeued int
}

func (d *fakeDrainer) DispatchPending(ctx context.Context, limit int) (int, error) {
	d.dispatched++
	return 0, nil
}

func (d *fakeDrainer) RequeueStale(ctx context.Context, olderThan time.Duration) (int, error) {
	d.requeued++
	return 1, nil
}

type fakeRecomputer struct{ calls int }

func (r *fakeRecomputer) Recompute(ctx context.Context) (capacity.Snapshot, error) {
	r.calls++
	return capacity.Snapshot{}, nil
}

func TestMaintenanceCleanupRunsEveryStep(t *testing.T) {
	locks, drain, recompute := &fakeCleaner{}, &fakeDrainer{}, &fakeRecomputer{}
	m := NewMaintenance(locks, drain, recompute, 0, 0, nil)

	m.Cleanup(context.Background())
	assert.Equal(t, 1, locks.calls)
	assert.Equal(t, 1, drain.requeued)
	assert.Equal(t, 1, recompute.calls)

	m.Drain(context.Background())
	assert.Equal(t, 1, drain.dispatched)
}

func TestMaintenanceNilCollaborators(t *testing.T) {
	m := NewMaintenance(nil, nil, nil, time.Millisecond, time.Millisecond, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	m.Run(ctx)
}
