package recordings

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/insights"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/queue"
)

type memStore struct {
	mu   sync.Mutex
	recs map[uuid.UUID]*models.SessionRecording
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[uuid.UUID]*models.SessionRecording)}
}

func clone(r *models.SessionRecording) *models.SessionRecording {
	c := *r
	c.Segments = append([]models.TranscriptSegment(nil), r.Segments...)
	c.PausedSegments = append([]models.PausedSegment(nil), r.PausedSegments...)
	c.KeyTopics = append([]string(nil), r.KeyTopics...)
	return &c
}

func (m *memStore) Init(ctx context.Context, id uuid.UUID) (*models.SessionRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		r = &models.SessionRecording{ID: uuid.New(), SessionID: id, Status: models.RecordingStatusInitialized,
			Privacy: models.PrivacySettings{RedactionMethod: models.RedactionMarker}}
		m.recs[id] = r
	}
	return clone(r), nil
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*models.SessionRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	return clone(r), nil
}

func (m *memStore) with(id uuid.UUID, fn func(r *models.SessionRecording)) (*models.SessionRecording, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recs[id]
	if !ok {
		return nil, apperr.ErrNotFound
	}
	fn(r)
	return clone(r), nil
}

func (m *memStore) AppendSegments(ctx context.Context, id uuid.UUID, segs []models.TranscriptSegment, text, status string) (*models.SessionRecording, error) {
	return m.with(id, func(r *models.SessionRecording) {
		r.Segments = append(r.Segments, segs...)
		r.Transcript += text
		r.Status = status
	})
}

func (m *memStore) CompleteTranscript(ctx context.Context, id uuid.UUID, u TranscriptUpdate) (*models.SessionRecording, error) {
	return m.with(id, func(r *models.SessionRecording) {
		r.Segments = append(r.Segments, u.Segments...)
		r.Transcript += u.Text
		r.SourceURL = u.SourceURL
		if u.DurationSeconds > r.DurationSeconds {
			r.DurationSeconds = u.DurationSeconds
		}
		if u.ArchiveKey != "" {
			r.ArchiveKey = u.ArchiveKey
		}
		r.Status = models.RecordingStatusCompleted
	})
}

func (m *memStore) SetPaused(ctx context.Context, id uuid.UUID, paused []models.PausedSegment) error {
	_, err := m.with(id, func(r *models.SessionRecording) { r.PausedSegments = paused })
	return err
}

func (m *memStore) SetPrivacy(ctx context.Context, id uuid.UUID, p models.PrivacySettings) error {
	_, err := m.with(id, func(r *models.SessionRecording) { r.Privacy = p })
	return err
}

func (m *memStore) Finalize(ctx context.Context, id uuid.UUID, f Finalization) (*models.SessionRecording, error) {
	return m.with(id, func(r *models.SessionRecording) {
		r.Status = models.RecordingStatusCompleted
		if r.FinalizedAt == nil {
			now := time.Now()
			r.FinalizedAt = &now
		}
		if f.DurationSeconds > r.DurationSeconds {
			r.DurationSeconds = f.DurationSeconds
		}
		if f.Summary != "" {
			r.AISummary = f.Summary
		}
		if len(f.KeyTopics) > 0 {
			r.KeyTopics = f.KeyTopics
		}
		if f.Sentiment != nil {
			r.Sentiment = f.Sentiment
		}
	})
}

func (m *memStore) SetRecordingArchive(ctx context.Context, id uuid.UUID, url, key string) error {
	_, err := m.with(id, func(r *models.SessionRecording) { r.RecordingURL, r.RecordingArchiveKey = url, key })
	return err
}

func (m *memStore) SetStatus(ctx context.Context, id uuid.UUID, status string) error {
	_, err := m.with(id, func(r *models.SessionRecording) { r.Status = status })
	return err
}

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (a *fakeArchive) Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, n int64) (string, error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.objects == nil {
		a.objects = make(map[string][]byte)
	}
	a.objects[bucket+"/"+key] = b
	return "https://" + bucket + ".s3.test/" + key, nil
}

func (a *fakeArchive) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, ok := a.object(bucket + "/" + key)
	return ok, nil
}

func (a *fakeArchive) ObjectURL(bucket, key string) string {
	return "https://" + bucket + ".s3.test/" + key
}

func (a *fakeArchive) object(path string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.objects[path]
	return b, ok
}

func (a *fakeArchive) GeneratePresignedDownloadURL(ctx context.Context, bucket, key string, expires time.Duration) (string, error) {
	return fmt.Sprintf("https://%s.s3.test/%s?X-Amz-Expires=%d", bucket, key, int(expires.Seconds())), nil
}

func (a *fakeArchive) PresignExpire() time.Duration { return 15 * time.Minute }
func (a *fakeArchive) RecordingsBucket() string     { return "recordings" }
func (a *fakeArchive) TranscriptsBucket() string    { return "transcripts" }

type fakeTranscriber struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	b, _ := io.ReadAll(audio)
	if f.text != "" {
		return f.text, nil
	}
	return strings.ToUpper(string(b)), nil
}

func (f *fakeTranscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	res *insights.Result
	err error
	in  insights.Input
}

func (g *fakeGenerator) Generate(ctx context.Context, in insights.Input) (*insights.Result, error) {
	g.in = in
	return g.res, g.err
}

type fakeQueue struct {
	mu         sync.Mutex
	transcript []queue.TranscriptPayload
	uploads    []queue.RecordingUploadPayload
}

func (q *fakeQueue) EnqueueTranscript(ctx context.Context, p queue.TranscriptPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.transcript = append(q.transcript, p)
	return nil
}

func (q *fakeQueue) EnqueueRecordingUpload(ctx context.Context, p queue.RecordingUploadPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.uploads = append(q.uploads, p)
	return nil
}

func newLocker(t *testing.T) lock.Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return lock.NewRedisLocker(client, time.Minute, nil)
}

type fixture struct {
	store       *memStore
	archive     *fakeArchive
	transcriber *fakeTranscriber
	locker      lock.Locker
	pipeline    *Pipeline
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{store: newMemStore(), archive: &fakeArchive{}, transcriber: &fakeTranscriber{}, locker: newLocker(t)}
	f.pipeline = NewPipeline(f.store, f.locker, nil)
	f.pipeline.SetArchive(f.archive)
	f.pipeline.SetTranscriber(f.transcriber)
	return f
}

func audio(s string) io.Reader { return bytes.NewBufferString(s) }

func f64(v float64) *float64 { return &v }
