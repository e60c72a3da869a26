package recordings

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

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/insights"
	"github.com/aura-coaching/backend/internal/lock"
	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/pkg/queue"
)

func TestProcessTranscript_InlineWithRedaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.pipeline.SetPrivacy(ctx, id, models.PrivacySettings{AutoRedact: true})
	require.NoError(t, err)
	_, err = f.pipeline.Pause(ctx, id, 30)
	require.NoError(t, err)
	_, err = f.pipeline.Resume(ctx, id, 35)
	require.NoError(t, err)

	rec, err := f.pipeline.ProcessTranscript(ctx, queue.TranscriptPayload{
		SessionID: id,
		SourceURL: "https://cdn.test/a.vtt",
		Segments: []models.TranscriptSegment{
			{Start: 32, End: 34, Speaker: "Client", Text: "private"},
			{Start: 40, End: 45.5, Speaker: "Coach", Text: "public"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, "https://cdn.test/a.vtt", rec.SourceURL)
	assert.Equal(t, 46, rec.DurationSeconds)
	require.Len(t, rec.Segments, 2)
	assert.Equal(t, RedactedText, rec.Segments[0].Text)
	assert.Equal(t, "public", rec.Segments[1].Text)
	assert.NotContains(t, rec.Transcript, "private")
	assert.Contains(t, rec.Transcript, "Coach: public")

	require.NotEmpty(t, rec.ArchiveKey)
	archived, ok := f.archive.object("transcripts/" + rec.ArchiveKey)
	require.True(t, ok)
	var segs []models.TranscriptSegment
	require.NoError(t, json.Unmarshal(archived, &segs))
	assert.Equal(t, RedactedText, segs[0].Text)

	again, err := f.pipeline.ProcessTranscript(ctx, queue.TranscriptPayload{
		SessionID: id,
		SourceURL: "https://cdn.test/a.vtt",
		Segments:  []models.TranscriptSegment{{Start: 50, End: 51, Text: "dup"}},
	})
	require.NoError(t, err)
	assert.Len(t, again.Segments, 2, "redelivery of a completed source is a no-op")
}

func TestProcessTranscript_FetchesVTT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/t.vtt" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(sampleVTT))
	}))
	defer srv.Close()

	f := newFixture(t)
	rec, err := f.pipeline.ProcessTranscript(context.Background(), queue.TranscriptPayload{SessionID: uuid.New(), SourceURL: srv.URL + "/t.vtt"})
	require.NoError(t, err)
	assert.Len(t, rec.Segments, 3)
	assert.Equal(t, 63, rec.DurationSeconds)

	_, err = f.pipeline.ProcessTranscript(context.Background(), queue.TranscriptPayload{SessionID: uuid.New(), SourceURL: srv.URL + "/missing.vtt"})
	assert.Error(t, err)

	_, err = f.pipeline.ProcessTranscript(context.Background(), queue.TranscriptPayload{SessionID: uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestIngestChunk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	rec, err := f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 0, End: 4, Speaker: "Coach", Text: "welcome"})
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusInProgress, rec.Status)

	rec, err = f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 4, End: 8, Speaker: "Client", Audio: audio("thanks"), Filename: "c.webm"})
	require.NoError(t, err)
	require.Len(t, rec.Segments, 2)
	assert.Equal(t, "THANKS", rec.Segments[1].Text)
	assert.Equal(t, 1, f.transcriber.count())

	_, err = f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 9, End: 8, Text: "backwards"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	_, err = f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 9, End: 10})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestIngestChunk_PausedAudioNotTranscribed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.pipeline.SetPrivacy(ctx, id, models.PrivacySettings{AutoRedact: true, RedactionMethod: models.RedactionSpeakerMarker})
	require.NoError(t, err)
	_, err = f.pipeline.Pause(ctx, id, 10)
	require.NoError(t, err)

	rec, err := f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 12, End: 16, Speaker: "Client", Audio: audio("secret")})
	require.NoError(t, err)
	assert.Equal(t, 0, f.transcriber.count())
	require.Len(t, rec.Segments, 1)
	assert.Equal(t, RedactedText, rec.Segments[0].Text)
	assert.Equal(t, "Client", rec.Segments[0].Speaker)
}

func TestIngestChunk_TranscriberFailure(t *testing.T) {
	f := newFixture(t)
	f.transcriber.err = errors.New("upstream 500")
	_, err := f.pipeline.IngestChunk(context.Background(), Chunk{SessionID: uuid.New(), Start: 0, End: 1, Audio: audio("x")})
	assert.ErrorIs(t, err, apperr.ErrVideoProviderUnavailable)
}

func TestIngestChunk_ConcurrentChunksAllAppended(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.pipeline.IngestChunk(context.Background(), Chunk{SessionID: id, Start: float64(i), End: float64(i) + 1, Text: "line"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	rec, err := f.pipeline.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Len(t, rec.Segments, 4)
}

func TestPauseResume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, err := f.pipeline.Resume(ctx, id, 5)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	rec, err := f.pipeline.Pause(ctx, id, 10)
	require.NoError(t, err)
	assert.True(t, rec.Paused())

	_, err = f.pipeline.Pause(ctx, id, 11)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = f.pipeline.Resume(ctx, id, 9)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	rec, err = f.pipeline.Resume(ctx, id, 20)
	require.NoError(t, err)
	assert.False(t, rec.Paused())
	require.Len(t, rec.PausedSegments, 1)
	assert.Equal(t, 20.0, *rec.PausedSegments[0].End)

	_, err = f.pipeline.Pause(ctx, id, 15)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestSetPrivacy(t *testing.T) {
	f := newFixture(t)
	rec, err := f.pipeline.SetPrivacy(context.Background(), uuid.New(), models.PrivacySettings{AutoRedact: true})
	require.NoError(t, err)
	assert.Equal(t, models.RedactionMarker, rec.Privacy.RedactionMethod)

	_, err = f.pipeline.SetPrivacy(context.Background(), uuid.New(), models.PrivacySettings{RedactionMethod: "blur"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestFinalize(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	gen := &fakeGenerator{res: &insights.Result{
		Summary:   "Worked on routines.",
		KeyTopics: []string{"routine"},
		Sentiment: &models.Sentiment{Overall: "positive"},
	}}
	f.pipeline.SetGenerator(gen)

	_, err := f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 0, End: 125.2, Speaker: "Coach", Text: "hi"})
	require.NoError(t, err)

	rec, err := f.pipeline.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, 126, rec.DurationSeconds)
	assert.Equal(t, "Worked on routines.", rec.AISummary)
	assert.Equal(t, []string{"routine"}, rec.KeyTopics)
	assert.Equal(t, "positive", rec.Sentiment.Overall)
	assert.Equal(t, id, gen.in.SessionID)
	assert.True(t, strings.Contains(gen.in.Transcript, "Coach: hi"))

	_, err = f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 130, End: 131, Text: "late"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestFinalize_InsightsFailureIsBestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	f.pipeline.SetGenerator(&fakeGenerator{err: errors.New("rate limited")})

	_, err := f.pipeline.IngestChunk(ctx, Chunk{SessionID: id, Start: 0, End: 10, Text: "hi"})
	require.NoError(t, err)
	rec, err := f.pipeline.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, 10, rec.DurationSeconds)
	assert.Empty(t, rec.AISummary)
}

func TestFinalize_ThenLateTranscriptIsAnalyzed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	gen := &fakeGenerator{res: &insights.Result{Summary: "Reviewed goals.", KeyTopics: []string{"goals"}}}
	f.pipeline.SetGenerator(gen)

	rec, err := f.pipeline.Finalize(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.FinalizedAt)
	assert.Empty(t, rec.AISummary)

	rec, err = f.pipeline.ProcessTranscript(ctx, queue.TranscriptPayload{
		SessionID: id,
		Segments:  []models.TranscriptSegment{{Start: 0, End: 61, Speaker: "Coach", Text: "hello"}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, "Reviewed goals.", rec.AISummary)
	assert.Equal(t, []string{"goals"}, rec.KeyTopics)
	assert.Equal(t, 61, rec.DurationSeconds)
	assert.Contains(t, gen.in.Transcript, "hello")

	stored, err := f.pipeline.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Reviewed goals.", stored.AISummary)
}

func TestProcessTranscript_BeforeFinalizeSkipsAnalysis(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	gen := &fakeGenerator{res: &insights.Result{Summary: "early"}}
	f.pipeline.SetGenerator(gen)

	rec, err := f.pipeline.ProcessTranscript(ctx, queue.TranscriptPayload{
		SessionID: id,
		Segments:  []models.TranscriptSegment{{Start: 0, End: 5, Text: "hi"}},
	})
	require.NoError(t, err)
	assert.Nil(t, rec.FinalizedAt)
	assert.Empty(t, rec.AISummary)
	assert.Empty(t, gen.in.Transcript)
}

func TestFinalize_WaitsForRecordingLock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	gen := &fakeGenerator{res: &insights.Result{Summary: "ok"}}
	f.pipeline.SetGenerator(gen)
	require.NoError(t, f.pipeline.Init(ctx, id))

	lease, err := f.locker.TryAcquire(ctx, lock.RecordingKey(id), lock.NewHolder("chunk"))
	require.NoError(t, err)
	go func() {
		time.Sleep(150 * time.Millisecond)
		seg := []models.TranscriptSegment{{Start: 0, End: 42, Speaker: "Client", Text: "last words"}}
		_, _ = f.store.AppendSegments(ctx, id, seg, RenderTranscript(seg), models.RecordingStatusInProgress)
		_ = lease.Release(ctx)
	}()

	rec, err := f.pipeline.Finalize(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.RecordingStatusCompleted, rec.Status)
	assert.Equal(t, 42, rec.DurationSeconds)
	assert.Contains(t, gen.in.Transcript, "last words")
}

func TestFinalize_LockHeldTooLong(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, f.pipeline.Init(ctx, id))

	lease, err := f.locker.TryAcquire(ctx, lock.RecordingKey(id), "other")
	require.NoError(t, err)
	defer func() { _ = lease.Release(ctx) }()

	_, err = f.pipeline.Finalize(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrLockUnavailable)
	rec, err := f.pipeline.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, rec.FinalizedAt)
}

func TestArchiveRecordingAndDownloadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "video/mp4")
		_, _ = w.Write([]byte("mp4-bytes"))
	}))
	defer srv.Close()

	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	_, _, err := f.pipeline.DownloadURL(ctx, id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	require.NoError(t, f.pipeline.ArchiveRecording(ctx, queue.RecordingUploadPayload{SessionID: id, RecordingID: "rec-1", OriginalURL: srv.URL + "/r.mp4"}))
	rec, err := f.pipeline.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "recordings/"+id.String()+"/rec-1.mp4", rec.RecordingArchiveKey)
	body, ok := f.archive.object("recordings/" + rec.RecordingArchiveKey)
	require.True(t, ok)
	assert.Equal(t, "mp4-bytes", string(body))

	// Already archived: no second download.
	require.NoError(t, f.pipeline.ArchiveRecording(ctx, queue.RecordingUploadPayload{SessionID: id, OriginalURL: "http://127.0.0.1:1/unreachable"}))

	url, expires, err := f.pipeline.DownloadURL(ctx, id)
	require.NoError(t, err)
	assert.Contains(t, url, rec.RecordingArchiveKey)
	assert.False(t, expires.IsZero())
}

func TestArchiveRecordingObjectAlreadyUploaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := uuid.New()
	key := "recordings/" + id.String() + "/rec-2.mp4"
	_, err := f.archive.Upload(ctx, "recordings", key, "video/mp4", strings.NewReader("earlier"), 7)
	require.NoError(t, err)

	require.NoError(t, f.pipeline.ArchiveRecording(ctx, queue.RecordingUploadPayload{SessionID: id, RecordingID: "rec-2", OriginalURL: "http://127.0.0.1:1/unreachable"}))
	rec, err := f.pipeline.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, key, rec.RecordingArchiveKey)
	assert.Equal(t, "https://recordings.s3.test/"+key, rec.RecordingURL)
}
