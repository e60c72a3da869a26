package recordings

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-coaching/backend/internal/models"
	"github.com/aura-coaching/backend/internal/video"
	"github.com/aura-coaching/backend/pkg/queue"
	"github.com/aura-coaching/backend/pkg/response"
)

const testSecret = "whsec-test"

type webhookFixture struct {
	pipeline *Pipeline
	store    *memStore
	queue    *fakeQueue
	router   *gin.Engine
}

func newWebhookFixture(t *testing.T) *webhookFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	wf := &webhookFixture{pipeline: f.pipeline, store: f.store, queue: &fakeQueue{}}
	h := NewWebhookHandler(f.pipeline, wf.queue, testSecret, "", nil)
	wf.router = gin.New()
	wf.router.POST("/webhooks/transcription", h.Transcription)
	return wf
}

func (wf *webhookFixture) post(body []byte, sig string) (*httptest.ResponseRecorder, response.Body) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/transcription", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(DefaultSignatureHeader, sig)
	}
	w := httptest.NewRecorder()
	wf.router.ServeHTTP(w, req)
	var env response.Body
	_ = json.Unmarshal(w.Body.Bytes(), &env)
	return w, env
}

func transcriptEvent(t *testing.T, sessionID uuid.UUID, url string) []byte {
	t.Helper()
	b, err := json.Marshal(map[string]interface{}{
		"type": EventTranscriptReady,
		"payload": map[string]interface{}{
			"room_name":  video.RoomName(sessionID),
			"source_url": url,
			"duration":   312.4,
		},
	})
	require.NoError(t, err)
	return b
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"transcript.ready-to-download"}`)
	sig := Sign(testSecret, body)
	assert.True(t, VerifySignature(testSecret, body, sig))
	assert.False(t, VerifySignature(testSecret, body, ""))
	assert.False(t, VerifySignature(testSecret, body, "zz"))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("", body, Sign("", body)))
	assert.False(t, VerifySignature(testSecret, append(body, ' '), sig))
}

func TestParseEvent(t *testing.T) {
	id := uuid.New()

	ev, err := ParseEvent(transcriptEvent(t, id, "https://cdn.test/t.vtt"))
	require.NoError(t, err)
	tr, ok := ev.(TranscriptReady)
	require.True(t, ok)
	assert.Equal(t, id, tr.SessionID)
	assert.Equal(t, "https://cdn.test/t.vtt", tr.SourceURL)
	assert.Equal(t, 313, tr.DurationSeconds)

	ev, err = ParseEvent([]byte(`{"event":"transcription.completed","session_id":"` + id.String() +
		`","payload":{"segments":[{"start":1,"end":2,"text":"hi"}]}}`))
	require.NoError(t, err)
	assert.Len(t, ev.(TranscriptReady).Segments, 1)

	ev, err = ParseEvent([]byte(`{"type":"recording.ready-to-download","payload":{"room_name":"coaching-` + id.String() +
		`","recording_id":"rec-1","download_url":"https://cdn.test/r.mp4"}}`))
	require.NoError(t, err)
	assert.Equal(t, RecordingReady{SessionID: id, RecordingID: "rec-1", DownloadURL: "https://cdn.test/r.mp4"}, ev)

	_, err = ParseEvent([]byte(`{"type":"meeting.started","payload":{}}`))
	assert.ErrorIs(t, err, errIgnoredEvent)

	_, err = ParseEvent([]byte(`{"type":"transcript.ready-to-download","payload":{"room_name":"lobby","source_url":"x"}}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`{"type":"transcript.ready-to-download","payload":{"room_name":"coaching-` + id.String() + `"}}`))
	assert.Error(t, err)

	_, err = ParseEvent([]byte(`not json`))
	assert.Error(t, err)
}

func TestWebhook_RejectsBadSignatureBeforeProcessing(t *testing.T) {
	wf := newWebhookFixture(t)
	body := transcriptEvent(t, uuid.New(), "https://cdn.test/t.vtt")

	w, env := wf.post(body, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.False(t, env.Success)

	w, _ = wf.post(body, Sign("wrong-secret", body))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A malformed body with a bad signature is still 401, not 400.
	w, _ = wf.post([]byte("{"), "deadbeef")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	assert.Empty(t, wf.queue.transcript)
	assert.Empty(t, wf.store.recs)
}

func TestWebhook_EnqueuesTranscript(t *testing.T) {
	wf := newWebhookFixture(t)
	id := uuid.New()
	body := transcriptEvent(t, id, "https://cdn.test/t.vtt")

	w, env := wf.post(body, Sign(testSecret, body))
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.True(t, env.Success)
	require.Len(t, wf.queue.transcript, 1)
	assert.Equal(t, queue.TranscriptPayload{SessionID: id, SourceURL: "https://cdn.test/t.vtt", DurationSeconds: 313}, wf.queue.transcript[0])
}

func TestWebhook_IdempotentForCompletedSource(t *testing.T) {
	wf := newWebhookFixture(t)
	id := uuid.New()
	_, err := wf.pipeline.ProcessTranscript(context.Background(), queue.TranscriptPayload{
		SessionID: id,
		SourceURL: "https://cdn.test/t.vtt",
		Segments:  []models.TranscriptSegment{{Start: 0, End: 1, Text: "hello"}},
	})
	require.NoError(t, err)

	body := transcriptEvent(t, id, "https://cdn.test/t.vtt")
	w, env := wf.post(body, Sign(testSecret, body))
	require.Equal(t, http.StatusOK, w.Code)
	data, _ := env.Data.(map[string]interface{})
	assert.Equal(t, true, data["idempotent"])
	assert.Empty(t, wf.queue.transcript)

	body = transcriptEvent(t, id, "https://cdn.test/t2.vtt")
	w, _ = wf.post(body, Sign(testSecret, body))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Len(t, wf.queue.transcript, 1)
}

func TestWebhook_RecordingReadyAndIgnored(t *testing.T) {
	wf := newWebhookFixture(t)
	id := uuid.New()
	body := []byte(`{"type":"recording.ready-to-download","payload":{"session_id":"` + id.String() + `","download_url":"https://cdn.test/r.mp4"}}`)
	w, _ := wf.post(body, Sign(testSecret, body))
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Len(t, wf.queue.uploads, 1)
	assert.Equal(t, id, wf.queue.uploads[0].SessionID)

	body = []byte(`{"type":"participant.joined","payload":{}}`)
	w, env := wf.post(body, Sign(testSecret, body))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, env.Success)
}
