package models

import (
	"time"

	"github.com/google/uuid"
)

// RecordingStatus represents recording/transcription lifecycle.
const (
	RecordingStatusInitialized = "initialized"
	RecordingStatusInProgress  = "in_progress"
	RecordingStatusCompleted   = "completed"
	RecordingStatusError       = "error"
)

// Redaction methods.
const (
	RedactionMarker        = "marker"
	RedactionSpeakerMarker = "speaker_marker"
)

// TranscriptSegment is one timestamped transcript line, in seconds from session start.
type TranscriptSegment struct {
	Start    float64 `json:"start"`
	End      float64 `json:"end"`
	Speaker  string  `json:"speaker,omitempty"`
	Text     string  `json:"text"`
	Redacted bool    `json:"redacted,omitempty"`
}

// PausedSegment is a time range excluded from transcription. End is nil while paused.
type PausedSegment struct {
	Start float64  `json:"start"`
	End   *float64 `json:"end,omitempty"`
}

// PrivacySettings controls redaction of paused ranges.
type PrivacySettings struct {
	AutoRedact      bool   `json:"auto_redact"`
	RedactionMethod string `json:"redaction_method"`
}

// Sentiment is the projected emotional annotation of a transcript.
type Sentiment struct {
	Overall string   `json:"overall,omitempty"`
	Notes   []string `json:"notes,omitempty"`
}

// SessionRecording holds the transcript and analysis of one session.
type SessionRecording struct {
	ID                  uuid.UUID           `json:"id"`
	SessionID           uuid.UUID           `json:"session_id"`
	Status              string              `json:"status"`
	Transcript          string              `json:"transcript"`
	Segments            []TranscriptSegment `json:"segments"`
	PausedSegments      []PausedSegment     `json:"paused_segments"`
	Privacy             PrivacySettings     `json:"privacy"`
	Sentiment           *Sentiment          `json:"sentiment,omitempty"`
	SourceURL           string              `json:"source_url,omitempty"`
	DurationSeconds     int                 `json:"duration_seconds"`
	AISummary           string              `json:"ai_summary,omitempty"`
	KeyTopics           []string            `json:"key_topics,omitempty"`
	ArchiveKey          string              `json:"archive_key,omitempty"`
	RecordingURL        string              `json:"recording_url,omitempty"`
	RecordingArchiveKey string              `json:"recording_archive_key,omitempty"`
	FinalizedAt         *time.Time          `json:"finalized_at,omitempty"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// Paused reports whether transcription is currently paused.
func (r *SessionRecording) Paused() bool {
	n := len(r.PausedSegments)
	return n > 0 && r.PausedSegments[n-1].End == nil
}
