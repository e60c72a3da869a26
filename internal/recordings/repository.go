package recordings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-coaching/backend/internal/apperr"
	"github.com/aura-coaching/backend/internal/models"
)

// Repository is the Postgres Store for session_recordings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a recordings repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const recordingCols = `id, session_id, status, transcript, segments, paused_segments,
	auto_redact, redaction_method, sentiment, source_url, duration_seconds, ai_summary,
	key_topics, archive_key, recording_url, recording_archive_key, finalized_at, created_at, updated_at`

func scanRecording(row pgx.Row) (*models.SessionRecording, error) {
	var r models.SessionRecording
	var segs, paused, sentiment []byte
	err := row.Scan(&r.ID, &r.SessionID, &r.Status, &r.Transcript, &segs, &paused,
		&r.Privacy.AutoRedact, &r.Privacy.RedactionMethod, &sentiment, &r.SourceURL, &r.DurationSeconds, &r.AISummary,
		&r.KeyTopics, &r.ArchiveKey, &r.RecordingURL, &r.RecordingArchiveKey, &r.FinalizedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, err
	}
	if err := unmarshalIfSet(segs, &r.Segments); err != nil {
		return nil, fmt.Errorf("segments: %w", err)
	}
	if err := unmarshalIfSet(paused, &r.PausedSegments); err != nil {
		return nil, fmt.Errorf("paused_segments: %w", err)
	}
	if len(sentiment) > 0 && string(sentiment) != "null" {
		r.Sentiment = &models.Sentiment{}
		if err := json.Unmarshal(sentiment, r.Sentiment); err != nil {
			return nil, fmt.Errorf("sentiment: %w", err)
		}
	}
	return &r, nil
}

func unmarshalIfSet(b []byte, v interface{}) error {
	if len(b) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

// Init implements Store. An existing row is returned unchanged.
func (r *Repository) Init(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error) {
	const q = `INSERT INTO session_recordings (session_id, status) VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING ` + recordingCols
	return scanRecording(r.pool.QueryRow(ctx, q, sessionID, models.RecordingStatusInitialized))
}

// Get implements Store.
func (r *Repository) Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionRecording, error) {
	return scanRecording(r.pool.QueryRow(ctx, `SELECT `+recordingCols+` FROM session_recordings WHERE session_id = $1`, sessionID))
}

// AppendSegments implements Store.
func (r *Repository) AppendSegments(ctx context.Context, sessionID uuid.UUID, segs []models.TranscriptSegment, text, status string) (*models.SessionRecording, error) {
	b, err := json.Marshal(segs)
	if err != nil {
		return nil, err
	}
	const q = `UPDATE session_recordings SET
			segments = segments || $2::jsonb,
			transcript = transcript || $3,
			status = $4,
			updated_at = NOW()
		WHERE session_id = $1
		RETURNING ` + recordingCols
	return scanRecording(r.pool.QueryRow(ctx, q, sessionID, b, text, status))
}

// CompleteTranscript implements Store.
func (r *Repository) CompleteTranscript(ctx context.Context, sessionID uuid.UUID, u TranscriptUpdate) (*models.SessionRecording, error) {
	b, err := json.Marshal(u.Segments)
	if err != nil {
		return nil, err
	}
	const q = `UPDATE session_recordings SET
			segments = segments || $2::jsonb,
			transcript = transcript || $3,
			source_url = $4,
			duration_seconds = GREATEST(duration_seconds, $5),
			archive_key = COALESCE(NULLIF($6, ''), archive_key),
			status = 'completed',
			updated_at = NOW()
		WHERE session_id = $1
		RETURNING ` + recordingCols
	return scanRecording(r.pool.QueryRow(ctx, q, sessionID, b, u.Text, u.SourceURL, u.DurationSeconds, u.ArchiveKey))
}

// SetPaused implements Store.
func (r *Repository) SetPaused(ctx context.Context, sessionID uuid.UUID, paused []models.PausedSegment) error {
	b, err := json.Marshal(paused)
	if err != nil {
		return err
	}
	return r.exec(ctx, `UPDATE session_recordings SET paused_segments = $2::jsonb, updated_at = NOW() WHERE session_id = $1`, sessionID, b)
}

// SetPrivacy implements Store.
func (r *Repository) SetPrivacy(ctx context.Context, sessionID uuid.UUID, p models.PrivacySettings) error {
	return r.exec(ctx, `UPDATE session_recordings SET auto_redact = $2, redaction_method = $3, updated_at = NOW() WHERE session_id = $1`,
		sessionID, p.AutoRedact, p.RedactionMethod)
}

// Finalize implements Store.
func (r *Repository) Finalize(ctx context.Context, sessionID uuid.UUID, f Finalization) (*models.SessionRecording, error) {
	var sentiment []byte
	if f.Sentiment != nil {
		b, err := json.Marshal(f.Sentiment)
		if err != nil {
			return nil, err
		}
		sentiment = b
	}
	topics := f.KeyTopics
	if topics == nil {
		topics = []string{}
	}
	const q = `UPDATE session_recordings SET
			status = 'completed',
			duration_seconds = GREATEST(duration_seconds, $2),
			ai_summary = COALESCE(NULLIF($3, ''), ai_summary),
			key_topics = CASE WHEN cardinality($4::text[]) > 0 THEN $4::text[] ELSE key_topics END,
			sentiment = COALESCE($5::jsonb, sentiment),
			finalized_at = COALESCE(finalized_at, NOW()),
			updated_at = NOW()
		WHERE session_id = $1
		RETURNING ` + recordingCols
	return scanRecording(r.pool.QueryRow(ctx, q, sessionID, f.DurationSeconds, f.Summary, topics, sentiment))
}

// SetRecordingArchive implements Store.
func (r *Repository) SetRecordingArchive(ctx context.Context, sessionID uuid.UUID, url, key string) error {
	return r.exec(ctx, `UPDATE session_recordings SET recording_url = $2, recording_archive_key = $3, updated_at = NOW() WHERE session_id = $1`,
		sessionID, url, key)
}

// SetStatus implements Store.
func (r *Repository) SetStatus(ctx context.Context, sessionID uuid.UUID, status string) error {
	return r.exec(ctx, `UPDATE session_recordings SET status = $2, updated_at = NOW() WHERE session_id = $1`, sessionID, status)
}

func (r *Repository) exec(ctx context.Context, q string, args ...interface{}) error {
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrNotFound
	}
	return nil
}
