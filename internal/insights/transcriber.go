package insights

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"

	"github.com/openai/openai-go"
)

// Transcriber converts an audio chunk to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// OpenAITranscriber implements Transcriber with Whisper.
type OpenAITranscriber struct {
	client openai.Client
}

// NewOpenAITranscriber creates a Whisper transcriber.
func NewOpenAITranscriber(cfg Config) *OpenAITranscriber {
	return &OpenAITranscriber{client: openai.NewClient(clientOptions(cfg)...)}
}

// Transcribe uploads one audio chunk and returns its text.
func (t *OpenAITranscriber) Transcribe(ctx context.Context, audio io.Reader, filename string) (string, error) {
	if filename == "" {
		filename = "chunk.webm"
	}
	ctype := mime.TypeByExtension(filepath.Ext(filename))
	if ctype == "" {
		ctype = "application/octet-stream"
	}
	res, err := t.client.Audio.Transcriptions.New(ctx, openai.AudioTranscriptionNewParams{
		File:           openai.File(audio, filename, ctype),
		Model:          openai.AudioModelWhisper1,
		ResponseFormat: openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("transcribe: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}
