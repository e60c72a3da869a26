// Package insights derives post-session summaries from transcripts and transcribes
// audio chunks. Both are backed by the OpenAI API.
package insights

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/models"
)

// ErrEmptyTranscript is returned when there is nothing to analyse.
var ErrEmptyTranscript = errors.New("insights: empty transcript")

// Input is the transcript of one session.
type Input struct {
	SessionID  uuid.UUID
	Transcript string
	Segments   []models.TranscriptSegment
}

// Result is the generated analysis.
type Result struct {
	Summary   string            `json:"summary"`
	KeyTopics []string          `json:"key_topics"`
	Sentiment *models.Sentiment `json:"sentiment,omitempty"`
}

// Generator produces an analysis of a session transcript.
type Generator interface {
	Generate(ctx context.Context, in Input) (*Result, error)
}

// Config configures the OpenAI-backed clients.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// DefaultModel is used when Config.Model is empty.
const DefaultModel = openai.ChatModelGPT4oMini

const systemPrompt = `You analyse transcripts of one-to-one coaching sessions.
Reply with a JSON object with the keys:
  "summary": a short neutral summary of the session (max 120 words),
  "key_topics": up to 6 short topic labels,
  "sentiment": {"overall": one of "positive", "neutral", "negative", "mixed", "notes": up to 3 short observations}.
Lines reading [REDACTED] were removed at the participants' request; never speculate about them.`

// OpenAIGenerator implements Generator with chat completions in JSON mode.
type OpenAIGenerator struct {
	client openai.Client
	model  string
	logger *zap.Logger
}

// NewOpenAIGenerator creates a generator.
func NewOpenAIGenerator(cfg Config, logger *zap.Logger) *OpenAIGenerator {
	if logger == nil {
		logger = zap.NewNop()
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	return &OpenAIGenerator{client: openai.NewClient(clientOptions(cfg)...), model: model, logger: logger}
}

func clientOptions(cfg Config) []option.RequestOption {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return opts
}

// Generate asks the model for a summary, key topics and sentiment.
func (g *OpenAIGenerator) Generate(ctx context.Context, in Input) (*Result, error) {
	text := transcriptText(in)
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyTranscript
	}
	res, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(res.Choices) == 0 {
		return nil, errors.New("chat completion: no choices")
	}
	out, err := parseResult(res.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	g.logger.Debug("insights generated",
		zap.String("session_id", in.SessionID.String()),
		zap.Int("topics", len(out.KeyTopics)),
		zap.Int64("total_tokens", res.Usage.TotalTokens))
	return out, nil
}

func parseResult(content string) (*Result, error) {
	var out Result
	if err := json.Unmarshal([]byte(content), &out); err != nil {
		return nil, fmt.Errorf("decode insights: %w", err)
	}
	out.Summary = strings.TrimSpace(out.Summary)
	topics := out.KeyTopics[:0]
	for _, t := range out.KeyTopics {
		if t = strings.TrimSpace(t); t != "" {
			topics = append(topics, t)
		}
	}
	out.KeyTopics = topics
	if out.Sentiment != nil && out.Sentiment.Overall == "" && len(out.Sentiment.Notes) == 0 {
		out.Sentiment = nil
	}
	return &out, nil
}

// transcriptText renders segments as speaker-labelled lines, falling back to the flat transcript.
func transcriptText(in Input) string {
	if len(in.Segments) == 0 {
		return in.Transcript
	}
	var b strings.Builder
	for _, s := range in.Segments {
		if s.Speaker != "" {
			b.WriteString(s.Speaker)
			b.WriteString(": ")
		}
		b.WriteString(s.Text)
		b.WriteByte('\n')
	}
	return b.String()
}
