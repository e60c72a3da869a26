package video

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aura-coaching/backend/internal/models"
)

// DefaultDailyBaseURL is the Daily REST API root.
const DefaultDailyBaseURL = "https://api.daily.co/v1"

// DailyConfig configures the Daily client.
type DailyConfig struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	RoomTTL time.Duration
}

// APIError is a non-2xx Daily response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("daily api: status %d: %s", e.Status, e.Body)
}

func (e *APIError) alreadyExists() bool {
	return e.Status == http.StatusBadRequest && strings.Contains(e.Body, "already exists")
}

// DailyClient talks to the Daily REST API.
type DailyClient struct {
	cfg    DailyConfig
	http   *http.Client
	logger *zap.Logger
	now    func() time.Time
}

// NewDailyClient creates a Daily client.
func NewDailyClient(cfg DailyConfig, logger *zap.Logger) *DailyClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultDailyBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RoomTTL <= 0 {
		cfg.RoomTTL = 4 * time.Hour
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &DailyClient{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, logger: logger, now: time.Now}
}

// Name implements Provider.
func (d *DailyClient) Name() string { return models.VideoProviderDaily }

type roomProperties struct {
	MaxParticipants   int    `json:"max_participants"`
	EnableRecording   string `json:"enable_recording"`
	EnableScreenshare bool   `json:"enable_screenshare"`
	EnableChat        bool   `json:"enable_chat"`
	Exp               int64  `json:"exp"`
	Nbf               int64  `json:"nbf"`
}

type createRoomRequest struct {
	Name       string         `json:"name"`
	Privacy    string         `json:"privacy"`
	Properties roomProperties `json:"properties"`
}

type roomResponse struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// CreateRoom implements Provider. A room left behind by an earlier attempt whose
// persistence failed is fetched and reused.
func (d *DailyClient) CreateRoom(ctx context.Context, name string) (*models.VideoRoom, error) {
	if d.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	now := d.now()
	req := createRoomRequest{
		Name:    name,
		Privacy: "private",
		Properties: roomProperties{
			MaxParticipants:   2,
			EnableRecording:   "cloud",
			EnableScreenshare: true,
			EnableChat:        true,
			Exp:               now.Add(d.cfg.RoomTTL).Unix(),
			Nbf:               now.Unix(),
		},
	}
	var out roomResponse
	err := d.do(ctx, http.MethodPost, "/rooms", req, &out)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.alreadyExists() {
		d.logger.Info("daily room already exists, reusing", zap.String("room", name))
		err = d.do(ctx, http.MethodGet, "/rooms/"+name, nil, &out)
	}
	if err != nil {
		return nil, err
	}
	return &models.VideoRoom{Name: out.Name, URL: out.URL, Provider: models.VideoProviderDaily}, nil
}

// MeetingTokenParams scopes a meeting token.
type MeetingTokenParams struct {
	RoomName            string
	UserName            string
	IsOwner             bool
	StartCloudRecording bool
	ExpiresAt           time.Time
}

type meetingTokenProperties struct {
	RoomName            string `json:"room_name"`
	UserName            string `json:"user_name,omitempty"`
	IsOwner             bool   `json:"is_owner"`
	StartCloudRecording bool   `json:"start_cloud_recording,omitempty"`
	Exp                 int64  `json:"exp"`
}

// MeetingToken mints a room-scoped participant token.
func (d *DailyClient) MeetingToken(ctx context.Context, p MeetingTokenParams) (string, error) {
	if d.cfg.APIKey == "" {
		return "", ErrNotConfigured
	}
	body := struct {
		Properties meetingTokenProperties `json:"properties"`
	}{meetingTokenProperties{
		RoomName:            p.RoomName,
		UserName:            p.UserName,
		IsOwner:             p.IsOwner,
		StartCloudRecording: p.StartCloudRecording,
		Exp:                 p.ExpiresAt.Unix(),
	}}
	var out struct {
		Token string `json:"token"`
	}
	if err := d.do(ctx, http.MethodPost, "/meeting-tokens", body, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// Webhook is a registered Daily webhook.
type Webhook struct {
	UUID  string `json:"uuid"`
	URL   string `json:"url"`
	State string `json:"state"`
}

// ListWebhooks returns the webhooks registered on the Daily domain.
func (d *DailyClient) ListWebhooks(ctx context.Context) ([]Webhook, error) {
	if d.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	var out []Webhook
	if err := d.do(ctx, http.MethodGet, "/webhooks", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterWebhook registers url to receive recording and transcript events.
func (d *DailyClient) RegisterWebhook(ctx context.Context, url string) (*Webhook, error) {
	if d.cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	var out Webhook
	if err := d.do(ctx, http.MethodPost, "/webhooks", map[string]string{"url": url}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (d *DailyClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, d.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("daily %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read daily response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode daily response: %w", err)
	}
	return nil
}
