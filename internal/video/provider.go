// Package video provisions video rooms for coaching sessions with at-most-once creation
// per session and graceful fallback when the primary provider is down.
package video

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/aura-coaching/backend/internal/models"
)

// ErrNotConfigured is returned by a provider that has no credentials.
var ErrNotConfigured = errors.New("video provider not configured")

// Provider creates rooms.
type Provider interface {
	Name() string
	CreateRoom(ctx context.Context, name string) (*models.VideoRoom, error)
}

// RoomName is the deterministic room name of a session.
func RoomName(sessionID uuid.UUID) string {
	return "coaching-" + sessionID.String()
}

// SessionIDFromRoom parses a room name produced by RoomName.
func SessionIDFromRoom(name string) (uuid.UUID, bool) {
	rest, ok := strings.CutPrefix(name, "coaching-")
	if !ok {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(rest)
	return id, err == nil
}

// FallbackProvider builds rooms on the secondary provider by URL convention, without a
// network call. Used only when the primary provider is unavailable.
type FallbackProvider struct {
	host string
}

// NewFallbackProvider creates a fallback provider. An empty host disables it.
func NewFallbackProvider(host string) *FallbackProvider {
	return &FallbackProvider{host: strings.TrimSuffix(strings.TrimPrefix(host, "https://"), "/")}
}

// Name implements Provider.
func (f *FallbackProvider) Name() string { return models.VideoProviderVideoSDK }

// CreateRoom implements Provider.
func (f *FallbackProvider) CreateRoom(ctx context.Context, name string) (*models.VideoRoom, error) {
	if f == nil || f.host == "" {
		return nil, ErrNotConfigured
	}
	return &models.VideoRoom{
		Name:     name,
		URL:      fmt.Sprintf("https://%s/%s", f.host, name),
		Provider: models.VideoProviderVideoSDK,
	}, nil
}
