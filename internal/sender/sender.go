// Package sender abstracts the outbound transport that actually delivers a
// message over a messaging network. The pipeline only calls it; failures
// propagate as-is.
package sender

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

var ErrNoChannel = errors.New("no channel configured")

type Sender interface {
	SendText(ctx context.Context, number, body string) error
	SendMedia(ctx context.Context, number, caption, mediaPath string) error
}

// Registry resolves outbound channels. Get looks up a specific channel,
// Default resolves a tenant's default channel for schedule sends.
type Registry interface {
	Get(ctx context.Context, channelID int64) (Sender, error)
	Default(ctx context.Context, tenantID int64) (Sender, error)
}

// StaticRegistry is a fixed channel map with an optional fallback, enough
// for the binary and for tests. A real deployment plugs its session manager
// in behind the Registry interface instead.
type StaticRegistry struct {
	Channels map[int64]Sender
	Defaults map[int64]Sender
	Fallback Sender
}

func (r StaticRegistry) Get(_ context.Context, channelID int64) (Sender, error) {
	if s, ok := r.Channels[channelID]; ok {
		return s, nil
	}
	if r.Fallback != nil {
		return r.Fallback, nil
	}
	return nil, fmt.Errorf("channel %d: %w", channelID, ErrNoChannel)
}

func (r StaticRegistry) Default(_ context.Context, tenantID int64) (Sender, error) {
	if s, ok := r.Defaults[tenantID]; ok {
		return s, nil
	}
	if r.Fallback != nil {
		return r.Fallback, nil
	}
	return nil, fmt.Errorf("tenant %d default channel: %w", tenantID, ErrNoChannel)
}

// LogSender pretends to deliver by logging. Useful for local runs.
type LogSender struct {
	Log zerolog.Logger
}

func (s LogSender) SendText(_ context.Context, number, body string) error {
	s.Log.Info().Str("number", number).Int("len", len(body)).Msg("send text")
	return nil
}

func (s LogSender) SendMedia(_ context.Context, number, caption, mediaPath string) error {
	s.Log.Info().Str("number", number).Str("media", mediaPath).Int("caption_len", len(caption)).Msg("send media")
	return nil
}
