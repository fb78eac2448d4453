// Package notify emits tenant-scoped campaign progress events to a realtime
// sink. Emission is fire-and-forget and never required for correctness.
package notify

import (
	"context"

	"github.com/rs/zerolog"
	"sendflow/internal/domain"
)

type Event struct {
	TenantID   int64
	CampaignID int64
	Action     string
	Status     domain.CampaignStatus
}

type Sink interface {
	CampaignEvent(ctx context.Context, ev Event)
}

// LogSink is the default sink: one structured log line per event.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) CampaignEvent(_ context.Context, ev Event) {
	s.Log.Debug().
		Int64("tenant_id", ev.TenantID).
		Int64("campaign_id", ev.CampaignID).
		Str("action", ev.Action).
		Str("status", string(ev.Status)).
		Msg("campaign event")
}

// NopSink drops events.
type NopSink struct{}

func (NopSink) CampaignEvent(context.Context, Event) {}
