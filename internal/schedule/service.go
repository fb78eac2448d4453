// Package schedule implements the deferred-message pipeline: a poller that
// reserves due schedules and a dispatch executor that sends them, rearming
// recurring ones. Failed sends park the schedule in ERROR for an operator;
// blind retry of a user-facing scheduled message risks duplicate delivery.
package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sendflow/internal/domain"
	"sendflow/internal/queue"
	"sendflow/internal/report"
	"sendflow/internal/sender"
	"sendflow/internal/store"
)

const (
	TaskPoll = "schedule.poll"
	TaskSend = "schedule.send"
)

// pollWindow is the poller's lookahead; dispatchBuffer is the fixed delay on
// the dispatch task. The buffer exceeds the window so a schedule can never
// be double-selected before its dispatch task fires.
const (
	pollWindow     = 30 * time.Second
	dispatchBuffer = 40 * time.Second
)

type sendPayload struct {
	ScheduleID int64 `json:"schedule_id"`
}

type Service struct {
	store    *store.Store
	queue    queue.Repository
	senders  sender.Registry
	reporter report.Reporter
	log      zerolog.Logger
}

func New(st *store.Store, q queue.Repository, reg sender.Registry, rep report.Reporter, log zerolog.Logger) *Service {
	if rep == nil {
		rep = report.Nop{}
	}
	return &Service{store: st, queue: q, senders: reg, reporter: rep, log: log}
}

// HandlePoll reserves PENDING schedules due within the lookahead window and
// enqueues their dispatch with the fixed buffer delay.
func (s *Service) HandlePoll(ctx context.Context, _ json.RawMessage) error {
	now := time.Now()
	due, err := s.store.ListPendingSchedules(ctx, now, now.Add(pollWindow))
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("list pending schedules: %w", err)
	}
	for _, sc := range due {
		reserved, err := s.store.ReserveSchedule(ctx, sc.ID)
		if err != nil {
			s.reporter.Capture(err)
			s.log.Error().Err(err).Int64("schedule_id", sc.ID).Msg("failed to reserve schedule")
			continue
		}
		if !reserved {
			continue
		}
		b, err := json.Marshal(sendPayload{ScheduleID: sc.ID})
		if err != nil {
			s.reporter.Capture(err)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, TaskSend, b, queue.Options{
			Delay:            dispatchBuffer,
			DeleteOnComplete: true,
		}); err != nil {
			s.reporter.Capture(err)
			s.log.Error().Err(err).Int64("schedule_id", sc.ID).Msg("failed to enqueue schedule dispatch")
			continue
		}
		s.log.Info().Int64("schedule_id", sc.ID).Time("send_at", sc.SendAt).Msg("schedule queued for dispatch")
	}
	return nil
}

// HandleSend dispatches one schedule. The row is re-loaded fresh because it
// may have been edited externally between reservation and dispatch.
func (s *Service) HandleSend(ctx context.Context, payload json.RawMessage) error {
	var p sendPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("schedule send payload: %w", err)
	}
	sc, err := s.store.GetSchedule(ctx, p.ScheduleID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("schedule %d: %w", p.ScheduleID, err)
	}

	if err := s.dispatch(ctx, sc); err != nil {
		// ERROR is terminal until an operator intervenes; no auto-retry.
		s.reporter.Capture(err)
		s.log.Error().Err(err).Int64("schedule_id", sc.ID).Msg("schedule dispatch failed")
		if merr := s.store.MarkScheduleError(ctx, sc.ID); merr != nil {
			s.reporter.Capture(merr)
		}
		return nil
	}
	return nil
}

func (s *Service) dispatch(ctx context.Context, sc domain.Schedule) error {
	contact, err := s.store.GetContact(ctx, sc.ContactID)
	if err != nil {
		return fmt.Errorf("contact %d: %w", sc.ContactID, err)
	}
	snd, err := s.senders.Default(ctx, sc.TenantID)
	if err != nil {
		return fmt.Errorf("default channel for tenant %d: %w", sc.TenantID, err)
	}

	if sc.RecurrenceID != nil {
		rec, err := s.store.GetRecurrence(ctx, *sc.RecurrenceID)
		if err != nil {
			return fmt.Errorf("recurrence %d: %w", *sc.RecurrenceID, err)
		}
		if err := snd.SendText(ctx, contact.Number, rec.Body); err != nil {
			return fmt.Errorf("send recurrence text: %w", err)
		}
		if rec.MediaPath != "" {
			if err := snd.SendMedia(ctx, contact.Number, rec.MediaName, rec.MediaPath); err != nil {
				return fmt.Errorf("send recurrence media: %w", err)
			}
		}
		if rec.IntervalDays == 0 {
			if err := s.store.MarkScheduleSent(ctx, sc.ID, time.Now()); err != nil {
				return fmt.Errorf("mark schedule sent: %w", err)
			}
			s.log.Info().Int64("schedule_id", sc.ID).Msg("recurring schedule finalized")
			return nil
		}
		// Rearm from the previous send time, not from now, so the cadence
		// doesn't drift with dispatch latency.
		next := sc.SendAt.AddDate(0, 0, rec.IntervalDays)
		if err := s.store.RearmSchedule(ctx, sc.ID, next); err != nil {
			return fmt.Errorf("rearm schedule: %w", err)
		}
		s.log.Info().Int64("schedule_id", sc.ID).Time("next_send_at", next).Msg("schedule rearmed")
		return nil
	}

	if err := snd.SendText(ctx, contact.Number, sc.Body); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	if sc.MediaPath != "" {
		if err := snd.SendMedia(ctx, contact.Number, "", sc.MediaPath); err != nil {
			return fmt.Errorf("send media: %w", err)
		}
	}
	if err := s.store.MarkScheduleSent(ctx, sc.ID, time.Now()); err != nil {
		return fmt.Errorf("mark schedule sent: %w", err)
	}
	s.log.Info().Int64("schedule_id", sc.ID).Str("contact", contact.Name).Msg("scheduled message sent")
	return nil
}
