// Package campaign implements the campaign dispatch pipeline: a chain of
// three task kinds that expands a campaign into per-recipient dispatch tasks
// with staggered delays, plus the due-poller that feeds it. Idempotency
// lives in the shipping record, not the queue: every handler can be run
// twice without double-sending.
package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"sendflow/internal/delay"
	"sendflow/internal/domain"
	"sendflow/internal/msgtmpl"
	"sendflow/internal/notify"
	"sendflow/internal/queue"
	"sendflow/internal/report"
	"sendflow/internal/sender"
	"sendflow/internal/store"
)

// Task kinds handled by this package.
const (
	TaskVerify   = "campaign.verify"
	TaskProcess  = "campaign.process"
	TaskPrepare  = "campaign.prepare"
	TaskDispatch = "campaign.dispatch"
)

// GroupMessageSend is the rate-limit group shared by all ordinary message
// sends, bounding throughput independently of the computed delays.
const GroupMessageSend = "message-send"

// dueLookahead is how far ahead the due-poller selects SCHEDULED campaigns.
const dueLookahead = time.Hour

// dispatchVisibility gives dispatch tasks a generous lease: they may sit in
// the send rate limiter before the actual send happens.
const dispatchVisibility = 300 // seconds

type processPayload struct {
	CampaignID int64 `json:"campaign_id"`
	DelayMS    int64 `json:"delay_ms"`
}

type preparePayload struct {
	ContactID  int64             `json:"contact_id"`
	CampaignID int64             `json:"campaign_id"`
	DelayMS    int64             `json:"delay_ms"`
	Variables  []domain.Variable `json:"variables,omitempty"`
}

type dispatchPayload struct {
	CampaignID int64 `json:"campaign_id"`
	ShippingID int64 `json:"shipping_id"`
	ContactID  int64 `json:"contact_id"`
}

type Service struct {
	store    *store.Store
	queue    queue.Repository
	senders  sender.Registry
	notify   notify.Sink
	reporter report.Reporter
	log      zerolog.Logger
	rng      *lockedRand
}

// New wires the pipeline. rng seeds both variant selection and delay jitter;
// tests pass a deterministic source.
func New(st *store.Store, q queue.Repository, reg sender.Registry, sink notify.Sink, rep report.Reporter, log zerolog.Logger, rng *rand.Rand) *Service {
	if rep == nil {
		rep = report.Nop{}
	}
	if sink == nil {
		sink = notify.NopSink{}
	}
	return &Service{
		store:    st,
		queue:    q,
		senders:  reg,
		notify:   sink,
		reporter: rep,
		log:      log,
		rng:      &lockedRand{r: rng},
	}
}

// HandleVerify is the due-poller tick: SCHEDULED campaigns starting within
// the lookahead window get a process task carrying the remaining time until
// their scheduled start as base delay.
func (s *Service) HandleVerify(ctx context.Context, _ json.RawMessage) error {
	now := time.Now()
	due, err := s.store.ListDueCampaigns(ctx, now, now.Add(dueLookahead))
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("list due campaigns: %w", err)
	}
	s.log.Info().Int("count", len(due)).Msg("due campaigns found")
	for _, c := range due {
		d := c.ScheduledAt.Sub(now)
		b, err := json.Marshal(processPayload{CampaignID: c.ID, DelayMS: d.Milliseconds()})
		if err != nil {
			s.reporter.Capture(err)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, TaskProcess, b, queue.Options{DeleteOnComplete: true}); err != nil {
			s.reporter.Capture(err)
			s.log.Error().Err(err).Int64("campaign_id", c.ID).Msg("failed to enqueue process task")
			continue
		}
		s.log.Info().Int64("campaign_id", c.ID).Dur("base_delay", d).Msg("campaign queued for processing")
	}
	return nil
}

// HandleProcess expands a campaign into one prepare task per eligible
// contact. Delays are cumulative across the whole recipient list; the
// prepare task itself runs immediately and carries the contact's dispatch
// delay in its payload.
func (s *Service) HandleProcess(ctx context.Context, payload json.RawMessage) error {
	var p processPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("process payload: %w", err)
	}
	camp, err := s.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("campaign %d: %w", p.CampaignID, err)
	}
	if !camp.Status.Progressable() {
		s.log.Warn().Int64("campaign_id", camp.ID).Str("status", string(camp.Status)).Msg("campaign not progressable, skipping")
		return nil
	}
	settings, err := s.store.GetSettings(ctx, camp.TenantID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("settings for tenant %d: %w", camp.TenantID, err)
	}
	contacts, err := s.store.ListEligibleContacts(ctx, camp.ContactListID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("contacts for list %d: %w", camp.ContactListID, err)
	}

	base := time.Duration(p.DelayMS) * time.Millisecond
	offsets := delay.Offsets(len(contacts), settings, base, s.rng)
	for i, c := range contacts {
		b, err := json.Marshal(preparePayload{
			ContactID:  c.ID,
			CampaignID: camp.ID,
			DelayMS:    offsets[i].Milliseconds(),
			Variables:  settings.Variables,
		})
		if err != nil {
			s.reporter.Capture(err)
			continue
		}
		if _, err := s.queue.Enqueue(ctx, TaskPrepare, b, queue.Options{DeleteOnComplete: true}); err != nil {
			s.reporter.Capture(err)
			s.log.Error().Err(err).Int64("campaign_id", camp.ID).Int64("contact_id", c.ID).Msg("failed to enqueue prepare task")
			continue
		}
		s.log.Debug().Int64("campaign_id", camp.ID).Int64("contact_id", c.ID).Dur("delay", offsets[i]).Msg("contact queued for preparation")
	}
	if err := s.store.MarkCampaignInProgress(ctx, camp.ID); err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("mark campaign %d in progress: %w", camp.ID, err)
	}
	return nil
}

// HandlePrepare resolves one contact's message content and performs the
// idempotent get-or-create on the shipping record. Duplicate invocations
// refresh content but never produce a second record or a second delivery.
func (s *Service) HandlePrepare(ctx context.Context, payload json.RawMessage) error {
	var p preparePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("prepare payload: %w", err)
	}
	camp, err := s.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("campaign %d: %w", p.CampaignID, err)
	}
	contact, err := s.store.GetContact(ctx, p.ContactID)
	if err != nil {
		s.reporter.Capture(err)
		// Contact removed mid-campaign: abort this task but still run the
		// completion check so the campaign isn't stuck on a ghost.
		s.verifyAndFinalize(ctx, camp)
		return fmt.Errorf("contact %d: %w", p.ContactID, err)
	}

	rec := domain.ShippingRecord{
		CampaignID: camp.ID,
		ContactID:  contact.ID,
		Number:     contact.Number,
	}
	if msg, ok := msgtmpl.Pick(camp.Messages, s.rng); ok {
		rec.Message = msgtmpl.Mark(msgtmpl.Process(msg, p.Variables, contact))
	}
	if camp.Confirmation {
		if msg, ok := msgtmpl.Pick(camp.ConfirmationMessages, s.rng); ok {
			rec.ConfirmationMessage = msgtmpl.Mark(msgtmpl.Process(msg, p.Variables, contact))
		}
	}

	got, created, err := s.store.GetOrCreateShipping(ctx, rec)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("shipping record for campaign %d contact %d: %w", camp.ID, contact.ID, err)
	}
	if !created && got.DeliveredAt == nil && got.ConfirmationRequestedAt == nil {
		// Template edits mid-campaign take effect on resend without
		// breaking idempotency.
		if err := s.store.RefreshShippingContent(ctx, got.ID, rec.Number, rec.Message, rec.ConfirmationMessage); err != nil {
			s.reporter.Capture(err)
			return fmt.Errorf("refresh shipping %d: %w", got.ID, err)
		}
		got.Number, got.Message, got.ConfirmationMessage = rec.Number, rec.Message, rec.ConfirmationMessage
	}

	if got.DeliveredAt == nil && got.ConfirmationRequestedAt == nil {
		b, err := json.Marshal(dispatchPayload{CampaignID: camp.ID, ShippingID: got.ID, ContactID: contact.ID})
		if err != nil {
			s.reporter.Capture(err)
			return err
		}
		taskID, err := s.queue.Enqueue(ctx, TaskDispatch, b, queue.Options{
			Delay:             time.Duration(p.DelayMS) * time.Millisecond,
			Group:             GroupMessageSend,
			DeleteOnComplete:  true,
			VisibilityTimeout: dispatchVisibility,
		})
		if err != nil {
			s.reporter.Capture(err)
			return fmt.Errorf("enqueue dispatch for shipping %d: %w", got.ID, err)
		}
		if err := s.store.SetShippingTask(ctx, got.ID, taskID); err != nil {
			s.reporter.Capture(err)
			s.log.Error().Err(err).Int64("shipping_id", got.ID).Msg("failed to store dispatch task id")
		}
		s.log.Debug().Int64("campaign_id", camp.ID).Int64("shipping_id", got.ID).Str("task_id", taskID).Msg("dispatch queued")
	}

	s.verifyAndFinalize(ctx, camp)
	return nil
}

// HandleDispatch sends the message (or the confirmation request) for one
// shipping record and stamps the terminal state. A record already delivered
// is a no-op with respect to re-sending.
func (s *Service) HandleDispatch(ctx context.Context, payload json.RawMessage) error {
	var p dispatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("dispatch payload: %w", err)
	}
	camp, err := s.store.GetCampaign(ctx, p.CampaignID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("campaign %d: %w", p.CampaignID, err)
	}
	if !camp.Status.Progressable() {
		s.log.Warn().Int64("campaign_id", camp.ID).Str("status", string(camp.Status)).Msg("campaign no longer progressable, dispatch dropped")
		return nil
	}
	rec, err := s.store.GetShipping(ctx, p.ShippingID)
	if err != nil {
		s.reporter.Capture(err)
		if errors.Is(err, sql.ErrNoRows) {
			s.verifyAndFinalize(ctx, camp)
		}
		return fmt.Errorf("shipping %d: %w", p.ShippingID, err)
	}

	snd, err := s.senders.Get(ctx, camp.ChannelID)
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("channel for campaign %d: %w", camp.ID, err)
	}

	now := time.Now()
	switch {
	case rec.DeliveredAt != nil:
		// Terminal record, nothing to send.
		s.log.Debug().Int64("shipping_id", rec.ID).Msg("record already delivered, dispatch is a no-op")

	case camp.Confirmation && rec.ConfirmationRequestedAt == nil:
		if err := snd.SendText(ctx, rec.Number, rec.ConfirmationMessage); err != nil {
			s.reporter.Capture(err)
			return fmt.Errorf("send confirmation to %s: %w", rec.Number, err)
		}
		if _, err := s.store.MarkShippingConfirmationRequested(ctx, rec.ID, now); err != nil {
			s.reporter.Capture(err)
			return fmt.Errorf("mark confirmation requested %d: %w", rec.ID, err)
		}
		s.log.Info().Int64("campaign_id", camp.ID).Int64("shipping_id", rec.ID).Msg("confirmation requested")

	case camp.Confirmation && rec.ConfirmationRequestedAt != nil:
		// Waiting on the recipient's reply; delivery is driven by the
		// reply-handling collaborator, not by this task.
		s.log.Debug().Int64("shipping_id", rec.ID).Msg("confirmation pending, dispatch is a no-op")

	default:
		if err := snd.SendText(ctx, rec.Number, rec.Message); err != nil {
			s.reporter.Capture(err)
			return fmt.Errorf("send message to %s: %w", rec.Number, err)
		}
		if camp.MediaPath != "" {
			if err := snd.SendMedia(ctx, rec.Number, camp.MediaName, camp.MediaPath); err != nil {
				s.reporter.Capture(err)
				return fmt.Errorf("send media to %s: %w", rec.Number, err)
			}
		}
		if _, err := s.store.MarkShippingDelivered(ctx, rec.ID, now); err != nil {
			s.reporter.Capture(err)
			return fmt.Errorf("mark delivered %d: %w", rec.ID, err)
		}
		s.log.Info().Int64("campaign_id", camp.ID).Int64("shipping_id", rec.ID).Msg("campaign message delivered")
	}

	s.verifyAndFinalize(ctx, camp)
	return nil
}

// verifyAndFinalize closes the campaign once every eligible contact has a
// delivered record. It recounts instead of keeping a counter, so it
// self-heals from missed or duplicated events, and it always emits a
// progress event to the notification sink.
func (s *Service) verifyAndFinalize(ctx context.Context, camp domain.Campaign) {
	eligible, err := s.store.CountEligibleContacts(ctx, camp.ContactListID)
	if err != nil {
		s.reporter.Capture(err)
		return
	}
	delivered, err := s.store.CountDelivered(ctx, camp.ID)
	if err != nil {
		s.reporter.Capture(err)
		return
	}
	status := camp.Status
	if eligible == delivered {
		done, err := s.store.FinishCampaign(ctx, camp.ID, time.Now())
		if err != nil {
			s.reporter.Capture(err)
			return
		}
		if done {
			status = domain.CampaignFinished
			s.log.Info().Int64("campaign_id", camp.ID).Int("delivered", delivered).Msg("campaign finished")
		}
	}
	s.notify.CampaignEvent(ctx, notify.Event{
		TenantID:   camp.TenantID,
		CampaignID: camp.ID,
		Action:     "update",
		Status:     status,
	})
}

// lockedRand makes a *rand.Rand safe for concurrent handlers.
type lockedRand struct {
	mu sync.Mutex
	r  *rand.Rand
}

func (l *lockedRand) Intn(n int) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Intn(n)
}
