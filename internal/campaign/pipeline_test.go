package campaign

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"sendflow/internal/domain"
	"sendflow/internal/msgtmpl"
	"sendflow/internal/queue"
	"sendflow/internal/sender"
	"sendflow/internal/store"
)

type sentMsg struct {
	number string
	body   string
}

type fakeSender struct {
	mu    sync.Mutex
	texts []sentMsg
	media []sentMsg
	fail  bool
}

func (f *fakeSender) SendText(_ context.Context, number, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport down")
	}
	f.texts = append(f.texts, sentMsg{number, body})
	return nil
}

func (f *fakeSender) SendMedia(_ context.Context, number, _, mediaPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("transport down")
	}
	f.media = append(f.media, sentMsg{number, mediaPath})
	return nil
}

func (f *fakeSender) sent() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.texts...)
}

type fixture struct {
	store *store.Store
	queue queue.Repository
	snd   *fakeSender
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, store.EnsureSchema(db))
	require.NoError(t, queue.EnsureSchema(db))

	st := store.New(db)
	repo := queue.NewSQLiteRepo(db)
	snd := &fakeSender{}
	reg := sender.StaticRegistry{Fallback: snd}
	rng := rand.New(rand.NewSource(1))
	svc := New(st, repo, reg, nil, nil, zerolog.Nop(), rng)
	return &fixture{store: st, queue: repo, snd: snd, svc: svc}
}

// drain runs every queued task to completion, ignoring scheduled delays, the
// way the worker pool eventually would.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	handlers := map[string]func(context.Context, json.RawMessage) error{
		TaskProcess:  f.svc.HandleProcess,
		TaskPrepare:  f.svc.HandlePrepare,
		TaskDispatch: f.svc.HandleDispatch,
	}
	farFuture := time.Now().Add(24 * time.Hour)
	for i := 0; i < 1000; i++ {
		task, err := f.queue.LeaseNext(ctx, farFuture)
		if errors.Is(err, queue.ErrEmpty) {
			return
		}
		require.NoError(t, err)
		h, ok := handlers[task.Kind]
		require.True(t, ok, "no handler for %s", task.Kind)
		if herr := h(ctx, task.Payload); herr != nil {
			require.NoError(t, f.queue.Fail(ctx, task.ID, herr.Error()))
			continue
		}
		require.NoError(t, f.queue.Succeed(ctx, task.ID))
	}
	t.Fatal("queue did not drain")
}

func (f *fixture) seedContacts(t *testing.T, listID int64, names ...string) []domain.Contact {
	t.Helper()
	ctx := context.Background()
	out := make([]domain.Contact, 0, len(names))
	for i, name := range names {
		c := domain.Contact{
			TenantID:      1,
			ContactListID: listID,
			Name:          name,
			Number:        "55510" + string(rune('0'+i)),
			Email:         strings.ToLower(name) + "@example.com",
			Valid:         true,
		}
		require.NoError(t, f.store.CreateContact(ctx, &c))
		out = append(out, c)
	}
	return out
}

func TestProcessIsIdempotentAndFinishesCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contacts := f.seedContacts(t, 1, "Ana", "Bruno", "Clara")
	camp := domain.Campaign{
		TenantID:      1,
		Name:          "launch",
		ContactListID: 1,
		Status:        domain.CampaignScheduled,
		Messages:      []string{"Hello {name}"},
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &camp))

	payload, err := json.Marshal(processPayload{CampaignID: camp.ID})
	require.NoError(t, err)

	// Processing twice queues duplicate prepare tasks; the shipping record
	// absorbs them.
	require.NoError(t, f.svc.HandleProcess(ctx, payload))
	require.NoError(t, f.svc.HandleProcess(ctx, payload))
	f.drain(t)

	n, err := f.store.CountShipping(ctx, camp.ID)
	require.NoError(t, err)
	require.Equal(t, len(contacts), n)

	delivered, err := f.store.CountDelivered(ctx, camp.ID)
	require.NoError(t, err)
	require.Equal(t, len(contacts), delivered)

	sent := f.snd.sent()
	require.Len(t, sent, len(contacts))
	bodies := map[string]bool{}
	for _, m := range sent {
		require.True(t, strings.HasPrefix(m.body, msgtmpl.Marker))
		bodies[strings.TrimPrefix(m.body, msgtmpl.Marker)] = true
	}
	for _, c := range contacts {
		require.True(t, bodies["Hello "+c.Name], "missing message for %s", c.Name)
	}

	got, err := f.store.GetCampaign(ctx, camp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignFinished, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestDispatchNoopOnDeliveredRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contacts := f.seedContacts(t, 1, "Ana")
	camp := domain.Campaign{
		TenantID:      1,
		Name:          "launch",
		ContactListID: 1,
		Status:        domain.CampaignInProgress,
		Messages:      []string{"hi"},
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &camp))

	rec, _, err := f.store.GetOrCreateShipping(ctx, domain.ShippingRecord{
		CampaignID: camp.ID, ContactID: contacts[0].ID, Number: contacts[0].Number, Message: "hi",
	})
	require.NoError(t, err)

	payload, err := json.Marshal(dispatchPayload{CampaignID: camp.ID, ShippingID: rec.ID, ContactID: contacts[0].ID})
	require.NoError(t, err)

	require.NoError(t, f.svc.HandleDispatch(ctx, payload))
	require.Len(t, f.snd.sent(), 1)

	// The lease can expire and redeliver the task; the record stays terminal.
	require.NoError(t, f.svc.HandleDispatch(ctx, payload))
	require.Len(t, f.snd.sent(), 1)
}

func TestConfirmationHoldsDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedContacts(t, 1, "Ana")
	camp := domain.Campaign{
		TenantID:             1,
		Name:                 "optin",
		ContactListID:        1,
		Status:               domain.CampaignScheduled,
		Confirmation:         true,
		Messages:             []string{"the real message"},
		ConfirmationMessages: []string{"reply YES to continue"},
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &camp))

	payload, err := json.Marshal(processPayload{CampaignID: camp.ID})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleProcess(ctx, payload))
	f.drain(t)

	sent := f.snd.sent()
	require.Len(t, sent, 1)
	require.Contains(t, sent[0].body, "reply YES to continue")

	rec, err := f.store.GetShipping(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec.ConfirmationRequestedAt)
	require.Nil(t, rec.DeliveredAt)

	// A redelivered dispatch while the reply is outstanding sends nothing.
	dp, err := json.Marshal(dispatchPayload{CampaignID: camp.ID, ShippingID: rec.ID, ContactID: rec.ContactID})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleDispatch(ctx, dp))
	require.Len(t, f.snd.sent(), 1)

	got, err := f.store.GetCampaign(ctx, camp.ID)
	require.NoError(t, err)
	require.Equal(t, domain.CampaignInProgress, got.Status)
	require.Nil(t, got.CompletedAt)
}

func TestDispatchDroppedWhenCampaignCanceled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	contacts := f.seedContacts(t, 1, "Ana")
	camp := domain.Campaign{
		TenantID:      1,
		Name:          "halted",
		ContactListID: 1,
		Status:        domain.CampaignCanceled,
		Messages:      []string{"hi"},
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &camp))

	rec, _, err := f.store.GetOrCreateShipping(ctx, domain.ShippingRecord{
		CampaignID: camp.ID, ContactID: contacts[0].ID, Number: contacts[0].Number, Message: "hi",
	})
	require.NoError(t, err)

	payload, err := json.Marshal(dispatchPayload{CampaignID: camp.ID, ShippingID: rec.ID, ContactID: contacts[0].ID})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleDispatch(ctx, payload))
	require.Empty(t, f.snd.sent())

	got, err := f.store.GetShipping(ctx, rec.ID)
	require.NoError(t, err)
	require.Nil(t, got.DeliveredAt)
}

func TestCampaignMediaFollowsText(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.seedContacts(t, 1, "Ana")
	camp := domain.Campaign{
		TenantID:      1,
		Name:          "flyer",
		ContactListID: 1,
		Status:        domain.CampaignScheduled,
		Messages:      []string{"see attached"},
		MediaPath:     "/media/flyer.png",
		MediaName:     "flyer.png",
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &camp))

	payload, err := json.Marshal(processPayload{CampaignID: camp.ID})
	require.NoError(t, err)
	require.NoError(t, f.svc.HandleProcess(ctx, payload))
	f.drain(t)

	require.Len(t, f.snd.sent(), 1)
	f.snd.mu.Lock()
	media := append([]sentMsg(nil), f.snd.media...)
	f.snd.mu.Unlock()
	require.Len(t, media, 1)
	require.Equal(t, "/media/flyer.png", media[0].body)
}

func TestVerifyEnqueuesDueCampaign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	at := time.Now().Add(10 * time.Minute)
	camp := domain.Campaign{
		TenantID:      1,
		Name:          "soon",
		ContactListID: 1,
		Status:        domain.CampaignScheduled,
		Messages:      []string{"hi"},
		ScheduledAt:   &at,
	}
	require.NoError(t, f.store.CreateCampaign(ctx, &camp))

	require.NoError(t, f.svc.HandleVerify(ctx, nil))

	task, err := f.queue.LeaseNext(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, TaskProcess, task.Kind)

	var p processPayload
	require.NoError(t, json.Unmarshal(task.Payload, &p))
	require.Equal(t, camp.ID, p.CampaignID)
	require.InDelta(t, (10 * time.Minute).Milliseconds(), p.DelayMS, float64((5 * time.Second).Milliseconds()))
}
