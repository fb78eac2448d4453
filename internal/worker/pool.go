package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"sendflow/internal/domain"
	"sendflow/internal/queue"
	"sendflow/internal/report"
)

type Handler interface {
	Handle(ctx context.Context, payload json.RawMessage) error
}

type HandlerFunc func(ctx context.Context, payload json.RawMessage) error

func (f HandlerFunc) Handle(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Pool leases tasks and runs their handlers. Concurrency is bounded by a
// semaphore; tasks tagged with a rate-limit group additionally wait on that
// group's limiter before executing, which is how ordinary message sends are
// throttled independently of their computed delays.
type Pool struct {
	repo      queue.Repository
	handlers  map[string]Handler
	limiters  map[string]*rate.Limiter
	reporter  report.Reporter
	log       zerolog.Logger
	sem       chan struct{}
	stop      chan struct{}
	pollEvery time.Duration
}

func NewPool(repo queue.Repository, handlers map[string]Handler, limiters map[string]*rate.Limiter, size int, pollEvery time.Duration, rep report.Reporter, log zerolog.Logger) *Pool {
	if rep == nil {
		rep = report.Nop{}
	}
	return &Pool{
		repo:      repo,
		handlers:  handlers,
		limiters:  limiters,
		reporter:  rep,
		log:       log,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
}

func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case now := <-t.C:
			for {
				task, err := p.repo.LeaseNext(ctx, now)
				if err != nil {
					break
				}
				p.sem <- struct{}{}
				go func(tk domain.Task) {
					defer func() { <-p.sem }()
					p.run(ctx, tk)
				}(task)
			}
		}
	}
}

func (p *Pool) Stop() {
	close(p.stop)
}

func (p *Pool) run(ctx context.Context, tk domain.Task) {
	h, ok := p.handlers[tk.Kind]
	if !ok {
		p.log.Error().Str("task_id", tk.ID).Str("kind", tk.Kind).Msg("no handler for kind")
		_ = p.repo.Fail(ctx, tk.ID, "no handler")
		return
	}
	if lim := p.limiters[tk.Group]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return
		}
	}
	c, cancel := context.WithTimeout(ctx, time.Duration(tk.VisibilityTimeout)*time.Second)
	defer cancel()
	if err := h.Handle(c, tk.Payload); err != nil {
		// Deliberately no retry: a retried send could double-deliver, so
		// re-entry goes through the data layer's idempotency instead.
		p.reporter.Capture(err)
		p.log.Error().Err(err).Str("task_id", tk.ID).Str("kind", tk.Kind).Msg("task failed")
		_ = p.repo.Fail(ctx, tk.ID, err.Error())
		return
	}
	_ = p.repo.Succeed(ctx, tk.ID)
}
