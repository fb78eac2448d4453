// Package scheduler layers cron-style repeating triggers and ad-hoc delayed
// tasks on the same durable queue: RunAt for one-shots, RunEvery for
// repeating ticks. Repeating triggers must be registered exactly once at
// process start.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"sendflow/internal/queue"
)

type Scheduler struct {
	repo queue.Repository
	cron *cron.Cron
	log  zerolog.Logger
}

// New builds a scheduler with a seconds-capable cron parser, which the 5s
// and 20s pollers need.
func New(repo queue.Repository, log zerolog.Logger) *Scheduler {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &Scheduler{
		repo: repo,
		cron: cron.New(cron.WithParser(parser)),
		log:  log,
	}
}

// RunAt enqueues a one-shot task due at t. Past times are due immediately.
func (s *Scheduler) RunAt(ctx context.Context, t time.Time, kind string, payload []byte, opt queue.Options) (string, error) {
	opt.Delay = time.Until(t)
	return s.repo.Enqueue(ctx, kind, payload, opt)
}

// RunEvery registers a repeating trigger: on every cron tick one task of the
// given kind is enqueued. Tick tasks are deleted on completion so the task
// table doesn't accumulate poller noise.
func (s *Scheduler) RunEvery(spec, kind string, payload []byte) error {
	_, err := s.cron.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		id, err := s.repo.Enqueue(ctx, kind, payload, queue.Options{DeleteOnComplete: true})
		if err != nil {
			s.log.Error().Err(err).Str("kind", kind).Msg("failed to enqueue repeating task")
			return
		}
		s.log.Debug().Str("kind", kind).Str("task_id", id).Msg("repeating task enqueued")
	})
	return err
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the cron triggers; already-enqueued tasks stay in the queue.
func (s *Scheduler) Stop() { s.cron.Stop() }

// validateSpec checks a cron expression against the scheduler's parser.
func validateSpec(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(spec)
	return err
}
