// Package presence flips users whose session went quiet back to offline.
package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"sendflow/internal/report"
	"sendflow/internal/store"
)

const TaskPoll = "presence.poll"

// staleAfter is how long a session may be silent before it counts as gone.
const staleAfter = 5 * time.Minute

type Service struct {
	store    *store.Store
	reporter report.Reporter
	log      zerolog.Logger
}

func New(st *store.Store, rep report.Reporter, log zerolog.Logger) *Service {
	if rep == nil {
		rep = report.Nop{}
	}
	return &Service{store: st, reporter: rep, log: log}
}

func (s *Service) HandlePoll(ctx context.Context, _ json.RawMessage) error {
	n, err := s.store.MarkStaleUsersOffline(ctx, time.Now().Add(-staleAfter))
	if err != nil {
		s.reporter.Capture(err)
		return fmt.Errorf("mark stale users offline: %w", err)
	}
	if n > 0 {
		s.log.Info().Int("count", n).Msg("stale users marked offline")
	}
	return nil
}
