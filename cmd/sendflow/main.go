package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"sendflow/internal/api"
	"sendflow/internal/campaign"
	"sendflow/internal/notify"
	"sendflow/internal/presence"
	"sendflow/internal/queue"
	"sendflow/internal/report"
	"sendflow/internal/schedule"
	"sendflow/internal/scheduler"
	"sendflow/internal/sender"
	"sendflow/internal/store"
	"sendflow/internal/worker"
)

func main() {
	var (
		addr     = flag.String("addr", ":8080", "HTTP bind address")
		dbPath   = flag.String("db", "sendflow.db", "SQLite DB path")
		workers  = flag.Int("workers", 8, "number of worker goroutines")
		poll     = flag.Duration("poll", 250*time.Millisecond, "poll interval for queue")
		sendRate = flag.Float64("send-rate", 0.5, "ordinary message sends per second")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", *dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure store schema")
	}
	if err := queue.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure queue schema")
	}

	repo := queue.NewSQLiteRepo(db)
	if n, err := repo.RecoverStale(context.Background(), time.Now()); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	st := store.New(db)
	reporter := report.LogReporter{Log: log.Logger}
	sink := notify.LogSink{Log: log.Logger}
	senders := sender.StaticRegistry{Fallback: sender.LogSender{Log: log.Logger}}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	campaigns := campaign.New(st, repo, senders, sink, reporter, log.Logger, rng)
	schedules := schedule.New(st, repo, senders, reporter, log.Logger)
	presences := presence.New(st, reporter, log.Logger)

	handlers := map[string]worker.Handler{
		campaign.TaskVerify:   worker.HandlerFunc(campaigns.HandleVerify),
		campaign.TaskProcess:  worker.HandlerFunc(campaigns.HandleProcess),
		campaign.TaskPrepare:  worker.HandlerFunc(campaigns.HandlePrepare),
		campaign.TaskDispatch: worker.HandlerFunc(campaigns.HandleDispatch),
		schedule.TaskPoll:     worker.HandlerFunc(schedules.HandlePoll),
		schedule.TaskSend:     worker.HandlerFunc(schedules.HandleSend),
		presence.TaskPoll:     worker.HandlerFunc(presences.HandlePoll),
	}
	limiters := map[string]*rate.Limiter{
		campaign.GroupMessageSend: rate.NewLimiter(rate.Limit(*sendRate), 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(repo, handlers, limiters, *workers, *poll, reporter, log.Logger)
	go pool.Run(ctx)

	// Repeating triggers, registered exactly once at process start.
	sched := scheduler.New(repo, log.Logger)
	for _, t := range []struct{ spec, kind string }{
		{"*/5 * * * * *", schedule.TaskPoll},
		{"*/20 * * * * *", campaign.TaskVerify},
		{"0 * * * * *", presence.TaskPoll},
	} {
		if err := sched.RunEvery(t.spec, t.kind, nil); err != nil {
			log.Fatal().Err(err).Str("kind", t.kind).Msg("register repeating trigger")
		}
	}
	sched.Start()

	srv := &http.Server{Addr: *addr, Handler: api.NewServer(st, repo)}
	go func() {
		log.Info().Str("addr", *addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}
