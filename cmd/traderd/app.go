package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Rajchodisetti/session-trader/internal/adapters"
	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/backup"
	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/heartbeat"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/persistence/postgres"
	"github.com/Rajchodisetti/session-trader/internal/scheduler"
	"github.com/Rajchodisetti/session-trader/internal/session"
	"github.com/Rajchodisetti/session-trader/internal/store"
)

// app holds every wired component. close releases what was opened.
type app struct {
	cfg       config.Root
	metrics   *observ.Metrics
	cal       *calendar.Calendar
	notifier  alerts.Notifier
	slack     *alerts.SlackClient
	redis     *redis.Client
	heartbeat *heartbeat.Monitor
	states    scheduler.StateStore
	history   *postgres.PlanRecorder
	collab    adapters.Collaborators
	pipeline  *session.Pipeline
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) redisClient(ctx context.Context) (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rdb, err := store.NewRedis(ctx, a.cfg.Redis)
	if err != nil {
		return nil, err
	}
	a.redis = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return rdb, nil
}

func heartbeatStore(ctx context.Context, a *app) (heartbeat.Store, error) {
	switch a.cfg.Heartbeat.Backend {
	case "redis":
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return heartbeat.NewRedisStore(rdb, a.cfg.Redis.Prefix), nil
	case "file", "":
		return heartbeat.NewFileStore(a.cfg.Heartbeat.Path), nil
	}
	return nil, fmt.Errorf("unknown heartbeat backend %q", a.cfg.Heartbeat.Backend)
}

func stateStore(ctx context.Context, a *app) (scheduler.StateStore, error) {
	switch a.cfg.Scheduler.StateBackend {
	case "redis":
		rdb, err := a.redisClient(ctx)
		if err != nil {
			return nil, err
		}
		return scheduler.NewRedisStateStore(rdb, a.cfg.Redis.Prefix), nil
	case "file", "":
		return scheduler.NewFileStateStore(a.cfg.Scheduler.StatePath), nil
	}
	return nil, fmt.Errorf("unknown state backend %q", a.cfg.Scheduler.StateBackend)
}

// buildApp wires config into components. withDaemon adds the pieces only the
// long-running process needs (state store, heartbeat).
func buildApp(ctx context.Context, cfg config.Root, withDaemon bool) (*app, error) {
	a := &app{cfg: cfg, metrics: observ.NewMetrics()}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		return nil, err
	}
	a.cal = cal

	notifiers := alerts.Multi{alerts.LogNotifier{}}
	if cfg.Slack.Enabled {
		a.slack = alerts.NewSlackClient(cfg.Slack, a.metrics)
		a.closers = append(a.closers, a.slack.Close)
		notifiers = append(notifiers, a.slack)
	}
	a.notifier = notifiers

	var recorder session.Recorder = session.NopRecorder{}
	if cfg.Postgres.Enabled {
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		a.history = postgres.NewPlanRecorder(db, cfg.Postgres.QueryTimeout)
		if err := a.history.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		recorder = a.history
	}

	a.collab, err = adapters.NewFactory(cfg.Collaborators).Build()
	if err != nil {
		return nil, err
	}
	a.pipeline = session.NewPipeline(cfg.Risk, cfg.DryRun, session.Deps{
		Signals:  a.collab.Signals,
		Broker:   a.collab.Broker,
		Orders:   a.collab.Orders,
		Recorder: recorder,
		Notifier: a.notifier,
		Metrics:  a.metrics,
	})

	if withDaemon {
		hs, err := heartbeatStore(ctx, a)
		if err != nil {
			return nil, err
		}
		a.heartbeat = heartbeat.New(hs, time.Now)
		if err := a.heartbeat.Refresh(ctx); err != nil {
			observ.Warn("heartbeat_refresh_failed", map[string]any{"error": err.Error()})
		}
		if a.states, err = stateStore(ctx, a); err != nil {
			return nil, err
		}
	}

	ok = true
	return a, nil
}

func (a *app) scheduler() (*scheduler.Scheduler, error) {
	sched := scheduler.New(scheduler.Options{
		Calendar:     a.cal,
		Runner:       a.pipeline,
		Store:        a.states,
		Heartbeat:    a.heartbeat,
		Notifier:     a.notifier,
		PollInterval: a.cfg.Scheduler.PollInterval,
		Metrics:      a.metrics,
	})
	triggers, err := scheduler.TriggersFromConfig(a.cfg.Scheduler.Weekly, map[string]func(context.Context, time.Time) error{
		"backup": backup.New(a.cfg.Backup).Job(a.notifier),
		"status": sched.StatusJob(),
	})
	if err != nil {
		return nil, err
	}
	sched.SetTriggers(triggers)
	return sched, nil
}
