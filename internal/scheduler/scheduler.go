package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/heartbeat"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/risk"
)

// Clock is injected so tests can drive the scheduler through virtual days.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Calendar is the subset of the market calendar the scheduler consults.
type Calendar interface {
	Location() *time.Location
	IsTradingDay(t time.Time) bool
	SessionWindow(t time.Time, name calendar.SessionName) (time.Time, time.Time, bool)
}

// Outcome is what a finished session hands back for persistence.
type Outcome struct {
	PlanID string
	Mode   risk.ModeState
}

// Runner executes one session end to end. prior is the persisted risk mode.
type Runner interface {
	RunSession(ctx context.Context, name calendar.SessionName, prior risk.ModeState) (Outcome, error)
}

type Options struct {
	Calendar     Calendar
	Runner       Runner
	Store        StateStore
	Heartbeat    *heartbeat.Monitor
	Notifier     alerts.Notifier
	Clock        Clock
	PollInterval time.Duration
	Triggers     []Trigger
	Metrics      *observ.Metrics
}

// Scheduler fires each daily session at most once and keeps the heartbeat
// fresh. Tick is serialized; a slow session delays the next tick instead of
// overlapping it.
type Scheduler struct {
	cal      Calendar
	runner   Runner
	store    StateStore
	hb       *heartbeat.Monitor
	notifier alerts.Notifier
	clock    Clock
	poll     time.Duration
	triggers []Trigger
	metrics  *observ.Metrics

	tickMu sync.Mutex
	mu     sync.RWMutex
	state  State
	loaded bool
}

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Notifier == nil {
		opts.Notifier = alerts.LogNotifier{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Scheduler{
		cal:      opts.Calendar,
		runner:   opts.Runner,
		store:    opts.Store,
		hb:       opts.Heartbeat,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		poll:     opts.PollInterval,
		triggers: opts.Triggers,
		metrics:  opts.Metrics,
	}
}

// SetTriggers replaces the weekly triggers. Jobs that close over the
// scheduler itself are bound after New.
func (s *Scheduler) SetTriggers(ts []Trigger) {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	s.triggers = ts
}

// Snapshot returns a copy of the current state.
func (s *Scheduler) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// Recover loads persisted state. A session left running by a previous process
// is marked failed and reported; it is never re-run.
func (s *Scheduler) Recover(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	return s.ensureLoaded(ctx)
}

func (s *Scheduler) ensureLoaded(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	st, ok, err := s.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load session state: %w", err)
	}
	now := s.clock.Now().In(s.cal.Location())
	if !ok {
		st = newDay(now.Format("2006-01-02"), s.cal.IsTradingDay(now), State{})
	}
	if st.Sessions == nil {
		st.Sessions = newDay(st.Date, st.TradingDay, State{}).Sessions
	}
	if st.WeeklyFired == nil {
		st.WeeklyFired = make(map[string]time.Time)
	}

	var interrupted []calendar.SessionName
	for _, name := range calendar.Names {
		rec := st.Sessions[name]
		if rec.Status != StatusRunning {
			continue
		}
		if err := st.setStatus(name, StatusFailed); err != nil {
			return err
		}
		rec = st.Sessions[name]
		fin := now
		rec.FinishedAt = &fin
		rec.Error = "interrupted: process stopped while session was running"
		st.Sessions[name] = rec
		interrupted = append(interrupted, name)
	}

	s.mu.Lock()
	s.state = st
	s.loaded = true
	s.mu.Unlock()

	if len(interrupted) > 0 || !ok {
		if err := s.persist(ctx); err != nil {
			return err
		}
	}
	for _, name := range interrupted {
		observ.Warn("session_interrupted", map[string]any{"session": string(name), "date": st.Date})
		s.count(name, string(StatusFailed))
		s.notify(ctx, alerts.Message{
			Kind:     alerts.KindSessionFailed,
			Severity: alerts.Critical,
			Title:    fmt.Sprintf("%s interrupted on %s", name, st.Date),
			Text:     "The process stopped mid-session. The session will not be retried today; check the outbox before trading manually.",
			At:       now,
		})
	}
	observ.Log("scheduler_state_loaded", map[string]any{"date": st.Date, "phase": string(st.Phase), "mode": string(st.Mode.Mode), "existing": ok})
	return nil
}

// Tick runs one scheduler iteration at the clock's current time.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}

	var errs []error
	now := s.clock.Now().In(s.cal.Location())
	if err := s.rollDay(ctx, now); err != nil {
		errs = append(errs, err)
	}

	if s.cal.IsTradingDay(now) {
		for _, name := range calendar.Names {
			if err := s.maybeRunSession(ctx, name, now); err != nil {
				errs = append(errs, err)
			}
		}
	}

	errs = append(errs, s.runTriggers(ctx, now)...)

	if s.hb != nil {
		beat := s.clock.Now()
		if err := s.hb.Record(ctx, beat); err != nil {
			errs = append(errs, fmt.Errorf("record heartbeat: %w", err))
		} else if s.metrics != nil {
			s.metrics.HeartbeatUnix.Set(float64(beat.Unix()))
		}
	}
	return errors.Join(errs...)
}

// ErrSessionResolved is returned by RunNow when the session already ran,
// failed or was missed today.
var ErrSessionResolved = errors.New("session already resolved today")

// RunNow executes the named session immediately, outside its window, under
// the same once-per-day guards as Tick. The morning guard must be resolved
// before the closing sprint can run.
func (s *Scheduler) RunNow(ctx context.Context, name calendar.SessionName) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	if err := s.ensureLoaded(ctx); err != nil {
		return err
	}
	now := s.clock.Now().In(s.cal.Location())
	if err := s.rollDay(ctx, now); err != nil {
		return err
	}

	s.mu.RLock()
	rec, known := s.state.Sessions[name]
	phase := s.state.Phase
	tradingDay := s.state.TradingDay
	date := s.state.Date
	s.mu.RUnlock()

	switch {
	case !known:
		return fmt.Errorf("unknown session %q", name)
	case !tradingDay:
		return fmt.Errorf("%s is not a trading day", date)
	case rec.Status != StatusPending:
		return fmt.Errorf("%s on %s is %s: %w", name, date, rec.Status, ErrSessionResolved)
	case !phase.allows(name):
		return fmt.Errorf("%s cannot run in phase %s", name, phase)
	}
	observ.Warn("session_manual_run", map[string]any{"session": string(name), "date": date})
	return s.execute(ctx, name, now)
}

// Run ticks every poll interval until ctx is cancelled, then persists state.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Recover(ctx); err != nil {
		return err
	}
	observ.Log("scheduler_started", map[string]any{"poll_interval": s.poll.String()})

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		if err := s.Tick(ctx); err != nil {
			observ.Error("scheduler_tick_failed", err, nil)
		}
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.tickMu.Lock()
			err := s.persist(shutdownCtx)
			s.tickMu.Unlock()
			observ.Log("scheduler_stopped", map[string]any{"persist_ok": err == nil})
			return err
		case <-ticker.C:
		}
	}
}

// rollDay starts a fresh day at local midnight. Sessions of the previous
// trading day that never resolved are reported as missed.
func (s *Scheduler) rollDay(ctx context.Context, now time.Time) error {
	date := now.Format("2006-01-02")
	s.mu.Lock()
	prev := s.state
	if prev.Date == date {
		s.mu.Unlock()
		return nil
	}
	s.state = newDay(date, s.cal.IsTradingDay(now), prev)
	s.mu.Unlock()

	observ.Log("scheduler_day_rollover", map[string]any{"from": prev.Date, "to": date, "prev_phase": string(prev.Phase)})
	if prev.TradingDay {
		for _, name := range calendar.Names {
			if st := prev.Sessions[name].Status; st == StatusPending {
				s.count(name, string(StatusMissed))
				s.notify(ctx, alerts.Message{
					Kind:     alerts.KindSessionMissed,
					Severity: alerts.Warning,
					Title:    fmt.Sprintf("%s missed on %s", name, prev.Date),
					Text:     "The daemon was not running during the session window.",
					At:       now,
				})
			}
		}
	}
	return s.persist(ctx)
}

func (s *Scheduler) maybeRunSession(ctx context.Context, name calendar.SessionName, now time.Time) error {
	s.mu.RLock()
	rec := s.state.Sessions[name]
	phase := s.state.Phase
	s.mu.RUnlock()

	if rec.Status != StatusPending || !phase.allows(name) {
		return nil
	}
	open, end, ok := s.cal.SessionWindow(now, name)
	if !ok || now.Before(open) {
		return nil
	}
	if !now.Before(end) {
		return s.markMissed(ctx, name, open, end, now)
	}
	return s.execute(ctx, name, now)
}

func (s *Scheduler) markMissed(ctx context.Context, name calendar.SessionName, open, end, now time.Time) error {
	s.mu.Lock()
	if err := s.state.setStatus(name, StatusMissed); err != nil {
		s.mu.Unlock()
		return err
	}
	rec := s.state.Sessions[name]
	rec.Error = fmt.Sprintf("window %s-%s passed before the session could run", open.Format("15:04"), end.Format("15:04"))
	s.state.Sessions[name] = rec
	date := s.state.Date
	s.mu.Unlock()

	observ.Warn("session_missed", map[string]any{"session": string(name), "date": date, "window_close": end.Format(time.RFC3339)})
	s.count(name, string(StatusMissed))
	s.notify(ctx, alerts.Message{
		Kind:     alerts.KindSessionMissed,
		Severity: alerts.Warning,
		Title:    fmt.Sprintf("%s missed on %s", name, date),
		Text:     rec.Error + ". Sessions are never fired late.",
		At:       now,
	})
	return s.persist(ctx)
}

func (s *Scheduler) execute(ctx context.Context, name calendar.SessionName, now time.Time) error {
	runID := uuid.NewString()

	s.mu.Lock()
	before := s.state.clone()
	if err := s.state.setStatus(name, StatusRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	rec := s.state.Sessions[name]
	started := now
	rec.RunID, rec.StartedAt = runID, &started
	s.state.Sessions[name] = rec
	prior := s.state.Mode
	s.mu.Unlock()

	// The running mark must be durable before any side effect; otherwise a
	// crash could lead to a second run after restart.
	if err := s.persist(ctx); err != nil {
		s.mu.Lock()
		s.state = before
		s.mu.Unlock()
		return fmt.Errorf("persist %s start: %w", name, err)
	}

	observ.Log("session_start", map[string]any{"session": string(name), "run_id": runID, "mode": string(prior.Mode)})
	out, runErr := s.runSafely(ctx, name, prior)
	finished := s.clock.Now()

	s.mu.Lock()
	status := StatusFired
	if runErr != nil {
		status = StatusFailed
	}
	if err := s.state.setStatus(name, status); err != nil {
		s.mu.Unlock()
		return err
	}
	rec = s.state.Sessions[name]
	rec.FinishedAt = &finished
	rec.PlanID = out.PlanID
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	// a plan computed before a later step failed still moved the mode
	if out.Mode.Mode != "" {
		s.state.Mode = out.Mode
	}
	s.state.Sessions[name] = rec
	mode := s.state.Mode
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionDuration.WithLabelValues(string(name)).Observe(finished.Sub(started).Seconds())
		s.metrics.Mode.Set(float64(mode.Mode.Level()))
	}
	s.count(name, string(status))

	if runErr != nil {
		observ.Error("session_failed", runErr, map[string]any{"session": string(name), "run_id": runID})
		s.notify(ctx, alerts.Message{
			Kind:     alerts.KindSessionFailed,
			Severity: alerts.Critical,
			Title:    fmt.Sprintf("%s failed", name),
			Text:     runErr.Error() + "\nNot retried today.",
			Fields:   []alerts.Field{{Title: "Run", Value: runID}},
			At:       finished,
		})
	} else {
		observ.Log("session_fired", map[string]any{"session": string(name), "run_id": runID, "plan_id": out.PlanID, "mode": string(mode.Mode)})
	}
	return s.persist(ctx)
}

func (s *Scheduler) runSafely(ctx context.Context, name calendar.SessionName, prior risk.ModeState) (out Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session %s panicked: %v", name, r)
		}
	}()
	return s.runner.RunSession(ctx, name, prior)
}

func (s *Scheduler) persist(ctx context.Context) error {
	s.mu.Lock()
	s.state.Version++
	s.state.UpdatedAt = s.clock.Now().UTC()
	st := s.state.clone()
	s.mu.Unlock()

	if err := s.store.Save(ctx, st); err != nil {
		return fmt.Errorf("persist session state: %w", err)
	}
	return nil
}

func (s *Scheduler) notify(ctx context.Context, m alerts.Message) {
	if err := s.notifier.Notify(ctx, m); err != nil {
		observ.Error("notify_failed", err, map[string]any{"kind": string(m.Kind)})
	}
}

func (s *Scheduler) count(name calendar.SessionName, outcome string) {
	if s.metrics != nil {
		s.metrics.SessionsTotal.WithLabelValues(string(name), outcome).Inc()
	}
}
