package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

// Trigger is a job that fires once per ISO week, on or after Weekday at
// Hour:Minute local time. A daemon that was down at the slot catches up later
// in the same week.
type Trigger struct {
	Name    string
	Weekday time.Weekday
	Hour    int
	Minute  int
	Run     func(ctx context.Context, now time.Time) error
}

// TriggersFromConfig binds the enabled weekly entries to jobs by name.
// Entries without a job are an error so a typo never silently disables one.
func TriggersFromConfig(entries []config.Weekly, jobs map[string]func(context.Context, time.Time) error) ([]Trigger, error) {
	var out []Trigger
	for _, e := range entries {
		if !e.Enabled {
			continue
		}
		run, ok := jobs[e.Name]
		if !ok {
			return nil, fmt.Errorf("weekly trigger %q has no job", e.Name)
		}
		day, err := config.ParseWeekday(e.Weekday)
		if err != nil {
			return nil, fmt.Errorf("weekly trigger %q: %w", e.Name, err)
		}
		h, m, err := config.ParseClock(e.At)
		if err != nil {
			return nil, fmt.Errorf("weekly trigger %q: %w", e.Name, err)
		}
		out = append(out, Trigger{Name: e.Name, Weekday: day, Hour: h, Minute: m, Run: run})
	}
	return out, nil
}

// due reports whether now is at or past the trigger slot within now's ISO
// week. Weeks start on Monday, so a Sunday trigger is the last slot.
func (t Trigger) due(now time.Time) bool {
	slotDay := isoDay(t.Weekday)
	today := isoDay(now.Weekday())
	if today != slotDay {
		return today > slotDay
	}
	return now.Hour() > t.Hour || (now.Hour() == t.Hour && now.Minute() >= t.Minute)
}

func isoDay(d time.Weekday) int {
	if d == time.Sunday {
		return 7
	}
	return int(d)
}

func (s *Scheduler) runTriggers(ctx context.Context, now time.Time) []error {
	if len(s.triggers) == 0 {
		return nil
	}
	week := isoWeek(now)

	s.mu.Lock()
	if s.state.Week != week {
		s.state.Week = week
		s.state.WeeklyFired = make(map[string]time.Time)
	}
	s.mu.Unlock()

	var errs []error
	for _, tr := range s.triggers {
		if !tr.due(now) {
			continue
		}
		s.mu.Lock()
		_, fired := s.state.WeeklyFired[tr.Name]
		if !fired {
			s.state.WeeklyFired[tr.Name] = now
		}
		s.mu.Unlock()
		if fired {
			continue
		}

		// Flag first: a trigger that crashes the process is not repeated.
		if err := s.persist(ctx); err != nil {
			s.mu.Lock()
			delete(s.state.WeeklyFired, tr.Name)
			s.mu.Unlock()
			errs = append(errs, err)
			continue
		}

		err := s.runTrigger(ctx, tr, now)
		outcome := "ok"
		if err != nil {
			outcome = "error"
			errs = append(errs, fmt.Errorf("weekly %s: %w", tr.Name, err))
			observ.Error("weekly_trigger_failed", err, map[string]any{"trigger": tr.Name, "week": week})
			s.notify(ctx, alerts.Message{
				Kind:     alerts.KindWeeklyStatus,
				Severity: alerts.Warning,
				Title:    fmt.Sprintf("weekly %s failed", tr.Name),
				Text:     err.Error(),
				At:       now,
			})
		} else {
			observ.Log("weekly_trigger_fired", map[string]any{"trigger": tr.Name, "week": week})
		}
		if s.metrics != nil {
			s.metrics.WeeklyTriggers.WithLabelValues(tr.Name, outcome).Inc()
		}
	}
	return errs
}

func (s *Scheduler) runTrigger(ctx context.Context, tr Trigger, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panicked: %v", r)
		}
	}()
	return tr.Run(ctx, now)
}

// StatusJob returns the weekly status trigger: a summary of the scheduler
// state and heartbeat sent to the notifier.
func (s *Scheduler) StatusJob() func(context.Context, time.Time) error {
	return func(ctx context.Context, now time.Time) error {
		st := s.Snapshot()
		fields := []alerts.Field{
			{Title: "Mode", Value: string(st.Mode.Mode)},
			{Title: "Phase", Value: string(st.Phase)},
		}
		if st.Mode.Mode != "" && !st.Mode.Since.IsZero() {
			fields = append(fields, alerts.Field{Title: "Mode since", Value: st.Mode.Since.Format(time.RFC3339)})
		}
		if s.hb != nil {
			if last := s.hb.Last(); !last.IsZero() {
				fields = append(fields, alerts.Field{Title: "Heartbeat", Value: last.Format(time.RFC3339)})
			}
		}
		return s.notifier.Notify(ctx, alerts.Message{
			Kind:     alerts.KindWeeklyStatus,
			Severity: alerts.Info,
			Title:    fmt.Sprintf("weekly status %s", isoWeek(now)),
			Text:     "Daemon alive.",
			Fields:   fields,
			At:       now,
		})
	}
}
