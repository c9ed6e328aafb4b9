package scheduler

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/risk"
)

// Phase is the day-level state machine:
// PENDING_MORNING -> PENDING_CLOSE -> DONE, reset at local midnight.
type Phase string

const (
	PendingMorning Phase = "PENDING_MORNING"
	PendingClose   Phase = "PENDING_CLOSE"
	Done           Phase = "DONE"
)

var phaseOrder = map[Phase]int{PendingMorning: 0, PendingClose: 1, Done: 2}

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusFired   Status = "fired"
	StatusFailed  Status = "failed"
	StatusMissed  Status = "missed"
)

// Terminal statuses are never left again on the same day.
func (s Status) Terminal() bool {
	return s == StatusFired || s == StatusFailed || s == StatusMissed
}

var statusTransitions = map[Status][]Status{
	StatusPending: {StatusRunning, StatusMissed},
	StatusRunning: {StatusFired, StatusFailed},
}

type SessionRecord struct {
	Status     Status     `json:"status"`
	RunID      string     `json:"run_id,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	PlanID     string     `json:"plan_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// State is everything the scheduler must remember across restarts.
type State struct {
	Version     int64                                  `json:"version"`
	UpdatedAt   time.Time                              `json:"updated_at"`
	Date        string                                 `json:"date"`
	TradingDay  bool                                   `json:"trading_day"`
	Phase       Phase                                  `json:"phase"`
	Sessions    map[calendar.SessionName]SessionRecord `json:"sessions"`
	Week        string                                 `json:"week"`
	WeeklyFired map[string]time.Time                   `json:"weekly_fired"`
	Mode        risk.ModeState                         `json:"mode"`
}

func newDay(date string, tradingDay bool, carry State) State {
	st := State{
		Version:     carry.Version,
		Date:        date,
		TradingDay:  tradingDay,
		Phase:       PendingMorning,
		Sessions:    make(map[calendar.SessionName]SessionRecord, len(calendar.Names)),
		Week:        carry.Week,
		WeeklyFired: carry.WeeklyFired,
		Mode:        carry.Mode,
	}
	for _, n := range calendar.Names {
		st.Sessions[n] = SessionRecord{Status: StatusPending}
	}
	if st.WeeklyFired == nil {
		st.WeeklyFired = make(map[string]time.Time)
	}
	return st
}

func (s State) clone() State {
	out := s
	out.Sessions = make(map[calendar.SessionName]SessionRecord, len(s.Sessions))
	for k, v := range s.Sessions {
		out.Sessions[k] = v
	}
	out.WeeklyFired = make(map[string]time.Time, len(s.WeeklyFired))
	for k, v := range s.WeeklyFired {
		out.WeeklyFired[k] = v
	}
	return out
}

func (s *State) setStatus(name calendar.SessionName, to Status) error {
	rec := s.Sessions[name]
	from := rec.Status
	if from == "" {
		from = StatusPending
	}
	for _, ok := range statusTransitions[from] {
		if ok == to {
			rec.Status = to
			s.Sessions[name] = rec
			return s.advance()
		}
	}
	return fmt.Errorf("session %s: illegal transition %s -> %s", name, from, to)
}

// advance moves the phase forward to match the session records. The phase
// never moves backwards within a day.
func (s *State) advance() error {
	next := PendingMorning
	if s.Sessions[calendar.MorningGuard].Status.Terminal() {
		next = PendingClose
		if s.Sessions[calendar.ClosingSprint].Status.Terminal() {
			next = Done
		}
	}
	if phaseOrder[next] < phaseOrder[s.Phase] {
		return fmt.Errorf("phase cannot move from %s back to %s", s.Phase, next)
	}
	s.Phase = next
	return nil
}

// allows reports whether the phase lets the named session run now.
func (p Phase) allows(name calendar.SessionName) bool {
	switch name {
	case calendar.MorningGuard:
		return p == PendingMorning
	case calendar.ClosingSprint:
		return p == PendingClose
	}
	return false
}

func isoWeek(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}
