package calendar

import (
	"fmt"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/config"
)

// SessionName identifies one of the two daily decision sessions.
type SessionName string

const (
	MorningGuard  SessionName = "morning_guard"
	ClosingSprint SessionName = "closing_sprint"
)

// Names lists the daily sessions in firing order.
var Names = []SessionName{MorningGuard, ClosingSprint}

const dateLayout = "2006-01-02"

// Window is the local interval during which a session may fire.
type Window struct {
	Name  SessionName `json:"name"`
	Open  time.Time   `json:"open"`
	Close time.Time   `json:"close"`
}

// Calendar answers market-open questions for a single exchange. All methods
// are pure given the holiday table it was built with.
type Calendar struct {
	loc           *time.Location
	holidays      map[string]bool
	earlyCloses   map[string]bool
	morningOffset time.Duration
	closingLead   time.Duration
	window        time.Duration
}

// New builds an NYSE calendar from config. Extra holidays and early closes are
// merged into the built-in table.
func New(cfg config.Calendar) (*Calendar, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}

	c := &Calendar{
		loc:           loc,
		holidays:      make(map[string]bool, len(nyseHolidays)+len(cfg.ExtraHolidays)),
		earlyCloses:   make(map[string]bool, len(nyseEarlyCloses)+len(cfg.ExtraEarlyCloses)),
		morningOffset: time.Duration(cfg.MorningOffsetMin) * time.Minute,
		closingLead:   time.Duration(cfg.ClosingLeadMin) * time.Minute,
		window:        time.Duration(cfg.SessionWindowMin) * time.Minute,
	}
	for _, d := range append(append([]string{}, nyseHolidays...), cfg.ExtraHolidays...) {
		c.holidays[d] = true
	}
	for _, d := range append(append([]string{}, nyseEarlyCloses...), cfg.ExtraEarlyCloses...) {
		c.earlyCloses[d] = true
	}
	return c, nil
}

// Location is the exchange's local time zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// IsTradingDay reports whether the exchange holds a regular session on the
// local calendar date of t. The zero time is never a trading day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	if t.IsZero() {
		return false
	}
	d := t.In(c.loc)
	switch d.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[d.Format(dateLayout)]
}

// MarketHours returns the regular open and close for the date of t.
func (c *Calendar) MarketHours(t time.Time) (time.Time, time.Time, bool) {
	if !c.IsTradingDay(t) {
		return time.Time{}, time.Time{}, false
	}
	d := t.In(c.loc)
	open := time.Date(d.Year(), d.Month(), d.Day(), 9, 30, 0, 0, c.loc)
	closeHour := 16
	if c.earlyCloses[d.Format(dateLayout)] {
		closeHour = 13
	}
	return open, time.Date(d.Year(), d.Month(), d.Day(), closeHour, 0, 0, 0, c.loc), true
}

// SessionWindow returns the local [open, close) interval for the named
// session on the date of t. ok is false on non-trading days and for unknown
// session names.
func (c *Calendar) SessionWindow(t time.Time, name SessionName) (time.Time, time.Time, bool) {
	mOpen, mClose, ok := c.MarketHours(t)
	if !ok {
		return time.Time{}, time.Time{}, false
	}

	var open time.Time
	switch name {
	case MorningGuard:
		open = mOpen.Add(c.morningOffset)
	case ClosingSprint:
		open = mClose.Add(-c.closingLead)
	default:
		return time.Time{}, time.Time{}, false
	}
	if open.Before(mOpen) {
		open = mOpen
	}
	end := open.Add(c.window)
	if end.After(mClose) {
		end = mClose
	}
	if !end.After(open) {
		return time.Time{}, time.Time{}, false
	}
	return open, end, true
}

// Sessions lists both session windows for the date of t, empty on
// non-trading days.
func (c *Calendar) Sessions(t time.Time) []Window {
	var out []Window
	for _, name := range Names {
		if open, end, ok := c.SessionWindow(t, name); ok {
			out = append(out, Window{Name: name, Open: open, Close: end})
		}
	}
	return out
}

// NextTradingDay returns local midnight of the first trading day strictly
// after the date of t, looking ahead at most two weeks.
func (c *Calendar) NextTradingDay(t time.Time) (time.Time, bool) {
	d := t.In(c.loc)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, c.loc)
	for i := 1; i <= 14; i++ {
		next := day.AddDate(0, 0, i)
		if c.IsTradingDay(next) {
			return next, true
		}
	}
	return time.Time{}, false
}

// DateKey formats the local calendar date of t.
func (c *Calendar) DateKey(t time.Time) string {
	return t.In(c.loc).Format(dateLayout)
}
