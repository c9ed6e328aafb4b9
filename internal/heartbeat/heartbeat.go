package heartbeat

import (
	"context"
	"sync"
	"time"
)

// Store persists the last heartbeat so an external checker (or a restarted
// daemon) can read it. Load returns the zero time when nothing was recorded.
type Store interface {
	Load(ctx context.Context) (time.Time, error)
	Save(ctx context.Context, t time.Time) error
}

// Monitor holds the scheduler's liveness timestamp. The timestamp never moves
// backwards.
type Monitor struct {
	mu    sync.RWMutex
	last  time.Time
	store Store
	now   func() time.Time
}

// New returns a monitor backed by store (nil keeps it in memory). now is the
// clock Check measures age against; nil means time.Now.
func New(store Store, now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{store: store, now: now}
}

// Record stores t as the latest heartbeat. Timestamps older than the current
// one are ignored.
func (m *Monitor) Record(ctx context.Context, t time.Time) error {
	m.mu.Lock()
	if t.Before(m.last) {
		m.mu.Unlock()
		return nil
	}
	m.last = t
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}
	return m.store.Save(ctx, t)
}

// Refresh pulls the persisted heartbeat, keeping whichever is newer.
func (m *Monitor) Refresh(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	t, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if t.After(m.last) {
		m.last = t
	}
	m.mu.Unlock()
	return nil
}

// Last returns the latest heartbeat, zero if none.
func (m *Monitor) Last() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Age is the time since the last heartbeat; ok is false if none was recorded.
func (m *Monitor) Age() (time.Duration, bool) {
	last := m.Last()
	if last.IsZero() {
		return 0, false
	}
	return m.now().Sub(last), true
}

// Check reports whether a heartbeat was recorded within maxAge. A heartbeat
// exactly maxAge old is still healthy.
func (m *Monitor) Check(maxAge time.Duration) bool {
	age, ok := m.Age()
	return ok && age <= maxAge
}
