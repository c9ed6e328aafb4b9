package outbox

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

// Order is one line item handed to the order component.
type Order struct {
	ID             string          `json:"id"`
	PlanID         string          `json:"plan_id"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Kind           string          `json:"kind"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	Notional       decimal.Decimal `json:"notional"`
	Timestamp      time.Time       `json:"timestamp"`
	Status         string          `json:"status"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type Entry struct {
	Type  string          `json:"type"` // plan | order
	Key   string          `json:"key"`
	Data  json.RawMessage `json:"data"`
	Event time.Time       `json:"event"`
}

// Outbox is an append-only JSONL file the order component tails. A plan is
// written at most once: its ID is the idempotency key.
type Outbox struct {
	path         string
	dedupeWindow time.Duration
	mu           sync.Mutex
	now          func() time.Time
}

// New prepares the outbox at path. dedupeWindow bounds how far back a
// duplicate plan ID is looked for; zero means the whole file.
func New(path string, dedupeWindow time.Duration) (*Outbox, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return &Outbox{path: path, dedupeWindow: dedupeWindow, now: time.Now}, nil
}

func (o *Outbox) Path() string { return o.path }

// Submit appends the plan and one order line per buy or sell.
func (o *Outbox) Submit(ctx context.Context, plan decision.ExecutionPlan) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	dup, err := o.hasPlanUnsafe(plan.ID)
	if err != nil {
		return err
	}
	if dup {
		observ.Log("outbox_plan_duplicate", map[string]any{"plan_id": plan.ID})
		return nil
	}

	now := o.now().UTC()
	planData, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}
	entries := []Entry{{Type: "plan", Key: plan.ID, Data: planData, Event: now}}
	for i, d := range plan.Orders() {
		key := GenerateIdempotencyKey(plan.ID, d.Ticker, string(d.Action))
		data, err := json.Marshal(Order{
			ID:             GenerateOrderID(plan.ID, i+1),
			PlanID:         plan.ID,
			Symbol:         d.Ticker,
			Side:           string(d.Action),
			Kind:           string(d.Kind),
			Quantity:       d.Quantity,
			LimitPrice:     d.Price,
			Notional:       d.Notional,
			Timestamp:      plan.CreatedAt,
			Status:         "pending",
			IdempotencyKey: key,
		})
		if err != nil {
			return fmt.Errorf("marshal order: %w", err)
		}
		entries = append(entries, Entry{Type: "order", Key: key, Data: data, Event: now})
	}

	if err := o.appendEntries(entries); err != nil {
		return err
	}
	observ.Log("outbox_plan_written", map[string]any{"plan_id": plan.ID, "orders": len(entries) - 1})
	return nil
}

// appendEntries writes all lines with a single write and fsyncs, so a crash
// never leaves a plan without its orders.
func (o *Outbox) appendEntries(entries []Entry) error {
	var buf []byte
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			return err
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open outbox: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("append outbox: %w", err)
	}
	return f.Sync()
}

// HasPlan reports whether a plan with this ID is already in the outbox.
func (o *Outbox) HasPlan(planID string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasPlanUnsafe(planID)
}

func (o *Outbox) hasPlanUnsafe(planID string) (bool, error) {
	found := false
	err := o.scan(func(e Entry) bool {
		if e.Type == "plan" && e.Key == planID {
			found = true
			return false
		}
		return true
	})
	return found, err
}

// Orders returns the order lines of one plan in file order.
func (o *Outbox) Orders(planID string) ([]Order, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Order
	err := o.scan(func(e Entry) bool {
		if e.Type != "order" {
			return true
		}
		var ord Order
		if err := json.Unmarshal(e.Data, &ord); err == nil && ord.PlanID == planID {
			out = append(out, ord)
		}
		return true
	})
	return out, err
}

func (o *Outbox) scan(fn func(Entry) bool) error {
	f, err := os.Open(o.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	var cutoff time.Time
	if o.dedupeWindow > 0 {
		cutoff = o.now().UTC().Add(-o.dedupeWindow)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if !cutoff.IsZero() && e.Event.Before(cutoff) {
			continue
		}
		if !fn(e) {
			break
		}
	}
	return sc.Err()
}
