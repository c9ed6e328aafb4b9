package portfolio

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/fsutil"
	"github.com/Rajchodisetti/session-trader/internal/observ"
)

// Holding is one position in the file-backed book.
type Holding struct {
	Quantity      float64   `json:"quantity"`
	AvgCost       float64   `json:"avg_cost"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastEntryAt   time.Time `json:"last_entry_at,omitempty"`
	HighWaterMark float64   `json:"high_water_mark,omitempty"`
	ATR           float64   `json:"atr,omitempty"`
	RealizedPnL   float64   `json:"realized_pnl"`
}

// State is the on-disk book: holdings, the last known prices and the plans
// already applied.
type State struct {
	Version   int64              `json:"version"`
	UpdatedAt string             `json:"updated_at"`
	Positions map[string]Holding `json:"positions"`
	Quotes    map[string]float64 `json:"quotes"`
	Applied   []string           `json:"applied_plans,omitempty"`
}

const maxApplied = 64

// Manager is a paper broker backed by a JSON file. It reports positions and
// quotes like a real broker and fills submitted plans at the planned price.
type Manager struct {
	filePath string
	state    State
	mu       sync.RWMutex
	now      func() time.Time
}

func NewManager(filePath string) *Manager {
	return &Manager{
		filePath: filePath,
		state: State{
			Positions: make(map[string]Holding),
			Quotes:    make(map[string]float64),
		},
		now: time.Now,
	}
}

// Load reads the book from disk. A missing file is an empty book.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read portfolio state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("failed to unmarshal portfolio state: %w", err)
	}
	if st.Positions == nil {
		st.Positions = make(map[string]Holding)
	}
	if st.Quotes == nil {
		st.Quotes = make(map[string]float64)
	}
	m.state = st
	return nil
}

func (m *Manager) saveUnsafe() error {
	m.state.Version++
	m.state.UpdatedAt = m.now().UTC().Format(time.RFC3339)
	if err := fsutil.WriteJSONAtomic(m.filePath, m.state); err != nil {
		return fmt.Errorf("failed to save portfolio state: %w", err)
	}
	return nil
}

// Positions returns holdings valued at the last known quote (avg cost when
// no quote is known), sorted by ticker.
func (m *Manager) Positions(ctx context.Context) ([]decision.Position, error) {
	if err := m.Load(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]decision.Position, 0, len(m.state.Positions))
	for ticker, h := range m.state.Positions {
		if h.Quantity <= 0 {
			continue
		}
		px := m.state.Quotes[ticker]
		if px <= 0 {
			px = h.AvgCost
		}
		out = append(out, decision.Position{
			Ticker:        ticker,
			Quantity:      h.Quantity,
			AvgCost:       h.AvgCost,
			MarketValue:   h.Quantity * px,
			OpenedAt:      h.OpenedAt,
			LastEntryAt:   h.LastEntryAt,
			HighWaterMark: h.HighWaterMark,
			ATR:           h.ATR,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ticker < out[j].Ticker })
	return out, nil
}

// Quotes returns the last known prices for tickers. Unknown tickers are
// omitted.
func (m *Manager) Quotes(ctx context.Context, tickers []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(tickers))
	for _, t := range tickers {
		if px, ok := m.state.Quotes[strings.ToUpper(t)]; ok {
			out[strings.ToUpper(t)] = px
		}
	}
	return out, nil
}

// UpdateQuote records a price and raises the high-water mark of a held
// position.
func (m *Manager) UpdateQuote(symbol string, price float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	symbol = strings.ToUpper(symbol)
	m.state.Quotes[symbol] = price
	if h, ok := m.state.Positions[symbol]; ok && price > h.HighWaterMark {
		h.HighWaterMark = price
		m.state.Positions[symbol] = h
	}
	return m.saveUnsafe()
}

// Submit fills every order in the plan at its planned price. A plan that was
// already applied is ignored.
func (m *Manager) Submit(ctx context.Context, plan decision.ExecutionPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range m.state.Applied {
		if id == plan.ID {
			observ.Log("paper_plan_duplicate", map[string]any{"plan_id": plan.ID})
			return nil
		}
	}

	for _, d := range plan.Orders() {
		qty, _ := d.Quantity.Float64()
		price, _ := d.Price.Float64()
		if d.Action == decision.Sell {
			qty = -qty
		}
		m.fillUnsafe(d.Ticker, qty, price, plan.CreatedAt)
	}

	m.state.Applied = append(m.state.Applied, plan.ID)
	if len(m.state.Applied) > maxApplied {
		m.state.Applied = m.state.Applied[len(m.state.Applied)-maxApplied:]
	}
	observ.Log("paper_plan_filled", map[string]any{"plan_id": plan.ID, "orders": len(plan.Orders())})
	return m.saveUnsafe()
}

func (m *Manager) fillUnsafe(symbol string, qty, price float64, at time.Time) {
	h := m.state.Positions[symbol]
	switch {
	case qty > 0:
		if h.Quantity <= 0 {
			h = Holding{OpenedAt: at, RealizedPnL: h.RealizedPnL}
		}
		cost := h.AvgCost*h.Quantity + price*qty
		h.Quantity += qty
		h.AvgCost = cost / h.Quantity
		h.LastEntryAt = at
		if price > h.HighWaterMark {
			h.HighWaterMark = price
		}
	case qty < 0:
		sold := -qty
		if sold > h.Quantity {
			sold = h.Quantity
		}
		h.RealizedPnL += sold * (price - h.AvgCost)
		h.Quantity -= sold
		if h.Quantity <= 1e-9 {
			h.Quantity, h.AvgCost, h.HighWaterMark = 0, 0, 0
			h.OpenedAt, h.LastEntryAt = time.Time{}, time.Time{}
		}
	}
	m.state.Positions[symbol] = h
	m.state.Quotes[symbol] = price
}

// Snapshot returns a copy of the book.
func (m *Manager) Snapshot() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.state
	out.Positions = make(map[string]Holding, len(m.state.Positions))
	for k, v := range m.state.Positions {
		out.Positions[k] = v
	}
	out.Quotes = make(map[string]float64, len(m.state.Quotes))
	for k, v := range m.state.Quotes {
		out.Quotes[k] = v
	}
	out.Applied = append([]string(nil), m.state.Applied...)
	return out
}
