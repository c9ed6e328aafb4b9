package decision

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/session-trader/internal/risk"
)

const SourceShadowLink = "shadow_link"

// Signal is one per-ticker sentiment reading. Shadow-linked signals are
// derived from news about another ticker (LinkedFrom).
type Signal struct {
	Ticker     string  `json:"ticker"`
	Score      float64 `json:"sentiment_score"` // [-1..1]
	Duration   float64 `json:"duration_score,omitempty"`
	Action     string  `json:"action,omitempty"`
	Rationale  string  `json:"reasoning"`
	Source     string  `json:"source,omitempty"`
	LinkedFrom string  `json:"linked_from,omitempty"`
}

func (s Signal) Shadow() bool { return s.Source == SourceShadowLink }

// Technicals are indicator readings the signal producer attaches per ticker.
// Zero means not available.
type Technicals struct {
	RSI14 float64 `json:"rsi_14,omitempty"`
	SMA20 float64 `json:"sma_20,omitempty"`
	SMA50 float64 `json:"sma_50,omitempty"`
}

type SentimentSnapshot struct {
	GeneratedAt time.Time             `json:"generated_at"`
	Signals     []Signal              `json:"signals"`
	Technicals  map[string]Technicals `json:"technicals,omitempty"`
}

// MacroEnvironment carries env_bias; nil means the producer did not supply one.
type MacroEnvironment struct {
	EnvBias *float64 `json:"global_env_bias"`
	Reason  string   `json:"macro_reason"`
}

// Position is a broker holding. OpenedAt, LastEntryAt, HighWaterMark and ATR
// are optional.
type Position struct {
	Ticker        string    `json:"ticker"`
	Quantity      float64   `json:"quantity"`
	AvgCost       float64   `json:"avg_cost"`
	MarketValue   float64   `json:"market_value"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
	LastEntryAt   time.Time `json:"last_entry_at,omitempty"`
	HighWaterMark float64   `json:"high_water_mark,omitempty"`
	ATR           float64   `json:"atr,omitempty"`
}

// Input is everything Plan reads. Now and PriorMode are explicit so replays
// reproduce the same plan.
type Input struct {
	Sentiment SentimentSnapshot
	Macro     MacroEnvironment
	Positions []Position
	Quotes    map[string]float64
	Now       time.Time
	Session   string
	PriorMode risk.ModeState
}

type Action string

const (
	Buy  Action = "buy"
	Sell Action = "sell"
	Hold Action = "hold"
)

type Kind string

const (
	KindEntry      Kind = "entry"
	KindSignalExit Kind = "signal_exit"
	KindStopLoss   Kind = "stop_loss"
	KindTrailing   Kind = "trailing_stop"
	KindTrendBreak Kind = "trend_breakdown"
	KindHold       Kind = "hold"
)

// OrderType tells the order component how to route a decision: whole shares
// go out as limit orders at Price, fractional quantities as market orders.
type OrderType string

const (
	Limit  OrderType = "limit"
	Market OrderType = "market"
)

type Decision struct {
	Ticker    string          `json:"ticker"`
	Action    Action          `json:"action"`
	Kind      Kind            `json:"kind"`
	OrderType OrderType       `json:"order_type,omitempty"`
	Quantity  decimal.Decimal `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	Notional  decimal.Decimal `json:"notional"`
	Score     float64         `json:"score"`
	Mode      risk.Mode       `json:"mode"`
	Defense   bool            `json:"defense"`
	Panic     bool            `json:"panic"`
	Reason    string          `json:"reason"`
}

// InputIssue records a field the engine clamped or rejected.
type InputIssue struct {
	Ticker  string `json:"ticker,omitempty"`
	Field   string `json:"field"`
	Problem string `json:"problem"`
	Clamped bool   `json:"clamped"`
}

// Skip records a candidate that was considered and deliberately not traded.
// Kind is set for exits that could not be sized.
type Skip struct {
	Ticker string `json:"ticker"`
	Kind   Kind   `json:"kind,omitempty"`
	Reason string `json:"reason"`
}

type ExecutionPlan struct {
	ID             string          `json:"id"`
	Session        string          `json:"session"`
	CreatedAt      time.Time       `json:"created_at"`
	EnvBias        float64         `json:"env_bias"`
	MacroReason    string          `json:"macro_reason"`
	Mode           risk.ModeState  `json:"mode"`
	GraceActive    bool            `json:"grace_active"`
	PerTradeBudget decimal.Decimal `json:"per_trade_budget"`
	TotalNotional  decimal.Decimal `json:"total_notional"`
	Decisions      []Decision      `json:"decisions"`
	Skipped        []Skip          `json:"skipped,omitempty"`
	Rejected       []InputIssue    `json:"rejected,omitempty"`
}

// Orders returns the decisions that move shares (buys and sells).
func (p ExecutionPlan) Orders() []Decision {
	var out []Decision
	for _, d := range p.Decisions {
		if d.Action != Hold {
			out = append(out, d)
		}
	}
	return out
}

// SkippedExits returns the exits the plan wanted but could not size.
func (p ExecutionPlan) SkippedExits() []Skip {
	var out []Skip
	for _, s := range p.Skipped {
		if s.Kind != "" && s.Kind != KindEntry {
			out = append(out, s)
		}
	}
	return out
}

// InputError lists the untrusted input the engine had to repair or drop.
// Plan never fails on it; callers log it.
type InputError struct {
	Issues []InputIssue
}

func (e *InputError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, is := range e.Issues {
		if is.Ticker != "" {
			parts = append(parts, fmt.Sprintf("%s.%s: %s", is.Ticker, is.Field, is.Problem))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", is.Field, is.Problem))
		}
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

// InputErr returns an *InputError when the plan rejected or clamped input.
func (p ExecutionPlan) InputErr() error {
	if len(p.Rejected) == 0 {
		return nil
	}
	return &InputError{Issues: p.Rejected}
}
