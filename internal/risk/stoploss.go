package risk

import (
	"fmt"
	"math"

	"github.com/Rajchodisetti/session-trader/internal/config"
)

// ExitKind names the rule that forced an exit.
type ExitKind string

const (
	ExitNone     ExitKind = ""
	ExitStopLoss ExitKind = "stop_loss"
	ExitTrailing ExitKind = "trailing_stop"
)

// PositionView is the price history a stop check needs.
type PositionView struct {
	AvgCost       float64
	Price         float64
	HighWaterMark float64 // 0 when unknown
	ATR           float64 // 0 when unknown
}

// StopTrigger describes a fired exit rule.
type StopTrigger struct {
	Kind      ExitKind `json:"kind"`
	StopPrice float64  `json:"stop_price"`
	Price     float64  `json:"price"`
	Detail    string   `json:"detail"`
}

// StopPrice returns the protective stop for a position. The stop distance is
// ATR-based when an ATR is known and a fixed percentage of cost otherwise;
// DEFENSE and PANIC shrink the distance by DefenseTightenFactor. Once the
// position has been up ZeroLossTrigger the stop never sits below break-even plus
// ZeroLossBuffer.
func StopPrice(p PositionView, mode Mode, cfg config.Risk) (float64, string) {
	distance := p.AvgCost * cfg.StopLossPercent
	basis := fmt.Sprintf("%.1f%% stop", cfg.StopLossPercent*100)
	if p.ATR > 0 {
		distance = p.ATR * cfg.ATRMultiplier
		basis = fmt.Sprintf("%.1fx ATR stop", cfg.ATRMultiplier)
	}
	if mode.FreezesBuys() {
		distance *= cfg.DefenseTightenFactor
		basis += fmt.Sprintf(" tightened x%.2f (%s)", cfg.DefenseTightenFactor, mode)
	}
	stop := p.AvgCost - distance

	peak := math.Max(p.Price, p.HighWaterMark)
	if p.AvgCost > 0 && (peak-p.AvgCost)/p.AvgCost > cfg.ZeroLossTrigger {
		floor := p.AvgCost * (1 + cfg.ZeroLossBuffer)
		if floor > stop {
			stop = floor
			basis = "zero-loss stop"
		}
	}
	return math.Max(stop, 0), basis
}

// CheckStops evaluates the stop-loss and trailing take-profit rules for a
// held position. Invalid prices never trigger.
func CheckStops(p PositionView, mode Mode, cfg config.Risk) (StopTrigger, bool) {
	if p.AvgCost <= 0 || p.Price <= 0 || math.IsNaN(p.Price) || math.IsNaN(p.AvgCost) {
		return StopTrigger{}, false
	}

	stop, basis := StopPrice(p, mode, cfg)
	if p.Price <= stop {
		return StopTrigger{
			Kind:      ExitStopLoss,
			StopPrice: stop,
			Price:     p.Price,
			Detail:    fmt.Sprintf("price %.2f at or below %s %.2f", p.Price, basis, stop),
		}, true
	}

	hwm := math.Max(p.HighWaterMark, p.Price)
	if hwm >= p.AvgCost*(1+cfg.TrailingActivation) {
		trail := hwm * (1 - cfg.TrailingDrop)
		if p.Price <= trail {
			return StopTrigger{
				Kind:      ExitTrailing,
				StopPrice: trail,
				Price:     p.Price,
				Detail: fmt.Sprintf("price %.2f fell %.1f%% from high %.2f",
					p.Price, (hwm-p.Price)/hwm*100, hwm),
			}, true
		}
	}
	return StopTrigger{}, false
}
