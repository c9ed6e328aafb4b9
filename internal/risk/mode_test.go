package risk

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Rajchodisetti/session-trader/internal/config"
)

func TestModeFor(t *testing.T) {
	cfg := config.Default().Risk
	tests := []struct {
		bias float64
		want Mode
	}{
		{1.0, Normal},
		{0.5, Normal},
		{0.49, Defense},
		{0.3, Defense},
		{0.29, Panic},
		{0, Panic},
		{math.NaN(), Panic},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ModeFor(tt.bias, cfg), "bias=%v", tt.bias)
	}
}

func TestTransition_SinceOnlyMovesOnChange(t *testing.T) {
	cfg := config.Default().Risk
	t0 := time.Date(2026, 10, 19, 13, 45, 0, 0, time.UTC)
	t1 := t0.Add(6 * time.Hour)
	t2 := t1.Add(18 * time.Hour)

	s := Transition(ModeState{}, 0.9, t0, cfg)
	assert.Equal(t, ModeState{Mode: Normal, Since: t0}, s)

	s = Transition(s, 0.2, t1, cfg)
	assert.Equal(t, ModeState{Mode: Panic, Since: t1}, s)

	s = Transition(s, 0.1, t2, cfg)
	assert.Equal(t, t1, s.Since, "staying in PANIC keeps the entry time")

	s = Transition(s, 0.4, t2, cfg)
	assert.Equal(t, ModeState{Mode: Defense, Since: t2}, s)
}

func TestGraceActive(t *testing.T) {
	since := time.Date(2026, 10, 19, 13, 45, 0, 0, time.UTC)
	ps := ModeState{Mode: Panic, Since: since}

	assert.True(t, GraceActive(ps, since, 24*time.Hour))
	assert.True(t, GraceActive(ps, since.Add(23*time.Hour), 24*time.Hour))
	assert.False(t, GraceActive(ps, since.Add(24*time.Hour), 24*time.Hour))
	assert.False(t, GraceActive(ps, since.Add(-time.Minute), 24*time.Hour))
	assert.False(t, GraceActive(ModeState{Mode: Defense, Since: since}, since, 24*time.Hour))
}

func TestBudgetMultiplier_Bands(t *testing.T) {
	cfg := config.Default().Risk
	tests := []struct {
		bias float64
		want float64
	}{
		{1.0, 1.0},
		{0.9, 0.8},
		{0.6, 0.6},
		{0.45, 0.4},
		{0.2, 0.2},
		{0.1, 0},
		{1.5, 1.0},
		{-1, 0},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, BudgetMultiplier(tt.bias, cfg), "bias=%v", tt.bias)
	}
}

func TestBudgetMultiplier_MonotoneAndCapped(t *testing.T) {
	for _, mode := range []string{"bands", "linear"} {
		cfg := config.Default().Risk
		cfg.ScalingMode = mode
		prev := -1.0
		top := BudgetMultiplier(1.0, cfg)
		for i := 0; i <= 100; i++ {
			m := BudgetMultiplier(float64(i)/100, cfg)
			assert.GreaterOrEqual(t, m, prev, "%s not monotone at %d", mode, i)
			assert.LessOrEqual(t, m, top)
			assert.True(t, m >= 0 && m <= 1)
			prev = m
		}
	}
}

func TestStopPrice(t *testing.T) {
	cfg := config.Default().Risk

	stop, _ := StopPrice(PositionView{AvgCost: 100, Price: 98}, Normal, cfg)
	assert.InDelta(t, 92.0, stop, 1e-9)

	stop, _ = StopPrice(PositionView{AvgCost: 100, Price: 98}, Defense, cfg)
	assert.InDelta(t, 94.4, stop, 1e-9)

	stop, basis := StopPrice(PositionView{AvgCost: 100, Price: 98, ATR: 3}, Normal, cfg)
	assert.InDelta(t, 94.0, stop, 1e-9)
	assert.Contains(t, basis, "ATR")

	stop, _ = StopPrice(PositionView{AvgCost: 100, Price: 98, ATR: 3}, Panic, cfg)
	assert.InDelta(t, 95.8, stop, 1e-9)

	stop, basis = StopPrice(PositionView{AvgCost: 100, Price: 106}, Normal, cfg)
	assert.InDelta(t, 100.5, stop, 1e-9)
	assert.Equal(t, "zero-loss stop", basis)
}

func TestCheckStops(t *testing.T) {
	cfg := config.Default().Risk
	tests := []struct {
		name string
		p    PositionView
		want ExitKind
	}{
		{"below stop", PositionView{AvgCost: 100, Price: 91}, ExitStopLoss},
		{"above stop", PositionView{AvgCost: 100, Price: 95}, ExitNone},
		{"trailing fired", PositionView{AvgCost: 100, Price: 111, HighWaterMark: 115}, ExitTrailing},
		{"trailing armed not fired", PositionView{AvgCost: 100, Price: 112, HighWaterMark: 115}, ExitNone},
		{"trailing not armed", PositionView{AvgCost: 100, Price: 104, HighWaterMark: 108}, ExitNone},
		{"zero-loss stop after run-up", PositionView{AvgCost: 100, Price: 100.2, HighWaterMark: 107}, ExitStopLoss},
		{"bad price", PositionView{AvgCost: 100, Price: 0}, ExitNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			trig, ok := CheckStops(tt.p, Normal, cfg)
			assert.Equal(t, tt.want != ExitNone, ok)
			assert.Equal(t, tt.want, trig.Kind)
		})
	}
}

func TestBuyCooldown(t *testing.T) {
	now := time.Date(2026, 10, 19, 19, 30, 0, 0, time.UTC)

	info, blocked := BuyCooldown(now.Add(-3*time.Hour), now, 4*time.Hour)
	assert.True(t, blocked)
	assert.Equal(t, time.Hour, info.Remaining)

	_, blocked = BuyCooldown(now.Add(-5*time.Hour), now, 4*time.Hour)
	assert.False(t, blocked)

	_, blocked = BuyCooldown(time.Time{}, now, 4*time.Hour)
	assert.False(t, blocked)
}

func TestHoldBlocked(t *testing.T) {
	now := time.Date(2026, 10, 19, 19, 30, 0, 0, time.UTC)

	left, blocked := HoldBlocked(now.Add(-2*time.Hour), now, 24*time.Hour)
	assert.True(t, blocked)
	assert.Equal(t, 22*time.Hour, left)

	_, blocked = HoldBlocked(now.Add(-25*time.Hour), now, 24*time.Hour)
	assert.False(t, blocked)
}
