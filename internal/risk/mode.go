package risk

import (
	"math"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/config"
)

// Mode is the portfolio-wide risk posture derived from env_bias.
type Mode string

const (
	Normal  Mode = "NORMAL"
	Defense Mode = "DEFENSE"
	Panic   Mode = "PANIC"
)

// FreezesBuys reports whether new entries are blocked.
func (m Mode) FreezesBuys() bool { return m == Defense || m == Panic }

// Level orders modes by severity (0 normal, 2 panic).
func (m Mode) Level() int {
	switch m {
	case Defense:
		return 1
	case Panic:
		return 2
	default:
		return 0
	}
}

// ModeFor maps env_bias onto a mode. NaN is treated as the riskiest reading.
func ModeFor(bias float64, cfg config.Risk) Mode {
	switch {
	case math.IsNaN(bias) || bias < cfg.PanicThreshold:
		return Panic
	case bias < cfg.DefenseThreshold:
		return Defense
	default:
		return Normal
	}
}

// ModeState is the mode in force and when it was entered.
type ModeState struct {
	Mode  Mode      `json:"mode"`
	Since time.Time `json:"since"`
}

// Transition returns the mode state after observing bias at now. Since only
// moves when the mode changes, so a PANIC grace period is measured from the
// first session that entered PANIC.
func Transition(prior ModeState, bias float64, now time.Time, cfg config.Risk) ModeState {
	next := ModeFor(bias, cfg)
	if next == prior.Mode && !prior.Since.IsZero() {
		return prior
	}
	return ModeState{Mode: next, Since: now}
}

// GraceActive reports whether PANIC's forced-exit override is still open.
func GraceActive(s ModeState, now time.Time, grace time.Duration) bool {
	if s.Mode != Panic || s.Since.IsZero() || now.Before(s.Since) {
		return false
	}
	return now.Sub(s.Since) < grace
}
