package config

import (
	"fmt"
	"math"
	"strings"
	"time"
	_ "time/tzdata"
)

// ConfigError reports an invalid configuration. The daemon refuses to start
// serving sessions when Load returns one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func fraction(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// Validate checks the risk limits and scheduling knobs.
func (c Root) Validate() error {
	r := c.Risk
	switch {
	case math.IsNaN(r.TotalBudget) || math.IsInf(r.TotalBudget, 0) || r.TotalBudget <= 0:
		return invalid("risk.total_budget", "must be positive, got %v", r.TotalBudget)
	case !fraction(r.RiskPerTradePercent) || r.RiskPerTradePercent == 0:
		return invalid("risk.risk_per_trade_percent", "must be in (0,1], got %v", r.RiskPerTradePercent)
	case !fraction(r.MaxConcentrationPercent) || r.MaxConcentrationPercent == 0:
		return invalid("risk.max_concentration_percent", "must be in (0,1], got %v", r.MaxConcentrationPercent)
	case !fraction(r.StopLossPercent) || r.StopLossPercent == 0:
		return invalid("risk.stop_loss_percent", "must be in (0,1], got %v", r.StopLossPercent)
	case !fraction(r.PanicThreshold) || !fraction(r.DefenseThreshold):
		return invalid("risk.thresholds", "defense/panic thresholds must be in [0,1]")
	case r.PanicThreshold > r.DefenseThreshold:
		return invalid("risk.panic_threshold", "must not exceed defense_threshold (%v > %v)", r.PanicThreshold, r.DefenseThreshold)
	case r.GracePeriod < 0 || r.MinHoldDuration < 0 || r.BuyCooldown < 0:
		return invalid("risk.durations", "grace_period, min_hold_duration and buy_cooldown must be non-negative")
	case !fraction(r.DefenseTightenFactor) || r.DefenseTightenFactor == 0:
		return invalid("risk.defense_tighten_factor", "must be in (0,1], got %v", r.DefenseTightenFactor)
	case r.ATRMultiplier <= 0:
		return invalid("risk.atr_multiplier", "must be positive")
	case !fraction(r.ActionThreshold):
		return invalid("risk.action_threshold", "must be in [0,1], got %v", r.ActionThreshold)
	case !fraction(r.ShadowWeight) || r.ShadowWeight >= 1:
		return invalid("risk.shadow_weight", "must be in [0,1) so shadow links weigh less than direct signals, got %v", r.ShadowWeight)
	case !(r.RSIOversold > 0 && r.RSIOversold < r.RSIElevated && r.RSIElevated <= r.RSIOverbought && r.RSIOverbought < 100):
		return invalid("risk.rsi", "want 0 < rsi_oversold < rsi_elevated <= rsi_overbought < 100, got %v/%v/%v", r.RSIOversold, r.RSIElevated, r.RSIOverbought)
	case !fraction(r.ContrarianRank):
		return invalid("risk.contrarian_rank", "must be in [0,1], got %v", r.ContrarianRank)
	}

	switch r.ScalingMode {
	case "linear":
	case "bands":
		if err := validateBands(r.ScalingBands); err != nil {
			return err
		}
	default:
		return invalid("risk.scaling_mode", "unknown mode %q (want bands or linear)", r.ScalingMode)
	}

	if _, err := time.LoadLocation(c.Calendar.Timezone); err != nil {
		return invalid("calendar.timezone", "%v", err)
	}
	for _, d := range append(append([]string{}, c.Calendar.ExtraHolidays...), c.Calendar.ExtraEarlyCloses...) {
		if _, err := time.Parse("2006-01-02", d); err != nil {
			return invalid("calendar", "bad date %q", d)
		}
	}
	if c.Calendar.SessionWindowMin <= 0 {
		return invalid("calendar.session_window_min", "must be positive")
	}

	if c.Scheduler.PollInterval <= 0 || c.Scheduler.PollInterval > 10*time.Minute {
		return invalid("scheduler.poll_interval", "must be in (0,10m], got %s", c.Scheduler.PollInterval)
	}
	if c.Heartbeat.MaxAge <= c.Scheduler.PollInterval {
		return invalid("heartbeat.max_age", "must exceed scheduler.poll_interval")
	}
	for _, w := range c.Scheduler.Weekly {
		if _, err := ParseWeekday(w.Weekday); err != nil {
			return invalid("scheduler.weekly."+w.Name, "%v", err)
		}
		if _, _, err := ParseClock(w.At); err != nil {
			return invalid("scheduler.weekly."+w.Name, "%v", err)
		}
	}

	for name, e := range map[string]Endpoint{
		"signals": c.Collaborators.Signals,
		"broker":  c.Collaborators.Broker,
		"orders":  c.Collaborators.Orders,
	} {
		switch e.Kind {
		case "file":
			if e.Path == "" {
				return invalid("collaborators."+name+".path", "required for file kind")
			}
		case "http":
			if e.BaseURL == "" {
				return invalid("collaborators."+name+".base_url", "required for http kind")
			}
		case "paper":
			if name != "orders" || c.Collaborators.Broker.Kind != "file" {
				return invalid("collaborators."+name+".kind", "paper fills need orders.kind=paper with broker.kind=file")
			}
		default:
			return invalid("collaborators."+name+".kind", "unknown kind %q", e.Kind)
		}
	}

	if c.Slack.Enabled && c.Slack.WebhookURL == "" {
		return invalid("slack.webhook_url", "required when slack is enabled")
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return invalid("postgres.dsn", "required when postgres is enabled")
	}
	return nil
}

func validateBands(bands []Band) error {
	for i, b := range bands {
		if !fraction(b.MinBias) || !fraction(b.Multiplier) {
			return invalid("risk.scaling_bands", "band %d outside [0,1]", i)
		}
		if i > 0 {
			prev := bands[i-1]
			if b.MinBias >= prev.MinBias {
				return invalid("risk.scaling_bands", "bands must be listed by strictly descending min_bias")
			}
			if b.Multiplier > prev.Multiplier {
				return invalid("risk.scaling_bands", "multiplier must not increase as bias falls (band %d)", i)
			}
		}
	}
	return nil
}

// ParseWeekday accepts full English weekday names, case-insensitive.
func ParseWeekday(s string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), s) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", s)
}

// ParseClock parses HH:MM.
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("bad time of day %q", s)
	}
	return t.Hour(), t.Minute(), nil
}
