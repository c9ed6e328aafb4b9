package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load(writeConfig(t, "log_level: debug\n"))
	require.NoError(t, err)

	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 1000.0, c.Risk.TotalBudget)
	assert.Equal(t, 0.10, c.Risk.RiskPerTradePercent)
	assert.Equal(t, 0.20, c.Risk.MaxConcentrationPercent)
	assert.Equal(t, 24*time.Hour, c.Risk.GracePeriod)
	assert.Equal(t, "America/New_York", c.Calendar.Timezone)
	assert.Equal(t, 30*time.Second, c.Scheduler.PollInterval)
	assert.Equal(t, 300*time.Second, c.Heartbeat.MaxAge)
	assert.Len(t, c.Risk.ScalingBands, 5)
	assert.Len(t, c.Scheduler.Weekly, 2)
	assert.Equal(t, "file", c.Collaborators.Orders.Kind)
}

func TestLoad_OverridesFromYAML(t *testing.T) {
	c, err := Load(writeConfig(t, `
risk:
  total_budget: 5000
  grace_period: 12h
  scaling_mode: linear
scheduler:
  poll_interval: 10s
`))
	require.NoError(t, err)
	assert.Equal(t, 5000.0, c.Risk.TotalBudget)
	assert.Equal(t, 12*time.Hour, c.Risk.GracePeriod)
	assert.Equal(t, "linear", c.Risk.ScalingMode)
	assert.Equal(t, 10*time.Second, c.Scheduler.PollInterval)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("TRADER_TOTAL_BUDGET", "2500")
	t.Setenv("TRADER_SLACK_WEBHOOK_URL", "https://hooks.example/abc")

	c, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, 2500.0, c.Risk.TotalBudget)
	assert.True(t, c.Slack.Enabled)
	assert.Equal(t, "https://hooks.example/abc", c.Slack.WebhookURL)
}

func TestLoad_RejectsInvalidRisk(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"negative budget", "risk:\n  total_budget: -5\n", "risk.total_budget"},
		{"risk per trade above one", "risk:\n  risk_per_trade_percent: 1.5\n", "risk.risk_per_trade_percent"},
		{"panic above defense", "risk:\n  panic_threshold: 0.6\n  defense_threshold: 0.4\n", "risk.panic_threshold"},
		{"shadow weight not lower than direct", "risk:\n  shadow_weight: 1\n", "risk.shadow_weight"},
		{"increasing bands", "risk:\n  scaling_bands:\n    - {min_bias: 1.0, multiplier: 0.5}\n    - {min_bias: 0.5, multiplier: 0.9}\n", "risk.scaling_bands"},
		{"unknown scaling mode", "risk:\n  scaling_mode: cubic\n", "risk.scaling_mode"},
		{"oversold above elevated", "risk:\n  rsi_oversold: 70\n", "risk.rsi"},
		{"bad weekday", "scheduler:\n  weekly:\n    - {name: backup, weekday: Funday, at: \"16:30\", enabled: true}\n", "scheduler.weekly.backup"},
		{"http without url", "collaborators:\n  orders:\n    kind: http\n", "collaborators.orders.base_url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			var cerr *ConfigError
			require.True(t, errors.As(err, &cerr), "want ConfigError, got %T", err)
			assert.Equal(t, tt.field, cerr.Field)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	var cerr *ConfigError
	require.ErrorAs(t, err, &cerr)
}

func TestParseClock(t *testing.T) {
	h, m, err := ParseClock("16:30")
	require.NoError(t, err)
	assert.Equal(t, 16, h)
	assert.Equal(t, 30, m)

	_, _, err = ParseClock("25:00")
	assert.Error(t, err)
}
