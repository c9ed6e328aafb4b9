package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Band maps a minimum env_bias to a budget multiplier.
type Band struct {
	MinBias    float64 `yaml:"min_bias"`
	Multiplier float64 `yaml:"multiplier"`
}

type Risk struct {
	TotalBudget             float64       `yaml:"total_budget"`
	RiskPerTradePercent     float64       `yaml:"risk_per_trade_percent"`
	MaxConcentrationPercent float64       `yaml:"max_concentration_percent"`
	StopLossPercent         float64       `yaml:"stop_loss_percent"`
	DefenseThreshold        float64       `yaml:"defense_threshold"`
	PanicThreshold          float64       `yaml:"panic_threshold"`
	GracePeriod             time.Duration `yaml:"grace_period"`
	MinHoldDuration         time.Duration `yaml:"min_hold_duration"`
	BuyCooldown             time.Duration `yaml:"buy_cooldown"`
	DefenseTightenFactor    float64       `yaml:"defense_tighten_factor"`
	ATRMultiplier           float64       `yaml:"atr_multiplier"`
	ActionThreshold         float64       `yaml:"action_threshold"`
	ShadowWeight            float64       `yaml:"shadow_weight"`
	FractionalEnabled       bool          `yaml:"fractional_enabled"`
	ScalingMode             string        `yaml:"scaling_mode"` // bands | linear
	ScalingBands            []Band        `yaml:"scaling_bands"`
	TrailingActivation      float64       `yaml:"trailing_activation"`
	TrailingDrop            float64       `yaml:"trailing_drop"`
	ZeroLossTrigger         float64       `yaml:"zero_loss_trigger"`
	ZeroLossBuffer          float64       `yaml:"zero_loss_buffer"`
	// DurationWeighting ranks buys by score x duration (0.5 when a signal
	// carries none) instead of score alone.
	DurationWeighting bool    `yaml:"duration_weighting"`
	RSIOverbought     float64 `yaml:"rsi_overbought"`
	RSIElevated       float64 `yaml:"rsi_elevated"` // blocks buys at or below SMA20
	RSIOversold       float64 `yaml:"rsi_oversold"`
	ContrarianRank    float64 `yaml:"contrarian_rank"` // rank that may buy into a downtrend
}

type Calendar struct {
	Timezone         string   `yaml:"timezone"`
	ExtraHolidays    []string `yaml:"extra_holidays"`     // YYYY-MM-DD
	ExtraEarlyCloses []string `yaml:"extra_early_closes"` // YYYY-MM-DD
	MorningOffsetMin int      `yaml:"morning_offset_min"`
	ClosingLeadMin   int      `yaml:"closing_lead_min"`
	SessionWindowMin int      `yaml:"session_window_min"`
}

type Weekly struct {
	Name    string `yaml:"name"`    // backup | status
	Weekday string `yaml:"weekday"` // Monday..Sunday
	At      string `yaml:"at"`      // HH:MM local
	Enabled bool   `yaml:"enabled"`
}

type Scheduler struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	StatePath    string        `yaml:"state_path"`
	StateBackend string        `yaml:"state_backend"` // file | redis
	Weekly       []Weekly      `yaml:"weekly"`
}

type Heartbeat struct {
	Path    string        `yaml:"path"`
	Backend string        `yaml:"backend"` // file | redis
	MaxAge  time.Duration `yaml:"max_age"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	Prefix   string `yaml:"prefix"`
}

type Endpoint struct {
	Kind               string `yaml:"kind"` // file | http
	Path               string `yaml:"path"`
	BaseURL            string `yaml:"base_url"`
	Token              string `yaml:"token"`
	TimeoutMs          int    `yaml:"timeout_ms"`
	MaxRetries         int    `yaml:"max_retries"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	BreakerFailures    uint32 `yaml:"breaker_failures"`
	BreakerCooldownSec int    `yaml:"breaker_cooldown_sec"`
}

type Collaborators struct {
	Signals Endpoint `yaml:"signals"`
	Broker  Endpoint `yaml:"broker"`
	Orders  Endpoint `yaml:"orders"`
}

type Slack struct {
	Enabled    bool   `yaml:"enabled"`
	WebhookURL string `yaml:"webhook_url"`
	Channel    string `yaml:"channel"`
	MaxRetries int    `yaml:"max_retries"`
	QueueSize  int    `yaml:"queue_size"`
}

type Postgres struct {
	Enabled      bool          `yaml:"enabled"`
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type Backup struct {
	Dir      string   `yaml:"dir"`
	KeepLast int      `yaml:"keep_last"`
	Sources  []string `yaml:"sources"`
}

type HTTP struct {
	Addr string `yaml:"addr"`
}

type Root struct {
	DryRun        bool          `yaml:"dry_run"`
	LogLevel      string        `yaml:"log_level"`
	Risk          Risk          `yaml:"risk"`
	Calendar      Calendar      `yaml:"calendar"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Heartbeat     Heartbeat     `yaml:"heartbeat"`
	Redis         Redis         `yaml:"redis"`
	Collaborators Collaborators `yaml:"collaborators"`
	Slack         Slack         `yaml:"slack"`
	Postgres      Postgres      `yaml:"postgres"`
	Backup        Backup        `yaml:"backup"`
	HTTP          HTTP          `yaml:"http"`
}

// Load reads the YAML file at path, applies TRADER_* environment overrides
// (a .env file next to the working directory is honoured), fills defaults and
// validates the result. Any returned error is fatal for the daemon.
func Load(path string) (Root, error) {
	var c Root
	_ = godotenv.Load()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return c, &ConfigError{Field: "path", Reason: err.Error()}
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, &ConfigError{Field: "yaml", Reason: err.Error()}
		}
	}

	applyEnv(&c)
	applyDefaults(&c)

	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, nil
}

// Default returns a fully defaulted configuration without reading a file.
func Default() Root {
	var c Root
	applyDefaults(&c)
	return c
}

func applyEnv(c *Root) {
	if v := os.Getenv("TRADER_SLACK_WEBHOOK_URL"); v != "" {
		c.Slack.WebhookURL = v
		c.Slack.Enabled = true
	}
	if v := os.Getenv("TRADER_PG_DSN"); v != "" {
		c.Postgres.DSN = v
		c.Postgres.Enabled = true
	}
	if v := os.Getenv("TRADER_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("TRADER_REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("TRADER_BROKER_TOKEN"); v != "" {
		c.Collaborators.Broker.Token = v
	}
	if v := os.Getenv("TRADER_SIGNALS_TOKEN"); v != "" {
		c.Collaborators.Signals.Token = v
	}
	if v := os.Getenv("TRADER_ORDERS_TOKEN"); v != "" {
		c.Collaborators.Orders.Token = v
	}
	if v := os.Getenv("TRADER_TOTAL_BUDGET"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Risk.TotalBudget = f
		}
	}
	if v := os.Getenv("TRADER_DRY_RUN"); v != "" {
		c.DryRun = v == "1" || v == "true"
	}
}

func applyDefaults(c *Root) {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	r := &c.Risk
	if r.TotalBudget == 0 {
		r.TotalBudget = 1000
	}
	if r.RiskPerTradePercent == 0 {
		r.RiskPerTradePercent = 0.10
	}
	if r.MaxConcentrationPercent == 0 {
		r.MaxConcentrationPercent = 0.20
	}
	if r.StopLossPercent == 0 {
		r.StopLossPercent = 0.08
	}
	if r.DefenseThreshold == 0 {
		r.DefenseThreshold = 0.5
	}
	if r.PanicThreshold == 0 {
		r.PanicThreshold = 0.3
	}
	if r.GracePeriod == 0 {
		r.GracePeriod = 24 * time.Hour
	}
	if r.MinHoldDuration == 0 {
		r.MinHoldDuration = 24 * time.Hour
	}
	if r.BuyCooldown == 0 {
		r.BuyCooldown = 4 * time.Hour
	}
	if r.DefenseTightenFactor == 0 {
		r.DefenseTightenFactor = 0.7
	}
	if r.ATRMultiplier == 0 {
		r.ATRMultiplier = 2.0
	}
	if r.ActionThreshold == 0 {
		r.ActionThreshold = 0.35
	}
	if r.ShadowWeight == 0 {
		r.ShadowWeight = 0.5
	}
	if r.ScalingMode == "" {
		r.ScalingMode = "bands"
	}
	if len(r.ScalingBands) == 0 {
		r.ScalingBands = []Band{
			{MinBias: 1.0, Multiplier: 1.0},
			{MinBias: 0.8, Multiplier: 0.8},
			{MinBias: 0.6, Multiplier: 0.6},
			{MinBias: 0.4, Multiplier: 0.4},
			{MinBias: 0.2, Multiplier: 0.2},
		}
	}
	if r.TrailingActivation == 0 {
		r.TrailingActivation = 0.10
	}
	if r.TrailingDrop == 0 {
		r.TrailingDrop = 0.03
	}
	if r.ZeroLossTrigger == 0 {
		r.ZeroLossTrigger = 0.05
	}
	if r.ZeroLossBuffer == 0 {
		r.ZeroLossBuffer = 0.005
	}
	if r.RSIOverbought == 0 {
		r.RSIOverbought = 75
	}
	if r.RSIElevated == 0 {
		r.RSIElevated = 65
	}
	if r.RSIOversold == 0 {
		r.RSIOversold = 35
	}
	if r.ContrarianRank == 0 {
		r.ContrarianRank = 0.5
	}

	cal := &c.Calendar
	if cal.Timezone == "" {
		cal.Timezone = "America/New_York"
	}
	if cal.MorningOffsetMin == 0 {
		cal.MorningOffsetMin = 15
	}
	if cal.ClosingLeadMin == 0 {
		cal.ClosingLeadMin = 30
	}
	if cal.SessionWindowMin == 0 {
		cal.SessionWindowMin = 30
	}

	s := &c.Scheduler
	if s.PollInterval == 0 {
		s.PollInterval = 30 * time.Second
	}
	if s.StatePath == "" {
		s.StatePath = "data/session_state.json"
	}
	if s.StateBackend == "" {
		s.StateBackend = "file"
	}
	if s.Weekly == nil {
		s.Weekly = []Weekly{
			{Name: "status", Weekday: "Monday", At: "09:00", Enabled: true},
			{Name: "backup", Weekday: "Friday", At: "16:30", Enabled: true},
		}
	}

	h := &c.Heartbeat
	if h.Path == "" {
		h.Path = "data/.heartbeat"
	}
	if h.Backend == "" {
		h.Backend = "file"
	}
	if h.MaxAge == 0 {
		h.MaxAge = 300 * time.Second
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "trader:"
	}

	defaultEndpoint(&c.Collaborators.Signals, "data/sentiment_data.json")
	defaultEndpoint(&c.Collaborators.Broker, "data/portfolio.json")
	defaultEndpoint(&c.Collaborators.Orders, "data/outbox.jsonl")

	if c.Slack.MaxRetries == 0 {
		c.Slack.MaxRetries = 3
	}
	if c.Slack.QueueSize == 0 {
		c.Slack.QueueSize = 100
	}

	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 5
	}
	if c.Postgres.QueryTimeout == 0 {
		c.Postgres.QueryTimeout = 10 * time.Second
	}

	if c.Backup.Dir == "" {
		c.Backup.Dir = "data/backups"
	}
	if c.Backup.KeepLast == 0 {
		c.Backup.KeepLast = 7
	}
	if c.Backup.Sources == nil {
		c.Backup.Sources = []string{s.StatePath, c.Collaborators.Orders.Path}
	}

	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8090"
	}
}

func defaultEndpoint(e *Endpoint, path string) {
	if e.Kind == "" {
		e.Kind = "file"
	}
	if e.Path == "" {
		e.Path = path
	}
	if e.TimeoutMs == 0 {
		e.TimeoutMs = 10000
	}
	if e.MaxRetries == 0 {
		e.MaxRetries = 3
	}
	if e.RateLimitPerMinute == 0 {
		e.RateLimitPerMinute = 60
	}
	if e.BreakerFailures == 0 {
		e.BreakerFailures = 5
	}
	if e.BreakerCooldownSec == 0 {
		e.BreakerCooldownSec = 60
	}
}
