package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/risk"
	"github.com/Rajchodisetti/session-trader/internal/scheduler"
)

// SignalSource produces the sentiment snapshot and macro environment.
type SignalSource interface {
	Snapshot(ctx context.Context) (decision.SentimentSnapshot, decision.MacroEnvironment, error)
}

// Broker reports current holdings and last prices.
type Broker interface {
	Positions(ctx context.Context) ([]decision.Position, error)
	Quotes(ctx context.Context, tickers []string) (map[string]float64, error)
}

// OrderSink accepts a plan for execution. Implementations must treat the
// plan ID as an idempotency key.
type OrderSink interface {
	Submit(ctx context.Context, plan decision.ExecutionPlan) error
}

// Recorder keeps plan history. Failures never fail a session.
type Recorder interface {
	RecordPlan(ctx context.Context, plan decision.ExecutionPlan) error
}

type NopRecorder struct{}

func (NopRecorder) RecordPlan(context.Context, decision.ExecutionPlan) error { return nil }

// CollaboratorError wraps a failed call to an external collaborator.
type CollaboratorError struct {
	Collaborator string
	Op           string
	Err          error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Collaborator, e.Op, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }

type Deps struct {
	Signals  SignalSource
	Broker   Broker
	Orders   OrderSink
	Recorder Recorder
	Notifier alerts.Notifier
	Metrics  *observ.Metrics
	Now      func() time.Time
}

// Pipeline runs one session: fetch inputs, plan, submit, record, notify.
type Pipeline struct {
	cfg    config.Risk
	dryRun bool
	deps   Deps
}

func NewPipeline(cfg config.Risk, dryRun bool, deps Deps) *Pipeline {
	if deps.Recorder == nil {
		deps.Recorder = NopRecorder{}
	}
	if deps.Notifier == nil {
		deps.Notifier = alerts.LogNotifier{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Pipeline{cfg: cfg, dryRun: dryRun, deps: deps}
}

// Build fetches collaborator data and computes the plan without submitting it.
func (p *Pipeline) Build(ctx context.Context, name calendar.SessionName, prior risk.ModeState) (decision.ExecutionPlan, error) {
	snap, macro, err := p.deps.Signals.Snapshot(ctx)
	if err != nil {
		return decision.ExecutionPlan{}, p.collabErr("signals", "snapshot", err)
	}
	positions, err := p.deps.Broker.Positions(ctx)
	if err != nil {
		return decision.ExecutionPlan{}, p.collabErr("broker", "positions", err)
	}
	quotes, err := p.deps.Broker.Quotes(ctx, quoteTickers(snap, positions))
	if err != nil {
		return decision.ExecutionPlan{}, p.collabErr("broker", "quotes", err)
	}

	plan := decision.Plan(decision.Input{
		Sentiment: snap,
		Macro:     macro,
		Positions: positions,
		Quotes:    quotes,
		Now:       p.deps.Now(),
		Session:   string(name),
		PriorMode: prior,
	}, p.cfg)

	if err := plan.InputErr(); err != nil {
		observ.Warn("plan_input_repaired", map[string]any{"session": string(name), "plan_id": plan.ID, "issues": len(plan.Rejected), "detail": err.Error()})
		if p.deps.Metrics != nil {
			var ie *decision.InputError
			if errors.As(err, &ie) {
				for _, is := range ie.Issues {
					p.deps.Metrics.InputRejections.WithLabelValues(is.Field).Inc()
				}
			}
		}
	}
	return plan, nil
}

// RunSession implements scheduler.Runner.
func (p *Pipeline) RunSession(ctx context.Context, name calendar.SessionName, prior risk.ModeState) (scheduler.Outcome, error) {
	plan, err := p.Build(ctx, name, prior)
	if err != nil {
		return scheduler.Outcome{}, err
	}
	out := scheduler.Outcome{PlanID: plan.ID, Mode: plan.Mode}

	p.notifyModeChange(ctx, prior, plan)
	p.notifySkippedExits(ctx, plan)

	orders := plan.Orders()
	if p.dryRun {
		observ.Log("plan_dry_run", map[string]any{"session": string(name), "plan_id": plan.ID, "orders": len(orders)})
	} else if len(orders) > 0 {
		if err := p.deps.Orders.Submit(ctx, plan); err != nil {
			return out, p.collabErr("orders", "submit", err)
		}
	}

	if err := p.deps.Recorder.RecordPlan(ctx, plan); err != nil {
		observ.Error("plan_record_failed", err, map[string]any{"plan_id": plan.ID})
		p.countErr("recorder")
	}

	p.observe(plan)
	p.notifySummary(ctx, plan)

	observ.Log("session_plan", map[string]any{
		"session":        string(name),
		"plan_id":        plan.ID,
		"mode":           string(plan.Mode.Mode),
		"env_bias":       plan.EnvBias,
		"decisions":      len(plan.Decisions),
		"total_notional": plan.TotalNotional.StringFixed(2),
		"dry_run":        p.dryRun,
	})
	return out, nil
}

func (p *Pipeline) collabErr(collaborator, op string, err error) error {
	p.countErr(collaborator)
	return &CollaboratorError{Collaborator: collaborator, Op: op, Err: err}
}

func (p *Pipeline) countErr(collaborator string) {
	if p.deps.Metrics != nil {
		p.deps.Metrics.CollaboratorErrors.WithLabelValues(collaborator).Inc()
	}
}

func (p *Pipeline) observe(plan decision.ExecutionPlan) {
	m := p.deps.Metrics
	if m == nil {
		return
	}
	notional, _ := plan.TotalNotional.Float64()
	m.PlanNotional.WithLabelValues(plan.Session).Set(notional)
	m.EnvBias.Set(plan.EnvBias)
	m.Mode.Set(float64(plan.Mode.Mode.Level()))
	for _, d := range plan.Decisions {
		m.DecisionsTotal.WithLabelValues(string(d.Action), string(d.Kind)).Inc()
	}
}

func (p *Pipeline) notifyModeChange(ctx context.Context, prior risk.ModeState, plan decision.ExecutionPlan) {
	if prior.Mode == plan.Mode.Mode {
		return
	}
	from := string(prior.Mode)
	if from == "" {
		from = "none"
	}
	sev := alerts.Info
	switch plan.Mode.Mode {
	case risk.Defense:
		sev = alerts.Warning
	case risk.Panic:
		sev = alerts.Critical
	}
	observ.Warn("mode_transition", map[string]any{"from": from, "to": string(plan.Mode.Mode), "env_bias": plan.EnvBias})
	p.notify(ctx, alerts.Message{
		Kind:     alerts.KindModeTransition,
		Severity: sev,
		Title:    fmt.Sprintf("Mode %s -> %s", from, plan.Mode.Mode),
		Text:     plan.MacroReason,
		Fields: []alerts.Field{
			{Title: "env_bias", Value: fmt.Sprintf("%.2f", plan.EnvBias)},
			{Title: "Session", Value: plan.Session},
		},
		At: plan.CreatedAt,
	})
}

// notifySkippedExits warns when the plan wanted out of a position but had no
// budget left to size the sell.
func (p *Pipeline) notifySkippedExits(ctx context.Context, plan decision.ExecutionPlan) {
	skipped := plan.SkippedExits()
	if len(skipped) == 0 {
		return
	}
	lines := make([]string, 0, len(skipped))
	tickers := make([]string, 0, len(skipped))
	for _, s := range skipped {
		lines = append(lines, fmt.Sprintf("%s: %s", s.Ticker, s.Reason))
		tickers = append(tickers, s.Ticker)
	}
	observ.Warn("plan_exits_skipped", map[string]any{"session": plan.Session, "plan_id": plan.ID, "tickers": strings.Join(tickers, ",")})
	p.notify(ctx, alerts.Message{
		Kind:     alerts.KindExitSkipped,
		Severity: alerts.Warning,
		Title:    fmt.Sprintf("%s: %d exit(s) not placed", plan.Session, len(skipped)),
		Text:     strings.Join(lines, "\n") + "\nPositions stay open until the next session.",
		Fields:   []alerts.Field{{Title: "Plan", Value: plan.ID}},
		At:       plan.CreatedAt,
	})
}

func (p *Pipeline) notifySummary(ctx context.Context, plan decision.ExecutionPlan) {
	var lines []string
	for _, d := range plan.Decisions {
		switch d.Action {
		case decision.Hold:
			lines = append(lines, fmt.Sprintf("HOLD %s: %s", d.Ticker, d.Reason))
		default:
			lines = append(lines, fmt.Sprintf("%s %s x%s @ %s = $%s (%s)",
				strings.ToUpper(string(d.Action)), d.Ticker, d.Quantity.String(), d.Price.StringFixed(2), d.Notional.StringFixed(2), d.Kind))
		}
	}
	if len(lines) == 0 {
		lines = append(lines, "No trades.")
	}
	title := fmt.Sprintf("%s plan %s", plan.Session, plan.ID)
	if p.dryRun {
		title += " (dry run)"
	}
	p.notify(ctx, alerts.Message{
		Kind:     alerts.KindSessionSummary,
		Severity: alerts.Info,
		Title:    title,
		Text:     strings.Join(lines, "\n"),
		Fields: []alerts.Field{
			{Title: "Mode", Value: string(plan.Mode.Mode)},
			{Title: "Total", Value: "$" + plan.TotalNotional.StringFixed(2)},
			{Title: "Per trade", Value: "$" + plan.PerTradeBudget.StringFixed(2)},
		},
		At: plan.CreatedAt,
	})
}

func (p *Pipeline) notify(ctx context.Context, m alerts.Message) {
	if err := p.deps.Notifier.Notify(ctx, m); err != nil {
		observ.Error("notify_failed", err, map[string]any{"kind": string(m.Kind)})
		p.countErr("notifier")
	}
}

func quoteTickers(snap decision.SentimentSnapshot, positions []decision.Position) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, s := range snap.Signals {
		add(s.Ticker)
	}
	for _, pos := range positions {
		add(pos.Ticker)
	}
	sort.Strings(out)
	return out
}
