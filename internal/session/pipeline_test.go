package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/decision"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/risk"
)

var now = time.Date(2026, 10, 19, 13, 50, 0, 0, time.UTC)

type stubSignals struct {
	snap  decision.SentimentSnapshot
	macro decision.MacroEnvironment
	err   error
}

func (s stubSignals) Snapshot(context.Context) (decision.SentimentSnapshot, decision.MacroEnvironment, error) {
	return s.snap, s.macro, s.err
}

type stubBroker struct {
	positions []decision.Position
	quotes    map[string]float64
	asked     []string
	err       error
}

func (b *stubBroker) Positions(context.Context) ([]decision.Position, error) { return b.positions, b.err }

func (b *stubBroker) Quotes(_ context.Context, tickers []string) (map[string]float64, error) {
	b.asked = tickers
	return b.quotes, nil
}

type stubSink struct {
	plans []decision.ExecutionPlan
	err   error
}

func (s *stubSink) Submit(_ context.Context, p decision.ExecutionPlan) error {
	if s.err != nil {
		return s.err
	}
	s.plans = append(s.plans, p)
	return nil
}

type stubRecorder struct {
	ids []string
	err error
}

func (r *stubRecorder) RecordPlan(_ context.Context, p decision.ExecutionPlan) error {
	r.ids = append(r.ids, p.ID)
	return r.err
}

type stubNotifier struct {
	msgs []alerts.Message
	err  error
}

func (n *stubNotifier) Notify(_ context.Context, m alerts.Message) error {
	n.msgs = append(n.msgs, m)
	return n.err
}

func biasPtr(v float64) *float64 { return &v }

type fixture struct {
	signals  stubSignals
	broker   *stubBroker
	sink     *stubSink
	recorder *stubRecorder
	notifier *stubNotifier
	metrics  *observ.Metrics
}

func newFixture(bias float64) *fixture {
	return &fixture{
		signals: stubSignals{
			snap: decision.SentimentSnapshot{Signals: []decision.Signal{
				{Ticker: "nvda", Score: 0.9, Rationale: "datacenter demand"},
			}},
			macro: decision.MacroEnvironment{EnvBias: biasPtr(bias), Reason: "soft landing"},
		},
		broker:   &stubBroker{quotes: map[string]float64{"NVDA": 50}},
		sink:     &stubSink{},
		recorder: &stubRecorder{},
		notifier: &stubNotifier{},
		metrics:  observ.NewMetrics(),
	}
}

func (f *fixture) pipeline(dryRun bool) *Pipeline {
	return NewPipeline(config.Default().Risk, dryRun, Deps{
		Signals:  f.signals,
		Broker:   f.broker,
		Orders:   f.sink,
		Recorder: f.recorder,
		Notifier: f.notifier,
		Metrics:  f.metrics,
		Now:      func() time.Time { return now },
	})
}

func kinds(msgs []alerts.Message) []alerts.Kind {
	var out []alerts.Kind
	for _, m := range msgs {
		out = append(out, m.Kind)
	}
	return out
}

func TestRunSession_SubmitsRecordsAndNotifies(t *testing.T) {
	f := newFixture(1.0)
	prior := risk.ModeState{Mode: risk.Normal, Since: now.Add(-48 * time.Hour)}

	out, err := f.pipeline(false).RunSession(context.Background(), calendar.MorningGuard, prior)
	require.NoError(t, err)

	require.Len(t, f.sink.plans, 1)
	plan := f.sink.plans[0]
	assert.Equal(t, plan.ID, out.PlanID)
	assert.Equal(t, risk.Normal, out.Mode.Mode)
	assert.True(t, prior.Since.Equal(out.Mode.Since))
	require.Len(t, plan.Decisions, 1)
	assert.Equal(t, "NVDA", plan.Decisions[0].Ticker)
	assert.Equal(t, "100.00", plan.Decisions[0].Notional.StringFixed(2))

	assert.Equal(t, []string{plan.ID}, f.recorder.ids)
	assert.Equal(t, []string{"NVDA"}, f.broker.asked)
	assert.Equal(t, []alerts.Kind{alerts.KindSessionSummary}, kinds(f.notifier.msgs))
	assert.Contains(t, f.notifier.msgs[0].Text, "BUY NVDA x2")
}

func TestRunSession_ModeTransitionAlert(t *testing.T) {
	f := newFixture(0.2)
	prior := risk.ModeState{Mode: risk.Normal, Since: now.Add(-48 * time.Hour)}

	out, err := f.pipeline(false).RunSession(context.Background(), calendar.ClosingSprint, prior)
	require.NoError(t, err)

	assert.Equal(t, risk.Panic, out.Mode.Mode)
	assert.True(t, now.Equal(out.Mode.Since))
	// nothing to trade in PANIC without holdings
	assert.Empty(t, f.sink.plans)
	require.Len(t, f.notifier.msgs, 2)
	assert.Equal(t, alerts.KindModeTransition, f.notifier.msgs[0].Kind)
	assert.Equal(t, alerts.Critical, f.notifier.msgs[0].Severity)
	assert.Equal(t, "Mode NORMAL -> PANIC", f.notifier.msgs[0].Title)
}

func TestRunSession_DryRunDoesNotSubmit(t *testing.T) {
	f := newFixture(1.0)
	out, err := f.pipeline(true).RunSession(context.Background(), calendar.MorningGuard, risk.ModeState{})
	require.NoError(t, err)

	assert.NotEmpty(t, out.PlanID)
	assert.Empty(t, f.sink.plans)
	assert.Len(t, f.recorder.ids, 1)
	last := f.notifier.msgs[len(f.notifier.msgs)-1]
	assert.Contains(t, last.Title, "(dry run)")
}

func TestRunSession_CollaboratorErrors(t *testing.T) {
	boom := errors.New("connection refused")

	f := newFixture(1.0)
	f.signals.err = boom
	_, err := f.pipeline(false).RunSession(context.Background(), calendar.MorningGuard, risk.ModeState{})
	var ce *CollaboratorError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "signals", ce.Collaborator)
	assert.ErrorIs(t, err, boom)

	f = newFixture(1.0)
	f.broker.err = boom
	_, err = f.pipeline(false).RunSession(context.Background(), calendar.MorningGuard, risk.ModeState{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "broker", ce.Collaborator)
	assert.Equal(t, "positions", ce.Op)

	f = newFixture(1.0)
	f.sink.err = boom
	out, err := f.pipeline(false).RunSession(context.Background(), calendar.MorningGuard, risk.ModeState{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "orders", ce.Collaborator)
	assert.NotEmpty(t, out.PlanID)
	assert.Empty(t, f.recorder.ids)
}

func TestRunSession_RecorderAndNotifierFailuresAreBestEffort(t *testing.T) {
	f := newFixture(1.0)
	f.recorder.err = errors.New("pg down")
	f.notifier.err = errors.New("slack down")

	_, err := f.pipeline(false).RunSession(context.Background(), calendar.MorningGuard, risk.ModeState{Mode: risk.Normal})
	require.NoError(t, err)
	assert.Len(t, f.sink.plans, 1)
}

func TestBuild_ReportsRepairedInput(t *testing.T) {
	f := newFixture(1.0)
	f.signals.macro.EnvBias = nil
	plan, err := f.pipeline(false).Build(context.Background(), calendar.MorningGuard, risk.ModeState{})
	require.NoError(t, err)

	var ie *decision.InputError
	require.ErrorAs(t, plan.InputErr(), &ie)
	assert.Equal(t, risk.Panic, plan.Mode.Mode)
}

func TestRunSession_SubmitFailureStillReportsModeChange(t *testing.T) {
	f := newFixture(1.0)
	f.sink.err = errors.New("orders submit: 502")
	prior := risk.ModeState{Mode: risk.Defense, Since: now.Add(-72 * time.Hour)}

	out, err := f.pipeline(false).RunSession(context.Background(), calendar.MorningGuard, prior)
	require.Error(t, err)

	assert.Equal(t, risk.Normal, out.Mode.Mode)
	assert.True(t, now.Equal(out.Mode.Since))
	require.Len(t, f.notifier.msgs, 1)
	assert.Equal(t, alerts.KindModeTransition, f.notifier.msgs[0].Kind)
	assert.Equal(t, "Mode DEFENSE -> NORMAL", f.notifier.msgs[0].Title)
}

func TestRunSession_WarnsOnExitsWithoutBudget(t *testing.T) {
	f := newFixture(1.0)
	f.signals.snap.Signals = nil
	for _, tk := range []string{"T01", "T02", "T03", "T04", "T05", "T06"} {
		f.broker.positions = append(f.broker.positions, decision.Position{Ticker: tk, Quantity: 10, AvgCost: 30, MarketValue: 250})
	}

	_, err := f.pipeline(false).RunSession(context.Background(), calendar.ClosingSprint, risk.ModeState{Mode: risk.Normal})
	require.NoError(t, err)

	assert.Equal(t, []alerts.Kind{alerts.KindExitSkipped, alerts.KindSessionSummary}, kinds(f.notifier.msgs))
	warn := f.notifier.msgs[0]
	assert.Equal(t, alerts.Warning, warn.Severity)
	assert.Contains(t, warn.Title, "1 exit(s) not placed")
	assert.Contains(t, warn.Text, "T06: stop_loss not sized")
	require.Len(t, f.sink.plans, 1)
	assert.Len(t, f.sink.plans[0].Orders(), 5)
}
