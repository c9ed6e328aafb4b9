package decision

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/risk"
)

var (
	shareStep    = decimal.New(1, 0)
	fractionStep = decimal.New(1, -4)
)

// defaultDuration stands in for signals that carry no duration score.
const defaultDuration = 0.5

type candidate struct {
	ticker    string
	direct    float64
	shadow    float64
	score     float64
	rank      float64
	durSum    float64
	durN      int
	action    string // first explicit non-buy action on a direct signal
	rationale []string
}

func (c *candidate) duration() float64 {
	if c.durN == 0 {
		return defaultDuration
	}
	return c.durSum / float64(c.durN)
}

type holding struct {
	Position
	price decimal.Decimal
	value decimal.Decimal
	px    float64
}

type exitCandidate struct {
	h      *holding
	kind   Kind
	score  float64
	detail string
	why    string
}

// ledger tracks what the plan has committed so far. Every decision, exits
// included, draws from remaining and from its ticker's concentration room.
type ledger struct {
	remaining decimal.Decimal
	cap       decimal.Decimal
	used      map[string]decimal.Decimal
}

func (l *ledger) room(ticker string, existing decimal.Decimal) decimal.Decimal {
	r := l.cap.Sub(l.used[ticker]).Sub(existing)
	if r.GreaterThan(l.remaining) {
		r = l.remaining
	}
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

func (l *ledger) take(ticker string, n decimal.Decimal) {
	l.remaining = l.remaining.Sub(n)
	l.used[ticker] = l.used[ticker].Add(n)
}

// Plan turns one session's sentiment, macro reading and holdings into a
// capped execution plan. It is deterministic: the same Input and config
// always produce a byte-identical plan.
func Plan(in Input, cfg config.Risk) ExecutionPlan {
	var issues []InputIssue

	bias, biasIssue := sanitizeBias(in.Macro)
	if biasIssue != nil {
		issues = append(issues, *biasIssue)
	}
	mode := risk.Transition(in.PriorMode, bias, in.Now, cfg)
	grace := risk.GraceActive(mode, in.Now, cfg.GracePeriod)

	scores, sigIssues := aggregate(in.Sentiment.Signals, cfg.ShadowWeight)
	issues = append(issues, sigIssues...)
	quotes := normalizeQuotes(in.Quotes)
	holdings, unknown, posIssues := indexPositions(in.Positions, quotes)
	issues = append(issues, posIssues...)
	tech := normalizeTechnicals(in.Sentiment.Technicals)
	if cfg.DurationWeighting {
		for _, c := range scores {
			c.rank = c.score * c.duration()
		}
	}

	total := decimal.NewFromFloat(cfg.TotalBudget)
	perTrade := decimal.NewFromFloat(cfg.RiskPerTradePercent).
		Mul(total).
		Mul(decimal.NewFromFloat(risk.BudgetMultiplier(bias, cfg))).
		Truncate(2)
	book := &ledger{
		remaining: total,
		cap:       total.Mul(decimal.NewFromFloat(cfg.MaxConcentrationPercent)).Truncate(2),
		used:      make(map[string]decimal.Decimal),
	}

	plan := ExecutionPlan{
		Session:        in.Session,
		CreatedAt:      in.Now,
		EnvBias:        bias,
		MacroReason:    in.Macro.Reason,
		Mode:           mode,
		GraceActive:    grace,
		PerTradeBudget: perTrade,
		Decisions:      []Decision{},
	}
	stamp := func(d Decision) Decision {
		d.Mode = mode.Mode
		d.Defense = mode.Mode.FreezesBuys()
		d.Panic = mode.Mode == risk.Panic
		if d.Action != Hold {
			d.OrderType = orderTypeFor(d.Quantity)
		}
		return d
	}

	exits, holds := exitCandidates(in, cfg, mode, grace, holdings, scores, tech)
	for _, h := range holds {
		plan.Decisions = append(plan.Decisions, stamp(h))
	}

	exited := make(map[string]bool)
	for _, e := range exits {
		d, ok, why := sizeExit(e, book, cfg)
		if !ok {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: e.h.Ticker, Kind: e.kind, Reason: fmt.Sprintf("%s not sized: %s", e.kind, why)})
			continue
		}
		d.Reason = joinReason(d.Reason, e.why, in.Macro.Reason)
		plan.Decisions = append(plan.Decisions, stamp(d))
		exited[e.h.Ticker] = true
	}

	for _, c := range rankBuys(scores, cfg.ActionThreshold) {
		if mode.Mode.FreezesBuys() {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: fmt.Sprintf("buys frozen in %s", mode.Mode)})
			continue
		}
		if c.action != "" {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: fmt.Sprintf("signal action is %s, not buy", c.action)})
			continue
		}
		if exited[c.ticker] {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: "exiting this session"})
			continue
		}
		if unknown[c.ticker] {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: "held position rejected; existing exposure unknown"})
			continue
		}

		existing := decimal.Zero
		var px float64
		if h, ok := holdings[c.ticker]; ok {
			existing, px = h.value, h.px
			last := h.LastEntryAt
			if last.IsZero() {
				last = h.OpenedAt
			}
			if info, blocked := risk.BuyCooldown(last, in.Now, cfg.BuyCooldown); blocked {
				plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: fmt.Sprintf("buy cooldown: %s remaining", info.Remaining.Round(time.Second))})
				continue
			}
		} else {
			px = quotes[c.ticker]
		}
		if !usable(px) {
			issues = append(issues, InputIssue{Ticker: c.ticker, Field: "price", Problem: "no usable quote"})
			continue
		}
		if why, vetoed := technicalVeto(px, tech[c.ticker], c.rank, cfg); vetoed {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: why})
			continue
		}
		price := decimal.NewFromFloat(px)

		notional := perTrade
		if r := book.room(c.ticker, existing); r.LessThan(notional) {
			notional = r
		}
		if !notional.IsPositive() {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: "no budget or concentration room"})
			continue
		}
		qty := sizeQuantity(notional, price, cfg.FractionalEnabled)
		if !qty.IsPositive() {
			plan.Skipped = append(plan.Skipped, Skip{Ticker: c.ticker, Reason: "size rounds to zero"})
			continue
		}
		n := qty.Mul(price)
		book.take(c.ticker, n)

		plan.Decisions = append(plan.Decisions, stamp(Decision{
			Ticker:   c.ticker,
			Action:   Buy,
			Kind:     KindEntry,
			Quantity: qty,
			Price:    price,
			Notional: n,
			Score:    c.score,
			Reason: joinReason(
				entryHead(c, perTrade, bias, cfg.DurationWeighting),
				strings.Join(c.rationale, "; "),
				in.Macro.Reason),
		}))
	}

	plan.TotalNotional = decimal.Zero
	for _, d := range plan.Decisions {
		plan.TotalNotional = plan.TotalNotional.Add(d.Notional)
	}
	plan.Rejected = issues
	plan.ID = planID(plan)
	return plan
}

func sanitizeBias(m MacroEnvironment) (float64, *InputIssue) {
	if m.EnvBias == nil {
		return 0, &InputIssue{Field: "env_bias", Problem: "missing; treated as 0"}
	}
	b := *m.EnvBias
	if math.IsNaN(b) || math.IsInf(b, 0) {
		return 0, &InputIssue{Field: "env_bias", Problem: "not a finite number; treated as 0"}
	}
	if c := risk.ClampBias(b); c != b {
		return c, &InputIssue{Field: "env_bias", Problem: fmt.Sprintf("%v outside [0,1]", b), Clamped: true}
	}
	return b, nil
}

func normalizeTicker(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

// normalizeQuotes upper-cases quote keys; on collisions the exact upper-case
// key wins, then the lexically first.
func normalizeQuotes(in map[string]float64) map[string]float64 {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]float64, len(in))
	for _, k := range keys {
		t := normalizeTicker(k)
		if _, seen := out[t]; !seen || k == t {
			out[t] = in[k]
		}
	}
	return out
}

func usable(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0) && x > 0
}

func clampScore(x float64) float64 {
	return math.Max(-1, math.Min(1, x))
}

// aggregate folds direct and shadow-linked signals into one score per ticker:
// direct + ShadowWeight*shadow, clamped to [-1,1].
func aggregate(signals []Signal, shadowWeight float64) (map[string]*candidate, []InputIssue) {
	var issues []InputIssue
	out := make(map[string]*candidate)
	for _, s := range signals {
		t := normalizeTicker(s.Ticker)
		if t == "" {
			issues = append(issues, InputIssue{Field: "ticker", Problem: "empty ticker"})
			continue
		}
		if math.IsNaN(s.Score) || math.IsInf(s.Score, 0) {
			issues = append(issues, InputIssue{Ticker: t, Field: "sentiment_score", Problem: "not a finite number"})
			continue
		}
		score := s.Score
		if score > 1 || score < -1 {
			issues = append(issues, InputIssue{Ticker: t, Field: "sentiment_score", Problem: fmt.Sprintf("%v outside [-1,1]", score), Clamped: true})
			score = clampScore(score)
		}

		c, ok := out[t]
		if !ok {
			c = &candidate{ticker: t}
			out[t] = c
		}
		if s.Shadow() {
			c.shadow += score
		} else {
			c.direct += score
			if a := strings.ToLower(strings.TrimSpace(s.Action)); a != "" && a != string(Buy) && c.action == "" {
				c.action = a
			}
			switch d := s.Duration; {
			case d == 0:
			case math.IsNaN(d) || math.IsInf(d, 0):
				issues = append(issues, InputIssue{Ticker: t, Field: "duration_score", Problem: "not a finite number; ignored"})
			default:
				if d < 0 || d > 1 {
					issues = append(issues, InputIssue{Ticker: t, Field: "duration_score", Problem: fmt.Sprintf("%v outside [0,1]", d), Clamped: true})
					d = math.Max(0, math.Min(1, d))
				}
				c.durSum += d
				c.durN++
			}
		}
		if r := strings.TrimSpace(s.Rationale); r != "" {
			if s.Shadow() && s.LinkedFrom != "" {
				r = "via " + normalizeTicker(s.LinkedFrom) + ": " + r
			}
			c.rationale = append(c.rationale, r)
		}
	}
	for _, c := range out {
		c.score = clampScore(c.direct + shadowWeight*c.shadow)
		c.rank = c.score
	}
	return out, issues
}

// indexPositions keys usable holdings by ticker. Tickers whose position had
// to be dropped for a bad quantity come back in unknown: their exposure
// cannot be counted, so they must not be bought either.
func indexPositions(positions []Position, quotes map[string]float64) (map[string]*holding, map[string]bool, []InputIssue) {
	var issues []InputIssue
	out := make(map[string]*holding, len(positions))
	unknown := make(map[string]bool)
	for _, p := range positions {
		t := normalizeTicker(p.Ticker)
		switch {
		case t == "":
			issues = append(issues, InputIssue{Field: "position.ticker", Problem: "empty ticker"})
			continue
		case math.IsNaN(p.Quantity) || math.IsInf(p.Quantity, 0) || p.Quantity < 0:
			issues = append(issues, InputIssue{Ticker: t, Field: "quantity", Problem: "invalid quantity"})
			unknown[t] = true
			continue
		case p.Quantity == 0:
			continue
		}
		if _, dup := out[t]; dup {
			issues = append(issues, InputIssue{Ticker: t, Field: "position", Problem: "duplicate position ignored"})
			continue
		}

		px := quotes[t]
		if !usable(px) && usable(p.MarketValue) {
			px = p.MarketValue / p.Quantity
		}
		if !usable(px) {
			issues = append(issues, InputIssue{Ticker: t, Field: "price", Problem: "no usable quote or market value"})
			continue
		}
		p.Ticker = t
		price := decimal.NewFromFloat(px)
		out[t] = &holding{
			Position: p,
			price:    price,
			value:    decimal.NewFromFloat(p.Quantity).Mul(price),
			px:       px,
		}
	}
	return out, unknown, issues
}

// normalizeTechnicals upper-cases keys and zeroes readings that are not
// usable numbers.
func normalizeTechnicals(in map[string]Technicals) map[string]Technicals {
	out := make(map[string]Technicals, len(in))
	clean := func(x float64) float64 {
		if usable(x) {
			return x
		}
		return 0
	}
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t := normalizeTicker(k)
		if _, seen := out[t]; seen && k != t {
			continue
		}
		v := in[k]
		out[t] = Technicals{RSI14: clean(v.RSI14), SMA20: clean(v.SMA20), SMA50: clean(v.SMA50)}
	}
	return out
}

// trendBroken is a confirmed downtrend: price under SMA20 and SMA20 under
// SMA50. SMA20 alone never triggers an exit.
func trendBroken(px float64, t Technicals) bool {
	return t.SMA20 > 0 && t.SMA50 > 0 && px < t.SMA20 && t.SMA20 < t.SMA50
}

// technicalVeto blocks entries into overbought names and into downtrends.
// A downtrend entry is still allowed when the name is oversold or the rank
// reaches ContrarianRank. Missing readings never block.
func technicalVeto(px float64, t Technicals, rank float64, cfg config.Risk) (string, bool) {
	if t.RSI14 > 0 {
		if t.RSI14 > cfg.RSIOverbought {
			return fmt.Sprintf("technicals weak: RSI %.1f above %.0f", t.RSI14, cfg.RSIOverbought), true
		}
		if t.RSI14 >= cfg.RSIElevated && t.SMA20 > 0 && px <= t.SMA20 {
			return fmt.Sprintf("technicals weak: RSI %.1f with price %.2f at or below SMA20 %.2f", t.RSI14, px, t.SMA20), true
		}
	}
	if t.SMA20 > 0 && px < t.SMA20 && (t.SMA50 == 0 || t.SMA20 < t.SMA50) {
		oversold := t.RSI14 > 0 && t.RSI14 < cfg.RSIOversold
		if !oversold && rank < cfg.ContrarianRank {
			if t.SMA50 == 0 {
				return fmt.Sprintf("downtrend: price %.2f below SMA20 %.2f, SMA50 unavailable", px, t.SMA20), true
			}
			return fmt.Sprintf("downtrend: price %.2f < SMA20 %.2f < SMA50 %.2f", px, t.SMA20, t.SMA50), true
		}
	}
	return "", false
}

// exitCandidates returns sized-later exits (stop exits first, then trend
// breakdowns, then signal exits by strength) and hold decisions for exits
// blocked by minimum hold.
func exitCandidates(in Input, cfg config.Risk, mode risk.ModeState, grace bool, holdings map[string]*holding, scores map[string]*candidate, tech map[string]Technicals) ([]exitCandidate, []Decision) {
	tickers := make([]string, 0, len(holdings))
	for t := range holdings {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	var stops, trends, signals []exitCandidate
	var holds []Decision
	for _, t := range tickers {
		h := holdings[t]
		c := scores[t]
		var score float64
		var why string
		if c != nil {
			score = c.score
			why = strings.Join(c.rationale, "; ")
		}

		view := risk.PositionView{AvgCost: h.AvgCost, Price: h.px, HighWaterMark: h.HighWaterMark, ATR: h.ATR}
		if trig, ok := risk.CheckStops(view, mode.Mode, cfg); ok {
			kind := KindStopLoss
			if trig.Kind == risk.ExitTrailing {
				kind = KindTrailing
			}
			stops = append(stops, exitCandidate{h: h, kind: kind, score: score, detail: string(kind) + ": " + trig.Detail, why: why})
			continue
		}

		var e exitCandidate
		entered := h.OpenedAt
		switch tt := tech[t]; {
		case trendBroken(h.px, tt):
			e = exitCandidate{h: h, kind: KindTrendBreak, score: score, why: why,
				detail: fmt.Sprintf("trend_breakdown: price %.2f < SMA20 %.2f < SMA50 %.2f", h.px, tt.SMA20, tt.SMA50)}
			if !h.LastEntryAt.IsZero() {
				entered = h.LastEntryAt
			}
		case c != nil && c.score <= -cfg.ActionThreshold:
			e = exitCandidate{h: h, kind: KindSignalExit, score: c.score, why: why,
				detail: fmt.Sprintf("signal_exit: score %.2f", c.score)}
		default:
			continue
		}

		if left, blocked := risk.HoldBlocked(entered, in.Now, cfg.MinHoldDuration); blocked {
			if !grace {
				holds = append(holds, Decision{
					Ticker:   t,
					Action:   Hold,
					Kind:     KindHold,
					Quantity: decimal.Zero,
					Price:    h.price,
					Notional: decimal.Zero,
					Score:    e.score,
					Reason:   joinReason(fmt.Sprintf("%s blocked: min hold, %s remaining", e.kind, left.Round(time.Second)), why, in.Macro.Reason),
				})
				continue
			}
			e.detail += ", min hold bypassed by PANIC grace period"
		}
		if e.kind == KindTrendBreak {
			trends = append(trends, e)
		} else {
			signals = append(signals, e)
		}
	}

	sort.SliceStable(signals, func(i, j int) bool {
		ai, aj := math.Abs(signals[i].score), math.Abs(signals[j].score)
		if ai != aj {
			return ai > aj
		}
		return signals[i].h.Ticker < signals[j].h.Ticker
	})
	return append(append(stops, trends...), signals...), holds
}

func sizeExit(e exitCandidate, book *ledger, cfg config.Risk) (Decision, bool, string) {
	h := e.h
	full := h.value
	allowed := book.room(h.Ticker, decimal.Zero)
	if !allowed.IsPositive() {
		return Decision{}, false, "no budget or concentration room"
	}

	qty := decimal.NewFromFloat(h.Quantity)
	detail := e.detail
	if allowed.LessThan(full) {
		fractional := cfg.FractionalEnabled || !qty.Equal(qty.Floor())
		qty = sizeQuantity(allowed, h.price, fractional)
		if !qty.IsPositive() {
			return Decision{}, false, "size rounds to zero"
		}
		detail += fmt.Sprintf(" (partial %s of %s shares, capped by plan budget)", qty.String(), decimal.NewFromFloat(h.Quantity).String())
	}
	n := qty.Mul(h.price)
	book.take(h.Ticker, n)

	return Decision{
		Ticker:   h.Ticker,
		Action:   Sell,
		Kind:     e.kind,
		Quantity: qty,
		Price:    h.price,
		Notional: n,
		Score:    e.score,
		Reason:   detail,
	}, true, ""
}

// rankBuys returns entry candidates above threshold, highest rank first, ties
// broken alphabetically. Rank is the combined score, or score x duration when
// duration weighting is on.
func rankBuys(scores map[string]*candidate, threshold float64) []*candidate {
	var out []*candidate
	for _, c := range scores {
		if c.score > 0 && c.score >= threshold {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].rank != out[j].rank {
			return out[i].rank > out[j].rank
		}
		return out[i].ticker < out[j].ticker
	})
	return out
}

func entryHead(c *candidate, perTrade decimal.Decimal, bias float64, weighted bool) string {
	if weighted {
		return fmt.Sprintf("entry: rank %.3f (score %.2f x duration %.2f), budget %s x f(%.2f)",
			c.rank, c.score, c.duration(), perTrade.StringFixed(2), bias)
	}
	return fmt.Sprintf("entry: score %.2f, budget %s x f(%.2f)", c.score, perTrade.StringFixed(2), bias)
}

func orderTypeFor(qty decimal.Decimal) OrderType {
	if qty.Equal(qty.Floor()) {
		return Limit
	}
	return Market
}

// sizeQuantity converts a dollar amount to shares. Amounts under one share
// always buy a fraction; otherwise whole shares unless fractional trading is
// enabled. The result never costs more than notional.
func sizeQuantity(notional, price decimal.Decimal, fractional bool) decimal.Decimal {
	if !price.IsPositive() || !notional.IsPositive() {
		return decimal.Zero
	}
	raw := notional.Div(price)
	step := shareStep
	qty := raw.Floor()
	if fractional || notional.LessThan(price) {
		step = fractionStep
		qty = raw.Truncate(4)
	}
	for qty.IsPositive() && qty.Mul(price).GreaterThan(notional) {
		qty = qty.Sub(step)
	}
	if qty.IsNegative() {
		return decimal.Zero
	}
	return qty
}

func joinReason(head, rationale, macro string) string {
	parts := []string{head}
	if rationale != "" {
		parts = append(parts, "sentiment: "+rationale)
	}
	if macro != "" {
		parts = append(parts, "macro: "+macro)
	}
	return strings.Join(parts, " | ")
}

// planID is a content hash of the plan, stable across replays. The order
// component uses it as the idempotency key.
func planID(p ExecutionPlan) string {
	p.ID = ""
	data, err := json.Marshal(p)
	if err != nil {
		data = []byte(fmt.Sprintf("%s|%s|%s", p.Session, p.CreatedAt, p.TotalNotional))
	}
	sum := sha256.Sum256(data)
	return fmt.Sprintf("plan_%x", sum[:8])
}
