package outbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/session-trader/internal/decision"
)

func testPlan(id string) decision.ExecutionPlan {
	return decision.ExecutionPlan{
		ID:        id,
		Session:   "closing_sprint",
		CreatedAt: time.Date(2026, 10, 19, 19, 30, 0, 0, time.UTC),
		Decisions: []decision.Decision{
			{Ticker: "AAPL", Action: decision.Buy, Kind: decision.KindEntry, Quantity: decimal.NewFromInt(4), Price: decimal.NewFromInt(25), Notional: decimal.NewFromInt(100)},
			{Ticker: "TSLA", Action: decision.Hold, Kind: decision.KindHold},
			{Ticker: "MSFT", Action: decision.Sell, Kind: decision.KindStopLoss, Quantity: decimal.NewFromInt(1), Price: decimal.NewFromInt(90), Notional: decimal.NewFromInt(90)},
		},
	}
}

func TestOutbox_SubmitWritesPlanAndOrdersOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "outbox.jsonl")
	ob, err := New(path, 0)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, ob.Submit(ctx, testPlan("plan_a")))
	require.NoError(t, ob.Submit(ctx, testPlan("plan_a")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	assert.Len(t, lines, 3, "one plan line and two order lines")

	has, err := ob.HasPlan("plan_a")
	require.NoError(t, err)
	assert.True(t, has)
	has, err = ob.HasPlan("plan_b")
	require.NoError(t, err)
	assert.False(t, has)

	orders, err := ob.Orders("plan_a")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "plan_a_o01", orders[0].ID)
	assert.Equal(t, "buy", orders[0].Side)
	assert.Equal(t, "sell", orders[1].Side)
	assert.Equal(t, GenerateIdempotencyKey("plan_a", "MSFT", "sell"), orders[1].IdempotencyKey)
	assert.True(t, orders[0].Notional.Equal(decimal.NewFromInt(100)))
}

func TestOutbox_DedupeWindow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.jsonl")
	ob, err := New(path, time.Hour)
	require.NoError(t, err)
	start := time.Date(2026, 10, 19, 14, 0, 0, 0, time.UTC)
	ob.now = func() time.Time { return start }
	require.NoError(t, ob.Submit(context.Background(), testPlan("plan_a")))

	ob.now = func() time.Time { return start.Add(2 * time.Hour) }
	has, err := ob.HasPlan("plan_a")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGenerateIdempotencyKey_Stable(t *testing.T) {
	a := GenerateIdempotencyKey("plan_1", "AAPL", "buy")
	assert.Equal(t, a, GenerateIdempotencyKey("plan_1", "AAPL", "buy"))
	assert.NotEqual(t, a, GenerateIdempotencyKey("plan_2", "AAPL", "buy"))
	assert.Len(t, a, 16)
}
