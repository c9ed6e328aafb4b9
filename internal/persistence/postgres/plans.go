package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/decision"
)

const schema = `
CREATE TABLE IF NOT EXISTS execution_plans (
	id             TEXT PRIMARY KEY,
	session        TEXT NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL,
	env_bias       DOUBLE PRECISION NOT NULL,
	mode           TEXT NOT NULL,
	mode_since     TIMESTAMPTZ,
	total_notional NUMERIC(14,4) NOT NULL,
	macro_reason   TEXT NOT NULL DEFAULT '',
	rejected       JSONB,
	recorded_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS plan_decisions (
	plan_id  TEXT NOT NULL REFERENCES execution_plans(id),
	seq      INT NOT NULL,
	ticker   TEXT NOT NULL,
	action   TEXT NOT NULL,
	kind     TEXT NOT NULL,
	quantity NUMERIC(18,6) NOT NULL,
	price    NUMERIC(14,4) NOT NULL,
	notional NUMERIC(14,4) NOT NULL,
	score    DOUBLE PRECISION NOT NULL,
	reason   TEXT NOT NULL,
	PRIMARY KEY (plan_id, seq)
);
ALTER TABLE plan_decisions ADD COLUMN IF NOT EXISTS order_type TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS execution_plans_created_at_idx ON execution_plans (created_at DESC);`

// Open connects to Postgres with the pool settings from cfg.
func Open(ctx context.Context, cfg config.Postgres) (*sqlx.DB, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// PlanRow is one row of execution_plans.
type PlanRow struct {
	ID            string    `db:"id" json:"id"`
	Session       string    `db:"session" json:"session"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	EnvBias       float64   `db:"env_bias" json:"env_bias"`
	Mode          string    `db:"mode" json:"mode"`
	TotalNotional string    `db:"total_notional" json:"total_notional"`
}

// PlanRecorder keeps the history of every plan and its decisions.
type PlanRecorder struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPlanRecorder(db *sqlx.DB, timeout time.Duration) *PlanRecorder {
	return &PlanRecorder{db: db, timeout: timeout}
}

func (r *PlanRecorder) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// RecordPlan stores the plan once; recording the same plan ID again is a
// no-op.
func (r *PlanRecorder) RecordPlan(ctx context.Context, plan decision.ExecutionPlan) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rejected, err := json.Marshal(plan.Rejected)
	if err != nil {
		return fmt.Errorf("failed to marshal rejected input: %w", err)
	}
	var since *time.Time
	if !plan.Mode.Since.IsZero() {
		since = &plan.Mode.Since
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO execution_plans
		(id, session, created_at, env_bias, mode, mode_since, total_notional, macro_reason, rejected)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`,
		plan.ID, plan.Session, plan.CreatedAt, plan.EnvBias, string(plan.Mode.Mode), since,
		plan.TotalNotional.String(), plan.MacroReason, string(rejected))
	if err != nil {
		return fmt.Errorf("failed to insert plan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tx.Commit()
	}

	for i, d := range plan.Decisions {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO plan_decisions
			(plan_id, seq, ticker, action, kind, order_type, quantity, price, notional, score, reason)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			plan.ID, i, d.Ticker, string(d.Action), string(d.Kind), string(d.OrderType),
			d.Quantity.String(), d.Price.String(), d.Notional.String(), d.Score, d.Reason); err != nil {
			return fmt.Errorf("failed to insert decision %s: %w", d.Ticker, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan: %w", err)
	}
	return nil
}

// Recent returns the latest plans, newest first.
func (r *PlanRecorder) Recent(ctx context.Context, limit int) ([]PlanRow, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var rows []PlanRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT id, session, created_at, env_bias, mode, total_notional::text AS total_notional
		FROM execution_plans
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent plans: %w", err)
	}
	return rows, nil
}
