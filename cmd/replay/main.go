// Command replay runs recorded signal snapshots through the session pipeline
// in order, filling a paper book and carrying the risk mode from one session
// to the next. Nothing leaves the machine.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/session-trader/internal/adapters"
	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/portfolio"
	"github.com/Rajchodisetti/session-trader/internal/risk"
	"github.com/Rajchodisetti/session-trader/internal/session"
)

func main() {
	var cfgPath, bookPath string
	cmd := &cobra.Command{
		Use:          "replay FIXTURE_DIR",
		Short:        "Replay snapshot fixtures through the decision engine",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if cfgPath != "" {
				var err error
				if cfg, err = config.Load(cfgPath); err != nil {
					return err
				}
			}
			observ.SetupLogger(io.Discard, "info")
			if bookPath == "" {
				bookPath = filepath.Join(os.TempDir(), fmt.Sprintf("replay_book_%d.json", time.Now().UnixNano()))
				defer os.Remove(bookPath)
			}
			return replay(cmd.Context(), cfg, args[0], bookPath, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "YAML config (defaults when empty)")
	cmd.Flags().StringVar(&bookPath, "book", "", "paper book to start from and fill (temporary when empty)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// fixtureQuotes is the optional price block a replay fixture carries next to
// the snapshot envelope.
type fixtureQuotes struct {
	Quotes map[string]float64 `json:"quotes"`
}

// replay walks *.json in dir by name. Each file is a snapshot envelope whose
// generated_at must fall inside a session window. Prices in "quotes" are
// marked on the book before the session runs.
func replay(ctx context.Context, cfg config.Root, dir, bookPath string, out io.Writer) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no fixtures in %s", dir)
	}
	sort.Strings(files)

	cal, err := calendar.New(cfg.Calendar)
	if err != nil {
		return err
	}
	book := portfolio.NewManager(bookPath)
	if err := book.Load(); err != nil {
		return err
	}

	var mode risk.ModeState
	for _, f := range files {
		signals := adapters.NewFileSignals(f)
		snap, _, err := signals.Snapshot(ctx)
		if err != nil {
			return err
		}
		if snap.GeneratedAt.IsZero() {
			return fmt.Errorf("%s: generated_at is required for replay", filepath.Base(f))
		}
		if err := markQuotes(book, f); err != nil {
			return err
		}
		at := snap.GeneratedAt
		name, ok := sessionAt(cal, at)
		if !ok {
			return fmt.Errorf("%s: %s is outside every session window", filepath.Base(f), at.In(cal.Location()).Format(time.RFC3339))
		}

		pipe := session.NewPipeline(cfg.Risk, false, session.Deps{
			Signals: signals,
			Broker:  book,
			Now:     func() time.Time { return at },
		})
		plan, err := pipe.Build(ctx, name, mode)
		if err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(f), err)
		}
		if len(plan.Orders()) > 0 {
			if err := book.Submit(ctx, plan); err != nil {
				return err
			}
		}
		mode = plan.Mode

		var orders []string
		for _, d := range plan.Orders() {
			orders = append(orders, fmt.Sprintf("%s %s x%s", strings.ToUpper(string(d.Action)), d.Ticker, d.Quantity.String()))
		}
		if len(orders) == 0 {
			orders = []string{"no orders"}
		}
		fmt.Fprintf(out, "%s %-14s %-7s bias=%.2f  %s\n",
			at.In(cal.Location()).Format("2006-01-02 15:04"), name, plan.Mode.Mode, plan.EnvBias, strings.Join(orders, ", "))
	}

	st := book.Snapshot()
	tickers := make([]string, 0, len(st.Positions))
	for t, h := range st.Positions {
		if h.Quantity > 0 {
			tickers = append(tickers, t)
		}
	}
	sort.Strings(tickers)
	for _, t := range tickers {
		h := st.Positions[t]
		fmt.Fprintf(out, "holding %s qty=%g avg=%.2f realized=%.2f\n", t, h.Quantity, h.AvgCost, h.RealizedPnL)
	}
	return nil
}

func markQuotes(book *portfolio.Manager, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var fq fixtureQuotes
	if err := json.Unmarshal(data, &fq); err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	for sym, px := range fq.Quotes {
		if err := book.UpdateQuote(sym, px); err != nil {
			return err
		}
	}
	return nil
}

func sessionAt(cal *calendar.Calendar, at time.Time) (calendar.SessionName, bool) {
	for _, name := range calendar.Names {
		open, end, ok := cal.SessionWindow(at, name)
		if ok && !at.Before(open) && at.Before(end) {
			return name, true
		}
	}
	return "", false
}
