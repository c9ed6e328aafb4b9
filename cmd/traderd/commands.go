package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/session-trader/internal/alerts"
	"github.com/Rajchodisetti/session-trader/internal/backup"
	"github.com/Rajchodisetti/session-trader/internal/calendar"
	"github.com/Rajchodisetti/session-trader/internal/config"
	"github.com/Rajchodisetti/session-trader/internal/heartbeat"
	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/risk"
	"github.com/Rajchodisetti/session-trader/internal/scheduler"
	"github.com/Rajchodisetti/session-trader/internal/transport"
)

type loader func() (config.Root, error)

func runCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			log := observ.Logger("traderd")

			a, err := buildApp(ctx, cfg, true)
			if err != nil {
				return err
			}
			defer a.close()

			sched, err := a.scheduler()
			if err != nil {
				return err
			}
			if err := sched.Recover(ctx); err != nil {
				// a corrupt state file needs an operator
				return fmt.Errorf("refusing to start: %w", err)
			}

			srv := transport.NewServer(transport.Options{
				Addr:      cfg.HTTP.Addr,
				Heartbeat: a.heartbeat,
				MaxAge:    cfg.Heartbeat.MaxAge,
				State:     sched,
				Metrics:   a.metrics,
				History:   historyOrNil(a),
			})
			go func() {
				if err := srv.Start(); err != nil {
					observ.Error("http_server_failed", err, nil)
				}
			}()

			log.Info().Bool("dry_run", cfg.DryRun).Str("addr", cfg.HTTP.Addr).Msg("traderd started")
			notifyLifecycle(ctx, a.notifier, "traderd started")

			runErr := sched.Run(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			notifyLifecycle(shutdownCtx, a.notifier, "traderd stopped")
			log.Info().Msg("traderd stopped")

			if runErr != nil && !errors.Is(runErr, context.Canceled) {
				return runErr
			}
			return nil
		},
	}
}

func historyOrNil(a *app) transport.PlanHistory {
	if a.history == nil {
		return nil
	}
	return a.history
}

func notifyLifecycle(ctx context.Context, n alerts.Notifier, title string) {
	if err := n.Notify(ctx, alerts.Message{Kind: alerts.KindLifecycle, Severity: alerts.Info, Title: title, At: time.Now()}); err != nil {
		observ.Error("notify_failed", err, map[string]any{"kind": string(alerts.KindLifecycle)})
	}
}

func planCmd(load loader) *cobra.Command {
	var sessionName, prior string
	var execute bool
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Compute a plan now and print it as JSON",
		Long: "Computes the plan for one session from the live collaborators. Nothing is submitted unless --execute is given.\n" +
			"--execute runs the session through the persisted scheduler state, so it is refused when the session already\n" +
			"ran, failed or was missed today, and while the daemon's heartbeat is fresh.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			name := calendar.SessionName(sessionName)
			if name != calendar.MorningGuard && name != calendar.ClosingSprint {
				return fmt.Errorf("unknown session %q", sessionName)
			}
			if execute {
				return executeSession(cmd, cfg, name)
			}

			a, err := buildApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close()
			mode := risk.ModeState{Mode: risk.Mode(strings.ToUpper(prior))}
			plan, err := a.pipeline.Build(cmd.Context(), name, mode)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(plan)
		},
	}
	cmd.Flags().StringVar(&sessionName, "session", string(calendar.MorningGuard), "morning_guard or closing_sprint")
	cmd.Flags().StringVar(&prior, "prior-mode", "", "risk mode before this plan (NORMAL, DEFENSE, PANIC); --execute uses the persisted mode")
	cmd.Flags().BoolVar(&execute, "execute", false, "run the session now and submit the plan to the order sink")
	return cmd
}

// executeSession runs one session by hand through the scheduler so the
// once-per-day record stays authoritative.
func executeSession(cmd *cobra.Command, cfg config.Root, name calendar.SessionName) error {
	ctx := cmd.Context()
	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer a.close()

	// a running daemon keeps its own copy of the state and would overwrite ours
	if a.heartbeat.Check(cfg.Heartbeat.MaxAge) {
		age, _ := a.heartbeat.Age()
		return fmt.Errorf("daemon heartbeat is %s old (max %s); stop traderd and let it go stale before running a session by hand",
			age.Round(time.Second), cfg.Heartbeat.MaxAge)
	}

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	if err := sched.RunNow(ctx, name); err != nil {
		return err
	}
	rec := sched.Snapshot().Sessions[name]
	if rec.Status == scheduler.StatusFailed {
		return fmt.Errorf("%s failed: %s", name, rec.Error)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s plan %s (mode %s)\n", name, rec.Status, rec.PlanID, sched.Snapshot().Mode.Mode)
	return nil
}

func calendarCmd(load loader) *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "calendar [YYYY-MM-DD]",
		Short: "Show trading days and session windows",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			cal, err := calendar.New(cfg.Calendar)
			if err != nil {
				return err
			}
			day := time.Now().In(cal.Location())
			if len(args) == 1 {
				if day, err = time.ParseInLocation("2006-01-02", args[0], cal.Location()); err != nil {
					return fmt.Errorf("bad date %q", args[0])
				}
			}
			out := cmd.OutOrStdout()
			for i := 0; i < days; i++ {
				d := day.AddDate(0, 0, i)
				if !cal.IsTradingDay(d) {
					fmt.Fprintf(out, "%s %s  closed\n", cal.DateKey(d), d.Weekday().String()[:3])
					continue
				}
				var parts []string
				for _, w := range cal.Sessions(d) {
					parts = append(parts, fmt.Sprintf("%s %s-%s", w.Name, w.Open.Format("15:04"), w.Close.Format("15:04")))
				}
				fmt.Fprintf(out, "%s %s  %s\n", cal.DateKey(d), d.Weekday().String()[:3], strings.Join(parts, "  "))
			}
			if next, ok := cal.NextTradingDay(day); ok {
				fmt.Fprintf(out, "next trading day after %s: %s\n", cal.DateKey(day), cal.DateKey(next))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "number of days to list")
	return cmd
}

func healthcheckCmd(load loader) *cobra.Command {
	var maxAge time.Duration
	cmd := &cobra.Command{
		Use:   "healthcheck",
		Short: "Exit 0 when the heartbeat is fresh, 1 otherwise",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if maxAge <= 0 {
				maxAge = cfg.Heartbeat.MaxAge
			}
			a := &app{cfg: cfg}
			defer a.close()
			hs, err := heartbeatStore(cmd.Context(), a)
			if err != nil {
				return err
			}
			mon := heartbeat.New(hs, time.Now)
			if err := mon.Refresh(cmd.Context()); err != nil {
				return err
			}
			if !mon.Check(maxAge) {
				age, ok := mon.Age()
				if !ok {
					return errors.New("unhealthy: no heartbeat recorded")
				}
				return fmt.Errorf("unhealthy: heartbeat is %s old (max %s)", age.Round(time.Second), maxAge)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxAge, "max-age", 0, "maximum heartbeat age (default heartbeat.max_age)")
	return cmd
}

func backupCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a backup archive now",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			res, err := backup.New(cfg.Backup).Run(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%d files, %d bytes)\n", res.Path, res.Files, res.Bytes)
			for _, m := range res.Missing {
				fmt.Fprintf(cmd.OutOrStderr(), "missing: %s\n", m)
			}
			return nil
		},
	}
}

func markCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "mark TICKER PRICE",
		Short: "Record a last price in the paper book",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if cfg.Collaborators.Broker.Kind != "file" {
				return errors.New("mark needs collaborators.broker.kind=file")
			}
			price, err := strconv.ParseFloat(args[1], 64)
			if err != nil || price <= 0 {
				return fmt.Errorf("bad price %q", args[1])
			}
			a, err := buildApp(cmd.Context(), cfg, false)
			if err != nil {
				return err
			}
			defer a.close()
			if a.collab.Book == nil {
				return errors.New("no paper book configured")
			}
			if err := a.collab.Book.UpdateQuote(args[0], price); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %.4f\n", strings.ToUpper(args[0]), price)
			return nil
		},
	}
}
