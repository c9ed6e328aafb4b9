// Command stubs serves a local signal, broker and order gateway so traderd can
// run with every collaborator set to kind: http.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Rajchodisetti/session-trader/internal/observ"
	"github.com/Rajchodisetti/session-trader/internal/portfolio"
	"github.com/Rajchodisetti/session-trader/internal/stubs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var addr, snapshot, book, token string
	cmd := &cobra.Command{
		Use:          "stubs",
		Short:        "Serve a local collaborator gateway",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			observ.SetupLogger(os.Stdout, "info")
			mgr := portfolio.NewManager(book)
			if err := mgr.Load(); err != nil {
				return err
			}
			srv := &http.Server{
				Addr:              addr,
				Handler:           stubs.NewGateway(snapshot, mgr, token).Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-cmd.Context().Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()
			observ.Log("stub_gateway_listening", map[string]any{"addr": addr, "snapshot": snapshot, "book": book})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8081", "listen address")
	cmd.Flags().StringVar(&snapshot, "snapshot", "data/sentiment_data.json", "signal snapshot file served at /v1/snapshot")
	cmd.Flags().StringVar(&book, "book", "data/stub_portfolio.json", "paper book backing positions, quotes and fills")
	cmd.Flags().StringVar(&token, "token", "", "bearer token required on /v1 routes")

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
