package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the client daemon (relay connection, outbox worker, feed refresh)",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.connect(); err != nil {
			return err
		}
		a.cm.SetStateListener(func(connected bool) {
			if connected {
				color.Green("● relay connected")
			} else {
				color.Yellow("○ relay disconnected")
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		go func() {
			if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("outbox worker exited", "error", err)
			}
		}()

		slog.Info("gather daemon started", "relays", a.cfg.Relays.URLs, "archive", a.cfg.Archive.Enabled)

		ticker := time.NewTicker(a.cfg.Feed.RefreshInterval)
		defer ticker.Stop()

		// Initial read cycle, then refresh on the configured interval.
		_ = a.feed.Refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				slog.Info("gather daemon stopping")
				return nil
			case <-ticker.C:
				if err := a.feed.Refresh(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("feed refresh failed", "error", err)
				}
			}
		}
	},
}
