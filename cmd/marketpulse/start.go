package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"marketpulse/internal/app"
)

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the scheduling daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				return err
			}

			// Under systemd Type=notify this flips the unit to active; outside
			// systemd it is a no-op.
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			<-a.Done()

			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 6*time.Minute)
			defer stopCancel()
			_ = a.Stop(stopCtx)

			if err := a.Err(); err != nil && err != context.Canceled {
				return fmt.Errorf("daemon exited: %w", err)
			}
			return nil
		},
	}
}
