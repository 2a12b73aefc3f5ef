package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"marketpulse/internal/app"
	"marketpulse/internal/store"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run one job immediately, bypassing the calendar",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			res, err := a.Dispatcher().RunJobNow(ctx, args[0])
			if err != nil {
				return err
			}

			rec := res.Record
			fmt.Printf("%s: %s (%d rows, period %s, %s)\n",
				rec.Job, rec.Status, rec.RowsCollected, rec.DataPeriod,
				rec.FinishedAt.Sub(rec.StartedAt).Round(time.Millisecond))
			if rec.ErrorMessage != "" {
				fmt.Println("  error:", rec.ErrorMessage)
			}
			for _, w := range rec.Warnings {
				fmt.Println("  warning:", w)
			}
			if !res.OK() {
				os.Exit(1)
			}
			return nil
		},
	}
}

func newTodayCmd() *cobra.Command {
	var execute bool
	cmd := &cobra.Command{
		Use:   "today",
		Short: "Show jobs due today; --execute runs them in priority order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			due := a.Dispatcher().DueToday(time.Now())
			if len(due) == 0 {
				fmt.Println("nothing due today")
				return nil
			}
			for _, j := range due {
				fmt.Printf("  %-20s p%d  %s\n", j.Name, j.Priority, j.Schedule.String())
			}
			if !execute {
				return nil
			}

			fmt.Println()
			failed := 0
			for _, res := range a.Dispatcher().RunAllDueToday(ctx) {
				rec := res.Record
				fmt.Printf("%s: %s (%d rows, %d attempt(s))\n",
					res.Job, res.Status, rec.RowsCollected, res.Attempts)
				if res.Status == store.RunFailed {
					failed++
				}
			}
			if failed > 0 {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&execute, "execute", false, "run the due jobs instead of just listing them")
	return cmd
}

// closeApp releases the store without going through the daemon stop path;
// one-shot commands never call Start.
func closeApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Stop(ctx)
	_ = a.Store().Close()
}
