package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"marketpulse/internal/app"
	"marketpulse/internal/calendar"
	"marketpulse/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show data freshness per job",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			rows, err := a.Dispatcher().Freshness(context.Background())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tFREQUENCY\tLAST SUCCESS\tPERIOD\tAGE\tSTATE")
			for _, f := range rows {
				last, age := "never", "-"
				if f.HoursSince >= 0 {
					last = f.LastSuccessAt.Format("2006-01-02 15:04")
					age = fmt.Sprintf("%.0fh", f.HoursSince)
				}
				state := "ok"
				if f.IsOverdue {
					state = "OVERDUE"
				}
				period := f.LastPeriod
				if period == "" {
					period = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					f.Job, f.Frequency, last, period, age, state)
			}
			return w.Flush()
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured jobs and their schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tPRIORITY\tENABLED\tCOLLECTOR\tSCHEDULE")
			for _, j := range a.Dispatcher().Jobs() {
				registered := ""
				if !a.Registry().IsRegistered(j.Collector) {
					registered = " (unregistered)"
				}
				fmt.Fprintf(w, "%s\tp%d\t%t\t%s%s\t%s\n",
					j.Name, j.Priority, j.Enabled, j.Collector, registered, j.Schedule.String())
			}
			return w.Flush()
		},
	}
}

func newScheduleCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Show upcoming fire times",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			type fire struct {
				at  time.Time
				job string
			}
			var fires []fire
			now := time.Now()
			window := time.Duration(days) * 24 * time.Hour
			for _, j := range a.Dispatcher().Jobs() {
				if !j.Schedulable() {
					continue
				}
				for _, e := range calendar.Plan(j.Schedule, now, window, time.Local) {
					fires = append(fires, fire{at: e.At, job: j.Name})
				}
			}
			sort.Slice(fires, func(i, k int) bool { return fires[i].at.Before(fires[k].at) })

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tJOB")
			for _, f := range fires {
				fmt.Fprintf(w, "%s\t%s\n", f.at.Format("Mon 2006-01-02 15:04 MST"), f.job)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&days, "days", 7, "planning window in days")
	return cmd
}

func newEventsCmd() *cobra.Command {
	var (
		limit  int
		source string
		typ    string
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer closeApp(a)

			events, err := a.Store().ListEvents(context.Background(), store.EventQuery{
				Source: source,
				Type:   typ,
				Limit:  limit,
			})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tP\tTYPE\tSOURCE\tSUMMARY")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n",
					e.At.Format("2006-01-02 15:04"), e.Priority, e.Type, e.Source, e.Summary)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events to show")
	cmd.Flags().StringVar(&source, "source", "", "filter by job name")
	cmd.Flags().StringVar(&typ, "type", "", "filter by event type")
	return cmd
}
