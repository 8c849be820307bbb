package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"insurewatch/internal/app"
)

func schedulerCmd() *cobra.Command {
	sched := &cobra.Command{
		Use:   "scheduler",
		Short: "Run the periodic re-check cycle",
	}
	sched.AddCommand(&cobra.Command{
		Use:   "run-once",
		Short: "Run a single cycle and print its report",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				report, err := a.Scheduler.RunOnce(ctx)
				if perr := printJSON(report); perr != nil {
					return perr
				}
				return err
			})
		},
	})
	sched.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Run cycles every engine.recheck_interval until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Scheduler.Start(ctx); err != nil {
					return err
				}
				fmt.Printf("scheduler running every %s (Ctrl-C to stop)\n", a.Config.Engine.RecheckInterval)
				<-ctx.Done()
				a.Scheduler.Stop()
				return nil
			})
		},
	})
	return sched
}
