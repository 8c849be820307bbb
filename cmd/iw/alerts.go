package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"insurewatch/internal/app"
	"insurewatch/internal/domain"
	"insurewatch/internal/engine"
	"insurewatch/internal/repo"
)

func alertsCmd() *cobra.Command {
	alerts := &cobra.Command{
		Use:   "alerts",
		Short: "Work the alert queue",
	}
	alerts.AddCommand(alertsListCmd())
	alerts.AddCommand(alertsAckCmd())
	alerts.AddCommand(alertsCloseCmd("resolve", "Resolve an open alert", engine.Engine.Resolve))
	alerts.AddCommand(alertsCloseCmd("ignore", "Close an open alert without action", engine.Engine.Ignore))
	alerts.AddCommand(alertsRetireCmd())
	return alerts
}

func alertsListCmd() *cobra.Command {
	var f repo.AlertFilter
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts, highest severity first",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			f.Status = domain.AlertStatus(status)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				alerts, err := a.Engine.ListAlerts(ctx, tenant, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(alerts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Asset", "Severity", "Status", "Title", "Due"})
				for _, al := range alerts {
					due := ""
					if al.DueDate != nil {
						due = al.DueDate.Format("2006-01-02")
					}
					tw.AppendRow(table.Row{al.ID, al.AssetID, al.Severity, al.Status, al.Title, due})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.AssetID, "asset", "", "asset id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.OpenOnly, "open", false, "only New and Acknowledged alerts")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func alertsAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <alert-id>",
		Short: "Acknowledge a new alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				alert, err := a.Engine.Acknowledge(ctx, tenant, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSON(alert)
			})
		},
	}
}

type closeFunc func(e engine.Engine, ctx context.Context, tenantID, alertID, actor, notes string) (domain.Alert, error)

func alertsCloseCmd(use, short string, fn closeFunc) *cobra.Command {
	var notes string
	cmd := &cobra.Command{
		Use:   use + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				alert, err := fn(a.Engine, ctx, tenant, args[0], actorID(), notes)
				if err != nil {
					return err
				}
				return printJSON(alert)
			})
		},
	}
	cmd.Flags().StringVar(&notes, "notes", "", "resolution notes")
	return cmd
}

func alertsRetireCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "retire",
		Short: "Resolve open alerts older than the stale threshold, across tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !cmd.Flags().Changed("days") {
					days = a.Config.Engine.StaleAlertDays
				}
				n, err := a.Engine.RetireStale(ctx, days)
				if err != nil {
					return err
				}
				fmt.Printf("retired %d alerts older than %d days\n", n, days)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "age threshold in days (default engine.stale_alert_days)")
	return cmd
}
