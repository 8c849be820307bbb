package main

import (
	"context"
	"fmt"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"insurewatch/internal/app"
	"insurewatch/internal/domain"
)

func dashboardCmd() *cobra.Command {
	dash := &cobra.Command{
		Use:   "dashboard",
		Short: "Tenant compliance snapshots",
	}
	dash.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the latest snapshot, refreshing it when stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dashboardRun(cmd, false)
		},
	})
	dash.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Compute a new snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return dashboardRun(cmd, true)
		},
	})
	dash.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Live compliance counts without storing a snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Statistics(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(st)
				}
				fmt.Printf("Assets: %d   Compliance rate: %.2f%%   Open alerts: %d\n", st.TotalAssets, st.ComplianceRate, st.OpenAlerts)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Compliant", "Warning", "Non-Compliant", "Pending"})
				tw.AppendRow(table.Row{st.ByStatus.Compliant, st.ByStatus.Warning, st.ByStatus.NonCompliant, st.ByStatus.Pending})
				tw.Render()
				return nil
			})
		},
	})
	return dash
}

func dashboardRun(cmd *cobra.Command, refresh bool) error {
	tenant, err := tenantID()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		var s domain.Snapshot
		var err error
		if refresh {
			s, err = a.Engine.Refresh(ctx, tenant)
		} else {
			s, err = a.Engine.Dashboard(ctx, tenant)
		}
		if err != nil {
			return err
		}
		if viper.GetBool("json") {
			return printJSON(s)
		}
		printSnapshot(s)
		return nil
	})
}

func printSnapshot(s domain.Snapshot) {
	fmt.Printf("Tenant %s, generated %s\n", s.TenantID, s.GeneratedAt.Format("2006-01-02 15:04 MST"))
	fmt.Printf("Assets: %d   Compliance rate: %.2f%%   Active alerts: %d   Overdue: %d\n",
		s.TotalAssets, s.OverallComplianceRate, s.ActiveAlerts, s.OverdueActions)

	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Compliant", "Warning", "Non-Compliant", "Pending"})
	tw.AppendRow(table.Row{s.ByStatus.Compliant, s.ByStatus.Warning, s.ByStatus.NonCompliant, s.ByStatus.Pending})
	tw.Render()

	types := make([]string, 0, len(s.AssetTypeBreakdown))
	for t := range s.AssetTypeBreakdown {
		types = append(types, t)
	}
	sort.Strings(types)
	tw = table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Asset type", "Count"})
	for _, t := range types {
		tw.AppendRow(table.Row{t, s.AssetTypeBreakdown[t]})
	}
	tw.Render()

	if len(s.TopIssues) > 0 {
		tw = table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendHeader(table.Row{"Top issue", "Severity", "Open"})
		for _, i := range s.TopIssues {
			tw.AppendRow(table.Row{i.Title, i.Severity, i.Count})
		}
		tw.Render()
	}
}
