package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"insurewatch/internal/app"
	"insurewatch/internal/domain"
	"insurewatch/internal/rulepack"
)

func assetsCmd() *cobra.Command {
	assets := &cobra.Command{
		Use:   "assets",
		Short: "Seed and inspect the asset store",
	}
	assets.AddCommand(assetsImportCmd())
	assets.AddCommand(assetsListCmd())
	assets.AddCommand(assetsStatusCmd())
	assets.AddCommand(assetsNonCompliantCmd())
	return assets
}

func assetsImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Upsert assets and their policies from a YAML seed file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			seed, err := rulepack.LoadAssets(args[0], tenant, time.Now().UTC())
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				for _, asset := range seed.Assets {
					if err := a.Engine.Repo.UpsertAsset(ctx, asset); err != nil {
						return fmt.Errorf("asset %s: %w", asset.ID, err)
					}
				}
				for _, p := range seed.Policies {
					if err := a.Engine.Repo.UpsertPolicy(ctx, p); err != nil {
						return fmt.Errorf("policy %s: %w", p.ID, err)
					}
				}
				fmt.Printf("imported %d assets and %d policies\n", len(seed.Assets), len(seed.Policies))
				return nil
			})
		},
	}
}

func assetsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List assets with their compliance summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				assets, err := a.Engine.Assets.GetAllAssets(ctx, tenant)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(assets)
				}
				printAssets(assets)
				return nil
			})
		},
	}
}

func assetsNonCompliantCmd() *cobra.Command {
	var minSeverity int
	cmd := &cobra.Command{
		Use:   "non-compliant",
		Short: "List Non-Compliant assets, optionally only those with an open alert of at least --min-severity",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				assets, err := a.Engine.NonCompliantAssets(ctx, tenant, minSeverity)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(assets)
				}
				printAssets(assets)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&minSeverity, "min-severity", 0, "minimum open alert severity, 0 for any")
	return cmd
}

func printAssets(assets []domain.Asset) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Tag", "Type", "Status", "Compliance", "Score"})
	for _, asset := range assets {
		tw.AppendRow(table.Row{asset.ID, asset.AssetTag, asset.AssetType, asset.Status, asset.ComplianceStatus, score(asset.ComplianceScore)})
	}
	tw.Render()
}

func score(s *int) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprint(*s)
}

func assetsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <asset-id>",
		Short: "Show latest check and open alerts for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.AssetStatus(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				return printJSON(st)
			})
		},
	}
}

func checkCmd() *cobra.Command {
	var all, force bool
	cmd := &cobra.Command{
		Use:   "check [asset-id]",
		Short: "Evaluate an asset, or with --all every due asset of the tenant, now",
		Args: func(cmd *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(1)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if all {
					report, err := a.Scheduler.CheckAll(ctx, tenant, force)
					if perr := printJSON(report); perr != nil {
						return perr
					}
					return err
				}
				check, err := a.Engine.CheckAsset(ctx, tenant, args[0], actorID())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(check)
				}
				fmt.Printf("%s: %s (score %d)\n", check.AssetID, check.Status, check.Score)
				printFindings(check.Findings)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "check the tenant's due assets on the worker pool")
	cmd.Flags().BoolVar(&force, "force", false, "with --all, check every asset whether due or not")
	return cmd
}

func printFindings(findings []domain.Finding) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Rule", "Type", "Severity", "Result", "Message"})
	for _, f := range findings {
		result := "pass"
		if !f.Compliant {
			result = "FAIL"
		}
		tw.AppendRow(table.Row{f.RuleCode, f.RuleType, f.Severity, result, f.Message})
	}
	tw.Render()
}

func historyCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "history <asset-id>",
		Short: "Show compliance transitions for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				entries, err := a.Engine.AssetHistory(ctx, tenant, args[0], days)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Changed", "From", "To", "Score", "Reason", "By"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ChangedAt.Format(time.RFC3339), e.FromStatus, e.ToStatus,
						fmt.Sprintf("%s -> %d", score(e.FromScore), e.ToScore), e.Reason, e.TriggeredBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "trailing window in days")
	return cmd
}
