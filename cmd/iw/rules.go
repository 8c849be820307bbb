package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"insurewatch/internal/app"
	"insurewatch/internal/domain"
	"insurewatch/internal/rulepack"
)

func rulesCmd() *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Manage the rule catalog",
	}
	rules.AddCommand(rulesListCmd())
	rules.AddCommand(rulesCreateCmd())
	rules.AddCommand(rulesImportCmd())
	rules.AddCommand(rulesSetActiveCmd("activate", true))
	rules.AddCommand(rulesSetActiveCmd("deactivate", false))
	rules.AddCommand(rulesExpireCmd())
	rules.AddCommand(rulesApplicableCmd())
	return rules
}

func rulesApplicableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "applicable <asset-id>",
		Short: "List the active rules that apply to an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Engine.ApplicableRules(ctx, tenant, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				printRules(rules)
				return nil
			})
		},
	}
}

func rulesListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rules, err := a.Engine.ListRules(ctx, tenant, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				printRules(rules)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include inactive rules")
	return cmd
}

func printRules(rules []domain.Rule) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Priority", "Code", "Name", "Type", "Severity", "Active", "ID"})
	for _, r := range rules {
		tw.AppendRow(table.Row{r.Priority, r.Code, r.Name, r.Type, r.Severity, r.IsActive, r.ID})
	}
	tw.Render()
}

func rulesCreateCmd() *cobra.Command {
	var (
		rule                   domain.Rule
		ruleType               string
		from, to               string
		minValue, maxValue     float64
		daysToExpiry           int
		assetTypes, policyType []string
		inactive               bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			t, ok := domain.ParseRuleType(ruleType)
			if !ok {
				return fmt.Errorf("--type must be one of %v", domain.RuleTypes)
			}
			rule.Type = t
			rule.IsActive = !inactive
			rule.AssetTypes = assetTypes
			rule.PolicyTypes = policyType
			if rule.EffectiveFrom, err = parseDate(from); err != nil {
				return fmt.Errorf("--effective-from: %w", err)
			}
			if rule.EffectiveTo, err = parseDate(to); err != nil {
				return fmt.Errorf("--effective-to: %w", err)
			}
			if cmd.Flags().Changed("min-value") {
				rule.MinValue = &minValue
			}
			if cmd.Flags().Changed("max-value") {
				rule.MaxValue = &maxValue
			}
			if cmd.Flags().Changed("days-to-expiry") {
				rule.DaysToExpiry = &daysToExpiry
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Engine.CreateRule(ctx, tenant, actorID(), rule)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&rule.Code, "code", "", "unique rule code")
	f.StringVar(&rule.Name, "name", "", "display name")
	f.StringVar(&rule.Description, "description", "", "description")
	f.StringVar(&ruleType, "type", "", "Policy, Payment, Inspection, Documentation or Custom")
	f.IntVar(&rule.Severity, "severity", 3, "severity 1..5")
	f.IntVar(&rule.Priority, "priority", 0, "evaluation priority, lower runs first")
	f.StringVar(&from, "effective-from", "", "first day the rule applies (YYYY-MM-DD)")
	f.StringVar(&to, "effective-to", "", "last moment the rule applies (YYYY-MM-DD)")
	f.Float64Var(&minValue, "min-value", 0, "minimum insured value")
	f.Float64Var(&maxValue, "max-value", 0, "maximum insured value, or inspection interval in days")
	f.IntVar(&daysToExpiry, "days-to-expiry", 0, "policy expiry warning window in days")
	f.StringSliceVar(&assetTypes, "asset-types", nil, "asset types the rule applies to")
	f.StringSliceVar(&policyType, "policy-types", nil, "policy types the rule applies to")
	f.StringVar(&rule.Expression, "expression", "", "boolean expression for Custom rules")
	f.BoolVar(&inactive, "inactive", false, "create the rule switched off")
	return cmd
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid date %q", s)
}

func rulesImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.yml>",
		Short: "Create or update rules by code from a YAML rule pack",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			rules, err := rulepack.LoadRules(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.ImportRules(ctx, tenant, actorID(), rules)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("imported %d rules (%d created, %d updated)\n", len(rules), res.Created, res.Updated)
				return nil
			})
		},
	}
}

func rulesSetActiveCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, err := tenantID()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rule, err := a.Engine.SetRuleActive(ctx, tenant, args[0], active, actorID())
				if err != nil {
					return err
				}
				return printJSON(rule)
			})
		},
	}
}

func rulesExpireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Deactivate rules whose effective window has closed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Engine.ExpireRules(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deactivated %d rules\n", n)
				return nil
			})
		},
	}
}
