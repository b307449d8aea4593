package main

import (
	"context"
	"fmt"
	"strings"

	"clinic-billing-service/internal/app"
	"clinic-billing-service/internal/config"
	"clinic-billing-service/internal/domain/billing"

	"github.com/spf13/cobra"
)

var (
	tenantName       string
	overrideTier     string
	overrideReason   string
	overrideOperator string
)

var tenantCmd = &cobra.Command{
	Use:   "tenant",
	Short: "Manage tenant rows in the billing database",
}

var tenantUpsertCmd = &cobra.Command{
	Use:   "upsert <tenant-id>",
	Short: "Register a tenant, keeping its billing status when it already exists",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.Core) error {
			tenant := &billing.Tenant{ID: args[0], Name: tenantName}
			if tenant.Name == "" {
				tenant.Name = args[0]
			}
			if err := core.Store.Tenants().Upsert(ctx, tenant); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tenant)
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <tenant-id>",
	Short: "Show a tenant's plan and billing status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.Core) error {
			details, err := core.Orchestrator.GetPlanDetails(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), details)
		})
	},
}

var overrideCmd = &cobra.Command{
	Use:   "override <tenant-id>",
	Short: "Set a tenant's tier without going through the provider",
	Example: `  billingctl override t-123 --tier ENTERPRISE --reason "pilot agreement" --operator ops@clinic`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := billing.ManualOverrideRequest{
			TargetTier: billing.PlanTier(strings.ToUpper(overrideTier)),
			Reason:     overrideReason,
		}
		return withCore(cmd, func(ctx context.Context, core *app.Core) error {
			sub, err := core.Orchestrator.ManualOverride(ctx, args[0], req, overrideOperator)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		})
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync <tenant-id>",
	Short: "Re-read a tenant's subscription from the provider",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withCore(cmd, func(ctx context.Context, core *app.Core) error {
			sub, err := core.Orchestrator.SyncFromProvider(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sub)
		})
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print its report",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		return withCore(cmd, func(ctx context.Context, core *app.Core) error {
			report, err := app.NewReconciler(cfg, core, newLogger()).RunOnce(ctx)
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
			if err != nil {
				return fmt.Errorf("reconcile pass stopped early: %w", err)
			}
			return nil
		})
	},
}

func init() {
	tenantUpsertCmd.Flags().StringVar(&tenantName, "name", "", "Display name (defaults to the id)")
	tenantCmd.AddCommand(tenantUpsertCmd)

	overrideCmd.Flags().StringVar(&overrideTier, "tier", "", "Target tier: BASIC, PRO or ENTERPRISE")
	overrideCmd.Flags().StringVar(&overrideReason, "reason", "", "Why the override is applied (recorded in the audit ledger)")
	overrideCmd.Flags().StringVar(&overrideOperator, "operator", "", "Operator id recorded in the audit ledger")
	_ = overrideCmd.MarkFlagRequired("tier")
	_ = overrideCmd.MarkFlagRequired("reason")
	_ = overrideCmd.MarkFlagRequired("operator")
}
