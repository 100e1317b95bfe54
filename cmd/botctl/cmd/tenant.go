package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/shawn/tenant-chatbots/internal/cli/api"
	"github.com/shawn/tenant-chatbots/internal/cli/output"
)

func newTenantCmd(connect clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
		Long:  `Create, list and delete tenants.`,
	}

	cmd.AddCommand(newTenantListCmd(connect))
	cmd.AddCommand(newTenantCreateCmd(connect))
	cmd.AddCommand(newTenantDeleteCmd(connect))

	return cmd
}

func newTenantListCmd(connect clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)
			return withClient(connect, false, func(ctx context.Context, client api.Client) error {
				tenants, err := client.ListTenants(ctx)
				if err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to list tenants: %v", err))
					return err
				}

				if outputFormat == "json" {
					return printJSON(cmd, tenants)
				}
				tbl := output.NewTable(cmd.OutOrStdout(), "tenant id", "name", "created at")
				for _, t := range tenants {
					created := ""
					if !t.CreatedAt.IsZero() {
						created = t.CreatedAt.Format(time.RFC3339)
					}
					tbl.Row(t.TenantID, t.Name, created)
				}
				return tbl.Flush()
			})
		},
	}
}

func newTenantCreateCmd(connect clientFunc) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create <tenant-id>",
		Short: "Create a new tenant",
		Long: `Create a new tenant with the specified ID.

Running pods pick the tenant up on their next acquisition cycle once it
has at least one enabled bot.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)
			styler.FprintInfo(cmd.OutOrStdout(), fmt.Sprintf("Creating tenant '%s'...", tenantID))

			return withClient(connect, false, func(ctx context.Context, client api.Client) error {
				tenant, err := client.CreateTenant(ctx, &api.CreateTenantRequest{TenantID: tenantID, Name: name})
				if err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to create tenant: %v", err))
					return err
				}
				styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Tenant '%s' created", tenantID))

				if outputFormat == "json" {
					return printJSON(cmd, tenant)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "\nTenant ID:     %s\n", tenant.TenantID)
				if tenant.Name != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "Name:          %s\n", tenant.Name)
				}
				if !tenant.CreatedAt.IsZero() {
					fmt.Fprintf(cmd.OutOrStdout(), "Created At:    %s\n", tenant.CreatedAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name")
	return cmd
}

func newTenantDeleteCmd(connect clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <tenant-id>",
		Short: "Delete a tenant and its bots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := args[0]
			styler := output.NewStyler(noColor)
			styler.FprintInfo(cmd.OutOrStdout(), fmt.Sprintf("Deleting tenant '%s'...", tenantID))

			return withClient(connect, false, func(ctx context.Context, client api.Client) error {
				if err := client.DeleteTenant(ctx, tenantID); err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to delete tenant: %v", err))
					return err
				}
				styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Tenant '%s' deleted", tenantID))
				return nil
			})
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	jsonStr, err := output.FormatJSON(v)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), jsonStr)
	return nil
}
