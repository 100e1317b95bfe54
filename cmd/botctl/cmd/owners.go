package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawn/tenant-chatbots/internal/cli/api"
	"github.com/shawn/tenant-chatbots/internal/cli/output"
)

func newOwnersCmd(connect clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "owners",
		Short: "Show which pod serves each tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)
			return withClient(connect, true, func(ctx context.Context, client api.Client) error {
				owners, err := client.Owners(ctx)
				if err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to read owners: %v", err))
					return err
				}

				if outputFormat == "json" {
					return printJSON(cmd, owners)
				}
				tbl := output.NewTable(cmd.OutOrStdout(), "tenant id", "pod")
				unowned := 0
				for _, o := range owners {
					if o.Pod == "" {
						unowned++
					}
					tbl.Row(o.TenantID, styler.Owner(o.Pod))
				}
				if err := tbl.Flush(); err != nil {
					return err
				}
				if unowned > 0 {
					styler.FprintWarn(cmd.OutOrStdout(), fmt.Sprintf("%d tenant(s) not served by any pod", unowned))
				}
				return nil
			})
		},
	}
}
