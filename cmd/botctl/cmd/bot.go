package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/shawn/tenant-chatbots/internal/cli/api"
	"github.com/shawn/tenant-chatbots/internal/cli/output"
)

func newBotCmd(connect clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Manage a tenant's bots",
	}

	cmd.AddCommand(newBotListCmd(connect))
	cmd.AddCommand(newBotSetCmd(connect))
	cmd.AddCommand(newBotDisableCmd(connect))

	return cmd
}

func newBotListCmd(connect clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's bots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)
			return withClient(connect, false, func(ctx context.Context, client api.Client) error {
				bots, err := client.ListBots(ctx, args[0])
				if err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to list bots: %v", err))
					return err
				}

				if outputFormat == "json" {
					return printJSON(cmd, bots)
				}
				tbl := output.NewTable(cmd.OutOrStdout(), "bot id", "name", "platform", "status", "token")
				for _, b := range bots {
					token := "missing"
					if b.HasToken {
						token = "set"
					}
					tbl.Row(b.BotID, b.Name, b.Platform, styler.Enabled(b.Enabled), token)
				}
				return tbl.Flush()
			})
		},
	}
}

func newBotSetCmd(connect clientFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set <tenant-id> <bot-id>",
		Short: "Create or update a bot",
		Long: `Create or update a bot. Only the flags given are changed.

Pods owning the tenant apply the change on their next refresh: a new
token reconnects the bot, --enabled=false disconnects it.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &api.SetBotRequest{TenantID: args[0], BotID: args[1]}
			flags := cmd.Flags()
			if flags.Changed("name") {
				v, _ := flags.GetString("name")
				req.Name = &v
			}
			if flags.Changed("token") {
				v, _ := flags.GetString("token")
				req.Token = &v
			}
			if flags.Changed("platform") {
				v, _ := flags.GetString("platform")
				req.Platform = &v
			}
			if flags.Changed("enabled") {
				v, _ := flags.GetBool("enabled")
				req.Enabled = &v
			}

			styler := output.NewStyler(noColor)
			return withClient(connect, false, func(ctx context.Context, client api.Client) error {
				bot, err := client.SetBot(ctx, req)
				if err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to set bot: %v", err))
					return err
				}
				if outputFormat == "json" {
					return printJSON(cmd, bot)
				}
				styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Bot '%s/%s' saved (%s, %s)",
					bot.TenantID, bot.BotID, bot.Platform, styler.Enabled(bot.Enabled)))
				return nil
			})
		},
	}
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("token", "", "Platform credential")
	cmd.Flags().String("platform", "telegram", "Platform: telegram|matrix")
	cmd.Flags().Bool("enabled", true, "Whether the bot should be connected")
	return cmd
}

func newBotDisableCmd(connect clientFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "disable <tenant-id> <bot-id>",
		Short: "Disable a bot",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			styler := output.NewStyler(noColor)
			return withClient(connect, false, func(ctx context.Context, client api.Client) error {
				if err := client.DisableBot(ctx, args[0], args[1]); err != nil {
					styler.FprintError(cmd.ErrOrStderr(), fmt.Sprintf("Failed to disable bot: %v", err))
					return err
				}
				styler.FprintSuccess(cmd.OutOrStdout(), fmt.Sprintf("Bot '%s/%s' disabled", args[0], args[1]))
				return nil
			})
		},
	}
}
