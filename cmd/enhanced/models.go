package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"enhanced/internal/service"
)

func newModelsCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List, install and remove enhancement models",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List known models and their install state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				models := svc.ListModels()
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), models)
				}
				printModels(cmd.OutOrStdout(), models)
				return nil
			})
		},
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Re-read the model manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				models, err := svc.RefreshModels(ctx)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), models)
				}
				printModels(cmd.OutOrStdout(), models)
				return nil
			})
		},
	}
	install := &cobra.Command{
		Use:     "install <id>...",
		Short:   "Download and verify models",
		Example: "  enhanced models install up4x sharpen-s",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				for _, id := range args {
					d, err := svc.InstallModel(ctx, id)
					if err != nil {
						return err
					}
					if opts.jsonOut {
						if err := printJSON(cmd.OutOrStdout(), d); err != nil {
							return err
						}
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okColor.Sprint("installed"), d.ID)
				}
				return nil
			})
		},
	}
	uninstall := &cobra.Command{
		Use:     "uninstall <id>...",
		Aliases: []string{"rm"},
		Short:   "Remove installed model weights",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				for _, id := range args {
					if err := svc.UninstallModel(id); err != nil {
						return err
					}
					if !opts.jsonOut {
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", warnColor.Sprint("removed"), id)
					}
				}
				return nil
			})
		},
	}
	cmd.AddCommand(list, refresh, install, uninstall)
	return cmd
}
