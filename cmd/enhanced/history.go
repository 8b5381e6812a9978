package main

import (
	"context"

	"github.com/spf13/cobra"

	"enhanced/internal/history"
	"enhanced/internal/service"
)

func newHistoryCmd(opts *cliOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recently finished jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				entries, err := svc.History(ctx, limit)
				if err != nil {
					return err
				}
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), entries)
				}
				printHistory(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", history.DefaultLimit, "Maximum number of entries")
	return cmd
}
