package main

import (
	"context"

	"github.com/spf13/cobra"

	"enhanced/internal/service"
)

func newDeviceCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "device",
		Short: "Show the compute device selected for enhancement",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withService(cmd, true, func(ctx context.Context, svc *service.Service) error {
				d := svc.Device()
				if opts.jsonOut {
					return printJSON(cmd.OutOrStdout(), d)
				}
				printDevice(cmd.OutOrStdout(), d)
				return nil
			})
		},
	}
}
