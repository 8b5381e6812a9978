package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"enhanced/internal/httpapi"
	"enhanced/internal/service"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(opts *cliOptions) *cobra.Command {
	var heartbeat int64
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP daemon",
		Example: "  enhanced serve --addr :8080\n  enhanced serve -c ~/.enhanced/config.yaml",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			log, closer, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx := cmd.Context()
			svc, err := service.New(ctx, cfg, service.Options{Logger: log})
			if err != nil {
				return err
			}
			// The worker outlives ctx so shutdown can drain the HTTP server first.
			workerCtx, stopWorker := context.WithCancel(context.Background())
			svc.Start(workerCtx)

			httpapi.SetLogger(log.With().Str("component", "http").Logger())
			httpapi.SetDefaultLogLevel(cfg.LogLevel)
			httpapi.SetBaseContext(ctx)
			httpapi.SetCORSOptions(cfg.CORSEnabled, cfg.CORSOrigins, nil, nil)
			httpapi.SetSSEHeartbeatSeconds(heartbeat)
			srv := &http.Server{
				Addr:              cfg.Addr,
				Handler:           httpapi.NewMux(svc),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", cfg.Addr).Str("models_dir", svc.Config().ModelsDir).Msg("listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				return svc.Watch(gctx)
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					log.Warn().Err(err).Msg("graceful shutdown")
				}
				return nil
			})
			err = g.Wait()
			stopWorker()
			if cerr := svc.Close(); cerr != nil {
				log.Warn().Err(cerr).Msg("close service")
			}
			log.Info().Msg("stopped")
			return err
		},
	}
	cmd.Flags().Int64Var(&heartbeat, "sse-heartbeat", 15, "Seconds between keep-alive comments on job event streams")
	return cmd
}
