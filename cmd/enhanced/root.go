package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"enhanced/internal/config"
	"enhanced/internal/logging"
	"enhanced/internal/service"
)

// cliOptions carries persistent flags shared by every subcommand.
type cliOptions struct {
	configPath string
	envFiles   []string
	addr       string
	modelsDir  string
	device     string
	logLevel   string
	logFormat  string
	noColor    bool
	jsonOut    bool
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "enhanced",
		Short:         "Local image enhancement daemon and CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setColor(!opts.noColor)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", os.Getenv("ENHANCED_CONFIG"), "Config file (.yaml, .json or .toml)")
	pf.StringSliceVar(&opts.envFiles, "env-file", nil, "KEY=VALUE files loaded before reading ENHANCED_* variables (default .env)")
	pf.StringVar(&opts.addr, "addr", "", "HTTP listen address, e.g. :8080")
	pf.StringVar(&opts.modelsDir, "models-dir", "", "Directory holding installed model weights")
	pf.StringVar(&opts.device, "device", "", "Force a backend: cpu|cuda|rocm|mps")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug|info|warn|error|off")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console|json")
	pf.BoolVar(&opts.noColor, "no-color", false, "Disable colored output")
	pf.BoolVar(&opts.jsonOut, "json", false, "Print machine-readable JSON")

	root.AddCommand(
		newServeCmd(opts),
		newRunCmd(opts),
		newModelsCmd(opts),
		newDeviceCmd(opts),
		newHistoryCmd(opts),
	)
	return root
}

// loadConfig layers configuration: file, then ENHANCED_* environment (after
// loading env files), then explicitly set flags.
func (o *cliOptions) loadConfig(cmd *cobra.Command) (config.Config, error) {
	var cfg config.Config
	if err := config.LoadDotEnv(o.envFiles...); err != nil {
		return cfg, err
	}
	if o.configPath != "" {
		c, err := config.Load(o.configPath)
		if err != nil {
			return cfg, fmt.Errorf("load config: %w", err)
		}
		cfg = c
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	flags := cmd.Flags()
	for name, dst := range map[string]*string{
		"addr":       &cfg.Addr,
		"models-dir": &cfg.ModelsDir,
		"device":     &cfg.Device,
		"log-level":  &cfg.LogLevel,
		"log-format": &cfg.LogFormat,
	} {
		if flags.Changed(name) {
			v, _ := flags.GetString(name)
			*dst = v
		}
	}
	return config.WithDefaults(cfg), nil
}

// logger builds the process logger. CLI commands log to stderr so stdout
// stays parseable.
func (o *cliOptions) logger(cfg config.Config) (zerolog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		File:   cfg.LogFile,
		Out:    os.Stderr,
	})
}

// withService runs fn against a started in-process service and tears it
// down afterwards.
func (o *cliOptions) withService(cmd *cobra.Command, quiet bool, fn func(ctx context.Context, svc *service.Service) error) error {
	cfg, err := o.loadConfig(cmd)
	if err != nil {
		return err
	}
	if quiet && cfg.LogLevel == config.DefaultLogLevel {
		cfg.LogLevel = "warn"
	}
	log, closer, err := o.logger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	svc, err := service.New(ctx, cfg, service.Options{Logger: log})
	if err != nil {
		return err
	}
	workerCtx, stopWorker := context.WithCancel(context.Background())
	svc.Start(workerCtx)
	defer func() {
		stopWorker()
		if err := svc.Close(); err != nil {
			log.Warn().Err(err).Msg("close service")
		}
	}()
	return fn(ctx, svc)
}
