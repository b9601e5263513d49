// Command pushrelay-server runs the push notification relay over HTTP(S).
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/and161185/pushrelay/internal/config"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func newRootCmd() *cobra.Command {
	v := config.New()
	var file string

	cmd := &cobra.Command{
		Use:           "pushrelay-server",
		Short:         "Push notification relay with long-polling delivery",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(v, file)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			log.Info("starting",
				zap.String("version", version),
				zap.String("buildDate", buildDate),
				zap.String("addr", cfg.HTTP.Addr),
				zap.String("store", cfg.Store.Driver),
			)
			return run(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVarP(&file, "config", "c", "", "config file (yaml, json or toml)")
	if err := config.BindFlags(v, cmd.Flags()); err != nil {
		panic(err)
	}
	return cmd
}

func newLogger(c config.Log) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc.Level = lvl
	return zc.Build()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
