// Copyright 2024-2026 Aiku AI

package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/aiku/immp/pkg/admin"
	"github.com/aiku/immp/pkg/config"
	"github.com/aiku/immp/pkg/core"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the host until interrupted",
	RunE:  runHost,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config file without connecting to anything",
	RunE:  checkConfig,
}

func init() {
	runCmd.Flags().BoolP("watch", "w", false, "reload the config file when it changes")
	runCmd.Flags().Bool("write", false, "write the live topology back to the config file on exit")
}

func runHost(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	watch, _ := cmd.Flags().GetBool("watch")
	write, _ := cmd.Flags().GetBool("write")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	log, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	zerolog.DefaultContextLogger = log

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	host := core.New(
		core.WithLogger(*log),
		core.WithMetrics(core.NewMetrics(reg)),
		core.WithTracerProvider(otel.GetTracerProvider()),
	)
	loader := config.NewLoader(host, catalog())
	if err = loader.Apply(ctx, cfg); err != nil {
		log.Warn().Err(err).Msg("Config applied with errors")
	}

	if cfg.Admin.Enabled {
		srv := admin.New(host, reg)
		go func() {
			if err := srv.ListenAndServe(ctx, cfg.Admin.Addr); err != nil {
				log.Error().Err(err).Msg("Admin API failed")
			}
		}()
	}
	if watch {
		go func() {
			if err := loader.Watch(ctx, path, config.DefaultDebounce); err != nil {
				log.Error().Err(err).Msg("Config watcher failed")
			}
		}()
	}

	log.Info().Str("version", Tag).Str("config", path).Msg("Starting immp")
	runErr := host.Run(ctx)
	if write {
		runErr = errors.Join(runErr, writeBack(loader, path))
	}
	if runErr != nil {
		return runErr
	}
	log.Info().Msg("Stopped cleanly")
	return nil
}

func writeBack(loader *config.Loader, path string) error {
	snap, err := loader.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to snapshot config: %w", err)
	}
	return config.Save(snap, path)
}

// checkConfig parses the file and decodes every entity's config block.
func checkConfig(cmd *cobra.Command, _ []string) error {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if _, err = cfg.Logger(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	cat := catalog()
	var errs []error
	for kind, entities := range map[string]map[string]config.EntityConfig{"plug": cfg.Plugs, "hook": cfg.Hooks} {
		for name, ec := range entities {
			if _, err := cat.Decode(ec.Path, &ec.Config); err != nil {
				errs = append(errs, fmt.Errorf("%s %q: %w", kind, name, err))
			}
		}
	}
	if err = errors.Join(errs...); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d plugs, %d channels, %d groups, %d hooks\n",
		path, len(cfg.Plugs), len(cfg.Channels), len(cfg.Groups), len(cfg.Hooks))
	return nil
}
