package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gaspardpetit/plugapi/internal/api"
	"github.com/gaspardpetit/plugapi/internal/config"
	"github.com/gaspardpetit/plugapi/internal/dispatch"
	"github.com/gaspardpetit/plugapi/internal/drain"
	"github.com/gaspardpetit/plugapi/internal/kv"
	"github.com/gaspardpetit/plugapi/internal/logx"
	"github.com/gaspardpetit/plugapi/internal/metrics"
	"github.com/gaspardpetit/plugapi/internal/plugin"
	"github.com/gaspardpetit/plugapi/internal/script"
	"github.com/gaspardpetit/plugapi/internal/server"
)

func newServeCommand(cfg *config.ServerConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Scan the plugin directory and serve its endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), *cfg)
		},
	}
}

// openStore returns the kv store plugins share: Redis when an address is
// configured, process memory otherwise.
func openStore(ctx context.Context, cfg config.ServerConfig) (kv.Store, error) {
	if cfg.RedisAddr == "" {
		return kv.NewMemoryStore(), nil
	}
	rs, err := kv.NewRedisStore(ctx, cfg.RedisAddr)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	logx.Log.Info().Str("addr", cfg.RedisAddr).Msg("using redis kv store")
	return rs, nil
}

func newManager(cfg config.ServerConfig, store kv.Store, binder plugin.Binder) *plugin.Manager {
	return plugin.NewManager(plugin.Options{
		Root:    cfg.PluginsDir,
		Workers: cfg.ScanWorkers,
		Script:  script.Options{KV: store, BodyLimit: int64(cfg.BodyLimit)},
		Binder:  binder,
	})
}

func runServe(parent context.Context, cfg config.ServerConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	metrics.SetServerBuildInfo(version, buildSHA, buildDate)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	routes := dispatch.NewTable()
	mgr := newManager(cfg, store, routes)
	defer mgr.Close()

	a := &api.API{Plugins: mgr, Routes: routes, Version: version, Started: time.Now()}
	handler, preg := server.New(cfg, a, routes)

	// Every module is registered before the listener accepts requests.
	if _, err := mgr.Scan(ctx); err != nil {
		return err
	}
	if cfg.Watch {
		w, err := mgr.Watch(ctx, plugin.DefaultDebounce)
		if err != nil {
			return err
		}
		defer func() { _ = w.Close() }()
	}

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	var metricsSrv *http.Server
	if addr := cfg.MetricsListenAddr(); addr != "" {
		metricsSrv = &http.Server{Addr: addr, Handler: server.MetricsHandler(preg), ReadHeaderTimeout: 10 * time.Second}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
			}
			if drain.IsDraining() || cfg.DrainTimeout <= 0 {
				logx.Log.Warn().Msg("termination requested")
				cancel()
				return
			}
			drain.Start()
			logx.Log.Info().
				Int64("inflight", drain.InFlight()).
				Dur("timeout", cfg.DrainTimeout).
				Msg("draining; send SIGTERM again to terminate immediately")
			go func() {
				waitCtx, stop := context.WithTimeout(ctx, cfg.DrainTimeout)
				defer stop()
				if err := drain.Wait(waitCtx); err != nil {
					logx.Log.Warn().Int64("inflight", drain.InFlight()).Msg("drain timeout exceeded; terminating")
				} else {
					logx.Log.Info().Msg("drain complete; terminating")
				}
				cancel()
			}()
		}
	}()

	errCh := make(chan error, 2)
	if metricsSrv != nil {
		go func() {
			logx.Log.Info().Str("addr", metricsSrv.Addr).Msg("metrics server starting")
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}
	go func() {
		if cfg.APIKey != "" {
			logx.Log.Info().Msg("API key auth enabled for admin endpoints")
		}
		logx.Log.Info().Int("port", cfg.Port).Str("plugins", mgr.Root()).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logx.Log.Error().Err(serr).Msg("server shutdown")
	}
	if metricsSrv != nil {
		if serr := metricsSrv.Shutdown(shutdownCtx); serr != nil {
			logx.Log.Error().Err(serr).Msg("metrics server shutdown")
		}
	}
	logx.Log.Info().Msg("server stopped")
	return err
}
