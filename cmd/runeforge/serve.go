package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/runeforge/internal/config"
	"github.com/MrWong99/runeforge/internal/document"
	"github.com/MrWong99/runeforge/internal/health"
	"github.com/MrWong99/runeforge/internal/observe"
	"github.com/MrWong99/runeforge/internal/rules"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, readiness, metrics and prepared actors over HTTP",
		Long: `Starts an HTTP server on server.listen_addr with:

  GET /healthz       liveness
  GET /readyz        store and compendium readiness
  GET /metrics       Prometheus metrics
  GET /actors/{id}   the prepared actor as JSON

With --watch the config file is polled; log level and rules settings are
applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.serve(cmd.Context(), watch)
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", true, "reload the config file when it changes")
	return cmd
}

func (o *rootOptions) serve(ctx context.Context, watch bool) error {
	promReg := prometheus.NewRegistry()
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    o.cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			o.logger.Warn("telemetry shutdown", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return err
	}

	a, err := newApp(ctx, o.cfg, o.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	var watcher *config.Watcher
	if watch {
		watcher, err = config.NewWatcher(o.configPath, config.WithWatchLogger(o.logger))
		switch {
		case err == nil:
		case errors.Is(err, os.ErrNotExist):
			o.logger.Info("config file not found, not watching", "path", o.configPath)
		default:
			return err
		}
	}

	mux := http.NewServeMux()
	health.New(
		health.Ping("store", a.store),
		health.Breakers("compendium", a.fetcher.Breakers),
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /actors/{id}", a.handlePrepared)

	srv := &http.Server{
		Addr: o.cfg.Server.ListenAddr,
		Handler: observe.Middleware(metrics,
			observe.WithRequestLogger(o.logger),
			observe.WithQuietPaths("/healthz", "/readyz", "/metrics"),
		)(mux),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			watcher.Run(gctx, o.reloader(a))
			return nil
		})
	}
	g.Go(func() error {
		o.logger.Info("runeforge serving", "addr", srv.Addr, "store", o.cfg.Store.Backend, "compendium_items", a.index.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		o.logger.Info("shutdown signal received, stopping")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// reloader applies hot-reloadable config changes and warns about the rest.
func (o *rootOptions) reloader(a *app) func(config.ConfigDiff, *config.Config) {
	return func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			o.levelVar.Set(slogLevel(d.NewLogLevel))
			o.logger.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.RulesChanged {
			a.registry.SetDisabled(d.Rules.DisabledKeys...)
			a.mediator.SetElementOptions(rules.Options{
				Debug:            d.Rules.Debug,
				SuppressWarnings: d.Rules.SuppressWarnings,
			})
			o.logger.Info("rules settings reloaded", "disabled_keys", d.Rules.DisabledKeys)
		}
		if len(d.RestartRequired) > 0 {
			o.logger.Warn("config changes need a restart", "settings", d.RestartRequired)
		}
	}
}

func (a *app) handlePrepared(w http.ResponseWriter, r *http.Request) {
	res, err := a.mediator.PrepareByID(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, document.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	case err != nil:
		observe.LoggerFrom(r.Context(), a.logger).Error("prepare actor", "actor", r.PathValue("id"), "err", err)
		http.Error(w, "prepare failed", http.StatusInternalServerError)
		return
	}
	body, err := json.Marshal(res)
	if err != nil {
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}
