package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Swind/go-runqueue/config"
	"github.com/Swind/go-runqueue/core"
	"github.com/Swind/go-runqueue/gateway"
	obs "github.com/Swind/go-runqueue/observability/prometheus"
	"github.com/Swind/go-runqueue/store"
	"github.com/goccy/go-json"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 10 * time.Second

func loadConfig(path string) (*config.Config, error) {
	return config.NewLoader().Load(path)
}

func serveAction(c *cli.Context) error {
	path := c.String("config")
	cfg, err := loadConfig(path)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	// The logger itself stays at trace; the global level is what reloads move.
	logger := core.NewZerologLogger(cfg.NewLogger().Zerolog().Level(zerolog.TraceLevel))
	zerolog.SetGlobalLevel(cfg.Log.Level.Zerolog())

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, drained := context.WithCancel(ctx)
	defer drained()

	promReg := prom.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, promReg, obs.ExporterOptions{})
	if err != nil {
		return err
	}
	poller, err := obs.NewSnapshotPoller(promReg, cfg.Metrics.PollInterval.Std())
	if err != nil {
		return err
	}

	reg := core.NewRegistry(
		core.WithLogger(logger),
		core.WithMetrics(exporter),
		core.WithRunnerDefaults(cfg.RunnerDefaults(logger, exporter)),
		core.WithOnAllDrained(drained),
	)
	defer reg.Close()

	mainRunner := reg.Default()
	mainRunner.SetName("main")

	// Store results land on the kv runner, which owns the in-memory table.
	kvRunner := reg.NewRunner("kv")
	slow := core.NewSlowServiceRunner(kvRunner, cfg.SlowServiceRunnerConfig("store-io", logger, exporter))
	files, err := store.NewFileStore(cfg.Store.Dir)
	if err != nil {
		return err
	}
	kv := newKVActor(kvRunner, store.NewAsyncStore(files, slow), logger)
	if err := kv.hydrate(); err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{Logger: logger})
	if err := gw.Register("kv", kv.runner, kv.handlers()); err != nil {
		return err
	}
	if err := gw.Register("admin", mainRunner, adminHandlers(reg, slow)); err != nil {
		return err
	}

	poller.AddRunnerSource(reg)
	poller.AddPool("store-io", slow)
	poller.Start(ctx)
	defer poller.Stop()

	if path != "" && c.Bool("watch") {
		w, err := config.NewWatcher(path, config.NewLoader(), mainRunner, config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		w.OnChange(func(ctx context.Context, oldConfig, newConfig *config.Config) {
			if oldConfig.Log.Level != newConfig.Log.Level {
				zerolog.SetGlobalLevel(newConfig.Log.Level.Zerolog())
				logger.Info("log level changed",
					core.F("from", string(oldConfig.Log.Level)),
					core.F("to", string(newConfig.Log.Level)))
			}
		})
		if err := w.Start(); err != nil {
			return err
		}
		defer w.Stop()
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	gatewayMux := http.NewServeMux()
	gatewayMux.Handle(cfg.Gateway.Path, gw)

	servers := []*http.Server{
		{Addr: cfg.Metrics.Addr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second},
		{Addr: cfg.Gateway.Addr, Handler: gatewayMux, ReadHeaderTimeout: 5 * time.Second},
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			logger.Info("listening", core.F("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		gw.Close()
		for _, srv := range servers {
			_ = srv.Shutdown(shutdownCtx)
		}
		// Pending writes finish on the pool and report back before the kv runner drains.
		if err := slow.Close(shutdownCtx); err != nil {
			logger.Warn("slow service did not drain", core.F("error", err))
		}
		reg.ShutdownAll()
		return reg.Wait(shutdownCtx)
	})

	return g.Wait()
}

func adminHandlers(reg *core.Registry, slow *core.SlowServiceRunner) map[string]gateway.Handler {
	return map[string]gateway.Handler{
		"runners": func(ctx context.Context, _ json.RawMessage) (any, error) {
			var out []core.RunnerStats
			for _, r := range reg.Runners() {
				out = append(out, r.Stats())
			}
			return out, nil
		},
		"pool": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return slow.Stats(), nil
		},
	}
}
