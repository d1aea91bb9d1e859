// The fleet worker drains the flow-processing and message-handler queues.
// It is the scale-out companion of cmd/server: any number of workers can
// run against the same datastore, coordinating through row leases only.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/config"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	_ "github.com/vigilsec/fleet/internal/flows" // register built-in flow classes
	"github.com/vigilsec/fleet/internal/hunt"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/wellknown"
)

func main() {
	godotenv.Load()
	configPath := flag.String("config", "", "path to the YAML server config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		// A standalone worker without a shared database has no work source.
		fmt.Fprintln(os.Stderr, "config: worker requires database.url")
		os.Exit(1)
	}
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker failed")
		os.Exit(2)
	}
}

func newLogger(cfg config.LogConfig) *logrus.Logger {
	log := logrus.New()
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		log.SetLevel(level)
	}
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	}
	return log
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	store, err := datastore.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "datastore:", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.NewLocalNotifier()
	if cfg.Redis.Addr != "" {
		rn, err := notify.NewRedisNotifier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
		if err != nil {
			log.WithError(err).Warn("redis unavailable, polling only")
		} else {
			notifier = rn
		}
	}

	bus := events.NewBus(log)
	engine := flow.NewEngine(store, notifier, bus, log)
	// The dispatcher installs the hunt accounting hook; flows finalized on
	// this worker feed their parent hunt's counters and ceilings.
	dispatcher := hunt.NewDispatcher(store, engine, bus, log, cfg.Hunts.MinClientsForAverages)

	registry := wellknown.NewRegistry()
	registry.Register(wellknown.NewEnrollment(store, engine, bus, log))
	registry.Register(wellknown.NewStats(log))
	registry.Register(wellknown.NewTransferStore(blobstore.NewManager(store)))
	registry.Register(wellknown.NewForeman(dispatcher, log))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < cfg.Worker.Processors; i++ {
		w := flow.NewWorker(engine, store, notifier, log,
			cfg.Worker.FlowLease.Std(), cfg.Worker.PollInterval.Std())
		g.Go(func() error { return w.Run(ctx) })
	}
	hw := wellknown.NewWorker(store, registry, notifier, log,
		cfg.Worker.HandlerLease.Std(), cfg.Worker.PollInterval.Std())
	g.Go(func() error { return hw.Run(ctx) })

	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
	}

	log.WithField("processors", cfg.Worker.Processors).Info("fleet worker up")
	return g.Wait()
}
