// The fleet server is the all-in-one deployment: agent-facing front end,
// operator API, metrics endpoint, hunt foreman and an in-process pool of
// flow and message-handler workers. Large installations run extra worker
// processes (cmd/worker) against the same datastore.
package main

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vigilsec/fleet/internal/api"
	"github.com/vigilsec/fleet/internal/approval"
	"github.com/vigilsec/fleet/internal/blobstore"
	"github.com/vigilsec/fleet/internal/comms"
	"github.com/vigilsec/fleet/internal/config"
	"github.com/vigilsec/fleet/internal/crypt"
	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	_ "github.com/vigilsec/fleet/internal/flows" // register built-in flow classes
	"github.com/vigilsec/fleet/internal/frontend"
	"github.com/vigilsec/fleet/internal/hunt"
	"github.com/vigilsec/fleet/internal/notify"
	"github.com/vigilsec/fleet/internal/signedbinary"
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
	log := newLogger(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("server failed")
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

func loadServerKey(cfg *config.Config, log *logrus.Logger) (*rsa.PrivateKey, error) {
	if cfg.Server.PrivateKeyPath == "" {
		log.Warn("no private key configured, generating an ephemeral key; agents enrolled now must re-enroll after a restart")
		return rsa.GenerateKey(rand.Reader, 2048)
	}
	pemData, err := os.ReadFile(cfg.Server.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return crypt.ParsePrivateKeyPEM(pemData)
}

func openStore(ctx context.Context, cfg *config.Config, log *logrus.Logger) (datastore.Store, error) {
	if cfg.Database.URL == "" {
		log.Warn("no database configured, using the in-memory store; all state is lost on restart")
		return datastore.NewMemoryStore(), nil
	}
	store, err := datastore.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func newNotifier(cfg *config.Config, log *logrus.Logger) notify.Notifier {
	if cfg.Redis.Addr == "" {
		return notify.NewLocalNotifier()
	}
	n, err := notify.NewRedisNotifier(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, log)
	if err != nil {
		log.WithError(err).Warn("redis unavailable, falling back to in-process notifications")
		return notify.NewLocalNotifier()
	}
	return n
}

// bootstrapAdmin seeds the first admin user so a fresh deployment can reach
// the user-management endpoints.
func bootstrapAdmin(ctx context.Context, store datastore.Store, log *logrus.Logger) error {
	username := os.Getenv("FLEET_BOOTSTRAP_ADMIN")
	if username == "" {
		return nil
	}
	if _, err := store.ReadUser(ctx, username); err == nil {
		return nil
	}
	log.WithField("user", username).Info("creating bootstrap admin user")
	return store.WriteUser(ctx, &datastore.User{Username: username, Type: datastore.UserAdmin})
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	key, err := loadServerKey(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "key:", err)
		os.Exit(1)
	}
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "datastore:", err)
		os.Exit(1)
	}
	if err := bootstrapAdmin(ctx, store, log); err != nil {
		fmt.Fprintln(os.Stderr, "bootstrap:", err)
		os.Exit(1)
	}

	notifier := newNotifier(cfg, log)
	bus := events.NewBus(log)
	engine := flow.NewEngine(store, notifier, bus, log)
	dispatcher := hunt.NewDispatcher(store, engine, bus, log, cfg.Hunts.MinClientsForAverages)
	blobs := blobstore.NewManager(store)
	transfer := wellknown.NewTransferStore(blobs)

	registry := wellknown.NewRegistry()
	registry.Register(wellknown.NewEnrollment(store, engine, bus, log))
	registry.Register(wellknown.NewStats(log))
	registry.Register(transfer)
	registry.Register(wellknown.NewForeman(dispatcher, log))

	certPEM, err := crypt.EncodePublicKeyPEM(&key.PublicKey)
	if err != nil {
		return err
	}
	comm := comms.New(cfg.Server.CommonName, key, frontend.ClientKeyResolver(store))
	fe := frontend.NewServer(store, comm, engine, transfer, notifier, bus, log, frontend.Options{
		MaxLeasedMessages: cfg.Frontend.MaxLeasedMessages,
		MessageLease:      cfg.Frontend.MessageLease.Std(),
		MaxBundleBytes:    cfg.Frontend.MaxBundleBytes,
		ServerCertPEM:     certPEM,
	})

	checker := approval.NewChecker(store, log, cfg.API.ApproversRequired, cfg.API.ApprovalTTL.Std())
	binaries := signedbinary.NewService(store, key, log)
	apiServer := api.NewServer(store, engine, dispatcher, checker, binaries, log)

	feRouter := mux.NewRouter()
	fe.Routes(feRouter)
	apiRouter := mux.NewRouter()
	apiServer.Routes(apiRouter.PathPrefix("/api/v1").Subrouter())

	g, ctx := errgroup.WithContext(ctx)
	serveHTTP(ctx, g, &http.Server{Addr: cfg.Server.Addr, Handler: feRouter}, log, "frontend")
	serveHTTP(ctx, g, &http.Server{Addr: cfg.API.Addr, Handler: apiRouter}, log, "api")
	if cfg.Server.MetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		serveHTTP(ctx, g, &http.Server{Addr: cfg.Server.MetricsAddr, Handler: metricsMux}, log, "metrics")
	}

	for i := 0; i < cfg.Worker.Processors; i++ {
		w := flow.NewWorker(engine, store, notifier, log,
			cfg.Worker.FlowLease.Std(), cfg.Worker.PollInterval.Std())
		g.Go(func() error { return w.Run(ctx) })
	}
	hw := wellknown.NewWorker(store, registry, notifier, log,
		cfg.Worker.HandlerLease.Std(), cfg.Worker.PollInterval.Std())
	g.Go(func() error { return hw.Run(ctx) })
	g.Go(func() error { return dispatcher.RunForeman(ctx, cfg.Hunts.ForemanInterval.Std()) })

	log.WithFields(logrus.Fields{
		"frontend": cfg.Server.Addr, "api": cfg.API.Addr,
	}).Info("fleet server up")
	return g.Wait()
}

func serveHTTP(ctx context.Context, g *errgroup.Group, srv *http.Server, log *logrus.Logger, name string) {
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		log.WithField("addr", srv.Addr).Infof("%s listening", name)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	})
}
