package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/driver"
	"github.com/example/trip-dispatch/internal/geo"
	httpapi "github.com/example/trip-dispatch/internal/http"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// stores: postgres when configured, in-memory otherwise
	var (
		tripStore   storage.TripStore
		driverStore storage.DriverStore
		ratingStore storage.RatingStore
	)
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			runMigrations(pg, logger)
		}
		tripStore, driverStore, ratingStore = pg, pg, pg
	} else {
		mem := storage.NewMemory()
		tripStore, driverStore, ratingStore = mem, mem, mem
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemory()
	}

	routeSvc := buildRouting(cfg, logger)

	var payment trip.PaymentProvider
	if cfg.StripeEnabled {
		payment = payments.NewStripeClient(os.Getenv("STRIPE_API_KEY"))
	}

	var notifier notify.Notifier
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyEndpoint)
	} else {
		notifier = &notify.LogNotifier{Logger: logger}
	}

	// bus: kafka when brokers are configured; otherwise the dispatch
	// loop runs in-process and events settle synchronously
	var publisher bus.Publisher
	var inproc *bus.InProc
	if len(cfg.KafkaBrokers) > 0 {
		kb := bus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, logging.Component(logger, "bus"))
		defer kb.Close()
		publisher = kb
	} else {
		inproc = bus.NewInProc()
		publisher = inproc
	}

	wsReg := dispatch.NewWSRegistry(logging.Component(logger, "ws"))

	tripSvc := trip.NewService(tripStore, ratingStore, routeSvc, publisher, payment, cfg.RatePerKm, logging.Component(logger, "trip"))
	driverSvc := driver.NewService(driverStore, index, publisher, logging.Component(logger, "driver"))

	if inproc != nil {
		orch := dispatch.NewOrchestrator(tripSvc, driverSvc, tripStore, publisher, wsReg,
			cfg.SearchRadiusKm, cfg.MaxCandidates, cfg.InviteTTL, logging.Component(logger, "dispatch"))
		orch.Register(inproc)
		notify.NewRouter(notifier, logging.Component(logger, "notify")).Register(inproc)
		logger.Info("no kafka brokers configured, dispatching in-process")
	}

	srv := httpapi.NewServer(tripSvc, driverSvc, routeSvc, wsReg, logging.Component(logger, "http"))

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("trip-dispatch api listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func buildRouting(cfg config.Config, logger *slog.Logger) *routing.Service {
	rlog := logging.Component(logger, "routing")
	var osrm *routing.OSRMClient
	if cfg.UseOSRM {
		osrm = routing.NewOSRMClient(cfg.OSRMURL)
	}
	if cfg.RoutingBackend == "google" && cfg.GoogleAPIKey != "" {
		g, err := routing.NewGoogleClient(cfg.GoogleAPIKey)
		if err != nil {
			rlog.Error("google routing init failed, falling back to osrm", "error", err)
		} else {
			return routing.NewService(g, osrm, cfg.RouteCacheTTL, rlog)
		}
	}
	if osrm != nil {
		return routing.NewService(osrm, osrm, cfg.RouteCacheTTL, rlog)
	}
	return routing.NewService(nil, nil, cfg.RouteCacheTTL, rlog)
}

func runMigrations(pg *storage.Postgres, logger *slog.Logger) {
	path := filepath.Join("migrations", "001_create_tables.sql")
	b, err := os.ReadFile(path)
	if err != nil {
		logger.Error("migration read error", "path", path, "error", err)
		return
	}
	if _, err := pg.DB().Exec(string(b)); err != nil {
		logger.Error("migration exec error", "path", path, "error", err)
		return
	}
	logger.Info("migration applied", "path", path)
}
