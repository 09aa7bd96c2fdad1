// The dispatcher consumes the trip event stream and runs the driver
// matching loop: on trip creation it builds the candidate queue and
// invites drivers one at a time until someone accepts or the queue
// runs dry. It shares no in-process state with the API server, so any
// number of replicas can run behind one consumer group.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/bus"
	"github.com/example/trip-dispatch/internal/config"
	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/driver"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/logging"
	"github.com/example/trip-dispatch/internal/notify"
	"github.com/example/trip-dispatch/internal/payments"
	"github.com/example/trip-dispatch/internal/routing"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

func main() {
	metricsAddr := flag.String("metrics-addr", ":2112", "address for /metrics and health probes")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		logger.Error("KAFKA_BROKERS is required: without kafka the api server dispatches in-process")
		os.Exit(1)
	}

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
		tripStore, driverStore, ratingStore = pg, pg, pg
	} else {
		mem := storage.NewMemory()
		tripStore, driverStore, ratingStore = mem, mem, mem
		logger.Warn("PG_DSN not set, using in-memory stores")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		index = geo.NewMemory()
	}

	rlog := logging.Component(logger, "routing")
	var routeSvc *routing.Service
	if cfg.UseOSRM {
		osrm := routing.NewOSRMClient(cfg.OSRMURL)
		routeSvc = routing.NewService(osrm, osrm, cfg.RouteCacheTTL, rlog)
	} else {
		routeSvc = routing.NewService(nil, nil, cfg.RouteCacheTTL, rlog)
	}

	var payment trip.PaymentProvider
	if cfg.StripeEnabled {
		payment = payments.NewStripeClient(os.Getenv("STRIPE_API_KEY"))
	}

	publisher := bus.NewKafkaBus(cfg.KafkaBrokers, cfg.KafkaTopic, logging.Component(logger, "bus"))
	defer publisher.Close()

	wsReg := dispatch.NewWSRegistry(logging.Component(logger, "ws"))
	tripSvc := trip.NewService(tripStore, ratingStore, routeSvc, publisher, payment, cfg.RatePerKm, logging.Component(logger, "trip"))
	driverSvc := driver.NewService(driverStore, index, publisher, logging.Component(logger, "driver"))

	consumer := bus.NewConsumer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.ConsumerGroup, logging.Component(logger, "consumer"))
	defer consumer.Close()

	orch := dispatch.NewOrchestrator(tripSvc, driverSvc, tripStore, publisher, wsReg,
		cfg.SearchRadiusKm, cfg.MaxCandidates, cfg.InviteTTL, logging.Component(logger, "dispatch"))
	orch.Register(consumer)

	var notifier notify.Notifier
	if cfg.NotifyEndpoint != "" {
		notifier = notify.NewHTTPNotifier(cfg.NotifyEndpoint)
	} else {
		notifier = &notify.LogNotifier{Logger: logger}
	}
	notify.NewRouter(notifier, logging.Component(logger, "notify")).Register(consumer)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if !routeSvc.HealthCheck(r.Context()) {
			http.Error(w, "routing backend unreachable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("dispatcher consuming", "topic", cfg.KafkaTopic, "group", cfg.ConsumerGroup)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "error", err)
	}
	metricsSrv.Shutdown(context.Background())
}
