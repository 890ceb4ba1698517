package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/compat"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/directory"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/offers"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/zones"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	var zoneProvider zones.Provider
	if cfg.ZonesFile != "" {
		static, zerr := zones.LoadFile(cfg.ZonesFile)
		if zerr != nil {
			logger.Error("load zones file", "path", cfg.ZonesFile, "error", zerr)
			os.Exit(1)
		}
		zoneProvider = static
		logger.Info("zones loaded", "path", cfg.ZonesFile)
	}

	dirCfg := directory.Config{
		StalenessWindow: cfg.StalenessWindow,
		HardRadiusM:     cfg.HardRadiusM,
		Capacity:        cfg.DriverCapacity,
	}
	var dir directory.Directory
	if cfg.RedisAddr != "" {
		dir = directory.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, dirCfg, zoneProvider)
		logger.Info("driver directory backed by redis", "addr", cfg.RedisAddr)
	} else {
		dir = directory.NewMemory(dirCfg, zoneProvider)
		logger.Info("driver directory backed by memory index")
	}

	var led ledger.Ledger
	var pg *ledger.Postgres
	if cfg.PGDSN != "" {
		if cfg.RunMigrations {
			runMigrations(logger, cfg.PGDSN)
		}
		pg, err = ledger.NewPostgres(cfg.PGDSN)
		if err != nil {
			logger.Error("connect postgres", "error", err)
			os.Exit(1)
		}
		led = pg
		logger.Info("booking ledger backed by postgres")
	} else {
		led = ledger.NewMemory()
		logger.Info("booking ledger backed by memory")
	}

	var estimator eta.Estimator = eta.Static{Minutes: cfg.StaticETAMin}
	if cfg.OSRMEndpoint != "" {
		estimator = eta.NewCache(eta.NewOSRM(cfg.OSRMEndpoint), time.Minute)
		logger.Info("eta estimation via osrm", "endpoint", cfg.OSRMEndpoint)
	}

	store := offers.NewStore()
	notifier := dispatch.Chain{&dispatch.StreamNotifier{Offers: store}}
	if endpoint := os.Getenv("PUSH_GATEWAY_URL"); endpoint != "" {
		notifier = append(notifier, dispatch.NewPushNotifier(endpoint))
		logger.Info("push fallback enabled", "endpoint", endpoint)
	}

	var fares payments.FareAuthorizer
	if os.Getenv("STRIPE_API_KEY") != "" {
		fares = payments.NewStripe()
		logger.Info("fare holds enabled via stripe")
	}

	engine := dispatch.New(dispatch.Config{
		Phase1Timeout:       cfg.Phase1Timeout,
		SecondChanceTimeout: cfg.SecondChanceTimeout,
		InitialRadiusM:      cfg.InitialRadiusM,
		RadiusGrowth:        cfg.RadiusGrowth,
		MaxAttempts:         cfg.MaxAttempts,
		QueueTTL:            cfg.QueueTTL,
		DriverCapacity:      cfg.DriverCapacity,
	}, dispatch.Deps{
		Directory: dir,
		Ledger:    led,
		Offers:    store,
		Compat:    compat.New(zoneProvider, cfg.BearingToleranceDeg),
		Zones:     zoneProvider,
		ETA:       estimator,
		Notifier:  notifier,
		Fares:     fares,
		Logger:    logging.Component(logger, "dispatch"),
	})
	engine.Start()

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info("driver location ingest via kafka", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	api := httpapi.NewServer(engine, led, dir, store, producer, logging.Component(logger, "http"))
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if serr := srv.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", serr)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("http shutdown", "error", serr)
	}
	engine.Close()
	if producer != nil {
		_ = producer.Close()
	}
	if pg != nil {
		_ = pg.Close()
	}
	logger.Info("bye")
}

// runMigrations applies the checked-in schema files. Best effort: a failure
// is logged and the process continues against the existing schema.
func runMigrations(logger *slog.Logger, dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open", "error", err)
		return
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		logger.Error("migration glob", "error", err)
		return
	}
	for _, f := range files {
		b, rerr := os.ReadFile(f)
		if rerr != nil {
			logger.Error("migration read", "file", f, "error", rerr)
			continue
		}
		if _, eerr := db.Exec(string(b)); eerr != nil {
			logger.Error("migration exec", "file", f, "error", eerr)
			continue
		}
		logger.Info("migration applied", "file", f)
	}
}
