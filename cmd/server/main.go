package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	_ "github.com/lib/pq"

	"github.com/example/chauffeur-settlement/internal/booking"
	"github.com/example/chauffeur-settlement/internal/config"
	"github.com/example/chauffeur-settlement/internal/dispatch"
	"github.com/example/chauffeur-settlement/internal/events"
	httpapi "github.com/example/chauffeur-settlement/internal/http"
	"github.com/example/chauffeur-settlement/internal/logging"
	"github.com/example/chauffeur-settlement/internal/payments"
	"github.com/example/chauffeur-settlement/internal/routes"
	"github.com/example/chauffeur-settlement/internal/settlement"
	"github.com/example/chauffeur-settlement/internal/storage"
	"github.com/example/chauffeur-settlement/internal/tariffs"
	"github.com/example/chauffeur-settlement/internal/tips"
	"github.com/example/chauffeur-settlement/internal/webhook"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := logging.NewLogger("settlement-api", cfg.LogLevel)

	if cfg.PGDSN != "" && cfg.RunMigrations {
		runMigrations(cfg.PGDSN)
	}

	var bookings storage.BookingStore
	var ledger storage.LedgerStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		bookings, ledger = ps, ps
	} else {
		ms := storage.NewMemoryStore()
		bookings, ledger = ms, ms
		logger.Warn("PG_DSN not set, using in-memory store")
	}

	var locks settlement.Locker
	if cfg.RedisAddr != "" {
		locks = settlement.NewRedisLocker(cfg.RedisAddr, cfg.RedisPassword, cfg.LockTTL)
	} else {
		locks = settlement.NewKeyedMutex()
	}

	feed := dispatch.NewFeed()
	publisher := events.Fanout{feed}
	var kafkaPub *events.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = append(publisher, kafkaPub)
	}

	gateway := payments.NewStripeGateway(cfg.StripeAPIKey, cfg.StripeTimeout)

	engine := &settlement.Engine{
		Bookings:        bookings,
		Ledger:          ledger,
		Gateway:         gateway,
		Locks:           locks,
		Events:          publisher,
		Logger:          logger,
		Currency:        cfg.Currency,
		AuthorizeWindow: cfg.AuthorizeWindow,
	}
	tipFlow := &tips.Flow{
		Bookings: bookings,
		Ledger:   ledger,
		Gateway:  gateway,
		Locks:    locks,
		Events:   publisher,
		Logger:   logger,
		Currency: cfg.Currency,
	}
	reconciler := webhook.New(engine, tipFlow, cfg.StripeWebhookSecret, logger)

	tariffStore, err := tariffs.NewStoreFromFile(cfg.TariffPath)
	if err != nil {
		log.Fatalf("tariffs: %v", err)
	}

	var routeClient routes.Client
	if cfg.OSRMEndpoint != "" {
		routeClient = routes.NewOSRMClient(cfg.OSRMEndpoint)
	} else {
		routeClient = &routes.Estimator{SpeedMps: cfg.DefaultSpeedMps}
		logger.Warn("OSRM_ENDPOINT not set, using crow-flight estimator")
	}
	routeClient = &routes.CachedClient{Inner: routeClient, Cache: routes.NewCache(cfg.RouteCacheTTL)}

	srv := httpapi.NewServer(cfg, logger, httpapi.Deps{
		Bookings:   bookings,
		Ledger:     ledger,
		Engine:     engine,
		Tips:       tipFlow,
		Reconciler: reconciler,
		Tariffs:    tariffStore,
		Routes:     routeClient,
		Numbers:    &booking.Generator{Exists: bookings.NumberExists},
		Feed:       feed,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("settlement api listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if kafkaPub != nil {
		_ = kafkaPub.Close()
	}
}

// runMigrations applies the SQL files in migrations/ when MIGRATE=true.
func runMigrations(dsn string) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Printf("migration db open error: %v", err)
		return
	}
	defer db.Close()
	files, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		log.Printf("migration glob error: %v", err)
		return
	}
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			log.Printf("migration read error: %v", err)
			continue
		}
		if _, err := db.Exec(string(b)); err != nil {
			log.Printf("migration exec error (%s): %v", f, err)
		} else {
			log.Printf("migration applied: %s", f)
		}
	}
}
