package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lastbid-gg/lastbid/internal/config"
	"github.com/lastbid-gg/lastbid/internal/events"
	"github.com/lastbid-gg/lastbid/internal/gateway"
	"github.com/lastbid-gg/lastbid/internal/ledger"
	"github.com/lastbid-gg/lastbid/internal/payout"
	"github.com/lastbid-gg/lastbid/internal/round"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	port := getEnv("PORT", "8080")
	natsURL := getEnv("NATS_URL", "nats://localhost:4222")
	configPath := getEnv("CONFIG_PATH", "config.yaml")
	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN not set, admin endpoints disabled")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	dbCfg := config.DBFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to database
	pool, err := pgxpool.New(ctx, dbCfg.PoolDSN())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create database pool")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}

	log.Info().
		Str("database", dbCfg.Name).
		Str("nats_url", natsURL).
		Str("port", port).
		Int("tiers", len(cfg.Tiers)).
		Msg("starting auction server")

	clock := clockwork.NewRealClock()

	// Event publisher for downstream collaborators
	pubCfg := events.DefaultPublisherConfig()
	pubCfg.URL = natsURL
	publisher, err := events.NewPublisher(pubCfg, clock)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create event publisher")
	}
	defer publisher.Close()

	// Ledger and payout stores
	store := ledger.NewStore(pool)
	payoutRepo := payout.NewRepository(pool)

	// Refund debits left behind by a crash before any machine opens
	refunded, err := store.ReconcileAbandonedRounds(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("startup reconciliation failed")
	}
	if refunded > 0 {
		log.Warn().Int("accounts", refunded).Msg("reconciled abandoned rounds")
	}

	// Round engine, broadcasting into the gateway's connection manager
	resolver := round.NewResolver(store, payoutRepo, 5*time.Second)
	connManager := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())
	auction := round.NewService(cfg.Tiers, store, resolver, connManager, publisher, clock)
	gatewayService := gateway.NewService(connManager, auction, store, gateway.NewTokenAuthorizer(adminToken))

	// Payout relay
	relayCfg := payout.DefaultRelayConfig()
	relayCfg.DatabaseURL = dbCfg.DSN()
	relay := payout.NewRelay(payoutRepo, store, publisher, relayCfg)

	// HTTP server
	mux := http.NewServeMux()
	gatewayService.RegisterRoutes(mux)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		stats := gatewayService.GetStats()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"service":"lastbid","tiers":%d,"connections":%d}`,
			len(cfg.Tiers), stats["total_connections"])
	})

	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Admin-Token"},
	}).Handler(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go gatewayService.Start(ctx)
	go auction.Start(ctx)
	go func() {
		if err := relay.Start(ctx); err != nil {
			log.Error().Err(err).Msg("payout relay failed")
		}
	}()

	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()

	// Give services time to clean up
	time.Sleep(1 * time.Second)

	log.Info().Msg("auction server shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
