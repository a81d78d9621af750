package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/surendranb/runsight-web-sub001/internal/api"
	"github.com/surendranb/runsight-web-sub001/internal/auth"
	"github.com/surendranb/runsight-web-sub001/internal/config"
	"github.com/surendranb/runsight-web-sub001/internal/enrichment"
	"github.com/surendranb/runsight-web-sub001/internal/events"
	"github.com/surendranb/runsight-web-sub001/internal/observability"
	"github.com/surendranb/runsight-web-sub001/internal/orchestrator"
	"github.com/surendranb/runsight-web-sub001/internal/provider"
	"github.com/surendranb/runsight-web-sub001/internal/state"
	"github.com/surendranb/runsight-web-sub001/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		log.Fatalf("failed to connect to postgres: %v", err)
	}
	defer pool.Close()

	if err := postgres.ApplySchema(ctx, pool); err != nil {
		log.Fatalf("failed to apply schema: %v", err)
	}

	sessions := postgres.NewSessionStore(pool)
	records := postgres.NewRecordStore(pool)
	credentials := postgres.NewCredentialStore(pool)

	tokens := provider.NewTokenProvider(credentials, cfg.OAuthClientID, cfg.OAuthSecret, cfg.ProviderTokenURL)
	fetcher := provider.NewClient(provider.Config{
		BaseURL:     cfg.ProviderBaseURL,
		HTTPTimeout: cfg.HTTPTimeout,
	}, tokens)

	enricher := enrichment.NewService(enrichment.Config{
		BaseURL:        cfg.WeatherBaseURL,
		APIKey:         cfg.WeatherAPIKey,
		HTTPTimeout:    cfg.HTTPTimeout,
		CallsPerMinute: cfg.WeatherCallsPerMinute,
	})

	publisher := events.NewPublisher(cfg.KafkaBrokers)
	defer publisher.Close()

	manager := state.NewManager(sessions)
	syncs := orchestrator.New(orchestrator.Config{
		PageSize:        cfg.PageSize,
		MaxPages:        cfg.MaxPages,
		EnrichBatchSize: cfg.EnrichBatchSize,
		StoreBatchSize:  cfg.StoreBatchSize,
	}, manager, fetcher, enricher, records, publisher)

	// Sample breaker states for the metrics endpoint.
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observability.SetBreakerOpen("activity-provider", fetcher.BreakerState() == "open")
				observability.SetBreakerOpen("weather-provider", enricher.BreakerState() == "open")
			}
		}
	}()

	handler := api.NewHandler(syncs, records)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	// Basic request logger
	logger := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			log.Printf("%s %s", r.Method, r.URL.Path)
			next.ServeHTTP(w, r)
		})
	}

	authMiddleware := auth.NewMiddleware(
		auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		func(r *http.Request) bool {
			return r.URL.Path == "/healthz" || r.URL.Path == "/metrics"
		},
	)

	server := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      authMiddleware.Wrap(logger(mux)),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("sync-engine listening on %s", cfg.HTTPAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
