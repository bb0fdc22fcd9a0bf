// Command scrapecored wires the scraper orchestration core's components
// together and exposes the narrow ambient operational surface spec.md §1
// carves out for the core itself: a liveness probe, a Prometheus metrics
// endpoint, and a JSON debug snapshot. It does not implement the Control/Query interfaces (spec.md §6)
// as HTTP routes — those are out of scope (owned by the wider CRM UI) and
// are reached in-process via internal/runtime.Runtime.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/leadscout/scrapecore/internal/config"
	"github.com/leadscout/scrapecore/internal/eventbus"
	"github.com/leadscout/scrapecore/internal/pagedriver"
	"github.com/leadscout/scrapecore/internal/providercache"
	"github.com/leadscout/scrapecore/internal/runtime"
	"github.com/leadscout/scrapecore/internal/store"
	"github.com/leadscout/scrapecore/internal/timeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("scrapecored: config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessionStore := mustSessionStore(ctx, cfg)
	cache := providercache.New(cacheL2(cfg))

	bus := eventbus.New()
	wsBridge := eventbus.NewWebSocketBridge(bus)
	go wsBridge.Run(ctx)

	rt := runtime.New(runtime.Deps{
		Config:         cfg,
		Store:          sessionStore,
		Bus:            bus,
		Cache:          cache,
		Timeline:       timeline.NewStore(),
		ListingFactory: pagedriver.NewRodFactory(cfg.RodControlURL),
		LookupFactory:  pagedriver.NewRodFactory(cfg.RodControlURL),
		LookupHomeURL:  "https://example-carrier-lookup.invalid/",
		SearchURL:      defaultSearchURL,
	})

	if err := rt.Restore(ctx); err != nil {
		log.Printf("scrapecored: queue restore failed: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rt.Snapshot())
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("scrapecored: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("scrapecored: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("scrapecored: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("scrapecored: http shutdown: %v", err)
	}
}

// mustSessionStore opens PostgresStore when a DSN is configured, falling
// back to MemoryStore for local/dev runs without external dependencies,
// mirroring the teacher's own Redis-or-memory fallback idiom.
func mustSessionStore(ctx context.Context, cfg config.Config) store.Store {
	if cfg.PostgresDSN == "" {
		log.Println("scrapecored: SCRAPECORE_POSTGRES_DSN unset, using in-memory session store")
		return store.NewMemoryStore()
	}
	pg, err := store.NewPostgresStore(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("scrapecored: postgres connect: %v", err)
	}
	log.Println("scrapecored: connected to Postgres session store")
	return pg
}

// cacheL2 opens a Redis-backed L2 for the Provider Cache, falling back to
// an L1-only cache (nil L2) when Redis is unreachable.
func cacheL2(cfg config.Config) providercache.L2 {
	redisStore, err := store.NewRedisStore(cfg.RedisAddr, "", cfg.RedisDB)
	if err != nil {
		log.Printf("scrapecored: redis unavailable (%v), provider cache running L1-only", err)
		return nil
	}
	log.Printf("scrapecored: connected to Redis at %s for provider cache L2", cfg.RedisAddr)
	return redisStore
}

// defaultSearchURL composes the map provider's search URL from an industry
// and town. The provider is injected at the Page Driver level; only the URL
// shape is the core's concern.
func defaultSearchURL(industry, town string) string {
	return fmt.Sprintf("https://example-map-provider.invalid/search?q=%s+in+%s", industry, town)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
