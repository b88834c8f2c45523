package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/recordsync/internal/httpapi"
	"github.com/agentworkforce/recordsync/internal/recordsync"
)

func main() {
	addr := envOrDefault("RECORDSYNC_ADDR", ":8080")
	logger := log.New(os.Stderr, "recordsync ", log.LstdFlags|log.Lmsgprefix)

	backend, err := buildStateBackendFromEnv()
	if err != nil {
		logger.Fatalf("failed to initialize state backend: %v", err)
	}

	var watcher *recordsync.StateWatcher
	store, err := recordsync.NewRecordStore(recordsync.RecordStoreOptions{
		Backend: backend,
		Logger:  logger,
		OnSave: func() {
			if watcher != nil {
				watcher.NoteSelfWrite()
			}
		},
	})
	if err != nil {
		logger.Fatalf("failed to load record store: %v", err)
	}

	quota := recordsync.NewQuotaAccountant(
		intEnv("RECORDSYNC_QUOTA_BUDGET", 1000),
		durationEnv("RECORDSYNC_QUOTA_WINDOW", time.Hour),
	)
	remote := recordsync.NewHTTPRemoteSource(recordsync.HTTPRemoteSourceOptions{
		BaseURL:     os.Getenv("RECORDSYNC_REMOTE_BASE_URL"),
		Token:       os.Getenv("RECORDSYNC_REMOTE_TOKEN"),
		Quota:       quota,
		CallTimeout: durationEnv("RECORDSYNC_REMOTE_CALL_TIMEOUT", 0),
	})

	schemas := recordsync.NewSchemaRegistry()
	if err := schemas.LoadDir(os.Getenv("RECORDSYNC_SCHEMA_DIR")); err != nil {
		logger.Fatalf("failed to load mutation schemas: %v", err)
	}

	hub := httpapi.NewChangeHub(logger)
	defer hub.Close()

	detector := recordsync.NewDiscrepancyDetector(recordsync.DetectorOptions{
		Store:           store,
		Remote:          remote,
		FreshnessWindow: durationEnv("RECORDSYNC_FRESHNESS_WINDOW", 0),
		Logger:          logger,
	})
	buffer, err := recordsync.NewWriteBuffer(recordsync.WriteBufferOptions{
		Store:       store,
		Remote:      remote,
		Schemas:     schemas,
		Quota:       quota,
		Publisher:   hub,
		Logger:      logger,
		MaxRetries:  intEnv("RECORDSYNC_MAX_RETRIES", 0),
		Concurrency: intEnv("RECORDSYNC_DRAIN_CONCURRENCY", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize write buffer: %v", err)
	}
	coordinator, err := recordsync.NewSyncCoordinator(recordsync.CoordinatorOptions{
		Store:            store,
		Remote:           remote,
		Detector:         detector,
		Buffer:           buffer,
		Publisher:        hub,
		Quota:            quota,
		Logger:           logger,
		BatchSize:        intEnv("RECORDSYNC_BATCH_SIZE", 0),
		SyncInterval:     durationEnv("RECORDSYNC_SYNC_INTERVAL", 0),
		DrainInterval:    durationEnv("RECORDSYNC_DRAIN_INTERVAL", 0),
		SyncWorkers:      intEnv("RECORDSYNC_SYNC_WORKERS", 0),
		SyncJitter:       floatEnv("RECORDSYNC_SYNC_JITTER", 0.1),
		DisableDetection: !boolEnv("RECORDSYNC_DETECT_DISCREPANCIES", true),
		AutoSync:         boolEnv("RECORDSYNC_AUTO_SYNC", true),
		SeedCollections:  splitList(os.Getenv("RECORDSYNC_COLLECTIONS")),
		FreshnessWindow:  durationEnv("RECORDSYNC_FRESHNESS_WINDOW", 0),
	})
	if err != nil {
		logger.Fatalf("failed to initialize sync coordinator: %v", err)
	}

	if fileBackend, ok := backend.(*recordsync.JSONFileStateBackend); ok {
		watcher, err = recordsync.NewStateWatcher(recordsync.StateWatcherOptions{
			Path:   fileBackend.Path(),
			Store:  store,
			Logger: logger,
		})
		if err != nil {
			logger.Printf("state watcher disabled: %v", err)
		} else {
			defer watcher.Close()
		}
	}

	server := httpapi.NewServer(httpapi.ServerOptions{
		Store:       store,
		Coordinator: coordinator,
		Buffer:      buffer,
		Detector:    detector,
		Hub:         hub,
		Config: httpapi.ServerConfig{
			APIToken:        os.Getenv("RECORDSYNC_API_TOKEN"),
			RateLimitMax:    intEnv("RECORDSYNC_RATE_LIMIT_MAX", 0),
			RateLimitWindow: durationEnv("RECORDSYNC_RATE_LIMIT_WINDOW", time.Minute),
			MaxBodyBytes:    int64Env("RECORDSYNC_MAX_BODY_BYTES", 0),
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if boolEnv("RECORDSYNC_AUTO_SYNC", true) {
		coordinator.Start()
	}

	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		logger.Printf("shutting down")
		coordinator.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Printf("listening on %s", addr)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("server failed: %v", err)
	}
	if err := store.Close(); err != nil {
		logger.Printf("state backend close: %v", err)
	}
}

func buildStateBackendFromEnv() (recordsync.StateBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("RECORDSYNC_STATE_DSN"))
	if dsn == "" {
		dsn = "file://.recordsync/state.json"
	}
	return recordsync.BuildStateBackendFromDSN(dsn)
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %g", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
