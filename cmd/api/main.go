package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"ebbflow.dev/internal/board"
	"ebbflow.dev/internal/docstore"
	"ebbflow.dev/internal/docstore/pg"
	"ebbflow.dev/internal/httpapi"
	"ebbflow.dev/internal/identity"
	"ebbflow.dev/internal/localkv"
	"ebbflow.dev/internal/obs"
)

// Overridden with -ldflags at build time.
var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger := obs.Logger()
	defer logger.Sync()

	// Document store: Postgres when a DSN is configured, in-memory otherwise
	// (useful for local development and demos).
	var (
		store docstore.Store
		probe httpapi.ReadyProbe
	)
	if dsn := os.Getenv("EBB_PG_DSN"); dsn != "" {
		pgStore, err := pg.Open(dsn)
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
		probe = httpapi.ReadyProbe{DB: pgStore.DB()}
	} else {
		logger.Warn("EBB_PG_DSN not set, using in-memory store")
		store = docstore.NewMemory()
	}

	visits, err := localkv.Open(envOr("EBB_KV_DIR", "data/localkv"))
	if err != nil {
		log.Fatalf("open localkv: %v", err)
	}
	defer visits.Close()

	resolver, err := identity.NewResolver(store, logger)
	if err != nil {
		log.Fatalf("resolver: %v", err)
	}
	notes, err := board.NewNoteService(store, logger)
	if err != nil {
		log.Fatalf("notes: %v", err)
	}
	comments, err := board.NewCommentService(store, logger)
	if err != nil {
		log.Fatalf("comments: %v", err)
	}

	api, err := httpapi.New(httpapi.Config{
		Resolver: resolver,
		Notes:    notes,
		Comments: comments,
		Store:    store,
		Visits:   visits,
		Probe:    probe,
		Version:  version,
		Log:      logger,
	})
	if err != nil {
		log.Fatalf("api: %v", err)
	}

	srv := &http.Server{
		Addr:              envOr("EBB_HTTP_ADDR", ":8080"),
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      0, // SSE/WS connections stay open
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting ebb-api", zap.String("version", version), zap.String("addr", srv.Addr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()
	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	logger.Info("shutting down")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
