// Command passkeyd is a passwordless authentication backend: passkey
// registration and discoverable login over HTTP, with SQLite persistence.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"passkeyd/internal/auth"
	"passkeyd/internal/server"
	"passkeyd/internal/store"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg := loadConfig(logger)

	db, err := store.Open(cfg.databasePath)
	if err != nil {
		logger.Error("open database", "path", cfg.databasePath, "error", err)
		os.Exit(1)
	}

	defer func() {
		_ = db.Close()
	}()

	err = store.Init(db)
	if err != nil {
		logger.Error("initialize database", "error", err)
		os.Exit(1)
	}

	manager, err := auth.NewManager(db, logger, auth.Config{
		RPID:     cfg.rpID,
		RPOrigin: cfg.rpOrigin,
		RPName:   cfg.rpName,
	})
	if err != nil {
		logger.Error("configure auth manager", "error", err)
		os.Exit(1)
	}

	app := server.New(logger, manager, server.Config{SecureCookies: cfg.secureCookies})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app.StartBackgroundLoops(ctx)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           app.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", "addr", cfg.listenAddr, "rp_id", cfg.rpID, "rp_origin", cfg.rpOrigin)

	err = srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

type config struct {
	listenAddr    string
	databasePath  string
	rpID          string
	rpOrigin      string
	rpName        string
	secureCookies bool
}

func loadConfig(logger *slog.Logger) config {
	cfg := config{
		listenAddr:    envOr("LISTEN_ADDR", ":8080"),
		databasePath:  envOr("DATABASE_PATH", "passkeyd.db"),
		rpID:          os.Getenv("RP_ID"),
		rpOrigin:      os.Getenv("RP_ORIGIN"),
		rpName:        envOr("RP_NAME", "Passkey Demo"),
		secureCookies: os.Getenv("COOKIES_SECURE") != "false",
	}

	if cfg.rpID == "" || cfg.rpOrigin == "" {
		logger.Error("RP_ID and RP_ORIGIN must be set")
		os.Exit(1)
	}

	return cfg
}

func envOr(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}

	return value
}
