// Command cleaker-ledgerd runs the namespace-scoped ledger daemon.
//
// Configuration is environment-driven:
//
//	CLEAKER_DB_PATH    SQLite database file (default ./cleaker.db)
//	CLEAKER_HTTP_PORT  listen port (default 8161)
//	CLEAKER_TLS        "true" serves HTTPS with a self-signed cert
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/cleaker-dev/cleaker-ledger/internal/server"
	"github.com/cleaker-dev/cleaker-ledger/internal/store"
	"github.com/cleaker-dev/cleaker-ledger/internal/vault"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(logger); err != nil {
		logger.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	dbPath := os.Getenv("CLEAKER_DB_PATH")
	if dbPath == "" {
		dbPath = "./cleaker.db"
	}

	port := os.Getenv("CLEAKER_HTTP_PORT")
	if port == "" {
		port = "8161"
	}

	useTLS := os.Getenv("CLEAKER_TLS") == "true"

	st, err := store.Open(store.Config{Path: dbPath, Logger: logger})
	if err != nil {
		return err
	}
	defer st.Close()

	gin.SetMode(gin.ReleaseMode)
	handler := server.NewHandler(st, logger)
	router := server.NewRouter(handler)

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	if useTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return err
		}
		srv.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		logger.Info("TLS enabled with self-signed certificate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveDone := make(chan error, 1)
	go func() {
		logger.Info("ledger listening", "port", port, "tls", useTLS, "db", dbPath)
		if useTLS {
			serveDone <- srv.ListenAndServeTLS("", "")
		} else {
			serveDone <- srv.ListenAndServe()
		}
	}()

	select {
	case err := <-serveDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
	}

	return nil
}
