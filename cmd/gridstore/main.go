// Package main is the entry point for the gridstore file storage server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/gridstore/internal/blobstore"
	"github.com/bleepstore/gridstore/internal/config"
	"github.com/bleepstore/gridstore/internal/connection"
	"github.com/bleepstore/gridstore/internal/logging"
	"github.com/bleepstore/gridstore/internal/metrics"
	"github.com/bleepstore/gridstore/internal/server"
	"github.com/bleepstore/gridstore/internal/storage"
)

func main() {
	startTime := time.Now()
	configPath := flag.String("config", "gridstore.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 3001)")
	host := flag.String("host", "", "override listening host (default: from config or all interfaces)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout (default: from config or 15s)")
	uri := flag.String("uri", "", "override storage connection URI")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file and environment values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *uri != "" {
		cfg.Storage.URI = *uri
	}
	if err := cfg.Finalize(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	mgr := connection.NewManager(cfg.Storage.URI, storage.Options{
		Database:       cfg.Storage.Database,
		ChunkSize:      cfg.Storage.ChunkSize,
		ConnectTimeout: cfg.Storage.ConnectTimeout,
	}, connection.WithLogger(logger))

	svc := blobstore.NewService(mgr, blobstore.Options{
		Bucket:           cfg.Storage.Bucket,
		ChunkSize:        cfg.Storage.ChunkSize,
		OperationTimeout: cfg.Storage.OperationTimeout,
		BufferLimit:      cfg.Upload.BufferLimitBytes,
		Logger:           logger,
	})

	// The server starts without storage; requests report the failure until
	// the engine becomes reachable.
	if mgr.Configured() {
		initCtx, cancel := context.WithTimeout(context.Background(), cfg.Storage.ConnectTimeout+blobstore.CheckTimeout)
		if err := svc.Init(initCtx); err == nil {
			logger.Info("storage ready",
				"uri", storage.RedactURI(cfg.Storage.URI),
				"database", cfg.Storage.Database,
				"bucket", svc.Bucket(),
			)
		}
		cancel()
	} else {
		logger.Warn("storage.uri is not set; file routes will fail until it is configured")
	}

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	srv, err := server.New(cfg, svc, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	addr := cfg.Addr()
	errCh := make(chan error, 1)
	go func() {
		logger.Info("gridstore listening", "addr", addr)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exit := 0
	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String(), "timeout", cfg.Server.ShutdownTimeout)
	case err, ok := <-errCh:
		if ok {
			logger.Error("server failed", "error", err)
			exit = 1
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		exit = 1
	}
	if err := mgr.Close(ctx); err != nil {
		logger.Warn("closing storage connection", "error", err)
	}
	logger.Info("server stopped", "uptime", time.Since(startTime).Round(time.Second))
	os.Exit(exit)
}
