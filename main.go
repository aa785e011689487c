package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"ocireg/internal/auth"
	"ocireg/internal/content"
	"ocireg/internal/index"
	"ocireg/internal/registry"
	"ocireg/internal/server"
	"ocireg/pkg/config"

	"github.com/spf13/afero"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger with configured log level
	logLevel := cfg.Logging.SlogLevel(slog.LevelInfo)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	idx, err := index.Open(cfg.Index.Path)
	if err != nil {
		logger.Error("failed to open index", "error", err)
		os.Exit(1)
	}

	blobStore, err := content.New(afero.NewOsFs(), cfg.Storage.Root)
	if err != nil {
		logger.Error("failed to open content store", "error", err)
		os.Exit(1)
	}

	reg := registry.New(idx, blobStore, logger)

	var resolver auth.Resolver = auth.NewHTTPResolver(cfg.Auth.MeEndpoint)

	srv := server.New(cfg.Server, cfg.Auth, reg, resolver, logger)

	// Log runtime information
	logger.Info("runtime information", "maxOSThreads", runtime.NumCPU())
	logger.Info("available endpoints", "endpoints", []string{
		"GET /v2/ - version check",
		"POST /v2/{name}/blobs/uploads/ - start or complete a blob upload",
		"PATCH /v2/{name}/blobs/uploads/{session} - append a chunk",
		"GET /v2/{name}/blobs/uploads/{session} - resume an upload",
		"PUT /v2/{name}/blobs/uploads/{session} - finalize a blob",
		"GET /v2/{name}/blobs/{digest} - fetch a blob",
		"DELETE /v2/{name}/blobs/{digest} - delete a blob",
		"PUT /v2/{name}/manifests/{reference} - push a manifest",
		"GET /v2/{name}/manifests/{reference} - fetch a manifest",
		"DELETE /v2/{name}/manifests/{reference} - delete a manifest",
		"GET /v2/{name}/tags/list - list tags",
	})
	logger.Info("press Ctrl+C to shutdown gracefully")

	// Start server in a goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal (Ctrl+C)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server shutdown complete")
}
