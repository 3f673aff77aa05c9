package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"llama_gateway/internal/config"
	"llama_gateway/internal/httpapi"
	"llama_gateway/internal/logging"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logging.Fatalf("Failed to load config: %v", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		logging.Warningf("%v, keeping the default level", err)
	} else {
		logging.SetLogLevel(level)
	}

	if err := cfg.Validate(); err != nil {
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			logging.Fatalf("Invalid configuration: %v", err)
		}
		// interactive first run: ask for the missing ports and save them
		if err := cfg.Repair(os.Stdin, os.Stdout); err != nil {
			logging.Fatalf("Invalid configuration: %v", err)
		}
	}
	if err := cfg.ValidateDatabase(); err != nil {
		logging.Fatalf("Invalid database configuration: %v", err)
	}

	// Create router with all dependencies
	handler, deps, err := httpapi.NewRouter(cfg)
	if err != nil {
		logging.Fatalf("Failed to build router: %v", err)
	}

	addr := ":" + cfg.HTTPPort
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		// streamed generations may run for minutes; the relay enforces the backend timeout
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logging.Infof("Llama gateway listening on %s, forwarding to %s", addr, cfg.Backend.URL)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case <-quit:
		logging.Infof("Shutting down server...")
	case err := <-serverErr:
		logging.Errorf("Server error: %v", err)
		exitCode = 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	if err := server.Shutdown(ctx); err != nil {
		logging.Errorf("Server forced to shutdown: %v", err)
	}

	// flushes token counts, pending usage events and request logs
	if err := deps.Close(ctx); err != nil {
		logging.Errorf("Failed to release dependencies: %v", err)
		exitCode = 1
	}

	cancel()

	logging.Infof("Server exited")
	os.Exit(exitCode)
}
