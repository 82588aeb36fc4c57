package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"newsfeed-backend/internal/app"
	"newsfeed-backend/internal/observability"
)

func main() {
	runtime, err := app.Build(app.Options{LoadDotEnv: true, RunMigrations: true})
	if err != nil {
		observability.NewLogger().Error("bootstrap_failed", map[string]any{"error": err})
		os.Exit(1)
	}
	logger := runtime.Logger

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", runtime.Config.Port),
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigChan:
		logger.Warn("server_shutdown", map[string]any{"signal": sig.String()})
	case err := <-errChan:
		logger.Error("server_failed", map[string]any{"error": err})
		exitCode = 1
	}

	if code := shutdown(srv, runtime.Close, logger, 10*time.Second); code != 0 {
		exitCode = code
	}
	os.Exit(exitCode)
}

type shutdowner interface {
	Shutdown(ctx context.Context) error
}

// shutdown drains the server and closes the runtime. It returns instead of
// exiting so the deadline context is released before os.Exit.
func shutdown(srv shutdowner, closeRuntime func() error, logger *observability.Logger, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	exitCode := 0
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server_shutdown_failed", map[string]any{"error": err})
		exitCode = 1
	}
	if err := closeRuntime(); err != nil {
		logger.Error("runtime_close_failed", map[string]any{"error": err})
		exitCode = 1
	}
	return exitCode
}
