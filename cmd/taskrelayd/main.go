// Command taskrelayd serves taskrelay over HTTP. It loads capabilities,
// OAuth providers and limits from a YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hupe1980/taskrelay"
	"github.com/hupe1980/taskrelay/config"
	"github.com/hupe1980/taskrelay/logging"
)

var configPath = flag.String("config", "", "path to YAML config file (defaults are used when empty)")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	}

	logger := logging.New(cfg.LoggingConfig())

	a, err := build(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to build taskrelay: %v", err)
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           (&server{relay: a.relay, logger: logger}).routes(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweep(ctx, a, cfg.Dispatcher.SweepInterval, logger)

	go func() {
		logger.Info("taskrelayd.listening", "addr", cfg.Server.Addr, "capabilities", len(cfg.Capabilities))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("taskrelayd.serve_failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("taskrelayd.shutdown")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := shutdown(shutdownCtx, srv, a.relay); err != nil {
		logger.Error("taskrelayd.shutdown_failed", "error", err.Error())
	}
}

// shutdown stops the relay before the HTTP server. Cancelling live tasks
// closes their ledgers, which ends open step streams so the server can drain.
func shutdown(ctx context.Context, srv *http.Server, relay *taskrelay.TaskRelay) error {
	var errs []error

	if err := relay.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("relay: %w", err))
	}

	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http: %w", err))
	}

	return errors.Join(errs...)
}

func sweep(ctx context.Context, a *app, interval time.Duration, logger logging.Logger) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tasks, states := a.relay.Sweep(); tasks > 0 || states > 0 {
				logger.Debug("taskrelayd.sweep", "tasks", tasks, "states", states)
			}
		}
	}
}
