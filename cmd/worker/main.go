package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Aylexx/citus/internal/api/rest"
	"github.com/Aylexx/citus/internal/config"
	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/worker"
	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fs := pflag.NewFlagSet("worker", pflag.ExitOnError)
	config.AddFlags(fs)
	fs.Parse(os.Args[1:])

	cfg, err := config.Load(fs)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := config.InitLogger(cfg.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logger := config.GetLogger()
	defer config.Sync()

	// Open the local replica store
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	store, err := metadata.Open(filepath.Join(cfg.DataDir, "replica.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open replica store", zap.Error(err))
	}
	defer store.Close()

	replica := worker.NewReplica(store, logger)
	router := rest.NewWorkerRouter(replica, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Worker started", zap.String("address", cfg.ListenAddr()))

	// Register with the coordinator, retrying while it comes up. The
	// coordinator serializes registration; this side only has to persist.
	if cfg.CoordinatorURL != "" {
		go func() {
			if err := registerWithCoordinator(cfg, logger); err != nil {
				logger.Error("Failed to register with coordinator", zap.Error(err))
			}
		}()
	}

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	logger.Info("Worker stopped")
}

// registerWithCoordinator announces this worker to the coordinator's
// registry with exponential backoff. A conflict answer means the address is
// already registered, which is fine after a restart.
func registerWithCoordinator(cfg *config.Config, logger *zap.Logger) error {
	body, err := json.Marshal(map[string]interface{}{
		"host":     cfg.Host,
		"port":     cfg.Port,
		"group_id": cfg.GroupID,
		"role":     metadata.RolePrimary,
	})
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: 10 * time.Second}
	url := cfg.CoordinatorURL + "/cluster/nodes"

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 5 * time.Minute

	return backoff.Retry(func() error {
		resp, err := client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			logger.Warn("Coordinator not reachable yet", zap.Error(err))
			return err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusCreated:
			logger.Info("Registered with coordinator", zap.String("coordinator", cfg.CoordinatorURL))
			return nil
		case http.StatusConflict:
			logger.Info("Already registered with coordinator")
			return nil
		default:
			return fmt.Errorf("registration failed with status %d", resp.StatusCode)
		}
	}, policy)
}
