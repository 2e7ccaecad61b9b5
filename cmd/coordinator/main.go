package main

import (
	"context"
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
	"github.com/Aylexx/citus/internal/metasync"
	"github.com/Aylexx/citus/internal/placement"
	"github.com/Aylexx/citus/internal/plancache"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

func main() {
	fs := pflag.NewFlagSet("coordinator", pflag.ExitOnError)
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

	// Open the registry store
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal("Failed to create data directory", zap.Error(err))
	}
	store, err := metadata.Open(filepath.Join(cfg.DataDir, "registry.db"), logger)
	if err != nil {
		logger.Fatal("Failed to open registry store", zap.Error(err))
	}
	defer store.Close()
	store.SetPlacementChecker(placement.NewCatalog())

	// Wire the mutation coordinator
	propagator := metasync.NewHTTPPropagator(cfg.PropagationTimeout, logger)
	locks := metadata.NewAdvisoryLocks()
	coordinator := metasync.NewCoordinator(store, locks, propagator, logger)
	coordinator.SetReplicaReader(propagator)
	coordinator.SetReachabilityChecker(metasync.NewHTTPHealthChecker(nil))

	// Plan cache consumes address-change invalidations
	planCache := plancache.New(logger)
	coordinator.AddInvalidator(planCache)

	// Convergence daemon wakes on interval and on commit
	daemon := metasync.NewDaemon(store, coordinator, cfg.SyncInterval, logger)
	coordinator.SetNotify(daemon.Notify)

	daemonCtx, stopDaemon := context.WithCancel(context.Background())
	go daemon.Run(daemonCtx)

	// HTTP surface
	service := metasync.NewService(store, coordinator, daemon)
	router := rest.NewCoordinatorRouter(service, cfg.ConvergenceTimeout, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ConvergenceTimeout + time.Minute,
	}

	// Setup signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()
	logger.Info("Coordinator started", zap.String("address", cfg.ListenAddr()))

	sig := <-signalCh
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	stopDaemon()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	logger.Info("Coordinator stopped")
}
