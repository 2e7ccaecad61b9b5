package rest

import (
	"net/http"
	"time"

	"github.com/Aylexx/citus/internal/metasync"
	"github.com/Aylexx/citus/internal/worker"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 30 * time.Second

// NewCoordinatorRouter builds the coordinator's HTTP surface: registry
// mutation endpoints, metrics and health.
func NewCoordinatorRouter(service *metasync.Service, convergedTimeout time.Duration, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	NewNodeHandler(service, convergedTimeout).RegisterRoutes(router)
	// The wait-converged endpoint may legitimately block for its whole
	// timeout, so the request budget has to sit above it.
	registerCommonWithTimeout(router, logger, convergedTimeout+defaultRequestTimeout)
	return router
}

// NewWorkerRouter builds the worker's HTTP surface: the replica push/read
// endpoints, metrics and health.
func NewWorkerRouter(replica *worker.Replica, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	NewReplicaHandler(replica).RegisterRoutes(router)
	registerCommon(router, logger)
	return router
}

func registerCommon(router *mux.Router, logger *zap.Logger) {
	registerCommonWithTimeout(router, logger, defaultRequestTimeout)
}

func registerCommonWithTimeout(router *mux.Router, logger *zap.Logger, timeout time.Duration) {
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	router.Use(LoggingMiddleware(logger))
	router.Use(TimeoutMiddleware(timeout))
}
