package metasync

import (
	"context"
	"time"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/metrics"
	"github.com/tilinna/clock"
	"go.uber.org/zap"
)

const convergencePollInterval = 100 * time.Millisecond

// Daemon is the background convergence loop: one per coordinator process.
// It wakes on a fixed interval and on the commit-time signal raised by the
// mutation coordinator, re-reads the registry for stale nodes, and retries
// propagation until every eligible replica matches. It holds no private
// state; every cycle re-reads the store, so spurious wakeups are harmless.
type Daemon struct {
	store    *metadata.Store
	coord    *Coordinator
	interval time.Duration
	wakeCh   chan struct{}
	logger   *zap.Logger
	metrics  *metrics.PrometheusMetrics
}

// NewDaemon creates the convergence daemon. interval is both the wake period
// and, effectively, the retry interval for unreachable replicas.
func NewDaemon(store *metadata.Store, coord *Coordinator, interval time.Duration, logger *zap.Logger) *Daemon {
	return &Daemon{
		store:    store,
		coord:    coord,
		interval: interval,
		wakeCh:   make(chan struct{}, 1),
		logger:   logger,
		metrics:  metrics.GetMetrics(),
	}
}

// Notify wakes the daemon without waiting for the interval timer. Called by
// the mutation coordinator after a registry transaction commits. Non-blocking;
// coalesces with a pending wake.
func (d *Daemon) Notify() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// Run drives the convergence loop until ctx is done. The clock comes from
// the context so tests can step time deterministically.
func (d *Daemon) Run(ctx context.Context) {
	clck := clock.FromContext(ctx)
	ticker := clck.NewTicker(d.interval)
	defer ticker.Stop()

	d.logger.Info("convergence daemon started", zap.Duration("interval", d.interval))
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("convergence daemon stopped")
			return
		case <-ticker.C:
			d.metrics.DaemonWakeupsTotal.WithLabelValues("interval").Inc()
			d.runCycle(ctx)
		case <-d.wakeCh:
			d.metrics.DaemonWakeupsTotal.WithLabelValues("notify").Inc()
			d.runCycle(ctx)
		}
	}
}

// runCycle performs one Idle -> Scanning -> Propagating -> Idle pass. Each
// stale node gets one propagation attempt; a success flips its synced flag
// in a short separate transaction, a failure leaves it for the next wake.
func (d *Daemon) runCycle(ctx context.Context) {
	d.metrics.DaemonCyclesTotal.Inc()

	total, stale, err := d.scanRegistry(ctx)
	if err != nil {
		d.logger.Error("convergence scan failed", zap.Error(err))
		return
	}
	d.metrics.RegistryNodesTotal.Set(float64(total))
	d.metrics.StaleNodes.Set(float64(len(stale)))
	if len(stale) == 0 {
		return
	}

	for _, node := range stale {
		if ctx.Err() != nil {
			return
		}
		if err := d.syncOne(ctx, node); err != nil {
			d.logger.Error("background sync failed", zap.Int64("nodeID", node.NodeID), zap.Error(err))
		}
	}

	// Re-count after the pass so the gauge reflects what the next wake
	// would see.
	if remaining, err := d.listStale(ctx); err == nil {
		d.metrics.StaleNodes.Set(float64(len(remaining)))
	}
}

// syncOne rebuilds the current snapshot and attempts one push to the node.
func (d *Daemon) syncOne(ctx context.Context, node metadata.NodeRecord) error {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// The node may have changed or converged since the scan; re-read it.
	current, err := d.store.Get(ctx, tx, node.NodeID)
	if err != nil {
		if err == metadata.ErrNodeNotFound {
			return nil
		}
		return err
	}
	if !current.HasMetadata || current.MetadataSynced || !current.IsActive || !current.SyncEnabled {
		return nil
	}

	nodes, err := d.store.List(ctx, tx)
	if err != nil {
		return err
	}
	snap := metadata.BuildSnapshot(nodes)

	res := d.coord.propagator.Sync(ctx, *current, snap)
	if !res.Outcome.Applied() {
		d.logger.Debug("replica still stale",
			zap.Int64("nodeID", current.NodeID),
			zap.String("outcome", res.Outcome.String()),
			zap.String("detail", res.Detail))
		return tx.Rollback()
	}

	if err := d.store.SetMetadataSynced(ctx, tx, current.NodeID, true); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.logger.Info("replica converged", zap.Int64("nodeID", current.NodeID), zap.String("address", current.Address()))
	return nil
}

func (d *Daemon) listStale(ctx context.Context) ([]metadata.NodeRecord, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	return d.store.ListStale(ctx, tx)
}

// scanRegistry reads the registry size and the stale set in one transaction.
func (d *Daemon) scanRegistry(ctx context.Context) (int, []metadata.NodeRecord, error) {
	tx, err := d.store.Begin(ctx)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	all, err := d.store.List(ctx, tx)
	if err != nil {
		return 0, nil, err
	}
	stale, err := d.store.ListStale(ctx, tx)
	if err != nil {
		return 0, nil, err
	}
	return len(all), stale, nil
}

// WaitUntilConverged blocks until no eligible node is stale, or until the
// timeout elapses. Convergence is eventual, not guaranteed by a deadline, so
// running out of time is a non-error "not yet converged" result. The wait
// re-scans rather than trusting any signal payload.
func (d *Daemon) WaitUntilConverged(ctx context.Context, timeout time.Duration) (bool, error) {
	clck := clock.FromContext(ctx)
	timer := clck.NewTimer(timeout)
	defer timer.Stop()
	poll := clck.NewTicker(convergencePollInterval)
	defer poll.Stop()

	for {
		stale, err := d.listStale(ctx)
		if err != nil {
			return false, err
		}
		if len(stale) == 0 {
			return true, nil
		}
		d.Notify()

		select {
		case <-ctx.Done():
			return false, nil
		case <-timer.C:
			return false, nil
		case <-poll.C:
		}
	}
}
