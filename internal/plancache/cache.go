// Package plancache caches distributed query plans keyed by the worker
// address they route to. The planner owns plan construction; this package
// only guarantees that a committed node address change drops every plan
// still pointing at the old address.
package plancache

import (
	"sync"

	"github.com/Aylexx/citus/internal/metrics"
	"go.uber.org/zap"
)

// Plan is an opaque cached plan, stored by the external planner.
type Plan struct {
	Key     string
	Address string
	Data    []byte
}

// Cache is a thread-safe plan cache indexed by target node address.
type Cache struct {
	mu      sync.RWMutex
	byAddr  map[string]map[string]*Plan // address -> plan key -> plan
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics
}

// New creates an empty plan cache.
func New(logger *zap.Logger) *Cache {
	return &Cache{
		byAddr:  make(map[string]map[string]*Plan),
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Put stores a plan under its key and target address.
func (c *Cache) Put(plan *Plan) {
	c.mu.Lock()
	defer c.mu.Unlock()

	plans, ok := c.byAddr[plan.Address]
	if !ok {
		plans = make(map[string]*Plan)
		c.byAddr[plan.Address] = plans
	}
	plans[plan.Key] = plan
}

// Get returns the plan cached under key for address, if any.
func (c *Cache) Get(address, key string) (*Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	plans, ok := c.byAddr[address]
	if !ok {
		return nil, false
	}
	plan, ok := plans[key]
	return plan, ok
}

// Len returns the number of cached plans across all addresses.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, plans := range c.byAddr {
		n += len(plans)
	}
	return n
}

// OnNodeAddressChanged drops every plan cached under the old address. It
// implements the metadata-sync invalidation hook and runs after the address
// change is durable.
func (c *Cache) OnNodeAddressChanged(nodeID int64, oldAddress, newAddress string) {
	c.mu.Lock()
	dropped := len(c.byAddr[oldAddress])
	delete(c.byAddr, oldAddress)
	c.mu.Unlock()

	if dropped > 0 {
		c.metrics.PlanCacheInvalidations.Inc()
		c.logger.Info("invalidated cached plans after address change",
			zap.Int64("nodeID", nodeID),
			zap.String("oldAddress", oldAddress),
			zap.String("newAddress", newAddress),
			zap.Int("plans", dropped))
	}
}
