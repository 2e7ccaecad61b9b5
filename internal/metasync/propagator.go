package metasync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Aylexx/citus/internal/metadata"
	"github.com/Aylexx/citus/internal/metrics"
	"github.com/Aylexx/citus/internal/utils"
	"go.uber.org/zap"
)

// Outcome classifies one propagation attempt against one target.
type Outcome int

const (
	// OutcomeSuccess means the target durably applied the snapshot.
	OutcomeSuccess Outcome = iota
	// OutcomeUnreachable means the target could not be contacted.
	OutcomeUnreachable
	// OutcomeReadOnly means the target refused the write because it is in
	// read-only mode. Treated like Unreachable for sync tracking: the write
	// was not durably applied.
	OutcomeReadOnly
	// OutcomeRemoteError means the target answered but failed to apply.
	OutcomeRemoteError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeReadOnly:
		return "read_only"
	case OutcomeRemoteError:
		return "remote_error"
	default:
		return "unknown"
	}
}

// Applied reports whether the snapshot is durably on the target.
func (o Outcome) Applied() bool {
	return o == OutcomeSuccess
}

// Result is the outcome of a single propagation attempt, with detail for
// remote errors.
type Result struct {
	Outcome Outcome
	Detail  string
}

// Propagator ships a registry snapshot to one target node. Implementations
// are stateless between calls and never retry internally; retry policy
// belongs to the mutation coordinator and the convergence daemon.
type Propagator interface {
	Sync(ctx context.Context, target metadata.NodeRecord, snap metadata.Snapshot) Result
}

// ReplicaReader fetches a target's replicated registry view, used by replica
// verification.
type ReplicaReader interface {
	Fetch(ctx context.Context, target metadata.NodeRecord) (*metadata.Snapshot, error)
}

const (
	snapshotPath = "/replica/snapshot"
	nodesPath    = "/replica/nodes"

	// readOnlyHeader marks a refusal from a replica frozen in read-only mode.
	readOnlyHeader = "X-Replica-Read-Only"
)

// HTTPPropagator pushes snapshots to the worker replica API over HTTP.
type HTTPPropagator struct {
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.PrometheusMetrics
}

var _ Propagator = (*HTTPPropagator)(nil)
var _ ReplicaReader = (*HTTPPropagator)(nil)

// NewHTTPPropagator creates a propagator with the given per-attempt timeout.
func NewHTTPPropagator(timeout time.Duration, logger *zap.Logger) *HTTPPropagator {
	return &HTTPPropagator{
		client: &http.Client{
			Timeout: timeout,
		},
		logger:  logger,
		metrics: metrics.GetMetrics(),
	}
}

// Sync POSTs the snapshot to the target's replica endpoint and classifies
// the response.
func (p *HTTPPropagator) Sync(ctx context.Context, target metadata.NodeRecord, snap metadata.Snapshot) Result {
	start := time.Now()
	res := p.push(ctx, target, snap)
	p.metrics.RecordPropagation(res.Outcome.String(), time.Since(start).Seconds())
	return res
}

func (p *HTTPPropagator) push(ctx context.Context, target metadata.NodeRecord, snap metadata.Snapshot) Result {
	body, err := json.Marshal(snap)
	if err != nil {
		return Result{Outcome: OutcomeRemoteError, Detail: fmt.Sprintf("failed to encode snapshot: %v", err)}
	}

	url := fmt.Sprintf("http://%s%s", target.Address(), snapshotPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return Result{Outcome: OutcomeRemoteError, Detail: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", utils.GenerateRequestID())

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{Outcome: OutcomeUnreachable, Detail: err.Error()}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return Result{Outcome: OutcomeSuccess}
	case resp.Header.Get(readOnlyHeader) == "true":
		return Result{Outcome: OutcomeReadOnly, Detail: "replica is read-only"}
	default:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Result{
			Outcome: OutcomeRemoteError,
			Detail:  fmt.Sprintf("status %d: %s", resp.StatusCode, string(detail)),
		}
	}
}

// Fetch retrieves the target's current replica view.
func (p *HTTPPropagator) Fetch(ctx context.Context, target metadata.NodeRecord) (*metadata.Snapshot, error) {
	url := fmt.Sprintf("http://%s%s", target.Address(), nodesPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch replica view from %s: %w", target.Address(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("replica view fetch from %s: status %d", target.Address(), resp.StatusCode)
	}

	var snap metadata.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode replica view: %w", err)
	}
	return &snap, nil
}
