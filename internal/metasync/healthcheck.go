package metasync

import (
	"context"
	"fmt"
	"net/http"
)

// ReachabilityChecker reports whether an address answers at all. Used as the
// optional safety check before moving a node to a new address.
type ReachabilityChecker interface {
	Check(ctx context.Context, address string) error
}

// HTTPHealthChecker implements ReachabilityChecker using HTTP
type HTTPHealthChecker struct {
	client *http.Client
}

// NewHTTPHealthChecker creates a new HTTPHealthChecker instance
func NewHTTPHealthChecker(client *http.Client) *HTTPHealthChecker {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPHealthChecker{client: client}
}

// Check performs a health check on the specified address
func (hc *HTTPHealthChecker) Check(ctx context.Context, address string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health", address), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %v", err)
	}

	resp, err := hc.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status code %d", resp.StatusCode)
	}

	return nil
}
