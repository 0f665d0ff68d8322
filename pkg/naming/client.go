package naming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hpcstack/nodemanager/pkg/httpclient"
	"github.com/hpcstack/nodemanager/pkg/log"
	"github.com/hpcstack/nodemanager/pkg/metrics"
)

const maxBackoff = 300 * time.Second

// Client resolves service names against a set of naming-service URIs and
// caches the results. It is safe for concurrent use and is constructed once
// by cmd/nodemanager and shared by every component that needs to find the
// head node.
type Client struct {
	mu             sync.RWMutex
	cache          map[string]string
	uris           []string
	initialBackoff time.Duration
	httpClient     *http.Client
}

// NewClient builds a naming client against namingServiceURIs, each of which
// is expected to answer a GET request appending the service name and return
// a JSON string giving that service's current URI. initialBackoff seeds the
// retry loop used when every configured naming service is unreachable.
func NewClient(namingServiceURIs []string, initialBackoff time.Duration) *Client {
	if initialBackoff <= 0 {
		initialBackoff = time.Second
	}

	return &Client{
		cache:          make(map[string]string),
		uris:           append([]string(nil), namingServiceURIs...),
		initialBackoff: initialBackoff,
		httpClient:     httpclient.NewClient(),
	}
}

// Resolve returns the cached location for serviceName, fetching and caching
// it on first use. Two goroutines racing on the same unresolved name only
// trigger one network round trip: the read-lock fast path misses for both,
// but the write-lock slow path re-checks the cache before fetching.
func (c *Client) Resolve(ctx context.Context, serviceName string) (string, error) {
	c.mu.RLock()
	if location, ok := c.cache[serviceName]; ok {
		c.mu.RUnlock()
		return location, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if location, ok := c.cache[serviceName]; ok {
		return location, nil
	}

	metrics.NamingCacheMissesTotal.Inc()
	timer := metrics.NewTimer()

	location, err := c.requestServiceLocation(ctx, serviceName)
	if err != nil {
		return "", err
	}

	timer.ObserveDuration(metrics.NamingResolveDuration)
	c.cache[serviceName] = location
	namingLogger := log.WithComponent("naming")
	namingLogger.Debug().
		Str("service", serviceName).
		Str("location", location).
		Msg("resolved service location")

	return location, nil
}

// InvalidateCache clears every cached resolution. Safe to call concurrently
// with Resolve; the next Resolve for any service name re-fetches.
func (c *Client) InvalidateCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]string)
}

func (c *Client) requestServiceLocation(ctx context.Context, serviceName string) (string, error) {
	if len(c.uris) == 0 {
		return "", errors.New("naming: no naming service URIs configured")
	}

	selected := rand.IntN(len(c.uris))
	backoff := c.initialBackoff

	for {
		selected %= len(c.uris)
		uri := strings.TrimRight(c.uris[selected], "/") + "/" + serviceName
		selected++

		location, err := c.fetchOnce(ctx, uri)
		if err == nil {
			return location, nil
		}

		namingLogger := log.WithComponent("naming")
		namingLogger.Warn().
			Err(err).
			Str("uri", uri).
			Msg("failed to fetch service location, retrying")

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Client) fetchOnce(ctx context.Context, uri string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", fmt.Errorf("build naming request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("naming service responded %d", resp.StatusCode)
	}

	var location string
	if err := json.NewDecoder(resp.Body).Decode(&location); err != nil {
		return "", fmt.Errorf("decode naming response: %w", err)
	}

	return location, nil
}
