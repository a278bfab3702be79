// Package pool implements the client side of the machine-pool API: node
// allocation with a fixed retry ladder, inventory listing, and
// best-effort release of sessions back to the pool.
//
// The pool is an external HTTP service. Every call carries the API key
// as a query parameter. Under pool exhaustion the allocate endpoint
// returns a body that is not well-formed JSON; the client treats any
// malformed or incomplete response as transient and retries on the
// configured schedule before giving up.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sethgrid/pester"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/agentctl/internal/retry"
)

// DefaultRetryWaits is the allocation retry ladder. Each failed attempt
// waits its rung before the next attempt; allocation fails permanently
// only after the last wait has elapsed (~100 minutes cumulative).
var DefaultRetryWaits = []time.Duration{
	60 * time.Second,
	300 * time.Second,
	600 * time.Second,
	1800 * time.Second,
	3600 * time.Second,
}

// Lease is a reserved machine plus the session that owns it. A Lease
// with an empty SSID is not valid and must never be released.
type Lease struct {
	Host string
	SSID string
}

// Valid reports whether the lease identifies a releasable session.
func (l Lease) Valid() bool { return l.Host != "" && l.SSID != "" }

// AllocationRequest selects the machine flavour to lease.
type AllocationRequest struct {
	OSVersion string
	Arch      string
}

// AllocationError is returned when the retry schedule is exhausted
// without a well-formed successful response.
type AllocationError struct {
	Attempts int
	LastErr  error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("pool: no node allocated after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *AllocationError) Unwrap() error { return e.LastErr }

// Doer is the HTTP client surface the pool client needs. Satisfied by
// *pester.Client and *http.Client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config holds the parameters for a pool Client.
type Config struct {
	// BaseURL is the pool API root (e.g. "http://admin.ci.example.org:8080").
	BaseURL string

	// Key is the API credential appended to every call.
	Key string

	// RetryWaits overrides DefaultRetryWaits when non-empty.
	RetryWaits []time.Duration

	// HTTP overrides the transport. Defaults to a pester client with
	// bounded transport-level retries.
	HTTP Doer

	// Sleep overrides how the allocation loop waits between attempts.
	Sleep retry.Sleep

	Logger *slog.Logger
}

// Client talks to the pool allocation service. It is stateless between
// calls; all per-job state lives in the session that owns the Lease.
type Client struct {
	baseURL string
	key     string
	waits   []time.Duration
	http    Doer
	sleep   retry.Sleep
	logger  *slog.Logger

	tracer trace.Tracer
	meter  metric.Meter

	allocAttempts  metric.Int64Counter
	leasesReleased metric.Int64Counter
	allocWait      metric.Float64Histogram
}

// NewHTTPClient returns the default pool transport: a pester client
// that retries transient transport failures with exponential backoff.
// Pool-exhaustion retries are handled separately by Allocate's ladder.
func NewHTTPClient(logger *slog.Logger) *pester.Client {
	c := pester.New()
	c.Backoff = pester.ExponentialBackoff
	c.MaxRetries = 3
	c.LogHook = func(e pester.ErrEntry) {
		logger.Warn("pool transport retry",
			slog.String("verb", e.Verb),
			slog.String("url", e.URL),
			slog.Int("attempt", e.Attempt),
		)
	}
	return c
}

// New creates a pool Client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.HTTP == nil {
		cfg.HTTP = NewHTTPClient(cfg.Logger)
	}
	if len(cfg.RetryWaits) == 0 {
		cfg.RetryWaits = DefaultRetryWaits
	}
	if cfg.Sleep == nil {
		cfg.Sleep = retry.Wait
	}

	c := &Client{
		baseURL: cfg.BaseURL,
		key:     cfg.Key,
		waits:   cfg.RetryWaits,
		http:    cfg.HTTP,
		sleep:   cfg.Sleep,
		logger:  cfg.Logger,
		tracer:  otel.Tracer("agentctl/pool"),
		meter:   otel.Meter("agentctl/pool"),
	}

	var err error
	c.allocAttempts, err = c.meter.Int64Counter(
		"agentctl.pool.allocation.attempts",
		metric.WithDescription("Total allocation attempts against the pool API"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create allocAttempts counter", slog.String("error", err.Error()))
	}

	c.leasesReleased, err = c.meter.Int64Counter(
		"agentctl.pool.leases.released",
		metric.WithDescription("Total release calls issued to the pool API"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create leasesReleased counter", slog.String("error", err.Error()))
	}

	c.allocWait, err = c.meter.Float64Histogram(
		"agentctl.pool.allocation.wait",
		metric.WithDescription("Time spent waiting for a node (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 60, 300, 600, 1800, 3600, 7200),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create allocWait histogram", slog.String("error", err.Error()))
	}

	return c
}

// get performs one API call and returns the raw response body. The
// body is returned as text because failure responses are not JSON.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values) (string, error) {
	if params == nil {
		params = url.Values{}
	}
	params.Set("key", c.key)

	u := c.baseURL + endpoint + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("pool request %s: %w", endpoint, err)
	}

	c.logger.Debug("pool request", slog.String("endpoint", endpoint))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("pool request %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("pool response %s: %w", endpoint, err)
	}
	return string(body), nil
}

// allocateResponse is the well-formed shape of /Node/get. Anything that
// fails to parse into this, or parses without at least one host and a
// session id, counts as a transient pool-exhaustion response.
type allocateResponse struct {
	Hosts []string `json:"hosts"`
	SSID  string   `json:"ssid"`
}

// Allocate leases a node matching the request. It retries malformed or
// failed responses on the configured ladder and returns an
// *AllocationError once the schedule is exhausted.
func (c *Client) Allocate(ctx context.Context, req AllocationRequest) (Lease, error) {
	ctx, span := c.tracer.Start(ctx, "pool.Allocate")
	defer span.End()
	span.SetAttributes(
		attribute.String("pool.os_version", req.OSVersion),
		attribute.String("pool.arch", req.Arch),
	)

	c.logger.Info("attempting to allocate a node",
		slog.String("version", req.OSVersion),
		slog.String("arch", req.Arch),
	)

	params := url.Values{}
	params.Set("ver", req.OSVersion)
	params.Set("arch", req.Arch)

	started := time.Now()
	attempts := 0
	var lease Lease

	err := retry.Do(ctx, retry.Ladder(c.waits...), c.sleep, func() error {
		attempts++
		if c.allocAttempts != nil {
			c.allocAttempts.Add(ctx, 1)
		}

		body, err := c.get(ctx, "/Node/get", params)
		if err != nil {
			c.logger.Error("pool request failed", slog.String("error", err.Error()))
			return err
		}

		got, err := parseAllocation(body)
		if err != nil {
			c.logger.Error("received unexpected response from the pool",
				slog.String("response", body),
			)
			return err
		}
		lease = got
		return nil
	})

	if c.allocWait != nil {
		c.allocWait.Record(ctx, time.Since(started).Seconds())
	}

	if err != nil {
		if ctx.Err() != nil {
			return Lease{}, ctx.Err()
		}
		return Lease{}, &AllocationError{Attempts: attempts, LastErr: err}
	}

	span.SetAttributes(
		attribute.String("pool.host", lease.Host),
		attribute.String("pool.ssid", lease.SSID),
	)
	c.logger.Info("successfully allocated node",
		slog.String("host", lease.Host),
		slog.String("ssid", lease.SSID),
	)
	return lease, nil
}

// parseAllocation validates one allocate response body.
func parseAllocation(body string) (Lease, error) {
	var resp allocateResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return Lease{}, fmt.Errorf("malformed allocation response: %w", err)
	}
	if len(resp.Hosts) == 0 || resp.SSID == "" {
		return Lease{}, fmt.Errorf("incomplete allocation response")
	}
	return Lease{Host: resp.Hosts[0], SSID: resp.SSID}, nil
}

// Inventory lists the leases currently owned by this credential. It is
// not retried; a single failure is surfaced to the caller.
func (c *Client) Inventory(ctx context.Context) ([]Lease, error) {
	ctx, span := c.tracer.Start(ctx, "pool.Inventory")
	defer span.End()

	body, err := c.get(ctx, "/Inventory", nil)
	if err != nil {
		return nil, err
	}

	var rows [][]string
	if err := json.Unmarshal([]byte(body), &rows); err != nil {
		return nil, fmt.Errorf("malformed inventory response: %w", err)
	}

	leases := make([]Lease, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("malformed inventory row: %v", row)
		}
		leases = append(leases, Lease{Host: row[0], SSID: row[1]})
	}
	span.SetAttributes(attribute.Int("pool.lease_count", len(leases)))
	return leases, nil
}

// Release returns a session's nodes to the pool. It is best-effort and
// idempotent-safe: the pool's acknowledgment is logged, never parsed,
// and failures never propagate because Release runs on cleanup paths
// where the original error must not be masked. An empty ssid is a
// no-op.
func (c *Client) Release(ctx context.Context, ssid string) {
	ctx, span := c.tracer.Start(ctx, "pool.Release")
	defer span.End()

	if ssid == "" {
		c.logger.Warn("refusing to release an empty session id")
		return
	}
	span.SetAttributes(attribute.String("pool.ssid", ssid))

	c.logger.Info("freeing session", slog.String("ssid", ssid))

	params := url.Values{}
	params.Set("ssid", ssid)
	body, err := c.get(ctx, "/Node/done", params)
	if err != nil {
		c.logger.Error("release request failed",
			slog.String("ssid", ssid),
			slog.String("error", err.Error()),
		)
		return
	}
	if c.leasesReleased != nil {
		c.leasesReleased.Add(ctx, 1)
	}
	c.logger.Info("pool acknowledged release",
		slog.String("ssid", ssid),
		slog.String("response", body),
	)
}

// ReleaseAll lists every lease owned by the credential and releases
// each one. Individual release failures do not abort the remaining
// releases; only the inventory call itself can fail.
func (c *Client) ReleaseAll(ctx context.Context) error {
	ctx, span := c.tracer.Start(ctx, "pool.ReleaseAll")
	defer span.End()

	leases, err := c.Inventory(ctx)
	if err != nil {
		return fmt.Errorf("listing leases: %w", err)
	}
	for _, l := range leases {
		c.logger.Info("freeing node",
			slog.String("host", l.Host),
			slog.String("ssid", l.SSID),
		)
		c.Release(ctx, l.SSID)
	}
	return nil
}
