package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// ---------------------------------------------------------------------------
// Fake HTTP transport
// ---------------------------------------------------------------------------

// fakeDoer replays a scripted list of response bodies in order and
// records every request it sees.
type fakeDoer struct {
	bodies   []string
	requests []*http.Request
}

func (f *fakeDoer) Do(req *http.Request) (*http.Response, error) {
	f.requests = append(f.requests, req)

	body := ""
	if len(f.bodies) > 0 {
		body = f.bodies[0]
		f.bodies = f.bodies[1:]
	}

	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type PoolSuite struct {
	suite.Suite
	ctx   context.Context
	doer  *fakeDoer
	slept []time.Duration
}

func (s *PoolSuite) SetupTest() {
	s.ctx = context.Background()
	s.doer = &fakeDoer{}
	s.slept = nil
}

func (s *PoolSuite) newClient(waits ...time.Duration) *Client {
	return New(Config{
		BaseURL:    "http://pool.example.org:8080",
		Key:        "secret-key",
		RetryWaits: waits,
		HTTP:       s.doer,
		Sleep: func(_ context.Context, d time.Duration) error {
			s.slept = append(s.slept, d)
			return nil
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestPoolSuite(t *testing.T) {
	suite.Run(t, new(PoolSuite))
}

// ---------------------------------------------------------------------------
// Allocation tests
// ---------------------------------------------------------------------------

func (s *PoolSuite) TestAllocate_FirstAttemptSucceeds() {
	s.doer.bodies = []string{`{"hosts": ["host1.example.org"], "ssid": "abc"}`}
	c := s.newClient(time.Minute)

	lease, err := c.Allocate(s.ctx, AllocationRequest{OSVersion: "7", Arch: "x86_64"})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), "host1.example.org", lease.Host)
	assert.Equal(s.T(), "abc", lease.SSID)
	assert.True(s.T(), lease.Valid())
	assert.Empty(s.T(), s.slept)

	// Request carries the credential and the machine selection.
	require.Len(s.T(), s.doer.requests, 1)
	q := s.doer.requests[0].URL.Query()
	assert.Equal(s.T(), "secret-key", q.Get("key"))
	assert.Equal(s.T(), "7", q.Get("ver"))
	assert.Equal(s.T(), "x86_64", q.Get("arch"))
	assert.Equal(s.T(), "/Node/get", s.doer.requests[0].URL.Path)
}

func (s *PoolSuite) TestAllocate_ExhaustionThenSuccess() {
	// Two pool-exhaustion responses (not JSON), then a valid lease.
	s.doer.bodies = []string{
		"Insufficient Nodes in READY State",
		"Insufficient Nodes in READY State",
		`{"hosts": ["host1"], "ssid": "abc"}`,
	}
	c := s.newClient(60*time.Second, 300*time.Second, 600*time.Second)

	lease, err := c.Allocate(s.ctx, AllocationRequest{OSVersion: "7", Arch: "x86_64"})
	require.NoError(s.T(), err)

	assert.Equal(s.T(), Lease{Host: "host1", SSID: "abc"}, lease)
	assert.Equal(s.T(), []time.Duration{60 * time.Second, 300 * time.Second}, s.slept)
}

func (s *PoolSuite) TestAllocate_IncompleteResponseIsTransient() {
	// Well-formed JSON missing the session id still counts as exhaustion.
	s.doer.bodies = []string{
		`{"hosts": ["host1"]}`,
		`{"hosts": [], "ssid": "abc"}`,
		`{"hosts": ["host1"], "ssid": "abc"}`,
	}
	c := s.newClient(time.Second, time.Second, time.Second)

	lease, err := c.Allocate(s.ctx, AllocationRequest{OSVersion: "7", Arch: "x86_64"})
	require.NoError(s.T(), err)
	assert.Equal(s.T(), "abc", lease.SSID)
	assert.Len(s.T(), s.slept, 2)
}

func (s *PoolSuite) TestAllocate_ScheduleExhausted() {
	// Every response malformed; the full ladder runs, including the
	// wait after the final attempt.
	s.doer.bodies = []string{"nope", "nope", "nope", "nope", "nope"}
	waits := []time.Duration{
		60 * time.Second, 300 * time.Second, 600 * time.Second,
		1800 * time.Second, 3600 * time.Second,
	}
	c := s.newClient(waits...)

	lease, err := c.Allocate(s.ctx, AllocationRequest{OSVersion: "7", Arch: "x86_64"})

	var allocErr *AllocationError
	require.ErrorAs(s.T(), err, &allocErr)
	assert.Equal(s.T(), 5, allocErr.Attempts)
	assert.False(s.T(), lease.Valid())
	assert.Equal(s.T(), waits, s.slept)
	assert.Len(s.T(), s.doer.requests, 5)
}

func (s *PoolSuite) TestAllocate_CancellationSurfacesAsContextError() {
	s.doer.bodies = []string{"nope", "nope"}
	ctx, cancel := context.WithCancel(s.ctx)

	c := New(Config{
		BaseURL:    "http://pool.example.org:8080",
		Key:        "secret-key",
		RetryWaits: []time.Duration{time.Minute, time.Minute},
		HTTP:       s.doer,
		Sleep: func(ctx context.Context, _ time.Duration) error {
			cancel()
			return ctx.Err()
		},
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	_, err := c.Allocate(ctx, AllocationRequest{OSVersion: "7", Arch: "x86_64"})
	require.ErrorIs(s.T(), err, context.Canceled)

	var allocErr *AllocationError
	assert.False(s.T(), errors.As(err, &allocErr))
}

// ---------------------------------------------------------------------------
// Inventory tests
// ---------------------------------------------------------------------------

func (s *PoolSuite) TestInventory_ParsesRows() {
	s.doer.bodies = []string{`[["host2.example.org", "xyz"], ["host3.example.org", "uvw"]]`}
	c := s.newClient(time.Minute)

	leases, err := c.Inventory(s.ctx)
	require.NoError(s.T(), err)

	require.Len(s.T(), leases, 2)
	assert.Equal(s.T(), Lease{Host: "host2.example.org", SSID: "xyz"}, leases[0])
	assert.Equal(s.T(), Lease{Host: "host3.example.org", SSID: "uvw"}, leases[1])
	assert.Equal(s.T(), "/Inventory", s.doer.requests[0].URL.Path)
}

func (s *PoolSuite) TestInventory_MalformedBody() {
	s.doer.bodies = []string{"not json"}
	c := s.newClient(time.Minute)

	_, err := c.Inventory(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "malformed inventory response")
}

func (s *PoolSuite) TestInventory_ShortRow() {
	s.doer.bodies = []string{`[["host-only"]]`}
	c := s.newClient(time.Minute)

	_, err := c.Inventory(s.ctx)
	require.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "malformed inventory row")
}

// ---------------------------------------------------------------------------
// Release tests
// ---------------------------------------------------------------------------

func (s *PoolSuite) TestRelease_IssuesDoneCall() {
	s.doer.bodies = []string{"Done"}
	c := s.newClient(time.Minute)

	c.Release(s.ctx, "abc")

	require.Len(s.T(), s.doer.requests, 1)
	assert.Equal(s.T(), "/Node/done", s.doer.requests[0].URL.Path)
	assert.Equal(s.T(), "abc", s.doer.requests[0].URL.Query().Get("ssid"))
}

func (s *PoolSuite) TestRelease_EmptySSIDIsNoOp() {
	c := s.newClient(time.Minute)

	c.Release(s.ctx, "")

	assert.Empty(s.T(), s.doer.requests)
}

func (s *PoolSuite) TestReleaseAll_ReleasesEveryLease() {
	s.doer.bodies = []string{
		`[["host1", "s1"], ["host2", "s2"]]`,
		"Done",
		"Done",
	}
	c := s.newClient(time.Minute)

	err := c.ReleaseAll(s.ctx)
	require.NoError(s.T(), err)

	// Inventory + one release per lease.
	require.Len(s.T(), s.doer.requests, 3)
	assert.Equal(s.T(), "s1", s.doer.requests[1].URL.Query().Get("ssid"))
	assert.Equal(s.T(), "s2", s.doer.requests[2].URL.Query().Get("ssid"))
}

func (s *PoolSuite) TestReleaseAll_InventoryFailureAborts() {
	s.doer.bodies = []string{"not json"}
	c := s.newClient(time.Minute)

	err := c.ReleaseAll(s.ctx)
	require.Error(s.T(), err)
	assert.Len(s.T(), s.doer.requests, 1)
}

// ---------------------------------------------------------------------------
// Lease validity
// ---------------------------------------------------------------------------

func (s *PoolSuite) TestLeaseValidity() {
	assert.True(s.T(), Lease{Host: "h", SSID: "s"}.Valid())
	assert.False(s.T(), Lease{Host: "h"}.Valid())
	assert.False(s.T(), Lease{SSID: "s"}.Valid())
	assert.False(s.T(), Lease{}.Valid())
}
