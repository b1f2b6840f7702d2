package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/chazu/lem/heap"
	"github.com/chazu/lem/manifest"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
// ---------------------------------------------------------------------------

// referenceSource binds a block, writes 42, reads it, adds 10 and reads it
// again.
const referenceSource = `
	BND
	WIE 0 1 42
	RAD 0 1
	ADD 0 1 10
	RAD 0 1
	HLT
`

// newTestServer starts a Server behind an httptest server and returns a
// client for it. Both are shut down when the test ends.
func newTestServer(t *testing.T, cfg *manifest.Manifest, opts ...ServerOption) (*Server, *Client) {
	t.Helper()
	if cfg == nil {
		cfg = manifest.Default()
	}
	srv := New(cfg, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return srv, NewClient(ts.Client(), ts.URL)
}

// newTestStore creates a SessionStore with a controllable clock.
func newTestStore(t *testing.T) (*SessionStore, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	store := NewSessionStore(newTestPool)
	store.now = clock.Now
	t.Cleanup(store.Close)
	return store, clock
}

func newTestPool() *heap.Pool {
	return heap.NewPool(heap.DefaultShards)
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }
