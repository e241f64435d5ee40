// Package pool keeps one live backend client per configured server and
// tracks each server's health.
//
// # Handles
//
// Handles are created lazily by GetClient and torn down as soon as the
// store reports the server deleted, disabled or edited. Teardown runs on
// the store's writer before the mutation returns, so a GetClient that
// follows a delete never sees the old handle. A per-server generation
// counter discards handles built from an entry read just before a delete.
//
// # Health
//
// Health never blocks: it returns the last snapshot and, when that is
// stale, starts a background probe. Every probe is bounded by the probe
// timeout; a probe that runs out of time marks the server offline. Probes
// and refreshes for the same server are coalesced with singleflight so at
// most one is in flight per server.
//
// Start runs a periodic probe of all enabled servers until Close.
package pool
