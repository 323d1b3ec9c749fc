// Package timeouts defines shared timeout and interval constants used across
// roomsync binaries so the durations stay discoverable in one place.
package timeouts

import "time"

// GRPCDial caps the wait time when dialing a gRPC peer.
const GRPCDial = 2 * time.Second

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// BroadcastInterval is the default period of the full-state room sync.
const BroadcastInterval = time.Second

// SweepInterval is the default period of the inactivity reaper.
const SweepInterval = 5 * time.Minute

// InactivityThreshold is how long an empty room may stay idle before archival.
const InactivityThreshold = 30 * time.Minute

// Archive caps a single archival write.
const Archive = 10 * time.Second

// SnapshotPull caps a single pull from the simulation snapshot source.
const SnapshotPull = 500 * time.Millisecond

// WebSocketWrite bounds one frame write to a client before the connection
// is treated as failed.
const WebSocketWrite = 5 * time.Second

// ImplicitLeave bounds the room leave issued when a connection goes away.
const ImplicitLeave = 5 * time.Second
