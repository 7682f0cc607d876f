// Package engine owns the relay push channel lifecycle and keeps the device
// registry synchronized with the service view.
//
// # Lifecycle
//
// Start moves the engine to CONNECTING and requests a full snapshot once the
// relay accepts the session. The snapshot replaces the registry view and the
// engine moves to CONNECTED, after which incremental envelopes apply in
// sequence order. A gap in the sequence numbering means deltas were missed:
// the engine moves to RESYNCING, requests a fresh snapshot, and buffers every
// incremental envelope until it arrives. Buffered deltas are replayed after
// the snapshot in receipt order; last-write-wins merging makes the replay
// idempotent.
//
// A dropped connection moves the engine to RECONNECTING and retries with
// exponential backoff (1s initial, 60s cap, 25% jitter). A credential
// rejection is not retried: the engine moves to ERROR and stays there until
// restarted. Stop halts everything but keeps the registry contents as a
// last-known view.
//
// All envelope handling runs on a single goroutine, so delta application is
// serialized without further locking.
package engine
