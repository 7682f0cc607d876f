// Package correlator tracks attribute writes across the two transports the
// fleet service uses: the request/response write API that accepts a write,
// and the relay push channel that later delivers its device-side resolution.
//
// Each write gets a client-assigned request id from a monotonic counter.
// The id travels with the write request, is echoed by the write API, and
// reappears on the acknowledgement delta; matching that delta back to the
// pending entry is what resolves the write.
//
// # Resolution
//
// Every submitted write resolves exactly once:
//
//   - accepted: the acknowledgement delta confirmed device-side application
//   - failed: the transport or the device rejected the write, or retries
//     were exhausted
//   - timed-out: the send succeeded but no acknowledgement arrived in the
//     window; device-side application is unknown and a later full resync
//     reconciles
//
// Transient transport failures are retried with linear backoff. Batches
// share no atomicity: one transport call, independent per-write resolution.
package correlator
