// Package log defines the logging seam for the FleetLink SDK.
//
// The SDK never writes to a concrete log backend directly. Components emit
// structured Event values through the Logger interface; the application
// decides where they go. NoopLogger discards everything, SlogAdapter bridges
// to log/slog, and MultiLogger fans out to several sinks.
//
// Events carry the identifiers needed to correlate activity across layers:
// device id, write request id, attribute id, and relay sequence number.
package log
