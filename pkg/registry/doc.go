// Package registry holds the in-memory view of the device fleet.
//
// The synchronization engine is the only writer: it applies deltas produced
// by the relay push channel. Attribute merges are last-write-wins by update
// timestamp, so replaying deltas or receiving them out of order converges to
// the same state. Accessors hand out deep copies; callers never see shared
// mutable state.
package registry
