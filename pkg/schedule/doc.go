// Package schedule encodes and decodes the fixed-width binary records devices
// use for offline (device-resident) automation.
//
// Each record is 64 bytes and holds one weekly event: a day selector, a
// device-local time of day, and the attribute writes to apply at trigger
// time. No timezone conversion happens here; the collaborator that sets the
// device time zone owns that concern.
//
// # Day Representations
//
// Two day forms exist for historical compatibility and both must be kept:
//
//   - legacy: the day byte holds exactly one weekday (Sunday=1 .. Saturday=7)
//   - compact: the day byte holds a 7-bit mask, bit n set meaning the event
//     fires on weekday n; bit 0 is reserved
//
// Callers probe Event.HasCompactDayRepresentation and branch: the mask
// accessor fails on a legacy event, and EncodeLegacy fails on a compact
// event, because one weekday slot cannot hold a multi-day mask.
package schedule
