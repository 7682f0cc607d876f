// Package value converts attribute values between their device-declared
// semantic types and the wire string representation used by the fleet
// service.
//
// A device profile declares each attribute's semantic kind: boolean, signed
// or unsigned integers of 8 to 64 bits, fixed-point decimal with a declared
// scale, UTF-8 text, or raw bytes (hex on the wire). Encode and Decode are
// pure functions; Decode fails with ErrInvalidValueFormat when the wire
// string does not parse as the declared kind.
package value
