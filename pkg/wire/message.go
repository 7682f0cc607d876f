package wire

import (
	"errors"
	"fmt"
)

// Message errors.
var (
	// ErrInvalidEnvelope indicates an envelope that fails validation.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// AttributeEntry is one attribute update within a device sync.
type AttributeEntry struct {
	// ID is the attribute identifier within the device profile.
	ID uint16 `cbor:"1,keyasint"`

	// Value is the wire-string encoding of the attribute value.
	Value string `cbor:"2,keyasint"`

	// UpdatedAt is the update timestamp in milliseconds since epoch.
	UpdatedAt int64 `cbor:"3,keyasint,omitempty"`
}

// TagEntry is one key/value tag attached to a device.
type TagEntry struct {
	// TagID uniquely identifies the tag (UUID).
	TagID string `cbor:"1,keyasint"`

	// Key is the tag key.
	Key string `cbor:"2,keyasint,omitempty"`

	// Value is the tag value.
	Value string `cbor:"3,keyasint,omitempty"`
}

// WriteState reports the device-side resolution of an attribute write,
// carried on the delta that acknowledges it.
type WriteState uint8

const (
	// WriteStateNone means the delta carries no acknowledgement.
	WriteStateNone WriteState = iota

	// WriteStateSuccess means the device applied the write.
	WriteStateSuccess

	// WriteStateFailure means the device rejected the write.
	WriteStateFailure
)

// String returns the write state name.
func (s WriteState) String() string {
	switch s {
	case WriteStateNone:
		return "NONE"
	case WriteStateSuccess:
		return "SUCCESS"
	case WriteStateFailure:
		return "FAILURE"
	default:
		return "UNKNOWN"
	}
}

// DeviceSync is one device's delta within a relay envelope. On a snapshot
// envelope every field describes the device's full state; on an incremental
// envelope only the changed fields are populated.
type DeviceSync struct {
	// DeviceID identifies the device. Always present.
	DeviceID string `cbor:"1,keyasint"`

	// ProfileID references the device profile.
	ProfileID string `cbor:"2,keyasint,omitempty"`

	// Attributes are the attribute updates carried by this sync.
	Attributes []AttributeEntry `cbor:"3,keyasint,omitempty"`

	// Available reports a change in cloud reachability, if present.
	Available *bool `cbor:"4,keyasint,omitempty"`

	// Running reports a change in the device's running flag, if present.
	Running *bool `cbor:"5,keyasint,omitempty"`

	// Tags are the device's tags. Only replaced wholesale, never merged.
	Tags []TagEntry `cbor:"6,keyasint,omitempty"`

	// TimeZone is the device-local IANA time zone name, if set.
	TimeZone string `cbor:"7,keyasint,omitempty"`

	// RequestID correlates this sync to a pending attribute write.
	// Zero means no acknowledgement is carried.
	RequestID uint32 `cbor:"8,keyasint,omitempty"`

	// WriteState is the resolution of the correlated write.
	WriteState WriteState `cbor:"9,keyasint,omitempty"`
}

// Envelope is one relay push message: either a full snapshot of the fleet or
// an incremental batch of deltas.
type Envelope struct {
	// Seq is the envelope sequence number. Incremental envelopes are
	// consecutive; a gap means deltas were missed and a resync is needed.
	Seq uint64 `cbor:"1,keyasint"`

	// Snapshot marks a full-replace envelope: Devices holds the complete
	// fleet state and Seq restarts the incremental numbering.
	Snapshot bool `cbor:"2,keyasint,omitempty"`

	// Devices are the per-device syncs.
	Devices []DeviceSync `cbor:"3,keyasint,omitempty"`

	// Removed lists ids of devices disassociated from the account.
	Removed []string `cbor:"4,keyasint,omitempty"`
}

// Validate checks envelope invariants.
func (e *Envelope) Validate() error {
	for i, d := range e.Devices {
		if d.DeviceID == "" {
			return fmt.Errorf("%w: device sync %d has no device id", ErrInvalidEnvelope, i)
		}
		if d.WriteState != WriteStateNone && d.RequestID == 0 {
			return fmt.Errorf("%w: device %s carries a write state without a request id", ErrInvalidEnvelope, d.DeviceID)
		}
	}
	for i, id := range e.Removed {
		if id == "" {
			return fmt.Errorf("%w: removed entry %d is empty", ErrInvalidEnvelope, i)
		}
	}
	return nil
}

// ChannelStatus is a relay connection status event.
type ChannelStatus uint8

const (
	// StatusConnecting indicates a connection attempt is in progress.
	StatusConnecting ChannelStatus = iota

	// StatusConnected indicates the relay accepted the session.
	StatusConnected

	// StatusDisconnected indicates the connection dropped.
	StatusDisconnected

	// StatusAuthFailed indicates the relay rejected the credentials.
	// Not retried by the engine; surfaced to the credential owner.
	StatusAuthFailed
)

// String returns the status name.
func (s ChannelStatus) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusAuthFailed:
		return "AUTH_FAILED"
	default:
		return "UNKNOWN"
	}
}
