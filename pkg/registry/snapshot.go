package registry

import (
	"time"

	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// AttributeValue is one attribute's current value and its update timestamp.
type AttributeValue struct {
	// Value is the wire-string encoding of the attribute value.
	Value string

	// UpdatedAt is the update timestamp in milliseconds since epoch.
	// Merging keeps an update only if its timestamp is not older than the
	// stored one (last-write-wins).
	UpdatedAt int64
}

// Tag is one key/value tag attached to a device.
type Tag struct {
	ID    string
	Key   string
	Value string
}

// Snapshot is the registry's view of one device. Snapshots are owned by the
// Registry and mutated only by applying deltas; accessors return deep copies
// so callers can never corrupt registry state.
type Snapshot struct {
	// DeviceID identifies the device. Immutable.
	DeviceID string

	// ProfileID references the device profile.
	ProfileID string

	// Available reports cloud reachability.
	Available bool

	// Running reports the device's running flag.
	Running bool

	// Attributes maps attribute id to its current value.
	Attributes map[uint16]AttributeValue

	// Tags maps tag id to the tag.
	Tags map[string]Tag

	// TimeZone is the device-local IANA time zone name, if known.
	TimeZone string

	// UpdatedAt is when the registry last mutated this snapshot.
	UpdatedAt time.Time
}

// DeepCopy creates a complete independent copy of the snapshot.
func (s *Snapshot) DeepCopy() *Snapshot {
	if s == nil {
		return nil
	}

	cpy := *s
	if s.Attributes != nil {
		cpy.Attributes = make(map[uint16]AttributeValue, len(s.Attributes))
		for id, v := range s.Attributes {
			cpy.Attributes[id] = v
		}
	}
	if s.Tags != nil {
		cpy.Tags = make(map[string]Tag, len(s.Tags))
		for id, t := range s.Tags {
			cpy.Tags[id] = t
		}
	}
	return &cpy
}

// Attribute returns the value of one attribute, if present.
func (s *Snapshot) Attribute(id uint16) (AttributeValue, bool) {
	v, ok := s.Attributes[id]
	return v, ok
}

// Delta is a partial device update produced by the push channel and consumed
// once by Registry.ApplyDelta.
type Delta struct {
	// DeviceID identifies the device. Required.
	DeviceID string

	// ProfileID replaces the snapshot's profile reference, if non-empty.
	ProfileID string

	// Attributes are the attribute updates to merge.
	Attributes []wire.AttributeEntry

	// Available changes the availability flag, if present.
	Available *bool

	// Running changes the running flag, if present.
	Running *bool

	// Tags replaces the device's tags wholesale, if present.
	Tags []wire.TagEntry

	// TimeZone replaces the device time zone, if non-empty.
	TimeZone string

	// FullReplace discards any existing snapshot before applying.
	// Set for every device sync in a snapshot envelope.
	FullReplace bool
}

// DeltaFromSync converts a relay device sync into a registry delta.
// full marks deltas from snapshot envelopes as full-replace.
func DeltaFromSync(ds wire.DeviceSync, full bool) *Delta {
	return &Delta{
		DeviceID:    ds.DeviceID,
		ProfileID:   ds.ProfileID,
		Attributes:  ds.Attributes,
		Available:   ds.Available,
		Running:     ds.Running,
		Tags:        ds.Tags,
		TimeZone:    ds.TimeZone,
		FullReplace: full,
	}
}
