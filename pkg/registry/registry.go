package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink-go/pkg/log"
)

// Registry errors.
var (
	// ErrDeviceNotFound indicates an unknown device id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrTagNotFound indicates an unknown tag id.
	ErrTagNotFound = errors.New("tag not found")
)

// Registry is the in-memory mapping of device id to device snapshot.
// It is mutated only by applying deltas (plus the tag helpers) and never
// holds two snapshots for the same device id.
//
// All public methods are thread-safe. Change notifications fire per mutated
// device, not per attribute, to bound observer churn.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Snapshot

	onChange func(deviceID string)
	onRemove func(deviceID string)

	logger log.Logger
	now    func() time.Time
}

// New creates an empty registry.
func New(logger log.Logger) *Registry {
	return &Registry{
		devices: make(map[string]*Snapshot),
		logger:  log.OrNoop(logger),
		now:     time.Now,
	}
}

// OnChange sets the callback invoked after a delta mutates a device.
// The callback runs outside the registry lock; it may call back into the
// registry.
func (r *Registry) OnChange(fn func(deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// OnRemove sets the callback invoked after a device is removed.
func (r *Registry) OnRemove(fn func(deviceID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = fn
}

// ApplyDelta merges a delta into the registry, creating the snapshot if
// absent. Attribute updates follow last-write-wins: an update is kept only
// if its timestamp is not older than the stored one; stale updates are
// dropped silently (logged, not an error). Returns true if any state changed.
func (r *Registry) ApplyDelta(d *Delta) bool {
	if d == nil || d.DeviceID == "" {
		return false
	}

	r.mu.Lock()
	snap, exists := r.devices[d.DeviceID]
	if !exists || d.FullReplace {
		snap = &Snapshot{
			DeviceID:   d.DeviceID,
			Attributes: make(map[uint16]AttributeValue),
			Tags:       make(map[string]Tag),
		}
		r.devices[d.DeviceID] = snap
	}

	changed := !exists || d.FullReplace

	if d.ProfileID != "" && d.ProfileID != snap.ProfileID {
		snap.ProfileID = d.ProfileID
		changed = true
	}
	if d.Available != nil && *d.Available != snap.Available {
		snap.Available = *d.Available
		changed = true
	}
	if d.Running != nil && *d.Running != snap.Running {
		snap.Running = *d.Running
		changed = true
	}
	if d.TimeZone != "" && d.TimeZone != snap.TimeZone {
		snap.TimeZone = d.TimeZone
		changed = true
	}
	if d.Tags != nil {
		snap.Tags = make(map[string]Tag, len(d.Tags))
		for _, t := range d.Tags {
			snap.Tags[t.TagID] = Tag{ID: t.TagID, Key: t.Key, Value: t.Value}
		}
		changed = true
	}

	var stale []uint16
	for _, a := range d.Attributes {
		cur, ok := snap.Attributes[a.ID]
		if ok && a.UpdatedAt < cur.UpdatedAt {
			stale = append(stale, a.ID)
			continue
		}
		if !ok || cur.Value != a.Value || cur.UpdatedAt != a.UpdatedAt {
			snap.Attributes[a.ID] = AttributeValue{Value: a.Value, UpdatedAt: a.UpdatedAt}
			changed = true
		}
	}

	if changed {
		snap.UpdatedAt = r.now()
	}
	onChange := r.onChange
	r.mu.Unlock()

	for _, id := range stale {
		e := log.NewEvent(log.LevelWarn, log.ComponentRegistry, "stale delta ignored")
		e.DeviceID = d.DeviceID
		e.AttributeID = id
		r.logger.Log(e)
	}

	if changed && onChange != nil {
		onChange(d.DeviceID)
	}
	return changed
}

// Get returns a deep copy of the device's snapshot, if present.
func (r *Registry) Get(deviceID string) (*Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.devices[deviceID]
	if !ok {
		return nil, false
	}
	return snap.DeepCopy(), true
}

// Devices returns deep copies of all snapshots.
func (r *Registry) Devices() []*Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Snapshot, 0, len(r.devices))
	for _, snap := range r.devices {
		out = append(out, snap.DeepCopy())
	}
	return out
}

// Len returns the number of devices in the registry.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// Remove drops a device from the registry on disassociation.
// Returns true if the device was present.
func (r *Registry) Remove(deviceID string) bool {
	r.mu.Lock()
	_, ok := r.devices[deviceID]
	if ok {
		delete(r.devices, deviceID)
	}
	onRemove := r.onRemove
	r.mu.Unlock()

	if ok && onRemove != nil {
		onRemove(deviceID)
	}
	return ok
}

// PutTag attaches a new tag to a device, assigning it a fresh tag id.
func (r *Registry) PutTag(deviceID, key, value string) (Tag, error) {
	tag := Tag{ID: uuid.NewString(), Key: key, Value: value}

	r.mu.Lock()
	snap, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return Tag{}, ErrDeviceNotFound
	}
	if snap.Tags == nil {
		snap.Tags = make(map[string]Tag)
	}
	snap.Tags[tag.ID] = tag
	snap.UpdatedAt = r.now()
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(deviceID)
	}
	return tag, nil
}

// RemoveTag detaches a tag from a device.
func (r *Registry) RemoveTag(deviceID, tagID string) error {
	r.mu.Lock()
	snap, ok := r.devices[deviceID]
	if !ok {
		r.mu.Unlock()
		return ErrDeviceNotFound
	}
	if _, ok := snap.Tags[tagID]; !ok {
		r.mu.Unlock()
		return ErrTagNotFound
	}
	delete(snap.Tags, tagID)
	snap.UpdatedAt = r.now()
	onChange := r.onChange
	r.mu.Unlock()

	if onChange != nil {
		onChange(deviceID)
	}
	return nil
}
