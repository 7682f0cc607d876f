// Package sim provides an in-memory fleet service: a relay channel and a
// write transport backed by the same simulated device set. It backs the
// fleetsim demo binary and end-to-end tests.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetlink/fleetlink-go/pkg/engine"
	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// attribute is one simulated attribute value.
type attribute struct {
	value     string
	updatedAt int64
}

// device is one simulated fleet member.
type device struct {
	id        string
	profileID string
	available bool
	running   bool
	timeZone  string
	attrs     map[uint16]*attribute
}

// Hub simulates the service side: it accepts relay connections, answers sync
// requests from its device set, applies attribute writes, and pushes the
// acknowledgement deltas a real service would.
//
// Hub implements both engine.Channel and correlator.Transport.
type Hub struct {
	mu       sync.Mutex
	devices  map[string]*device
	seq      uint64
	events   chan engine.Event
	authFail bool
	logger   log.Logger

	// WriteDelay delays acknowledgement deltas, mimicking device latency.
	WriteDelay time.Duration

	now func() int64
}

// NewHub creates an empty simulated fleet.
func NewHub(logger log.Logger) *Hub {
	return &Hub{
		devices: make(map[string]*device),
		logger:  log.OrNoop(logger),
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// AddDevice adds a simulated device and announces it to a connected client.
func (h *Hub) AddDevice(deviceID, profileID, timeZone string) {
	h.mu.Lock()
	d := &device{
		id:        deviceID,
		profileID: profileID,
		available: true,
		timeZone:  timeZone,
		attrs:     make(map[uint16]*attribute),
	}
	h.devices[deviceID] = d
	h.pushLocked(&wire.Envelope{Devices: []wire.DeviceSync{h.syncFor(d, 0, wire.WriteStateNone)}})
	h.mu.Unlock()
}

// RemoveDevice removes a device and announces its disassociation.
func (h *Hub) RemoveDevice(deviceID string) {
	h.mu.Lock()
	if _, ok := h.devices[deviceID]; ok {
		delete(h.devices, deviceID)
		h.pushLocked(&wire.Envelope{Removed: []string{deviceID}})
	}
	h.mu.Unlock()
}

// SetAttribute changes an attribute service-side and pushes the delta.
func (h *Hub) SetAttribute(deviceID string, attributeID uint16, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	d, ok := h.devices[deviceID]
	if !ok {
		return
	}
	d.attrs[attributeID] = &attribute{value: value, updatedAt: h.now()}
	h.pushLocked(&wire.Envelope{Devices: []wire.DeviceSync{{
		DeviceID:   deviceID,
		Attributes: []wire.AttributeEntry{{ID: attributeID, Value: value, UpdatedAt: d.attrs[attributeID].updatedAt}},
	}}})
}

// SkipSeq consumes a sequence number without sending an envelope, so the next
// push exposes a gap to the client.
func (h *Hub) SkipSeq() {
	h.mu.Lock()
	h.seq++
	h.mu.Unlock()
}

// SetAuthFailure makes subsequent connection attempts fail authentication.
func (h *Hub) SetAuthFailure(fail bool) {
	h.mu.Lock()
	h.authFail = fail
	h.mu.Unlock()
}

// DeviceIDs returns the ids of all simulated devices.
func (h *Hub) DeviceIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	return ids
}

// Connect implements engine.Channel.
func (h *Hub) Connect(_ context.Context, session engine.Session) (<-chan engine.Event, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.authFail {
		return nil, fmt.Errorf("%w: account %s", engine.ErrAuthRejected, session.AccountID)
	}
	if h.events != nil {
		close(h.events)
	}
	h.events = make(chan engine.Event, 256)
	return h.events, nil
}

// RequestSync implements engine.Channel: it answers with a full snapshot and
// restarts the incremental numbering.
func (h *Hub) RequestSync(context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.events == nil {
		return fmt.Errorf("not connected")
	}
	devices := make([]wire.DeviceSync, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, h.syncFor(d, 0, wire.WriteStateNone))
	}
	h.seq = 1
	h.sendLocked(&wire.Envelope{Seq: h.seq, Snapshot: true, Devices: devices})
	return nil
}

// Disconnect implements engine.Channel.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	if h.events != nil {
		close(h.events)
		h.events = nil
	}
	h.mu.Unlock()
}

// Close implements engine.Channel.
func (h *Hub) Close() error {
	h.Disconnect()
	return nil
}

// PostAttributeWrite implements correlator.Transport: the write is applied to
// the simulated device and its acknowledgement delta is pushed afterwards.
func (h *Hub) PostAttributeWrite(_ context.Context, deviceID string, req wire.WriteRequest) (wire.WriteResponse, error) {
	return h.applyWrite(deviceID, req), nil
}

// PostBatchAttributeWrite implements correlator.Transport.
func (h *Hub) PostBatchAttributeWrite(_ context.Context, deviceID string, reqs []wire.WriteRequest) ([]wire.WriteResponse, error) {
	resps := make([]wire.WriteResponse, len(reqs))
	for i, req := range reqs {
		resps[i] = h.applyWrite(deviceID, req)
	}
	return resps, nil
}

// applyWrite mutates the device and schedules the acknowledgement push.
func (h *Hub) applyWrite(deviceID string, req wire.WriteRequest) wire.WriteResponse {
	h.mu.Lock()
	d, ok := h.devices[deviceID]
	if !ok {
		h.mu.Unlock()
		return wire.WriteResponse{RequestID: req.RequestID, Status: wire.WriteStatusFailure, TimestampMs: h.now()}
	}
	ts := h.now()
	d.attrs[req.AttributeID] = &attribute{value: req.Value, updatedAt: ts}
	ack := wire.DeviceSync{
		DeviceID:   deviceID,
		Attributes: []wire.AttributeEntry{{ID: req.AttributeID, Value: req.Value, UpdatedAt: ts}},
		RequestID:  req.RequestID,
		WriteState: wire.WriteStateSuccess,
	}
	delay := h.WriteDelay
	h.mu.Unlock()

	if delay > 0 {
		time.AfterFunc(delay, func() { h.push(&wire.Envelope{Devices: []wire.DeviceSync{ack}}) })
	} else {
		h.push(&wire.Envelope{Devices: []wire.DeviceSync{ack}})
	}
	return wire.WriteResponse{RequestID: req.RequestID, Status: wire.WriteStatusSuccess, TimestampMs: ts}
}

// push numbers and sends an incremental envelope, dropping it silently when
// no client is connected.
func (h *Hub) push(env *wire.Envelope) {
	h.mu.Lock()
	h.pushLocked(env)
	h.mu.Unlock()
}

func (h *Hub) pushLocked(env *wire.Envelope) {
	if h.events == nil {
		return
	}
	h.seq++
	env.Seq = h.seq
	h.sendLocked(env)
}

func (h *Hub) sendLocked(env *wire.Envelope) {
	select {
	case h.events <- engine.Event{Envelope: env}:
	default:
		e := log.NewEvent(log.LevelWarn, log.ComponentTransport, "simulated relay buffer full, dropping envelope")
		e.Seq = env.Seq
		h.logger.Log(e)
	}
}

// syncFor builds a full device sync, optionally carrying an acknowledgement.
func (h *Hub) syncFor(d *device, requestID uint32, state wire.WriteState) wire.DeviceSync {
	attrs := make([]wire.AttributeEntry, 0, len(d.attrs))
	for id, a := range d.attrs {
		attrs = append(attrs, wire.AttributeEntry{ID: id, Value: a.value, UpdatedAt: a.updatedAt})
	}
	available := d.available
	running := d.running
	return wire.DeviceSync{
		DeviceID:   d.id,
		ProfileID:  d.profileID,
		Attributes: attrs,
		Available:  &available,
		Running:    &running,
		TimeZone:   d.timeZone,
		RequestID:  requestID,
		WriteState: state,
	}
}
