package fleet

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/fleetlink/fleetlink-go/pkg/correlator"
	"github.com/fleetlink/fleetlink-go/pkg/engine"
	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/registry"
	"github.com/fleetlink/fleetlink-go/pkg/schedule"
	"github.com/fleetlink/fleetlink-go/pkg/value"
)

// Collection errors.
var (
	// ErrClosed indicates the collection has been closed.
	ErrClosed = errors.New("collection is closed")
)

// AttributeWrite is one entry of a batch write.
type AttributeWrite struct {
	// AttributeID identifies the target attribute.
	AttributeID uint16

	// Descriptor describes the attribute's value type.
	Descriptor value.Descriptor

	// Value is the Go value to write.
	Value any
}

// Collection is the SDK entry point: a live view of one account's device
// fleet. It owns the registry, the write correlator, and the synchronization
// engine, and wires the relay channel and write transport to them.
type Collection struct {
	config Config
	logger log.Logger

	channel  engine.Channel
	registry *registry.Registry
	writes   *correlator.Correlator
	engine   *engine.Engine
	clientID string
	closed   atomic.Bool
}

// New creates a device collection over the given boundary implementations.
// The channel delivers relay pushes; the transport carries attribute writes.
func New(channel engine.Channel, transport correlator.Transport, cfg Config, logger log.Logger) *Collection {
	logger = log.OrNoop(logger)
	reg := registry.New(logger)
	corr := correlator.New(transport, correlator.Config{
		AckWindow:  cfg.AckWindow.Std(),
		RetryDelay: cfg.RetryDelay.Std(),
	}, logger)
	eng := engine.New(channel, reg, corr, engine.Config{
		Backoff: engine.BackoffConfig{
			Initial:    cfg.Backoff.Initial.Std(),
			Max:        cfg.Backoff.Max.Std(),
			Multiplier: cfg.Backoff.Multiplier,
			Jitter:     cfg.Backoff.Jitter,
		},
	}, logger)

	return &Collection{
		config:   cfg,
		logger:   logger,
		channel:  channel,
		registry: reg,
		writes:   corr,
		engine:   eng,
		clientID: uuid.NewString(),
	}
}

// ClientID returns the id identifying this SDK instance to the relay.
func (c *Collection) ClientID() string {
	return c.clientID
}

// Start connects the collection for the given account. Calling Start while
// already running is a no-op. Progress surfaces on Subscribe streams.
func (c *Collection) Start(ctx context.Context, accountID, userID string) error {
	if c.closed.Load() {
		return ErrClosed
	}
	err := c.engine.Start(ctx, engine.Session{
		AccountID: accountID,
		UserID:    userID,
		ClientID:  c.clientID,
	})
	if errors.Is(err, engine.ErrAlreadyStarted) {
		return nil
	}
	return err
}

// Stop disconnects from the relay. The registry keeps its last-known view
// and the collection can be started again. Outstanding writes are not
// cancelled; they resolve or time out on their own.
func (c *Collection) Stop() {
	c.engine.Stop()
}

// Close stops the collection and releases every resource. Outstanding writes
// are abandoned. The collection cannot be restarted.
func (c *Collection) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.engine.Stop()
	c.writes.Close()
	if err := c.channel.Close(); err != nil {
		c.logger.Log(log.NewErrorEvent(log.ComponentEngine, "channel close failed", err))
	}
}

// Reconnect forces the relay connection to drop and reconnect.
func (c *Collection) Reconnect() {
	c.engine.Reconnect()
}

// State returns the current synchronization state.
func (c *Collection) State() engine.State {
	return c.engine.State()
}

// Subscribe returns a stream of synchronization state transitions and a
// cancel function. Transitions buffer without bound; a slow subscriber never
// misses one.
func (c *Collection) Subscribe() (<-chan engine.Transition, func()) {
	return c.engine.Subscribe()
}

// OnDeviceChange registers a callback fired once per device per applied
// delta that changed it. Must be set before Start.
func (c *Collection) OnDeviceChange(fn func(deviceID string)) {
	c.registry.OnChange(fn)
}

// OnDeviceRemove registers a callback fired when a device leaves the fleet.
// Must be set before Start.
func (c *Collection) OnDeviceRemove(fn func(deviceID string)) {
	c.registry.OnRemove(fn)
}

// Device returns a copy of the device's current snapshot.
func (c *Collection) Device(deviceID string) (*registry.Snapshot, bool) {
	return c.registry.Get(deviceID)
}

// Devices returns copies of every device snapshot.
func (c *Collection) Devices() []*registry.Snapshot {
	return c.registry.Devices()
}

// WriteAttribute encodes v per the descriptor and submits the write.
// Encoding errors surface immediately; transport and acknowledgement
// resolution arrives on Outcomes.
func (c *Collection) WriteAttribute(deviceID string, attributeID uint16, d value.Descriptor, v any) (uint32, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	encoded, err := value.Encode(d, v)
	if err != nil {
		return 0, err
	}
	return c.writes.Submit(deviceID, attributeID, encoded, c.config.MaxRetries)
}

// WriteAttributes submits a batch of writes in one transport call and returns
// their request ids in submission order. Each write resolves independently.
func (c *Collection) WriteAttributes(deviceID string, writes []AttributeWrite) ([]uint32, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	batch := make([]correlator.Write, len(writes))
	for i, w := range writes {
		encoded, err := value.Encode(w.Descriptor, w.Value)
		if err != nil {
			return nil, err
		}
		batch[i] = correlator.Write{AttributeID: w.AttributeID, Value: encoded}
	}
	return c.writes.SubmitBatch(deviceID, batch, c.config.MaxRetries)
}

// WriteSchedule encodes the schedule event into its binary record and writes
// it to the device attribute slot holding the schedule blob.
func (c *Collection) WriteSchedule(deviceID string, slot uint16, ev *schedule.Event) (uint32, error) {
	if c.closed.Load() {
		return 0, ErrClosed
	}
	record, err := schedule.Encode(ev)
	if err != nil {
		return 0, err
	}
	return c.WriteAttribute(deviceID, slot, value.Bytes(), record)
}

// Outcomes returns the stream of terminal write resolutions.
func (c *Collection) Outcomes() <-chan correlator.Outcome {
	return c.writes.Outcomes()
}

// PutTag attaches a key/value tag to a device in the local view and returns
// the tag with its assigned id.
func (c *Collection) PutTag(deviceID, key, tagValue string) (registry.Tag, error) {
	return c.registry.PutTag(deviceID, key, tagValue)
}

// RemoveTag detaches a tag from a device in the local view.
func (c *Collection) RemoveTag(deviceID, tagID string) error {
	return c.registry.RemoveTag(deviceID, tagID)
}
