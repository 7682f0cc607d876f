package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fleetlink/fleetlink-go/pkg/correlator"
	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/registry"
	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// Engine errors.
var (
	// ErrAlreadyStarted indicates Start was called on a running engine.
	ErrAlreadyStarted = errors.New("engine already started")

	// ErrAuthRejected indicates the relay rejected the session credentials.
	// Not retried; the engine enters the error state.
	ErrAuthRejected = errors.New("relay rejected credentials")
)

// State represents the engine lifecycle state.
type State uint8

const (
	// StateStopped indicates the engine is not running.
	StateStopped State = iota

	// StateConnecting indicates the relay connection or the initial full
	// sync is in progress.
	StateConnecting

	// StateConnected indicates the registry mirrors the service view and
	// incremental deltas are flowing.
	StateConnected

	// StateResyncing indicates a sequence gap was detected and a fresh
	// snapshot has been requested.
	StateResyncing

	// StateReconnecting indicates the connection dropped and a backoff
	// delay is running.
	StateReconnecting

	// StateError indicates a non-retryable failure (bad credentials).
	StateError
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateResyncing:
		return "RESYNCING"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Session identifies the account view a relay connection subscribes to.
type Session struct {
	// AccountID scopes the fleet.
	AccountID string

	// UserID identifies the acting user.
	UserID string

	// ClientID uniquely identifies this SDK instance to the relay.
	ClientID string
}

// Event is one item on a relay connection's event stream.
type Event struct {
	// Envelope carries a sync payload. Nil for status-only events.
	Envelope *wire.Envelope

	// Status carries a mid-session status change (auth revocation).
	Status wire.ChannelStatus
}

// Channel is a relay push connection factory. pkg/transport provides the
// production websocket implementation; internal/sim provides an in-memory one.
type Channel interface {
	// Connect establishes a relay session and returns its event stream.
	// The stream is closed when the connection drops. A credential
	// rejection returns an error wrapping ErrAuthRejected.
	Connect(ctx context.Context, session Session) (<-chan Event, error)

	// RequestSync asks the relay for a full snapshot on the current
	// connection.
	RequestSync(ctx context.Context) error

	// Disconnect drops the current connection, if any. The event stream
	// returned by Connect closes as a result.
	Disconnect()

	// Close releases the channel. No further Connect calls are valid.
	Close() error
}

// Config tunes engine behavior.
type Config struct {
	// Backoff configures reconnection delays.
	Backoff BackoffConfig
}

// Engine drives the relay push channel and keeps the device registry
// synchronized with the service view.
//
// One connection is active at a time and all envelope handling happens on a
// single goroutine, so delta application is serialized by construction.
type Engine struct {
	channel    Channel
	registry   *registry.Registry
	correlator *correlator.Correlator
	backoff    *Backoff
	logger     log.Logger

	transitions *transitionStream

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc

	// Sync bookkeeping, touched only by the run goroutine under mu.
	seq    uint64
	synced bool
	buffer []*wire.Envelope

	wg sync.WaitGroup
}

// New creates a synchronization engine over the given channel.
func New(channel Channel, reg *registry.Registry, corr *correlator.Correlator, cfg Config, logger log.Logger) *Engine {
	return &Engine{
		channel:     channel,
		registry:    reg,
		correlator:  corr,
		backoff:     NewBackoffWithConfig(cfg.Backoff),
		logger:      log.OrNoop(logger),
		transitions: newTransitionStream(),
		state:       StateStopped,
	}
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a stream of state transitions and a cancel function.
// Every transition after the call is delivered, in order, regardless of how
// slowly the subscriber consumes.
func (e *Engine) Subscribe() (<-chan Transition, func()) {
	return e.transitions.subscribe()
}

// Start connects the engine for the given session. It returns once the
// connection attempt is scheduled; progress surfaces on Subscribe streams.
// The engine keeps reconnecting until Stop is called or the relay rejects
// the credentials.
func (e *Engine) Start(ctx context.Context, session Session) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.running = true
	e.cancel = cancel
	e.seq = 0
	e.synced = false
	e.buffer = nil
	e.mu.Unlock()

	e.setState(StateConnecting, "start")

	e.wg.Add(1)
	go e.run(runCtx, session)
	return nil
}

// Stop disconnects and halts the engine. Registry contents are retained as a
// last-known view. Stop is idempotent and safe from any state.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.channel.Disconnect()
	e.wg.Wait()

	e.setState(StateStopped, "stop")
}

// Reconnect forces a fresh full sync. On a live session the engine moves to
// RESYNCING and re-requests a snapshot without dropping the connection. With
// no live session it drops the connection and redials without waiting out the
// accumulated backoff. No-op when the engine is not running or a connect or
// resync is already in flight.
func (e *Engine) Reconnect() {
	e.mu.Lock()
	running := e.running
	state := e.state
	e.mu.Unlock()
	if !running {
		return
	}
	e.backoff.Reset()

	switch state {
	case StateConnecting, StateResyncing:
		// A full sync is already on its way.
	case StateConnected:
		e.resync(context.Background(), "reconnect")
	default:
		e.channel.Disconnect()
	}
}

// run is the engine's single background goroutine: it owns the connection
// lifecycle and applies every envelope.
func (e *Engine) run(ctx context.Context, session Session) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		events, err := e.channel.Connect(ctx, session)
		if err != nil {
			if errors.Is(err, ErrAuthRejected) {
				e.logger.Log(log.NewErrorEvent(log.ComponentEngine, "authentication rejected", err))
				e.setState(StateError, "auth rejected")
				return
			}
			if ctx.Err() != nil {
				return
			}
			e.logger.Log(log.NewErrorEvent(log.ComponentEngine, "connect failed", err))
			if !e.waitReconnect(ctx, "connect failed") {
				return
			}
			continue
		}

		e.backoff.Reset()
		if err := e.channel.RequestSync(ctx); err != nil {
			e.logger.Log(log.NewErrorEvent(log.ComponentEngine, "sync request failed", err))
			e.channel.Disconnect()
		}

		authFailed := e.consume(ctx, events)
		e.resetSync()

		if authFailed {
			e.setState(StateError, "auth rejected")
			return
		}
		if ctx.Err() != nil {
			return
		}
		if !e.waitReconnect(ctx, "disconnect") {
			return
		}
	}
}

// waitReconnect transitions through RECONNECTING, sleeps out the backoff, and
// re-enters CONNECTING. Returns false if ctx was cancelled meanwhile.
func (e *Engine) waitReconnect(ctx context.Context, reason string) bool {
	e.setState(StateReconnecting, reason)
	if !e.backoff.Wait(ctx) {
		return false
	}
	e.setState(StateConnecting, "retry")
	return true
}

// consume applies events from one connection until its stream closes.
// Returns true if the session was terminated by an auth failure.
func (e *Engine) consume(ctx context.Context, events <-chan Event) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case ev, ok := <-events:
			if !ok {
				return false
			}
			if ev.Envelope != nil {
				e.handleEnvelope(ctx, ev.Envelope)
				continue
			}
			if ev.Status == wire.StatusAuthFailed {
				return true
			}
		}
	}
}

// handleEnvelope routes one relay envelope: snapshots replace the registry
// view and drain the buffer, incremental envelopes apply in sequence, and a
// sequence gap triggers a resync.
func (e *Engine) handleEnvelope(ctx context.Context, env *wire.Envelope) {
	if err := env.Validate(); err != nil {
		ev := log.NewEvent(log.LevelWarn, log.ComponentEngine, "dropping invalid envelope")
		ev.Seq = env.Seq
		ev.Err = err.Error()
		e.logger.Log(ev)
		return
	}

	if env.Snapshot {
		e.applySnapshot(env)
		return
	}

	e.mu.Lock()
	if !e.synced {
		e.buffer = append(e.buffer, env)
		e.mu.Unlock()
		return
	}
	if env.Seq != e.seq+1 {
		e.buffer = append(e.buffer, env)
		e.mu.Unlock()

		ev := log.NewEvent(log.LevelWarn, log.ComponentEngine, "sequence gap, requesting resync")
		ev.Seq = env.Seq
		e.logger.Log(ev)

		e.resync(ctx, "seq gap")
		return
	}
	e.seq = env.Seq
	e.mu.Unlock()

	e.applyDevices(env, false)
}

// resync requests a fresh snapshot on the live connection. Incremental deltas
// arriving before it buffer for replay; a failed request drops the connection
// so the reconnect loop takes over.
func (e *Engine) resync(ctx context.Context, reason string) {
	e.mu.Lock()
	e.synced = false
	e.mu.Unlock()

	e.setState(StateResyncing, reason)
	if err := e.channel.RequestSync(ctx); err != nil {
		e.logger.Log(log.NewErrorEvent(log.ComponentEngine, "sync request failed", err))
		e.channel.Disconnect()
	}
}

// applySnapshot replaces the registry view with the snapshot, prunes devices
// the snapshot no longer carries, replays buffered deltas in receipt order,
// and moves to CONNECTED.
func (e *Engine) applySnapshot(env *wire.Envelope) {
	present := make(map[string]struct{}, len(env.Devices))
	for _, ds := range env.Devices {
		present[ds.DeviceID] = struct{}{}
	}
	for _, snap := range e.registry.Devices() {
		if _, ok := present[snap.DeviceID]; !ok {
			e.registry.Remove(snap.DeviceID)
		}
	}
	e.applyDevices(env, true)

	e.mu.Lock()
	e.seq = env.Seq
	e.synced = true
	buffered := e.buffer
	e.buffer = nil
	e.mu.Unlock()

	// Buffered deltas predate the snapshot; last-write-wins merging makes
	// replaying them safe even when the snapshot already includes them.
	for _, b := range buffered {
		e.applyDevices(b, false)
	}

	ev := log.NewEvent(log.LevelInfo, log.ComponentEngine, "sync complete")
	ev.Seq = env.Seq
	e.logger.Log(ev)

	e.setState(StateConnected, "sync complete")
}

// applyDevices merges every device sync of the envelope into the registry,
// forwards write acknowledgements to the correlator, and removes
// disassociated devices.
func (e *Engine) applyDevices(env *wire.Envelope, fullReplace bool) {
	for _, ds := range env.Devices {
		e.registry.ApplyDelta(registry.DeltaFromSync(ds, fullReplace))
		if ds.RequestID != 0 {
			e.correlator.OnAcknowledgement(ds.RequestID, ds.WriteState, ackTimestamp(ds))
		}
	}
	for _, id := range env.Removed {
		e.registry.Remove(id)
	}
}

// ackTimestamp picks the acknowledgement resolution time from the sync's
// newest attribute update.
func ackTimestamp(ds wire.DeviceSync) int64 {
	var ts int64
	for _, a := range ds.Attributes {
		if a.UpdatedAt > ts {
			ts = a.UpdatedAt
		}
	}
	return ts
}

// resetSync clears per-connection sync bookkeeping. Buffered deltas belong to
// the dropped connection's numbering and must not survive it.
func (e *Engine) resetSync() {
	e.mu.Lock()
	e.seq = 0
	e.synced = false
	e.buffer = nil
	e.mu.Unlock()
}

// setState transitions the engine state, logs it, and notifies subscribers.
func (e *Engine) setState(to State, reason string) {
	e.mu.Lock()
	from := e.state
	if from == to {
		e.mu.Unlock()
		return
	}
	e.state = to
	e.mu.Unlock()

	e.logger.Log(log.NewStateChangeEvent(log.ComponentEngine, from.String(), to.String(), reason))
	e.transitions.publish(Transition{From: from, To: to, Reason: reason, At: time.Now()})
}
