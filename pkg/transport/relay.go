package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/fleetlink/fleetlink-go/pkg/engine"
	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// Transport errors.
var (
	// ErrChannelClosed indicates the channel was closed and cannot connect.
	ErrChannelClosed = errors.New("relay channel closed")

	// ErrNotConnected indicates an operation that needs a live connection.
	ErrNotConnected = errors.New("relay not connected")
)

// eventBufferSize is the per-connection inbound envelope buffer.
const eventBufferSize = 256

// RelayChannel is the production engine.Channel: a websocket connection to
// the relay, CBOR envelopes inbound, hello and sync-request messages
// outbound. Authentication is an opaque bearer token on the handshake.
type RelayChannel struct {
	url    string
	token  string
	logger log.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	done    chan struct{}
	writeMu sync.Mutex
	closed  bool
}

// NewRelayChannel creates a relay channel for the given websocket URL.
func NewRelayChannel(url, token string, logger log.Logger) *RelayChannel {
	return &RelayChannel{
		url:    url,
		token:  token,
		logger: log.OrNoop(logger),
		dialer: websocket.DefaultDialer,
	}
}

// Connect implements engine.Channel: it dials the relay, announces the
// session, and returns the connection's event stream. A 401 or 403 handshake
// response maps to engine.ErrAuthRejected.
func (r *RelayChannel) Connect(ctx context.Context, session engine.Session) (<-chan engine.Event, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrChannelClosed
	}
	r.disconnectLocked()
	r.mu.Unlock()

	header := http.Header{}
	if r.token != "" {
		header.Set("Authorization", "Bearer "+r.token)
	}
	conn, resp, err := r.dialer.DialContext(ctx, r.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: relay returned %d", engine.ErrAuthRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("relay dial: %w", err)
	}

	if err := r.sendClientMessage(conn, &wire.ClientMessage{
		Kind:      wire.ClientHello,
		AccountID: session.AccountID,
		UserID:    session.UserID,
		ClientID:  session.ClientID,
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello: %w", err)
	}

	events := make(chan engine.Event, eventBufferSize)
	done := make(chan struct{})

	r.mu.Lock()
	r.conn = conn
	r.done = done
	r.mu.Unlock()

	go r.readLoop(conn, events, done)
	return events, nil
}

// sendClientMessage streams one CBOR client message onto the connection.
func (r *RelayChannel) sendClientMessage(conn *websocket.Conn, msg *wire.ClientMessage) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	w, err := conn.NextWriter(websocket.BinaryMessage)
	if err != nil {
		return err
	}
	if err := wire.NewEncoder(w).Encode(msg); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// RequestSync implements engine.Channel.
func (r *RelayChannel) RequestSync(context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	if err := r.sendClientMessage(conn, &wire.ClientMessage{Kind: wire.ClientSyncRequest}); err != nil {
		return fmt.Errorf("sending sync request: %w", err)
	}
	return nil
}

// Disconnect implements engine.Channel. The read loop notices the closed
// socket and closes the event stream.
func (r *RelayChannel) Disconnect() {
	r.mu.Lock()
	r.disconnectLocked()
	r.mu.Unlock()
}

// disconnectLocked closes the live connection and releases its read loop,
// including one parked on a full event buffer.
func (r *RelayChannel) disconnectLocked() {
	if r.conn != nil {
		r.conn.Close()
		r.conn = nil
	}
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}

// Close implements engine.Channel.
func (r *RelayChannel) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Disconnect()
	return nil
}

// readLoop decodes inbound envelopes off the message stream until the
// connection drops, then closes the event stream. A policy-violation close
// code means the relay revoked the session's credentials mid-flight. Sends
// select against done so the loop exits even when nobody drains the buffer.
func (r *RelayChannel) readLoop(conn *websocket.Conn, events chan<- engine.Event, done <-chan struct{}) {
	defer close(events)
	for {
		_, rd, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				select {
				case events <- engine.Event{Status: wire.StatusAuthFailed}:
				case <-done:
				}
			}
			r.mu.Lock()
			if r.conn == conn {
				r.conn = nil
			}
			r.mu.Unlock()
			return
		}

		var env wire.Envelope
		if err := wire.NewDecoder(rd).Decode(&env); err != nil {
			e := log.NewEvent(log.LevelWarn, log.ComponentTransport, "dropping undecodable relay message")
			e.Err = err.Error()
			r.logger.Log(e)
			continue
		}
		if err := env.Validate(); err != nil {
			e := log.NewEvent(log.LevelWarn, log.ComponentTransport, "dropping invalid relay envelope")
			e.Seq = env.Seq
			e.Err = err.Error()
			r.logger.Log(e)
			continue
		}

		select {
		case events <- engine.Event{Envelope: &env}:
		case <-done:
			return
		}
	}
}
