package correlator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetlink/fleetlink-go/pkg/log"
	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// Correlator errors.
var (
	// ErrClosed indicates the correlator has been closed.
	ErrClosed = errors.New("correlator is closed")

	// ErrNoWrites indicates an empty batch submission.
	ErrNoWrites = errors.New("no writes in batch")
)

// Default timing parameters.
const (
	// DefaultAckWindow is how long to wait for an acknowledgement delta
	// after a successful dispatch before resolving timed-out.
	DefaultAckWindow = 30 * time.Second

	// DefaultRetryDelay is the linear backoff base between transport retries.
	DefaultRetryDelay = 1 * time.Second
)

// Transport is the request/response side of the write path. Implementations
// are owned externally; internal/sim and pkg/transport provide two.
type Transport interface {
	// PostAttributeWrite dispatches one attribute write.
	PostAttributeWrite(ctx context.Context, deviceID string, req wire.WriteRequest) (wire.WriteResponse, error)

	// PostBatchAttributeWrite dispatches a group of writes in one call and
	// returns one response per request, in request order.
	PostBatchAttributeWrite(ctx context.Context, deviceID string, reqs []wire.WriteRequest) ([]wire.WriteResponse, error)
}

// Status is the resolution state of a write request.
type Status uint8

const (
	// StatusPending means the write awaits its acknowledgement delta.
	StatusPending Status = iota

	// StatusAccepted means the acknowledgement delta confirmed the write.
	StatusAccepted

	// StatusFailed means the transport or the device rejected the write.
	StatusFailed

	// StatusTimedOut means no acknowledgement arrived within the window.
	// The send itself succeeded; device-side application is unknown, so
	// callers must treat this as non-terminal and may reconcile via a
	// future full resync.
	StatusTimedOut
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusAccepted:
		return "ACCEPTED"
	case StatusFailed:
		return "FAILED"
	case StatusTimedOut:
		return "TIMED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Outcome is the terminal resolution of one write request.
// Every submitted write eventually produces exactly one outcome.
type Outcome struct {
	RequestID   uint32
	DeviceID    string
	AttributeID uint16
	Status      Status
	ResolvedAt  time.Time
}

// Write is one entry of a batch submission.
type Write struct {
	AttributeID uint16
	Value       string
}

// Config tunes correlator timing.
type Config struct {
	// AckWindow bounds the wait for an acknowledgement delta.
	AckWindow time.Duration

	// RetryDelay is the linear backoff base between transport retries:
	// attempt n waits n*RetryDelay.
	RetryDelay time.Duration
}

// DefaultConfig returns the default correlator configuration.
func DefaultConfig() Config {
	return Config{
		AckWindow:  DefaultAckWindow,
		RetryDelay: DefaultRetryDelay,
	}
}

// pendingWrite tracks one outstanding request.
type pendingWrite struct {
	requestID   uint32
	deviceID    string
	attributeID uint16
	submittedAt time.Time
	ackTimer    *time.Timer
}

// Correlator tracks outstanding attribute writes by request id, matches them
// against acknowledgement deltas, and drives retry and timeout.
//
// Request ids are assigned from a monotonic counter and never reused while an
// outcome for them is pending.
type Correlator struct {
	transport Transport
	config    Config
	logger    log.Logger

	nextID atomic.Uint32

	mu      sync.Mutex
	pending map[uint32]*pendingWrite
	closed  bool

	outcomes chan Outcome

	// Outcome delivery queue, drained by a single pump goroutine so
	// outcomes reach the channel in resolution order.
	pubMu    sync.Mutex
	pubCond  *sync.Cond
	pubQueue []Outcome
	pubDone  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a write correlator dispatching over the given transport.
func New(transport Transport, config Config, logger log.Logger) *Correlator {
	if config.AckWindow <= 0 {
		config.AckWindow = DefaultAckWindow
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Correlator{
		transport: transport,
		config:    config,
		logger:    log.OrNoop(logger),
		pending:   make(map[uint32]*pendingWrite),
		outcomes:  make(chan Outcome, 128),
		ctx:       ctx,
		cancel:    cancel,
	}
	c.pubCond = sync.NewCond(&c.pubMu)
	c.wg.Add(1)
	go c.pump()
	return c
}

// Outcomes returns the stream of terminal write resolutions.
// Outcomes arrive in resolution order, not submission order.
func (c *Correlator) Outcomes() <-chan Outcome {
	return c.outcomes
}

// Outstanding returns the number of writes awaiting resolution.
func (c *Correlator) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Has reports whether the request id is still outstanding.
func (c *Correlator) Has(requestID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[requestID]
	return ok
}

// Submit dispatches one attribute write and returns its request id.
// The call returns as soon as the request is registered; dispatch, retries,
// and resolution happen asynchronously and surface on Outcomes.
//
// Transient transport failures are retried up to maxRetries times with
// linear backoff; exhaustion resolves the write as failed. A successful
// dispatch with no acknowledgement within the ack window resolves timed-out.
func (c *Correlator) Submit(deviceID string, attributeID uint16, value string, maxRetries int) (uint32, error) {
	id := c.nextID.Add(1)
	p := &pendingWrite{
		requestID:   id,
		deviceID:    deviceID,
		attributeID: attributeID,
		submittedAt: time.Now(),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.pending[id] = p
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatch(p, wire.WriteRequest{RequestID: id, AttributeID: attributeID, Value: value}, maxRetries)
	}()

	return id, nil
}

// SubmitBatch dispatches a group of writes in one transport call and returns
// their request ids in submission order. The writes share no atomicity: each
// resolves independently on Outcomes. An outright batch transport failure is
// treated as a transient failure of every write in the batch.
func (c *Correlator) SubmitBatch(deviceID string, writes []Write, maxRetries int) ([]uint32, error) {
	if len(writes) == 0 {
		return nil, ErrNoWrites
	}

	reqs := make([]wire.WriteRequest, len(writes))
	ids := make([]uint32, len(writes))
	ps := make([]*pendingWrite, len(writes))
	now := time.Now()
	for i, w := range writes {
		id := c.nextID.Add(1)
		ids[i] = id
		reqs[i] = wire.WriteRequest{RequestID: id, AttributeID: w.AttributeID, Value: w.Value}
		ps[i] = &pendingWrite{
			requestID:   id,
			deviceID:    deviceID,
			attributeID: w.AttributeID,
			submittedAt: now,
		}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	for _, p := range ps {
		c.pending[p.requestID] = p
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.dispatchBatch(ps, deviceID, reqs, maxRetries)
	}()

	return ids, nil
}

// OnAcknowledgement resolves a pending write from an acknowledgement delta.
// Called by the synchronization engine when a delta carrying a request id
// arrives. Acknowledgements for unknown or abandoned ids are discarded.
func (c *Correlator) OnAcknowledgement(requestID uint32, state wire.WriteState, timestampMs int64) {
	status := StatusAccepted
	if state == wire.WriteStateFailure {
		status = StatusFailed
	}
	resolvedAt := time.Now()
	if timestampMs > 0 {
		resolvedAt = time.UnixMilli(timestampMs)
	}
	if !c.resolve(requestID, status, resolvedAt) {
		e := log.NewEvent(log.LevelDebug, log.ComponentCorrelator, "acknowledgement for unknown request")
		e.RequestID = requestID
		c.logger.Log(e)
	}
}

// Close abandons all outstanding writes and stops background work.
// Abandoned writes produce no outcome; their eventual acknowledgements, if
// any, are discarded.
func (c *Correlator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for id, p := range c.pending {
		if p.ackTimer != nil {
			p.ackTimer.Stop()
		}
		delete(c.pending, id)
	}
	c.mu.Unlock()

	c.cancel()

	c.pubMu.Lock()
	c.pubDone = true
	c.pubMu.Unlock()
	c.pubCond.Broadcast()

	c.wg.Wait()
}

// dispatch drives one write through the transport with linear-backoff retry.
func (c *Correlator) dispatch(p *pendingWrite, req wire.WriteRequest, maxRetries int) {
	attempt := 0
	for {
		resp, err := c.transport.PostAttributeWrite(c.ctx, p.deviceID, req)
		if err == nil {
			c.afterDispatch(p, resp)
			return
		}

		attempt++
		e := log.NewEvent(log.LevelWarn, log.ComponentCorrelator, "write dispatch failed")
		e.DeviceID = p.deviceID
		e.RequestID = p.requestID
		e.AttributeID = p.attributeID
		e.Err = err.Error()
		c.logger.Log(e)

		if attempt > maxRetries {
			c.resolve(p.requestID, StatusFailed, time.Now())
			return
		}
		if !c.sleep(time.Duration(attempt) * c.config.RetryDelay) {
			return
		}
	}
}

// dispatchBatch drives a batch through the transport with linear-backoff
// retry of the whole call. Per-write resolution is independent.
func (c *Correlator) dispatchBatch(ps []*pendingWrite, deviceID string, reqs []wire.WriteRequest, maxRetries int) {
	attempt := 0
	for {
		resps, err := c.transport.PostBatchAttributeWrite(c.ctx, deviceID, reqs)
		if err == nil {
			byID := make(map[uint32]wire.WriteResponse, len(resps))
			for _, r := range resps {
				byID[r.RequestID] = r
			}
			for _, p := range ps {
				resp, ok := byID[p.requestID]
				if !ok {
					resp = wire.WriteResponse{RequestID: p.requestID, Status: wire.WriteStatusFailure}
				}
				c.afterDispatch(p, resp)
			}
			return
		}

		attempt++
		e := log.NewEvent(log.LevelWarn, log.ComponentCorrelator, "batch dispatch failed")
		e.DeviceID = deviceID
		e.Err = err.Error()
		c.logger.Log(e)

		if attempt > maxRetries {
			now := time.Now()
			for _, p := range ps {
				c.resolve(p.requestID, StatusFailed, now)
			}
			return
		}
		if !c.sleep(time.Duration(attempt) * c.config.RetryDelay) {
			return
		}
	}
}

// afterDispatch handles the transport's immediate response: a rejected write
// resolves failed, an accepted one starts the acknowledgement window.
func (c *Correlator) afterDispatch(p *pendingWrite, resp wire.WriteResponse) {
	if !resp.Accepted() {
		c.resolve(p.requestID, StatusFailed, time.Now())
		return
	}

	c.mu.Lock()
	if _, ok := c.pending[p.requestID]; !ok {
		// Resolved concurrently (ack raced the response, or closed).
		c.mu.Unlock()
		return
	}
	p.ackTimer = time.AfterFunc(c.config.AckWindow, func() {
		if c.resolve(p.requestID, StatusTimedOut, time.Now()) {
			e := log.NewEvent(log.LevelWarn, log.ComponentCorrelator, "acknowledgement window expired")
			e.DeviceID = p.deviceID
			e.RequestID = p.requestID
			c.logger.Log(e)
		}
	})
	c.mu.Unlock()
}

// resolve removes the pending entry and publishes its outcome.
// Returns false if the request id was not outstanding.
func (c *Correlator) resolve(requestID uint32, status Status, resolvedAt time.Time) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if p.ackTimer != nil {
		p.ackTimer.Stop()
	}
	delete(c.pending, requestID)
	c.mu.Unlock()

	c.publish(Outcome{
		RequestID:   requestID,
		DeviceID:    p.deviceID,
		AttributeID: p.attributeID,
		Status:      status,
		ResolvedAt:  resolvedAt,
	})
	return true
}

// publish enqueues an outcome for delivery. Never blocks, so resolution never
// stalls delta application; the pump drains the queue in publish order.
func (c *Correlator) publish(o Outcome) {
	c.pubMu.Lock()
	c.pubQueue = append(c.pubQueue, o)
	c.pubMu.Unlock()
	c.pubCond.Signal()
}

// pump moves outcomes from the queue to the outcomes channel one at a time,
// preserving resolution order however slowly the consumer drains.
func (c *Correlator) pump() {
	defer c.wg.Done()
	for {
		c.pubMu.Lock()
		for len(c.pubQueue) == 0 && !c.pubDone {
			c.pubCond.Wait()
		}
		if len(c.pubQueue) == 0 {
			c.pubMu.Unlock()
			return
		}
		o := c.pubQueue[0]
		c.pubQueue = c.pubQueue[1:]
		c.pubMu.Unlock()

		select {
		case c.outcomes <- o:
		case <-c.ctx.Done():
			return
		}
	}
}

// sleep waits for d or until the correlator closes.
// Returns false if the correlator closed.
func (c *Correlator) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.ctx.Done():
		return false
	}
}
