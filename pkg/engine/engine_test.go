package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fleetlink/fleetlink-go/pkg/correlator"
	"github.com/fleetlink/fleetlink-go/pkg/registry"
	"github.com/fleetlink/fleetlink-go/pkg/wire"
)

// fakeChannel is an in-memory relay connection for engine tests.
type fakeChannel struct {
	mu          sync.Mutex
	events      chan Event
	connects    int
	connectErrs []error

	syncReqs chan struct{}
}

func newFakeChannel(connectErrs ...error) *fakeChannel {
	return &fakeChannel{
		connectErrs: connectErrs,
		syncReqs:    make(chan struct{}, 16),
	}
}

func (f *fakeChannel) Connect(_ context.Context, _ Session) (<-chan Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.connectErrs) > 0 {
		err := f.connectErrs[0]
		f.connectErrs = f.connectErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.events = make(chan Event, 64)
	return f.events, nil
}

func (f *fakeChannel) RequestSync(context.Context) error {
	f.syncReqs <- struct{}{}
	return nil
}

func (f *fakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		close(f.events)
		f.events = nil
	}
}

func (f *fakeChannel) Close() error {
	f.Disconnect()
	return nil
}

func (f *fakeChannel) push(env *wire.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		f.events <- Event{Envelope: env}
	}
}

func (f *fakeChannel) pushStatus(s wire.ChannelStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events != nil {
		f.events <- Event{Status: s}
	}
}

func (f *fakeChannel) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// acceptAllTransport accepts every write so acknowledgement handling can be
// exercised end to end.
type acceptAllTransport struct{}

func (acceptAllTransport) PostAttributeWrite(_ context.Context, _ string, req wire.WriteRequest) (wire.WriteResponse, error) {
	return wire.WriteResponse{RequestID: req.RequestID, Status: wire.WriteStatusSuccess}, nil
}

func (acceptAllTransport) PostBatchAttributeWrite(_ context.Context, _ string, reqs []wire.WriteRequest) ([]wire.WriteResponse, error) {
	resps := make([]wire.WriteResponse, len(reqs))
	for i, r := range reqs {
		resps[i] = wire.WriteResponse{RequestID: r.RequestID, Status: wire.WriteStatusSuccess}
	}
	return resps, nil
}

func fastConfig() Config {
	return Config{Backoff: BackoffConfig{
		Initial:    time.Millisecond,
		Max:        5 * time.Millisecond,
		Multiplier: 2,
		Jitter:     0,
	}}
}

func newTestEngine(t *testing.T, ch Channel) (*Engine, *registry.Registry, *correlator.Correlator) {
	t.Helper()
	reg := registry.New(nil)
	corr := correlator.New(acceptAllTransport{}, correlator.Config{AckWindow: time.Second, RetryDelay: time.Millisecond}, nil)
	t.Cleanup(corr.Close)
	return New(ch, reg, corr, fastConfig(), nil), reg, corr
}

func waitSyncRequest(t *testing.T, ch *fakeChannel) {
	t.Helper()
	select {
	case <-ch.syncReqs:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for sync request")
	}
}

func waitState(t *testing.T, transitions <-chan Transition, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case tr := <-transitions:
			if tr.To == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func snapshot(seq uint64, devices ...wire.DeviceSync) *wire.Envelope {
	return &wire.Envelope{Seq: seq, Snapshot: true, Devices: devices}
}

func delta(seq uint64, devices ...wire.DeviceSync) *wire.Envelope {
	return &wire.Envelope{Seq: seq, Devices: devices}
}

func deviceAttr(deviceID string, id uint16, value string, ts int64) wire.DeviceSync {
	return wire.DeviceSync{
		DeviceID:   deviceID,
		ProfileID:  "profile-a",
		Attributes: []wire.AttributeEntry{{ID: id, Value: value, UpdatedAt: ts}},
	}
}

func attrValue(t *testing.T, reg *registry.Registry, deviceID string, id uint16) string {
	t.Helper()
	snap, ok := reg.Get(deviceID)
	if !ok {
		t.Fatalf("device %s not in registry", deviceID)
	}
	v, ok := snap.Attribute(id)
	if !ok {
		t.Fatalf("attribute %d not on device %s", id, deviceID)
	}
	return v.Value
}

func TestStartSyncsAndConnects(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	if err := e.Start(context.Background(), Session{AccountID: "acct"}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	waitState(t, transitions, StateConnecting)
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 3, "true", 100)))
	waitState(t, transitions, StateConnected)

	if got := attrValue(t, reg, "dev1", 3); got != "true" {
		t.Errorf("attribute = %q, want true", got)
	}
}

func TestStartTwice(t *testing.T) {
	ch := newFakeChannel()
	e, _, _ := newTestEngine(t, ch)

	if err := e.Start(context.Background(), Session{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer e.Stop()

	if err := e.Start(context.Background(), Session{}); err != ErrAlreadyStarted {
		t.Errorf("second Start error = %v, want ErrAlreadyStarted", err)
	}
}

func TestIncrementalDeltasApplyInSequence(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	ch.push(snapshot(5, deviceAttr("dev1", 1, "10", 100)))
	waitState(t, transitions, StateConnected)

	ch.push(delta(6, deviceAttr("dev1", 1, "11", 200)))
	ch.push(delta(7, deviceAttr("dev1", 1, "12", 300)))

	waitFor(t, func() bool { return attrValue(t, reg, "dev1", 1) == "12" })
}

func TestStaleDeltaIgnored(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "fresh", 100)))
	waitState(t, transitions, StateConnected)

	// Older timestamp on a newer sequence number: merged by LWW, ignored.
	ch.push(delta(2, deviceAttr("dev1", 1, "stale", 50)))
	ch.push(delta(3, deviceAttr("dev1", 2, "marker", 60)))

	waitFor(t, func() bool {
		snap, _ := reg.Get("dev1")
		_, ok := snap.Attribute(2)
		return ok
	})
	if got := attrValue(t, reg, "dev1", 1); got != "fresh" {
		t.Errorf("attribute = %q after stale delta, want fresh", got)
	}
}

func TestBufferedDeltasReplayAfterSnapshot(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	// Deltas arriving before the snapshot are buffered, then replayed in
	// receipt order once the snapshot lands.
	ch.push(delta(8, deviceAttr("dev1", 1, "newer", 300)))
	ch.push(snapshot(10, deviceAttr("dev1", 1, "snap", 200)))
	waitState(t, transitions, StateConnected)

	if got := attrValue(t, reg, "dev1", 1); got != "newer" {
		t.Errorf("attribute = %q, want the buffered newer value", got)
	}
}

func TestSeqGapTriggersResync(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	ch.push(delta(2, deviceAttr("dev1", 1, "b", 200)))

	// Seq 3 never arrives; 4 exposes the gap.
	ch.push(delta(4, deviceAttr("dev1", 1, "d", 400)))
	waitState(t, transitions, StateResyncing)
	waitSyncRequest(t, ch)

	// The relay answers with a fresh snapshot; the gap delta replays on top.
	ch.push(snapshot(1, deviceAttr("dev1", 1, "c", 300)))
	waitState(t, transitions, StateConnected)

	if got := attrValue(t, reg, "dev1", 1); got != "d" {
		t.Errorf("attribute = %q after resync, want d", got)
	}
}

func TestSnapshotPrunesAbsentDevices(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100), deviceAttr("dev2", 1, "b", 100)))
	waitState(t, transitions, StateConnected)

	ch.push(delta(2, deviceAttr("dev1", 1, "a2", 200)))
	ch.push(delta(4, deviceAttr("dev1", 1, "a3", 300))) // gap
	waitState(t, transitions, StateResyncing)
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a3", 300)))
	waitState(t, transitions, StateConnected)

	if _, ok := reg.Get("dev2"); ok {
		t.Error("dev2 should be pruned by a snapshot that omits it")
	}
}

func TestRemovedDevices(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100), deviceAttr("dev2", 1, "b", 100)))
	waitState(t, transitions, StateConnected)

	ch.push(&wire.Envelope{Seq: 2, Removed: []string{"dev2"}})
	waitFor(t, func() bool {
		_, ok := reg.Get("dev2")
		return !ok
	})
	if _, ok := reg.Get("dev1"); !ok {
		t.Error("dev1 should survive dev2's removal")
	}
}

func TestDisconnectReconnects(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	ch.Disconnect()
	waitState(t, transitions, StateReconnecting)
	waitState(t, transitions, StateConnecting)
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a2", 200)))
	waitState(t, transitions, StateConnected)

	if ch.connectCount() < 2 {
		t.Errorf("connects = %d, want at least 2", ch.connectCount())
	}
	if got := attrValue(t, reg, "dev1", 1); got != "a2" {
		t.Errorf("attribute = %q after reconnect, want a2", got)
	}
}

func TestReconnectResyncsLiveSession(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)
	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	// An explicit reconnect on a live session re-requests the snapshot in
	// place rather than tearing the connection down.
	e.Reconnect()
	waitState(t, transitions, StateResyncing)
	waitSyncRequest(t, ch)

	ch.push(snapshot(1, deviceAttr("dev1", 1, "a2", 200)))
	waitState(t, transitions, StateConnected)

	if ch.connectCount() != 1 {
		t.Errorf("connects = %d, want 1 (resync must reuse the live connection)", ch.connectCount())
	}
	if got := attrValue(t, reg, "dev1", 1); got != "a2" {
		t.Errorf("attribute = %q after resync, want a2", got)
	}
}

func TestReconnectDuringResyncIsNoop(t *testing.T) {
	ch := newFakeChannel()
	e, _, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)
	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	ch.push(delta(3, deviceAttr("dev1", 1, "b", 200))) // gap
	waitState(t, transitions, StateResyncing)
	waitSyncRequest(t, ch)

	e.Reconnect()
	select {
	case <-ch.syncReqs:
		t.Error("resync already in flight; Reconnect must not request another")
	case <-time.After(20 * time.Millisecond):
	}

	ch.push(snapshot(1, deviceAttr("dev1", 1, "b", 200)))
	waitState(t, transitions, StateConnected)
	if ch.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", ch.connectCount())
	}
}

func TestAuthRejectedIsTerminal(t *testing.T) {
	ch := newFakeChannel(fmt.Errorf("%w: bad token", ErrAuthRejected))
	e, _, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	waitState(t, transitions, StateError)

	// No retry loop after a credential rejection.
	time.Sleep(20 * time.Millisecond)
	if ch.connectCount() != 1 {
		t.Errorf("connects = %d, want 1", ch.connectCount())
	}
	e.Stop()
}

func TestAuthFailedMidSession(t *testing.T) {
	ch := newFakeChannel()
	e, _, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	waitSyncRequest(t, ch)
	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	ch.pushStatus(wire.StatusAuthFailed)
	waitState(t, transitions, StateError)
	e.Stop()
}

func TestAcknowledgementForwarded(t *testing.T) {
	ch := newFakeChannel()
	e, _, corr := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	defer e.Stop()
	waitSyncRequest(t, ch)
	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	id, err := corr.Submit("dev1", 1, "b", 0)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	ack := deviceAttr("dev1", 1, "b", 200)
	ack.RequestID = id
	ack.WriteState = wire.WriteStateSuccess
	ch.push(delta(2, ack))

	select {
	case o := <-corr.Outcomes():
		if o.RequestID != id || o.Status != correlator.StatusAccepted {
			t.Errorf("outcome = %+v, want accepted for %d", o, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write outcome")
	}
}

func TestStopIdempotent(t *testing.T) {
	ch := newFakeChannel()
	e, _, _ := newTestEngine(t, ch)

	e.Start(context.Background(), Session{})
	e.Stop()
	e.Stop()

	if got := e.State(); got != StateStopped {
		t.Errorf("state = %v after Stop, want STOPPED", got)
	}
}

func TestStopRetainsRegistry(t *testing.T) {
	ch := newFakeChannel()
	e, reg, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	waitSyncRequest(t, ch)
	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))
	waitState(t, transitions, StateConnected)

	e.Stop()
	if got := attrValue(t, reg, "dev1", 1); got != "a" {
		t.Errorf("attribute = %q after Stop, want the last-known a", got)
	}
}

func TestSubscriberNeverMissesTransitions(t *testing.T) {
	ch := newFakeChannel()
	e, _, _ := newTestEngine(t, ch)
	transitions, cancel := e.Subscribe()
	defer cancel()

	e.Start(context.Background(), Session{})
	waitSyncRequest(t, ch)
	ch.push(snapshot(1, deviceAttr("dev1", 1, "a", 100)))

	// Consume nothing until after Stop; every transition must still arrive.
	time.Sleep(20 * time.Millisecond)
	e.Stop()

	var seen []State
	deadline := time.After(2 * time.Second)
	for len(seen) < 3 {
		select {
		case tr := <-transitions:
			seen = append(seen, tr.To)
		case <-deadline:
			t.Fatalf("transitions seen so far: %v", seen)
		}
	}
	want := []State{StateConnecting, StateConnected, StateStopped}
	for i, s := range want {
		if seen[i] != s {
			t.Fatalf("transition %d = %v, want %v (all: %v)", i, seen[i], s, seen)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never satisfied")
}
