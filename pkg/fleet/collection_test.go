package fleet

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetlink/fleetlink-go/internal/sim"
	"github.com/fleetlink/fleetlink-go/pkg/correlator"
	"github.com/fleetlink/fleetlink-go/pkg/engine"
	"github.com/fleetlink/fleetlink-go/pkg/schedule"
	"github.com/fleetlink/fleetlink-go/pkg/value"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AckWindow = Duration(time.Second)
	cfg.RetryDelay = Duration(time.Millisecond)
	cfg.Backoff = BackoffConfig{
		Initial:    Duration(time.Millisecond),
		Max:        Duration(5 * time.Millisecond),
		Multiplier: 2,
	}
	return cfg
}

func startedCollection(t *testing.T) (*Collection, *sim.Hub) {
	t.Helper()
	hub := sim.NewHub(nil)
	hub.AddDevice("heater-1", "profile-heater", "Europe/Berlin")

	c := New(hub, hub, testConfig(), nil)
	t.Cleanup(c.Close)

	transitions, cancel := c.Subscribe()
	defer cancel()
	require.NoError(t, c.Start(context.Background(), "acct-1", "user-1"))
	waitTransition(t, transitions, engine.StateConnected)
	return c, hub
}

func waitTransition(t *testing.T, transitions <-chan engine.Transition, want engine.State) {
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

func waitOutcome(t *testing.T, c *Collection) correlator.Outcome {
	t.Helper()
	select {
	case o := <-c.Outcomes():
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write outcome")
		return correlator.Outcome{}
	}
}

func TestStartSyncsFleet(t *testing.T) {
	c, _ := startedCollection(t)

	snap, ok := c.Device("heater-1")
	require.True(t, ok)
	assert.Equal(t, "profile-heater", snap.ProfileID)
	assert.Equal(t, "Europe/Berlin", snap.TimeZone)
	assert.True(t, snap.Available)
	assert.Len(t, c.Devices(), 1)
	assert.NotEmpty(t, c.ClientID())
}

func TestStartWhileRunningIsNoop(t *testing.T) {
	c, _ := startedCollection(t)
	assert.NoError(t, c.Start(context.Background(), "acct-1", "user-1"))
}

func TestWriteAttributeRoundTrip(t *testing.T) {
	c, _ := startedCollection(t)

	id, err := c.WriteAttribute("heater-1", 3, value.Bool(), true)
	require.NoError(t, err)

	o := waitOutcome(t, c)
	assert.Equal(t, id, o.RequestID)
	assert.Equal(t, correlator.StatusAccepted, o.Status)

	// The acknowledgement delta also carries the new value.
	waitAttr(t, c, "heater-1", 3, "true")
}

func TestWriteAttributeEncodingError(t *testing.T) {
	c, _ := startedCollection(t)

	_, err := c.WriteAttribute("heater-1", 3, value.Bool(), "not a bool")
	assert.ErrorIs(t, err, value.ErrValueType)
}

func TestWriteAttributesBatch(t *testing.T) {
	c, _ := startedCollection(t)

	ids, err := c.WriteAttributes("heater-1", []AttributeWrite{
		{AttributeID: 1, Descriptor: value.SInt(32), Value: int64(21)},
		{AttributeID: 2, Descriptor: value.Bool(), Value: false},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	got := map[uint32]correlator.Status{}
	for i := 0; i < 2; i++ {
		o := waitOutcome(t, c)
		got[o.RequestID] = o.Status
	}
	assert.Equal(t, correlator.StatusAccepted, got[ids[0]])
	assert.Equal(t, correlator.StatusAccepted, got[ids[1]])
}

func TestWriteScheduleRoundTrip(t *testing.T) {
	c, _ := startedCollection(t)

	ev, err := schedule.NewSingleDayEvent(7, schedule.Monday, 6, 30)
	require.NoError(t, err)
	require.NoError(t, ev.SetAttribute(1, value.SInt(32), int64(21)))

	_, err = c.WriteSchedule("heater-1", 100, ev)
	require.NoError(t, err)

	o := waitOutcome(t, c)
	require.Equal(t, correlator.StatusAccepted, o.Status)

	// The slot now holds the hex-encoded 64-byte record.
	snap, _ := c.Device("heater-1")
	waitFor(t, func() bool {
		snap, _ = c.Device("heater-1")
		_, ok := snap.Attribute(100)
		return ok
	})
	av, _ := snap.Attribute(100)
	raw, err := value.Decode(value.Bytes(), av.Value)
	require.NoError(t, err)
	decoded, err := schedule.Decode(raw.([]byte))
	require.NoError(t, err)
	day, err := decoded.Day()
	require.NoError(t, err)
	assert.Equal(t, schedule.Monday, day)
	assert.Equal(t, uint8(6), decoded.Hour)
}

func TestWriteToUnknownDeviceFails(t *testing.T) {
	c, _ := startedCollection(t)

	_, err := c.WriteAttribute("ghost", 1, value.Bool(), true)
	require.NoError(t, err) // rejected asynchronously, not at submit time

	o := waitOutcome(t, c)
	assert.Equal(t, correlator.StatusFailed, o.Status)
}

func TestServiceSidePush(t *testing.T) {
	c, hub := startedCollection(t)

	hub.SetAttribute("heater-1", 5, "42")
	waitAttr(t, c, "heater-1", 5, "42")
}

func TestDeviceRemoval(t *testing.T) {
	c, hub := startedCollection(t)

	var removed []string
	done := make(chan struct{})
	c.OnDeviceRemove(func(deviceID string) {
		removed = append(removed, deviceID)
		close(done)
	})

	hub.RemoveDevice("heater-1")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for removal callback")
	}
	assert.Equal(t, []string{"heater-1"}, removed)
	_, ok := c.Device("heater-1")
	assert.False(t, ok)
}

func TestSeqGapRecovers(t *testing.T) {
	c, hub := startedCollection(t)
	transitions, cancel := c.Subscribe()
	defer cancel()

	hub.SkipSeq()
	hub.SetAttribute("heater-1", 5, "after-gap")

	waitTransition(t, transitions, engine.StateResyncing)
	waitTransition(t, transitions, engine.StateConnected)
	waitAttr(t, c, "heater-1", 5, "after-gap")
}

func TestTags(t *testing.T) {
	c, _ := startedCollection(t)

	tag, err := c.PutTag("heater-1", "room", "kitchen")
	require.NoError(t, err)
	require.NotEmpty(t, tag.ID)

	snap, _ := c.Device("heater-1")
	assert.Contains(t, snap.Tags, tag.ID)

	require.NoError(t, c.RemoveTag("heater-1", tag.ID))
}

func TestCloseIsTerminal(t *testing.T) {
	hub := sim.NewHub(nil)
	c := New(hub, hub, testConfig(), nil)

	c.Close()
	c.Close()

	assert.ErrorIs(t, c.Start(context.Background(), "a", "u"), ErrClosed)
	_, err := c.WriteAttribute("d", 1, value.Bool(), true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseConcurrentWithWrites(t *testing.T) {
	c, _ := startedCollection(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Writes racing Close either submit or fail closed; the
			// point is the closed flag stays race-free throughout.
			for j := 0; j < 50; j++ {
				if _, err := c.WriteAttribute("heater-1", 1, value.Bool(), true); err != nil {
					return
				}
			}
		}()
	}

	c.Close()
	wg.Wait()

	_, err := c.WriteAttribute("heater-1", 1, value.Bool(), true)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	data := []byte("relayUrl: wss://relay.example.com/v1\napiUrl: https://api.example.com\ntoken: secret\nackWindow: 10s\nbackoff:\n  initial: 2s\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com/v1", cfg.RelayURL)
	assert.Equal(t, "secret", cfg.Token)
	assert.Equal(t, 10*time.Second, cfg.AckWindow.Std())
	assert.Equal(t, 2*time.Second, cfg.Backoff.Initial.Std())

	// Absent fields keep defaults.
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, engine.MaxBackoff, cfg.Backoff.Max.Std())
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func waitAttr(t *testing.T, c *Collection, deviceID string, attributeID uint16, want string) {
	t.Helper()
	waitFor(t, func() bool {
		snap, ok := c.Device(deviceID)
		if !ok {
			return false
		}
		v, ok := snap.Attribute(attributeID)
		return ok && v.Value == want
	})
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
