package webrtc

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/infrastructure/signal"

	"github.com/pion/logging"
	"github.com/pion/transport/v2/vnet"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"
)

// fakeChannel records what is sent and lets the test push inbound messages.
type fakeChannel struct {
	mu     sync.Mutex
	sent   []signal.Message
	in     chan signal.Message
	done   chan struct{}
	once   sync.Once
	closes int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:   make(chan signal.Message, 64),
		done: make(chan struct{}),
	}
}

func (c *fakeChannel) Send(msg signal.Message) error {
	select {
	case <-c.done:
		return domain.ErrChannelClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Messages() <-chan signal.Message { return c.in }
func (c *fakeChannel) Done() <-chan struct{}           { return c.done }

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	c.once.Do(func() { close(c.done) })
	return nil
}

// hangup simulates the router dropping the connection.
func (c *fakeChannel) hangup() {
	c.Close()
	close(c.in)
}

func (c *fakeChannel) push(msg signal.Message) {
	c.in <- msg
}

func (c *fakeChannel) messages() []signal.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.Message(nil), c.sent...)
}

func sentOf[T signal.Message](c *fakeChannel) []T {
	var out []T
	for _, msg := range c.messages() {
		if m, ok := msg.(T); ok {
			out = append(out, m)
		}
	}
	return out
}

type recordingMetrics struct {
	noopMetrics

	mu       sync.Mutex
	outcomes []string
	dropped  []string
}

func (m *recordingMetrics) ForwardAttempt(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *recordingMetrics) NegotiationDropped(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropped = append(m.dropped, reason)
}

func (m *recordingMetrics) forwardOutcomes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

func newTestFactory(t *testing.T) *PeerFactory {
	t.Helper()
	factory, err := NewPeerFactory(FactoryConfig{
		NetworkTypes: []webrtc.NetworkType{webrtc.NetworkTypeUDP4},
	})
	require.NoError(t, err)
	return factory
}

// testNet is a virtual network; every factory it hands out owns one
// address on it, so peers connect without touching host interfaces.
type testNet struct {
	t      *testing.T
	router *vnet.Router

	mu   sync.Mutex
	next int
}

func newTestNet(t *testing.T) *testNet {
	t.Helper()
	router, err := vnet.NewRouter(&vnet.RouterConfig{
		CIDR:          "10.0.0.0/24",
		LoggerFactory: logging.NewDefaultLoggerFactory(),
	})
	require.NoError(t, err)
	require.NoError(t, router.Start())
	t.Cleanup(func() { router.Stop() })
	return &testNet{t: t, router: router}
}

func (n *testNet) factory() *PeerFactory {
	n.t.Helper()
	n.mu.Lock()
	n.next++
	ip := fmt.Sprintf("10.0.0.%d", n.next)
	n.mu.Unlock()

	nw, err := vnet.NewNet(&vnet.NetConfig{StaticIPs: []string{ip}})
	require.NoError(n.t, err)
	require.NoError(n.t, n.router.AddNet(nw))

	factory, err := NewPeerFactory(FactoryConfig{
		NetworkTypes: []webrtc.NetworkType{webrtc.NetworkTypeUDP4},
		Net:          nw,
	})
	require.NoError(n.t, err)
	return factory
}

// newTestBinding builds a binding with no inbound track, enough for table
// and forwarding tests that never pump RTP.
func newTestBinding(t *testing.T, slot domain.Slot, trackID string) *TrackBinding {
	t.Helper()
	local, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		trackID,
		StreamIDFor(slot),
	)
	require.NoError(t, err)
	return &TrackBinding{
		slot:     slot,
		local:    local,
		forwards: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// newOfferer returns a peer connection with one outgoing video track and
// its initial offer applied.
func newOfferer(t *testing.T, factory *PeerFactory) (*webrtc.PeerConnection, webrtc.SessionDescription) {
	t.Helper()
	pc, err := factory.NewPeerConnection()
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video",
		"offerer",
	)
	require.NoError(t, err)
	_, err = pc.AddTrack(track)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	require.NoError(t, pc.SetLocalDescription(offer))
	return pc, offer
}

func slotOf(room string, idx int) domain.Slot {
	return domain.Slot{RoomID: domain.RoomID(room), Index: domain.SlotIndex(idx)}
}

func addressOf(slot domain.Slot) signal.Address {
	return signal.Address{RoomID: slot.RoomID, SlotIndex: slot.Index, MediatorID: "m1"}
}
