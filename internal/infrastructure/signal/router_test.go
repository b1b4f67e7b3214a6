package signal

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/repositories/memory"
	"roomrelay/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *recordingMetrics) SignalConnectionOpened() {}
func (m *recordingMetrics) SignalConnectionClosed() {}
func (m *recordingMetrics) SignalQueueDrop()        {}

func (m *recordingMetrics) SignalMessage(msgType, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[outcome]++
}

func (m *recordingMetrics) count(outcome string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomes[outcome]
}

type routerFixture struct {
	t        *testing.T
	url      string
	registry *memory.MemoryRoomRegistry
	router   *Router
	metrics  *recordingMetrics
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := memory.NewMemoryRoomRegistry(ports.RegistryLimits{})
	metrics := &recordingMetrics{outcomes: make(map[string]int)}
	router := NewRouter(reg, DefaultRouterConfig(), zap.NewNop().Sugar(), WithMetrics(metrics))

	engine := gin.New()
	router.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)
	t.Cleanup(func() {
		router.Close()
		srv.Close()
	})

	return &routerFixture{
		t:        t,
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		registry: reg,
		router:   router,
		metrics:  metrics,
	}
}

func (f *routerFixture) dial() *Channel {
	f.t.Helper()
	ch, err := Dial(context.Background(), DialConfig{URL: f.url, Retry: retry.Config{Enabled: false}}, zap.NewNop().Sugar())
	require.NoError(f.t, err)
	f.t.Cleanup(func() { ch.Close() })
	return ch
}

func (f *routerFixture) waitSlots(room domain.RoomID, n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		slots, err := f.registry.Room(context.Background(), room)
		return err == nil && len(slots) == n
	}, 2*time.Second, 10*time.Millisecond)
}

func (f *routerFixture) waitMediator(id domain.MediatorID) {
	f.t.Helper()
	require.Eventually(f.t, func() bool {
		_, err := f.registry.MediatorConn(context.Background(), id)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func expect[T Message](t *testing.T, ch *Channel) T {
	t.Helper()
	select {
	case msg, ok := <-ch.Messages():
		require.True(t, ok, "channel closed")
		typed, ok := msg.(T)
		require.True(t, ok, "unexpected message %T (%s)", msg, msg.WireType())
		return typed
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatalf("timed out waiting for %T", zero)
		return zero
	}
}

func expectNothing(t *testing.T, ch *Channel) {
	t.Helper()
	select {
	case msg := <-ch.Messages():
		t.Fatalf("unexpected message %s", msg.WireType())
	case <-time.After(150 * time.Millisecond):
	}
}

func testOffer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0\r\n"}
}

func testAnswer() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0\r\n"}
}

func TestRouter_PublishHandshake(t *testing.T) {
	f := newRouterFixture(t)

	pub := f.dial()
	require.NoError(t, pub.Send(Publish{RoomID: "R1"}))
	f.waitSlots("R1", 1)

	med := f.dial()
	require.NoError(t, med.Send(Receiver{MediatorID: "m1"}))

	addPeer := expect[AddPeer](t, med)
	assert.Equal(t, Address{RoomID: "R1", SlotIndex: 0, MediatorID: "m1"}, addPeer.Address)

	require.NoError(t, med.Send(AddPeerAck{Address: addPeer.Address}))
	start := expect[Start](t, pub)
	assert.Equal(t, addPeer.Address, start.Address)

	require.NoError(t, pub.Send(Offer{Address: Address{RoomID: "R1", SlotIndex: 0}, Offer: testOffer()}))
	offer := expect[Offer](t, med)
	assert.Equal(t, domain.MediatorID("m1"), offer.MediatorID)
	assert.Equal(t, testOffer(), offer.Offer)

	require.NoError(t, med.Send(Answer{Address: start.Address, Answer: testAnswer(), Kind: TypeAnswerI}))
	answer := expect[Answer](t, pub)
	assert.Equal(t, TypeAnswerI, answer.WireType())

	cand := webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host"}
	require.NoError(t, pub.Send(Candidate{Address: start.Address, Candidate: cand, Kind: TypeTickle}))
	fromPub := expect[Candidate](t, med)
	assert.Equal(t, TypeTickle, fromPub.WireType())
	assert.Equal(t, cand, fromPub.Candidate)

	require.NoError(t, med.Send(RelayTrickle{RoomID: "R1", Candidate: cand}))
	trickle := expect[RelayTrickle](t, pub)
	assert.Equal(t, cand, trickle.Candidate)
}

func TestRouter_MediatorFirstGetsAddPeerImmediately(t *testing.T) {
	f := newRouterFixture(t)

	med := f.dial()
	require.NoError(t, med.Send(Receiver{MediatorID: "m1"}))
	f.waitMediator("m1")

	pubs := []*Channel{f.dial(), f.dial(), f.dial()}
	for _, p := range pubs {
		require.NoError(t, p.Send(Publish{RoomID: "R1"}))
	}

	seen := make(map[domain.SlotIndex]bool)
	for range pubs {
		ap := expect[AddPeer](t, med)
		assert.False(t, seen[ap.SlotIndex], "slot %d announced twice", ap.SlotIndex)
		seen[ap.SlotIndex] = true
	}
	assert.Len(t, seen, 3)
	expectNothing(t, med)
}

func TestRouter_DropsInvalidAndUnauthorized(t *testing.T) {
	f := newRouterFixture(t)

	med := f.dial()
	require.NoError(t, med.Send(Receiver{MediatorID: "m1"}))
	f.waitMediator("m1")

	pub := f.dial()
	require.NoError(t, pub.Send(Publish{RoomID: "R1"}))
	expect[AddPeer](t, med)

	// raw garbage and unknown types go through the same connection
	require.NoError(t, pub.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	require.NoError(t, pub.ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"metrics_update","data":{}}`)))

	// publishers may not answer or announce peers
	require.NoError(t, pub.Send(Answer{Address: Address{RoomID: "R1"}, Answer: testAnswer()}))
	require.NoError(t, pub.Send(AddPeer{Address: Address{RoomID: "R1"}}))

	// offers for a slot the publisher does not hold
	require.NoError(t, pub.Send(Offer{Address: Address{RoomID: "R1", SlotIndex: 7}, Offer: testOffer()}))

	expectNothing(t, med)

	require.Eventually(t, func() bool {
		return f.metrics.count(OutcomeMalformed) == 1 &&
			f.metrics.count(OutcomeUnknownType) == 1 &&
			f.metrics.count(OutcomeUnauthorized) == 2 &&
			f.metrics.count(OutcomeUnknownSlot) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// the connection is still usable afterwards
	require.NoError(t, pub.Send(Offer{Address: Address{RoomID: "R1", SlotIndex: 0}, Offer: testOffer()}))
	expect[Offer](t, med)
}

func TestRouter_PublisherDisconnectFreesSlot(t *testing.T) {
	f := newRouterFixture(t)

	med := f.dial()
	require.NoError(t, med.Send(Receiver{MediatorID: "m1"}))
	f.waitMediator("m1")

	pub := f.dial()
	require.NoError(t, pub.Send(Publish{RoomID: "R1"}))
	ap := expect[AddPeer](t, med)

	require.NoError(t, pub.Close())

	rp := expect[RemovePeer](t, med)
	assert.Equal(t, ap.Address, rp.Address)

	require.Eventually(t, func() bool {
		_, err := f.registry.Room(context.Background(), "R1")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRouter_MediatorLossReplaysToReplacement(t *testing.T) {
	f := newRouterFixture(t)

	m1 := f.dial()
	require.NoError(t, m1.Send(Receiver{MediatorID: "m1"}))
	f.waitMediator("m1")

	pub := f.dial()
	require.NoError(t, pub.Send(Publish{RoomID: "R1"}))
	ap := expect[AddPeer](t, m1)
	require.NoError(t, m1.Send(AddPeerAck{Address: ap.Address}))
	expect[Start](t, pub)

	m2 := f.dial()
	require.NoError(t, m2.Send(Receiver{MediatorID: "m2"}))
	f.waitMediator("m2")
	expectNothing(t, m2)

	require.NoError(t, m1.Close())

	replayed := expect[AddPeer](t, m2)
	assert.Equal(t, Address{RoomID: "R1", SlotIndex: 0, MediatorID: "m2"}, replayed.Address)

	require.NoError(t, m2.Send(AddPeerAck{Address: replayed.Address}))
	restart := expect[Start](t, pub)
	assert.Equal(t, domain.MediatorID("m2"), restart.MediatorID)
}

func TestRouter_ForwardHop(t *testing.T) {
	f := newRouterFixture(t)

	med := f.dial()
	require.NoError(t, med.Send(Receiver{MediatorID: "m1"}))
	f.waitMediator("m1")

	sub := f.dial()
	exclude := domain.SlotIndex(0)
	require.NoError(t, sub.Send(Subscribe{RoomID: "R1", ExcludeSlot: &exclude}))

	as := expect[AddSubscriber](t, med)
	assert.Equal(t, domain.SlotIndex(0), as.SlotIndex)
	require.NotNil(t, as.ExcludeSlot)
	assert.Equal(t, exclude, *as.ExcludeSlot)

	// the forward hop runs on its own fresh channel
	fwd := f.dial()
	addr := Address{RoomID: "R1", SlotIndex: 0, MediatorID: "m1"}
	require.NoError(t, fwd.Send(ForwardOffer{Address: addr, Offer: testOffer()}))

	offer := expect[ForwardOffer](t, sub)
	assert.Equal(t, domain.MediatorID("m1"), offer.MediatorID)

	require.NoError(t, sub.Send(ForwardAnswer{Address: addr, Answer: testAnswer()}))
	expect[ForwardAnswer](t, fwd)

	cand := webrtc.ICECandidateInit{Candidate: "c"}
	require.NoError(t, fwd.Send(ForwardCandidate{Address: addr, Candidate: cand, Kind: TypeCandidateMedi}))
	fromFwd := expect[ForwardCandidate](t, sub)
	assert.Equal(t, TypeCandidateMedi, fromFwd.WireType())

	require.NoError(t, sub.Send(ForwardCandidate{Address: addr, Candidate: cand, Kind: TypeCandidateForward}))
	fromSub := expect[ForwardCandidate](t, fwd)
	assert.Equal(t, TypeCandidateForward, fromSub.WireType())

	// a third party cannot inject candidates into the hop
	other := f.dial()
	require.NoError(t, other.Send(ForwardCandidate{Address: addr, Candidate: cand, Kind: TypeCandidateMedi}))
	expectNothing(t, sub)

	require.NoError(t, sub.Close())
	rs := expect[RemoveSubscriber](t, med)
	assert.Equal(t, domain.SlotIndex(0), rs.SlotIndex)
}

func TestRouter_ForwardOfferRequiresServingMediator(t *testing.T) {
	f := newRouterFixture(t)

	med := f.dial()
	require.NoError(t, med.Send(Receiver{MediatorID: "m1"}))
	f.waitMediator("m1")

	sub := f.dial()
	require.NoError(t, sub.Send(Subscribe{RoomID: "R1"}))
	expect[AddSubscriber](t, med)

	fwd := f.dial()
	addr := Address{RoomID: "R1", SlotIndex: 0, MediatorID: "m1"}
	require.NoError(t, fwd.Send(ForwardOffer{Address: addr, Offer: testOffer()}))
	expect[ForwardOffer](t, sub)

	pub := f.dial()
	require.NoError(t, pub.Send(Publish{RoomID: "R1"}))
	expect[AddPeer](t, med)

	// room members cannot take over the hop
	require.NoError(t, pub.Send(ForwardOffer{Address: addr, Offer: testOffer()}))
	require.NoError(t, sub.Send(ForwardOffer{Address: addr, Offer: testOffer()}))
	expectNothing(t, sub)

	// neither can a fresh channel naming another mediator or none
	stranger := f.dial()
	require.NoError(t, stranger.Send(ForwardOffer{Address: Address{RoomID: "R1", SlotIndex: 0, MediatorID: "m2"}, Offer: testOffer()}))
	require.NoError(t, stranger.Send(ForwardOffer{Address: Address{RoomID: "R1", SlotIndex: 0}, Offer: testOffer()}))
	expectNothing(t, sub)

	// the answer still reaches the real forward channel
	require.NoError(t, sub.Send(ForwardAnswer{Address: addr, Answer: testAnswer()}))
	expect[ForwardAnswer](t, fwd)
	expectNothing(t, pub)
	expectNothing(t, stranger)
}

type fakeRemote struct {
	mu     sync.Mutex
	frames []RemoteFrame
}

func (r *fakeRemote) Deliver(ctx context.Context, f RemoteFrame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func TestRouter_NonLocalTargetGoesRemote(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := memory.NewMemoryRoomRegistry(ports.RegistryLimits{})
	remote := &fakeRemote{}
	router := NewRouter(reg, DefaultRouterConfig(), zap.NewNop().Sugar(), WithRemote(remote))

	ctx := context.Background()
	_, err := reg.AddMediator(ctx, "m1", "conn-elsewhere")
	require.NoError(t, err)

	c := &conn{id: "local", done: make(chan struct{}), send: make(chan []byte, 1)}
	require.NoError(t, router.registerPublisher(ctx, c, Publish{RoomID: "R1"}))
	assert.Equal(t, domain.RolePublisher, c.role)

	remote.mu.Lock()
	defer remote.mu.Unlock()
	require.Len(t, remote.frames, 1)
	assert.Equal(t, domain.ConnID("conn-elsewhere"), remote.frames[0].Target)

	msg, err := Decode(remote.frames[0].Frame)
	require.NoError(t, err)
	assert.IsType(t, AddPeer{}, msg)
}

func TestRouter_DeliverRemoteRecordsForwardOrigin(t *testing.T) {
	reg := memory.NewMemoryRoomRegistry(ports.RegistryLimits{})
	router := NewRouter(reg, DefaultRouterConfig(), zap.NewNop().Sugar())

	c := &conn{id: "sub", done: make(chan struct{}), send: make(chan []byte, 1)}
	router.conns[c.id] = c

	slot := domain.Slot{RoomID: "R1", Index: 0}
	ok := router.DeliverRemote(RemoteFrame{Target: "sub", Origin: "fwd-elsewhere", ForwardSlot: &slot, Frame: []byte(`{}`)})
	assert.True(t, ok)
	assert.Len(t, c.send, 1)

	origin, found := router.origin(slot)
	assert.True(t, found)
	assert.Equal(t, domain.ConnID("fwd-elsewhere"), origin)

	assert.False(t, router.DeliverRemote(RemoteFrame{Target: "nobody"}))
}

func TestRouter_RateLimitDropsExcess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	reg := memory.NewMemoryRoomRegistry(ports.RegistryLimits{})
	metrics := &recordingMetrics{outcomes: make(map[string]int)}
	cfg := DefaultRouterConfig()
	cfg.MessagesPerSecond = 0.001
	cfg.Burst = 1
	router := NewRouter(reg, cfg, zap.NewNop().Sugar(), WithMetrics(metrics))

	c := newConn("c", nil, cfg)
	ctx := context.Background()
	router.handleFrame(ctx, c, []byte(`{"type":"publisher","data":{"roomId":"R1"}}`))
	router.handleFrame(ctx, c, []byte(`{"type":"publisher","data":{"roomId":"R2"}}`))

	assert.Equal(t, 1, metrics.count(OutcomeRouted))
	assert.Equal(t, 1, metrics.count(OutcomeRateLimited))
}
