package webrtc

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
	"roomrelay/internal/infrastructure/signal"
	"roomrelay/pkg/retry"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// relayHarness runs a router and a mediator in process, with every peer
// connection on a virtual network.
type relayHarness struct {
	t        *testing.T
	ctx      context.Context
	net      *testNet
	dial     Dialer
	mediator *Mediator
	logger   *zap.SugaredLogger
}

func newRelayHarness(t *testing.T) *relayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop().Sugar()

	registry := memory.NewMemoryRoomRegistry(ports.RegistryLimits{})
	router := signal.NewRouter(registry, signal.DefaultRouterConfig(), logger)
	engine := gin.New()
	router.RegisterRoutes(engine)
	srv := httptest.NewServer(engine)

	ctx, cancel := context.WithCancel(context.Background())
	dial := SignalDialer(signal.DialConfig{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Retry: retry.Config{Enabled: false},
	}, logger)

	net := newTestNet(t)
	mediator := NewMediator(MediatorConfig{
		ID:                 "m1",
		NegotiationTimeout: 10 * time.Second,
		Forward: ForwarderConfig{
			Delay:         10 * time.Millisecond,
			AnswerTimeout: 10 * time.Second,
		},
	}, net.factory(), dial, nil, logger)

	done := make(chan struct{})
	go func() {
		mediator.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		router.Close()
		srv.Close()
	})

	require.Eventually(t, mediator.Connected, 5*time.Second, 10*time.Millisecond)
	return &relayHarness{t: t, ctx: ctx, net: net, dial: dial, mediator: mediator, logger: logger}
}

func (h *relayHarness) channel() Channel {
	h.t.Helper()
	ch, err := h.dial(h.ctx)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { ch.Close() })
	return ch
}

func (h *relayHarness) publish(room domain.RoomID) *Publisher {
	h.t.Helper()
	source, err := NewSyntheticSource(string(room) + "-publisher")
	require.NoError(h.t, err)

	p := NewPublisher(
		PublisherConfig{RoomID: room, NegotiationTimeout: 10 * time.Second},
		h.net.factory(),
		h.channel(),
		source,
		h.logger,
	)
	go p.Run(h.ctx)
	return p
}

func bindingKinds(infos []ports.BindingInfo) []string {
	kinds := make([]string, 0, len(infos))
	for _, info := range infos {
		kinds = append(kinds, info.Kind)
	}
	return kinds
}

func TestEndToEnd_PublisherReachesRelay(t *testing.T) {
	h := newRelayHarness(t)
	p := h.publish("R1")

	require.Eventually(t, func() bool {
		return p.State() == PublisherPublishing &&
			p.SignalingState() == webrtc.SignalingStateStable &&
			len(h.mediator.Bindings()) == 2
	}, 20*time.Second, 50*time.Millisecond)

	require.NotNil(t, p.Slot())
	assert.Equal(t, slotOf("R1", 0), *p.Slot())
	assert.Equal(t, 1, p.Starts())
	assert.ElementsMatch(t, []string{"audio", "video"}, bindingKinds(h.mediator.Bindings()))

	for _, info := range h.mediator.Bindings() {
		assert.Equal(t, domain.RoomID("R1"), info.RoomID)
		assert.Equal(t, domain.SlotIndex(0), info.SlotIndex)
	}
}

func TestEndToEnd_ForwardCycleConnectsSubscriber(t *testing.T) {
	h := newRelayHarness(t)
	h.publish("R1")

	require.Eventually(t, func() bool {
		return len(h.mediator.Bindings()) == 2
	}, 20*time.Second, 50*time.Millisecond)

	var (
		mu     sync.Mutex
		tracks []string
	)
	sub := NewSubscriber(SubscriberConfig{RoomID: "R1", NegotiationTimeout: 10 * time.Second}, h.net.factory(), h.channel(), h.logger)
	sub.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		mu.Lock()
		tracks = append(tracks, track.Kind().String())
		mu.Unlock()
		go drainTrack(track)
	})
	go sub.Run(h.ctx)

	// the mediator learns about the subscriber asynchronously
	require.Eventually(t, func() bool {
		return h.mediator.ForwardRoom(h.ctx, "R1") == nil
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		state := sub.ICEConnectionState()
		return state == webrtc.ICEConnectionStateConnected || state == webrtc.ICEConnectionStateCompleted
	}, 20*time.Second, 50*time.Millisecond)

	require.NotNil(t, sub.Slot())
	assert.Equal(t, slotOf("R1", 0), *sub.Slot())
	assert.Equal(t, 1, sub.Offers())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(tracks) == 2
	}, 20*time.Second, 50*time.Millisecond)

	for _, info := range h.mediator.Bindings() {
		assert.Equal(t, 1, info.Forwards)
	}
}
