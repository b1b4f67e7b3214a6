package webrtc

import (
	"context"
	"sync"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/internal/infrastructure/signal"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type MediatorConfig struct {
	// ID is sent in the receiver message; a random one is generated when
	// empty.
	ID                 domain.MediatorID
	NegotiationTimeout time.Duration
	// RedialDelay is the pause before reconnecting a lost signaling channel.
	RedialDelay time.Duration
	Forward     ForwarderConfig
}

// Mediator receives every publisher of the rooms the router assigns it and
// forwards their tracks to subscribers on request.
type Mediator struct {
	cfg      MediatorConfig
	dial     Dialer
	out      *currentChannel
	bindings *BindingTable

	relay     *RelayManager
	forwarder *Forwarder

	mu       sync.Mutex
	sessions int

	logger *zap.SugaredLogger
}

var _ ports.MediatorService = (*Mediator)(nil)

func NewMediator(cfg MediatorConfig, factory *PeerFactory, dial Dialer, metrics Metrics, logger *zap.SugaredLogger) *Mediator {
	if cfg.ID == "" {
		cfg.ID = domain.MediatorID(uuid.NewString())
	}
	if cfg.RedialDelay <= 0 {
		cfg.RedialDelay = 2 * time.Second
	}
	if cfg.Forward.NegotiationTimeout == 0 {
		cfg.Forward.NegotiationTimeout = cfg.NegotiationTimeout
	}
	cfg.Forward.MediatorID = cfg.ID
	logger = logger.With("mediator_id", cfg.ID)

	out := &currentChannel{}
	bindings := NewBindingTable()
	return &Mediator{
		cfg:       cfg,
		dial:      dial,
		out:       out,
		bindings:  bindings,
		relay:     NewRelayManager(factory, out, bindings, cfg.NegotiationTimeout, metrics, logger),
		forwarder: NewForwarder(cfg.Forward, factory, bindings, dial, metrics, logger),
		logger:    logger,
	}
}

func (m *Mediator) ID() domain.MediatorID { return m.cfg.ID }

// Run keeps a signaling session with the router open until ctx is done. A
// lost channel drops every relay and forward peer; the router replays the
// mediator's rooms after it registers again.
func (m *Mediator) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.forwarder.Run(ctx)
	}()
	defer wg.Wait()

	for {
		err := m.session(ctx)

		m.relay.Close()
		m.forwarder.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.logger.Warnw("signaling session ended, redialing", "error", err, "delay", m.cfg.RedialDelay)

		timer := time.NewTimer(m.cfg.RedialDelay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

func (m *Mediator) session(ctx context.Context) error {
	ch, err := m.dial(ctx)
	if err != nil {
		return err
	}
	defer ch.Close()

	m.out.set(ch)
	defer m.out.set(nil)

	if err := ch.Send(signal.Receiver{MediatorID: m.cfg.ID}); err != nil {
		return err
	}

	m.mu.Lock()
	m.sessions++
	m.mu.Unlock()
	m.logger.Infow("registered with router")

	for {
		select {
		case msg, ok := <-ch.Messages():
			if !ok {
				return domain.ErrChannelClosed
			}
			if err := m.dispatch(ctx, msg); err != nil {
				m.logger.Warnw("failed to handle signaling message", "type", msg.WireType(), "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// dispatch handles one router message. Messages for one slot are handled in
// arrival order because the session loop is the only caller.
func (m *Mediator) dispatch(ctx context.Context, msg signal.Message) error {
	switch v := msg.(type) {
	case signal.AddPeer:
		return m.relay.HandleAddPeer(ctx, v)
	case signal.Offer:
		return m.relay.HandleOffer(ctx, v)
	case signal.Candidate:
		return m.relay.HandleCandidate(v)
	case signal.RemovePeer:
		m.relay.HandleRemovePeer(v)
	case signal.AddSubscriber:
		m.forwarder.HandleAddSubscriber(v)
	case signal.RemoveSubscriber:
		m.forwarder.HandleRemoveSubscriber(v)
	default:
		m.logger.Debugw("ignoring message", "type", msg.WireType())
	}
	return nil
}

func (m *Mediator) ForwardRoom(ctx context.Context, roomID domain.RoomID) error {
	return m.forwarder.ForwardRoom(ctx, roomID)
}

func (m *Mediator) ForwardAll(ctx context.Context) ([]domain.RoomID, error) {
	return m.forwarder.ForwardAll(ctx)
}

func (m *Mediator) Bindings() []ports.BindingInfo {
	return m.bindings.Info()
}

// Connected reports whether a signaling channel is currently open.
func (m *Mediator) Connected() bool {
	return m.out.get() != nil
}

func (m *Mediator) Stats() ports.MediatorStats {
	m.mu.Lock()
	sessions := m.sessions
	m.mu.Unlock()

	return ports.MediatorStats{
		ID:             m.cfg.ID,
		Connected:      m.Connected(),
		Sessions:       sessions,
		RelayPeers:     m.relay.Peers(),
		Bindings:       m.bindings.Count(),
		ForwardPeers:   m.forwarder.Peers(),
		ForwardPending: m.forwarder.Pending(),
	}
}

// currentChannel sends on whichever channel the mediator session holds.
type currentChannel struct {
	mu sync.RWMutex
	ch Channel
}

func (c *currentChannel) set(ch Channel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()
}

func (c *currentChannel) get() Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ch
}

func (c *currentChannel) Send(msg signal.Message) error {
	ch := c.get()
	if ch == nil {
		return domain.ErrChannelClosed
	}
	return ch.Send(msg)
}
