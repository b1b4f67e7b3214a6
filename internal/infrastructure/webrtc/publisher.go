package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type PublisherState string

const (
	PublisherIdle         PublisherState = "idle"
	PublisherAwaitingSlot PublisherState = "awaiting_slot"
	PublisherPublishing   PublisherState = "publishing"
	PublisherClosed       PublisherState = "closed"
)

type PublisherConfig struct {
	RoomID             domain.RoomID
	NegotiationTimeout time.Duration
}

// Publisher sends a MediaSource into a room. Every start from the router
// rebuilds the peer connection, so a replacement mediator gets a fresh
// session.
type Publisher struct {
	cfg     PublisherConfig
	factory *PeerFactory
	channel Channel
	source  MediaSource

	mu       sync.Mutex
	state    PublisherState
	slot     *domain.Slot
	mediator domain.MediatorID
	pc       *webrtc.PeerConnection
	session  *PeerSession
	starts   int
	onState  func(PublisherState)

	logger *zap.SugaredLogger
}

func NewPublisher(cfg PublisherConfig, factory *PeerFactory, channel Channel, source MediaSource, logger *zap.SugaredLogger) *Publisher {
	return &Publisher{
		cfg:     cfg,
		factory: factory,
		channel: channel,
		source:  source,
		state:   PublisherIdle,
		logger:  logger.With("room_id", cfg.RoomID),
	}
}

// OnStateChange registers a callback for state transitions.
func (p *Publisher) OnStateChange(fn func(PublisherState)) {
	p.mu.Lock()
	p.onState = fn
	p.mu.Unlock()
}

// Run registers as a publisher and negotiates with whichever mediator the
// router starts it with. It returns when ctx is done or the channel drops.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.Close()

	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("start media source: %w", err)
	}
	defer p.source.Stop()

	if err := p.channel.Send(signal.Publish{RoomID: p.cfg.RoomID}); err != nil {
		return fmt.Errorf("register publisher: %w", err)
	}
	p.setState(PublisherAwaitingSlot)

	for {
		select {
		case msg, ok := <-p.channel.Messages():
			if !ok {
				return domain.ErrChannelClosed
			}
			if err := p.handle(ctx, msg); err != nil {
				p.logger.Warnw("failed to handle signaling message", "type", msg.WireType(), "error", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *Publisher) handle(ctx context.Context, msg signal.Message) error {
	switch m := msg.(type) {
	case signal.Start:
		return p.handleStart(ctx, m)
	case signal.Answer:
		session, err := p.sessionFor(m.Slot())
		if err != nil {
			return err
		}
		return session.AcceptAnswer(m.Answer)
	case signal.Candidate:
		session, err := p.sessionFor(m.Slot())
		if err != nil {
			return err
		}
		return session.AddCandidate(m.Candidate)
	case signal.RelayTrickle:
		p.mu.Lock()
		session := p.session
		p.mu.Unlock()
		if session == nil {
			return domain.ErrSlotNotFound
		}
		return session.AddCandidate(m.Candidate)
	default:
		p.logger.Debugw("ignoring message", "type", msg.WireType())
		return nil
	}
}

func (p *Publisher) handleStart(ctx context.Context, m signal.Start) error {
	pc, err := p.factory.NewPeerConnection()
	if err != nil {
		return err
	}

	log := p.logger.With("slot_index", m.SlotIndex, "mediator_id", m.MediatorID)
	for _, track := range p.source.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			pc.Close()
			return fmt.Errorf("add track %s: %w", track.ID(), err)
		}
		go drainSender(sender)
	}

	session := NewPeerSession(pc, p.cfg.NegotiationTimeout, log)
	address := m.Address

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		err := p.channel.Send(signal.Candidate{
			Address:   address,
			Candidate: c.ToJSON(),
			Kind:      signal.TypeICECandidate,
		})
		if err != nil {
			log.Debugw("failed to send candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Infow("publisher connection state", "state", state.String())
	})

	slot := m.Slot()
	p.mu.Lock()
	previous := p.session
	p.pc = pc
	p.session = session
	p.slot = &slot
	p.mediator = m.MediatorID
	p.starts++
	p.mu.Unlock()

	if previous != nil {
		previous.Close()
	}
	p.setState(PublisherPublishing)

	if err := p.offer(ctx, session, address); err != nil {
		return err
	}

	pc.OnNegotiationNeeded(func() {
		go func() {
			if err := p.offer(ctx, session, address); err != nil {
				log.Warnw("renegotiation failed", "error", err)
			}
		}()
	})
	return nil
}

// offer waits for any in-flight exchange on the session before sending a
// new offer.
func (p *Publisher) offer(ctx context.Context, session *PeerSession, address signal.Address) error {
	offer, err := session.Offer(ctx)
	if err != nil {
		return err
	}
	return p.channel.Send(signal.Offer{Address: address, Offer: offer})
}

func (p *Publisher) sessionFor(slot domain.Slot) (*PeerSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.session == nil || p.slot == nil || *p.slot != slot {
		return nil, fmt.Errorf("publisher %s: %w", slot, domain.ErrSlotNotFound)
	}
	return p.session, nil
}

func (p *Publisher) setState(state PublisherState) {
	p.mu.Lock()
	if p.state == state || p.state == PublisherClosed {
		p.mu.Unlock()
		return
	}
	p.state = state
	fn := p.onState
	p.mu.Unlock()

	p.logger.Infow("publisher state changed", "state", string(state))
	if fn != nil {
		fn(state)
	}
}

func (p *Publisher) State() PublisherState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Slot is the assigned slot, nil until the first start.
func (p *Publisher) Slot() *domain.Slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot
}

// Starts counts the start messages handled.
func (p *Publisher) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

// SignalingState of the current connection; closed when there is none.
func (p *Publisher) SignalingState() webrtc.SignalingState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.SignalingStateClosed
	}
	return p.pc.SignalingState()
}

func (p *Publisher) ConnectionState() webrtc.PeerConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return p.pc.ConnectionState()
}

// Close moves to Closed and drops the connection with its queued
// candidates.
func (p *Publisher) Close() error {
	p.setState(PublisherClosed)

	p.mu.Lock()
	session := p.session
	p.session = nil
	p.pc = nil
	p.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

func drainSender(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}
