package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/infrastructure/signal"
	"roomrelay/pkg/tracing"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Sender is the outbound half of a signaling channel.
type Sender interface {
	Send(msg signal.Message) error
}

// Channel is a signaling channel as the peers use it. *signal.Channel
// satisfies it.
type Channel interface {
	Sender
	Messages() <-chan signal.Message
	Done() <-chan struct{}
	Close() error
}

// Dialer opens a new signaling channel.
type Dialer func(ctx context.Context) (Channel, error)

// RelayPeer is the mediator end of one publisher slot. It only ever
// answers.
type RelayPeer struct {
	slot    domain.Slot
	pc      *webrtc.PeerConnection
	session *PeerSession

	mu       sync.Mutex
	bindings []*TrackBinding
	closed   bool
}

func (p *RelayPeer) addBinding(b *TrackBinding) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.bindings = append(p.bindings, b)
	return true
}

// close shuts the connection and hands back its bindings. ok is false if
// the peer was already closed.
func (p *RelayPeer) close() (bindings []*TrackBinding, ok bool) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, false
	}
	p.closed = true
	bindings = p.bindings
	p.bindings = nil
	p.mu.Unlock()

	p.session.Close()
	return bindings, true
}

// RelayManager owns every relay peer of a mediator, one per publisher slot.
type RelayManager struct {
	factory  *PeerFactory
	out      Sender
	bindings *BindingTable
	timeout  time.Duration

	mu    sync.Mutex
	peers map[domain.Slot]*RelayPeer

	metrics Metrics
	logger  *zap.SugaredLogger
}

func NewRelayManager(
	factory *PeerFactory,
	out Sender,
	bindings *BindingTable,
	negotiationTimeout time.Duration,
	metrics Metrics,
	logger *zap.SugaredLogger,
) *RelayManager {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &RelayManager{
		factory:  factory,
		out:      out,
		bindings: bindings,
		timeout:  negotiationTimeout,
		peers:    make(map[domain.Slot]*RelayPeer),
		metrics:  metrics,
		logger:   logger,
	}
}

// HandleAddPeer prepares a fresh relay peer for the slot and acknowledges
// the event exactly once. A peer already held for the slot is replaced,
// since the publisher restarts its connection after every start.
func (r *RelayManager) HandleAddPeer(ctx context.Context, m signal.AddPeer) error {
	slot := m.Slot()

	ctx, span := tracing.TraceRelay(ctx, "add_peer", string(slot.RoomID), int(slot.Index))
	defer span.End()

	peer, err := r.newRelayPeer(slot)
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("relay peer for %s: %w", slot, err)
	}

	r.mu.Lock()
	previous := r.peers[slot]
	r.peers[slot] = peer
	r.mu.Unlock()

	if previous != nil {
		r.destroy(previous, "replaced")
	}
	r.metrics.RelayPeerOpened()

	r.logger.Infow("relay peer ready", "room_id", slot.RoomID, "slot_index", slot.Index)
	return r.out.Send(signal.AddPeerAck{Address: m.Address})
}

func (r *RelayManager) newRelayPeer(slot domain.Slot) (*RelayPeer, error) {
	pc, err := r.factory.NewPeerConnection()
	if err != nil {
		return nil, err
	}

	peer := &RelayPeer{
		slot:    slot,
		pc:      pc,
		session: NewPeerSession(pc, r.timeout, r.logger.With("room_id", slot.RoomID, "slot_index", slot.Index)),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		idx := slot.Index
		err := r.out.Send(signal.RelayTrickle{
			RoomID:    slot.RoomID,
			SlotIndex: &idx,
			Candidate: c.ToJSON(),
		})
		if err != nil {
			r.logger.Debugw("failed to send relay candidate", "slot", slot.String(), "error", err)
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		r.bindTrack(peer, track)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		r.logger.Debugw("relay peer state", "slot", slot.String(), "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go r.drop(peer, "connection "+state.String())
		}
	})

	return peer, nil
}

// HandleOffer answers a publisher offer. A failed rollback drops the offer
// and keeps the connection for the next attempt.
func (r *RelayManager) HandleOffer(ctx context.Context, m signal.Offer) error {
	peer := r.peer(m.Slot())
	if peer == nil {
		return fmt.Errorf("offer for %s: %w", m.Slot(), domain.ErrSlotNotFound)
	}

	ctx, span := tracing.TraceRelay(ctx, "answer", string(m.RoomID), int(m.SlotIndex))
	defer span.End()

	answer, err := peer.session.AcceptOffer(m.Offer)
	if errors.Is(err, domain.ErrRollbackFailed) {
		r.metrics.NegotiationDropped("rollback_failed")
		r.logger.Warnw("dropping offer after failed rollback", "slot", m.Slot().String(), "error", err)
		return nil
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	return r.out.Send(signal.Answer{Address: m.Address, Answer: answer})
}

func (r *RelayManager) HandleCandidate(m signal.Candidate) error {
	peer := r.peer(m.Slot())
	if peer == nil {
		return fmt.Errorf("candidate for %s: %w", m.Slot(), domain.ErrSlotNotFound)
	}
	return peer.session.AddCandidate(m.Candidate)
}

func (r *RelayManager) HandleRemovePeer(m signal.RemovePeer) {
	if peer := r.peer(m.Slot()); peer != nil {
		r.drop(peer, "publisher left")
	}
}

func (r *RelayManager) bindTrack(peer *RelayPeer, track *webrtc.TrackRemote) {
	log := r.logger.With("slot", peer.slot.String(), "track_id", track.ID(), "codec", track.Codec().MimeType)

	b, err := NewTrackBinding(peer.slot, track, peer.pc, r.logger)
	if err != nil {
		log.Errorw("failed to bind track", "error", err)
		return
	}
	b.onRTP = r.metrics.RTPForwarded

	if !peer.addBinding(b) {
		b.Close()
		return
	}
	r.bindings.Add(b)
	r.metrics.BindingOpened()
	log.Infow("track bound")

	go func() {
		b.Run()
		r.bindings.Remove(b)
		r.metrics.BindingClosed()
		log.Infow("track unbound")
	}()
}

func (r *RelayManager) peer(slot domain.Slot) *RelayPeer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[slot]
}

// drop removes the peer if it is still the one registered for its slot.
func (r *RelayManager) drop(peer *RelayPeer, reason string) {
	r.mu.Lock()
	current := r.peers[peer.slot] == peer
	if current {
		delete(r.peers, peer.slot)
	}
	r.mu.Unlock()

	if current {
		r.destroy(peer, reason)
	}
}

func (r *RelayManager) destroy(peer *RelayPeer, reason string) {
	bindings, ok := peer.close()
	if !ok {
		return
	}
	for _, b := range bindings {
		r.bindings.Remove(b)
		b.Close()
	}
	r.metrics.RelayPeerClosed()
	r.logger.Infow("relay peer closed", "slot", peer.slot.String(), "reason", reason, "bindings", len(bindings))
}

// Peers returns the number of live relay peers.
func (r *RelayManager) Peers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Close drops every relay peer, used when the signaling session ends.
func (r *RelayManager) Close() {
	r.mu.Lock()
	peers := make([]*RelayPeer, 0, len(r.peers))
	for _, p := range r.peers {
		peers = append(peers, p)
	}
	r.peers = make(map[domain.Slot]*RelayPeer)
	r.mu.Unlock()

	for _, p := range peers {
		r.destroy(p, "session ended")
	}
}

// SignalDialer dials the router with cfg for every new channel.
func SignalDialer(cfg signal.DialConfig, logger *zap.SugaredLogger) Dialer {
	return func(ctx context.Context) (Channel, error) {
		ch, err := signal.Dial(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return ch, nil
	}
}
