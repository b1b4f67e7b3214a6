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

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type ForwarderConfig struct {
	// MediatorID is stamped on every forward-hop message.
	MediatorID domain.MediatorID
	// Delay is the pause after every forward attempt.
	Delay time.Duration
	// AnswerTimeout bounds the wait for answer-secondary.
	AnswerTimeout time.Duration
	// NegotiationTimeout is handed to every forward PeerSession.
	NegotiationTimeout time.Duration
	// QueueSize caps waiting forward attempts; 0 means unbounded.
	QueueSize int
}

// ForwardPeer is one outbound connection carrying a room's tracks to one
// subscriber slot over its own signaling channel.
type ForwardPeer struct {
	id      string
	target  domain.Slot
	pc      *webrtc.PeerConnection
	session *PeerSession
	channel Channel

	mu       sync.Mutex
	attached []*TrackBinding
	closed   bool
}

func (p *ForwardPeer) ID() string { return p.id }

// Tracks is the number of bindings still attached.
func (p *ForwardPeer) Tracks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.attached)
}

func (p *ForwardPeer) close() bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	p.closed = true
	attached := p.attached
	p.attached = nil
	p.mu.Unlock()

	for _, b := range attached {
		b.Detach(p.id)
	}
	p.session.Close()
	p.channel.Close()
	return true
}

// Forwarder re-publishes bound tracks to subscriber slots. Attempts are run
// by a single scheduler worker, so a room is never forwarded concurrently
// with itself.
type Forwarder struct {
	cfg      ForwarderConfig
	factory  *PeerFactory
	bindings *BindingTable
	dial     Dialer

	scheduler *forwardScheduler

	mu      sync.Mutex
	targets map[domain.RoomID]map[domain.SlotIndex]*domain.SlotIndex
	peers   map[domain.Slot]*ForwardPeer

	metrics Metrics
	logger  *zap.SugaredLogger
}

func NewForwarder(
	cfg ForwarderConfig,
	factory *PeerFactory,
	bindings *BindingTable,
	dial Dialer,
	metrics Metrics,
	logger *zap.SugaredLogger,
) *Forwarder {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	f := &Forwarder{
		cfg:      cfg,
		factory:  factory,
		bindings: bindings,
		dial:     dial,
		targets:  make(map[domain.RoomID]map[domain.SlotIndex]*domain.SlotIndex),
		peers:    make(map[domain.Slot]*ForwardPeer),
		metrics:  metrics,
		logger:   logger,
	}
	f.scheduler = newForwardScheduler(cfg.Delay, cfg.QueueSize, f.attempt, logger)
	return f
}

// Run drives the forward queue until ctx is cancelled.
func (f *Forwarder) Run(ctx context.Context) {
	f.scheduler.Run(ctx)
}

// HandleAddSubscriber records a subscriber slot as a forward target.
func (f *Forwarder) HandleAddSubscriber(m signal.AddSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	slots, ok := f.targets[m.RoomID]
	if !ok {
		slots = make(map[domain.SlotIndex]*domain.SlotIndex)
		f.targets[m.RoomID] = slots
	}
	slots[m.SlotIndex] = m.ExcludeSlot
}

// HandleRemoveSubscriber forgets the target and closes its forward peer.
func (f *Forwarder) HandleRemoveSubscriber(m signal.RemoveSubscriber) {
	f.mu.Lock()
	if slots, ok := f.targets[m.RoomID]; ok {
		delete(slots, m.SlotIndex)
		if len(slots) == 0 {
			delete(f.targets, m.RoomID)
		}
	}
	f.mu.Unlock()

	f.closePeer(m.Slot(), "subscriber left")
}

// ForwardRoom queues one attempt per known subscriber slot of the room.
func (f *Forwarder) ForwardRoom(ctx context.Context, roomID domain.RoomID) error {
	if len(f.bindings.ForRoom(roomID, nil)) == 0 {
		return fmt.Errorf("forward %s: %w", roomID, domain.ErrNoBoundTracks)
	}

	targets := f.targetsOf(roomID)
	if len(targets) == 0 {
		return fmt.Errorf("forward %s: %w", roomID, domain.ErrNoSubscribers)
	}

	queued := 0
	for _, t := range targets {
		if f.scheduler.Enqueue(t) {
			queued++
		}
	}
	f.logger.Infow("room queued for forwarding", "room_id", roomID, "targets", len(targets), "queued", queued)
	return nil
}

// ForwardAll queues every room that has bound tracks and subscribers.
func (f *Forwarder) ForwardAll(ctx context.Context) ([]domain.RoomID, error) {
	var rooms []domain.RoomID
	for _, room := range f.bindings.Rooms() {
		err := f.ForwardRoom(ctx, room)
		if errors.Is(err, domain.ErrNoSubscribers) || errors.Is(err, domain.ErrNoBoundTracks) {
			continue
		}
		if err != nil {
			return rooms, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

// Pending returns the number of queued forward attempts.
func (f *Forwarder) Pending() int {
	return f.scheduler.Pending()
}

// Peers returns the number of live forward peers.
func (f *Forwarder) Peers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers)
}

func (f *Forwarder) targetsOf(roomID domain.RoomID) []forwardTarget {
	f.mu.Lock()
	defer f.mu.Unlock()

	slots := f.targets[roomID]
	out := make([]forwardTarget, 0, len(slots))
	for idx, exclude := range slots {
		out = append(out, forwardTarget{
			Slot:    domain.Slot{RoomID: roomID, Index: idx},
			Exclude: exclude,
		})
	}
	sortTargets(out)
	return out
}

// attempt runs one forward to one subscriber slot. A missing answer abandons
// the attempt; nothing is retried.
func (f *Forwarder) attempt(ctx context.Context, target forwardTarget) (err error) {
	start := time.Now()
	outcome := ForwardFailed

	ctx, span := tracing.TraceForward(ctx, string(target.Slot.RoomID), int(target.Slot.Index))
	defer func() {
		if err != nil {
			tracing.RecordError(ctx, err)
		}
		span.End()
		f.metrics.ForwardAttempt(outcome, time.Since(start))
	}()

	bound := f.bindings.ForRoom(target.Slot.RoomID, target.Exclude)
	if len(bound) == 0 {
		outcome = ForwardNoTracks
		return domain.ErrNoBoundTracks
	}

	f.closePeer(target.Slot, "superseded")

	ch, err := f.dial(ctx)
	if err != nil {
		return fmt.Errorf("open forward channel: %w", err)
	}

	peer, err := f.newForwardPeer(target, ch, bound)
	if err != nil {
		ch.Close()
		if errors.Is(err, domain.ErrNoBoundTracks) {
			outcome = ForwardNoTracks
		}
		return err
	}
	tracing.AddSpanAttributes(ctx, tracing.TrackCountKey.Int(peer.Tracks()))

	answerCtx := ctx
	if f.cfg.AnswerTimeout > 0 {
		var cancel context.CancelFunc
		answerCtx, cancel = context.WithTimeout(ctx, f.cfg.AnswerTimeout)
		defer cancel()
	}

	if err := f.negotiate(answerCtx, peer); err != nil {
		f.drop(peer, err.Error())
		if errors.Is(err, domain.ErrNegotiationTimeout) {
			outcome = ForwardTimeout
		}
		return err
	}

	outcome = ForwardAnswered
	go f.serve(peer)
	f.logger.Infow("forward answered",
		"room_id", target.Slot.RoomID,
		"slot_index", target.Slot.Index,
		"forward_id", peer.id,
		"tracks", peer.Tracks(),
	)
	return nil
}

func (f *Forwarder) newForwardPeer(target forwardTarget, ch Channel, bound []*TrackBinding) (*ForwardPeer, error) {
	pc, err := f.factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("create forward peer: %w", err)
	}

	log := f.logger.With("room_id", target.Slot.RoomID, "slot_index", target.Slot.Index)
	peer := &ForwardPeer{
		id:      uuid.NewString(),
		target:  target.Slot,
		pc:      pc,
		session: NewPeerSession(pc, f.cfg.NegotiationTimeout, log),
		channel: ch,
	}

	for _, b := range bound {
		sender, err := pc.AddTrack(b.Local())
		if err != nil {
			log.Warnw("failed to add bound track", "track_id", b.ID(), "error", err)
			continue
		}
		if b.Attach(peer.id, sender) {
			peer.attached = append(peer.attached, b)
		} else if err := pc.RemoveTrack(sender); err != nil {
			log.Debugw("failed to remove stale track", "track_id", b.ID(), "error", err)
		}
	}
	if len(peer.attached) == 0 {
		peer.session.Close()
		return nil, domain.ErrNoBoundTracks
	}

	address := f.address(target.Slot)
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		err := ch.Send(signal.ForwardCandidate{
			Address:   address,
			Candidate: c.ToJSON(),
			Kind:      signal.TypeCandidateMedi,
		})
		if err != nil {
			log.Debugw("failed to send forward candidate", "error", err)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debugw("forward peer state", "forward_id", peer.id, "state", state.String())
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			go f.drop(peer, "connection "+state.String())
		}
	})

	f.mu.Lock()
	f.peers[target.Slot] = peer
	f.mu.Unlock()

	return peer, nil
}

func (f *Forwarder) address(slot domain.Slot) signal.Address {
	return signal.Address{RoomID: slot.RoomID, SlotIndex: slot.Index, MediatorID: f.cfg.MediatorID}
}

// negotiate sends offerI and waits for the matching answer-secondary,
// applying forward candidates that arrive in between.
func (f *Forwarder) negotiate(ctx context.Context, peer *ForwardPeer) error {
	offer, err := peer.session.Offer(ctx)
	if err != nil {
		return fmt.Errorf("forward offer: %w", err)
	}

	address := f.address(peer.target)
	if err := peer.channel.Send(signal.ForwardOffer{Address: address, Offer: offer}); err != nil {
		return fmt.Errorf("send offerI: %w", err)
	}

	for {
		select {
		case msg, ok := <-peer.channel.Messages():
			if !ok {
				return domain.ErrChannelClosed
			}
			switch m := msg.(type) {
			case signal.ForwardAnswer:
				if m.Slot() != peer.target {
					continue
				}
				return peer.session.AcceptAnswer(m.Answer)
			case signal.ForwardCandidate:
				f.applyCandidate(peer, m)
			}
		case <-peer.session.Done():
			return domain.ErrSessionClosed
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return domain.ErrNegotiationTimeout
			}
			return ctx.Err()
		}
	}
}

// serve applies late candidates until the channel or the session ends.
func (f *Forwarder) serve(peer *ForwardPeer) {
	for {
		select {
		case msg, ok := <-peer.channel.Messages():
			if !ok {
				return
			}
			if m, isCandidate := msg.(signal.ForwardCandidate); isCandidate {
				f.applyCandidate(peer, m)
			}
		case <-peer.session.Done():
			return
		}
	}
}

func (f *Forwarder) applyCandidate(peer *ForwardPeer, m signal.ForwardCandidate) {
	if m.Slot() != peer.target {
		return
	}
	if err := peer.session.AddCandidate(m.Candidate); err != nil {
		f.logger.Debugw("failed to apply forward candidate", "forward_id", peer.id, "error", err)
	}
}

func (f *Forwarder) closePeer(slot domain.Slot, reason string) {
	f.mu.Lock()
	peer := f.peers[slot]
	f.mu.Unlock()

	if peer != nil {
		f.drop(peer, reason)
	}
}

func (f *Forwarder) drop(peer *ForwardPeer, reason string) {
	f.mu.Lock()
	if f.peers[peer.target] == peer {
		delete(f.peers, peer.target)
	}
	f.mu.Unlock()

	if peer.close() {
		f.logger.Infow("forward peer closed",
			"room_id", peer.target.RoomID,
			"slot_index", peer.target.Index,
			"forward_id", peer.id,
			"reason", reason,
		)
	}
}

// Close drops every forward peer and forgets all targets.
func (f *Forwarder) Close() {
	f.mu.Lock()
	peers := make([]*ForwardPeer, 0, len(f.peers))
	for _, p := range f.peers {
		peers = append(peers, p)
	}
	f.targets = make(map[domain.RoomID]map[domain.SlotIndex]*domain.SlotIndex)
	f.mu.Unlock()

	for _, p := range peers {
		f.drop(p, "session ended")
	}
}
