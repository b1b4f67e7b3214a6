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

type SubscriberConfig struct {
	RoomID             domain.RoomID
	ExcludeSlot        *domain.SlotIndex
	NegotiationTimeout time.Duration
}

// Subscriber receives forwarded media for one room. Every offer replaces
// the current connection with a fresh one.
type Subscriber struct {
	cfg     SubscriberConfig
	factory *PeerFactory
	channel Channel

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	session  *PeerSession
	slot     *domain.Slot
	iceState webrtc.ICEConnectionState
	offers   int

	onTrack    func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onICEState func(webrtc.ICEConnectionState)

	logger *zap.SugaredLogger
}

func NewSubscriber(cfg SubscriberConfig, factory *PeerFactory, channel Channel, logger *zap.SugaredLogger) *Subscriber {
	return &Subscriber{
		cfg:     cfg,
		factory: factory,
		channel: channel,
		logger:  logger.With("room_id", cfg.RoomID),
	}
}

// OnTrack is called for every forwarded track. Without a handler tracks are
// read and discarded.
func (s *Subscriber) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.mu.Lock()
	s.onTrack = fn
	s.mu.Unlock()
}

func (s *Subscriber) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	s.mu.Lock()
	s.onICEState = fn
	s.mu.Unlock()
}

// Run subscribes to the room and answers forward offers until ctx is done or
// the channel drops.
func (s *Subscriber) Run(ctx context.Context) error {
	defer s.Close()

	err := s.channel.Send(signal.Subscribe{RoomID: s.cfg.RoomID, ExcludeSlot: s.cfg.ExcludeSlot})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		select {
		case msg, ok := <-s.channel.Messages():
			if !ok {
				return domain.ErrChannelClosed
			}
			switch m := msg.(type) {
			case signal.ForwardOffer:
				if err := s.handleOffer(m); err != nil {
					s.logger.Warnw("failed to answer forward offer", "slot_index", m.SlotIndex, "error", err)
				}
			case signal.ForwardCandidate:
				s.handleCandidate(m)
			default:
				s.logger.Debugw("ignoring message", "type", msg.WireType())
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Subscriber) handleOffer(m signal.ForwardOffer) error {
	pc, err := s.factory.NewPeerConnection()
	if err != nil {
		return err
	}
	session := NewPeerSession(pc, s.cfg.NegotiationTimeout, s.logger.With("slot_index", m.SlotIndex))

	address := m.Address
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		err := s.channel.Send(signal.ForwardCandidate{
			Address:   address,
			Candidate: c.ToJSON(),
			Kind:      signal.TypeCandidateForward,
		})
		if err != nil {
			s.logger.Debugw("failed to send candidate", "error", err)
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.logger.Infow("forwarded track received",
			"track_id", track.ID(),
			"stream_id", track.StreamID(),
			"codec", track.Codec().MimeType,
		)
		s.mu.Lock()
		fn := s.onTrack
		s.mu.Unlock()
		if fn != nil {
			fn(track, receiver)
			return
		}
		go drainTrack(track)
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		s.mu.Lock()
		current := s.pc == pc
		if current {
			s.iceState = state
		}
		fn := s.onICEState
		s.mu.Unlock()
		if current && fn != nil {
			fn(state)
		}
	})

	s.mu.Lock()
	previous := s.session
	s.pc = pc
	s.session = session
	slot := m.Slot()
	s.slot = &slot
	s.iceState = webrtc.ICEConnectionStateNew
	s.offers++
	s.mu.Unlock()

	if previous != nil {
		previous.Close()
	}

	answer, err := session.AcceptOffer(m.Offer)
	if err != nil {
		return err
	}
	return s.channel.Send(signal.ForwardAnswer{Address: m.Address, Answer: answer})
}

func (s *Subscriber) handleCandidate(m signal.ForwardCandidate) {
	s.mu.Lock()
	session := s.session
	s.mu.Unlock()

	if session == nil {
		s.logger.Debugw("dropping candidate before first offer")
		return
	}
	if err := session.AddCandidate(m.Candidate); err != nil {
		s.logger.Debugw("failed to apply candidate", "error", err)
	}
}

// Slot is the subscriber slot of the latest forward offer, nil before one
// arrived.
func (s *Subscriber) Slot() *domain.Slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

func (s *Subscriber) ICEConnectionState() webrtc.ICEConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.iceState
}

// Offers counts the forward offers received so far.
func (s *Subscriber) Offers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offers
}

func (s *Subscriber) Close() error {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.pc = nil
	s.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	return nil
}

func drainTrack(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
