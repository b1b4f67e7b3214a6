package webrtc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"roomrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// peerConnection is the part of *webrtc.PeerConnection a PeerSession drives.
type peerConnection interface {
	SignalingState() webrtc.SignalingState
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// PeerSession wraps one peer connection with the negotiation rules every
// role shares:
//
//   - at most one offer/answer exchange is outstanding (Offer blocks until
//     the previous exchange finished)
//   - remote candidates are queued until a remote description is set and
//     then applied in arrival order
//   - an offer received outside the stable state triggers exactly one
//     rollback
//   - an exchange that does not finish within the negotiation timeout
//     closes the session
type PeerSession struct {
	pc      peerConnection
	timeout time.Duration

	// negotiating holds a token while a local offer waits for its answer.
	negotiating chan struct{}
	timer       *time.Timer

	// opMu serializes every call that reads or changes signaling state.
	opMu sync.Mutex

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	closed    bool
	closedCh  chan struct{}
	rollbacks int
	onClosed  func(error)

	logger *zap.SugaredLogger
}

func NewPeerSession(pc peerConnection, timeout time.Duration, logger *zap.SugaredLogger) *PeerSession {
	return &PeerSession{
		pc:          pc,
		timeout:     timeout,
		negotiating: make(chan struct{}, 1),
		closedCh:    make(chan struct{}),
		logger:      logger,
	}
}

// OnClosed registers a callback fired once when the session closes. The
// error is nil for an explicit Close.
func (s *PeerSession) OnClosed(fn func(error)) {
	s.mu.Lock()
	s.onClosed = fn
	s.mu.Unlock()
}

// Offer creates and applies a local offer. The caller must later pass the
// matching answer to AcceptAnswer; until then further Offer calls wait.
func (s *PeerSession) Offer(ctx context.Context) (webrtc.SessionDescription, error) {
	select {
	case s.negotiating <- struct{}{}:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	case <-s.closedCh:
		return webrtc.SessionDescription{}, domain.ErrSessionClosed
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isClosed() {
		s.release()
		return webrtc.SessionDescription{}, domain.ErrSessionClosed
	}

	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		s.release()
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		s.release()
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}

	s.armTimeout()
	return offer, nil
}

// AcceptAnswer completes the exchange started by Offer.
func (s *PeerSession) AcceptAnswer(answer webrtc.SessionDescription) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isClosed() {
		return domain.ErrSessionClosed
	}
	if state := s.pc.SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		return fmt.Errorf("unexpected answer in signaling state %s", state)
	}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}

	s.flushCandidates()
	s.release()
	return nil
}

// AcceptOffer applies a remote offer and returns the local answer. A local
// offer still pending is rolled back first and its exchange abandoned.
func (s *PeerSession) AcceptOffer(offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.isClosed() {
		return webrtc.SessionDescription{}, domain.ErrSessionClosed
	}
	if err := s.rollbackIfNeeded(); err != nil {
		return webrtc.SessionDescription{}, err
	}

	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote offer: %w", err)
	}
	s.flushCandidates()

	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

// rollbackIfNeeded performs at most one rollback. Callers hold opMu.
func (s *PeerSession) rollbackIfNeeded() error {
	state := s.pc.SignalingState()

	var err error
	switch state {
	case webrtc.SignalingStateStable:
		return nil
	case webrtc.SignalingStateHaveLocalOffer:
		err = s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
		if err == nil {
			s.release()
		}
	case webrtc.SignalingStateHaveRemoteOffer:
		err = s.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	default:
		err = fmt.Errorf("cannot roll back from signaling state %s", state)
	}

	s.mu.Lock()
	s.rollbacks++
	s.mu.Unlock()

	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRollbackFailed, err)
	}
	s.logger.Debugw("rolled back pending description", "from_state", state.String())
	return nil
}

// AddCandidate applies a remote candidate, or queues it while no remote
// description is set.
func (s *PeerSession) AddCandidate(c webrtc.ICECandidateInit) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrSessionClosed
	}
	if s.pc.RemoteDescription() == nil {
		s.pending = append(s.pending, c)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.pc.AddICECandidate(c)
}

// flushCandidates applies queued candidates in order. Callers hold opMu.
func (s *PeerSession) flushCandidates() {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.logger.Warnw("failed to apply queued candidate", "error", err)
		}
	}
}

// PendingCandidates reports how many remote candidates are queued.
func (s *PeerSession) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Rollbacks reports how many rollbacks the session performed.
func (s *PeerSession) Rollbacks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rollbacks
}

// Negotiating reports whether a local offer awaits its answer.
func (s *PeerSession) Negotiating() bool {
	return len(s.negotiating) == 1
}

func (s *PeerSession) Done() <-chan struct{} {
	return s.closedCh
}

// Close tears the connection down and discards queued candidates. Safe to
// call more than once.
func (s *PeerSession) Close() error {
	return s.closeWith(nil)
}

func (s *PeerSession) closeWith(reason error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.pending = nil
	if s.timer != nil {
		s.timer.Stop()
	}
	onClosed := s.onClosed
	close(s.closedCh)
	s.mu.Unlock()

	err := s.pc.Close()
	if onClosed != nil {
		onClosed(reason)
	}
	return err
}

func (s *PeerSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *PeerSession) armTimeout() {
	if s.timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.timeout, func() {
		s.logger.Warnw("negotiation timed out, closing session", "timeout", s.timeout)
		s.closeWith(domain.ErrNegotiationTimeout)
	})
}

// release returns the negotiation token and disarms the timeout.
func (s *PeerSession) release() {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	select {
	case <-s.negotiating:
	default:
	}
}
