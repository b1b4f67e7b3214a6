package webrtc

import "time"

// Forward attempt outcomes.
const (
	ForwardAnswered = "answered"
	ForwardTimeout  = "timeout"
	ForwardFailed   = "failed"
	ForwardNoTracks = "no_tracks"
)

// Metrics receives mediator events. The monitoring collector implements it.
type Metrics interface {
	RelayPeerOpened()
	RelayPeerClosed()
	BindingOpened()
	BindingClosed()
	RTPForwarded(bytes int)
	ForwardAttempt(outcome string, duration time.Duration)
	NegotiationDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) RelayPeerOpened()                     {}
func (noopMetrics) RelayPeerClosed()                     {}
func (noopMetrics) BindingOpened()                       {}
func (noopMetrics) BindingClosed()                       {}
func (noopMetrics) RTPForwarded(int)                     {}
func (noopMetrics) ForwardAttempt(string, time.Duration) {}
func (noopMetrics) NegotiationDropped(string)            {}
