package main

import (
	"context"
	"fmt"

	"roomrelay/internal/infrastructure/signal"
	relaywebrtc "roomrelay/internal/infrastructure/webrtc"
	"roomrelay/pkg/retry"
)

// connect builds a peer factory and opens one signaling channel.
func (s *settings) connect(ctx context.Context) (*relaywebrtc.PeerFactory, relaywebrtc.Channel, error) {
	factory, err := relaywebrtc.NewPeerFactory(relaywebrtc.FactoryConfigFrom(s.cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("create peer factory: %w", err)
	}

	dialRetry := retry.DefaultConfig()
	dialRetry.MaxAttempts = s.cfg.Mediator.DialAttempts

	dial := relaywebrtc.SignalDialer(signal.DialConfig{
		URL:          s.cfg.Mediator.SignalURL,
		WriteTimeout: s.cfg.Signal.WriteTimeout,
		Retry:        dialRetry,
	}, s.log)

	ch, err := dial(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", s.cfg.Mediator.SignalURL, err)
	}
	return factory, ch, nil
}
