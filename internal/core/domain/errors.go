package domain

import "errors"

var (
	ErrRoomUnavailable    = errors.New("room unavailable")
	ErrRoomNotFound       = errors.New("room not found")
	ErrSlotNotFound       = errors.New("slot not found")
	ErrMediatorNotFound   = errors.New("mediator not found")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidMessage     = errors.New("invalid message")
	ErrRollbackFailed     = errors.New("rollback failed")
	ErrNegotiationTimeout = errors.New("negotiation timed out")
	ErrSessionClosed      = errors.New("session closed")
	ErrNoBoundTracks      = errors.New("no bound tracks")
	ErrNoSubscribers      = errors.New("room has no subscribers")
	ErrChannelClosed      = errors.New("signaling channel closed")
)
