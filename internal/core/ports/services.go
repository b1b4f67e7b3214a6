package ports

import (
	"context"

	"roomrelay/internal/core/domain"
)

// MediatorService is what the admin API needs from a running mediator.
type MediatorService interface {
	ForwardRoom(ctx context.Context, roomID domain.RoomID) error
	ForwardAll(ctx context.Context) ([]domain.RoomID, error)
	Bindings() []BindingInfo
	Stats() MediatorStats
}

// MediatorStats is a point-in-time view for health and admin endpoints.
type MediatorStats struct {
	ID             domain.MediatorID `json:"mediator_id"`
	Connected      bool              `json:"connected"`
	Sessions       int               `json:"sessions"`
	RelayPeers     int               `json:"relay_peers"`
	Bindings       int               `json:"bindings"`
	ForwardPeers   int               `json:"forward_peers"`
	ForwardPending int               `json:"forward_pending"`
}

type BindingInfo struct {
	RoomID    domain.RoomID    `json:"room_id"`
	SlotIndex domain.SlotIndex `json:"slot_index"`
	TrackID   string           `json:"track_id"`
	Kind      string           `json:"kind"`
	Codec     string           `json:"codec"`
	Forwards  int              `json:"forwards"`
	Packets   uint64           `json:"packets"`
	Bytes     uint64           `json:"bytes"`
}
