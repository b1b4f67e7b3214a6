package ports

import (
	"context"

	"roomrelay/internal/core/domain"
)

// RegistryLimits caps what a registry will allocate. Zero means unlimited.
type RegistryLimits struct {
	MaxRooms        int
	MaxSlotsPerRoom int
}

// RoomRegistry owns room and slot existence. Implementations serialize every
// mutation so two publishers can never be handed the same slot index.
type RoomRegistry interface {
	AddPublisher(ctx context.Context, roomID domain.RoomID, conn domain.ConnID) (domain.Assignment, error)
	AddSubscriber(ctx context.Context, roomID domain.RoomID, conn domain.ConnID, excludeSlot *domain.SlotIndex) (domain.Assignment, error)
	RemoveConn(ctx context.Context, conn domain.ConnID) ([]domain.Assignment, error)

	AddMediator(ctx context.Context, id domain.MediatorID, conn domain.ConnID) ([]domain.Assignment, error)
	RemoveMediator(ctx context.Context, id domain.MediatorID) ([]domain.Assignment, error)
	MediatorConn(ctx context.Context, id domain.MediatorID) (domain.ConnID, error)

	Publisher(ctx context.Context, slot domain.Slot) (domain.Assignment, error)
	Subscriber(ctx context.Context, slot domain.Slot) (domain.Assignment, error)
	Room(ctx context.Context, roomID domain.RoomID) ([]domain.Assignment, error)
	Rooms(ctx context.Context) ([]domain.RoomInfo, error)
}
