package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
)

type slotRef struct {
	kind domain.SlotKind
	slot domain.Slot
}

type mediatorEntry struct {
	conn  domain.ConnID
	order int
}

// MemoryRoomRegistry is a single-process registry. One mutex serializes all
// mutations.
type MemoryRoomRegistry struct {
	mu        sync.Mutex
	rooms     map[domain.RoomID]*domain.Room
	mediators map[domain.MediatorID]mediatorEntry
	connSlots map[domain.ConnID][]slotRef
	limits    ports.RegistryLimits
	seq       int
}

func NewMemoryRoomRegistry(limits ports.RegistryLimits) *MemoryRoomRegistry {
	return &MemoryRoomRegistry{
		rooms:     make(map[domain.RoomID]*domain.Room),
		mediators: make(map[domain.MediatorID]mediatorEntry),
		connSlots: make(map[domain.ConnID][]slotRef),
		limits:    limits,
	}
}

func (r *MemoryRoomRegistry) AddPublisher(ctx context.Context, roomID domain.RoomID, conn domain.ConnID) (domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.roomForSlot(roomID)
	if err != nil {
		return domain.Assignment{}, err
	}

	idx := room.NextPublish
	room.NextPublish++
	room.Publishers[idx] = conn

	slot := domain.Slot{RoomID: roomID, Index: idx}
	r.connSlots[conn] = append(r.connSlots[conn], slotRef{kind: domain.SlotPublisher, slot: slot})

	return room.PublisherAssignment(idx), nil
}

func (r *MemoryRoomRegistry) AddSubscriber(ctx context.Context, roomID domain.RoomID, conn domain.ConnID, excludeSlot *domain.SlotIndex) (domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, err := r.roomForSlot(roomID)
	if err != nil {
		return domain.Assignment{}, err
	}

	idx := room.NextSub
	room.NextSub++
	room.Subscribers[idx] = conn
	if excludeSlot != nil {
		room.Excludes[idx] = *excludeSlot
	}

	slot := domain.Slot{RoomID: roomID, Index: idx}
	r.connSlots[conn] = append(r.connSlots[conn], slotRef{kind: domain.SlotSubscriber, slot: slot})

	return room.SubscriberAssignment(idx), nil
}

// roomForSlot returns the room, creating it on first use, after checking
// capacity. Callers hold r.mu.
func (r *MemoryRoomRegistry) roomForSlot(roomID domain.RoomID) (*domain.Room, error) {
	room, ok := r.rooms[roomID]
	if !ok {
		if r.limits.MaxRooms > 0 && len(r.rooms) >= r.limits.MaxRooms {
			return nil, fmt.Errorf("%w: room limit %d reached", domain.ErrRoomUnavailable, r.limits.MaxRooms)
		}
		room = domain.NewRoom(roomID)
		room.Mediator = r.pickMediator()
		r.rooms[roomID] = room
		return room, nil
	}

	if r.limits.MaxSlotsPerRoom > 0 && len(room.Publishers)+len(room.Subscribers) >= r.limits.MaxSlotsPerRoom {
		return nil, fmt.Errorf("%w: room %s is full", domain.ErrRoomUnavailable, roomID)
	}
	if room.Mediator == "" {
		room.Mediator = r.pickMediator()
	}
	return room, nil
}

func (r *MemoryRoomRegistry) RemoveConn(ctx context.Context, conn domain.ConnID) ([]domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refs := r.connSlots[conn]
	delete(r.connSlots, conn)

	removed := make([]domain.Assignment, 0, len(refs))
	for _, ref := range refs {
		room, ok := r.rooms[ref.slot.RoomID]
		if !ok {
			continue
		}

		switch ref.kind {
		case domain.SlotPublisher:
			if room.Publishers[ref.slot.Index] != conn {
				continue
			}
			removed = append(removed, room.PublisherAssignment(ref.slot.Index))
			delete(room.Publishers, ref.slot.Index)
		case domain.SlotSubscriber:
			if room.Subscribers[ref.slot.Index] != conn {
				continue
			}
			a := room.SubscriberAssignment(ref.slot.Index)
			delete(room.Subscribers, ref.slot.Index)
			delete(room.Excludes, ref.slot.Index)
			removed = append(removed, a)
		}

		if room.Empty() {
			delete(r.rooms, room.ID)
		}
	}

	return removed, nil
}

// AddMediator registers (or re-registers) a mediator and hands it every room
// that has none, plus the rooms it already served. The returned slots must be
// replayed to it.
func (r *MemoryRoomRegistry) AddMediator(ctx context.Context, id domain.MediatorID, conn domain.ConnID) ([]domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.mediators[id]; ok {
		r.mediators[id] = mediatorEntry{conn: conn, order: prev.order}
	} else {
		r.seq++
		r.mediators[id] = mediatorEntry{conn: conn, order: r.seq}
	}

	var replay []domain.Assignment
	for _, room := range r.sortedRooms() {
		if room.Mediator != "" && room.Mediator != id {
			continue
		}
		room.Mediator = id
		replay = append(replay, room.Assignments()...)
	}
	return replay, nil
}

// RemoveMediator drops a mediator and moves its rooms to the least loaded
// remaining one. Rooms with no replacement come back with an empty Mediator.
func (r *MemoryRoomRegistry) RemoveMediator(ctx context.Context, id domain.MediatorID) ([]domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.mediators[id]; !ok {
		return nil, domain.ErrMediatorNotFound
	}
	delete(r.mediators, id)

	var moved []domain.Assignment
	for _, room := range r.sortedRooms() {
		if room.Mediator != id {
			continue
		}
		room.Mediator = ""
		room.Mediator = r.pickMediator()
		moved = append(moved, room.Assignments()...)
	}
	return moved, nil
}

func (r *MemoryRoomRegistry) MediatorConn(ctx context.Context, id domain.MediatorID) (domain.ConnID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mediators[id]
	if !ok {
		return "", domain.ErrMediatorNotFound
	}
	return m.conn, nil
}

func (r *MemoryRoomRegistry) Publisher(ctx context.Context, slot domain.Slot) (domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[slot.RoomID]
	if !ok {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	if _, ok := room.Publishers[slot.Index]; !ok {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	return room.PublisherAssignment(slot.Index), nil
}

func (r *MemoryRoomRegistry) Subscriber(ctx context.Context, slot domain.Slot) (domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[slot.RoomID]
	if !ok {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	if _, ok := room.Subscribers[slot.Index]; !ok {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	return room.SubscriberAssignment(slot.Index), nil
}

func (r *MemoryRoomRegistry) Room(ctx context.Context, roomID domain.RoomID) ([]domain.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	return room.Assignments(), nil
}

func (r *MemoryRoomRegistry) Rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	infos := make([]domain.RoomInfo, 0, len(r.rooms))
	for _, room := range r.sortedRooms() {
		infos = append(infos, room.Info())
	}
	return infos, nil
}

// pickMediator returns the live mediator serving the fewest rooms, oldest
// registration first on ties. Callers hold r.mu.
func (r *MemoryRoomRegistry) pickMediator() domain.MediatorID {
	load := make(map[domain.MediatorID]int, len(r.mediators))
	for _, room := range r.rooms {
		if room.Mediator != "" {
			load[room.Mediator]++
		}
	}

	var (
		best      domain.MediatorID
		bestEntry mediatorEntry
	)
	for id, m := range r.mediators {
		if best == "" ||
			load[id] < load[best] ||
			(load[id] == load[best] && m.order < bestEntry.order) {
			best, bestEntry = id, m
		}
	}
	return best
}

func (r *MemoryRoomRegistry) sortedRooms() []*domain.Room {
	rooms := make([]*domain.Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}
