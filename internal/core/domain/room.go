package domain

import (
	"fmt"
	"sort"
	"time"
)

type RoomID string
type SlotIndex int
type MediatorID string
type ConnID string

// SlotKind distinguishes the two slot lists a room keeps.
type SlotKind string

const (
	SlotPublisher  SlotKind = "publisher"
	SlotSubscriber SlotKind = "subscriber"
)

// Slot addresses one publisher (or subscriber) inside a room.
type Slot struct {
	RoomID RoomID
	Index  SlotIndex
}

func (s Slot) String() string {
	return fmt.Sprintf("%s/%d", s.RoomID, s.Index)
}

// Assignment is a slot together with the connection that holds it and the
// mediator currently serving its room. Mediator is empty while the room has
// no live mediator.
type Assignment struct {
	Slot     Slot
	Kind     SlotKind
	Conn     ConnID
	Mediator MediatorID

	// ExcludeSlot is set for subscribers that also publish in the room; the
	// forwarder never sends a subscriber its own tracks.
	ExcludeSlot *SlotIndex
}

type Room struct {
	ID          RoomID
	Mediator    MediatorID
	Publishers  map[SlotIndex]ConnID
	Subscribers map[SlotIndex]ConnID
	Excludes    map[SlotIndex]SlotIndex
	NextPublish SlotIndex
	NextSub     SlotIndex
	CreatedAt   time.Time
}

func NewRoom(id RoomID) *Room {
	return &Room{
		ID:          id,
		Publishers:  make(map[SlotIndex]ConnID),
		Subscribers: make(map[SlotIndex]ConnID),
		Excludes:    make(map[SlotIndex]SlotIndex),
		CreatedAt:   time.Now(),
	}
}

// Empty reports whether the room holds no slots and may be collected.
func (r *Room) Empty() bool {
	return len(r.Publishers) == 0 && len(r.Subscribers) == 0
}

// Assignments lists every slot of the room, publishers first, each group in
// index order.
func (r *Room) Assignments() []Assignment {
	out := make([]Assignment, 0, len(r.Publishers)+len(r.Subscribers))
	for _, idx := range sortedIndexes(r.Publishers) {
		out = append(out, r.PublisherAssignment(idx))
	}
	for _, idx := range sortedIndexes(r.Subscribers) {
		out = append(out, r.SubscriberAssignment(idx))
	}
	return out
}

func (r *Room) PublisherAssignment(idx SlotIndex) Assignment {
	return Assignment{
		Slot:     Slot{RoomID: r.ID, Index: idx},
		Kind:     SlotPublisher,
		Conn:     r.Publishers[idx],
		Mediator: r.Mediator,
	}
}

func (r *Room) SubscriberAssignment(idx SlotIndex) Assignment {
	a := Assignment{
		Slot:     Slot{RoomID: r.ID, Index: idx},
		Kind:     SlotSubscriber,
		Conn:     r.Subscribers[idx],
		Mediator: r.Mediator,
	}
	if ex, ok := r.Excludes[idx]; ok {
		a.ExcludeSlot = &ex
	}
	return a
}

// Info snapshots the room for health and metrics endpoints.
func (r *Room) Info() RoomInfo {
	return RoomInfo{
		ID:          r.ID,
		Mediator:    r.Mediator,
		Publishers:  len(r.Publishers),
		Subscribers: len(r.Subscribers),
		CreatedAt:   r.CreatedAt,
	}
}

func sortedIndexes(m map[SlotIndex]ConnID) []SlotIndex {
	idx := make([]SlotIndex, 0, len(m))
	for i := range m {
		idx = append(idx, i)
	}
	sort.Slice(idx, func(a, b int) bool { return idx[a] < idx[b] })
	return idx
}

// RoomInfo is a read-only snapshot used by health and metrics endpoints.
type RoomInfo struct {
	ID          RoomID     `json:"room_id"`
	Mediator    MediatorID `json:"mediator_id,omitempty"`
	Publishers  int        `json:"publishers"`
	Subscribers int        `json:"subscribers"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Role is the role a signaling connection declared.
type Role string

const (
	RoleNone       Role = ""
	RolePublisher  Role = "publisher"
	RoleMediator   Role = "mediator"
	RoleSubscriber Role = "subscriber"
)
