package redis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"
	"roomrelay/pkg/distributed"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix      = "roomrelay:"
	roomsKey       = keyPrefix + "rooms"
	mediatorsKey   = keyPrefix + "mediators"
	mediatorSeqKey = keyPrefix + "mediator_seq"
	mediatorOrder  = keyPrefix + "mediator_order"
	registryLock   = keyPrefix + "lock:registry"

	fieldMediator  = "mediator"
	fieldNextPub   = "next_pub"
	fieldNextSub   = "next_sub"
	fieldCreatedAt = "created_at"
)

func roomKey(id domain.RoomID) string        { return keyPrefix + "room:" + string(id) }
func publishersKey(id domain.RoomID) string  { return roomKey(id) + ":pub" }
func subscribersKey(id domain.RoomID) string { return roomKey(id) + ":sub" }
func excludesKey(id domain.RoomID) string    { return roomKey(id) + ":exclude" }
func connKey(conn domain.ConnID) string      { return keyPrefix + "conn:" + string(conn) }

type slotRef struct {
	kind domain.SlotKind
	slot domain.Slot
}

// connRef is stored in a connection's set as "kind|index|room".
func connRef(kind domain.SlotKind, slot domain.Slot) string {
	return fmt.Sprintf("%s|%d|%s", kind, slot.Index, slot.RoomID)
}

func parseConnRef(ref string) (domain.SlotKind, domain.Slot, bool) {
	parts := strings.SplitN(ref, "|", 3)
	if len(parts) != 3 {
		return "", domain.Slot{}, false
	}
	idx, err := strconv.Atoi(parts[1])
	if err != nil {
		return "", domain.Slot{}, false
	}
	return domain.SlotKind(parts[0]), domain.Slot{RoomID: domain.RoomID(parts[2]), Index: domain.SlotIndex(idx)}, true
}

// RedisRoomRegistry keeps the room table in Redis so several signaling
// servers share it. Every mutation runs under a Redis lock shared by all
// instances. Slot indexes still come from HINCRBY and mediator assignment
// from HSETNX, so they stay unique even if a lease expires mid-mutation.
type RedisRoomRegistry struct {
	client *redis.Client
	limits ports.RegistryLimits
	lock   *distributed.Lock
	mu     sync.Mutex
}

func NewRedisRoomRegistry(client *redis.Client, limits ports.RegistryLimits) *RedisRoomRegistry {
	return &RedisRoomRegistry{
		client: client,
		limits: limits,
		lock:   distributed.NewLock(client, registryLock, 5*time.Second),
	}
}

// acquire serializes a mutation, locally first so one instance does not
// poll Redis against itself.
func (r *RedisRoomRegistry) acquire(ctx context.Context) (func(), error) {
	r.mu.Lock()
	lease, err := r.lock.Acquire(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("acquire registry lock: %w", err)
	}
	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = lease.Release(releaseCtx)
		cancel()
		r.mu.Unlock()
	}, nil
}

func (r *RedisRoomRegistry) AddPublisher(ctx context.Context, roomID domain.RoomID, conn domain.ConnID) (domain.Assignment, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer release()

	room, err := r.roomForSlot(ctx, roomID)
	if err != nil {
		return domain.Assignment{}, err
	}

	next, err := r.client.HIncrBy(ctx, roomKey(roomID), fieldNextPub, 1).Result()
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("allocate publisher slot: %w", err)
	}
	idx := domain.SlotIndex(next - 1)
	slot := domain.Slot{RoomID: roomID, Index: idx}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, publishersKey(roomID), strconv.Itoa(int(idx)), string(conn))
		pipe.SAdd(ctx, connKey(conn), connRef(domain.SlotPublisher, slot))
		return nil
	})
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("store publisher slot: %w", err)
	}

	room.Publishers[idx] = conn
	return room.PublisherAssignment(idx), nil
}

func (r *RedisRoomRegistry) AddSubscriber(ctx context.Context, roomID domain.RoomID, conn domain.ConnID, excludeSlot *domain.SlotIndex) (domain.Assignment, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return domain.Assignment{}, err
	}
	defer release()

	room, err := r.roomForSlot(ctx, roomID)
	if err != nil {
		return domain.Assignment{}, err
	}

	next, err := r.client.HIncrBy(ctx, roomKey(roomID), fieldNextSub, 1).Result()
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("allocate subscriber slot: %w", err)
	}
	idx := domain.SlotIndex(next - 1)
	slot := domain.Slot{RoomID: roomID, Index: idx}
	field := strconv.Itoa(int(idx))

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, subscribersKey(roomID), field, string(conn))
		if excludeSlot != nil {
			pipe.HSet(ctx, excludesKey(roomID), field, strconv.Itoa(int(*excludeSlot)))
		}
		pipe.SAdd(ctx, connKey(conn), connRef(domain.SlotSubscriber, slot))
		return nil
	})
	if err != nil {
		return domain.Assignment{}, fmt.Errorf("store subscriber slot: %w", err)
	}

	room.Subscribers[idx] = conn
	if excludeSlot != nil {
		room.Excludes[idx] = *excludeSlot
	}
	return room.SubscriberAssignment(idx), nil
}

// roomForSlot loads the room, creating it on first use, after checking
// capacity. Callers hold the registry lock.
func (r *RedisRoomRegistry) roomForSlot(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	room, err := r.loadRoom(ctx, roomID)
	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		if r.limits.MaxRooms > 0 {
			count, err := r.client.SCard(ctx, roomsKey).Result()
			if err != nil {
				return nil, err
			}
			if int(count) >= r.limits.MaxRooms {
				return nil, fmt.Errorf("%w: room limit %d reached", domain.ErrRoomUnavailable, r.limits.MaxRooms)
			}
		}

		now := time.Now()
		_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SAdd(ctx, roomsKey, string(roomID))
			pipe.HSetNX(ctx, roomKey(roomID), fieldCreatedAt, now.UnixNano())
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("create room: %w", err)
		}
		room = domain.NewRoom(roomID)
		room.CreatedAt = now
	case err != nil:
		return nil, err
	default:
		if r.limits.MaxSlotsPerRoom > 0 && len(room.Publishers)+len(room.Subscribers) >= r.limits.MaxSlotsPerRoom {
			return nil, fmt.Errorf("%w: room %s is full", domain.ErrRoomUnavailable, roomID)
		}
	}

	if room.Mediator == "" {
		mediator, err := r.assignMediator(ctx, roomID)
		if err != nil {
			return nil, err
		}
		room.Mediator = mediator
	}
	return room, nil
}

// assignMediator claims the least loaded mediator for a room that has none.
// HSETNX lets a concurrent instance win; the stored value is returned.
func (r *RedisRoomRegistry) assignMediator(ctx context.Context, roomID domain.RoomID) (domain.MediatorID, error) {
	load, err := r.mediatorLoad(ctx)
	if err != nil {
		return "", err
	}
	pick := load.pick()
	if pick == "" {
		return "", nil
	}

	if _, err := r.client.HSetNX(ctx, roomKey(roomID), fieldMediator, string(pick)).Result(); err != nil {
		return "", fmt.Errorf("assign mediator: %w", err)
	}
	current, err := r.client.HGet(ctx, roomKey(roomID), fieldMediator).Result()
	if err != nil {
		return "", fmt.Errorf("read mediator: %w", err)
	}
	return domain.MediatorID(current), nil
}

func (r *RedisRoomRegistry) RemoveConn(ctx context.Context, conn domain.ConnID) ([]domain.Assignment, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	refs, err := r.client.SMembers(ctx, connKey(conn)).Result()
	if err != nil {
		return nil, err
	}
	if err := r.client.Del(ctx, connKey(conn)).Err(); err != nil {
		return nil, err
	}

	parsed := make([]slotRef, 0, len(refs))
	for _, ref := range refs {
		if kind, slot, ok := parseConnRef(ref); ok {
			parsed = append(parsed, slotRef{kind: kind, slot: slot})
		}
	}
	sort.Slice(parsed, func(i, j int) bool {
		if parsed[i].slot.RoomID != parsed[j].slot.RoomID {
			return parsed[i].slot.RoomID < parsed[j].slot.RoomID
		}
		if parsed[i].kind != parsed[j].kind {
			return parsed[i].kind == domain.SlotPublisher
		}
		return parsed[i].slot.Index < parsed[j].slot.Index
	})

	removed := make([]domain.Assignment, 0, len(parsed))
	for _, ref := range parsed {
		room, err := r.loadRoom(ctx, ref.slot.RoomID)
		if errors.Is(err, domain.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return removed, err
		}

		field := strconv.Itoa(int(ref.slot.Index))
		switch ref.kind {
		case domain.SlotPublisher:
			if room.Publishers[ref.slot.Index] != conn {
				continue
			}
			removed = append(removed, room.PublisherAssignment(ref.slot.Index))
			if err := r.client.HDel(ctx, publishersKey(room.ID), field).Err(); err != nil {
				return removed, err
			}
			delete(room.Publishers, ref.slot.Index)
		case domain.SlotSubscriber:
			if room.Subscribers[ref.slot.Index] != conn {
				continue
			}
			removed = append(removed, room.SubscriberAssignment(ref.slot.Index))
			_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HDel(ctx, subscribersKey(room.ID), field)
				pipe.HDel(ctx, excludesKey(room.ID), field)
				return nil
			})
			if err != nil {
				return removed, err
			}
			delete(room.Subscribers, ref.slot.Index)
		}

		if room.Empty() {
			if err := r.deleteRoom(ctx, room.ID); err != nil {
				return removed, err
			}
		}
	}

	return removed, nil
}

func (r *RedisRoomRegistry) deleteRoom(ctx context.Context, roomID domain.RoomID) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, roomKey(roomID), publishersKey(roomID), subscribersKey(roomID), excludesKey(roomID))
		pipe.SRem(ctx, roomsKey, string(roomID))
		return nil
	})
	return err
}

// AddMediator registers (or re-registers) a mediator and hands it every room
// that has none, plus the rooms it already served.
func (r *RedisRoomRegistry) AddMediator(ctx context.Context, id domain.MediatorID, conn domain.ConnID) ([]domain.Assignment, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := r.client.HSet(ctx, mediatorsKey, string(id), string(conn)).Err(); err != nil {
		return nil, fmt.Errorf("register mediator: %w", err)
	}

	_, err = r.client.ZScore(ctx, mediatorOrder, string(id)).Result()
	if errors.Is(err, redis.Nil) {
		seq, err := r.client.Incr(ctx, mediatorSeqKey).Result()
		if err != nil {
			return nil, err
		}
		if err := r.client.ZAddNX(ctx, mediatorOrder, redis.Z{Score: float64(seq), Member: string(id)}).Err(); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	rooms, err := r.loadRooms(ctx)
	if err != nil {
		return nil, err
	}

	var replay []domain.Assignment
	for _, room := range rooms {
		if room.Mediator != "" && room.Mediator != id {
			continue
		}
		if room.Mediator == "" {
			ok, err := r.client.HSetNX(ctx, roomKey(room.ID), fieldMediator, string(id)).Result()
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		room.Mediator = id
		replay = append(replay, room.Assignments()...)
	}
	return replay, nil
}

// RemoveMediator drops a mediator and moves its rooms to the least loaded
// remaining one. Rooms with no replacement come back with an empty Mediator.
func (r *RedisRoomRegistry) RemoveMediator(ctx context.Context, id domain.MediatorID) ([]domain.Assignment, error) {
	release, err := r.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	n, err := r.client.HDel(ctx, mediatorsKey, string(id)).Result()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrMediatorNotFound
	}
	if err := r.client.ZRem(ctx, mediatorOrder, string(id)).Err(); err != nil {
		return nil, err
	}

	load, err := r.mediatorLoad(ctx)
	if err != nil {
		return nil, err
	}
	rooms, err := r.loadRooms(ctx)
	if err != nil {
		return nil, err
	}

	var moved []domain.Assignment
	for _, room := range rooms {
		if room.Mediator != id {
			continue
		}

		room.Mediator = load.pick()
		if room.Mediator == "" {
			err = r.client.HDel(ctx, roomKey(room.ID), fieldMediator).Err()
		} else {
			load.rooms[room.Mediator]++
			err = r.client.HSet(ctx, roomKey(room.ID), fieldMediator, string(room.Mediator)).Err()
		}
		if err != nil {
			return moved, err
		}
		moved = append(moved, room.Assignments()...)
	}
	return moved, nil
}

func (r *RedisRoomRegistry) MediatorConn(ctx context.Context, id domain.MediatorID) (domain.ConnID, error) {
	conn, err := r.client.HGet(ctx, mediatorsKey, string(id)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrMediatorNotFound
	}
	if err != nil {
		return "", err
	}
	return domain.ConnID(conn), nil
}

func (r *RedisRoomRegistry) Publisher(ctx context.Context, slot domain.Slot) (domain.Assignment, error) {
	room, err := r.loadRoom(ctx, slot.RoomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	if _, ok := room.Publishers[slot.Index]; !ok {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	return room.PublisherAssignment(slot.Index), nil
}

func (r *RedisRoomRegistry) Subscriber(ctx context.Context, slot domain.Slot) (domain.Assignment, error) {
	room, err := r.loadRoom(ctx, slot.RoomID)
	if errors.Is(err, domain.ErrRoomNotFound) {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	if err != nil {
		return domain.Assignment{}, err
	}
	if _, ok := room.Subscribers[slot.Index]; !ok {
		return domain.Assignment{}, domain.ErrSlotNotFound
	}
	return room.SubscriberAssignment(slot.Index), nil
}

func (r *RedisRoomRegistry) Room(ctx context.Context, roomID domain.RoomID) ([]domain.Assignment, error) {
	room, err := r.loadRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return room.Assignments(), nil
}

func (r *RedisRoomRegistry) Rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	rooms, err := r.loadRooms(ctx)
	if err != nil {
		return nil, err
	}
	infos := make([]domain.RoomInfo, 0, len(rooms))
	for _, room := range rooms {
		infos = append(infos, room.Info())
	}
	return infos, nil
}

// loadRoom reads one room in a single pipeline round trip.
func (r *RedisRoomRegistry) loadRoom(ctx context.Context, roomID domain.RoomID) (*domain.Room, error) {
	var meta, pubs, subs, excludes *redis.MapStringStringCmd
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		meta = pipe.HGetAll(ctx, roomKey(roomID))
		pubs = pipe.HGetAll(ctx, publishersKey(roomID))
		subs = pipe.HGetAll(ctx, subscribersKey(roomID))
		excludes = pipe.HGetAll(ctx, excludesKey(roomID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", roomID, err)
	}
	if len(meta.Val()) == 0 {
		return nil, domain.ErrRoomNotFound
	}

	room := domain.NewRoom(roomID)
	room.Mediator = domain.MediatorID(meta.Val()[fieldMediator])
	if nanos, err := strconv.ParseInt(meta.Val()[fieldCreatedAt], 10, 64); err == nil {
		room.CreatedAt = time.Unix(0, nanos)
	}
	if n, err := strconv.Atoi(meta.Val()[fieldNextPub]); err == nil {
		room.NextPublish = domain.SlotIndex(n)
	}
	if n, err := strconv.Atoi(meta.Val()[fieldNextSub]); err == nil {
		room.NextSub = domain.SlotIndex(n)
	}

	for field, conn := range pubs.Val() {
		if idx, err := strconv.Atoi(field); err == nil {
			room.Publishers[domain.SlotIndex(idx)] = domain.ConnID(conn)
		}
	}
	for field, conn := range subs.Val() {
		if idx, err := strconv.Atoi(field); err == nil {
			room.Subscribers[domain.SlotIndex(idx)] = domain.ConnID(conn)
		}
	}
	for field, value := range excludes.Val() {
		idx, err1 := strconv.Atoi(field)
		ex, err2 := strconv.Atoi(value)
		if err1 == nil && err2 == nil {
			room.Excludes[domain.SlotIndex(idx)] = domain.SlotIndex(ex)
		}
	}
	return room, nil
}

// loadRooms returns every room sorted by id.
func (r *RedisRoomRegistry) loadRooms(ctx context.Context) ([]*domain.Room, error) {
	ids, err := r.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)

	rooms := make([]*domain.Room, 0, len(ids))
	for _, id := range ids {
		room, err := r.loadRoom(ctx, domain.RoomID(id))
		if errors.Is(err, domain.ErrRoomNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}

type mediatorLoad struct {
	order []domain.MediatorID
	rooms map[domain.MediatorID]int
}

// mediatorLoad counts rooms per live mediator, registration order kept.
func (r *RedisRoomRegistry) mediatorLoad(ctx context.Context) (*mediatorLoad, error) {
	ids, err := r.client.ZRange(ctx, mediatorOrder, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	load := &mediatorLoad{rooms: make(map[domain.MediatorID]int, len(ids))}
	for _, id := range ids {
		load.order = append(load.order, domain.MediatorID(id))
		load.rooms[domain.MediatorID(id)] = 0
	}

	roomIDs, err := r.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		return nil, err
	}
	for _, roomID := range roomIDs {
		m, err := r.client.HGet(ctx, roomKey(domain.RoomID(roomID)), fieldMediator).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, live := load.rooms[domain.MediatorID(m)]; live {
			load.rooms[domain.MediatorID(m)]++
		}
	}
	return load, nil
}

// pick returns the mediator serving the fewest rooms, oldest registration
// first on ties.
func (l *mediatorLoad) pick() domain.MediatorID {
	var best domain.MediatorID
	for _, id := range l.order {
		if best == "" || l.rooms[id] < l.rooms[best] {
			best = id
		}
	}
	return best
}

var _ ports.RoomRegistry = (*RedisRoomRegistry)(nil)
