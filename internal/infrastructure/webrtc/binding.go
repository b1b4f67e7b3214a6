package webrtc

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"roomrelay/internal/core/domain"
	"roomrelay/internal/core/ports"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const keyFrameRequestInterval = 500 * time.Millisecond

type rtcpWriter interface {
	WriteRTCP(pkts []rtcp.Packet) error
}

// TrackBinding re-publishes one track received on a relay peer. Forward
// peers add Local() to their connection and attach their sender so key
// frame requests reach the publisher.
type TrackBinding struct {
	slot     domain.Slot
	remote   *webrtc.TrackRemote
	local    *webrtc.TrackLocalStaticRTP
	upstream rtcpWriter

	mu       sync.Mutex
	forwards map[string]struct{}
	closed   bool
	lastPLI  time.Time
	done     chan struct{}

	packets atomic.Uint64
	bytes   atomic.Uint64
	onRTP   func(bytes int)

	logger *zap.SugaredLogger
}

// StreamIDFor is the media stream id forwarded tracks of one publisher slot
// share, so subscribers can group audio and video per publisher.
func StreamIDFor(slot domain.Slot) string {
	return fmt.Sprintf("%s-%d", slot.RoomID, slot.Index)
}

func NewTrackBinding(slot domain.Slot, remote *webrtc.TrackRemote, upstream rtcpWriter, logger *zap.SugaredLogger) (*TrackBinding, error) {
	local, err := webrtc.NewTrackLocalStaticRTP(remote.Codec().RTPCodecCapability, remote.ID(), StreamIDFor(slot))
	if err != nil {
		return nil, fmt.Errorf("create forwarding track: %w", err)
	}

	return &TrackBinding{
		slot:     slot,
		remote:   remote,
		local:    local,
		upstream: upstream,
		forwards: make(map[string]struct{}),
		done:     make(chan struct{}),
		logger:   logger,
	}, nil
}

func (b *TrackBinding) Slot() domain.Slot                  { return b.slot }
func (b *TrackBinding) ID() string                         { return b.local.ID() }
func (b *TrackBinding) Local() *webrtc.TrackLocalStaticRTP { return b.local }
func (b *TrackBinding) Done() <-chan struct{}              { return b.done }

// Run copies RTP from the relay peer to every bound forward connection until
// the inbound track ends.
func (b *TrackBinding) Run() {
	defer b.Close()

	for {
		pkt, _, err := b.remote.ReadRTP()
		if err != nil {
			return
		}

		size := pkt.MarshalSize()
		b.packets.Add(1)
		b.bytes.Add(uint64(size))
		if b.onRTP != nil {
			b.onRTP(size)
		}

		// errors only report forward connections that went away
		_ = b.local.WriteRTP(pkt)
	}
}

// Attach records a forward peer that successfully added Local() and starts
// reading its RTCP feedback. It returns false once the binding is closed.
func (b *TrackBinding) Attach(forwardID string, sender *webrtc.RTPSender) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.forwards[forwardID] = struct{}{}
	b.mu.Unlock()

	go b.readFeedback(forwardID, sender)
	return true
}

func (b *TrackBinding) Detach(forwardID string) {
	b.mu.Lock()
	delete(b.forwards, forwardID)
	b.mu.Unlock()
}

func (b *TrackBinding) Forwards() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.forwards)
}

func (b *TrackBinding) readFeedback(forwardID string, sender *webrtc.RTPSender) {
	for {
		pkts, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if err := b.RequestKeyFrame(); err != nil {
					b.logger.Debugw("key frame request failed",
						"slot", b.slot.String(),
						"forward_id", forwardID,
						"error", err,
					)
				}
			}
		}
	}
}

// RequestKeyFrame sends a PLI to the publisher, at most once per
// keyFrameRequestInterval.
func (b *TrackBinding) RequestKeyFrame() error {
	if b.remote.Kind() != webrtc.RTPCodecTypeVideo {
		return nil
	}

	b.mu.Lock()
	if b.closed || time.Since(b.lastPLI) < keyFrameRequestInterval {
		b.mu.Unlock()
		return nil
	}
	b.lastPLI = time.Now()
	b.mu.Unlock()

	return b.upstream.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(b.remote.SSRC())},
	})
}

func (b *TrackBinding) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.forwards = make(map[string]struct{})
	close(b.done)
}

func (b *TrackBinding) Info() ports.BindingInfo {
	return ports.BindingInfo{
		RoomID:    b.slot.RoomID,
		SlotIndex: b.slot.Index,
		TrackID:   b.local.ID(),
		Kind:      b.local.Kind().String(),
		Codec:     b.remote.Codec().MimeType,
		Forwards:  b.Forwards(),
		Packets:   b.packets.Load(),
		Bytes:     b.bytes.Load(),
	}
}

// BindingTable indexes live bindings by publisher slot.
type BindingTable struct {
	mu     sync.RWMutex
	bySlot map[domain.Slot][]*TrackBinding
}

func NewBindingTable() *BindingTable {
	return &BindingTable{bySlot: make(map[domain.Slot][]*TrackBinding)}
}

func (t *BindingTable) Add(b *TrackBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bySlot[b.slot] = append(t.bySlot[b.slot], b)
}

// Remove drops one binding, typically after its track ended.
func (t *BindingTable) Remove(b *TrackBinding) {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.bySlot[b.slot]
	for i, existing := range list {
		if existing == b {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.bySlot, b.slot)
	} else {
		t.bySlot[b.slot] = list
	}
}

// RemoveSlot drops and returns every binding of a publisher slot.
func (t *BindingTable) RemoveSlot(slot domain.Slot) []*TrackBinding {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.bySlot[slot]
	delete(t.bySlot, slot)
	return list
}

// ForRoom returns the room's bindings ordered by slot and track id, leaving
// out the excluded publisher slot.
func (t *BindingTable) ForRoom(room domain.RoomID, exclude *domain.SlotIndex) []*TrackBinding {
	t.mu.RLock()
	var out []*TrackBinding
	for slot, list := range t.bySlot {
		if slot.RoomID != room {
			continue
		}
		if exclude != nil && slot.Index == *exclude {
			continue
		}
		out = append(out, list...)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].slot.Index != out[j].slot.Index {
			return out[i].slot.Index < out[j].slot.Index
		}
		return out[i].ID() < out[j].ID()
	})
	return out
}

// Rooms lists rooms with at least one binding.
func (t *BindingTable) Rooms() []domain.RoomID {
	t.mu.RLock()
	seen := make(map[domain.RoomID]struct{})
	for slot := range t.bySlot {
		seen[slot.RoomID] = struct{}{}
	}
	t.mu.RUnlock()

	rooms := make([]domain.RoomID, 0, len(seen))
	for room := range seen {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i] < rooms[j] })
	return rooms
}

func (t *BindingTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, list := range t.bySlot {
		n += len(list)
	}
	return n
}

func (t *BindingTable) Info() []ports.BindingInfo {
	t.mu.RLock()
	var all []*TrackBinding
	for _, list := range t.bySlot {
		all = append(all, list...)
	}
	t.mu.RUnlock()

	infos := make([]ports.BindingInfo, 0, len(all))
	for _, b := range all {
		infos = append(infos, b.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].RoomID != infos[j].RoomID {
			return infos[i].RoomID < infos[j].RoomID
		}
		if infos[i].SlotIndex != infos[j].SlotIndex {
			return infos[i].SlotIndex < infos[j].SlotIndex
		}
		return infos[i].TrackID < infos[j].TrackID
	})
	return infos
}
