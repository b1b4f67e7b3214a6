package webrtc

import (
	"testing"

	"roomrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func bindingIDs(list []*TrackBinding) []string {
	ids := make([]string, 0, len(list))
	for _, b := range list {
		ids = append(ids, b.Slot().String()+":"+b.ID())
	}
	return ids
}

func TestBindingTable_ForRoomOrdersAndExcludes(t *testing.T) {
	table := NewBindingTable()
	table.Add(newTestBinding(t, slotOf("R1", 1), "video"))
	table.Add(newTestBinding(t, slotOf("R1", 0), "video"))
	table.Add(newTestBinding(t, slotOf("R1", 0), "audio"))
	table.Add(newTestBinding(t, slotOf("R2", 0), "video"))

	assert.Equal(t,
		[]string{"R1/0:audio", "R1/0:video", "R1/1:video"},
		bindingIDs(table.ForRoom("R1", nil)),
	)

	exclude := domain.SlotIndex(0)
	assert.Equal(t, []string{"R1/1:video"}, bindingIDs(table.ForRoom("R1", &exclude)))
	assert.Empty(t, table.ForRoom("R3", nil))

	assert.Equal(t, []domain.RoomID{"R1", "R2"}, table.Rooms())
	assert.Equal(t, 4, table.Count())
}

func TestBindingTable_RemoveAndRemoveSlot(t *testing.T) {
	table := NewBindingTable()
	audio := newTestBinding(t, slotOf("R1", 0), "audio")
	video := newTestBinding(t, slotOf("R1", 0), "video")
	other := newTestBinding(t, slotOf("R1", 1), "video")
	table.Add(audio)
	table.Add(video)
	table.Add(other)

	table.Remove(audio)
	table.Remove(audio)
	assert.Equal(t, 2, table.Count())

	removed := table.RemoveSlot(slotOf("R1", 0))
	require.Len(t, removed, 1)
	assert.Same(t, video, removed[0])

	table.Remove(other)
	assert.Equal(t, 0, table.Count())
	assert.Empty(t, table.Rooms())
}

func TestTrackBinding_AttachAfterCloseFails(t *testing.T) {
	b := newTestBinding(t, slotOf("R1", 0), "video")

	b.Close()
	b.Close()

	assert.False(t, b.Attach("forward-1", nil))
	assert.Equal(t, 0, b.Forwards())
}

func TestStreamIDFor(t *testing.T) {
	assert.Equal(t, "R1-3", StreamIDFor(slotOf("R1", 3)))
}
