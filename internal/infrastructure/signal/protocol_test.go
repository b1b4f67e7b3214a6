package signal

import (
	"encoding/json"
	"testing"

	"roomrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Variants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		check func(t *testing.T, m Message)
	}{
		{
			name:  "receiver without data",
			frame: `{"type":"receiver"}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, Receiver{}, m)
			},
		},
		{
			name:  "publisher",
			frame: `{"type":"publisher","data":{"roomId":"R1"}}`,
			check: func(t *testing.T, m Message) {
				assert.Equal(t, Publish{RoomID: "R1"}, m)
			},
		},
		{
			name:  "subscribe with exclude",
			frame: `{"type":"subscribe","data":{"roomId":"R1","excludeSlot":2}}`,
			check: func(t *testing.T, m Message) {
				sub, ok := m.(Subscribe)
				require.True(t, ok)
				require.NotNil(t, sub.ExcludeSlot)
				assert.Equal(t, domain.SlotIndex(2), *sub.ExcludeSlot)
			},
		},
		{
			name:  "offer carries sdp",
			frame: `{"type":"offer","data":{"roomId":"R1","slotIndex":0,"offer":{"type":"offer","sdp":"v=0"}}}`,
			check: func(t *testing.T, m Message) {
				offer, ok := m.(Offer)
				require.True(t, ok)
				assert.Equal(t, domain.Slot{RoomID: "R1", Index: 0}, offer.Slot())
				assert.Equal(t, webrtc.SDPTypeOffer, offer.Offer.Type)
				assert.Equal(t, "v=0", offer.Offer.SDP)
			},
		},
		{
			name:  "answerI alias keeps kind",
			frame: `{"type":"answerI","data":{"roomId":"R1","slotIndex":1,"answer":{"type":"answer","sdp":"v=0"}}}`,
			check: func(t *testing.T, m Message) {
				ans, ok := m.(Answer)
				require.True(t, ok)
				assert.Equal(t, TypeAnswerI, ans.WireType())
			},
		},
		{
			name:  "tickle alias",
			frame: `{"type":"tickle","data":{"roomId":"R1","slotIndex":0,"candidate":{"candidate":"candidate:1 1 udp 1 127.0.0.1 5000 typ host"}}}`,
			check: func(t *testing.T, m Message) {
				c, ok := m.(Candidate)
				require.True(t, ok)
				assert.Equal(t, TypeTickle, c.WireType())
				assert.Contains(t, c.Candidate.Candidate, "typ host")
			},
		},
		{
			name:  "trickleR without slot",
			frame: `{"type":"trickleR","data":{"roomId":"R1","candidate":{"candidate":"c"}}}`,
			check: func(t *testing.T, m Message) {
				tr, ok := m.(RelayTrickle)
				require.True(t, ok)
				assert.Nil(t, tr.SlotIndex)
			},
		},
		{
			name:  "ice-candidate-forward",
			frame: `{"type":"ice-candidate-forward","data":{"roomId":"R1","slotIndex":3,"candidate":{"candidate":"c"}}}`,
			check: func(t *testing.T, m Message) {
				fc, ok := m.(ForwardCandidate)
				require.True(t, ok)
				assert.Equal(t, TypeCandidateForward, fc.WireType())
				assert.Equal(t, domain.SlotIndex(3), fc.SlotIndex)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			tt.check(t, m)
		})
	}
}

func TestDecode_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr error
	}{
		{"not json", `{"type":`, domain.ErrInvalidMessage},
		{"unknown type", `{"type":"join_stream","data":{}}`, domain.ErrUnknownMessageType},
		{"missing slot", `{"type":"offer","data":{"roomId":"R1","offer":{"type":"offer","sdp":"v=0"}}}`, domain.ErrInvalidMessage},
		{"null sdp", `{"type":"answer","data":{"roomId":"R1","slotIndex":0,"answer":null}}`, domain.ErrInvalidMessage},
		{"missing data", `{"type":"add-peerA"}`, domain.ErrInvalidMessage},
		{"empty room", `{"type":"publisher","data":{"roomId":""}}`, domain.ErrInvalidMessage},
		{"wrong field type", `{"type":"start","data":{"roomId":"R1","slotIndex":"zero"}}`, domain.ErrInvalidMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := Decode([]byte(tt.frame))
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Nil(t, m)
		})
	}
}

func TestEncode_Envelope(t *testing.T) {
	frame, err := Encode(AddPeer{Address: Address{RoomID: "R1", SlotIndex: 0, MediatorID: "m1"}})
	require.NoError(t, err)

	var env map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(frame, &env))
	assert.JSONEq(t, `"add-peer"`, string(env["type"]))
	assert.JSONEq(t, `{"roomId":"R1","slotIndex":0,"mediatorId":"m1"}`, string(env["data"]))
}

func TestEncodeDecode_PreservesAliases(t *testing.T) {
	in := Candidate{
		Address:   Address{RoomID: "R1", SlotIndex: 4},
		Candidate: webrtc.ICECandidateInit{Candidate: "c"},
		Kind:      TypeICECandidateMain,
	}

	frame, err := Encode(in)
	require.NoError(t, err)
	assert.Contains(t, string(frame), `"type":"ice-candidate-main"`)

	out, err := Decode(frame)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
