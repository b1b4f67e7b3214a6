package signal

import (
	"encoding/json"
	"fmt"

	"roomrelay/internal/core/domain"

	"github.com/pion/webrtc/v3"
)

// Type is the wire name carried in the envelope "type" field.
type Type string

const (
	TypeReceiver         Type = "receiver"
	TypePublish          Type = "publisher"
	TypeSubscribe        Type = "subscribe"
	TypeStart            Type = "start"
	TypeOffer            Type = "offer"
	TypeAddPeer          Type = "add-peer"
	TypeAddPeerAck       Type = "add-peerA"
	TypeAnswer           Type = "answer"
	TypeAnswerI          Type = "answerI"
	TypeTickle           Type = "tickle"
	TypeICECandidate     Type = "ice-candidate"
	TypeICECandidateMain Type = "ice-candidate-main"
	TypeTrickleR         Type = "trickleR"
	TypeOfferI           Type = "offerI"
	TypeAnswerSecondary  Type = "answer-secondary"
	TypeCandidateMedi    Type = "ice-candidate-medi"
	TypeCandidateForward Type = "ice-candidate-forward"
	TypeAddSubscriber    Type = "add-subscriber"
	TypeRemovePeer       Type = "remove-peer"
	TypeRemoveSubscriber Type = "remove-subscriber"
)

// Message is the closed set of signaling variants. Every concrete type in
// this file implements it; nothing outside the package can.
type Message interface {
	// WireType is the name the message is encoded under.
	WireType() Type
	isMessage()
}

// Address is the (room, slot) pair most messages are routed by. MediatorID
// is stamped by the router on everything it sends.
type Address struct {
	RoomID     domain.RoomID     `json:"roomId"`
	SlotIndex  domain.SlotIndex  `json:"slotIndex"`
	MediatorID domain.MediatorID `json:"mediatorId,omitempty"`
}

func (a Address) Slot() domain.Slot {
	return domain.Slot{RoomID: a.RoomID, Index: a.SlotIndex}
}

type Receiver struct {
	MediatorID domain.MediatorID `json:"mediatorId,omitempty"`
}

type Publish struct {
	RoomID domain.RoomID `json:"roomId"`
}

type Subscribe struct {
	RoomID      domain.RoomID     `json:"roomId"`
	ExcludeSlot *domain.SlotIndex `json:"excludeSlot,omitempty"`
}

type Start struct {
	Address
}

type Offer struct {
	Address
	Offer webrtc.SessionDescription `json:"offer"`
}

type AddPeer struct {
	Address
}

type AddPeerAck struct {
	Address
}

// Answer is "answer" or its alias "answerI"; Kind keeps the name it arrived
// under.
type Answer struct {
	Address
	Answer webrtc.SessionDescription `json:"answer"`
	Kind   Type                      `json:"-"`
}

// Candidate trickles ICE on the publish hop. Kind is one of tickle,
// ice-candidate or ice-candidate-main.
type Candidate struct {
	Address
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Kind      Type                    `json:"-"`
}

// RelayTrickle is a relay-side candidate for the publish hop. Without a slot
// index it goes to every publisher of the room.
type RelayTrickle struct {
	RoomID     domain.RoomID           `json:"roomId"`
	SlotIndex  *domain.SlotIndex       `json:"slotIndex,omitempty"`
	MediatorID domain.MediatorID       `json:"mediatorId,omitempty"`
	Candidate  webrtc.ICECandidateInit `json:"candidate"`
}

type ForwardOffer struct {
	Address
	Offer webrtc.SessionDescription `json:"offer"`
}

type ForwardAnswer struct {
	Address
	Answer webrtc.SessionDescription `json:"answer"`
}

// ForwardCandidate trickles ICE on the forward hop. Kind is
// ice-candidate-medi (mediator side) or ice-candidate-forward (subscriber
// side).
type ForwardCandidate struct {
	Address
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	Kind      Type                    `json:"-"`
}

type AddSubscriber struct {
	Address
	ExcludeSlot *domain.SlotIndex `json:"excludeSlot,omitempty"`
}

type RemovePeer struct {
	Address
}

type RemoveSubscriber struct {
	Address
}

func (Receiver) WireType() Type         { return TypeReceiver }
func (Publish) WireType() Type          { return TypePublish }
func (Subscribe) WireType() Type        { return TypeSubscribe }
func (Start) WireType() Type            { return TypeStart }
func (Offer) WireType() Type            { return TypeOffer }
func (AddPeer) WireType() Type          { return TypeAddPeer }
func (AddPeerAck) WireType() Type       { return TypeAddPeerAck }
func (RelayTrickle) WireType() Type     { return TypeTrickleR }
func (ForwardOffer) WireType() Type     { return TypeOfferI }
func (ForwardAnswer) WireType() Type    { return TypeAnswerSecondary }
func (AddSubscriber) WireType() Type    { return TypeAddSubscriber }
func (RemovePeer) WireType() Type       { return TypeRemovePeer }
func (RemoveSubscriber) WireType() Type { return TypeRemoveSubscriber }

func (m Answer) WireType() Type {
	if m.Kind != "" {
		return m.Kind
	}
	return TypeAnswer
}

func (m Candidate) WireType() Type {
	if m.Kind != "" {
		return m.Kind
	}
	return TypeICECandidate
}

func (m ForwardCandidate) WireType() Type {
	if m.Kind != "" {
		return m.Kind
	}
	return TypeCandidateMedi
}

func (Receiver) isMessage()         {}
func (Publish) isMessage()          {}
func (Subscribe) isMessage()        {}
func (Start) isMessage()            {}
func (Offer) isMessage()            {}
func (AddPeer) isMessage()          {}
func (AddPeerAck) isMessage()       {}
func (Answer) isMessage()           {}
func (Candidate) isMessage()        {}
func (RelayTrickle) isMessage()     {}
func (ForwardOffer) isMessage()     {}
func (ForwardAnswer) isMessage()    {}
func (ForwardCandidate) isMessage() {}
func (AddSubscriber) isMessage()    {}
func (RemovePeer) isMessage()       {}
func (RemoveSubscriber) isMessage() {}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps msg in the {type, data} envelope.
func Encode(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.WireType(), err)
	}
	return json.Marshal(envelope{Type: msg.WireType(), Data: data})
}

var (
	addressFields    = []string{"roomId", "slotIndex"}
	offerFields      = []string{"roomId", "slotIndex", "offer"}
	answerFields     = []string{"roomId", "slotIndex", "answer"}
	candidateFields  = []string{"roomId", "slotIndex", "candidate"}
	roomFields       = []string{"roomId"}
	roomCandidFields = []string{"roomId", "candidate"}
)

// Decode parses one frame. Unknown types yield ErrUnknownMessageType and
// missing required fields yield ErrInvalidMessage.
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}

	var (
		msg Message
		err error
	)
	switch env.Type {
	case TypeReceiver:
		msg, err = decodeInto[Receiver](env, nil)
	case TypePublish:
		msg, err = decodeInto[Publish](env, roomFields)
	case TypeSubscribe:
		msg, err = decodeInto[Subscribe](env, roomFields)
	case TypeStart:
		msg, err = decodeInto[Start](env, addressFields)
	case TypeOffer:
		msg, err = decodeInto[Offer](env, offerFields)
	case TypeAddPeer:
		msg, err = decodeInto[AddPeer](env, addressFields)
	case TypeAddPeerAck:
		msg, err = decodeInto[AddPeerAck](env, addressFields)
	case TypeAnswer, TypeAnswerI:
		var m Answer
		m, err = decodeInto[Answer](env, answerFields)
		m.Kind = env.Type
		msg = m
	case TypeTickle, TypeICECandidate, TypeICECandidateMain:
		var m Candidate
		m, err = decodeInto[Candidate](env, candidateFields)
		m.Kind = env.Type
		msg = m
	case TypeTrickleR:
		msg, err = decodeInto[RelayTrickle](env, roomCandidFields)
	case TypeOfferI:
		msg, err = decodeInto[ForwardOffer](env, offerFields)
	case TypeAnswerSecondary:
		msg, err = decodeInto[ForwardAnswer](env, answerFields)
	case TypeCandidateMedi, TypeCandidateForward:
		var m ForwardCandidate
		m, err = decodeInto[ForwardCandidate](env, candidateFields)
		m.Kind = env.Type
		msg = m
	case TypeAddSubscriber:
		msg, err = decodeInto[AddSubscriber](env, addressFields)
	case TypeRemovePeer:
		msg, err = decodeInto[RemovePeer](env, addressFields)
	case TypeRemoveSubscriber:
		msg, err = decodeInto[RemoveSubscriber](env, addressFields)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, env.Type)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func decodeInto[T Message](env envelope, required []string) (T, error) {
	var m T
	if len(required) == 0 {
		if len(env.Data) > 0 && string(env.Data) != "null" {
			if err := json.Unmarshal(env.Data, &m); err != nil {
				return m, fmt.Errorf("%w: %s: %v", domain.ErrInvalidMessage, env.Type, err)
			}
		}
		return m, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(env.Data, &fields); err != nil || fields == nil {
		return m, fmt.Errorf("%w: %s: data must be an object", domain.ErrInvalidMessage, env.Type)
	}
	for _, name := range required {
		v, ok := fields[name]
		if !ok || string(v) == "null" {
			return m, fmt.Errorf("%w: %s: missing %s", domain.ErrInvalidMessage, env.Type, name)
		}
	}
	if err := json.Unmarshal(env.Data, &m); err != nil {
		return m, fmt.Errorf("%w: %s: %v", domain.ErrInvalidMessage, env.Type, err)
	}
	if room, ok := fields["roomId"]; ok && string(room) == `""` {
		return m, fmt.Errorf("%w: %s: empty roomId", domain.ErrInvalidMessage, env.Type)
	}
	return m, nil
}
