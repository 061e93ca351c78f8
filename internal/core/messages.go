package core

import (
	"encoding/json"
	"fmt"

	"github.com/mkorolev/huddle/internal/domain"
)

// Kind discriminates wire messages. Unknown kinds are rejected at the
// websocket boundary; payloads are statically typed per kind.
type Kind string

const (
	KindJoinRoom     Kind = "join-room"
	KindLeaveRoom    Kind = "leave-room"
	KindGetRoomUsers Kind = "get-room-users"
	KindRoomUsers    Kind = "room-users"
	KindMemberJoined Kind = "member-joined"
	KindMemberLeft   Kind = "member-left"

	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "candidate"

	KindTransportCreated     Kind = "transport-created"
	KindConnectSendTransport Kind = "connect-send-transport"
	KindConnectRecvTransport Kind = "connect-recv-transport"
	KindProduce              Kind = "produce"
	KindNewProducer          Kind = "new-producer"
	KindConsume              Kind = "consume"

	KindAck   Kind = "ack"
	KindError Kind = "error"
)

// Head is embedded in every message. RID correlates acked requests with
// their ack; the client picks it, the server echoes it back.
type Head struct {
	Kind Kind   `json:"kind"`
	RID  uint64 `json:"rid,omitempty"`
}

type JoinRoom struct {
	Head
	Room domain.RoomID `json:"room"`
	Name string        `json:"name"`
}

type LeaveRoom struct {
	Head
}

type GetRoomUsers struct {
	Head
}

type RoomUsers struct {
	Head
	Room    domain.RoomID `json:"room"`
	Members []MemberInfo  `json:"members"`
}

type MemberJoined struct {
	Head
	ID   domain.MemberID `json:"id"`
	Name string          `json:"name"`
}

type MemberLeft struct {
	Head
	ID domain.MemberID `json:"id"`
}

// SignalEnvelope carries offer, answer and candidate messages. The payload
// is an opaque blob produced and consumed by the peer-connection engine;
// the relay only stamps Sender and SenderName before forwarding.
type SignalEnvelope struct {
	Head
	Target     domain.MemberID `json:"target,omitempty"`
	Sender     domain.MemberID `json:"sender,omitempty"`
	SenderName string          `json:"senderName,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

type TransportCreated struct {
	Head
	SendTransport      TransportInfo   `json:"sendTransport"`
	RecvTransport      TransportInfo   `json:"recvTransport"`
	RouterCapabilities json.RawMessage `json:"routerCapabilities"`
	// Producers already active in the room, so a late joiner can consume
	// them without waiting for new-producer events.
	Producers []ProducerInfo `json:"producers,omitempty"`
}

type ConnectTransport struct {
	Head
	DTLSParameters json.RawMessage `json:"dtlsParameters"`
}

type Produce struct {
	Head
	MediaKind     string          `json:"mediaKind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
}

type NewProducer struct {
	Head
	ProducerID string          `json:"producerId"`
	Member     domain.MemberID `json:"memberId"`
	MediaKind  string          `json:"mediaKind"`
}

type Consume struct {
	Head
	ProducerID      string          `json:"producerId"`
	RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
}

// Ack answers a rid-carrying request. Error is set on failure; the typed
// result fields are populated depending on what was acked.
type Ack struct {
	Head
	Error         string          `json:"error,omitempty"`
	ProducerID    string          `json:"producerId,omitempty"`
	ConsumerID    string          `json:"consumerId,omitempty"`
	MediaKind     string          `json:"mediaKind,omitempty"`
	RTPParameters json.RawMessage `json:"rtpParameters,omitempty"`
}

type ErrorMessage struct {
	Head
	Message string `json:"message"`
}

// Decode parses one wire frame into its typed message. Unknown kinds are an
// ErrInvalidArgument so the boundary can reject them.
func Decode(data []byte) (any, error) {
	var h Head
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}

	var msg any
	switch h.Kind {
	case KindJoinRoom:
		msg = &JoinRoom{}
	case KindLeaveRoom:
		msg = &LeaveRoom{}
	case KindGetRoomUsers:
		msg = &GetRoomUsers{}
	case KindRoomUsers:
		msg = &RoomUsers{}
	case KindMemberJoined:
		msg = &MemberJoined{}
	case KindMemberLeft:
		msg = &MemberLeft{}
	case KindOffer, KindAnswer, KindCandidate:
		msg = &SignalEnvelope{}
	case KindTransportCreated:
		msg = &TransportCreated{}
	case KindConnectSendTransport, KindConnectRecvTransport:
		msg = &ConnectTransport{}
	case KindProduce:
		msg = &Produce{}
	case KindNewProducer:
		msg = &NewProducer{}
	case KindConsume:
		msg = &Consume{}
	case KindAck:
		msg = &Ack{}
	case KindError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidArgument, h.Kind)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return msg, nil
}

// Encode marshals a typed message into a wire frame.
func Encode(msg any) (Frame, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return Frame(b), nil
}
