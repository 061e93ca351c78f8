// Package media coordinates per-member SFU sessions: one shared router per
// room, a send and a recv transport per member, and the producer/consumer
// bookkeeping between them. The media engine itself is an opaque
// collaborator behind the Engine interface.
package media

import "encoding/json"

// CodecProfile is the fixed audio profile a router is created with.
type CodecProfile struct {
	MimeType  string `mapstructure:"mime_type" json:"mimeType"`
	ClockRate uint32 `mapstructure:"clock_rate" json:"clockRate"`
	Channels  uint16 `mapstructure:"channels" json:"channels"`
}

// Engine creates routers. Implementations own all RTP switching and codec
// negotiation internals.
type Engine interface {
	NewRouter(codec CodecProfile) (Router, error)
}

// Router is shared by every media session of one room.
type Router interface {
	// Capabilities describes what receivers must support, opaque to the core.
	Capabilities() json.RawMessage
	NewTransport() (Transport, error)
	// CanConsume reports whether a receiver with the given capabilities can
	// consume the producer's encoding.
	CanConsume(producerID string, rtpCapabilities json.RawMessage) bool
	Close()
}

// Transport is one negotiated media connection endpoint, send- or
// recv-direction, between a member and the engine.
type Transport interface {
	ID() string
	ConnectionParameters() (iceParameters, iceCandidates, dtlsParameters json.RawMessage)
	// Connect completes the handshake with the client's DTLS parameters.
	Connect(dtlsParameters json.RawMessage) error
	Produce(mediaKind string, rtpParameters json.RawMessage) (Producer, error)
	Consume(producerID string, rtpCapabilities json.RawMessage) (Consumer, error)
	Close()
}

type Producer interface {
	ID() string
	MediaKind() string
	Close()
}

type Consumer interface {
	ID() string
	ProducerID() string
	MediaKind() string
	RTPParameters() json.RawMessage
	Close()
}
