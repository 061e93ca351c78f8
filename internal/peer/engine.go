// Package peer implements the per-remote negotiation state machine used to
// bring up direct media transports: who sends the offer, how glare is
// resolved, and how candidates arriving ahead of the remote description are
// buffered. The cryptographic and ICE mechanics live behind Engine.
package peer

import "encoding/json"

// SessionDescription is an opaque negotiation blob plus its offer/answer tag.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Engine is the external peer-connection engine for one remote member.
// Callbacks fire from the engine's own goroutines.
type Engine interface {
	CreateOffer() (SessionDescription, error)
	CreateAnswer() (SessionDescription, error)
	SetLocalDescription(SessionDescription) error
	SetRemoteDescription(SessionDescription) error
	HasRemoteDescription() bool
	// RemoteDescription returns the current remote description, false when
	// none has been applied yet.
	RemoteDescription() (SessionDescription, bool)
	AddICECandidate(candidate json.RawMessage) error
	// RestartICE produces a new ICE-restart offer on the existing engine,
	// already set as the local description.
	RestartICE() (SessionDescription, error)
	Close()
}

// EngineEvents is wired into a freshly created engine before use.
type EngineEvents struct {
	// OnCandidate fires for every locally gathered candidate.
	OnCandidate func(candidate json.RawMessage)
	// OnConnectivityFailed fires when the transport's connectivity check
	// reports failure.
	OnConnectivityFailed func()
}

// EngineFactory creates one engine per remote member.
type EngineFactory func(events EngineEvents) (Engine, error)
