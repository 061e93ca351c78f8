package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/domain"
)

type State int

const (
	StateIdle State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// RoleFor computes the glare tie-break: a pure function of the two member
// identifiers, so both ends agree on who initiates without an extra round
// trip. The lexicographically smaller identifier always sends the offer.
func RoleFor(local, remote domain.MemberID) Role {
	if local < remote {
		return RoleInitiator
	}
	return RoleResponder
}

// SendFunc emits one negotiation message toward the remote member through
// the signaling relay.
type SendFunc func(kind string, payload json.RawMessage) error

// Link is the negotiation state machine for one (local, remote) pair.
// Exactly one Link exists per pair at any time.
type Link struct {
	mu      sync.Mutex
	remote  domain.MemberID
	role    Role
	state   State
	engine  Engine
	send    SendFunc
	pending []json.RawMessage // candidates buffered until the remote description lands
}

func newLink(remote domain.MemberID, role Role, engine Engine, send SendFunc) *Link {
	return &Link{remote: remote, role: role, engine: engine, send: send}
}

func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Link) Role() Role {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.role
}

func (l *Link) remoteDescription() (SessionDescription, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.engine.RemoteDescription()
}

// Initiate sends the opening offer. Only valid in idle: a second initiation
// attempt for an already-negotiating pair is a duplicate, not a new
// negotiation, and is dropped.
func (l *Link) Initiate() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateIdle {
		log.Debug().Str("module", "peer").
			Str("remote", string(l.remote)).
			Str("state", l.state.String()).
			Msg("duplicate initiation attempt, ignoring")
		return nil
	}

	offer, err := l.engine.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.engine.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	l.state = StateHaveLocalOffer
	return l.sendDescription("offer", offer)
}

// acceptOffer applies a remote offer and answers it. Assumes the caller
// already resolved any state conflict (see Manager.HandleOffer).
func (l *Link) acceptOffer(offer SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}

	if err := l.engine.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	l.state = StateHaveRemoteOffer
	l.flushPendingLocked()

	answer, err := l.engine.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.engine.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	l.state = StateStable
	return l.sendDescription("answer", answer)
}

// HandleAnswer applies the remote answer. Valid only in have-local-offer;
// anything else is a late or duplicate answer and is dropped.
func (l *Link) HandleAnswer(answer SessionDescription) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateHaveLocalOffer {
		log.Debug().Str("module", "peer").
			Str("remote", string(l.remote)).
			Str("state", l.state.String()).
			Msg("answer in unexpected state, dropping")
		return nil
	}
	if err := l.engine.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	l.state = StateStable
	l.flushPendingLocked()
	return nil
}

// HandleCandidate applies a remote candidate, or buffers it when the remote
// description is not set yet. Buffered candidates are flushed in arrival
// order as soon as the description lands: they may legitimately arrive over
// the relay before the offer or answer that carries it.
func (l *Link) HandleCandidate(candidate json.RawMessage) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return nil
	}
	if !l.engine.HasRemoteDescription() {
		l.pending = append(l.pending, candidate)
		log.Debug().Str("module", "peer").
			Str("remote", string(l.remote)).
			Int("pending", len(l.pending)).
			Msg("candidate buffered ahead of remote description")
		return nil
	}
	return l.engine.AddICECandidate(candidate)
}

func (l *Link) flushPendingLocked() {
	for _, candidate := range l.pending {
		if err := l.engine.AddICECandidate(candidate); err != nil {
			log.Error().Str("module", "peer").
				Str("remote", string(l.remote)).
				Err(err).
				Msg("flush buffered candidate")
		}
	}
	l.pending = nil
}

// onConnectivityFailed re-triggers ICE restart on the existing engine
// rather than rebuilding the link. Returns false when restart itself
// failed, in which case the link must be torn down.
func (l *Link) onConnectivityFailed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return true
	}
	offer, err := l.engine.RestartICE()
	if err != nil {
		log.Error().Str("module", "peer").
			Str("remote", string(l.remote)).
			Err(err).
			Msg("ice restart failed, tearing link down")
		return false
	}
	l.state = StateHaveLocalOffer
	if err := l.sendDescription("offer", offer); err != nil {
		log.Error().Str("module", "peer").
			Str("remote", string(l.remote)).
			Err(err).
			Msg("send restart offer")
		return false
	}
	return true
}

// Close releases the engine and discards buffered candidates. Terminal and
// idempotent; reachable from any state.
func (l *Link) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateClosed {
		return
	}
	l.state = StateClosed
	l.pending = nil
	l.engine.Close()
}

func (l *Link) sendDescription(kind string, desc SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	return l.send(kind, payload)
}

// sendCandidate forwards a locally gathered candidate to the remote end.
func (l *Link) sendCandidate(candidate json.RawMessage) {
	l.mu.Lock()
	closed := l.state == StateClosed
	l.mu.Unlock()
	if closed {
		return
	}
	if err := l.send("candidate", candidate); err != nil {
		log.Debug().Str("module", "peer").
			Str("remote", string(l.remote)).
			Err(err).
			Msg("send local candidate")
	}
}
