package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/domain"
)

// Sender emits one negotiation message to a remote member through the
// signaling relay.
type Sender func(kind string, target domain.MemberID, payload json.RawMessage) error

// Manager owns every Link of the local member: it creates them when a
// remote first becomes visible (membership notice or incoming offer),
// resolves glare, and destroys them on departure.
type Manager struct {
	local   domain.MemberID
	engines EngineFactory
	send    Sender

	mu    sync.Mutex
	links map[domain.MemberID]*Link
}

func NewManager(local domain.MemberID, engines EngineFactory, send Sender) *Manager {
	return &Manager{
		local:   local,
		engines: engines,
		send:    send,
		links:   make(map[domain.MemberID]*Link),
	}
}

// Link returns the live link for a remote, if any.
func (m *Manager) Link(remote domain.MemberID) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remote]
	return l, ok
}

// newLinkLocked creates and registers a link; caller holds m.mu.
func (m *Manager) newLinkLocked(remote domain.MemberID, role Role) (*Link, error) {
	var link *Link
	engine, err := m.engines(EngineEvents{
		OnCandidate: func(candidate json.RawMessage) {
			link.sendCandidate(candidate)
		},
		OnConnectivityFailed: func() {
			if !link.onConnectivityFailed() {
				m.Drop(remote)
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	link = newLink(remote, role, engine, func(kind string, payload json.RawMessage) error {
		return m.send(kind, remote, payload)
	})
	m.links[remote] = link
	return link, nil
}

// ensure creates the pair's link if absent; duplicate creation attempts
// return the existing link untouched.
func (m *Manager) ensure(remote domain.MemberID, role Role) (*Link, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link, ok := m.links[remote]; ok {
		return link, false, nil
	}
	link, err := m.newLinkLocked(remote, role)
	if err != nil {
		return nil, false, err
	}
	return link, true, nil
}

// HandleRoomUsers reacts to the admission snapshot: one link per remote
// already in the room, initiating where the tie-break says so.
func (m *Manager) HandleRoomUsers(members []domain.MemberID) {
	for _, remote := range members {
		if remote == m.local {
			continue
		}
		m.HandleMemberJoined(remote)
	}
}

// HandleMemberJoined sets up the link for a newly visible remote. Both ends
// run this nearly simultaneously; RoleFor guarantees exactly one of them
// initiates regardless of event arrival order.
func (m *Manager) HandleMemberJoined(remote domain.MemberID) {
	role := RoleFor(m.local, remote)
	link, created, err := m.ensure(remote, role)
	if err != nil {
		log.Error().Str("module", "peer").Str("remote", string(remote)).Err(err).Msg("create link")
		return
	}
	if !created {
		log.Debug().Str("module", "peer").Str("remote", string(remote)).Msg("link already exists")
		return
	}
	if role != RoleInitiator {
		return
	}
	if err := link.Initiate(); err != nil {
		log.Error().Str("module", "peer").Str("remote", string(remote)).Err(err).Msg("initiate")
		m.Drop(remote)
	}
}

// HandleOffer resolves the incoming offer against the pair's current state:
// a stable link ignores an offer identical to its current remote description
// as a stale duplicate, and answers a differing one on the same engine (the
// remote renegotiating, typically after an ICE restart); have-local-offer
// means simultaneous-offer glare that slipped past the tie-break, and the
// last offer wins: the local link is discarded and recreated as responder;
// have-remote-offer means the previous offer is still being answered, so
// this one is dropped.
func (m *Manager) HandleOffer(sender domain.MemberID, payload json.RawMessage) {
	var offer SessionDescription
	if err := json.Unmarshal(payload, &offer); err != nil {
		log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("bad offer payload")
		return
	}

	m.mu.Lock()
	link, ok := m.links[sender]
	if ok {
		switch link.State() {
		case StateStable:
			if current, hasRemote := link.remoteDescription(); hasRemote {
				if current.SDP == offer.SDP {
					m.mu.Unlock()
					log.Debug().Str("module", "peer").Str("sender", string(sender)).Msg("stale duplicate offer, ignoring")
					return
				}
				m.mu.Unlock()
				log.Info().Str("module", "peer").Str("sender", string(sender)).Msg("renegotiation offer on stable link")
				if err := link.acceptOffer(offer); err != nil {
					log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("accept renegotiation offer")
					m.Drop(sender)
				}
				return
			}
			// Stable without a remote description is a broken negotiation;
			// rebuild and take the offer.
			link.Close()
			delete(m.links, sender)
			ok = false
		case StateHaveLocalOffer:
			link.Close()
			delete(m.links, sender)
			ok = false
			log.Info().Str("module", "peer").Str("sender", string(sender)).Msg("offer glare, recreating as responder")
		case StateHaveRemoteOffer:
			m.mu.Unlock()
			log.Debug().Str("module", "peer").Str("sender", string(sender)).Msg("already answering an offer, dropping")
			return
		case StateClosed:
			delete(m.links, sender)
			ok = false
		}
	}
	if !ok {
		var err error
		link, err = m.newLinkLocked(sender, RoleResponder)
		if err != nil {
			m.mu.Unlock()
			log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("create responder link")
			return
		}
	}
	m.mu.Unlock()

	if err := link.acceptOffer(offer); err != nil {
		log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("accept offer")
		m.Drop(sender)
	}
}

func (m *Manager) HandleAnswer(sender domain.MemberID, payload json.RawMessage) {
	var answer SessionDescription
	if err := json.Unmarshal(payload, &answer); err != nil {
		log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("bad answer payload")
		return
	}
	link, ok := m.Link(sender)
	if !ok {
		log.Debug().Str("module", "peer").Str("sender", string(sender)).Msg("answer without link, dropping")
		return
	}
	if err := link.HandleAnswer(answer); err != nil {
		log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("apply answer")
		m.Drop(sender)
	}
}

func (m *Manager) HandleCandidate(sender domain.MemberID, payload json.RawMessage) {
	link, ok := m.Link(sender)
	if !ok {
		log.Debug().Str("module", "peer").Str("sender", string(sender)).Msg("candidate without link, dropping")
		return
	}
	if err := link.HandleCandidate(payload); err != nil {
		log.Error().Str("module", "peer").Str("sender", string(sender)).Err(err).Msg("apply candidate")
	}
}

// HandleMemberLeft transitions the pair's link to closed and forgets it.
func (m *Manager) HandleMemberLeft(remote domain.MemberID) {
	m.Drop(remote)
}

// Drop closes and removes a single link.
func (m *Manager) Drop(remote domain.MemberID) {
	m.mu.Lock()
	link, ok := m.links[remote]
	delete(m.links, remote)
	m.mu.Unlock()
	if ok {
		link.Close()
	}
}

// Close tears every link down; used when leaving the room.
func (m *Manager) Close() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[domain.MemberID]*Link)
	m.mu.Unlock()
	for _, link := range links {
		link.Close()
	}
}

// Count reports live links, for diagnostics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.links)
}
