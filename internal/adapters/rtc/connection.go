// Package rtc backs peer.Engine with a pion PeerConnection.
package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/peer"
)

type Connection struct {
	pc *webrtc.PeerConnection
}

func ConfigWithSTUN(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		servers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// Factory returns a peer.EngineFactory creating one Connection per remote.
func Factory(cfg webrtc.Configuration) peer.EngineFactory {
	return func(events peer.EngineEvents) (peer.Engine, error) {
		return New(cfg, events)
	}
}

func New(cfg webrtc.Configuration, events peer.EngineEvents) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || events.OnCandidate == nil {
			return
		}
		b, err := json.Marshal(cand.ToJSON())
		if err != nil {
			log.Error().Str("module", "rtc").Err(err).Msg("marshal local candidate")
			return
		}
		events.OnCandidate(b)
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("state", s.String()).Msg("connection state")
		if s == webrtc.PeerConnectionStateFailed && events.OnConnectivityFailed != nil {
			events.OnConnectivityFailed()
		}
	})

	return c, nil
}

func (c *Connection) CreateOffer() (peer.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return peer.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (c *Connection) CreateAnswer() (peer.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return peer.SessionDescription{}, err
	}
	return fromPion(answer), nil
}

func (c *Connection) SetLocalDescription(desc peer.SessionDescription) error {
	return c.pc.SetLocalDescription(toPion(desc))
}

func (c *Connection) SetRemoteDescription(desc peer.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPion(desc))
}

func (c *Connection) HasRemoteDescription() bool {
	return c.pc.RemoteDescription() != nil
}

func (c *Connection) RemoteDescription() (peer.SessionDescription, bool) {
	desc := c.pc.RemoteDescription()
	if desc == nil {
		return peer.SessionDescription{}, false
	}
	return fromPion(*desc), true
}

func (c *Connection) AddICECandidate(candidate json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(candidate, &init); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return c.pc.AddICECandidate(init)
}

// RestartICE produces an ICE-restart offer on the same PeerConnection, which
// is pion's restart primitive.
func (c *Connection) RestartICE() (peer.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return peer.SessionDescription{}, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return peer.SessionDescription{}, err
	}
	return fromPion(offer), nil
}

func (c *Connection) Close() {
	if err := c.pc.Close(); err != nil {
		log.Error().Str("module", "rtc").Err(err).Msg("close peer connection")
	}
}

func toPion(desc peer.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type),
		SDP:  desc.SDP,
	}
}

func fromPion(desc webrtc.SessionDescription) peer.SessionDescription {
	return peer.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
