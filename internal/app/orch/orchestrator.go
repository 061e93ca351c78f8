// Package orch wires the room registry, the signaling relay and the media
// coordinator together and dispatches decoded wire messages to them.
package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/app"
	"github.com/mkorolev/huddle/internal/app/media"
	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

type Orchestrator struct {
	Rooms  *app.Rooms
	Relay  *app.Relay
	Policy app.Policy

	// Media is set in SFU mode only; nil means full-mesh deployment.
	Media *media.Coordinator
}

// HandleMessage dispatches one decoded frame from a member's read pump.
// Handlers for a single member run one at a time; members run concurrently.
func (o *Orchestrator) HandleMessage(memberID domain.MemberID, conn core.SignalConnection, msg any) {
	switch m := msg.(type) {
	case *core.JoinRoom:
		o.handleJoin(memberID, conn, m)
	case *core.LeaveRoom:
		o.handleLeave(memberID)
	case *core.GetRoomUsers:
		o.handleGetRoomUsers(memberID, conn)
	case *core.SignalEnvelope:
		o.Relay.Forward(memberID, m)
	case *core.ConnectTransport:
		side := media.SendSide
		if m.Kind == core.KindConnectRecvTransport {
			side = media.RecvSide
		}
		o.handleConnectTransport(memberID, conn, m, side)
	case *core.Produce:
		o.handleProduce(memberID, conn, m)
	case *core.Consume:
		o.handleConsume(memberID, conn, m)
	default:
		log.Warn().Str("module", "orch").
			Str("member", string(memberID)).
			Msgf("unhandled message %T", msg)
	}
}

// OnDisconnect is the expected terminal transition, not an error path:
// media session first so consumers elsewhere close before membership
// changes, then room membership.
func (o *Orchestrator) OnDisconnect(memberID domain.MemberID) {
	if o.Media != nil {
		o.Media.CloseSession(memberID)
	}
	res := o.Rooms.Leave(memberID)
	o.applyBackpressure(res)
}

func (o *Orchestrator) applyBackpressure(res core.PublishResult) {
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		roomID, ok := o.Rooms.RoomOf(slow)
		if !ok {
			continue
		}
		switch o.Policy.OnBackPressure(roomID, slow) {
		case app.KickMember:
			log.Warn().Str("module", "orch").Str("member", string(slow)).Msg("kicking slow member")
			o.OnDisconnect(slow)
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

func (o *Orchestrator) sendTo(conn core.SignalConnection, msg any) {
	frame, err := core.Encode(msg)
	if err != nil {
		log.Error().Str("module", "orch").Err(err).Msg("encode response")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Debug().Str("module", "orch").Err(err).Msg("send response")
	}
}

func (o *Orchestrator) ack(conn core.SignalConnection, rid uint64, ack core.Ack) {
	ack.Head = core.Head{Kind: core.KindAck, RID: rid}
	o.sendTo(conn, &ack)
}
