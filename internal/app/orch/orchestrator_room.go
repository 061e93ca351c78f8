package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

func (o *Orchestrator) handleJoin(memberID domain.MemberID, conn core.SignalConnection, m *core.JoinRoom) {
	members, res, err := o.Rooms.Join(m.Room, memberID, m.Name, conn)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidArgument) {
			o.sendTo(conn, &core.ErrorMessage{
				Head:    core.Head{Kind: core.KindError, RID: m.RID},
				Message: "invalid room or name",
			})
			return
		}
		log.Error().Str("module", "orch").Str("member", string(memberID)).Err(err).Msg("join")
		return
	}
	o.applyBackpressure(res)

	o.sendTo(conn, &core.RoomUsers{
		Head:    core.Head{Kind: core.KindRoomUsers, RID: m.RID},
		Room:    m.Room,
		Members: members,
	})

	if o.Media == nil {
		return
	}
	adm, err := o.Media.Admit(m.Room, memberID)
	if err != nil {
		log.Error().Str("module", "orch").Str("member", string(memberID)).Err(err).Msg("media admit")
		o.sendTo(conn, &core.ErrorMessage{
			Head:    core.Head{Kind: core.KindError},
			Message: "media setup failed",
		})
		return
	}
	o.sendTo(conn, &core.TransportCreated{
		Head:               core.Head{Kind: core.KindTransportCreated},
		SendTransport:      adm.SendTransport,
		RecvTransport:      adm.RecvTransport,
		RouterCapabilities: adm.RouterCapabilities,
		Producers:          adm.Producers,
	})
}

// handleLeave empties the member's seat without dropping the socket.
func (o *Orchestrator) handleLeave(memberID domain.MemberID) {
	o.OnDisconnect(memberID)
}

func (o *Orchestrator) handleGetRoomUsers(memberID domain.MemberID, conn core.SignalConnection) {
	roomID, ok := o.Rooms.RoomOf(memberID)
	if !ok {
		return
	}
	o.sendTo(conn, &core.RoomUsers{
		Head:    core.Head{Kind: core.KindRoomUsers},
		Room:    roomID,
		Members: o.Rooms.ListMembers(roomID),
	})
}
