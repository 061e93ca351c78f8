package orch

import (
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/app/media"
	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

// ackError maps an operation failure into an ack error string. The error
// stays scoped to the requesting member; no other session is touched.
func ackError(err error) string {
	switch {
	case errors.Is(err, domain.ErrTransportNotFound):
		return "transport not found"
	case errors.Is(err, domain.ErrProducerNotFound):
		return "producer not found"
	case errors.Is(err, domain.ErrIncompatibleCapabilities):
		return "cannot consume"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid request"
	default:
		return "engine failure"
	}
}

func (o *Orchestrator) handleConnectTransport(
	memberID domain.MemberID,
	conn core.SignalConnection,
	m *core.ConnectTransport,
	side media.TransportSide,
) {
	if o.Media == nil {
		o.ack(conn, m.RID, core.Ack{Error: "media disabled"})
		return
	}
	if err := o.Media.Connect(memberID, side, m.DTLSParameters); err != nil {
		log.Debug().Str("module", "orch").Str("member", string(memberID)).Err(err).Msg("connect transport")
		o.ack(conn, m.RID, core.Ack{Error: ackError(err)})
		return
	}
	o.ack(conn, m.RID, core.Ack{})
}

func (o *Orchestrator) handleProduce(memberID domain.MemberID, conn core.SignalConnection, m *core.Produce) {
	if o.Media == nil {
		o.ack(conn, m.RID, core.Ack{Error: "media disabled"})
		return
	}
	producerID, err := o.Media.Produce(memberID, m.MediaKind, m.RTPParameters)
	if err != nil {
		log.Debug().Str("module", "orch").Str("member", string(memberID)).Err(err).Msg("produce")
		o.ack(conn, m.RID, core.Ack{Error: ackError(err)})
		return
	}
	o.ack(conn, m.RID, core.Ack{ProducerID: producerID})

	roomID, ok := o.Rooms.RoomOf(memberID)
	if !ok {
		return
	}
	frame, err := core.Encode(&core.NewProducer{
		Head:       core.Head{Kind: core.KindNewProducer},
		ProducerID: producerID,
		Member:     memberID,
		MediaKind:  m.MediaKind,
	})
	if err != nil {
		log.Error().Str("module", "orch").Err(err).Msg("encode new-producer")
		return
	}
	res := o.Rooms.Broadcast(roomID, memberID, frame)
	o.applyBackpressure(res)
}

func (o *Orchestrator) handleConsume(memberID domain.MemberID, conn core.SignalConnection, m *core.Consume) {
	if o.Media == nil {
		o.ack(conn, m.RID, core.Ack{Error: "media disabled"})
		return
	}
	res, err := o.Media.Consume(memberID, m.ProducerID, m.RTPCapabilities)
	if err != nil {
		log.Debug().Str("module", "orch").Str("member", string(memberID)).Err(err).Msg("consume")
		o.ack(conn, m.RID, core.Ack{Error: ackError(err)})
		return
	}
	o.ack(conn, m.RID, core.Ack{
		ConsumerID:    res.ConsumerID,
		MediaKind:     res.MediaKind,
		RTPParameters: res.RTPParameters,
		ProducerID:    m.ProducerID,
	})
}
