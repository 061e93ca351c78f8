package app

import (
	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

// Relay routes negotiation envelopes point-to-point inside a room. It never
// broadcasts: one envelope reaches exactly the addressed member or nobody.
type Relay struct {
	Rooms *Rooms
}

// Forward validates that the target shares the sender's room, stamps the
// sender's identity and display name onto the envelope and delivers it. A
// missing target is an expected race (it may have disconnected between send
// and relay) and fails silently: logged, never errored back to the sender.
func (r *Relay) Forward(sender domain.MemberID, env *core.SignalEnvelope) {
	member, ok := r.Rooms.Member(sender)
	if !ok {
		log.Debug().Str("module", "app.relay").
			Str("sender", string(sender)).
			Msg("relay from member outside any room, dropping")
		return
	}

	targetRoom, ok := r.Rooms.RoomOf(env.Target)
	if !ok || targetRoom != member.Room {
		log.Debug().Str("module", "app.relay").
			Str("sender", string(sender)).
			Str("target", string(env.Target)).
			Str("kind", string(env.Kind)).
			Msg("relay target not in sender's room, dropping")
		return
	}

	stamped := *env
	stamped.Target = ""
	stamped.Sender = sender
	stamped.SenderName = member.DisplayName

	frame, err := core.Encode(&stamped)
	if err != nil {
		log.Error().Str("module", "app.relay").Err(err).Msg("encode relay envelope")
		return
	}
	if !r.Rooms.Send(env.Target, frame) {
		log.Debug().Str("module", "app.relay").
			Str("target", string(env.Target)).
			Msg("relay target gone, dropping")
	}
}
