package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

type memberState struct {
	member *domain.Member
	conn   core.SignalConnection
}

// roomState is one serialization domain: every mutation of its member set
// happens under mu. Operations on different rooms proceed in parallel.
type roomState struct {
	room    *domain.Room
	mu      sync.Mutex
	members map[domain.MemberID]*memberState
	order   []domain.MemberID // join order, drives room-users listings
	closed  bool
}

func (r *roomState) snapshotLocked() []core.MemberInfo {
	out := make([]core.MemberInfo, 0, len(r.order))
	for _, id := range r.order {
		if ms, ok := r.members[id]; ok {
			out = append(out, core.MemberInfo{ID: id, Name: ms.member.DisplayName})
		}
	}
	return out
}

// Rooms is the authoritative registry of rooms and their members. It is the
// only component allowed to mutate membership; everything else goes through
// its API.
type Rooms struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
	byID  map[domain.MemberID]*roomState
	clock func() time.Time
}

func NewRooms() *Rooms {
	return &Rooms{
		rooms: make(map[domain.RoomID]*roomState),
		byID:  make(map[domain.MemberID]*roomState),
		clock: time.Now,
	}
}

func (r *Rooms) getOrCreate(roomID domain.RoomID) *roomState {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if ok {
		return room
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok = r.rooms[roomID]; ok {
		return room
	}
	room = &roomState{
		room:    &domain.Room{ID: roomID, CreatedAt: r.clock()},
		members: make(map[domain.MemberID]*memberState),
	}
	r.rooms[roomID] = room
	log.Info().Str("module", "app.rooms").Str("room", string(roomID)).Msg("room created")
	return room
}

// Join admits a member into a room, creating the room if absent, and returns
// the full member list including the joiner in join order. Joining again with
// the same memberID is idempotent; joining a different room leaves the old
// one first. Everyone else in the room is sent member-joined.
func (r *Rooms) Join(
	roomID domain.RoomID,
	memberID domain.MemberID,
	displayName string,
	conn core.SignalConnection,
) ([]core.MemberInfo, core.PublishResult, error) {
	member, err := domain.NewMember(memberID, displayName, roomID)
	if err != nil {
		return nil, core.PublishResult{}, err
	}

	if prev, ok := r.roomOf(memberID); ok && prev != roomID {
		r.Leave(memberID)
	}

	frame, err := core.Encode(&core.MemberJoined{
		Head: core.Head{Kind: core.KindMemberJoined},
		ID:   memberID,
		Name: displayName,
	})
	if err != nil {
		return nil, core.PublishResult{}, err
	}

	for {
		room := r.getOrCreate(roomID)
		room.mu.Lock()
		if room.closed {
			// Lost a race with the garbage collection of an emptied room.
			room.mu.Unlock()
			continue
		}

		var res core.PublishResult
		if _, exists := room.members[memberID]; !exists {
			for id, ms := range room.members {
				if err := ms.conn.TrySend(frame); err != nil {
					res.Dropped = append(res.Dropped, id)
					continue
				}
				res.SentTo++
			}
			room.members[memberID] = &memberState{member: member, conn: conn}
			room.order = append(room.order, memberID)
		}
		list := room.snapshotLocked()
		room.mu.Unlock()

		r.mu.Lock()
		r.byID[memberID] = room
		r.mu.Unlock()

		log.Info().Str("module", "app.rooms").
			Str("member", string(memberID)).
			Str("room", string(roomID)).
			Int("members", len(list)).
			Msg("member joined")
		return list, res, nil
	}
}

// Leave removes the member from its room if present and tells the remaining
// members. Safe to call any number of times for any memberID: absence is a
// no-op, since disconnect races may fire it for members never fully admitted.
// A room emptied by the departure is deleted before Leave returns.
func (r *Rooms) Leave(memberID domain.MemberID) core.PublishResult {
	r.mu.Lock()
	room, ok := r.byID[memberID]
	delete(r.byID, memberID)
	r.mu.Unlock()
	if !ok {
		return core.PublishResult{}
	}

	room.mu.Lock()
	if _, present := room.members[memberID]; !present {
		room.mu.Unlock()
		return core.PublishResult{}
	}
	delete(room.members, memberID)
	for i, id := range room.order {
		if id == memberID {
			room.order = append(room.order[:i], room.order[i+1:]...)
			break
		}
	}
	empty := len(room.members) == 0

	var res core.PublishResult
	frame, err := core.Encode(&core.MemberLeft{
		Head: core.Head{Kind: core.KindMemberLeft},
		ID:   memberID,
	})
	if err == nil {
		for id, ms := range room.members {
			if err := ms.conn.TrySend(frame); err != nil {
				res.Dropped = append(res.Dropped, id)
				continue
			}
			res.SentTo++
		}
	}
	room.mu.Unlock()

	log.Info().Str("module", "app.rooms").
		Str("member", string(memberID)).
		Str("room", string(room.room.ID)).
		Msg("member left")

	if empty {
		r.collect(room)
	}
	return res
}

// collect deletes a room that was observed empty. Re-checked under both
// locks because a join may have slipped in between.
func (r *Rooms) collect(room *roomState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room.mu.Lock()
	defer room.mu.Unlock()
	if len(room.members) > 0 || room.closed {
		return
	}
	room.closed = true
	delete(r.rooms, room.room.ID)
	log.Info().Str("module", "app.rooms").Str("room", string(room.room.ID)).Msg("room deleted")
}

// ListMembers returns a point-in-time snapshot of the room in join order.
// An unknown room yields an empty list.
func (r *Rooms) ListMembers(roomID domain.RoomID) []core.MemberInfo {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	return room.snapshotLocked()
}

func (r *Rooms) roomOf(memberID domain.MemberID) (domain.RoomID, bool) {
	r.mu.RLock()
	room, ok := r.byID[memberID]
	r.mu.RUnlock()
	if !ok {
		return "", false
	}
	return room.room.ID, true
}

// RoomOf reports which room the member currently occupies.
func (r *Rooms) RoomOf(memberID domain.MemberID) (domain.RoomID, bool) {
	return r.roomOf(memberID)
}

// Member returns the membership record for a single member.
func (r *Rooms) Member(memberID domain.MemberID) (*domain.Member, bool) {
	r.mu.RLock()
	room, ok := r.byID[memberID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	ms, ok := room.members[memberID]
	if !ok {
		return nil, false
	}
	return ms.member, true
}

// Send delivers one frame to a single member. Returns false when the member
// is gone, which callers treat as an expected race, not an error.
func (r *Rooms) Send(memberID domain.MemberID, frame core.Frame) bool {
	r.mu.RLock()
	room, ok := r.byID[memberID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	room.mu.Lock()
	ms, ok := room.members[memberID]
	room.mu.Unlock()
	if !ok {
		return false
	}
	return ms.conn.TrySend(frame) == nil
}

// Broadcast fans one frame out to every member of the room except `from`.
func (r *Rooms) Broadcast(roomID domain.RoomID, from domain.MemberID, frame core.Frame) core.PublishResult {
	r.mu.RLock()
	room, ok := r.rooms[roomID]
	r.mu.RUnlock()
	if !ok {
		return core.PublishResult{}
	}
	room.mu.Lock()
	defer room.mu.Unlock()
	var res core.PublishResult
	for id, ms := range room.members {
		if id == from {
			continue
		}
		if err := ms.conn.TrySend(frame); err != nil {
			res.Dropped = append(res.Dropped, id)
			continue
		}
		res.SentTo++
	}
	return res
}

// RoomCount is used by the health endpoint.
func (r *Rooms) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}
