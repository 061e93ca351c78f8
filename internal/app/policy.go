package app

import "github.com/mkorolev/huddle/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

// Policy decides what to do with members whose send buffer overflowed
// during a room broadcast.
type Policy interface {
	OnBackPressure(room domain.RoomID, member domain.MemberID) BackpressureAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(room domain.RoomID, member domain.MemberID) BackpressureAction {
	return KickMember
}
