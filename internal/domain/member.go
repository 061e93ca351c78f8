// Package domain contains entities without logic, just meta-data.
package domain

type MemberID string

const MaxDisplayNameLen = 36

// Member represents a participant of a room.
// No transport or lifecycle logic here.
type Member struct {
	ID          MemberID `json:"id"`
	DisplayName string   `json:"name"`
	Room        RoomID   `json:"-"`
}

// NewMember validates inputs and avoids raw struct literals in adapters.
func NewMember(id MemberID, displayName string, room RoomID) (*Member, error) {
	if id == "" {
		return nil, ErrInvalidArgument
	}
	if displayName == "" || len(displayName) > MaxDisplayNameLen {
		return nil, ErrInvalidArgument
	}
	if room == "" {
		return nil, ErrInvalidArgument
	}
	return &Member{ID: id, DisplayName: displayName, Room: room}, nil
}
