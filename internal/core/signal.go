package core

import "github.com/mkorolev/huddle/internal/domain"

// Frame is a raw encoded signaling payload.
type Frame []byte

// SignalConnection abstracts the per-member messaging transport.
// Owned by the adapter; the adapter must Close() it. Frames handed to
// TrySend are delivered in call order, which is what gives the relay its
// per-(sender,target) FIFO guarantee.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// MemberInfo is a read-only view for APIs (no transport fields).
type MemberInfo struct {
	ID   domain.MemberID `json:"id"`
	Name string          `json:"name"`
}

// PublishResult reports delivery stats/backpressure to the orchestrator.
type PublishResult struct {
	SentTo  int
	Dropped []domain.MemberID
}
