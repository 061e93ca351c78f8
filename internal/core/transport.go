package core

import (
	"encoding/json"

	"github.com/mkorolev/huddle/internal/domain"
)

// TransportInfo is what a member needs to complete the handshake for one
// server-side media transport. The parameter blobs are opaque to the
// coordination core.
type TransportInfo struct {
	ID             string          `json:"id"`
	ICEParameters  json.RawMessage `json:"iceParameters,omitempty"`
	ICECandidates  json.RawMessage `json:"iceCandidates,omitempty"`
	DTLSParameters json.RawMessage `json:"dtlsParameters,omitempty"`
}

type ProducerInfo struct {
	ProducerID string          `json:"producerId"`
	Member     domain.MemberID `json:"memberId"`
	MediaKind  string          `json:"mediaKind"`
}
