package media

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

type TransportSide int

const (
	SendSide TransportSide = iota
	RecvSide
)

// session is the per-member media state. Torn down atomically on disconnect.
type session struct {
	member domain.MemberID
	room   domain.RoomID

	send          Transport
	recv          Transport
	sendConnected bool
	recvConnected bool

	producers map[string]Producer
	consumers map[string]Consumer
}

// routerEntry is one room's serialization domain on the media side: every
// session mutation for the room happens under mu.
type routerEntry struct {
	room     domain.RoomID
	router   Router
	mu       sync.Mutex
	sessions map[domain.MemberID]*session
	closed   bool
}

// Admission is the response to room admission on the media path.
type Admission struct {
	SendTransport      core.TransportInfo
	RecvTransport      core.TransportInfo
	RouterCapabilities json.RawMessage
	Producers          []core.ProducerInfo
}

// ConsumeResult mirrors the consume ack payload.
type ConsumeResult struct {
	ConsumerID    string
	MediaKind     string
	RTPParameters json.RawMessage
}

// Coordinator owns every MediaSession and Router. Nothing outside it may
// touch a router's producer/consumer maps.
type Coordinator struct {
	engine Engine
	codec  CodecProfile

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*routerEntry
	byMember map[domain.MemberID]*routerEntry
}

func NewCoordinator(engine Engine, codec CodecProfile) *Coordinator {
	return &Coordinator{
		engine:   engine,
		codec:    codec,
		rooms:    make(map[domain.RoomID]*routerEntry),
		byMember: make(map[domain.MemberID]*routerEntry),
	}
}

func (c *Coordinator) entryFor(roomID domain.RoomID) (*routerEntry, error) {
	c.mu.RLock()
	entry, ok := c.rooms[roomID]
	c.mu.RUnlock()
	if ok {
		return entry, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if entry, ok = c.rooms[roomID]; ok {
		return entry, nil
	}
	router, err := c.engine.NewRouter(c.codec)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	entry = &routerEntry{
		room:     roomID,
		router:   router,
		sessions: make(map[domain.MemberID]*session),
	}
	c.rooms[roomID] = entry
	log.Info().Str("module", "media").Str("room", string(roomID)).Msg("router created")
	return entry, nil
}

// Admit creates the member's media session: the room router if absent, then
// a send and a recv transport bound to it. The admission response also
// enumerates producers already active in the room.
func (c *Coordinator) Admit(roomID domain.RoomID, memberID domain.MemberID) (*Admission, error) {
	if roomID == "" || memberID == "" {
		return nil, domain.ErrInvalidArgument
	}

	for {
		entry, err := c.entryFor(roomID)
		if err != nil {
			return nil, err
		}

		entry.mu.Lock()
		if entry.closed {
			// Lost a race with router collection after the last session left.
			entry.mu.Unlock()
			continue
		}

		if old, ok := entry.sessions[memberID]; ok {
			// Re-admission replaces the previous session wholesale.
			c.closeSessionLocked(entry, old)
		}

		send, err := entry.router.NewTransport()
		if err != nil {
			entry.mu.Unlock()
			return nil, fmt.Errorf("create send transport: %w", err)
		}
		recv, err := entry.router.NewTransport()
		if err != nil {
			send.Close()
			entry.mu.Unlock()
			return nil, fmt.Errorf("create recv transport: %w", err)
		}

		sess := &session{
			member:    memberID,
			room:      roomID,
			send:      send,
			recv:      recv,
			producers: make(map[string]Producer),
			consumers: make(map[string]Consumer),
		}
		entry.sessions[memberID] = sess

		adm := &Admission{
			SendTransport:      transportInfo(send),
			RecvTransport:      transportInfo(recv),
			RouterCapabilities: entry.router.Capabilities(),
		}
		for id, other := range entry.sessions {
			if id == memberID {
				continue
			}
			for _, p := range other.producers {
				adm.Producers = append(adm.Producers, core.ProducerInfo{
					ProducerID: p.ID(),
					Member:     id,
					MediaKind:  p.MediaKind(),
				})
			}
		}
		entry.mu.Unlock()

		c.mu.Lock()
		c.byMember[memberID] = entry
		c.mu.Unlock()

		log.Info().Str("module", "media").
			Str("member", string(memberID)).
			Str("room", string(roomID)).
			Msg("media session admitted")
		return adm, nil
	}
}

func transportInfo(t Transport) core.TransportInfo {
	ice, cands, dtls := t.ConnectionParameters()
	return core.TransportInfo{
		ID:             t.ID(),
		ICEParameters:  ice,
		ICECandidates:  cands,
		DTLSParameters: dtls,
	}
}

// Connect completes the DTLS handshake for one of the member's transports.
func (c *Coordinator) Connect(memberID domain.MemberID, side TransportSide, dtlsParameters json.RawMessage) error {
	entry, sess, err := c.sessionOf(memberID)
	if err != nil {
		return err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.sessions[memberID] != sess {
		return domain.ErrTransportNotFound
	}

	t := sess.send
	if side == RecvSide {
		t = sess.recv
	}
	if err := t.Connect(dtlsParameters); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}
	if side == SendSide {
		sess.sendConnected = true
	} else {
		sess.recvConnected = true
	}
	return nil
}

// Produce publishes a stream on the member's connected send transport.
// The caller is responsible for broadcasting new-producer to the room.
func (c *Coordinator) Produce(memberID domain.MemberID, mediaKind string, rtpParameters json.RawMessage) (string, error) {
	if mediaKind == "" {
		return "", domain.ErrInvalidArgument
	}
	entry, sess, err := c.sessionOf(memberID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.sessions[memberID] != sess {
		return "", domain.ErrTransportNotFound
	}
	if !sess.sendConnected {
		return "", fmt.Errorf("%w: send transport not connected", domain.ErrTransportNotFound)
	}

	producer, err := sess.send.Produce(mediaKind, rtpParameters)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}
	sess.producers[producer.ID()] = producer

	log.Info().Str("module", "media").
		Str("member", string(memberID)).
		Str("producer", producer.ID()).
		Str("media_kind", mediaKind).
		Msg("producer created")
	return producer.ID(), nil
}

// Consume subscribes the member to a producer published anywhere in its
// room. Producer ids are globally unique, not scoped to the requester; a
// producer whose owner already disconnected is a NotFound, an expected race.
func (c *Coordinator) Consume(memberID domain.MemberID, producerID string, rtpCapabilities json.RawMessage) (*ConsumeResult, error) {
	if producerID == "" {
		return nil, domain.ErrInvalidArgument
	}
	entry, sess, err := c.sessionOf(memberID)
	if err != nil {
		return nil, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.sessions[memberID] != sess {
		return nil, domain.ErrTransportNotFound
	}

	found := false
	for _, other := range entry.sessions {
		if _, ok := other.producers[producerID]; ok {
			found = true
			break
		}
	}
	if !found {
		return nil, domain.ErrProducerNotFound
	}
	if !entry.router.CanConsume(producerID, rtpCapabilities) {
		return nil, domain.ErrIncompatibleCapabilities
	}

	consumer, err := sess.recv.Consume(producerID, rtpCapabilities)
	if err != nil {
		return nil, fmt.Errorf("consume: %w", err)
	}
	sess.consumers[consumer.ID()] = consumer

	log.Info().Str("module", "media").
		Str("member", string(memberID)).
		Str("producer", producerID).
		Str("consumer", consumer.ID()).
		Msg("consumer created")
	return &ConsumeResult{
		ConsumerID:    consumer.ID(),
		MediaKind:     consumer.MediaKind(),
		RTPParameters: consumer.RTPParameters(),
	}, nil
}

// CloseSession tears the member's media session down: its producers, every
// consumer anywhere in the room reading from them, its own consumers, both
// transports, and finally the router when the room has no sessions left.
// Safe to call for members that never had a session.
func (c *Coordinator) CloseSession(memberID domain.MemberID) {
	c.mu.Lock()
	entry, ok := c.byMember[memberID]
	delete(c.byMember, memberID)
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	sess, ok := entry.sessions[memberID]
	if ok {
		c.closeSessionLocked(entry, sess)
		delete(entry.sessions, memberID)
	}
	empty := len(entry.sessions) == 0
	entry.mu.Unlock()

	if empty {
		c.collectRouter(entry)
	}
}

// closeSessionLocked runs under entry.mu.
func (c *Coordinator) closeSessionLocked(entry *routerEntry, sess *session) {
	// A consumer must never outlive the producer it reads from: close
	// every consumer elsewhere in the room referencing one of this
	// member's producers first.
	for id, p := range sess.producers {
		for _, other := range entry.sessions {
			if other == sess {
				continue
			}
			for cid, consumer := range other.consumers {
				if consumer.ProducerID() == id {
					consumer.Close()
					delete(other.consumers, cid)
				}
			}
		}
		p.Close()
	}
	for _, consumer := range sess.consumers {
		consumer.Close()
	}
	sess.send.Close()
	sess.recv.Close()

	log.Info().Str("module", "media").
		Str("member", string(sess.member)).
		Str("room", string(sess.room)).
		Msg("media session closed")
}

func (c *Coordinator) collectRouter(entry *routerEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if len(entry.sessions) > 0 || entry.closed {
		return
	}
	if c.rooms[entry.room] != entry {
		return
	}
	entry.closed = true
	entry.router.Close()
	delete(c.rooms, entry.room)
	log.Info().Str("module", "media").Str("room", string(entry.room)).Msg("router closed")
}

func (c *Coordinator) sessionOf(memberID domain.MemberID) (*routerEntry, *session, error) {
	c.mu.RLock()
	entry, ok := c.byMember[memberID]
	c.mu.RUnlock()
	if !ok {
		return nil, nil, domain.ErrTransportNotFound
	}
	entry.mu.Lock()
	sess, ok := entry.sessions[memberID]
	entry.mu.Unlock()
	if !ok {
		return nil, nil, domain.ErrTransportNotFound
	}
	return entry, sess, nil
}
