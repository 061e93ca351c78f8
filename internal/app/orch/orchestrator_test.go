package orch_test

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"

	"github.com/mkorolev/huddle/internal/app"
	"github.com/mkorolev/huddle/internal/app/media"
	"github.com/mkorolev/huddle/internal/app/orch"
	"github.com/mkorolev/huddle/internal/core"
	"github.com/mkorolev/huddle/internal/domain"
)

// recordingConn captures every decoded frame sent to one member.
type recordingConn struct {
	mu     sync.Mutex
	frames []any
}

func (c *recordingConn) TrySend(f core.Frame) error {
	msg, err := core.Decode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.frames = append(c.frames, msg)
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) Close() {}

func (c *recordingConn) received() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *recordingConn) joinedNotices() []*core.MemberJoined {
	var out []*core.MemberJoined
	for _, f := range c.received() {
		if m, ok := f.(*core.MemberJoined); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) leftNotices() []*core.MemberLeft {
	var out []*core.MemberLeft
	for _, f := range c.received() {
		if m, ok := f.(*core.MemberLeft); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *recordingConn) lastAck(t *testing.T) *core.Ack {
	t.Helper()
	frames := c.received()
	for i := len(frames) - 1; i >= 0; i-- {
		if a, ok := frames[i].(*core.Ack); ok {
			return a
		}
	}
	t.Fatal("no ack received")
	return nil
}

func newMeshOrchestrator() *orch.Orchestrator {
	rooms := app.NewRooms()
	return &orch.Orchestrator{
		Rooms:  rooms,
		Relay:  &app.Relay{Rooms: rooms},
		Policy: app.SimplePolicy{},
	}
}

func join(t *testing.T, o *orch.Orchestrator, id domain.MemberID, name string, room domain.RoomID) *recordingConn {
	t.Helper()
	conn := &recordingConn{}
	o.HandleMessage(id, conn, &core.JoinRoom{
		Head: core.Head{Kind: core.KindJoinRoom, RID: 1},
		Room: room,
		Name: name,
	})
	return conn
}

func TestJoin_ThirdMemberSeesFullListOthersSeeOneNotice(t *testing.T) {
	t.Parallel()
	o := newMeshOrchestrator()

	connA := join(t, o, "a", "alice", "r1")
	connB := join(t, o, "b", "bob", "r1")
	connC := join(t, o, "c", "carol", "r1")

	// c's join reply lists a, b and c in join order.
	frames := connC.received()
	if len(frames) == 0 {
		t.Fatal("c received nothing")
	}
	users, ok := frames[0].(*core.RoomUsers)
	if !ok {
		t.Fatalf("c's first frame is %T, want *core.RoomUsers", frames[0])
	}
	if users.RID != 1 {
		t.Errorf("room-users rid = %d, want the join rid 1", users.RID)
	}
	wantOrder := []domain.MemberID{"a", "b", "c"}
	if len(users.Members) != 3 {
		t.Fatalf("room-users lists %d members, want 3", len(users.Members))
	}
	for i, id := range wantOrder {
		if users.Members[i].ID != id {
			t.Errorf("members[%d] = %s, want %s", i, users.Members[i].ID, id)
		}
	}

	// a and b each got exactly one member-joined for c (plus earlier ones).
	for name, conn := range map[string]*recordingConn{"a": connA, "b": connB} {
		seenC := 0
		for _, n := range conn.joinedNotices() {
			if n.ID == "c" {
				seenC++
			}
		}
		if seenC != 1 {
			t.Errorf("%s saw %d member-joined notices for c, want 1", name, seenC)
		}
	}
	// c never sees a notice about itself.
	for _, n := range connC.joinedNotices() {
		if n.ID == "c" {
			t.Error("joiner received member-joined about itself")
		}
	}
}

func TestSignalEnvelope_RelayedWithSenderIdentity(t *testing.T) {
	t.Parallel()
	o := newMeshOrchestrator()
	connA := join(t, o, "a", "alice", "r1")
	connB := join(t, o, "b", "bob", "r1")

	o.HandleMessage("a", connA, &core.SignalEnvelope{
		Head:    core.Head{Kind: core.KindOffer},
		Target:  "b",
		Payload: json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})

	var env *core.SignalEnvelope
	for _, f := range connB.received() {
		if e, ok := f.(*core.SignalEnvelope); ok {
			env = e
		}
	}
	if env == nil {
		t.Fatal("b never received the offer")
	}
	if env.Kind != core.KindOffer || env.Sender != "a" || env.SenderName != "alice" {
		t.Errorf("unexpected envelope: kind=%s sender=%s name=%s", env.Kind, env.Sender, env.SenderName)
	}
}

func TestLeaveAndDisconnect_NotifyRemainingMembers(t *testing.T) {
	t.Parallel()
	o := newMeshOrchestrator()
	connA := join(t, o, "a", "alice", "r1")
	connB := join(t, o, "b", "bob", "r1")
	join(t, o, "c", "carol", "r1")

	// b leaves explicitly, c drops its socket.
	o.HandleMessage("b", connB, &core.LeaveRoom{Head: core.Head{Kind: core.KindLeaveRoom}})
	o.OnDisconnect("c")

	left := connA.leftNotices()
	if len(left) != 2 {
		t.Fatalf("a saw %d member-left notices, want 2", len(left))
	}
	seen := map[domain.MemberID]bool{left[0].ID: true, left[1].ID: true}
	if !seen["b"] || !seen["c"] {
		t.Errorf("member-left notices = %v, want b and c", seen)
	}
	if got := o.Rooms.ListMembers("r1"); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("unexpected remaining members: %+v", got)
	}
}

func TestGetRoomUsers_ReflectsCurrentMembership(t *testing.T) {
	t.Parallel()
	o := newMeshOrchestrator()
	connA := join(t, o, "a", "alice", "r1")
	join(t, o, "b", "bob", "r1")
	o.OnDisconnect("b")

	o.HandleMessage("a", connA, &core.GetRoomUsers{Head: core.Head{Kind: core.KindGetRoomUsers}})

	var users *core.RoomUsers
	for _, f := range connA.received() {
		if u, ok := f.(*core.RoomUsers); ok {
			users = u
		}
	}
	if users == nil {
		t.Fatal("no room-users response")
	}
	if len(users.Members) != 1 || users.Members[0].ID != "a" {
		t.Errorf("members = %+v, want just a", users.Members)
	}
}

func TestJoin_InvalidNameRejectedWithError(t *testing.T) {
	t.Parallel()
	o := newMeshOrchestrator()
	conn := &recordingConn{}
	o.HandleMessage("a", conn, &core.JoinRoom{
		Head: core.Head{Kind: core.KindJoinRoom, RID: 7},
		Room: "r1",
		Name: "",
	})

	frames := conn.received()
	if len(frames) != 1 {
		t.Fatalf("received %d frames, want 1 error", len(frames))
	}
	errMsg, ok := frames[0].(*core.ErrorMessage)
	if !ok {
		t.Fatalf("frame is %T, want *core.ErrorMessage", frames[0])
	}
	if errMsg.RID != 7 {
		t.Errorf("error rid = %d, want 7", errMsg.RID)
	}
	if _, inRoom := o.Rooms.RoomOf("a"); inRoom {
		t.Error("rejected member ended up in a room")
	}
}

func TestMediaOps_AckMediaDisabledInMeshMode(t *testing.T) {
	t.Parallel()
	o := newMeshOrchestrator()
	conn := join(t, o, "a", "alice", "r1")

	o.HandleMessage("a", conn, &core.Produce{
		Head:      core.Head{Kind: core.KindProduce, RID: 3},
		MediaKind: "audio",
	})

	ack := conn.lastAck(t)
	if ack.RID != 3 || ack.Error != "media disabled" {
		t.Errorf("ack = %+v, want rid 3 and media disabled", ack)
	}
}

// --- SFU mode ------------------------------------------------------------

// sfuEngine is a minimal in-memory media.Engine for orchestration tests.
type sfuEngine struct{ seq int }

func (e *sfuEngine) NewRouter(media.CodecProfile) (media.Router, error) {
	return &sfuRouter{engine: e}, nil
}

type sfuRouter struct {
	engine *sfuEngine
}

func (r *sfuRouter) Capabilities() json.RawMessage { return json.RawMessage(`{"codecs":[]}`) }

func (r *sfuRouter) NewTransport() (media.Transport, error) {
	r.engine.seq++
	return &sfuTransport{id: fmt.Sprintf("t%d", r.engine.seq), engine: r.engine}, nil
}

func (r *sfuRouter) CanConsume(string, json.RawMessage) bool { return true }
func (r *sfuRouter) Close()                                  {}

type sfuTransport struct {
	id     string
	engine *sfuEngine
}

func (t *sfuTransport) ID() string { return t.id }

func (t *sfuTransport) ConnectionParameters() (json.RawMessage, json.RawMessage, json.RawMessage) {
	return json.RawMessage(`{}`), json.RawMessage(`[]`), json.RawMessage(`{}`)
}

func (t *sfuTransport) Connect(json.RawMessage) error { return nil }

func (t *sfuTransport) Produce(kind string, _ json.RawMessage) (media.Producer, error) {
	t.engine.seq++
	return &sfuProducer{id: fmt.Sprintf("p%d", t.engine.seq), kind: kind}, nil
}

func (t *sfuTransport) Consume(producerID string, _ json.RawMessage) (media.Consumer, error) {
	t.engine.seq++
	return &sfuConsumer{id: fmt.Sprintf("c%d", t.engine.seq), producerID: producerID}, nil
}

func (t *sfuTransport) Close() {}

type sfuProducer struct{ id, kind string }

func (p *sfuProducer) ID() string        { return p.id }
func (p *sfuProducer) MediaKind() string { return p.kind }
func (p *sfuProducer) Close()            {}

type sfuConsumer struct{ id, producerID string }

func (c *sfuConsumer) ID() string                     { return c.id }
func (c *sfuConsumer) ProducerID() string             { return c.producerID }
func (c *sfuConsumer) MediaKind() string              { return "audio" }
func (c *sfuConsumer) RTPParameters() json.RawMessage { return json.RawMessage(`{}`) }
func (c *sfuConsumer) Close()                         {}

func newSFUOrchestrator() *orch.Orchestrator {
	rooms := app.NewRooms()
	codec := media.CodecProfile{MimeType: "audio/opus", ClockRate: 48000, Channels: 2}
	return &orch.Orchestrator{
		Rooms:  rooms,
		Relay:  &app.Relay{Rooms: rooms},
		Policy: app.SimplePolicy{},
		Media:  media.NewCoordinator(&sfuEngine{}, codec),
	}
}

func TestSFUJoin_SendsTransportCreatedAfterRoomUsers(t *testing.T) {
	t.Parallel()
	o := newSFUOrchestrator()
	conn := join(t, o, "a", "alice", "r1")

	frames := conn.received()
	if len(frames) != 2 {
		t.Fatalf("received %d frames, want room-users then transport-created", len(frames))
	}
	if _, ok := frames[0].(*core.RoomUsers); !ok {
		t.Errorf("first frame is %T, want *core.RoomUsers", frames[0])
	}
	tc, ok := frames[1].(*core.TransportCreated)
	if !ok {
		t.Fatalf("second frame is %T, want *core.TransportCreated", frames[1])
	}
	if tc.SendTransport.ID == "" || tc.RecvTransport.ID == "" {
		t.Error("transport-created missing transport ids")
	}
	if len(tc.RouterCapabilities) == 0 {
		t.Error("transport-created missing router capabilities")
	}
}

func TestSFUProduceConsume_FullFlow(t *testing.T) {
	t.Parallel()
	o := newSFUOrchestrator()
	connA := join(t, o, "a", "alice", "r1")
	connB := join(t, o, "b", "bob", "r1")

	o.HandleMessage("a", connA, &core.ConnectTransport{
		Head: core.Head{Kind: core.KindConnectSendTransport, RID: 2},
	})
	if ack := connA.lastAck(t); ack.Error != "" {
		t.Fatalf("connect ack error: %s", ack.Error)
	}

	o.HandleMessage("a", connA, &core.Produce{
		Head:      core.Head{Kind: core.KindProduce, RID: 3},
		MediaKind: "audio",
	})
	ack := connA.lastAck(t)
	if ack.Error != "" || ack.ProducerID == "" {
		t.Fatalf("produce ack = %+v", ack)
	}

	// b is told about the new producer.
	var notice *core.NewProducer
	for _, f := range connB.received() {
		if n, ok := f.(*core.NewProducer); ok {
			notice = n
		}
	}
	if notice == nil {
		t.Fatal("b never received new-producer")
	}
	if notice.ProducerID != ack.ProducerID || notice.Member != "a" || notice.MediaKind != "audio" {
		t.Errorf("unexpected new-producer: %+v", notice)
	}
	// The producer must not be announced back to its owner.
	for _, f := range connA.received() {
		if _, ok := f.(*core.NewProducer); ok {
			t.Error("producer announced to its own publisher")
		}
	}

	o.HandleMessage("b", connB, &core.ConnectTransport{
		Head: core.Head{Kind: core.KindConnectRecvTransport, RID: 4},
	})
	o.HandleMessage("b", connB, &core.Consume{
		Head:       core.Head{Kind: core.KindConsume, RID: 5},
		ProducerID: notice.ProducerID,
	})
	cack := connB.lastAck(t)
	if cack.Error != "" || cack.ConsumerID == "" || cack.ProducerID != notice.ProducerID {
		t.Errorf("consume ack = %+v", cack)
	}
}

func TestSFUConsume_DeadProducerAcksNotFound(t *testing.T) {
	t.Parallel()
	o := newSFUOrchestrator()
	connA := join(t, o, "a", "alice", "r1")
	connB := join(t, o, "b", "bob", "r1")

	o.HandleMessage("a", connA, &core.ConnectTransport{
		Head: core.Head{Kind: core.KindConnectSendTransport, RID: 2},
	})
	o.HandleMessage("a", connA, &core.Produce{
		Head:      core.Head{Kind: core.KindProduce, RID: 3},
		MediaKind: "audio",
	})
	producerID := connA.lastAck(t).ProducerID

	o.OnDisconnect("a")

	o.HandleMessage("b", connB, &core.Consume{
		Head:       core.Head{Kind: core.KindConsume, RID: 4},
		ProducerID: producerID,
	})
	ack := connB.lastAck(t)
	if ack.Error != "producer not found" {
		t.Errorf("ack error = %q, want producer not found", ack.Error)
	}
}

func TestSFULateJoiner_SeesExistingProducers(t *testing.T) {
	t.Parallel()
	o := newSFUOrchestrator()
	connA := join(t, o, "a", "alice", "r1")
	o.HandleMessage("a", connA, &core.ConnectTransport{
		Head: core.Head{Kind: core.KindConnectSendTransport, RID: 2},
	})
	o.HandleMessage("a", connA, &core.Produce{
		Head:      core.Head{Kind: core.KindProduce, RID: 3},
		MediaKind: "audio",
	})
	producerID := connA.lastAck(t).ProducerID

	connB := join(t, o, "b", "bob", "r1")
	var tc *core.TransportCreated
	for _, f := range connB.received() {
		if m, ok := f.(*core.TransportCreated); ok {
			tc = m
		}
	}
	if tc == nil {
		t.Fatal("late joiner got no transport-created")
	}
	if len(tc.Producers) != 1 || tc.Producers[0].ProducerID != producerID || tc.Producers[0].Member != "a" {
		t.Errorf("late joiner producers = %+v, want a's producer", tc.Producers)
	}
}

func TestOnDisconnect_SafeForUnknownMember(t *testing.T) {
	t.Parallel()
	o := newSFUOrchestrator()
	o.OnDisconnect("ghost")
	o.OnDisconnect("ghost")
}
