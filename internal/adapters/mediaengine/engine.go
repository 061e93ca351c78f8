// Package mediaengine implements media.Engine on pion: a router per room,
// one PeerConnection per transport, and an RTP forwarder per producer. The
// negotiation blobs exchanged with clients are whole session descriptions,
// folded into the DTLS parameter field of the transport info.
package mediaengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mkorolev/huddle/internal/app/media"
)

type Engine struct {
	rtcConfig webrtc.Configuration
}

func New(rtcConfig webrtc.Configuration) *Engine {
	return &Engine{rtcConfig: rtcConfig}
}

func (e *Engine) NewRouter(codec media.CodecProfile) (media.Router, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  codec.MimeType,
			ClockRate: codec.ClockRate,
			Channels:  codec.Channels,
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register codec: %w", err)
	}

	caps, err := json.Marshal(codec)
	if err != nil {
		return nil, err
	}

	return &router{
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		rtcConfig:  e.rtcConfig,
		codec:      codec,
		caps:       caps,
		forwarders: make(map[string]*Forwarder),
	}, nil
}

type router struct {
	api       *webrtc.API
	rtcConfig webrtc.Configuration
	codec     media.CodecProfile
	caps      json.RawMessage

	mu         sync.RWMutex
	forwarders map[string]*Forwarder // producerID -> forwarder
}

func (r *router) Capabilities() json.RawMessage { return r.caps }

func (r *router) NewTransport() (media.Transport, error) {
	pc, err := r.api.NewPeerConnection(r.rtcConfig)
	if err != nil {
		return nil, err
	}
	t := &transport{
		id:     uuid.NewString(),
		pc:     pc,
		router: r,
	}

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.claimTrack(track)
	})

	if _, err := pc.AddTransceiverFromKind(
		webrtc.RTPCodecTypeAudio,
		webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly},
	); err != nil {
		_ = pc.Close()
		return nil, err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	<-gatherComplete

	local, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	t.localDesc = local
	return t, nil
}

func (r *router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.RLock()
	_, ok := r.forwarders[producerID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if len(rtpCapabilities) == 0 {
		return true
	}
	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	if len(caps.Codecs) == 0 {
		return true
	}
	for _, c := range caps.Codecs {
		if strings.EqualFold(c.MimeType, r.codec.MimeType) {
			return true
		}
	}
	return false
}

func (r *router) forwarder(producerID string) (*Forwarder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.forwarders[producerID]
	return f, ok
}

func (r *router) startForwarder(producerID string, src *webrtc.TrackRemote) {
	logger := log.With().Str("module", "mediaengine").Str("producer", producerID).Logger()
	ctx, cancel := context.WithCancel(context.Background())
	f := NewForwarder(src, cancel)

	r.mu.Lock()
	if old, ok := r.forwarders[producerID]; ok {
		old.Stop()
	}
	r.forwarders[producerID] = f
	r.mu.Unlock()

	logger.Info().Msg("starting forwarder loop")
	go f.loop(ctx, &logger)
}

func (r *router) stopForwarder(producerID string) {
	r.mu.Lock()
	f, ok := r.forwarders[producerID]
	delete(r.forwarders, producerID)
	r.mu.Unlock()
	if ok {
		f.Stop()
	}
}

func (r *router) Close() {
	r.mu.Lock()
	forwarders := r.forwarders
	r.forwarders = make(map[string]*Forwarder)
	r.mu.Unlock()
	for _, f := range forwarders {
		f.Stop()
	}
}

type transport struct {
	id        string
	pc        *webrtc.PeerConnection
	router    *router
	localDesc json.RawMessage

	mu               sync.Mutex
	pendingProducers []*producer
	pendingTracks    []*webrtc.TrackRemote
}

func (t *transport) ID() string { return t.id }

func (t *transport) ConnectionParameters() (ice, candidates, dtls json.RawMessage) {
	return nil, nil, t.localDesc
}

// Connect applies the client's answering session description.
func (t *transport) Connect(dtlsParameters json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(dtlsParameters, &desc); err != nil {
		return fmt.Errorf("decode remote description: %w", err)
	}
	return t.pc.SetRemoteDescription(desc)
}

// claimTrack pairs an incoming remote track with the oldest producer still
// waiting for one.
func (t *transport) claimTrack(track *webrtc.TrackRemote) {
	t.mu.Lock()
	if len(t.pendingProducers) == 0 {
		t.pendingTracks = append(t.pendingTracks, track)
		t.mu.Unlock()
		return
	}
	p := t.pendingProducers[0]
	t.pendingProducers = t.pendingProducers[1:]
	t.mu.Unlock()

	t.router.startForwarder(p.id, track)
}

func (t *transport) Produce(mediaKind string, rtpParameters json.RawMessage) (media.Producer, error) {
	p := &producer{
		id:     uuid.NewString(),
		kind:   mediaKind,
		router: t.router,
	}

	t.mu.Lock()
	if len(t.pendingTracks) > 0 {
		track := t.pendingTracks[0]
		t.pendingTracks = t.pendingTracks[1:]
		t.mu.Unlock()
		t.router.startForwarder(p.id, track)
		return p, nil
	}
	t.pendingProducers = append(t.pendingProducers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *transport) Consume(producerID string, rtpCapabilities json.RawMessage) (media.Consumer, error) {
	f, ok := t.router.forwarder(producerID)
	if !ok {
		return nil, fmt.Errorf("no forwarder for producer %s", producerID)
	}

	codec := t.router.codec
	track, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{
		MimeType:  codec.MimeType,
		ClockRate: codec.ClockRate,
		Channels:  codec.Channels,
	}, "audio", "huddle-"+producerID)
	if err != nil {
		return nil, err
	}

	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	go drainRTCP(sender)

	c := &consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       "audio",
		rtpParams:  t.router.caps,
		forwarder:  f,
	}
	f.AddOut(c.id, NewOutTrack(track))
	return c, nil
}

func (t *transport) Close() {
	if err := t.pc.Close(); err != nil {
		log.Error().Str("module", "mediaengine").Err(err).Msg("close transport")
	}
}

// drainRTCP keeps the interceptor pipeline flowing for a sender.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

type producer struct {
	id     string
	kind   string
	router *router
}

func (p *producer) ID() string        { return p.id }
func (p *producer) MediaKind() string { return p.kind }
func (p *producer) Close()            { p.router.stopForwarder(p.id) }

type consumer struct {
	id         string
	producerID string
	kind       string
	rtpParams  json.RawMessage
	forwarder  *Forwarder
}

func (c *consumer) ID() string                     { return c.id }
func (c *consumer) ProducerID() string             { return c.producerID }
func (c *consumer) MediaKind() string              { return c.kind }
func (c *consumer) RTPParameters() json.RawMessage { return c.rtpParams }
func (c *consumer) Close()                         { c.forwarder.MarkDelete(c.id) }
