package mediaengine

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateDelete
)

// OutTrack represents a single outgoing track to a subscriber.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // zero value is TrackStateOk
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) GetState() TrackState { return TrackState(ot.state.Load()) }
func (ot *OutTrack) MarkMuted()           { ot.state.Store(int32(TrackStateMuted)) }
func (ot *OutTrack) MarkDelete()          { ot.state.Store(int32(TrackStateDelete)) }

// Forwarder fans one producer's RTP stream out to its consumers' tracks.
type Forwarder struct {
	src *webrtc.TrackRemote

	mu   sync.RWMutex
	outs map[string]*OutTrack

	cancel context.CancelFunc
}

func NewForwarder(src *webrtc.TrackRemote, cancel context.CancelFunc) *Forwarder {
	return &Forwarder{
		src:    src,
		outs:   make(map[string]*OutTrack),
		cancel: cancel,
	}
}

func (f *Forwarder) AddOut(consumerID string, ot *OutTrack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outs[consumerID] = ot
}

func (f *Forwarder) MarkDelete(consumerID string) {
	f.mu.RLock()
	ot, ok := f.outs[consumerID]
	f.mu.RUnlock()
	if ok {
		ot.MarkDelete()
	}
}

func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.markAllDelete()
}

// loop reads RTP packets from the source track and forwards them to every
// live OutTrack.
func (f *Forwarder) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("forwarder ctx done, marking all out tracks for delete")
			f.markAllDelete()
			return
		default:
		}
		pkt, _, err := f.src.ReadRTP()
		if err != nil {
			logger.Error().Err(err).Msg("forwarder read RTP error, stopping")
			f.markAllDelete()
			return
		}
		f.forward(pkt, logger)
	}
}

func (f *Forwarder) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	f.mu.RLock()
	snapshot := make(map[string]*OutTrack, len(f.outs))
	maps.Copy(snapshot, f.outs)
	f.mu.RUnlock()

	dirty := make([]string, 0, len(snapshot))
	for cid, ot := range snapshot {
		switch ot.GetState() {
		case TrackStateDelete:
			dirty = append(dirty, cid)
		case TrackStateMuted:
		case TrackStateOk:
			if err := ot.Track.WriteRTP(pkt); err != nil {
				logger.Error().Err(err).Str("consumer", cid).Msg("forwarder write RTP error")
				ot.MarkDelete()
				dirty = append(dirty, cid)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		f.cleanupDeleted(dirty)
	}
}

func (f *Forwarder) cleanupDeleted(dirty []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cid := range dirty {
		delete(f.outs, cid)
	}
}

func (f *Forwarder) markAllDelete() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ot := range f.outs {
		ot.MarkDelete()
	}
}
