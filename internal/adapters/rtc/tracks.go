package rtc

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

const midPollInterval = 200 * time.Millisecond

// handleRemoteTrack registers an inbound track and resolves its owner. The
// mid→user mapping arrives over signaling and may land before or after the
// track itself, so the track is parked as unmapped until either the mapping
// shows up or the wait window closes.
func (m *Manager) handleRemoteTrack(pc *webrtc.PeerConnection, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	mid := m.midForReceiver(pc, receiver)
	stream := &RemoteStream{trackID: track.ID(), mid: mid, track: track}

	m.mu.Lock()
	if m.pc != pc {
		m.mu.Unlock()
		stream.Stop()
		return
	}
	if mid != "" {
		m.midToTrack[mid] = track.ID()
		if userID, ok := m.midToUser[mid]; ok {
			m.mu.Unlock()
			m.trackEv.emit(trackEvent{userID: userID, stream: stream, mid: mid})
			return
		}
	}
	m.unmapped[track.ID()] = stream
	m.mu.Unlock()

	m.trackEv.emit(trackEvent{userID: 0, stream: stream, mid: mid})
	go m.awaitMidAssignment(pc, stream)
}

// registerRemoteStream inserts a stream as if it had arrived from the peer
// connection, resolving it immediately when its mid is already mapped.
func (m *Manager) registerRemoteStream(pc *webrtc.PeerConnection, stream *RemoteStream) {
	m.mu.Lock()
	if m.pc != pc {
		m.mu.Unlock()
		stream.Stop()
		return
	}
	if stream.mid != "" {
		m.midToTrack[stream.mid] = stream.trackID
		if userID, ok := m.midToUser[stream.mid]; ok {
			m.mu.Unlock()
			m.trackEv.emit(trackEvent{userID: userID, stream: stream, mid: stream.mid})
			return
		}
	}
	m.unmapped[stream.trackID] = stream
	m.mu.Unlock()
}

// awaitMidAssignment polls for a late mid→user mapping. The mid may also be
// assigned only after renegotiation completes, so each tick rescans the
// transceivers. Gives up once the wait window closes; the track stays
// usable as an anonymous preview.
func (m *Manager) awaitMidAssignment(pc *webrtc.PeerConnection, stream *RemoteStream) {
	deadline := time.Now().Add(m.opts.MidMapTimeout)
	ticker := time.NewTicker(midPollInterval)
	defer ticker.Stop()

	for range ticker.C {
		m.mu.Lock()
		if m.pc != pc {
			m.mu.Unlock()
			return
		}
		if _, waiting := m.unmapped[stream.trackID]; !waiting {
			m.mu.Unlock()
			return
		}
		mid := stream.mid
		if mid == "" {
			mid = m.midForTrackLocked(pc, stream.trackID)
			if mid != "" {
				stream.mid = mid
				m.midToTrack[mid] = stream.trackID
			}
		}
		if mid != "" {
			if userID, ok := m.midToUser[mid]; ok {
				delete(m.unmapped, stream.trackID)
				m.mu.Unlock()
				m.trackEv.emit(trackEvent{userID: userID, stream: stream, mid: mid})
				return
			}
		}
		m.mu.Unlock()

		if time.Now().After(deadline) {
			log.Warn().
				Str("module", "rtc").
				Str("track_id", stream.trackID).
				Str("mid", stream.mid).
				Msg("no owner mapping for track, keeping as preview")
			return
		}
	}
}

// SetMidMap installs the authoritative mid→user mapping from the server and
// promotes any parked tracks it resolves. Idempotent; repeated mappings for
// an already-promoted track do nothing.
func (m *Manager) SetMidMap(mapping core.MidMap) {
	type promotion struct {
		userID domain.UserID
		stream *RemoteStream
		mid    string
	}
	var promoted []promotion

	m.mu.Lock()
	if m.pc == nil {
		m.mu.Unlock()
		return
	}
	for mid, userID := range mapping {
		m.midToUser[mid] = userID
		trackID, ok := m.midToTrack[mid]
		if !ok {
			continue
		}
		stream, waiting := m.unmapped[trackID]
		if !waiting {
			continue
		}
		delete(m.unmapped, trackID)
		promoted = append(promoted, promotion{userID: userID, stream: stream, mid: mid})
	}
	m.mu.Unlock()

	for _, p := range promoted {
		m.trackEv.emit(trackEvent{userID: p.userID, stream: p.stream, mid: p.mid})
	}
}

// midForReceiver scans the transceivers for the one owning the receiver.
// Returns empty when the mid is not assigned yet.
func (m *Manager) midForReceiver(pc *webrtc.PeerConnection, receiver *webrtc.RTPReceiver) string {
	for _, tr := range pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			return tr.Mid()
		}
	}
	return ""
}

// midForTrackLocked resolves a track's mid by scanning the transceivers.
// Caller holds m.mu.
func (m *Manager) midForTrackLocked(pc *webrtc.PeerConnection, trackID string) string {
	for _, tr := range pc.GetTransceivers() {
		r := tr.Receiver()
		if r == nil {
			continue
		}
		t := r.Track()
		if t != nil && t.ID() == trackID {
			return tr.Mid()
		}
	}
	return ""
}
