package app

import (
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// PromoteTrackToUser attaches a stream to its resolved owner, creating the
// participant if the join notice has not arrived yet. Idempotent; a stream
// the participant already holds is left alone, and a displaced older stream
// is stopped.
func (e *Engine) PromoteTrackToUser(userID domain.UserID, stream core.MediaStream, mid string) {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		stream.Stop()
		return
	}
	delete(e.pending, stream.ID())
	part, ok := e.participants[userID]
	if !ok {
		part = &core.Participant{UserID: userID}
		e.participants[userID] = part
	}
	if part.TrackID == stream.ID() {
		e.mu.Unlock()
		return
	}
	displaced := part.Stream
	part.Stream = stream
	part.TrackID = stream.ID()
	part.Mid = mid
	e.mu.Unlock()

	if displaced != nil {
		displaced.Stop()
	}
	log.Info().Str("module", "app").Uint("user", uint(userID)).Str("mid", mid).Msg("track resolved to user")
	e.notify()
}

// AddTrackPreview parks an inbound stream whose owner is not yet known so
// the UI can show it anonymously. Idempotent by track id.
func (e *Engine) AddTrackPreview(stream core.MediaStream, mid string) {
	e.mu.Lock()
	if e.state == StateIdle {
		e.mu.Unlock()
		stream.Stop()
		return
	}
	if _, exists := e.pending[stream.ID()]; exists {
		e.mu.Unlock()
		return
	}
	e.pending[stream.ID()] = &core.PendingTrack{
		TrackID: stream.ID(),
		Mid:     mid,
		Stream:  stream,
	}
	e.mu.Unlock()
	e.notify()
}

// RemoveTrackPreview evicts a parked stream that never resolved.
func (e *Engine) RemoveTrackPreview(trackID string) {
	e.mu.Lock()
	t, ok := e.pending[trackID]
	if ok {
		delete(e.pending, trackID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	if t.Stream != nil {
		t.Stream.Stop()
	}
	e.notify()
}
