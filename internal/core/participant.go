package core

import (
	"time"

	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// MediaStream is a handle to one media stream, local or remote.
// Stop releases the underlying resources and is idempotent.
type MediaStream interface {
	ID() string
	Stop()
}

// Participant is a call member with resolved identity. Keyed by user id in
// the engine's participants map; mutated in place on mute/track/speaking
// events.
type Participant struct {
	UserID     domain.UserID
	Name       string
	Mid        string
	TrackID    string
	Stream     MediaStream
	AudioMuted bool
	VideoMuted bool
	IsSpeaking bool
}

// PendingTrack is inbound media whose owning identity is not yet known.
// Keyed by track id; promoted into a Participant once a mid-map entry
// resolves it, or evicted.
type PendingTrack struct {
	TrackID string
	Mid     string
	Stream  MediaStream
}

// PresenceEntry is one row of the presence table.
type PresenceEntry struct {
	Username string
	Status   domain.UserStatus
	LastSeen time.Time
}
