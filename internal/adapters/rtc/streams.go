package rtc

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

// RemoteStream is the handle for one inbound media track. The underlying
// track is owned by the peer connection; Stop marks the handle released so
// teardown and promotion stay idempotent.
type RemoteStream struct {
	trackID string
	mid     string
	track   *webrtc.TrackRemote
	stopped atomic.Bool
}

func (s *RemoteStream) ID() string    { return s.trackID }
func (s *RemoteStream) Mid() string   { return s.mid }
func (s *RemoteStream) Stop()         { s.stopped.Store(true) }
func (s *RemoteStream) Stopped() bool { return s.stopped.Load() }

// Track exposes the underlying remote track for media consumers.
func (s *RemoteStream) Track() *webrtc.TrackRemote { return s.track }

// localStream is the handle for the captured local media. Stop releases the
// capture devices exactly once.
type localStream struct {
	id   string
	stop func()
	once sync.Once
}

func newLocalStream(stop func()) *localStream {
	return &localStream{id: uuid.NewString(), stop: stop}
}

func (s *localStream) ID() string { return s.id }

func (s *localStream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}
