// Package rtc owns the single local peer connection: offer/answer/ICE
// exchange and the reconciliation of inbound tracks with participant
// identity delivered out-of-band as mid→user mappings.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

var (
	ErrSessionExists = errors.New("media session already exists")
	ErrNoSession     = errors.New("no media session")
	ErrSessionEnded  = errors.New("media session ended")
)

type Options struct {
	StunServers   []string
	GatherTimeout time.Duration
	MidMapTimeout time.Duration
}

func (o *Options) defaults() {
	if len(o.StunServers) == 0 {
		o.StunServers = []string{"stun:stun.l.google.com:19302"}
	}
	if o.GatherTimeout <= 0 {
		o.GatherTimeout = 5 * time.Second
	}
	if o.MidMapTimeout <= 0 {
		o.MidMapTimeout = 3 * time.Second
	}
}

// PeerFactory builds a peer connection with local capture attached.
// The returned stop func releases the capture devices; it may be nil when
// nothing was captured.
type PeerFactory func(cfg webrtc.Configuration) (*webrtc.PeerConnection, func(), error)

type trackEvent struct {
	userID domain.UserID
	stream *RemoteStream
	mid    string
}

// Manager implements core.MediaSession over one pion PeerConnection.
type Manager struct {
	mu      sync.Mutex
	opts    Options
	sender  core.SignalSender
	self    core.Identity
	newPeer PeerFactory

	pc         *webrtc.PeerConnection
	callID     domain.CallID
	local      *localStream
	midToUser  map[string]domain.UserID
	midToTrack map[string]string
	unmapped   map[string]*RemoteStream // trackID -> stream awaiting identity

	trackEv  emitter[trackEvent]
	localEv  emitter[core.MediaStream]
	answerEv emitter[webrtc.SessionDescription]
}

func NewManager(sender core.SignalSender, self core.Identity, opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:    opts,
		sender:  sender,
		self:    self,
		newPeer: newCapturePeer,
	}
}

func (m *Manager) rtcConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: m.opts.StunServers}},
	}
}

func (m *Manager) OnTrackAdded(fn func(domain.UserID, core.MediaStream, string)) func() {
	return m.trackEv.on(func(ev trackEvent) { fn(ev.userID, ev.stream, ev.mid) })
}

func (m *Manager) OnLocalStream(fn func(core.MediaStream)) func() {
	return m.localEv.on(fn)
}

func (m *Manager) OnAnswer(fn func(webrtc.SessionDescription)) func() {
	return m.answerEv.on(fn)
}

// CreateSession acquires local capture, attaches it to a fresh peer
// connection and produces the local offer once ICE gathering completes or
// the gather bound expires. Fails with ErrSessionExists while a session is
// live; callers must EndSession first.
func (m *Manager) CreateSession(ctx context.Context, callID domain.CallID) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	if m.pc != nil {
		m.mu.Unlock()
		return nil, ErrSessionExists
	}
	m.mu.Unlock()

	pc, stop, err := m.newPeer(m.rtcConfig())
	if err != nil {
		return nil, fmt.Errorf("local capture: %w", err)
	}

	m.mu.Lock()
	if m.pc != nil {
		m.mu.Unlock()
		if stop != nil {
			stop()
		}
		_ = pc.Close()
		return nil, ErrSessionExists
	}
	m.pc = pc
	m.callID = callID
	m.local = newLocalStream(stop)
	m.midToUser = make(map[string]domain.UserID)
	m.midToTrack = make(map[string]string)
	m.unmapped = make(map[string]*RemoteStream)
	local := m.local
	m.mu.Unlock()

	m.bindHandlers(pc, callID)
	m.localEv.emit(local)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		m.EndSession()
		return nil, fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		m.EndSession()
		return nil, fmt.Errorf("set local description: %w", err)
	}
	if err := m.waitGather(ctx, gathered); err != nil {
		m.EndSession()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pc != pc {
		// torn down while gathering; the late offer must not revive it
		return nil, ErrSessionEnded
	}
	log.Info().Str("module", "rtc").Uint("call_id", uint(callID)).Msg("session created")
	return pc.LocalDescription(), nil
}

// waitGather blocks until ICE gathering finishes or the bound expires, in
// which case negotiation proceeds with the candidates collected so far.
func (m *Manager) waitGather(ctx context.Context, gathered <-chan struct{}) error {
	select {
	case <-gathered:
		return nil
	case <-time.After(m.opts.GatherTimeout):
		log.Warn().Str("module", "rtc").Msg("ICE gathering timed out, proceeding with available candidates")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleOffer applies a remote offer and negotiates a local answer. The
// answer surfaces through OnAnswer rather than the return value: the callee
// side answers inline while the caller awaits an answer from signaling.
func (m *Manager) HandleOffer(offer webrtc.SessionDescription) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return ErrNoSession
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	_ = m.waitGather(context.Background(), gathered)

	m.mu.Lock()
	live := m.pc == pc
	m.mu.Unlock()
	if !live {
		return ErrSessionEnded
	}
	m.answerEv.emit(*pc.LocalDescription())
	return nil
}

// StartSession completes negotiation with the remote answer.
func (m *Manager) StartSession(answer webrtc.SessionDescription) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return ErrNoSession
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// RenewOffer regenerates a fresh offer on the surviving peer connection
// after a signaling reconnect; the old offer is assumed stale.
func (m *Manager) RenewOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return nil, ErrNoSession
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("renew offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		return nil, fmt.Errorf("set renewed offer: %w", err)
	}
	if err := m.waitGather(ctx, gathered); err != nil {
		return nil, err
	}
	m.mu.Lock()
	live := m.pc == pc
	m.mu.Unlock()
	if !live {
		return nil, ErrSessionEnded
	}
	return pc.LocalDescription(), nil
}

// AddICECandidate applies one remote candidate. No-op without a session.
func (m *Manager) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	m.mu.Lock()
	pc := m.pc
	m.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(candidate)
}

// Active reports whether a peer connection currently exists.
func (m *Manager) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pc != nil
}

// EndSession stops local capture, closes the peer connection and releases
// every session-scoped map. Safe to call with no session.
func (m *Manager) EndSession() {
	m.mu.Lock()
	pc := m.pc
	local := m.local
	unmapped := m.unmapped
	m.pc = nil
	m.local = nil
	m.callID = 0
	m.midToUser = nil
	m.midToTrack = nil
	m.unmapped = nil
	m.mu.Unlock()

	if local != nil {
		local.Stop()
	}
	for _, rs := range unmapped {
		rs.Stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close peer connection")
		} else {
			log.Info().Str("module", "rtc").Msg("session ended")
		}
	}
}

func (m *Manager) bindHandlers(pc *webrtc.PeerConnection, callID domain.CallID) {
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "rtc").Uint("call_id", uint(callID)).Str("ice_state", s.String()).Msg("ICE state")
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Uint("call_id", uint(callID)).Str("peer_state", s.String()).Msg("peer state")
	})
	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil || m.sender == nil {
			return
		}
		m.sender.Send(core.MsgICECandidate, core.ICECandidatePayload{
			CallID:    callID,
			UserID:    m.self.UserID(),
			Candidate: cand.ToJSON(),
		})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Msg("remote track")
		m.handleRemoteTrack(pc, track, receiver)
	})
}
