// Package app holds the call engine: the state machine that coordinates
// signaling, the media session and the participant roster into one
// consistent call lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

var (
	ErrBusy              = errors.New("already in a call")
	ErrNoIncomingCall    = errors.New("no incoming call")
	ErrNotInCall         = errors.New("not in a call")
	ErrCalleeUnavailable = errors.New("callee unavailable")
)

// CallState is the engine's lifecycle phase. Exactly one call exists at a
// time; a second inbound call while not idle is auto-rejected. Ringing
// covers both directions: an inbound invitation awaiting our answer and an
// outbound call awaiting the first callee.
type CallState string

const (
	StateIdle       CallState = "idle"
	StateRinging    CallState = "ringing"
	StateConnecting CallState = "connecting"
	StateActive     CallState = "active"
	StateEnding     CallState = "ending"
)

type Options struct {
	RingTimeout time.Duration
}

func (o *Options) defaults() {
	if o.RingTimeout <= 0 {
		o.RingTimeout = 30 * time.Second
	}
}

// Engine owns all call state. Signaling and media callbacks funnel into it;
// UI-facing callers observe it through OnChange and Snapshot.
type Engine struct {
	mu     sync.Mutex
	self   core.Identity
	signal core.SignalChannel
	media  core.MediaSession
	api    core.CallAPI
	ringer core.Ringer
	opts   Options

	state        CallState
	call         *domain.Call
	participants map[domain.UserID]*core.Participant
	pending      map[string]*core.PendingTrack
	presence     map[domain.UserID]core.PresenceEntry
	local        core.MediaStream
	audioMuted   bool
	videoMuted   bool
	ringTimer    *time.Timer

	nextObs   int
	observers map[int]func()
}

func NewEngine(self core.Identity, sig core.SignalChannel, media core.MediaSession, api core.CallAPI, ringer core.Ringer, opts Options) *Engine {
	opts.defaults()
	if ringer == nil {
		ringer = NopRinger{}
	}
	return &Engine{
		self:         self,
		signal:       sig,
		media:        media,
		api:          api,
		ringer:       ringer,
		opts:         opts,
		state:        StateIdle,
		participants: make(map[domain.UserID]*core.Participant),
		pending:      make(map[string]*core.PendingTrack),
		presence:     make(map[domain.UserID]core.PresenceEntry),
		observers:    make(map[int]func()),
	}
}

// Bind subscribes the engine to every signaling and media event it reacts
// to and registers it as the channel's reconnect resynchronizer.
func (e *Engine) Bind() {
	e.signal.SetResyncer(e)
	e.signal.OnIncomingCall(e.HandleIncomingCall)
	e.signal.OnCallAccepted(e.HandleCallAccepted)
	e.signal.OnCallRejected(e.HandleCallRejected)
	e.signal.OnCallEnded(e.HandleCallEnded)
	e.signal.OnUserJoin(e.HandleUserJoined)
	e.signal.OnUserLeave(e.HandleUserLeft)
	e.signal.OnICECandidate(e.HandleICECandidate)
	e.signal.OnOffer(e.HandleOffer)
	e.signal.OnAnswer(e.HandleAnswer)
	e.signal.OnMidMap(e.HandleMidMap)
	e.signal.OnTrackUpdate(e.HandleTrackStateChange)
	e.signal.OnUserStatus(e.HandleUserStatus)
	e.signal.OnUserList(e.HandleUserList)

	e.media.OnTrackAdded(e.HandleTrackAdded)
	e.media.OnAnswer(e.HandleMediaAnswer)
	e.media.OnLocalStream(e.handleLocalStream)
}

// OnChange registers a state observer, fired after every externally visible
// transition. Returns an unsubscribe handle.
func (e *Engine) OnChange(fn func()) func() {
	e.mu.Lock()
	e.nextObs++
	id := e.nextObs
	e.observers[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.observers, id)
		e.mu.Unlock()
	}
}

func (e *Engine) notify() {
	e.mu.Lock()
	obs := make([]func(), 0, len(e.observers))
	for _, fn := range e.observers {
		obs = append(obs, fn)
	}
	e.mu.Unlock()
	for _, fn := range obs {
		fn()
	}
}

// MakeCall creates the call server-side, opens the media session and sends
// the offer. Every callee must currently be online.
func (e *Engine) MakeCall(ctx context.Context, calleeIDs []domain.UserID) (*domain.Call, error) {
	if len(calleeIDs) == 0 {
		return nil, ErrCalleeUnavailable
	}
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	for _, id := range calleeIDs {
		p, ok := e.presence[id]
		if !ok || p.Status == domain.StatusOffline {
			e.mu.Unlock()
			return nil, fmt.Errorf("%w: user %d", ErrCalleeUnavailable, id)
		}
	}
	e.state = StateRinging
	e.mu.Unlock()

	call, err := e.api.CreateCall(ctx, calleeIDs)
	if err != nil {
		e.resetToIdle()
		return nil, fmt.Errorf("create call: %w", err)
	}

	offer, err := e.media.CreateSession(ctx, call.ID)
	if err != nil {
		e.resetToIdle()
		return nil, fmt.Errorf("open media session: %w", err)
	}

	e.mu.Lock()
	if e.state != StateRinging {
		e.mu.Unlock()
		e.media.EndSession()
		return nil, ErrNotInCall
	}
	call.Status = domain.CallRinging
	call.Offer = offer
	e.call = call
	e.mu.Unlock()

	e.signal.Send(core.MsgCallOffer, core.CallOfferPayload{
		CallID: call.ID,
		UserID: e.self.UserID(),
		Offer:  *offer,
	})
	log.Info().Str("module", "app").Uint("call_id", uint(call.ID)).Int("callees", len(calleeIDs)).Msg("call placed")
	e.notify()
	return call, nil
}

// AcceptCall answers the ringing call: opens the media session and sends
// the acceptance with the local offer attached.
func (e *Engine) AcceptCall(ctx context.Context) error {
	e.mu.Lock()
	if e.state != StateRinging || e.call == nil || e.outboundLocked() {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	call := e.call
	e.stopRingLocked()
	e.state = StateConnecting
	e.mu.Unlock()
	e.ringer.Stop()

	offer, err := e.media.CreateSession(ctx, call.ID)
	if err != nil {
		e.signal.Send(core.MsgCallRejected, core.CallRejectedPayload{CallID: call.ID, UserID: e.self.UserID()})
		e.resetToIdle()
		e.notify()
		return fmt.Errorf("open media session: %w", err)
	}

	e.mu.Lock()
	if e.call == nil || e.call.ID != call.ID {
		e.mu.Unlock()
		e.media.EndSession()
		return ErrNotInCall
	}
	e.call.Status = domain.CallOngoing
	e.state = StateActive
	e.mu.Unlock()

	e.signal.Send(core.MsgCallAccepted, core.CallAcceptedPayload{
		CallID: call.ID,
		UserID: e.self.UserID(),
		Offer:  *offer,
	})
	log.Info().Str("module", "app").Uint("call_id", uint(call.ID)).Msg("call accepted")
	e.notify()
	return nil
}

// RejectCall declines the ringing call. A call id that does not match the
// current call is stale; the rejection still goes on the wire so the caller
// side can settle, but local state stays untouched.
func (e *Engine) RejectCall(callID domain.CallID) error {
	e.mu.Lock()
	if e.state != StateRinging || e.call == nil || e.outboundLocked() {
		e.mu.Unlock()
		return ErrNoIncomingCall
	}
	stale := e.call.ID != callID
	var stops []core.MediaStream
	if !stale {
		stops = e.cleanupLocked(domain.CallEnded)
	}
	e.mu.Unlock()

	e.signal.Send(core.MsgCallRejected, core.CallRejectedPayload{CallID: callID, UserID: e.self.UserID()})
	if stale {
		log.Info().Str("module", "app").Uint("call_id", uint(callID)).Msg("rejected stale call id")
		return nil
	}
	e.finishCleanup(stops)
	log.Info().Str("module", "app").Uint("call_id", uint(callID)).Msg("call rejected")
	e.notify()
	return nil
}

// LeaveCall exits the current call without ending it for the others.
func (e *Engine) LeaveCall() error {
	e.mu.Lock()
	if e.call == nil || e.state == StateIdle {
		e.mu.Unlock()
		return ErrNotInCall
	}
	callID := e.call.ID
	stops := e.cleanupLocked(domain.CallEnded)
	e.mu.Unlock()

	e.signal.Send(core.MsgUserLeave, core.UserLeavePayload{CallID: callID, UserID: e.self.UserID()})
	e.finishCleanup(stops)
	log.Info().Str("module", "app").Uint("call_id", uint(callID)).Msg("left call")
	e.notify()
	return nil
}

// EndCall terminates the current call for every participant.
func (e *Engine) EndCall() error {
	e.mu.Lock()
	if e.call == nil || e.state == StateIdle {
		e.mu.Unlock()
		return ErrNotInCall
	}
	callID := e.call.ID
	stops := e.cleanupLocked(domain.CallEnded)
	e.mu.Unlock()

	e.signal.Send(core.MsgCallEnded, core.CallEndedPayload{CallID: callID})
	e.finishCleanup(stops)
	log.Info().Str("module", "app").Uint("call_id", uint(callID)).Msg("call ended")
	e.notify()
	return nil
}

// AddCallee invites another user into the current call.
func (e *Engine) AddCallee(userID domain.UserID) error {
	e.mu.Lock()
	ringingOut := e.state == StateRinging && e.outboundLocked()
	if e.call == nil || (e.state != StateActive && e.state != StateConnecting && !ringingOut) {
		e.mu.Unlock()
		return ErrNotInCall
	}
	p, ok := e.presence[userID]
	if !ok || p.Status == domain.StatusOffline {
		e.mu.Unlock()
		return fmt.Errorf("%w: user %d", ErrCalleeUnavailable, userID)
	}
	e.call.CalleeIDs = append(e.call.CalleeIDs, userID)
	callID := e.call.ID
	e.mu.Unlock()

	e.signal.Send(core.MsgAddCallee, core.AddCalleePayload{CallID: callID, UserID: userID})
	e.notify()
	return nil
}

// SetAudioMuted flips the local audio mute flag and announces it when a
// call is live.
func (e *Engine) SetAudioMuted(muted bool) {
	e.setMuted("audio", muted)
}

// SetVideoMuted flips the local video mute flag and announces it when a
// call is live.
func (e *Engine) SetVideoMuted(muted bool) {
	e.setMuted("video", muted)
}

func (e *Engine) setMuted(trackType string, muted bool) {
	e.mu.Lock()
	if trackType == "audio" {
		if e.audioMuted == muted {
			e.mu.Unlock()
			return
		}
		e.audioMuted = muted
	} else {
		if e.videoMuted == muted {
			e.mu.Unlock()
			return
		}
		e.videoMuted = muted
	}
	var callID domain.CallID
	inCall := e.call != nil && e.state != StateIdle
	if inCall {
		callID = e.call.ID
	}
	e.mu.Unlock()

	if inCall {
		e.signal.Send(core.MsgTrackUpdate, core.TrackUpdatePayload{
			CallID:    callID,
			UserID:    e.self.UserID(),
			TrackType: trackType,
			Muted:     muted,
		})
	}
	e.notify()
}

// SetStatus publishes the local presence status.
func (e *Engine) SetStatus(status domain.UserStatus) {
	t := core.MsgUserOnline
	if status == domain.StatusOffline {
		t = core.MsgUserOffline
	}
	e.signal.Send(t, core.UserStatusPayload{
		UserID: e.self.UserID(),
		Status: status,
	})
}

// Cleanup tears down everything: call state, media session and signaling
// subscriptions. Used on shutdown.
func (e *Engine) Cleanup() {
	e.mu.Lock()
	stops := e.cleanupLocked(domain.CallEnded)
	e.mu.Unlock()
	e.finishCleanup(stops)
	e.signal.RemoveAllListeners()
}

// cleanupLocked is the single teardown authority: it resets every piece of
// call state and returns the streams to stop once the lock is released.
// Caller holds e.mu.
func (e *Engine) cleanupLocked(status domain.CallStatus) []core.MediaStream {
	var stops []core.MediaStream
	for _, p := range e.participants {
		if p.Stream != nil {
			stops = append(stops, p.Stream)
		}
	}
	for _, t := range e.pending {
		if t.Stream != nil {
			stops = append(stops, t.Stream)
		}
	}
	if e.call != nil {
		now := time.Now()
		e.call.Status = status
		e.call.EndTime = &now
	}
	e.stopRingLocked()
	e.call = nil
	e.state = StateIdle
	e.participants = make(map[domain.UserID]*core.Participant)
	e.pending = make(map[string]*core.PendingTrack)
	e.local = nil
	return stops
}

func (e *Engine) finishCleanup(stops []core.MediaStream) {
	for _, s := range stops {
		s.Stop()
	}
	e.media.EndSession()
	e.ringer.Stop()
}

func (e *Engine) resetToIdle() {
	e.mu.Lock()
	stops := e.cleanupLocked(domain.CallEnded)
	e.mu.Unlock()
	e.finishCleanup(stops)
}

// outboundLocked reports whether the current call was placed by this user.
// Caller holds e.mu.
func (e *Engine) outboundLocked() bool {
	return e.call != nil && e.call.CallerID == e.self.UserID()
}

func (e *Engine) stopRingLocked() {
	if e.ringTimer != nil {
		e.ringTimer.Stop()
		e.ringTimer = nil
	}
}

// ReconnectState reports the active call the signaling channel should
// resynchronize after a reconnect.
func (e *Engine) ReconnectState() (core.ReconnectPayload, bool) {
	e.mu.Lock()
	if e.call == nil || e.state == StateIdle || e.state == StateEnding {
		e.mu.Unlock()
		return core.ReconnectPayload{}, false
	}
	callID := e.call.ID
	e.mu.Unlock()
	return core.ReconnectPayload{
		CallID:  callID,
		UserID:  e.self.UserID(),
		PcAlive: e.media.Active(),
	}, true
}

// RenewOffer regenerates the offer for the surviving peer connection so the
// server can renegotiate after a signaling reconnect.
func (e *Engine) RenewOffer() (core.CallOfferPayload, bool) {
	e.mu.Lock()
	call := e.call
	e.mu.Unlock()
	if call == nil {
		return core.CallOfferPayload{}, false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	offer, err := e.media.RenewOffer(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("renew offer after reconnect")
		return core.CallOfferPayload{}, false
	}
	return core.CallOfferPayload{
		CallID: call.ID,
		UserID: e.self.UserID(),
		Offer:  *offer,
	}, true
}

func (e *Engine) handleLocalStream(s core.MediaStream) {
	e.mu.Lock()
	e.local = s
	e.mu.Unlock()
	e.notify()
}

// Snapshot is a copy of the externally visible engine state.
type Snapshot struct {
	State        CallState
	Call         *domain.Call
	Participants []core.Participant
	Pending      []core.PendingTrack
	AudioMuted   bool
	VideoMuted   bool
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	snap := Snapshot{
		State:      e.state,
		AudioMuted: e.audioMuted,
		VideoMuted: e.videoMuted,
	}
	if e.call != nil {
		c := *e.call
		c.CalleeIDs = append([]domain.UserID(nil), e.call.CalleeIDs...)
		snap.Call = &c
	}
	for _, p := range e.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	for _, t := range e.pending {
		snap.Pending = append(snap.Pending, *t)
	}
	return snap
}

// Presence returns a copy of the presence table.
func (e *Engine) Presence() map[domain.UserID]core.PresenceEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[domain.UserID]core.PresenceEntry, len(e.presence))
	for id, p := range e.presence {
		out[id] = p
	}
	return out
}
