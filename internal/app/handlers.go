package app

import (
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// HandleIncomingCall rings for a new inbound call. While any call is in
// progress the invitation is auto-rejected so the engine never holds two.
func (e *Engine) HandleIncomingCall(call domain.Call) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		log.Info().Str("module", "app").Uint("call_id", uint(call.ID)).Msg("busy, auto-rejecting")
		e.signal.Send(core.MsgCallRejected, core.CallRejectedPayload{CallID: call.ID, UserID: e.self.UserID()})
		return
	}
	c := call
	c.Status = domain.CallRinging
	e.call = &c
	e.state = StateRinging
	e.startRingTimerLocked(call.ID)
	e.mu.Unlock()

	e.ringer.Play()
	log.Info().Str("module", "app").Uint("call_id", uint(call.ID)).Uint("caller", uint(call.CallerID)).Msg("incoming call")
	e.notify()
}

// startRingTimerLocked arms the unanswered-call deadline. The timer
// revalidates the call identity before rejecting so a timer surviving a
// quick hangup-and-redial cannot kill the wrong call. Caller holds e.mu.
func (e *Engine) startRingTimerLocked(callID domain.CallID) {
	e.stopRingLocked()
	e.ringTimer = time.AfterFunc(e.opts.RingTimeout, func() {
		e.mu.Lock()
		if e.state != StateRinging || e.call == nil || e.call.ID != callID {
			e.mu.Unlock()
			return
		}
		stops := e.cleanupLocked(domain.CallMissed)
		e.mu.Unlock()

		e.signal.Send(core.MsgCallRejected, core.CallRejectedPayload{CallID: callID, UserID: e.self.UserID()})
		e.finishCleanup(stops)
		log.Info().Str("module", "app").Uint("call_id", uint(callID)).Msg("call missed, ring timeout")
		e.notify()
	})
}

// HandleCallAccepted moves the outbound call from ringing to connecting
// once any callee picks up; the callee's join activates it.
func (e *Engine) HandleCallAccepted(p core.CallAcceptedPayload) {
	e.mu.Lock()
	if e.call == nil || e.call.ID != p.CallID {
		e.mu.Unlock()
		return
	}
	if e.state == StateRinging && e.outboundLocked() {
		e.state = StateConnecting
	}
	e.mu.Unlock()
	log.Info().Str("module", "app").Uint("call_id", uint(p.CallID)).Uint("user", uint(p.UserID)).Msg("call accepted")
	e.notify()
}

// HandleCallRejected removes the declining callee. When the last callee
// declines before anyone joined, the call is recorded as missed and torn
// down.
func (e *Engine) HandleCallRejected(p core.CallRejectedPayload) {
	e.mu.Lock()
	if e.call == nil || e.call.ID != p.CallID {
		e.mu.Unlock()
		return
	}
	e.call.RemoveCallee(p.UserID)
	lastOne := len(e.call.CalleeIDs) == 0 && len(e.participants) == 0
	var stops []core.MediaStream
	if lastOne {
		stops = e.cleanupLocked(domain.CallMissed)
	}
	e.mu.Unlock()

	if lastOne {
		e.finishCleanup(stops)
		log.Info().Str("module", "app").Uint("call_id", uint(p.CallID)).Msg("every callee declined")
	}
	e.notify()
}

// HandleCallEnded tears the call down on the server's say-so.
func (e *Engine) HandleCallEnded(p core.CallEndedPayload) {
	e.mu.Lock()
	if e.call == nil || e.call.ID != p.CallID {
		e.mu.Unlock()
		return
	}
	stops := e.cleanupLocked(domain.CallEnded)
	e.mu.Unlock()

	e.finishCleanup(stops)
	log.Info().Str("module", "app").Uint("call_id", uint(p.CallID)).Msg("call ended by server")
	e.notify()
}

// HandleUserJoined upserts the joining user into the roster.
func (e *Engine) HandleUserJoined(p core.UserJoinPayload) {
	e.mu.Lock()
	if e.call == nil || e.call.ID != p.CallID {
		e.mu.Unlock()
		return
	}
	part, ok := e.participants[p.UserID]
	if !ok {
		part = &core.Participant{UserID: p.UserID}
		e.participants[p.UserID] = part
	}
	if p.UserName != "" {
		part.Name = p.UserName
	}
	if e.state == StateConnecting || (e.state == StateRinging && e.outboundLocked()) {
		e.state = StateActive
		e.call.Status = domain.CallOngoing
	}
	e.mu.Unlock()
	log.Info().Str("module", "app").Uint("call_id", uint(p.CallID)).Uint("user", uint(p.UserID)).Msg("user joined")
	e.notify()
}

// HandleUserLeft drops the leaving user and their media. When the roster
// empties out, the call is over locally as well.
func (e *Engine) HandleUserLeft(p core.UserLeavePayload) {
	e.mu.Lock()
	if e.call == nil || e.call.ID != p.CallID {
		e.mu.Unlock()
		return
	}
	var stream core.MediaStream
	if part, ok := e.participants[p.UserID]; ok {
		stream = part.Stream
		delete(e.participants, p.UserID)
	}
	e.call.RemoveCallee(p.UserID)
	empty := e.state == StateActive && len(e.participants) == 0 && len(e.call.CalleeIDs) == 0
	var stops []core.MediaStream
	if empty {
		stops = e.cleanupLocked(domain.CallEnded)
	}
	e.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	if empty {
		e.finishCleanup(stops)
		log.Info().Str("module", "app").Uint("call_id", uint(p.CallID)).Msg("call over, everyone left")
	}
	e.notify()
}

// HandleTrackAdded files inbound media: identified tracks go straight to
// their participant, anonymous ones are held as previews until the mid
// mapping resolves them.
func (e *Engine) HandleTrackAdded(userID domain.UserID, stream core.MediaStream, mid string) {
	if userID == 0 {
		e.AddTrackPreview(stream, mid)
		return
	}
	e.PromoteTrackToUser(userID, stream, mid)
}

// HandleMidMap forwards the authoritative mid mapping to the media session
// and refreshes mids on the roster.
func (e *Engine) HandleMidMap(m core.MidMap) {
	e.media.SetMidMap(m)
	e.mu.Lock()
	for mid, userID := range m {
		if part, ok := e.participants[userID]; ok {
			part.Mid = mid
		}
	}
	e.mu.Unlock()
}

// HandleICECandidate applies a relayed remote candidate. Candidates for a
// call this engine is no longer in are stale and dropped.
func (e *Engine) HandleICECandidate(p core.ICECandidatePayload) {
	e.mu.Lock()
	live := e.call != nil && e.call.ID == p.CallID
	e.mu.Unlock()
	if !live {
		return
	}
	if err := e.media.AddICECandidate(p.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("apply remote candidate")
	}
}

// HandleOffer answers a server-initiated renegotiation, which happens when
// participants join or leave and the media lines change. Answering waits on
// ICE gathering, so it runs off the dispatch goroutine and inbound messages
// (relayed candidates included) keep flowing meanwhile.
func (e *Engine) HandleOffer(offer webrtc.SessionDescription) {
	go func() {
		if err := e.media.HandleOffer(offer); err != nil {
			log.Warn().Err(err).Str("module", "app").Msg("handle renegotiation offer")
		}
	}()
}

// HandleAnswer completes negotiation with the server's answer.
func (e *Engine) HandleAnswer(answer webrtc.SessionDescription) {
	if err := e.media.StartSession(answer); err != nil {
		log.Warn().Err(err).Str("module", "app").Msg("apply answer")
		return
	}
	e.mu.Lock()
	if e.call != nil {
		e.call.Answer = &answer
	}
	e.mu.Unlock()
}

// HandleMediaAnswer sends the locally negotiated answer back over
// signaling.
func (e *Engine) HandleMediaAnswer(answer webrtc.SessionDescription) {
	e.signal.Send(core.MsgAnswer, answer)
}

// HandleTrackStateChange records a remote participant's mute flip.
func (e *Engine) HandleTrackStateChange(p core.TrackUpdatePayload) {
	e.mu.Lock()
	part, ok := e.participants[p.UserID]
	if ok {
		switch p.TrackType {
		case "audio":
			part.AudioMuted = p.Muted
		case "video":
			part.VideoMuted = p.Muted
		case "speaking":
			part.IsSpeaking = !p.Muted
		}
	}
	e.mu.Unlock()
	if ok {
		e.notify()
	}
}

// HandleUserStatus records one presence update.
func (e *Engine) HandleUserStatus(p core.UserStatusPayload) {
	e.mu.Lock()
	e.presence[p.UserID] = core.PresenceEntry{
		Username: p.Username,
		Status:   p.Status,
		LastSeen: p.LastSeen,
	}
	e.mu.Unlock()
	e.notify()
}

// HandleUserList replaces the presence table with the server's full list.
func (e *Engine) HandleUserList(list []core.UserStatusPayload) {
	e.mu.Lock()
	e.presence = make(map[domain.UserID]core.PresenceEntry, len(list))
	for _, p := range list {
		e.presence[p.UserID] = core.PresenceEntry{
			Username: p.Username,
			Status:   p.Status,
			LastSeen: p.LastSeen,
		}
	}
	e.mu.Unlock()
	e.notify()
}
