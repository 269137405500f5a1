package signal

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// subscribers maps each message kind to its listener list. Listeners run in
// registration order; each registration returns an unsubscribe handle.
type subscribers struct {
	mu     sync.RWMutex
	next   int
	byType map[core.MessageType][]handlerEntry
}

type handlerEntry struct {
	id int
	fn func(json.RawMessage)
}

func (s *subscribers) add(t core.MessageType, fn func(json.RawMessage)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byType == nil {
		s.byType = make(map[core.MessageType][]handlerEntry)
	}
	s.next++
	id := s.next
	s.byType[t] = append(s.byType[t], handlerEntry{id: id, fn: fn})
	return func() { s.remove(t, id) }
}

func (s *subscribers) remove(t core.MessageType, id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.byType[t]
	for i, e := range entries {
		if e.id == id {
			s.byType[t] = append(entries[:i], entries[i+1:]...)
			return
		}
	}
}

func (s *subscribers) removeAll() {
	s.mu.Lock()
	s.byType = nil
	s.mu.Unlock()
}

// dispatch invokes every listener registered for t and returns how many ran.
func (s *subscribers) dispatch(t core.MessageType, payload json.RawMessage) int {
	s.mu.RLock()
	entries := make([]handlerEntry, len(s.byType[t]))
	copy(entries, s.byType[t])
	s.mu.RUnlock()
	for _, e := range entries {
		e.fn(payload)
	}
	return len(entries)
}

// decode unmarshals a payload into T, logging and dropping on failure.
func decode[T any](t core.MessageType, raw json.RawMessage, fn func(T)) {
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("type", string(t)).Msg("bad payload dropped")
		return
	}
	fn(v)
}

func on[T any](c *Channel, t core.MessageType, fn func(T)) func() {
	return c.subs.add(t, func(raw json.RawMessage) { decode(t, raw, fn) })
}

// OnUserStatus fires for single-user presence updates (user_online and
// user_offline share one payload shape).
func (c *Channel) OnUserStatus(fn func(core.UserStatusPayload)) func() {
	offOnline := on(c, core.MsgUserOnline, fn)
	offOffline := on(c, core.MsgUserOffline, fn)
	return func() {
		offOnline()
		offOffline()
	}
}

// OnUserList fires for the full presence list the server pushes on connect.
func (c *Channel) OnUserList(fn func([]core.UserStatusPayload)) func() {
	return on(c, core.MsgStatus, fn)
}

func (c *Channel) OnIncomingCall(fn func(domain.Call)) func() {
	return on(c, core.MsgIncomingCall, fn)
}

func (c *Channel) OnCallAccepted(fn func(core.CallAcceptedPayload)) func() {
	return on(c, core.MsgCallAccepted, fn)
}

func (c *Channel) OnCallRejected(fn func(core.CallRejectedPayload)) func() {
	return on(c, core.MsgCallRejected, fn)
}

func (c *Channel) OnCallEnded(fn func(core.CallEndedPayload)) func() {
	return on(c, core.MsgCallEnded, fn)
}

func (c *Channel) OnUserJoin(fn func(core.UserJoinPayload)) func() {
	return on(c, core.MsgUserJoin, fn)
}

func (c *Channel) OnUserLeave(fn func(core.UserLeavePayload)) func() {
	return on(c, core.MsgUserLeave, fn)
}

func (c *Channel) OnAddCallee(fn func(core.AddCalleePayload)) func() {
	return on(c, core.MsgAddCallee, fn)
}

func (c *Channel) OnICECandidate(fn func(core.ICECandidatePayload)) func() {
	return on(c, core.MsgICECandidate, fn)
}

func (c *Channel) OnOffer(fn func(webrtc.SessionDescription)) func() {
	return on(c, core.MsgOffer, fn)
}

func (c *Channel) OnAnswer(fn func(webrtc.SessionDescription)) func() {
	return on(c, core.MsgAnswer, fn)
}

func (c *Channel) OnMidMap(fn func(core.MidMap)) func() {
	return on(c, core.MsgMidMap, fn)
}

func (c *Channel) OnTrackUpdate(fn func(core.TrackUpdatePayload)) func() {
	return on(c, core.MsgTrackUpdate, fn)
}

// RemoveAllListeners drops every registered subscriber.
func (c *Channel) RemoveAllListeners() {
	c.subs.removeAll()
}
