package hub

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// HandleMessage routes one inbound envelope. Unknown kinds are logged and
// dropped; a bad message never kills the connection.
func (h *Hub) HandleMessage(userID domain.UserID, data []byte) {
	var env core.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "hub").Uint("user", uint(userID)).Msg("bad json")
		return
	}

	switch env.Type {
	case core.MsgCallOffer:
		h.handleCallOffer(userID, env.Payload)
	case core.MsgCallAccepted:
		h.handleCallAccepted(userID, env.Payload)
	case core.MsgCallRejected:
		h.handleCallRejected(userID, env.Payload)
	case core.MsgCallEnded:
		h.handleCallEnded(userID, env.Payload)
	case core.MsgUserLeave:
		h.handleUserLeave(userID, env.Payload)
	case core.MsgAddCallee:
		h.handleAddCallee(userID, env.Payload)
	case core.MsgICECandidate:
		h.handleRelay(userID, core.MsgICECandidate, env.Payload)
	case core.MsgOffer, core.MsgAnswer:
		h.handleNegotiation(userID, env.Type, env.Payload)
	case core.MsgTrackUpdate:
		h.handleRelay(userID, core.MsgTrackUpdate, env.Payload)
	case core.MsgReconnect:
		h.handleReconnect(userID, env.Payload)
	case core.MsgUserOnline, core.MsgUserOffline:
		h.handleStatus(userID, env.Payload)
	default:
		log.Warn().Str("module", "hub").Str("type", string(env.Type)).Msg("unknown signal")
	}
}

// handleCallOffer stores the caller's offer and rings every callee. A
// repeat offer for a live call is a renegotiation and relays to the other
// members instead.
func (h *Hub) handleCallOffer(userID domain.UserID, raw json.RawMessage) {
	var p core.CallOfferPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "hub").Msg("bad call_offer")
		return
	}

	h.mu.Lock()
	st, ok := h.calls[p.CallID]
	if !ok {
		h.mu.Unlock()
		log.Warn().Str("module", "hub").Uint("call_id", uint(p.CallID)).Msg("call_offer for unknown call")
		return
	}
	st.members[userID] = true
	renegotiation := len(st.members) > 1
	offer := p.Offer
	st.call.Offer = &offer
	call := st.call
	callees := append([]domain.UserID(nil), st.call.CalleeIDs...)
	h.mu.Unlock()

	if renegotiation {
		h.relay(p.CallID, userID, core.MsgOffer, p.Offer)
		return
	}
	for _, callee := range callees {
		h.sendTo(callee, core.MsgIncomingCall, call)
	}
}

// handleCallAccepted joins the callee, tells the others and relays the
// acceptance (with the callee's offer) to the caller side.
func (h *Hub) handleCallAccepted(userID domain.UserID, raw json.RawMessage) {
	var p core.CallAcceptedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Str("module", "hub").Msg("bad call_accepted")
		return
	}

	h.mu.Lock()
	st, ok := h.calls[p.CallID]
	var name string
	if ok {
		st.members[userID] = true
		st.call.Status = domain.CallOngoing
		name = h.users[userID].Name
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.relay(p.CallID, userID, core.MsgCallAccepted, p)
	h.relay(p.CallID, userID, core.MsgUserJoin, core.UserJoinPayload{
		CallID:   p.CallID,
		UserID:   userID,
		UserName: name,
	})
}

func (h *Hub) handleCallRejected(userID domain.UserID, raw json.RawMessage) {
	var p core.CallRejectedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.mu.Lock()
	if st, ok := h.calls[p.CallID]; ok {
		st.call.RemoveCallee(userID)
	}
	h.mu.Unlock()
	h.relay(p.CallID, userID, core.MsgCallRejected, p)
}

func (h *Hub) handleCallEnded(userID domain.UserID, raw json.RawMessage) {
	var p core.CallEndedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.relay(p.CallID, userID, core.MsgCallEnded, p)
	h.mu.Lock()
	delete(h.calls, p.CallID)
	h.mu.Unlock()
	log.Info().Str("module", "hub").Uint("call_id", uint(p.CallID)).Msg("call ended")
}

func (h *Hub) handleUserLeave(userID domain.UserID, raw json.RawMessage) {
	var p core.UserLeavePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.mu.Lock()
	st, ok := h.calls[p.CallID]
	empty := false
	if ok {
		delete(st.members, userID)
		st.call.RemoveCallee(userID)
		empty = len(st.members) == 0
	}
	h.mu.Unlock()

	h.relay(p.CallID, userID, core.MsgUserLeave, p)
	if empty {
		h.mu.Lock()
		delete(h.calls, p.CallID)
		h.mu.Unlock()
	}
}

// handleAddCallee invites another user into a live call.
func (h *Hub) handleAddCallee(userID domain.UserID, raw json.RawMessage) {
	var p core.AddCalleePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.mu.Lock()
	st, ok := h.calls[p.CallID]
	var call domain.Call
	if ok && !st.call.HasCallee(p.UserID) {
		st.call.CalleeIDs = append(st.call.CalleeIDs, p.UserID)
	}
	if ok {
		call = st.call
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	h.sendTo(p.UserID, core.MsgIncomingCall, call)
	h.relay(p.CallID, userID, core.MsgAddCallee, p)
}

// handleRelay forwards call-scoped chatter that the hub does not interpret.
// The payload carries its own call id.
func (h *Hub) handleRelay(userID domain.UserID, t core.MessageType, raw json.RawMessage) {
	var scope struct {
		CallID domain.CallID `json:"callId"`
	}
	if err := json.Unmarshal(raw, &scope); err != nil {
		return
	}
	h.relay(scope.CallID, userID, t, json.RawMessage(raw))
}

// handleNegotiation forwards bare session descriptions to the sender's call
// mates. The description carries no call id, so the sender's membership
// decides the scope.
func (h *Hub) handleNegotiation(userID domain.UserID, t core.MessageType, raw json.RawMessage) {
	h.mu.Lock()
	var callID domain.CallID
	found := false
	for id, st := range h.calls {
		if st.members[userID] {
			callID = id
			found = true
			break
		}
	}
	h.mu.Unlock()
	if !found {
		return
	}
	h.relay(callID, userID, t, json.RawMessage(raw))
}

// handleReconnect re-seats a returning member in their call.
func (h *Hub) handleReconnect(userID domain.UserID, raw json.RawMessage) {
	var p core.ReconnectPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.mu.Lock()
	st, ok := h.calls[p.CallID]
	if ok {
		st.members[userID] = true
	}
	h.mu.Unlock()
	if !ok {
		log.Warn().Str("module", "hub").Uint("call_id", uint(p.CallID)).Msg("reconnect into unknown call")
		return
	}
	log.Info().Str("module", "hub").Uint("call_id", uint(p.CallID)).Uint("user", uint(userID)).Bool("pc_alive", p.PcAlive).Msg("member reconnected")
}

// handleStatus applies a client-published presence change.
func (h *Hub) handleStatus(userID domain.UserID, raw json.RawMessage) {
	var p core.UserStatusPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return
	}
	h.mu.Lock()
	u, ok := h.users[userID]
	if ok && p.Status != "" {
		u.Status = p.Status
		h.users[userID] = u
	}
	h.mu.Unlock()
	if ok {
		h.broadcastStatus(userID, p.Status)
	}
}
