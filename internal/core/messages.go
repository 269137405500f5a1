package core

import (
	"encoding/json"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// MessageType is the discriminant of a signaling envelope.
type MessageType string

const (
	MsgUserOnline   MessageType = "user_online"
	MsgUserOffline  MessageType = "user_offline"
	MsgStatus       MessageType = "status"
	MsgIncomingCall MessageType = "incoming_call"
	MsgCallAccepted MessageType = "call_accepted"
	MsgCallRejected MessageType = "call_rejected"
	MsgCallEnded    MessageType = "call_ended"
	MsgUserJoin     MessageType = "user_join"
	MsgUserLeave    MessageType = "user_leave"
	MsgAddCallee    MessageType = "add_callee"
	MsgICECandidate MessageType = "ice-candidate"
	MsgOffer        MessageType = "offer"
	MsgAnswer       MessageType = "answer"
	MsgCallOffer    MessageType = "call_offer"
	MsgReconnect    MessageType = "reconnect"
	MsgMidMap       MessageType = "mid-map"
	MsgTrackUpdate  MessageType = "track_update"
)

// Envelope is the wire frame exchanged with the signaling server.
type Envelope struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Time    string          `json:"time"`
}

// NewEnvelope wraps a payload, stamping the current time.
func NewEnvelope(t MessageType, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Payload: raw, Time: time.Now().Format(time.RFC3339)}, nil
}

// IsCallControl reports whether a message kind carries call-control or
// negotiation state. Call-control messages are never evicted from the
// pending outbound queue; presence and mute chatter may be.
func IsCallControl(t MessageType) bool {
	switch t {
	case MsgIncomingCall, MsgCallAccepted, MsgCallRejected, MsgCallEnded,
		MsgUserJoin, MsgUserLeave, MsgAddCallee, MsgICECandidate,
		MsgOffer, MsgAnswer, MsgCallOffer, MsgReconnect:
		return true
	}
	return false
}

// UserStatusPayload is carried by user_online/user_offline and, as a list,
// by status messages.
type UserStatusPayload struct {
	UserID   domain.UserID     `json:"userID"`
	Username string            `json:"username"`
	Status   domain.UserStatus `json:"status"`
	LastSeen time.Time         `json:"lastSeen,omitempty"`
}

type CallAcceptedPayload struct {
	CallID domain.CallID             `json:"callId"`
	UserID domain.UserID             `json:"userId"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

type CallRejectedPayload struct {
	CallID domain.CallID `json:"callId"`
	UserID domain.UserID `json:"userId"`
}

type CallEndedPayload struct {
	CallID domain.CallID `json:"callId"`
}

type UserJoinPayload struct {
	CallID   domain.CallID `json:"callId"`
	UserID   domain.UserID `json:"userId"`
	UserName string        `json:"userName,omitempty"`
}

type UserLeavePayload struct {
	CallID domain.CallID `json:"callId"`
	UserID domain.UserID `json:"userId"`
}

type AddCalleePayload struct {
	CallID domain.CallID `json:"callId"`
	UserID domain.UserID `json:"userId"`
}

type ICECandidatePayload struct {
	CallID    domain.CallID           `json:"callId"`
	UserID    domain.UserID           `json:"userId"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type CallOfferPayload struct {
	CallID domain.CallID             `json:"callId"`
	UserID domain.UserID             `json:"userId"`
	Offer  webrtc.SessionDescription `json:"offer"`
}

type ReconnectPayload struct {
	CallID  domain.CallID `json:"callId"`
	UserID  domain.UserID `json:"userId"`
	PcAlive bool          `json:"pcAlive"`
}

// MidMap maps a media-line identifier to the user whose media it carries.
type MidMap map[string]domain.UserID

type TrackUpdatePayload struct {
	CallID    domain.CallID `json:"callId"`
	UserID    domain.UserID `json:"userId"`
	TrackType string        `json:"trackType"`
	Muted     bool          `json:"muted"`
}
