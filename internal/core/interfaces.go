package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/Neb-iyu/facetime-app/internal/domain"
)

// Identity is the single accessor for the current user. Injected wherever
// the local identity or its credential is needed instead of being read
// from ad-hoc storage.
type Identity interface {
	UserID() domain.UserID
	Token() string
}

// SignalSender transmits one typed message to the signaling server.
// Implementations never fail the caller: while disconnected the message is
// queued and flushed after reconnect.
type SignalSender interface {
	Send(t MessageType, payload any)
}

// SignalEvents is the subscription surface of the signaling channel.
// Every registration returns an unsubscribe handle.
type SignalEvents interface {
	OnUserStatus(func(UserStatusPayload)) func()
	OnUserList(func([]UserStatusPayload)) func()
	OnIncomingCall(func(domain.Call)) func()
	OnCallAccepted(func(CallAcceptedPayload)) func()
	OnCallRejected(func(CallRejectedPayload)) func()
	OnCallEnded(func(CallEndedPayload)) func()
	OnUserJoin(func(UserJoinPayload)) func()
	OnUserLeave(func(UserLeavePayload)) func()
	OnAddCallee(func(AddCalleePayload)) func()
	OnICECandidate(func(ICECandidatePayload)) func()
	OnOffer(func(webrtc.SessionDescription)) func()
	OnAnswer(func(webrtc.SessionDescription)) func()
	OnMidMap(func(MidMap)) func()
	OnTrackUpdate(func(TrackUpdatePayload)) func()
	RemoveAllListeners()
}

// CallResyncer lets the channel resynchronize server-side call state after
// a reconnect. ReconnectState reports the active call, if any; RenewOffer
// regenerates a fresh offer on the surviving peer connection.
type CallResyncer interface {
	ReconnectState() (ReconnectPayload, bool)
	RenewOffer() (CallOfferPayload, bool)
}

// SignalChannel is the full client-facing surface of the signaling channel.
type SignalChannel interface {
	SignalSender
	SignalEvents
	Connect(token string)
	Disconnect()
	IsConnected() bool
	SetResyncer(CallResyncer)
}

// MediaSession drives the single local peer connection.
type MediaSession interface {
	// CreateSession acquires local capture, negotiates a local offer and
	// returns it once ICE gathering completes or times out. Fails if a
	// session already exists.
	CreateSession(ctx context.Context, callID domain.CallID) (*webrtc.SessionDescription, error)
	// HandleOffer applies a remote offer and prepares a local answer;
	// the answer surfaces through OnAnswer.
	HandleOffer(offer webrtc.SessionDescription) error
	// StartSession applies a remote answer to complete negotiation.
	StartSession(answer webrtc.SessionDescription) error
	// RenewOffer regenerates an offer on the existing peer connection
	// (reconnect renegotiation).
	RenewOffer(ctx context.Context) (*webrtc.SessionDescription, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	SetMidMap(m MidMap)
	EndSession()
	Active() bool

	OnTrackAdded(func(userID domain.UserID, stream MediaStream, mid string)) func()
	OnLocalStream(func(stream MediaStream)) func()
	OnAnswer(func(answer webrtc.SessionDescription)) func()
}

// CallAPI is the REST collaborator that creates calls server-side.
type CallAPI interface {
	CreateCall(ctx context.Context, calleeIDs []domain.UserID) (*domain.Call, error)
}

// Ringer plays the incoming-call notification sound. Stop is idempotent.
type Ringer interface {
	Play()
	Stop()
}
