package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

type testIdentity struct{}

func (testIdentity) UserID() domain.UserID { return 1 }
func (testIdentity) Token() string         { return "tok" }

type sentMsg struct {
	t       core.MessageType
	payload any
}

// fakeSignal records outbound messages; subscriptions are no-ops because
// tests drive the engine's handlers directly.
type fakeSignal struct {
	mu   sync.Mutex
	sent []sentMsg
}

func (f *fakeSignal) Send(t core.MessageType, payload any) {
	f.mu.Lock()
	f.sent = append(f.sent, sentMsg{t, payload})
	f.mu.Unlock()
}

func (f *fakeSignal) count(t core.MessageType) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.sent {
		if m.t == t {
			n++
		}
	}
	return n
}

func (f *fakeSignal) last(t core.MessageType) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.sent) - 1; i >= 0; i-- {
		if f.sent[i].t == t {
			return f.sent[i].payload, true
		}
	}
	return nil, false
}

func (f *fakeSignal) Connect(string)                {}
func (f *fakeSignal) Disconnect()                   {}
func (f *fakeSignal) IsConnected() bool             { return true }
func (f *fakeSignal) SetResyncer(core.CallResyncer) {}
func (f *fakeSignal) RemoveAllListeners()           {}

func (f *fakeSignal) OnUserStatus(func(core.UserStatusPayload)) func()     { return func() {} }
func (f *fakeSignal) OnUserList(func([]core.UserStatusPayload)) func()     { return func() {} }
func (f *fakeSignal) OnIncomingCall(func(domain.Call)) func()              { return func() {} }
func (f *fakeSignal) OnCallAccepted(func(core.CallAcceptedPayload)) func() { return func() {} }
func (f *fakeSignal) OnCallRejected(func(core.CallRejectedPayload)) func() { return func() {} }
func (f *fakeSignal) OnCallEnded(func(core.CallEndedPayload)) func()       { return func() {} }
func (f *fakeSignal) OnUserJoin(func(core.UserJoinPayload)) func()         { return func() {} }
func (f *fakeSignal) OnUserLeave(func(core.UserLeavePayload)) func()       { return func() {} }
func (f *fakeSignal) OnAddCallee(func(core.AddCalleePayload)) func()       { return func() {} }
func (f *fakeSignal) OnICECandidate(func(core.ICECandidatePayload)) func() { return func() {} }
func (f *fakeSignal) OnOffer(func(webrtc.SessionDescription)) func()       { return func() {} }
func (f *fakeSignal) OnAnswer(func(webrtc.SessionDescription)) func()      { return func() {} }
func (f *fakeSignal) OnMidMap(func(core.MidMap)) func()                    { return func() {} }
func (f *fakeSignal) OnTrackUpdate(func(core.TrackUpdatePayload)) func()   { return func() {} }

type fakeMedia struct {
	mu        sync.Mutex
	active    bool
	createErr error
	ends      int
	offers    int
	offerGate chan struct{}
	midMaps   []core.MidMap
	applied   []webrtc.ICECandidateInit
}

func (f *fakeMedia) CreateSession(_ context.Context, _ domain.CallID) (*webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.active = true
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (f *fakeMedia) HandleOffer(webrtc.SessionDescription) error {
	f.mu.Lock()
	gate := f.offerGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.offers++
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) StartSession(webrtc.SessionDescription) error { return nil }

func (f *fakeMedia) RenewOffer(context.Context) (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (f *fakeMedia) AddICECandidate(c webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.applied = append(f.applied, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeMedia) SetMidMap(m core.MidMap) {
	f.mu.Lock()
	f.midMaps = append(f.midMaps, m)
	f.mu.Unlock()
}

func (f *fakeMedia) EndSession() {
	f.mu.Lock()
	f.active = false
	f.ends++
	f.mu.Unlock()
}

func (f *fakeMedia) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

func (f *fakeMedia) OnTrackAdded(func(domain.UserID, core.MediaStream, string)) func() {
	return func() {}
}
func (f *fakeMedia) OnLocalStream(func(core.MediaStream)) func()     { return func() {} }
func (f *fakeMedia) OnAnswer(func(webrtc.SessionDescription)) func() { return func() {} }

type fakeAPI struct {
	err    error
	nextID domain.CallID
}

func (f *fakeAPI) CreateCall(_ context.Context, calleeIDs []domain.UserID) (*domain.Call, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.nextID == 0 {
		f.nextID = 9
	}
	return &domain.Call{
		ID:        f.nextID,
		CallerID:  1,
		CalleeIDs: append([]domain.UserID(nil), calleeIDs...),
		StartTime: time.Now(),
		Status:    domain.CallRinging,
	}, nil
}

type fakeStream struct {
	id      string
	mu      sync.Mutex
	stopped bool
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

type engineEnv struct {
	engine *Engine
	signal *fakeSignal
	media  *fakeMedia
	api    *fakeAPI
}

func newEngineEnv(opts Options) *engineEnv {
	env := &engineEnv{
		signal: &fakeSignal{},
		media:  &fakeMedia{},
		api:    &fakeAPI{},
	}
	env.engine = NewEngine(testIdentity{}, env.signal, env.media, env.api, NopRinger{}, opts)
	return env
}

func (env *engineEnv) seedOnline(ids ...domain.UserID) {
	for _, id := range ids {
		env.engine.HandleUserStatus(core.UserStatusPayload{UserID: id, Status: domain.StatusOnline})
	}
}

func (env *engineEnv) startOutbound(t *testing.T, callees ...domain.UserID) *domain.Call {
	t.Helper()
	env.seedOnline(callees...)
	call, err := env.engine.MakeCall(context.Background(), callees)
	require.NoError(t, err)
	return call
}

func TestMakeCall(t *testing.T) {
	env := newEngineEnv(Options{})
	call := env.startOutbound(t, 2)

	assert.Equal(t, domain.CallID(9), call.ID)
	assert.Equal(t, StateRinging, env.engine.Snapshot().State)
	assert.True(t, env.media.Active())

	payload, ok := env.signal.last(core.MsgCallOffer)
	require.True(t, ok)
	offer := payload.(core.CallOfferPayload)
	assert.Equal(t, call.ID, offer.CallID)
	assert.Equal(t, domain.UserID(1), offer.UserID)
	assert.NotEmpty(t, offer.Offer.SDP)
}

func TestMakeCallRequiresOnlineCallees(t *testing.T) {
	env := newEngineEnv(Options{})

	_, err := env.engine.MakeCall(context.Background(), []domain.UserID{2})
	require.ErrorIs(t, err, ErrCalleeUnavailable)
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
}

func TestMakeCallWhileBusy(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	env.seedOnline(3)

	_, err := env.engine.MakeCall(context.Background(), []domain.UserID{3})
	require.ErrorIs(t, err, ErrBusy)
}

func TestMakeCallRollsBackOnAPIFailure(t *testing.T) {
	env := newEngineEnv(Options{})
	env.seedOnline(2)
	env.api.err = errors.New("service down")

	_, err := env.engine.MakeCall(context.Background(), []domain.UserID{2})
	require.Error(t, err)
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
	assert.False(t, env.media.Active())
}

func TestMakeCallRollsBackOnMediaFailure(t *testing.T) {
	env := newEngineEnv(Options{})
	env.seedOnline(2)
	env.media.createErr = errors.New("no devices")

	_, err := env.engine.MakeCall(context.Background(), []domain.UserID{2})
	require.Error(t, err)
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
	assert.Zero(t, env.signal.count(core.MsgCallOffer))
}

func TestIncomingCallRingsThenAccept(t *testing.T) {
	env := newEngineEnv(Options{})
	env.engine.HandleIncomingCall(domain.Call{ID: 5, CallerID: 2, CalleeIDs: []domain.UserID{1}})

	snap := env.engine.Snapshot()
	assert.Equal(t, StateRinging, snap.State)
	require.NotNil(t, snap.Call)
	assert.Equal(t, domain.CallID(5), snap.Call.ID)

	require.NoError(t, env.engine.AcceptCall(context.Background()))
	assert.Equal(t, StateActive, env.engine.Snapshot().State)

	payload, ok := env.signal.last(core.MsgCallAccepted)
	require.True(t, ok)
	accepted := payload.(core.CallAcceptedPayload)
	assert.Equal(t, domain.CallID(5), accepted.CallID)
	assert.NotEmpty(t, accepted.Offer.SDP)
}

func TestIncomingCallAutoRejectedWhileBusy(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	env.engine.HandleIncomingCall(domain.Call{ID: 77, CallerID: 3, CalleeIDs: []domain.UserID{1}})

	payload, ok := env.signal.last(core.MsgCallRejected)
	require.True(t, ok)
	assert.Equal(t, domain.CallID(77), payload.(core.CallRejectedPayload).CallID)
	assert.Equal(t, domain.CallID(9), env.engine.Snapshot().Call.ID, "current call untouched")
}

func TestRingTimeoutRejectsExactlyOnce(t *testing.T) {
	env := newEngineEnv(Options{RingTimeout: 20 * time.Millisecond})
	env.engine.HandleIncomingCall(domain.Call{ID: 5, CallerID: 2, CalleeIDs: []domain.UserID{1}})

	require.Eventually(t, func() bool {
		return env.engine.Snapshot().State == StateIdle
	}, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, env.signal.count(core.MsgCallRejected))
	assert.Nil(t, env.engine.Snapshot().Call)
}

func TestAcceptCancelsRingTimer(t *testing.T) {
	env := newEngineEnv(Options{RingTimeout: 30 * time.Millisecond})
	env.engine.HandleIncomingCall(domain.Call{ID: 5, CallerID: 2, CalleeIDs: []domain.UserID{1}})
	require.NoError(t, env.engine.AcceptCall(context.Background()))

	time.Sleep(80 * time.Millisecond)
	assert.Zero(t, env.signal.count(core.MsgCallRejected))
	assert.Equal(t, StateActive, env.engine.Snapshot().State)
}

func TestAcceptRollsBackOnMediaFailure(t *testing.T) {
	env := newEngineEnv(Options{})
	env.engine.HandleIncomingCall(domain.Call{ID: 5, CallerID: 2, CalleeIDs: []domain.UserID{1}})
	env.media.createErr = errors.New("no devices")

	require.Error(t, env.engine.AcceptCall(context.Background()))
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
	assert.Equal(t, 1, env.signal.count(core.MsgCallRejected))
}

func TestRejectStaleCallIDSendsRejectionOnly(t *testing.T) {
	env := newEngineEnv(Options{})
	env.engine.HandleIncomingCall(domain.Call{ID: 5, CallerID: 2, CalleeIDs: []domain.UserID{1}})

	require.NoError(t, env.engine.RejectCall(99))
	assert.Equal(t, StateRinging, env.engine.Snapshot().State, "current call untouched")
	require.Equal(t, 1, env.signal.count(core.MsgCallRejected))
	payload, ok := env.signal.last(core.MsgCallRejected)
	require.True(t, ok)
	assert.Equal(t, domain.CallID(99), payload.(core.CallRejectedPayload).CallID)

	require.NoError(t, env.engine.RejectCall(5))
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
	assert.Equal(t, 2, env.signal.count(core.MsgCallRejected))
}

func TestOutgoingCallRingsThenConnectsThenActivates(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	assert.Equal(t, StateRinging, env.engine.Snapshot().State)

	// the outbound ring is not answerable locally
	assert.ErrorIs(t, env.engine.AcceptCall(context.Background()), ErrNoIncomingCall)
	assert.ErrorIs(t, env.engine.RejectCall(9), ErrNoIncomingCall)

	env.seedOnline(3)
	require.NoError(t, env.engine.AddCallee(3), "inviting while ringing is allowed")

	env.engine.HandleCallAccepted(core.CallAcceptedPayload{CallID: 9, UserID: 2})
	assert.Equal(t, StateConnecting, env.engine.Snapshot().State)

	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2})
	snap := env.engine.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	assert.Equal(t, domain.CallOngoing, snap.Call.Status)
}

func TestLastCalleeDecliningEndsOutboundCall(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	env.engine.HandleCallRejected(core.CallRejectedPayload{CallID: 9, UserID: 2})

	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
	assert.False(t, env.media.Active())
}

func TestRejectionOfOneCalleeKeepsCall(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2, 3)

	env.engine.HandleCallRejected(core.CallRejectedPayload{CallID: 9, UserID: 2})

	snap := env.engine.Snapshot()
	assert.Equal(t, StateRinging, snap.State)
	assert.Equal(t, []domain.UserID{3}, snap.Call.CalleeIDs)
}

func TestUserJoinActivatesCall(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2, UserName: "ana"})

	snap := env.engine.Snapshot()
	assert.Equal(t, StateActive, snap.State)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "ana", snap.Participants[0].Name)
}

func TestLastParticipantLeavingEndsCall(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2})

	env.engine.HandleUserLeft(core.UserLeavePayload{CallID: 9, UserID: 2})

	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
	assert.False(t, env.media.Active())
}

func TestPromoteTrackIsIdempotent(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2})

	stream := &fakeStream{id: "t1"}
	env.engine.HandleTrackAdded(2, stream, "0")
	env.engine.HandleTrackAdded(2, stream, "0")

	snap := env.engine.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "t1", snap.Participants[0].TrackID)
	assert.False(t, stream.isStopped())
}

func TestAnonymousTrackParksThenPromotes(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	stream := &fakeStream{id: "t1"}
	env.engine.HandleTrackAdded(0, stream, "0")
	snap := env.engine.Snapshot()
	require.Len(t, snap.Pending, 1)
	assert.Empty(t, snap.Participants)

	env.engine.HandleTrackAdded(2, stream, "0")
	snap = env.engine.Snapshot()
	assert.Empty(t, snap.Pending)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, domain.UserID(2), snap.Participants[0].UserID)
	assert.False(t, stream.isStopped())
}

func TestDisplacedStreamIsStopped(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	old := &fakeStream{id: "t1"}
	fresh := &fakeStream{id: "t2"}
	env.engine.HandleTrackAdded(2, old, "0")
	env.engine.HandleTrackAdded(2, fresh, "0")

	assert.True(t, old.isStopped())
	assert.False(t, fresh.isStopped())
}

func TestTrackWhileIdleIsStopped(t *testing.T) {
	env := newEngineEnv(Options{})
	stream := &fakeStream{id: "t1"}
	env.engine.HandleTrackAdded(2, stream, "0")
	assert.True(t, stream.isStopped())
}

func TestMuteFlagsAreIndependent(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	env.engine.SetAudioMuted(true)
	snap := env.engine.Snapshot()
	assert.True(t, snap.AudioMuted)
	assert.False(t, snap.VideoMuted)

	payload, ok := env.signal.last(core.MsgTrackUpdate)
	require.True(t, ok)
	update := payload.(core.TrackUpdatePayload)
	assert.Equal(t, "audio", update.TrackType)
	assert.True(t, update.Muted)

	// repeated set is a no-op
	env.engine.SetAudioMuted(true)
	assert.Equal(t, 1, env.signal.count(core.MsgTrackUpdate))
}

func TestRemoteMuteUpdatesParticipant(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2})

	env.engine.HandleTrackStateChange(core.TrackUpdatePayload{CallID: 9, UserID: 2, TrackType: "video", Muted: true})

	snap := env.engine.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.True(t, snap.Participants[0].VideoMuted)
	assert.False(t, snap.Participants[0].AudioMuted)
}

func TestICECandidateScopedToCurrentCall(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	env.engine.HandleICECandidate(core.ICECandidatePayload{CallID: 9, UserID: 2})
	env.engine.HandleICECandidate(core.ICECandidatePayload{CallID: 42, UserID: 2})

	env.media.mu.Lock()
	defer env.media.mu.Unlock()
	assert.Len(t, env.media.applied, 1)
}

func TestRenegotiationDoesNotBlockOtherHandlers(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	gate := make(chan struct{})
	env.media.mu.Lock()
	env.media.offerGate = gate
	env.media.mu.Unlock()

	env.engine.HandleOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})

	// candidates still land while the answer is being negotiated
	env.engine.HandleICECandidate(core.ICECandidatePayload{CallID: 9, UserID: 2})
	env.media.mu.Lock()
	applied := len(env.media.applied)
	env.media.mu.Unlock()
	assert.Equal(t, 1, applied)

	close(gate)
	require.Eventually(t, func() bool {
		env.media.mu.Lock()
		defer env.media.mu.Unlock()
		return env.media.offers == 1
	}, time.Second, 5*time.Millisecond)
}

func TestMidMapForwardedToMedia(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2})

	env.engine.HandleMidMap(core.MidMap{"0": 2})

	env.media.mu.Lock()
	maps := len(env.media.midMaps)
	env.media.mu.Unlock()
	assert.Equal(t, 1, maps)

	snap := env.engine.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "0", snap.Participants[0].Mid)
}

func TestReconnectState(t *testing.T) {
	env := newEngineEnv(Options{})

	_, ok := env.engine.ReconnectState()
	assert.False(t, ok, "nothing to resync while idle")

	env.startOutbound(t, 2)
	st, ok := env.engine.ReconnectState()
	require.True(t, ok)
	assert.Equal(t, domain.CallID(9), st.CallID)
	assert.Equal(t, domain.UserID(1), st.UserID)
	assert.True(t, st.PcAlive)

	offer, ok := env.engine.RenewOffer()
	require.True(t, ok)
	assert.Equal(t, domain.CallID(9), offer.CallID)
}

func TestCleanupStopsEverything(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)
	env.engine.HandleUserJoined(core.UserJoinPayload{CallID: 9, UserID: 2})
	promoted := &fakeStream{id: "t1"}
	parked := &fakeStream{id: "t2"}
	env.engine.HandleTrackAdded(2, promoted, "0")
	env.engine.HandleTrackAdded(0, parked, "1")

	env.engine.Cleanup()

	assert.True(t, promoted.isStopped())
	assert.True(t, parked.isStopped())
	assert.False(t, env.media.Active())
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
}

func TestCallEndedFromServer(t *testing.T) {
	env := newEngineEnv(Options{})
	env.startOutbound(t, 2)

	env.engine.HandleCallEnded(core.CallEndedPayload{CallID: 9})
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)

	// stale end for a finished call is ignored
	env.engine.HandleCallEnded(core.CallEndedPayload{CallID: 9})
	assert.Equal(t, StateIdle, env.engine.Snapshot().State)
}

func TestLeaveAndEndRequireCall(t *testing.T) {
	env := newEngineEnv(Options{})
	assert.ErrorIs(t, env.engine.LeaveCall(), ErrNotInCall)
	assert.ErrorIs(t, env.engine.EndCall(), ErrNotInCall)
	assert.ErrorIs(t, env.engine.AddCallee(2), ErrNotInCall)
}
