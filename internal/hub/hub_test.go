package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Neb-iyu/facetime-app/internal/config"
	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

func TestRegisterReusesAccountIssuesFreshToken(t *testing.T) {
	h := New()

	u1, tok1 := h.Register("ana")
	u2, tok2 := h.Register("ana")

	assert.Equal(t, u1.ID, u2.ID)
	assert.NotEqual(t, tok1, tok2)

	id, ok := h.Authenticate(tok1)
	require.True(t, ok)
	assert.Equal(t, u1.ID, id)

	id, ok = h.Authenticate(tok2)
	require.True(t, ok)
	assert.Equal(t, u1.ID, id)

	_, ok = h.Authenticate("bogus")
	assert.False(t, ok)
}

func TestCreateCallAssignsSequentialIDs(t *testing.T) {
	h := New()
	caller, _ := h.Register("ana")

	c1 := h.CreateCall(caller.ID, []domain.UserID{7})
	c2 := h.CreateCall(caller.ID, []domain.UserID{8})

	assert.Equal(t, domain.CallID(1), c1.ID)
	assert.Equal(t, domain.CallID(2), c2.ID)
	assert.Equal(t, caller.ID, c1.CallerID)
	assert.Equal(t, domain.CallRinging, c1.Status)
}

func TestCallLifecycleState(t *testing.T) {
	h := New()
	caller, _ := h.Register("ana")
	callee, _ := h.Register("bob")
	call := h.CreateCall(caller.ID, []domain.UserID{callee.ID})

	send := func(from domain.UserID, mt core.MessageType, payload any) {
		env, err := core.NewEnvelope(mt, payload)
		require.NoError(t, err)
		data, err := json.Marshal(env)
		require.NoError(t, err)
		h.HandleMessage(from, data)
	}

	send(callee.ID, core.MsgCallAccepted, core.CallAcceptedPayload{CallID: call.ID, UserID: callee.ID})
	h.mu.Lock()
	st := h.calls[call.ID]
	require.NotNil(t, st)
	assert.Equal(t, domain.CallOngoing, st.call.Status)
	assert.True(t, st.members[callee.ID])
	h.mu.Unlock()

	send(callee.ID, core.MsgUserLeave, core.UserLeavePayload{CallID: call.ID, UserID: callee.ID})
	send(caller.ID, core.MsgUserLeave, core.UserLeavePayload{CallID: call.ID, UserID: caller.ID})
	h.mu.Lock()
	_, exists := h.calls[call.ID]
	h.mu.Unlock()
	assert.False(t, exists, "call dropped once empty")
}

func TestCallEndedDropsCall(t *testing.T) {
	h := New()
	caller, _ := h.Register("ana")
	call := h.CreateCall(caller.ID, []domain.UserID{2})

	env, err := core.NewEnvelope(core.MsgCallEnded, core.CallEndedPayload{CallID: call.ID})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)
	h.HandleMessage(caller.ID, data)

	h.mu.Lock()
	_, exists := h.calls[call.ID]
	h.mu.Unlock()
	assert.False(t, exists)
}

func TestBadMessageIsIgnored(t *testing.T) {
	h := New()
	user, _ := h.Register("ana")
	h.HandleMessage(user.ID, []byte("{not json"))
	h.HandleMessage(user.ID, []byte(`{"type":"no_such_kind","payload":{},"time":""}`))
}

func newTestRouter(h *Hub) http.Handler {
	return SetupRouter(&config.Config{Mode: "release", Secret: "test-secret"}, h)
}

func postJSON(t *testing.T, r http.Handler, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestLoginAndCreateCallEndpoints(t *testing.T) {
	h := New()
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/login", "", map[string]string{"username": "ana", "password": "x"})
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string      `json:"token"`
		User  domain.User `json:"user"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	w = postJSON(t, r, "/api/calls", login.Token, map[string]any{"calleeIds": []uint{7}})
	require.Equal(t, http.StatusCreated, w.Code)
	var call domain.Call
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &call))
	assert.Equal(t, domain.CallID(1), call.ID)
	assert.Equal(t, login.User.ID, call.CallerID)
	assert.Equal(t, []domain.UserID{7}, call.CalleeIDs)
}

func TestCreateCallRejectsBadRequests(t *testing.T) {
	h := New()
	r := newTestRouter(h)

	w := postJSON(t, r, "/api/calls", "bogus", map[string]any{"calleeIds": []uint{7}})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	_, token := h.Register("ana")
	w = postJSON(t, r, "/api/calls", token, map[string]any{"calleeIds": []uint{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsersEndpoint(t *testing.T) {
	h := New()
	r := newTestRouter(h)
	_, token := h.Register("ana")
	h.Register("bob")

	req := httptest.NewRequest(http.MethodGet, "/api/users", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var users []domain.User
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &users))
	assert.Len(t, users, 2)
}
