// Package hub is the development signaling server: it authenticates users,
// creates call records and relays negotiation traffic between call members.
// Media itself flows peer-side; the hub only moves envelopes.
package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/core"
	"github.com/Neb-iyu/facetime-app/internal/domain"
)

type callState struct {
	call    domain.Call
	members map[domain.UserID]bool
}

// Hub holds every connected client and live call. All state is guarded by
// one mutex; relay fan-out happens on copied member lists outside it.
type Hub struct {
	mu       sync.Mutex
	users    map[domain.UserID]domain.User
	byToken  map[string]domain.UserID
	conns    map[domain.UserID]*wsConn
	calls    map[domain.CallID]*callState
	nextUser domain.UserID
	nextCall domain.CallID
}

func New() *Hub {
	return &Hub{
		users:   make(map[domain.UserID]domain.User),
		byToken: make(map[string]domain.UserID),
		conns:   make(map[domain.UserID]*wsConn),
		calls:   make(map[domain.CallID]*callState),
	}
}

// Register creates or reuses the account for a username and issues a fresh
// token. Passwords are not verified; this is a development hub.
func (h *Hub) Register(username string) (domain.User, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var user domain.User
	found := false
	for _, u := range h.users {
		if u.Name == username {
			user = u
			found = true
			break
		}
	}
	if !found {
		h.nextUser++
		user = domain.User{
			ID:     h.nextUser,
			Name:   username,
			Status: domain.StatusOffline,
		}
		h.users[user.ID] = user
	}
	token := uuid.NewString()
	h.byToken[token] = user.ID
	return user, token
}

// Authenticate resolves a bearer token to its user.
func (h *Hub) Authenticate(token string) (domain.UserID, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.byToken[token]
	return id, ok
}

// Users returns the directory of registered users.
func (h *Hub) Users() []domain.User {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]domain.User, 0, len(h.users))
	for _, u := range h.users {
		out = append(out, u)
	}
	return out
}

// CreateCall registers a call record and returns it with the assigned id.
func (h *Hub) CreateCall(caller domain.UserID, calleeIDs []domain.UserID) *domain.Call {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextCall++
	call := domain.Call{
		ID:        h.nextCall,
		CallerID:  caller,
		CalleeIDs: append([]domain.UserID(nil), calleeIDs...),
		StartTime: time.Now(),
		Status:    domain.CallRinging,
	}
	h.calls[call.ID] = &callState{
		call:    call,
		members: map[domain.UserID]bool{caller: true},
	}
	log.Info().Str("module", "hub").Uint("call_id", uint(call.ID)).Uint("caller", uint(caller)).Msg("call created")
	return &call
}

// Attach binds a fresh connection to a user, pushes the presence list and
// announces the user online. An older connection for the same user is
// displaced.
func (h *Hub) Attach(userID domain.UserID, c *wsConn) {
	h.mu.Lock()
	old := h.conns[userID]
	h.conns[userID] = c
	if u, ok := h.users[userID]; ok {
		u.Status = domain.StatusOnline
		u.LastSeen = time.Now()
		h.users[userID] = u
	}
	list := h.presenceLocked()
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
	h.sendTo(userID, core.MsgStatus, list)
	h.broadcastStatus(userID, domain.StatusOnline)
	log.Info().Str("module", "hub").Uint("user", uint(userID)).Msg("attached")
}

// Detach unbinds a connection, ignoring a stale one already displaced by a
// reconnect, and announces the user offline.
func (h *Hub) Detach(userID domain.UserID, c *wsConn) {
	h.mu.Lock()
	if h.conns[userID] != c {
		h.mu.Unlock()
		return
	}
	delete(h.conns, userID)
	if u, ok := h.users[userID]; ok {
		u.Status = domain.StatusOffline
		u.LastSeen = time.Now()
		h.users[userID] = u
	}
	h.mu.Unlock()

	h.broadcastStatus(userID, domain.StatusOffline)
}

func (h *Hub) presenceLocked() []core.UserStatusPayload {
	list := make([]core.UserStatusPayload, 0, len(h.users))
	for _, u := range h.users {
		list = append(list, core.UserStatusPayload{
			UserID:   u.ID,
			Username: u.Name,
			Status:   u.Status,
			LastSeen: u.LastSeen,
		})
	}
	return list
}

func (h *Hub) broadcastStatus(userID domain.UserID, status domain.UserStatus) {
	h.mu.Lock()
	u := h.users[userID]
	targets := make([]domain.UserID, 0, len(h.conns))
	for id := range h.conns {
		if id != userID {
			targets = append(targets, id)
		}
	}
	h.mu.Unlock()

	t := core.MsgUserOnline
	if status == domain.StatusOffline {
		t = core.MsgUserOffline
	}
	payload := core.UserStatusPayload{UserID: userID, Username: u.Name, Status: status, LastSeen: u.LastSeen}
	for _, id := range targets {
		h.sendTo(id, t, payload)
	}
}

func (h *Hub) sendTo(userID domain.UserID, t core.MessageType, payload any) {
	env, err := core.NewEnvelope(t, payload)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Str("type", string(t)).Msg("encode envelope")
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "hub").Msg("marshal envelope")
		return
	}

	h.mu.Lock()
	c := h.conns[userID]
	h.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "hub").Uint("user", uint(userID)).Msg("drop outbound")
	}
}

// relay forwards an envelope to every call member except the sender.
func (h *Hub) relay(callID domain.CallID, from domain.UserID, t core.MessageType, payload any) {
	h.mu.Lock()
	st, ok := h.calls[callID]
	var targets []domain.UserID
	if ok {
		for id := range st.members {
			if id != from {
				targets = append(targets, id)
			}
		}
	}
	h.mu.Unlock()
	for _, id := range targets {
		h.sendTo(id, t, payload)
	}
}
