// Package api is the REST client for the parts of the call service that
// live outside the signaling channel: authentication and call creation.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Neb-iyu/facetime-app/internal/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

// Client talks to the call service REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client

	mu     sync.RWMutex
	token  string
	selfID domain.UserID
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// SetCredentials installs a pre-issued token, bypassing Login.
func (c *Client) SetCredentials(userID domain.UserID, token string) {
	c.mu.Lock()
	c.selfID = userID
	c.token = token
	c.mu.Unlock()
}

// UserID returns the authenticated user's id. Zero before login.
func (c *Client) UserID() domain.UserID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.selfID
}

// Token returns the bearer credential. Empty before login.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

// Login authenticates and stores the issued token for later requests.
func (c *Client) Login(ctx context.Context, username, password string) (*domain.User, error) {
	var resp loginResponse
	if err := c.post(ctx, "/login", loginRequest{Username: username, Password: password}, &resp); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	c.mu.Lock()
	c.token = resp.Token
	c.selfID = resp.User.ID
	c.mu.Unlock()
	log.Info().Str("module", "api").Uint("user_id", uint(resp.User.ID)).Msg("logged in")
	return &resp.User, nil
}

type createCallRequest struct {
	CalleeIDs []domain.UserID `json:"calleeIds"`
}

// CreateCall registers a new call server-side and returns its record with
// the assigned id.
func (c *Client) CreateCall(ctx context.Context, calleeIDs []domain.UserID) (*domain.Call, error) {
	var call domain.Call
	if err := c.post(ctx, "/calls", createCallRequest{CalleeIDs: calleeIDs}, &call); err != nil {
		return nil, fmt.Errorf("create call: %w", err)
	}
	return &call, nil
}

// Users fetches the directory of known users.
func (c *Client) Users(ctx context.Context) ([]domain.User, error) {
	var users []domain.User
	if err := c.get(ctx, "/users", &users); err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode >= 400:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", req.Method, req.URL.Path, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
