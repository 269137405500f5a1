package signal

import (
	"net/url"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a websocket connection the channel uses.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Dialer opens one signaling connection.
type Dialer interface {
	Dial(rawURL string) (Conn, error)
}

type wsDialer struct{}

func (wsDialer) Dial(rawURL string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// authURL appends the session token as a connection-time query credential.
func authURL(rawURL, token string) string {
	if token == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
