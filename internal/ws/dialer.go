package ws

import (
	"context"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"
)

// Conn is the part of a websocket the client uses.
type Conn interface {
	Close() error
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
}

type Dialer interface {
	Dial(ctx context.Context, rawURL, token string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket and passes the bearer token as
// the token query parameter.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

func (d WebsocketDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", redact(u), err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", redact(u), err)
	}
	return conn, nil
}

// redact hides the token query parameter and any userinfo password.
func redact(u *url.URL) string {
	c := *u
	q := c.Query()
	if q.Has("token") {
		q.Set("token", "REDACTED")
		c.RawQuery = q.Encode()
	}
	return c.Redacted()
}
