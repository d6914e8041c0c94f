package deskline

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"nhooyr.io/websocket"
)

// Handshake is the identity attached to every connection attempt.
type Handshake struct {
	UserID string
	Token  string
}

// Transport is one established bidirectional connection.
type Transport interface {
	// Read blocks until the next frame arrives or the connection fails.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// Dialer opens transports to the realtime server.
type Dialer interface {
	Dial(ctx context.Context, hs Handshake) (Transport, error)
}

// WebSocketDialer dials the realtime endpoint over a websocket. The user id is
// sent as the userId query parameter and the token as a bearer header.
type WebSocketDialer struct {
	URL        string
	HTTPClient *http.Client
	// ReadLimit caps the size of one inbound frame. Zero keeps the library default.
	ReadLimit int64
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, hs Handshake) (Transport, error) {
	endpoint, err := d.endpoint(hs)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if hs.Token != "" {
		header.Set("Authorization", "Bearer "+hs.Token)
	}

	conn, resp, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		if resp != nil {
			return nil, errors.Wrapf(err, "websocket dial: HTTP %d", resp.StatusCode)
		}
		return nil, errors.Wrap(err, "websocket dial")
	}
	if d.ReadLimit > 0 {
		conn.SetReadLimit(d.ReadLimit)
	}
	return &wsTransport{conn: conn}, nil
}

func (d *WebSocketDialer) endpoint(hs Handshake) (string, error) {
	raw := d.URL
	switch {
	case strings.HasPrefix(raw, "https://"):
		raw = "wss://" + strings.TrimPrefix(raw, "https://")
	case strings.HasPrefix(raw, "http://"):
		raw = "ws://" + strings.TrimPrefix(raw, "http://")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "parse realtime url %q", d.URL)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", errors.Errorf("realtime url %q: unsupported scheme %q", d.URL, u.Scheme)
	}
	q := u.Query()
	q.Set("userId", hs.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(ctx)
	return data, err
}

func (t *wsTransport) Write(ctx context.Context, frame []byte) error {
	return t.conn.Write(ctx, websocket.MessageText, frame)
}

func (t *wsTransport) Ping(ctx context.Context) error {
	return t.conn.Ping(ctx)
}

func (t *wsTransport) Close() error {
	return t.conn.Close(websocket.StatusNormalClosure, "client disconnect")
}
