// Package deskline is the Go SDK for the Deskline support console realtime API.
//
// A Gateway keeps one realtime connection per session, reconnects with
// backoff, fans inbound conversation events out to subscribers and queues
// outbound events while offline.
//
// Example:
//
//	client := deskline.NewClient(deskline.WithBaseURL("https://console.example.com"))
//	login, _ := client.Login(ctx, "agent@example.com", "secret")
//
//	gw, _ := deskline.NewGateway(deskline.Config{URL: "wss://console.example.com/ws"})
//	defer gw.Close()
//
//	gw.On(deskline.CategoryNewMessage, func(env deskline.Envelope) {
//		var msg deskline.MessagePayload
//		_ = env.Decode(&msg)
//	}, "conv-123")
//	_ = gw.Connect(login.UserID(), login.Token)
//	_, _ = gw.SendMessage("conv-123", "Hello!")
package deskline

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the console's REST API. It only covers what a realtime
// session needs: obtaining and discarding the opaque session token.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// NewClient creates a REST client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Token returns the token set by WithToken or the last successful Login.
func (c *Client) Token() string {
	return c.token
}

// Login exchanges credentials for a session token. Rejected credentials
// return an error matching ErrUnauthorized.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	if email == "" || password == "" {
		return nil, errors.New("email and password are required")
	}
	body, status, err := c.doRequest(ctx, http.MethodPost, "/api/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
	if err != nil {
		return nil, err
	}
	result, err := decodeJSON[LoginResult](body)
	if err != nil && status < 300 {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, errors.Wrap(ErrUnauthorized, messageOr(result, "invalid credentials"))
	}
	if status >= 300 || !result.Success {
		return nil, errors.Errorf("login failed: HTTP %d: %s", status, messageOr(result, http.StatusText(status)))
	}
	if result.Token == "" {
		return nil, errors.New("login succeeded without a token")
	}
	c.token = result.Token
	return result, nil
}

// Logout ends the session on the server and forgets the token.
func (c *Client) Logout(ctx context.Context) error {
	_, status, err := c.doRequest(ctx, http.MethodPost, "/api/auth/logout", nil)
	if err != nil {
		return err
	}
	if status >= 300 {
		return errors.Errorf("logout failed: HTTP %d", status)
	}
	c.token = ""
	return nil
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, 0, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, "failed to read response")
	}
	return data, resp.StatusCode, nil
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal response")
	}
	return &result, nil
}

func messageOr(r *LoginResult, fallback string) string {
	if r != nil && r.Message != "" {
		return r.Message
	}
	return fallback
}
