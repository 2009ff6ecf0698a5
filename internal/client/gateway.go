// Package client talks HTTP to the protocol gateway that hosts the actual
// messaging connections, and fetches campaign media.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/creds"
)

var (
	ErrUnknownSession = errors.New("client: unknown gateway session")
	ErrUnknownEvent   = errors.New("client: unknown gateway event type")
)

// Gateway event types delivered back to this pod.
const (
	EventChallenge     = "challenge"
	EventAuthenticated = "authenticated"
	EventAuthFailure   = "auth_failure"
	EventReady         = "ready"
	EventDisconnected  = "disconnected"
	EventCredentials   = "credentials"
	EventKeys          = "keys"
)

// Event is the body the gateway posts for every connection lifecycle change.
type Event struct {
	SessionID   string                       `json:"sessionId"`
	Type        string                       `json:"type"`
	Code        string                       `json:"code,omitempty"`
	Reason      string                       `json:"reason,omitempty"`
	Identity    string                       `json:"identity,omitempty"`
	LoggedOut   bool                         `json:"loggedOut,omitempty"`
	Credentials *creds.Blob                  `json:"credentials,omitempty"`
	Category    string                       `json:"category,omitempty"`
	Keys        map[string]creds.KeyMaterial `json:"keys,omitempty"`
}

// Gateway implements conn.Dialer. Each dial gets a fresh session id, so
// events for a destroyed connection no longer reach its hooks.
type Gateway struct {
	base     string
	callback string
	client   *http.Client
	log      *slog.Logger

	mu       sync.Mutex
	sessions map[string]*gatewayConn
}

// NewGateway targets the gateway at baseURL. callbackURL is where the
// gateway should post events for connections dialed here.
func NewGateway(baseURL, callbackURL string, timeout time.Duration, log *slog.Logger) *Gateway {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		base:     strings.TrimRight(baseURL, "/"),
		callback: callbackURL,
		client:   &http.Client{Timeout: timeout},
		log:      log.With("component", "gateway"),
		sessions: make(map[string]*gatewayConn),
	}
}

func (g *Gateway) Dial(_ context.Context, userID string, blob *creds.Blob, hooks conn.Hooks) (conn.Conn, error) {
	c := &gatewayConn{
		g:         g,
		sessionID: uuid.NewString(),
		userID:    userID,
		blob:      blob,
		hooks:     hooks,
	}
	g.mu.Lock()
	g.sessions[c.sessionID] = c
	g.mu.Unlock()
	return c, nil
}

// Sessions returns the number of connections currently routed.
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Dispatch routes a gateway event to the hooks of the connection it names.
func (g *Gateway) Dispatch(ev Event) error {
	g.mu.Lock()
	c, ok := g.sessions[ev.SessionID]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSession, ev.SessionID)
	}

	h := c.hooks
	switch ev.Type {
	case EventChallenge:
		if h.OnChallenge != nil {
			h.OnChallenge(ev.Code)
		}
	case EventAuthenticated:
		if h.OnAuthenticated != nil {
			h.OnAuthenticated()
		}
	case EventAuthFailure:
		if h.OnAuthFailure != nil {
			h.OnAuthFailure(ev.Reason)
		}
	case EventReady:
		if h.OnReady != nil {
			h.OnReady(ev.Identity)
		}
	case EventDisconnected:
		if h.OnDisconnected != nil {
			h.OnDisconnected(ev.Reason, ev.LoggedOut)
		}
	case EventCredentials:
		if ev.Credentials == nil {
			return errors.New("credentials event without credentials")
		}
		if h.OnCredentialsChanged != nil {
			h.OnCredentialsChanged(*ev.Credentials)
		}
	case EventKeys:
		if ev.Category == "" || len(ev.Keys) == 0 {
			return errors.New("keys event without category or entries")
		}
		if h.OnKeysChanged != nil {
			entries := make(map[string][]byte, len(ev.Keys))
			for id, v := range ev.Keys {
				entries[id] = v
			}
			h.OnKeysChanged(ev.Category, entries)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	return nil
}

func (g *Gateway) forget(sessionID string) {
	g.mu.Lock()
	delete(g.sessions, sessionID)
	g.mu.Unlock()
}

func (g *Gateway) sessionURL(sessionID string, parts ...string) string {
	u := g.base + "/sessions/" + url.PathEscape(sessionID)
	for _, p := range parts {
		u += "/" + p
	}
	return u
}

type gatewayConn struct {
	g         *Gateway
	sessionID string
	userID    string
	blob      *creds.Blob
	hooks     conn.Hooks
}

type startRequest struct {
	SessionID   string      `json:"sessionId"`
	UserID      string      `json:"userId"`
	CallbackURL string      `json:"callbackUrl,omitempty"`
	Credentials *creds.Blob `json:"credentials,omitempty"`
}

type sendRequest struct {
	To      string       `json:"to"`
	Payload conn.Payload `json:"payload"`
}

type sendResponse struct {
	Message   string `json:"message"`
	MessageID string `json:"messageId"`
}

func (c *gatewayConn) Start(ctx context.Context) error {
	_, err := c.g.do(ctx, http.MethodPost, c.g.base+"/sessions", startRequest{
		SessionID:   c.sessionID,
		UserID:      c.userID,
		CallbackURL: c.g.callback,
		Credentials: c.blob,
	}, http.StatusCreated, http.StatusAccepted, http.StatusOK)
	return err
}

func (c *gatewayConn) Send(ctx context.Context, to string, p conn.Payload) (string, error) {
	body, err := c.g.do(ctx, http.MethodPost, c.g.sessionURL(c.sessionID, "messages"), sendRequest{
		To:      to,
		Payload: p,
	}, http.StatusAccepted)
	if err != nil {
		return "", err
	}

	var sr sendResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return "", fmt.Errorf("failed to decode json: %w body=%q", err, string(body))
	}
	if sr.MessageID == "" {
		return "", fmt.Errorf("missing messageId in response body=%q", string(body))
	}
	return sr.MessageID, nil
}

func (c *gatewayConn) Logout(ctx context.Context) error {
	_, err := c.g.do(ctx, http.MethodPost, c.g.sessionURL(c.sessionID, "logout"), nil,
		http.StatusOK, http.StatusAccepted, http.StatusNoContent)
	return err
}

// Destroy stops routing events to this connection and asks the gateway to
// drop it. Failures are logged only.
func (c *gatewayConn) Destroy() {
	c.g.forget(c.sessionID)

	ctx, cancel := context.WithTimeout(context.Background(), c.g.client.Timeout)
	defer cancel()
	_, err := c.g.do(ctx, http.MethodDelete, c.g.sessionURL(c.sessionID), nil,
		http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound)
	if err != nil {
		c.g.log.Warn("destroy session failed", "user", c.userID, "session", c.sessionID, "err", err)
	}
}

func (g *Gateway) do(ctx context.Context, method, target string, in any, want ...int) ([]byte, error) {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	for _, code := range want {
		if resp.StatusCode == code {
			return body, nil
		}
	}
	return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
}
