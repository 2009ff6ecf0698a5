// Package conn drives one external protocol connection per user through
// its lifecycle: login challenge, authentication, the authorized-identity
// check and automatic recovery after disconnects.
package conn

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/creds"
)

type State string

const (
	Disconnected  State = "disconnected"
	Connecting    State = "connecting"
	QRPending     State = "qr_pending"
	Authenticated State = "authenticated"
	Connected     State = "connected"
	Unauthorized  State = "unauthorized"
	Error         State = "error"
)

var (
	ErrNotReady             = errors.New("conn: connection not ready")
	ErrUnauthorizedIdentity = errors.New("conn: identity not authorized")
	ErrAlreadyConnected     = errors.New("conn: already connected")
	ErrClosed               = errors.New("conn: session closed")
)

type PayloadKind string

const (
	TextPayload  PayloadKind = "text"
	ImagePayload PayloadKind = "image"
	AudioPayload PayloadKind = "audio"
)

// Payload is one outbound message. Media payloads carry their bytes; the
// caption only applies to images.
type Payload struct {
	Kind     PayloadKind `json:"kind"`
	Text     string      `json:"text,omitempty"`
	Caption  string      `json:"caption,omitempty"`
	Media    []byte      `json:"media,omitempty"`
	MimeType string      `json:"mimeType,omitempty"`
}

// Hooks are the lifecycle events a protocol connection reports.
// Implementations may invoke them from any goroutine. A nil value passed
// to OnKeysChanged deletes that entry.
type Hooks struct {
	OnChallenge          func(code string)
	OnAuthenticated      func()
	OnAuthFailure        func(reason string)
	OnReady              func(identity string)
	OnDisconnected       func(reason string, loggedOut bool)
	OnCredentialsChanged func(blob creds.Blob)
	OnKeysChanged        func(category string, entries map[string][]byte)
}

// Conn is the opaque protocol client for one user.
type Conn interface {
	Start(ctx context.Context) error
	Send(ctx context.Context, to string, p Payload) (messageID string, err error)
	Logout(ctx context.Context) error
	Destroy()
}

// Dialer builds a connection from stored credentials (nil for a fresh login).
type Dialer interface {
	Dial(ctx context.Context, userID string, blob *creds.Blob, hooks Hooks) (Conn, error)
}

// CredentialStore is the subset of creds.Store the machine needs.
type CredentialStore interface {
	Load(ctx context.Context, userID string) (*creds.Blob, error)
	Save(ctx context.Context, userID string, b *creds.Blob) error
	SetKeyEntries(ctx context.Context, userID, category string, entries map[string][]byte) error
	Clear(ctx context.Context, userID string) error
	SetLoginChallenge(ctx context.Context, userID, artifact string) error
	ClearLoginChallenge(ctx context.Context, userID string) error
}

type SecurityAlert struct {
	Identity   string    `json:"identity"`
	DetectedAt time.Time `json:"detectedAt"`
	Message    string    `json:"message"`
}

// Snapshot is a side-effect free view of a machine.
type Snapshot struct {
	UserID            string         `json:"userId"`
	State             State          `json:"state"`
	Identity          string         `json:"identity,omitempty"`
	LastActivityAt    time.Time      `json:"lastActivityAt"`
	HasChallenge      bool           `json:"hasChallenge"`
	ChallengeIssuedAt *time.Time     `json:"challengeIssuedAt,omitempty"`
	SecurityAlert     *SecurityAlert `json:"securityAlert,omitempty"`
}
