package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/creds"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultLogoutDelay    = 3 * time.Second

	storeTimeout = 10 * time.Second
)

const defaultWarning = "This number is not authorized to use this messaging account. The session is being closed."

type Options struct {
	// AuthorizedIdentities is the allow-list checked on ready. Empty allows any identity.
	AuthorizedIdentities []string
	ReconnectDelay       time.Duration
	LogoutDelay          time.Duration
	WarningText          string
	Logger               *slog.Logger
}

// Machine owns the protocol connection of one user. Each dialed connection
// gets a generation number; events from an older generation are dropped.
type Machine struct {
	userID  string
	dialer  Dialer
	store   CredentialStore
	allowed map[string]struct{}
	opt     Options
	log     *slog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	state        State
	conn         Conn
	gen          uint64
	identity     string
	lastActivity time.Time
	challengeAt  time.Time
	hasChallenge bool
	alert        *SecurityAlert
	timer        *time.Timer
	closed       bool
}

func NewMachine(userID string, dialer Dialer, store CredentialStore, opt Options) *Machine {
	if opt.ReconnectDelay <= 0 {
		opt.ReconnectDelay = DefaultReconnectDelay
	}
	if opt.LogoutDelay <= 0 {
		opt.LogoutDelay = DefaultLogoutDelay
	}
	if opt.WarningText == "" {
		opt.WarningText = defaultWarning
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}

	allowed := make(map[string]struct{}, len(opt.AuthorizedIdentities))
	for _, id := range opt.AuthorizedIdentities {
		if n := NormalizeIdentity(id); n != "" {
			allowed[n] = struct{}{}
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		userID:       userID,
		dialer:       dialer,
		store:        store,
		allowed:      allowed,
		opt:          opt,
		log:          log.With("component", "conn", "user", userID),
		baseCtx:      ctx,
		cancel:       cancel,
		state:        Disconnected,
		lastActivity: time.Now().UTC(),
	}
}

func (m *Machine) UserID() string { return m.userID }

// Initialize dials a connection unless one is connected or already being
// established.
func (m *Machine) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != Disconnected && m.state != Error {
		m.mu.Unlock()
		return nil
	}
	old := m.conn
	m.conn = nil
	m.gen++
	gen := m.gen
	m.state = Connecting
	m.stopTimerLocked()
	m.mu.Unlock()

	if old != nil {
		old.Destroy()
	}

	blob, err := m.store.Load(ctx, m.userID)
	if err != nil {
		m.failDial(gen, err)
		return fmt.Errorf("load credentials: %w", err)
	}

	c, err := m.dialer.Dial(ctx, m.userID, blob, m.hooksFor(gen))
	if err != nil {
		m.failDial(gen, err)
		return fmt.Errorf("dial: %w", err)
	}

	m.mu.Lock()
	if gen != m.gen || m.closed {
		m.mu.Unlock()
		c.Destroy()
		return nil
	}
	m.conn = c
	m.mu.Unlock()

	if err := c.Start(m.baseCtx); err != nil {
		m.failDial(gen, err)
		return fmt.Errorf("start: %w", err)
	}
	m.log.Info("connection initialized", "restored", blob != nil)
	return nil
}

// failDial tears down a connection that never came up and schedules another attempt.
func (m *Machine) failDial(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	c := m.conn
	m.conn = nil
	m.gen++
	m.state = Error
	closed := m.closed
	m.mu.Unlock()

	if c != nil {
		c.Destroy()
	}
	m.log.Warn("connection attempt failed", "err", err)
	if !closed {
		m.scheduleReconnect()
	}
}

// RefreshChallenge drops the current connection attempt and starts a new
// one to obtain a fresh login challenge.
func (m *Machine) RefreshChallenge(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == Connected {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	c := m.conn
	m.conn = nil
	m.gen++
	m.state = Disconnected
	m.hasChallenge = false
	m.stopTimerLocked()
	m.mu.Unlock()

	if c != nil {
		c.Destroy()
	}
	if err := m.store.ClearLoginChallenge(ctx, m.userID); err != nil {
		m.log.Warn("failed to clear stale challenge", "err", err)
	}
	return m.Initialize(ctx)
}

// Send delivers p through the live connection. It fails with ErrClosed
// once the machine was shut down, also when that happens mid-send.
func (m *Machine) Send(ctx context.Context, to string, p Payload) (string, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	if m.state != Connected || m.conn == nil {
		m.mu.Unlock()
		return "", ErrNotReady
	}
	c := m.conn
	m.mu.Unlock()

	id, err := c.Send(ctx, to, p)

	m.mu.Lock()
	m.lastActivity = time.Now().UTC()
	if err != nil && m.closed {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	m.mu.Unlock()
	return id, err
}

// Touch records activity without sending anything.
func (m *Machine) Touch() {
	m.mu.Lock()
	m.lastActivity = time.Now().UTC()
	m.mu.Unlock()
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Snapshot{
		UserID:         m.userID,
		State:          m.state,
		Identity:       m.identity,
		LastActivityAt: m.lastActivity,
		HasChallenge:   m.hasChallenge,
	}
	if m.hasChallenge {
		at := m.challengeAt
		s.ChallengeIssuedAt = &at
	}
	if m.alert != nil {
		a := *m.alert
		s.SecurityAlert = &a
	}
	return s
}

// Logout ends the session for good: logs out remotely, wipes stored
// credentials and stops any pending reconnect.
func (m *Machine) Logout(ctx context.Context) error {
	c := m.close()

	var errs []error
	if c != nil {
		if err := c.Logout(ctx); err != nil {
			errs = append(errs, fmt.Errorf("logout: %w", err))
		}
		c.Destroy()
	}
	if err := m.store.Clear(ctx, m.userID); err != nil {
		errs = append(errs, fmt.Errorf("clear credentials: %w", err))
	}
	if err := m.store.ClearLoginChallenge(ctx, m.userID); err != nil {
		errs = append(errs, fmt.Errorf("clear challenge: %w", err))
	}
	m.log.Info("session logged out")
	return errors.Join(errs...)
}

// Shutdown drops the connection but keeps credentials so another process
// can restore the session.
func (m *Machine) Shutdown() {
	if c := m.close(); c != nil {
		c.Destroy()
	}
	m.log.Info("session shut down")
}

func (m *Machine) close() Conn {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	c := m.conn
	m.conn = nil
	m.gen++
	m.state = Disconnected
	m.hasChallenge = false
	m.stopTimerLocked()
	m.cancel()
	return c
}

func (m *Machine) hooksFor(gen uint64) Hooks {
	return Hooks{
		OnChallenge:          func(code string) { m.onChallenge(gen, code) },
		OnAuthenticated:      func() { m.onAuthenticated(gen) },
		OnAuthFailure:        func(reason string) { m.onAuthFailure(gen, reason) },
		OnReady:              func(identity string) { m.onReady(gen, identity) },
		OnDisconnected:       func(reason string, loggedOut bool) { m.onDisconnected(gen, reason, loggedOut) },
		OnCredentialsChanged: func(b creds.Blob) { m.onCredentialsChanged(gen, b) },
		OnKeysChanged:        func(category string, entries map[string][]byte) { m.onKeysChanged(gen, category, entries) },
	}
}

func (m *Machine) current(gen uint64) bool {
	return gen == m.gen && !m.closed
}

func (m *Machine) storeCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(m.baseCtx), storeTimeout)
}

func (m *Machine) onChallenge(gen uint64, code string) {
	m.mu.Lock()
	live := m.current(gen)
	m.mu.Unlock()
	if !live {
		m.log.Debug("dropping challenge from a replaced connection")
		return
	}

	artifact, err := RenderChallenge(code)
	if err != nil {
		m.log.Error("failed to render login challenge", "err", err)
		return
	}

	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.SetLoginChallenge(ctx, m.userID, artifact); err != nil {
		m.log.Error("failed to persist login challenge", "err", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(gen) {
		return
	}
	m.state = QRPending
	m.hasChallenge = true
	m.challengeAt = time.Now().UTC()
}

func (m *Machine) onAuthenticated(gen uint64) {
	m.mu.Lock()
	if !m.current(gen) {
		m.mu.Unlock()
		return
	}
	m.state = Authenticated
	m.hasChallenge = false
	m.mu.Unlock()

	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.ClearLoginChallenge(ctx, m.userID); err != nil {
		m.log.Warn("failed to clear login challenge", "err", err)
	}
}

func (m *Machine) onAuthFailure(gen uint64, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current(gen) {
		return
	}
	m.state = Error
	m.log.Warn("authentication failed", "reason", reason)
}

func (m *Machine) onReady(gen uint64, identity string) {
	normalized := NormalizeIdentity(identity)

	m.mu.Lock()
	if !m.current(gen) {
		m.mu.Unlock()
		return
	}
	m.identity = normalized
	m.hasChallenge = false
	if !m.isAllowed(normalized) {
		m.state = Unauthorized
		m.alert = &SecurityAlert{
			Identity:   normalized,
			DetectedAt: time.Now().UTC(),
			Message:    ErrUnauthorizedIdentity.Error(),
		}
		c := m.conn
		m.mu.Unlock()

		m.log.Error("unauthorized identity attached, forcing logout", "identity", normalized)
		go m.evictUnauthorized(gen, c, normalized)
		return
	}
	m.state = Connected
	m.alert = nil
	m.lastActivity = time.Now().UTC()
	m.mu.Unlock()

	m.log.Info("connection ready", "identity", normalized)
}

func (m *Machine) isAllowed(identity string) bool {
	if len(m.allowed) == 0 {
		return true
	}
	_, ok := m.allowed[identity]
	return ok
}

// evictUnauthorized warns the identity, waits LogoutDelay, then logs out,
// wipes credentials and starts over. It runs even during shutdown.
func (m *Machine) evictUnauthorized(gen uint64, c Conn, identity string) {
	if c != nil {
		ctx, cancel := m.storeCtx()
		if _, err := c.Send(ctx, identity, Payload{Kind: TextPayload, Text: m.opt.WarningText}); err != nil {
			m.log.Warn("failed to notify unauthorized identity", "err", err)
		}
		cancel()
	}

	select {
	case <-time.After(m.opt.LogoutDelay):
	case <-m.baseCtx.Done():
	}

	m.mu.Lock()
	if gen == m.gen {
		m.gen++
		m.conn = nil
	}
	m.mu.Unlock()

	ctx, cancel := m.storeCtx()
	defer cancel()
	if c != nil {
		if err := c.Logout(ctx); err != nil {
			m.log.Warn("forced logout failed", "err", err)
		}
		c.Destroy()
	}
	if err := m.store.Clear(ctx, m.userID); err != nil {
		m.log.Error("failed to wipe credentials after security event", "err", err)
	}
	if err := m.store.ClearLoginChallenge(ctx, m.userID); err != nil {
		m.log.Warn("failed to clear login challenge", "err", err)
	}

	m.mu.Lock()
	closed := m.closed
	if !closed {
		m.state = Disconnected
	}
	m.mu.Unlock()
	if closed {
		return
	}

	if err := m.Initialize(ctx); err != nil && !errors.Is(err, ErrClosed) {
		m.log.Warn("reinitialize after security event failed", "err", err)
	}
}

func (m *Machine) onDisconnected(gen uint64, reason string, loggedOut bool) {
	m.mu.Lock()
	if !m.current(gen) || m.state == Unauthorized {
		m.mu.Unlock()
		return
	}
	c := m.conn
	m.conn = nil
	m.gen++
	m.state = Disconnected
	m.hasChallenge = false
	m.mu.Unlock()

	m.log.Warn("connection closed", "reason", reason, "logged_out", loggedOut)
	if c != nil {
		c.Destroy()
	}
	if loggedOut {
		ctx, cancel := m.storeCtx()
		if err := m.store.Clear(ctx, m.userID); err != nil {
			m.log.Error("failed to clear credentials after remote logout", "err", err)
		}
		cancel()
	}
	m.scheduleReconnect()
}

func (m *Machine) onCredentialsChanged(gen uint64, b creds.Blob) {
	m.mu.Lock()
	ok := m.current(gen) && m.state != Unauthorized
	m.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.Save(ctx, m.userID, &b); err != nil {
		m.log.Error("failed to persist credentials", "err", err)
	}
}

func (m *Machine) onKeysChanged(gen uint64, category string, entries map[string][]byte) {
	m.mu.Lock()
	ok := m.current(gen) && m.state != Unauthorized
	m.mu.Unlock()
	if !ok || len(entries) == 0 {
		return
	}

	ctx, cancel := m.storeCtx()
	defer cancel()
	if err := m.store.SetKeyEntries(ctx, m.userID, category, entries); err != nil {
		m.log.Error("failed to persist key entries", "category", category, "err", err)
	}
}

func (m *Machine) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.stopTimerLocked()
	m.timer = time.AfterFunc(m.opt.ReconnectDelay, func() {
		ctx, cancel := m.storeCtx()
		defer cancel()
		if err := m.Initialize(ctx); err != nil && !errors.Is(err, ErrClosed) {
			m.log.Warn("reconnect failed", "err", err)
		}
	})
}

func (m *Machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
