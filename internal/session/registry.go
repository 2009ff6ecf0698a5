// Package session keeps the process-local map from user id to connection
// machine. It never talks to the coordination store; cross-process
// exclusivity is handled by the ownership package.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/conn"
)

var ErrProcessBusy = errors.New("session: another connection is already active in this process")

// Session is the view of a connection machine the registry manages.
type Session interface {
	Initialize(ctx context.Context) error
	Snapshot() conn.Snapshot
	Send(ctx context.Context, to string, p conn.Payload) (string, error)
	RefreshChallenge(ctx context.Context) error
	Logout(ctx context.Context) error
	Shutdown()
}

// Factory builds the session for a user.
type Factory func(userID string) Session

type Options struct {
	// MaxConnected caps the sessions allowed in the connected state at once.
	MaxConnected int
	Logger       *slog.Logger
}

type Stats struct {
	Total     int                `json:"total"`
	Connected int                `json:"connected"`
	ByState   map[conn.State]int `json:"byState"`
}

type Registry struct {
	factory Factory
	max     int
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[string]Session
}

func NewRegistry(factory Factory, opt Options) *Registry {
	if opt.MaxConnected <= 0 {
		opt.MaxConnected = 1
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		factory:  factory,
		max:      opt.MaxConnected,
		log:      log.With("component", "session"),
		sessions: make(map[string]Session),
	}
}

// GetOrCreate returns the local session for userID, creating and
// initializing it on first access. Creation is refused while the process
// already drives MaxConnected connected sessions.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	if r.connectedLocked() >= r.max {
		r.mu.Unlock()
		return nil, ErrProcessBusy
	}
	s := r.factory(userID)
	r.sessions[userID] = s
	r.mu.Unlock()

	r.log.Info("session created", "user", userID)
	if err := s.Initialize(ctx); err != nil {
		// the machine keeps retrying on its own
		r.log.Warn("session initialize failed", "user", userID, "err", err)
	}
	return s, nil
}

func (r *Registry) Get(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	return s, ok
}

// Close logs the user's session out and forgets it.
func (r *Registry) Close(ctx context.Context, userID string) error {
	s, ok := r.remove(userID)
	if !ok {
		return nil
	}
	r.log.Info("session closed", "user", userID)
	return s.Logout(ctx)
}

// Detach drops the local session but keeps its credentials, so another
// process can pick the user up.
func (r *Registry) Detach(userID string) bool {
	s, ok := r.remove(userID)
	if !ok {
		return false
	}
	s.Shutdown()
	r.log.Info("session detached", "user", userID)
	return true
}

// EvictInactive detaches every session idle for longer than maxIdle and
// returns the evicted user ids.
func (r *Registry) EvictInactive(maxIdle time.Duration) []string {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var idle []string
	for id, s := range r.sessions {
		if s.Snapshot().LastActivityAt.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	r.mu.Unlock()

	var evicted []string
	for _, id := range idle {
		if r.Detach(id) {
			evicted = append(evicted, id)
		}
	}
	sort.Strings(evicted)
	if len(evicted) > 0 {
		r.log.Info("evicted inactive sessions", "count", len(evicted), "max_idle", maxIdle)
	}
	return evicted
}

// ListActive returns snapshots of every local session ordered by user id.
func (r *Registry) ListActive() []conn.Snapshot {
	r.mu.Lock()
	out := make([]conn.Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) UserIDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := Stats{Total: len(r.sessions), ByState: make(map[conn.State]int)}
	for _, s := range r.sessions {
		state := s.Snapshot().State
		st.ByState[state]++
		if state == conn.Connected {
			st.Connected++
		}
	}
	return st
}

// ShutdownAll detaches every session.
func (r *Registry) ShutdownAll() {
	for _, id := range r.UserIDs() {
		r.Detach(id)
	}
}

func (r *Registry) remove(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	return s, ok
}

func (r *Registry) connectedLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.Snapshot().State == conn.Connected {
			n++
		}
	}
	return n
}
