// Package ownership decides which pod drives a user's connection. A pod may
// only hold a local session for a user while it holds that user's
// connection lease; the lease token is the pod id.
package ownership

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/lease"
	"github.com/LeventeLantos/messaging-fleet/internal/metrics"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
)

var ErrOwnedElsewhere = errors.New("ownership: connection owned by another pod")

type Manager struct {
	leases *lease.Manager
	reg    *session.Registry
	podID  string
	ttl    time.Duration
	log    *slog.Logger
}

func NewManager(leases *lease.Manager, reg *session.Registry, podID string, ttl time.Duration, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		leases: leases,
		reg:    reg,
		podID:  podID,
		ttl:    ttl,
		log:    log.With("component", "ownership", "pod", podID),
	}
}

func (m *Manager) PodID() string { return m.podID }

// Ensure makes this pod the owner of userID's connection, or confirms it
// already is, and returns the local session.
func (m *Manager) Ensure(ctx context.Context, userID string) (session.Session, error) {
	ok, err := m.leases.Claim(ctx, m.leases.ConnKey(userID), m.podID, m.ttl)
	if err != nil {
		return nil, fmt.Errorf("claim connection lease: %w", err)
	}
	if !ok {
		metrics.LeaseContention.WithLabelValues("conn").Inc()
		m.log.Debug("connection owned elsewhere", "user", userID)
		// a stale local session must not keep driving the connection
		m.reg.Detach(userID)
		return nil, ErrOwnedElsewhere
	}

	s, err := m.reg.GetOrCreate(ctx, userID)
	if err != nil {
		m.leases.Release(ctx, m.leases.ConnKey(userID), m.podID)
		return nil, err
	}
	metrics.ActiveSessions.Set(float64(m.reg.Stats().Total))
	return s, nil
}

// Renew extends this pod's connection lease for userID. A false result
// means ownership is lost and local processing for the user must stop.
func (m *Manager) Renew(ctx context.Context, userID string) bool {
	return m.leases.Renew(ctx, m.leases.ConnKey(userID), m.podID, m.ttl)
}

// RenewAll renews the lease of every local session and detaches the ones
// whose lease moved to another pod.
func (m *Manager) RenewAll(ctx context.Context) {
	for _, userID := range m.reg.UserIDs() {
		if m.Renew(ctx, userID) {
			continue
		}
		m.log.Warn("connection lease lost, detaching local session", "user", userID)
		m.reg.Detach(userID)
	}
	metrics.ActiveSessions.Set(float64(m.reg.Stats().Total))
}

// Close logs the user out and gives up ownership.
func (m *Manager) Close(ctx context.Context, userID string) error {
	err := m.reg.Close(ctx, userID)
	m.leases.Release(ctx, m.leases.ConnKey(userID), m.podID)
	metrics.ActiveSessions.Set(float64(m.reg.Stats().Total))
	return err
}

// Release detaches the local session, keeping credentials, and gives up ownership.
func (m *Manager) Release(ctx context.Context, userID string) {
	m.reg.Detach(userID)
	m.leases.Release(ctx, m.leases.ConnKey(userID), m.podID)
	metrics.ActiveSessions.Set(float64(m.reg.Stats().Total))
}

// EvictIdle detaches idle sessions and releases their leases.
func (m *Manager) EvictIdle(ctx context.Context, maxIdle time.Duration) []string {
	evicted := m.reg.EvictInactive(maxIdle)
	for _, userID := range evicted {
		m.leases.Release(ctx, m.leases.ConnKey(userID), m.podID)
	}
	metrics.ActiveSessions.Set(float64(m.reg.Stats().Total))
	return evicted
}

// Owner reports the pod currently holding userID's connection lease.
func (m *Manager) Owner(ctx context.Context, userID string) (string, bool, error) {
	l, ok, err := m.leases.Inspect(ctx, m.leases.ConnKey(userID))
	if err != nil || !ok {
		return "", ok, err
	}
	return l.OwnerToken, true, nil
}

// Local returns the local session for userID without claiming anything.
func (m *Manager) Local(userID string) (session.Session, bool) {
	return m.reg.Get(userID)
}

// Shutdown detaches every local session and releases all leases.
func (m *Manager) Shutdown(ctx context.Context) {
	for _, userID := range m.reg.UserIDs() {
		m.Release(ctx, userID)
	}
}
