// Package lease implements best-effort named leases on the coordination
// store. A lease is a key holding the owner token with a TTL; renew and
// release only mutate it while the caller's token is still the holder.
//
// Exclusion is not linearizable: around expiry two holders may briefly
// overlap. The loser finds out on its next Renew and must stop.
package lease

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

var ErrTimeout = errors.New("lease: acquire timed out")

const DefaultRetryInterval = 100 * time.Millisecond

var (
	renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`)

	claimScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
if not cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0`)
)

// Lease is a point-in-time view of a held key.
type Lease struct {
	Key        string    `json:"key"`
	OwnerToken string    `json:"ownerToken"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

type Manager struct {
	st    *store.Client
	retry time.Duration
	log   *slog.Logger
}

func NewManager(st *store.Client, retry time.Duration, log *slog.Logger) *Manager {
	if retry <= 0 {
		retry = DefaultRetryInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{st: st, retry: retry, log: log.With("component", "lease")}
}

// ConnKey names the lease that decides which process drives a user's connection.
func (m *Manager) ConnKey(userID string) string { return m.st.Key("lease", "conn", userID) }

// CampaignKey names the per-user campaign processing mutex.
func (m *Manager) CampaignKey(userID string) string { return m.st.Key("lease", "campaign", userID) }

// Acquire takes key with a fresh random token, retrying set-if-absent at a
// fixed interval until timeout elapses.
func (m *Manager) Acquire(ctx context.Context, key string, ttl, timeout time.Duration) (string, error) {
	token := uuid.NewString()
	if err := m.AcquireWithToken(ctx, key, token, ttl, timeout); err != nil {
		return "", err
	}
	return token, nil
}

func (m *Manager) AcquireWithToken(ctx context.Context, key, token string, ttl, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ok, err := m.st.Redis().SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Add(m.retry).Before(deadline) {
			m.log.Debug("lease acquire timed out", "key", key, "timeout", timeout.String())
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.retry):
		}
	}
}

// Claim takes key for token if it is free, or extends it if token already
// holds it. It reports false when somebody else holds the key.
func (m *Manager) Claim(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := claimScript.Run(ctx, m.st.Redis(), []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Renew extends key only while token holds it. Losing the lease is an
// expected outcome, so errors are logged and reported as false.
func (m *Manager) Renew(ctx context.Context, key, token string, ttl time.Duration) bool {
	n, err := renewScript.Run(ctx, m.st.Redis(), []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		m.log.Warn("lease renew failed", "key", key, "err", err)
		return false
	}
	return n == 1
}

// Release deletes key if token still holds it; otherwise it does nothing.
func (m *Manager) Release(ctx context.Context, key, token string) {
	if _, err := releaseScript.Run(ctx, m.st.Redis(), []string{key}, token).Result(); err != nil {
		m.log.Warn("lease release failed", "key", key, "err", err)
	}
}

// Inspect returns the current holder of key, if any.
func (m *Manager) Inspect(ctx context.Context, key string) (Lease, bool, error) {
	rdb := m.st.Redis()
	token, err := rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	ttl, err := rdb.PTTL(ctx, key).Result()
	if err != nil {
		return Lease{}, false, err
	}
	return Lease{Key: key, OwnerToken: token, ExpiresAt: time.Now().Add(ttl).UTC()}, true, nil
}
