package ownership

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/lease"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

type stubSession struct {
	mu       sync.Mutex
	userID   string
	state    conn.State
	since    time.Time
	shutdown bool
}

func (s *stubSession) Initialize(ctx context.Context) error { return nil }

func (s *stubSession) Snapshot() conn.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return conn.Snapshot{UserID: s.userID, State: s.state, LastActivityAt: s.since}
}

func (s *stubSession) Send(ctx context.Context, to string, p conn.Payload) (string, error) {
	return "", nil
}

func (s *stubSession) RefreshChallenge(ctx context.Context) error { return nil }
func (s *stubSession) Logout(ctx context.Context) error           { return nil }

func (s *stubSession) Shutdown() {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
}

const ttl = 30 * time.Second

func newPod(t *testing.T, mr *miniredis.Miniredis, podID string, state conn.State) *Manager {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := session.NewRegistry(func(userID string) session.Session {
		return &stubSession{userID: userID, state: state, since: time.Now()}
	}, session.Options{})
	leases := lease.NewManager(store.New(rdb, "test"), time.Millisecond, nil)
	return NewManager(leases, reg, podID, ttl, nil)
}

func TestEnsure_SingleOwnerAcrossPods(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a := newPod(t, mr, "pod-a", conn.Connecting)
	b := newPod(t, mr, "pod-b", conn.Connecting)
	ctx := context.Background()

	sa, err := a.Ensure(ctx, "u1")
	if err != nil {
		t.Fatalf("pod-a Ensure() error: %v", err)
	}
	again, err := a.Ensure(ctx, "u1")
	if err != nil || again != sa {
		t.Fatalf("expected pod-a to confirm ownership, err=%v", err)
	}

	if _, err := b.Ensure(ctx, "u1"); !errors.Is(err, ErrOwnedElsewhere) {
		t.Fatalf("expected ErrOwnedElsewhere, got %v", err)
	}
	if _, ok := b.Local("u1"); ok {
		t.Fatalf("pod-b must not hold a session")
	}

	owner, ok, err := b.Owner(ctx, "u1")
	if err != nil || !ok || owner != "pod-a" {
		t.Fatalf("Owner() = %q, %v, %v", owner, ok, err)
	}
}

func TestRenewAll_DetachesAfterLeaseMoves(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a := newPod(t, mr, "pod-a", conn.Connecting)
	b := newPod(t, mr, "pod-b", conn.Connecting)
	ctx := context.Background()

	s, err := a.Ensure(ctx, "u1")
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}

	mr.FastForward(ttl + time.Second)
	if _, err := b.Ensure(ctx, "u1"); err != nil {
		t.Fatalf("pod-b Ensure() after expiry error: %v", err)
	}

	a.RenewAll(ctx)
	if _, ok := a.Local("u1"); ok {
		t.Fatalf("expected pod-a to drop its session")
	}
	if !s.(*stubSession).shutdown {
		t.Fatalf("expected the stale session to be shut down")
	}
	owner, _, _ := a.Owner(ctx, "u1")
	if owner != "pod-b" {
		t.Fatalf("expected pod-b to keep ownership, got %q", owner)
	}
}

func TestRelease_HandsOwnershipOver(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a := newPod(t, mr, "pod-a", conn.Connecting)
	b := newPod(t, mr, "pod-b", conn.Connecting)
	ctx := context.Background()

	if _, err := a.Ensure(ctx, "u1"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	a.Release(ctx, "u1")

	if _, err := b.Ensure(ctx, "u1"); err != nil {
		t.Fatalf("pod-b Ensure() after release error: %v", err)
	}
}

func TestEnsure_ProcessBusyReleasesLease(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a := newPod(t, mr, "pod-a", conn.Connected)
	ctx := context.Background()

	if _, err := a.Ensure(ctx, "u1"); err != nil {
		t.Fatalf("Ensure(u1) error: %v", err)
	}
	if _, err := a.Ensure(ctx, "u2"); !errors.Is(err, session.ErrProcessBusy) {
		t.Fatalf("expected ErrProcessBusy, got %v", err)
	}
	if _, ok, _ := a.Owner(ctx, "u2"); ok {
		t.Fatalf("expected no lease left behind for u2")
	}
}

func TestEvictIdle_ReleasesLeases(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	a := newPod(t, mr, "pod-a", conn.Connecting)
	ctx := context.Background()

	if _, err := a.Ensure(ctx, "u1"); err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	evicted := a.EvictIdle(ctx, time.Millisecond)
	if len(evicted) != 1 {
		t.Fatalf("expected one eviction, got %v", evicted)
	}
	if _, ok, _ := a.Owner(ctx, "u1"); ok {
		t.Fatalf("expected lease released on eviction")
	}
}
