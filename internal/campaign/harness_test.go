package campaign

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/lease"
	"github.com/LeventeLantos/messaging-fleet/internal/model"
	"github.com/LeventeLantos/messaging-fleet/internal/queue"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

type sentMessage struct {
	To      string
	Payload conn.Payload
}

type fakeSession struct {
	mu     sync.Mutex
	state  conn.State
	calls  int
	sent   []sentMessage
	onSend func(call int, to string, p conn.Payload) error
}

func (f *fakeSession) Initialize(ctx context.Context) error { return nil }

func (f *fakeSession) Snapshot() conn.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return conn.Snapshot{State: f.state, LastActivityAt: time.Now()}
}

func (f *fakeSession) Send(ctx context.Context, to string, p conn.Payload) (string, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	hook := f.onSend
	f.mu.Unlock()

	if hook != nil {
		if err := hook(call, to, p); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{To: to, Payload: p})
	return fmt.Sprintf("m%d", call), nil
}

func (f *fakeSession) RefreshChallenge(ctx context.Context) error { return nil }
func (f *fakeSession) Logout(ctx context.Context) error           { return nil }
func (f *fakeSession) Shutdown()                                  {}

func (f *fakeSession) recipients() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.sent))
	for _, m := range f.sent {
		out = append(out, m.To)
	}
	return out
}

type fakeOwner struct {
	mu       sync.Mutex
	sess     *fakeSession
	err      error
	renewals int

	// loseAfter makes Renew fail once it has succeeded this many times; 0 never fails.
	loseAfter int
}

func (o *fakeOwner) Ensure(ctx context.Context, userID string) (session.Session, error) {
	if o.err != nil {
		return nil, o.err
	}
	return o.sess, nil
}

func (o *fakeOwner) Renew(ctx context.Context, userID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.loseAfter > 0 && o.renewals >= o.loseAfter {
		return false
	}
	o.renewals++
	return true
}

type fakeMedia map[string]Media

func (f fakeMedia) Fetch(ctx context.Context, ref string) (Media, error) {
	m, ok := f[ref]
	if !ok {
		return Media{}, fmt.Errorf("no such file %s", ref)
	}
	return m, nil
}

type harness struct {
	mr     *miniredis.Miniredis
	q      *queue.Queue
	leases *lease.Manager
	svc    *Service
	owner  *fakeOwner
	sess   *fakeSession
	proc   *Processor
}

func newHarness(t *testing.T, svcOpt Options, procOpt ProcessorOptions, media MediaFetcher) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	st := store.New(rdb, "test")
	q := queue.New(st, "campaigns", queue.Options{})
	leases := lease.NewManager(st, time.Millisecond, nil)
	svc := NewService(st, q, nil, svcOpt)

	sess := &fakeSession{state: conn.Connected}
	owner := &fakeOwner{sess: sess}

	if procOpt.ReadyTimeout == 0 {
		procOpt.ReadyTimeout = 50 * time.Millisecond
	}
	if procOpt.ReadyPoll == 0 {
		procOpt.ReadyPoll = 5 * time.Millisecond
	}
	if procOpt.SendBackoff == 0 {
		procOpt.SendBackoff = time.Millisecond
	}
	if procOpt.LeaseTimeout == 0 {
		procOpt.LeaseTimeout = 20 * time.Millisecond
	}
	proc := NewProcessor(svc, leases, owner, media, procOpt)

	return &harness{mr: mr, q: q, leases: leases, svc: svc, owner: owner, sess: sess, proc: proc}
}

func phones(n int) []model.Recipient {
	out := make([]model.Recipient, n)
	for i := range out {
		out[i] = model.Recipient{Phone: fmt.Sprintf("5730011122%02d", i), Variables: map[string]string{"nombre": fmt.Sprintf("N%d", i)}}
	}
	return out
}

// submitAndDequeue queues a campaign and hands its job back as a worker would.
func (h *harness) submitAndDequeue(t *testing.T, userID string, req SubmitRequest) (string, *queue.Job) {
	t.Helper()

	ctx := context.Background()
	id, err := h.svc.Submit(ctx, userID, req)
	if err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	job, err := h.q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	return id, job
}

func (h *harness) campaign(t *testing.T, userID string) *model.Campaign {
	t.Helper()

	c, err := h.svc.Current(context.Background(), userID)
	if err != nil {
		t.Fatalf("Current() error: %v", err)
	}
	if c == nil {
		t.Fatalf("expected a campaign for %s", userID)
	}
	return c
}
