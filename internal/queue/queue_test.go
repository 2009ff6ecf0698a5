package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

type payload struct {
	Value string `json:"value"`
}

func newTestQueue(t *testing.T, opt Options) (*miniredis.Miniredis, *Queue) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return mr, New(store.New(rdb, "test"), "campaigns", opt)
}

func TestEnqueueDequeue_FIFO(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{})
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(ctx, payload{Value: v}, EnqueueOptions{UserID: "u-" + v}); err != nil {
			t.Fatalf("Enqueue() error: %v", err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("Dequeue() error: %v", err)
		}
		var p payload
		if err := json.Unmarshal(job.Payload, &p); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if p.Value != want || job.UserID != "u-"+want {
			t.Fatalf("expected %q, got %q (user %q)", want, p.Value, job.UserID)
		}
		if job.MaxAttempts != DefaultMaxAttempts {
			t.Fatalf("expected default max attempts, got %d", job.MaxAttempts)
		}
	}

	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob, got %v", err)
	}

	c, err := q.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts() error: %v", err)
	}
	if c.Active != 3 || c.Waiting != 0 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestAck_RetainsRecordWithTTL(t *testing.T) {
	t.Parallel()

	mr, q := newTestQueue(t, Options{Retention: time.Minute})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "a"}, EnqueueOptions{UserID: "u1"})
	job, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if err := q.Ack(ctx, job); err != nil {
		t.Fatalf("Ack() error: %v", err)
	}

	c, _ := q.Counts(ctx)
	if c.Active != 0 || c.Completed != 1 {
		t.Fatalf("unexpected counts %+v", c)
	}
	if ttl := mr.TTL(q.jobKey(job.ID)); ttl <= 0 || ttl > time.Minute {
		t.Fatalf("unexpected retention ttl %v", ttl)
	}
}

func TestFail_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{MaxAttempts: 2, Backoff: 5 * time.Millisecond})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "a"}, EnqueueOptions{UserID: "u1"})

	job, _ := q.Dequeue(ctx)
	dead, err := q.Fail(ctx, job, errors.New("boom"))
	if err != nil || dead {
		t.Fatalf("first Fail() = %v, %v", dead, err)
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, ErrNoJob) {
		t.Fatalf("retry must wait in the delayed set, got %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if promoted, _, err := q.Maintain(ctx); err != nil || promoted != 1 {
		t.Fatalf("Maintain() promoted=%d err=%v", promoted, err)
	}

	job, err = q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() after promote error: %v", err)
	}
	if job.Attempts != 1 || job.LastError != "boom" {
		t.Fatalf("unexpected job state %+v", job)
	}
	dead, err = q.Fail(ctx, job, errors.New("boom again"))
	if err != nil || !dead {
		t.Fatalf("second Fail() = %v, %v", dead, err)
	}

	c, _ := q.Counts(ctx)
	if c.Failed != 1 || c.Delayed != 0 || c.Active != 0 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestMoveToDelayed_DoesNotConsumeAttempt(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "a"}, EnqueueOptions{UserID: "u1"})
	job, _ := q.Dequeue(ctx)

	if err := q.MoveToDelayed(ctx, job, 0); err != nil {
		t.Fatalf("MoveToDelayed() error: %v", err)
	}
	again, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if again.ID != job.ID || again.Attempts != 0 {
		t.Fatalf("unexpected redelivery %+v", again)
	}

	if err := q.MoveToDelayed(ctx, again, time.Hour); err != nil {
		t.Fatalf("MoveToDelayed() error: %v", err)
	}
	c, _ := q.Counts(ctx)
	if c.Delayed != 1 || c.Active != 0 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestMaintain_RecoversStalledJobs(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{Visibility: 10 * time.Millisecond})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "first"}, EnqueueOptions{UserID: "u1"})
	_, _ = q.Enqueue(ctx, payload{Value: "second"}, EnqueueOptions{UserID: "u2"})

	stalled, _ := q.Dequeue(ctx)
	time.Sleep(30 * time.Millisecond)

	_, recovered, err := q.Maintain(ctx)
	if err != nil || recovered != 1 {
		t.Fatalf("Maintain() recovered=%d err=%v", recovered, err)
	}

	// recovered jobs go to the front of the line
	next, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue() error: %v", err)
	}
	if next.ID != stalled.ID {
		t.Fatalf("expected stalled job first, got %s", next.ID)
	}
}

func TestTouch_KeepsJobActive(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{Visibility: 40 * time.Millisecond})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "a"}, EnqueueOptions{UserID: "u1"})
	job, _ := q.Dequeue(ctx)

	for i := 0; i < 3; i++ {
		time.Sleep(20 * time.Millisecond)
		if err := q.Touch(ctx, job); err != nil {
			t.Fatalf("Touch() error: %v", err)
		}
	}
	if _, recovered, _ := q.Maintain(ctx); recovered != 0 {
		t.Fatalf("touched job must not be recovered")
	}
}

func TestRemoveWaiting_OnlyTargetsUser(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "1"}, EnqueueOptions{UserID: "u1"})
	_, _ = q.Enqueue(ctx, payload{Value: "2"}, EnqueueOptions{UserID: "u2"})
	_, _ = q.Enqueue(ctx, payload{Value: "3"}, EnqueueOptions{UserID: "u1", Delay: time.Hour})

	n, err := q.RemoveWaiting(ctx, "u1")
	if err != nil {
		t.Fatalf("RemoveWaiting() error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}

	job, err := q.Dequeue(ctx)
	if err != nil || job.UserID != "u2" {
		t.Fatalf("expected u2 job to remain, got %+v err=%v", job, err)
	}
	c, _ := q.Counts(ctx)
	if c.Delayed != 0 || c.Waiting != 0 {
		t.Fatalf("unexpected counts %+v", c)
	}
}

func TestUserInfo_Position(t *testing.T) {
	t.Parallel()

	_, q := newTestQueue(t, Options{})
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, payload{Value: "1"}, EnqueueOptions{UserID: "u1"})
	_, _ = q.Enqueue(ctx, payload{Value: "2"}, EnqueueOptions{UserID: "u2"})
	_, _ = q.Enqueue(ctx, payload{Value: "3"}, EnqueueOptions{UserID: "u3"})

	info, err := q.UserInfo(ctx, "u3")
	if err != nil {
		t.Fatalf("UserInfo() error: %v", err)
	}
	if info.Position != 3 || info.Waiting != 1 || info.ActiveForUser {
		t.Fatalf("unexpected info %+v", info)
	}

	_, _ = q.Dequeue(ctx)
	info, _ = q.UserInfo(ctx, "u1")
	if info.Position != 0 || !info.ActiveForUser {
		t.Fatalf("unexpected info for active user %+v", info)
	}
	info, _ = q.UserInfo(ctx, "u3")
	if info.Position != 2 {
		t.Fatalf("expected u3 to move up, got %+v", info)
	}
}
