// Package queue is a durable job queue on the coordination store.
//
// Jobs move between a wait list, a delayed set scored by due time and an
// active set scored by visibility deadline. A job whose worker stops
// touching it past the deadline is put back on the wait list by Maintain,
// so a crashed worker loses nothing but may cause a redelivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

var ErrNoJob = errors.New("queue: no job available")

const (
	DefaultVisibility  = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultBackoff     = 2 * time.Second
	DefaultMaxBackoff  = 5 * time.Minute
	DefaultRetention   = 24 * time.Hour
	DefaultKeep        = 100
)

var (
	dequeueScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then return false end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id`)

	// settle removes a job from the active set and reports whether it was there.
	// A job already recovered by Maintain is also pulled off the wait list.
	settleScript = redis.NewScript(`
local n = redis.call('ZREM', KEYS[1], ARGV[1])
if n == 0 then
	redis.call('LREM', KEYS[2], 0, ARGV[1])
end
return n`)

	maintainScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(due) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[3], id)
end
local stalled = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[3], id)
end
return {#due, #stalled}`)

	removeUserScript = redis.NewScript(`
local removed = 0
for _, id in ipairs(redis.call('LRANGE', KEYS[1], 0, -1)) do
	if redis.call('HGET', ARGV[1] .. id, 'user') == ARGV[2] then
		redis.call('LREM', KEYS[1], 0, id)
		redis.call('DEL', ARGV[1] .. id)
		removed = removed + 1
	end
end
for _, id in ipairs(redis.call('ZRANGE', KEYS[2], 0, -1)) do
	if redis.call('HGET', ARGV[1] .. id, 'user') == ARGV[2] then
		redis.call('ZREM', KEYS[2], id)
		redis.call('DEL', ARGV[1] .. id)
		removed = removed + 1
	end
end
return removed`)
)

type Job struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	LastError   string          `json:"lastError,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

type EnqueueOptions struct {
	UserID      string
	Delay       time.Duration
	MaxAttempts int
}

type Options struct {
	Visibility  time.Duration
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	// Retention is how long finished job records are kept; Keep caps how
	// many ids the completed and failed lists retain.
	Retention time.Duration
	Keep      int
}

type Counts struct {
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// UserInfo describes where a user's work sits in the queue.
type UserInfo struct {
	// Position is 1 for the next job to be dequeued, 0 when nothing of the user's is waiting.
	Position      int  `json:"position"`
	Waiting       int  `json:"waiting"`
	Delayed       int  `json:"delayed"`
	ActiveForUser bool `json:"activeForUser"`
}

type Queue struct {
	st   *store.Client
	rdb  *redis.Client
	name string
	opt  Options
}

func New(st *store.Client, name string, opt Options) *Queue {
	if opt.Visibility <= 0 {
		opt.Visibility = DefaultVisibility
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = DefaultMaxAttempts
	}
	if opt.Backoff <= 0 {
		opt.Backoff = DefaultBackoff
	}
	if opt.MaxBackoff <= 0 {
		opt.MaxBackoff = DefaultMaxBackoff
	}
	if opt.Retention <= 0 {
		opt.Retention = DefaultRetention
	}
	if opt.Keep <= 0 {
		opt.Keep = DefaultKeep
	}
	return &Queue{st: st, rdb: st.Redis(), name: name, opt: opt}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Visibility() time.Duration { return q.opt.Visibility }

func (q *Queue) key(part string) string { return q.st.Key("queue", q.name, part) }

func (q *Queue) jobPrefix() string { return q.st.Key("queue", q.name, "job") + ":" }

func (q *Queue) jobKey(id string) string { return q.jobPrefix() + id }

func (q *Queue) Enqueue(ctx context.Context, payload any, opt EnqueueOptions) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if opt.MaxAttempts <= 0 {
		opt.MaxAttempts = q.opt.MaxAttempts
	}

	job := &Job{
		ID:          uuid.NewString(),
		UserID:      opt.UserID,
		Payload:     raw,
		MaxAttempts: opt.MaxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.jobKey(job.ID), map[string]any{
			"user":     job.UserID,
			"payload":  string(raw),
			"attempts": 0,
			"max":      job.MaxAttempts,
			"created":  job.CreatedAt.UnixMilli(),
		})
		if opt.Delay > 0 {
			p.ZAdd(ctx, q.key("delayed"), redis.Z{Score: dueScore(opt.Delay), Member: job.ID})
		} else {
			p.LPush(ctx, q.key("wait"), job.ID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

// Dequeue hands out the oldest waiting job under a visibility lease.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	for {
		res, err := dequeueScript.Run(ctx, q.rdb,
			[]string{q.key("wait"), q.key("active")}, dueScore(q.opt.Visibility)).Text()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		if err != nil {
			return nil, fmt.Errorf("dequeue: %w", err)
		}

		job, ok, err := q.Get(ctx, res)
		if err != nil {
			return nil, err
		}
		if ok {
			return job, nil
		}
		// record expired or removed; drop the orphan id
		q.rdb.ZRem(ctx, q.key("active"), res)
	}
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, bool, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("get job: %w", err)
	}
	if len(h) == 0 {
		return nil, false, nil
	}
	attempts, _ := strconv.Atoi(h["attempts"])
	maxAttempts, _ := strconv.Atoi(h["max"])
	created, _ := strconv.ParseInt(h["created"], 10, 64)
	return &Job{
		ID:          id,
		UserID:      h["user"],
		Payload:     json.RawMessage(h["payload"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		LastError:   h["error"],
		CreatedAt:   time.UnixMilli(created).UTC(),
	}, true, nil
}

// Touch extends the visibility lease of an active job.
func (q *Queue) Touch(ctx context.Context, job *Job) error {
	return q.rdb.ZAddXX(ctx, q.key("active"), redis.Z{Score: dueScore(q.opt.Visibility), Member: job.ID}).Err()
}

// Ack marks the job done.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.settle(ctx, job); err != nil {
		return err
	}
	return q.retain(ctx, job, "completed")
}

// MoveToDelayed puts an active job back to wait for d without consuming an attempt.
func (q *Queue) MoveToDelayed(ctx context.Context, job *Job, d time.Duration) error {
	if err := q.settle(ctx, job); err != nil {
		return err
	}
	if d <= 0 {
		return q.rdb.LPush(ctx, q.key("wait"), job.ID).Err()
	}
	return q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: dueScore(d), Member: job.ID}).Err()
}

// Fail records a failed attempt. The job is retried after an exponential
// delay until it runs out of attempts; then it is dead and Fail returns true.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	if err := q.settle(ctx, job); err != nil {
		return false, err
	}

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	attempts, err := q.rdb.HIncrBy(ctx, q.jobKey(job.ID), "attempts", 1).Result()
	if err != nil {
		return false, fmt.Errorf("record attempt: %w", err)
	}
	q.rdb.HSet(ctx, q.jobKey(job.ID), "error", msg)
	job.Attempts = int(attempts)
	job.LastError = msg

	if job.Attempts < job.MaxAttempts {
		return false, q.rdb.ZAdd(ctx, q.key("delayed"),
			redis.Z{Score: dueScore(q.retryDelay(job.Attempts)), Member: job.ID}).Err()
	}
	return true, q.retain(ctx, job, "failed")
}

func (q *Queue) retryDelay(attempts int) time.Duration {
	d := q.opt.Backoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= q.opt.MaxBackoff {
			return q.opt.MaxBackoff
		}
	}
	return d
}

func (q *Queue) settle(ctx context.Context, job *Job) error {
	if err := settleScript.Run(ctx, q.rdb, []string{q.key("active"), q.key("wait")}, job.ID).Err(); err != nil {
		return fmt.Errorf("settle job: %w", err)
	}
	return nil
}

func (q *Queue) retain(ctx context.Context, job *Job, list string) error {
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, q.key(list), job.ID)
		p.LTrim(ctx, q.key(list), 0, int64(q.opt.Keep-1))
		p.Expire(ctx, q.jobKey(job.ID), q.opt.Retention)
		return nil
	})
	return err
}

// RemoveWaiting deletes every waiting or delayed job of userID. Active jobs are untouched.
func (q *Queue) RemoveWaiting(ctx context.Context, userID string) (int, error) {
	n, err := removeUserScript.Run(ctx, q.rdb,
		[]string{q.key("wait"), q.key("delayed")}, q.jobPrefix(), userID).Int()
	if err != nil {
		return 0, fmt.Errorf("remove waiting jobs: %w", err)
	}
	return n, nil
}

// Maintain promotes due delayed jobs and recovers stalled active ones.
func (q *Queue) Maintain(ctx context.Context) (promoted, recovered int, err error) {
	res, err := maintainScript.Run(ctx, q.rdb,
		[]string{q.key("delayed"), q.key("active"), q.key("wait")}, nowScore()).Int64Slice()
	if err != nil {
		return 0, 0, fmt.Errorf("maintain: %w", err)
	}
	return int(res[0]), int(res[1]), nil
}

func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	var (
		wait, delayed, active, completed, failed *redis.IntCmd
	)
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		wait = p.LLen(ctx, q.key("wait"))
		delayed = p.ZCard(ctx, q.key("delayed"))
		active = p.ZCard(ctx, q.key("active"))
		completed = p.LLen(ctx, q.key("completed"))
		failed = p.LLen(ctx, q.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, err
	}
	return Counts{
		Waiting:   wait.Val(),
		Delayed:   delayed.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
	}, nil
}

// UserInfo reports where userID's jobs sit.
func (q *Queue) UserInfo(ctx context.Context, userID string) (UserInfo, error) {
	var info UserInfo

	wait, err := q.rdb.LRange(ctx, q.key("wait"), 0, -1).Result()
	if err != nil {
		return info, err
	}
	// the list is consumed from its tail
	for i := len(wait) - 1; i >= 0; i-- {
		if q.owner(ctx, wait[i]) != userID {
			continue
		}
		info.Waiting++
		if info.Position == 0 {
			info.Position = len(wait) - i
		}
	}

	delayed, err := q.rdb.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return info, err
	}
	for _, id := range delayed {
		if q.owner(ctx, id) == userID {
			info.Delayed++
		}
	}

	active, err := q.rdb.ZRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return info, err
	}
	for _, id := range active {
		if q.owner(ctx, id) == userID {
			info.ActiveForUser = true
			break
		}
	}
	return info, nil
}

func (q *Queue) owner(ctx context.Context, id string) string {
	u, _ := q.rdb.HGet(ctx, q.jobKey(id), "user").Result()
	return u
}

func nowScore() int64 { return time.Now().UnixMilli() }

func dueScore(d time.Duration) float64 { return float64(time.Now().Add(d).UnixMilli()) }
