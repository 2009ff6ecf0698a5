package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/model"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

var (
	// startScript moves the campaign to running if it is still the current
	// one and not finished. A running campaign is resumed as is.
	startScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then return 0 end
local st = redis.call('HGET', KEYS[1], 'status')
if st == 'queued' then
	redis.call('HSET', KEYS[1], 'status', 'running', 'started', ARGV[2])
	return 1
end
if st == 'running' then return 1 end
return 0`)

	// finishScript applies a terminal status once; later calls are no-ops.
	finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'id') ~= ARGV[1] then return 0 end
local st = redis.call('HGET', KEYS[1], 'status')
if st ~= 'queued' and st ~= 'running' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'reason', ARGV[3], 'finished', ARGV[4])
return 1`)
)

// state is the per-user campaign bookkeeping on the coordination store.
type state struct {
	st        *store.Client
	rdb       *redis.Client
	eventsCap int64
	keep      time.Duration
}

func newState(st *store.Client, eventsCap int, keep time.Duration) *state {
	if eventsCap <= 0 {
		eventsCap = 50
	}
	if keep <= 0 {
		keep = 7 * 24 * time.Hour
	}
	return &state{st: st, rdb: st.Redis(), eventsCap: int64(eventsCap), keep: keep}
}

func (s *state) statusKey(u string) string     { return s.st.Key("campaign", u, "status") }
func (s *state) progressKey(u string) string   { return s.st.Key("campaign", u, "progress") }
func (s *state) recordsKey(u string) string    { return s.st.Key("campaign", u, "records") }
func (s *state) eventsKey(u string) string     { return s.st.Key("campaign", u, "events") }
func (s *state) historyKey(u string) string    { return s.st.Key("campaign", u, "history") }
func (s *state) cancelKey(u string) string     { return s.st.Key("campaign", u, "cancel") }
func (s *state) heartbeatKey(u string) string  { return s.st.Key("heartbeat", u) }

// reset replaces whatever the user had with a fresh queued campaign and
// one queued record per recipient. It fails with ErrCampaignInProgress
// while the current one is queued or running.
func (s *state) reset(ctx context.Context, c *model.Campaign, recipients []model.Recipient) error {
	content, err := json.Marshal(c.Content)
	if err != nil {
		return err
	}
	seeded := make(map[string]any, len(recipients))
	for i, r := range recipients {
		raw, err := json.Marshal(model.RecipientRecord{
			Index:     i,
			Phone:     r.Phone,
			Variables: r.Variables,
			Status:    model.RecipientQueued,
			UpdatedAt: c.CreatedAt,
		})
		if err != nil {
			return err
		}
		seeded[strconv.Itoa(i)] = raw
	}
	u := c.UserID

	return s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		st, err := tx.HGet(ctx, s.statusKey(u), "status").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if model.CampaignStatus(st).Active() {
			return ErrCampaignInProgress
		}

		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, s.statusKey(u), s.progressKey(u), s.recordsKey(u), s.eventsKey(u), s.cancelKey(u))
			p.HSet(ctx, s.statusKey(u), map[string]any{
				"id":      c.ID,
				"status":  string(c.Status),
				"total":   c.TotalRecipients,
				"sent":    0,
				"errors":  0,
				"content": string(content),
				"created": c.CreatedAt.UnixMilli(),
			})
			if len(seeded) > 0 {
				p.HSet(ctx, s.recordsKey(u), seeded)
				p.Expire(ctx, s.recordsKey(u), s.keep)
			}
			p.Expire(ctx, s.statusKey(u), s.keep)
			return nil
		})
		return err
	}, s.statusKey(u))
}

func (s *state) setJobID(ctx context.Context, userID, jobID string) error {
	return s.rdb.HSet(ctx, s.statusKey(userID), "job", jobID).Err()
}

// current returns the user's latest campaign summary, or nil.
func (s *state) current(ctx context.Context, userID string) (*model.Campaign, error) {
	h, err := s.rdb.HGetAll(ctx, s.statusKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 || h["id"] == "" {
		return nil, nil
	}

	c := &model.Campaign{
		ID:              h["id"],
		UserID:          userID,
		Status:          model.CampaignStatus(h["status"]),
		TotalRecipients: atoi(h["total"]),
		SentCount:       atoi(h["sent"]),
		ErrorCount:      atoi(h["errors"]),
		Reason:          h["reason"],
		JobID:           h["job"],
		CreatedAt:       msTime(h["created"]),
	}
	if h["content"] != "" {
		if err := json.Unmarshal([]byte(h["content"]), &c.Content); err != nil {
			return nil, fmt.Errorf("decode content: %w", err)
		}
	}
	if h["started"] != "" {
		t := msTime(h["started"])
		c.StartedAt = &t
	}
	if h["finished"] != "" {
		t := msTime(h["finished"])
		c.FinishedAt = &t
	}
	return c, nil
}

func (s *state) start(ctx context.Context, userID, campaignID string) (bool, error) {
	n, err := startScript.Run(ctx, s.rdb, []string{s.statusKey(userID)},
		campaignID, time.Now().UnixMilli()).Int()
	return n == 1, err
}

func (s *state) finish(ctx context.Context, userID, campaignID string, status model.CampaignStatus, reason string) (bool, error) {
	n, err := finishScript.Run(ctx, s.rdb, []string{s.statusKey(userID)},
		campaignID, string(status), reason, time.Now().UnixMilli()).Int()
	return n == 1, err
}

func (s *state) cursor(ctx context.Context, userID string) (*model.ProgressCursor, error) {
	var cur model.ProgressCursor
	ok, err := s.st.GetJSON(ctx, s.progressKey(userID), &cur)
	if err != nil || !ok {
		return nil, err
	}
	return &cur, nil
}

// markSending records that index is about to be attempted. A crash after
// this point makes the next run replay the same index.
func (s *state) markSending(ctx context.Context, userID string, rec model.RecipientRecord, total int) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	cur, err := json.Marshal(model.ProgressCursor{
		CurrentIndex:  rec.Index,
		Total:         total,
		LastRecipient: rec.Phone,
		LastStatus:    model.RecipientSending,
		ResumeFrom:    rec.Index,
		UpdatedAt:     rec.UpdatedAt,
	})
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, s.recordsKey(userID), strconv.Itoa(rec.Index), raw)
		p.Set(ctx, s.progressKey(userID), cur, s.keep)
		p.Expire(ctx, s.recordsKey(userID), s.keep)
		return nil
	})
	return err
}

// recordResult stores the outcome of one attempt: counter, record, cursor
// and event in a single transaction.
func (s *state) recordResult(ctx context.Context, userID, campaignID string, rec model.RecipientRecord, total int) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	cur, err := json.Marshal(model.ProgressCursor{
		CurrentIndex:  rec.Index,
		Total:         total,
		LastRecipient: rec.Phone,
		LastStatus:    rec.Status,
		ResumeFrom:    rec.Index + 1,
		UpdatedAt:     rec.UpdatedAt,
	})
	if err != nil {
		return err
	}

	ev := model.Event{
		Type:       model.EventSent,
		CampaignID: campaignID,
		Index:      rec.Index,
		Phone:      rec.Phone,
		At:         rec.UpdatedAt,
	}
	counter := "sent"
	if rec.Status == model.RecipientError {
		ev.Type = model.EventError
		ev.Message = rec.ErrorMessage
		counter = "errors"
	}
	evRaw, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HIncrBy(ctx, s.statusKey(userID), counter, 1)
		p.HSet(ctx, s.recordsKey(userID), strconv.Itoa(rec.Index), raw)
		p.Set(ctx, s.progressKey(userID), cur, s.keep)
		p.LPush(ctx, s.eventsKey(userID), evRaw)
		p.LTrim(ctx, s.eventsKey(userID), 0, s.eventsCap-1)
		return nil
	})
	return err
}

func (s *state) record(ctx context.Context, userID string, index int) (*model.RecipientRecord, error) {
	raw, err := s.rdb.HGet(ctx, s.recordsKey(userID), strconv.Itoa(index)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec model.RecipientRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *state) records(ctx context.Context, userID string) ([]model.RecipientRecord, error) {
	h, err := s.rdb.HGetAll(ctx, s.recordsKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.RecipientRecord, 0, len(h))
	for _, raw := range h {
		var rec model.RecipientRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sortRecords(out)
	return out, nil
}

func (s *state) pushEvent(ctx context.Context, userID string, ev model.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.eventsKey(userID), raw)
		p.LTrim(ctx, s.eventsKey(userID), 0, s.eventsCap-1)
		return nil
	})
	return err
}

// events returns up to limit events, most recent first.
func (s *state) events(ctx context.Context, userID string, limit int) ([]model.Event, error) {
	if limit <= 0 || int64(limit) > s.eventsCap {
		limit = int(s.eventsCap)
	}
	raws, err := s.rdb.LRange(ctx, s.eventsKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Event, 0, len(raws))
	for _, raw := range raws {
		var ev model.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *state) setCancel(ctx context.Context, userID, campaignID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.cancelKey(userID), campaignID, ttl).Err()
}

func (s *state) cancelRequested(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.cancelKey(userID)).Result()
	return n > 0, err
}

func (s *state) touchHeartbeat(ctx context.Context, userID string, ttl time.Duration) error {
	return s.rdb.Set(ctx, s.heartbeatKey(userID), time.Now().UnixMilli(), ttl).Err()
}

func (s *state) heartbeatAlive(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, s.heartbeatKey(userID)).Result()
	return n > 0, err
}

// clearTransient drops the cancel flag and cursor of a finished campaign.
// Counters, records and events stay for status reads.
func (s *state) clearTransient(ctx context.Context, userID string) error {
	return s.rdb.Del(ctx, s.cancelKey(userID), s.progressKey(userID)).Err()
}

// appendHistory keeps a bounded list of finished campaign summaries.
func (s *state) appendHistory(ctx context.Context, c *model.Campaign, limit int64) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, s.historyKey(c.UserID), raw)
		p.LTrim(ctx, s.historyKey(c.UserID), 0, limit-1)
		p.Expire(ctx, s.historyKey(c.UserID), s.keep)
		return nil
	})
	return err
}

func (s *state) history(ctx context.Context, userID string, limit int) ([]model.Campaign, error) {
	raws, err := s.rdb.LRange(ctx, s.historyKey(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]model.Campaign, 0, len(raws))
	for _, raw := range raws {
		var c model.Campaign
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func msTime(s string) time.Time {
	n, _ := strconv.ParseInt(s, 10, 64)
	if n == 0 {
		return time.Time{}
	}
	return time.UnixMilli(n).UTC()
}

func sortRecords(recs []model.RecipientRecord) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].Index < recs[j].Index })
}
