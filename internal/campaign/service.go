// Package campaign accepts bulk send campaigns, tracks their progress on
// the coordination store and drains them through the owned connection.
package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/LeventeLantos/messaging-fleet/internal/metrics"
	"github.com/LeventeLantos/messaging-fleet/internal/model"
	"github.com/LeventeLantos/messaging-fleet/internal/queue"
	"github.com/LeventeLantos/messaging-fleet/internal/store"
)

var ErrNoActiveCampaign = errors.New("campaign: no queued or running campaign")

const (
	DefaultHeartbeatTTL = 45 * time.Second
	DefaultCancelTTL    = 10 * time.Minute
	defaultRecent       = 20
	defaultHistory      = 20
)

// Archive stores finished campaigns for later listing.
type Archive interface {
	Archive(ctx context.Context, c *model.Campaign) error
	ListFinished(ctx context.Context, userID string, limit int) ([]model.Campaign, error)
}

// JobQueue is the part of the durable queue the service uses.
type JobQueue interface {
	Enqueue(ctx context.Context, payload any, opt queue.EnqueueOptions) (*queue.Job, error)
	RemoveWaiting(ctx context.Context, userID string) (int, error)
	UserInfo(ctx context.Context, userID string) (queue.UserInfo, error)
}

// JobPayload is what a queued campaign job carries.
type JobPayload struct {
	CampaignID       string            `json:"campaignId"`
	UserID           string            `json:"userId"`
	Recipients       []model.Recipient `json:"recipients"`
	Content          model.Content     `json:"content"`
	EnforceHeartbeat bool              `json:"enforceHeartbeat"`
}

type SubmitRequest struct {
	Recipients []model.Recipient `json:"recipients"`
	Content    model.Content     `json:"content"`
	// EnforceHeartbeat overrides the service default when set.
	EnforceHeartbeat *bool `json:"enforceHeartbeat,omitempty"`
}

type Options struct {
	Phone            PhoneRule
	HeartbeatTTL     time.Duration
	EnforceHeartbeat bool
	CancelTTL        time.Duration
	// SendDelay seeds the ETA before any send has been timed.
	SendDelay      time.Duration
	EventsCap      int
	RecentMessages int
	HistoryLimit   int
	StateRetention time.Duration
	Logger         *slog.Logger
}

type Service struct {
	state    *state
	q        JobQueue
	archive  Archive
	validate *Validator
	opt      Options
	log      *slog.Logger
}

func NewService(st *store.Client, q JobQueue, archive Archive, opt Options) *Service {
	if opt.HeartbeatTTL <= 0 {
		opt.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if opt.CancelTTL <= 0 {
		opt.CancelTTL = DefaultCancelTTL
	}
	if opt.RecentMessages <= 0 {
		opt.RecentMessages = defaultRecent
	}
	if opt.HistoryLimit <= 0 {
		opt.HistoryLimit = defaultHistory
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		state:    newState(st, opt.EventsCap, opt.StateRetention),
		q:        q,
		archive:  archive,
		validate: NewValidator(opt.Phone),
		opt:      opt,
		log:      log.With("component", "campaign"),
	}
}

// Submit validates and queues a campaign for userID.
func (s *Service) Submit(ctx context.Context, userID string, req SubmitRequest) (string, error) {
	if err := s.validate.Validate(req.Recipients, req.Content); err != nil {
		return "", err
	}

	c := &model.Campaign{
		ID:              uuid.NewString(),
		UserID:          userID,
		Status:          model.CampaignQueued,
		Content:         req.Content,
		TotalRecipients: len(req.Recipients),
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.state.reset(ctx, c, req.Recipients); err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			return "", ErrCampaignInProgress
		}
		return "", err
	}

	enforce := s.opt.EnforceHeartbeat
	if req.EnforceHeartbeat != nil {
		enforce = *req.EnforceHeartbeat
	}
	if enforce {
		if err := s.state.touchHeartbeat(ctx, userID, s.opt.HeartbeatTTL); err != nil {
			return "", fmt.Errorf("seed heartbeat: %w", err)
		}
	}

	job, err := s.q.Enqueue(ctx, JobPayload{
		CampaignID:       c.ID,
		UserID:           userID,
		Recipients:       req.Recipients,
		Content:          req.Content,
		EnforceHeartbeat: enforce,
	}, queue.EnqueueOptions{UserID: userID})
	if err != nil {
		_, _ = s.state.finish(ctx, userID, c.ID, model.CampaignFailed, "enqueue failed")
		return "", fmt.Errorf("enqueue campaign: %w", err)
	}
	if err := s.state.setJobID(ctx, userID, job.ID); err != nil {
		s.log.Warn("failed to record job id", "user", userID, "err", err)
	}

	s.log.Info("campaign queued", "user", userID, "campaign", c.ID, "recipients", c.TotalRecipients, "job", job.ID)
	return c.ID, nil
}

// Cancel stops the user's current campaign. A running worker notices
// within one recipient.
func (s *Service) Cancel(ctx context.Context, userID string) (*model.Campaign, error) {
	c, err := s.state.current(ctx, userID)
	if err != nil {
		return nil, err
	}
	if c == nil || !c.Status.Active() {
		return nil, ErrNoActiveCampaign
	}

	if err := s.state.setCancel(ctx, userID, c.ID, s.opt.CancelTTL); err != nil {
		return nil, fmt.Errorf("set cancel flag: %w", err)
	}
	removed, err := s.q.RemoveWaiting(ctx, userID)
	if err != nil {
		s.log.Warn("failed to remove waiting jobs", "user", userID, "err", err)
	}

	if _, err := s.terminate(ctx, userID, c.ID, model.CampaignCanceled, "canceled by user"); err != nil {
		return nil, err
	}
	if removed > 0 {
		// no worker will pick this campaign up again
		if err := s.state.clearTransient(ctx, userID); err != nil {
			s.log.Warn("failed to clear campaign state", "user", userID, "err", err)
		}
	}

	s.log.Info("campaign canceled", "user", userID, "campaign", c.ID, "removed_jobs", removed)
	return s.state.current(ctx, userID)
}

// Heartbeat records that the user's UI is still open.
func (s *Service) Heartbeat(ctx context.Context, userID string) error {
	return s.state.touchHeartbeat(ctx, userID, s.opt.HeartbeatTTL)
}

func (s *Service) Current(ctx context.Context, userID string) (*model.Campaign, error) {
	return s.state.current(ctx, userID)
}

func (s *Service) Status(ctx context.Context, userID string) (model.StatusView, error) {
	v := model.StatusView{RecentMessages: []model.Event{}}

	c, err := s.state.current(ctx, userID)
	if err != nil || c == nil {
		return v, err
	}
	v.CampaignID = c.ID
	v.Total = c.TotalRecipients
	v.Sent = c.SentCount
	v.Errors = c.ErrorCount
	v.State = c.Status
	v.Completed = c.Status == model.CampaignCompleted
	v.Canceled = c.Status == model.CampaignCanceled

	cur, err := s.state.cursor(ctx, userID)
	if err != nil {
		return v, err
	}
	if cur != nil {
		v.Progress = model.ProgressView{
			CurrentIndex: cur.CurrentIndex,
			Number:       cur.LastRecipient,
			Status:       cur.LastStatus,
		}
	}

	info, err := s.q.UserInfo(ctx, userID)
	if err != nil {
		return v, err
	}
	v.Queue = model.QueueView{Position: info.Position, ActiveForUser: info.ActiveForUser}

	if c.Status.Active() {
		v.EtaSeconds = s.eta(c)
	}

	events, err := s.state.events(ctx, userID, s.opt.RecentMessages)
	if err != nil {
		return v, err
	}
	v.RecentMessages = events
	return v, nil
}

func (s *Service) StatusDetailed(ctx context.Context, userID string) (model.DetailedStatus, error) {
	var d model.DetailedStatus

	v, err := s.Status(ctx, userID)
	if err != nil {
		return d, err
	}
	d.StatusView = v

	if d.Campaign, err = s.state.current(ctx, userID); err != nil {
		return d, err
	}
	if d.Cursor, err = s.state.cursor(ctx, userID); err != nil {
		return d, err
	}
	if d.Recipients, err = s.state.records(ctx, userID); err != nil {
		return d, err
	}
	if d.HeartbeatAlive, err = s.state.heartbeatAlive(ctx, userID); err != nil {
		return d, err
	}
	if d.CancelPending, err = s.state.cancelRequested(ctx, userID); err != nil {
		return d, err
	}
	return d, nil
}

// History lists the user's finished campaigns, newest first.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]model.Campaign, error) {
	if limit <= 0 || limit > s.opt.HistoryLimit {
		limit = s.opt.HistoryLimit
	}
	if s.archive != nil {
		return s.archive.ListFinished(ctx, userID, limit)
	}
	return s.state.history(ctx, userID, limit)
}

// eta extrapolates the observed pace over the remaining recipients.
func (s *Service) eta(c *model.Campaign) int {
	done := c.SentCount + c.ErrorCount
	remaining := c.TotalRecipients - done
	if remaining <= 0 {
		return 0
	}
	if done > 0 && c.StartedAt != nil {
		per := time.Since(*c.StartedAt) / time.Duration(done)
		return int((per * time.Duration(remaining)).Seconds())
	}
	return int((s.opt.SendDelay * time.Duration(remaining)).Seconds())
}

// terminate applies a terminal status once and finalizes the campaign. It
// reports whether this call made the transition.
func (s *Service) terminate(ctx context.Context, userID, campaignID string, status model.CampaignStatus, reason string) (bool, error) {
	applied, err := s.state.finish(ctx, userID, campaignID, status, reason)
	if err != nil {
		return false, fmt.Errorf("finish campaign: %w", err)
	}
	if !applied {
		return false, nil
	}

	ev := model.Event{CampaignID: campaignID, Message: reason, At: time.Now().UTC()}
	switch status {
	case model.CampaignCompleted:
		ev.Type = model.EventCompleted
	case model.CampaignCanceled:
		ev.Type = model.EventCanceled
	default:
		ev.Type = model.EventFailed
	}
	if err := s.state.pushEvent(ctx, userID, ev); err != nil {
		s.log.Warn("failed to push terminal event", "user", userID, "err", err)
	}
	metrics.CampaignsFinished.WithLabelValues(string(status)).Inc()
	s.finalize(ctx, userID)
	return true, nil
}

func (s *Service) finalize(ctx context.Context, userID string) {
	c, err := s.state.current(ctx, userID)
	if err != nil || c == nil {
		s.log.Warn("failed to load finished campaign", "user", userID, "err", err)
		return
	}
	if c.Recipients, err = s.state.records(ctx, userID); err != nil {
		s.log.Warn("failed to load recipient records", "user", userID, "err", err)
	}

	if s.archive != nil {
		if err := s.archive.Archive(ctx, c); err != nil {
			s.log.Error("failed to archive campaign", "user", userID, "campaign", c.ID, "err", err)
		}
	}
	summary := *c
	summary.Recipients = nil
	if err := s.state.appendHistory(ctx, &summary, int64(s.opt.HistoryLimit)); err != nil {
		s.log.Warn("failed to append history", "user", userID, "err", err)
	}
	s.log.Info("campaign finished", "user", userID, "campaign", c.ID, "status", c.Status,
		"sent", c.SentCount, "errors", c.ErrorCount, "total", c.TotalRecipients)
}
