package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/LeventeLantos/messaging-fleet/internal/conn"
	"github.com/LeventeLantos/messaging-fleet/internal/lease"
	"github.com/LeventeLantos/messaging-fleet/internal/metrics"
	"github.com/LeventeLantos/messaging-fleet/internal/model"
	"github.com/LeventeLantos/messaging-fleet/internal/ownership"
	"github.com/LeventeLantos/messaging-fleet/internal/queue"
	"github.com/LeventeLantos/messaging-fleet/internal/session"
)

const (
	DefaultCampaignLeaseTTL = 2 * time.Minute
	DefaultLeaseTimeout     = 10 * time.Second
	DefaultReadyTimeout     = 30 * time.Second
	DefaultOwnershipRetry   = 15 * time.Second
	DefaultMaxSendAttempts  = 3
)

// Owner resolves the session of a user this process is allowed to drive.
type Owner interface {
	Ensure(ctx context.Context, userID string) (session.Session, error)
	Renew(ctx context.Context, userID string) bool
}

type ProcessorOptions struct {
	CampaignLeaseTTL time.Duration
	LeaseTimeout     time.Duration
	ReadyTimeout     time.Duration
	ReadyPoll        time.Duration
	SendDelay        time.Duration
	OwnershipRetry   time.Duration
	MaxSendAttempts  int
	// SendBackoff is the first retry delay of a transient send failure.
	SendBackoff time.Duration
	Limiter     Limiter
	Logger      *slog.Logger
}

type Processor struct {
	svc    *Service
	leases *lease.Manager
	owner  Owner
	media  MediaFetcher
	opt    ProcessorOptions
	log    *slog.Logger
}

func NewProcessor(svc *Service, leases *lease.Manager, owner Owner, media MediaFetcher, opt ProcessorOptions) *Processor {
	if opt.CampaignLeaseTTL <= 0 {
		opt.CampaignLeaseTTL = DefaultCampaignLeaseTTL
	}
	if opt.LeaseTimeout <= 0 {
		opt.LeaseTimeout = DefaultLeaseTimeout
	}
	if opt.ReadyTimeout <= 0 {
		opt.ReadyTimeout = DefaultReadyTimeout
	}
	if opt.ReadyPoll <= 0 {
		opt.ReadyPoll = 500 * time.Millisecond
	}
	if opt.OwnershipRetry <= 0 {
		opt.OwnershipRetry = DefaultOwnershipRetry
	}
	if opt.MaxSendAttempts <= 0 {
		opt.MaxSendAttempts = DefaultMaxSendAttempts
	}
	if opt.SendBackoff <= 0 {
		opt.SendBackoff = time.Second
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		svc:    svc,
		leases: leases,
		owner:  owner,
		media:  media,
		opt:    opt,
		log:    log.With("component", "processor"),
	}
}

type runOutcome int

const (
	runCompleted runOutcome = iota
	runCanceled
	runHeartbeatLost
	runOwnershipLost
	runNotReady
	runInterrupted
)

// Handle processes one campaign job. It is the queue handler.
func (p *Processor) Handle(ctx context.Context, job *queue.Job) error {
	var pl JobPayload
	if err := json.Unmarshal(job.Payload, &pl); err != nil {
		return fmt.Errorf("decode campaign job: %w", err)
	}
	log := p.log.With("user", pl.UserID, "campaign", pl.CampaignID, "job", job.ID)
	st := p.svc.state

	leaseKey := p.leases.CampaignKey(pl.UserID)
	token, err := p.leases.Acquire(ctx, leaseKey, p.opt.CampaignLeaseTTL, p.opt.LeaseTimeout)
	if errors.Is(err, lease.ErrTimeout) {
		// a crashed run keeps the lease until its TTL runs out
		metrics.LeaseContention.WithLabelValues("campaign").Inc()
		log.Warn("campaign lease held by another worker, rescheduling")
		return queue.Delay(p.opt.OwnershipRetry)
	}
	if err != nil {
		if ctx.Err() != nil {
			return queue.Delay(0)
		}
		return fmt.Errorf("acquire campaign lease: %w", err)
	}
	defer p.leases.Release(context.WithoutCancel(ctx), leaseKey, token)

	sess, err := p.owner.Ensure(ctx, pl.UserID)
	if errors.Is(err, ownership.ErrOwnedElsewhere) || errors.Is(err, session.ErrProcessBusy) {
		log.Debug("connection not available here, rescheduling", "reason", err)
		return queue.Delay(p.opt.OwnershipRetry)
	}
	if err != nil {
		return fmt.Errorf("ensure connection: %w", err)
	}

	c, err := st.current(ctx, pl.UserID)
	if err != nil {
		return err
	}
	if c == nil || c.ID != pl.CampaignID || c.Status.Terminal() {
		log.Info("campaign already finished or replaced, skipping")
		if c != nil && c.ID == pl.CampaignID {
			_ = st.clearTransient(ctx, pl.UserID)
		}
		return nil
	}
	started, err := st.start(ctx, pl.UserID, pl.CampaignID)
	if err != nil {
		return fmt.Errorf("start campaign: %w", err)
	}
	if !started {
		return nil
	}

	if err := p.waitReady(ctx, sess); err != nil {
		if ctx.Err() != nil {
			return queue.Delay(0)
		}
		log.Warn("connection not ready, failing campaign", "err", err)
		p.finish(ctx, log, pl, model.CampaignFailed, "connection needs reauthorization")
		return nil
	}

	resume, err := p.resumeIndex(ctx, pl.UserID)
	if err != nil {
		return err
	}
	if resume > 0 {
		log.Info("resuming campaign", "from", resume, "total", len(pl.Recipients))
	} else {
		_ = st.pushEvent(ctx, pl.UserID, model.Event{Type: model.EventStarted, CampaignID: pl.CampaignID, At: time.Now().UTC()})
	}

	outcome := p.run(ctx, log, sess, pl, resume, leaseKey, token)

	switch outcome {
	case runCompleted:
		p.finish(ctx, log, pl, model.CampaignCompleted, "")
	case runCanceled:
		p.finish(ctx, log, pl, model.CampaignCanceled, "canceled by user")
	case runHeartbeatLost:
		_ = st.pushEvent(ctx, pl.UserID, model.Event{Type: model.EventHeartbeatLost, CampaignID: pl.CampaignID, At: time.Now().UTC()})
		log.Warn("heartbeat lost, canceling campaign")
		p.finish(ctx, log, pl, model.CampaignCanceled, "heartbeat lost")
	case runNotReady:
		p.finish(ctx, log, pl, model.CampaignFailed, "connection needs reauthorization")
	case runOwnershipLost:
		_ = st.pushEvent(ctx, pl.UserID, model.Event{Type: model.EventOwnershipMoved, CampaignID: pl.CampaignID, At: time.Now().UTC()})
		log.Warn("lease lost mid-campaign, yielding")
		return queue.Delay(p.opt.OwnershipRetry)
	case runInterrupted:
		return queue.Delay(0)
	}
	return nil
}

// DeadLetter marks the campaign of a job that ran out of attempts as failed.
func (p *Processor) DeadLetter(ctx context.Context, job *queue.Job, cause error) {
	var pl JobPayload
	if err := json.Unmarshal(job.Payload, &pl); err != nil {
		p.log.Error("dead job has unreadable payload", "job", job.ID, "err", err)
		return
	}
	log := p.log.With("user", pl.UserID, "campaign", pl.CampaignID, "job", job.ID)
	p.finish(ctx, log, pl, model.CampaignFailed, cause.Error())
}

func (p *Processor) finish(ctx context.Context, log *slog.Logger, pl JobPayload, status model.CampaignStatus, reason string) {
	ctx = context.WithoutCancel(ctx)
	if _, err := p.svc.terminate(ctx, pl.UserID, pl.CampaignID, status, reason); err != nil {
		log.Error("failed to finish campaign", "status", status, "err", err)
	}
	if err := p.svc.state.clearTransient(ctx, pl.UserID); err != nil {
		log.Warn("failed to clear campaign state", "err", err)
	}
	if p.opt.Limiter != nil {
		p.opt.Limiter.Forget(pl.UserID)
	}
}

func (p *Processor) waitReady(ctx context.Context, sess session.Session) error {
	deadline := time.Now().Add(p.opt.ReadyTimeout)
	for {
		state := sess.Snapshot().State
		switch state {
		case conn.Connected:
			return nil
		case conn.QRPending, conn.Unauthorized, conn.Error:
			return fmt.Errorf("%w: connection is %s", conn.ErrNotReady, state)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: still %s after %s", conn.ErrNotReady, state, p.opt.ReadyTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opt.ReadyPoll):
		}
	}
}

// resumeIndex picks where a run starts. An index left in sending has an
// unknown outcome and is attempted again.
func (p *Processor) resumeIndex(ctx context.Context, userID string) (int, error) {
	cur, err := p.svc.state.cursor(ctx, userID)
	if err != nil || cur == nil {
		return 0, err
	}
	switch cur.LastStatus {
	case model.RecipientSent, model.RecipientError:
		return cur.CurrentIndex + 1, nil
	default:
		return cur.CurrentIndex, nil
	}
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, sess session.Session, pl JobPayload, from int, leaseKey, token string) runOutcome {
	st := p.svc.state
	media := newMediaCache(p.media)
	total := len(pl.Recipients)

	for i := from; i < total; i++ {
		if ctx.Err() != nil {
			return runInterrupted
		}
		if p.stopRequested(ctx, log, pl) {
			return runCanceled
		}
		if pl.EnforceHeartbeat {
			alive, err := st.heartbeatAlive(ctx, pl.UserID)
			if err != nil {
				log.Warn("heartbeat check failed", "err", err)
			} else if !alive {
				return runHeartbeatLost
			}
		}
		if !p.owner.Renew(ctx, pl.UserID) || !p.leases.Renew(ctx, leaseKey, token, p.opt.CampaignLeaseTTL) {
			return runOwnershipLost
		}
		if p.opt.Limiter != nil {
			if err := p.opt.Limiter.Wait(ctx, pl.UserID); err != nil {
				return runInterrupted
			}
		}

		r := pl.Recipients[i]
		rec := model.RecipientRecord{Index: i, Phone: r.Phone, Variables: r.Variables, Status: model.RecipientSending, UpdatedAt: time.Now().UTC()}
		if prev, err := st.record(ctx, pl.UserID, i); err == nil && prev != nil {
			rec.Attempts = prev.Attempts
		}
		if err := st.markSending(ctx, pl.UserID, rec, total); err != nil {
			log.Error("failed to persist progress", "index", i, "err", err)
			return runInterrupted
		}

		msgID, attempts, err := p.deliver(ctx, sess, r, pl.Content, media)
		rec.Attempts += attempts
		if errors.Is(err, conn.ErrClosed) {
			// detached by idle eviction or a lost lease; the index is replayed
			log.Warn("session detached mid-campaign", "index", i, "err", err)
			return runOwnershipLost
		}
		if err != nil && abortsRun(err) {
			log.Warn("connection dropped mid-campaign", "index", i, "err", err)
			return runNotReady
		}
		if err != nil && ctx.Err() != nil {
			return runInterrupted
		}

		rec.UpdatedAt = time.Now().UTC()
		if err != nil {
			rec.Status = model.RecipientError
			rec.ErrorMessage = err.Error()
			metrics.SendsTotal.WithLabelValues("error").Inc()
			log.Warn("recipient send failed", "index", i, "phone", r.Phone, "attempts", rec.Attempts, "err", err)
		} else {
			rec.Status = model.RecipientSent
			rec.MessageID = msgID
			metrics.SendsTotal.WithLabelValues("sent").Inc()
		}
		if err := st.recordResult(context.WithoutCancel(ctx), pl.UserID, pl.CampaignID, rec, total); err != nil {
			log.Error("failed to persist send result", "index", i, "err", err)
			return runInterrupted
		}

		if i < total-1 && p.opt.SendDelay > 0 {
			select {
			case <-ctx.Done():
				return runInterrupted
			case <-time.After(p.opt.SendDelay):
			}
		}
	}
	return runCompleted
}

// stopRequested checks the cancel flag and whether the campaign was
// finished from outside the run.
func (p *Processor) stopRequested(ctx context.Context, log *slog.Logger, pl JobPayload) bool {
	st := p.svc.state
	canceled, err := st.cancelRequested(ctx, pl.UserID)
	if err != nil {
		log.Warn("cancel check failed", "err", err)
	}
	if canceled {
		return true
	}
	c, err := st.current(ctx, pl.UserID)
	if err != nil {
		log.Warn("status check failed", "err", err)
		return false
	}
	return c == nil || c.ID != pl.CampaignID || c.Status != model.CampaignRunning
}

// deliver sends the rendered content to one recipient. Each part is
// retried on its own so a transient failure never repeats earlier parts.
func (p *Processor) deliver(ctx context.Context, sess session.Session, r model.Recipient, content model.Content, media *mediaCache) (string, int, error) {
	parts, err := p.compose(ctx, r, content, media)
	if err != nil {
		return "", 0, &SendError{Phone: r.Phone, Permanent: true, Err: err}
	}

	var (
		lastID   string
		attempts int
	)
	for _, part := range parts {
		n := 0
		id, err := backoff.Retry(ctx, func() (string, error) {
			n++
			id, err := sess.Send(ctx, r.Phone, part)
			if err != nil && (IsPermanent(err) || abortsRun(err)) {
				return "", backoff.Permanent(err)
			}
			return id, err
		}, backoff.WithBackOff(p.newBackoff()), backoff.WithMaxTries(uint(p.opt.MaxSendAttempts)))
		if n > attempts {
			attempts = n
		}
		if err != nil {
			if abortsRun(err) || ctx.Err() != nil {
				return "", attempts, err
			}
			return "", attempts, &SendError{Phone: r.Phone, Permanent: IsPermanent(err), Err: err}
		}
		lastID = id
	}
	return lastID, attempts, nil
}

func (p *Processor) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opt.SendBackoff
	b.MaxInterval = 30 * p.opt.SendBackoff
	return b
}

// compose builds the outbound parts: audio then caption text, or images
// with the caption on the first, or a single image, or plain text.
func (p *Processor) compose(ctx context.Context, r model.Recipient, content model.Content, media *mediaCache) ([]conn.Payload, error) {
	text := Render(content.Text, r.Variables)

	switch {
	case content.Audio != "":
		m, err := media.get(ctx, content.Audio)
		if err != nil {
			return nil, err
		}
		parts := []conn.Payload{{Kind: conn.AudioPayload, Media: m.Data, MimeType: m.MimeType}}
		if text != "" {
			parts = append(parts, conn.Payload{Kind: conn.TextPayload, Text: text})
		}
		return parts, nil

	case len(content.Images) > 0:
		parts := make([]conn.Payload, 0, len(content.Images))
		for i, ref := range content.Images {
			m, err := media.get(ctx, ref)
			if err != nil {
				return nil, err
			}
			part := conn.Payload{Kind: conn.ImagePayload, Media: m.Data, MimeType: m.MimeType}
			if i == 0 {
				part.Caption = text
			}
			parts = append(parts, part)
		}
		return parts, nil

	case content.SingleImage != "":
		m, err := media.get(ctx, content.SingleImage)
		if err != nil {
			return nil, err
		}
		return []conn.Payload{{Kind: conn.ImagePayload, Media: m.Data, MimeType: m.MimeType, Caption: text}}, nil

	case text != "":
		return []conn.Payload{{Kind: conn.TextPayload, Text: text}}, nil
	}
	return nil, ErrNoContent
}
