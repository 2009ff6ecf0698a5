package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LeventeLantos/messaging-fleet/internal/metrics"
)

// Handler processes one job. Returning nil acks it, Delay(d) puts it back
// without consuming an attempt, any other error counts as a failed attempt.
type Handler func(ctx context.Context, job *Job) error

type delayError struct {
	after time.Duration
}

func (e *delayError) Error() string { return fmt.Sprintf("queue: delay job for %s", e.after) }

// Delay asks the worker to reschedule the job after d.
func Delay(d time.Duration) error { return &delayError{after: d} }

// AsDelay reports whether err is a reschedule request.
func AsDelay(err error) (time.Duration, bool) {
	var de *delayError
	if errors.As(err, &de) {
		return de.after, true
	}
	return 0, false
}

type WorkerOptions struct {
	Concurrency  int
	PollInterval time.Duration
	// OnDeadLetter runs once a job has used all its attempts.
	OnDeadLetter func(ctx context.Context, job *Job, cause error)
	Logger       *slog.Logger
}

type Worker struct {
	q   *Queue
	h   Handler
	opt WorkerOptions
	log *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWorker(q *Queue, h Handler, opt WorkerOptions) (*Worker, error) {
	if h == nil {
		return nil, errors.New("handler must not be nil")
	}
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}
	if opt.PollInterval <= 0 {
		opt.PollInterval = time.Second
	}
	log := opt.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Worker{
		q:   q,
		h:   h,
		opt: opt,
		log: log.With("component", "worker", "queue", q.Name()),
	}, nil
}

func (w *Worker) Start() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running.Store(true)

	for i := 0; i < w.opt.Concurrency; i++ {
		w.wg.Add(1)
		go func(slot int) {
			defer w.wg.Done()
			w.loop(ctx, slot)
		}(i)
	}

	w.log.Info("worker started", "concurrency", w.opt.Concurrency)
	return true
}

// Stop cancels in-flight handlers and waits for every slot to return.
func (w *Worker) Stop() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running.Load() {
		return false
	}

	w.cancel()
	w.wg.Wait()
	w.running.Store(false)

	w.log.Info("worker stopped")
	return true
}

func (w *Worker) IsRunning() bool {
	return w.running.Load()
}

func (w *Worker) loop(ctx context.Context, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.q.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoJob) && ctx.Err() == nil {
				w.log.Error("dequeue failed", "slot", slot, "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.opt.PollInterval):
			}
			continue
		}

		w.process(ctx, job)
	}
}

// process runs the handler while keeping the job's visibility lease alive,
// then settles the job according to the result.
func (w *Worker) process(ctx context.Context, job *Job) {
	log := w.log.With("job", job.ID, "user", job.UserID)

	jobCtx, stop := context.WithCancel(ctx)
	touched := make(chan struct{})
	go func() {
		defer close(touched)
		w.keepAlive(jobCtx, job, log)
	}()

	err := w.safeHandle(jobCtx, job)
	stop()
	<-touched

	// settle even when the worker is stopping
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		if aerr := w.q.Ack(sctx, job); aerr != nil {
			log.Error("ack failed", "err", aerr)
		}
		metrics.JobsTotal.WithLabelValues("ack").Inc()
		return
	}

	if d, ok := AsDelay(err); ok {
		if merr := w.q.MoveToDelayed(sctx, job, d); merr != nil {
			log.Error("reschedule failed", "err", merr)
		}
		metrics.JobsTotal.WithLabelValues("delayed").Inc()
		log.Debug("job rescheduled", "after", d.String())
		return
	}

	dead, ferr := w.q.Fail(sctx, job, err)
	if ferr != nil {
		log.Error("recording failure failed", "err", ferr, "cause", err)
		return
	}
	if !dead {
		metrics.JobsTotal.WithLabelValues("retry").Inc()
		log.Warn("job failed, will retry", "attempt", job.Attempts, "max_attempts", job.MaxAttempts, "err", err)
		return
	}

	metrics.JobsTotal.WithLabelValues("dead").Inc()
	log.Error("job exhausted its attempts", "attempts", job.Attempts, "err", err)
	if w.opt.OnDeadLetter != nil {
		w.opt.OnDeadLetter(sctx, job, err)
	}
}

func (w *Worker) keepAlive(ctx context.Context, job *Job, log *slog.Logger) {
	ticker := time.NewTicker(w.q.Visibility() / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.q.Touch(ctx, job); err != nil && ctx.Err() == nil {
				log.Warn("touch failed", "err", err)
			}
		}
	}
}

func (w *Worker) safeHandle(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("job handler panic recovered", "job", job.ID, "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return w.h(ctx, job)
}
