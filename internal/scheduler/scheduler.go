// Package scheduler runs the periodic maintenance loops of a pod: lease
// renewal, idle eviction, queue upkeep and inventory publishing.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Loop calls its tick function on a fixed interval until stopped.
type Loop struct {
	name     string
	interval time.Duration
	tickFn   func(context.Context)
	log      *slog.Logger

	running atomic.Bool
	ticks   atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(name string, interval time.Duration, tickFn func(context.Context), log *slog.Logger) (*Loop, error) {
	if name == "" {
		return nil, errors.New("name must not be empty")
	}
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if tickFn == nil {
		return nil, errors.New("tickFn must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		name:     name,
		interval: interval,
		tickFn:   tickFn,
		log:      log.With("component", "scheduler", "loop", name),
		done:     make(chan struct{}),
	}, nil
}

func (s *Loop) Name() string { return s.name }

// Ticks reports how many ticks have completed, panicking ones included.
func (s *Loop) Ticks() int64 { return s.ticks.Load() }

// Start launches the loop. The first tick runs immediately.
func (s *Loop) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.log.Info("loop started", "interval", s.interval.String())

		s.safeTick(ctx)

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.safeTick(ctx)
			}
		}
	}()

	return true
}

// Stop cancels the running tick and waits for the loop to exit.
func (s *Loop) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	s.log.Info("loop stopped")
	return true
}

func (s *Loop) IsRunning() bool {
	return s.running.Load()
}

func (s *Loop) safeTick(ctx context.Context) {
	defer s.ticks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("tick panic recovered", "panic", r)
		}
	}()

	start := time.Now()
	s.tickFn(ctx)
	s.log.Debug("tick completed", "duration_ms", time.Since(start).Milliseconds())
}

// Group starts and stops a set of loops together.
type Group struct {
	loops []*Loop
}

func (g *Group) Add(l *Loop) {
	g.loops = append(g.loops, l)
}

func (g *Group) Len() int { return len(g.loops) }

func (g *Group) StartAll() {
	for _, l := range g.loops {
		l.Start()
	}
}

// StopAll stops loops in reverse start order.
func (g *Group) StopAll() {
	for i := len(g.loops) - 1; i >= 0; i-- {
		g.loops[i].Stop()
	}
}
