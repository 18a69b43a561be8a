// Package worker runs background maintenance jobs on fixed intervals.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexlapax/neurovault/pkg/log"
)

var (
	// ErrAlreadyStarted is returned by Start on a running group.
	ErrAlreadyStarted = errors.New("worker group already started")
	// ErrNotStarted is returned by Stop on an idle group.
	ErrNotStarted = errors.New("worker group not started")
)

// Loop is one periodic job.
type Loop struct {
	Name     string
	Interval time.Duration
	// RunOnStart runs the job once immediately instead of waiting a full interval
	RunOnStart bool
	Run        func(ctx context.Context) error
}

// Group owns a set of loops. Stop cancels them and waits for any run in
// progress to return.
type Group struct {
	loops []Loop

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewGroup builds a Group. Loops with a non-positive interval are disabled.
func NewGroup(loops ...Loop) *Group {
	return &Group{loops: loops}
}

// Start launches every enabled loop. The loops stop when ctx ends or Stop is called.
func (g *Group) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return ErrAlreadyStarted
	}

	ctx, g.cancel = context.WithCancel(ctx)
	for _, l := range g.loops {
		if l.Interval <= 0 || l.Run == nil {
			log.Info("Background loop disabled", "loop", l.Name)
			continue
		}
		g.wg.Add(1)
		go g.run(ctx, l)
	}
	g.started = true
	return nil
}

func (g *Group) run(ctx context.Context, l Loop) {
	defer g.wg.Done()
	log.Info("Background loop started", "loop", l.Name, "interval", l.Interval)

	if l.RunOnStart {
		g.once(ctx, l)
	}

	ticker := time.NewTicker(l.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info("Background loop stopped", "loop", l.Name)
			return
		case <-ticker.C:
			g.once(ctx, l)
		}
	}
}

func (g *Group) once(ctx context.Context, l Loop) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Background loop panicked", "loop", l.Name, "panic", fmt.Sprint(r))
		}
	}()
	if err := l.Run(ctx); err != nil {
		log.Error("Background loop run failed", "loop", l.Name, "error", err, "duration", time.Since(start))
		return
	}
	log.Debug("Background loop run finished", "loop", l.Name, "duration", time.Since(start))
}

// Stop cancels the loops and waits for them to drain or for ctx to end.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	if !g.started {
		g.mu.Unlock()
		return ErrNotStarted
	}
	g.cancel()
	g.started = false
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("worker drain interrupted: %w", ctx.Err())
	}
}

// Running reports whether Start has been called without a matching Stop.
func (g *Group) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.started
}
