package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lexlapax/neurovault/pkg/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	log.Setup(log.Config{Level: log.DebugLevel, Format: log.TextFormat})
}

func TestGroupRunsLoopsOnInterval(t *testing.T) {
	var runs atomic.Int32
	g := NewGroup(Loop{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	require.NoError(t, g.Start(context.Background()))
	assert.True(t, g.Running())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, time.Millisecond)
	require.NoError(t, g.Stop(context.Background()))
	assert.False(t, g.Running())

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "no runs after Stop")
}

func TestGroupRunOnStart(t *testing.T) {
	ran := make(chan struct{}, 1)
	g := NewGroup(Loop{
		Name:       "eager",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	})
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop(context.Background())

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("loop did not run on start")
	}
}

func TestGroupSurvivesErrorsAndPanics(t *testing.T) {
	var runs atomic.Int32
	g := NewGroup(Loop{
		Name:     "flaky",
		Interval: 2 * time.Millisecond,
		Run: func(ctx context.Context) error {
			switch runs.Add(1) {
			case 1:
				return errors.New("backend down")
			case 2:
				panic("boom")
			}
			return nil
		},
	})
	require.NoError(t, g.Start(context.Background()))
	assert.Eventually(t, func() bool { return runs.Load() >= 4 }, time.Second, time.Millisecond)
	require.NoError(t, g.Stop(context.Background()))
}

func TestGroupStopDrainsRunInProgress(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	g := NewGroup(Loop{
		Name:       "slow",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			finished.Store(true)
			return ctx.Err()
		},
	})
	require.NoError(t, g.Start(context.Background()))
	<-started

	require.NoError(t, g.Stop(context.Background()))
	assert.True(t, finished.Load())
}

func TestGroupStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	g := NewGroup(Loop{
		Name:       "stuck",
		Interval:   time.Hour,
		RunOnStart: true,
		Run: func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		},
	})
	require.NoError(t, g.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := g.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}

func TestGroupLifecycleErrors(t *testing.T) {
	g := NewGroup(Loop{Name: "disabled"})
	assert.ErrorIs(t, g.Stop(context.Background()), ErrNotStarted)
	require.NoError(t, g.Start(context.Background()))
	assert.ErrorIs(t, g.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, g.Stop(context.Background()))
}
