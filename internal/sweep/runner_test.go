package sweep

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fundval/fundvald/internal/domain"
)

type countingSettler struct {
	calls atomic.Int32
	err   error
}

func (s *countingSettler) ProcessPending(context.Context) (int, error) {
	s.calls.Add(1)
	return 0, s.err
}

type fakeLocks struct {
	held     bool
	acquires atomic.Int32
	unlocks  atomic.Int32
}

func (l *fakeLocks) Acquire(context.Context, string, time.Duration) (func(), error) {
	l.acquires.Add(1)
	if l.held {
		return nil, domain.ErrLockHeld
	}
	return func() { l.unlocks.Add(1) }, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunnerSweepsImmediatelyAndOnTrigger(t *testing.T) {
	settler := &countingSettler{}
	r := NewRunner(settler, nil, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return settler.calls.Load() == 1 })
	r.Trigger()
	waitFor(t, func() bool { return settler.calls.Load() == 2 })

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}
}

func TestRunnerSkipsCycleWhenLockHeld(t *testing.T) {
	settler := &countingSettler{}
	locks := &fakeLocks{held: true}
	r := NewRunner(settler, locks, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool { return locks.acquires.Load() == 1 })
	cancel()
	<-done

	if got := settler.calls.Load(); got != 0 {
		t.Errorf("settler ran %d times behind a held lock, want 0", got)
	}
}

func TestRunnerReleasesLockAfterCycle(t *testing.T) {
	settler := &countingSettler{err: errors.New("transient")}
	locks := &fakeLocks{}
	r := NewRunner(settler, locks, time.Hour, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// A failing cycle must still release the lock.
	waitFor(t, func() bool { return locks.unlocks.Load() == 1 })
	cancel()
	<-done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
