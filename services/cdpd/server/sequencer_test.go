package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSequencerSerializesJobs(t *testing.T) {
	seq := NewSequencer(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Run(ctx)

	var active, maxActive atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := seq.Do(context.Background(), func() {
				n := active.Add(1)
				for {
					cur := maxActive.Load()
					if n <= cur || maxActive.CompareAndSwap(cur, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				active.Add(-1)
			})
			if err != nil {
				t.Errorf("do: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := maxActive.Load(); got != 1 {
		t.Fatalf("expected jobs to run one at a time, saw %d concurrently", got)
	}
}

func TestSequencerCancelledWhileQueued(t *testing.T) {
	seq := NewSequencer(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go seq.Run(ctx)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = seq.Do(context.Background(), func() {
			close(started)
			<-release
		})
	}()
	<-started

	var ran atomic.Bool
	reqCtx, reqCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer reqCancel()
	err := seq.Do(reqCtx, func() { ran.Store(true) })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	close(release)

	if err := seq.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("follow-up job: %v", err)
	}
	if ran.Load() {
		t.Fatalf("cancelled job must not run")
	}
}

func TestSequencerStopped(t *testing.T) {
	seq := NewSequencer(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		seq.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
	err := seq.Do(context.Background(), func() {})
	if !errors.Is(err, ErrSequencerStopped) {
		t.Fatalf("expected ErrSequencerStopped, got %v", err)
	}
}
