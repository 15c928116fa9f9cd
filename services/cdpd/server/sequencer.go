package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSequencerStopped is returned for work submitted after Run has returned.
var ErrSequencerStopped = errors.New("sequencer stopped")

const (
	jobPending int32 = iota
	jobRunning
	jobCancelled
)

type job struct {
	fn    func()
	state atomic.Int32
	done  chan struct{}
}

// Sequencer runs submitted closures one at a time on a single goroutine. The
// engine rejects overlapping calls as reentrant, so every request touching it
// goes through here.
type Sequencer struct {
	jobs    chan *job
	stopped chan struct{}
	once    sync.Once
}

func NewSequencer(queue int) *Sequencer {
	if queue <= 0 {
		queue = 64
	}
	return &Sequencer{jobs: make(chan *job, queue), stopped: make(chan struct{})}
}

// Run processes jobs until ctx is cancelled.
func (s *Sequencer) Run(ctx context.Context) {
	defer s.once.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			if !j.state.CompareAndSwap(jobPending, jobRunning) {
				continue
			}
			j.fn()
			close(j.done)
		}
	}
}

// Do submits fn and waits for it to finish. If ctx ends while fn is still
// queued, fn never runs and ctx's error is returned; once fn has started it
// always runs to completion.
func (s *Sequencer) Do(ctx context.Context, fn func()) error {
	j := &job{fn: fn, done: make(chan struct{})}
	select {
	case s.jobs <- j:
	case <-s.stopped:
		return ErrSequencerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-j.done:
		return nil
	case <-s.stopped:
		if j.state.CompareAndSwap(jobPending, jobCancelled) {
			return ErrSequencerStopped
		}
		<-j.done
		return nil
	case <-ctx.Done():
		if j.state.CompareAndSwap(jobPending, jobCancelled) {
			return ctx.Err()
		}
		<-j.done
		return nil
	}
}
