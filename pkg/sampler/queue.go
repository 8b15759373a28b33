// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sampler

import (
	"context"
	"io"
	"sync"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// queue is a fixed-capacity ring of events with a drop-oldest overflow
// policy. Dropped events are replaced by overflow markers that keep the
// dropped sequence numbers. Markers are only counted, so a burst of any length
// never grows memory.
//
// Invariant: pending markers carry sequence numbers dropSeq..dropSeq+dropped-1
// and immediately precede the ring head.
type queue struct {
	mu      sync.Mutex
	buf     []Event
	head    int
	count   int
	nextSeq uint64

	dropSeq uint64
	dropped uint64

	closed bool
	err    error

	notify chan struct{}
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	return &queue{
		buf:    make([]Event, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push assigns the next sequence number to ev and admits it. Returns true
// when the oldest event had to be dropped to make room. Events pushed after
// close are discarded.
func (q *queue) push(ev Event) (overflow bool, accepted bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}

	ev.Sample.Sequence = q.nextSeq
	q.nextSeq++

	if q.count == len(q.buf) {
		if q.dropped == 0 {
			q.dropSeq = q.buf[q.head].Sample.Sequence
		}
		q.dropped++
		q.buf[q.head] = Event{}
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		overflow = true
	}

	q.buf[(q.head+q.count)%len(q.buf)] = ev
	q.count++
	q.mu.Unlock()

	q.wake()
	return overflow, true
}

// pop returns the next event in sequence order
func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *queue) popLocked() (Event, bool) {
	if q.dropped > 0 {
		ev := Event{
			Sample: ppk2.CalibratedSample{Sequence: q.dropSeq},
			Err:    ErrOverflow,
		}
		q.dropSeq++
		q.dropped--
		return ev, true
	}
	if q.count == 0 {
		return Event{}, false
	}
	ev := q.buf[q.head]
	q.buf[q.head] = Event{}
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	return ev, true
}

// next blocks until an event is available, the queue is closed and drained,
// or ctx is done. A clean close yields io.EOF.
func (q *queue) next(ctx context.Context) (Event, error) {
	for {
		q.mu.Lock()
		if ev, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return ev, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return Event{}, err
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// close stops admission. Queued events remain readable; err (nil for a clean
// stop) is returned once they are drained. Only the first close counts.
func (q *queue) close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()

	q.wake()
}

// depth returns queued events plus pending overflow markers
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count + int(q.dropped)
}

func (q *queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
