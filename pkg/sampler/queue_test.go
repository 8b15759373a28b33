// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sampler

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

func sampleEvent(v float64) Event {
	return Event{Sample: ppk2.CalibratedSample{Value: v}}
}

func TestQueue_InterleavedOverflow(t *testing.T) {
	q := newQueue(3)

	for i := 0; i < 5; i++ {
		q.push(sampleEvent(float64(i)))
	}
	// seq 0,1 dropped; 2,3,4 queued
	ev, ok := q.pop()
	require.True(t, ok)
	assert.ErrorIs(t, ev.Err, ErrOverflow)
	assert.Equal(t, uint64(0), ev.Sequence())

	// Another overflow while a marker is still pending
	q.push(sampleEvent(5))
	q.push(sampleEvent(6))
	assert.Equal(t, 6, q.depth(), "markers for seq 1-3 plus three samples")

	var seqs []uint64
	var overflows int
	for {
		ev, ok := q.pop()
		if !ok {
			break
		}
		seqs = append(seqs, ev.Sequence())
		if errors.Is(ev.Err, ErrOverflow) {
			overflows++
		}
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5, 6}, seqs)
	assert.Equal(t, 3, overflows)
}

func TestQueue_CloseRejectsPush(t *testing.T) {
	q := newQueue(2)
	q.push(sampleEvent(1))
	q.close(nil)

	_, accepted := q.push(sampleEvent(2))
	assert.False(t, accepted)

	ev, err := q.next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.0, ev.Sample.Value)

	_, err = q.next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestQueue_FirstCloseWins(t *testing.T) {
	q := newQueue(1)
	boom := errors.New("boom")
	q.close(boom)
	q.close(nil)

	_, err := q.next(context.Background())
	assert.ErrorIs(t, err, boom)
}
