// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sampler

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// chunkReader delivers scripted chunks and behaves like a serial port with a
// short read timeout when none are pending.
type chunkReader struct {
	chunks chan []byte
	err    chan error
}

func newChunkReader() *chunkReader {
	return &chunkReader{
		chunks: make(chan []byte, 64),
		err:    make(chan error, 1),
	}
}

func (r *chunkReader) Read(p []byte) (int, error) {
	select {
	case c := <-r.chunks:
		return copy(p, c), nil
	case err := <-r.err:
		return 0, err
	case <-time.After(2 * time.Millisecond):
		return 0, nil
	}
}

func words(samples ...ppk2.RawSample) []byte {
	var out []byte
	for _, s := range samples {
		w := ppk2.EncodeWord(s)
		out = append(out, w[:]...)
	}
	return out
}

func testTable(t *testing.T) *ppk2.CalibrationTable {
	t.Helper()
	table, err := ppk2.NewCalibrationTable(map[ppk2.Range]ppk2.CalibrationEntry{
		0: {Gain: 1e-9, Offset: 0},
		1: {Gain: 1e-8, Offset: 0},
		2: {Gain: 1e-6, Offset: 1e-6},
	})
	require.NoError(t, err)
	return table
}

func collect(t *testing.T, p *Pipeline) ([]Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var events []Event
	for {
		ev, err := p.Next(ctx)
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
}

func TestPipeline_CalibratesInOrder(t *testing.T) {
	r := newChunkReader()
	p := New(r, testTable(t), DefaultOptions())
	p.Start()

	stream := words(
		ppk2.RawSample{Code: 100, Range: 2},
		ppk2.RawSample{Code: 200, Range: 2, Digital: 0x01},
		ppk2.RawSample{Code: 300, Range: 0},
	)
	// Split mid-word
	r.chunks <- stream[:5]
	r.chunks <- stream[5:]

	require.Eventually(t, func() bool { return p.Statistics().Snapshot().Samples == 3 }, time.Second, time.Millisecond)
	p.Stop()

	events, err := collect(t, p)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 3)

	for i, ev := range events {
		assert.NoError(t, ev.Err)
		assert.Equal(t, uint64(i), ev.Sequence())
	}
	assert.InDelta(t, 100*1e-6+1e-6, events[0].Sample.Value, 1e-12)
	assert.Equal(t, uint8(0x01), events[1].Sample.Digital)
	assert.InDelta(t, 300*1e-9, events[2].Sample.Value, 1e-15)
}

func TestPipeline_CalibrationErrorIsPerSample(t *testing.T) {
	r := newChunkReader()
	p := New(r, testTable(t), DefaultOptions())
	p.Start()

	r.chunks <- words(
		ppk2.RawSample{Code: 1, Range: 0},
		ppk2.RawSample{Code: 2, Range: 4},
		ppk2.RawSample{Code: 3, Range: 1},
	)

	require.Eventually(t, func() bool { return p.Statistics().Snapshot().Samples == 3 }, time.Second, time.Millisecond)
	p.Stop()

	events, err := collect(t, p)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 3)

	assert.NoError(t, events[0].Err)
	var ce *ppk2.CalibrationError
	require.True(t, errors.As(events[1].Err, &ce))
	assert.Equal(t, ppk2.Range(4), ce.Range)
	assert.Equal(t, uint64(1), events[1].Sequence())
	assert.NoError(t, events[2].Err)
	assert.Equal(t, uint64(1), p.Statistics().Snapshot().CalibrationErrors)
}

func TestPipeline_OverflowDropsOldest(t *testing.T) {
	const capacity = 8
	const extra = 5

	r := newChunkReader()
	opts := DefaultOptions()
	opts.QueueCapacity = capacity
	p := New(r, testTable(t), opts)
	p.Start()

	var raw []ppk2.RawSample
	for i := 0; i < capacity+extra; i++ {
		raw = append(raw, ppk2.RawSample{Code: uint16(i), Range: 0})
	}
	r.chunks <- words(raw...)

	require.Eventually(t, func() bool {
		return p.Statistics().Snapshot().Samples == capacity+extra
	}, time.Second, time.Millisecond)
	p.Stop()

	events, err := collect(t, p)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, capacity+extra)

	markers := 0
	for i, ev := range events {
		assert.Equal(t, uint64(i), ev.Sequence(), "sequence must be gap-free")
		if errors.Is(ev.Err, ErrOverflow) {
			markers++
			continue
		}
		// Only the newest samples survive
		assert.Equal(t, float64(i)*1e-9, ev.Sample.Value)
	}
	assert.Equal(t, extra, markers)
	for i := 0; i < extra; i++ {
		assert.ErrorIs(t, events[i].Err, ErrOverflow)
	}
	assert.Equal(t, uint64(extra), p.Statistics().Snapshot().Overflows)
}

func TestPipeline_DesyncDoesNotHaltStream(t *testing.T) {
	r := newChunkReader()
	p := New(r, testTable(t), DefaultOptions())
	p.Start()

	stream := words(ppk2.RawSample{Code: 5, Range: 1})
	stream = append(stream, 0x00, 0xC0, 0xC1, 0xC1)
	stream = append(stream, words(ppk2.RawSample{Code: 0x1C1, Range: 0})...)
	r.chunks <- stream

	require.Eventually(t, func() bool { return p.Statistics().Snapshot().Samples == 2 }, time.Second, time.Millisecond)
	p.Stop()

	events, err := collect(t, p)
	require.ErrorIs(t, err, io.EOF)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(1), events[1].Sequence())

	snap := p.Statistics().Snapshot()
	assert.Equal(t, uint64(1), snap.Desyncs)
	assert.Equal(t, uint64(4), snap.DesyncBytes)
}

func TestPipeline_FatalErrorAfterDrain(t *testing.T) {
	ioErr := errors.New("device unplugged")
	wrapped := errors.New("wrapped")

	r := newChunkReader()
	opts := DefaultOptions()
	opts.OnFatal = func(err error) error {
		assert.ErrorIs(t, err, ioErr)
		return wrapped
	}
	p := New(r, testTable(t), opts)
	p.Start()

	r.chunks <- words(ppk2.RawSample{Code: 1, Range: 0}, ppk2.RawSample{Code: 2, Range: 0})
	require.Eventually(t, func() bool { return p.Statistics().Snapshot().Samples == 2 }, time.Second, time.Millisecond)
	r.err <- ioErr

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("read loop did not exit")
	}
	assert.ErrorIs(t, p.Err(), wrapped)

	events, err := collect(t, p)
	assert.Len(t, events, 2, "queued samples are delivered before the error")
	assert.ErrorIs(t, err, wrapped)
}

func TestPipeline_StopDrainsQueue(t *testing.T) {
	r := newChunkReader()
	p := New(r, testTable(t), DefaultOptions())
	p.Start()

	r.chunks <- words(ppk2.RawSample{Code: 1}, ppk2.RawSample{Code: 2}, ppk2.RawSample{Code: 3})
	require.Eventually(t, func() bool { return p.Depth() == 3 }, time.Second, time.Millisecond)

	p.Halt()
	// Nothing is admitted after Halt
	r.chunks <- words(ppk2.RawSample{Code: 4})
	p.Close(nil)

	events, err := collect(t, p)
	require.ErrorIs(t, err, io.EOF)
	assert.Len(t, events, 3)
}

func TestPipeline_NextHonorsContext(t *testing.T) {
	p := New(newChunkReader(), testTable(t), DefaultOptions())
	p.Start()
	defer p.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeline_SpikeFilterAfterRangeSwitch(t *testing.T) {
	low := ppk2.RawSample{Code: 1000, Range: 0}
	high := ppk2.RawSample{Code: 1000, Range: 1}
	stream := words(low, low, high, high, high, high)

	run := func(filter bool) []Event {
		r := newChunkReader()
		opts := DefaultOptions()
		opts.SpikeFilter = filter
		p := New(r, testTable(t), opts)
		p.Start()

		r.chunks <- stream
		require.Eventually(t, func() bool { return p.Statistics().Snapshot().Samples == 6 }, time.Second, time.Millisecond)
		p.Stop()

		events, err := collect(t, p)
		require.ErrorIs(t, err, io.EOF)
		require.Len(t, events, 6)
		return events
	}

	// Off: calibrated values are exact
	for i, ev := range run(false) {
		want := 1000 * 1e-9
		if i >= 2 {
			want = 1000 * 1e-8
		}
		assert.InDelta(t, want, ev.Sample.Value, 1e-15)
	}

	// On: the samples right after the switch are smoothed
	events := run(true)
	assert.InDelta(t, 1e-6, events[1].Sample.Value, 1e-15)
	avg := 1e-6
	for i := 2; i < 5; i++ {
		avg = 0.18*1e-5 + 0.82*avg
		assert.InDelta(t, avg, events[i].Sample.Value, 1e-15, "event %d", i)
		assert.Equal(t, ppk2.Range(1), events[i].Sample.Range)
	}
	assert.InDelta(t, 1e-5, events[5].Sample.Value, 1e-15)
}

func TestPipeline_HaltStopsMidChunk(t *testing.T) {
	p := New(newChunkReader(), testTable(t), DefaultOptions())

	p.decoder.Feed(words(ppk2.RawSample{Code: 1}, ppk2.RawSample{Code: 2}))
	p.admit()
	require.Equal(t, 2, p.Depth())

	p.haltOnce.Do(func() { close(p.halt) })
	p.decoder.Feed(words(ppk2.RawSample{Code: 3}, ppk2.RawSample{Code: 4}))
	p.admit()

	assert.Equal(t, 2, p.Depth(), "nothing admitted once halted")
	assert.Equal(t, 2*ppk2.WordSize, p.decoder.Buffered())
	assert.Equal(t, uint64(2), p.Statistics().Snapshot().Samples)
}
