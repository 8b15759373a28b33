// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

const (
	testGain   = 1e-6
	testOffset = 5e-7
)

func testOptions(t *testing.T) Options {
	t.Helper()
	table, err := ppk2.NewCalibrationTable(map[ppk2.Range]ppk2.CalibrationEntry{
		2: {Gain: testGain, Offset: testOffset},
	})
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.AckTimeout = 20 * time.Millisecond
	opts.ReadTimeout = 2 * time.Millisecond
	opts.Calibration = table
	return opts
}

func newTestDevice(t *testing.T) (*Device, *fakePPK2) {
	t.Helper()
	fake := newFakePPK2()
	return New(fake, testOptions(t)), fake
}

func nextEvent(t *testing.T, p *sampler.Pipeline) (sampler.Event, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.Next(ctx)
}

func TestConfigure(t *testing.T) {
	d, fake := newTestDevice(t)

	err := d.Configure(context.Background(), ppk2.ModeSourceMeter, 2, 3300)
	require.NoError(t, err)

	assert.Equal(t, [][]byte{
		{0x11, 0x02},
		{0x08, 0x02},
		{0x0D, 0xE4, 0x0C},
	}, fake.framesSent())

	st := d.State()
	assert.Equal(t, ppk2.ModeSourceMeter, st.Mode)
	assert.Equal(t, ppk2.Range(2), st.Range)
	assert.Equal(t, uint16(3300), st.VddMillivolts)
	assert.False(t, st.Streaming)
	assert.Equal(t, PhaseIdle, d.Phase())
}

func TestStreamingScenario(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	require.NoError(t, d.Configure(ctx, ppk2.ModeSourceMeter, 2, 3300))

	p, err := d.StartStreaming(ctx)
	require.NoError(t, err)
	assert.Equal(t, PhaseStreaming, d.Phase())
	assert.True(t, d.State().Streaming)

	want := 1000*testGain + testOffset
	for i := 0; i < fake.streamLimit; i++ {
		ev, err := nextEvent(t, p)
		require.NoError(t, err)
		require.NoError(t, ev.Err)
		assert.Equal(t, uint64(i), ev.Sequence())
		assert.InDelta(t, want, ev.Sample.Value, 1e-12)
		assert.Equal(t, ppk2.Range(2), ev.Sample.Range)
		assert.True(t, ev.Sample.Pin(0))
	}

	require.NoError(t, d.StopStreaming(ctx))
	assert.Equal(t, PhaseIdle, d.Phase())
	assert.False(t, d.State().Streaming)

	_, err = nextEvent(t, p)
	assert.ErrorIs(t, err, io.EOF)
	_, err = nextEvent(t, p)
	assert.ErrorIs(t, err, io.EOF, "sequence stays terminated")

	frames := fake.framesSent()
	assert.Equal(t, []byte{0x07}, frames[len(frames)-1])
}

func TestSetRangeWhileStreaming(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	require.NoError(t, d.Configure(ctx, ppk2.ModeSourceMeter, 2, 3300))
	_, err := d.StartStreaming(ctx)
	require.NoError(t, err)

	before := d.State()
	sent := len(fake.framesSent())

	err = d.SetRange(ctx, 1)
	require.ErrorIs(t, err, ErrInvalidTransition)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, ppk2.OpSetRange, te.Op)
	assert.Equal(t, PhaseStreaming, te.Phase)

	assert.ErrorIs(t, d.SetMode(ctx, ppk2.ModeAmpereMeter), ErrInvalidTransition)
	assert.ErrorIs(t, d.Configure(ctx, ppk2.ModeSourceMeter, 0, 1800), ErrInvalidTransition)
	_, err = d.StartStreaming(ctx)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, before, d.State())
	assert.Len(t, fake.framesSent(), sent, "no bytes written for rejected commands")

	require.NoError(t, d.StopStreaming(ctx))
}

func TestCommand_RetryOnTimeout(t *testing.T) {
	d, fake := newTestDevice(t)
	fake.dropAcks[ppk2.OpSetRange] = 1

	var attempts int
	d.opts.Observer = func(op ppk2.Opcode, n int, err error, _ time.Duration) {
		attempts = n
	}

	require.NoError(t, d.SetRange(context.Background(), 3))
	assert.Equal(t, ppk2.Range(3), d.State().Range)
	assert.Equal(t, [][]byte{{0x08, 0x03}, {0x08, 0x03}}, fake.framesSent())
	assert.Equal(t, 2, attempts)
}

func TestCommand_LateAckDiscarded(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	// The first ack misses its window but still arrives
	d.opts.AckTimeout = 50 * time.Millisecond
	fake.lateAcks[ppk2.OpSetRange] = 75 * time.Millisecond

	require.NoError(t, d.SetRange(ctx, 3))
	assert.Len(t, fake.framesSent(), 2)

	// The retry's ack must not answer the next command
	require.NoError(t, d.SetVdd(ctx, 3300))
	assert.Equal(t, uint16(3300), d.State().VddMillivolts)
	assert.Equal(t, ppk2.Range(3), d.State().Range)
}

// resettablePPK2 is a fake whose receive buffer can be flushed, like a
// serial port
type resettablePPK2 struct {
	*fakePPK2
	resets int
}

func (r *resettablePPK2) ResetInputBuffer() error {
	r.mu.Lock()
	r.out = nil
	r.mu.Unlock()
	r.resets++
	return nil
}

func TestCommand_RetryResetsInput(t *testing.T) {
	fake := &resettablePPK2{fakePPK2: newFakePPK2()}
	d := New(fake, testOptions(t))
	fake.dropAcks[ppk2.OpSetRange] = 1

	require.NoError(t, d.SetRange(context.Background(), 2))
	assert.Equal(t, 2, fake.resets, "flushed before the resend and after its ack")

	// A first-attempt success leaves the buffer alone
	require.NoError(t, d.SetRange(context.Background(), 1))
	assert.Equal(t, 2, fake.resets)
}

func TestCommand_Unresponsive(t *testing.T) {
	d, fake := newTestDevice(t)
	fake.dropAcks[ppk2.OpSetRange] = 2

	err := d.SetRange(context.Background(), 3)
	require.ErrorIs(t, err, ErrDeviceUnresponsive)
	assert.Equal(t, ppk2.Range(0), d.State().Range, "state unchanged")
	assert.Len(t, fake.framesSent(), 2)
	assert.Equal(t, PhaseIdle, d.Phase())
}

func TestCommand_UnexpectedAck(t *testing.T) {
	d, fake := newTestDevice(t)
	fake.wrongAck[ppk2.OpSetVdd] = 0x99

	err := d.SetVdd(context.Background(), 3000)
	require.ErrorIs(t, err, ppk2.ErrUnexpectedAck)
	assert.Equal(t, uint16(0), d.State().VddMillivolts)
	assert.Len(t, fake.framesSent(), 1, "mismatched ack is not retried")

	// The device remains usable
	delete(fake.wrongAck, ppk2.OpSetVdd)
	require.NoError(t, d.SetVdd(context.Background(), 3000))
	assert.Equal(t, uint16(3000), d.State().VddMillivolts)
}

func TestCommand_Busy(t *testing.T) {
	d, fake := newTestDevice(t)
	gate := make(chan struct{})
	fake.ackGate = gate

	done := make(chan error, 1)
	go func() {
		done <- d.SetRange(context.Background(), 4)
	}()

	select {
	case op := <-fake.seen:
		require.Equal(t, ppk2.OpSetRange, op)
	case <-time.After(time.Second):
		t.Fatal("SetRange was not sent")
	}

	assert.ErrorIs(t, d.SetVdd(context.Background(), 1800), ErrBusy)
	_, err := d.StartStreaming(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, ppk2.Range(4), d.State().Range)
}

func TestTransportError_IsFatal(t *testing.T) {
	d, fake := newTestDevice(t)
	ioErr := errors.New("port closed")
	fake.setWriteErr(ioErr)

	err := d.SetRange(context.Background(), 1)
	var te *TransportError
	require.True(t, errors.As(err, &te))
	assert.ErrorIs(t, err, ioErr)

	fake.setWriteErr(nil)
	assert.ErrorIs(t, d.SetMode(context.Background(), ppk2.ModeAmpereMeter), ioErr, "error stays latched")
	_, err = d.StartStreaming(context.Background())
	assert.ErrorIs(t, err, ioErr)
	assert.ErrorIs(t, d.Err(), ioErr)
}

func TestStreaming_ReadErrorTerminatesSequence(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	p, err := d.StartStreaming(ctx)
	require.NoError(t, err)

	for i := 0; i < fake.streamLimit; i++ {
		_, err := nextEvent(t, p)
		require.NoError(t, err)
	}

	ioErr := errors.New("device unplugged")
	fake.setReadErr(ioErr)

	_, err = nextEvent(t, p)
	var te *TransportError
	require.True(t, errors.As(err, &te), "got %v", err)
	assert.ErrorIs(t, err, ioErr)

	// The dead session is no longer streaming
	assert.Equal(t, PhaseIdle, d.Phase())
	assert.False(t, d.State().Streaming)
	assert.Nil(t, d.Pipeline())

	assert.ErrorIs(t, d.SetRange(ctx, 1), ioErr)
	assert.ErrorIs(t, d.StopStreaming(ctx), ioErr)
	_, err = d.StartStreaming(ctx)
	assert.ErrorIs(t, err, ioErr)
	assert.Equal(t, PhaseIdle, d.Phase())
}

func TestStopStreaming_UnresponsiveStillIdle(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	p, err := d.StartStreaming(ctx)
	require.NoError(t, err)
	require.Eventually(t, fake.allStreamed, time.Second, time.Millisecond)

	fake.mu.Lock()
	fake.dropAcks[ppk2.OpStopStream] = 2
	fake.mu.Unlock()

	err = d.StopStreaming(ctx)
	require.ErrorIs(t, err, ErrDeviceUnresponsive)
	assert.Equal(t, PhaseIdle, d.Phase())
	assert.False(t, d.State().Streaming)

	stops := 0
	for _, f := range fake.framesSent() {
		if f[0] == byte(ppk2.OpStopStream) {
			stops++
		}
	}
	assert.Equal(t, 2, stops, "stop is retried once")

	// Queued samples are still delivered, then the sequence ends cleanly
	count := 0
	for {
		_, err := nextEvent(t, p)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		count++
	}
	assert.Equal(t, fake.streamLimit, count)
}

func TestStopStreaming_FromIdle(t *testing.T) {
	d, _ := newTestDevice(t)
	err := d.StopStreaming(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestInvalidParameters(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	assert.ErrorIs(t, d.SetRange(ctx, 5), ErrInvalidParameter)
	assert.ErrorIs(t, d.SetMode(ctx, ppk2.ModeIdle), ErrInvalidParameter)
	assert.ErrorIs(t, d.Configure(ctx, ppk2.ModeSourceMeter, 7, 3300), ErrInvalidParameter)
	assert.ErrorIs(t, d.SetUserGain(ctx, 9, 1), ErrInvalidParameter)
	assert.Empty(t, fake.framesSent())
}

func TestSetVdd_Clamped(t *testing.T) {
	d, fake := newTestDevice(t)
	require.NoError(t, d.SetVdd(context.Background(), 6000))
	assert.Equal(t, uint16(ppk2.VddMaxMillivolts), d.State().VddMillivolts)
	assert.Equal(t, [][]byte{{0x0D, 0x88, 0x13}}, fake.framesSent())
}

func TestAuxiliaryCommands(t *testing.T) {
	d, fake := newTestDevice(t)
	ctx := context.Background()

	require.NoError(t, d.SetDevicePower(ctx, true))
	require.NoError(t, d.SetSpikeFilter(ctx, true))
	require.NoError(t, d.SetUserGain(ctx, 1, 0x20))

	st := d.State()
	assert.True(t, st.Powered)
	assert.True(t, st.SpikeFilter)

	require.NoError(t, d.Reset(ctx))
	assert.Equal(t, State{}, d.State())

	assert.Equal(t, [][]byte{
		{0x0C, 0x01},
		{0x15},
		{0x25, 0x01, 0x20},
		{0x20},
	}, fake.framesSent())
}

func TestMetadata(t *testing.T) {
	d, fake := newTestDevice(t)
	fake.metadata = "Calibrated: 1\nVDD: 3300\nHW: 9173\nmode: 2\nR0: 1000.0\nUG0: 1.00\nIA: 56\nEND\n"

	md, err := d.Metadata(context.Background())
	require.NoError(t, err)
	assert.True(t, md.Calibrated)
	assert.Equal(t, uint16(3300), md.Vdd)
	assert.Equal(t, 1000.0, md.Modifiers.R[0])

	st := d.State()
	assert.Equal(t, ppk2.ModeSourceMeter, st.Mode)
	assert.Equal(t, uint16(3300), st.VddMillivolts)
}

func TestMetadata_Silent(t *testing.T) {
	d, fake := newTestDevice(t)

	_, err := d.Metadata(context.Background())
	assert.ErrorIs(t, err, ErrDeviceUnresponsive)
	assert.Len(t, fake.framesSent(), 2)
}

func TestSetCalibration(t *testing.T) {
	d, _ := newTestDevice(t)
	ctx := context.Background()

	table := ppk2.DefaultCalibrationTable()
	require.NoError(t, d.SetCalibration(table))
	assert.Same(t, table, d.Calibration())
	assert.ErrorIs(t, d.SetCalibration(nil), ErrInvalidParameter)

	_, err := d.StartStreaming(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, d.SetCalibration(table), ErrInvalidTransition)
	require.NoError(t, d.StopStreaming(ctx))
}
