// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

// StartStreaming starts the measurement stream and returns the pipeline that
// delivers its samples. Only accepted while Idle.
//
// The pipeline's sequence ends with io.EOF after StopStreaming, or with a
// *TransportError if the transport fails. A failure also ends the streaming
// phase: the device turns Idle with the error latched.
func (d *Device) StartStreaming(ctx context.Context) (*sampler.Pipeline, error) {
	d.mu.Lock()
	if d.fatal != nil {
		err := d.fatal
		d.mu.Unlock()
		return nil, err
	}
	if d.phase != PhaseIdle {
		phase := d.phase
		d.mu.Unlock()
		return nil, &TransitionError{Op: ppk2.OpStartStream, Phase: phase}
	}
	d.phase = PhaseConfiguring
	table := d.table
	d.mu.Unlock()

	if err := d.exchange(ctx, ppk2.NewStartStream()); err != nil {
		d.end()
		return nil, err
	}
	if err := d.setReadTimeout(d.opts.ReadTimeout); err != nil {
		d.end()
		return nil, err
	}

	opts := d.opts.Sampler
	if opts.Logger == nil {
		opts.Logger = d.log
	}
	opts.OnFatal = d.streamFailed
	p := sampler.New(d.transport, table, opts)

	d.mu.Lock()
	d.phase = PhaseStreaming
	d.state.Streaming = true
	d.pipeline = p
	d.mu.Unlock()

	p.Start()
	d.log.Info("streaming started", zap.Uint8("range", uint8(d.State().Range)))
	return p, nil
}

// StopStreaming stops admitting samples, sends the stop command and closes
// the sample sequence once its queued events are consumed.
//
// The stop command is always attempted and retried once. If it still fails
// the error is returned, but the device is considered Idle regardless.
func (d *Device) StopStreaming(ctx context.Context) error {
	d.mu.Lock()
	switch d.phase {
	case PhaseStreaming:
	case PhaseStopping:
		d.mu.Unlock()
		return ErrBusy
	default:
		phase, fatal := d.phase, d.fatal
		d.mu.Unlock()
		if fatal != nil {
			return fatal
		}
		return &TransitionError{Op: ppk2.OpStopStream, Phase: phase}
	}
	d.phase = PhaseStopping
	p := d.pipeline
	d.mu.Unlock()

	p.Halt()

	err := p.Err()
	if err == nil {
		err = d.Err()
	}
	if err == nil {
		var attempts int
		start := time.Now()
		attempts, err = d.stop(ctx)
		if d.opts.Observer != nil {
			d.opts.Observer(ppk2.OpStopStream, attempts, err, time.Since(start))
		}
	}

	d.mu.Lock()
	d.phase = PhaseIdle
	d.state.Streaming = false
	d.pipeline = nil
	d.mu.Unlock()

	var te *TransportError
	if errors.As(err, &te) {
		p.Close(te)
	} else {
		p.Close(nil)
	}

	if err != nil {
		d.log.Warn("stream stop failed, device assumed idle", zap.Error(err))
		return err
	}
	snap := p.Statistics().Snapshot()
	d.log.Info("streaming stopped",
		zap.Uint64("samples", snap.Samples),
		zap.Uint64("overflows", snap.Overflows),
		zap.Uint64("desyncs", snap.Desyncs))
	return nil
}

// streamFailed latches a read loop failure and ends the streaming phase. A
// stop already in progress finishes the transition itself.
func (d *Device) streamFailed(err error) error {
	fatal := d.latch("read", err)

	d.mu.Lock()
	if d.phase == PhaseStreaming {
		d.phase = PhaseIdle
		d.state.Streaming = false
		d.pipeline = nil
	}
	d.mu.Unlock()
	return fatal
}

// Pipeline returns the active stream's pipeline, or nil when not streaming
func (d *Device) Pipeline() *sampler.Pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pipeline
}
