// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sampler turns the raw PPK2 byte stream into a bounded, ordered
// sequence of calibrated sample events.
//
// A Pipeline runs one read loop goroutine (transport read, decode, calibrate,
// enqueue) and hands events to a single consumer through a fixed-capacity
// ring. A slow consumer never blocks the read loop: when the ring is full the
// oldest event is dropped and an ErrOverflow marker is delivered in its place.
package sampler

import (
	"context"
	"errors"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// ErrOverflow marks an event dropped because the consumer fell behind
var ErrOverflow = errors.New("sample queue overflow")

// Default pipeline parameters
const (
	DefaultQueueCapacity = 4096
	DefaultReadChunk     = 4096
)

// Event is one item of the sample sequence. Err is nil for a calibrated
// sample, ErrOverflow for a drop marker, or a *ppk2.CalibrationError for a
// sample whose range has no calibration entry. Sample.Sequence is always set.
type Event struct {
	Sample ppk2.CalibratedSample
	Err    error
}

// Sequence returns the event's sequence number
func (e Event) Sequence() uint64 {
	return e.Sample.Sequence
}

// Options configures a Pipeline
type Options struct {
	// QueueCapacity bounds the number of undelivered events.
	QueueCapacity int

	// ReadChunk is the read buffer size passed to the transport.
	ReadChunk int

	// Logger receives desync and fatal error reports. Defaults to a no-op logger.
	Logger *zap.Logger

	// Statistics is updated by the read loop. A new tracker is created if nil.
	Statistics *ppk2.Statistics

	// SpikeFilter smooths the samples that follow a measurement range
	// switch. Off by default, leaving calibrated values unaltered.
	SpikeFilter bool

	// OnFatal maps a transport read error to the error delivered to the
	// consumer. It runs on the read loop goroutine.
	OnFatal func(error) error
}

// DefaultOptions returns the default pipeline options
func DefaultOptions() Options {
	return Options{
		QueueCapacity: DefaultQueueCapacity,
		ReadChunk:     DefaultReadChunk,
	}
}

// Pipeline decodes and calibrates a sample stream into a bounded queue
type Pipeline struct {
	src     io.Reader
	table   *ppk2.CalibrationTable
	decoder *ppk2.Decoder
	queue   *queue
	stats   *ppk2.Statistics
	spike   *spikeFilter
	log     *zap.Logger
	onFatal func(error) error
	chunk   int

	startOnce sync.Once
	haltOnce  sync.Once
	halt      chan struct{}
	done      chan struct{}

	errMu sync.Mutex
	err   error
}

// New creates a pipeline reading from src. Call Start to launch the read loop.
func New(src io.Reader, table *ppk2.CalibrationTable, opts Options) *Pipeline {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.ReadChunk <= 0 {
		opts.ReadChunk = DefaultReadChunk
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Statistics == nil {
		opts.Statistics = ppk2.NewStatistics()
	}

	var spike *spikeFilter
	if opts.SpikeFilter {
		spike = &spikeFilter{}
	}

	return &Pipeline{
		src:     src,
		table:   table,
		decoder: ppk2.NewDecoder(),
		queue:   newQueue(opts.QueueCapacity),
		stats:   opts.Statistics,
		spike:   spike,
		log:     opts.Logger,
		onFatal: opts.OnFatal,
		chunk:   opts.ReadChunk,
		halt:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start launches the read loop. Subsequent calls do nothing.
func (p *Pipeline) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

// Next returns the next event in sequence order. It blocks until an event is
// available or ctx is done. After a clean stop and once every queued event
// has been delivered, Next returns io.EOF; after a fatal transport error it
// returns that error instead.
func (p *Pipeline) Next(ctx context.Context) (Event, error) {
	return p.queue.next(ctx)
}

// Halt stops admitting samples and waits for the read loop to exit. The wait
// is bounded by the transport read timeout. Queued events stay readable.
func (p *Pipeline) Halt() {
	p.haltOnce.Do(func() {
		close(p.halt)
	})
	p.Start()
	<-p.done
}

// Close ends the sequence. Remaining events drain first, then Next returns
// err, or io.EOF when err is nil. Close does not halt the read loop.
func (p *Pipeline) Close(err error) {
	p.queue.close(err)
}

// Stop halts the read loop and closes the sequence cleanly
func (p *Pipeline) Stop() {
	p.Halt()
	p.Close(nil)
}

// Done is closed when the read loop has exited
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Err returns the fatal error that ended the read loop, if any
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	return p.err
}

// Depth returns the number of undelivered events, overflow markers included
func (p *Pipeline) Depth() int {
	return p.queue.depth()
}

// Statistics returns the pipeline's counters
func (p *Pipeline) Statistics() *ppk2.Statistics {
	return p.stats
}

func (p *Pipeline) run() {
	defer close(p.done)

	buf := make([]byte, p.chunk)
	for {
		select {
		case <-p.halt:
			return
		default:
		}

		n, err := p.src.Read(buf)
		if n > 0 {
			p.stats.AddBytes(n)
			p.decoder.Feed(buf[:n])
			p.admit()
		}
		if err != nil {
			p.fail(err)
			return
		}
	}
}

// admit drains every complete word from the decoder into the queue. It stops
// as soon as the pipeline is halted, even mid-chunk.
func (p *Pipeline) admit() {
	for {
		select {
		case <-p.halt:
			return
		default:
		}

		raw, err := p.decoder.Next()
		if errors.Is(err, ppk2.ErrIncomplete) {
			return
		}

		var desync *ppk2.DesyncError
		if errors.As(err, &desync) {
			p.stats.AddDesync(desync.Dropped)
			p.log.Warn("sample stream resynchronized", zap.Int("dropped", desync.Dropped))
			continue
		}

		ev := Event{}
		sample, err := p.table.Calibrate(raw)
		if err != nil {
			p.stats.AddCalibrationError()
			ev.Sample = ppk2.CalibratedSample{Range: raw.Range, Digital: raw.Digital}
			ev.Err = err
		} else {
			if p.spike != nil {
				sample.Value = p.spike.apply(sample.Value, sample.Range)
			}
			ev.Sample = sample
		}

		overflow, accepted := p.queue.push(ev)
		if !accepted {
			return
		}
		p.stats.AddSample()
		if overflow {
			p.stats.AddOverflow()
		}
	}
}

func (p *Pipeline) fail(err error) {
	if p.onFatal != nil {
		err = p.onFatal(err)
	}

	p.errMu.Lock()
	p.err = err
	p.errMu.Unlock()

	p.log.Error("sample stream read failed", zap.Error(err))
	p.queue.close(err)
}
