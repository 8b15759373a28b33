// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package device implements the PPK2 control state machine.
//
// A Device owns the session state (mode, range, source voltage, streaming)
// and sequences every command as a synchronous request/acknowledgement
// exchange bounded by a read timeout. Only one command may be in flight; a
// second call made meanwhile fails with ErrBusy instead of queuing.
package device

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

// Transport is the byte stream to the device. A Read that returns zero bytes
// and a nil error means the read timeout elapsed. go.bug.st/serial ports
// satisfy it directly.
type Transport interface {
	io.Reader
	io.Writer
	SetReadTimeout(t time.Duration) error
}

// Device errors
var (
	// ErrInvalidTransition is returned for a command the current phase does
	// not accept, such as reconfiguring while streaming.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrBusy is returned when another command is already in flight.
	ErrBusy = errors.New("device busy")

	// ErrDeviceUnresponsive is returned when a command stays unacknowledged
	// after its retry.
	ErrDeviceUnresponsive = errors.New("device unresponsive")

	// ErrInvalidParameter is returned for a mode or range the device does
	// not support.
	ErrInvalidParameter = errors.New("invalid parameter")
)

// TransitionError reports a command rejected in the current phase
type TransitionError struct {
	Op    ppk2.Opcode
	Phase Phase
}

// Error implements the error interface
func (e *TransitionError) Error() string {
	return fmt.Sprintf("%v: %s while %s", ErrInvalidTransition, e.Op, e.Phase)
}

// Unwrap returns ErrInvalidTransition
func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// TransportError is a transport failure. It is fatal for the session: once
// latched, every later call returns it.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying I/O error
func (e *TransportError) Unwrap() error {
	return e.Err
}

// Phase is the state machine phase
type Phase int

// Phase values
const (
	PhaseIdle Phase = iota
	PhaseConfiguring
	PhaseStreaming
	PhaseStopping
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConfiguring:
		return "configuring"
	case PhaseStreaming:
		return "streaming"
	case PhaseStopping:
		return "stopping"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is the acknowledged device configuration
type State struct {
	Mode          ppk2.Mode
	Range         ppk2.Range
	Streaming     bool
	VddMillivolts uint16
	Powered       bool
	SpikeFilter   bool
}

// Default exchange parameters
const (
	DefaultAckTimeout     = 500 * time.Millisecond
	DefaultReadTimeout    = 100 * time.Millisecond
	DefaultRetries        = 1
	DefaultStopDrainLimit = 1 << 20
	DefaultMetadataLimit  = 4096
)

// CommandObserver is notified after every command exchange
type CommandObserver func(op ppk2.Opcode, attempts int, err error, elapsed time.Duration)

// Options configures a Device
type Options struct {
	// AckTimeout bounds each wait for an acknowledgement.
	AckTimeout time.Duration

	// ReadTimeout bounds each transport read while streaming.
	ReadTimeout time.Duration

	// Retries is the number of times a command is resent after a timeout.
	Retries int

	// StopDrainLimit caps the bytes discarded while waiting for the stop
	// acknowledgement.
	StopDrainLimit int

	// MetadataLimit caps the size of the metadata response.
	MetadataLimit int

	// Calibration is used for streaming until SetCalibration replaces it.
	// Defaults to the uncalibrated device table.
	Calibration *ppk2.CalibrationTable

	// Sampler configures the pipeline returned by StartStreaming.
	Sampler sampler.Options

	// Logger defaults to a no-op logger.
	Logger *zap.Logger

	// Observer, if set, receives the outcome of every command.
	Observer CommandObserver
}

// DefaultOptions returns the default device options
func DefaultOptions() Options {
	return Options{
		AckTimeout:     DefaultAckTimeout,
		ReadTimeout:    DefaultReadTimeout,
		Retries:        DefaultRetries,
		StopDrainLimit: DefaultStopDrainLimit,
		MetadataLimit:  DefaultMetadataLimit,
		Sampler:        sampler.DefaultOptions(),
	}
}

// Device drives one PPK2 over a Transport
type Device struct {
	transport Transport
	opts      Options
	log       *zap.Logger

	mu       sync.Mutex
	phase    Phase
	state    State
	fatal    error
	table    *ppk2.CalibrationTable
	pipeline *sampler.Pipeline
}

// New creates a Device. No bytes are exchanged until a command is issued.
func New(t Transport, opts Options) *Device {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.StopDrainLimit <= 0 {
		opts.StopDrainLimit = DefaultStopDrainLimit
	}
	if opts.MetadataLimit <= 0 {
		opts.MetadataLimit = DefaultMetadataLimit
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	table := opts.Calibration
	if table == nil {
		table = ppk2.DefaultCalibrationTable()
	}

	return &Device{
		transport: t,
		opts:      opts,
		log:       opts.Logger,
		table:     table,
	}
}

// State returns a copy of the acknowledged device state
func (d *Device) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Phase returns the current phase
func (d *Device) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// Err returns the latched transport error, if any
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fatal
}

// Calibration returns the table used for the next stream
func (d *Device) Calibration() *ppk2.CalibrationTable {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table
}

// SetCalibration replaces the calibration table. Only allowed while idle; a
// running stream keeps the table it started with.
func (d *Device) SetCalibration(t *ppk2.CalibrationTable) error {
	if t == nil {
		return fmt.Errorf("%w: nil calibration table", ErrInvalidParameter)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fatal != nil {
		return d.fatal
	}
	switch d.phase {
	case PhaseIdle:
		d.table = t
		return nil
	case PhaseConfiguring:
		return ErrBusy
	default:
		return &TransitionError{Op: ppk2.OpNoOp, Phase: d.phase}
	}
}

// begin claims the device for a configuration command
func (d *Device) begin(op ppk2.Opcode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.fatal != nil {
		return d.fatal
	}
	switch d.phase {
	case PhaseIdle:
		d.phase = PhaseConfiguring
		return nil
	case PhaseConfiguring:
		return ErrBusy
	default:
		return &TransitionError{Op: op, Phase: d.phase}
	}
}

// end releases a claim taken by begin
func (d *Device) end() {
	d.mu.Lock()
	if d.phase == PhaseConfiguring {
		d.phase = PhaseIdle
	}
	d.mu.Unlock()
}

// update mutates the state under the lock
func (d *Device) update(fn func(s *State)) {
	d.mu.Lock()
	fn(&d.state)
	d.mu.Unlock()
}

// latch records a fatal transport error and returns it
func (d *Device) latch(op string, err error) error {
	var te *TransportError
	if !errors.As(err, &te) {
		te = &TransportError{Op: op, Err: err}
	}

	d.mu.Lock()
	if d.fatal == nil {
		d.fatal = te
		d.log.Error("transport failed, session closed", zap.String("op", op), zap.Error(err))
	}
	fatal := d.fatal
	d.mu.Unlock()
	return fatal
}
