// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Statistics tracks sample stream counters. Counters are updated by the
// stream reader and may be read concurrently.
type Statistics struct {
	startTime time.Time

	bytesRead         atomic.Uint64
	samples           atomic.Uint64
	desyncs           atomic.Uint64
	desyncBytes       atomic.Uint64
	calibrationErrors atomic.Uint64
	overflows         atomic.Uint64
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Elapsed           time.Duration
	BytesRead         uint64
	Samples           uint64
	Desyncs           uint64
	DesyncBytes       uint64
	CalibrationErrors uint64
	Overflows         uint64

	// Rates (calculated)
	SampleRate float64 // samples/sec
	ErrorRate  float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	return &Statistics{startTime: time.Now()}
}

// AddBytes records bytes read from the transport
func (s *Statistics) AddBytes(n int) {
	s.bytesRead.Add(uint64(n))
}

// AddSample records a decoded sample
func (s *Statistics) AddSample() {
	s.samples.Add(1)
}

// AddDesync records a resynchronization episode
func (s *Statistics) AddDesync(dropped int) {
	s.desyncs.Add(1)
	s.desyncBytes.Add(uint64(dropped))
}

// AddCalibrationError records a sample that could not be calibrated
func (s *Statistics) AddCalibrationError() {
	s.calibrationErrors.Add(1)
}

// AddOverflow records a sample dropped by the queue
func (s *Statistics) AddOverflow() {
	s.overflows.Add(1)
}

// Snapshot returns the current counters and rates
func (s *Statistics) Snapshot() Snapshot {
	snap := Snapshot{
		Elapsed:           time.Since(s.startTime),
		BytesRead:         s.bytesRead.Load(),
		Samples:           s.samples.Load(),
		Desyncs:           s.desyncs.Load(),
		DesyncBytes:       s.desyncBytes.Load(),
		CalibrationErrors: s.calibrationErrors.Load(),
		Overflows:         s.overflows.Load(),
	}

	if secs := snap.Elapsed.Seconds(); secs > 0 {
		snap.SampleRate = float64(snap.Samples) / secs
		snap.ErrorRate = float64(snap.Desyncs+snap.CalibrationErrors+snap.Overflows) / secs
	}
	return snap
}

// String returns a formatted statistics summary
func (s Snapshot) String() string {
	var lossPercent float64
	if total := s.Samples + s.Overflows; total > 0 {
		lossPercent = float64(s.Overflows) * 100.0 / float64(total)
	}

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", s.Elapsed.Seconds())
	result += fmt.Sprintf("Bytes Read:      %10d\n", s.BytesRead)
	result += fmt.Sprintf("Samples:         %10d\n", s.Samples)

	if s.Overflows > 0 {
		result += fmt.Sprintf("Overflows:       %10d (%.2f%%)\n", s.Overflows, lossPercent)
	}
	if s.Desyncs > 0 {
		result += fmt.Sprintf("Desyncs:         %10d (%d bytes dropped)\n", s.Desyncs, s.DesyncBytes)
	}
	if s.CalibrationErrors > 0 {
		result += fmt.Sprintf("Calib. Errors:   %10d\n", s.CalibrationErrors)
	}

	result += fmt.Sprintf("Sample Rate:     %10.1f samples/sec\n", s.SampleRate)
	result += fmt.Sprintf("Error Rate:      %10.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all counters
func (s *Statistics) Reset() {
	s.startTime = time.Now()
	s.bytesRead.Store(0)
	s.samples.Store(0)
	s.desyncs.Store(0)
	s.desyncBytes.Store(0)
	s.calibrationErrors.Store(0)
	s.overflows.Store(0)
}
