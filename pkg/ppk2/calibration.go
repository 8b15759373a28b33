// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"fmt"
	"math"
)

// CalibrationEntry holds the linear coefficients of one range
type CalibrationEntry struct {
	Gain   float64 // amperes per ADC code
	Offset float64 // amperes
}

// CalibrationTable maps ranges to calibration coefficients.
// A table is immutable once built and safe for concurrent use.
type CalibrationTable struct {
	entries [NumRanges]CalibrationEntry
	present [NumRanges]bool
}

// NewCalibrationTable builds a table from per-range entries. Ranges may be
// omitted; looking them up later fails with ErrMissingRange.
func NewCalibrationTable(entries map[Range]CalibrationEntry) (*CalibrationTable, error) {
	t := &CalibrationTable{}
	for r, e := range entries {
		if !r.Valid() {
			return nil, fmt.Errorf("calibration range %d out of bounds (max %d)", r, MaxRange)
		}
		if !finite(e.Gain) || !finite(e.Offset) {
			return nil, fmt.Errorf("calibration range %d: non-finite coefficient (gain=%v, offset=%v)", r, e.Gain, e.Offset)
		}
		t.entries[r] = e
		t.present[r] = true
	}
	return t, nil
}

// Lookup returns the entry for r
func (t *CalibrationTable) Lookup(r Range) (CalibrationEntry, error) {
	if !r.Valid() || !t.present[r] {
		return CalibrationEntry{}, &CalibrationError{Range: r}
	}
	return t.entries[r], nil
}

// Scale converts a raw code measured in range r: code*gain + offset
func (t *CalibrationTable) Scale(code uint16, r Range) (float64, error) {
	e, err := t.Lookup(r)
	if err != nil {
		return 0, err
	}
	return float64(code)*e.Gain + e.Offset, nil
}

// Calibrate converts a raw sample. The sequence number is left zero.
func (t *CalibrationTable) Calibrate(s RawSample) (CalibratedSample, error) {
	v, err := t.Scale(s.Code, s.Range)
	if err != nil {
		return CalibratedSample{}, err
	}
	return CalibratedSample{Value: v, Digital: s.Digital, Range: s.Range}, nil
}

// Ranges returns the ranges that have an entry, in ascending order
func (t *CalibrationTable) Ranges() []Range {
	out := make([]Range, 0, NumRanges)
	for r := Range(0); r <= MaxRange; r++ {
		if t.present[r] {
			out = append(out, r)
		}
	}
	return out
}

// With returns a copy of the table with the given entries replaced
func (t *CalibrationTable) With(overrides map[Range]CalibrationEntry) (*CalibrationTable, error) {
	merged := make(map[Range]CalibrationEntry, NumRanges)
	for _, r := range t.Ranges() {
		merged[r] = t.entries[r]
	}
	for r, e := range overrides {
		merged[r] = e
	}
	return NewCalibrationTable(merged)
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
