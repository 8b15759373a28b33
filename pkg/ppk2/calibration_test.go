// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"errors"
	"math"
	"testing"
)

func TestCalibrationTable_Calibrate(t *testing.T) {
	table, err := NewCalibrationTable(map[Range]CalibrationEntry{
		0: {Gain: 1e-9, Offset: 0},
		2: {Gain: 2e-6, Offset: -1e-5},
	})
	if err != nil {
		t.Fatalf("NewCalibrationTable() error = %v", err)
	}

	s, err := table.Calibrate(RawSample{Code: 1000, Range: 2, Digital: 0x05})
	if err != nil {
		t.Fatalf("Calibrate() error = %v", err)
	}
	want := 1000*2e-6 - 1e-5
	if !approxEqual(s.Value, want) {
		t.Errorf("Value = %v, want %v", s.Value, want)
	}
	if s.Range != 2 || s.Digital != 0x05 {
		t.Errorf("sample = %+v", s)
	}
	if !s.Pin(0) || s.Pin(1) || !s.Pin(2) {
		t.Errorf("Pin() mismatch for digital 0x05")
	}
	if !approxEqual(s.MicroAmps(), want*1e6) {
		t.Errorf("MicroAmps() = %v", s.MicroAmps())
	}
}

func TestCalibrationTable_MissingRange(t *testing.T) {
	table, err := NewCalibrationTable(map[Range]CalibrationEntry{0: {Gain: 1}})
	if err != nil {
		t.Fatalf("NewCalibrationTable() error = %v", err)
	}

	_, err = table.Calibrate(RawSample{Code: 1, Range: 3})
	if !errors.Is(err, ErrMissingRange) {
		t.Fatalf("err = %v, want ErrMissingRange", err)
	}
	var ce *CalibrationError
	if !errors.As(err, &ce) || ce.Range != 3 {
		t.Errorf("CalibrationError = %+v, want range 3", ce)
	}

	if _, err := table.Scale(1, 7); !errors.Is(err, ErrMissingRange) {
		t.Errorf("out of bounds range: err = %v", err)
	}
}

func TestNewCalibrationTable_Invalid(t *testing.T) {
	if _, err := NewCalibrationTable(map[Range]CalibrationEntry{5: {Gain: 1}}); err == nil {
		t.Error("range 5: expected error")
	}
	if _, err := NewCalibrationTable(map[Range]CalibrationEntry{0: {Gain: math.NaN()}}); err == nil {
		t.Error("NaN gain: expected error")
	}
	if _, err := NewCalibrationTable(map[Range]CalibrationEntry{0: {Offset: math.Inf(1)}}); err == nil {
		t.Error("Inf offset: expected error")
	}
}

func TestCalibrationTable_With(t *testing.T) {
	base, _ := NewCalibrationTable(map[Range]CalibrationEntry{0: {Gain: 1}, 1: {Gain: 2}})
	next, err := base.With(map[Range]CalibrationEntry{1: {Gain: 3}, 4: {Gain: 5}})
	if err != nil {
		t.Fatalf("With() error = %v", err)
	}

	if e, _ := base.Lookup(1); e.Gain != 2 {
		t.Errorf("base mutated: gain = %v", e.Gain)
	}
	if e, _ := next.Lookup(1); e.Gain != 3 {
		t.Errorf("override gain = %v, want 3", e.Gain)
	}
	if got := len(next.Ranges()); got != 3 {
		t.Errorf("Ranges() = %d, want 3", got)
	}
}
