// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"fmt"
	"math"
	"strings"
)

// FormatCurrent formats a value in amperes with an SI prefix
func FormatCurrent(amps float64) string {
	abs := math.Abs(amps)
	switch {
	case abs == 0:
		return "0.000 A"
	case abs < 1e-6:
		return fmt.Sprintf("%.3f nA", amps*1e9)
	case abs < 1e-3:
		return fmt.Sprintf("%.3f µA", amps*1e6)
	case abs < 1:
		return fmt.Sprintf("%.3f mA", amps*1e3)
	default:
		return fmt.Sprintf("%.3f A", amps)
	}
}

// FormatDigital formats a logic port bitmap, pin 0 first
func FormatDigital(bits uint8) string {
	var b strings.Builder
	for i := 0; i < NumPins; i++ {
		if bits&(1<<uint(i)) != 0 {
			b.WriteByte('1')
		} else {
			b.WriteByte('0')
		}
	}
	return b.String()
}

// FormatRawSample formats an uncalibrated sample word
func FormatRawSample(s RawSample) string {
	return fmt.Sprintf("code=%5d range=%d pins=%s", s.Code, s.Range, FormatDigital(s.Digital))
}

// FormatSample formats a calibrated sample
func FormatSample(s CalibratedSample) string {
	return fmt.Sprintf("#%-10d %14s range=%d pins=%s", s.Sequence, FormatCurrent(s.Value), s.Range, FormatDigital(s.Digital))
}

// FormatCommand formats a command frame for logs
func FormatCommand(f CommandFrame) string {
	payload := f.Payload()
	if len(payload) == 0 {
		return fmt.Sprintf("%s (0x%02X)", f.Opcode(), uint8(f.Opcode()))
	}
	return fmt.Sprintf("%s (0x%02X) payload=% X", f.Opcode(), uint8(f.Opcode()), payload)
}

// FormatCalibrationTable renders the table one range per line
func FormatCalibrationTable(t *CalibrationTable) string {
	var b strings.Builder
	for r := Range(0); r <= MaxRange; r++ {
		e, err := t.Lookup(r)
		if err != nil {
			fmt.Fprintf(&b, "  Range %d: (missing)\n", r)
			continue
		}
		fmt.Fprintf(&b, "  Range %d: gain=%.6e A/code offset=%.6e A\n", r, e.Gain, e.Offset)
	}
	return b.String()
}
