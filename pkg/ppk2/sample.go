// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import "encoding/binary"

// RawSample is one decoded, uncalibrated sample word
type RawSample struct {
	Code    uint16 // 14-bit ADC code
	Range   Range
	Digital uint8 // logic port bitmap, bit n = pin n
}

// CalibratedSample is a sample converted to physical units
type CalibratedSample struct {
	Value    float64 // amperes
	Digital  uint8
	Range    Range
	Sequence uint64
}

// MicroAmps returns the sample value in microamperes
func (s CalibratedSample) MicroAmps() float64 {
	return s.Value * 1e6
}

// Pin reports the level of one logic port pin
func (s CalibratedSample) Pin(n int) bool {
	return s.Digital&(1<<uint(n)) != 0
}

// DecodeWord splits a sample word into its fields. Bits 17-23 are ignored.
// The range is returned unvalidated.
func DecodeWord(w uint32) RawSample {
	return RawSample{
		Code:    uint16(w & codeMask),
		Range:   Range((w >> rangeShift) & rangeMask),
		Digital: uint8((w >> digitalShift) & digitalMask),
	}
}

// EncodeWord packs a sample into its wire representation
func EncodeWord(s RawSample) [WordSize]byte {
	w := uint32(s.Code)&codeMask |
		(uint32(s.Range)&rangeMask)<<rangeShift |
		uint32(s.Digital)<<digitalShift

	var b [WordSize]byte
	binary.LittleEndian.PutUint32(b[:], w)
	return b
}
