// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package ppk2 implements the serial protocol of the Power Profiler Kit II
// source meter.
//
// The device is controlled with short opcode frames and, while measuring,
// emits a continuous stream of 4-byte little-endian sample words. This package
// provides command encoding, acknowledgement decoding, the sample word
// decoder, and per-range calibration.
package ppk2

// USB identifiers of the PPK2 CDC serial interface
const (
	VendorID  = 0x1915
	ProductID = 0xC00A
)

// Opcode identifies a serial command
type Opcode uint8

// Command opcodes (Host → Device)
const (
	OpNoOp           Opcode = 0x00
	OpStartStream    Opcode = 0x06
	OpStopStream     Opcode = 0x07
	OpSetRange       Opcode = 0x08
	OpSetDevicePower Opcode = 0x0C
	OpSetVdd         Opcode = 0x0D
	OpSetMode        Opcode = 0x11
	OpSpikeFilterOn  Opcode = 0x15
	OpSpikeFilterOff Opcode = 0x16
	OpGetMetadata    Opcode = 0x19
	OpReset          Opcode = 0x20
	OpSetUserGain    Opcode = 0x25
)

// Sample word layout
const (
	WordSize = 4

	codeBits     = 14
	codeMask     = 1<<codeBits - 1
	rangeShift   = 14
	rangeMask    = 0x7
	digitalShift = 24
	digitalMask  = 0xFF
)

// Range limits
const (
	NumRanges = 5
	MaxRange  = Range(NumRanges - 1)
	MaxCode   = codeMask
)

// Source voltage limits in millivolts
const (
	VddMinMillivolts = 800
	VddMaxMillivolts = 5000
)

// adcMultiplier converts a (4x scaled) ADC code to volts across the shunt
const adcMultiplier = 1.8 / 163840.0

// Mode is the measurement mode of the device
type Mode uint8

// Mode values. The wire values of SourceMeter and AmpereMeter match the
// SET_POWER_MODE payload.
const (
	ModeIdle        Mode = 0x00
	ModeAmpereMeter Mode = 0x01
	ModeSourceMeter Mode = 0x02
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case ModeIdle:
		return "idle"
	case ModeAmpereMeter:
		return "ampere"
	case ModeSourceMeter:
		return "source"
	default:
		return "unknown"
	}
}

// Valid reports whether m is a mode the device can be switched into
func (m Mode) Valid() bool {
	switch m {
	case ModeAmpereMeter, ModeSourceMeter:
		return true
	default:
		return false
	}
}

// Range is a current measurement range index
type Range uint8

// Valid reports whether r is a range the device can report
func (r Range) Valid() bool {
	return r <= MaxRange
}
