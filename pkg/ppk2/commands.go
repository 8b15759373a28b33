// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"fmt"
)

// opcodeInfo describes the fixed wire shape of one opcode
type opcodeInfo struct {
	name    string
	payload int  // little-endian payload width in bytes (0-2)
	ack     bool // device echoes the opcode once the command is applied
}

var opcodeTable = map[Opcode]opcodeInfo{
	OpNoOp:           {name: "NO_OP", payload: 0, ack: false},
	OpStartStream:    {name: "AVERAGE_START", payload: 0, ack: true},
	OpStopStream:     {name: "AVERAGE_STOP", payload: 0, ack: true},
	OpSetRange:       {name: "RANGE_SET", payload: 1, ack: true},
	OpSetDevicePower: {name: "DEVICE_RUNNING_SET", payload: 1, ack: true},
	OpSetVdd:         {name: "REGULATOR_SET", payload: 2, ack: true},
	OpSetMode:        {name: "SET_POWER_MODE", payload: 1, ack: true},
	OpSpikeFilterOn:  {name: "SPIKE_FILTERING_ON", payload: 0, ack: true},
	OpSpikeFilterOff: {name: "SPIKE_FILTERING_OFF", payload: 0, ack: true},
	OpGetMetadata:    {name: "GET_META_DATA", payload: 0, ack: false},
	OpReset:          {name: "RESET", payload: 0, ack: false},
	OpSetUserGain:    {name: "SET_USER_GAINS", payload: 2, ack: true},
}

// String returns the protocol name of the opcode
func (o Opcode) String() string {
	if info, ok := opcodeTable[o]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(o))
}

// Known reports whether the opcode is part of the command table
func (o Opcode) Known() bool {
	_, ok := opcodeTable[o]
	return ok
}

// PayloadSize returns the payload width of the opcode in bytes
func (o Opcode) PayloadSize() int {
	return opcodeTable[o].payload
}

// ExpectsAck reports whether the device acknowledges the opcode
func ExpectsAck(o Opcode) bool {
	return opcodeTable[o].ack
}

// CommandFrame is one outbound command. Frames are immutable; use the
// constructors below to build them.
type CommandFrame struct {
	op      Opcode
	payload [2]byte
}

// NewCommand builds a frame for op carrying param little-endian encoded in
// the opcode's payload width.
func NewCommand(op Opcode, param uint16) (CommandFrame, error) {
	info, ok := opcodeTable[op]
	if !ok {
		return CommandFrame{}, fmt.Errorf("unknown opcode 0x%02X", uint8(op))
	}

	switch info.payload {
	case 0:
		if param != 0 {
			return CommandFrame{}, fmt.Errorf("%w: %s takes no parameter, got %d", ErrPayloadWidth, op, param)
		}
	case 1:
		if param > 0xFF {
			return CommandFrame{}, fmt.Errorf("%w: %s parameter %d exceeds one byte", ErrPayloadWidth, op, param)
		}
	}

	return CommandFrame{
		op:      op,
		payload: [2]byte{byte(param), byte(param >> 8)},
	}, nil
}

// mustCommand is used by the typed builders whose parameters always fit
func mustCommand(op Opcode, param uint16) CommandFrame {
	f, err := NewCommand(op, param)
	if err != nil {
		panic(fmt.Sprintf("ppk2: %v", err))
	}
	return f
}

// Opcode returns the frame's opcode
func (f CommandFrame) Opcode() Opcode {
	return f.op
}

// Payload returns a copy of the frame's payload bytes
func (f CommandFrame) Payload() []byte {
	n := f.op.PayloadSize()
	out := make([]byte, n)
	copy(out, f.payload[:n])
	return out
}

// Encode returns the wire bytes: opcode followed by the payload
func (f CommandFrame) Encode() []byte {
	n := f.op.PayloadSize()
	out := make([]byte, 0, 1+n)
	out = append(out, byte(f.op))
	return append(out, f.payload[:n]...)
}

// NewSetMode creates a SET_POWER_MODE frame.
// Only ModeAmpereMeter and ModeSourceMeter are meaningful to the device.
func NewSetMode(m Mode) CommandFrame {
	return mustCommand(OpSetMode, uint16(m))
}

// NewSetRange creates a RANGE_SET frame
func NewSetRange(r Range) CommandFrame {
	return mustCommand(OpSetRange, uint16(r))
}

// NewSetVdd creates a REGULATOR_SET frame. The setpoint is clamped to the
// regulator limits.
func NewSetVdd(millivolts uint16) CommandFrame {
	return mustCommand(OpSetVdd, ClampVdd(millivolts))
}

// ClampVdd limits a source voltage setpoint to what the regulator supports
func ClampVdd(millivolts uint16) uint16 {
	switch {
	case millivolts < VddMinMillivolts:
		return VddMinMillivolts
	case millivolts > VddMaxMillivolts:
		return VddMaxMillivolts
	default:
		return millivolts
	}
}

// NewStartStream creates an AVERAGE_START frame
func NewStartStream() CommandFrame {
	return mustCommand(OpStartStream, 0)
}

// NewStopStream creates an AVERAGE_STOP frame
func NewStopStream() CommandFrame {
	return mustCommand(OpStopStream, 0)
}

// NewSetUserGain creates a SET_USER_GAINS frame for one range.
// The payload is the range index followed by the gain byte.
func NewSetUserGain(r Range, gain uint8) CommandFrame {
	return mustCommand(OpSetUserGain, uint16(r)|uint16(gain)<<8)
}

// NewSetDevicePower creates a DEVICE_RUNNING_SET frame
func NewSetDevicePower(on bool) CommandFrame {
	var v uint16
	if on {
		v = 1
	}
	return mustCommand(OpSetDevicePower, v)
}

// NewSpikeFilter creates a SPIKE_FILTERING_ON or SPIKE_FILTERING_OFF frame
func NewSpikeFilter(on bool) CommandFrame {
	if on {
		return mustCommand(OpSpikeFilterOn, 0)
	}
	return mustCommand(OpSpikeFilterOff, 0)
}

// NewGetMetadata creates a GET_META_DATA frame
func NewGetMetadata() CommandFrame {
	return mustCommand(OpGetMetadata, 0)
}

// NewReset creates a RESET frame
func NewReset() CommandFrame {
	return mustCommand(OpReset, 0)
}
