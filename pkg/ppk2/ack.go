// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

// AckSize is the length of an acknowledgement frame
const AckSize = 1

// Ack is a decoded acknowledgement
type Ack struct {
	Opcode Opcode
}

// DecodeAck validates resp against the acknowledgement expected for the
// opcode that was sent. The device echoes the opcode byte; opcodes without an
// acknowledgement accept an empty response.
func DecodeAck(sent Opcode, resp []byte) (Ack, error) {
	if !ExpectsAck(sent) {
		if len(resp) != 0 {
			return Ack{}, &AckError{Sent: sent, Response: clone(resp)}
		}
		return Ack{Opcode: sent}, nil
	}

	if len(resp) != AckSize || Opcode(resp[0]) != sent {
		return Ack{}, &AckError{Sent: sent, Response: clone(resp)}
	}
	return Ack{Opcode: sent}, nil
}

// DecodeTrailingAck validates the acknowledgement at the end of resp. It is
// used after AVERAGE_STOP, where sample bytes still in flight precede the
// acknowledgement.
func DecodeTrailingAck(sent Opcode, resp []byte) (Ack, error) {
	if len(resp) < AckSize {
		return DecodeAck(sent, resp)
	}
	return DecodeAck(sent, resp[len(resp)-AckSize:])
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
