// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"errors"
	"fmt"
)

// Protocol and calibration errors
var (
	// ErrUnexpectedAck is returned when an acknowledgement does not match the
	// command that was sent, or is truncated.
	ErrUnexpectedAck = errors.New("unexpected acknowledgement")

	// ErrDesync marks a resynchronization of the sample stream.
	ErrDesync = errors.New("sample stream desynchronized")

	// ErrIncomplete is returned by the decoder when less than one sample word
	// is buffered.
	ErrIncomplete = errors.New("incomplete sample word")

	// ErrMissingRange is returned when no calibration entry exists for a range.
	ErrMissingRange = errors.New("no calibration entry for range")

	// ErrPayloadWidth is returned when a command parameter does not fit the
	// opcode's payload.
	ErrPayloadWidth = errors.New("parameter does not fit payload")
)

// AckError describes an acknowledgement mismatch
type AckError struct {
	Sent     Opcode
	Response []byte
}

// Error implements the error interface
func (e *AckError) Error() string {
	if len(e.Response) == 0 {
		return fmt.Sprintf("%v: %s sent, no response", ErrUnexpectedAck, e.Sent)
	}
	return fmt.Sprintf("%v: %s sent, got % X", ErrUnexpectedAck, e.Sent, e.Response)
}

// Unwrap returns ErrUnexpectedAck
func (e *AckError) Unwrap() error {
	return ErrUnexpectedAck
}

// DesyncError reports one resynchronization episode
type DesyncError struct {
	// Dropped is the number of bytes skipped before the stream realigned.
	Dropped int
}

// Error implements the error interface
func (e *DesyncError) Error() string {
	return fmt.Sprintf("%v: dropped %d bytes", ErrDesync, e.Dropped)
}

// Unwrap returns ErrDesync
func (e *DesyncError) Unwrap() error {
	return ErrDesync
}

// CalibrationError reports a sample whose range has no calibration entry
type CalibrationError struct {
	Range Range
}

// Error implements the error interface
func (e *CalibrationError) Error() string {
	return fmt.Sprintf("%v %d", ErrMissingRange, e.Range)
}

// Unwrap returns ErrMissingRange
func (e *CalibrationError) Unwrap() error {
	return ErrMissingRange
}
