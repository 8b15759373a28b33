// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

// RecordFormat identifies the recording layout
const RecordFormat = "ppkstat/1"

// Sample record flags
const (
	FlagOverflow    uint8 = 1 << 0
	FlagCalibration uint8 = 1 << 1
)

// RecordHeader is the first item of a recording
type RecordHeader struct {
	Format      string              `cbor:"format"`
	Session     string              `cbor:"session"`
	Started     int64               `cbor:"started"` // unix nanoseconds
	Calibration []RecordCalibration `cbor:"calibration"`
}

// RecordCalibration is one calibration table entry
type RecordCalibration struct {
	_      struct{} `cbor:",toarray"`
	Range  uint8
	Gain   float64
	Offset float64
}

// SampleRecord is one event of the sample sequence
type SampleRecord struct {
	_        struct{} `cbor:",toarray"`
	Sequence uint64
	Value    float64
	Digital  uint8
	Range    uint8
	Flags    uint8
}

// NewRecordHeader describes a session calibrated with table
func NewRecordHeader(session string, started time.Time, table *ppk2.CalibrationTable) RecordHeader {
	h := RecordHeader{Format: RecordFormat, Session: session, Started: started.UnixNano()}
	if table != nil {
		for _, r := range table.Ranges() {
			e, _ := table.Lookup(r)
			h.Calibration = append(h.Calibration, RecordCalibration{Range: uint8(r), Gain: e.Gain, Offset: e.Offset})
		}
	}
	return h
}

// Table rebuilds the calibration table stored in the header
func (h RecordHeader) Table() (*ppk2.CalibrationTable, error) {
	entries := make(map[ppk2.Range]ppk2.CalibrationEntry, len(h.Calibration))
	for _, c := range h.Calibration {
		entries[ppk2.Range(c.Range)] = ppk2.CalibrationEntry{Gain: c.Gain, Offset: c.Offset}
	}
	return ppk2.NewCalibrationTable(entries)
}

// Recorder writes a CBOR sequence: one header followed by one record per event
type Recorder struct {
	w     *bufio.Writer
	enc   *cbor.Encoder
	close func() error
	count uint64
}

// CreateRecorder creates path and writes the header
func CreateRecorder(path string, header RecordHeader) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	rec, err := newRecorder(f, header, f.Close)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return rec, nil
}

// NewRecorder writes the header to w. Close flushes but does not close w.
func NewRecorder(w io.Writer, header RecordHeader) (*Recorder, error) {
	return newRecorder(w, header, nil)
}

func newRecorder(w io.Writer, header RecordHeader, closer func() error) (*Recorder, error) {
	bw := bufio.NewWriter(w)
	rec := &Recorder{w: bw, enc: cbor.NewEncoder(bw), close: closer}
	if err := rec.enc.Encode(header); err != nil {
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return rec, nil
}

// Record appends one event
func (r *Recorder) Record(ev sampler.Event) error {
	s := ev.Sample
	rec := SampleRecord{
		Sequence: s.Sequence,
		Value:    s.Value,
		Digital:  s.Digital,
		Range:    uint8(s.Range),
	}

	var calErr *ppk2.CalibrationError
	switch {
	case ev.Err == nil:
	case errors.Is(ev.Err, sampler.ErrOverflow):
		rec.Flags |= FlagOverflow
	case errors.As(ev.Err, &calErr):
		rec.Flags |= FlagCalibration
		rec.Range = uint8(calErr.Range)
	default:
		return fmt.Errorf("record event %d: %w", s.Sequence, ev.Err)
	}

	if err := r.enc.Encode(rec); err != nil {
		return err
	}
	r.count++
	return nil
}

// Count returns the number of records written
func (r *Recorder) Count() uint64 {
	return r.count
}

// Close flushes the recording
func (r *Recorder) Close() error {
	err := r.w.Flush()
	if r.close != nil {
		err = errors.Join(err, r.close())
	}
	return err
}

// RecordReader reads a recording back
type RecordReader struct {
	dec    *cbor.Decoder
	Header RecordHeader
}

// NewRecordReader reads and checks the header
func NewRecordReader(r io.Reader) (*RecordReader, error) {
	dec := cbor.NewDecoder(bufio.NewReader(r))
	rr := &RecordReader{dec: dec}
	if err := dec.Decode(&rr.Header); err != nil {
		return nil, fmt.Errorf("read recording header: %w", err)
	}
	if rr.Header.Format != RecordFormat {
		return nil, fmt.Errorf("unsupported recording format %q", rr.Header.Format)
	}
	return rr, nil
}

// Next returns the next record, or io.EOF at the end of the recording
func (rr *RecordReader) Next() (SampleRecord, error) {
	var rec SampleRecord
	if err := rr.dec.Decode(&rec); err != nil {
		return SampleRecord{}, err
	}
	return rec, nil
}

// Event converts a record back into a sample event
func (rec SampleRecord) Event() sampler.Event {
	ev := sampler.Event{Sample: ppk2.CalibratedSample{
		Value:    rec.Value,
		Digital:  rec.Digital,
		Range:    ppk2.Range(rec.Range),
		Sequence: rec.Sequence,
	}}
	switch {
	case rec.Flags&FlagOverflow != 0:
		ev.Err = sampler.ErrOverflow
	case rec.Flags&FlagCalibration != 0:
		ev.Err = &ppk2.CalibrationError{Range: ppk2.Range(rec.Range)}
	}
	return ev
}
