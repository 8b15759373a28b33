// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import "encoding/binary"

// Decoder extracts sample words from an arbitrarily chunked byte stream.
//
// Bytes are supplied with Feed and samples pulled with Next. A word whose
// range field is out of bounds breaks the stream. When it sat on a word
// boundary and the following word is sound, only that word is skipped.
// Otherwise the decoder drops one byte at a time and accepts a shifted word
// only once the word after it is valid too. Each resynchronization is
// reported once, as a *DesyncError returned before the first valid word that
// follows it.
type Decoder struct {
	buffer  []byte
	offset  int // next unread byte in buffer
	dropped int // bytes skipped in the current resync episode
}

// NewDecoder creates a sample decoder
func NewDecoder() *Decoder {
	return &Decoder{
		buffer: make([]byte, 0, 1024),
	}
}

// Reset discards buffered bytes and any resync in progress
func (d *Decoder) Reset() {
	d.buffer = d.buffer[:0]
	d.offset = 0
	d.dropped = 0
}

// Buffered returns the number of bytes not yet consumed
func (d *Decoder) Buffered() int {
	return len(d.buffer) - d.offset
}

// Feed appends a chunk read from the transport. Consumed bytes are compacted
// away first, so the buffer only ever holds the unread remainder plus chunk.
func (d *Decoder) Feed(chunk []byte) {
	if d.offset > 0 {
		n := copy(d.buffer, d.buffer[d.offset:])
		d.buffer = d.buffer[:n]
		d.offset = 0
	}
	d.buffer = append(d.buffer, chunk...)
}

// Next returns the next sample.
// Returns ErrIncomplete when more bytes are needed, or a *DesyncError once a
// resync episode has ended; call Next again after either.
func (d *Decoder) Next() (RawSample, error) {
	for d.Buffered() >= WordSize {
		s := d.peek(0)

		if !s.Range.Valid() {
			if d.dropped == 0 {
				// Corrupt word on a boundary: resume at the next one if it holds
				if d.Buffered() < 2*WordSize {
					return RawSample{}, ErrIncomplete
				}
				if d.peek(WordSize).Range.Valid() {
					d.offset += WordSize
					d.dropped += WordSize
					return RawSample{}, d.desync()
				}
			}
			d.offset++
			d.dropped++
			continue
		}

		if d.dropped > 0 {
			// A shifted candidate needs a valid successor
			if d.Buffered() < 2*WordSize {
				return RawSample{}, ErrIncomplete
			}
			if !d.peek(WordSize).Range.Valid() {
				d.offset++
				d.dropped++
				continue
			}
			// Leave the valid word in place for the following call
			return RawSample{}, d.desync()
		}

		d.offset += WordSize
		return s, nil
	}
	return RawSample{}, ErrIncomplete
}

// peek decodes the word at offset+at without consuming it
func (d *Decoder) peek(at int) RawSample {
	return DecodeWord(binary.LittleEndian.Uint32(d.buffer[d.offset+at:]))
}

// desync ends the current resync episode
func (d *Decoder) desync() error {
	err := &DesyncError{Dropped: d.dropped}
	d.dropped = 0
	return err
}

// DecodeAll decodes every complete word in data with a fresh decoder.
// Desync episodes are counted, not returned.
func DecodeAll(data []byte) (samples []RawSample, desyncs int) {
	d := NewDecoder()
	d.Feed(data)
	for {
		s, err := d.Next()
		if err == ErrIncomplete {
			return samples, desyncs
		}
		if err != nil {
			desyncs++
			continue
		}
		samples = append(samples, s)
	}
}
