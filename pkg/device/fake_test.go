// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"sync"
	"time"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// fakePPK2 emulates the device end of the serial link. Every acknowledged
// command is echoed; AVERAGE_START begins emitting sample words.
type fakePPK2 struct {
	mu      sync.Mutex
	out     []byte
	frames  [][]byte
	timeout time.Duration

	streaming   bool
	word        ppk2.RawSample
	streamLimit int // words emitted per stream before going silent
	streamed    int
	inFlight    int // words still sent after AVERAGE_STOP, before the ack

	dropAcks map[ppk2.Opcode]int
	// lateAcks delays the next acknowledgement of an opcode
	lateAcks map[ppk2.Opcode]time.Duration
	late     []lateByte
	wrongAck map[ppk2.Opcode]byte
	metadata string

	writeErr error
	readErr  error

	// ackGate, when set, holds back command responses until closed
	ackGate chan struct{}
	seen    chan ppk2.Opcode
}

func newFakePPK2() *fakePPK2 {
	return &fakePPK2{
		timeout:     time.Millisecond,
		word:        ppk2.RawSample{Code: 1000, Range: 2, Digital: 0x01},
		streamLimit: 32,
		inFlight:    2,
		dropAcks:    make(map[ppk2.Opcode]int),
		lateAcks:    make(map[ppk2.Opcode]time.Duration),
		wrongAck:    make(map[ppk2.Opcode]byte),
		seen:        make(chan ppk2.Opcode, 64),
	}
}

func (f *fakePPK2) SetReadTimeout(t time.Duration) error {
	f.mu.Lock()
	f.timeout = t
	f.mu.Unlock()
	return nil
}

func (f *fakePPK2) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writeErr != nil {
		return 0, f.writeErr
	}

	frame := append([]byte(nil), p...)
	f.frames = append(f.frames, frame)
	op := ppk2.Opcode(frame[0])

	select {
	case f.seen <- op:
	default:
	}

	if f.dropAcks[op] > 0 {
		f.dropAcks[op]--
		if op == ppk2.OpStopStream {
			f.streaming = false
		}
		return len(p), nil
	}

	switch op {
	case ppk2.OpStartStream:
		f.streaming = true
		f.streamed = 0
	case ppk2.OpStopStream:
		if f.streaming {
			for i := 0; i < f.inFlight; i++ {
				w := ppk2.EncodeWord(f.word)
				f.out = append(f.out, w[:]...)
			}
		}
		f.streaming = false
	case ppk2.OpGetMetadata:
		f.out = append(f.out, f.metadata...)
		return len(p), nil
	}

	if !ppk2.ExpectsAck(op) {
		return len(p), nil
	}
	if delay, ok := f.lateAcks[op]; ok {
		delete(f.lateAcks, op)
		f.late = append(f.late, lateByte{at: time.Now().Add(delay), b: byte(op)})
		return len(p), nil
	}
	if b, ok := f.wrongAck[op]; ok {
		f.out = append(f.out, b)
	} else {
		f.out = append(f.out, byte(op))
	}
	return len(p), nil
}

func (f *fakePPK2) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.readErr != nil {
		err := f.readErr
		f.mu.Unlock()
		return 0, err
	}

	f.releaseLate(time.Now())

	gate := f.ackGate
	if gate != nil && len(f.out) > 0 && !f.streaming {
		f.mu.Unlock()
		<-gate
		f.mu.Lock()
	}

	if f.streaming && len(f.out) == 0 && f.streamed < f.streamLimit {
		for i := 0; i < 8 && f.streamed < f.streamLimit; i++ {
			w := ppk2.EncodeWord(f.word)
			f.out = append(f.out, w[:]...)
			f.streamed++
		}
	}

	if len(f.out) > 0 {
		n := copy(p, f.out)
		f.out = f.out[n:]
		f.mu.Unlock()
		return n, nil
	}

	timeout := f.timeout
	if len(f.late) > 0 {
		// Like a serial port, the read returns as soon as a byte arrives
		if wait := time.Until(f.late[0].at); wait < timeout {
			f.mu.Unlock()
			time.Sleep(wait)
			f.mu.Lock()
			f.releaseLate(time.Now())
			n := copy(p, f.out)
			f.out = f.out[n:]
			f.mu.Unlock()
			return n, nil
		}
	}
	f.mu.Unlock()
	time.Sleep(timeout)
	return 0, nil
}

// lateByte is a response byte delivered once its time has come
type lateByte struct {
	at time.Time
	b  byte
}

// releaseLate moves due late bytes to the output; f.mu must be held
func (f *fakePPK2) releaseLate(now time.Time) {
	for len(f.late) > 0 && !f.late[0].at.After(now) {
		f.out = append(f.out, f.late[0].b)
		f.late = f.late[1:]
	}
}

func (f *fakePPK2) setReadErr(err error) {
	f.mu.Lock()
	f.readErr = err
	f.mu.Unlock()
}

func (f *fakePPK2) setWriteErr(err error) {
	f.mu.Lock()
	f.writeErr = err
	f.mu.Unlock()
}

func (f *fakePPK2) framesSent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.frames))
	copy(out, f.frames)
	return out
}

func (f *fakePPK2) allStreamed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streamed >= f.streamLimit && len(f.out) == 0
}
