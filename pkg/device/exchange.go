// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// exchange sends f and waits for its acknowledgement. A read timeout resends
// the frame up to Retries times; the caller must hold the device claim.
// Input left over from an unanswered attempt is discarded before the resend
// and again once a resent frame is acknowledged, so a late reply never
// answers the next command.
func (d *Device) exchange(ctx context.Context, f ppk2.CommandFrame) error {
	op := f.Opcode()
	start := time.Now()
	attempts, err := d.exchangeAttempts(ctx, f)
	if d.opts.Observer != nil {
		d.opts.Observer(op, attempts, err, time.Since(start))
	}
	return err
}

func (d *Device) exchangeAttempts(ctx context.Context, f ppk2.CommandFrame) (int, error) {
	op := f.Opcode()
	maxAttempts := 1 + d.opts.Retries

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		d.log.Debug("sending command",
			zap.Stringer("opcode", op),
			zap.Int("attempt", attempt),
			zap.String("frame", ppk2.FormatCommand(f)))

		if err := d.write(f); err != nil {
			return attempt, err
		}
		if !ppk2.ExpectsAck(op) {
			return attempt, nil
		}

		resp, err := d.readAck()
		if err != nil {
			return attempt, err
		}
		if len(resp) == 0 {
			d.log.Warn("acknowledgement timed out",
				zap.Stringer("opcode", op),
				zap.Int("attempt", attempt),
				zap.Duration("timeout", d.opts.AckTimeout))
			if err := d.discardPending(ctx); err != nil {
				return attempt, err
			}
			continue
		}

		if _, err := ppk2.DecodeAck(op, resp); err != nil {
			d.log.Warn("unexpected acknowledgement", zap.Stringer("opcode", op), zap.Error(err))
			return attempt, err
		}
		if attempt > 1 {
			// An earlier attempt may still be answered
			var te *TransportError
			if err := d.discardPending(ctx); errors.As(err, &te) {
				return attempt, err
			}
		}
		return attempt, nil
	}

	return maxAttempts, fmt.Errorf("%w: %s not acknowledged after %d attempts", ErrDeviceUnresponsive, op, maxAttempts)
}

// inputResetter is implemented by transports that can flush their receive
// buffer, such as go.bug.st/serial ports
type inputResetter interface {
	ResetInputBuffer() error
}

// discardPending drops buffered input, then anything that arrives until the
// line stays quiet for AckTimeout.
func (d *Device) discardPending(ctx context.Context) error {
	if r, ok := d.transport.(inputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return d.latch("reset input", err)
		}
	}

	stale, _, err := d.readUntilQuiet(ctx, nil, d.opts.StopDrainLimit)
	if len(stale) > 0 {
		d.log.Debug("discarded stale input", zap.Int("bytes", len(stale)))
	}
	return err
}

func (d *Device) write(f ppk2.CommandFrame) error {
	if _, err := d.transport.Write(f.Encode()); err != nil {
		return d.latch("write", err)
	}
	return nil
}

func (d *Device) setReadTimeout(t time.Duration) error {
	if err := d.transport.SetReadTimeout(t); err != nil {
		return d.latch("set read timeout", err)
	}
	return nil
}

// readAck reads up to AckSize bytes. It returns early with what it has when a
// read times out, so an empty result is a timeout and a short one a
// truncated acknowledgement.
func (d *Device) readAck() ([]byte, error) {
	if err := d.setReadTimeout(d.opts.AckTimeout); err != nil {
		return nil, err
	}

	buf := make([]byte, ppk2.AckSize)
	n := 0
	for n < len(buf) {
		k, err := d.transport.Read(buf[n:])
		n += k
		if err != nil {
			return nil, d.latch("read", err)
		}
		if k == 0 {
			break
		}
	}
	return buf[:n], nil
}

// readUntilQuiet reads until a read times out, the buffer ends with suffix
// (when non-empty), or limit bytes were read. The bool reports whether the
// limit was hit.
func (d *Device) readUntilQuiet(ctx context.Context, suffix []byte, limit int) ([]byte, bool, error) {
	if err := d.setReadTimeout(d.opts.AckTimeout); err != nil {
		return nil, false, err
	}

	var out []byte
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return out, false, err
		}

		want := len(buf)
		if rem := limit - len(out); rem < want {
			want = rem
		}
		if want <= 0 {
			return out, true, nil
		}

		k, err := d.transport.Read(buf[:want])
		out = append(out, buf[:k]...)
		if err != nil {
			return out, false, d.latch("read", err)
		}
		if k == 0 {
			return out, false, nil
		}
		if len(suffix) > 0 && bytes.HasSuffix(out, suffix) {
			return out, false, nil
		}
	}
}

// stop sends AVERAGE_STOP and waits for the stream to go quiet. Sample bytes
// still in flight precede the acknowledgement, so only the final byte is
// checked. Both a timeout and a mismatched tail are retried once.
func (d *Device) stop(ctx context.Context) (int, error) {
	f := ppk2.NewStopStream()
	maxAttempts := 1 + d.opts.Retries

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := d.write(f); err != nil {
			return attempt, err
		}

		resp, overrun, err := d.readUntilQuiet(ctx, nil, d.opts.StopDrainLimit)
		var te *TransportError
		if errors.As(err, &te) {
			return attempt, err
		}
		if err != nil {
			lastErr = err
			break
		}

		switch {
		case overrun:
			lastErr = fmt.Errorf("%w: stream still running after %d bytes", ErrDeviceUnresponsive, len(resp))
		case len(resp) == 0:
			lastErr = fmt.Errorf("%w: %s not acknowledged", ErrDeviceUnresponsive, f.Opcode())
		default:
			if _, err := ppk2.DecodeTrailingAck(f.Opcode(), resp); err != nil {
				lastErr = err
			} else {
				d.log.Debug("stream stopped", zap.Int("drained", len(resp)-ppk2.AckSize))
				return attempt, nil
			}
		}

		d.log.Warn("stop not confirmed",
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}
	return maxAttempts, lastErr
}
