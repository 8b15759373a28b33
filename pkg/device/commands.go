// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package device

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

// Configure sets mode, range and source voltage as one configuration
// episode. State is updated after each acknowledged step, so a failure part
// way through leaves the earlier steps applied.
func (d *Device) Configure(ctx context.Context, mode ppk2.Mode, r ppk2.Range, vddMillivolts uint16) error {
	if err := validateMode(mode); err != nil {
		return err
	}
	if err := validateRange(r); err != nil {
		return err
	}
	if err := d.begin(ppk2.OpSetMode); err != nil {
		return err
	}
	defer d.end()

	if err := d.applyMode(ctx, mode); err != nil {
		return err
	}
	if err := d.applyRange(ctx, r); err != nil {
		return err
	}
	if err := d.applyVdd(ctx, vddMillivolts); err != nil {
		return err
	}

	d.log.Info("device configured",
		zap.Stringer("mode", mode),
		zap.Uint8("range", uint8(r)),
		zap.Uint16("vdd_mv", ppk2.ClampVdd(vddMillivolts)))
	return nil
}

// SetMode switches between source meter and ampere meter. Requires Idle.
func (d *Device) SetMode(ctx context.Context, mode ppk2.Mode) error {
	if err := validateMode(mode); err != nil {
		return err
	}
	return d.run(ctx, ppk2.OpSetMode, func() error { return d.applyMode(ctx, mode) })
}

// SetRange selects the measurement range
func (d *Device) SetRange(ctx context.Context, r ppk2.Range) error {
	if err := validateRange(r); err != nil {
		return err
	}
	return d.run(ctx, ppk2.OpSetRange, func() error { return d.applyRange(ctx, r) })
}

// SetVdd sets the source voltage, clamped to the regulator limits
func (d *Device) SetVdd(ctx context.Context, millivolts uint16) error {
	return d.run(ctx, ppk2.OpSetVdd, func() error { return d.applyVdd(ctx, millivolts) })
}

// SetDevicePower switches the supply to the device under test
func (d *Device) SetDevicePower(ctx context.Context, on bool) error {
	return d.run(ctx, ppk2.OpSetDevicePower, func() error {
		if err := d.exchange(ctx, ppk2.NewSetDevicePower(on)); err != nil {
			return err
		}
		d.update(func(s *State) { s.Powered = on })
		return nil
	})
}

// SetSpikeFilter enables or disables the device's spike filtering
func (d *Device) SetSpikeFilter(ctx context.Context, on bool) error {
	f := ppk2.NewSpikeFilter(on)
	return d.run(ctx, f.Opcode(), func() error {
		if err := d.exchange(ctx, f); err != nil {
			return err
		}
		d.update(func(s *State) { s.SpikeFilter = on })
		return nil
	})
}

// SetUserGain writes the user gain byte of one range
func (d *Device) SetUserGain(ctx context.Context, r ppk2.Range, gain uint8) error {
	if err := validateRange(r); err != nil {
		return err
	}
	return d.run(ctx, ppk2.OpSetUserGain, func() error {
		return d.exchange(ctx, ppk2.NewSetUserGain(r, gain))
	})
}

// Reset restarts the device firmware. There is no acknowledgement; the
// local state returns to its power-on defaults.
func (d *Device) Reset(ctx context.Context) error {
	return d.run(ctx, ppk2.OpReset, func() error {
		if err := d.exchange(ctx, ppk2.NewReset()); err != nil {
			return err
		}
		d.update(func(s *State) { *s = State{} })
		return nil
	})
}

// Metadata requests and parses the device's calibration metadata. The
// request is resent once if the device stays silent.
func (d *Device) Metadata(ctx context.Context) (*ppk2.Metadata, error) {
	var md *ppk2.Metadata
	err := d.run(ctx, ppk2.OpGetMetadata, func() error {
		var err error
		md, err = d.fetchMetadata(ctx)
		return err
	})
	return md, err
}

func (d *Device) fetchMetadata(ctx context.Context) (*ppk2.Metadata, error) {
	f := ppk2.NewGetMetadata()
	start := time.Now()
	maxAttempts := 1 + d.opts.Retries

	var (
		attempts int
		err      error
		md       *ppk2.Metadata
	)
	for attempts = 1; attempts <= maxAttempts; attempts++ {
		if err = d.write(f); err != nil {
			break
		}

		var resp []byte
		var overrun bool
		resp, overrun, err = d.readUntilQuiet(ctx, []byte(ppk2.MetadataTerminator), d.opts.MetadataLimit)
		if err != nil {
			break
		}
		if len(resp) == 0 {
			err = fmt.Errorf("%w: no metadata received", ErrDeviceUnresponsive)
			d.log.Warn("metadata request timed out", zap.Int("attempt", attempts))
			continue
		}
		if overrun {
			err = fmt.Errorf("metadata exceeds %d bytes", d.opts.MetadataLimit)
			break
		}

		md, err = ppk2.ParseMetadata(resp)
		break
	}
	if attempts > maxAttempts {
		attempts = maxAttempts
	}

	if d.opts.Observer != nil {
		d.opts.Observer(f.Opcode(), attempts, err, time.Since(start))
	}
	if err != nil {
		return nil, err
	}

	d.update(func(s *State) {
		s.Mode = md.Mode
		s.VddMillivolts = md.Vdd
	})
	return md, nil
}

// run executes one configuration step under the device claim
func (d *Device) run(ctx context.Context, op ppk2.Opcode, step func() error) error {
	if err := d.begin(op); err != nil {
		return err
	}
	defer d.end()
	return step()
}

func (d *Device) applyMode(ctx context.Context, mode ppk2.Mode) error {
	if err := d.exchange(ctx, ppk2.NewSetMode(mode)); err != nil {
		return err
	}
	d.update(func(s *State) { s.Mode = mode })
	return nil
}

func (d *Device) applyRange(ctx context.Context, r ppk2.Range) error {
	if err := d.exchange(ctx, ppk2.NewSetRange(r)); err != nil {
		return err
	}
	d.update(func(s *State) { s.Range = r })
	return nil
}

func (d *Device) applyVdd(ctx context.Context, millivolts uint16) error {
	mv := ppk2.ClampVdd(millivolts)
	if err := d.exchange(ctx, ppk2.NewSetVdd(mv)); err != nil {
		return err
	}
	d.update(func(s *State) { s.VddMillivolts = mv })
	return nil
}

func validateMode(m ppk2.Mode) error {
	switch m {
	case ppk2.ModeAmpereMeter, ppk2.ModeSourceMeter:
		return nil
	case ppk2.ModeIdle:
		return fmt.Errorf("%w: mode %s cannot be selected", ErrInvalidParameter, m)
	default:
		return fmt.Errorf("%w: unknown mode %d", ErrInvalidParameter, uint8(m))
	}
}

func validateRange(r ppk2.Range) error {
	if !r.Valid() {
		return fmt.Errorf("%w: range %d (max %d)", ErrInvalidParameter, r, ppk2.MaxRange)
	}
	return nil
}
