// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/internal/metrics"
	"github.com/Thermoquad/ppkstat/pkg/device"
	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

// session is an open connection with its device driver
type session struct {
	conn    Connection
	info    string
	dev     *device.Device
	metrics *metrics.Metrics
}

// deviceOptions maps the merged configuration onto driver options
func deviceOptions() device.Options {
	opts := device.DefaultOptions()
	opts.AckTimeout = appCfg.Device.AckTimeout
	opts.ReadTimeout = appCfg.Serial.ReadTimeout
	opts.Retries = appCfg.Device.Retries
	opts.StopDrainLimit = appCfg.Device.StopDrainLimit
	opts.Logger = appLog
	opts.Sampler = sampler.Options{
		QueueCapacity: appCfg.Stream.QueueCapacity,
		ReadChunk:     appCfg.Stream.ReadChunk,
		SpikeFilter:   appCfg.Device.SpikeFilter,
		Logger:        appLog.Named("sampler"),
	}
	return opts
}

// openSession connects to the device. When metrics are enabled the
// Prometheus endpoint is started and bound to ctx.
func openSession(ctx context.Context) (*session, error) {
	conn, info, err := OpenConnection(appCfg)
	if err != nil {
		return nil, err
	}

	s := &session{conn: conn, info: info}
	opts := deviceOptions()

	if appCfg.Metrics.Enable {
		reg := metrics.NewRegistry()
		s.metrics = metrics.New(reg)
		opts.Observer = s.metrics.ObserveCommand

		go func() {
			if err := metrics.Serve(ctx, appCfg.Metrics.Addr, appCfg.Metrics.Path, reg, appLog); err != nil {
				appLog.Error("metrics endpoint failed", zap.Error(err))
			}
		}()
	}

	s.dev = device.New(conn, opts)
	appLog.Debug("session opened", zap.String("connection", info))
	return s, nil
}

// calibrate installs the calibration table: the device metadata when
// enabled, with configured per-range overrides applied on top
func (s *session) calibrate(ctx context.Context) error {
	table := s.dev.Calibration()

	if appCfg.Calibration.FromMetadata {
		md, err := s.dev.Metadata(ctx)
		if err != nil {
			return fmt.Errorf("read metadata: %w", err)
		}

		// In ampere mode the DUT supplies itself; use the voltage the device reports
		vdd := uint16(appCfg.Device.VddMillivolts)
		if mode, _ := appCfg.DeviceMode(); mode == ppk2.ModeAmpereMeter && md.Vdd != 0 {
			vdd = md.Vdd
		}

		table, err = md.CalibrationTable(vdd)
		if err != nil {
			return fmt.Errorf("derive calibration: %w", err)
		}
		appLog.Debug("calibration from metadata",
			zap.Bool("calibrated", md.Calibrated), zap.Uint16("vdd", vdd))
	}

	overrides, err := appCfg.CalibrationOverrides()
	if err != nil {
		return err
	}
	if len(overrides) > 0 {
		table, err = table.With(overrides)
		if err != nil {
			return err
		}
	}

	return s.dev.SetCalibration(table)
}

// setup applies the configured measurement setup
func (s *session) setup(ctx context.Context) error {
	mode, err := appCfg.DeviceMode()
	if err != nil {
		return err
	}

	if err := s.dev.Configure(ctx, mode, ppk2.Range(appCfg.Device.Range), uint16(appCfg.Device.VddMillivolts)); err != nil {
		return fmt.Errorf("configure: %w", err)
	}
	if err := s.dev.SetSpikeFilter(ctx, appCfg.Device.SpikeFilter); err != nil {
		return fmt.Errorf("spike filter: %w", err)
	}
	if err := s.dev.SetDevicePower(ctx, appCfg.Device.Power); err != nil {
		return fmt.Errorf("device power: %w", err)
	}
	return nil
}

// start configures, calibrates and starts streaming
func (s *session) start(ctx context.Context) (*sampler.Pipeline, error) {
	if err := s.calibrate(ctx); err != nil {
		return nil, err
	}
	if err := s.setup(ctx); err != nil {
		return nil, err
	}

	p, err := s.dev.StartStreaming(ctx)
	if err != nil {
		return nil, fmt.Errorf("start streaming: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Track(p)
	}
	return p, nil
}

// close stops any running stream and closes the connection
func (s *session) close() error {
	if s.dev.Phase() == device.PhaseStreaming {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.dev.StopStreaming(ctx); err != nil {
			appLog.Warn("stop streaming failed", zap.Error(err))
		}
		cancel()
	}
	if s.metrics != nil {
		s.metrics.Track(nil)
	}
	return s.conn.Close()
}
