// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/internal/output"
	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

var (
	measureSPS      float64
	measureMatch    string
	measureRecord   string
	measureDuration int
	measureMQTT     bool
	measureRedis    bool
	measureQuiet    bool
)

var measureCmd = &cobra.Command{
	Use:   "measure",
	Short: "Stream current measurements",
	Long: `Configure the device from the merged configuration, start streaming and
print averaged readings.

Samples are averaged over windows of 1/--sps seconds. With --match only
samples whose logic pins match the pattern are averaged; the pattern lists
pin 0 first using 0, 1 and x (either), e.g. --match 1x0.

Readings can also be published to MQTT (--mqtt) and Redis (--redis) using the
broker settings from the configuration, and every sample can be recorded to a
CBOR file with --record.

Press Ctrl+C to stop; the device is returned to idle before exiting.`,
	RunE: runMeasure,
}

func init() {
	rootCmd.AddCommand(measureCmd)
	measureCmd.Flags().Float64Var(&measureSPS, "sps", 10, "Averaged readings per second")
	measureCmd.Flags().StringVar(&measureMatch, "match", "", "Only average samples matching this logic pin pattern")
	measureCmd.Flags().StringVar(&measureRecord, "record", "", "Record every sample to this CBOR file")
	measureCmd.Flags().IntVar(&measureDuration, "duration", 0, "Stop after this many seconds (0 = until interrupted)")
	measureCmd.Flags().BoolVar(&measureMQTT, "mqtt", false, "Publish readings to MQTT")
	measureCmd.Flags().BoolVar(&measureRedis, "redis", false, "Publish readings to Redis")
	measureCmd.Flags().BoolVarP(&measureQuiet, "quiet", "q", false, "Do not print readings")
}

// averager groups sample events into fixed time windows
type averager struct {
	interval time.Duration
	match    *ppk2.LogicPins

	start   time.Time
	samples []ppk2.CalibratedSample
	missed  int
}

func newAverager(sps float64, match *ppk2.LogicPins, now time.Time) (*averager, error) {
	if sps <= 0 {
		return nil, fmt.Errorf("--sps must be positive, got %g", sps)
	}
	return &averager{
		interval: time.Duration(float64(time.Second) / sps),
		match:    match,
		start:    now,
	}, nil
}

// add accounts one event. Overflow markers and uncalibrated samples count
// as missed.
func (a *averager) add(ev sampler.Event) {
	if ev.Err != nil {
		a.missed++
		return
	}
	a.samples = append(a.samples, ev.Sample)
}

// due reports whether the current window has ended
func (a *averager) due(now time.Time) bool {
	return now.Sub(a.start) >= a.interval
}

// flush closes the window. ok is false when no sample qualified.
func (a *averager) flush(now time.Time) (ppk2.Combined, bool) {
	var (
		c  ppk2.Combined
		ok bool
	)
	if a.match != nil {
		c, ok = ppk2.CombineMatching(a.samples, a.missed, *a.match)
	} else {
		c, ok = ppk2.Combine(a.samples, a.missed)
	}
	a.samples = a.samples[:0]
	a.missed = 0
	a.start = now
	return c, ok
}

// buildOutputs assembles the reading outputs selected by flags and config
func buildOutputs(ctx context.Context, stdout io.Writer) (output.Multi, error) {
	var outs output.Multi
	if !measureQuiet {
		outs = append(outs, output.NewConsole(stdout))
	}

	if measureMQTT || appCfg.MQTT.Enable {
		m, err := output.NewMQTT(appCfg.MQTT)
		if err != nil {
			_ = outs.Close()
			return nil, err
		}
		outs = append(outs, output.NewThrottled(m, appCfg.MQTT.Rate))
		appLog.Info("publishing to MQTT", zap.String("server", appCfg.MQTT.Server), zap.String("topic", appCfg.MQTT.Topic))
	}

	if measureRedis || appCfg.Redis.Enable {
		r, err := output.NewRedis(ctx, appCfg.Redis)
		if err != nil {
			_ = outs.Close()
			return nil, err
		}
		outs = append(outs, output.NewThrottled(r, appCfg.Redis.Rate))
		appLog.Info("publishing to Redis", zap.String("addr", appCfg.Redis.Addr), zap.String("channel", appCfg.Redis.Channel))
	}

	return outs, nil
}

func runMeasure(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if measureDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(measureDuration)*time.Second)
		defer cancel()
	}

	var match *ppk2.LogicPins
	if measureMatch != "" {
		pins, err := ppk2.ParseLogicPins(measureMatch)
		if err != nil {
			return err
		}
		match = &pins
	}

	avg, err := newAverager(measureSPS, match, time.Now())
	if err != nil {
		return err
	}

	outs, err := buildOutputs(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer outs.Close()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	sessionID := output.NewSessionID()
	log := appLog.With(zap.String("session", sessionID))

	p, err := s.start(ctx)
	if err != nil {
		return err
	}
	log.Info("streaming started", zap.String("connection", s.info), zap.String("state", fmt.Sprintf("%+v", s.dev.State())))

	recordPath := measureRecord
	if recordPath == "" {
		recordPath = appCfg.Record.Path
	}
	var rec *output.Recorder
	if recordPath != "" {
		rec, err = output.CreateRecorder(recordPath, output.NewRecordHeader(sessionID, time.Now(), s.dev.Calibration()))
		if err != nil {
			return err
		}
		defer func() {
			if err := rec.Close(); err != nil {
				log.Error("close recording", zap.Error(err))
			}
			log.Info("recording closed", zap.String("path", recordPath), zap.Uint64("records", rec.Count()))
		}()
	}

	handle := func(ev sampler.Event) error {
		if rec != nil {
			if err := rec.Record(ev); err != nil {
				return err
			}
		}
		avg.add(ev)

		now := time.Now()
		if !avg.due(now) {
			return nil
		}
		c, ok := avg.flush(now)
		if !ok {
			return nil
		}
		if s.metrics != nil {
			s.metrics.Current.Set(c.Value)
		}
		if err := outs.Publish([]output.Reading{output.NewReading(sessionID, now, c)}); err != nil {
			log.Warn("publish failed", zap.Error(err))
		}
		return nil
	}

	streamErr := consume(ctx, p, handle)

	// Return the device to idle, then deliver whatever the pipeline queued
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	stopErr := s.dev.StopStreaming(stopCtx)
	cancel()
	if streamErr == nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		streamErr = consume(drainCtx, p, handle)
		cancel()
	}

	fmt.Fprint(os.Stderr, p.Statistics().Snapshot().String())

	if streamErr != nil {
		return streamErr
	}
	return stopErr
}

// consume delivers events until the stream ends or ctx is done. A clean end
// of stream or a cancelled context is not an error.
func consume(ctx context.Context, p *sampler.Pipeline, handle func(sampler.Event) error) error {
	for {
		ev, err := p.Next(ctx)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		default:
			return err
		}
		if err := handle(ev); err != nil {
			return err
		}
	}
}
