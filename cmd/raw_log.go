// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

var rawLogCmd = &cobra.Command{
	Use:   "raw_log",
	Short: "Display raw sample words in human-readable format",
	Long: `Configure the device, start streaming and print every decoded sample word
(ADC code, range and logic pins) without calibration.

Resynchronizations are reported with the number of bytes skipped. Useful for
checking the byte stream itself when calibrated readings look wrong.

Supports both serial and WebSocket connections.`,
	RunE: runRawLog,
}

func init() {
	rootCmd.AddCommand(rawLogCmd)
}

// errStopRaw ends a raw stream from its callback
var errStopRaw = errors.New("raw stream stopped")

// streamRaw starts streaming with direct start/stop frames and decodes the
// words without the sampling pipeline. onSample receives each word; a
// non-nil error from it ends the stream. Desyncs are passed to onDesync.
func streamRaw(ctx context.Context, conn Connection, onSample func(ppk2.RawSample) error, onDesync func(int)) error {
	if err := conn.SetReadTimeout(appCfg.Serial.ReadTimeout); err != nil {
		return err
	}
	if _, err := conn.Write(ppk2.NewStartStream().Encode()); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	defer func() {
		if _, err := conn.Write(ppk2.NewStopStream().Encode()); err != nil {
			appLog.Warn("send stop failed", zap.Error(err))
		}
	}()

	decoder := ppk2.NewDecoder()
	buf := make([]byte, appCfg.Stream.ReadChunk)

	for ctx.Err() == nil {
		n, err := conn.Read(buf)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			continue
		}
		decoder.Feed(buf[:n])

		for {
			s, err := decoder.Next()
			if errors.Is(err, ppk2.ErrIncomplete) {
				break
			}
			var desync *ppk2.DesyncError
			if errors.As(err, &desync) {
				onDesync(desync.Dropped)
				continue
			}
			if err := onSample(s); err != nil {
				if errors.Is(err, errStopRaw) {
					return nil
				}
				return err
			}
		}
	}
	return nil
}

func runRawLog(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.setup(ctx); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ppkstat - Raw Sample Log\n")
	fmt.Fprintf(out, "Connection: %s\n", s.info)
	fmt.Fprintf(out, "Press Ctrl+C to exit\n\n")

	stats := ppk2.NewStatistics()
	err = streamRaw(ctx, s.conn,
		func(sample ppk2.RawSample) error {
			stats.AddSample()
			fmt.Fprintf(out, "%s %s\n", time.Now().Format("15:04:05.000000"), ppk2.FormatRawSample(sample))
			return nil
		},
		func(dropped int) {
			stats.AddDesync(dropped)
			fmt.Fprintf(out, "[DESYNC] skipped %d bytes\n", dropped)
		})

	fmt.Fprintf(out, "\n%s", stats.Snapshot())
	return err
}
