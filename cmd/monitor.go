// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

var monitorSPS float64

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive TUI showing live current measurements",
	Long: `Stream from the device and show a live terminal dashboard.

Displays:
  - Current reading averaged at --sps, with session min/max/average
  - Logic pin levels
  - Sample rate, dropped samples, resyncs and uncalibrated samples
  - A table of recent readings and an event log

Logs go only to the configured log file while the dashboard is shown.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().Float64Var(&monitorSPS, "sps", 4, "Readings per second shown")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	// Keep log output off the dashboard
	if err := setLogger(nil); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	avg, err := newAverager(monitorSPS, nil, time.Now())
	if err != nil {
		return err
	}

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	p, err := s.start(ctx)
	if err != nil {
		return err
	}

	prog := tea.NewProgram(initialMonitorModel(s.info, monitorSPS, p.Statistics()))

	// Consumer goroutine feeding averaged readings to the TUI
	go func() {
		err := consume(ctx, p, func(ev sampler.Event) error {
			avg.add(ev)
			now := time.Now()
			if !avg.due(now) {
				return nil
			}
			if c, ok := avg.flush(now); ok {
				if s.metrics != nil {
					s.metrics.Current.Set(c.Value)
				}
				prog.Send(readingMsg{at: now, combined: c})
			}
			return nil
		})
		if err == nil {
			err = p.Err()
		}
		prog.Send(streamEndMsg{err: err})
	}()

	if _, err := prog.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := s.dev.StopStreaming(stopCtx); err != nil {
		appLog.Warn("stop streaming failed", zap.Error(err))
		return err
	}
	return nil
}
