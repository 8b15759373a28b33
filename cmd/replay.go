// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ppkstat/internal/output"
	"github.com/Thermoquad/ppkstat/pkg/ppk2"
	"github.com/Thermoquad/ppkstat/pkg/sampler"
)

var replayWindow int

var replayCmd = &cobra.Command{
	Use:   "replay <recording.cbor>",
	Short: "Summarize a recording made with measure --record",
	Long: `Read a CBOR recording and print its session header, calibration table
and a summary of the recorded samples.

With --window N, the samples are also averaged in windows of N events and
printed one line per window.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().IntVar(&replayWindow, "window", 0, "Print averages over windows of this many events")
}

// replaySummary accumulates a recording's events
type replaySummary struct {
	stats    *ppk2.Statistics
	current  currentSummary
	lastSeq  uint64
	gaps     uint64
	window   []ppk2.CalibratedSample
	missed   int
	windowed int
}

func (r *replaySummary) add(ev sampler.Event) {
	if r.lastSeq != 0 && ev.Sequence() != r.lastSeq+1 {
		r.gaps++
	}
	r.lastSeq = ev.Sequence()

	var calErr *ppk2.CalibrationError
	switch {
	case ev.Err == nil:
		r.stats.AddSample()
		r.current.add(ev.Sample.Value)
		r.window = append(r.window, ev.Sample)
	case errors.Is(ev.Err, sampler.ErrOverflow):
		r.stats.AddOverflow()
		r.missed++
	case errors.As(ev.Err, &calErr):
		r.stats.AddCalibrationError()
		r.missed++
	}
	r.windowed++
}

// flushWindow averages the current window when it has reached size events
func (r *replaySummary) flushWindow(size int, force bool) (ppk2.Combined, bool) {
	if size <= 0 || (r.windowed < size && !force) {
		return ppk2.Combined{}, false
	}
	c, ok := ppk2.Combine(r.window, r.missed)
	r.window = r.window[:0]
	r.missed = 0
	r.windowed = 0
	return c, ok
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	rr, err := output.NewRecordReader(f)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	h := rr.Header
	fmt.Fprintf(out, "Session: %s\n", h.Session)
	fmt.Fprintf(out, "Started: %s\n", time.Unix(0, h.Started).Format(time.RFC3339Nano))
	if table, err := h.Table(); err == nil {
		fmt.Fprintf(out, "\nCalibration:\n%s", ppk2.FormatCalibrationTable(table))
	}
	fmt.Fprintln(out)

	sum := &replaySummary{stats: ppk2.NewStatistics()}
	for {
		rec, err := rr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read record %d: %w", sum.lastSeq+1, err)
		}

		ev := rec.Event()
		sum.add(ev)
		if c, ok := sum.flushWindow(replayWindow, false); ok {
			fmt.Fprintf(out, "#%-10d %14s pins=%s n=%d missed=%d\n",
				ev.Sequence(), ppk2.FormatCurrent(c.Value), ppk2.FormatDigital(c.Digital), c.Count, c.Missed)
		}
	}
	if c, ok := sum.flushWindow(replayWindow, true); ok {
		fmt.Fprintf(out, "#%-10d %14s pins=%s n=%d missed=%d\n",
			sum.lastSeq, ppk2.FormatCurrent(c.Value), ppk2.FormatDigital(c.Digital), c.Count, c.Missed)
	}

	snap := sum.stats.Snapshot()
	fmt.Fprintf(out, "\nEvents:       %d (last sequence %d)\n", snap.Samples+snap.Overflows+snap.CalibrationErrors, sum.lastSeq)
	fmt.Fprintf(out, "Samples:      %d\n", snap.Samples)
	fmt.Fprintf(out, "Dropped:      %d\n", snap.Overflows)
	fmt.Fprintf(out, "Uncalibrated: %d\n", snap.CalibrationErrors)
	if sum.gaps > 0 {
		fmt.Fprintf(out, "Sequence gaps: %d\n", sum.gaps)
	}
	if sum.current.count > 0 {
		fmt.Fprintf(out, "Current:      min %s  max %s  avg %s\n",
			ppk2.FormatCurrent(sum.current.min), ppk2.FormatCurrent(sum.current.max),
			ppk2.FormatCurrent(sum.current.mean()))
	}
	return nil
}
