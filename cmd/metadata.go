// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

var metadataTimeout int

var metadataCmd = &cobra.Command{
	Use:   "metadata",
	Short: "Read the device metadata and derived calibration",
	Long: `Request the device metadata (calibration modifiers, hardware id, mode and
source voltage) and print it together with the gain/offset table derived
from it at the configured source voltage.`,
	RunE: runMetadata,
}

func init() {
	rootCmd.AddCommand(metadataCmd)
	metadataCmd.Flags().IntVar(&metadataTimeout, "timeout", 5, "Timeout in seconds")
}

func runMetadata(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(metadataTimeout)*time.Second)
	defer cancel()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.close()

	md, err := s.dev.Metadata(ctx)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Connection: %s\n\n", s.info)
	printMetadata(out, md)

	table, err := md.CalibrationTable(uint16(appCfg.Device.VddMillivolts))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "\nCalibration at %d mV:\n", appCfg.Device.VddMillivolts)
	fmt.Fprint(out, ppk2.FormatCalibrationTable(table))
	return nil
}

func printMetadata(w io.Writer, md *ppk2.Metadata) {
	fmt.Fprintf(w, "Calibrated: %t\n", md.Calibrated)
	fmt.Fprintf(w, "HW:         %d\n", md.HW)
	fmt.Fprintf(w, "Mode:       %s\n", md.Mode)
	fmt.Fprintf(w, "VDD:        %d mV\n", md.Vdd)
	fmt.Fprintf(w, "IA:         %d\n", md.IA)

	m := md.Modifiers
	fmt.Fprintf(w, "\n%-5s %12s %10s %10s %10s %10s %10s %8s\n", "range", "R", "GS", "GI", "O", "S", "I", "UG")
	for i := 0; i < ppk2.NumRanges; i++ {
		fmt.Fprintf(w, "%-5d %12.4f %10.4f %10.4f %10.4f %10.6f %10.6f %8.4f\n",
			i, m.R[i], m.GS[i], m.GI[i], m.O[i], m.S[i], m.I[i], m.UG[i])
	}
}
