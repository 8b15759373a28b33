// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

var sampleTestTimeout int

var sampleTestCmd = &cobra.Command{
	Use:   "sample_test",
	Short: "Test connection by waiting for a valid sample word",
	Long: `Start streaming and wait for a valid PPK2 sample word until timeout.

Bytes that do not form a valid word are skipped. The stream is stopped
again before exiting.

Exit codes:
  0 - Sample received before timeout
  1 - Timeout reached without receiving a valid sample
  2 - Connection error

Useful for testing connectivity to a PPK2 or a WebSocket serial bridge.`,
	RunE: runSampleTest,
}

func init() {
	rootCmd.AddCommand(sampleTestCmd)
	sampleTestCmd.Flags().IntVar(&sampleTestTimeout, "timeout", 10, "Timeout in seconds to wait for a sample")
}

func runSampleTest(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(sampleTestTimeout)*time.Second)
	defer cancel()

	conn, connInfo, err := OpenConnection(appCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	fmt.Printf("ppkstat - Sample Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Timeout: %d seconds\n", sampleTestTimeout)
	fmt.Printf("Waiting for valid sample word...\n\n")

	var (
		got     *ppk2.RawSample
		skipped int
	)
	err = streamRaw(ctx, conn,
		func(s ppk2.RawSample) error {
			got = &s
			return errStopRaw
		},
		func(dropped int) {
			skipped += dropped
		})

	switch {
	case got != nil:
		if skipped > 0 {
			fmt.Printf("(skipped %d invalid bytes before sync)\n", skipped)
		}
		fmt.Printf("SUCCESS: Received valid sample\n")
		fmt.Printf("  Code:  %d\n", got.Code)
		fmt.Printf("  Range: %d\n", got.Range)
		fmt.Printf("  Pins:  %s\n", ppk2.FormatDigital(got.Digital))
		os.Exit(0)

	case err != nil && !errors.Is(err, context.DeadlineExceeded):
		fmt.Fprintf(os.Stderr, "Read error: %v\n", err)
		os.Exit(2)

	default:
		fmt.Fprintf(os.Stderr, "TIMEOUT: No valid sample received within %d seconds\n", sampleTestTimeout)
		os.Exit(1)
	}

	return nil
}
