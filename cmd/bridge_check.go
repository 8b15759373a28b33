// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var bridgeTestDuration int

var bridgeTestCmd = &cobra.Command{
	Use:   "bridge_test",
	Short: "Test raw connection stability without sending commands",
	Long: `Open the connection (serial or WebSocket bridge) and listen without sending
any PPK2 command, logging every chunk of data received and any error.
Useful for debugging bridge stability issues.

Exit codes:
  0 - Test completed normally
  1 - Test failed
  2 - Connection error`,
	RunE: runBridgeTest,
}

func init() {
	rootCmd.AddCommand(bridgeTestCmd)
	bridgeTestCmd.Flags().IntVar(&bridgeTestDuration, "duration", 30, "Test duration in seconds")
}

func runBridgeTest(cmd *cobra.Command, args []string) error {
	conn, connInfo, err := OpenConnection(appCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	defer conn.Close()

	if err := conn.SetReadTimeout(time.Second); err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	fmt.Printf("Connection Stability Test\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Duration: %d seconds\n\n", bridgeTestDuration)
	fmt.Printf("Listening for data...\n\n")

	start := time.Now()
	endTime := start.Add(time.Duration(bridgeTestDuration) * time.Second)
	bytesReceived := 0
	chunksReceived := 0
	buf := make([]byte, 256)

	for time.Now().Before(endTime) {
		n, err := conn.Read(buf)
		if err != nil {
			fmt.Printf("\n[%s] Connection error: %v\n", time.Now().Format("15:04:05.000"), err)
			fmt.Printf("\n--- Test Results ---\n")
			fmt.Printf("Duration: %v\n", time.Since(start).Round(time.Millisecond))
			fmt.Printf("Chunks received: %d\n", chunksReceived)
			fmt.Printf("Bytes received: %d\n", bytesReceived)
			fmt.Printf("Result: FAILED (connection error)\n")
			os.Exit(1)
		}

		if n == 0 {
			// Read timeout doubles as the heartbeat
			fmt.Printf("[%s] Still connected... (%.0fs remaining)\n",
				time.Now().Format("15:04:05.000"), time.Until(endTime).Seconds())
			continue
		}

		bytesReceived += n
		chunksReceived++
		fmt.Printf("[%s] Received %d bytes: %x\n", time.Now().Format("15:04:05.000"), n, buf[:n])
	}

	fmt.Printf("\n--- Test Results ---\n")
	fmt.Printf("Duration: %d seconds\n", bridgeTestDuration)
	fmt.Printf("Chunks received: %d\n", chunksReceived)
	fmt.Printf("Bytes received: %d\n", bytesReceived)
	fmt.Printf("Result: PASSED (connection stable)\n")

	return nil
}
