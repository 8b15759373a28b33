// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.bug.st/serial/enumerator"
)

var portsAll bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and mark connected PPK2 devices",
	Long: `List the serial ports on this machine.

Ports whose USB identifiers match the Power Profiler Kit II (VID 0x1915,
PID 0xC00A) are marked. Use --all to include non-USB ports.`,
	RunE: runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsAll, "all", false, "Include non-USB ports")
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	out := cmd.OutOrStdout()
	shown := 0
	for _, p := range ports {
		if !p.IsUSB && !portsAll {
			continue
		}
		fmt.Fprintln(out, formatPort(p))
		shown++
	}

	if shown == 0 {
		fmt.Fprintln(out, "No serial ports found")
	}
	return nil
}

func formatPort(p *enumerator.PortDetails) string {
	mark := " "
	if isPPK2(p) {
		mark = "*"
	}
	if !p.IsUSB {
		return fmt.Sprintf("%s %s", mark, p.Name)
	}
	line := fmt.Sprintf("%s %-20s %s:%s", mark, p.Name, p.VID, p.PID)
	if p.SerialNumber != "" {
		line += " serial=" + p.SerialNumber
	}
	if p.Product != "" {
		line += " (" + p.Product + ")"
	}
	return line
}
