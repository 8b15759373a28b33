// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad
//
// ppkstat - Power Profiler Kit II measurement tool
//
// A CLI tool for configuring a PPK2 and streaming calibrated current
// measurements to the terminal, files and message brokers.

package main

import (
	"os"

	"github.com/Thermoquad/ppkstat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
