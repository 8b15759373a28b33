// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"bufio"
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// MetadataTerminator ends the GET_META_DATA response
const MetadataTerminator = "END\n"

// Modifiers are the per-range calibration constants reported by the device
type Modifiers struct {
	R  [NumRanges]float64 // shunt resistance
	GS [NumRanges]float64 // gain slope
	GI [NumRanges]float64 // gain intercept
	O  [NumRanges]float64 // ADC offset
	S  [NumRanges]float64 // vdd slope
	I  [NumRanges]float64 // vdd intercept
	UG [NumRanges]float64 // user gain
}

// DefaultModifiers returns the constants of an uncalibrated device
func DefaultModifiers() Modifiers {
	return Modifiers{
		R:  [NumRanges]float64{1031.64, 101.65, 10.15, 0.94, 0.043},
		GS: [NumRanges]float64{1, 1, 1, 1, 1},
		GI: [NumRanges]float64{1, 1, 1, 1, 1},
		UG: [NumRanges]float64{1, 1, 1, 1, 1},
	}
}

// Metadata is the parsed GET_META_DATA response
type Metadata struct {
	Modifiers  Modifiers
	Calibrated bool
	Vdd        uint16
	HW         uint32
	Mode       Mode
	IA         uint32
}

// ParseMetadata parses the device's "Key: value" metadata text
func ParseMetadata(data []byte) (*Metadata, error) {
	if !bytes.HasSuffix(data, []byte(MetadataTerminator)) {
		return nil, fmt.Errorf("metadata not terminated by END (%d bytes)", len(data))
	}

	md := &Metadata{Modifiers: DefaultModifiers()}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "END" {
			return md, nil
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			return nil, fmt.Errorf("malformed metadata line %q", line)
		}
		if err := md.set(key, value); err != nil {
			return nil, fmt.Errorf("metadata line %q: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return md, nil
}

func (md *Metadata) set(key, value string) error {
	switch key {
	case "Calibrated":
		md.Calibrated = value != "0"
		return nil
	case "VDD":
		v, err := strconv.ParseUint(value, 10, 16)
		md.Vdd = uint16(v)
		return err
	case "HW":
		v, err := strconv.ParseUint(value, 10, 32)
		md.HW = uint32(v)
		return err
	case "IA":
		v, err := strconv.ParseUint(value, 10, 32)
		md.IA = uint32(v)
		return err
	case "mode":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		if !Mode(v).Valid() {
			return fmt.Errorf("unknown mode %d", v)
		}
		md.Mode = Mode(v)
		return nil
	}

	// Per-range modifiers: R0..R4, GS0..GS4, ...
	name := strings.TrimRight(key, "0123456789")
	idx, err := strconv.Atoi(key[len(name):])
	if err != nil || idx < 0 || idx >= NumRanges {
		return fmt.Errorf("unknown key %q", key)
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return err
	}

	m := &md.Modifiers
	switch name {
	case "R":
		m.R[idx] = f
	case "GS":
		m.GS[idx] = f
	case "GI":
		m.GI[idx] = f
	case "O":
		m.O[idx] = f
	case "S":
		m.S[idx] = f
	case "I":
		m.I[idx] = f
	case "UG":
		m.UG[idx] = f
	default:
		return fmt.Errorf("unknown key %q", key)
	}
	return nil
}

// CalibrationTable linearizes the modifiers into a gain/offset table at the
// given source voltage. The second-order gain slope term is not applied.
func (md *Metadata) CalibrationTable(vddMillivolts uint16) (*CalibrationTable, error) {
	m := md.Modifiers
	vdd := float64(vddMillivolts) / 1000
	entries := make(map[Range]CalibrationEntry, NumRanges)
	for i := 0; i < NumRanges; i++ {
		if m.R[i] == 0 {
			return nil, fmt.Errorf("range %d: zero shunt resistance", i)
		}
		k := adcMultiplier / m.R[i]
		entries[Range(i)] = CalibrationEntry{
			Gain:   m.UG[i] * m.GI[i] * 4 * k,
			Offset: m.UG[i] * (m.S[i]*vdd + m.I[i] - m.O[i]*k*m.GI[i]),
		}
	}
	return NewCalibrationTable(entries)
}

// DefaultCalibrationTable returns the table of an uncalibrated device
func DefaultCalibrationTable() *CalibrationTable {
	md := &Metadata{Modifiers: DefaultModifiers()}
	t, err := md.CalibrationTable(0)
	if err != nil {
		panic(fmt.Sprintf("ppk2: default calibration: %v", err))
	}
	return t
}
