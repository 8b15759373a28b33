// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package ppk2

import (
	"fmt"
	"strings"
)

// NumPins is the number of logic port pins carried in each sample
const NumPins = 8

// Level is a logic port pin level used for matching
type Level int

// Level values
const (
	LevelEither Level = iota
	LevelLow
	LevelHigh
)

// Matches reports whether two levels are compatible. Either matches anything.
func (l Level) Matches(other Level) bool {
	return l == LevelEither || other == LevelEither || l == other
}

// LogicPins is a pin level pattern, index n is pin n
type LogicPins [NumPins]Level

// PinsFromBits converts a digital bitmap into a pattern without Either levels
func PinsFromBits(bits uint8) LogicPins {
	var p LogicPins
	for i := 0; i < NumPins; i++ {
		if bits&(1<<uint(i)) != 0 {
			p[i] = LevelHigh
		} else {
			p[i] = LevelLow
		}
	}
	return p
}

// MatchesBits reports whether a sample's bitmap satisfies the pattern
func (p LogicPins) MatchesBits(bits uint8) bool {
	actual := PinsFromBits(bits)
	for i := 0; i < NumPins; i++ {
		if !p[i].Matches(actual[i]) {
			return false
		}
	}
	return true
}

// ParseLogicPins parses a pattern such as "0x1xxxxx" where the first
// character is pin 0. 0/l is low, 1/h is high, x/- is either. Shorter
// patterns leave the remaining pins at Either.
func ParseLogicPins(s string) (LogicPins, error) {
	var p LogicPins
	if len(s) > NumPins {
		return p, fmt.Errorf("pin pattern %q longer than %d pins", s, NumPins)
	}
	for i, c := range strings.ToLower(s) {
		switch c {
		case '0', 'l':
			p[i] = LevelLow
		case '1', 'h':
			p[i] = LevelHigh
		case 'x', '-':
			p[i] = LevelEither
		default:
			return p, fmt.Errorf("invalid pin level %q in pattern %q", c, s)
		}
	}
	return p, nil
}

// String formats the pattern in the ParseLogicPins syntax
func (p LogicPins) String() string {
	var b strings.Builder
	for _, l := range p {
		switch l {
		case LevelLow:
			b.WriteByte('0')
		case LevelHigh:
			b.WriteByte('1')
		default:
			b.WriteByte('x')
		}
	}
	return b.String()
}

// Combined is the average of a window of samples
type Combined struct {
	Value   float64 // mean amperes
	Digital uint8   // majority level per pin
	Count   int     // samples averaged
	Missed  int     // samples lost in the window
}

// Combine averages samples. A combined pin is high only when more than half
// of the samples had it high. Returns false for an empty window.
func Combine(samples []CalibratedSample, missed int) (Combined, bool) {
	if len(samples) == 0 {
		return Combined{}, false
	}

	var highCount [NumPins]int
	var sum float64
	for _, s := range samples {
		sum += s.Value
		for i := 0; i < NumPins; i++ {
			if s.Pin(i) {
				highCount[i]++
			}
		}
	}

	var bits uint8
	for i, c := range highCount {
		if c > len(samples)/2 {
			bits |= 1 << uint(i)
		}
	}

	return Combined{
		Value:   sum / float64(len(samples)),
		Digital: bits,
		Count:   len(samples),
		Missed:  missed,
	}, true
}

// CombineMatching averages only the samples whose pins match the pattern
func CombineMatching(samples []CalibratedSample, missed int, pins LogicPins) (Combined, bool) {
	matching := make([]CalibratedSample, 0, len(samples))
	for _, s := range samples {
		if pins.MatchesBits(s.Digital) {
			matching = append(matching, s)
		}
	}
	return Combine(matching, missed)
}
