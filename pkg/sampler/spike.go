// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sampler

import "github.com/Thermoquad/ppkstat/pkg/ppk2"

// Spike filter parameters
const (
	spikeFilterAlpha    = 0.18
	spikeFilterAlphaTop = 0.06 // slower average for the top range
	spikeFilterSamples  = 3
)

// spikeFilter hides the transient the PPK2 produces when it switches
// measurement range. Two exponential averages track the calibrated value
// continuously. For spikeFilterSamples samples after a switch the value is
// replaced by an average: the slower one on the top range, whose first two
// samples after the switch are also kept out of both averages.
//
// Only the read loop touches a spikeFilter.
type spikeFilter struct {
	avg    float64
	avgTop float64
	primed bool

	prevRange   ppk2.Range
	afterSpike  int
	consecutive int
}

// apply returns the filtered value for a sample taken on range r
func (f *spikeFilter) apply(value float64, r ppk2.Range) float64 {
	if !f.primed {
		f.avg, f.avgTop = value, value
		f.prevRange = r
		f.primed = true
		return value
	}

	prevAvg, prevTop := f.avg, f.avgTop
	f.avg = spikeFilterAlpha*value + (1-spikeFilterAlpha)*f.avg
	f.avgTop = spikeFilterAlphaTop*value + (1-spikeFilterAlphaTop)*f.avgTop

	if r != f.prevRange || f.afterSpike > 0 {
		if r != f.prevRange {
			f.consecutive = 0
			f.afterSpike = spikeFilterSamples
		} else {
			f.consecutive++
		}

		if r == ppk2.MaxRange {
			if f.consecutive < 2 {
				f.avg, f.avgTop = prevAvg, prevTop
			}
			value = f.avgTop
		} else {
			value = f.avg
		}
		f.afterSpike--
	}

	f.prevRange = r
	return value
}
