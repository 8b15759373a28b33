// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Thermoquad/ppkstat/pkg/ppk2"
)

func TestSpikeFilter_SteadyRangePassesThrough(t *testing.T) {
	f := &spikeFilter{}
	for _, v := range []float64{1, 5, 2, 8} {
		assert.Equal(t, v, f.apply(v, 2))
	}
}

func TestSpikeFilter_RangeSwitch(t *testing.T) {
	f := &spikeFilter{}
	for i := 0; i < 3; i++ {
		assert.Equal(t, 1.0, f.apply(1, 0))
	}

	// Three samples after the switch follow the fast average
	avg := 1.0
	for i := 0; i < spikeFilterSamples; i++ {
		avg = spikeFilterAlpha*2 + (1-spikeFilterAlpha)*avg
		assert.InDelta(t, avg, f.apply(2, 1), 1e-12, "sample %d after switch", i)
	}

	// Then values pass through again
	assert.Equal(t, 2.0, f.apply(2, 1))
}

func TestSpikeFilter_TopRange(t *testing.T) {
	f := &spikeFilter{}
	f.apply(1, 0)

	// The first two samples on the top range are held out of the averages
	assert.Equal(t, 1.0, f.apply(10, ppk2.MaxRange))
	assert.Equal(t, 1.0, f.apply(10, ppk2.MaxRange))

	top := spikeFilterAlphaTop*10 + (1-spikeFilterAlphaTop)*1
	assert.InDelta(t, top, f.apply(10, ppk2.MaxRange), 1e-12)

	assert.Equal(t, 10.0, f.apply(10, ppk2.MaxRange))
}

func TestSpikeFilter_SwitchDuringFiltering(t *testing.T) {
	f := &spikeFilter{}
	f.apply(1, 0)
	f.apply(1, 1)
	f.apply(1, 1)

	// Switching back restarts the filtered window
	f.apply(1, 0)
	assert.Equal(t, spikeFilterSamples-1, f.afterSpike)
	assert.Equal(t, 0, f.consecutive)
}
