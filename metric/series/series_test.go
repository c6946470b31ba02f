// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package series

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
)

const device = "vm01/scsi0:0"

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func seekHistogram(t *testing.T, near, far int64) *histogram.Histogram {
	t.Helper()
	h, err := histogram.New(histogram.KindSeekDistance, []histogram.Bucket{
		{Lower: -1000, Upper: -2, Count: 0},
		{Lower: -2, Upper: 2, Count: near},
		{Lower: 2, Upper: math.Inf(1), Count: far},
	})
	require.NoError(t, err)
	return h
}

func sample(t *testing.T, deviceID string, offset time.Duration, hs ...*histogram.Histogram) *DeviceSample {
	t.Helper()
	s, err := NewDeviceSample(deviceID, t0.Add(offset), hs...)
	require.NoError(t, err)
	return s
}

func timestamps(samples []*DeviceSample) []time.Duration {
	offsets := make([]time.Duration, len(samples))
	for i, s := range samples {
		offsets[i] = s.Timestamp().Sub(t0)
	}
	return offsets
}

func TestNewDeviceSample(t *testing.T) {
	h := seekHistogram(t, 1, 1)
	s := sample(t, device, 0, h)
	got, ok := s.Histogram(histogram.KindSeekDistance)
	assert.True(t, ok)
	assert.Same(t, h, got)
	_, ok = s.Histogram(histogram.KindIOLength)
	assert.False(t, ok)
	assert.Equal(t, []histogram.Kind{histogram.KindSeekDistance}, s.Kinds())

	_, err := NewDeviceSample(device, t0, h, seekHistogram(t, 2, 2))
	assert.ErrorIs(t, err, ErrDuplicateMetric)
}

func TestAppendStrict(t *testing.T) {
	s := New(device, DefaultOptions())
	require.NoError(t, s.Append(sample(t, device, 0)))
	require.NoError(t, s.Append(sample(t, device, 2*time.Second)))

	assert.ErrorIs(t, s.Append(sample(t, device, time.Second)), ErrOutOfOrderSample)
	assert.ErrorIs(t, s.Append(sample(t, device, 2*time.Second)), ErrOutOfOrderSample)
	assert.ErrorIs(t, s.Append(sample(t, "vm02/scsi0:0", 3*time.Second)), ErrDeviceMismatch)
	assert.Equal(t, 2, s.Len())
}

func TestAppendLenient(t *testing.T) {
	s := New(device, Options{StrictOrdering: false})
	for _, offset := range []time.Duration{3, 1, 2, 0} {
		require.NoError(t, s.Append(sample(t, device, offset*time.Second)))
	}
	// duplicates cannot be reordered and are still refused
	assert.ErrorIs(t, s.Append(sample(t, device, time.Second)), ErrOutOfOrderSample)
	assert.Equal(t, []time.Duration{0, time.Second, 2 * time.Second, 3 * time.Second}, timestamps(s.Samples()))
}

func TestSeal(t *testing.T) {
	s := New(device, DefaultOptions())
	require.NoError(t, s.Append(sample(t, device, 0)))
	s.Seal()
	assert.True(t, s.Sealed())
	assert.ErrorIs(t, s.Append(sample(t, device, time.Second)), ErrSealed)
	assert.Equal(t, 1, s.Len())
}

func TestWindow(t *testing.T) {
	s := New(device, DefaultOptions())
	for i := 0; i < 6; i++ {
		require.NoError(t, s.Append(sample(t, device, time.Duration(i)*10*time.Second)))
	}

	w := s.Window(t0.Add(10*time.Second), t0.Add(30*time.Second))
	assert.Equal(t, []time.Duration{10 * time.Second, 20 * time.Second}, timestamps(w.Samples()))
	assert.True(t, w.Contains(t0.Add(29*time.Second)))
	assert.False(t, w.Contains(t0.Add(30*time.Second)))

	empty := s.Window(t0.Add(time.Hour), t0.Add(2*time.Hour))
	assert.True(t, empty.Empty())
	assert.Equal(t, device, empty.DeviceID)

	inverted := s.Window(t0.Add(30*time.Second), t0)
	assert.True(t, inverted.Empty())

	// windows are views, the series is unchanged
	assert.Equal(t, 6, s.Len())
}

func TestWindows(t *testing.T) {
	s := New(device, DefaultOptions())
	for _, offset := range []time.Duration{0, 10, 20, 50} {
		require.NoError(t, s.Append(sample(t, device, offset*time.Second)))
	}

	windows := s.Windows(20 * time.Second)
	require.Len(t, windows, 3)
	assert.Equal(t, 2, windows[0].Len())
	assert.Equal(t, 1, windows[1].Len())
	assert.Equal(t, 1, windows[2].Len())
	for i := 1; i < len(windows); i++ {
		assert.Equal(t, windows[i-1].End, windows[i].Start)
	}

	gappy := s.Windows(10 * time.Second)
	require.Len(t, gappy, 6)
	assert.True(t, gappy[3].Empty())
	assert.True(t, gappy[4].Empty())

	whole := s.Windows(0)
	require.Len(t, whole, 1)
	assert.Equal(t, 4, whole[0].Len())

	assert.Nil(t, New(device, DefaultOptions()).Windows(time.Second))
}

func TestWindowCount(t *testing.T) {
	s := New(device, DefaultOptions())
	assert.Zero(t, s.WindowCount(time.Second))
	for _, offset := range []time.Duration{5 * time.Second, 50 * time.Second} {
		require.NoError(t, s.Append(sample(t, device, offset)))
	}
	for _, interval := range []time.Duration{0, time.Second, 10 * time.Second, 20 * time.Second, time.Hour} {
		assert.Len(t, s.Windows(interval), s.WindowCount(interval), interval.String())
	}
	assert.NoError(t, s.CheckWindows(time.Second))

	wide := New(device, DefaultOptions())
	require.NoError(t, wide.Append(sample(t, device, 0)))
	require.NoError(t, wide.Append(sample(t, device, MaxWindows*time.Second)))
	assert.Equal(t, MaxWindows+1, wide.WindowCount(time.Second))
	assert.ErrorIs(t, wide.CheckWindows(time.Second), ErrTooManyWindows)
	assert.NoError(t, wide.CheckWindows(time.Minute))
}

func TestMergeWindow(t *testing.T) {
	s := New(device, DefaultOptions())
	require.NoError(t, s.Append(sample(t, device, 0, seekHistogram(t, 8, 2))))
	require.NoError(t, s.Append(sample(t, device, time.Second)))
	require.NoError(t, s.Append(sample(t, device, 2*time.Second, seekHistogram(t, 1, 9))))

	w := s.Window(t0, t0.Add(time.Minute))
	merged, err := s.MergeWindow(w, histogram.KindSeekDistance)
	require.NoError(t, err)
	assert.EqualValues(t, 20, merged.Total())
	assert.InDelta(t, 0.45, merged.FractionWithin(-2, 2), 1e-9)

	missing, err := s.MergeWindow(w, histogram.KindLatencyTotal)
	require.NoError(t, err)
	assert.Nil(t, missing)

	other := New("vm02/scsi0:0", DefaultOptions())
	_, err = other.MergeWindow(w, histogram.KindSeekDistance)
	assert.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestMergeWindowBoundaryChange(t *testing.T) {
	rebucketed, err := histogram.New(histogram.KindSeekDistance, []histogram.Bucket{
		{Lower: -1000, Upper: -4, Count: 0},
		{Lower: -4, Upper: 4, Count: 3},
		{Lower: 4, Upper: math.Inf(1), Count: 3},
	})
	require.NoError(t, err)

	s := New(device, DefaultOptions())
	require.NoError(t, s.Append(sample(t, device, 0, seekHistogram(t, 8, 2))))
	require.NoError(t, s.Append(sample(t, device, time.Second, rebucketed)))

	merged, err := s.MergeWindow(s.Window(t0, t0.Add(time.Minute)), histogram.KindSeekDistance)
	assert.ErrorIs(t, err, histogram.ErrIncompatibleHistograms)
	assert.Nil(t, merged)

	// each side of the boundary still merges on its own
	before, err := s.MergeWindow(s.Window(t0, t0.Add(time.Second)), histogram.KindSeekDistance)
	require.NoError(t, err)
	assert.EqualValues(t, 10, before.Total())
}
