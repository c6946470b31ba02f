// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package histogram

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var inf = math.Inf(1)

func mustNew(t *testing.T, kind Kind, buckets ...Bucket) *Histogram {
	t.Helper()
	h, err := New(kind, buckets)
	require.NoError(t, err)
	return h
}

func TestNew(t *testing.T) {
	testCases := map[string]struct {
		buckets []Bucket
		wantErr bool
	}{
		"Valid": {
			buckets: []Bucket{{0, 10, 5}, {10, 20, 5}, {20, inf, 1}},
		},
		"NegativeLower": {
			buckets: []Bucket{{-10, 0, 1}, {0, 10, 2}},
		},
		"Empty": {
			wantErr: true,
		},
		"Gap": {
			buckets: []Bucket{{0, 10, 5}, {11, 20, 5}},
			wantErr: true,
		},
		"Descending": {
			buckets: []Bucket{{10, 20, 5}, {0, 10, 5}},
			wantErr: true,
		},
		"Inverted": {
			buckets: []Bucket{{10, 10, 5}},
			wantErr: true,
		},
		"NegativeCount": {
			buckets: []Bucket{{0, 10, -1}},
			wantErr: true,
		},
		"UnboundedInMiddle": {
			buckets: []Bucket{{0, inf, 1}, {10, 20, 1}},
			wantErr: true,
		},
		"InfiniteLower": {
			buckets: []Bucket{{math.Inf(-1), 0, 1}},
			wantErr: true,
		},
		"NaNUpper": {
			buckets: []Bucket{{0, math.NaN(), 1}},
			wantErr: true,
		},
	}
	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			h, err := New(KindIOLength, testCase.buckets)
			if testCase.wantErr {
				assert.ErrorIs(t, err, ErrMalformedHistogram)
				assert.Nil(t, h)
				return
			}
			require.NoError(t, err)
			var sum int64
			for _, b := range h.Buckets() {
				sum += b.Count
			}
			assert.Equal(t, sum, h.Total())
		})
	}
}

func TestNewWithTotal(t *testing.T) {
	buckets := []Bucket{{0, 10, 5}, {10, 20, 5}}
	h, err := NewWithTotal(KindIOLength, buckets, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, h.Total())

	_, err = NewWithTotal(KindIOLength, buckets, 11)
	assert.ErrorIs(t, err, ErrMalformedHistogram)
}

func TestBucketsAreCopied(t *testing.T) {
	buckets := []Bucket{{0, 10, 5}}
	h := mustNew(t, KindIOLength, buckets...)
	buckets[0].Count = 100
	assert.EqualValues(t, 5, h.Buckets()[0].Count)
	h.Buckets()[0].Count = 100
	assert.EqualValues(t, 5, h.Buckets()[0].Count)
}

func TestValueAt(t *testing.T) {
	h := mustNew(t, KindLatencyTotal, Bucket{0, 10, 5}, Bucket{10, 20, 5})

	v, lowerBound := h.ValueAt(0.5)
	assert.InDelta(t, 10, v, 1e-9)
	assert.False(t, lowerBound)

	v, _ = h.ValueAt(0.25)
	assert.InDelta(t, 5, v, 1e-9)
	v, _ = h.ValueAt(0)
	assert.InDelta(t, 0, v, 1e-9)
	v, _ = h.ValueAt(1)
	assert.InDelta(t, 20, v, 1e-9)

	// out of range fractions are clamped
	v, _ = h.ValueAt(2)
	assert.InDelta(t, 20, v, 1e-9)
}

func TestValueAtSingleBucket(t *testing.T) {
	h := mustNew(t, KindLatencyTotal, Bucket{0, 10, 0}, Bucket{10, 20, 7}, Bucket{20, 40, 0})
	for _, f := range []float64{0, 0.01, 0.5, 0.99, 1} {
		v, _ := h.ValueAt(f)
		assert.GreaterOrEqual(t, v, 10.0)
		assert.LessOrEqual(t, v, 20.0)
	}
}

func TestValueAtUnbounded(t *testing.T) {
	h := mustNew(t, KindLatencyTotal, Bucket{0, 100, 90}, Bucket{100, inf, 10})
	v, lowerBound := h.ValueAt(0.99)
	assert.Equal(t, 100.0, v)
	assert.True(t, lowerBound)

	v, lowerBound = h.ValueAt(0.5)
	assert.False(t, lowerBound)
	assert.InDelta(t, 500.0/9, v, 1e-9)
}

func TestValueAtEmpty(t *testing.T) {
	h := mustNew(t, KindLatencyTotal, Bucket{0, 100, 0}, Bucket{100, inf, 0})
	assert.True(t, h.Empty())
	v, lowerBound := h.ValueAt(0.5)
	assert.True(t, math.IsNaN(v))
	assert.False(t, lowerBound)
	assert.True(t, math.IsNaN(h.FractionWithin(0, 100)))
}

func TestFraction(t *testing.T) {
	h := mustNew(t, KindSeekDistance,
		Bucket{-100, -2, 1},
		Bucket{-2, 0, 2},
		Bucket{0, 2, 5},
		Bucket{2, inf, 2},
	)
	assert.InDelta(t, 0.7, h.FractionWithin(-2, 2), 1e-9)
	assert.InDelta(t, 0.5, h.Fraction(func(b Bucket) bool { return b.Contains(0) }), 1e-9)
	assert.InDelta(t, 0.2, h.Fraction(Bucket.Unbounded), 1e-9)
}

func TestMerge(t *testing.T) {
	a := mustNew(t, KindIOLength, Bucket{0, 512, 1}, Bucket{512, 4096, 2}, Bucket{4096, inf, 3})
	b := mustNew(t, KindIOLength, Bucket{0, 512, 4}, Bucket{512, 4096, 0}, Bucket{4096, inf, 1})
	c := mustNew(t, KindIOLength, Bucket{0, 512, 2}, Bucket{512, 4096, 2}, Bucket{4096, inf, 2})

	ab, err := a.Merge(b)
	require.NoError(t, err)
	assert.EqualValues(t, 11, ab.Total())
	assert.Equal(t, []Bucket{{0, 512, 5}, {512, 4096, 2}, {4096, inf, 4}}, ab.Buckets())

	// commutative
	ba, err := b.Merge(a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba)

	// associative
	abc, err := ab.Merge(c)
	require.NoError(t, err)
	bc, err := b.Merge(c)
	require.NoError(t, err)
	aBC, err := a.Merge(bc)
	require.NoError(t, err)
	assert.Equal(t, abc, aBC)

	// zero is the identity
	az, err := a.Merge(a.Zero())
	require.NoError(t, err)
	assert.Equal(t, a, az)

	// operands untouched
	assert.EqualValues(t, 6, a.Total())
	assert.EqualValues(t, 5, b.Total())
}

func TestMergeIncompatible(t *testing.T) {
	a := mustNew(t, KindIOLength, Bucket{0, 512, 1}, Bucket{512, inf, 1})
	testCases := map[string]*Histogram{
		"Boundaries":  mustNew(t, KindIOLength, Bucket{0, 1024, 1}, Bucket{1024, inf, 1}),
		"BucketCount": mustNew(t, KindIOLength, Bucket{0, 512, 1}, Bucket{512, 1024, 1}, Bucket{1024, inf, 1}),
		"Kind":        mustNew(t, KindSeekDistance, Bucket{0, 512, 1}, Bucket{512, inf, 1}),
		"Nil":         nil,
	}
	for name, other := range testCases {
		t.Run(name, func(t *testing.T) {
			merged, err := a.Merge(other)
			assert.ErrorIs(t, err, ErrIncompatibleHistograms)
			assert.Nil(t, merged)
		})
	}
}

func TestMergeOverflow(t *testing.T) {
	half := int64(math.MaxInt64/2 + 1)
	a := mustNew(t, KindIOLength, Bucket{0, 512, half}, Bucket{512, inf, 0})
	merged, err := a.Merge(a)
	assert.ErrorIs(t, err, ErrMalformedHistogram)
	assert.Nil(t, merged)

	b := mustNew(t, KindIOLength, Bucket{0, 512, math.MaxInt64 - 1}, Bucket{512, inf, 0})
	c := mustNew(t, KindIOLength, Bucket{0, 512, 1}, Bucket{512, inf, 0})
	merged, err = b.Merge(c)
	require.NoError(t, err)
	assert.EqualValues(t, int64(math.MaxInt64), merged.Total())
}

func TestParseKind(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(string(k))
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}
	_, err := ParseKind("interarrival")
	assert.ErrorIs(t, err, ErrUnknownMetric)
	assert.True(t, KindLatencyQueue.IsLatency())
	assert.False(t, KindSeekDistance.IsLatency())
	assert.Len(t, LatencyKinds(), 4)
}
