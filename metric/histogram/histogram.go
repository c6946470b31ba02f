// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package histogram

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrMalformedHistogram     = errors.New("malformed histogram")
	ErrIncompatibleHistograms = errors.New("incompatible histograms")
	ErrUnknownMetric          = errors.New("unknown metric")
)

// Bucket counts the observations that fell in [Lower, Upper). Upper is +Inf for
// the overflow bucket.
type Bucket struct {
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
	Count int64   `json:"count" yaml:"count"`
}

// Unbounded reports whether the bucket catches everything above Lower.
func (b Bucket) Unbounded() bool {
	return math.IsInf(b.Upper, 1)
}

// Contains reports whether v falls in [Lower, Upper).
func (b Bucket) Contains(v float64) bool {
	return v >= b.Lower && v < b.Upper
}

// Midpoint returns the bucket center. The unbounded bucket has no center, so its
// lower bound stands in for it.
func (b Bucket) Midpoint() float64 {
	if b.Unbounded() {
		return b.Lower
	}
	return (b.Lower + b.Upper) / 2
}

// Histogram is an immutable, non-uniformly bucketed distribution of one metric.
type Histogram struct {
	kind    Kind
	buckets []Bucket
	total   int64
}

// New validates the buckets and computes the total from them.
func New(kind Kind, buckets []Bucket) (*Histogram, error) {
	total, err := validate(buckets)
	if err != nil {
		return nil, err
	}
	return &Histogram{kind: kind, buckets: clone(buckets), total: total}, nil
}

// NewWithTotal is New for callers that also carry an externally declared total,
// e.g. from a capture header. A mismatch is a malformed histogram.
func NewWithTotal(kind Kind, buckets []Bucket, declared int64) (*Histogram, error) {
	h, err := New(kind, buckets)
	if err != nil {
		return nil, err
	}
	if h.total != declared {
		return nil, fmt.Errorf("declared total %d does not match bucket sum %d: %w", declared, h.total, ErrMalformedHistogram)
	}
	return h, nil
}

func validate(buckets []Bucket) (int64, error) {
	if len(buckets) == 0 {
		return 0, fmt.Errorf("no buckets: %w", ErrMalformedHistogram)
	}
	var total int64
	for i, b := range buckets {
		if math.IsNaN(b.Lower) || math.IsInf(b.Lower, 0) {
			return 0, fmt.Errorf("bucket %d: lower bound %v is not finite: %w", i, b.Lower, ErrMalformedHistogram)
		}
		if math.IsNaN(b.Upper) || math.IsInf(b.Upper, -1) {
			return 0, fmt.Errorf("bucket %d: invalid upper bound %v: %w", i, b.Upper, ErrMalformedHistogram)
		}
		if b.Unbounded() && i != len(buckets)-1 {
			return 0, fmt.Errorf("bucket %d: only the last bucket may be unbounded: %w", i, ErrMalformedHistogram)
		}
		if b.Upper <= b.Lower {
			return 0, fmt.Errorf("bucket %d: upper bound %v not above lower bound %v: %w", i, b.Upper, b.Lower, ErrMalformedHistogram)
		}
		if i > 0 && b.Lower != buckets[i-1].Upper {
			return 0, fmt.Errorf("bucket %d: lower bound %v does not continue previous upper bound %v: %w", i, b.Lower, buckets[i-1].Upper, ErrMalformedHistogram)
		}
		if b.Count < 0 {
			return 0, fmt.Errorf("bucket %d: negative count %d: %w", i, b.Count, ErrMalformedHistogram)
		}
		if total > math.MaxInt64-b.Count {
			return 0, fmt.Errorf("bucket %d: total overflows: %w", i, ErrMalformedHistogram)
		}
		total += b.Count
	}
	return total, nil
}

func clone(buckets []Bucket) []Bucket {
	c := make([]Bucket, len(buckets))
	copy(c, buckets)
	return c
}

func (h *Histogram) Kind() Kind {
	return h.kind
}

// Buckets returns a copy of the buckets in ascending order.
func (h *Histogram) Buckets() []Bucket {
	return clone(h.buckets)
}

func (h *Histogram) Len() int {
	return len(h.buckets)
}

func (h *Histogram) Total() int64 {
	return h.total
}

// Empty reports whether no observations were recorded. Idle devices produce
// empty histograms routinely.
func (h *Histogram) Empty() bool {
	return h.total == 0
}

// Unbounded reports whether the last bucket is open ended.
func (h *Histogram) Unbounded() bool {
	return h.buckets[len(h.buckets)-1].Unbounded()
}

// SameBoundaries reports whether both histograms use identical bucket edges.
func (h *Histogram) SameBoundaries(other *Histogram) bool {
	if len(h.buckets) != len(other.buckets) {
		return false
	}
	for i := range h.buckets {
		if h.buckets[i].Lower != other.buckets[i].Lower || h.buckets[i].Upper != other.buckets[i].Upper {
			return false
		}
	}
	return true
}

// Zero returns a histogram with the same kind and boundaries and no observations.
func (h *Histogram) Zero() *Histogram {
	buckets := clone(h.buckets)
	for i := range buckets {
		buckets[i].Count = 0
	}
	return &Histogram{kind: h.kind, buckets: buckets}
}

// ValueAt returns the value below which fraction f of the observations fall,
// interpolating linearly inside the bucket that holds the f*total-th observation.
// When that bucket is unbounded its lower edge is returned and lowerBound is true.
// An empty histogram yields NaN.
func (h *Histogram) ValueAt(f float64) (value float64, lowerBound bool) {
	if h.total == 0 || math.IsNaN(f) {
		return math.NaN(), false
	}
	f = math.Max(0, math.Min(1, f))
	rank := f * float64(h.total)
	var before int64
	last := -1
	for i, b := range h.buckets {
		if b.Count == 0 {
			continue
		}
		last = i
		after := before + b.Count
		if float64(after) >= rank {
			return interpolate(b, rank-float64(before))
		}
		before = after
	}
	// rank never exceeds total, so this is only reached through rounding.
	return interpolate(h.buckets[last], float64(h.buckets[last].Count))
}

func interpolate(b Bucket, offset float64) (float64, bool) {
	if b.Unbounded() {
		return b.Lower, true
	}
	return b.Lower + (b.Upper-b.Lower)*(offset/float64(b.Count)), false
}

// Fraction returns the share of observations in buckets matching keep. An empty
// histogram yields NaN.
func (h *Histogram) Fraction(keep func(Bucket) bool) float64 {
	if h.total == 0 {
		return math.NaN()
	}
	var n int64
	for _, b := range h.buckets {
		if keep(b) {
			n += b.Count
		}
	}
	return float64(n) / float64(h.total)
}

// FractionWithin returns the share of observations in buckets lying entirely in [lo, hi].
func (h *Histogram) FractionWithin(lo, hi float64) float64 {
	return h.Fraction(func(b Bucket) bool {
		return b.Lower >= lo && b.Upper <= hi
	})
}

// Merge sums the bucket counts of two histograms of the same kind and boundaries.
// Neither operand is modified.
func (h *Histogram) Merge(other *Histogram) (*Histogram, error) {
	if other == nil {
		return nil, fmt.Errorf("nil histogram: %w", ErrIncompatibleHistograms)
	}
	if h.kind != other.kind {
		return nil, fmt.Errorf("cannot merge %s into %s: %w", other.kind, h.kind, ErrIncompatibleHistograms)
	}
	if !h.SameBoundaries(other) {
		return nil, fmt.Errorf("%s bucket boundaries differ: %w", h.kind, ErrIncompatibleHistograms)
	}
	if h.total > math.MaxInt64-other.total {
		return nil, fmt.Errorf("%s merged total overflows: %w", h.kind, ErrMalformedHistogram)
	}
	buckets := clone(h.buckets)
	for i := range buckets {
		if buckets[i].Count > math.MaxInt64-other.buckets[i].Count {
			return nil, fmt.Errorf("%s bucket %d count overflows: %w", h.kind, i, ErrMalformedHistogram)
		}
		buckets[i].Count += other.buckets[i].Count
	}
	return &Histogram{kind: h.kind, buckets: buckets, total: h.total + other.total}, nil
}
