// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

// Package stats estimates summary statistics from bucketed histograms. Raw
// observations are not available, so every value is an estimate: means and
// deviations use bucket midpoints and percentiles interpolate linearly inside
// the bucket that holds them.
package stats

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
)

var (
	ErrEmptyHistogram    = errors.New("empty histogram")
	ErrInvalidPercentile = errors.New("invalid percentile")
)

type Options struct {
	// Strict makes percentiles of empty histograms fail with ErrEmptyHistogram
	// instead of returning an undefined estimate.
	Strict bool
	// Percentiles computed for every window, in [0, 100].
	Percentiles []int
}

func DefaultPercentiles() []int {
	return []int{50, 90, 95, 99}
}

func DefaultOptions() Options {
	return Options{Percentiles: DefaultPercentiles()}
}

// Estimate is a statistic read off a histogram. Undefined estimates come from
// histograms without observations. LowerBound marks values that leaned on the
// unbounded overflow bucket, so the true value is at least Value.
type Estimate struct {
	Value      float64
	Defined    bool
	LowerBound bool
}

func Undefined() Estimate {
	return Estimate{Value: math.NaN()}
}

func (e Estimate) String() string {
	switch {
	case !e.Defined:
		return "undefined"
	case e.LowerBound:
		return fmt.Sprintf(">=%g", e.Value)
	default:
		return fmt.Sprintf("%g", e.Value)
	}
}

type estimateJSON struct {
	Value      float64 `json:"value" yaml:"value"`
	LowerBound bool    `json:"lower_bound,omitempty" yaml:"lower_bound,omitempty"`
}

// MarshalJSON encodes undefined estimates as null since JSON has no NaN.
func (e Estimate) MarshalJSON() ([]byte, error) {
	if !e.Defined {
		return []byte("null"), nil
	}
	return json.Marshal(estimateJSON{Value: e.Value, LowerBound: e.LowerBound})
}

// MarshalYAML mirrors MarshalJSON.
func (e Estimate) MarshalYAML() (interface{}, error) {
	if !e.Defined {
		return nil, nil
	}
	return estimateJSON{Value: e.Value, LowerBound: e.LowerBound}, nil
}

func overflowed(h *histogram.Histogram) bool {
	buckets := h.Buckets()
	last := buckets[len(buckets)-1]
	return last.Unbounded() && last.Count > 0
}

// Mean is the count weighted average of bucket midpoints.
func Mean(h *histogram.Histogram) Estimate {
	if h == nil || h.Empty() {
		return Undefined()
	}
	var sum float64
	for _, b := range h.Buckets() {
		sum += b.Midpoint() * float64(b.Count)
	}
	return Estimate{Value: sum / float64(h.Total()), Defined: true, LowerBound: overflowed(h)}
}

// Variance is the population variance of bucket midpoints. The buckets already
// aggregate many observations, so no Bessel correction is applied.
func Variance(h *histogram.Histogram) Estimate {
	mean := Mean(h)
	if !mean.Defined {
		return mean
	}
	var sum float64
	for _, b := range h.Buckets() {
		d := b.Midpoint() - mean.Value
		sum += d * d * float64(b.Count)
	}
	return Estimate{Value: sum / float64(h.Total()), Defined: true, LowerBound: mean.LowerBound}
}

func StdDev(h *histogram.Histogram) Estimate {
	v := Variance(h)
	if v.Defined {
		v.Value = math.Sqrt(v.Value)
	}
	return v
}

// Percentile returns the p-th percentile, p in [0, 100].
func Percentile(h *histogram.Histogram, p float64, opts Options) (Estimate, error) {
	if math.IsNaN(p) || p < 0 || p > 100 {
		return Undefined(), fmt.Errorf("%v: %w", p, ErrInvalidPercentile)
	}
	if h == nil || h.Empty() {
		if opts.Strict {
			return Undefined(), fmt.Errorf("p%v: %w", p, ErrEmptyHistogram)
		}
		return Undefined(), nil
	}
	v, lowerBound := h.ValueAt(p / 100)
	return Estimate{Value: v, Defined: true, LowerBound: lowerBound}, nil
}
