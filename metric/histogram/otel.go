// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package histogram

import (
	"fmt"
	"math"

	"go.opentelemetry.io/collector/pdata/pmetric"
)

// ConvertToOtel fills an explicit-bounds data point. OTel buckets carry no lower
// edge for the first bucket and always end with an overflow bucket, so a bounded
// histogram gains an empty overflow bucket. Sum is only set when every observation
// sits in a bounded bucket, using bucket midpoints.
func (h *Histogram) ConvertToOtel(dp pmetric.HistogramDataPoint) {
	dp.SetCount(uint64(h.total))
	dp.ExplicitBounds().EnsureCapacity(len(h.buckets))
	dp.BucketCounts().EnsureCapacity(len(h.buckets) + 1)
	for i, b := range h.buckets {
		if !b.Unbounded() {
			dp.ExplicitBounds().Append(b.Upper)
		}
		dp.BucketCounts().Append(uint64(h.buckets[i].Count))
	}
	if !h.Unbounded() {
		dp.BucketCounts().Append(0)
	}

	last := h.buckets[len(h.buckets)-1]
	if last.Unbounded() && last.Count > 0 {
		return
	}
	var sum float64
	for _, b := range h.buckets {
		sum += b.Midpoint() * float64(b.Count)
	}
	dp.SetSum(sum)
}

// NewFromOtel rebuilds a histogram from an explicit-bounds data point. lower is the
// domain minimum of the metric, which OTel does not carry.
func NewFromOtel(kind Kind, dp pmetric.HistogramDataPoint, lower float64) (*Histogram, error) {
	bounds := dp.ExplicitBounds()
	counts := dp.BucketCounts()
	if counts.Len() != bounds.Len()+1 {
		return nil, fmt.Errorf("%d bucket counts for %d bounds: %w", counts.Len(), bounds.Len(), ErrMalformedHistogram)
	}
	buckets := make([]Bucket, 0, counts.Len())
	for i := 0; i < counts.Len(); i++ {
		b := Bucket{Lower: lower, Upper: math.Inf(1)}
		if i > 0 {
			b.Lower = bounds.At(i - 1)
		}
		if i < bounds.Len() {
			b.Upper = bounds.At(i)
		}
		c := counts.At(i)
		if c > math.MaxInt64 {
			return nil, fmt.Errorf("bucket %d: count %d overflows: %w", i, c, ErrMalformedHistogram)
		}
		b.Count = int64(c)
		buckets = append(buckets, b)
	}
	return NewWithTotal(kind, buckets, int64(dp.Count()))
}
