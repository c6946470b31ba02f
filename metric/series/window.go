// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package series

import (
	"fmt"
	"time"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
)

// Window is a read-only view of the samples of one device in [Start, End).
type Window struct {
	DeviceID string    `json:"device_id" yaml:"device_id"`
	Start    time.Time `json:"start" yaml:"start"`
	End      time.Time `json:"end" yaml:"end"`
	samples  []*DeviceSample
}

func (w Window) Len() int {
	return len(w.samples)
}

func (w Window) Empty() bool {
	return len(w.samples) == 0
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Samples returns the samples in timestamp order.
func (w Window) Samples() []*DeviceSample {
	samples := make([]*DeviceSample, len(w.samples))
	copy(samples, w.samples)
	return samples
}

// Merge sums the histograms of one kind across the window. It returns nil when no
// sample captured that kind.
func (w Window) Merge(kind histogram.Kind) (*histogram.Histogram, error) {
	var merged *histogram.Histogram
	for _, sample := range w.samples {
		h, ok := sample.Histogram(kind)
		if !ok {
			continue
		}
		if merged == nil {
			merged = h
			continue
		}
		next, err := merged.Merge(h)
		if err != nil {
			return nil, fmt.Errorf("%s window [%s, %s) at sample %s: %w", w.DeviceID,
				w.Start.Format(time.RFC3339Nano), w.End.Format(time.RFC3339Nano),
				sample.timestamp.Format(time.RFC3339Nano), err)
		}
		merged = next
	}
	return merged, nil
}
