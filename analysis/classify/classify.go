// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

// Package classify labels the I/O shape of a window from its statistics.
// Classification is a pure function of its inputs; the only temporal rule,
// burst onset, receives the previous window explicitly.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
	"github.com/esxi-tools/vscsi-helper/metric/series"
	"github.com/esxi-tools/vscsi-helper/metric/stats"
)

type Label string

const (
	SequentialDominant    Label = "sequential_dominant"
	RandomDominant        Label = "random_dominant"
	LatencyOutlierPresent Label = "latency_outlier_present"
	BurstOnset            Label = "burst_onset"
)

var ErrInvalidThresholds = errors.New("invalid thresholds")

type Thresholds struct {
	// SeqThreshold is the share of seek distance mass near zero above which a
	// window is sequential.
	SeqThreshold float64
	// OutlierMultiple is the p99/p50 latency ratio above which a window has
	// latency outliers.
	OutlierMultiple float64
	// BurstRatio is the growth of outstanding I/O p95 over the previous window
	// above which a burst starts.
	BurstRatio float64
	// SeekNearZero is the distance, in LBNs, a seek bucket may extend from zero
	// and still count as sequential.
	SeekNearZero float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		SeqThreshold:    0.8,
		OutlierMultiple: 10,
		BurstRatio:      3,
		SeekNearZero:    2,
	}
}

func (th Thresholds) Validate() error {
	switch {
	case !(th.SeqThreshold > 0 && th.SeqThreshold <= 1):
		return fmt.Errorf("seq_threshold %v outside (0, 1]: %w", th.SeqThreshold, ErrInvalidThresholds)
	case !(th.OutlierMultiple > 0) || math.IsInf(th.OutlierMultiple, 0):
		return fmt.Errorf("outlier_multiple %v not positive: %w", th.OutlierMultiple, ErrInvalidThresholds)
	case !(th.BurstRatio > 0) || math.IsInf(th.BurstRatio, 0):
		return fmt.Errorf("burst_ratio %v not positive: %w", th.BurstRatio, ErrInvalidThresholds)
	case !(th.SeekNearZero >= 0) || math.IsInf(th.SeekNearZero, 0):
		return fmt.Errorf("seek_near_zero %v negative: %w", th.SeekNearZero, ErrInvalidThresholds)
	}
	return nil
}

// Classification is the set of labels a window earned.
type Classification struct {
	Window series.Window
	Labels mapset.Set[Label]
}

func (c Classification) Has(l Label) bool {
	return c.Labels != nil && c.Labels.Contains(l)
}

// Sorted returns the labels in lexical order.
func (c Classification) Sorted() []Label {
	if c.Labels == nil {
		return []Label{}
	}
	labels := c.Labels.ToSlice()
	sort.Slice(labels, func(i, j int) bool { return labels[i] < labels[j] })
	return labels
}

type classificationJSON struct {
	Window series.Window `json:"window" yaml:"window"`
	Labels []Label       `json:"labels" yaml:"labels"`
}

func (c Classification) MarshalJSON() ([]byte, error) {
	return json.Marshal(classificationJSON{Window: c.Window, Labels: c.Sorted()})
}

func (c Classification) MarshalYAML() (interface{}, error) {
	return classificationJSON{Window: c.Window, Labels: c.Sorted()}, nil
}

// Classify labels the current window. previous is the window immediately
// before it, or nil for the first window of a series.
func Classify(th Thresholds, current stats.WindowSet, previous *stats.WindowSet) Classification {
	labels := mapset.NewSet[Label]()
	if seek, ok := current.Get(histogram.KindSeekDistance); ok && seek.Histogram != nil && !seek.Histogram.Empty() {
		if nearZero(seek.Histogram, th.SeekNearZero) >= th.SeqThreshold {
			labels.Add(SequentialDominant)
		} else {
			labels.Add(RandomDominant)
		}
	}
	for _, kind := range histogram.LatencyKinds() {
		if ws, ok := current.Get(kind); ok && hasOutliers(ws, th.OutlierMultiple) {
			labels.Add(LatencyOutlierPresent)
			break
		}
	}
	if previous != nil && burstStarted(th.BurstRatio, current, *previous) {
		labels.Add(BurstOnset)
	}
	return Classification{Window: current.Window, Labels: labels}
}

// Fold classifies windows in order, handing each one the statistics of the
// window before it.
func Fold(th Thresholds, sets []stats.WindowSet) []Classification {
	out := make([]Classification, len(sets))
	for i := range sets {
		var previous *stats.WindowSet
		if i > 0 {
			previous = &sets[i-1]
		}
		out[i] = Classify(th, sets[i], previous)
	}
	return out
}

// nearZero is the share of seek mass in buckets holding zero or lying within
// distance of it.
func nearZero(h *histogram.Histogram, distance float64) float64 {
	return h.Fraction(func(b histogram.Bucket) bool {
		return b.Contains(0) || (b.Lower >= -distance && b.Upper <= distance)
	})
}

// hasOutliers compares p99 against p50. A p99 pinned to the overflow bucket is
// a lower bound, which only makes the comparison more certain.
func hasOutliers(ws stats.WindowStats, multiple float64) bool {
	p50, p99 := ws.Percentile(50), ws.Percentile(99)
	if !p50.Defined || !p99.Defined {
		return false
	}
	return p99.Value > multiple*p50.Value
}

func burstStarted(ratio float64, current, previous stats.WindowSet) bool {
	cur, ok := current.Get(histogram.KindOutstandingIO)
	if !ok {
		return false
	}
	prev, ok := previous.Get(histogram.KindOutstandingIO)
	if !ok {
		return false
	}
	curP95, prevP95 := cur.Percentile(95), prev.Percentile(95)
	if !curP95.Defined || !prevP95.Defined {
		return false
	}
	return curP95.Value > ratio*prevP95.Value
}
