// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package stats

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
	"github.com/esxi-tools/vscsi-helper/metric/series"
)

// WindowStats summarizes one metric over one window. It is derived on demand and
// never updated.
type WindowStats struct {
	Window      series.Window        `json:"-" yaml:"-"`
	Metric      histogram.Kind       `json:"metric" yaml:"metric"`
	Samples     int                  `json:"samples" yaml:"samples"`
	Total       int64                `json:"total" yaml:"total"`
	Mean        Estimate             `json:"mean" yaml:"mean"`
	StdDev      Estimate             `json:"stddev" yaml:"stddev"`
	Percentiles map[int]Estimate     `json:"percentiles" yaml:"percentiles"`
	Histogram   *histogram.Histogram `json:"-" yaml:"-"`
}

// Percentile returns a configured percentile, or derives it from the merged
// histogram when it was not part of the configured set.
func (ws WindowStats) Percentile(p int) Estimate {
	if e, ok := ws.Percentiles[p]; ok {
		return e
	}
	e, err := Percentile(ws.Histogram, float64(p), Options{})
	if err != nil {
		return Undefined()
	}
	return e
}

// ForWindow merges the window's histograms of one kind and summarizes them.
// Windows without data produce undefined estimates unless opts.Strict is set.
func ForWindow(w series.Window, kind histogram.Kind, opts Options) (WindowStats, error) {
	merged, err := w.Merge(kind)
	if err != nil {
		return WindowStats{}, err
	}
	ws := WindowStats{
		Window:      w,
		Metric:      kind,
		Mean:        Mean(merged),
		StdDev:      StdDev(merged),
		Percentiles: make(map[int]Estimate, len(opts.Percentiles)),
		Histogram:   merged,
	}
	for _, sample := range w.Samples() {
		if _, ok := sample.Histogram(kind); ok {
			ws.Samples++
		}
	}
	if merged != nil {
		ws.Total = merged.Total()
	}
	for _, p := range opts.Percentiles {
		e, err := Percentile(merged, float64(p), opts)
		if err != nil {
			return WindowStats{}, fmt.Errorf("%s %s: %w", w.DeviceID, kind, err)
		}
		ws.Percentiles[p] = e
	}
	return ws, nil
}

// WindowSet holds the statistics of every metric for one window.
type WindowSet struct {
	Window  series.Window                  `json:"window" yaml:"window"`
	Metrics map[histogram.Kind]WindowStats `json:"metrics" yaml:"metrics"`
}

func (s WindowSet) Get(kind histogram.Kind) (WindowStats, bool) {
	ws, ok := s.Metrics[kind]
	return ws, ok
}

// MetricError attributes a failure to the metric it happened on.
type MetricError struct {
	Metric histogram.Kind
	Err    error
}

func (e *MetricError) Error() string {
	return fmt.Sprintf("%s: %v", e.Metric, e.Err)
}

func (e *MetricError) Unwrap() error {
	return e.Err
}

// ForWindowSet computes the statistics of each kind. Kinds that fail, typically
// because their bucket layout changed inside the window, are left out of the set
// and their errors are returned together as *MetricError values.
func ForWindowSet(w series.Window, kinds []histogram.Kind, opts Options) (WindowSet, error) {
	set := WindowSet{Window: w, Metrics: make(map[histogram.Kind]WindowStats, len(kinds))}
	var errs error
	for _, kind := range kinds {
		ws, err := ForWindow(w, kind, opts)
		if err != nil {
			errs = multierr.Append(errs, &MetricError{Metric: kind, Err: err})
			continue
		}
		set.Metrics[kind] = ws
	}
	return set, errs
}
