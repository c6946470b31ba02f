// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package analysis

import (
	"errors"
	"time"

	"github.com/esxi-tools/vscsi-helper/analysis/classify"
	"github.com/esxi-tools/vscsi-helper/capture"
	"github.com/esxi-tools/vscsi-helper/metric/histogram"
	"github.com/esxi-tools/vscsi-helper/metric/series"
	"github.com/esxi-tools/vscsi-helper/metric/stats"
)

type ErrorKind string

const (
	KindMalformedHistogram     ErrorKind = "malformed_histogram"
	KindUnknownMetric          ErrorKind = "unknown_metric"
	KindIncompatibleHistograms ErrorKind = "incompatible_histograms"
	KindOutOfOrderSample       ErrorKind = "out_of_order_sample"
	KindEmptyHistogram         ErrorKind = "empty_histogram"
	KindOther                  ErrorKind = "other"
)

func kindOf(err error) ErrorKind {
	switch {
	case errors.Is(err, histogram.ErrUnknownMetric):
		return KindUnknownMetric
	case errors.Is(err, histogram.ErrIncompatibleHistograms):
		return KindIncompatibleHistograms
	case errors.Is(err, series.ErrOutOfOrderSample):
		return KindOutOfOrderSample
	case errors.Is(err, stats.ErrEmptyHistogram):
		return KindEmptyHistogram
	case errors.Is(err, histogram.ErrMalformedHistogram):
		return KindMalformedHistogram
	}
	return KindOther
}

// Error is a problem found during a run, located as precisely as the stage
// that found it allows. It never stops the rest of the run unless
// abort_on_first_error is set.
type Error struct {
	Kind ErrorKind `json:"kind" yaml:"kind"`
	// Input is the index of the capture the error came from.
	Input  int            `json:"input" yaml:"input"`
	Line   int            `json:"line,omitempty" yaml:"line,omitempty"`
	Device string         `json:"device,omitempty" yaml:"device,omitempty"`
	Metric histogram.Kind `json:"metric,omitempty" yaml:"metric,omitempty"`
	// Window is set for errors raised while summarizing a window.
	Window *series.Window `json:"window,omitempty" yaml:"window,omitempty"`
	// Recovered marks malformed rows that were dropped from an otherwise kept block.
	Recovered bool   `json:"recovered,omitempty" yaml:"recovered,omitempty"`
	Message   string `json:"message" yaml:"message"`
	Err       error  `json:"-" yaml:"-"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

func parseError(input int, err error) *Error {
	e := &Error{Kind: kindOf(err), Input: input, Message: err.Error(), Err: err}
	var pe *capture.ParseError
	if errors.As(err, &pe) {
		e.Line = pe.Line
		e.Device = pe.Device
		e.Metric = histogram.Kind(pe.Metric)
		e.Recovered = pe.Recovered
	}
	return e
}

func windowError(w series.Window, err error) *Error {
	e := &Error{Kind: kindOf(err), Input: -1, Device: w.DeviceID, Window: &w, Message: err.Error(), Err: err}
	var me *stats.MetricError
	if errors.As(err, &me) {
		e.Metric = me.Metric
	}
	return e
}

// Report is the outcome of one run: statistics and labels for every window of
// every device, plus everything that was skipped on the way.
type Report struct {
	ID          string          `json:"id" yaml:"id"`
	GeneratedAt time.Time       `json:"generated_at" yaml:"generated_at"`
	Devices     []*DeviceReport `json:"devices" yaml:"devices"`
	Errors      []*Error        `json:"errors" yaml:"errors"`
}

type DeviceReport struct {
	DeviceID string         `json:"device_id" yaml:"device_id"`
	Samples  int            `json:"samples" yaml:"samples"`
	Windows  []WindowResult `json:"windows" yaml:"windows"`
}

type WindowResult struct {
	Window  series.Window                        `json:"window" yaml:"window"`
	Samples int                                  `json:"samples" yaml:"samples"`
	Labels  []classify.Label                     `json:"labels" yaml:"labels"`
	Metrics map[histogram.Kind]stats.WindowStats `json:"metrics" yaml:"metrics"`
}

// Device returns the report of one device, if it was analyzed.
func (r *Report) Device(id string) (*DeviceReport, bool) {
	for _, d := range r.Devices {
		if d.DeviceID == id {
			return d, true
		}
	}
	return nil, false
}

// ErrorSummary counts the errors of a run by kind.
type ErrorSummary struct {
	Total         int               `json:"total" yaml:"total"`
	BlocksSkipped int               `json:"blocks_skipped" yaml:"blocks_skipped"`
	RowsDropped   int               `json:"rows_dropped" yaml:"rows_dropped"`
	ByKind        map[ErrorKind]int `json:"by_kind" yaml:"by_kind"`
}

func (r *Report) Summary() ErrorSummary {
	s := ErrorSummary{Total: len(r.Errors), ByKind: make(map[ErrorKind]int)}
	for _, e := range r.Errors {
		s.ByKind[e.Kind]++
		switch {
		case e.Recovered:
			s.RowsDropped++
		case e.Window == nil && e.Kind != KindOutOfOrderSample:
			s.BlocksSkipped++
		}
	}
	return s
}
