// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package analysis

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/esxi-tools/vscsi-helper/analysis/classify"
)

const namespace = "vscsi"

// Metrics counts what the analyzer processed. The counters accumulate across
// runs of the same Analyzer.
type Metrics struct {
	BlocksParsed      prometheus.Counter
	BlocksSkipped     *prometheus.CounterVec
	WindowsClassified prometheus.Counter
	WindowLabels      *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg, if set.
// Counters already registered by another Analyzer are shared.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		BlocksParsed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_parsed_total",
			Help:      "Histogram blocks parsed from captures.",
		}),
		BlocksSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blocks_skipped_total",
			Help:      "Histogram blocks skipped, by reason.",
		}, []string{"reason"}),
		WindowsClassified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_classified_total",
			Help:      "Windows that went through classification.",
		}),
		WindowLabels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "window_labels_total",
			Help:      "Workload labels assigned to windows, by label.",
		}, []string{"label"}),
	}
	if reg == nil {
		return m, nil
	}
	var err error
	if m.BlocksParsed, err = register(reg, m.BlocksParsed); err != nil {
		return nil, err
	}
	if m.BlocksSkipped, err = register(reg, m.BlocksSkipped); err != nil {
		return nil, err
	}
	if m.WindowsClassified, err = register(reg, m.WindowsClassified); err != nil {
		return nil, err
	}
	if m.WindowLabels, err = register(reg, m.WindowLabels); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *Metrics) skipped(reason ErrorKind) {
	m.BlocksSkipped.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) classified(c classify.Classification) {
	m.WindowsClassified.Inc()
	for _, l := range c.Sorted() {
		m.WindowLabels.WithLabelValues(string(l)).Inc()
	}
}
