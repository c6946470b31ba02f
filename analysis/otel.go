// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package analysis

import (
	"go.opentelemetry.io/collector/pdata/pcommon"
	"go.opentelemetry.io/collector/pdata/pmetric"

	"github.com/esxi-tools/vscsi-helper/internal/version"
	"github.com/esxi-tools/vscsi-helper/metric/histogram"
)

const (
	scopeName        = "github.com/esxi-tools/vscsi-helper/analysis"
	metricPrefix     = "vscsi."
	labelMetric      = "vscsi.window.label"
	attributeDevice  = "vscsi.device.id"
	attributeLabel   = "label"
	attributeSamples = "vscsi.window.samples"
)

// ToOtelMetrics exports a report as OTLP metrics with one resource per device.
// Every window that holds data for a kind becomes one delta histogram data
// point spanning the window. Labels become a gauge with one point per label.
func ToOtelMetrics(r *Report) pmetric.Metrics {
	md := pmetric.NewMetrics()
	for _, d := range r.Devices {
		rm := md.ResourceMetrics().AppendEmpty()
		rm.Resource().Attributes().PutStr(attributeDevice, d.DeviceID)
		sm := rm.ScopeMetrics().AppendEmpty()
		sm.Scope().SetName(scopeName)
		sm.Scope().SetVersion(version.Number())
		for _, kind := range histogram.Kinds() {
			appendHistogram(sm.Metrics(), kind, d)
		}
		appendLabels(sm.Metrics(), d)
	}
	return md
}

func appendHistogram(metrics pmetric.MetricSlice, kind histogram.Kind, d *DeviceReport) {
	var points pmetric.HistogramDataPointSlice
	created := false
	for _, w := range d.Windows {
		ws, ok := w.Metrics[kind]
		if !ok || ws.Histogram == nil {
			continue
		}
		if !created {
			m := metrics.AppendEmpty()
			m.SetName(metricPrefix + string(kind))
			m.SetUnit(kind.Unit())
			h := m.SetEmptyHistogram()
			h.SetAggregationTemporality(pmetric.AggregationTemporalityDelta)
			points = h.DataPoints()
			created = true
		}
		dp := points.AppendEmpty()
		dp.SetStartTimestamp(pcommon.NewTimestampFromTime(w.Window.Start))
		dp.SetTimestamp(pcommon.NewTimestampFromTime(w.Window.End))
		dp.Attributes().PutInt(attributeSamples, int64(ws.Samples))
		ws.Histogram.ConvertToOtel(dp)
	}
}

func appendLabels(metrics pmetric.MetricSlice, d *DeviceReport) {
	var points pmetric.NumberDataPointSlice
	created := false
	for _, w := range d.Windows {
		for _, l := range w.Labels {
			if !created {
				m := metrics.AppendEmpty()
				m.SetName(labelMetric)
				m.SetDescription("Workload labels assigned to the window.")
				points = m.SetEmptyGauge().DataPoints()
				created = true
			}
			dp := points.AppendEmpty()
			dp.SetStartTimestamp(pcommon.NewTimestampFromTime(w.Window.Start))
			dp.SetTimestamp(pcommon.NewTimestampFromTime(w.Window.End))
			dp.SetIntValue(1)
			dp.Attributes().PutStr(attributeLabel, string(l))
		}
	}
}
