// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package series

import (
	"errors"
	"fmt"
	"time"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
)

var ErrDuplicateMetric = errors.New("duplicate metric in sample")

// DeviceSample is every histogram captured for one virtual disk at one instant.
// It is never modified after construction.
type DeviceSample struct {
	deviceID   string
	timestamp  time.Time
	histograms map[histogram.Kind]*histogram.Histogram
}

func NewDeviceSample(deviceID string, timestamp time.Time, histograms ...*histogram.Histogram) (*DeviceSample, error) {
	s := &DeviceSample{
		deviceID:   deviceID,
		timestamp:  timestamp,
		histograms: make(map[histogram.Kind]*histogram.Histogram, len(histograms)),
	}
	for _, h := range histograms {
		if _, ok := s.histograms[h.Kind()]; ok {
			return nil, fmt.Errorf("%s at %s: %s: %w", deviceID, timestamp.Format(time.RFC3339Nano), h.Kind(), ErrDuplicateMetric)
		}
		s.histograms[h.Kind()] = h
	}
	return s, nil
}

func (s *DeviceSample) DeviceID() string {
	return s.deviceID
}

func (s *DeviceSample) Timestamp() time.Time {
	return s.timestamp
}

// Histogram returns the histogram of the given kind, if it was captured.
func (s *DeviceSample) Histogram(kind histogram.Kind) (*histogram.Histogram, bool) {
	h, ok := s.histograms[kind]
	return h, ok
}

// Kinds lists the captured metric kinds in the canonical order.
func (s *DeviceSample) Kinds() []histogram.Kind {
	kinds := make([]histogram.Kind, 0, len(s.histograms))
	for _, k := range histogram.Kinds() {
		if _, ok := s.histograms[k]; ok {
			kinds = append(kinds, k)
		}
	}
	return kinds
}
