// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package histogram

import (
	"fmt"
)

// Kind identifies which vscsiStats histogram a set of buckets belongs to.
type Kind string

const (
	KindIOLength      Kind = "io_length"
	KindSeekDistance  Kind = "seek_distance"
	KindOutstandingIO Kind = "outstanding_io"
	KindLatencyTotal  Kind = "latency_total"
	KindLatencyKernel Kind = "latency_kernel"
	KindLatencyDriver Kind = "latency_driver"
	KindLatencyQueue  Kind = "latency_queue"
)

var allKinds = []Kind{
	KindIOLength,
	KindSeekDistance,
	KindOutstandingIO,
	KindLatencyTotal,
	KindLatencyKernel,
	KindLatencyDriver,
	KindLatencyQueue,
}

// Kinds returns every supported metric kind in a stable order.
func Kinds() []Kind {
	kinds := make([]Kind, len(allKinds))
	copy(kinds, allKinds)
	return kinds
}

// LatencyKinds returns the latency histograms.
func LatencyKinds() []Kind {
	return []Kind{KindLatencyTotal, KindLatencyKernel, KindLatencyDriver, KindLatencyQueue}
}

// ParseKind resolves a metric label. Unrecognized labels wrap ErrUnknownMetric.
func ParseKind(s string) (Kind, error) {
	for _, k := range allKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%q: %w", s, ErrUnknownMetric)
}

func (k Kind) IsLatency() bool {
	switch k {
	case KindLatencyTotal, KindLatencyKernel, KindLatencyDriver, KindLatencyQueue:
		return true
	}
	return false
}

// Unit is the unit the hypervisor reports the histogram in.
func (k Kind) Unit() string {
	switch k {
	case KindIOLength:
		return "By"
	case KindSeekDistance:
		return "{lbn}"
	case KindOutstandingIO:
		return "{io}"
	default:
		return "us"
	}
}

func (k Kind) String() string {
	return string(k)
}
