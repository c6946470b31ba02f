// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package series

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
)

const defaultBTreeDegree = 8

var (
	ErrOutOfOrderSample = errors.New("out of order sample")
	ErrDeviceMismatch   = errors.New("sample belongs to another device")
	ErrSealed           = errors.New("series is sealed")
	ErrTooManyWindows   = errors.New("too many windows")
)

type Options struct {
	// StrictOrdering rejects samples older than the newest one instead of
	// inserting them at their sorted position.
	StrictOrdering bool
}

func DefaultOptions() Options {
	return Options{StrictOrdering: true}
}

// Series is the timestamp ordered samples of a single device. It is append-only
// until sealed and read-only afterwards.
type Series struct {
	mu       sync.RWMutex
	deviceID string
	opts     Options
	samples  *btree.BTreeG[*DeviceSample]
	sealed   bool
}

func New(deviceID string, opts Options) *Series {
	return &Series{
		deviceID: deviceID,
		opts:     opts,
		samples: btree.NewG(defaultBTreeDegree, func(a, b *DeviceSample) bool {
			return a.timestamp.Before(b.timestamp)
		}),
	}
}

func (s *Series) DeviceID() string {
	return s.deviceID
}

func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.samples.Len()
}

// Append adds a sample. Samples sharing a timestamp with an existing one are
// always rejected, since there is no order to restore between them.
func (s *Series) Append(sample *DeviceSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealed {
		return ErrSealed
	}
	if sample.deviceID != s.deviceID {
		return fmt.Errorf("%q appended to series of %q: %w", sample.deviceID, s.deviceID, ErrDeviceMismatch)
	}
	if s.samples.Has(sample) {
		return fmt.Errorf("%s: duplicate timestamp %s: %w", s.deviceID, sample.timestamp.Format(time.RFC3339Nano), ErrOutOfOrderSample)
	}
	if last, ok := s.samples.Max(); ok && sample.timestamp.Before(last.timestamp) && s.opts.StrictOrdering {
		return fmt.Errorf("%s: sample at %s precedes %s: %w", s.deviceID,
			sample.timestamp.Format(time.RFC3339Nano), last.timestamp.Format(time.RFC3339Nano), ErrOutOfOrderSample)
	}
	s.samples.ReplaceOrInsert(sample)
	return nil
}

// Seal ends ingestion. Later appends fail with ErrSealed.
func (s *Series) Seal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
}

func (s *Series) Sealed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sealed
}

// Samples returns every sample in timestamp order.
func (s *Series) Samples() []*DeviceSample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := make([]*DeviceSample, 0, s.samples.Len())
	s.samples.Ascend(func(sample *DeviceSample) bool {
		samples = append(samples, sample)
		return true
	})
	return samples
}

// Span returns the first and last sample timestamps.
func (s *Series) Span() (first, last time.Time, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	oldest, ok := s.samples.Min()
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	newest, _ := s.samples.Max()
	return oldest.timestamp, newest.timestamp, true
}

// Window returns the samples with timestamps in [start, end).
func (s *Series) Window(start, end time.Time) Window {
	w := Window{DeviceID: s.deviceID, Start: start, End: end}
	if !start.Before(end) {
		return w
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.samples.AscendRange(&DeviceSample{timestamp: start}, &DeviceSample{timestamp: end}, func(sample *DeviceSample) bool {
		w.samples = append(w.samples, sample)
		return true
	})
	return w
}

// Windows splits the series into contiguous windows of the given length, aligned
// to multiples of interval and covering every sample. Windows without samples are
// kept so gaps stay visible. A non-positive interval yields one window spanning
// the whole series.
func (s *Series) Windows(interval time.Duration) []Window {
	first, last, ok := s.Span()
	if !ok {
		return nil
	}
	if interval <= 0 {
		return []Window{s.Window(first, last.Add(time.Nanosecond))}
	}
	windows := make([]Window, 0, s.WindowCount(interval))
	for start := first.Truncate(interval); !start.After(last); start = start.Add(interval) {
		windows = append(windows, s.Window(start, start.Add(interval)))
	}
	return windows
}

// MaxWindows bounds the windows a single series may be split into.
const MaxWindows = 1 << 20

// WindowCount is the number of windows Windows(interval) returns.
func (s *Series) WindowCount(interval time.Duration) int {
	first, last, ok := s.Span()
	switch {
	case !ok:
		return 0
	case interval <= 0:
		return 1
	}
	return int(last.Sub(first.Truncate(interval))/interval) + 1
}

// CheckWindows fails with ErrTooManyWindows when splitting the series by
// interval would exceed MaxWindows.
func (s *Series) CheckWindows(interval time.Duration) error {
	if n := s.WindowCount(interval); n > MaxWindows {
		return fmt.Errorf("%q split by %v gives %d windows, more than %d: %w", s.deviceID, interval, n, MaxWindows, ErrTooManyWindows)
	}
	return nil
}

// MergeWindow merges the histograms of one kind across every sample in the window.
// Samples that did not capture the kind are skipped; a window with none yields nil.
// A bucket layout change inside the window is never papered over.
func (s *Series) MergeWindow(w Window, kind histogram.Kind) (*histogram.Histogram, error) {
	if w.DeviceID != s.deviceID {
		return nil, fmt.Errorf("window of %q merged on series of %q: %w", w.DeviceID, s.deviceID, ErrDeviceMismatch)
	}
	return w.Merge(kind)
}
