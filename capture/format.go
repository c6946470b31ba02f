// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package capture

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/esxi-tools/vscsi-helper/metric/histogram"
	"github.com/esxi-tools/vscsi-helper/metric/series"
)

// WriteBlock writes h as a single block that Parser reads back unchanged.
func WriteBlock(w io.Writer, deviceID string, timestamp time.Time, h *histogram.Histogram) error {
	if deviceID == "" || strings.ContainsAny(deviceID, " \t\r\n") {
		return fmt.Errorf("device id %q cannot be written to a capture", deviceID)
	}
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s=%s %s=%s %s=%s %s=%d\n", headerKeyword,
		keyMetric, h.Kind(),
		keyDevice, deviceID,
		keyTimestamp, timestamp.Format(time.RFC3339Nano),
		keyTotal, h.Total())
	for _, b := range h.Buckets() {
		fmt.Fprintf(bw, "%s %s %d\n", formatBound(b.Lower), formatBound(b.Upper), b.Count)
	}
	fmt.Fprintln(bw, endKeyword)
	return bw.Flush()
}

// Format writes every histogram of a sample in the canonical metric order.
func Format(w io.Writer, sample *series.DeviceSample) error {
	for _, kind := range sample.Kinds() {
		h, _ := sample.Histogram(kind)
		if err := WriteBlock(w, sample.DeviceID(), sample.Timestamp(), h); err != nil {
			return err
		}
	}
	return nil
}

func formatBound(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}
