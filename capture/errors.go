// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package capture

import (
	"fmt"
	"strings"
)

// ParseError locates a failure inside a capture. Err wraps one of the
// histogram sentinel errors.
type ParseError struct {
	Line   int
	Metric string
	Device string
	// Recovered is set when only the offending row was dropped and the rest of
	// the block was kept.
	Recovered bool
	Err       error
}

func (e *ParseError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "line %d", e.Line)
	if e.Metric != "" {
		fmt.Fprintf(&b, " metric=%s", e.Metric)
	}
	if e.Device != "" {
		fmt.Fprintf(&b, " device=%s", e.Device)
	}
	b.WriteString(": ")
	b.WriteString(e.Err.Error())
	return b.String()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}
