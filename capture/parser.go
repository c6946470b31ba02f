// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

// Package capture reads and writes the text form of vscsiStats histograms.
//
// A capture is a sequence of blocks, one per metric, device and sampling
// instant:
//
//	# comments and blank lines are ignored
//	histogram metric=latency_total device=vm01/scsi0:0 timestamp=2024-05-01T10:00:00Z total=12
//	0 100 7
//	100 1000 4
//	1000 inf 1
//	end
//
// Bucket rows are [lower, upper) ranges and must already be ordered and
// contiguous. Only the last row may have an unbounded upper edge.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/esxi-tools/vscsi-helper/logger"
	"github.com/esxi-tools/vscsi-helper/metric/histogram"
	"github.com/esxi-tools/vscsi-helper/metric/series"
)

const (
	headerKeyword = "histogram"
	endKeyword    = "end"

	keyMetric    = "metric"
	keyDevice    = "device"
	keyTimestamp = "timestamp"
	keyTotal     = "total"

	maxLineLength = 1 << 20
)

type Options struct {
	// Strict aborts a block at its first malformed row. Otherwise the block
	// is kept: a row with usable bounds but a bad count becomes an empty
	// bucket, any other row is dropped and the hole it leaves is bridged by an
	// empty bucket.
	Strict bool
	// AbortOnFirstError stops parsing at the first error of any kind.
	AbortOnFirstError bool
}

func DefaultOptions() Options {
	return Options{Strict: true}
}

// Block is one parsed histogram with the header it was captured under.
type Block struct {
	Line      int
	DeviceID  string
	Timestamp time.Time
	Histogram *histogram.Histogram
}

// Result holds everything that could be recovered from a capture.
type Result struct {
	// Samples groups blocks by device and timestamp, in order of appearance.
	Samples []*series.DeviceSample
	// Blocks is the number of histograms in Samples.
	Blocks int
	Errors []error
}

func (r *Result) Err() error {
	return multierr.Combine(r.Errors...)
}

// Skipped counts the errors that discarded more than a single row.
func (r *Result) Skipped() int {
	var n int
	for _, err := range r.Errors {
		var pe *ParseError
		if errors.As(err, &pe) && pe.Recovered {
			continue
		}
		n++
	}
	return n
}

// Parser is safe for concurrent use.
type Parser struct {
	opts    Options
	logger  *zap.Logger
	sampled *zap.Logger
}

type ParserOption func(*Parser)

func WithLogger(l *zap.Logger) ParserOption {
	return func(p *Parser) {
		p.logger = l
	}
}

func NewParser(opts Options, options ...ParserOption) *Parser {
	p := &Parser{opts: opts, logger: zap.NewNop()}
	for _, option := range options {
		option(p)
	}
	p.sampled = logger.Sampled(p.logger)
	return p
}

// Parse reads a whole capture. Failed blocks are listed in Result.Errors and
// never stop the rest of the capture from being read. The returned error is
// set when reading fails or, with AbortOnFirstError, to the first parse error.
// The partial result is returned in both cases.
func (p *Parser) Parse(r io.Reader) (*Result, error) {
	res := &Result{}
	g := &grouper{index: make(map[sampleKey]*group)}
	err := p.scan(r, g.add, func(pe *ParseError) bool {
		res.Errors = append(res.Errors, pe)
		return p.opts.AbortOnFirstError
	})
	for _, grp := range g.groups {
		sample, sampleErr := series.NewDeviceSample(grp.device, grp.timestamp, grp.histograms...)
		if sampleErr != nil {
			res.Errors = append(res.Errors, sampleErr)
			continue
		}
		res.Samples = append(res.Samples, sample)
		res.Blocks += len(grp.histograms)
	}
	return res, err
}

// ParseBlock parses text holding exactly one block. In lenient mode the block
// may come back together with the errors of the rows that were dropped.
func (p *Parser) ParseBlock(text string) (*Block, error) {
	var (
		blocks []Block
		errs   error
	)
	err := p.scan(strings.NewReader(text), func(b Block) error {
		blocks = append(blocks, b)
		return nil
	}, func(pe *ParseError) bool {
		errs = multierr.Append(errs, pe)
		return p.opts.AbortOnFirstError
	})
	var pe *ParseError
	if err != nil && !errors.As(err, &pe) {
		errs = multierr.Append(errs, err)
	}
	if len(blocks) != 1 {
		return nil, multierr.Append(errs, fmt.Errorf("expected one block, found %d: %w", len(blocks), histogram.ErrMalformedHistogram))
	}
	return &blocks[0], errs
}

func (p *Parser) scan(r io.Reader, emit func(Block) error, fail func(*ParseError) bool) error {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	var (
		lineNo int
		cur    *block
		abort  error
	)
	report := func(pe *ParseError) {
		if fail(pe) && abort == nil {
			abort = pe
		}
	}
	unterminated := func(b *block) {
		if !b.failed {
			report(b.fail(b.line, malformed("block not terminated by %q", endKeyword)))
		}
	}
	for abort == nil && s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		switch {
		case fields[0] == headerKeyword:
			if cur != nil {
				unterminated(cur)
			}
			cur = p.begin(fields[1:], lineNo, report)
		case fields[0] == endKeyword && len(fields) == 1:
			if cur == nil {
				report(&ParseError{Line: lineNo, Err: malformed("%q outside a block", endKeyword)})
				continue
			}
			p.finish(cur, emit, report)
			cur = nil
		case cur == nil:
			report(&ParseError{Line: lineNo, Err: malformed("unexpected line outside a block")})
		case !cur.failed:
			p.row(cur, fields, lineNo, report)
		}
	}
	if abort != nil {
		return abort
	}
	if err := s.Err(); err != nil {
		return fmt.Errorf("reading capture: %w", err)
	}
	if cur != nil {
		unterminated(cur)
	}
	return abort
}

func (p *Parser) begin(fields []string, line int, report func(*ParseError)) *block {
	b := &block{line: line}
	if err := b.parseHeader(fields); err != nil {
		if errors.Is(err, histogram.ErrUnknownMetric) {
			p.logger.Warn("Skipping block with unknown metric", zap.Int("line", line), zap.String("metric", b.metric), zap.String("device", b.device))
		} else {
			p.logger.Warn("Skipping block with malformed header", zap.Int("line", line), zap.Error(err))
		}
		report(b.fail(line, err))
	}
	return b
}

func (p *Parser) row(b *block, fields []string, line int, report func(*ParseError)) {
	bucket, bounded, err := parseRow(fields)
	if err != nil {
		if p.opts.Strict {
			p.logger.Warn("Aborting block on malformed row", zap.Int("line", line), zap.String("metric", b.metric), zap.String("device", b.device), zap.Error(err))
			report(b.fail(line, err))
			return
		}
		if bounded {
			// an empty bucket keeps the boundaries intact
			if addErr := b.add(bucket); addErr != nil {
				p.logger.Warn("Aborting block on misplaced row", zap.Int("line", line), zap.String("metric", b.metric), zap.String("device", b.device), zap.Error(addErr))
				report(b.fail(line, addErr))
				return
			}
		} else {
			b.gap = true
		}
		b.dropped = true
		p.sampled.Warn("Dropping malformed row", zap.Int("line", line), zap.String("metric", b.metric), zap.String("device", b.device), zap.Error(err))
		report(&ParseError{Line: line, Metric: b.metric, Device: b.device, Recovered: true, Err: err})
		return
	}
	if err = b.add(bucket); err != nil {
		p.logger.Warn("Aborting block on misplaced row", zap.Int("line", line), zap.String("metric", b.metric), zap.String("device", b.device), zap.Error(err))
		report(b.fail(line, err))
	}
}

func (p *Parser) finish(b *block, emit func(Block) error, report func(*ParseError)) {
	if b.failed {
		return
	}
	var (
		h   *histogram.Histogram
		err error
	)
	// dropped rows and zeroed counts take their values with them, so a
	// declared total can no longer match
	if b.hasTotal && !b.dropped {
		h, err = histogram.NewWithTotal(b.kind, b.buckets, b.total)
	} else {
		h, err = histogram.New(b.kind, b.buckets)
	}
	if err == nil {
		err = emit(Block{Line: b.line, DeviceID: b.device, Timestamp: b.timestamp, Histogram: h})
	}
	if err != nil {
		p.logger.Warn("Skipping malformed block", zap.Int("line", b.line), zap.String("metric", b.metric), zap.String("device", b.device), zap.Error(err))
		report(b.fail(b.line, err))
		return
	}
	p.logger.Debug("Parsed block", zap.Int("line", b.line), zap.String("metric", b.metric), zap.String("device", b.device), zap.Int64("total", h.Total()))
}

type block struct {
	line      int
	metric    string
	kind      histogram.Kind
	device    string
	timestamp time.Time
	total     int64
	hasTotal  bool
	buckets   []histogram.Bucket
	// gap is set while a dropped row has not been bridged yet.
	gap     bool
	dropped bool
	failed  bool
}

func (b *block) fail(line int, err error) *ParseError {
	b.failed = true
	return &ParseError{Line: line, Metric: b.metric, Device: b.device, Err: err}
}

func (b *block) parseHeader(fields []string) error {
	var (
		errs    error
		kindErr error
		seen    = make(map[string]bool, len(fields))
	)
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			errs = multierr.Append(errs, malformed("header field %q is not key=value", field))
			continue
		}
		if seen[key] {
			errs = multierr.Append(errs, malformed("duplicate header field %q", key))
			continue
		}
		seen[key] = true
		switch key {
		case keyMetric:
			b.metric = value
			b.kind, kindErr = histogram.ParseKind(value)
		case keyDevice:
			if value == "" {
				errs = multierr.Append(errs, malformed("empty device"))
			}
			b.device = value
		case keyTimestamp:
			ts, err := time.Parse(time.RFC3339Nano, value)
			if err != nil {
				errs = multierr.Append(errs, malformed("timestamp %q", value))
			}
			b.timestamp = ts
		case keyTotal:
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				errs = multierr.Append(errs, malformed("total %q", value))
			}
			b.total, b.hasTotal = n, true
		default:
			errs = multierr.Append(errs, malformed("unknown header field %q", key))
		}
	}
	for _, key := range []string{keyMetric, keyDevice, keyTimestamp} {
		if !seen[key] {
			errs = multierr.Append(errs, malformed("missing header field %q", key))
		}
	}
	if errs != nil {
		return errs
	}
	return kindErr
}

func (b *block) add(bucket histogram.Bucket) error {
	if math.IsInf(bucket.Lower, 0) {
		return malformed("lower bound %v is not finite", bucket.Lower)
	}
	if !(bucket.Upper > bucket.Lower) {
		return malformed("upper bound %v not above lower bound %v", bucket.Upper, bucket.Lower)
	}
	if n := len(b.buckets); n > 0 {
		prev := b.buckets[n-1]
		switch {
		case prev.Unbounded():
			return malformed("row after the unbounded bucket")
		case bucket.Lower < prev.Upper:
			return malformed("row [%v, %v) out of order after [%v, %v)", bucket.Lower, bucket.Upper, prev.Lower, prev.Upper)
		case bucket.Lower > prev.Upper:
			if !b.gap {
				return malformed("gap between %v and %v", prev.Upper, bucket.Lower)
			}
			b.buckets = append(b.buckets, histogram.Bucket{Lower: prev.Upper, Upper: bucket.Lower})
		}
	}
	b.buckets = append(b.buckets, bucket)
	b.gap = false
	return nil
}

// parseRow reports bounded when both bounds parsed, in which case the
// returned bucket is usable with a zero count even if the count was not.
func parseRow(fields []string) (bucket histogram.Bucket, bounded bool, err error) {
	if len(fields) != 3 {
		return bucket, false, malformed("expected <lower> <upper> <count>, got %d fields", len(fields))
	}
	if bucket.Lower, err = parseBound(fields[0]); err != nil {
		return histogram.Bucket{}, false, malformed("lower bound %q", fields[0])
	}
	if bucket.Upper, err = parseBound(fields[1]); err != nil {
		return histogram.Bucket{}, false, malformed("upper bound %q", fields[1])
	}
	count, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return bucket, true, malformed("count %q", fields[2])
	}
	if count < 0 {
		return bucket, true, malformed("negative count %d", count)
	}
	bucket.Count = count
	return bucket, true, nil
}

func parseBound(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) {
		return 0, strconv.ErrSyntax
	}
	return v, nil
}

func malformed(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, histogram.ErrMalformedHistogram)...)
}

type sampleKey struct {
	device string
	ts     int64
}

type group struct {
	device     string
	timestamp  time.Time
	histograms []*histogram.Histogram
}

type grouper struct {
	index  map[sampleKey]*group
	groups []*group
}

func (g *grouper) add(b Block) error {
	key := sampleKey{device: b.DeviceID, ts: b.Timestamp.UnixNano()}
	grp, ok := g.index[key]
	if !ok {
		grp = &group{device: b.DeviceID, timestamp: b.Timestamp}
		g.index[key] = grp
		g.groups = append(g.groups, grp)
	}
	for _, h := range grp.histograms {
		if h.Kind() == b.Histogram.Kind() {
			return fmt.Errorf("%s: %w: %w", h.Kind(), series.ErrDuplicateMetric, histogram.ErrMalformedHistogram)
		}
	}
	grp.histograms = append(grp.histograms, b.Histogram)
	return nil
}
