// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

// Package analysis runs captures through parsing, windowed statistics and
// classification and collects the outcome in a Report.
//
// Captures are parsed concurrently and devices are analyzed concurrently.
// Within a device the statistics of all windows are computed in parallel,
// then classification folds over the windows in order so each window can be
// compared with the one before it.
package analysis

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/esxi-tools/vscsi-helper/analysis/classify"
	"github.com/esxi-tools/vscsi-helper/capture"
	"github.com/esxi-tools/vscsi-helper/cfg/engineconfig"
	"github.com/esxi-tools/vscsi-helper/metric/histogram"
	"github.com/esxi-tools/vscsi-helper/metric/series"
	"github.com/esxi-tools/vscsi-helper/metric/stats"
)

const deviceSeparator = '/'

// Analyzer is safe for concurrent use. Runs share nothing but the counters.
type Analyzer struct {
	cfg      *engineconfig.Config
	logger   *zap.Logger
	reg      prometheus.Registerer
	metrics  *Metrics
	parser   *capture.Parser
	patterns []glob.Glob
}

type Option func(*Analyzer)

func WithLogger(l *zap.Logger) Option {
	return func(a *Analyzer) {
		a.logger = l
	}
}

// WithRegisterer registers the analyzer counters with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *Analyzer) {
		a.reg = reg
	}
}

// New validates cfg and builds an Analyzer. A nil cfg means the defaults.
func New(cfg *engineconfig.Config, opts ...Option) (*Analyzer, error) {
	if cfg == nil {
		cfg = engineconfig.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Analyzer{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	metrics, err := NewMetrics(a.reg)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}
	a.metrics = metrics
	for _, pattern := range cfg.Devices {
		g, err := glob.Compile(pattern, deviceSeparator)
		if err != nil {
			return nil, fmt.Errorf("device pattern %q: %w", pattern, err)
		}
		a.patterns = append(a.patterns, g)
	}
	a.parser = capture.NewParser(cfg.ParserOptions(), capture.WithLogger(a.logger))
	return a, nil
}

func (a *Analyzer) Metrics() *Metrics {
	return a.metrics
}

// Analyze reads every input to the end and reports on every device found.
// Inputs are concatenated in argument order per device. Errors in the data are
// collected in the report; the returned error is reserved for reading
// failures, cancellation and abort_on_first_error.
func (a *Analyzer) Analyze(ctx context.Context, inputs ...io.Reader) (*Report, error) {
	start := time.Now()
	report := &Report{
		ID:          uuid.NewString(),
		GeneratedAt: start.UTC(),
		Devices:     []*DeviceReport{},
		Errors:      []*Error{},
	}
	results, err := a.parse(ctx, inputs)
	if err != nil {
		return nil, err
	}
	all, err := a.collect(results, report)
	if err != nil {
		return nil, err
	}
	if err = a.analyzeAll(ctx, all, report); err != nil {
		return nil, err
	}
	a.logger.Info("Analysis complete",
		zap.String("report", report.ID),
		zap.Int("inputs", len(inputs)),
		zap.Int("devices", len(report.Devices)),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("elapsed", time.Since(start)))
	return report, nil
}

func (a *Analyzer) parse(ctx context.Context, inputs []io.Reader) ([]*capture.Result, error) {
	results := make([]*capture.Result, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, in := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := a.parser.Parse(in)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// collect builds one sealed series per selected device.
func (a *Analyzer) collect(results []*capture.Result, report *Report) (map[string]*series.Series, error) {
	all := make(map[string]*series.Series)
	ignored := mapset.NewThreadUnsafeSet[string]()
	for i, res := range results {
		a.metrics.BlocksParsed.Add(float64(res.Blocks))
		for _, err := range res.Errors {
			e := parseError(i, err)
			if !e.Recovered {
				a.metrics.skipped(e.Kind)
			}
			report.Errors = append(report.Errors, e)
		}
		for _, sample := range res.Samples {
			id := sample.DeviceID()
			if !a.selected(id) {
				if ignored.Add(id) {
					a.logger.Debug("Ignoring device not matching any pattern", zap.String("device", id))
				}
				continue
			}
			s, ok := all[id]
			if !ok {
				s = series.New(id, a.cfg.SeriesOptions())
				all[id] = s
			}
			if err := s.Append(sample); err != nil {
				e := &Error{Kind: kindOf(err), Input: i, Device: id, Message: err.Error(), Err: err}
				a.logger.Warn("Dropping sample", zap.Int("input", i), zap.String("device", id), zap.Time("timestamp", sample.Timestamp()), zap.Error(err))
				if a.cfg.AbortOnFirstError {
					return nil, e
				}
				report.Errors = append(report.Errors, e)
			}
		}
	}
	for _, s := range all {
		s.Seal()
	}
	return all, nil
}

func (a *Analyzer) selected(deviceID string) bool {
	if len(a.patterns) == 0 {
		return true
	}
	for _, g := range a.patterns {
		if g.Match(deviceID) {
			return true
		}
	}
	return false
}

func (a *Analyzer) analyzeAll(ctx context.Context, all map[string]*series.Series, report *Report) error {
	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	devices := make([]*DeviceReport, len(ids))
	errs := make([][]*Error, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, id := range ids {
		g.Go(func() error {
			d, deviceErrs, err := a.analyzeDevice(ctx, all[id])
			devices[i], errs[i] = d, deviceErrs
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	report.Devices = devices
	for _, deviceErrs := range errs {
		report.Errors = append(report.Errors, deviceErrs...)
	}
	return nil
}

func (a *Analyzer) analyzeDevice(ctx context.Context, s *series.Series) (*DeviceReport, []*Error, error) {
	if err := s.CheckWindows(a.cfg.Window); err != nil {
		return nil, nil, err
	}
	windows := s.Windows(a.cfg.Window)
	sets := make([]stats.WindowSet, len(windows))
	windowErrs := make([]error, len(windows))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for i, w := range windows {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			set, err := stats.ForWindowSet(w, histogram.Kinds(), a.cfg.StatsOptions())
			sets[i], windowErrs[i] = set, err
			if err != nil && a.cfg.AbortOnFirstError {
				return windowError(w, multierr.Errors(err)[0])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	var errs []*Error
	for i, err := range windowErrs {
		for _, e := range multierr.Errors(err) {
			we := windowError(windows[i], e)
			a.logger.Warn("Window statistics incomplete",
				zap.String("device", s.DeviceID()),
				zap.Time("start", windows[i].Start),
				zap.String("metric", string(we.Metric)),
				zap.Error(e))
			errs = append(errs, we)
		}
	}

	d := &DeviceReport{DeviceID: s.DeviceID(), Samples: s.Len(), Windows: make([]WindowResult, len(windows))}
	for i, c := range classify.Fold(a.cfg.Thresholds(), sets) {
		a.metrics.classified(c)
		d.Windows[i] = WindowResult{
			Window:  windows[i],
			Samples: windows[i].Len(),
			Labels:  c.Sorted(),
			Metrics: sets[i].Metrics,
		}
	}
	a.logger.Debug("Device analyzed", zap.String("device", s.DeviceID()), zap.Int("samples", s.Len()), zap.Int("windows", len(windows)))
	return d, errs, nil
}
