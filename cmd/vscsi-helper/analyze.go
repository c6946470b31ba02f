// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/collector/pdata/pmetric"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/esxi-tools/vscsi-helper/analysis"
	"github.com/esxi-tools/vscsi-helper/cfg/engineconfig"
	"github.com/esxi-tools/vscsi-helper/logger"
)

type outputFormat string

const (
	formatJSON outputFormat = "json"
	formatYAML outputFormat = "yaml"
	formatOTLP outputFormat = "otlp"
)

var errUnknownFormat = errors.New("unknown output format")

const analyzeExample = `
  # Summarize a capture with the defaults, reading stdin
  vscsiStats -p all -c | vscsi-helper analyze

  # Ten second windows over two captures, as YAML
  VSCSI_WINDOW=10s vscsi-helper analyze --format yaml before.txt after.txt

  # Export OTLP JSON and leave counters for the node exporter
  vscsi-helper analyze --config vscsi.toml --format otlp -o out.json --metrics-file /var/lib/node_exporter/vscsi.prom capture.txt`

type analyzeFlags struct {
	ConfigPath  string
	Format      string
	Output      string
	MetricsFile string
	Window      time.Duration
}

func (f *analyzeFlags) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.ConfigPath, "config", "c", f.ConfigPath,
		"TOML or YAML config file. VSCSI_ environment variables override it.")
	cmd.Flags().StringVarP(&f.Format, "format", "f", f.Format,
		"Report format: json, yaml or otlp.")
	cmd.Flags().StringVarP(&f.Output, "output", "o", f.Output,
		"Write the report to a file instead of stdout.")
	cmd.Flags().StringVar(&f.MetricsFile, "metrics-file", f.MetricsFile,
		"Write run counters to a Prometheus textfile.")
	cmd.Flags().DurationVar(&f.Window, "window", f.Window,
		"Window length, overriding the config. 0 summarizes each device as a whole.")
}

func newAnalyzeCommand() *cobra.Command {
	flags := &analyzeFlags{Format: string(formatJSON)}
	cmd := &cobra.Command{
		Use:     "analyze [capture...]",
		Short:   "Compute window statistics and workload labels for captures.",
		Long:    "Parses vscsiStats histogram captures, reading stdin when no file is given, and reports per device and window the percentiles, mean and standard deviation of every metric together with the workload labels.",
		Example: analyzeExample,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := engineconfig.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("window") {
				cfg.Window = flags.Window
				if err = cfg.Validate(); err != nil {
					return err
				}
			}
			format := outputFormat(flags.Format)
			switch format {
			case formatJSON, formatYAML, formatOTLP:
			default:
				return fmt.Errorf("%q: %w", flags.Format, errUnknownFormat)
			}
			l, err := logger.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			defer func() { _ = l.Sync() }()
			o := &analyzeOptions{
				cfg:         cfg,
				logger:      l,
				format:      format,
				outputPath:  flags.Output,
				metricsFile: flags.MetricsFile,
				stdin:       cmd.InOrStdin(),
				stdout:      cmd.OutOrStdout(),
			}
			return o.run(cmd, args)
		},
	}
	flags.addFlags(cmd)
	return cmd
}

type analyzeOptions struct {
	cfg         *engineconfig.Config
	logger      *zap.Logger
	format      outputFormat
	outputPath  string
	metricsFile string
	stdin       io.Reader
	stdout      io.Writer
}

func (o *analyzeOptions) run(cmd *cobra.Command, paths []string) (err error) {
	inputs, closeInputs, err := o.open(paths)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeInputs()) }()

	reg := prometheus.NewRegistry()
	a, err := analysis.New(o.cfg, analysis.WithLogger(o.logger), analysis.WithRegisterer(reg))
	if err != nil {
		return err
	}
	report, err := a.Analyze(cmd.Context(), inputs...)
	if err != nil {
		return err
	}
	summary := report.Summary()
	if summary.Total > 0 {
		o.logger.Warn("Some input could not be used",
			zap.Int("blocks_skipped", summary.BlocksSkipped),
			zap.Int("rows_dropped", summary.RowsDropped),
			zap.Any("by_kind", summary.ByKind))
	}

	out, err := encode(o.format, report)
	if err != nil {
		return err
	}
	if err = o.write(out); err != nil {
		return err
	}
	if o.metricsFile != "" {
		if err = prometheus.WriteToTextfile(o.metricsFile, reg); err != nil {
			return fmt.Errorf("writing metrics file: %w", err)
		}
	}
	return nil
}

func (o *analyzeOptions) open(paths []string) ([]io.Reader, func() error, error) {
	if len(paths) == 0 {
		return []io.Reader{o.stdin}, func() error { return nil }, nil
	}
	var files []*os.File
	closeAll := func() error {
		var errs error
		for _, f := range files {
			errs = multierr.Append(errs, f.Close())
		}
		return errs
	}
	inputs := make([]io.Reader, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(filepath.Clean(path))
		if err != nil {
			return nil, nil, multierr.Append(fmt.Errorf("opening capture: %w", err), closeAll())
		}
		files = append(files, f)
		inputs = append(inputs, f)
	}
	return inputs, closeAll, nil
}

func (o *analyzeOptions) write(out []byte) error {
	if o.outputPath == "" {
		_, err := o.stdout.Write(out)
		return err
	}
	if dir := filepath.Dir(o.outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(o.outputPath, out, 0644)
}

// document is the rendered report, with the error summary up front.
type document struct {
	ID          string                   `json:"id" yaml:"id"`
	GeneratedAt time.Time                `json:"generated_at" yaml:"generated_at"`
	Summary     analysis.ErrorSummary    `json:"summary" yaml:"summary"`
	Devices     []*analysis.DeviceReport `json:"devices" yaml:"devices"`
	Errors      []*analysis.Error        `json:"errors" yaml:"errors"`
}

func encode(format outputFormat, report *analysis.Report) ([]byte, error) {
	doc := document{
		ID:          report.ID,
		GeneratedAt: report.GeneratedAt,
		Summary:     report.Summary(),
		Devices:     report.Devices,
		Errors:      report.Errors,
	}
	switch format {
	case formatJSON:
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(doc, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	case formatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case formatOTLP:
		marshaler := &pmetric.JSONMarshaler{}
		return marshaler.MarshalMetrics(analysis.ToOtelMetrics(report))
	}
	return nil, fmt.Errorf("%q: %w", format, errUnknownFormat)
}
