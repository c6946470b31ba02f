// Copyright The vscsi-helper Authors. All Rights Reserved.
// SPDX-License-Identifier: MIT

package engineconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"

	"github.com/esxi-tools/vscsi-helper/analysis/classify"
	"github.com/esxi-tools/vscsi-helper/capture"
	"github.com/esxi-tools/vscsi-helper/metric/series"
	"github.com/esxi-tools/vscsi-helper/metric/stats"
)

const (
	EnvPrefix    = "VSCSI_"
	KeyDelimiter = "."

	StrictParsing     = "strict_parsing"
	StrictOrdering    = "strict_ordering"
	StrictStatistics  = "strict_statistics"
	AbortOnFirstError = "abort_on_first_error"
	SeqThreshold      = "seq_threshold"
	OutlierMultiple   = "outlier_multiple"
	BurstRatio        = "burst_ratio"
	SeekNearZero      = "seek_near_zero"
	Percentiles       = "percentiles"
	Window            = "window"
	Workers           = "workers"
	Devices           = "devices"
	LogLevel          = "log_level"
	LogFile           = "log_file"
)

// MinWindow is the shortest window length other than 0, which disables
// windowing.
const MinWindow = time.Second

var (
	ErrUnsupportedFormat = errors.New("unsupported config file format")
	ErrInvalidConfig     = errors.New("invalid config")
)

// Config is every knob of an analysis run. It is passed explicitly to the
// engine and never read from global state.
type Config struct {
	StrictParsing     bool          `koanf:"strict_parsing"`
	StrictOrdering    bool          `koanf:"strict_ordering"`
	StrictStatistics  bool          `koanf:"strict_statistics"`
	AbortOnFirstError bool          `koanf:"abort_on_first_error"`
	SeqThreshold      float64       `koanf:"seq_threshold" validate:"gt=0,lte=1"`
	OutlierMultiple   float64       `koanf:"outlier_multiple" validate:"gt=0"`
	BurstRatio        float64       `koanf:"burst_ratio" validate:"gt=0"`
	SeekNearZero      float64       `koanf:"seek_near_zero" validate:"gte=0"`
	Percentiles       []int         `koanf:"percentiles" validate:"required,min=1,unique,dive,gte=0,lte=100"`
	Window            time.Duration `koanf:"window" validate:"gte=0"`
	Workers           int           `koanf:"workers" validate:"gte=1"`
	Devices           []string      `koanf:"devices" validate:"dive,required"`
	LogLevel          string        `koanf:"log_level" validate:"omitempty,oneof=debug info warn error"`
	LogFile           string        `koanf:"log_file"`
}

func Default() *Config {
	th := classify.DefaultThresholds()
	return &Config{
		StrictParsing:   true,
		StrictOrdering:  true,
		SeqThreshold:    th.SeqThreshold,
		OutlierMultiple: th.OutlierMultiple,
		BurstRatio:      th.BurstRatio,
		SeekNearZero:    th.SeekNearZero,
		Percentiles:     stats.DefaultPercentiles(),
		Workers:         runtime.GOMAXPROCS(0),
		LogLevel:        "info",
	}
}

func defaults() map[string]any {
	d := Default()
	return map[string]any{
		StrictParsing:     d.StrictParsing,
		StrictOrdering:    d.StrictOrdering,
		StrictStatistics:  d.StrictStatistics,
		AbortOnFirstError: d.AbortOnFirstError,
		SeqThreshold:      d.SeqThreshold,
		OutlierMultiple:   d.OutlierMultiple,
		BurstRatio:        d.BurstRatio,
		SeekNearZero:      d.SeekNearZero,
		Percentiles:       d.Percentiles,
		Window:            d.Window.String(),
		Workers:           d.Workers,
		LogLevel:          d.LogLevel,
		LogFile:           d.LogFile,
	}
}

// Load layers the defaults, the optional file at path (.toml, .yaml or .yml)
// and VSCSI_ prefixed environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(KeyDelimiter)
	if err := k.Load(confmap.Provider(defaults(), KeyDelimiter), nil); err != nil {
		return nil, err
	}
	if path != "" {
		fileConf, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		if err = k.Load(confmap.Provider(fileConf, KeyDelimiter), nil); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, KeyDelimiter, envKey), nil); err != nil {
		return nil, err
	}
	c := &Config{}
	if err := k.UnmarshalWithConf("", c, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func envKey(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
}

// LoadFromFile reads a config file into a plain map keyed like Config.
func LoadFromFile(path string) (map[string]any, error) {
	// Clean the path before using it.
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("unable to read the file %v: %w", path, err)
	}
	rawConf := make(map[string]any)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err = toml.Decode(string(content), &rawConf); err != nil {
			return nil, fmt.Errorf("unable to decode toml: %w", err)
		}
	case ".yaml", ".yml":
		if err = yaml.Unmarshal(content, &rawConf); err != nil {
			return nil, fmt.Errorf("unable to decode yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedFormat)
	}
	return rawConf, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.Window != 0 && c.Window < MinWindow {
		return fmt.Errorf("%w: window %v is below %v", ErrInvalidConfig, c.Window, MinWindow)
	}
	for _, pattern := range c.Devices {
		if _, err := glob.Compile(pattern, '/'); err != nil {
			return fmt.Errorf("%w: device pattern %q: %w", ErrInvalidConfig, pattern, err)
		}
	}
	return nil
}

func (c *Config) ParserOptions() capture.Options {
	return capture.Options{Strict: c.StrictParsing, AbortOnFirstError: c.AbortOnFirstError}
}

func (c *Config) SeriesOptions() series.Options {
	return series.Options{StrictOrdering: c.StrictOrdering}
}

func (c *Config) StatsOptions() stats.Options {
	return stats.Options{Strict: c.StrictStatistics, Percentiles: c.Percentiles}
}

func (c *Config) Thresholds() classify.Thresholds {
	return classify.Thresholds{
		SeqThreshold:    c.SeqThreshold,
		OutlierMultiple: c.OutlierMultiple,
		BurstRatio:      c.BurstRatio,
		SeekNearZero:    c.SeekNearZero,
	}
}
