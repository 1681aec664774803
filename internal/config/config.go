// Package config provides configuration loading with layered overrides.
// Load order: defaults -> YAML file (with include splicing) -> environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "TAILSHIP_"

// Config is the root configuration structure for the agent.
type Config struct {
	Poll             int            `koanf:"poll"`
	Lines            int            `koanf:"lines"`
	Benchmark        bool           `koanf:"benchmark"`
	Hostname         string         `koanf:"hostname"`
	Milliseconds     bool           `koanf:"milliseconds"`
	LogWatchInterval int            `koanf:"logwatchinterval" yaml:"log_watch_interval"`
	Include          []string       `koanf:"include"`
	Log              LogConfig      `koanf:"log"`
	Metrics          MetricsConfig  `koanf:"metrics"`
	Inputs           []InputConfig  `koanf:"inputs"`
	Outputs          []OutputConfig `koanf:"outputs"`
}

// LogConfig controls the agent's own log stream.
type LogConfig struct {
	Level      string `koanf:"level"`
	File       string `koanf:"file"`
	MaxSizeMB  int    `koanf:"maxsizemb" yaml:"max_size_mb"`
	MaxBackups int    `koanf:"maxbackups" yaml:"max_backups"`
	MaxAgeDays int    `koanf:"maxagedays" yaml:"max_age_days"`
}

// MetricsConfig enables the optional Prometheus endpoint.
type MetricsConfig struct {
	Listen string `koanf:"listen"`
}

// DerivedField describes a field computed at encode time from a regex
// applied to another envelope field.
type DerivedField struct {
	Name    string  `koanf:"name"`
	Field   string  `koanf:"field"`
	Match   string  `koanf:"match"`
	Concat  string  `koanf:"concat"`
	Default *string `koanf:"default"`
}

// TLSConfig holds TLS material for listeners and sinks.
type TLSConfig struct {
	CA     string `koanf:"ca"`
	Cert   string `koanf:"cert"`
	Key    string `koanf:"key"`
	Verify string `koanf:"verify"` // none, peer, fail_if_no_peer_cert, client_once
}

// Enabled reports whether any TLS material is configured.
func (t TLSConfig) Enabled() bool {
	return t.CA != "" || t.Cert != "" || t.Key != ""
}

// InputConfig configures one input instance.
type InputConfig struct {
	Kind    string            `koanf:"kind"` // file, socket
	Type    string            `koanf:"type"`
	Tags    []string          `koanf:"tags"`
	Fields  map[string]string `koanf:"fields"`
	Derived []DerivedField    `koanf:"derived"`
	Format  string            `koanf:"format"` // plain, json_event
	Workers int               `koanf:"workers"`

	// file options
	Path          []string `koanf:"path"`
	SavePosition  bool     `koanf:"saveposition" yaml:"save_position"`
	PositionDir   string   `koanf:"positiondir" yaml:"position_dir"`
	StartPosition string   `koanf:"startposition" yaml:"start_position"` // end, begin
	Skip          []string `koanf:"skip"`
	Grep          []string `koanf:"grep"`

	// socket options
	Listen   string    `koanf:"listen"`
	Auth     string    `koanf:"auth"`
	Response string    `koanf:"response"`
	TLS      TLSConfig `koanf:"tls"`
}

// ExchangeConfig declares the AMQP exchange.
type ExchangeConfig struct {
	Name       string `koanf:"name"`
	Type       string `koanf:"type"`
	Durable    bool   `koanf:"durable"`
	AutoDelete bool   `koanf:"autodelete" yaml:"auto_delete"`
}

// QueueConfig declares the AMQP queue.
type QueueConfig struct {
	Name       string `koanf:"name"`
	Exclusive  bool   `koanf:"exclusive"`
	Durable    bool   `koanf:"durable"`
	AutoDelete bool   `koanf:"autodelete" yaml:"auto_delete"`
}

// OutputConfig configures one output instance.
type OutputConfig struct {
	Kind    string        `koanf:"kind"` // redis, amqp, socket, gelf, screen, elasticsearch
	Type    string        `koanf:"type"` // comma-separated labels, * matches all
	Timeout time.Duration `koanf:"timeout"`

	// redis / socket options
	Hosts    []string `koanf:"hosts"`
	Port     int      `koanf:"port"`
	DB       int      `koanf:"db"`
	Password string   `koanf:"password"`
	Key      string   `koanf:"key"`

	// amqp options
	Host       string         `koanf:"host"`
	User       string         `koanf:"user"`
	Vhost      string         `koanf:"vhost"`
	Exchange   ExchangeConfig `koanf:"exchange"`
	Queue      QueueConfig    `koanf:"queue"`
	Heartbeat  time.Duration  `koanf:"heartbeat"`
	FrameMax   int            `koanf:"framemax" yaml:"frame_max"`
	ChannelMax int            `koanf:"channelmax" yaml:"channel_max"`

	// socket options
	Auth       string    `koanf:"auth"`
	Response   string    `koanf:"response"`
	Persistent bool      `koanf:"persistent"`
	TLS        TLSConfig `koanf:"tls"`

	// gelf options
	Gzip     bool   `koanf:"gzip"`
	Facility string `koanf:"facility"`

	// screen options
	Target string `koanf:"target"` // stdout, stderr, discard

	// elasticsearch options
	Addresses     []string      `koanf:"addresses"`
	Index         string        `koanf:"index"`
	Username      string        `koanf:"username"`
	BatchSize     int           `koanf:"batchsize" yaml:"batch_size"`
	FlushInterval time.Duration `koanf:"flushinterval" yaml:"flush_interval"`
}

// Types returns the declared type labels of this output.
func (o OutputConfig) Types() []string {
	var types []string
	for _, t := range strings.Split(o.Type, ",") {
		t = strings.TrimSpace(t)
		if t != "" {
			types = append(types, t)
		}
	}
	return types
}

// defaults returns the default configuration values.
func defaults() map[string]any {
	hostname, _ := os.Hostname()
	return map[string]any{
		"poll":             500,
		"lines":            100,
		"benchmark":        false,
		"hostname":         hostname,
		"milliseconds":     false,
		"logwatchinterval": 5,
		"log.level":        "info",
		"log.maxsizemb":    100,
		"log.maxbackups":   3,
		"log.maxagedays":   7,
	}
}

// Load reads configuration from all sources with proper override order.
// Order: defaults -> config file (plus any included files) -> environment.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath != "" {
		seen := make(map[string]bool)
		if err := loadFile(k, configPath, seen); err != nil {
			return nil, err
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadFile merges one YAML file into k and recursively splices the files
// named by its include key. Relative include paths resolve against the
// including file's directory.
func loadFile(k *koanf.Koanf, path string, seen map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolving config path %q: %w", path, err)
	}
	if seen[abs] {
		return fmt.Errorf("config include cycle at %q", abs)
	}
	seen[abs] = true

	if err := k.Load(file.Provider(abs), yaml.Parser()); err != nil {
		return fmt.Errorf("loading config file %q: %w", abs, err)
	}

	// Take this file's own include list off k before recursing, so an
	// included file without includes does not see this list again.
	includes := k.Strings("include")
	k.Delete("include")

	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		if err := loadFile(k, inc, seen); err != nil {
			return err
		}
	}

	return nil
}

// envKey maps TAILSHIP_LOG_LEVEL to log.level.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "_", ".")
}

// applyDefaults fills per-entry defaults that cannot be expressed in the
// flat defaults map.
func applyDefaults(cfg *Config) {
	for i := range cfg.Inputs {
		in := &cfg.Inputs[i]
		if in.Format == "" {
			in.Format = "plain"
		}
		if in.StartPosition == "" {
			in.StartPosition = "end"
		}
	}
	for i := range cfg.Outputs {
		out := &cfg.Outputs[i]
		if out.Timeout == 0 {
			out.Timeout = 10 * time.Second
		}
		switch out.Kind {
		case "redis":
			if out.Port == 0 {
				out.Port = 6379
			}
			if out.Key == "" {
				out.Key = "tailship"
			}
		case "amqp":
			if out.Port == 0 {
				out.Port = 5672
			}
			if out.Vhost == "" {
				out.Vhost = "/"
			}
			if out.Exchange.Type == "" {
				out.Exchange.Type = "direct"
			}
		case "gelf":
			if out.Port == 0 {
				out.Port = 12201
			}
			if out.Facility == "" {
				out.Facility = "tailship"
			}
		case "screen":
			if out.Target == "" {
				out.Target = "stdout"
			}
		case "elasticsearch":
			if out.BatchSize == 0 {
				out.BatchSize = 100
			}
			if out.FlushInterval == 0 {
				out.FlushInterval = 5 * time.Second
			}
		}
	}
}

// Validate checks semantic constraints that the schema cannot express.
// Any error here is fatal before the scheduling loop starts.
func (c *Config) Validate() error {
	if c.Poll < 100 || c.Poll > 9999 {
		return fmt.Errorf("poll must be within 100..9999, got %d", c.Poll)
	}
	if c.Lines <= 0 {
		return fmt.Errorf("lines must be positive, got %d", c.Lines)
	}
	if c.LogWatchInterval <= 0 {
		return fmt.Errorf("log_watch_interval must be positive, got %d", c.LogWatchInterval)
	}
	if len(c.Inputs) == 0 {
		return fmt.Errorf("no inputs configured")
	}
	if len(c.Outputs) == 0 {
		return fmt.Errorf("no outputs configured")
	}

	for i, in := range c.Inputs {
		switch in.Kind {
		case "file":
			if len(in.Path) == 0 {
				return fmt.Errorf("inputs[%d]: file input requires a path", i)
			}
			if in.StartPosition != "end" && in.StartPosition != "begin" {
				return fmt.Errorf("inputs[%d]: start_position must be end or begin, got %q", i, in.StartPosition)
			}
		case "socket":
			if in.Listen == "" {
				return fmt.Errorf("inputs[%d]: socket input requires a listen address", i)
			}
		default:
			return fmt.Errorf("inputs[%d]: unknown input kind %q", i, in.Kind)
		}
		if in.Format != "plain" && in.Format != "json_event" {
			return fmt.Errorf("inputs[%d]: format must be plain or json_event, got %q", i, in.Format)
		}
		if in.Workers < 0 {
			return fmt.Errorf("inputs[%d]: workers must not be negative", i)
		}
		for j, d := range in.Derived {
			if d.Name == "" || d.Field == "" || d.Match == "" {
				return fmt.Errorf("inputs[%d].derived[%d]: name, field and match are required", i, j)
			}
		}
	}

	for i, out := range c.Outputs {
		if len(out.Types()) == 0 {
			return fmt.Errorf("outputs[%d]: output requires at least one type label", i)
		}
		switch out.Kind {
		case "redis", "socket":
			if len(out.Hosts) == 0 {
				return fmt.Errorf("outputs[%d]: %s output requires hosts", i, out.Kind)
			}
		case "amqp":
			if out.Host == "" {
				return fmt.Errorf("outputs[%d]: amqp output requires a host", i)
			}
			if out.Queue.Name == "" {
				return fmt.Errorf("outputs[%d]: amqp output requires a queue name", i)
			}
		case "gelf":
			if out.Host == "" {
				return fmt.Errorf("outputs[%d]: gelf output requires a host", i)
			}
		case "screen":
			switch out.Target {
			case "stdout", "stderr", "discard":
			default:
				return fmt.Errorf("outputs[%d]: screen target must be stdout, stderr or discard, got %q", i, out.Target)
			}
		case "elasticsearch":
			if len(out.Addresses) == 0 || out.Index == "" {
				return fmt.Errorf("outputs[%d]: elasticsearch output requires addresses and an index", i)
			}
		default:
			return fmt.Errorf("outputs[%d]: unknown output kind %q", i, out.Kind)
		}
	}

	return nil
}
