// Package config loads envkit settings from TOML.
//
//	[environment]
//	name = "worker"
//	logging_level = "INFO"
//	dispose_waiting_timeout = "5s"      # or "infinite"
//	dispose_canceling_timeout = "2s"
//
//	[telemetry]
//	service_name = "envkit"
//	endpoint = "localhost:4317"
//	protocol = "grpc"
//	insecure = true
//	sample_ratio = 0.25
//	events = "file:/var/log/envkit-events.jsonl,http:https://collector/events"
//
// Every key is optional; missing keys keep the values from Default.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/envkit/environment"
	"github.com/vinayprograms/envkit/errors"
	"github.com/vinayprograms/envkit/logging"
	"github.com/vinayprograms/envkit/tasks"
	"github.com/vinayprograms/envkit/telemetry"
)

// Duration is a time.Duration decoded from a Go duration string or
// "infinite".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if strings.EqualFold(s, "infinite") {
		*d = Duration(tasks.Infinite)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	if time.Duration(d) == tasks.Infinite {
		return []byte("infinite"), nil
	}
	return []byte(time.Duration(d).String()), nil
}

// Config is the top-level configuration.
type Config struct {
	Environment EnvironmentConfig `toml:"environment"`
	Telemetry   TelemetryConfig   `toml:"telemetry"`
}

// EnvironmentConfig configures the shared environment.
type EnvironmentConfig struct {
	Name                    string   `toml:"name"`
	LoggingLevel            string   `toml:"logging_level"`
	DisposeWaitingTimeout   Duration `toml:"dispose_waiting_timeout"`
	DisposeCancelingTimeout Duration `toml:"dispose_canceling_timeout"`
}

// TelemetryConfig configures tracing and lifecycle event export.
type TelemetryConfig struct {
	ServiceName    string            `toml:"service_name"`
	ServiceVersion string            `toml:"service_version"`
	Endpoint       string            `toml:"endpoint"`
	Protocol       string            `toml:"protocol"`
	Insecure       bool              `toml:"insecure"`
	Headers        map[string]string `toml:"headers"`
	SampleRatio    float64           `toml:"sample_ratio"`

	// Events selects lifecycle event exporters: "noop", or a comma-separated
	// list of "file:<path>" and "http:<url>".
	Events string `toml:"events"`
}

// Default returns configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Environment: EnvironmentConfig{
			LoggingLevel:            string(logging.LevelInfo),
			DisposeWaitingTimeout:   Duration(environment.DefaultWaitingTimeout),
			DisposeCancelingTimeout: Duration(environment.DefaultCancelingTimeout),
		},
		Telemetry: TelemetryConfig{
			Protocol: "grpc",
			Events:   "noop",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidConfig, "read config file")
	}
	return Parse(string(content))
}

// Parse parses TOML content on top of Default and validates the result.
// Unknown keys are rejected.
func Parse(content string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(content, cfg)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidConfig, "parse config")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, errors.Newf(errors.CodeInvalidConfig, "unknown config keys: %s", strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if _, err := logging.ParseLevel(c.Environment.LoggingLevel); err != nil {
		return errors.WrapWithCode(err, errors.CodeInvalidConfig, "environment.logging_level")
	}
	if err := tasks.ValidateTimeout(time.Duration(c.Environment.DisposeWaitingTimeout)); err != nil {
		return errors.Wrap(err, "environment.dispose_waiting_timeout")
	}
	if err := tasks.ValidateTimeout(time.Duration(c.Environment.DisposeCancelingTimeout)); err != nil {
		return errors.Wrap(err, "environment.dispose_canceling_timeout")
	}
	switch c.Telemetry.Protocol {
	case "", "grpc", "http":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "telemetry.protocol %q (use grpc or http)", c.Telemetry.Protocol)
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return errors.Newf(errors.CodeInvalidConfig, "telemetry.sample_ratio %v out of range [0, 1]", c.Telemetry.SampleRatio)
	}
	if _, err := splitEvents(c.Telemetry.Events); err != nil {
		return err
	}
	return nil
}

// EnvironmentOptions converts the [environment] section into options for
// environment.New. Logger, tracer and exporter are left to the caller.
func (c *Config) EnvironmentOptions() ([]environment.Option, error) {
	level, err := logging.ParseLevel(c.Environment.LoggingLevel)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidConfig, "environment.logging_level")
	}
	return []environment.Option{
		environment.WithName(c.Environment.Name),
		environment.WithLevel(level),
		environment.WithDisposeTimeouts(
			time.Duration(c.Environment.DisposeWaitingTimeout),
			time.Duration(c.Environment.DisposeCancelingTimeout),
		),
	}, nil
}

// ProviderConfig converts the [telemetry] section for telemetry.InitProvider.
func (c *Config) ProviderConfig() telemetry.ProviderConfig {
	return telemetry.ProviderConfig{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: c.Telemetry.ServiceVersion,
		Endpoint:       c.Telemetry.Endpoint,
		Protocol:       c.Telemetry.Protocol,
		Insecure:       c.Telemetry.Insecure,
		Headers:        c.Telemetry.Headers,
		SampleRatio:    c.Telemetry.SampleRatio,
	}
}

// EventExporter builds the lifecycle event exporter named by
// telemetry.events. Several targets fan out through a MultiExporter.
func (c *Config) EventExporter() (telemetry.Exporter, error) {
	targets, err := splitEvents(c.Telemetry.Events)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		return telemetry.NewNoopExporter(), nil
	}

	var multi telemetry.MultiExporter
	for _, t := range targets {
		var exp telemetry.Exporter
		if t.protocol == "http" {
			exp = telemetry.NewHTTPExporter(t.endpoint, telemetry.WithHeaders(c.Telemetry.Headers))
		} else {
			exp, err = telemetry.NewExporter(t.protocol, t.endpoint)
			if err != nil {
				_ = multi.Close()
				return nil, err
			}
		}
		multi = append(multi, exp)
	}
	if len(multi) == 1 {
		return multi[0], nil
	}
	return multi, nil
}

type eventTarget struct {
	protocol string
	endpoint string
}

func splitEvents(list string) ([]eventTarget, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "noop" {
		return nil, nil
	}
	var targets []eventTarget
	for _, part := range strings.Split(list, ",") {
		protocol, endpoint, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || endpoint == "" {
			return nil, errors.Newf(errors.CodeInvalidConfig, "telemetry.events %q (use noop, file:<path> or http:<url>)", part)
		}
		if protocol != "file" && protocol != "http" {
			return nil, errors.Newf(errors.CodeInvalidConfig, "telemetry.events protocol %q", protocol)
		}
		targets = append(targets, eventTarget{protocol, endpoint})
	}
	return targets, nil
}
