// Telemetry configuration loaded from defaults, an optional YAML file and the environment
// Every environment setting is read as PI_<NAME> first, then <NAME>
package config

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/spf13/viper"

	"github.com/andrewh/agentotel/pkg/payload"
)

// Exporter selects where a signal is sent.
type Exporter string

const (
	ExporterNone    Exporter = "none"
	ExporterOTLP    Exporter = "otlp"
	ExporterConsole Exporter = "console"
)

// Protocol selects the OTLP transport.
type Protocol string

const (
	ProtocolHTTP Protocol = "http/protobuf"
	ProtocolGRPC Protocol = "grpc"
)

// Defaults.
const (
	DefaultServiceName     = "agentotel"
	DefaultServiceVersion  = "0.1.0"
	DefaultTraceUIBaseURL  = "http://localhost:16686/trace"
	DefaultPayloadMaxBytes = 32 * 1024
	DefaultExportInterval  = 60 * time.Second

	defaultHTTPBase = "http://localhost:4318"
	defaultGRPCBase = "http://localhost:4317"
)

// Privacy controls payload capture.
type Privacy struct {
	Profile            payload.Profile `yaml:"profile"`
	PayloadMaxBytes    int             `yaml:"payload_max_bytes"`
	ExtraSensitiveKeys []string        `yaml:"extra_sensitive_keys"`
	PathDenylist       []string        `yaml:"path_denylist"`
}

// Signal configures the export of traces or logs.
type Signal struct {
	Exporter Exporter          `yaml:"exporter"`
	Endpoint string            `yaml:"endpoint"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	Protocol Protocol          `yaml:"protocol"`
}

// Metrics configures the export of metrics. Several exporters may be active.
type Metrics struct {
	Exporters      []Exporter        `yaml:"exporters"`
	Endpoint       string            `yaml:"endpoint"`
	Headers        map[string]string `yaml:"headers,omitempty"`
	Protocol       Protocol          `yaml:"protocol"`
	ExportInterval time.Duration     `yaml:"export_interval"`
}

// Config is the effective telemetry configuration.
type Config struct {
	Enabled         bool    `yaml:"enabled"`
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	TraceUIBaseURL  string  `yaml:"trace_ui_base_url"`
	Privacy         Privacy `yaml:"privacy"`
	Traces          Signal  `yaml:"traces"`
	Metrics         Metrics `yaml:"metrics"`
	Logs            Signal  `yaml:"logs"`
	MaxTrackedSpans int     `yaml:"max_tracked_spans"`
}

// keys maps each viper key to the environment name it is bound to.
var keys = map[string]string{
	"enabled":                      "OTEL_ENABLE",
	"service_name":                 "OTEL_SERVICE_NAME",
	"service_version":              "OTEL_SERVICE_VERSION",
	"trace_ui_base_url":            "OTEL_TRACE_UI_BASE_URL",
	"privacy.profile":              "OTEL_PRIVACY_PROFILE",
	"privacy.payload_max_bytes":    "OTEL_PAYLOAD_MAX_BYTES",
	"privacy.extra_sensitive_keys": "OTEL_REDACT_KEYS",
	"privacy.path_denylist":        "OTEL_PATH_DENYLIST",
	"traces.exporter":              "OTEL_TRACES_EXPORTER",
	"traces.endpoint":              "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT",
	"metrics.exporters":            "OTEL_METRICS_EXPORTER",
	"metrics.endpoint":             "OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
	"metrics.export_interval":      "OTEL_METRIC_EXPORT_INTERVAL",
	"logs.exporter":                "OTEL_LOGS_EXPORTER",
	"logs.endpoint":                "OTEL_EXPORTER_OTLP_LOGS_ENDPOINT",
	"otlp.endpoint":                "OTEL_EXPORTER_OTLP_ENDPOINT",
	"otlp.headers":                 "OTEL_EXPORTER_OTLP_HEADERS",
	"otlp.protocol":                "OTEL_EXPORTER_OTLP_PROTOCOL",
	"max_tracked_spans":            "OTEL_MAX_TRACKED_SPANS",
}

// Load reads the configuration. A non-empty path names a YAML file whose
// values sit between the defaults and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	for key, env := range keys {
		if err := v.BindEnv(key, "PI_"+env, env); err != nil {
			return Config{}, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	protocol, err := parseProtocol(v.GetString("otlp.protocol"))
	if err != nil {
		return Config{}, err
	}

	base := v.GetString("otlp.endpoint")
	headers, err := keyValues(v.Get("otlp.headers"))
	if err != nil {
		return Config{}, fmt.Errorf("otlp headers: %w", err)
	}

	cfg := Config{
		Enabled:        asBool(v.GetString("enabled"), true),
		ServiceName:    orDefault(v.GetString("service_name"), DefaultServiceName),
		ServiceVersion: orDefault(v.GetString("service_version"), DefaultServiceVersion),
		TraceUIBaseURL: orDefault(v.GetString("trace_ui_base_url"), DefaultTraceUIBaseURL),
		Privacy: Privacy{
			Profile:            payload.ParseProfile(v.GetString("privacy.profile")),
			PayloadMaxBytes:    asInt(v.GetString("privacy.payload_max_bytes"), DefaultPayloadMaxBytes),
			ExtraSensitiveKeys: stringList(v.Get("privacy.extra_sensitive_keys")),
			PathDenylist: append(stringList(v.Get("privacy.path_denylist")),
				payload.DefaultPathDenylist...),
		},
		Traces: Signal{
			Exporter: parseTraceExporter(v.GetString("traces.exporter")),
			Endpoint: signalEndpoint(v.GetString("traces.endpoint"), base, protocol, "/v1/traces"),
			Headers:  headers,
			Protocol: protocol,
		},
		Metrics: Metrics{
			Exporters:      parseMetricsExporters(stringList(v.Get("metrics.exporters"))),
			Endpoint:       signalEndpoint(v.GetString("metrics.endpoint"), base, protocol, "/v1/metrics"),
			Headers:        maps.Clone(headers),
			Protocol:       protocol,
			ExportInterval: asInterval(v.GetString("metrics.export_interval"), DefaultExportInterval),
		},
		Logs: Signal{
			Exporter: parseLogsExporter(v.GetString("logs.exporter")),
			Endpoint: signalEndpoint(v.GetString("logs.endpoint"), base, protocol, "/v1/logs"),
			Headers:  maps.Clone(headers),
			Protocol: protocol,
		},
		MaxTrackedSpans: asInt(v.GetString("max_tracked_spans"), 0),
	}
	return cfg, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// signalEndpoint picks the explicit signal endpoint, else the base endpoint
// with the signal path, else the local collector default.
func signalEndpoint(explicit, base string, protocol Protocol, signalPath string) string {
	if explicit != "" {
		return explicit
	}
	if base == "" {
		base = defaultHTTPBase
		if protocol == ProtocolGRPC {
			base = defaultGRPCBase
		}
	}
	return ResolveOTLPEndpoint(base, signalPath)
}

var errUnknownProtocol = errors.New("unknown OTLP protocol")

func parseProtocol(s string) (Protocol, error) {
	switch s {
	case "", "http", string(ProtocolHTTP):
		return ProtocolHTTP, nil
	case string(ProtocolGRPC):
		return ProtocolGRPC, nil
	default:
		return "", fmt.Errorf("%w %q (expected http/protobuf or grpc)", errUnknownProtocol, s)
	}
}

// Redacted returns a copy of c with every header value masked.
func (c Config) Redacted() Config {
	mask := func(h map[string]string) map[string]string {
		if len(h) == 0 {
			return h
		}
		out := make(map[string]string, len(h))
		for k := range h {
			out[k] = payload.Redacted
		}
		return out
	}
	c.Traces.Headers = mask(c.Traces.Headers)
	c.Metrics.Headers = mask(c.Metrics.Headers)
	c.Logs.Headers = mask(c.Logs.Headers)
	return c
}
