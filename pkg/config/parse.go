// Parsing helpers for environment-style configuration values
// Lenient by default: unrecognised values fall back to the default
package config

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"
)

func asBool(value string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on", "enabled":
		return true
	case "0", "false", "no", "off", "disabled":
		return false
	default:
		return def
	}
}

// asInt accepts only positive integers.
func asInt(value string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// asInterval reads a positive millisecond count or a Go duration string.
func asInterval(value string, def time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if ms := asInt(value, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return def
}

func splitComma(value string) []string {
	var out []string
	for item := range strings.SplitSeq(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// stringList reads a comma-separated string or a YAML sequence.
func stringList(raw any) []string {
	switch v := raw.(type) {
	case nil:
		return nil
	case string:
		return splitComma(v)
	case []string:
		return splitComma(strings.Join(v, ","))
	case []any:
		var out []string
		for _, item := range v {
			if s := strings.TrimSpace(fmt.Sprint(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return splitComma(fmt.Sprint(v))
	}
}

// keyValues reads a "k=v,k2=v2" string or a YAML mapping.
func keyValues(raw any) (map[string]string, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]string{}, nil
	case string:
		return ParseKeyValuePairs(v), nil
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	case map[string]string:
		return maps.Clone(v), nil
	default:
		return nil, fmt.Errorf("unsupported value of type %T", raw)
	}
}

// ParseKeyValuePairs parses "k=v,k2=v2". The first '=' separates key from
// value; pairs without '=' or with an empty key are skipped.
func ParseKeyValuePairs(raw string) map[string]string {
	out := map[string]string{}
	for _, pair := range splitComma(raw) {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

// ResolveOTLPEndpoint appends signalPath to base unless base already ends
// with it. Trailing slashes are trimmed first.
func ResolveOTLPEndpoint(base, signalPath string) string {
	normalized := strings.TrimRight(base, "/")
	if strings.HasSuffix(normalized, signalPath) {
		return normalized
	}
	return normalized + signalPath
}

func parseTraceExporter(value string) Exporter {
	switch strings.TrimSpace(value) {
	case string(ExporterNone):
		return ExporterNone
	case string(ExporterConsole):
		return ExporterConsole
	default:
		return ExporterOTLP
	}
}

func parseLogsExporter(value string) Exporter {
	switch strings.TrimSpace(value) {
	case string(ExporterOTLP):
		return ExporterOTLP
	case string(ExporterConsole):
		return ExporterConsole
	default:
		return ExporterNone
	}
}

// parseMetricsExporters keeps known exporters in order without duplicates.
// An empty result means OTLP.
func parseMetricsExporters(values []string) []Exporter {
	var out []Exporter
	for _, v := range values {
		e := Exporter(v)
		switch e {
		case ExporterNone, ExporterConsole, ExporterOTLP:
		default:
			continue
		}
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return []Exporter{ExporterOTLP}
	}
	return out
}
