// Human-readable telemetry status report
// Rendered as a two-column table for the replay --status flag
package diagnostics

import (
	"fmt"
	"math"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/andrewh/agentotel/pkg/config"
	"github.com/andrewh/agentotel/pkg/payload"
	"github.com/andrewh/agentotel/pkg/telemetry"
)

const none = "(none)"

// Snapshot is everything the status report shows.
type Snapshot struct {
	Enabled          bool
	ServiceName      string
	PrivacyProfile   payload.Profile
	TraceExporter    config.Exporter
	MetricsExporters []config.Exporter
	TraceEndpoint    string
	MetricsEndpoint  string
	Status           telemetry.Status
}

// NewSnapshot pairs a configuration with a collector status.
func NewSnapshot(cfg config.Config, status telemetry.Status) Snapshot {
	return Snapshot{
		Enabled:          cfg.Enabled,
		ServiceName:      cfg.ServiceName,
		PrivacyProfile:   cfg.Privacy.Profile,
		TraceExporter:    cfg.Traces.Exporter,
		MetricsExporters: cfg.Metrics.Exporters,
		TraceEndpoint:    cfg.Traces.Endpoint,
		MetricsEndpoint:  cfg.Metrics.Endpoint,
		Status:           status,
	}
}

// FormatStatus renders s as a table.
func FormatStatus(s Snapshot) string {
	p := message.NewPrinter(language.English)
	st := s.Status

	exporters := make([]string, len(s.MetricsExporters))
	for i, e := range s.MetricsExporters {
		exporters[i] = string(e)
	}

	tw := table.NewWriter()
	tw.SetTitle("OTel Telemetry Status")
	tw.SetStyle(table.StyleLight)
	tw.AppendRows([]table.Row{
		{"Enabled", yesNo(s.Enabled)},
		{"Service", s.ServiceName},
		{"Privacy", s.PrivacyProfile},
		{"Trace exporter", s.TraceExporter},
		{"Metrics exporters", strings.Join(exporters, ", ")},
		{"Trace endpoint", s.TraceEndpoint},
		{"Metrics endpoint", s.MetricsEndpoint},
	})
	tw.AppendSeparator()
	tw.AppendRows([]table.Row{
		{"Model", st.Provider + "/" + st.Model},
		{"Sessions", p.Sprintf("%d", st.Sessions)},
		{"Turns", p.Sprintf("%d", st.Turns)},
		{"Prompts", p.Sprintf("%d", st.Prompts)},
		{"Tool calls/results", p.Sprintf("%d/%d", st.ToolCalls, st.ToolResults)},
		{"Tokens total", p.Sprintf("%d (in=%d, out=%d, cache=%d/%d)",
			st.Tokens.Total, st.Tokens.Input, st.Tokens.Output, st.Tokens.CacheRead, st.Tokens.CacheWrite)},
		{"Cost total", fmt.Sprintf("%s (in=%s, out=%s, cache=%s/%s)",
			usd(st.Cost.Total), usd(st.Cost.Input), usd(st.Cost.Output), usd(st.Cost.CacheRead), usd(st.Cost.CacheWrite))},
		{"Duration last(session/turn/tool)", fmt.Sprintf("%s / %s / %s",
			FormatMillis(st.Durations.Session.LastMs), FormatMillis(st.Durations.Turn.LastMs), FormatMillis(st.Durations.Tool.LastMs))},
		{"Trace ID", orNone(st.TraceID)},
		{"Last error", orNone(st.LastError)},
	})
	return tw.Render()
}

// FormatMillis renders a duration in milliseconds as whole milliseconds, or
// as seconds with two decimals from one second up.
func FormatMillis(ms float64) string {
	if ms >= 1000 {
		return fmt.Sprintf("%.2fs", ms/1000)
	}
	return fmt.Sprintf("%dms", int64(math.Round(ms)))
}

func usd(v float64) string { return fmt.Sprintf("$%.4f", v) }

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orNone(s string) string {
	if s == "" {
		return none
	}
	return s
}
