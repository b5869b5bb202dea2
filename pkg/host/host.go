// Host orchestrator: fans each agent event out to the span manager and the metrics collector
// The two consumers never talk to each other; the host owns configuration and shutdown
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrewh/agentotel/pkg/config"
	"github.com/andrewh/agentotel/pkg/payload"
	"github.com/andrewh/agentotel/pkg/telemetry"
)

const scopeName = "agentotel"

// Shutdowner flushes and closes exporters.
type Shutdowner interface {
	Shutdown(ctx context.Context) error
}

type options struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	loggerProvider log.LoggerProvider
	runtime        Shutdowner
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
	onError        func(error)
}

// Option configures a Host.
type Option func(*options)

// WithTracerProvider enables spans. Without it only metrics are recorded.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}

// WithMeterProvider mirrors metrics to OTel instruments.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(o *options) { o.meterProvider = mp }
}

// WithLoggerProvider emits log records for orphaned and failed spans.
func WithLoggerProvider(lp log.LoggerProvider) Option {
	return func(o *options) { o.loggerProvider = lp }
}

// WithRuntime sets the exporter runtime shut down with the host.
func WithRuntime(rt Shutdowner) Option {
	return func(o *options) { o.runtime = rt }
}

// WithClock sets the clock used by the collector and span manager.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIDGenerator sets the generator for missing session ids.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithLogger sets the diagnostics logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithOnError sets a callback for runtime failures.
func WithOnError(fn func(error)) Option {
	return func(o *options) { o.onError = fn }
}

// Host routes events into the telemetry core.
type Host struct {
	cfg       config.Config
	collector *telemetry.Collector
	spans     *telemetry.SpanManager
	runtime   Shutdowner
	newID     func() string
	logger    *slog.Logger
	onError   func(error)

	mu   sync.Mutex
	done bool
}

// New builds a Host from cfg. A disabled configuration yields a Host that
// ignores every event.
func New(cfg config.Config, opts ...Option) (*Host, error) {
	o := options{
		now:     time.Now,
		newID:   uuid.NewString,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		onError: func(error) {},
	}
	for _, opt := range opts {
		opt(&o)
	}

	var mp metric.MeterProvider
	if cfg.Enabled {
		mp = o.meterProvider
	}
	collector, err := telemetry.NewCollector(mp, o.now)
	if err != nil {
		return nil, fmt.Errorf("creating metrics collector: %w", err)
	}

	h := &Host{
		cfg:       cfg,
		collector: collector,
		runtime:   o.runtime,
		newID:     o.newID,
		logger:    o.logger,
		onError:   o.onError,
	}

	if cfg.Enabled && o.tracerProvider != nil {
		redactor := payload.NewRedactor(cfg.Privacy.ExtraSensitiveKeys, cfg.Privacy.PathDenylist)
		policy := payload.NewPolicy(cfg.Privacy.Profile, cfg.Privacy.PayloadMaxBytes, redactor)

		spanOpts := []telemetry.SpanOption{
			telemetry.WithClock(o.now),
			telemetry.WithMaxTracked(cfg.MaxTrackedSpans),
		}
		if o.loggerProvider != nil {
			spanOpts = append(spanOpts, telemetry.WithObservers(telemetry.NewLogObserver(o.loggerProvider)))
		}
		h.spans = telemetry.NewSpanManager(o.tracerProvider.Tracer(scopeName), policy, spanOpts...)
	}

	return h, nil
}

// Handle applies one event. Events after Shutdown are ignored.
func (h *Host) Handle(ctx context.Context, ev Event) {
	if !h.cfg.Enabled {
		return
	}
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		h.logger.Debug("event after shutdown ignored", "type", ev.Type())
		return
	}

	h.logger.Debug("handling event", "type", ev.Type())

	switch e := ev.(type) {
	case SessionStart:
		h.startSession(e.SessionID, e.SessionFile, e.Model)
	case SessionSwitch:
		h.collector.RecordSessionEnd()
		if h.spans != nil {
			h.spans.Shutdown()
		}
		h.startSession(e.SessionID, e.SessionFile, e.Model)
	case Input:
		h.updateModel(e.Model)
		h.collector.RecordPrompt(utf8.RuneCountInString(e.Text))
		if h.spans != nil {
			h.spans.OnInput(telemetry.InputArgs{
				Text:       e.Text,
				Source:     e.Source,
				ImageCount: len(e.Images),
			})
		}
	case AgentStart:
		if h.spans != nil {
			h.spans.OnAgentStart()
		}
	case AgentEnd:
		if h.spans != nil {
			h.spans.OnAgentEnd(telemetry.AgentEndArgs{StopReason: findStopReason(e.Messages)})
		}
	case TurnStart:
		h.collector.RecordTurnStart()
		if h.spans != nil {
			var at time.Time
			if e.Timestamp > 0 {
				at = time.UnixMilli(e.Timestamp)
			}
			h.spans.OnTurnStart(telemetry.TurnStartArgs{TurnIndex: e.TurnIndex, Timestamp: at})
		}
	case TurnEnd:
		h.collector.RecordTurnEnd()
		if usage, ok := extractUsage(e.Message); ok {
			h.collector.RecordUsage(usage)
		}
		if h.spans != nil {
			h.spans.OnTurnEnd(telemetry.TurnEndArgs{
				TurnIndex:   e.TurnIndex,
				ToolResults: len(e.ToolResults),
				StopReason:  stopReason(e.Message),
			})
		}
	case ToolCall:
		h.collector.RecordToolCall(telemetry.ToolCall{ToolCallID: e.ToolCallID, ToolName: e.ToolName})
		if h.spans != nil {
			h.spans.OnToolCall(telemetry.ToolCallArgs{
				ToolCallID: e.ToolCallID,
				ToolName:   e.ToolName,
				Input:      e.Input,
			})
		}
	case ToolResult:
		h.collector.RecordToolResult(telemetry.ToolResult{
			ToolCallID: e.ToolCallID,
			ToolName:   e.ToolName,
			Success:    !e.IsError,
		})
		if h.spans != nil {
			h.spans.OnToolResult(telemetry.ToolResultArgs{
				ToolCallID: e.ToolCallID,
				ToolName:   e.ToolName,
				IsError:    e.IsError,
				Output: payload.Mapping(
					payload.Entry{Key: "content", Value: e.Content},
					payload.Entry{Key: "details", Value: e.Details},
				),
			})
		}
	case ModelSelect:
		h.collector.SetProviderModel(e.Model.Provider, e.Model.ID)
		if h.spans != nil {
			h.spans.OnModelSelect(telemetry.ModelSelectArgs{
				Provider: e.Model.Provider,
				ModelID:  e.Model.ID,
				Source:   e.Source,
			})
		}
	case SessionCompact:
		if h.spans != nil {
			var args telemetry.SessionCompactArgs
			if c := e.CompactionEntry; c != nil {
				args = telemetry.SessionCompactArgs{
					FirstKeptEntryID: c.FirstKeptEntryID,
					TokensBefore:     c.TokensBefore,
					Summary:          c.Summary,
				}
			}
			h.spans.OnSessionCompact(args)
		}
	case SessionTree:
		if h.spans != nil {
			h.spans.OnSessionTree(telemetry.SessionTreeArgs{
				OldLeafID:     e.OldLeafID,
				NewLeafID:     e.NewLeafID,
				FromExtension: e.FromExtension,
			})
		}
	case SessionShutdown:
		if err := h.Shutdown(ctx); err != nil {
			h.logger.Warn("runtime shutdown failed", "error", err)
		}
		return
	default:
		h.logger.Debug("unhandled event", "type", ev.Type())
	}

	h.collector.SetTraceID(h.traceID())
}

func (h *Host) startSession(id, file string, model *Model) {
	if id == "" {
		id = h.newID()
	}
	h.updateModel(model)
	h.collector.RecordSessionStart()
	if h.spans != nil {
		h.spans.OnSessionStart(telemetry.SessionStartArgs{SessionID: id, SessionFile: file})
	}
	h.logger.Info("session started", "trace_id", h.traceID())
}

func (h *Host) updateModel(m *Model) {
	if m == nil {
		return
	}
	h.collector.SetProviderModel(m.Provider, m.ID)
}

func (h *Host) traceID() string {
	if h.spans == nil {
		return ""
	}
	return h.spans.TraceID()
}

// TraceID returns the current trace id, or "" when no session is open.
func (h *Host) TraceID() string { return h.traceID() }

// Status returns the metrics snapshot with the live trace id.
func (h *Host) Status() telemetry.Status {
	s := h.collector.Status()
	s.TraceID = h.traceID()
	return s
}

// Shutdown ends the session, closes every open span and shuts the exporter
// runtime down. A runtime failure is recorded as the last error and passed
// to the error callback. Later calls do nothing.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return nil
	}
	h.done = true
	h.mu.Unlock()

	if h.cfg.Enabled {
		h.collector.RecordSessionEnd()
		if h.spans != nil {
			h.spans.Shutdown()
		}
		h.collector.SetTraceID("")
	}

	if h.runtime == nil {
		return nil
	}
	if err := h.runtime.Shutdown(ctx); err != nil {
		h.collector.SetLastError(err.Error())
		h.onError(err)
		return fmt.Errorf("shutting down runtime: %w", err)
	}
	return nil
}

// Replay decodes events from r and handles them in order. It returns the
// number of events handled.
func (h *Host) Replay(ctx context.Context, r io.Reader) (int, error) {
	dec := NewDecoder(r)
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		ev, err := dec.Next()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		h.Handle(ctx, ev)
		n++
	}
}

// extractUsage reads token usage from an assistant message.
func extractUsage(message payload.Value) (telemetry.Usage, bool) {
	if role, _ := field(message, "role").Str(); role != "assistant" {
		return telemetry.Usage{}, false
	}
	usage := field(message, "usage")
	if usage.Kind() != payload.KindMapping {
		return telemetry.Usage{}, false
	}
	cost := field(usage, "cost")
	return telemetry.Usage{
		Input:      intField(usage, "input"),
		Output:     intField(usage, "output"),
		CacheRead:  intField(usage, "cacheRead"),
		CacheWrite: intField(usage, "cacheWrite"),
		Total:      intField(usage, "totalTokens"),
		Cost: telemetry.CostTotals{
			Input:      floatField(cost, "input"),
			Output:     floatField(cost, "output"),
			CacheRead:  floatField(cost, "cacheRead"),
			CacheWrite: floatField(cost, "cacheWrite"),
			Total:      floatField(cost, "total"),
		},
	}, true
}

// stopReason returns the message's stopReason rendered as text. Null and
// absent give ""; other non-string values are rendered as JSON.
func stopReason(message payload.Value) string {
	v, ok := message.Get("stopReason")
	if !ok || v.IsNull() {
		return ""
	}
	if s, ok := v.Str(); ok {
		return s
	}
	return v.String()
}

// findStopReason returns the stop reason of the last assistant message.
func findStopReason(messages []payload.Value) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if role, _ := field(messages[i], "role").Str(); role == "assistant" {
			s, _ := field(messages[i], "stopReason").Str()
			return s
		}
	}
	return ""
}

func field(v payload.Value, key string) payload.Value {
	f, _ := v.Get(key)
	return f
}

func floatField(v payload.Value, key string) float64 {
	f, _ := field(v, key).Float()
	return f
}

func intField(v payload.Value, key string) int64 {
	return int64(floatField(v, key))
}
