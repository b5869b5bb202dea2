// Collector aggregates session, turn, tool, prompt and usage metrics.
// Every update is mirrored to OTel instruments when a MeterProvider is given.
// Mirrored attributes never carry session ids, tool-call ids or payload content.
package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ToolCall identifies a tool invocation for metrics.
type ToolCall struct {
	ToolCallID string
	ToolName   string
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string
	ToolName   string
	Success    bool
}

type pendingTool struct {
	startedAt time.Time
	toolName  string
}

type instruments struct {
	sessions    metric.Int64Counter
	turns       metric.Int64Counter
	toolCalls   metric.Int64Counter
	toolResults metric.Int64Counter
	prompts     metric.Int64Counter
	tokens      metric.Int64Counter
	cost        metric.Float64Counter

	sessionDuration metric.Float64Histogram
	turnDuration    metric.Float64Histogram
	toolDuration    metric.Float64Histogram
}

// Collector holds the cumulative Status for one host lifetime.
type Collector struct {
	mu     sync.Mutex
	now    func() time.Time
	inst   *instruments
	status Status

	// nil when no start is pending
	sessionStart *time.Time
	turnStart    *time.Time
	tools        map[string]pendingTool
}

// NewCollector creates a Collector. A nil MeterProvider disables mirroring;
// a nil clock uses time.Now.
func NewCollector(mp metric.MeterProvider, now func() time.Time) (*Collector, error) {
	if now == nil {
		now = time.Now
	}
	c := &Collector{
		now:    now,
		status: newStatus(),
		tools:  make(map[string]pendingTool),
	}
	if mp != nil {
		inst, err := newInstruments(mp.Meter(meterName))
		if err != nil {
			return nil, err
		}
		c.inst = inst
	}
	return c, nil
}

const meterName = "agentotel"

func newInstruments(meter metric.Meter) (*instruments, error) {
	var (
		inst instruments
		err  error
	)

	counters := []struct {
		dst         *metric.Int64Counter
		name        string
		description string
		unit        string
	}{
		{&inst.sessions, "agentotel.session.count", "Count of sessions started", "{session}"},
		{&inst.turns, "agentotel.turn.count", "Count of turns", "{turn}"},
		{&inst.toolCalls, "agentotel.tool_call.count", "Count of tool calls", "{call}"},
		{&inst.toolResults, "agentotel.tool_result.count", "Count of tool results", "{result}"},
		{&inst.prompts, "agentotel.prompt.count", "Count of user prompts", "{prompt}"},
		{&inst.tokens, "agentotel.token.usage", "Token usage", "{token}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name,
			metric.WithDescription(c.description),
			metric.WithUnit(c.unit),
		)
		if err != nil {
			return nil, err
		}
	}

	inst.cost, err = meter.Float64Counter("agentotel.cost.usage",
		metric.WithDescription("Cost usage"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	histograms := []struct {
		dst         *metric.Float64Histogram
		name        string
		description string
	}{
		{&inst.sessionDuration, "agentotel.session.duration", "Session duration"},
		{&inst.turnDuration, "agentotel.turn.duration", "Turn duration"},
		{&inst.toolDuration, "agentotel.tool.duration", "Tool duration"},
	}
	for _, h := range histograms {
		*h.dst, err = meter.Float64Histogram(h.name,
			metric.WithDescription(h.description),
			metric.WithUnit("s"),
		)
		if err != nil {
			return nil, err
		}
	}

	return &inst, nil
}

// baseAttrs must be called with c.mu held.
func (c *Collector) baseAttrs(extra ...attribute.KeyValue) metric.MeasurementOption {
	attrs := make([]attribute.KeyValue, 0, 2+len(extra))
	attrs = append(attrs,
		attribute.String("provider", c.status.Provider),
		attribute.String("model", c.status.Model),
	)
	attrs = append(attrs, extra...)
	return metric.WithAttributes(attrs...)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// SetProviderModel sets the provider/model labels used on later measurements.
func (c *Collector) SetProviderModel(provider, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Provider = provider
	c.status.Model = model
}

// SetTraceID records the current trace id; empty clears it.
func (c *Collector) SetTraceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.TraceID = id
}

// SetLastError records the last runtime error message; empty clears it.
func (c *Collector) SetLastError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.LastError = msg
}

// RecordSessionStart counts a session and starts its duration clock.
func (c *Collector) RecordSessionStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Sessions++
	start := c.now()
	c.sessionStart = &start
	if c.inst != nil {
		c.inst.sessions.Add(context.Background(), 1, c.baseAttrs())
	}
}

// RecordSessionEnd records the session duration. Without a pending start it
// does nothing.
func (c *Collector) RecordSessionEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionStart == nil {
		return
	}
	elapsed := c.now().Sub(*c.sessionStart)
	c.status.Durations.Session.observe(millis(elapsed))
	if c.inst != nil {
		c.inst.sessionDuration.Record(context.Background(), elapsed.Seconds(), c.baseAttrs())
	}
	c.sessionStart = nil
}

// RecordTurnStart counts a turn and starts its duration clock.
func (c *Collector) RecordTurnStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Turns++
	start := c.now()
	c.turnStart = &start
	if c.inst != nil {
		c.inst.turns.Add(context.Background(), 1, c.baseAttrs())
	}
}

// RecordTurnEnd records the turn duration. Without a pending start it does
// nothing.
func (c *Collector) RecordTurnEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.turnStart == nil {
		return
	}
	elapsed := c.now().Sub(*c.turnStart)
	c.status.Durations.Turn.observe(millis(elapsed))
	if c.inst != nil {
		c.inst.turnDuration.Record(context.Background(), elapsed.Seconds(), c.baseAttrs())
	}
	c.turnStart = nil
}

// RecordToolCall counts a tool call and remembers when it started.
func (c *Collector) RecordToolCall(call ToolCall) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ToolCalls++
	c.tools[call.ToolCallID] = pendingTool{startedAt: c.now(), toolName: call.ToolName}
	if c.inst != nil {
		c.inst.toolCalls.Add(context.Background(), 1, c.baseAttrs(
			attribute.String("tool.name", call.ToolName),
		))
	}
}

// RecordToolResult counts a tool result. A result whose call was recorded
// also contributes a tool duration; an orphan result is only counted.
func (c *Collector) RecordToolResult(res ToolResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.ToolResults++

	if started, ok := c.tools[res.ToolCallID]; ok {
		elapsed := c.now().Sub(started.startedAt)
		c.status.Durations.Tool.observe(millis(elapsed))
		if c.inst != nil {
			c.inst.toolDuration.Record(context.Background(), elapsed.Seconds(), c.baseAttrs(
				attribute.String("tool.name", res.ToolName),
				attribute.Bool("success", res.Success),
			))
		}
		delete(c.tools, res.ToolCallID)
	}

	if c.inst != nil {
		c.inst.toolResults.Add(context.Background(), 1, c.baseAttrs(
			attribute.String("tool.name", res.ToolName),
			attribute.Bool("success", res.Success),
		))
	}
}

// RecordPrompt counts a user prompt of the given length in characters.
func (c *Collector) RecordPrompt(promptLength int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status.Prompts++
	if c.inst != nil {
		c.inst.prompts.Add(context.Background(), 1, c.baseAttrs(
			attribute.Int("prompt.length", promptLength),
		))
	}
}

// RecordUsage adds token and cost usage to the running totals.
func (c *Collector) RecordUsage(u Usage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.status.Tokens.Input += u.Input
	c.status.Tokens.Output += u.Output
	c.status.Tokens.CacheRead += u.CacheRead
	c.status.Tokens.CacheWrite += u.CacheWrite
	c.status.Tokens.Total += u.Total

	c.status.Cost.Input += u.Cost.Input
	c.status.Cost.Output += u.Cost.Output
	c.status.Cost.CacheRead += u.Cost.CacheRead
	c.status.Cost.CacheWrite += u.Cost.CacheWrite
	c.status.Cost.Total += u.Cost.Total

	if c.inst == nil {
		return
	}
	ctx := context.Background()
	byType := []struct {
		kind   string
		tokens int64
		cost   float64
	}{
		{"input", u.Input, u.Cost.Input},
		{"output", u.Output, u.Cost.Output},
		{"cache_read", u.CacheRead, u.Cost.CacheRead},
		{"cache_write", u.CacheWrite, u.Cost.CacheWrite},
	}
	for _, t := range byType {
		c.inst.tokens.Add(ctx, t.tokens, c.baseAttrs(attribute.String("type", t.kind)))
	}
	for _, t := range byType {
		c.inst.cost.Add(ctx, t.cost, c.baseAttrs(attribute.String("type", t.kind)))
	}
}

// Status returns an independent copy of the current status.
func (c *Collector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}
