// SpanManager maps agent lifecycle events onto a session > agent > turn > tool span tree.
// Spans left open by missing end events are force-closed as orphans, never leaked.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	orderedmap "github.com/wk8/go-ordered-map/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrewh/agentotel/pkg/payload"
)

// PayloadSanitizer is the part of payload.Policy the span manager needs.
type PayloadSanitizer interface {
	Sanitize(v payload.Value, path string) payload.Sanitized
	Attributes(prefix string, s payload.Sanitized) []attribute.KeyValue
}

const (
	inputPreviewChars   = 50
	commandPreviewChars = 120
)

// SessionStartArgs describes a new session.
type SessionStartArgs struct {
	SessionID   string
	SessionFile string
}

// InputArgs describes a user prompt.
type InputArgs struct {
	Text       string
	Source     string
	ImageCount int
	Path       string
}

// AgentEndArgs describes the end of an agent run.
type AgentEndArgs struct {
	StopReason string
}

// TurnStartArgs describes the start of a model turn. A zero Timestamp means now.
type TurnStartArgs struct {
	TurnIndex int
	Timestamp time.Time
}

// TurnEndArgs describes the end of a model turn.
type TurnEndArgs struct {
	TurnIndex   int
	ToolResults int
	StopReason  string
}

// ToolCallArgs describes a tool invocation. TurnIndex is optional.
type ToolCallArgs struct {
	ToolCallID string
	ToolName   string
	Input      payload.Value
	TurnIndex  *int
}

// ToolResultArgs describes a tool outcome. TurnIndex is optional.
type ToolResultArgs struct {
	ToolCallID string
	ToolName   string
	IsError    bool
	Output     payload.Value
	TurnIndex  *int
}

// ModelSelectArgs describes a model change.
type ModelSelectArgs struct {
	Provider string
	ModelID  string
	Source   string
}

// SessionCompactArgs describes a context compaction.
type SessionCompactArgs struct {
	FirstKeptEntryID string
	TokensBefore     int
	Summary          payload.Value
}

// SessionTreeArgs describes a move within the session tree.
type SessionTreeArgs struct {
	OldLeafID     string
	NewLeafID     string
	FromExtension bool
}

// SpanOption configures a SpanManager.
type SpanOption func(*SpanManager)

// WithClock sets the clock used for span timestamps.
func WithClock(now func() time.Time) SpanOption {
	return func(m *SpanManager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithObservers registers observers notified after every span close.
func WithObservers(observers ...CloseObserver) SpanOption {
	return func(m *SpanManager) {
		m.observers = append(m.observers, observers...)
	}
}

// WithMaxTracked caps the number of open turn spans and open tool spans.
// When a map is full the oldest entry is closed as an orphan. 0 means no cap.
func WithMaxTracked(n int) SpanOption {
	return func(m *SpanManager) {
		m.maxTracked = max(0, n)
	}
}

type liveSpan struct {
	span  trace.Span
	ctx   context.Context
	kind  SpanKind
	name  string
	start time.Time
}

// SpanManager owns every open span of the current session.
type SpanManager struct {
	mu         sync.Mutex
	tracer     trace.Tracer
	sanitizer  PayloadSanitizer
	now        func() time.Time
	observers  []CloseObserver
	maxTracked int

	session *liveSpan
	agent   *liveSpan
	turns   *orderedmap.OrderedMap[int, *liveSpan]
	tools   *orderedmap.OrderedMap[string, *liveSpan]
	traceID string
	closed  []CloseInfo
}

// NewSpanManager creates a SpanManager that starts spans on tracer and passes
// every payload through sanitizer.
func NewSpanManager(tracer trace.Tracer, sanitizer PayloadSanitizer, opts ...SpanOption) *SpanManager {
	m := &SpanManager{
		tracer:    tracer,
		sanitizer: sanitizer,
		now:       time.Now,
		turns:     orderedmap.New[int, *liveSpan](),
		tools:     orderedmap.New[string, *liveSpan](),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TraceID returns the trace id of the open session, or "" when none is open.
func (m *SpanManager) TraceID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.traceID
}

// Open reports the number of spans currently tracked.
func (m *SpanManager) Open() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.turns.Len() + m.tools.Len()
	if m.session != nil {
		n++
	}
	if m.agent != nil {
		n++
	}
	return n
}

func (m *SpanManager) start(parent context.Context, kind SpanKind, name string, at time.Time, attrs ...attribute.KeyValue) *liveSpan {
	ctx, span := m.tracer.Start(parent, name,
		trace.WithTimestamp(at),
		trace.WithAttributes(attrs...),
	)
	return &liveSpan{span: span, ctx: ctx, kind: kind, name: name, start: at}
}

// finish ends s and queues its CloseInfo for observers. reason is empty for a normal close.
func (m *SpanManager) finish(s *liveSpan, reason string, isError bool) {
	end := m.now()
	orphan := reason != ""
	if orphan {
		s.span.SetStatus(codes.Error, fmt.Sprintf("orphan %s span (%s)", s.kind, reason))
		s.span.SetAttributes(
			attribute.Bool(fmt.Sprintf("agentotel.%s.orphan", s.kind), true),
			attribute.String(fmt.Sprintf("agentotel.%s.close_reason", s.kind), reason),
		)
	}
	s.span.End(trace.WithTimestamp(end))

	if len(m.observers) > 0 {
		info := CloseInfo{
			Kind:     s.kind,
			Name:     s.name,
			Orphan:   orphan,
			Reason:   reason,
			IsError:  isError,
			Duration: end.Sub(s.start),
		}
		m.closed = append(m.closed, info)
	}
}

// unlock releases m.mu and then delivers the closes buffered while it was
// held, so observers may call back into the manager.
func (m *SpanManager) unlock() {
	closed := m.closed
	m.closed = nil
	m.mu.Unlock()
	for _, info := range closed {
		for _, obs := range m.observers {
			obs.Observe(info)
		}
	}
}

func (m *SpanManager) closeTools(reason string) {
	for pair := m.tools.Oldest(); pair != nil; pair = m.tools.Oldest() {
		m.finish(pair.Value, reason, false)
		m.tools.Delete(pair.Key)
	}
}

func (m *SpanManager) closeTurns(reason string) {
	for pair := m.turns.Oldest(); pair != nil; pair = m.turns.Oldest() {
		m.finish(pair.Value, reason, false)
		m.turns.Delete(pair.Key)
	}
}

func (m *SpanManager) closeAgent(reason string) {
	if m.agent == nil {
		return
	}
	m.finish(m.agent, reason, false)
	m.agent = nil
}

func (m *SpanManager) closeSession(reason string) {
	if m.session == nil {
		return
	}
	m.finish(m.session, reason, false)
	m.session = nil
}

func (m *SpanManager) closeAll(reason string) {
	m.closeTools(reason)
	m.closeTurns(reason)
	m.closeAgent(reason)
	m.closeSession(reason)
}

// firstOpen returns the first non-nil candidate.
func firstOpen(candidates ...*liveSpan) *liveSpan {
	for _, c := range candidates {
		if c != nil {
			return c
		}
	}
	return nil
}

// trackTurn stores s under idx. An entry already stored under idx, or the
// oldest entry when the map is full, is closed as an orphan first.
func (m *SpanManager) trackTurn(idx int, s *liveSpan) {
	if prev, ok := m.turns.Get(idx); ok {
		m.finish(prev, ReasonEvicted, false)
		m.turns.Delete(idx)
	}
	if m.maxTracked > 0 && m.turns.Len() >= m.maxTracked {
		oldest := m.turns.Oldest()
		m.finish(oldest.Value, ReasonEvicted, false)
		m.turns.Delete(oldest.Key)
	}
	m.turns.Set(idx, s)
}

func (m *SpanManager) trackTool(id string, s *liveSpan) {
	if prev, ok := m.tools.Get(id); ok {
		m.finish(prev, ReasonEvicted, false)
		m.tools.Delete(id)
	}
	if m.maxTracked > 0 && m.tools.Len() >= m.maxTracked {
		oldest := m.tools.Oldest()
		m.finish(oldest.Value, ReasonEvicted, false)
		m.tools.Delete(oldest.Key)
	}
	m.tools.Set(id, s)
}

func (m *SpanManager) turnSpan(idx *int) *liveSpan {
	if idx == nil {
		return nil
	}
	s, _ := m.turns.Get(*idx)
	return s
}

func eventType(name string) attribute.KeyValue {
	return attribute.String("agentotel.event.type", name)
}

// OnSessionStart opens a session span. Spans left over from a previous
// session are closed as orphans first.
func (m *SpanManager) OnSessionStart(args SessionStartArgs) {
	m.mu.Lock()
	defer m.unlock()

	if m.session != nil {
		m.closeAll(ReasonSessionRestart)
	}

	attrs := []attribute.KeyValue{attribute.String("agentotel.session.id", args.SessionID)}
	if args.SessionFile != "" {
		attrs = append(attrs, attribute.String("agentotel.session.file", args.SessionFile))
	}
	m.session = m.start(context.Background(), KindSession, "session", m.now(), attrs...)
	m.traceID = m.session.span.SpanContext().TraceID().String()
}

// OnInput records a sanitized prompt on the session span and renames the
// span after a preview of the prompt.
func (m *SpanManager) OnInput(args InputArgs) {
	m.mu.Lock()
	defer m.unlock()

	if m.session == nil {
		return
	}

	sanitized := m.sanitizer.Sanitize(payload.String(args.Text), args.Path)
	attrs := []attribute.KeyValue{
		eventType("input"),
		attribute.String("agentotel.input.source", args.Source),
		attribute.Int("agentotel.input.images", args.ImageCount),
	}
	attrs = append(attrs, m.sanitizer.Attributes("agentotel.input", sanitized)...)
	m.session.span.AddEvent("input", trace.WithTimestamp(m.now()), trace.WithAttributes(attrs...))

	if p := preview(args.Text, inputPreviewChars); p != "" {
		m.session.name = "session " + p
		m.session.span.SetName(m.session.name)
	}
}

// OnAgentStart opens an agent span under the session.
func (m *SpanManager) OnAgentStart() {
	m.mu.Lock()
	defer m.unlock()

	if m.session == nil {
		return
	}
	if m.agent != nil {
		m.closeAgent(ReasonEvicted)
	}
	m.agent = m.start(m.session.ctx, KindAgent, "agent", m.now())
}

// OnAgentEnd closes the agent span along with any tool and turn spans still
// open beneath it.
func (m *SpanManager) OnAgentEnd(args AgentEndArgs) {
	m.mu.Lock()
	defer m.unlock()

	if m.agent != nil {
		m.agent.span.AddEvent("agent_end",
			trace.WithTimestamp(m.now()),
			trace.WithAttributes(
				eventType("agent_end"),
				attribute.String("agentotel.message.stop_reason", args.StopReason),
			),
		)
	}

	m.closeTools(ReasonAgentEnd)
	m.closeTurns(ReasonAgentEnd)
	if m.agent != nil {
		m.finish(m.agent, "", false)
		m.agent = nil
	}
}

// OnTurnStart opens a turn span under the agent, or the session when no
// agent is running.
func (m *SpanManager) OnTurnStart(args TurnStartArgs) {
	m.mu.Lock()
	defer m.unlock()

	parent := firstOpen(m.agent, m.session)
	if parent == nil {
		return
	}

	at := args.Timestamp
	if at.IsZero() {
		at = m.now()
	}
	s := m.start(parent.ctx, KindTurn, "turn", at, attribute.Int("agentotel.turn.index", args.TurnIndex))
	m.trackTurn(args.TurnIndex, s)
}

// OnTurnEnd closes the turn span tracked for args.TurnIndex.
func (m *SpanManager) OnTurnEnd(args TurnEndArgs) {
	m.mu.Lock()
	defer m.unlock()

	s, ok := m.turns.Get(args.TurnIndex)
	if !ok {
		return
	}
	s.span.AddEvent("turn_end",
		trace.WithTimestamp(m.now()),
		trace.WithAttributes(
			eventType("turn_end"),
			attribute.Int("agentotel.turn.index", args.TurnIndex),
			attribute.Int("agentotel.turn.tool_results", args.ToolResults),
			attribute.String("agentotel.message.stop_reason", args.StopReason),
		),
	)
	m.finish(s, "", false)
	m.turns.Delete(args.TurnIndex)
}

// OnToolCall opens a tool span under the owning turn, the agent or the
// session, whichever is found first.
func (m *SpanManager) OnToolCall(args ToolCallArgs) {
	m.mu.Lock()
	defer m.unlock()

	parent := firstOpen(m.turnSpan(args.TurnIndex), m.agent, m.session)
	if parent == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("agentotel.tool.name", args.ToolName),
		attribute.String("agentotel.tool.call_id", args.ToolCallID),
	}
	if args.TurnIndex != nil {
		attrs = append(attrs, attribute.Int("agentotel.turn.index", *args.TurnIndex))
	}
	s := m.start(parent.ctx, KindTool, toolSpanName(args.ToolName, args.Input), m.now(), attrs...)

	path := stringField(args.Input, "path")
	sanitized := m.sanitizer.Sanitize(args.Input, path)
	eventAttrs := []attribute.KeyValue{
		eventType("tool_call"),
		attribute.String("agentotel.tool.name", args.ToolName),
		attribute.String("agentotel.tool.call_id", args.ToolCallID),
	}
	eventAttrs = append(eventAttrs, m.sanitizer.Attributes("agentotel.tool.input", sanitized)...)
	s.span.AddEvent("tool_call", trace.WithTimestamp(m.now()), trace.WithAttributes(eventAttrs...))

	m.trackTool(args.ToolCallID, s)
}

// OnToolResult records the sanitized output on the tool span and closes it.
// A result for an untracked call is recorded on the session span.
func (m *SpanManager) OnToolResult(args ToolResultArgs) {
	m.mu.Lock()
	defer m.unlock()

	tracked, _ := m.tools.Get(args.ToolCallID)
	target := firstOpen(tracked, m.session)
	if target == nil {
		return
	}

	turnIndex := -1
	if args.TurnIndex != nil {
		turnIndex = *args.TurnIndex
	}
	sanitized := m.sanitizer.Sanitize(args.Output, "")
	attrs := []attribute.KeyValue{
		eventType("tool_result"),
		attribute.String("agentotel.tool.name", args.ToolName),
		attribute.String("agentotel.tool.call_id", args.ToolCallID),
		attribute.Bool("agentotel.tool.is_error", args.IsError),
		attribute.Int("agentotel.turn.index", turnIndex),
	}
	attrs = append(attrs, m.sanitizer.Attributes("agentotel.tool.output", sanitized)...)
	target.span.AddEvent("tool_result", trace.WithTimestamp(m.now()), trace.WithAttributes(attrs...))

	if tracked == nil {
		return
	}
	if args.IsError {
		tracked.span.SetStatus(codes.Error, "tool_result error")
	}
	m.finish(tracked, "", args.IsError)
	m.tools.Delete(args.ToolCallID)
}

// OnModelSelect records a model change on the session span.
func (m *SpanManager) OnModelSelect(args ModelSelectArgs) {
	m.mu.Lock()
	defer m.unlock()

	if m.session == nil {
		return
	}
	m.session.span.AddEvent("model_select",
		trace.WithTimestamp(m.now()),
		trace.WithAttributes(
			eventType("model_select"),
			attribute.String("agentotel.model.provider", args.Provider),
			attribute.String("agentotel.model.id", args.ModelID),
			attribute.String("agentotel.model.source", args.Source),
		),
	)
}

// OnSessionCompact records a context compaction on the session span.
func (m *SpanManager) OnSessionCompact(args SessionCompactArgs) {
	m.mu.Lock()
	defer m.unlock()

	if m.session == nil {
		return
	}
	sanitized := m.sanitizer.Sanitize(args.Summary, "")
	attrs := []attribute.KeyValue{
		eventType("session_compact"),
		attribute.String("agentotel.compaction.first_kept_entry", args.FirstKeptEntryID),
		attribute.Int("agentotel.compaction.tokens_before", args.TokensBefore),
	}
	attrs = append(attrs, m.sanitizer.Attributes("agentotel.compaction.summary", sanitized)...)
	m.session.span.AddEvent("session_compact", trace.WithTimestamp(m.now()), trace.WithAttributes(attrs...))
}

// OnSessionTree records a session tree navigation on the session span.
func (m *SpanManager) OnSessionTree(args SessionTreeArgs) {
	m.mu.Lock()
	defer m.unlock()

	if m.session == nil {
		return
	}
	m.session.span.AddEvent("session_tree",
		trace.WithTimestamp(m.now()),
		trace.WithAttributes(
			eventType("session_tree"),
			attribute.String("agentotel.tree.old_leaf", args.OldLeafID),
			attribute.String("agentotel.tree.new_leaf", args.NewLeafID),
			attribute.Bool("agentotel.tree.from_extension", args.FromExtension),
		),
	)
}

// Shutdown closes every open span as an orphan and clears the trace id.
// Calling it again is a no-op.
func (m *SpanManager) Shutdown() {
	m.mu.Lock()
	defer m.unlock()

	m.closeAll(ReasonShutdown)
	m.traceID = ""
}

func toolSpanName(toolName string, input payload.Value) string {
	if toolName == "bash" {
		if command := stringField(input, "command"); command != "" {
			return fmt.Sprintf("tool: %s(%s)", toolName, preview(command, commandPreviewChars))
		}
	}
	return "tool: " + toolName
}

// stringField returns v[key] when v is a mapping holding a string there.
func stringField(v payload.Value, key string) string {
	field, ok := v.Get(key)
	if !ok {
		return ""
	}
	s, _ := field.Str()
	return s
}

// preview collapses whitespace runs and cuts s to maxChars runes, marking
// the cut with an ellipsis.
func preview(s string, maxChars int) string {
	normalized := strings.Join(strings.FieldsFunc(s, unicode.IsSpace), " ")
	runes := []rune(normalized)
	if len(runes) <= maxChars {
		return normalized
	}
	return string(runes[:maxChars]) + "…"
}
