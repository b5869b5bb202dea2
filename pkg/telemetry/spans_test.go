// Tests for the span manager: hierarchy, payload events and orphan closing.
// Uses the OTel SDK span recorder to inspect ended spans.
package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/andrewh/agentotel/pkg/payload"
)

type recordingObserver struct {
	infos []CloseInfo
}

func (r *recordingObserver) Observe(info CloseInfo) { r.infos = append(r.infos, info) }

type spanHarness struct {
	manager  *SpanManager
	recorder *tracetest.SpanRecorder
	clock    *fakeClock
	observer *recordingObserver
}

func newSpanHarness(t *testing.T, profile payload.Profile, opts ...SpanOption) *spanHarness {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	clock := newFakeClock()
	observer := &recordingObserver{}
	policy := payload.NewPolicy(profile, 1024, payload.NewRedactor(nil, nil))
	opts = append([]SpanOption{WithClock(clock.Now), WithObservers(observer)}, opts...)
	return &spanHarness{
		manager:  NewSpanManager(tp.Tracer("test"), policy, opts...),
		recorder: recorder,
		clock:    clock,
		observer: observer,
	}
}

func (h *spanHarness) ended() []sdktrace.ReadOnlySpan { return h.recorder.Ended() }

func (h *spanHarness) endedNamed(prefix string) []sdktrace.ReadOnlySpan {
	var out []sdktrace.ReadOnlySpan
	for _, s := range h.recorder.Ended() {
		if strings.HasPrefix(s.Name(), prefix) {
			out = append(out, s)
		}
	}
	return out
}

func attrValue(attrs []attribute.KeyValue, key string) (attribute.Value, bool) {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func intPtr(i int) *int { return &i }

func TestSessionStartSetsTraceID(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	assert.Empty(t, h.manager.TraceID())

	h.manager.OnSessionStart(SessionStartArgs{SessionID: "s1", SessionFile: "/tmp/s1.jsonl"})
	assert.Len(t, h.manager.TraceID(), 32)
	assert.Equal(t, 1, h.manager.Open())

	h.manager.Shutdown()
	assert.Empty(t, h.manager.TraceID())

	sessions := h.endedNamed("session")
	require.Len(t, sessions, 1)
	id, ok := attrValue(sessions[0].Attributes(), "agentotel.session.id")
	require.True(t, ok)
	assert.Equal(t, "s1", id.AsString())
	file, _ := attrValue(sessions[0].Attributes(), "agentotel.session.file")
	assert.Equal(t, "/tmp/s1.jsonl", file.AsString())
}

func TestHierarchyParentage(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnAgentStart()
	m.OnTurnStart(TurnStartArgs{TurnIndex: 0})
	m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "read", Input: payload.Mapping(), TurnIndex: intPtr(0)})
	m.OnToolResult(ToolResultArgs{ToolCallID: "c1", ToolName: "read", Output: payload.String("ok"), TurnIndex: intPtr(0)})
	m.OnTurnEnd(TurnEndArgs{TurnIndex: 0, ToolResults: 1, StopReason: "toolUse"})
	m.OnAgentEnd(AgentEndArgs{StopReason: "stop"})
	m.Shutdown()

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range h.ended() {
		byName[s.Name()] = s
	}
	require.Len(t, byName, 4)

	session, agent, turn, tool := byName["session"], byName["agent"], byName["turn"], byName["tool: read"]
	require.NotNil(t, tool)
	assert.Equal(t, turn.SpanContext().SpanID(), tool.Parent().SpanID())
	assert.Equal(t, agent.SpanContext().SpanID(), turn.Parent().SpanID())
	assert.Equal(t, session.SpanContext().SpanID(), agent.Parent().SpanID())
	assert.False(t, session.Parent().IsValid())

	traceID := session.SpanContext().TraceID()
	for _, s := range h.ended() {
		assert.Equal(t, traceID, s.SpanContext().TraceID())
	}

	assert.Equal(t, codes.Unset, tool.Status().Code)
	assert.Equal(t, codes.Unset, turn.Status().Code)
	assert.Equal(t, codes.Unset, agent.Status().Code)
}

func TestOrphanToolClosedOnSessionRestart(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	first := m.TraceID()
	m.OnAgentStart()
	m.OnToolCall(ToolCallArgs{
		ToolCallID: "c1",
		ToolName:   "bash",
		Input:      payload.Mapping(payload.Entry{Key: "command", Value: payload.String("echo hi")}),
	})
	m.OnSessionStart(SessionStartArgs{SessionID: "s2"})

	ended := h.ended()
	require.Len(t, ended, 3)
	tool := ended[0]
	assert.Equal(t, "tool: bash(echo hi)", tool.Name())
	assert.Equal(t, codes.Error, tool.Status().Code)
	assert.Equal(t, "orphan tool span (session_restart)", tool.Status().Description)
	orphan, _ := attrValue(tool.Attributes(), "agentotel.tool.orphan")
	assert.True(t, orphan.AsBool())
	reason, _ := attrValue(tool.Attributes(), "agentotel.tool.close_reason")
	assert.Equal(t, ReasonSessionRestart, reason.AsString())

	assert.Equal(t, "agent", ended[1].Name())
	assert.Equal(t, "session", ended[2].Name())
	assert.Equal(t, codes.Error, ended[2].Status().Code)

	assert.NotEqual(t, first, m.TraceID())
	assert.Equal(t, 1, m.Open())
}

func TestAgentEndClosesChildrenAsOrphans(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnAgentStart()
	m.OnTurnStart(TurnStartArgs{TurnIndex: 0})
	m.OnTurnStart(TurnStartArgs{TurnIndex: 1})
	m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "read", Input: payload.Null()})
	m.OnAgentEnd(AgentEndArgs{StopReason: "aborted"})

	ended := h.ended()
	require.Len(t, ended, 4)
	assert.Equal(t, "tool: read", ended[0].Name())
	assert.Equal(t, "turn", ended[1].Name())
	idx, _ := attrValue(ended[1].Attributes(), "agentotel.turn.index")
	assert.Equal(t, int64(0), idx.AsInt64())
	assert.Equal(t, "turn", ended[2].Name())
	for _, s := range ended[:3] {
		assert.Equal(t, codes.Error, s.Status().Code)
		assert.Contains(t, s.Status().Description, "(agent_end)")
	}

	agent := ended[3]
	assert.Equal(t, "agent", agent.Name())
	assert.Equal(t, codes.Unset, agent.Status().Code)
	require.Len(t, agent.Events(), 1)
	stop, _ := attrValue(agent.Events()[0].Attributes, "agentotel.message.stop_reason")
	assert.Equal(t, "aborted", stop.AsString())

	assert.Equal(t, 1, m.Open())
}

func TestMissingPreconditionsAreIgnored(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnInput(InputArgs{Text: "hi"})
	m.OnAgentStart()
	m.OnTurnStart(TurnStartArgs{TurnIndex: 0})
	m.OnTurnEnd(TurnEndArgs{TurnIndex: 0})
	m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "read"})
	m.OnToolResult(ToolResultArgs{ToolCallID: "c1", ToolName: "read"})
	m.OnModelSelect(ModelSelectArgs{Provider: "p", ModelID: "m"})
	m.OnSessionCompact(SessionCompactArgs{})
	m.OnSessionTree(SessionTreeArgs{})
	m.OnAgentEnd(AgentEndArgs{})
	m.Shutdown()

	assert.Empty(t, h.ended())
	assert.Zero(t, m.Open())
}

func TestInputRenamesSessionAndRecordsPayload(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	text := "  please\n\tfix   the " + strings.Repeat("bug ", 20)
	m.OnInput(InputArgs{Text: text, Source: "interactive", ImageCount: 2})
	m.Shutdown()

	session := h.ended()[0]
	assert.Equal(t, "session please fix the bug bug bug bug bug bug bug bug bug…", session.Name())

	require.Len(t, session.Events(), 1)
	ev := session.Events()[0]
	assert.Equal(t, "input", ev.Name)
	src, _ := attrValue(ev.Attributes, "agentotel.input.source")
	assert.Equal(t, "interactive", src.AsString())
	images, _ := attrValue(ev.Attributes, "agentotel.input.images")
	assert.Equal(t, int64(2), images.AsInt64())
	body, _ := attrValue(ev.Attributes, "agentotel.input.text")
	assert.Contains(t, body.AsString(), "please")
}

func TestInputWhitespaceOnlyKeepsName(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	h.manager.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	h.manager.OnInput(InputArgs{Text: " \n\t "})
	h.manager.Shutdown()

	assert.Equal(t, "session", h.ended()[0].Name())
}

func TestStrictProfileKeepsPayloadTextOffSpans(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileStrict)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnToolCall(ToolCallArgs{
		ToolCallID: "c1",
		ToolName:   "write",
		Input:      payload.Mapping(payload.Entry{Key: "content", Value: payload.String("top secret body")}),
	})
	m.OnToolResult(ToolResultArgs{ToolCallID: "c1", ToolName: "write", Output: payload.String("written")})
	m.Shutdown()

	for _, s := range h.ended() {
		for _, ev := range s.Events() {
			for _, kv := range ev.Attributes {
				assert.NotContains(t, kv.Value.Emit(), "top secret")
				assert.NotContains(t, kv.Value.Emit(), "written")
			}
		}
	}
}

func TestToolCallHonorsPathDenylist(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnToolCall(ToolCallArgs{
		ToolCallID: "c1",
		ToolName:   "read",
		Input:      payload.Mapping(payload.Entry{Key: "path", Value: payload.String("certs/server.pem")}),
	})
	m.Shutdown()

	tool := h.endedNamed("tool: read")[0]
	require.Len(t, tool.Events(), 1)
	omitted, _ := attrValue(tool.Events()[0].Attributes, "agentotel.tool.input.omitted")
	assert.True(t, omitted.AsBool())
	text, _ := attrValue(tool.Events()[0].Attributes, "agentotel.tool.input.text")
	assert.Empty(t, text.AsString())
}

func TestToolResultErrorStatus(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "bash", Input: payload.Mapping()})
	m.OnToolResult(ToolResultArgs{ToolCallID: "c1", ToolName: "bash", IsError: true, Output: payload.String("exit 1")})

	tool := h.endedNamed("tool: bash")[0]
	assert.Equal(t, codes.Error, tool.Status().Code)
	assert.Equal(t, "tool_result error", tool.Status().Description)
	ev := tool.Events()[1]
	isErr, _ := attrValue(ev.Attributes, "agentotel.tool.is_error")
	assert.True(t, isErr.AsBool())
	turn, _ := attrValue(ev.Attributes, "agentotel.turn.index")
	assert.Equal(t, int64(-1), turn.AsInt64())

	require.Len(t, h.observer.infos, 1)
	assert.True(t, h.observer.infos[0].IsError)
	assert.False(t, h.observer.infos[0].Orphan)
}

func TestOrphanToolResultRecordedOnSession(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnToolResult(ToolResultArgs{ToolCallID: "ghost", ToolName: "read", Output: payload.String("x"), TurnIndex: intPtr(3)})
	assert.Equal(t, 1, m.Open())
	m.Shutdown()

	session := h.ended()[0]
	require.Len(t, session.Events(), 1)
	assert.Equal(t, "tool_result", session.Events()[0].Name)
	turn, _ := attrValue(session.Events()[0].Attributes, "agentotel.turn.index")
	assert.Equal(t, int64(3), turn.AsInt64())
}

func TestToolParentFallsBackWhenTurnUnknown(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnAgentStart()
	m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "read", Input: payload.Null(), TurnIndex: intPtr(7)})
	m.Shutdown()

	tool := h.endedNamed("tool: read")[0]
	agent := h.endedNamed("agent")[0]
	assert.Equal(t, agent.SpanContext().SpanID(), tool.Parent().SpanID())
	idx, ok := attrValue(tool.Attributes(), "agentotel.turn.index")
	require.True(t, ok)
	assert.Equal(t, int64(7), idx.AsInt64())
}

func TestTurnStartUsesCallerTimestamp(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnTurnStart(TurnStartArgs{TurnIndex: 0, Timestamp: at})
	h.clock.Advance(time.Second)
	m.OnTurnEnd(TurnEndArgs{TurnIndex: 0, ToolResults: 2})

	turn := h.endedNamed("turn")[0]
	assert.True(t, turn.StartTime().Equal(at))
	assert.True(t, turn.EndTime().Equal(h.clock.Now()))
	results, _ := attrValue(turn.Events()[0].Attributes, "agentotel.turn.tool_results")
	assert.Equal(t, int64(2), results.AsInt64())
}

func TestBashSpanNamePreview(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 130)
	assert.Equal(t, "tool: bash(ls -la)", toolSpanName("bash",
		payload.Mapping(payload.Entry{Key: "command", Value: payload.String("ls\n  -la")})))
	assert.Equal(t, "tool: bash("+strings.Repeat("x", 120)+"…)", toolSpanName("bash",
		payload.Mapping(payload.Entry{Key: "command", Value: payload.String(long)})))
	assert.Equal(t, "tool: bash", toolSpanName("bash", payload.Mapping()))
	assert.Equal(t, "tool: bash", toolSpanName("bash", payload.String("ls")))
	assert.Equal(t, "tool: read", toolSpanName("read",
		payload.Mapping(payload.Entry{Key: "command", Value: payload.String("ls")})))
}

func TestPreviewCountsRunes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "héé…", preview("héééé", 3))
	assert.Equal(t, "a b", preview(" a \n b ", 10))
	assert.Empty(t, preview("", 10))
}

func TestSessionEventsRecorded(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnModelSelect(ModelSelectArgs{Provider: "anthropic", ModelID: "claude", Source: "set"})
	m.OnSessionCompact(SessionCompactArgs{FirstKeptEntryID: "e9", TokensBefore: 5000, Summary: payload.String("short summary")})
	m.OnSessionTree(SessionTreeArgs{OldLeafID: "a", NewLeafID: "b", FromExtension: true})
	m.Shutdown()

	events := h.ended()[0].Events()
	require.Len(t, events, 3)
	assert.Equal(t, "model_select", events[0].Name)
	id, _ := attrValue(events[0].Attributes, "agentotel.model.id")
	assert.Equal(t, "claude", id.AsString())

	assert.Equal(t, "session_compact", events[1].Name)
	before, _ := attrValue(events[1].Attributes, "agentotel.compaction.tokens_before")
	assert.Equal(t, int64(5000), before.AsInt64())
	summary, _ := attrValue(events[1].Attributes, "agentotel.compaction.summary.text")
	assert.Equal(t, `"short summary"`, summary.AsString())

	assert.Equal(t, "session_tree", events[2].Name)
	fromExt, _ := attrValue(events[2].Attributes, "agentotel.tree.from_extension")
	assert.True(t, fromExt.AsBool())
}

func TestShutdownIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnAgentStart()
	m.Shutdown()
	m.Shutdown()

	assert.Len(t, h.ended(), 2)
	for _, info := range h.observer.infos {
		assert.True(t, info.Orphan)
		assert.Equal(t, ReasonShutdown, info.Reason)
	}
}

func TestMaxTrackedEvictsOldest(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed, WithMaxTracked(2))
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	for _, id := range []string{"c1", "c2", "c3"} {
		m.OnToolCall(ToolCallArgs{ToolCallID: id, ToolName: id, Input: payload.Null()})
	}
	assert.Equal(t, 3, m.Open())

	ended := h.ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "tool: c1", ended[0].Name())
	reason, _ := attrValue(ended[0].Attributes(), "agentotel.tool.close_reason")
	assert.Equal(t, ReasonEvicted, reason.AsString())
}

func TestDuplicateTurnIndexClosesPrevious(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnTurnStart(TurnStartArgs{TurnIndex: 0})
	m.OnTurnStart(TurnStartArgs{TurnIndex: 0})
	assert.Equal(t, 2, m.Open())

	require.Len(t, h.ended(), 1)
	assert.Equal(t, codes.Error, h.ended()[0].Status().Code)
}

func TestObserverReceivesDurations(t *testing.T) {
	t.Parallel()

	h := newSpanHarness(t, payload.ProfileDetailed)
	m := h.manager

	m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
	m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "read", Input: payload.Null()})
	h.clock.Advance(30 * time.Millisecond)
	m.OnToolResult(ToolResultArgs{ToolCallID: "c1", ToolName: "read"})

	require.Len(t, h.observer.infos, 1)
	info := h.observer.infos[0]
	assert.Equal(t, KindTool, info.Kind)
	assert.Equal(t, "tool: read", info.Name)
	assert.Equal(t, 30*time.Millisecond, info.Duration)
	assert.False(t, info.Orphan)
}

type reentrantObserver struct {
	manager *SpanManager
	seen    []string
	open    []int
}

func (r *reentrantObserver) Observe(info CloseInfo) {
	r.seen = append(r.seen, info.Name+"@"+r.manager.TraceID())
	r.open = append(r.open, r.manager.Open())
}

func TestObserverMayCallBackIntoManager(t *testing.T) {
	t.Parallel()

	observer := &reentrantObserver{}
	h := newSpanHarness(t, payload.ProfileDetailed, WithObservers(observer))
	m := h.manager
	observer.manager = m

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.OnSessionStart(SessionStartArgs{SessionID: "s1"})
		m.OnToolCall(ToolCallArgs{ToolCallID: "c1", ToolName: "read", Input: payload.Null()})
		m.OnToolResult(ToolResultArgs{ToolCallID: "c1", ToolName: "read"})
		m.Shutdown()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("observer calling back into the manager deadlocked")
	}

	require.Len(t, observer.seen, 2)
	assert.True(t, strings.HasPrefix(observer.seen[0], "tool: read@"))
	assert.Equal(t, []int{1, 0}, observer.open)
	assert.Len(t, h.observer.infos, 2)
}
