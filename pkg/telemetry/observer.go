// CloseObserver interface for deriving signals from closed spans.
// Observers receive span metadata after each tracked span ends.
package telemetry

import "time"

// SpanKind names a tracked unit of work.
type SpanKind string

const (
	KindSession SpanKind = "session"
	KindAgent   SpanKind = "agent"
	KindTurn    SpanKind = "turn"
	KindTool    SpanKind = "tool"
)

// Reasons attached to orphan closes.
const (
	ReasonSessionRestart = "session_restart"
	ReasonAgentEnd       = "agent_end"
	ReasonShutdown       = "shutdown"
	ReasonEvicted        = "evicted"
)

// CloseInfo holds span metadata for signal derivation. It never carries
// identifiers or payload content.
type CloseInfo struct {
	Kind     SpanKind
	Name     string
	Orphan   bool
	Reason   string
	IsError  bool
	Duration time.Duration
}

// CloseObserver receives span metadata after each span is closed. Observe is
// called after the SpanManager has released its lock, so it may call back
// into the manager.
type CloseObserver interface {
	Observe(info CloseInfo)
}
