// Typed host events forwarded from an agent's event bus
// Field names follow the agent's JSON event encoding
package host

import "github.com/andrewh/agentotel/pkg/payload"

// Event is one host lifecycle event.
type Event interface {
	Type() string
}

// Model identifies the model in use.
type Model struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
}

// SessionStart opens a session.
type SessionStart struct {
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile"`
	Model       *Model `json:"model"`
}

// SessionSwitch replaces the current session with another.
type SessionSwitch struct {
	SessionID   string `json:"sessionId"`
	SessionFile string `json:"sessionFile"`
	Model       *Model `json:"model"`
}

// Input is a user prompt.
type Input struct {
	Text   string          `json:"text"`
	Source string          `json:"source"`
	Images []payload.Value `json:"images"`
	Model  *Model          `json:"model"`
}

// AgentStart begins an agent run.
type AgentStart struct{}

// AgentEnd finishes an agent run.
type AgentEnd struct {
	Messages []payload.Value `json:"messages"`
}

// TurnStart begins a model turn. Timestamp is in Unix milliseconds; 0 means unknown.
type TurnStart struct {
	TurnIndex int   `json:"turnIndex"`
	Timestamp int64 `json:"timestamp"`
}

// TurnEnd finishes a model turn.
type TurnEnd struct {
	TurnIndex   int             `json:"turnIndex"`
	Message     payload.Value   `json:"message"`
	ToolResults []payload.Value `json:"toolResults"`
}

// ToolCall is a tool invocation.
type ToolCall struct {
	ToolCallID string        `json:"toolCallId"`
	ToolName   string        `json:"toolName"`
	Input      payload.Value `json:"input"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	ToolCallID string        `json:"toolCallId"`
	ToolName   string        `json:"toolName"`
	IsError    bool          `json:"isError"`
	Content    payload.Value `json:"content"`
	Details    payload.Value `json:"details"`
}

// ModelSelect changes the model.
type ModelSelect struct {
	Model  Model  `json:"model"`
	Source string `json:"source"`
}

// CompactionEntry describes a context compaction.
type CompactionEntry struct {
	FirstKeptEntryID string        `json:"firstKeptEntryId"`
	TokensBefore     int           `json:"tokensBefore"`
	Summary          payload.Value `json:"summary"`
}

// SessionCompact reports a context compaction.
type SessionCompact struct {
	CompactionEntry *CompactionEntry `json:"compactionEntry"`
}

// SessionTree reports a move within the session tree.
type SessionTree struct {
	OldLeafID     string `json:"oldLeafId"`
	NewLeafID     string `json:"newLeafId"`
	FromExtension bool   `json:"fromExtension"`
}

// SessionShutdown ends the host lifetime.
type SessionShutdown struct{}

func (SessionStart) Type() string    { return "session_start" }
func (SessionSwitch) Type() string   { return "session_switch" }
func (Input) Type() string           { return "input" }
func (AgentStart) Type() string      { return "agent_start" }
func (AgentEnd) Type() string        { return "agent_end" }
func (TurnStart) Type() string       { return "turn_start" }
func (TurnEnd) Type() string         { return "turn_end" }
func (ToolCall) Type() string        { return "tool_call" }
func (ToolResult) Type() string      { return "tool_result" }
func (ModelSelect) Type() string     { return "model_select" }
func (SessionCompact) Type() string  { return "session_compact" }
func (SessionTree) Type() string     { return "session_tree" }
func (SessionShutdown) Type() string { return "session_shutdown" }
