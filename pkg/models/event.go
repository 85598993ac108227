package models

import "time"

// AgentEventType identifies one edge of the turn lifecycle.
type AgentEventType string

const (
	EventAgentStart     AgentEventType = "agent_start"
	EventAgentEnd       AgentEventType = "agent_end"
	EventTurnStart      AgentEventType = "turn_start"
	EventTurnEnd        AgentEventType = "turn_end"
	EventMessageStart   AgentEventType = "message_start"
	EventMessageUpdate  AgentEventType = "message_update"
	EventMessageEnd     AgentEventType = "message_end"
	EventToolCallStart  AgentEventType = "tool_call_start"
	EventToolCallUpdate AgentEventType = "tool_call_update"
	EventToolCallEnd    AgentEventType = "tool_call_end"

	EventAutoRetryStart     AgentEventType = "auto_retry_start"
	EventAutoRetryEnd       AgentEventType = "auto_retry_end"
	EventAutoCompactionStart AgentEventType = "auto_compaction_start"
	EventAutoCompactionEnd  AgentEventType = "auto_compaction_end"
	EventSessionCompact     AgentEventType = "session_compact"
	EventTTSRTriggered      AgentEventType = "ttsr_triggered"
)

// DeltaKind identifies what a message_update delta carries.
type DeltaKind string

const (
	DeltaText         DeltaKind = "text"
	DeltaThinking     DeltaKind = "thinking"
	DeltaToolCallArgs DeltaKind = "tool_call_args"
)

// AgentEvent is one observable edge of the agent lifecycle. Observers see
// events in the exact order the engine emits them; Sequence is monotonic
// within a session.
type AgentEvent struct {
	Type      AgentEventType `json:"type"`
	Time      time.Time      `json:"time"`
	Sequence  uint64         `json:"sequence"`
	SessionID string         `json:"session_id,omitempty"`

	// Role and EntryID are set on message_* events.
	Role    Role   `json:"role,omitempty"`
	EntryID string `json:"entry_id,omitempty"`

	// Delta is set on message_update events.
	Delta     string    `json:"delta,omitempty"`
	DeltaKind DeltaKind `json:"delta_kind,omitempty"`

	// Message is set on message_end (the completed assistant or user entry).
	Message *Entry `json:"message,omitempty"`

	// ToolCall / ToolResult are set on tool_call_* events.
	ToolCall   *ToolCall        `json:"tool_call,omitempty"`
	ToolResult *ToolResultEntry `json:"tool_result,omitempty"`

	// Partial carries streamed tool progress on tool_call_update.
	Partial *ToolResultEntry `json:"partial,omitempty"`

	// Messages is set on agent_end: every entry the run produced.
	Messages []*Entry `json:"messages,omitempty"`

	// ToolResults is set on turn_end.
	ToolResults []*ToolResultEntry `json:"tool_results,omitempty"`

	// Retry fields are set on auto_retry_* events.
	Retry *RetryEventPayload `json:"retry,omitempty"`

	// Compaction fields are set on auto_compaction_* and session_compact.
	Compaction *CompactionEventPayload `json:"compaction,omitempty"`

	// Rules is set on ttsr_triggered.
	Rules []RuleRef `json:"rules,omitempty"`
}

// RetryEventPayload describes one retry lifecycle edge.
type RetryEventPayload struct {
	Attempt      int           `json:"attempt"`
	MaxAttempts  int           `json:"max_attempts"`
	Delay        time.Duration `json:"delay_ms"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Success      bool          `json:"success,omitempty"`
	FinalError   string        `json:"final_error,omitempty"`
}

// CompactionEventPayload describes one compaction lifecycle edge.
type CompactionEventPayload struct {
	Reason    string `json:"reason,omitempty"` // "threshold" or "overflow"
	Aborted   bool   `json:"aborted,omitempty"`
	WillRetry bool   `json:"will_retry,omitempty"`
	Summary   string `json:"summary,omitempty"`
	EntryID   string `json:"entry_id,omitempty"`
}

// RuleRef identifies a triggered stream rule.
type RuleRef struct {
	Name string `json:"name"`
	Path string `json:"path"`
}
