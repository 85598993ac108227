package models

import (
	"encoding/json"
	"time"
)

// EntryType discriminates the session log entry variants.
type EntryType string

const (
	EntryUserMessage         EntryType = "user_message"
	EntryAssistantMessage    EntryType = "assistant_message"
	EntryToolResult          EntryType = "tool_result"
	EntryFileMention         EntryType = "file_mention"
	EntryBashExecution       EntryType = "bash_execution"
	EntryCustomMessage       EntryType = "custom_message"
	EntryCompaction          EntryType = "compaction"
	EntryBranchSummary       EntryType = "branch_summary"
	EntryModelChange         EntryType = "model_change"
	EntryThinkingLevelChange EntryType = "thinking_level_change"
)

// Entry is one immutable record in the session tree. Exactly one variant
// payload is populated according to Type. Entries are never mutated after
// append; branching re-parents new entries under an older ParentID.
type Entry struct {
	ID        string    `json:"id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`

	User          *UserMessage         `json:"user,omitempty"`
	Assistant     *AssistantMessage    `json:"assistant,omitempty"`
	ToolResult    *ToolResultEntry     `json:"tool_result,omitempty"`
	FileMention   *FileMention         `json:"file_mention,omitempty"`
	Bash          *BashExecution       `json:"bash,omitempty"`
	Custom        *CustomMessage       `json:"custom,omitempty"`
	Compaction    *Compaction          `json:"compaction,omitempty"`
	BranchSummary *BranchSummary       `json:"branch_summary,omitempty"`
	ModelChange   *ModelChange         `json:"model_change,omitempty"`
	ThinkingLevel *ThinkingLevelChange `json:"thinking_level,omitempty"`

	// Raw preserves the original record for entry types this build does not
	// know, so old logs round-trip through read/write unchanged.
	Raw json.RawMessage `json:"-"`
}

// UserMessage is a prompt from the user, optionally with images.
type UserMessage struct {
	Text   string       `json:"text"`
	Images []ImageBlock `json:"images,omitempty"`

	// Synthetic marks messages the runtime injected on the user's behalf
	// (steering drains, stream-rule interrupts).
	Synthetic bool `json:"synthetic,omitempty"`
}

// ImageBlock is an inline image attached to a user message.
type ImageBlock struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"` // base64
}

// AssistantMessage is one model response: ordered content blocks plus the
// stop reason and token accounting.
type AssistantMessage struct {
	Content      []ContentBlock `json:"content"`
	StopReason   StopReason     `json:"stop_reason"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Model        string         `json:"model,omitempty"`
	Usage        Usage          `json:"usage"`
}

// Text returns the concatenated text blocks of the message.
func (m *AssistantMessage) Text() string {
	var out string
	for _, b := range m.Content {
		if b.Type == ContentText {
			out += b.Text
		}
	}
	return out
}

// ToolCalls returns the tool call blocks in order.
func (m *AssistantMessage) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, b := range m.Content {
		if b.Type == ContentToolCall && b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}
	return calls
}

// ToolResultEntry records the outcome of one tool call.
type ToolResultEntry struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name,omitempty"`
	Content    []ToolContent   `json:"content"`
	IsError    bool            `json:"is_error,omitempty"`
	Details    json.RawMessage `json:"details,omitempty"`

	// Usage carries sub-agent token accounting for task tool calls.
	Usage *Usage `json:"usage,omitempty"`
}

// FileMention records an @-mention expansion attached to a prompt.
type FileMention struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// BashExecution records a user-initiated shell command and its output.
type BashExecution struct {
	Command        string `json:"command"`
	Output         string `json:"output"`
	ExitCode       int    `json:"exit_code"`
	Cancelled      bool   `json:"cancelled,omitempty"`
	Truncated      bool   `json:"truncated,omitempty"`
	FullOutputPath string `json:"full_output_path,omitempty"`

	// ExcludeFromContext keeps the execution out of the LLM prefix.
	ExcludeFromContext bool `json:"exclude_from_context,omitempty"`
}

// CustomDisplay controls how a custom message participates in the session.
type CustomDisplay string

const (
	// CustomDisplayShown renders in the UI and enters the LLM prefix.
	CustomDisplayShown CustomDisplay = "shown"

	// CustomDisplayHidden is persisted but excluded from the LLM prefix.
	CustomDisplayHidden CustomDisplay = "hidden"

	// CustomDisplayContextOnly enters the LLM prefix but is not rendered.
	CustomDisplayContextOnly CustomDisplay = "context_only"
)

// CustomMessage is an extension-injected message with display control.
type CustomMessage struct {
	CustomType string          `json:"custom_type"`
	Content    string          `json:"content"`
	Display    CustomDisplay   `json:"display"`
	Details    json.RawMessage `json:"details,omitempty"`
}

// InContext reports whether the message enters the LLM prefix.
func (c *CustomMessage) InContext() bool {
	return c.Display == CustomDisplayShown || c.Display == CustomDisplayContextOnly
}

// Compaction logically replaces the chain from the root through the parent
// of FirstKeptEntryID with Summary when the LLM prefix is built.
type Compaction struct {
	Summary          string          `json:"summary"`
	FirstKeptEntryID string          `json:"first_kept_entry_id"`
	TokensBefore     int             `json:"tokens_before"`
	Details          json.RawMessage `json:"details,omitempty"`
	FromExtension    bool            `json:"from_extension,omitempty"`
}

// BranchSummary records what an abandoned branch did. It is written at the
// navigation target and never rewrites history.
type BranchSummary struct {
	Summary       string          `json:"summary"`
	FromLeafID    string          `json:"from_leaf_id,omitempty"`
	Details       json.RawMessage `json:"details,omitempty"`
	FromExtension bool            `json:"from_extension,omitempty"`
}

// ModelChange records a model switch at this point in the branch.
type ModelChange struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// ThinkingLevelChange records a reasoning-depth switch.
type ThinkingLevelChange struct {
	Level string `json:"level"`
}

// InContext reports whether the entry participates in the LLM prefix.
// Navigation markers, model/thinking switches, hidden custom messages, and
// excluded bash executions are bookkeeping only.
func (e *Entry) InContext() bool {
	switch e.Type {
	case EntryUserMessage, EntryAssistantMessage, EntryToolResult, EntryFileMention, EntryCompaction:
		return true
	case EntryBashExecution:
		return e.Bash != nil && !e.Bash.ExcludeFromContext
	case EntryCustomMessage:
		return e.Custom != nil && e.Custom.InContext()
	case EntryBranchSummary, EntryModelChange, EntryThinkingLevelChange:
		return false
	default:
		// Unknown types are carried opaquely and stay out of the prefix.
		return false
	}
}
