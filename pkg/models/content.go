package models

import "encoding/json"

// StopReason indicates why the model stopped producing output.
type StopReason string

const (
	// StopEndTurn means the model finished its response normally.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model stopped to request tool execution.
	StopToolUse StopReason = "tool_use"

	// StopAborted means the stream was cancelled before completion.
	StopAborted StopReason = "aborted"

	// StopError means the stream terminated with a provider error.
	StopError StopReason = "error"

	// StopLength means the model hit its output token limit.
	StopLength StopReason = "length"
)

// Terminal reports whether the stop reason ends the agent loop.
// Tool use requires another model turn; everything else is terminal.
func (s StopReason) Terminal() bool {
	return s != StopToolUse
}

// ContentBlockType discriminates assistant content block variants.
type ContentBlockType string

const (
	ContentText     ContentBlockType = "text"
	ContentThinking ContentBlockType = "thinking"
	ContentToolCall ContentBlockType = "tool_call"
)

// ContentBlock is one ordered unit of assistant output. Exactly one of
// Text, Thinking, or ToolCall is populated according to Type.
type ContentBlock struct {
	Type     ContentBlockType `json:"type"`
	Text     string           `json:"text,omitempty"`
	Thinking string           `json:"thinking,omitempty"`
	ToolCall *ToolCall        `json:"tool_call,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentText, Text: text}
}

// ThinkingBlock builds a thinking content block.
func ThinkingBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentThinking, Thinking: text}
}

// ToolCallBlock builds a tool call content block.
func ToolCallBlock(tc ToolCall) ContentBlock {
	return ContentBlock{Type: ContentToolCall, ToolCall: &tc}
}

// ToolCall represents the model's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolContentType discriminates tool result content items.
type ToolContentType string

const (
	ToolContentText  ToolContentType = "text"
	ToolContentImage ToolContentType = "image"
)

// ToolContent is one item of tool result content.
type ToolContent struct {
	Type ToolContentType `json:"type"`

	// Text is set when Type is "text".
	Text string `json:"text,omitempty"`

	// MimeType and Data are set when Type is "image". Data is base64.
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"`
}

// TextContent builds a text tool content item.
func TextContent(text string) ToolContent {
	return ToolContent{Type: ToolContentText, Text: text}
}

// Usage records token accounting for one model response.
type Usage struct {
	Input      int     `json:"input"`
	Output     int     `json:"output"`
	CacheRead  int     `json:"cache_read,omitempty"`
	CacheWrite int     `json:"cache_write,omitempty"`
	Cost       float64 `json:"cost,omitempty"`
}

// ContextTokens returns the number of tokens the response occupied in the
// context window: everything the provider read plus everything it wrote.
func (u Usage) ContextTokens() int {
	return u.Input + u.CacheRead + u.CacheWrite + u.Output
}

// Add accumulates another usage record into this one.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.Cost += other.Cost
}
