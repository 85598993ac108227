package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/weft/pkg/models"
)

// Tool is one side-effecting capability the model can invoke.
//
// Execute receives the tool call id, validated JSON params, a progress
// callback, a narrow session view, and a context whose cancellation is the
// abort signal. Errors returned from Execute never escape the turn: they
// become ToolResult entries with IsError set and flow back to the model.
type Tool interface {
	// Name is the unique registry key.
	Name() string

	// Description is shown to the model.
	Description() string

	// Schema is the JSON schema of the tool's input.
	Schema() json.RawMessage

	// Execute runs the tool. onUpdate streams partial results into
	// tool_call_update events; it may be called concurrently with the
	// tool's own work but never after Execute returns.
	Execute(ctx context.Context, id string, params json.RawMessage, onUpdate func(*models.ToolResultEntry), tctx ToolContext) (*models.ToolResultEntry, error)
}

// ToolContext is the narrow view of the session a tool may consult.
type ToolContext interface {
	// Model returns the model driving the current turn.
	Model() string

	// Cwd returns the session working directory.
	Cwd() string

	// SessionFile returns the session's persistence path, or empty.
	SessionFile() string

	// Abort requests cancellation of the current turn.
	Abort()

	// QueuedMessages returns the pending steering and follow-up counts.
	QueuedMessages() (steering, followUp int)
}

// ErrorResult builds an error tool result for the given call.
func ErrorResult(toolCallID, toolName, msg string) *models.ToolResultEntry {
	return &models.ToolResultEntry{
		ToolCallID: toolCallID,
		ToolName:   toolName,
		Content:    []models.ToolContent{models.TextContent(msg)},
		IsError:    true,
	}
}
