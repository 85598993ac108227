package logstore

import (
	"fmt"

	"github.com/haasonsaas/weft/pkg/models"
)

// BuildSessionContext projects a root-to-leaf branch into the LLM-facing
// message sequence, honoring the compaction prefix property: when a
// compaction is present, the projection starts with a single system note
// carrying the summary and resumes at the first kept entry.
//
// Entries that are bookkeeping only (branch summaries, model switches,
// hidden custom messages, excluded bash executions) are skipped, as are
// error-terminated assistant messages: those stay in the log for history
// but never drive the next turn.
func BuildSessionContext(branch []*models.Entry) models.SessionContext {
	sc := models.SessionContext{}

	// Model and thinking level come from the last switch anywhere in the
	// branch, including the compacted-away prefix.
	for _, e := range branch {
		switch e.Type {
		case models.EntryModelChange:
			if e.ModelChange != nil {
				sc.Provider = e.ModelChange.Provider
				sc.Model = e.ModelChange.Model
			}
		case models.EntryThinkingLevelChange:
			if e.ThinkingLevel != nil {
				sc.ThinkingLevel = e.ThinkingLevel.Level
			}
		}
	}

	start := 0
	if c, firstKept := findCompaction(branch); c != nil {
		start = firstKept
		sc.Messages = append(sc.Messages, models.SystemText(compactionNote(c.Summary)))
	}

	for i := start; i < len(branch); i++ {
		e := branch[i]
		if e.Type == models.EntryCompaction {
			// The active compaction became the leading system note; any
			// older one was superseded.
			continue
		}
		if !e.InContext() {
			continue
		}
		if msg, ok := entryToMessage(e); ok {
			sc.Messages = append(sc.Messages, msg)
		}
	}

	sc.Messages = RepairMessages(sc.Messages)
	return sc
}

// findCompaction locates the last compaction whose first kept entry is
// resolvable in the branch, returning it and the index to resume from.
func findCompaction(branch []*models.Entry) (*models.Compaction, int) {
	index := make(map[string]int, len(branch))
	for i, e := range branch {
		index[e.ID] = i
	}
	for i := len(branch) - 1; i >= 0; i-- {
		e := branch[i]
		if e.Type != models.EntryCompaction || e.Compaction == nil {
			continue
		}
		if at, ok := index[e.Compaction.FirstKeptEntryID]; ok {
			return e.Compaction, at
		}
	}
	return nil, 0
}

func compactionNote(summary string) string {
	return "The conversation history before this point was summarized to free context space:\n\n" + summary
}

// entryToMessage converts one in-context entry into its LLM-facing form.
func entryToMessage(e *models.Entry) (models.Message, bool) {
	switch e.Type {
	case models.EntryUserMessage:
		if e.User == nil {
			return models.Message{}, false
		}
		return models.Message{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock(e.User.Text)},
			Images:  e.User.Images,
		}, true

	case models.EntryAssistantMessage:
		if e.Assistant == nil || e.Assistant.StopReason == models.StopError {
			return models.Message{}, false
		}
		return models.Message{
			Role:    models.RoleAssistant,
			Content: e.Assistant.Content,
		}, true

	case models.EntryToolResult:
		if e.ToolResult == nil {
			return models.Message{}, false
		}
		return models.Message{
			Role: models.RoleTool,
			ToolResults: []models.ToolResultPayload{{
				ToolCallID: e.ToolResult.ToolCallID,
				Content:    e.ToolResult.Content,
				IsError:    e.ToolResult.IsError,
			}},
		}, true

	case models.EntryFileMention:
		if e.FileMention == nil {
			return models.Message{}, false
		}
		text := fmt.Sprintf("<file path=%q>\n%s\n</file>", e.FileMention.Path, e.FileMention.Content)
		return models.UserText(text), true

	case models.EntryBashExecution:
		if e.Bash == nil {
			return models.Message{}, false
		}
		text := fmt.Sprintf("Ran `%s` (exit %d):\n%s", e.Bash.Command, e.Bash.ExitCode, e.Bash.Output)
		return models.UserText(text), true

	case models.EntryCustomMessage:
		if e.Custom == nil {
			return models.Message{}, false
		}
		return models.UserText(e.Custom.Content), true
	}
	return models.Message{}, false
}

// RepairMessages inserts synthetic error results for assistant tool calls
// that have no matching tool result later in the sequence. Aborted turns
// leave such dangling calls behind; providers reject unpaired calls, so the
// projection closes them with a cancelled marker.
func RepairMessages(msgs []models.Message) []models.Message {
	resolved := make(map[string]bool)
	for _, m := range msgs {
		for _, tr := range m.ToolResults {
			resolved[tr.ToolCallID] = true
		}
	}

	out := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m)
		if m.Role != models.RoleAssistant {
			continue
		}
		var dangling []models.ToolResultPayload
		for _, b := range m.Content {
			if b.Type != models.ContentToolCall || b.ToolCall == nil {
				continue
			}
			if resolved[b.ToolCall.ID] {
				continue
			}
			dangling = append(dangling, models.ToolResultPayload{
				ToolCallID: b.ToolCall.ID,
				Content:    []models.ToolContent{models.TextContent("Tool call was cancelled before completion.")},
				IsError:    true,
			})
		}
		if len(dangling) > 0 {
			out = append(out, models.Message{Role: models.RoleTool, ToolResults: dangling})
		}
	}
	return out
}
