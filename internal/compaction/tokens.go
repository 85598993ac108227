// Package compaction prepares, executes, and persists context summaries
// when a session approaches or overflows the model's context window.
package compaction

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/haasonsaas/weft/pkg/models"
)

// estimator counts tokens with a tiktoken encoding, falling back to a
// bytes/4 heuristic when the encoding is unavailable (offline installs).
type estimator struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
}

var est estimator

func (e *estimator) count(text string) int {
	e.once.Do(func() {
		if enc, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			e.enc = enc
		}
	})
	if e.enc != nil {
		return len(e.enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// EstimateTokens approximates the token footprint of one entry.
func EstimateTokens(e *models.Entry) int {
	return est.count(entryText(e))
}

// entryText flattens an entry into the text the summarizer sees.
func entryText(e *models.Entry) string {
	switch e.Type {
	case models.EntryUserMessage:
		if e.User != nil {
			return e.User.Text
		}
	case models.EntryAssistantMessage:
		if e.Assistant != nil {
			var out string
			for _, b := range e.Assistant.Content {
				switch b.Type {
				case models.ContentText:
					out += b.Text
				case models.ContentToolCall:
					if b.ToolCall != nil {
						out += "[tool call: " + b.ToolCall.Name + " " + string(b.ToolCall.Input) + "]"
					}
				}
			}
			return out
		}
	case models.EntryToolResult:
		if e.ToolResult != nil {
			var out string
			for _, c := range e.ToolResult.Content {
				if c.Type == models.ToolContentText {
					out += c.Text
				}
			}
			return out
		}
	case models.EntryFileMention:
		if e.FileMention != nil {
			return e.FileMention.Content
		}
	case models.EntryBashExecution:
		if e.Bash != nil {
			return e.Bash.Command + "\n" + e.Bash.Output
		}
	case models.EntryCustomMessage:
		if e.Custom != nil {
			return e.Custom.Content
		}
	case models.EntryCompaction:
		if e.Compaction != nil {
			return e.Compaction.Summary
		}
	}
	return ""
}
