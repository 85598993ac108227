package compaction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/weft/internal/agent"
	"github.com/haasonsaas/weft/internal/config"
	"github.com/haasonsaas/weft/internal/hooks"
	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

// Compactor errors.
var (
	ErrAlreadyCompacted    = errors.New("Already compacted")
	ErrNothingToCompact    = errors.New("nothing to compact")
	ErrCompactionInFlight  = errors.New("compaction already in progress")
	ErrCompactionCancelled = errors.New("compaction cancelled")
)

// Result is the outcome of one compaction.
type Result struct {
	EntryID          string
	Summary          string
	FirstKeptEntryID string
	TokensBefore     int
	FromExtension    bool
}

// Compactor prepares, executes, and persists summaries. One compaction is
// in flight at a time; it holds its own cancellation token.
type Compactor struct {
	provider agent.Provider
	sessions *session.Manager
	hooks    *hooks.Registry
	emit     func(models.AgentEvent)
	log      *observability.Logger
	metrics  *observability.Metrics

	mu     sync.Mutex
	cancel context.CancelFunc
}

// New creates a compactor. hooks and emit may be nil.
func New(provider agent.Provider, sessions *session.Manager, hookReg *hooks.Registry, emit func(models.AgentEvent), log *observability.Logger, metrics *observability.Metrics) *Compactor {
	if emit == nil {
		emit = func(models.AgentEvent) {}
	}
	return &Compactor{
		provider: provider,
		sessions: sessions,
		hooks:    hookReg,
		emit:     emit,
		log:      log.Or(),
		metrics:  metrics,
	}
}

// Active reports whether a compaction is running.
func (c *Compactor) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Abort cancels the in-flight compaction, if any.
func (c *Compactor) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Compact summarizes the head of the current branch and appends a
// compaction entry. reason is "threshold", "overflow", or "manual";
// customInstructions steer the summarizer.
func (c *Compactor) Compact(ctx context.Context, reason, customInstructions string, settings config.CompactionSettings, model string) (*Result, error) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return nil, ErrCompactionInFlight
	}
	compactCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		cancel()
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
	}()

	result, err := c.compact(compactCtx, reason, customInstructions, settings, model)

	status := "success"
	switch {
	case errors.Is(err, ErrCompactionCancelled) || errors.Is(err, context.Canceled):
		status = "aborted"
	case err != nil:
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.CompactionCounter.WithLabelValues(reason, status).Inc()
	}
	return result, err
}

func (c *Compactor) compact(ctx context.Context, reason, customInstructions string, settings config.CompactionSettings, model string) (*Result, error) {
	branch := c.sessions.GetBranch()
	prep := Prepare(branch, settings)
	if prep == nil {
		if len(branch) > 0 && branch[len(branch)-1].Type == models.EntryCompaction {
			return nil, ErrAlreadyCompacted
		}
		return nil, ErrNothingToCompact
	}

	summary := ""
	fromExtension := false

	// Extensions may cancel or supply a precomputed compaction.
	if c.hooks != nil && c.hooks.HasHandlers(hooks.EventSessionBeforeCompact) {
		event := &hooks.Event{
			Type:      hooks.EventSessionBeforeCompact,
			SessionID: c.sessions.Session().ID,
			CompactionPrep: &hooks.CompactionPrep{
				SummarizeEntries: prep.SummarizeEntries,
				KeepEntries:      prep.KeepEntries,
				FirstKeptEntryID: prep.FirstKeptEntryID,
				TokensBefore:     prep.TokensBefore,
			},
		}
		if err := c.hooks.Emit(ctx, event); err != nil {
			return nil, fmt.Errorf("session_before_compact: %w", err)
		}
		if event.Cancel {
			return nil, ErrCompactionCancelled
		}
		if event.CompactionResult != nil {
			summary = event.CompactionResult.Summary
			if event.CompactionResult.FirstKeptEntryID != "" {
				prep.FirstKeptEntryID = event.CompactionResult.FirstKeptEntryID
			}
			fromExtension = true
		}
	}

	if summary == "" {
		var err error
		summary, err = c.summarize(ctx, prep, customInstructions, model)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ErrCompactionCancelled
			}
			return nil, err
		}
	}

	if ctx.Err() != nil {
		return nil, ErrCompactionCancelled
	}

	entryID, err := c.sessions.AppendCompaction(summary, prep.FirstKeptEntryID, prep.TokensBefore, nil, fromExtension)
	if err != nil {
		return nil, fmt.Errorf("persist compaction: %w", err)
	}

	c.log.Info(ctx, "session compacted",
		"reason", reason, "tokens_before", prep.TokensBefore,
		"summarized", len(prep.SummarizeEntries), "kept", len(prep.KeepEntries))

	c.emit(models.AgentEvent{
		Type: models.EventSessionCompact,
		Time: time.Now(),
		Compaction: &models.CompactionEventPayload{
			Reason:  reason,
			Summary: summary,
			EntryID: entryID,
		},
	})

	return &Result{
		EntryID:          entryID,
		Summary:          summary,
		FirstKeptEntryID: prep.FirstKeptEntryID,
		TokensBefore:     prep.TokensBefore,
		FromExtension:    fromExtension,
	}, nil
}

const summarizePrompt = `Summarize the conversation below so it can replace the original messages as context. Preserve: the user's goals, decisions made, file paths and their relevant contents, commands run and their outcomes, and any unresolved questions. Be dense and factual; do not add commentary.`

// summarize runs the LLM summarization request. It is synchronous to the
// compaction flow and honors cancellation at every await boundary.
func (c *Compactor) summarize(ctx context.Context, prep *Preparation, customInstructions, model string) (string, error) {
	var b strings.Builder
	if prep.PriorSummary != "" {
		b.WriteString("Summary of earlier conversation:\n")
		b.WriteString(prep.PriorSummary)
		b.WriteString("\n\n")
	}
	for _, e := range prep.SummarizeEntries {
		text := entryText(e)
		if text == "" {
			continue
		}
		b.WriteString(string(roleFor(e)))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n\n")
	}

	prompt := summarizePrompt
	if customInstructions != "" {
		prompt += "\n\nAdditional instructions: " + customInstructions
	}

	req := &agent.StreamRequest{
		Model:     model,
		System:    prompt,
		Messages:  []models.Message{models.UserText(b.String())},
		MaxTokens: 4096,
	}

	ch, err := c.provider.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summarization request: %w", err)
	}

	var summary strings.Builder
	for ev := range ch {
		switch {
		case ev.TextDelta != "":
			summary.WriteString(ev.TextDelta)
		case ev.Err != nil:
			return "", fmt.Errorf("summarization failed: %w", ev.Err)
		}
		if ctx.Err() != nil {
			return "", ErrCompactionCancelled
		}
	}

	out := strings.TrimSpace(summary.String())
	if out == "" {
		return "", errors.New("summarization produced no text")
	}
	return out, nil
}

func roleFor(e *models.Entry) models.Role {
	switch e.Type {
	case models.EntryAssistantMessage:
		return models.RoleAssistant
	case models.EntryToolResult:
		return models.RoleTool
	default:
		return models.RoleUser
	}
}

// IsOverflow reports whether an assistant message represents a context
// overflow error.
func IsOverflow(msg *models.AssistantMessage) bool {
	return msg != nil && msg.StopReason == models.StopError && isOverflowMessage(msg.ErrorMessage)
}

func isOverflowMessage(errMsg string) bool {
	s := strings.ToLower(errMsg)
	return strings.Contains(s, "context length") ||
		strings.Contains(s, "context window") ||
		strings.Contains(s, "maximum context") ||
		strings.Contains(s, "prompt is too long") ||
		strings.Contains(s, "too many tokens") ||
		strings.Contains(s, "input is too long") ||
		strings.Contains(s, "exceeds the maximum number of tokens")
}
