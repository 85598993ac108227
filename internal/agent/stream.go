package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/weft/pkg/models"
)

// streamResult carries the outcome of one provider stream.
type streamResult struct {
	message *models.AssistantMessage
	entry   *models.Entry

	// externalAbort is set when Abort() cancelled the run; a steering
	// interrupt also aborts the stream but keeps the run alive.
	externalAbort bool
}

// blockAssembler folds provider deltas into ordered content blocks. A new
// block starts whenever the delta kind switches.
type blockAssembler struct {
	blocks []models.ContentBlock
	args   map[string]*[]byte // tool call id -> accumulated argument JSON
}

func newBlockAssembler() *blockAssembler {
	return &blockAssembler{args: make(map[string]*[]byte)}
}

func (a *blockAssembler) text(delta string) {
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == models.ContentText {
		a.blocks[n-1].Text += delta
		return
	}
	a.blocks = append(a.blocks, models.TextBlock(delta))
}

func (a *blockAssembler) thinking(delta string) {
	if n := len(a.blocks); n > 0 && a.blocks[n-1].Type == models.ContentThinking {
		a.blocks[n-1].Thinking += delta
		return
	}
	a.blocks = append(a.blocks, models.ThinkingBlock(delta))
}

func (a *blockAssembler) toolCallStart(call models.ToolCall) {
	buf := make([]byte, 0, len(call.Input))
	buf = append(buf, call.Input...)
	a.args[call.ID] = &buf
	a.blocks = append(a.blocks, models.ToolCallBlock(call))
}

func (a *blockAssembler) toolCallDelta(id, argsDelta string) {
	if buf, ok := a.args[id]; ok {
		*buf = append(*buf, argsDelta...)
	}
}

// finish resolves accumulated tool-call arguments into their blocks.
func (a *blockAssembler) finish() []models.ContentBlock {
	for i := range a.blocks {
		b := &a.blocks[i]
		if b.Type != models.ContentToolCall || b.ToolCall == nil {
			continue
		}
		if buf, ok := a.args[b.ToolCall.ID]; ok && len(*buf) > 0 {
			b.ToolCall.Input = json.RawMessage(*buf)
		}
	}
	return a.blocks
}

// streamOnce opens one provider stream and assembles the assistant
// message, emitting message_start, per-delta message_update, and
// message_end events. The message is persisted regardless of outcome.
func (e *Engine) streamOnce(runCtx context.Context) streamResult {
	req := &StreamRequest{
		Model:         e.Model(),
		System:        e.currentSystemPrompt(),
		Messages:      e.Messages(),
		Tools:         e.registry.Descriptors(),
		MaxTokens:     e.maxTokens,
		ThinkingLevel: string(e.ThinkingLevel()),
	}

	streamCtx, cancelStream := context.WithCancel(runCtx)
	defer cancelStream()

	e.emitter.Emit(models.AgentEvent{Type: models.EventMessageStart, Role: models.RoleAssistant})

	start := time.Now()
	asm := newBlockAssembler()
	msg := &models.AssistantMessage{Model: req.Model}
	steerAbort := false

	ch, err := e.provider.Stream(streamCtx, req)
	if err != nil {
		msg.StopReason = models.StopError
		msg.ErrorMessage = err.Error()
	} else {
		for ev := range ch {
			switch {
			case ev.TextDelta != "":
				asm.text(ev.TextDelta)
				e.emitter.Emit(models.AgentEvent{
					Type: models.EventMessageUpdate, Role: models.RoleAssistant,
					Delta: ev.TextDelta, DeltaKind: models.DeltaText,
				})
			case ev.ThinkingDelta != "":
				asm.thinking(ev.ThinkingDelta)
				e.emitter.Emit(models.AgentEvent{
					Type: models.EventMessageUpdate, Role: models.RoleAssistant,
					Delta: ev.ThinkingDelta, DeltaKind: models.DeltaThinking,
				})
			case ev.ToolCallStart != nil:
				asm.toolCallStart(*ev.ToolCallStart)
			case ev.ToolCallDelta != nil:
				asm.toolCallDelta(ev.ToolCallDelta.ToolCallID, ev.ToolCallDelta.ArgsDelta)
				e.emitter.Emit(models.AgentEvent{
					Type: models.EventMessageUpdate, Role: models.RoleAssistant,
					Delta: ev.ToolCallDelta.ArgsDelta, DeltaKind: models.DeltaToolCallArgs,
				})
			case ev.Usage != nil:
				msg.Usage = *ev.Usage
			case ev.Stop != nil:
				msg.StopReason = ev.Stop.Reason
			case ev.Err != nil:
				msg.StopReason = models.StopError
				msg.ErrorMessage = ev.Err.Error()
			}

			// An immediate-mode steering interrupt aborts at the next
			// chunk boundary; the run continues with the steer delivered.
			if e.queues.HasSteering() && e.queues.InterruptMode() == InterruptImmediate {
				steerAbort = true
				cancelStream()
				for range ch {
					// Drain so the provider goroutine can exit.
				}
				break
			}
		}
	}

	if e.metrics != nil {
		e.metrics.LLMRequestDuration.WithLabelValues(e.provider.Name(), req.Model).Observe(time.Since(start).Seconds())
		for kind, n := range map[string]int{
			"input": msg.Usage.Input, "output": msg.Usage.Output,
			"cache_read": msg.Usage.CacheRead, "cache_write": msg.Usage.CacheWrite,
		} {
			if n > 0 {
				e.metrics.LLMTokensUsed.WithLabelValues(e.provider.Name(), req.Model, kind).Add(float64(n))
			}
		}
	}

	externalAbort := runCtx.Err() != nil
	if externalAbort || steerAbort {
		msg.StopReason = models.StopAborted
		msg.ErrorMessage = ""
	}
	if msg.StopReason == "" {
		msg.StopReason = models.StopEndTurn
	}
	msg.Content = asm.finish()

	var entry *models.Entry
	if id, err := e.sessions.AppendAssistantMessage(msg); err == nil {
		entry = e.sessions.GetEntry(id)
		e.recordProduced(entry)
	} else {
		e.log.Error(runCtx, "persist assistant message failed", "error", err.Error())
		entry = &models.Entry{Type: models.EntryAssistantMessage, Assistant: msg}
	}

	// Error-terminated messages stay out of the context copy: history
	// keeps them, the next attempt must not see them.
	if msg.StopReason != models.StopError {
		e.AppendMessage(models.Message{Role: models.RoleAssistant, Content: msg.Content})
	}

	e.emitter.Emit(models.AgentEvent{
		Type: models.EventMessageEnd, Role: models.RoleAssistant,
		EntryID: entry.ID, Message: entry,
	})

	return streamResult{
		message:       msg,
		entry:         entry,
		externalAbort: externalAbort && !steerAbort,
	}
}
