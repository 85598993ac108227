package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

// Engine drives one model conversation to a terminal stop reason. It owns
// a copy of the LLM-visible message array; the session manager owns the
// canonical history. At most one run is in flight per engine.
type Engine struct {
	provider Provider
	registry *Registry
	queues   *Queues
	emitter  *Emitter
	sessions *session.Manager
	log      *observability.Logger
	metrics  *observability.Metrics

	// systemPromptFn rebuilds the system prompt; invoked when the active
	// tool set generation changes.
	systemPromptFn func() string

	mu           sync.Mutex
	streaming    bool
	cancelRun    context.CancelFunc
	messages     []models.Message
	produced     []*models.Entry
	model        string
	thinking     ThinkingLevel
	maxTokens    int
	systemPrompt string
	promptGen    uint64
	promptBuilt  bool
}

// Config wires an engine.
type Config struct {
	Provider Provider
	Registry *Registry
	Queues   *Queues
	Emitter  *Emitter
	Sessions *session.Manager
	Logger   *observability.Logger
	Metrics  *observability.Metrics

	// SystemPrompt builds the system prompt for the active tool set.
	SystemPrompt func() string

	// MaxTokens limits response length. Default: 8192.
	MaxTokens int
}

// NewEngine creates an engine. The registry's active-set changes mark the
// cached system prompt stale; it is rebuilt on the next stream.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		provider:       cfg.Provider,
		registry:       cfg.Registry,
		queues:         cfg.Queues,
		emitter:        cfg.Emitter,
		sessions:       cfg.Sessions,
		log:            cfg.Logger.Or(),
		metrics:        cfg.Metrics,
		systemPromptFn: cfg.SystemPrompt,
		maxTokens:      cfg.MaxTokens,
		thinking:       ThinkingOff,
	}
	if e.maxTokens <= 0 {
		e.maxTokens = 8192
	}
	if e.queues == nil {
		e.queues = NewQueues()
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	return e
}

// SetModel selects the model for subsequent turns.
func (e *Engine) SetModel(model string) {
	e.mu.Lock()
	e.model = model
	e.mu.Unlock()
}

// Model returns the current model.
func (e *Engine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// SetThinkingLevel selects the reasoning depth for subsequent turns.
func (e *Engine) SetThinkingLevel(level ThinkingLevel) {
	e.mu.Lock()
	e.thinking = level
	e.mu.Unlock()
}

// ThinkingLevel returns the current reasoning depth.
func (e *Engine) ThinkingLevel() ThinkingLevel {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thinking
}

// Queues exposes the engine's message queues.
func (e *Engine) Queues() *Queues { return e.queues }

// Emitter exposes the engine's event emitter.
func (e *Engine) Emitter() *Emitter { return e.emitter }

// IsStreaming reports whether a run is in flight.
func (e *Engine) IsStreaming() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming
}

// Messages returns a copy of the engine's LLM-visible message array.
func (e *Engine) Messages() []models.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Message, len(e.messages))
	copy(out, e.messages)
	return out
}

// SetMessages replaces the engine's message array. Used after compaction
// rebuilds the context from the log.
func (e *Engine) SetMessages(msgs []models.Message) {
	e.mu.Lock()
	e.messages = msgs
	e.mu.Unlock()
}

// AppendMessage adds one message to the engine's context.
func (e *Engine) AppendMessage(msg models.Message) {
	e.mu.Lock()
	e.messages = append(e.messages, msg)
	e.mu.Unlock()
}

// RemoveLastAssistant drops the last assistant message from the context
// copy (the log keeps it). Used by retry, overflow compaction, and
// discard-mode stream rules.
func (e *Engine) RemoveLastAssistant() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.messages) - 1; i >= 0; i-- {
		if e.messages[i].Role == models.RoleAssistant {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			return true
		}
	}
	return false
}

// LastAssistant returns the most recent assistant entry the engine
// produced in its current or last run, or nil.
func (e *Engine) LastAssistant() *models.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := len(e.produced) - 1; i >= 0; i-- {
		if e.produced[i].Type == models.EntryAssistantMessage {
			return e.produced[i]
		}
	}
	return nil
}

// Abort cancels the in-flight run: the provider stream is cancelled and
// active tools receive the cancellation signal. The partially received
// assistant message is persisted with stop reason aborted.
func (e *Engine) Abort() {
	e.mu.Lock()
	cancel := e.cancelRun
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// currentSystemPrompt rebuilds the prompt when the tool set changed.
func (e *Engine) currentSystemPrompt() string {
	gen := e.registry.Generation()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.promptBuilt || gen != e.promptGen {
		if e.systemPromptFn != nil {
			e.systemPrompt = e.systemPromptFn()
		}
		e.promptGen = gen
		e.promptBuilt = true
	}
	return e.systemPrompt
}

// Run drives the loop until a terminal stop reason. pending entries are
// already-persisted user-side entries whose message_start/message_end
// events belong to the first turn (the prompt itself, stream-rule
// injections). Run returns when the engine goes idle; an error-terminated
// assistant message is not an error here, the caller inspects it.
func (e *Engine) Run(ctx context.Context, pending ...*models.Entry) error {
	if e.provider == nil {
		return ErrNoProvider
	}
	e.mu.Lock()
	if e.streaming {
		e.mu.Unlock()
		return ErrTurnInFlight
	}
	if e.model == "" {
		e.mu.Unlock()
		return ErrNoModel
	}
	runCtx, cancel := context.WithCancel(ctx)
	e.streaming = true
	e.cancelRun = cancel
	e.produced = nil
	e.mu.Unlock()

	defer func() {
		cancel()
		e.mu.Lock()
		e.streaming = false
		e.cancelRun = nil
		e.mu.Unlock()
	}()

	e.emitter.Emit(models.AgentEvent{Type: models.EventAgentStart})
	defer func() {
		e.emitter.Emit(models.AgentEvent{Type: models.EventAgentEnd, Messages: e.producedSnapshot()})
	}()

	for {
		e.emitter.Emit(models.AgentEvent{Type: models.EventTurnStart})

		for _, entry := range pending {
			e.emitEntryEvents(entry)
		}
		pending = nil

		result := e.streamOnce(runCtx)
		if e.metrics != nil {
			e.metrics.TurnCounter.WithLabelValues(string(result.message.StopReason)).Inc()
		}

		var toolResults []*models.ToolResultEntry
		if result.message.StopReason == models.StopToolUse {
			toolResults = e.executeTools(runCtx, result.message.ToolCalls())
		}

		e.emitter.Emit(models.AgentEvent{
			Type:        models.EventTurnEnd,
			Message:     result.entry,
			ToolResults: toolResults,
		})

		if result.message.StopReason == models.StopError {
			// Retry and overflow handling belong to the supervisor and
			// compactor; the run ends here.
			return nil
		}

		if result.externalAbort {
			// The partial message is preserved; the session goes idle.
			return nil
		}

		// Steering drained at the turn boundary (immediate-mode interrupts
		// already aborted the stream above and land here too).
		if msgs := e.queues.DrainSteering(); len(msgs) > 0 {
			if err := e.appendUserMessages(msgs, true); err != nil {
				return err
			}
			continue
		}

		if result.message.StopReason == models.StopToolUse {
			continue
		}

		// Terminal stop: follow-ups run before the session goes idle.
		if msgs := e.queues.DrainFollowUp(); len(msgs) > 0 {
			if err := e.appendUserMessages(msgs, false); err != nil {
				return err
			}
			continue
		}

		return nil
	}
}

func (e *Engine) producedSnapshot() []*models.Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.Entry, len(e.produced))
	copy(out, e.produced)
	return out
}

func (e *Engine) recordProduced(entry *models.Entry) {
	e.mu.Lock()
	e.produced = append(e.produced, entry)
	e.mu.Unlock()
}

// emitEntryEvents announces an already-persisted user-side entry.
func (e *Engine) emitEntryEvents(entry *models.Entry) {
	role := models.RoleUser
	e.emitter.Emit(models.AgentEvent{Type: models.EventMessageStart, Role: role, EntryID: entry.ID})
	e.emitter.Emit(models.AgentEvent{Type: models.EventMessageEnd, Role: role, EntryID: entry.ID, Message: entry})
}

// appendUserMessages persists queued messages as user entries, announces
// them, and appends them to the context copy.
func (e *Engine) appendUserMessages(msgs []QueuedMessage, steering bool) error {
	for _, msg := range msgs {
		id, err := e.sessions.AppendUserMessage(msg.Text, msg.Images, false)
		if err != nil {
			return err
		}
		entry := e.sessions.GetEntry(id)
		e.recordProduced(entry)
		e.emitEntryEvents(entry)
		e.AppendMessage(models.Message{
			Role:    models.RoleUser,
			Content: []models.ContentBlock{models.TextBlock(msg.Text)},
			Images:  msg.Images,
		})
	}
	if steering {
		e.log.Debug(context.Background(), "steering delivered", "count", len(msgs))
	}
	return nil
}

// executeTools runs each tool call in order, persisting one ToolResult per
// call and feeding results back into the context copy. A cancelled run
// marks remaining results as errors without invoking the tools.
func (e *Engine) executeTools(ctx context.Context, calls []models.ToolCall) []*models.ToolResultEntry {
	results := make([]*models.ToolResultEntry, 0, len(calls))
	for _, call := range calls {
		e.emitter.Emit(models.AgentEvent{Type: models.EventToolCallStart, ToolCall: cloneCall(call)})

		var res *models.ToolResultEntry
		start := time.Now()
		switch {
		case ctx.Err() != nil:
			res = ErrorResult(call.ID, call.Name, "Tool call was cancelled.")
		default:
			res = e.executeOne(ctx, call)
		}

		if e.metrics != nil {
			status := "success"
			if res.IsError {
				status = "error"
			}
			e.metrics.ToolExecutionCounter.WithLabelValues(call.Name, status).Inc()
			e.metrics.ToolExecutionDuration.WithLabelValues(call.Name).Observe(time.Since(start).Seconds())
		}

		if id, err := e.sessions.AppendToolResult(res); err == nil {
			e.recordProduced(e.sessions.GetEntry(id))
		} else {
			e.log.Error(ctx, "persist tool result failed", "tool", call.Name, "error", err.Error())
		}

		e.emitter.Emit(models.AgentEvent{Type: models.EventToolCallEnd, ToolCall: cloneCall(call), ToolResult: res})

		e.AppendMessage(models.Message{
			Role: models.RoleTool,
			ToolResults: []models.ToolResultPayload{{
				ToolCallID: res.ToolCallID,
				Content:    res.Content,
				IsError:    res.IsError,
			}},
		})
		results = append(results, res)
	}
	return results
}

func (e *Engine) executeOne(ctx context.Context, call models.ToolCall) *models.ToolResultEntry {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ErrorResult(call.ID, call.Name, "unknown tool: "+call.Name)
	}
	if err := e.registry.Validate(call.Name, call.Input); err != nil {
		return ErrorResult(call.ID, call.Name, err.Error())
	}

	onUpdate := func(partial *models.ToolResultEntry) {
		e.emitter.Emit(models.AgentEvent{
			Type:     models.EventToolCallUpdate,
			ToolCall: cloneCall(call),
			Partial:  partial,
		})
	}

	res, err := tool.Execute(ctx, call.ID, call.Input, onUpdate, &engineToolContext{engine: e})
	if err != nil {
		return ErrorResult(call.ID, call.Name, err.Error())
	}
	if res == nil {
		res = ErrorResult(call.ID, call.Name, "tool returned no result")
	}
	res.ToolCallID = call.ID
	if res.ToolName == "" {
		res.ToolName = call.Name
	}
	if ctx.Err() != nil {
		res.IsError = true
	}
	return res
}

func cloneCall(call models.ToolCall) *models.ToolCall {
	c := call
	return &c
}

// engineToolContext is the narrow session view handed to tools.
type engineToolContext struct {
	engine *Engine
}

func (c *engineToolContext) Model() string { return c.engine.Model() }

func (c *engineToolContext) Cwd() string {
	return c.engine.sessions.Session().Cwd
}

func (c *engineToolContext) SessionFile() string {
	return c.engine.sessions.Session().File
}

func (c *engineToolContext) Abort() { c.engine.Abort() }

func (c *engineToolContext) QueuedMessages() (int, int) {
	return c.engine.queues.Counts()
}
