// Package controller exposes the session façade: prompting, steering,
// compaction, retry, stream rules, branching, and disposal, orchestrated
// over the turn engine with a single serialized lifecycle per session.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/weft/internal/agent"
	"github.com/haasonsaas/weft/internal/backoff"
	"github.com/haasonsaas/weft/internal/compaction"
	"github.com/haasonsaas/weft/internal/config"
	"github.com/haasonsaas/weft/internal/hooks"
	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/internal/retrier"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/internal/shell"
	"github.com/haasonsaas/weft/internal/ttsr"
	"github.com/haasonsaas/weft/pkg/models"
)

// Controller errors.
var (
	ErrDisposed           = errors.New("controller disposed")
	ErrCompacting         = errors.New("compaction in progress; new prompts are blocked")
	ErrMissingAPIKey      = errors.New("no API key for provider")
	ErrExtensionCommand   = errors.New("message is an extension command")
	ErrNoExporter         = errors.New("no HTML exporter configured")
)

// CredentialStore resolves provider API keys. It is a collaborator; the
// controller only checks presence before a turn starts.
type CredentialStore interface {
	APIKey(provider string) (string, error)
}

// StreamingBehavior routes a prompt that arrives mid-turn.
type StreamingBehavior string

const (
	BehaviorSteer    StreamingBehavior = "steer"
	BehaviorFollowUp StreamingBehavior = "followUp"
)

// PromptOptions configures one prompt.
type PromptOptions struct {
	Images            []models.ImageBlock
	StreamingBehavior StreamingBehavior
}

// CustomMessageOptions configures SendCustomMessage.
type CustomMessageOptions struct {
	TriggerTurn bool
	DeliverAs   models.CustomDisplay
}

// Options wires a controller.
type Options struct {
	DataDir string
	Cwd     string

	Provider    agent.Provider
	Credentials CredentialStore
	Registry    *agent.Registry
	Hooks       *hooks.Registry
	Settings    *config.Resolver
	Logger      *observability.Logger
	Metrics     *observability.Metrics

	// Models is the cycling order for CycleModel; the first entry is the
	// default when settings name none.
	Models []string

	// Capabilities reports per-model reasoning support for thinking-level
	// clamping. Nil treats every model as reasoning-capable.
	Capabilities func(model string) agent.ModelCapabilities

	// Rules is the stream-rule set loaded by the front-end.
	Rules []*models.Rule

	// SystemPrompt builds the system prompt for an active tool set.
	SystemPrompt func(activeTools []string) string

	// IsExtensionCommand recognizes extension command text; such text is
	// rejected from steering and follow-up queues.
	IsExtensionCommand func(string) bool

	// ExportHTML converts a session file to HTML. Optional collaborator.
	ExportHTML func(sessionFile, outputPath string) error

	// SessionFile, when set, resumes that session instead of creating one.
	SessionFile string
}

// Controller is the public session façade. Every state-mutating operation
// is serialized against the turn engine lifecycle.
type Controller struct {
	opts    Options
	log     *observability.Logger
	metrics *observability.Metrics

	settings *config.Resolver
	hooks    *hooks.Registry
	registry *agent.Registry
	emitter  *agent.Emitter
	queues   *agent.Queues
	rules    *ttsr.Engine
	index    *session.Index

	mu        sync.Mutex
	sessions  *session.Manager
	engine    *agent.Engine
	compactor *compaction.Compactor
	retry     *retrier.Supervisor
	executor  *shell.Executor

	runWG     sync.WaitGroup
	disposed  bool
	tempModel bool

	ttsrMu      sync.Mutex
	ttsrPending []*models.Rule

	branchSummaryMu     sync.Mutex
	branchSummaryCancel context.CancelFunc

	unsubInternal func()
}

// New creates a controller with a fresh or resumed session.
func New(opts Options) (*Controller, error) {
	log := opts.Logger.Or()

	c := &Controller{
		opts:     opts,
		log:      log,
		metrics:  opts.Metrics,
		settings: opts.Settings,
		hooks:    opts.Hooks,
		registry: opts.Registry,
		queues:   agent.NewQueues(),
	}
	if c.hooks == nil {
		c.hooks = hooks.NewRegistry(log)
	}
	if c.registry == nil {
		c.registry = agent.NewRegistry()
	}

	if opts.DataDir != "" {
		index, err := session.OpenIndex(opts.DataDir)
		if err != nil {
			return nil, err
		}
		c.index = index
	}

	set := c.currentSettings()
	c.queues.SetModes(
		agent.SteeringMode(set.Queue.SteeringMode),
		agent.FollowUpMode(set.Queue.FollowUpMode),
		agent.InterruptMode(set.Queue.InterruptMode),
	)

	rules, err := ttsr.NewEngine(opts.Rules, ttsr.Config{
		RepeatMode:  ttsr.RepeatMode(set.Rules.RepeatMode),
		RepeatGap:   set.Rules.RepeatGap,
		ContextMode: ttsr.ContextMode(set.Rules.ContextMode),
	}, log)
	if err != nil {
		return nil, err
	}
	c.rules = rules

	var mgr *session.Manager
	if opts.SessionFile != "" {
		mgr, err = session.Resume(opts.SessionFile, session.Options{Cwd: opts.Cwd, Index: c.index})
	} else {
		mgr, err = session.New(session.Options{DataDir: opts.DataDir, Cwd: opts.Cwd, Index: c.index})
	}
	if err != nil {
		return nil, err
	}

	c.emitter = agent.NewEmitter(mgr.Session().ID)
	c.bindSession(mgr)
	c.subscribeInternal()

	if c.settings != nil {
		c.settings.Subscribe(func(s config.Settings) {
			c.queues.SetModes(
				agent.SteeringMode(s.Queue.SteeringMode),
				agent.FollowUpMode(s.Queue.FollowUpMode),
				agent.InterruptMode(s.Queue.InterruptMode),
			)
		})
	}

	c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventSessionStart, SessionID: mgr.Session().ID})
	return c, nil
}

// bindSession constructs the per-session machinery around a manager.
func (c *Controller) bindSession(mgr *session.Manager) {
	c.sessions = mgr
	c.emitter.SetSessionID(mgr.Session().ID)

	set := c.currentSettings()

	c.engine = agent.NewEngine(agent.Config{
		Provider: c.opts.Provider,
		Registry: c.registry,
		Queues:   c.queues,
		Emitter:  c.emitter,
		Sessions: mgr,
		Logger:   c.log,
		Metrics:  c.metrics,
		SystemPrompt: func() string {
			if c.opts.SystemPrompt == nil {
				return ""
			}
			return c.opts.SystemPrompt(c.registry.ActiveNames())
		},
	})

	model := set.Model
	if model == "" && len(c.opts.Models) > 0 {
		model = c.opts.Models[0]
	}
	c.engine.SetModel(model)
	c.engine.SetThinkingLevel(c.clampThinking(agent.ThinkingLevel(set.ThinkingLevel), model))

	// Restore model/thinking switches recorded in the resumed branch.
	sc := mgr.BuildSessionContext()
	if sc.Model != "" {
		c.engine.SetModel(sc.Model)
	}
	if sc.ThinkingLevel != "" {
		c.engine.SetThinkingLevel(c.clampThinking(agent.ThinkingLevel(sc.ThinkingLevel), c.engine.Model()))
	}
	c.engine.SetMessages(sc.Messages)

	c.retry = retrier.New(retrier.Config{
		MaxRetries: set.Retry.MaxRetries,
		Policy:     c.retryPolicy(set),
	}, c.emitter.Emit, c.log, c.metrics)

	c.compactor = compaction.New(c.opts.Provider, mgr, c.hooks, c.emitter.Emit, c.log, c.metrics)

	runner := shell.NewRunner(c.log, c.metrics)
	ssh := shell.NewSSHManager(runner, "", "", c.log)
	c.executor = shell.NewExecutor(runner, ssh, mgr,
		func() config.ShellSettings { return c.currentSettings().Shell },
		c.engine.IsStreaming, c.log)

	c.registry.OnActiveChange(func() {
		// The engine rebuilds the system prompt from the generation bump
		// on its next stream; nothing else to do here.
	})
}

func (c *Controller) retryPolicy(set config.Settings) backoff.Policy {
	return backoff.Policy{
		InitialMs: float64(set.Retry.BaseDelayMs),
		MaxMs:     60000,
		Factor:    2,
	}
}

func (c *Controller) currentSettings() config.Settings {
	if c.settings == nil {
		return config.Default()
	}
	return c.settings.Current()
}

func (c *Controller) clampThinking(level agent.ThinkingLevel, model string) agent.ThinkingLevel {
	caps := agent.ModelCapabilities{Reasoning: true, SupportsXHigh: true}
	if c.opts.Capabilities != nil {
		caps = c.opts.Capabilities(model)
	}
	return agent.ClampThinkingLevel(level, caps)
}

// Subscribe registers a UI listener for agent events. Listeners survive
// session switches.
func (c *Controller) Subscribe(fn agent.Listener) func() {
	return c.emitter.Subscribe(fn)
}

// Session returns the current session snapshot.
func (c *Controller) Session() models.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions.Session()
}

// IsStreaming reports whether a turn is in flight.
func (c *Controller) IsStreaming() bool {
	c.mu.Lock()
	engine := c.engine
	c.mu.Unlock()
	return engine.IsStreaming()
}

// subscribeInternal wires the stream-rule engine and the extension bus
// into the event stream.
func (c *Controller) subscribeInternal() {
	c.unsubInternal = c.emitter.Subscribe(func(ev models.AgentEvent) {
		switch ev.Type {
		case models.EventAgentStart:
			hev := c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventAgentStart, Messages: c.engine.Messages()})
			if hev.Messages != nil {
				c.engine.SetMessages(hev.Messages)
			}
		case models.EventAgentEnd:
			c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventAgentEnd})
		case models.EventTurnStart:
			c.rules.OnTurnStart()
			hev := c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventTurnStart, Messages: c.engine.Messages()})
			if hev.Messages != nil {
				c.engine.SetMessages(hev.Messages)
			}
		case models.EventTurnEnd:
			c.rules.OnTurnEnd()
			c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventTurnEnd, Entry: ev.Message})
		case models.EventSessionCompact:
			c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventSessionCompact})
		case models.EventMessageUpdate:
			if ev.Role != models.RoleAssistant {
				return
			}
			if ev.DeltaKind != models.DeltaText && ev.DeltaKind != models.DeltaToolCallArgs {
				return
			}
			if trig := c.rules.OnDelta(ev.Delta); trig != nil {
				c.onTTSRTrigger(trig)
			}
		}
	})
}

// onTTSRTrigger runs inside the engine goroutine (event dispatch is
// synchronous): it records the pending injection, announces the trigger,
// and aborts the stream. The run loop performs the reinjection.
func (c *Controller) onTTSRTrigger(trig *ttsr.Trigger) {
	c.ttsrMu.Lock()
	c.ttsrPending = append(c.ttsrPending, trig.Rules...)
	c.ttsrMu.Unlock()

	if c.metrics != nil {
		for _, r := range trig.Rules {
			c.metrics.StreamRuleTriggers.WithLabelValues(r.Name).Inc()
		}
	}
	c.emitter.Emit(models.AgentEvent{Type: models.EventTTSRTriggered, Rules: trig.Refs()})
	c.emitHook(context.Background(), &hooks.Event{Type: hooks.EventTTSRTriggered, Rules: trig.Refs()})

	c.engine.Abort()
}

func (c *Controller) takeTTSRPending() []*models.Rule {
	c.ttsrMu.Lock()
	defer c.ttsrMu.Unlock()
	pending := c.ttsrPending
	c.ttsrPending = nil
	return pending
}

func (c *Controller) emitHook(ctx context.Context, event *hooks.Event) *hooks.Event {
	if event.SessionID == "" {
		event.SessionID = c.Session().ID
	}
	if err := c.hooks.Emit(ctx, event); err != nil {
		c.log.Warn(ctx, "hook dispatch failed", "event", string(event.Type), "error", err.Error())
	}
	return event
}

// Prompt submits user input. Idle sessions start a turn; streaming
// sessions route the text to steering or follow-up per opts.
func (c *Controller) Prompt(ctx context.Context, text string, opts PromptOptions) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	engine := c.engine
	compactor := c.compactor
	c.mu.Unlock()

	if compactor.Active() {
		return ErrCompacting
	}

	if engine.IsStreaming() {
		switch opts.StreamingBehavior {
		case BehaviorFollowUp:
			return c.FollowUp(text)
		default:
			return c.Steer(text)
		}
	}

	if err := c.validateTurn(); err != nil {
		return err
	}

	c.mu.Lock()
	userID, err := c.sessions.AppendUserMessage(text, opts.Images, false)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	pending := []*models.Entry{c.sessions.GetEntry(userID)}

	// File mentions expand into their own entries after the prompt.
	for _, mention := range expandFileMentions(text, c.sessions.Session().Cwd) {
		id, err := c.sessions.AppendFileMention(mention.Path, mention.Content)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		pending = append(pending, c.sessions.GetEntry(id))
	}

	engine.SetMessages(c.sessions.BuildSessionContext().Messages)
	for _, m := range c.queues.DrainNextTurnContext() {
		engine.AppendMessage(m)
	}
	c.mu.Unlock()

	c.startRun(pending)
	return nil
}

// validateTurn checks configuration before the loop starts. Failures are
// synchronous configuration errors; they never enter the turn loop.
func (c *Controller) validateTurn() error {
	if c.opts.Provider == nil {
		return agent.ErrNoProvider
	}
	if c.engine.Model() == "" {
		return agent.ErrNoModel
	}
	if c.opts.Credentials != nil {
		key, err := c.opts.Credentials.APIKey(c.opts.Provider.Name())
		if err != nil {
			return fmt.Errorf("resolve API key: %w", err)
		}
		if key == "" {
			return fmt.Errorf("%w %q", ErrMissingAPIKey, c.opts.Provider.Name())
		}
	}
	return nil
}

// Steer queues a mid-turn steering message.
func (c *Controller) Steer(text string) error {
	if c.opts.IsExtensionCommand != nil && c.opts.IsExtensionCommand(text) {
		return ErrExtensionCommand
	}
	c.queues.Steer(agent.QueuedMessage{Text: text})
	return nil
}

// FollowUp queues a message delivered after the current turn completes.
func (c *Controller) FollowUp(text string) error {
	if c.opts.IsExtensionCommand != nil && c.opts.IsExtensionCommand(text) {
		return ErrExtensionCommand
	}
	c.queues.FollowUp(agent.QueuedMessage{Text: text})
	return nil
}

// AddNextTurnContext attaches an out-of-band message to the next prompt.
func (c *Controller) AddNextTurnContext(msg models.Message) {
	c.queues.AddNextTurnContext(msg)
}

// SendCustomMessage inserts an extension message, optionally starting a
// turn with it.
func (c *Controller) SendCustomMessage(ctx context.Context, customType, content string, opts CustomMessageOptions) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	display := opts.DeliverAs
	if display == "" {
		display = models.CustomDisplayShown
	}
	id, err := c.sessions.AppendCustomMessageEntry(customType, content, display, nil)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	entry := c.sessions.GetEntry(id)
	engine := c.engine
	c.mu.Unlock()

	if !opts.TriggerTurn {
		return nil
	}
	if engine.IsStreaming() {
		return c.Steer(content)
	}
	if err := c.validateTurn(); err != nil {
		return err
	}
	engine.SetMessages(c.sessions.BuildSessionContext().Messages)
	c.startRun([]*models.Entry{entry})
	return nil
}

// startRun launches the run loop goroutine for an already-prepared turn.
func (c *Controller) startRun(pending []*models.Entry) {
	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		c.runLoop(context.Background(), pending)
	}()
}

// runLoop drives the engine and, between runs, resolves stream-rule
// reinjection, overflow compaction, transient-error retry, and the
// post-turn compaction threshold.
func (c *Controller) runLoop(ctx context.Context, pending []*models.Entry) {
	set := c.currentSettings()

	for {
		if err := c.engine.Run(ctx, pending...); err != nil {
			c.log.Error(ctx, "turn engine failed", "error", err.Error())
			break
		}
		pending = nil

		// Stream-rule reinjection: abort already happened mid-stream; pop
		// the partial under discard mode, inject the interrupt, continue.
		if fired := c.takeTTSRPending(); len(fired) > 0 {
			time.Sleep(50 * time.Millisecond)
			if c.rules.ContextMode() == ttsr.ContextDiscard {
				c.engine.RemoveLastAssistant()
			}
			text := ttsr.BuildInterrupt(fired)
			id, err := c.sessions.AppendUserMessage(text, nil, true)
			if err != nil {
				c.log.Error(ctx, "persist stream-rule interrupt failed", "error", err.Error())
				break
			}
			c.engine.AppendMessage(models.UserText(text))
			pending = []*models.Entry{c.sessions.GetEntry(id)}
			continue
		}

		last := c.engine.LastAssistant()
		if last == nil || last.Assistant == nil {
			break
		}
		am := last.Assistant

		if am.StopReason == models.StopError {
			if compaction.IsOverflow(am) {
				if c.autoCompact(ctx, "overflow", true, set) {
					time.Sleep(100 * time.Millisecond)
					continue
				}
				break
			}
			if set.Retry.Enabled && retrier.IsTransient(am.ErrorMessage) {
				// The failed message never entered the context copy; the
				// supervisor re-drives the engine directly.
				_, err := c.retry.Retry(ctx, am.ErrorMessage, func(rctx context.Context) (*models.AssistantMessage, error) {
					if err := c.engine.Run(rctx); err != nil {
						return nil, err
					}
					if e := c.engine.LastAssistant(); e != nil {
						return e.Assistant, nil
					}
					return nil, errors.New("engine produced no message")
				})
				if err != nil {
					break
				}
				// Success: fall through to the threshold check below with
				// the fresh last message.
				if e := c.engine.LastAssistant(); e != nil && e.Assistant != nil {
					am = e.Assistant
				}
			} else {
				break
			}
		}

		if am.StopReason != models.StopError && am.StopReason != models.StopAborted {
			window := 0
			if c.opts.Provider != nil {
				window = c.opts.Provider.ContextWindow(c.engine.Model())
			}
			if compaction.ShouldCompact(am.Usage, window, set.Compaction) {
				c.autoCompact(ctx, "threshold", false, set)
			}
		}
		break
	}

	// Idle boundary: deferred bash execution records flush now.
	c.executor.FlushPending()
}

// autoCompact runs one compaction cycle with lifecycle events. Returns
// true when the engine context was rebuilt and a retry may proceed.
func (c *Controller) autoCompact(ctx context.Context, reason string, willRetry bool, set config.Settings) bool {
	c.emitter.Emit(models.AgentEvent{
		Type:       models.EventAutoCompactionStart,
		Compaction: &models.CompactionEventPayload{Reason: reason},
	})

	result, err := c.compactor.Compact(ctx, reason, "", set.Compaction, c.engine.Model())

	aborted := errors.Is(err, compaction.ErrCompactionCancelled)
	if err != nil {
		willRetry = false
		if reason == "overflow" && !aborted {
			// Overflow compaction failure is fatal for the turn; the
			// session stays usable but the error surfaces loudly.
			c.log.Error(ctx, "overflow compaction failed", "error", err.Error())
		} else {
			c.log.Warn(ctx, "compaction skipped", "reason", reason, "error", err.Error())
		}
	} else {
		// The log store owns history; rebuild the engine's copy from it.
		c.engine.SetMessages(c.sessions.BuildSessionContext().Messages)
	}

	payload := &models.CompactionEventPayload{Reason: reason, Aborted: aborted, WillRetry: willRetry && err == nil}
	if result != nil {
		payload.Summary = result.Summary
		payload.EntryID = result.EntryID
	}
	c.emitter.Emit(models.AgentEvent{Type: models.EventAutoCompactionEnd, Compaction: payload})

	return err == nil && willRetry
}

// Compact runs a manual compaction, aborting any in-flight turn first.
func (c *Controller) Compact(ctx context.Context, customInstructions string) error {
	c.Abort()
	c.WaitForIdle()

	set := c.currentSettings()
	_, err := c.compactor.Compact(ctx, "manual", customInstructions, set.Compaction, c.engine.Model())
	if err != nil {
		return err
	}
	c.engine.SetMessages(c.sessions.BuildSessionContext().Messages)
	return nil
}

// Abort cancels the in-flight turn; the partial assistant message is
// preserved and the session goes idle.
func (c *Controller) Abort() {
	c.engine.Abort()
}

// AbortCompaction cancels an in-flight compaction.
func (c *Controller) AbortCompaction() {
	c.compactor.Abort()
}

// AbortRetry cancels an in-flight retry cycle.
func (c *Controller) AbortRetry() {
	c.retry.Abort()
}

// AbortBash kills the in-flight shell execution.
func (c *Controller) AbortBash() {
	c.executor.Abort()
}

// AbortBranchSummary cancels an in-flight branch summary generation.
func (c *Controller) AbortBranchSummary() {
	c.branchSummaryMu.Lock()
	cancel := c.branchSummaryCancel
	c.branchSummaryMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// WaitForIdle blocks until the run loop, retry, and compaction settle.
func (c *Controller) WaitForIdle() {
	c.retry.WaitForRetry()
	c.runWG.Wait()
}

// Executor exposes the bash/ssh executor.
func (c *Controller) Executor() *shell.Executor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.executor
}

// Dispose flushes the log, tears down ssh state, and detaches listeners.
// The controller is unusable afterwards.
func (c *Controller) Dispose(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.mu.Unlock()

	c.engine.Abort()
	c.retry.Abort()
	c.compactor.Abort()
	c.WaitForIdle()

	c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionShutdown})

	c.executor.Dispose(ctx)
	if c.unsubInternal != nil {
		c.unsubInternal()
	}

	err := c.sessions.Flush()
	if cerr := c.sessions.Close(); err == nil {
		err = cerr
	}
	if c.index != nil {
		if ierr := c.index.Close(); err == nil {
			err = ierr
		}
	}
	return err
}
