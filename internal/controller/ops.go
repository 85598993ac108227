package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/weft/internal/agent"
	"github.com/haasonsaas/weft/internal/hooks"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

// ErrCancelledByHook indicates a before-event handler cancelled the
// operation.
var ErrCancelledByHook = errors.New("cancelled by extension")

// SetModel switches the model and records the change in the branch.
func (c *Controller) SetModel(model string) error {
	c.engine.SetModel(model)
	c.engine.SetThinkingLevel(c.clampThinking(c.engine.ThinkingLevel(), model))
	c.mu.Lock()
	c.tempModel = false
	c.mu.Unlock()
	provider := ""
	if c.opts.Provider != nil {
		provider = c.opts.Provider.Name()
	}
	_, err := c.sessions.AppendModelChange(provider, model)
	return err
}

// SetModelTemporary switches the model without recording a branch entry;
// the switch lasts until the next SetModel or session switch.
func (c *Controller) SetModelTemporary(model string) {
	c.engine.SetModel(model)
	c.engine.SetThinkingLevel(c.clampThinking(c.engine.ThinkingLevel(), model))
	c.mu.Lock()
	c.tempModel = true
	c.mu.Unlock()
}

// CycleModel moves to the next (dir > 0) or previous (dir < 0) model in
// the configured order.
func (c *Controller) CycleModel(dir int) error {
	if len(c.opts.Models) == 0 {
		return agent.ErrNoModel
	}
	current := c.engine.Model()
	at := 0
	for i, m := range c.opts.Models {
		if m == current {
			at = i
			break
		}
	}
	step := 1
	if dir < 0 {
		step = -1
	}
	next := (at + step + len(c.opts.Models)) % len(c.opts.Models)
	return c.SetModel(c.opts.Models[next])
}

// CycleRoleModels applies the given model order front-to-back: the first
// becomes active and the order rotates for the next call. With temporary
// set, no branch entry is recorded.
func (c *Controller) CycleRoleModels(order []string, temporary bool) error {
	if len(order) == 0 {
		return agent.ErrNoModel
	}
	current := c.engine.Model()
	next := order[0]
	for i, m := range order {
		if m == current {
			next = order[(i+1)%len(order)]
			break
		}
	}
	if temporary {
		c.SetModelTemporary(next)
		return nil
	}
	return c.SetModel(next)
}

// SetThinkingLevel sets the reasoning depth, clamped to what the current
// model supports, and records the change.
func (c *Controller) SetThinkingLevel(level string) error {
	clamped := c.clampThinking(agent.ThinkingLevel(level), c.engine.Model())
	c.engine.SetThinkingLevel(clamped)
	_, err := c.sessions.AppendThinkingLevelChange(string(clamped))
	return err
}

// CycleThinkingLevel advances to the next level in the ladder, clamped to
// the model's capabilities.
func (c *Controller) CycleThinkingLevel() error {
	next := agent.NextThinkingLevel(c.engine.ThinkingLevel())
	return c.SetThinkingLevel(string(next))
}

// SetActiveToolsByName replaces the active tool set; the system prompt is
// rebuilt for the next turn.
func (c *Controller) SetActiveToolsByName(names []string) error {
	return c.registry.SetActiveByName(names)
}

// ExportToHTML converts the session file via the configured exporter.
func (c *Controller) ExportToHTML(outputPath string) error {
	if c.opts.ExportHTML == nil {
		return ErrNoExporter
	}
	sess := c.Session()
	if sess.File == "" {
		return session.ErrNoSession
	}
	if err := c.sessions.Flush(); err != nil {
		return err
	}
	if outputPath == "" {
		outputPath = strings.TrimSuffix(sess.File, ".jsonl") + ".html"
	}
	return c.opts.ExportHTML(sess.File, outputPath)
}

// pause detaches the internal subscription and aborts the engine so state
// can be swapped; resume resubscribes. User listeners stay attached.
func (c *Controller) pause() {
	if c.unsubInternal != nil {
		c.unsubInternal()
		c.unsubInternal = nil
	}
	c.engine.Abort()
	c.retry.Abort()
	c.compactor.Abort()
	c.WaitForIdle()
}

func (c *Controller) resume() {
	c.subscribeInternal()
}

// NewSession flushes the current session and starts a fresh one in the
// same working directory.
func (c *Controller) NewSession(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	c.mu.Unlock()

	c.pause()
	defer c.resume()

	if err := c.sessions.Flush(); err != nil {
		return err
	}
	if err := c.sessions.Close(); err != nil {
		return err
	}

	mgr, err := session.New(session.Options{DataDir: c.opts.DataDir, Cwd: c.opts.Cwd, Index: c.index})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.bindSession(mgr)
	c.mu.Unlock()

	c.queues.Clear()
	c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionStart, SessionID: mgr.Session().ID})
	return nil
}

// SwitchSession loads the session at path. Switching to the current path
// is a no-op. session_before_switch handlers may cancel.
func (c *Controller) SwitchSession(ctx context.Context, path string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	current := c.sessions.Session().File
	c.mu.Unlock()

	if path == current {
		return nil
	}

	event := c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionBeforeSwitch, TargetID: path})
	if event.Cancel {
		return ErrCancelledByHook
	}

	c.pause()
	defer c.resume()

	if err := c.sessions.Flush(); err != nil {
		return err
	}
	if err := c.sessions.Close(); err != nil {
		return err
	}

	mgr, err := session.Resume(path, session.Options{Cwd: c.opts.Cwd, Index: c.index})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.bindSession(mgr)
	c.mu.Unlock()

	c.queues.Clear()
	c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionSwitch, SessionID: mgr.Session().ID, TargetID: path})
	return nil
}

// Branch navigates the leaf to the parent of entryID so the next prompt
// replaces that entry; siblings stay reachable. session_before_branch
// handlers may cancel.
func (c *Controller) Branch(ctx context.Context, entryID string) error {
	entry := c.sessions.GetEntry(entryID)
	if entry == nil {
		return fmt.Errorf("branch target %s not found", entryID)
	}

	event := c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionBeforeBranch, TargetID: entryID, Entry: entry})
	if event.Cancel {
		return ErrCancelledByHook
	}

	c.pause()
	defer c.resume()

	if entry.ParentID == "" {
		c.sessions.ResetLeaf()
	} else if err := c.sessions.Branch(entry.ParentID); err != nil {
		return err
	}
	c.engine.SetMessages(c.sessions.BuildSessionContext().Messages)

	c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionBranch, TargetID: entryID})
	return nil
}

// NavigateTreeOptions configures NavigateTree.
type NavigateTreeOptions struct {
	// Summarize generates a branch summary of the abandoned branch via the
	// LLM and records it at the target.
	Summarize bool

	// CustomInstructions steer the summary generation.
	CustomInstructions string
}

// NavigateTree moves the leaf to an arbitrary entry in the tree,
// optionally recording a summary of what the abandoned branch did.
// session_before_tree handlers may cancel.
func (c *Controller) NavigateTree(ctx context.Context, targetID string, opts NavigateTreeOptions) error {
	if c.sessions.GetEntry(targetID) == nil {
		return fmt.Errorf("navigation target %s not found", targetID)
	}

	event := c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionBeforeTree, TargetID: targetID})
	if event.Cancel {
		return ErrCancelledByHook
	}

	c.pause()
	defer c.resume()

	summary := ""
	if opts.Summarize {
		var err error
		summary, err = c.summarizeAbandonedBranch(ctx, targetID, opts.CustomInstructions)
		if err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn(ctx, "branch summary generation failed", "error", err.Error())
		}
	}

	if _, err := c.sessions.BranchWithSummary(targetID, summary, nil, false); err != nil {
		return err
	}
	c.engine.SetMessages(c.sessions.BuildSessionContext().Messages)

	c.emitHook(ctx, &hooks.Event{Type: hooks.EventSessionTree, TargetID: targetID})
	return nil
}

// summarizeAbandonedBranch asks the model what the branch being abandoned
// did, from the divergence point to the current leaf.
func (c *Controller) summarizeAbandonedBranch(ctx context.Context, targetID, customInstructions string) (string, error) {
	sumCtx, cancel := context.WithCancel(ctx)
	c.branchSummaryMu.Lock()
	c.branchSummaryCancel = cancel
	c.branchSummaryMu.Unlock()
	defer func() {
		cancel()
		c.branchSummaryMu.Lock()
		c.branchSummaryCancel = nil
		c.branchSummaryMu.Unlock()
	}()

	// Entries on the current branch past the last one it shares with the
	// target's branch are being abandoned.
	onTarget := make(map[string]bool)
	for _, e := range c.sessions.Store().BranchTo(targetID) {
		onTarget[e.ID] = true
	}
	branch := c.sessions.GetBranch()
	var abandoned []*models.Entry
	seen := false
	for _, e := range branch {
		if seen {
			abandoned = append(abandoned, e)
		}
		if onTarget[e.ID] {
			seen = true
			abandoned = nil
		}
	}
	if len(abandoned) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, e := range abandoned {
		switch e.Type {
		case models.EntryUserMessage:
			if e.User != nil {
				b.WriteString("user: " + e.User.Text + "\n")
			}
		case models.EntryAssistantMessage:
			if e.Assistant != nil {
				b.WriteString("assistant: " + e.Assistant.Text() + "\n")
			}
		}
	}

	prompt := "Summarize in a short paragraph what this abandoned conversation branch attempted and how it ended."
	if customInstructions != "" {
		prompt += " " + customInstructions
	}

	req := &agent.StreamRequest{
		Model:     c.engine.Model(),
		System:    prompt,
		Messages:  []models.Message{models.UserText(b.String())},
		MaxTokens: 1024,
	}
	ch, err := c.opts.Provider.Stream(sumCtx, req)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for ev := range ch {
		if ev.TextDelta != "" {
			out.WriteString(ev.TextDelta)
		}
		if ev.Err != nil {
			return "", ev.Err
		}
	}
	return strings.TrimSpace(out.String()), nil
}
