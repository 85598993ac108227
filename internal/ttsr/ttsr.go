// Package ttsr implements time-travel stream rules: pattern matching over
// in-progress assistant output that aborts the turn and reinjects a system
// note when a rule fires.
package ttsr

import (
	"fmt"
	"strings"
	"sync"

	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/pkg/models"
)

// RepeatMode controls how often one rule may fire.
type RepeatMode string

const (
	// RepeatOnce fires each rule at most once per session.
	RepeatOnce RepeatMode = "once"

	// RepeatAfterGap lets a rule refire once enough turns have passed
	// since its last trigger.
	RepeatAfterGap RepeatMode = "after-gap"
)

// ContextMode controls what happens to the aborted partial message.
type ContextMode string

const (
	// ContextKeep leaves the partial message in the log and context.
	ContextKeep ContextMode = "keep"

	// ContextDiscard removes the partial message from the context copy.
	ContextDiscard ContextMode = "discard"
)

// Config configures the rule engine.
type Config struct {
	RepeatMode  RepeatMode
	RepeatGap   int
	ContextMode ContextMode

	// MaxBuffer bounds the sliding match window. Default: 32768 bytes.
	MaxBuffer int
}

// Trigger reports rules that fired on one delta.
type Trigger struct {
	Rules []*models.Rule
}

// Refs returns event-facing references for the triggered rules.
func (t *Trigger) Refs() []models.RuleRef {
	refs := make([]models.RuleRef, len(t.Rules))
	for i, r := range t.Rules {
		refs[i] = models.RuleRef{Name: r.Name, Path: r.Path}
	}
	return refs
}

// Engine evaluates stream rules against assistant deltas. The buffer
// resets at each turn start; the turn counter advances at each turn end
// and drives after-gap repetition.
type Engine struct {
	mu           sync.Mutex
	rules        []*models.Rule
	buffer       strings.Builder
	injected     map[string]int // rule identity -> messageCount at last trigger
	messageCount int
	config       Config
	log          *observability.Logger
}

// NewEngine compiles the TTSR-triggering subset of rules and builds the
// engine. A rule whose pattern fails to compile or matches the empty
// string is rejected; a zero-width match would fire on every delta.
func NewEngine(rules []*models.Rule, config Config, log *observability.Logger) (*Engine, error) {
	if config.RepeatMode == "" {
		config.RepeatMode = RepeatOnce
	}
	if config.ContextMode == "" {
		config.ContextMode = ContextKeep
	}
	if config.RepeatGap <= 0 {
		config.RepeatGap = 5
	}
	if config.MaxBuffer <= 0 {
		config.MaxBuffer = 32768
	}

	var active []*models.Rule
	for _, r := range rules {
		if !r.TTSRTrigger {
			continue
		}
		if err := r.Compile(); err != nil {
			return nil, err
		}
		active = append(active, r)
	}

	return &Engine{
		rules:    active,
		injected: make(map[string]int),
		config:   config,
		log:      log.Or(),
	}, nil
}

// ContextMode returns the configured partial-message policy.
func (e *Engine) ContextMode() ContextMode {
	return e.config.ContextMode
}

// RuleCount returns the number of active rules.
func (e *Engine) RuleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.rules)
}

// OnTurnStart resets the sliding buffer for a fresh assistant message.
func (e *Engine) OnTurnStart() {
	e.mu.Lock()
	e.buffer.Reset()
	e.mu.Unlock()
}

// OnTurnEnd advances the turn counter driving after-gap repetition.
func (e *Engine) OnTurnEnd() {
	e.mu.Lock()
	e.messageCount++
	e.mu.Unlock()
}

// OnDelta appends an assistant text or tool-call-argument delta to the
// buffer and evaluates every rule. All rules newly matching on this delta
// fire together as one trigger; a nil return means nothing fired.
func (e *Engine) OnDelta(delta string) *Trigger {
	if delta == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.buffer.WriteString(delta)
	if e.buffer.Len() > e.config.MaxBuffer {
		tail := e.buffer.String()
		tail = tail[len(tail)-e.config.MaxBuffer/2:]
		e.buffer.Reset()
		e.buffer.WriteString(tail)
	}
	text := e.buffer.String()

	var fired []*models.Rule
	for _, r := range e.rules {
		if e.suppressedLocked(r) {
			continue
		}
		re, err := r.Regexp()
		if err != nil {
			continue
		}
		if re.MatchString(text) {
			e.injected[r.Identity()] = e.messageCount
			fired = append(fired, r)
		}
	}
	if len(fired) == 0 {
		return nil
	}
	return &Trigger{Rules: fired}
}

// suppressedLocked applies repeat policy to one rule.
func (e *Engine) suppressedLocked(r *models.Rule) bool {
	last, seen := e.injected[r.Identity()]
	if !seen {
		return false
	}
	switch e.config.RepeatMode {
	case RepeatAfterGap:
		return e.messageCount-last < e.config.RepeatGap
	default:
		return true
	}
}

// BuildInterrupt renders the synthetic user message injected after the
// abort: one system_interrupt block per fired rule, content verbatim.
func BuildInterrupt(rules []*models.Rule) string {
	var b strings.Builder
	for i, r := range rules {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "<system_interrupt reason=%q rule=%q path=%q>\n", "rule_violation", r.Name, r.Path)
		b.WriteString(r.Content)
		b.WriteString("\n</system_interrupt>")
	}
	return b.String()
}
