// Package hooks provides the synchronous extension event bus. Handlers run
// in registration order; before-events may cancel the operation or supply a
// replacement result.
package hooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/weft/pkg/models"
)

// EventType identifies the category of extension event.
type EventType string

const (
	EventAgentStart EventType = "agent_start"
	EventAgentEnd   EventType = "agent_end"
	EventTurnStart  EventType = "turn_start"
	EventTurnEnd    EventType = "turn_end"

	EventSessionBeforeSwitch  EventType = "session_before_switch"
	EventSessionSwitch        EventType = "session_switch"
	EventSessionBeforeBranch  EventType = "session_before_branch"
	EventSessionBranch        EventType = "session_branch"
	EventSessionBeforeTree    EventType = "session_before_tree"
	EventSessionTree          EventType = "session_tree"
	EventSessionBeforeCompact EventType = "session_before_compact"
	EventSessionCompact       EventType = "session_compact"
	EventSessionStart         EventType = "session_start"
	EventSessionShutdown      EventType = "session_shutdown"

	EventTTSRTriggered EventType = "ttsr_triggered"
)

// Event carries one extension event. Handlers may mutate Messages (the
// pre-LLM context transform) and, on before-events, set Cancel or a
// CompactionResult.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Entry is the subject entry, when the event concerns one.
	Entry *models.Entry `json:"entry,omitempty"`

	// Messages is the mutable pre-LLM message array on context-transform
	// capable events (agent_start, turn_start).
	Messages []models.Message `json:"messages,omitempty"`

	// TargetID is the navigation target on branch/tree/switch events.
	TargetID string `json:"target_id,omitempty"`

	// CompactionPrep is populated on session_before_compact.
	CompactionPrep *CompactionPrep `json:"compaction_prep,omitempty"`

	// Rules is set on ttsr_triggered.
	Rules []models.RuleRef `json:"rules,omitempty"`

	// Context holds additional event-specific data.
	Context map[string]any `json:"context,omitempty"`

	// Cancel set by a handler stops the operation (before-events only).
	Cancel bool `json:"-"`

	// CompactionResult set by a handler on session_before_compact replaces
	// the default LLM summarization.
	CompactionResult *CompactionResult `json:"-"`
}

// CompactionPrep describes what the compactor intends to do, handed to
// session_before_compact handlers.
type CompactionPrep struct {
	SummarizeEntries []*models.Entry `json:"summarize_entries"`
	KeepEntries      []*models.Entry `json:"keep_entries"`
	FirstKeptEntryID string          `json:"first_kept_entry_id"`
	TokensBefore     int             `json:"tokens_before"`
}

// CompactionResult is an extension-supplied compaction.
type CompactionResult struct {
	Summary          string          `json:"summary"`
	FirstKeptEntryID string          `json:"first_kept_entry_id"`
	Details          json.RawMessage `json:"details,omitempty"`
}

// Handler processes one extension event. Handlers run synchronously in
// order; an error aborts dispatch and surfaces to the caller.
type Handler func(ctx context.Context, event *Event) error
