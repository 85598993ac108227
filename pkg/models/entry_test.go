package models

import "testing"

func TestEntryInContext(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		want  bool
	}{
		{"user", Entry{Type: EntryUserMessage, User: &UserMessage{Text: "x"}}, true},
		{"assistant", Entry{Type: EntryAssistantMessage, Assistant: &AssistantMessage{}}, true},
		{"tool result", Entry{Type: EntryToolResult, ToolResult: &ToolResultEntry{}}, true},
		{"file mention", Entry{Type: EntryFileMention, FileMention: &FileMention{}}, true},
		{"compaction", Entry{Type: EntryCompaction, Compaction: &Compaction{}}, true},
		{"bash included", Entry{Type: EntryBashExecution, Bash: &BashExecution{}}, true},
		{"bash excluded", Entry{Type: EntryBashExecution, Bash: &BashExecution{ExcludeFromContext: true}}, false},
		{"custom shown", Entry{Type: EntryCustomMessage, Custom: &CustomMessage{Display: CustomDisplayShown}}, true},
		{"custom context only", Entry{Type: EntryCustomMessage, Custom: &CustomMessage{Display: CustomDisplayContextOnly}}, true},
		{"custom hidden", Entry{Type: EntryCustomMessage, Custom: &CustomMessage{Display: CustomDisplayHidden}}, false},
		{"branch summary", Entry{Type: EntryBranchSummary, BranchSummary: &BranchSummary{}}, false},
		{"model change", Entry{Type: EntryModelChange, ModelChange: &ModelChange{}}, false},
		{"thinking change", Entry{Type: EntryThinkingLevelChange, ThinkingLevel: &ThinkingLevelChange{}}, false},
		{"unknown type", Entry{Type: EntryType("hologram")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.entry.InContext(); got != tt.want {
				t.Fatalf("InContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAssistantMessageAccessors(t *testing.T) {
	m := AssistantMessage{Content: []ContentBlock{
		ThinkingBlock("hmm"),
		TextBlock("Hello"),
		TextBlock(", world"),
		ToolCallBlock(ToolCall{ID: "t1", Name: "read"}),
	}}
	if got := m.Text(); got != "Hello, world" {
		t.Fatalf("Text() = %q", got)
	}
	calls := m.ToolCalls()
	if len(calls) != 1 || calls[0].ID != "t1" {
		t.Fatalf("ToolCalls() = %+v", calls)
	}
}

func TestStopReasonTerminal(t *testing.T) {
	if StopToolUse.Terminal() {
		t.Fatal("tool_use must not be terminal")
	}
	for _, s := range []StopReason{StopEndTurn, StopAborted, StopError, StopLength} {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
}

func TestUsageContextTokens(t *testing.T) {
	u := Usage{Input: 100, Output: 50, CacheRead: 20, CacheWrite: 10}
	if got := u.ContextTokens(); got != 180 {
		t.Fatalf("ContextTokens() = %d", got)
	}
}

func TestRuleCompileRejectsZeroWidth(t *testing.T) {
	r := &Rule{Name: "r", Pattern: `a?`}
	if err := r.Compile(); err == nil {
		t.Fatal("empty-matching pattern must be rejected")
	}
	ok := &Rule{Name: "r", Pattern: `secret`}
	if err := ok.Compile(); err != nil {
		t.Fatalf("valid pattern rejected: %v", err)
	}
}
