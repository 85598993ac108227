package compaction

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/haasonsaas/weft/internal/agent"
	"github.com/haasonsaas/weft/internal/config"
	"github.com/haasonsaas/weft/internal/hooks"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

// summarizerProvider returns a fixed summary for every stream.
type summarizerProvider struct {
	summary string
	fail    bool
	calls   int32
}

func (p *summarizerProvider) Name() string                   { return "fake" }
func (p *summarizerProvider) ContextWindow(model string) int { return 200000 }

func (p *summarizerProvider) Stream(ctx context.Context, req *agent.StreamRequest) (<-chan *agent.StreamEvent, error) {
	atomic.AddInt32(&p.calls, 1)
	ch := make(chan *agent.StreamEvent, 4)
	go func() {
		defer close(ch)
		if p.fail {
			ch <- &agent.StreamEvent{Err: errors.New("summarizer unavailable")}
			return
		}
		ch <- &agent.StreamEvent{TextDelta: p.summary}
		ch <- &agent.StreamEvent{Stop: &agent.StopEvent{Reason: models.StopEndTurn}}
	}()
	return ch, nil
}

func seedConversation(t *testing.T) *session.Manager {
	t.Helper()
	mgr, err := session.New(session.Options{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	mgr.AppendUserMessage("first question with plenty of words in it", nil, false)
	mgr.AppendAssistantMessage(&models.AssistantMessage{
		Content:    []models.ContentBlock{models.TextBlock("a long first answer that takes some room")},
		StopReason: models.StopEndTurn,
	})
	mgr.AppendUserMessage("second question", nil, false)
	mgr.AppendAssistantMessage(&models.AssistantMessage{
		Content:    []models.ContentBlock{models.TextBlock("second answer")},
		StopReason: models.StopEndTurn,
	})
	return mgr
}

func tinyKeep() config.CompactionSettings {
	return config.CompactionSettings{Enabled: true, ReserveTokens: 100, KeepRecentTokens: 1}
}

func TestPrepareSplitsAtUserBoundary(t *testing.T) {
	mgr := seedConversation(t)
	branch := mgr.GetBranch()

	prep := Prepare(branch, tinyKeep())
	if prep == nil {
		t.Fatal("prepare returned nil")
	}
	first := mgr.GetEntry(prep.FirstKeptEntryID)
	if first == nil || first.Type != models.EntryUserMessage {
		t.Fatalf("first kept entry = %+v, want a user message boundary", first)
	}
	if first.User.Text != "second question" {
		t.Fatalf("first kept = %q", first.User.Text)
	}
	if len(prep.SummarizeEntries) != 2 || len(prep.KeepEntries) != 2 {
		t.Fatalf("split = %d/%d, want 2/2", len(prep.SummarizeEntries), len(prep.KeepEntries))
	}
	if prep.TokensBefore <= 0 {
		t.Fatal("tokensBefore not estimated")
	}
}

func TestPrepareNilWhenTooSmall(t *testing.T) {
	mgr, _ := session.New(session.Options{Cwd: "/tmp"})
	mgr.AppendUserMessage("only one thing", nil, false)
	if prep := Prepare(mgr.GetBranch(), tinyKeep()); prep != nil {
		t.Fatalf("prepare = %+v, want nil for tiny branch", prep)
	}
}

func TestPrepareNilWhenLastEntryIsCompaction(t *testing.T) {
	mgr := seedConversation(t)
	mgr.AppendCompaction("already summarized", mgr.GetBranch()[2].ID, 100, nil, false)
	if prep := Prepare(mgr.GetBranch(), tinyKeep()); prep != nil {
		t.Fatalf("prepare = %+v, want nil right after a compaction", prep)
	}
}

func TestShouldCompactStrictThreshold(t *testing.T) {
	set := config.CompactionSettings{Enabled: true, ReserveTokens: 1000}
	window := 10000

	at := models.Usage{Input: 9000} // exactly window - reserve
	if ShouldCompact(at, window, set) {
		t.Fatal("exact threshold must not trigger (strict >)")
	}
	over := models.Usage{Input: 9001}
	if !ShouldCompact(over, window, set) {
		t.Fatal("one past threshold must trigger")
	}
	if ShouldCompact(over, window, config.CompactionSettings{Enabled: false, ReserveTokens: 1000}) {
		t.Fatal("disabled settings must not trigger")
	}
}

func TestCompactAppendsEntryAndShrinksPrefix(t *testing.T) {
	mgr := seedConversation(t)
	provider := &summarizerProvider{summary: "they discussed two questions"}
	c := New(provider, mgr, nil, nil, nil, nil)

	before := mgr.BuildSessionContext()

	res, err := c.Compact(context.Background(), "threshold", "", tinyKeep(), "fake-model")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Summary != "they discussed two questions" {
		t.Fatalf("summary = %q", res.Summary)
	}

	entry := mgr.GetEntry(res.EntryID)
	if entry == nil || entry.Type != models.EntryCompaction {
		t.Fatalf("compaction entry = %+v", entry)
	}
	if entry.Compaction.FirstKeptEntryID != res.FirstKeptEntryID {
		t.Fatal("entry/result firstKept mismatch")
	}

	after := mgr.BuildSessionContext()
	if len(after.Messages) >= len(before.Messages) {
		t.Fatalf("prefix did not shrink: %d -> %d", len(before.Messages), len(after.Messages))
	}
	if after.Messages[0].Role != models.RoleSystem {
		t.Fatal("projection must lead with the summary note")
	}

	// Kept entries are byte-identical across projections.
	keptBefore := before.Messages[len(before.Messages)-2:]
	keptAfter := after.Messages[len(after.Messages)-2:]
	for i := range keptBefore {
		if keptBefore[i].Text() != keptAfter[i].Text() {
			t.Fatalf("kept message %d changed: %q vs %q", i, keptBefore[i].Text(), keptAfter[i].Text())
		}
	}
}

func TestCompactIdempotenceSecondCallFails(t *testing.T) {
	mgr := seedConversation(t)
	provider := &summarizerProvider{summary: "summary"}
	c := New(provider, mgr, nil, nil, nil, nil)

	if _, err := c.Compact(context.Background(), "manual", "", tinyKeep(), "m"); err != nil {
		t.Fatalf("first compact: %v", err)
	}
	_, err := c.Compact(context.Background(), "manual", "", tinyKeep(), "m")
	if !errors.Is(err, ErrAlreadyCompacted) {
		t.Fatalf("second compact err = %v, want ErrAlreadyCompacted", err)
	}
}

func TestCompactSummarizerFailure(t *testing.T) {
	mgr := seedConversation(t)
	c := New(&summarizerProvider{fail: true}, mgr, nil, nil, nil, nil)

	if _, err := c.Compact(context.Background(), "threshold", "", tinyKeep(), "m"); err == nil {
		t.Fatal("want error when summarization fails")
	}
	// Branch unchanged: no compaction entry appended.
	for _, e := range mgr.GetBranch() {
		if e.Type == models.EntryCompaction {
			t.Fatal("failed compaction left an entry behind")
		}
	}
}

func TestExtensionSuppliedCompaction(t *testing.T) {
	mgr := seedConversation(t)
	provider := &summarizerProvider{summary: "llm summary"}
	reg := hooks.NewRegistry(nil)
	reg.Register(hooks.EventSessionBeforeCompact, func(ctx context.Context, ev *hooks.Event) error {
		ev.CompactionResult = &hooks.CompactionResult{Summary: "extension summary"}
		return nil
	}, "test")

	c := New(provider, mgr, reg, nil, nil, nil)
	res, err := c.Compact(context.Background(), "manual", "", tinyKeep(), "m")
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if res.Summary != "extension summary" || !res.FromExtension {
		t.Fatalf("result = %+v, want extension-supplied", res)
	}
	if atomic.LoadInt32(&provider.calls) != 0 {
		t.Fatal("extension compaction must skip the LLM")
	}
}

func TestExtensionCancelledCompaction(t *testing.T) {
	mgr := seedConversation(t)
	reg := hooks.NewRegistry(nil)
	reg.Register(hooks.EventSessionBeforeCompact, func(ctx context.Context, ev *hooks.Event) error {
		ev.Cancel = true
		return nil
	}, "test")

	c := New(&summarizerProvider{summary: "x"}, mgr, reg, nil, nil, nil)
	_, err := c.Compact(context.Background(), "manual", "", tinyKeep(), "m")
	if !errors.Is(err, ErrCompactionCancelled) {
		t.Fatalf("err = %v, want ErrCompactionCancelled", err)
	}
}

func TestIsOverflow(t *testing.T) {
	overflow := &models.AssistantMessage{StopReason: models.StopError, ErrorMessage: "prompt is too long"}
	if !IsOverflow(overflow) {
		t.Fatal("overflow not detected")
	}
	transient := &models.AssistantMessage{StopReason: models.StopError, ErrorMessage: "overloaded"}
	if IsOverflow(transient) {
		t.Fatal("transient misclassified as overflow")
	}
	ok := &models.AssistantMessage{StopReason: models.StopEndTurn}
	if IsOverflow(ok) {
		t.Fatal("successful message misclassified")
	}
}
