package agent

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

// fakeProvider plays back scripted responses, one per Stream call.
type fakeProvider struct {
	mu        sync.Mutex
	responses [][]*StreamEvent
	call      int32

	// blockCall, when >= 0, makes that call block after its scripted
	// events until the context is cancelled.
	blockCall int

	// trickleCall, when >= 0, makes that call keep emitting filler text
	// deltas after its scripted events until the context is cancelled.
	trickleCall int

	requests []*StreamRequest
}

func newFakeProvider(responses ...[]*StreamEvent) *fakeProvider {
	return &fakeProvider{responses: responses, blockCall: -1, trickleCall: -1}
}

func (p *fakeProvider) Name() string                   { return "fake" }
func (p *fakeProvider) ContextWindow(model string) int { return 200000 }

func (p *fakeProvider) Stream(ctx context.Context, req *StreamRequest) (<-chan *StreamEvent, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	blockCall := p.blockCall
	trickleCall := p.trickleCall
	p.mu.Unlock()

	call := int(atomic.AddInt32(&p.call, 1)) - 1
	ch := make(chan *StreamEvent, 16)
	go func() {
		defer close(ch)
		p.mu.Lock()
		var events []*StreamEvent
		if call < len(p.responses) {
			events = p.responses[call]
		}
		p.mu.Unlock()

		for _, ev := range events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		switch call {
		case blockCall:
			<-ctx.Done()
		case trickleCall:
			for {
				select {
				case ch <- &StreamEvent{TextDelta: " more"}:
					time.Sleep(time.Millisecond)
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return ch, nil
}

func textResponse(text ...string) []*StreamEvent {
	var evs []*StreamEvent
	for _, t := range text {
		evs = append(evs, &StreamEvent{TextDelta: t})
	}
	evs = append(evs,
		&StreamEvent{Usage: &models.Usage{Input: 10, Output: 5}},
		&StreamEvent{Stop: &StopEvent{Reason: models.StopEndTurn}},
	)
	return evs
}

func toolUseResponse(callID, name, args string) []*StreamEvent {
	return []*StreamEvent{
		{ToolCallStart: &models.ToolCall{ID: callID, Name: name}},
		{ToolCallDelta: &ToolCallDelta{ToolCallID: callID, ArgsDelta: args}},
		{Usage: &models.Usage{Input: 10, Output: 5}},
		{Stop: &StopEvent{Reason: models.StopToolUse}},
	}
}

// echoTool returns its "text" param.
type echoTool struct{}

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes text" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (echoTool) Execute(ctx context.Context, id string, params json.RawMessage, onUpdate func(*models.ToolResultEntry), tctx ToolContext) (*models.ToolResultEntry, error) {
	var in struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(params, &in); err != nil {
		return nil, err
	}
	return &models.ToolResultEntry{
		Content: []models.ToolContent{models.TextContent(in.Text)},
	}, nil
}

type testRig struct {
	engine   *Engine
	sessions *session.Manager
	provider *fakeProvider
	events   *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.AgentEvent
}

func (r *eventRecorder) listen(ev models.AgentEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) types() []models.AgentEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.AgentEventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

func (r *eventRecorder) count(t models.AgentEventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newRig(t *testing.T, provider *fakeProvider) *testRig {
	t.Helper()
	mgr, err := session.New(session.Options{Cwd: "/tmp"})
	if err != nil {
		t.Fatal(err)
	}
	registry := NewRegistry()
	if err := registry.Register(echoTool{}); err != nil {
		t.Fatal(err)
	}

	rec := &eventRecorder{}
	emitter := NewEmitter("test-session")
	emitter.Subscribe(rec.listen)

	engine := NewEngine(Config{
		Provider: provider,
		Registry: registry,
		Emitter:  emitter,
		Sessions: mgr,
	})
	engine.SetModel("fake-model")
	return &testRig{engine: engine, sessions: mgr, provider: provider, events: rec}
}

// prompt persists a user entry and runs the engine the way the controller
// does.
func (rig *testRig) prompt(t *testing.T, text string) {
	t.Helper()
	id, err := rig.sessions.AppendUserMessage(text, nil, false)
	if err != nil {
		t.Fatal(err)
	}
	rig.engine.SetMessages(rig.sessions.BuildSessionContext().Messages)
	if err := rig.engine.Run(context.Background(), rig.sessions.GetEntry(id)); err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestHappyPathEventOrder(t *testing.T) {
	rig := newRig(t, newFakeProvider(
		textResponse("Hello", ", world"),
	))

	rig.prompt(t, "Print 'hello'")

	want := []models.AgentEventType{
		models.EventAgentStart,
		models.EventTurnStart,
		models.EventMessageStart, // user
		models.EventMessageEnd,   // user
		models.EventMessageStart, // assistant
		models.EventMessageUpdate,
		models.EventMessageUpdate,
		models.EventMessageEnd, // assistant
		models.EventTurnEnd,
		models.EventAgentEnd,
	}
	got := rig.events.types()
	if len(got) != len(want) {
		t.Fatalf("event count = %d, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %s, want %s (all: %v)", i, got[i], want[i], got)
		}
	}

	branch := rig.sessions.GetBranch()
	if len(branch) != 2 {
		t.Fatalf("branch length = %d, want user+assistant", len(branch))
	}
	if branch[1].Assistant.Text() != "Hello, world" {
		t.Fatalf("assistant text = %q", branch[1].Assistant.Text())
	}
	if branch[1].Assistant.StopReason != models.StopEndTurn {
		t.Fatalf("stop reason = %s", branch[1].Assistant.StopReason)
	}
}

func TestToolLoopBranchShape(t *testing.T) {
	rig := newRig(t, newFakeProvider(
		toolUseResponse("tc-1", "echo", `{"text":"abc"}`),
		textResponse("The file says: abc"),
	))

	rig.prompt(t, "read foo.txt")

	branch := rig.sessions.GetBranch()
	if len(branch) != 4 {
		t.Fatalf("branch length = %d, want User/Assistant/ToolResult/Assistant", len(branch))
	}
	wantTypes := []models.EntryType{
		models.EntryUserMessage,
		models.EntryAssistantMessage,
		models.EntryToolResult,
		models.EntryAssistantMessage,
	}
	for i, wt := range wantTypes {
		if branch[i].Type != wt {
			t.Fatalf("branch[%d] type = %s, want %s", i, branch[i].Type, wt)
		}
	}

	tr := branch[2].ToolResult
	if tr.ToolCallID != "tc-1" || tr.IsError {
		t.Fatalf("tool result = %+v", tr)
	}
	if got := tr.Content[0].Text; got != "abc" {
		t.Fatalf("tool result text = %q", got)
	}
	if got := branch[3].Assistant.Text(); got != "The file says: abc" {
		t.Fatalf("final assistant = %q", got)
	}

	// Every tool call in the completed turn has exactly one result.
	if rig.events.count(models.EventToolCallStart) != 1 || rig.events.count(models.EventToolCallEnd) != 1 {
		t.Fatalf("tool events: %v", rig.events.types())
	}
}

func TestToolArgsValidation(t *testing.T) {
	rig := newRig(t, newFakeProvider(
		toolUseResponse("tc-1", "echo", `{"wrong":"field"}`),
		textResponse("ok"),
	))

	rig.prompt(t, "go")

	branch := rig.sessions.GetBranch()
	tr := branch[2].ToolResult
	if !tr.IsError {
		t.Fatal("schema-invalid args must produce an error result")
	}
}

func TestUnknownToolProducesErrorResult(t *testing.T) {
	rig := newRig(t, newFakeProvider(
		toolUseResponse("tc-1", "no_such_tool", `{}`),
		textResponse("ok"),
	))

	rig.prompt(t, "go")

	branch := rig.sessions.GetBranch()
	if !branch[2].ToolResult.IsError {
		t.Fatal("unknown tool must produce an error result, not a crash")
	}
}

func TestSteeringImmediateInterrupt(t *testing.T) {
	provider := newFakeProvider(
		[]*StreamEvent{{TextDelta: "long answer part one"}},
		textResponse("en français"),
	)
	provider.trickleCall = 0
	rig := newRig(t, provider)
	rig.engine.Queues().SetModes(SteeringOneAtATime, "", InterruptImmediate)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.prompt(t, "write a long story")
	}()

	// Wait for the first delta to arrive, then steer.
	deadline := time.After(5 * time.Second)
	for rig.events.count(models.EventMessageUpdate) == 0 {
		select {
		case <-deadline:
			t.Fatal("no delta arrived")
		case <-time.After(time.Millisecond):
		}
	}
	rig.engine.Queues().Steer(QueuedMessage{Text: "actually, in French"})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("run did not finish after steering")
	}

	branch := rig.sessions.GetBranch()
	// user, aborted assistant, steering user, final assistant
	if len(branch) != 4 {
		t.Fatalf("branch length = %d: %+v", len(branch), branch)
	}
	if branch[1].Assistant.StopReason != models.StopAborted {
		t.Fatalf("partial stop reason = %s, want aborted", branch[1].Assistant.StopReason)
	}
	if branch[2].User == nil || branch[2].User.Text != "actually, in French" {
		t.Fatalf("steer entry = %+v", branch[2])
	}
	if branch[3].Assistant.Text() != "en français" {
		t.Fatalf("final assistant = %q", branch[3].Assistant.Text())
	}
}

func TestAbortPreservesPartialMessage(t *testing.T) {
	provider := newFakeProvider([]*StreamEvent{{TextDelta: "partial"}})
	provider.blockCall = 0
	rig := newRig(t, provider)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.prompt(t, "go")
	}()

	deadline := time.After(5 * time.Second)
	for rig.events.count(models.EventMessageUpdate) == 0 {
		select {
		case <-deadline:
			t.Fatal("no delta arrived")
		case <-time.After(time.Millisecond):
		}
	}
	rig.engine.Abort()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("abort did not complete in bounded time")
	}

	branch := rig.sessions.GetBranch()
	last := branch[len(branch)-1]
	if last.Assistant == nil || last.Assistant.StopReason != models.StopAborted {
		t.Fatalf("last entry = %+v, want aborted assistant", last)
	}
	if last.Assistant.Text() != "partial" {
		t.Fatalf("partial text = %q", last.Assistant.Text())
	}
	if rig.engine.IsStreaming() {
		t.Fatal("engine still streaming after abort")
	}
}

func TestErrorMessageExcludedFromContext(t *testing.T) {
	rig := newRig(t, newFakeProvider(
		[]*StreamEvent{{Err: errAny("overloaded: try again")}},
	))

	rig.prompt(t, "go")

	// The log keeps the error message.
	branch := rig.sessions.GetBranch()
	last := branch[len(branch)-1]
	if last.Assistant.StopReason != models.StopError || last.Assistant.ErrorMessage == "" {
		t.Fatalf("error entry = %+v", last.Assistant)
	}
	// The engine context copy does not.
	for _, m := range rig.engine.Messages() {
		if m.Role == models.RoleAssistant {
			t.Fatal("error-terminated assistant entered the context copy")
		}
	}
}

func TestFollowUpRunsBeforeIdle(t *testing.T) {
	rig := newRig(t, newFakeProvider(
		textResponse("first answer"),
		textResponse("second answer"),
	))
	rig.engine.Queues().FollowUp(QueuedMessage{Text: "and another thing"})

	rig.prompt(t, "question")

	branch := rig.sessions.GetBranch()
	if len(branch) != 4 {
		t.Fatalf("branch length = %d, want both exchanges", len(branch))
	}
	if branch[2].User.Text != "and another thing" {
		t.Fatalf("follow-up entry = %+v", branch[2])
	}
	// One agent lifecycle spans both exchanges.
	if rig.events.count(models.EventAgentStart) != 1 || rig.events.count(models.EventAgentEnd) != 1 {
		t.Fatalf("agent events: start=%d end=%d", rig.events.count(models.EventAgentStart), rig.events.count(models.EventAgentEnd))
	}
}

func TestSteeringOneAtATimeDrainsRestToFollowUp(t *testing.T) {
	q := NewQueues()
	q.Steer(QueuedMessage{Text: "one"})
	q.Steer(QueuedMessage{Text: "two"})
	q.Steer(QueuedMessage{Text: "three"})

	got := q.DrainSteering()
	if len(got) != 1 || got[0].Text != "one" {
		t.Fatalf("drained = %+v, want just the first", got)
	}
	if s, f := q.Counts(); s != 0 || f != 2 {
		t.Fatalf("counts = %d/%d, want rest moved to follow-up", s, f)
	}
}

func TestSingleTurnInFlight(t *testing.T) {
	provider := newFakeProvider([]*StreamEvent{{TextDelta: "x"}})
	provider.blockCall = 0
	rig := newRig(t, provider)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rig.prompt(t, "go")
	}()

	deadline := time.After(5 * time.Second)
	for !rig.engine.IsStreaming() {
		select {
		case <-deadline:
			t.Fatal("engine never started streaming")
		case <-time.After(time.Millisecond):
		}
	}
	if err := rig.engine.Run(context.Background()); err != ErrTurnInFlight {
		t.Fatalf("second Run = %v, want ErrTurnInFlight", err)
	}

	rig.engine.Abort()
	<-done
}

// errAny adapts a string into an error for stream scripting.
type errAny string

func (e errAny) Error() string { return string(e) }
