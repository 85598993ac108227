package shell

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

func bashEntries(mgr *session.Manager) []*models.Entry {
	var out []*models.Entry
	for _, e := range mgr.GetBranch() {
		if e.Type == models.EntryBashExecution {
			out = append(out, e)
		}
	}
	return out
}

func TestExecutorRecordsExecution(t *testing.T) {
	mgr, err := session.New(session.Options{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	x := NewExecutor(NewRunner(nil, nil), nil, mgr, nil, nil, nil)

	res, err := x.RunBash(context.Background(), "echo recorded", false, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}

	entries := bashEntries(mgr)
	if len(entries) != 1 {
		t.Fatalf("bash entries = %d, want 1", len(entries))
	}
	b := entries[0].Bash
	if b.Command != "echo recorded" || b.ExitCode != 0 {
		t.Fatalf("entry = %+v", b)
	}
}

func TestExecutorDefersWhileStreaming(t *testing.T) {
	mgr, err := session.New(session.Options{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	streaming := true
	x := NewExecutor(NewRunner(nil, nil), nil, mgr, nil, func() bool { return streaming }, nil)

	if _, err := x.RunBash(context.Background(), "echo deferred", false, nil); err != nil {
		t.Fatal(err)
	}
	if n := len(bashEntries(mgr)); n != 0 {
		t.Fatalf("entry appended mid-stream: %d", n)
	}

	streaming = false
	x.FlushPending()
	entries := bashEntries(mgr)
	if len(entries) != 1 || entries[0].Bash.Command != "echo deferred" {
		t.Fatalf("flushed entries = %+v", entries)
	}
}

func TestExecutorAbort(t *testing.T) {
	mgr, err := session.New(session.Options{Cwd: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	x := NewExecutor(NewRunner(nil, nil), nil, mgr, nil, nil, nil)

	done := make(chan *Result, 1)
	go func() {
		res, err := x.RunBash(context.Background(), "sleep 30", false, nil)
		if err != nil {
			t.Error(err)
		}
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	x.Abort()

	select {
	case res := <-done:
		if !res.Cancelled {
			t.Fatal("abort must report cancelled")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("abort did not stop the command")
	}
}
