package shell

import (
	"context"
	"sync"

	"github.com/haasonsaas/weft/internal/config"
	"github.com/haasonsaas/weft/internal/observability"
	"github.com/haasonsaas/weft/internal/session"
	"github.com/haasonsaas/weft/pkg/models"
)

// Executor ties the runner and ssh manager to a session: it records bash
// executions as session entries and holds them back while a turn is
// streaming so an execution record never lands between a tool call and its
// result. Queued records flush at the next idle boundary.
type Executor struct {
	runner   *Runner
	ssh      *SSHManager
	sessions *session.Manager
	settings func() config.ShellSettings

	// streaming reports whether a turn is in flight; entries queue while
	// it returns true.
	streaming func() bool

	log *observability.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	pending []*models.BashExecution
}

// NewExecutor creates an executor bound to a session.
func NewExecutor(runner *Runner, ssh *SSHManager, sessions *session.Manager, settings func() config.ShellSettings, streaming func() bool, log *observability.Logger) *Executor {
	if settings == nil {
		def := config.Default().Shell
		settings = func() config.ShellSettings { return def }
	}
	if streaming == nil {
		streaming = func() bool { return false }
	}
	return &Executor{
		runner:    runner,
		ssh:       ssh,
		sessions:  sessions,
		settings:  settings,
		streaming: streaming,
		log:       log.Or(),
	}
}

// SSH exposes the ssh manager for connection lifecycle calls.
func (x *Executor) SSH() *SSHManager { return x.ssh }

// Abort cancels the in-flight execution, killing the process tree.
func (x *Executor) Abort() {
	x.mu.Lock()
	cancel := x.cancel
	x.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (x *Executor) options(onOutput func([]byte)) Options {
	s := x.settings()
	return Options{
		Cwd:                 x.sessions.Session().Cwd,
		Timeout:             s.DefaultTimeout,
		MaxOutputBytes:      s.MaxOutputBytes,
		SpillThresholdBytes: s.SpillThresholdBytes,
		OnOutput:            onOutput,
	}
}

// RunBash executes a local command, streaming sanitized output through
// onOutput, and records the execution as a session entry.
func (x *Executor) RunBash(ctx context.Context, command string, excludeFromContext bool, onOutput func([]byte)) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	x.mu.Lock()
	x.cancel = cancel
	x.mu.Unlock()
	defer func() {
		cancel()
		x.mu.Lock()
		x.cancel = nil
		x.mu.Unlock()
	}()

	res, err := x.runner.Run(runCtx, command, x.options(onOutput))
	if err != nil {
		return nil, err
	}
	x.record(command, res, excludeFromContext)
	return res, nil
}

// RunSSH executes a command on a remote host through the shared control
// socket and records it like a local execution.
func (x *Executor) RunSSH(ctx context.Context, host, keyPath, command string, excludeFromContext bool, onOutput func([]byte)) (*Result, error) {
	runCtx, cancel := context.WithCancel(ctx)
	x.mu.Lock()
	x.cancel = cancel
	x.mu.Unlock()
	defer func() {
		cancel()
		x.mu.Lock()
		x.cancel = nil
		x.mu.Unlock()
	}()

	res, err := x.ssh.Run(runCtx, host, keyPath, command, x.options(onOutput))
	if err != nil {
		return nil, err
	}
	x.record(host+": "+command, res, excludeFromContext)
	return res, nil
}

// record persists the execution, or defers it while a turn streams.
func (x *Executor) record(command string, res *Result, excludeFromContext bool) {
	entry := &models.BashExecution{
		Command:            command,
		Output:             res.Output,
		ExitCode:           res.ExitCode,
		Cancelled:          res.Cancelled,
		Truncated:          res.Truncated,
		FullOutputPath:     res.FullOutputPath,
		ExcludeFromContext: excludeFromContext,
	}

	if x.streaming() {
		x.mu.Lock()
		x.pending = append(x.pending, entry)
		x.mu.Unlock()
		return
	}
	x.append(entry)
}

// FlushPending appends deferred execution records. The controller calls
// this at every idle boundary.
func (x *Executor) FlushPending() {
	x.mu.Lock()
	pending := x.pending
	x.pending = nil
	x.mu.Unlock()

	for _, entry := range pending {
		x.append(entry)
	}
}

func (x *Executor) append(entry *models.BashExecution) {
	if _, err := x.sessions.AppendBashExecution(entry); err != nil {
		x.log.Error(context.Background(), "persist bash execution failed", "error", err.Error())
	}
}

// Dispose closes ssh sockets and unmounts filesystems.
func (x *Executor) Dispose(ctx context.Context) {
	if x.ssh == nil {
		return
	}
	x.ssh.UnmountAll(ctx)
	x.ssh.CloseAll(ctx)
}
