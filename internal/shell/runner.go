package shell

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/haasonsaas/weft/internal/observability"
)

// Result is the outcome of one command execution.
type Result struct {
	ExitCode  int
	Cancelled bool

	// Output is the sanitized tail retained in memory.
	Output string

	// Truncated reports that earlier output fell out of the ring; the
	// spill file has all of it.
	Truncated bool

	// FullOutputPath points at the spill file, when one was created.
	FullOutputPath string
}

// Options configures one execution.
type Options struct {
	// Cwd is the working directory; empty inherits the process cwd.
	Cwd string

	// Timeout bounds the run; expiry kills the process tree and returns
	// Cancelled=true with a note appended to the output.
	Timeout time.Duration

	// MaxOutputBytes caps the in-memory tail. Default: 65536.
	MaxOutputBytes int

	// SpillThresholdBytes is total output beyond which a spill file is
	// created. <= 0 disables spilling.
	SpillThresholdBytes int

	// SpillDir is where spill files go; empty uses the OS temp dir.
	SpillDir string

	// OnOutput, when set, receives each sanitized chunk as it streams.
	OnOutput func([]byte)
}

// Runner executes shell commands with sanitized, bounded, spillable
// output. It is safe for concurrent use.
type Runner struct {
	log     *observability.Logger
	metrics *observability.Metrics
}

// NewRunner creates a runner.
func NewRunner(log *observability.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{log: log.Or(), metrics: metrics}
}

// Run executes command via bash -c. Cancellation of ctx kills the process
// tree; the partial output collected so far is returned.
func (r *Runner) Run(ctx context.Context, command string, opts Options) (*Result, error) {
	return r.run(ctx, "bash", []string{"-c", command}, "bash", opts)
}

// RunArgs executes an explicit argv. Used by the ssh executor.
func (r *Runner) RunArgs(ctx context.Context, name string, args []string, kind string, opts Options) (*Result, error) {
	return r.run(ctx, name, args, kind, opts)
}

func (r *Runner) run(ctx context.Context, name string, args []string, kind string, opts Options) (*Result, error) {
	runCtx := ctx
	var cancel context.CancelFunc
	timedOut := false
	if opts.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	buf := newOutputBuffer(opts.MaxOutputBytes, opts.SpillThresholdBytes, opts.SpillDir)

	cmd := exec.Command(name, args...)
	cmd.Dir = opts.Cwd
	// A fresh process group so cancellation kills the whole tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	done := make(chan struct{})
	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		chunk := make([]byte, 32*1024)
		for {
			n, err := stdout.Read(chunk)
			if n > 0 {
				clean := Sanitize(chunk[:n])
				if len(clean) > 0 {
					buf.Write(clean) //nolint:errcheck // never fails
					if opts.OnOutput != nil {
						opts.OnOutput(clean)
					}
				}
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		select {
		case <-runCtx.Done():
			killTree(cmd)
		case <-done:
		}
	}()

	readerWG.Wait()
	err = cmd.Wait()
	close(done)

	cancelled := runCtx.Err() != nil
	if opts.Timeout > 0 && runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		timedOut = true
	}

	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else if !cancelled {
			return nil, fmt.Errorf("wait %s: %w", name, err)
		}
		if exitCode < 0 {
			exitCode = -1
		}
	}

	if timedOut {
		note := fmt.Sprintf("\n[command timed out after %s]", opts.Timeout)
		buf.Write([]byte(note)) //nolint:errcheck // never fails
	}

	output, truncated := buf.Tail()
	res := &Result{
		ExitCode:       exitCode,
		Cancelled:      cancelled,
		Output:         output,
		Truncated:      truncated,
		FullOutputPath: buf.SpillPath(),
	}

	if r.metrics != nil {
		status := "ok"
		switch {
		case cancelled:
			status = "cancelled"
		case exitCode != 0:
			status = "error"
		}
		r.metrics.BashExecutions.WithLabelValues(kind, status).Inc()
	}
	return res, nil
}

// killTree kills the process group rooted at cmd.
func killTree(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(cmd.Process.Pid)
	if err != nil || pgid <= 0 {
		cmd.Process.Kill() //nolint:errcheck // best effort
		return
	}
	syscall.Kill(-pgid, syscall.SIGKILL) //nolint:errcheck // best effort
}
