package shell

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/weft/internal/observability"
)

// SSHManager multiplexes ssh connections through per-host control sockets
// and optionally mounts remote filesystems via sshfs. Sockets and mounts
// are process-wide; CloseAll and UnmountAll run at session disposal.
type SSHManager struct {
	runner    *Runner
	socketDir string
	mountDir  string
	log       *observability.Logger

	mu      sync.Mutex
	pending map[string]chan error // host -> in-flight connect
	open    map[string]bool       // host -> control socket established
	mounts  map[string]string     // host -> mount path
}

// NewSSHManager creates a manager. socketDir and mountDir default under
// the system temp dir when empty.
func NewSSHManager(runner *Runner, socketDir, mountDir string, log *observability.Logger) *SSHManager {
	if socketDir == "" {
		socketDir = filepath.Join(os.TempDir(), "weft-ssh")
	}
	if mountDir == "" {
		mountDir = filepath.Join(os.TempDir(), "weft-mounts")
	}
	return &SSHManager{
		runner:    runner,
		socketDir: socketDir,
		mountDir:  mountDir,
		log:       log.Or(),
		pending:   make(map[string]chan error),
		open:      make(map[string]bool),
		mounts:    make(map[string]string),
	}
}

// controlPath derives the deterministic control socket path for a host.
func (m *SSHManager) controlPath(host string) string {
	return filepath.Join(m.socketDir, sanitizeHost(host)+".sock")
}

// MountPath derives the deterministic sshfs mount path for a host.
func (m *SSHManager) MountPath(host string) string {
	return filepath.Join(m.mountDir, sanitizeHost(host))
}

func sanitizeHost(host string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.', r == '_':
			return r
		default:
			return '_'
		}
	}, host)
}

// ValidateKeyPermissions rejects private keys readable by group or world.
func ValidateKeyPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat key: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("private key %s has permissive mode %o; chmod 600 it", path, info.Mode().Perm())
	}
	return nil
}

// EnsureConnection establishes the multiplexed master connection for a
// host. It is idempotent and concurrent-safe: concurrent callers for the
// same host wait on one in-flight connect.
func (m *SSHManager) EnsureConnection(ctx context.Context, host, keyPath string) error {
	m.mu.Lock()
	if m.open[host] {
		m.mu.Unlock()
		return nil
	}
	if ch, ok := m.pending[host]; ok {
		m.mu.Unlock()
		select {
		case err := <-ch:
			// Re-deliver for any other waiter.
			select {
			case ch <- err:
			default:
			}
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	ch := make(chan error, 1)
	m.pending[host] = ch
	m.mu.Unlock()

	err := m.connect(ctx, host, keyPath)

	m.mu.Lock()
	delete(m.pending, host)
	if err == nil {
		m.open[host] = true
	}
	m.mu.Unlock()

	ch <- err
	return err
}

func (m *SSHManager) connect(ctx context.Context, host, keyPath string) error {
	if keyPath != "" {
		if err := ValidateKeyPermissions(keyPath); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(m.socketDir, 0o700); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}

	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + m.controlPath(host),
		"-o", "ControlPersist=600",
		"-o", "BatchMode=yes",
	}
	if keyPath != "" {
		args = append(args, "-i", keyPath)
	}
	args = append(args, host, "true")

	res, err := m.runner.RunArgs(ctx, "ssh", args, "ssh", Options{Timeout: 30 * time.Second})
	if err != nil {
		return fmt.Errorf("ssh master connect: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("ssh master connect to %s failed (exit %d): %s", host, res.ExitCode, res.Output)
	}
	return nil
}

// Run executes a command on host through the control socket.
func (m *SSHManager) Run(ctx context.Context, host, keyPath, command string, opts Options) (*Result, error) {
	if err := m.EnsureConnection(ctx, host, keyPath); err != nil {
		return nil, err
	}
	args := []string{
		"-o", "ControlPath=" + m.controlPath(host),
		"-o", "BatchMode=yes",
		host, command,
	}
	return m.runner.RunArgs(ctx, "ssh", args, "ssh", opts)
}

// Mount mounts the host's filesystem via sshfs, if available. Returns the
// mount path. Mounting is best effort: a missing sshfs binary is an error
// the caller may ignore.
func (m *SSHManager) Mount(ctx context.Context, host string) (string, error) {
	if _, err := exec.LookPath("sshfs"); err != nil {
		return "", fmt.Errorf("sshfs not available: %w", err)
	}

	mountPath := m.MountPath(host)
	m.mu.Lock()
	if existing, ok := m.mounts[host]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	if err := os.MkdirAll(mountPath, 0o755); err != nil {
		return "", fmt.Errorf("create mount dir: %w", err)
	}

	args := []string{
		host + ":/",
		mountPath,
		"-o", "ControlPath=" + m.controlPath(host),
	}
	res, err := m.runner.RunArgs(ctx, "sshfs", args, "ssh", Options{Timeout: 30 * time.Second})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("sshfs mount of %s failed: %s", host, res.Output)
	}

	m.mu.Lock()
	m.mounts[host] = mountPath
	m.mu.Unlock()
	return mountPath, nil
}

// UnmountAll unmounts every sshfs mount.
func (m *SSHManager) UnmountAll(ctx context.Context) {
	m.mu.Lock()
	mounts := make(map[string]string, len(m.mounts))
	for h, p := range m.mounts {
		mounts[h] = p
	}
	m.mounts = make(map[string]string)
	m.mu.Unlock()

	for host, path := range mounts {
		res, err := m.runner.RunArgs(ctx, "fusermount", []string{"-u", path}, "ssh", Options{Timeout: 10 * time.Second})
		if err != nil || res.ExitCode != 0 {
			m.log.Warn(ctx, "unmount failed", "host", host, "path", path)
		}
	}
}

// CloseAll tears down every control socket.
func (m *SSHManager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	hosts := make([]string, 0, len(m.open))
	for h := range m.open {
		hosts = append(hosts, h)
	}
	m.open = make(map[string]bool)
	m.mu.Unlock()

	for _, host := range hosts {
		args := []string{
			"-o", "ControlPath=" + m.controlPath(host),
			"-O", "exit", host,
		}
		res, err := m.runner.RunArgs(ctx, "ssh", args, "ssh", Options{Timeout: 10 * time.Second})
		if err != nil || res.ExitCode != 0 {
			m.log.Warn(ctx, "control socket close failed", "host", host)
		}
	}
}
