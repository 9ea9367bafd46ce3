package broker

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// PtyHandle is the uniform capability exposed by either a host PTY or a
// demultiplexed container-exec stream. Implementations must deliver bytes
// in emission order, treat a single Write call as atomic with respect to
// other callers, and silently drop writes after Kill/OnExit rather than
// erroring.
type PtyHandle interface {
	io.Reader
	Write(p []byte) error
	Resize(cols, rows int) error
	Kill()
	// OnExit registers fn to be invoked exactly once, with the process's
	// exit code, when the underlying shell or exec stream terminates.
	OnExit(fn func(code int))
}

// PtySpawner forks a local shell behind a PTY satisfying the PtyHandle
// contract (verbatim write atomicity, escalating Kill).
type PtySpawner interface {
	Spawn(opts SpawnOptions) (PtyHandle, error)
}

// SpawnOptions parametrizes a HostPty spawn.
type SpawnOptions struct {
	WorkingDir string
	Env        map[string]string
	Cols, Rows int
}

// HostPtySpawner is the default PtySpawner, launching powershell.exe on
// Windows and, elsewhere, the shell named by $SHELL (/bin/bash only when
// SHELL is unset) behind a real pseudo-terminal via creack/pty.
type HostPtySpawner struct {
	// Grace is how long Kill waits after SIGTERM before escalating to
	// SIGKILL. Zero uses the PTY_GRACE default (5s).
	Grace time.Duration
}

func (sp HostPtySpawner) Spawn(opts SpawnOptions) (PtyHandle, error) {
	grace := sp.Grace
	if grace == 0 {
		grace = 5 * time.Second
	}
	return newHostPty(opts, grace)
}

func resolveShell() string {
	if runtime.GOOS == "windows" {
		return "powershell.exe"
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

// HostPty spawns a shell behind a pseudo-terminal via github.com/creack/pty.
type HostPty struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu       sync.Mutex
	writeMu  sync.Mutex
	killed   bool
	exitCode int
	exited   bool
	onExit   func(code int)
	exitOnce sync.Once

	grace time.Duration
}

func newHostPty(opts SpawnOptions, grace time.Duration) (*HostPty, error) {
	cols, rows := opts.Cols, opts.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	workDir := opts.WorkingDir
	if workDir == "" {
		workDir = os.Getenv("HOME")
	}

	cmd := exec.Command(resolveShell())
	cmd.Dir = workDir
	env := append([]string{}, os.Environ()...)
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	env = append(env, "TERM=xterm-256color", "COLORTERM=truecolor")
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, fmt.Errorf("start pty: %w", err)
	}

	h := &HostPty{
		cmd:   cmd,
		ptmx:  ptmx,
		grace: grace,
	}
	go h.waitLoop()
	return h, nil
}

func (h *HostPty) Read(p []byte) (int, error) {
	return h.ptmx.Read(p)
}

// Write is atomic per call: writeMu serializes callers, so concurrent
// writes never interleave mid-buffer.
func (h *HostPty) Write(p []byte) error {
	h.mu.Lock()
	dropped := h.exited || h.killed
	h.mu.Unlock()
	if dropped {
		return nil
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	_, err := h.ptmx.Write(p)
	return err
}

func (h *HostPty) Resize(cols, rows int) error {
	return pty.Setsize(h.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

// Kill sends SIGTERM, escalating to SIGKILL if the process has not exited
// within the grace period.
func (h *HostPty) Kill() {
	h.mu.Lock()
	if h.killed {
		h.mu.Unlock()
		return
	}
	h.killed = true
	proc := h.cmd.Process
	h.mu.Unlock()

	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)

	timer := time.NewTimer(h.grace)
	defer timer.Stop()
	select {
	case <-timer.C:
		h.mu.Lock()
		exited := h.exited
		h.mu.Unlock()
		if !exited {
			_ = proc.Kill()
		}
	case <-h.waitExited():
	}
}

// waitExited returns a channel closed once the process has been observed
// to exit, so Kill's grace-period select can return early.
func (h *HostPty) waitExited() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for {
			h.mu.Lock()
			exited := h.exited
			h.mu.Unlock()
			if exited {
				close(ch)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()
	return ch
}

func (h *HostPty) OnExit(fn func(code int)) {
	h.mu.Lock()
	exited := h.exited
	code := h.exitCode
	if !exited {
		h.onExit = fn
	}
	h.mu.Unlock()
	if exited {
		fn(code)
	}
}

func (h *HostPty) waitLoop() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	_ = h.ptmx.Close()

	h.mu.Lock()
	h.exited = true
	h.exitCode = code
	fn := h.onExit
	h.mu.Unlock()

	h.exitOnce.Do(func() {
		if fn != nil {
			fn(code)
		}
	})
}
