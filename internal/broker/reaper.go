package broker

import (
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"sessiond/internal/logging"
)

// pidHaver is implemented by PtyHandle variants that run as a local OS
// process, letting the CWD refresh query its real working directory.
// ContainerPty does not run locally and so does not implement this; its
// sessions simply never get a CWD refresh — that refresh is best-effort.
type pidHaver interface {
	Pid() int
}

// Pid exposes the underlying process id so refreshCWD can query it.
func (h *HostPty) Pid() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

// refreshCWD queries the OS for the real working directory of pty's
// backing process and, if it differs from the session's stored
// workingDir, updates it and emits session_updated: POSIX via
// /proc/{pid}/cwd, Darwin via `lsof -p {pid} -a -d cwd`.
func (b *SessionBroker) refreshCWD(s *Session, pty PtyHandle) {
	haver, ok := pty.(pidHaver)
	if !ok {
		return
	}
	pid := haver.Pid()
	if pid == 0 {
		return
	}

	cwd, err := realCWD(pid)
	if err != nil || cwd == "" {
		return
	}

	s.mu.Lock()
	if s.workingDir == cwd {
		s.mu.Unlock()
		return
	}
	s.workingDir = cwd
	info := s.infoLocked()
	s.mu.Unlock()

	s.subs.broadcast(Event{Type: EventSessionUpdated, SessionID: s.id, UserID: s.userID, Session: &info, At: time.Now()})
	b.emitList(Event{Type: EventSessionUpdated, SessionID: s.id, UserID: s.userID, Session: &info, At: time.Now()})
}

func realCWD(pid int) (string, error) {
	if runtime.GOOS == "darwin" {
		out, err := exec.Command("lsof", "-p", strconv.Itoa(pid), "-a", "-d", "cwd", "-Fn").Output()
		if err != nil {
			return "", err
		}
		for _, line := range strings.Split(string(out), "\n") {
			if strings.HasPrefix(line, "n") {
				return line[1:], nil
			}
		}
		return "", nil
	}
	return os.Readlink("/proc/" + strconv.Itoa(pid) + "/cwd")
}

// StartMaintenance launches two periodic maintenance passes: a reap pass
// every ReapInterval and an audit pass every AuditInterval. It returns a
// stop function.
func (b *SessionBroker) StartMaintenance() (stop func()) {
	reapTicker := time.NewTicker(b.cfg.ReapInterval)
	auditTicker := time.NewTicker(b.cfg.AuditInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-reapTicker.C:
				b.reapPass()
			case <-auditTicker.C:
				b.auditPass()
			case <-done:
				reapTicker.Stop()
				auditTicker.Stop()
				return
			}
		}
	}()

	return func() { close(done) }
}

// reapPass removes dead sessions past DeadTTL, transitions idle detached
// sessions to dead past DetachedTTL, and purges orphaned device-index
// entries.
func (b *SessionBroker) reapPass() {
	now := time.Now()

	b.mu.Lock()
	var toKill []string
	for id, s := range b.sessions {
		info := s.Info()
		if info.Status == StatusDetached && info.ConnectedClients == 0 && now.Sub(info.LastActivity) > b.cfg.DetachedTTL {
			toKill = append(toKill, id)
		}
	}
	for id, at := range b.deadAt {
		if now.Sub(at) > b.cfg.DeadTTL {
			delete(b.deadAt, id)
		}
	}
	b.mu.Unlock()

	for _, id := range toKill {
		b.mu.Lock()
		s, ok := b.sessions[id]
		b.mu.Unlock()
		if !ok {
			continue
		}
		_, _ = b.Kill(id, s.userID)
	}
	if len(toKill) > 0 {
		logging.S().Infow("reap pass killed idle sessions", "count", len(toKill))
	}

	b.purgeOrphanedDeviceEntries()
	b.refreshGauges()
}

// refreshGauges recomputes the broker's point-in-time gauges. Cheap
// enough to run once per reap pass rather than on every mutation.
func (b *SessionBroker) refreshGauges() {
	if b.metrics == nil {
		return
	}

	b.mu.Lock()
	sessions := make([]*Session, 0, len(b.sessions))
	for _, s := range b.sessions {
		sessions = append(sessions, s)
	}
	b.mu.Unlock()

	counts := map[Status]int{StatusActive: 0, StatusDetached: 0, StatusDead: 0}
	clients := 0
	bufBytes := 0
	for _, s := range sessions {
		info := s.Info()
		counts[info.Status]++
		clients += info.ConnectedClients
		_, bytes := s.output.Size()
		bufBytes += bytes
	}

	for status, n := range counts {
		b.metrics.SessionsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
	b.metrics.ConnectedClients.Set(float64(clients))
	b.metrics.OutputBufferBytes.Set(float64(bufBytes))
}

func (b *SessionBroker) purgeOrphanedDeviceEntries() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for userID, dev := range b.byDevice {
		for d, id := range dev {
			if _, ok := b.sessions[id]; !ok {
				delete(dev, d)
			}
		}
		if len(dev) == 0 {
			delete(b.byDevice, userID)
		}
	}
}

// auditPass forces the connected-client counter to 0 on any detached
// session whose counter is stuck above zero despite long inactivity (a
// stale-connection guard against a ClientBridge that died without
// calling Detach).
func (b *SessionBroker) auditPass() {
	now := time.Now()

	b.mu.Lock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		s, ok := b.sessions[id]
		b.mu.Unlock()
		if !ok {
			continue
		}

		s.mu.Lock()
		stale := s.status == StatusDetached && s.connectedClients > 0 &&
			now.Sub(s.lastActivity) > b.cfg.StaleClientThreshold
		if stale {
			s.connectedClients = 0
		}
		info := s.infoLocked()
		s.mu.Unlock()

		if stale {
			b.emitList(Event{Type: EventSessionUpdated, SessionID: id, UserID: s.userID, Session: &info, At: time.Now()})
			s.subs.broadcast(Event{Type: EventSessionUpdated, SessionID: id, UserID: s.userID, Session: &info, At: time.Now()})
			logging.S().Warnw("audit pass cleared stale connected-client counter", "sessionId", id)
		}
	}
}
