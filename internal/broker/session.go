package broker

import (
	"regexp"
	"strings"
	"sync"
	"time"
)

// Status is a Session's position in its lifecycle state machine.
type Status string

const (
	StatusActive   Status = "active"
	StatusDetached Status = "detached"
	StatusDead     Status = "dead"
)

// CommandRecord is one entry in a session's in-memory command history.
type CommandRecord struct {
	Command   string
	Timestamp time.Time
}

// SessionInfo is the read-only projection of a Session handed to clients
// and carried on events. It never aliases the Session's internal slices.
type SessionInfo struct {
	ID               string
	UserID           string
	DeviceID         string
	Name             string
	Status           Status
	CreatedAt        time.Time
	LastActivity     time.Time
	WorkingDir       string
	ConnectedClients int
	IsExecuting      bool
}

// promptPatterns are the shell-prompt heuristics used by isExecuting. Order
// does not matter: any match means the shell is idle at a prompt.
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[\$%>#]\s*$`),
	regexp.MustCompile(`\[.*\][\$%>#]\s*$`),
	regexp.MustCompile(`>\s*$`),
}

// Session is one live interactive shell: identity, PtyHandle, OutputBuffer,
// status, and the bookkeeping the broker needs to drive its lifecycle
// state machine. All mutable fields are guarded by mu; the PTY reader
// task and the broker's own operations both go through it.
type Session struct {
	id       string
	userID   string
	deviceID string

	createdAt time.Time

	mu               sync.Mutex
	name             string
	status           Status
	lastActivity     time.Time
	workingDir       string
	connectedClients int

	pty    PtyHandle
	output *OutputBuffer
	subs   subscriberSet

	commandScratch []byte
	history        []CommandRecord
	maxHistory     int

	cwdRefreshTimer *time.Timer
	cwdDelay        time.Duration
	// onCWDDue is invoked CWD_DELAY after a command is recorded; set by
	// the broker at creation time since only it knows how to query the
	// underlying process (HostPty has a PID, ContainerPty does not).
	onCWDDue func()
	// onCommandRecorded, if set by the broker, observes every flushed
	// command for metrics purposes.
	onCommandRecorded func(cmd string)
}

// newSession constructs a Session in the active state with zero connected
// clients; the broker increments connectedClients itself on the creating
// Attach so creation and attach share one code path.
func newSession(id, userID, deviceID, name, workingDir string, pty PtyHandle, cfg Config) *Session {
	now := time.Now()
	return &Session{
		id:           id,
		userID:       userID,
		deviceID:     deviceID,
		createdAt:    now,
		name:         name,
		status:       StatusActive,
		lastActivity: now,
		workingDir:   workingDir,
		pty:          pty,
		output:       NewOutputBuffer(cfg.MaxOutputChunks, cfg.MaxOutputBytes),
		maxHistory:   1000,
		cwdDelay:     cfg.CWDDelay,
	}
}

// Info projects the current state into a SessionInfo snapshot.
func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked()
}

func (s *Session) infoLocked() SessionInfo {
	return SessionInfo{
		ID:               s.id,
		UserID:           s.userID,
		DeviceID:         s.deviceID,
		Name:             s.name,
		Status:           s.status,
		CreatedAt:        s.createdAt,
		LastActivity:     s.lastActivity,
		WorkingDir:       s.workingDir,
		ConnectedClients: s.connectedClients,
		IsExecuting:      s.isExecutingLocked(),
	}
}

// isExecutingLocked implements the execution-state heuristic. Callers must
// hold mu.
func (s *Session) isExecutingLocked() bool {
	now := time.Now()
	if now.Sub(s.lastActivity) < 3*time.Second {
		return true
	}

	tail := ReplayBlock(s.output.Snapshot(3))
	trimmed := strings.TrimRight(string(tail), " \t\r\n")
	for _, p := range promptPatterns {
		if p.MatchString(trimmed) {
			return false
		}
	}

	return now.Sub(s.lastActivity) < 10*time.Second
}

// Snapshot returns the last k output chunks.
func (s *Session) Snapshot(k int) [][]byte {
	return s.output.Snapshot(k)
}

// Write forwards bytes to the PTY and feeds the command-scratch state
// machine. It does not itself update lastActivity for the data direction;
// that happens when the PTY reader observes output, and here for the
// write direction since a write is activity too.
func (s *Session) Write(p []byte) error {
	s.mu.Lock()
	s.lastActivity = time.Now()
	recorded := s.feedScratchLocked(p)
	pty := s.pty
	s.mu.Unlock()

	for _, cmd := range recorded {
		s.subs.broadcast(Event{
			Type:      EventCommandRecorded,
			SessionID: s.id,
			UserID:    s.userID,
			Command:   cmd,
			At:        time.Now(),
		})
		if s.onCommandRecorded != nil {
			s.onCommandRecorded(cmd)
		}
	}
	if len(recorded) > 0 {
		s.armCWDRefresh()
	}

	if pty == nil {
		return ErrUnavailable
	}
	return pty.Write(p)
}

// armCWDRefresh schedules a one-shot CWD refresh CWD_DELAY after a
// command is recorded, debouncing repeated commands within the window.
func (s *Session) armCWDRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.onCWDDue == nil {
		return
	}
	if s.cwdRefreshTimer != nil {
		s.cwdRefreshTimer.Stop()
	}
	s.cwdRefreshTimer = time.AfterFunc(s.cwdDelay, s.onCWDDue)
}

// feedScratchLocked applies the byte-level command-scratch rules that
// turn typed input into recorded command history. Callers must hold mu.
// Returns the commands flushed by any CR/LF bytes in p, in order, so the
// caller can emit command_recorded outside the lock.
func (s *Session) feedScratchLocked(p []byte) []string {
	var recorded []string
	for _, b := range p {
		switch {
		case b == '\r' || b == '\n':
			if len(s.commandScratch) > 0 {
				cmd := strings.TrimSpace(string(s.commandScratch))
				s.history = append(s.history, CommandRecord{Command: cmd, Timestamp: time.Now()})
				if len(s.history) > s.maxHistory {
					s.history = s.history[len(s.history)-s.maxHistory:]
				}
				s.commandScratch = s.commandScratch[:0]
				recorded = append(recorded, cmd)
			}
		case b == '\b' || b == 0x7F:
			if n := len(s.commandScratch); n > 0 {
				s.commandScratch = s.commandScratch[:n-1]
			}
		case b == '\t':
			// deferred to Enter; no change
		case b >= 32:
			s.commandScratch = append(s.commandScratch, b)
		default:
			// other control bytes: no change
		}
	}
	return recorded
}

// Resize forwards a resize to the PTY.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()
	if pty == nil {
		return ErrUnavailable
	}
	return pty.Resize(cols, rows)
}

// Kill terminates the underlying PTY. The broker is responsible for the
// index removal and dead-status transition; Kill only tears down the PTY.
func (s *Session) Kill() {
	s.mu.Lock()
	pty := s.pty
	s.mu.Unlock()
	if pty != nil {
		pty.Kill()
	}
}

// appendOutput records a chunk of PTY output and fans it out to
// subscribers. Called by the session's reader task.
func (s *Session) appendOutput(chunk []byte) []string {
	s.output.Append(chunk)
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return s.subs.broadcast(Event{
		Type:      EventTerminalData,
		SessionID: s.id,
		UserID:    s.userID,
		Data:      chunk,
		At:        time.Now(),
	})
}

// History returns a copy of the recorded command history.
func (s *Session) History() []CommandRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CommandRecord, len(s.history))
	copy(out, s.history)
	return out
}
