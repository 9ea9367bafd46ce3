package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessiond/internal/logging"
)

// CreateOptions parametrizes CreateSession and GetOrCreateForDevice.
type CreateOptions struct {
	SessionID  string
	Name       string
	WorkingDir string
	Env        map[string]string
	DeviceID   string
	Cols, Rows int
}

// SessionBroker is the singleton registry and scheduler for every live
// terminal session: it owns every live session, enforces
// ownership/capacity/device uniqueness, drains each session's PTY in a
// dedicated reader task, and fans out lifecycle events to subscribers.
type SessionBroker struct {
	cfg Config

	spawner PtySpawner
	runtime ContainerRuntime

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string]map[string]struct{} // userID -> set of session ids
	byDevice map[string]map[string]string   // userID -> deviceID -> session id
	detach   map[string]*time.Timer         // sessionID -> pending detach-reap timer

	// deadAt holds dead sessions that have already been purged from every
	// lookup index but are retained briefly for diagnostics until the
	// reaper's DeadTTL pass drops them for good.
	deadAt map[string]time.Time

	listSubs subscriberSet

	metrics *Metrics

	closeCh   chan struct{}
	closeOnce sync.Once
}

// SetMetrics attaches a Metrics instance the broker updates as it creates,
// kills, and drops connections from sessions. Optional: a nil metrics
// instance (the default) disables all instrumentation.
func (b *SessionBroker) SetMetrics(m *Metrics) {
	b.mu.Lock()
	b.metrics = m
	b.mu.Unlock()
}

// NewSessionBroker constructs a broker. runtime may be nil if cfg.ContainerMode
// is false; spawner may be nil if cfg.ContainerMode is true.
func NewSessionBroker(cfg Config, spawner PtySpawner, runtime ContainerRuntime) *SessionBroker {
	b := &SessionBroker{
		cfg:      cfg,
		spawner:  spawner,
		runtime:  runtime,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]struct{}),
		byDevice: make(map[string]map[string]string),
		detach:   make(map[string]*time.Timer),
		deadAt:   make(map[string]time.Time),
		closeCh:  make(chan struct{}),
	}
	return b
}

// CreateSession allocates and starts a new session for userID.
func (b *SessionBroker) CreateSession(ctx context.Context, userID string, opts CreateOptions) (*Session, error) {
	b.mu.Lock()
	if b.countLiveLocked(userID) >= b.cfg.MaxSessionsPerUser {
		b.mu.Unlock()
		return nil, ErrCapacityExceeded
	}
	id := opts.SessionID
	if id == "" {
		id = uuid.New().String()
	} else if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		return nil, ErrConflict
	}
	b.mu.Unlock()

	pty, err := b.openPty(ctx, userID, opts)
	if err != nil {
		logging.S().Errorw("session pty spawn failed", "userId", userID, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	name := opts.Name
	if name == "" {
		name = "terminal"
	}
	s := newSession(id, userID, opts.DeviceID, name, opts.WorkingDir, pty, b.cfg)
	s.onCWDDue = func() { b.refreshCWD(s, pty) }
	s.onCommandRecorded = func(cmd string) {
		if b.metrics != nil {
			b.metrics.CommandsRecordedTotal.Inc()
		}
	}

	b.mu.Lock()
	if _, exists := b.sessions[id]; exists {
		b.mu.Unlock()
		pty.Kill()
		return nil, ErrConflict
	}
	// Re-check capacity here, under the same critical section that
	// performs the insert: the check at the top of this function ran
	// before openPty released the lock, so a concurrent CreateSession for
	// this user could have slipped in and filled the last slot while this
	// call was spawning its PTY.
	if b.countLiveLocked(userID) >= b.cfg.MaxSessionsPerUser {
		b.mu.Unlock()
		pty.Kill()
		return nil, ErrCapacityExceeded
	}
	// Same race for device uniqueness: a concurrent GetOrCreateForDevice
	// for this (userID, deviceID) could have already won and inserted.
	if opts.DeviceID != "" {
		if existingID, ok := b.byDevice[userID][opts.DeviceID]; ok {
			if existingSession, ok := b.sessions[existingID]; ok && existingSession.Info().Status != StatusDead {
				b.mu.Unlock()
				pty.Kill()
				return nil, ErrConflict
			}
		}
	}
	b.sessions[id] = s
	if b.byUser[userID] == nil {
		b.byUser[userID] = make(map[string]struct{})
	}
	b.byUser[userID][id] = struct{}{}
	if opts.DeviceID != "" {
		if b.byDevice[userID] == nil {
			b.byDevice[userID] = make(map[string]string)
		}
		b.byDevice[userID][opts.DeviceID] = id
	}
	b.mu.Unlock()

	pty.OnExit(func(code int) {
		b.onPtyExit(id, code)
	})
	go b.readLoop(s)

	if b.metrics != nil {
		mode := "host"
		if b.cfg.ContainerMode {
			mode = "container"
		}
		b.metrics.SessionsCreatedTotal.WithLabelValues(mode).Inc()
	}
	b.emitList(Event{Type: EventSessionCreated, SessionID: id, UserID: userID, Session: infoPtr(s), At: time.Now()})
	logging.S().Infow("session created", "sessionId", id, "userId", userID, "deviceId", opts.DeviceID)
	return s, nil
}

func (b *SessionBroker) openPty(ctx context.Context, userID string, opts CreateOptions) (PtyHandle, error) {
	if b.cfg.ContainerMode {
		if b.runtime == nil {
			return nil, fmt.Errorf("container mode enabled but no ContainerRuntime configured")
		}
		containerID, err := b.runtime.EnsureUserContainer(ctx, userID)
		if err != nil {
			return nil, err
		}
		return NewContainerPty(ctx, b.runtime, containerID, ExecOptions{
			WorkingDir: opts.WorkingDir,
			Cols:       opts.Cols,
			Rows:       opts.Rows,
		})
	}
	if b.spawner == nil {
		return nil, fmt.Errorf("host mode enabled but no PtySpawner configured")
	}
	return b.spawner.Spawn(SpawnOptions{
		WorkingDir: opts.WorkingDir,
		Env:        opts.Env,
		Cols:       opts.Cols,
		Rows:       opts.Rows,
	})
}

// countLiveLocked counts non-dead sessions for userID. Callers must hold mu.
func (b *SessionBroker) countLiveLocked(userID string) int {
	ids := b.byUser[userID]
	n := 0
	for id := range ids {
		if s, ok := b.sessions[id]; ok && s.Info().Status != StatusDead {
			n++
		}
	}
	return n
}

// Attach increments the connected-client counter and (re)activates a
// session on behalf of userID.
func (b *SessionBroker) Attach(sessionID, userID, deviceID string) (*Session, error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	s.mu.Lock()
	if s.status == StatusDead {
		s.mu.Unlock()
		return nil, ErrNotFound
	}
	if s.userID != userID {
		s.mu.Unlock()
		return nil, ErrForbidden
	}
	s.connectedClients++
	s.status = StatusActive
	s.lastActivity = time.Now()
	info := s.infoLocked()
	s.mu.Unlock()

	b.cancelDetachReap(sessionID)
	b.emitList(Event{Type: EventSessionUpdated, SessionID: sessionID, UserID: userID, Session: &info, At: time.Now()})
	return s, nil
}

// GetOrCreateForDevice reattaches the caller to their existing session
// on deviceID if one is live, or creates a fresh one otherwise.
func (b *SessionBroker) GetOrCreateForDevice(ctx context.Context, userID, deviceID string, opts CreateOptions) (*Session, error) {
	b.mu.Lock()
	var existing string
	if dev, ok := b.byDevice[userID]; ok {
		existing = dev[deviceID]
	}
	b.mu.Unlock()

	if existing != "" {
		if s, err := b.Attach(existing, userID, deviceID); err == nil {
			return s, nil
		}
	}

	b.cleanupOtherDetachedDevices(userID, deviceID)

	opts.DeviceID = deviceID
	s, err := b.CreateSession(ctx, userID, opts)
	if err != nil {
		if errors.Is(err, ErrConflict) {
			// Lost a race with a concurrent CreateSession/GetOrCreateForDevice
			// for the same device: attach to whichever session won instead of
			// failing the caller, preserving the one-non-dead-session-per-device
			// invariant without double-creating.
			b.mu.Lock()
			existing = ""
			if dev, ok := b.byDevice[userID]; ok {
				existing = dev[deviceID]
			}
			b.mu.Unlock()
			if existing != "" {
				return b.Attach(existing, userID, deviceID)
			}
		}
		return nil, err
	}
	return b.Attach(s.id, userID, deviceID)
}

// cleanupOtherDetachedDevices kills any detached, zero-client sessions of
// userID on devices other than deviceID: a detached, zero-client session
// has nothing left to preserve, and keeping it around only burns a
// capacity slot.
func (b *SessionBroker) cleanupOtherDetachedDevices(userID, deviceID string) {
	b.mu.Lock()
	var candidates []string
	for dev, id := range b.byDevice[userID] {
		if dev == deviceID {
			continue
		}
		if s, ok := b.sessions[id]; ok {
			info := s.Info()
			if info.Status == StatusDetached && info.ConnectedClients == 0 {
				candidates = append(candidates, id)
			}
		}
	}
	b.mu.Unlock()

	for _, id := range candidates {
		_, _ = b.Kill(id, userID)
	}
}

// Detach decrements the connected-client counter, transitioning the
// session to detached when it reaches zero, and, when deviceID is the
// session's own device, schedules a deferred reap.
func (b *SessionBroker) Detach(sessionID, userID, deviceID string) bool {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.userID != userID {
		s.mu.Unlock()
		return false
	}
	if s.connectedClients > 0 {
		s.connectedClients--
	}
	becameDetached := s.connectedClients == 0 && s.status == StatusActive
	if becameDetached {
		s.status = StatusDetached
	}
	sameDevice := deviceID != "" && s.deviceID == deviceID
	info := s.infoLocked()
	s.mu.Unlock()

	if sameDevice {
		b.scheduleDetachReap(sessionID, userID)
	}

	b.emitList(Event{Type: EventSessionUpdated, SessionID: sessionID, UserID: userID, Session: &info, At: time.Now()})
	return true
}

func (b *SessionBroker) scheduleDetachReap(sessionID, userID string) {
	b.mu.Lock()
	if t, ok := b.detach[sessionID]; ok {
		t.Stop()
	}
	b.detach[sessionID] = time.AfterFunc(b.cfg.DetachReap, func() {
		b.mu.Lock()
		delete(b.detach, sessionID)
		s, ok := b.sessions[sessionID]
		b.mu.Unlock()
		if !ok {
			return
		}
		info := s.Info()
		if info.Status == StatusDetached && info.ConnectedClients == 0 {
			_, _ = b.Kill(sessionID, userID)
		}
	})
	b.mu.Unlock()
}

func (b *SessionBroker) cancelDetachReap(sessionID string) {
	b.mu.Lock()
	if t, ok := b.detach[sessionID]; ok {
		t.Stop()
		delete(b.detach, sessionID)
	}
	b.mu.Unlock()
}

// Kill authorizes, terminates the PTY, and removes the session from every
// index. Subsequent Attach calls fail NotFound.
func (b *SessionBroker) Kill(sessionID, userID string) (bool, error) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}
	s.mu.Lock()
	if s.userID != userID {
		s.mu.Unlock()
		return false, ErrForbidden
	}
	s.mu.Unlock()

	s.Kill()
	b.removeSession(sessionID, 0)
	if b.metrics != nil {
		b.metrics.SessionsKilledTotal.WithLabelValues("explicit").Inc()
	}
	logging.S().Infow("session killed", "sessionId", sessionID, "userId", userID, "reason", "explicit")
	return true, nil
}

// onPtyExit is invoked by the PTY's OnExit callback when the shell or exec
// stream terminates, whether on its own or because an explicit Kill
// terminated the PTY.
func (b *SessionBroker) onPtyExit(sessionID string, code int) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return
	}
	s.subs.broadcast(Event{Type: EventTerminalExit, SessionID: sessionID, UserID: s.userID, ExitCode: code, At: time.Now()})
	b.removeSession(sessionID, code)
	if b.metrics != nil {
		b.metrics.SessionsKilledTotal.WithLabelValues("pty_exit").Inc()
	}
	logging.S().Infow("session pty exited", "sessionId", sessionID, "exitCode", code)
}

// removeSession marks a session dead and purges it from every index. The
// session_deleted event is emitted exactly once here.
func (b *SessionBroker) removeSession(sessionID string, exitCode int) {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	if s.Info().Status == StatusDead {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, sessionID)
	if ids, ok := b.byUser[s.userID]; ok {
		delete(ids, sessionID)
	}
	if dev, ok := b.byDevice[s.userID]; ok {
		for d, id := range dev {
			if id == sessionID {
				delete(dev, d)
			}
		}
	}
	if t, ok := b.detach[sessionID]; ok {
		t.Stop()
		delete(b.detach, sessionID)
	}
	b.deadAt[sessionID] = time.Now()
	b.mu.Unlock()

	s.mu.Lock()
	s.status = StatusDead
	s.pty = nil
	info := s.infoLocked()
	s.mu.Unlock()

	b.emitList(Event{Type: EventSessionDeleted, SessionID: sessionID, UserID: s.userID, Session: &info, At: time.Now()})
}

// Write feeds the command scratch, forwards to PtyHandle, refreshes
// lastActivity. Returns false if the session is absent or dead.
func (b *SessionBroker) Write(sessionID string, data []byte) bool {
	s := b.lookupLive(sessionID)
	if s == nil {
		return false
	}
	return s.Write(data) == nil
}

// Resize forwards a resize request to the session's PtyHandle.
func (b *SessionBroker) Resize(sessionID string, cols, rows int) bool {
	s := b.lookupLive(sessionID)
	if s == nil {
		return false
	}
	return s.Resize(cols, rows) == nil
}

// Snapshot returns the last k output chunks for sessionID.
func (b *SessionBroker) Snapshot(sessionID string, k int) [][]byte {
	s := b.lookupLive(sessionID)
	if s == nil {
		return nil
	}
	return s.Snapshot(k)
}

// ListByUser returns non-dead sessions owned by userID.
func (b *SessionBroker) ListByUser(userID string) []SessionInfo {
	b.mu.Lock()
	ids := make([]string, 0, len(b.byUser[userID]))
	for id := range b.byUser[userID] {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	out := make([]SessionInfo, 0, len(ids))
	for _, id := range ids {
		b.mu.Lock()
		s, ok := b.sessions[id]
		b.mu.Unlock()
		if !ok {
			continue
		}
		info := s.Info()
		if info.Status != StatusDead {
			out = append(out, info)
		}
	}
	return out
}

// History returns the recorded command history for sessionID, or nil if
// the session is absent or dead.
func (b *SessionBroker) History(sessionID string) []CommandRecord {
	s := b.lookupLive(sessionID)
	if s == nil {
		return nil
	}
	return s.History()
}

// Subscribe registers a subscriber for sessionID's events, returning the
// channel it should read from. unsubscribe must be called on disconnect.
func (b *SessionBroker) Subscribe(sessionID, subID string) (<-chan Event, func(), error) {
	s := b.lookupLive(sessionID)
	if s == nil {
		return nil, nil, ErrNotFound
	}
	sub := newSubscriber(subID, b.cfg.SubscriberQueueSize)
	s.subs.add(sub)
	return sub.ch, func() { s.subs.remove(subID) }, nil
}

// SubscribeList registers a subscriber for broker-wide lifecycle events
// (used by the list-channel ClientBridge).
func (b *SessionBroker) SubscribeList(subID string) (<-chan Event, func()) {
	sub := newSubscriber(subID, b.cfg.SubscriberQueueSize)
	b.listSubs.add(sub)
	return sub.ch, func() { b.listSubs.remove(subID) }
}

func (b *SessionBroker) emitList(ev Event) {
	b.listSubs.broadcast(ev)
}

func (b *SessionBroker) lookupLive(sessionID string) *Session {
	b.mu.Lock()
	s, ok := b.sessions[sessionID]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	if s.Info().Status == StatusDead {
		return nil
	}
	return s
}

// readLoop drains s.pty until exit, appending to the OutputBuffer and
// broadcasting to subscribers.
func (b *SessionBroker) readLoop(s *Session) {
	buf := make([]byte, 32*1024)
	for {
		s.mu.Lock()
		pty := s.pty
		s.mu.Unlock()
		if pty == nil {
			return
		}
		n, err := pty.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			dropped := s.appendOutput(chunk)
			for _, id := range dropped {
				s.subs.remove(id)
			}
			if len(dropped) > 0 {
				if b.metrics != nil {
					b.metrics.SlowConsumerDrops.WithLabelValues("terminal_data").Add(float64(len(dropped)))
				}
				logging.S().Warnw("dropped slow subscriber", "sessionId", s.id, "count", len(dropped))
			}
		}
		if err != nil {
			return
		}
	}
}

// Close kills every live session, which ends each session's reader task.
// It does not stop the loop started by StartMaintenance; that loop ends
// only through the stop function StartMaintenance returns. Used during
// graceful shutdown.
func (b *SessionBroker) Close() {
	b.closeOnce.Do(func() {
		close(b.closeCh)
		b.mu.Lock()
		ids := make([]string, 0, len(b.sessions))
		for id := range b.sessions {
			ids = append(ids, id)
		}
		b.mu.Unlock()
		for _, id := range ids {
			b.mu.Lock()
			s := b.sessions[id]
			b.mu.Unlock()
			if s != nil {
				s.Kill()
			}
		}
	})
}

func infoPtr(s *Session) *SessionInfo {
	info := s.Info()
	return &info
}
