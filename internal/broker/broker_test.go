package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxSessionsPerUser = 3
	cfg.DetachReap = 20 * time.Millisecond
	cfg.DetachedTTL = 50 * time.Millisecond
	cfg.SubscriberQueueSize = 8
	return cfg
}

func newTestBroker(t *testing.T) (*SessionBroker, *fakeSpawner) {
	t.Helper()
	sp := &fakeSpawner{}
	b := NewSessionBroker(testConfig(), sp, nil)
	t.Cleanup(b.Close)
	return b, sp
}

func TestCreateSession_IndexesUnderAllThreeKeys(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{DeviceID: "d1"})
	require.NoError(t, err)

	got, err := b.Attach(s.Info().ID, "u1", "d1")
	require.NoError(t, err)
	assert.Equal(t, s.Info().ID, got.Info().ID)

	list := b.ListByUser("u1")
	require.Len(t, list, 1)
	assert.Equal(t, s.Info().ID, list[0].ID)

	b.mu.Lock()
	devID := b.byDevice["u1"]["d1"]
	b.mu.Unlock()
	assert.Equal(t, s.Info().ID, devID)
}

// TestCreateSession_RejectsDuplicateExplicitID exercises CreateSession's
// conflict path.
func TestCreateSession_RejectsDuplicateExplicitID(t *testing.T) {
	b, _ := newTestBroker(t)
	_, err := b.CreateSession(context.Background(), "u1", CreateOptions{SessionID: "fixed"})
	require.NoError(t, err)

	_, err = b.CreateSession(context.Background(), "u1", CreateOptions{SessionID: "fixed"})
	assert.ErrorIs(t, err, ErrConflict)
}

// TestCapacity verifies that after MaxSessionsPerUser live sessions,
// the next CreateSession fails CapacityExceeded; killing one frees a
// slot.
func TestCapacity(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		s, err := b.CreateSession(ctx, "u1", CreateOptions{})
		require.NoError(t, err)
		ids = append(ids, s.Info().ID)
	}

	_, err := b.CreateSession(ctx, "u1", CreateOptions{})
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	ok, err := b.Kill(ids[0], "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = b.CreateSession(ctx, "u1", CreateOptions{})
	assert.NoError(t, err)
}

// TestDeviceUniqueness verifies that GetOrCreateForDevice returns the
// existing session for (userId, deviceId) rather than creating a new
// one, across a detach/reattach cycle.
func TestDeviceUniqueness(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	sa, err := b.GetOrCreateForDevice(ctx, "u1", "d1", CreateOptions{})
	require.NoError(t, err)

	ok := b.Detach(sa.Info().ID, "u1", "d1")
	require.True(t, ok)
	assert.Equal(t, StatusDetached, sa.Info().Status)

	// Reattach with a fresh requested sessionId but the same device: the
	// broker must return S_a, not a new session.
	sb, err := b.GetOrCreateForDevice(ctx, "u1", "d1", CreateOptions{SessionID: "ignored-new-id"})
	require.NoError(t, err)
	assert.Equal(t, sa.Info().ID, sb.Info().ID)

	list := b.ListByUser("u1")
	assert.Len(t, list, 1)
}

// TestCounterNonNegativity verifies that Detach below zero clamps to
// zero rather than going negative.
func TestCounterNonNegativity(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	ok := b.Detach(s.Info().ID, "u1", "")
	assert.True(t, ok)
	ok = b.Detach(s.Info().ID, "u1", "")
	assert.True(t, ok)
	assert.GreaterOrEqual(t, s.Info().ConnectedClients, 0)
}

func TestAttach_ForbiddenForOtherUser(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	_, err = b.Attach(s.Info().ID, "u2", "")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestKill_ForbiddenForOtherUser(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	ok, err := b.Kill(s.Info().ID, "u2")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrForbidden)
	assert.Equal(t, StatusActive, s.Info().Status)
}

// TestKill_CleanupCompleteness verifies that after Kill, the session is
// absent from every index and exactly one session_deleted fires.
func TestKill_CleanupCompleteness(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{DeviceID: "d1"})
	require.NoError(t, err)
	id := s.Info().ID

	events, unsub := b.SubscribeList("watcher")
	defer unsub()

	ok, err := b.Kill(id, "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Empty(t, b.ListByUser("u1"))
	_, err = b.Attach(id, "u1", "")
	assert.ErrorIs(t, err, ErrNotFound)

	deleted := 0
	drain := time.After(100 * time.Millisecond)
loop:
	for {
		select {
		case ev := <-events:
			if ev.Type == EventSessionDeleted && ev.SessionID == id {
				deleted++
			}
		case <-drain:
			break loop
		}
	}
	assert.Equal(t, 1, deleted)
}

func TestWrite_FeedsOutputToPtyAndReturnsFalseWhenDead(t *testing.T) {
	b, sp := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	ok := b.Write(s.Info().ID, []byte("echo hi\n"))
	assert.True(t, ok)

	pty := sp.last()
	require.Len(t, pty.writes, 1)
	assert.Equal(t, "echo hi\n", string(pty.writes[0]))

	b.Kill(s.Info().ID, "u1")
	ok = b.Write(s.Info().ID, []byte("ignored"))
	assert.False(t, ok)
}

// TestCreateWriteReceive verifies that a terminal_input write is
// forwarded verbatim and a subsequent PTY chunk is delivered to the
// attached subscriber, and that the command-scratch flush records the
// last command.
func TestCreateWriteReceive(t *testing.T) {
	b, sp := newTestBroker(t)
	ctx := context.Background()

	s, err := b.GetOrCreateForDevice(ctx, "u1", "d1", CreateOptions{})
	require.NoError(t, err)

	events, unsub, err := b.Subscribe(s.Info().ID, "client1")
	require.NoError(t, err)
	defer unsub()

	ok := b.Write(s.Info().ID, []byte("echo hi\n"))
	require.True(t, ok)

	pty := sp.last()
	pty.push([]byte("hi\n"))

	select {
	case ev := <-events:
		require.Equal(t, EventTerminalData, ev.Type)
		assert.Contains(t, string(ev.Data), "hi")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for terminal_data")
	}

	assert.Eventually(t, func() bool {
		info := s.Info()
		return info.ID != "" && len(b.History(s.Info().ID)) == 1
	}, time.Second, time.Millisecond)

	hist := b.History(s.Info().ID)
	require.Len(t, hist, 1)
	assert.Equal(t, "echo hi", hist[0].Command)
}

// TestReconnectReplay verifies that after the PTY emits several chunks,
// a Snapshot returns their concatenation byte-for-byte.
func TestReconnectReplay(t *testing.T) {
	b, sp := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	pty := sp.last()
	var want []byte
	for i := 0; i < 12; i++ {
		chunk := []byte{byte('a' + i)}
		want = append(want, chunk...)
		pty.push(chunk)
	}

	assert.Eventually(t, func() bool {
		count, _ := s.output.Size()
		return count == 12
	}, time.Second, time.Millisecond)

	snap := b.Snapshot(s.Info().ID, 500)
	assert.Equal(t, want, ReplayBlock(snap))
}

func TestGetOrCreateForDevice_CleansUpOtherDetachedDevices(t *testing.T) {
	b, _ := newTestBroker(t)
	ctx := context.Background()

	s1, err := b.GetOrCreateForDevice(ctx, "u1", "d1", CreateOptions{})
	require.NoError(t, err)
	b.Detach(s1.Info().ID, "u1", "d1")
	assert.Equal(t, StatusDetached, s1.Info().Status)

	_, err = b.GetOrCreateForDevice(ctx, "u1", "d2", CreateOptions{})
	require.NoError(t, err)

	// d1's detached, zero-client session should have been cleaned up,
	// freeing it from ListByUser.
	list := b.ListByUser("u1")
	require.Len(t, list, 1)
	assert.Equal(t, "d2", list[0].DeviceID)
}

func TestResize_ForwardsToThePty(t *testing.T) {
	b, sp := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	ok := b.Resize(s.Info().ID, 120, 40)
	assert.True(t, ok)

	pty := sp.last()
	require.Len(t, pty.resizes, 1)
	assert.Equal(t, [2]int{120, 40}, pty.resizes[0])
}

// TestIdleReap verifies that a detached, zero-client session aged past
// DetachedTTL is moved to dead by the next reap pass.
func TestIdleReap(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	b.Detach(s.Info().ID, "u1", "")
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	b.reapPass()

	assert.Empty(t, b.ListByUser("u1"))
	_, err = b.Attach(s.Info().ID, "u1", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAuditPass_ForcesStaleConnectedClientsToZero(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	// Transition to detached with a stuck positive counter and old
	// activity, simulating a ClientBridge that died without Detach.
	s.mu.Lock()
	s.status = StatusDetached
	s.connectedClients = 2
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()

	b.auditPass()

	assert.Equal(t, 0, s.Info().ConnectedClients)
}

func TestDetach_ReapsAfterGracePeriodIfStillDetached(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{DeviceID: "d1"})
	require.NoError(t, err)

	b.Detach(s.Info().ID, "u1", "d1")

	assert.Eventually(t, func() bool {
		return s.Info().Status == StatusDead
	}, time.Second, 5*time.Millisecond)
}

func TestDetach_CancelsReapOnReattach(t *testing.T) {
	b, _ := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{DeviceID: "d1"})
	require.NoError(t, err)

	b.Detach(s.Info().ID, "u1", "d1")
	_, err = b.Attach(s.Info().ID, "u1", "d1")
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond) // longer than DetachReap in testConfig
	assert.Equal(t, StatusActive, s.Info().Status)
}

func TestPtyExit_KillsSessionAndEmitsExitThenDeleted(t *testing.T) {
	b, sp := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	events, unsub, err := b.Subscribe(s.Info().ID, "c1")
	require.NoError(t, err)
	defer unsub()

	sp.last().Kill() // simulates the shell process exiting on its own

	var sawExit, sawDeleted bool
	deadline := time.After(time.Second)
	for !sawDeleted {
		select {
		case ev := <-events:
			if ev.Type == EventTerminalExit {
				sawExit = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal_exit")
		default:
		}
		if s.Info().Status == StatusDead {
			sawDeleted = true
		}
	}
	assert.True(t, sawExit)
}

func TestSlowConsumer_DisconnectsOnQueueOverflow(t *testing.T) {
	b, sp := newTestBroker(t)
	s, err := b.CreateSession(context.Background(), "u1", CreateOptions{})
	require.NoError(t, err)

	events, _, err := b.Subscribe(s.Info().ID, "slow")
	require.NoError(t, err)
	pty := sp.last()

	// Flood past the subscriber queue size (8 in testConfig) without
	// draining events.
	for i := 0; i < 20; i++ {
		pty.push([]byte{byte(i)})
	}

	assert.Eventually(t, func() bool {
		return len(s.subs.snapshot()) == 0
	}, time.Second, 5*time.Millisecond)

	// Drain whatever made it through before the drop so the channel isn't
	// leaked by the test.
	for {
		select {
		case <-events:
		default:
			return
		}
	}
}
