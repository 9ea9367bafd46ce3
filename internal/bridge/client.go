package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sessiond/internal/broker"
	"sessiond/internal/logging"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 1 << 20
)

// ClientBridge is a per-connection actor: it authenticates the socket,
// attaches to (or creates) a session, subscribes to that session's
// events, and translates between the wire protocol and broker
// operations.
type ClientBridge struct {
	conn   *websocket.Conn
	broker *broker.SessionBroker
	id     string

	userID    string
	sessionID string
	deviceID  string

	send chan []byte

	pingInterval time.Duration

	unsubscribe func()
	closeOnce   chan struct{}
}

// HandshakeParams carries the {token, sessionId, deviceId} the client
// presents on connection open.
type HandshakeParams struct {
	Token     string
	SessionID string
	DeviceID  string
}

// Serve authenticates the connection, attaches to a session, and blocks
// running the read/write pumps until the connection closes. Call in its
// own goroutine per accepted websocket.
func Serve(ctx context.Context, conn *websocket.Conn, b *broker.SessionBroker, identity broker.IdentityProvider, pingInterval time.Duration, hs HandshakeParams) {
	userID, err := identity.Verify(ctx, hs.Token)
	if err != nil {
		_ = conn.WriteJSON(OutboundMessage{Type: OutError, Message: "authentication failed"})
		closeWithCode(conn, 1008, "Authentication required")
		return
	}

	cb := &ClientBridge{
		conn:         conn,
		broker:       b,
		id:           uuid.New().String(),
		userID:       userID,
		deviceID:     hs.DeviceID,
		send:         make(chan []byte, 256),
		pingInterval: pingInterval,
		closeOnce:    make(chan struct{}),
	}

	var sess *broker.Session
	if hs.SessionID != "" {
		sess, err = b.Attach(hs.SessionID, userID, hs.DeviceID)
	} else if hs.DeviceID != "" {
		sess, err = b.GetOrCreateForDevice(ctx, userID, hs.DeviceID, broker.CreateOptions{})
	} else {
		sess, err = b.CreateSession(ctx, userID, broker.CreateOptions{})
		if err == nil {
			sess, err = b.Attach(sess.Info().ID, userID, hs.DeviceID)
		}
	}
	if err != nil {
		closeOnSetupError(conn, err)
		return
	}
	cb.sessionID = sess.Info().ID

	events, unsubscribe, err := b.Subscribe(cb.sessionID, cb.id)
	if err != nil {
		closeOnSetupError(conn, err)
		return
	}
	cb.unsubscribe = unsubscribe

	cb.sendInitial(sess)

	go cb.forwardEvents(events)
	go cb.writePump()
	cb.readPump(ctx) // blocks until the connection closes

	cb.teardown()
}

// sendInitial pushes session_info and, if the replay buffer is non-empty,
// terminal_clear followed (after a short delay so the client can clear
// its screen first) by one terminal_data carrying the concatenated
// replay block. It blocks for that delay rather than backgrounding it:
// forwardEvents is only started once this returns, so any output produced
// while this runs simply queues in the subscriber's own buffered channel
// and is delivered, in order, after the replay frame — never before it.
// The replay holds up to DefaultConfig().ReplayK chunks; the broker's
// configured ReplayK is not consulted here.
func (cb *ClientBridge) sendInitial(sess *broker.Session) {
	info := sess.Info()
	cb.enqueue(OutboundMessage{Type: OutSessionInfo, Session: info})

	chunks := sess.Snapshot(broker.DefaultConfig().ReplayK)
	if len(chunks) == 0 {
		return
	}
	cb.enqueue(OutboundMessage{Type: OutTerminalClear})
	time.Sleep(50 * time.Millisecond)
	cb.enqueue(OutboundMessage{Type: OutTerminalData, Data: string(broker.ReplayBlock(chunks))})
}

// forwardEvents drains the session's event subscription until either the
// channel is closed or the connection itself is tearing down. unsubscribe
// only removes this subscriber from the session's broadcast list; it does
// not close the channel, so without the closeOnce case this loop would
// otherwise block forever past teardown.
func (cb *ClientBridge) forwardEvents(events <-chan broker.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case broker.EventTerminalData:
				cb.enqueue(OutboundMessage{Type: OutTerminalData, Data: string(ev.Data)})
			case broker.EventTerminalExit:
				cb.enqueue(OutboundMessage{Type: OutTerminalExit, ExitCode: ev.ExitCode})
			case broker.EventSessionUpdated:
				cb.enqueue(OutboundMessage{Type: OutSessionUpdated, Session: ev.Session, EventType: string(ev.Type)})
			case broker.EventSessionDeleted:
				cb.enqueue(OutboundMessage{Type: OutSessionDeleted, SessionID: ev.SessionID})
			case broker.EventSessionCreated:
				cb.enqueue(OutboundMessage{Type: OutSessionCreated, Session: ev.Session})
			}
		case <-cb.closeOnce:
			return
		}
	}
}

// readPump reads inbound frames and dispatches them to broker operations.
func (cb *ClientBridge) readPump(ctx context.Context) {
	defer close(cb.closeOnce)

	cb.conn.SetReadLimit(maxMessageSize)
	cb.conn.SetReadDeadline(time.Now().Add(2 * cb.pingInterval))
	cb.conn.SetPongHandler(func(string) error {
		cb.conn.SetReadDeadline(time.Now().Add(2 * cb.pingInterval))
		return nil
	})

	for {
		_, raw, err := cb.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			cb.enqueue(OutboundMessage{Type: OutError, Message: "invalid message format"})
			continue
		}

		switch msg.Type {
		case InTerminalInput:
			cb.broker.Write(cb.sessionID, []byte(msg.Data))
		case InTerminalResize:
			cb.broker.Resize(cb.sessionID, msg.Cols, msg.Rows)
		case InGetHistory:
			cb.sendHistory()
		case InGetSessions:
			cb.sendSessionList()
		case InPing:
			cb.enqueue(OutboundMessage{Type: OutPong})
		case InPong:
			// liveness already refreshed by SetPongHandler / SetReadDeadline
		default:
			logging.S().Warnf("bridge: ignoring unknown message type %q", msg.Type)
		}
	}
}

func (cb *ClientBridge) sendHistory() {
	cb.enqueue(OutboundMessage{Type: OutCommandHistory, History: cb.broker.History(cb.sessionID)})
}

func (cb *ClientBridge) sendSessionList() {
	list := cb.broker.ListByUser(cb.userID)
	cb.enqueue(OutboundMessage{Type: OutSessionList, Sessions: list})
}

// writePump drains cb.send to the socket and emits the transport-level
// heartbeat.
func (cb *ClientBridge) writePump() {
	ticker := time.NewTicker(cb.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-cb.send:
			_ = cb.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cb.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cb.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cb.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cb.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cb.closeOnce:
			return
		}
	}
}

func (cb *ClientBridge) enqueue(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case cb.send <- data:
	default:
		// Slow consumer: drop rather than block the event-forwarding loop.
	}
}

func (cb *ClientBridge) teardown() {
	if cb.unsubscribe != nil {
		cb.unsubscribe()
	}
	cb.broker.Detach(cb.sessionID, cb.userID, cb.deviceID)
	_ = cb.conn.Close()
}

// closeOnSetupError sends the failing operation's message and closes the
// socket with the close code its error kind maps to: 1011 for an
// underlying-runtime failure, the default (1000) otherwise. NotFound and
// CapacityExceeded have no channel to keep open at handshake time, so they
// close too, just without a distinguishing code.
func closeOnSetupError(conn *websocket.Conn, err error) {
	_ = conn.WriteJSON(OutboundMessage{Type: OutError, Message: err.Error()})
	if errors.Is(err, broker.ErrUnavailable) {
		closeWithCode(conn, 1011, err.Error())
		return
	}
	closeWithCode(conn, websocket.CloseNormalClosure, "")
}

// closeWithCode sends a websocket close frame carrying code/reason before
// closing the underlying connection.
func closeWithCode(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}
