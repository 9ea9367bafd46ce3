package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sessiond/internal/broker"
)

// ListBridge serves a session_list subscriber: a connection that wants a
// live feed of session_created/updated/deleted events across every
// session the user owns, rather than one session's terminal stream.
type ListBridge struct {
	conn   *websocket.Conn
	broker *broker.SessionBroker
	id     string
	userID string

	send      chan []byte
	closeOnce chan struct{}
}

// ServeList authenticates the connection and runs a ListBridge until the
// socket closes.
func ServeList(ctx context.Context, conn *websocket.Conn, b *broker.SessionBroker, identity broker.IdentityProvider, pingInterval time.Duration, token string) {
	userID, err := identity.Verify(ctx, token)
	if err != nil {
		_ = conn.WriteJSON(OutboundMessage{Type: OutError, Message: "authentication failed"})
		closeWithCode(conn, 1008, "Authentication required")
		return
	}

	lb := &ListBridge{
		conn:      conn,
		broker:    b,
		id:        uuid.New().String(),
		userID:    userID,
		send:      make(chan []byte, 256),
		closeOnce: make(chan struct{}),
	}

	events, unsubscribe := b.SubscribeList(lb.id)
	defer unsubscribe()

	lb.enqueue(OutboundMessage{Type: OutSessionList, Sessions: b.ListByUser(userID)})

	go lb.forwardEvents(events)
	go lb.writePump(pingInterval)
	lb.readPump()
}

// forwardEvents multicasts lifecycle events to this subscriber, pruning
// itself (via the outer unsubscribe in ServeList) once its transport
// closes — readPump returning triggers that close. unsubscribe only drops
// this subscriber from the broker's list, it does not close events, so
// the closeOnce case is what actually ends this loop.
func (lb *ListBridge) forwardEvents(events <-chan broker.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.UserID != "" && ev.UserID != lb.userID {
				continue
			}
			switch ev.Type {
			case broker.EventSessionCreated:
				lb.enqueue(OutboundMessage{Type: OutSessionCreated, Session: ev.Session})
			case broker.EventSessionUpdated:
				lb.enqueue(OutboundMessage{Type: OutSessionUpdated, Session: ev.Session, EventType: string(ev.Type)})
			case broker.EventSessionDeleted:
				lb.enqueue(OutboundMessage{Type: OutSessionDeleted, SessionID: ev.SessionID})
			}
		case <-lb.closeOnce:
			return
		}
	}
}

func (lb *ListBridge) readPump() {
	defer close(lb.closeOnce)
	lb.conn.SetReadLimit(maxMessageSize)
	for {
		_, raw, err := lb.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg InboundMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		if msg.Type == InGetSessions {
			lb.enqueue(OutboundMessage{Type: OutSessionList, Sessions: lb.broker.ListByUser(lb.userID)})
		}
	}
}

func (lb *ListBridge) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-lb.send:
			_ = lb.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = lb.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := lb.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = lb.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := lb.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-lb.closeOnce:
			return
		}
	}
}

func (lb *ListBridge) enqueue(msg OutboundMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case lb.send <- data:
	default:
	}
}
