package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxWSConnections = 200

// WebSocketBridge fans bus events for one session out to any number of
// WebSocket connections registered against it. It is an optional transport
// for the in-process Event Bus; nothing in the core requires it.
type WebSocketBridge struct {
	bus *Bus

	mu      sync.RWMutex
	clients map[*websocket.Conn]string // conn -> sessionID filter

	register   chan registration
	unregister chan *websocket.Conn
}

type registration struct {
	conn      *websocket.Conn
	sessionID string
}

// NewWebSocketBridge creates a bridge over bus.
func NewWebSocketBridge(bus *Bus) *WebSocketBridge {
	return &WebSocketBridge{
		bus:        bus,
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
	}
}

// Register adds a connection filtered to sessionID (empty = all sessions).
func (b *WebSocketBridge) Register(conn *websocket.Conn, sessionID string) {
	b.register <- registration{conn: conn, sessionID: sessionID}
}

// Unregister removes a connection.
func (b *WebSocketBridge) Unregister(conn *websocket.Conn) {
	b.unregister <- conn
}

// Run drains the bus's all-session subscription and forwards events to
// registered connections until ctx is cancelled.
func (b *WebSocketBridge) Run(ctx context.Context) {
	sub := b.bus.Subscribe("")
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return

		case reg := <-b.register:
			b.mu.Lock()
			if len(b.clients) >= maxWSConnections {
				b.mu.Unlock()
				reg.conn.Close()
				log.Printf("eventbus: websocket connection rejected, max %d reached", maxWSConnections)
				continue
			}
			b.clients[reg.conn] = reg.sessionID
			b.mu.Unlock()

		case conn := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[conn]; ok {
				delete(b.clients, conn)
				conn.Close()
			}
			b.mu.Unlock()

		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			b.broadcast(event)
		}
	}
}

func (b *WebSocketBridge) broadcast(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for conn, sessionID := range b.clients {
		if sessionID != "" && sessionID != event.SessionID {
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(event); err != nil {
			go b.Unregister(conn)
		}
	}
}

func (b *WebSocketBridge) shutdown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.clients {
		conn.Close()
	}
	b.clients = make(map[*websocket.Conn]string)
}

// ClientCount returns the number of currently registered connections.
func (b *WebSocketBridge) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
