package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsConn is the write side of a websocket connection.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type poolClient struct {
	conn wsConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *poolClient) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// ConnectionPool fans frames out to the websocket clients of one conversation.
//
// Each client has a bounded send queue drained by its own writer goroutine, so a
// slow client is dropped instead of stalling the broadcast. When the last client
// leaves, onIdle fires after idleTimeout unless a client joins in between.
type ConnectionPool struct {
	convID string

	mu           sync.Mutex
	clients      map[wsConn]*poolClient
	idleTimer    *time.Timer
	idleTimeout  time.Duration
	onIdle       func()
	sendBuffer   int
	writeTimeout time.Duration
}

func NewConnectionPool(convID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		convID:       convID,
		clients:      map[wsConn]*poolClient{},
		idleTimeout:  idleTimeout,
		onIdle:       onIdle,
		sendBuffer:   64,
		writeTimeout: 5 * time.Second,
	}
}

func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	c := &poolClient{
		conn: conn,
		send: make(chan []byte, max(cp.sendBuffer, 1)),
		done: make(chan struct{}),
	}
	cp.mu.Lock()
	if _, ok := cp.clients[conn]; ok {
		cp.mu.Unlock()
		return
	}
	cp.clients[conn] = c
	cp.stopIdleTimerLocked()
	timeout := cp.writeTimeout
	cp.mu.Unlock()

	go cp.writeLoop(c, timeout)
}

func (cp *ConnectionPool) writeLoop(c *poolClient, timeout time.Duration) {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			if timeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws write failed, dropping connection")
				cp.drop(c.conn)
				return
			}
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.drop(conn)
}

func (cp *ConnectionPool) drop(conn wsConn) {
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	if ok {
		delete(cp.clients, conn)
		cp.scheduleIdleTimerLocked()
	}
	cp.mu.Unlock()
	if ok {
		c.close()
		return
	}
	_ = conn.Close()
}

// Broadcast queues data for every client. Clients with a full queue are dropped.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	var full []wsConn
	cp.mu.Lock()
	for conn, c := range cp.clients {
		if !enqueue(c, data) {
			full = append(full, conn)
		}
	}
	cp.mu.Unlock()
	for _, conn := range full {
		log.Warn().Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws send queue full, dropping connection")
		cp.drop(conn)
	}
}

func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	c, ok := cp.clients[conn]
	queued := ok && enqueue(c, data)
	cp.mu.Unlock()
	if ok && !queued {
		log.Warn().Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws send queue full, dropping connection")
		cp.drop(conn)
	}
}

func enqueue(c *poolClient, data []byte) bool {
	cp := make([]byte, len(data))
	copy(cp, data)
	select {
	case c.send <- cp:
		return true
	default:
		return false
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	clients := make([]*poolClient, 0, len(cp.clients))
	for conn, c := range cp.clients {
		clients = append(clients, c)
		delete(cp.clients, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
	for _, c := range clients {
		c.close()
	}
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	cp.stopIdleTimerLocked()
	if len(cp.clients) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		return
	}
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	var callback func()
	cp.mu.Lock()
	if len(cp.clients) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
