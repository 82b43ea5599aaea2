package webchat

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const defaultWriteTimeout = 10 * time.Second

var ErrConnectionClosed = errors.New("connection closed")

type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
}

// poolEntry serializes writes to one websocket; gorilla allows one concurrent writer.
type poolEntry struct {
	mu   sync.Mutex
	conn wsConn
}

// ConnectionPool tracks the open websocket of every connection id. Writes that
// fail or exceed the write timeout drop the connection.
type ConnectionPool struct {
	mu           sync.Mutex
	conns        map[string]*poolEntry
	writeTimeout time.Duration
}

func NewConnectionPool(writeTimeout time.Duration) *ConnectionPool {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &ConnectionPool{
		conns:        map[string]*poolEntry{},
		writeTimeout: writeTimeout,
	}
}

func (cp *ConnectionPool) Add(connID string, conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	if prev, ok := cp.conns[connID]; ok && prev.conn != conn {
		_ = prev.conn.Close()
	}
	cp.conns[connID] = &poolEntry{conn: conn}
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(connID string) {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	e, ok := cp.conns[connID]
	delete(cp.conns, connID)
	cp.mu.Unlock()
	if ok {
		_ = e.conn.Close()
	}
}

// Send writes one text frame to the connection.
func (cp *ConnectionPool) Send(connID string, data []byte) error {
	if cp == nil {
		return ErrConnectionClosed
	}
	cp.mu.Lock()
	e, ok := cp.conns[connID]
	cp.mu.Unlock()
	if !ok {
		return ErrConnectionClosed
	}

	e.mu.Lock()
	if cp.writeTimeout > 0 {
		_ = e.conn.SetWriteDeadline(time.Now().Add(cp.writeTimeout))
	}
	err := e.conn.WriteMessage(websocket.TextMessage, data)
	e.mu.Unlock()
	if err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conn_id", connID).Msg("ws send failed, dropping connection")
		cp.drop(connID, e)
		return errors.Wrap(err, "ws write")
	}
	return nil
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for id, e := range cp.conns {
		_ = e.conn.Close()
		delete(cp.conns, id)
	}
	cp.mu.Unlock()
}

// drop removes e only if it is still the entry registered for connID.
func (cp *ConnectionPool) drop(connID string, e *poolEntry) {
	cp.mu.Lock()
	if cur, ok := cp.conns[connID]; ok && cur == e {
		delete(cp.conns, connID)
	}
	cp.mu.Unlock()
	_ = e.conn.Close()
}
