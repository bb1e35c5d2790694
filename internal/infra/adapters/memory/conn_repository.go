package memory

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nik-popov/site-traffic-globe/internal/application/metric"
)

var ErrConnNotFound = errors.New("connection not found")

// ConnRepository tracks the live WebSocket connections by connection id.
// A Write error is terminal for that connection: callers treat it as a
// disconnect and never retry.
type ConnRepository interface {
	Add(uuid.UUID, *websocket.Conn)
	Remove(connID uuid.UUID)

	Write(connID uuid.UUID, payload any) error
	Ping(connID uuid.UUID) error
	Close(connID uuid.UUID)
}

type safeWS struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

type connRepository struct {
	// conns stores map[conn_id]*ws.conn
	conns map[uuid.UUID]*safeWS

	mu sync.RWMutex
}

func NewConnRepository() ConnRepository {
	return &connRepository{
		conns: make(map[uuid.UUID]*safeWS, 10),
	}
}

func (r *connRepository) Add(connID uuid.UUID, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[connID] = &safeWS{conn: conn}

	metric.IncrementWSActiveConnections()
}

func (r *connRepository) Remove(connID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connID]; exists {
		delete(r.conns, connID)

		metric.DecrementWSActiveConnections()
	}
}

func (r *connRepository) Write(connID uuid.UUID, payload any) error {
	ws, ok := r.getSafeWS(connID)
	if !ok {
		return ErrConnNotFound
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	return ws.conn.WriteJSON(payload)
}

func (r *connRepository) Ping(connID uuid.UUID) error {
	ws, ok := r.getSafeWS(connID)
	if !ok {
		return ErrConnNotFound
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()

	return ws.conn.WriteMessage(websocket.PingMessage, nil)
}

func (r *connRepository) Close(connID uuid.UUID) {
	ws, ok := r.getSafeWS(connID)
	if !ok {
		return
	}

	ws.conn.Close()
}

func (r *connRepository) getSafeWS(connID uuid.UUID) (*safeWS, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}
