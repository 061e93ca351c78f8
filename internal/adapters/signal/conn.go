package signal

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mkorolev/huddle/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

// WsSignalConn implements core.SignalConnection over one websocket. All
// writes funnel through a single buffered channel drained by the write
// pump, which is what keeps frames toward one member in send order.
type WsSignalConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *WsSignalConn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *WsSignalConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}
