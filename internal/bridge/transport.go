package bridge

import (
	"context"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
)

// Transport is the outbound half of a worker connection. Inbound frames are
// pushed into the Registry by whoever owns the read side.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
	RemoteAddr() string
}

type wsTransport struct {
	conn      *ws.Conn
	mu        sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newWSTransport(conn *ws.Conn) *wsTransport {
	return &wsTransport{conn: conn, done: make(chan struct{})}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)
	return t.conn.WriteMessage(ws.TextMessage, data)
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		_ = t.conn.WriteControl(ws.CloseMessage, ws.FormatCloseMessage(ws.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

func (t *wsTransport) RemoteAddr() string {
	return t.conn.RemoteAddr().String()
}

// keepAlive pings the worker until the transport closes. WriteControl may run
// concurrently with WriteMessage.
func (t *wsTransport) keepAlive() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := t.conn.WriteControl(ws.PingMessage, []byte("ping"), time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}
