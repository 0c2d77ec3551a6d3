package bridge

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	ws "github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

var upgrader = ws.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	// The bridge listener is internal; the worker page connects from any origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades the request to a WebSocket and serves it as the worker
// connection until it closes.
func Handler(reg *Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			log.WithError(err).Warn("worker websocket upgrade failed")
			return
		}
		reg.serve(newWSTransport(conn), conn)
	}
}

// serve registers t and pumps frames from conn until it fails.
func (r *Registry) serve(t *wsTransport, conn *ws.Conn) {
	r.Connect(t)
	defer func() {
		_ = t.Close()
		r.Closed(t)
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	go t.keepAlive()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if ws.IsUnexpectedCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
				log.WithError(err).Warn("worker websocket read failed")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		if mt != ws.TextMessage && mt != ws.BinaryMessage {
			continue
		}
		r.Deliver(t, data)
	}
}
