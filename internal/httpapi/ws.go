package httpapi

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"duplexd/internal/intercom"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const wsWriteTimeout = 5 * time.Second

// wsHandler tunnels the intercom byte protocol over a websocket so
// browser clients can place calls without raw TCP access.
type wsHandler struct {
	mgr      *intercom.Manager
	upgrader websocket.Upgrader
}

func newWSHandler(mgr *intercom.Manager) *wsHandler {
	return &wsHandler{
		mgr: mgr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

func (h *wsHandler) register(e *echo.Echo) {
	e.GET("/ws", h.handleWebSocket)
}

func (h *wsHandler) handleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	h.mgr.ServeConn(&wsConn{conn: conn}, c.RealIP())
	return nil
}

// wsConn adapts a websocket to the io.ReadWriteCloser the session layer
// expects. Each Write becomes one binary websocket message, which maps
// one protocol frame to one message since the framer writes whole
// frames; Read streams message payloads back-to-back.
type wsConn struct {
	conn *websocket.Conn
	r    io.Reader
}

func (w *wsConn) Read(p []byte) (int, error) {
	for {
		if w.r == nil {
			_, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}
