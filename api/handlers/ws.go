package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/lyzr/flowcore/core/event"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 30 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Clients only send pongs, never data
	maxMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventsWS streams the run's events over a WebSocket, one JSON event per
// text frame, starting from the beginning of the run. The stream closes
// when the run finishes or the client disconnects.
// GET /api/v1/runs/:id/ws
func (h *RunHandler) EventsWS(c echo.Context) error {
	runID := c.Param("id")
	events, cancelWatch, err := h.runs.Events(runID)
	if err != nil {
		return httpError(c, err)
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		cancelWatch()
		return err
	}

	closed := make(chan struct{})
	go h.readPump(conn, runID, closed)
	h.writePump(conn, runID, events, closed)

	cancelWatch()
	conn.Close()
	return nil
}

// readPump drains the connection. The stream is server-push only, but the
// read loop services pongs and detects disconnects.
func (h *RunHandler) readPump(conn *websocket.Conn, runID string, closed chan<- struct{}) {
	defer close(closed)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.log.Warn("event stream read error", "run_id", runID, "error", err)
			}
			return
		}
	}
}

// writePump forwards run events to the peer. Each event goes out as its own
// frame so clients can decode frame by frame.
func (h *RunHandler) writePump(conn *websocket.Conn, runID string, events <-chan event.Event, closed <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return

		case e, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "run finished"))
				return
			}
			payload, err := json.Marshal(e)
			if err != nil {
				h.log.Error("marshal event", "run_id", runID, "error", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
