package live

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Access is checked by the session token, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// ServeWS upgrades the request and streams sessionID's events until the
// client goes away or the session is closed. initial, when set, is sent
// first so a new client starts from the displayed route.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, sessionID string, initial *Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("session_id", sessionID).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	events, unsubscribe := h.Subscribe(sessionID)
	defer unsubscribe()

	h.logger.Debug().Str("session_id", sessionID).Msg("websocket subscriber connected")

	// The read loop only handles control frames and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	if initial != nil {
		initial.SessionID = sessionID
		if err := writeEvent(conn, *initial); err != nil {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				h.logger.Debug().Err(err).Str("session_id", sessionID).Msg("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}
