package api

import (
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/psremote/psremote/internal/devices"
	"github.com/psremote/psremote/pkg/ddp"
)

// Message - struct for data exchange over the WebSocket
type Message struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

var wsUp *websocket.Upgrader

func initWS(origin string) {
	wsUp = &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
	}

	switch origin {
	case "":
		// same origin + ignore port
		wsUp.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header["Origin"]
			if len(origin) == 0 {
				return true
			}
			o, err := url.Parse(origin[0])
			if err != nil {
				return false
			}
			if o.Host == r.Host {
				return true
			}
			if i := strings.IndexByte(o.Host, ':'); i > 0 {
				return o.Host[:i] == r.Host
			}
			return false
		}
	case "*":
		// any origin
		wsUp.CheckOrigin = func(r *http.Request) bool {
			return true
		}
	}
}

// statusEvent is one power-state observation pushed to subscribers.
type statusEvent struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	TitleID   string `json:"title_id,omitempty"`
	TitleName string `json:"title_name,omitempty"`
}

// apiWS pushes discovery status for one console on a fixed interval:
//
//	{"type": "subscribe", "value": "Bedroom"}
//	<- {"type": "status", "value": {"device": "Bedroom", "state": "awake", ...}}
func apiWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUp.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Caller().Msgf("host=%s origin=%s", r.Host, r.Header.Get("Origin"))
		return
	}
	ws := &wsConn{Conn: conn}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)

	for {
		var msg Message
		if err = ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNoStatusReceived, websocket.CloseNormalClosure) {
				log.Trace().Err(err).Caller().Send()
			}
			return
		}

		switch msg.Type {
		case "subscribe":
			name, _ := msg.Value.(string)
			if devices.Get(name) == nil {
				_ = ws.WriteJSON(&Message{Type: "error", Value: "device not found: " + name})
				continue
			}
			go watch(ws, name, done)

		default:
			_ = ws.WriteJSON(&Message{Type: "error", Value: "unknown type: " + msg.Type})
		}
	}
}

// wsConn serializes writers, the reader loop and watchers share one socket.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.Conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.Conn.WriteJSON(v)
}

func watch(ws *wsConn, name string, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	var last statusEvent

	for {
		d := devices.Get(name)
		if d == nil {
			return
		}

		event := statusEvent{Device: name}
		if status, err := d.Status(); err == nil {
			event.State = stateName(status.State())
			event.TitleID = status.TitleID()
			event.TitleName = status.TitleName()
		} else {
			event.State = "unreachable"
		}

		if event != last {
			last = event
			if err := ws.WriteJSON(&Message{Type: "status", Value: event}); err != nil {
				return
			}
		}

		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

func stateName(state ddp.State) string {
	switch state {
	case ddp.StateAwake:
		return "awake"
	case ddp.StateStandby:
		return "standby"
	}
	return "unknown"
}
