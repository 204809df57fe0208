package hub

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// Maximum time we'll wait for a write we initiate to complete.
const wsWriteTimeout = 10 * time.Second

// Authenticator resolves the request's tenant from its credentials. The
// websocket path carries the token as a query parameter.
type Authenticator func(r *http.Request) (tenant string, err error)

// WSHandler upgrades /ws requests and bridges the connection into the hub:
// a read loop consuming subscribe/unsubscribe control frames, and a write
// pump draining the client's queue.
type WSHandler struct {
	hub  *Hub
	auth Authenticator

	upgrader websocket.Upgrader
}

func NewWSHandler(h *Hub, auth Authenticator) *WSHandler {
	return &WSHandler{
		hub:  h,
		auth: auth,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tenant, err = h.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{"err": err, "client": r.RemoteAddr}).
			Warn("failed to upgrade live channel request to websocket")
		return
	}

	var client = NewClient(tenant)
	h.hub.Register(client)

	go h.writePump(conn, client)
	h.readLoop(conn, client, r.RemoteAddr)
}

// readLoop consumes control frames until the peer closes or errors. It owns
// unregistration: the write pump exits when the send queue closes.
func (h *WSHandler) readLoop(conn *websocket.Conn, client *Client, remote string) {
	defer h.hub.Unregister(client)

	for {
		var _, data, err = conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithFields(log.Fields{"err": err, "client": remote}).
					Debug("live channel client read failed")
			}
			return
		}

		var frame clientFrame
		if err = json.Unmarshal(data, &frame); err != nil {
			h.reply(client, serverFrame{Type: "error", Detail: "malformed frame"})
			continue
		}

		switch frame.Action {
		case "subscribe":
			if _, err = h.hub.Subscribe(client, frame.Channel); err != nil {
				h.reply(client, serverFrame{Type: "error", Detail: err.Error()})
				continue
			}
			h.reply(client, serverFrame{Type: "subscribed", Channel: frame.Channel})
		case "unsubscribe":
			if _, err = h.hub.Unsubscribe(client, frame.Channel); err != nil {
				h.reply(client, serverFrame{Type: "error", Detail: err.Error()})
				continue
			}
			h.reply(client, serverFrame{Type: "unsubscribed", Channel: frame.Channel})
		default:
			h.reply(client, serverFrame{Type: "error", Detail: "unknown action"})
		}
	}
}

// reply queues a control response through the client's send path, keeping a
// single websocket writer.
func (h *WSHandler) reply(client *Client, f serverFrame) {
	var frame, err = encodeFrame(f)
	if err != nil {
		return
	}
	if !client.push(frame) {
		h.hub.Unregister(client)
	}
}

func (h *WSHandler) writePump(conn *websocket.Conn, client *Client) {
	for frame := range client.Send {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			h.hub.Unregister(client)
			break
		}
	}

	// Best-effort close handshake once the queue drains or the write fails.
	var deadline = time.Now().Add(wsWriteTimeout)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	conn.Close()
}
