/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"

	"github.com/Seednode/slights/internal/engine"
	"github.com/Seednode/slights/internal/notify"
)

const (
	sendBuffer = 32
	authWait   = 10 * time.Second
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type clientMessage struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

type serverMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Client is one authenticated websocket. Frames queue in send and are
// written by writePump; a client too slow to drain its queue misses frames.
type Client struct {
	conn     *websocket.Conn
	send     chan any
	done     chan struct{}
	once     sync.Once
	identity string
}

func newClient(conn *websocket.Conn, identity string) *Client {
	return &Client{
		conn:     conn,
		send:     make(chan any, sendBuffer),
		done:     make(chan struct{}),
		identity: identity,
	}
}

func (c *Client) Send(f notify.Frame) bool {
	return c.queue(f)
}

func (c *Client) queue(msg any) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// readPump only watches for the peer going away; clients act over HTTP.
func (c *Client) readPump() {
	c.conn.SetReadLimit(maxBodySize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// authenticate waits for the auth message and checks it against the public
// id of the cookie's session.
func authenticate(conn *websocket.Conn, identity string) bool {
	_ = conn.SetReadDeadline(time.Now().Add(authWait))

	_, data, err := conn.ReadMessage()
	if err != nil {
		return false
	}

	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return false
	}

	return msg.Type == "auth" && msg.UserID != "" && msg.UserID == identity
}

func serveWS(cfg *Config, eng *engine.Engine, registry *notify.Registry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		token, ok := sessionToken(r)
		if !ok {
			http.Error(w, "missing player id", http.StatusUnauthorized)

			return
		}
		identity := publicID(token)

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "ERROR: Upgrading connection from %s: %v", realIP(r), err)

			return
		}

		if !authenticate(conn, identity) {
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteJSON(serverMessage{Type: "error", Message: "Authentication failed"})
			_ = conn.Close()

			logf(cfg, "SERVE: Rejected websocket from %s", realIP(r))

			return
		}

		client := newClient(conn, identity)
		client.queue(serverMessage{Type: "auth_success"})

		registry.Register(identity, client)
		setConnected(cfg, eng, identity, true)

		logf(cfg, "SERVE: Websocket opened for %s from %s (%d connected)", identity, realIP(r), registry.Len())

		go client.writePump()
		client.readPump()

		client.Close()
		if registry.Unregister(identity, client) {
			setConnected(cfg, eng, identity, false)
		}

		logf(cfg, "SERVE: Websocket closed for %s (%d connected)", identity, registry.Len())
	}
}

func setConnected(cfg *Config, eng *engine.Engine, identity string, connected bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := eng.SetConnected(ctx, identity, connected); err != nil {
		logf(cfg, "ERROR: Updating connection state for %s: %v", identity, err)
	}
}
