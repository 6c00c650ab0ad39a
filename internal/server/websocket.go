package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/23skdu/longbow-naiad/internal/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WSMessage is the envelope for both directions. Client types: "generate" (payload
// GenerateRequest), "cancel", "status". Server types: "event", "status", "error".
type WSMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type connection struct {
	s    *Server
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Log.Warn("websocket upgrade", "error", err)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		s:      s,
		conn:   conn,
		send:   make(chan []byte, 64),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
	go c.writePump()
	go c.readPump()
}

// readPump owns the connection lifetime; closing the socket cancels its generations.
func (c *connection) readPump() {
	defer func() {
		c.cancel()
		c.wg.Wait()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxBodyBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Log.Warn("websocket read", "error", err)
			}
			return
		}
		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("INVALID_REQUEST", "invalid JSON format")
			continue
		}
		c.handleMessage(msg)
	}
}

func (c *connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (c *connection) handleMessage(msg WSMessage) {
	switch msg.Type {
	case "generate":
		var body GenerateRequest
		if err := json.Unmarshal(msg.Payload, &body); err != nil {
			c.sendError("INVALID_REQUEST", "invalid generate request")
			return
		}
		req, err := body.toRequest()
		if err != nil {
			c.sendError("INVALID_REQUEST", err.Error())
			return
		}
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			id, results := c.s.studio.Generate(c.ctx, req)
			for res, err := range results {
				if !c.sendJSON("event", newEventMessage(id, res, err)) {
					return
				}
			}
		}()
	case "cancel":
		c.s.studio.Cancel()
	case "status":
		c.sendJSON("status", c.s.status())
	default:
		c.sendError("UNKNOWN_TYPE", "unknown message type: "+msg.Type)
	}
}

// sendJSON queues a message; it reports false once the connection is closing.
func (c *connection) sendJSON(typ string, payload any) bool {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Log.Error("websocket encode", "type", typ, "error", err)
		return false
	}
	data, err := json.Marshal(WSMessage{Type: typ, Payload: body})
	if err != nil {
		return false
	}
	select {
	case c.send <- data:
		return true
	case <-c.ctx.Done():
		return false
	}
}

func (c *connection) sendError(code, message string) {
	c.sendJSON("error", map[string]string{"code": code, "message": message})
}
