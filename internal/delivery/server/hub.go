package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"taskplane/internal/domain/task"
	"taskplane/internal/domain/tool"
	"taskplane/internal/shared/async"
	jsonx "taskplane/internal/shared/json"
	"taskplane/internal/shared/logging"
)

// ChannelWeb is the channel id of browser and API clients.
const ChannelWeb = "web"

const (
	EventTaskResult       = "task.result"
	EventApprovalRequest  = "approval.requested"
	EventApprovalResolved = "approval.resolved"

	writeWait       = 10 * time.Second
	pongWait        = 60 * time.Second
	pingPeriod      = (pongWait * 9) / 10
	clientBuffer    = 32
	defaultBacklog  = 64
	maxInboundBytes = 4096
)

var errNoClientAccepted = errors.New("no websocket client accepted the message")

// Envelope is one message pushed to websocket clients.
type Envelope struct {
	Type     string                `json:"type"`
	Response *task.Response        `json:"response,omitempty"`
	Approval *tool.ApprovalRequest `json:"approval,omitempty"`
}

type client struct {
	session string
	conn    *websocket.Conn
	send    chan []byte
	once    sync.Once
	done    chan struct{}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Hub fans task results and approval prompts out to websocket clients,
// keyed by channel session. Messages for a session with no connected client
// are kept in a bounded backlog and flushed on the next connection.
type Hub struct {
	upgrader websocket.Upgrader
	logger   logging.Logger

	mu         sync.Mutex
	clients    map[string]map[*client]struct{}
	backlog    map[string][][]byte
	maxBacklog int
}

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:     logging.OrNop(logger),
		clients:    make(map[string]map[*client]struct{}),
		backlog:    make(map[string][][]byte),
		maxBacklog: defaultBacklog,
	}
}

// ChannelID implements task.Observer.
func (h *Hub) ChannelID() string { return ChannelWeb }

// Deliver implements task.Observer.
func (h *Hub) Deliver(_ context.Context, resp task.Response) error {
	return h.publish(resp.SessionID, Envelope{Type: EventTaskResult, Response: &resp})
}

// PushApproval sends an approval prompt to the owning session.
func (h *Hub) PushApproval(req *tool.ApprovalRequest) {
	if req == nil {
		return
	}
	kind := EventApprovalRequest
	if req.Status.IsResolved() {
		kind = EventApprovalResolved
	}
	if err := h.publish(req.SessionID, Envelope{Type: kind, Approval: req}); err != nil {
		h.logger.Warn("push approval %s: %v", req.ID, err)
	}
}

func (h *Hub) publish(session string, env Envelope) error {
	payload, err := jsonx.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	clients := h.clients[session]
	if len(clients) == 0 {
		queued := append(h.backlog[session], payload)
		if len(queued) > h.maxBacklog {
			queued = queued[len(queued)-h.maxBacklog:]
		}
		h.backlog[session] = queued
		return nil
	}
	accepted := 0
	for c := range clients {
		select {
		case c.send <- payload:
			accepted++
		default:
			h.logger.Warn("websocket client for %s is not draining; dropping it", session)
			h.removeLocked(c)
			c.close()
		}
	}
	if accepted == 0 {
		return errNoClientAccepted
	}
	return nil
}

// Clients returns the number of connected clients for session.
func (h *Hub) Clients(session string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients[session])
}

// Serve upgrades the request and streams messages for session until the
// client disconnects.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, session string) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &client{
		session: session,
		conn:    conn,
		send:    make(chan []byte, clientBuffer+h.maxBacklog),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	if h.clients[session] == nil {
		h.clients[session] = make(map[*client]struct{})
	}
	h.clients[session][c] = struct{}{}
	for _, payload := range h.backlog[session] {
		c.send <- payload
	}
	delete(h.backlog, session)
	h.mu.Unlock()

	h.logger.Debug("websocket connected for %s", session)
	async.Go(h.logger, "ws-write:"+session, func() { h.writePump(c) })
	h.readPump(c)
	return nil
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.removeLocked(c)
		h.mu.Unlock()
		c.close()
		h.logger.Debug("websocket closed for %s", c.session)
	}()
	c.conn.SetReadLimit(maxInboundBytes)
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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// removeLocked must be called with h.mu held.
func (h *Hub) removeLocked(c *client) {
	set := h.clients[c.session]
	if set == nil {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.session)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.clients {
		for c := range set {
			all = append(all, c)
		}
	}
	h.clients = make(map[string]map[*client]struct{})
	h.mu.Unlock()
	for _, c := range all {
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
		c.close()
	}
}
