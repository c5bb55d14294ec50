package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/makeasinger/rightsmatch/internal/metrics"
	"github.com/makeasinger/rightsmatch/internal/model"
	"github.com/makeasinger/rightsmatch/internal/service"
)

const (
	sendBufferSize      = 256
	broadcastBufferSize = 256
	// progress frames stop queueing past this depth, leaving room for results
	progressHighWater = sendBufferSize / 2
	writeWait           = 10 * time.Second
	keepAliveInterval   = 30 * time.Second
)

var (
	// ErrClientClosed is returned when sending to a connection that has gone away.
	ErrClientClosed = errors.New("client connection closed")
	// ErrSendBufferFull is returned when a connection cannot keep up with its outbound queue.
	ErrSendBufferFull = errors.New("client send buffer full")
)

// MessageHandler receives every inbound frame and the end of each connection.
type MessageHandler interface {
	HandleMessage(ctx context.Context, peer service.Peer, message []byte)
	HandleDisconnect(peer service.Peer)
}

// Client represents a WebSocket client
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, sendBufferSize),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues a command for this connection only. It never blocks.
func (c *Client) Send(command string, data any) error {
	frame, err := model.EncodeEnvelope(command, data)
	if err != nil {
		return err
	}
	return c.enqueue(frame)
}

func (c *Client) enqueue(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// offer queues a frame that a later frame supersedes. It reports false when
// the frame was skipped because the client is backed up.
func (c *Client) offer(frame []byte) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClientClosed
	}
	if len(c.send) >= progressHighWater {
		return false, nil
	}
	c.send <- frame
	return true, nil
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Hub maintains active WebSocket connections
type Hub struct {
	clients map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	// Broadcast frames to every client
	broadcast chan outbound

	// Closed once Run returns
	done chan struct{}

	logger *zap.Logger
	mu     sync.RWMutex
}

// NewHub creates a new Hub
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan outbound, broadcastBufferSize),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run starts the hub's main loop and closes every client once ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			metrics.ConnectionOpened()
			h.logger.Debug("client connected", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				metrics.ConnectionClosed()
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", zap.String("client_id", client.id))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				var err error
				if msg.superseded {
					var queued bool
					if queued, err = client.offer(msg.frame); err == nil && !queued {
						h.logger.Debug("skipping progress for busy client", zap.String("client_id", client.id))
					}
				} else {
					err = client.enqueue(msg.frame)
				}
				if err != nil {
					h.logger.Warn("dropping slow client", zap.String("client_id", client.id), zap.Error(err))
					client.close()
					delete(h.clients, client)
					metrics.ConnectionClosed()
				}
			}
			h.mu.Unlock()
		}
	}
}

// Register adds a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
		client.close()
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

// Len reports the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast sends a command to every connected client, workers included.
// Frames are delivered in the order Broadcast is called.
func (h *Hub) Broadcast(command string, data any) {
	frame, err := model.EncodeEnvelope(command, data)
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.String("command", command), zap.Error(err))
		return
	}
	// progress maps are cumulative, so a skipped one is covered by the next
	msg := outbound{frame: frame, superseded: command == model.CommandProgress}
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

type outbound struct {
	frame      []byte
	superseded bool
}

// HandleConnection handles a WebSocket connection
func (h *Hub) HandleConnection(ctx context.Context, c *websocket.Conn, handler MessageHandler) {
	client := newClient(c)

	h.Register(client)

	// Start writer goroutine
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ticker := time.NewTicker(keepAliveInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.send:
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					_ = c.WriteMessage(websocket.CloseMessage, []byte{})
					_ = c.Close()
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					_ = c.Close()
					return
				}

			case <-ticker.C:
				// transport-level keep-alive, separate from the worker heartbeat
				_ = c.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = c.Close()
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read error", zap.String("client_id", client.id), zap.Error(err))
			}
			break
		}
		handler.HandleMessage(ctx, client, message)
	}

	handler.HandleDisconnect(client)
	h.Unregister(client)
	// the connection is released once the handler returns, so the writer must be gone
	<-writerDone
}
