// Package transport holds the websocket connections of this instance and
// pushes events to them by connection id.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	removeTimeout  = 5 * time.Second

	// EventConnected is sent once after the upgrade and carries the connection id.
	EventConnected = "connected"
	eventPing      = "ping"
	eventPong      = "pong"
)

var (
	// ErrUnknownConnection means the connection is not held by this instance.
	ErrUnknownConnection = errors.New("connection not held by this instance")
	// ErrSlowConsumer means the connection's send buffer is full.
	ErrSlowConsumer = errors.New("connection send buffer full")
)

// Registry is the connection registry as seen by the transport.
type Registry interface {
	AddConnection(ctx context.Context, userID, connectionID string) error
	RemoveConnection(ctx context.Context, connectionID string) error
	UpdateHeartbeat(connectionID string)
}

// Dispatcher queues delivery of a user's pending messages.
type Dispatcher interface {
	Dispatch(userID string) bool
}

// Frame is the envelope of every message on the socket.
type Frame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

type outbound struct {
	frame  Frame
	result chan error
}

type client struct {
	id     string
	userID string
	ws     *websocket.Conn
	send   chan outbound
	done   chan struct{}
	once   sync.Once
}

func (cl *client) close() {
	cl.once.Do(func() { close(cl.done) })
}

// Hub is the set of sockets held by this instance.
type Hub struct {
	registry   Registry
	dispatcher Dispatcher
	upgrader   websocket.Upgrader
	log        zerolog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates an empty hub.
func NewHub(registry Registry, log zerolog.Logger) *Hub {
	return &Hub{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:     log.With().Str("component", "transport").Logger(),
		clients: make(map[string]*client),
	}
}

// SetDispatcher sets who is told to replay a user's queue when they connect.
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatcher = d
}

// Len returns the number of sockets held by this instance.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler upgrades the request and serves the socket until it closes. The
// user is named by the user_id query parameter.
func (h *Hub) Handler(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id is required"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	cl := &client{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan outbound, sendBuffer),
		done:   make(chan struct{}),
	}
	log := h.log.With().Str("user_id", userID).Str("connection_id", cl.id).Logger()

	// Held locally before the store knows about it, so a replay triggered by
	// the new row always finds the socket.
	h.mu.Lock()
	h.clients[cl.id] = cl
	h.mu.Unlock()

	if err := h.registry.AddConnection(c.Request.Context(), userID, cl.id); err != nil {
		log.Error().Err(err).Msg("registering connection failed")
		h.drop(cl)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "try again"),
			time.Now().Add(writeWait))
		ws.Close()
		return
	}
	log.Info().Msg("connected")

	go h.writePump(cl)
	h.enqueue(cl, Frame{Event: EventConnected, Data: gin.H{"connectionId": cl.id}})
	if h.dispatcher != nil {
		h.dispatcher.Dispatch(userID)
	}

	h.readPump(cl, log)

	h.drop(cl)
	ctx, cancel := context.WithTimeout(context.Background(), removeTimeout)
	defer cancel()
	if err := h.registry.RemoveConnection(ctx, cl.id); err != nil {
		log.Error().Err(err).Msg("removing connection failed")
	}
	log.Info().Msg("disconnected")
}

func (h *Hub) drop(cl *client) {
	h.mu.Lock()
	if h.clients[cl.id] == cl {
		delete(h.clients, cl.id)
	}
	h.mu.Unlock()
	cl.close()
}

// readPump treats every frame and every pong as a heartbeat.
func (h *Hub) readPump(cl *client, log zerolog.Logger) {
	cl.ws.SetReadLimit(maxMessageSize)
	cl.ws.SetReadDeadline(time.Now().Add(pongWait))
	cl.ws.SetPongHandler(func(string) error {
		cl.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.UpdateHeartbeat(cl.id)
		return nil
	})

	for {
		_, data, err := cl.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				log.Debug().Err(err).Msg("read failed")
			}
			return
		}
		cl.ws.SetReadDeadline(time.Now().Add(pongWait))
		h.registry.UpdateHeartbeat(cl.id)

		var in Frame
		if err := json.Unmarshal(data, &in); err != nil {
			continue
		}
		if in.Event == eventPing {
			h.enqueue(cl, Frame{Event: eventPong})
		}
	}
}

// writePump is the only writer of cl.ws.
func (h *Hub) writePump(cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cl.ws.Close()
	}()

	for {
		select {
		case out := <-cl.send:
			cl.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := cl.ws.WriteJSON(out.frame)
			if out.result != nil {
				out.result <- err
			}
			if err != nil {
				cl.close()
				return
			}
		case <-ticker.C:
			if err := cl.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				cl.close()
				return
			}
		case <-cl.done:
			cl.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// enqueue sends a frame without waiting for it to be written.
func (h *Hub) enqueue(cl *client, f Frame) {
	select {
	case cl.send <- outbound{frame: f}:
	case <-cl.done:
	default:
		h.log.Warn().Str("connection_id", cl.id).Str("event", f.Event).Msg("send buffer full, frame dropped")
	}
}

// Holds reports whether this instance holds the connection's socket.
func (h *Hub) Holds(connectionID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[connectionID]
	return ok
}

// Push writes one event to a connection held by this instance and waits until
// the frame is on the wire.
func (h *Hub) Push(ctx context.Context, connectionID, event string, payload any) error {
	h.mu.RLock()
	cl, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}

	out := outbound{frame: Frame{Event: event, Data: payload}, result: make(chan error, 1)}
	select {
	case cl.send <- out:
	case <-cl.done:
		return ErrUnknownConnection
	default:
		return ErrSlowConsumer
	}

	select {
	case err := <-out.result:
		return err
	case <-cl.done:
		return ErrUnknownConnection
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close disconnects every socket. Each handler then removes its own row.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, cl := range h.clients {
		cl.close()
	}
}
