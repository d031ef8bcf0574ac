// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/warden/services/warden/audit"
	"github.com/AleutianAI/warden/services/warden/config"
	"github.com/AleutianAI/warden/services/warden/datatypes"
)

// Live event names sent to dashboard clients.
const (
	LiveWorkerRegistered   = "worker-registered"
	LiveWorkerDeregistered = "worker-deregistered"
	LivePolicyCreated      = "isolation-policy-created"
	LiveSecurityEvent      = "worker-security-event"
	LiveConfigUpdated      = "config-updated"
)

const (
	// clientBuffer is the number of events queued per client before the
	// client is dropped as too slow.
	clientBuffer = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
)

// ErrHubClosed is returned by ServeWS after Close.
var ErrHubClosed = errors.New("event hub closed")

// LiveEvent is one message on the event stream.
type LiveEvent struct {
	Type      string    `json:"type"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *hubClient) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub broadcasts warden events to websocket clients.
//
// # Description
//
// Hub implements audit.Sink so it can be injected into the service next to
// the other sinks. Every event is marshalled once and queued to each
// connected client. A client whose queue is full is disconnected; a slow
// dashboard never blocks a decision.
//
// # Thread Safety
//
// Safe for concurrent use.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	clients map[*hubClient]struct{}
	closed  bool
}

// NewHub returns an empty hub. A nil logger uses slog.Default().
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		now:     time.Now,
		clients: make(map[*hubClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client. Later connections are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
		delete(h.clients, c)
	}
}

// ServeWS upgrades the request and streams events until the client leaves.
func (h *Hub) ServeWS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.mu.Lock()
		closed := h.closed
		h.mu.Unlock()
		if closed {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": ErrHubClosed.Error()})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("Failed to upgrade event stream", "error", err)
			return
		}
		client := &hubClient{conn: conn, send: make(chan []byte, clientBuffer)}
		if !h.add(client) {
			_ = conn.Close()
			return
		}
		h.logger.Info("Event stream client connected", "remote", c.ClientIP())

		go h.readPump(client)
		h.writePump(client)
		h.logger.Info("Event stream client disconnected", "remote", c.ClientIP())
	}
}

func (h *Hub) add(c *hubClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// readPump discards client messages and detects disconnects.
func (h *Hub) readPump(c *hubClient) {
	defer h.remove(c)
	c.conn.SetReadLimit(512)
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

func (h *Hub) writePump(c *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		h.remove(c)
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Broadcast queues ev to every client.
func (h *Hub) Broadcast(ev LiveEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = h.now()
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("Dropping slow event stream client")
			delete(h.clients, c)
			c.close()
		}
	}
	return nil
}

// =============================================================================
// audit.Sink
// =============================================================================

var _ audit.Sink = (*Hub)(nil)

func (h *Hub) OnWorkerRegistered(_ context.Context, w datatypes.Worker, p datatypes.IsolationPolicy) error {
	return h.Broadcast(LiveEvent{
		Type:     LiveWorkerRegistered,
		WorkerID: w.ID,
		Data:     gin.H{"worker": w, "isolation_level": p.Level},
	})
}

func (h *Hub) OnWorkerDeregistered(_ context.Context, workerID string) error {
	return h.Broadcast(LiveEvent{Type: LiveWorkerDeregistered, WorkerID: workerID})
}

func (h *Hub) OnIsolationPolicyCreated(_ context.Context, p datatypes.IsolationPolicy) error {
	return h.Broadcast(LiveEvent{Type: LivePolicyCreated, WorkerID: p.WorkerID, Data: p})
}

func (h *Hub) OnSecurityEvent(_ context.Context, r datatypes.WorkerSecurityResult) error {
	return h.Broadcast(LiveEvent{
		Type:      LiveSecurityEvent,
		WorkerID:  r.WorkerID,
		Timestamp: r.Timestamp,
		Data:      r,
	})
}

func (h *Hub) OnConfigUpdated(_ context.Context, cfg config.WorkerSecurityConfig) error {
	return h.Broadcast(LiveEvent{Type: LiveConfigUpdated, Data: cfg})
}
