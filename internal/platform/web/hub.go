package web

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dontdude/sandboxd/internal/domain"
	"github.com/gorilla/websocket"
)

const (
	writeTimeout = 5 * time.Second
	// resultTTL is how long a result waits for a late WebSocket client.
	resultTTL = time.Minute
)

// client serializes writes to one WebSocket connection.
type client struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *client) send(res domain.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(res)
}

type cachedResult struct {
	result domain.Result
	at     time.Time
}

// Hub routes results to the WebSocket clients waiting for their job.
type Hub struct {
	mu      sync.Mutex
	clients map[string]map[*client]struct{}
	recent  map[string]cachedResult
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
		recent:  make(map[string]cachedResult),
	}
}

// Register attaches conn to jobID and returns the func that detaches it. A
// result that already arrived is sent at once.
func (h *Hub) Register(jobID string, conn *websocket.Conn) func() {
	c := &client{conn: conn}

	h.mu.Lock()
	if h.clients[jobID] == nil {
		h.clients[jobID] = make(map[*client]struct{})
	}
	h.clients[jobID][c] = struct{}{}
	cached, ok := h.recent[jobID]
	h.mu.Unlock()

	if ok {
		if err := c.send(cached.result); err != nil {
			slog.Error("Failed to write to websocket", "jobID", jobID, "error", err)
		}
	}
	return func() { h.unregister(jobID, c) }
}

func (h *Hub) unregister(jobID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[jobID], c)
	if len(h.clients[jobID]) == 0 {
		delete(h.clients, jobID)
	}
}

// Deliver forwards res to every client of its job and keeps it for late joiners.
func (h *Hub) Deliver(res domain.Result) int {
	h.mu.Lock()
	h.recent[res.SubmissionID] = cachedResult{result: res, at: time.Now()}
	targets := make([]*client, 0, len(h.clients[res.SubmissionID]))
	for c := range h.clients[res.SubmissionID] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	delivered := 0
	for _, c := range targets {
		if err := c.send(res); err != nil {
			slog.Error("Failed to write to websocket", "jobID", res.SubmissionID, "error", err)
			c.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

// Run forwards results until the channel closes or ctx is done.
func (h *Hub) Run(ctx context.Context, results <-chan domain.Result) {
	slog.Info("Starting Result Broadcaster...")
	ticker := time.NewTicker(resultTTL)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-results:
			if !ok {
				return
			}
			h.Deliver(res)
		case <-ticker.C:
			h.expire(time.Now().Add(-resultTTL))
		}
	}
}

func (h *Hub) expire(before time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.recent {
		if c.at.Before(before) {
			delete(h.recent, id)
		}
	}
}
