// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/livewire/services/livewire/capture"
)

const (
	// DefaultBacklog is the per-client queue length.
	DefaultBacklog = 64

	writeTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Broadcaster streams snapshots to websocket clients.
//
// Each client has a bounded FIFO backlog. When it is full the oldest
// snapshot is dropped. One writer goroutine per client drains its backlog.
type Broadcaster struct {
	backlog int
	opts    options

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn    *websocket.Conn
	backlog int

	mu      sync.Mutex
	ready   *sync.Cond
	pending *queue.Queue
	closed  bool
	dropped int
}

// NewBroadcaster creates a broadcaster. backlog <= 0 means DefaultBacklog.
func NewBroadcaster(backlog int, opts ...Option) *Broadcaster {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return &Broadcaster{
		backlog: backlog,
		opts:    newOptions(opts),
		clients: make(map[*client]struct{}),
	}
}

func (b *Broadcaster) Name() string { return "broadcast" }

// Clients returns the number of connected clients.
func (b *Broadcaster) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// Emit queues snap for every client. It does not wait for any of them.
func (b *Broadcaster) Emit(ctx context.Context, snap *capture.Snapshot) error {
	b.mu.Lock()
	if b.closed || len(b.clients) == 0 {
		b.mu.Unlock()
		return nil
	}
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.Unlock()

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.ID, err)
	}
	for _, c := range clients {
		if c.enqueue(data) {
			b.opts.metrics.RecordSinkDrop(ctx, b.Name())
		}
	}
	return nil
}

// ServeHTTP upgrades the request and streams until the client leaves.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.opts.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, backlog: b.backlog, pending: queue.New()}
	c.ready = sync.NewCond(&c.mu)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		conn.Close()
		return
	}
	b.clients[c] = struct{}{}
	b.mu.Unlock()
	b.opts.logger.Info("snapshot stream client connected", slog.String("remote", r.RemoteAddr))

	go c.writeLoop()

	// Reading processes control frames and notices disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	b.mu.Lock()
	delete(b.clients, c)
	b.mu.Unlock()
	c.close()
	b.opts.logger.Info("snapshot stream client disconnected",
		slog.String("remote", r.RemoteAddr),
		slog.Int("dropped", c.droppedCount()),
	)
}

// Close disconnects every client.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	b.closed = true
	clients := b.clients
	b.clients = make(map[*client]struct{})
	b.mu.Unlock()

	for c := range clients {
		c.close()
	}
	return nil
}

// enqueue adds data, dropping the oldest entry when full. It reports
// whether an entry was dropped.
func (c *client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	dropped := false
	if c.pending.Length() >= c.backlog {
		c.pending.Remove()
		c.dropped++
		dropped = true
	}
	c.pending.Add(data)
	c.ready.Signal()
	return dropped
}

func (c *client) next() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.pending.Length() == 0 && !c.closed {
		c.ready.Wait()
	}
	if c.closed {
		return nil, false
	}
	return c.pending.Remove().([]byte), true
}

func (c *client) writeLoop() {
	for {
		data, ok := c.next()
		if !ok {
			return
		}
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.close()
			return
		}
	}
}

func (c *client) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.ready.Broadcast()
	c.mu.Unlock()
	c.conn.Close()
}

func (c *client) droppedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}
