// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package ws carries the live-connection protocol over websockets.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdeliver/backend/models"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	maxFrameSize   = 64 << 10
	sendBufferSize = 256
)

var (
	ErrClosed     = errors.New("ws: connection closed")
	ErrBufferFull = errors.New("ws: send buffer full")
	ErrAckTimeout = errors.New("ws: ack timeout")
)

// Client is one websocket connection. It satisfies presence.Conn.
type Client struct {
	id       string
	identity models.Identity
	conn     *websocket.Conn
	log      *slog.Logger

	ackTimeout   time.Duration
	writeTimeout time.Duration

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	pending map[string]chan struct{}
}

func newClient(conn *websocket.Conn, identity models.Identity, ackTimeout, writeTimeout time.Duration, log *slog.Logger) *Client {
	return &Client{
		id:           uuid.NewString(),
		identity:     identity,
		conn:         conn,
		log:          log,
		ackTimeout:   ackTimeout,
		writeTimeout: writeTimeout,
		send:         make(chan []byte, sendBufferSize),
		done:         make(chan struct{}),
		pending:      make(map[string]chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Identity() models.Identity { return c.identity }

// Send queues evt for the writer without waiting for the peer.
func (c *Client) Send(evt models.Event) error {
	frame, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.send <- frame:
		return nil
	default:
	}

	// Full buffer: wait for the writer at most one write timeout.
	timer := time.NewTimer(c.writeTimeout)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrClosed
	case <-timer.C:
		return ErrBufferFull
	}
}

// Deliver sends evt and waits for the client to ack its id.
func (c *Client) Deliver(ctx context.Context, evt models.Event) error {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	acked := make(chan struct{})
	c.mu.Lock()
	c.pending[evt.ID] = acked
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, evt.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(evt); err != nil {
		return err
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-acked:
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) ack(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if acked, ok := c.pending[id]; ok {
		close(acked)
		delete(c.pending, id)
	}
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		deadline := time.Now().Add(time.Second)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) writer() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.log.Debug("ws_write_failed", "conn_id", c.id, "error", err)
				c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// reader hands every decoded frame to handle until the connection fails.
func (c *Client) reader(handle func(models.InboundEvent)) {
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("ws_read_failed", "conn_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var in models.InboundEvent
		if err := json.Unmarshal(data, &in); err != nil || in.Type == "" {
			c.Send(models.Event{Type: models.EventAck, Data: failure(errMalformed)})
			continue
		}
		if in.Type == models.EventAck {
			c.ack(in.ID)
			continue
		}
		handle(in)
	}
}
