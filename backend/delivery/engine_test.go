// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/presence"
	"github.com/efchatnet/efdeliver/backend/storage/sqlstore"
)

var (
	alice = models.Identity{ID: "alice", Role: models.RoleUser}
	bob   = models.Identity{ID: "bob", Role: models.RoleOrphanage}
	carol = models.Identity{ID: "carol", Role: models.RoleVolunteer}
	root  = models.Identity{ID: "root", Role: models.RoleSuperAdmin}
	epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
)

var errConnClosed = errors.New("connection closed")

type fakeConn struct {
	id string

	mu         sync.Mutex
	events     []models.Event
	closed     bool
	deliverErr error
	beforeAck  func()
}

func newConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(evt models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *fakeConn) Deliver(_ context.Context, evt models.Event) error {
	c.mu.Lock()
	err, hook := c.deliverErr, c.beforeAck
	c.mu.Unlock()
	if err != nil {
		return err
	}
	if err := c.Send(evt); err != nil {
		return err
	}
	if hook != nil {
		hook()
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) eventsOf(typ models.EventType) []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []models.Event
	for _, evt := range c.events {
		if evt.Type == typ {
			out = append(out, evt)
		}
	}
	return out
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (n *recordingNotifier) NotifyOffline(_ context.Context, msg *models.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg.ID)
	return nil
}

type harness struct {
	engine   *Engine
	store    *sqlstore.Store
	notifier *recordingNotifier
	lastSeen *presence.MemoryLastSeen
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var tick atomic.Int64
	h := &harness{
		store:    store,
		notifier: &recordingNotifier{},
		lastSeen: presence.NewMemoryLastSeen(),
	}
	h.engine = New(Config{
		Store:            store,
		LastSeen:         h.lastSeen,
		Notifier:         h.notifier,
		MaxMessageLength: 20,
		AckTimeout:       time.Second,
		Clock: func() time.Time {
			return epoch.Add(time.Duration(tick.Add(1)) * time.Second)
		},
	})
	return h
}

func (h *harness) connect(t *testing.T, who models.Identity, conn *fakeConn) {
	t.Helper()
	_, err := h.engine.Connect(context.Background(), who, conn)
	require.NoError(t, err)
}

func (h *harness) send(t *testing.T, from, to models.Identity, content string) *models.Message {
	t.Helper()
	msg, err := h.engine.SendMessage(context.Background(), from, SendRequest{
		ReceiverID:   to.ID,
		ReceiverRole: to.Role,
		Content:      content,
	})
	require.NoError(t, err)
	return msg
}

func (h *harness) stored(t *testing.T, id string) *models.Message {
	t.Helper()
	msg, err := h.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	return msg
}
