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

// Package presence tracks which identities currently hold a live connection.
package presence

import (
	"context"
	"sync"

	"github.com/efchatnet/efdeliver/backend/models"
)

// Conn is a live connection as seen by the delivery core.
type Conn interface {
	// ID is unique per connection, not per identity.
	ID() string

	// Send queues evt without waiting for the peer. It fails fast when the
	// connection is closed or its outbound buffer is full.
	Send(evt models.Event) error

	// Deliver pushes evt and blocks until the peer acknowledges it, the
	// transport's ack timeout expires, or ctx is done.
	Deliver(ctx context.Context, evt models.Event) error

	Close() error
}

// Registry is the in-memory identity <-> connection table. At most one
// connection is held per identity.
type Registry struct {
	mu         sync.RWMutex
	byIdentity map[string]Conn
	byConn     map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[string]Conn),
		byConn:     make(map[string]string),
	}
}

// Register makes conn the current connection for identity and returns the
// connection it superseded, if any. The caller decides whether to close it.
func (r *Registry) Register(identity string, conn Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, ok := r.byIdentity[identity]
	if ok && prev.ID() == conn.ID() {
		return nil
	}
	if ok {
		delete(r.byConn, prev.ID())
	}
	r.byIdentity[identity] = conn
	r.byConn[conn.ID()] = identity
	return prev
}

// Unregister removes conn if it is still the current connection of its
// identity. A stale connection that was already superseded is a no-op.
func (r *Registry) Unregister(conn Conn) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	identity, ok := r.byConn[conn.ID()]
	if !ok {
		return "", false
	}
	delete(r.byConn, conn.ID())
	if current, ok := r.byIdentity[identity]; ok && current.ID() == conn.ID() {
		delete(r.byIdentity, identity)
	}
	return identity, true
}

func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.byIdentity[identity]
	return conn, ok
}

func (r *Registry) IsOnline(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// Snapshot returns the current connections keyed by identity.
func (r *Registry) Snapshot() map[string]Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Conn, len(r.byIdentity))
	for identity, conn := range r.byIdentity {
		out[identity] = conn
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}
