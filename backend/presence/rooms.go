// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package presence

import "sync"

// Rooms tracks which connections subscribed to which conversation.
type Rooms struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn // room -> conn id -> conn
	joined  map[string]map[string]struct{}
}

func NewRooms() *Rooms {
	return &Rooms{
		members: make(map[string]map[string]Conn),
		joined:  make(map[string]map[string]struct{}),
	}
}

func (r *Rooms) Join(room string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.members[room] == nil {
		r.members[room] = make(map[string]Conn)
	}
	r.members[room][conn.ID()] = conn
	if r.joined[conn.ID()] == nil {
		r.joined[conn.ID()] = make(map[string]struct{})
	}
	r.joined[conn.ID()][room] = struct{}{}
}

func (r *Rooms) Leave(room string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(room, conn.ID())
}

// LeaveAll drops conn from every room it joined.
func (r *Rooms) LeaveAll(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room := range r.joined[conn.ID()] {
		r.leave(room, conn.ID())
	}
}

func (r *Rooms) leave(room, connID string) {
	if m := r.members[room]; m != nil {
		delete(m, connID)
		if len(m) == 0 {
			delete(r.members, room)
		}
	}
	if j := r.joined[connID]; j != nil {
		delete(j, room)
		if len(j) == 0 {
			delete(r.joined, connID)
		}
	}
}

// Members returns the room's connections, minus any whose id is in exclude.
func (r *Rooms) Members(room string, exclude ...string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Conn, 0, len(r.members[room]))
next:
	for id, conn := range r.members[room] {
		for _, skip := range exclude {
			if id == skip {
				continue next
			}
		}
		out = append(out, conn)
	}
	return out
}
