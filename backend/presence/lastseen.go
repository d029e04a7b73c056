// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package presence

import (
	"context"
	"sync"
	"time"
)

// LastSeenStore remembers when an identity last dropped its connection.
type LastSeenStore interface {
	Touch(ctx context.Context, identity string, at time.Time) error
	LastSeen(ctx context.Context, identities []string) (map[string]time.Time, error)
}

// MemoryLastSeen is used when no Redis is configured.
type MemoryLastSeen struct {
	mu   sync.RWMutex
	seen map[string]time.Time
}

func NewMemoryLastSeen() *MemoryLastSeen {
	return &MemoryLastSeen{seen: make(map[string]time.Time)}
}

func (m *MemoryLastSeen) Touch(_ context.Context, identity string, at time.Time) error {
	m.mu.Lock()
	m.seen[identity] = at
	m.mu.Unlock()
	return nil
}

func (m *MemoryLastSeen) LastSeen(_ context.Context, identities []string) (map[string]time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]time.Time, len(identities))
	for _, id := range identities {
		if at, ok := m.seen[id]; ok {
			out[id] = at
		}
	}
	return out, nil
}
