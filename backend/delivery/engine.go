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

// Package delivery moves messages through sent, delivered and read. The
// HTTP handlers and the websocket transport both call into one Engine.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/logging"
	"github.com/efchatnet/efdeliver/backend/metrics"
	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/presence"
	"github.com/efchatnet/efdeliver/backend/storage"
)

const (
	DefaultMaxMessageLength = 5000
	DefaultAckTimeout       = 5 * time.Second
	DefaultPageSize         = 50
	MaxPageSize             = 100
	MaxPresenceQuery        = 200
)

// OfflineNotifier hands messages that stayed in sent state to whatever
// delivers them outside a live connection.
type OfflineNotifier interface {
	NotifyOffline(ctx context.Context, msg *models.Message) error
}

type Config struct {
	Store    storage.Store
	Registry *presence.Registry
	Rooms    *presence.Rooms
	LastSeen presence.LastSeenStore
	Notifier OfflineNotifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	MaxMessageLength int
	// AckTimeout bounds a live push at send time, on top of whatever the
	// transport enforces itself.
	AckTimeout time.Duration
	Clock      func() time.Time
}

type Engine struct {
	store    storage.Store
	registry *presence.Registry
	rooms    *presence.Rooms
	lastSeen presence.LastSeenStore
	notifier OfflineNotifier
	metrics  *metrics.Metrics
	log      *slog.Logger

	maxLen     int
	ackTimeout time.Duration
	clock      func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.Registry == nil {
		cfg.Registry = presence.NewRegistry()
	}
	if cfg.Rooms == nil {
		cfg.Rooms = presence.NewRooms()
	}
	if cfg.LastSeen == nil {
		cfg.LastSeen = presence.NewMemoryLastSeen()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = DefaultAckTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Engine{
		store:      cfg.Store,
		registry:   cfg.Registry,
		rooms:      cfg.Rooms,
		lastSeen:   cfg.LastSeen,
		notifier:   cfg.Notifier,
		metrics:    cfg.Metrics,
		log:        cfg.Logger,
		maxLen:     cfg.MaxMessageLength,
		ackTimeout: cfg.AckTimeout,
		clock:      cfg.Clock,
	}
}

func (e *Engine) Registry() *presence.Registry {
	return e.registry
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

// storageError maps a store failure to the caller-facing taxonomy.
func storageError(err error, format string, args ...any) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return apperr.Dependency(err, format, args...)
}

// conversationFor loads a conversation and checks that caller is part of it.
func (e *Engine) conversationFor(ctx context.Context, caller models.Identity, conversationID string) (*models.Conversation, error) {
	if conversationID == "" {
		return nil, apperr.Validation("conversation id is required")
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, storageError(err, "conversation %s not found", conversationID)
	}
	if !conv.HasParticipant(caller.ID) {
		return nil, apperr.Permission("not a participant of conversation %s", conversationID)
	}
	return conv, nil
}

// notify sends evt to identity's connection without waiting for an ack.
func (e *Engine) notify(identity string, evt models.Event) bool {
	conn, ok := e.registry.Lookup(identity)
	if !ok {
		return false
	}
	if err := conn.Send(evt); err != nil {
		e.log.Debug("notify_failed", "user_id", identity, "event", evt.Type, "error", err)
		return false
	}
	return true
}

// fanOut sends evt to observers of the conversation room. Connections
// belonging to the participants are skipped since they get direct events.
func (e *Engine) fanOut(conversationID string, evt models.Event, participants ...string) {
	exclude := make([]string, 0, len(participants))
	for _, id := range participants {
		if conn, ok := e.registry.Lookup(id); ok {
			exclude = append(exclude, conn.ID())
		}
	}
	for _, conn := range e.rooms.Members(conversationID, exclude...) {
		if err := conn.Send(evt); err != nil {
			e.log.Debug("room_send_failed", "conversation_id", conversationID, "conn_id", conn.ID(), "error", err)
		}
	}
}

func pagination(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	return page, pageSize
}
