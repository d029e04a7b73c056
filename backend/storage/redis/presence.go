// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/presence"
)

const (
	// How long a last-seen mark survives without a new disconnect
	LastSeenTTL = 30 * 24 * time.Hour

	// Redis key prefixes
	lastSeenPrefix = "presence:lastseen:" // presence:lastseen:{userId} - RFC3339 timestamp
	notifyPrefix   = "chat:notify:"       // chat:notify:{userId} - offline message channel
)

var _ presence.LastSeenStore = (*PresenceStore)(nil)

// NewClient accepts either a redis:// URL or a bare host:port address.
func NewClient(addr string) (*redis.Client, error) {
	if strings.Contains(addr, "://") {
		opts, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opts), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

// PresenceStore keeps last-seen timestamps so they outlive the process that
// observed the disconnect.
type PresenceStore struct {
	rdb *redis.Client
}

func NewPresenceStore(rdb *redis.Client) *PresenceStore {
	return &PresenceStore{rdb: rdb}
}

func (s *PresenceStore) Touch(ctx context.Context, identity string, at time.Time) error {
	key := lastSeenPrefix + identity
	if err := s.rdb.Set(ctx, key, at.UTC().Format(time.RFC3339Nano), LastSeenTTL).Err(); err != nil {
		return fmt.Errorf("failed to store last seen: %w", err)
	}
	return nil
}

func (s *PresenceStore) LastSeen(ctx context.Context, identities []string) (map[string]time.Time, error) {
	out := make(map[string]time.Time, len(identities))
	if len(identities) == 0 {
		return out, nil
	}

	keys := make([]string, len(identities))
	for i, id := range identities {
		keys[i] = lastSeenPrefix + id
	}
	values, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get last seen: %w", err)
	}

	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue // never seen or expired
		}
		at, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			continue // skip malformed entries
		}
		out[identities[i]] = at
	}
	return out, nil
}

// Notifier publishes messages that could not be pushed live so that
// downstream push or email workers can pick them up.
type Notifier struct {
	rdb *redis.Client
}

func NewNotifier(rdb *redis.Client) *Notifier {
	return &Notifier{rdb: rdb}
}

func (n *Notifier) NotifyOffline(ctx context.Context, msg *models.Message) error {
	notification, err := json.Marshal(map[string]string{
		"type":            "new_message",
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"sender_id":       msg.SenderID,
		"sender_role":     string(msg.SenderRole),
		"message_type":    string(msg.Type),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	if err := n.rdb.Publish(ctx, notifyPrefix+msg.ReceiverID, notification).Err(); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	return nil
}

// Subscribe returns the offline notification feed for a user.
func (n *Notifier) Subscribe(ctx context.Context, userID string) *redis.PubSub {
	return n.rdb.Subscribe(ctx, notifyPrefix+userID)
}
