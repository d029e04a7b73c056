// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/permission"
	"github.com/efchatnet/efdeliver/backend/presence"
)

// Connect registers conn as identity's live connection, closes the one it
// replaces, announces the identity and flushes everything still waiting in
// sent state. Call it before reading client events from conn.
func (e *Engine) Connect(ctx context.Context, identity models.Identity, conn presence.Conn) (int, error) {
	prev := e.registry.Register(identity.ID, conn)
	if prev != nil {
		e.rooms.LeaveAll(prev)
		if err := prev.Close(); err != nil {
			e.log.Debug("close_superseded_failed", "user_id", identity.ID, "conn_id", prev.ID(), "error", err)
		}
		e.log.Info("connection_superseded", "user_id", identity.ID, "conn_id", prev.ID())
	} else {
		e.metrics.ConnectionOpened()
	}

	e.broadcast(identity.ID, models.Event{
		Type: models.EventUserOnline,
		Data: models.PresencePayload{UserID: identity.ID},
	})

	return e.Sweep(ctx, identity, conn)
}

// Disconnect drops conn if it is still identity's current connection and
// records the last-seen time. A connection that was already superseded
// changes nothing.
func (e *Engine) Disconnect(ctx context.Context, conn presence.Conn) {
	e.rooms.LeaveAll(conn)
	identity, ok := e.registry.Unregister(conn)
	if !ok {
		return
	}
	e.metrics.ConnectionClosed()

	at := e.now()
	if err := e.lastSeen.Touch(context.WithoutCancel(ctx), identity, at); err != nil {
		e.log.Warn("last_seen_failed", "user_id", identity, "error", err)
	}
	e.broadcast(identity, models.Event{
		Type: models.EventUserOffline,
		Data: models.PresencePayload{UserID: identity, LastSeen: &at},
	})
}

// Sweep moves every message waiting for identity from sent to delivered and
// pushes them to conn tagged as redeliveries. Each original sender that is
// online gets a delivery confirmation.
func (e *Engine) Sweep(ctx context.Context, identity models.Identity, conn presence.Conn) (int, error) {
	msgs, err := e.store.SweepUndelivered(ctx, identity.ID, e.now())
	if err != nil {
		return 0, apperr.Dependency(err, "failed to sweep undelivered messages")
	}

	for i := range msgs {
		msg := msgs[i]
		if err := conn.Send(models.Event{
			Type: models.EventReceiveMessage,
			ID:   msg.ID,
			Data: models.ReceiveMessagePayload{Message: &msg, Redelivery: true},
		}); err != nil {
			e.metrics.PushFailed()
			e.log.Warn("redelivery_failed", "message_id", msg.ID, "user_id", identity.ID, "error", err)
		}
		e.notify(msg.SenderID, models.Event{
			Type: models.EventMessageSent,
			Data: models.MessageSentPayload{
				MessageID:      msg.ID,
				ConversationID: msg.ConversationID,
				Status:         msg.Status,
				DeliveredAt:    msg.DeliveredAt,
			},
		})
	}

	if len(msgs) > 0 {
		e.metrics.Redelivered(len(msgs))
		e.log.Info("sweep_redelivered", "user_id", identity.ID, "count", len(msgs))
	}
	return len(msgs), nil
}

func (e *Engine) broadcast(from string, evt models.Event) {
	for identity, conn := range e.registry.Snapshot() {
		if identity == from {
			continue
		}
		if err := conn.Send(evt); err != nil {
			e.log.Debug("broadcast_failed", "user_id", identity, "event", evt.Type, "error", err)
		}
	}
}

// OnlineStatus reports presence for each id, with a last-seen time for the
// ones that are offline and were seen before.
func (e *Engine) OnlineStatus(ctx context.Context, ids []string) (map[string]models.OnlineStatus, error) {
	if len(ids) > MaxPresenceQuery {
		return nil, apperr.Validation("at most %d ids per presence query", MaxPresenceQuery)
	}

	out := make(map[string]models.OnlineStatus, len(ids))
	var offline []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		if e.registry.IsOnline(id) {
			out[id] = models.OnlineStatus{Online: true}
			continue
		}
		out[id] = models.OnlineStatus{}
		offline = append(offline, id)
	}
	if len(offline) == 0 {
		return out, nil
	}

	seen, err := e.lastSeen.LastSeen(ctx, offline)
	if err != nil {
		e.log.Warn("last_seen_lookup_failed", "count", len(offline), "error", err)
		return out, nil
	}
	for id, at := range seen {
		out[id] = models.OnlineStatus{LastSeen: &at}
	}
	return out, nil
}

// Typing forwards a typing indicator to the other participant, if online.
func (e *Engine) Typing(ctx context.Context, sender models.Identity, conversationID string, typing bool) error {
	conv, err := e.conversationFor(ctx, sender, conversationID)
	if err != nil {
		return err
	}
	other, ok := conv.Other(sender.ID)
	if !ok {
		return nil
	}
	e.notify(other.UserID, models.Event{
		Type: models.EventUserTyping,
		Data: models.TypingPayload{ConversationID: conv.ID, UserID: sender.ID, Typing: typing},
	})
	return nil
}

// JoinRoom subscribes conn to conversation-scoped events. Participants and
// observers may join.
func (e *Engine) JoinRoom(ctx context.Context, caller models.Identity, conn presence.Conn, conversationID string) error {
	if conversationID == "" {
		return apperr.Validation("conversation id is required")
	}
	conv, err := e.store.GetConversation(ctx, conversationID)
	if err != nil {
		return storageError(err, "conversation %s not found", conversationID)
	}
	if !conv.HasParticipant(caller.ID) && !permission.CanObserve(caller.Role) {
		return apperr.Permission("not allowed to join conversation %s", conversationID)
	}
	e.rooms.Join(conv.ID, conn)
	return nil
}

func (e *Engine) LeaveRoom(conn presence.Conn, conversationID string) {
	e.rooms.Leave(conversationID, conn)
}
