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
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/metrics"
	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/permission"
	"github.com/efchatnet/efdeliver/backend/storage"
)

type SendRequest struct {
	ReceiverID   string             `json:"receiver_id"`
	ReceiverRole models.Role        `json:"receiver_role"`
	Content      string             `json:"content"`
	Type         models.MessageType `json:"type,omitempty"`
}

func (e *Engine) validateReceiver(sender models.Identity, receiverID string, receiverRole models.Role) error {
	if receiverID == "" {
		return apperr.Validation("receiver_id is required")
	}
	if !receiverRole.Valid() {
		return apperr.Validation("invalid receiver_role %q", receiverRole)
	}
	if receiverID == sender.ID {
		return apperr.Validation("cannot start a conversation with yourself")
	}
	if !permission.IsAllowed(sender.Role, receiverRole) {
		return apperr.Permission("%s accounts cannot message %s accounts", sender.Role, receiverRole)
	}
	return nil
}

// SendMessage persists a message from sender and pushes it to the receiver
// if they are connected. The returned message carries the final status.
func (e *Engine) SendMessage(ctx context.Context, sender models.Identity, req SendRequest) (*models.Message, error) {
	if strings.TrimSpace(req.Content) == "" {
		e.metrics.MessageSent(metrics.OutcomeRejected)
		return nil, apperr.Validation("content is required")
	}
	if n := utf8.RuneCountInString(req.Content); n > e.maxLen {
		e.metrics.MessageSent(metrics.OutcomeRejected)
		return nil, apperr.Validation("content is %d characters, limit is %d", n, e.maxLen)
	}
	if req.Type == "" {
		req.Type = models.MessageText
	}
	if !req.Type.Valid() {
		e.metrics.MessageSent(metrics.OutcomeRejected)
		return nil, apperr.Validation("invalid message type %q", req.Type)
	}
	if err := e.validateReceiver(sender, req.ReceiverID, req.ReceiverRole); err != nil {
		e.metrics.MessageSent(metrics.OutcomeRejected)
		return nil, err
	}

	receiver := models.Identity{ID: req.ReceiverID, Role: req.ReceiverRole}
	conv, err := e.resolveConversation(ctx, sender, receiver)
	if err != nil {
		e.metrics.MessageSent(metrics.OutcomeFailed)
		return nil, err
	}
	if conv.Status == models.ConversationBlocked {
		e.metrics.MessageSent(metrics.OutcomeRejected)
		return nil, apperr.Permission("conversation %s is blocked", conv.ID)
	}

	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sender.ID,
		SenderRole:     sender.Role,
		ReceiverID:     receiver.ID,
		ReceiverRole:   receiver.Role,
		Content:        req.Content,
		Type:           req.Type,
		Status:         models.StatusSent,
		SentAt:         e.now(),
	}
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		e.metrics.MessageSent(metrics.OutcomeFailed)
		return nil, apperr.Dependency(err, "failed to store message")
	}
	if err := e.store.RecordMessage(ctx, conv.ID, msg.ID, receiver.ID, msg.SentAt); err != nil {
		e.metrics.MessageSent(metrics.OutcomeFailed)
		return nil, apperr.Dependency(err, "failed to update conversation")
	}

	// The message is durable from here on; the rest is best effort and
	// must not be cut short by the caller going away.
	ctx = context.WithoutCancel(ctx)

	e.push(ctx, msg)

	if msg.Status == models.StatusSent && e.notifier != nil {
		if err := e.notifier.NotifyOffline(ctx, msg); err != nil {
			e.log.Warn("offline_notify_failed", "message_id", msg.ID, "user_id", msg.ReceiverID, "error", err)
		}
	}

	e.notify(sender.ID, models.Event{
		Type: models.EventMessageSent,
		Data: models.MessageSentPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Status:         msg.Status,
			DeliveredAt:    msg.DeliveredAt,
		},
	})

	observed := *msg
	e.fanOut(conv.ID, models.Event{
		Type: models.EventReceiveMessage,
		Data: models.ReceiveMessagePayload{Message: &observed},
	}, sender.ID, receiver.ID)

	e.metrics.MessageSent(string(msg.Status))
	e.log.Debug("message_sent", "message_id", msg.ID, "conversation_id", conv.ID, "status", msg.Status)
	return msg, nil
}

// push delivers msg to a connected receiver and upgrades it to delivered
// once the transport confirms the peer acknowledged it.
func (e *Engine) push(ctx context.Context, msg *models.Message) {
	conn, ok := e.registry.Lookup(msg.ReceiverID)
	if !ok {
		return
	}

	pushed := *msg
	pushCtx, cancel := context.WithTimeout(ctx, e.ackTimeout)
	err := conn.Deliver(pushCtx, models.Event{
		Type: models.EventReceiveMessage,
		ID:   msg.ID,
		Data: models.ReceiveMessagePayload{Message: &pushed},
	})
	cancel()
	if err != nil {
		e.metrics.PushFailed()
		e.log.Warn("push_failed", "message_id", msg.ID, "user_id", msg.ReceiverID, "error", apperr.Transport(err, "push to %s", conn.ID()))
		return
	}

	at := e.now()
	updated, err := e.store.MarkDelivered(ctx, msg.ID, at)
	if err != nil {
		e.log.Error("mark_delivered_failed", "message_id", msg.ID, "error", err)
		return
	}
	if updated {
		msg.Status = models.StatusDelivered
		msg.DeliveredAt = &at
		return
	}

	// A sweep or a read got there first; report what is stored.
	current, err := e.store.GetMessage(ctx, msg.ID)
	if err != nil {
		e.log.Error("reload_message_failed", "message_id", msg.ID, "error", err)
		return
	}
	msg.Status = current.Status
	msg.DeliveredAt = current.DeliveredAt
	msg.ReadAt = current.ReadAt
}

// GetOrCreateConversation returns the conversation between caller and the
// receiver, creating it if needed.
func (e *Engine) GetOrCreateConversation(ctx context.Context, caller models.Identity, receiverID string, receiverRole models.Role) (*models.Conversation, error) {
	if err := e.validateReceiver(caller, receiverID, receiverRole); err != nil {
		return nil, err
	}
	return e.resolveConversation(ctx, caller, models.Identity{ID: receiverID, Role: receiverRole})
}

// resolveConversation finds or creates the conversation for a pair. The
// store's unique pair constraint decides a creation race; the loser reads
// the winner's row, and a second lost race is reported as a conflict.
func (e *Engine) resolveConversation(ctx context.Context, a, b models.Identity) (*models.Conversation, error) {
	for attempt := 0; attempt < 2; attempt++ {
		conv, err := e.store.FindConversation(ctx, a.ID, b.ID)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.Dependency(err, "failed to look up conversation")
		}

		now := e.now()
		conv = &models.Conversation{
			ID:        uuid.NewString(),
			Status:    models.ConversationActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		conv.SetParticipants([]models.Participant{models.NewParticipant(a), models.NewParticipant(b)})

		created, err := e.store.CreateConversation(ctx, conv)
		if err != nil {
			return nil, apperr.Dependency(err, "failed to create conversation")
		}
		if created {
			e.log.Info("conversation_created", "conversation_id", conv.ID, "user_id", a.ID, "other_id", b.ID)
			return conv, nil
		}
		e.log.Debug("conversation_create_raced", "user_id", a.ID, "other_id", b.ID, "attempt", attempt)
	}
	return nil, apperr.Conflict(nil, "conversation between %s and %s is being created concurrently", a.ID, b.ID)
}
