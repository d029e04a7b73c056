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
)

type DeleteMode string

const (
	// Removed for both parties.
	DeleteHard DeleteMode = "hard"
	// Hidden for the caller only.
	DeleteSoft DeleteMode = "soft"
)

type DeleteResult struct {
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	Mode           DeleteMode `json:"mode"`
}

// DeleteMessage hard-deletes when the caller sent the message and hides it
// for the caller when they received it.
func (e *Engine) DeleteMessage(ctx context.Context, caller models.Identity, messageID string) (*DeleteResult, error) {
	if messageID == "" {
		return nil, apperr.Validation("message id is required")
	}
	msg, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, storageError(err, "message %s not found", messageID)
	}

	result := &DeleteResult{MessageID: msg.ID, ConversationID: msg.ConversationID}
	switch caller.ID {
	case msg.SenderID:
		if err := e.store.DeleteMessage(ctx, msg.ID); err != nil {
			return nil, storageError(err, "message %s not found", messageID)
		}
		result.Mode = DeleteHard

		evt := models.Event{
			Type: models.EventMessageDeleted,
			Data: models.MessageDeletedPayload{MessageID: msg.ID, ConversationID: msg.ConversationID},
		}
		e.notify(msg.ReceiverID, evt)
		e.fanOut(msg.ConversationID, evt, msg.SenderID, msg.ReceiverID)
		e.log.Info("message_deleted", "message_id", msg.ID, "conversation_id", msg.ConversationID, "user_id", caller.ID)

	case msg.ReceiverID:
		if !msg.IsHiddenFor(caller.ID) {
			if err := e.store.HideMessage(ctx, msg.ID, caller.ID); err != nil {
				return nil, apperr.Dependency(err, "failed to hide message")
			}
		}
		result.Mode = DeleteSoft

	default:
		return nil, apperr.Permission("message %s does not belong to you", messageID)
	}
	return result, nil
}
