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

type HistoryPage struct {
	Messages   []models.Message  `json:"messages"`
	Pagination models.Pagination `json:"pagination"`
}

type ConversationPage struct {
	Conversations []models.ConversationSummary `json:"conversations"`
	Pagination    models.Pagination            `json:"pagination"`
}

// MarkRead moves everything addressed to reader in the conversation to read,
// resets their unread counter and tells the other participant.
func (e *Engine) MarkRead(ctx context.Context, reader models.Identity, conversationID string) (*models.MessagesReadPayload, error) {
	conv, err := e.conversationFor(ctx, reader, conversationID)
	if err != nil {
		return nil, err
	}
	return e.markRead(ctx, reader, conv)
}

func (e *Engine) markRead(ctx context.Context, reader models.Identity, conv *models.Conversation) (*models.MessagesReadPayload, error) {
	at := e.now()
	n, err := e.store.MarkConversationRead(ctx, conv.ID, reader.ID, at)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to mark messages read")
	}

	receipt := &models.MessagesReadPayload{
		ConversationID: conv.ID,
		ReaderID:       reader.ID,
		ReadAt:         at,
		Count:          n,
	}
	if n == 0 {
		return receipt, nil
	}

	evt := models.Event{Type: models.EventMessagesRead, Data: *receipt}
	if other, ok := conv.Other(reader.ID); ok {
		e.notify(other.UserID, evt)
		e.fanOut(conv.ID, evt, reader.ID, other.UserID)
	}
	return receipt, nil
}

// History returns one page of the conversation for viewer, newest page
// first and oldest-first within the page. Fetching history marks the
// viewer's incoming messages read.
func (e *Engine) History(ctx context.Context, viewer models.Identity, conversationID string, page, pageSize int) (*HistoryPage, error) {
	conv, err := e.conversationFor(ctx, viewer, conversationID)
	if err != nil {
		return nil, err
	}
	if _, err := e.markRead(ctx, viewer, conv); err != nil {
		return nil, err
	}

	page, pageSize = pagination(page, pageSize)
	msgs, total, err := e.store.ListMessages(ctx, conv.ID, viewer.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to load messages")
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	return &HistoryPage{
		Messages:   msgs,
		Pagination: models.NewPagination(page, pageSize, total),
	}, nil
}

func (e *Engine) ListConversations(ctx context.Context, user models.Identity, page, pageSize int) (*ConversationPage, error) {
	page, pageSize = pagination(page, pageSize)
	convs, total, err := e.store.ListConversations(ctx, user.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to list conversations")
	}

	lastIDs := make([]string, 0, len(convs))
	for _, c := range convs {
		if c.LastMessageID != nil {
			lastIDs = append(lastIDs, *c.LastMessageID)
		}
	}
	last, err := e.store.GetMessages(ctx, lastIDs)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to load last messages")
	}

	summaries := make([]models.ConversationSummary, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		other, _ := c.Other(user.ID)
		summary := models.ConversationSummary{
			ID:          c.ID,
			Other:       other,
			UnreadCount: c.UnreadFor(user.ID),
			Status:      c.Status,
			UpdatedAt:   c.UpdatedAt,
		}
		if c.LastMessageID != nil {
			if msg, ok := last[*c.LastMessageID]; ok && !msg.IsHiddenFor(user.ID) {
				summary.LastMessage = msg
			}
		}
		summaries = append(summaries, summary)
	}

	return &ConversationPage{
		Conversations: summaries,
		Pagination:    models.NewPagination(page, pageSize, total),
	}, nil
}

func (e *Engine) UnreadSummary(ctx context.Context, user models.Identity) (*models.UnreadSummary, error) {
	counts, err := e.store.UnreadCounts(ctx, user.ID)
	if err != nil {
		return nil, apperr.Dependency(err, "failed to load unread counts")
	}
	summary := &models.UnreadSummary{Conversations: counts}
	if summary.Conversations == nil {
		summary.Conversations = []models.UnreadCount{}
	}
	for _, c := range counts {
		summary.Total += c.Count
	}
	return summary, nil
}

// SetConversationStatus archives, blocks or re-activates a conversation on
// behalf of one of its participants.
func (e *Engine) SetConversationStatus(ctx context.Context, caller models.Identity, conversationID string, status models.ConversationStatus) (*models.Conversation, error) {
	if !status.Valid() {
		return nil, apperr.Validation("invalid conversation status %q", status)
	}
	conv, err := e.conversationFor(ctx, caller, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}

	at := e.now()
	if err := e.store.SetConversationStatus(ctx, conv.ID, status, at); err != nil {
		return nil, storageError(err, "conversation %s not found", conv.ID)
	}
	conv.Status = status
	conv.UpdatedAt = at
	e.log.Info("conversation_status_changed", "conversation_id", conv.ID, "user_id", caller.ID, "status", status)
	return conv, nil
}
