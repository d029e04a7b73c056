// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package delivery

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/models"
)

func TestReconnectSweepRedelivers(t *testing.T) {
	h := newHarness(t)
	aliceConn := newConn("a1")
	h.connect(t, alice, aliceConn)

	msg := h.send(t, alice, bob, "Hello")
	require.Equal(t, models.StatusSent, msg.Status)

	bobConn := newConn("b1")
	n, err := h.engine.Connect(context.Background(), bob, bobConn)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored := h.stored(t, msg.ID)
	assert.Equal(t, models.StatusDelivered, stored.Status)
	require.NotNil(t, stored.DeliveredAt)

	received := bobConn.eventsOf(models.EventReceiveMessage)
	require.Len(t, received, 1)
	payload := received[0].Data.(models.ReceiveMessagePayload)
	assert.True(t, payload.Redelivery)
	assert.Equal(t, msg.ID, payload.Message.ID)
	assert.Equal(t, models.StatusDelivered, payload.Message.Status)

	// send-time echo, then the sweep's confirmation
	echoes := aliceConn.eventsOf(models.EventMessageSent)
	require.Len(t, echoes, 2)
	assert.Equal(t, models.StatusSent, echoes[0].Data.(models.MessageSentPayload).Status)
	confirm := echoes[1].Data.(models.MessageSentPayload)
	assert.Equal(t, msg.ID, confirm.MessageID)
	assert.Equal(t, models.StatusDelivered, confirm.Status)

	// alice saw bob come online
	online := aliceConn.eventsOf(models.EventUserOnline)
	require.Len(t, online, 1)
	assert.Equal(t, bob.ID, online[0].Data.(models.PresencePayload).UserID)

	// reconnecting sweeps nothing
	again := newConn("b2")
	n, err = h.engine.Connect(context.Background(), bob, again)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, again.eventsOf(models.EventReceiveMessage))
}

func TestSweepNeverTouchesReadMessages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	msg := h.send(t, alice, bob, "read me")
	_, err := h.engine.MarkRead(ctx, bob, msg.ConversationID)
	require.NoError(t, err)

	n, err := h.engine.Connect(ctx, bob, newConn("b1"))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.StatusRead, h.stored(t, msg.ID).Status)
}

func TestHistoryFetchMarksRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceConn, bobConn := newConn("a1"), newConn("b1")
	h.connect(t, alice, aliceConn)
	h.connect(t, bob, bobConn)

	msg := h.send(t, alice, bob, "Hi")
	reply := h.send(t, bob, alice, "Hey")

	page, err := h.engine.History(ctx, bob, msg.ConversationID, 1, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, msg.ID, page.Messages[0].ID)
	assert.Equal(t, models.StatusRead, page.Messages[0].Status)
	assert.NotNil(t, page.Messages[0].ReadAt)
	assert.Equal(t, models.StatusDelivered, page.Messages[1].Status)
	assert.Equal(t, models.Pagination{Page: 1, PageSize: DefaultPageSize, Total: 2, TotalPages: 1}, page.Pagination)

	receipts := aliceConn.eventsOf(models.EventMessagesRead)
	require.Len(t, receipts, 1)
	receipt := receipts[0].Data.(models.MessagesReadPayload)
	assert.Equal(t, bob.ID, receipt.ReaderID)
	assert.Equal(t, msg.ConversationID, receipt.ConversationID)
	assert.False(t, receipt.ReadAt.IsZero())
	assert.EqualValues(t, 1, receipt.Count)

	conv, err := h.store.GetConversation(ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadFor(bob.ID))
	assert.Equal(t, 1, conv.UnreadFor(alice.ID))
	assert.Equal(t, models.StatusDelivered, h.stored(t, reply.ID).Status)

	// nothing new to read, no second receipt
	_, err = h.engine.History(ctx, bob, msg.ConversationID, 1, 10)
	require.NoError(t, err)
	assert.Len(t, aliceConn.eventsOf(models.EventMessagesRead), 1)
}

func TestMarkReadBatchResetsOnlyReader(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var convID string
	for i := 0; i < 4; i++ {
		convID = h.send(t, alice, bob, fmt.Sprintf("m%d", i)).ConversationID
	}
	h.send(t, bob, alice, "one back")

	receipt, err := h.engine.MarkRead(ctx, bob, convID)
	require.NoError(t, err)
	assert.EqualValues(t, 4, receipt.Count)

	conv, err := h.store.GetConversation(ctx, convID)
	require.NoError(t, err)
	assert.Equal(t, 0, conv.UnreadFor(bob.ID))
	assert.Equal(t, 1, conv.UnreadFor(alice.ID))

	_, err = h.engine.MarkRead(ctx, carol, convID)
	assert.True(t, apperr.Is(err, apperr.CodePermission))
	_, err = h.engine.MarkRead(ctx, bob, "missing")
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
	_, err = h.engine.MarkRead(ctx, bob, "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestHistoryPaging(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var convID string
	for i := 0; i < 5; i++ {
		convID = h.send(t, alice, bob, fmt.Sprintf("m%d", i)).ConversationID
	}

	page, err := h.engine.History(ctx, alice, convID, 1, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m3", page.Messages[0].Content)
	assert.Equal(t, "m4", page.Messages[1].Content)
	assert.Equal(t, models.Pagination{Page: 1, PageSize: 2, Total: 5, TotalPages: 3, HasMore: true}, page.Pagination)

	page, err = h.engine.History(ctx, alice, convID, 3, 2)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	assert.Equal(t, "m0", page.Messages[0].Content)
	assert.False(t, page.Pagination.HasMore)

	page, err = h.engine.History(ctx, alice, convID, 9, 500)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.NotNil(t, page.Messages)
	assert.Equal(t, MaxPageSize, page.Pagination.PageSize)
}

func TestSenderDeleteRemovesForBoth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bobConn := newConn("b1")

	msg := h.send(t, alice, bob, "oops")
	keep := h.send(t, alice, bob, "fine")
	h.connect(t, bob, bobConn)

	result, err := h.engine.DeleteMessage(ctx, alice, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, DeleteHard, result.Mode)

	deleted := bobConn.eventsOf(models.EventMessageDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, models.MessageDeletedPayload{MessageID: msg.ID, ConversationID: msg.ConversationID}, deleted[0].Data)

	for _, viewer := range []models.Identity{alice, bob} {
		page, err := h.engine.History(ctx, viewer, msg.ConversationID, 1, 10)
		require.NoError(t, err)
		require.Len(t, page.Messages, 1, viewer.ID)
		assert.Equal(t, keep.ID, page.Messages[0].ID)
	}

	_, err = h.engine.DeleteMessage(ctx, alice, msg.ID)
	assert.True(t, apperr.Is(err, apperr.CodeNotFound))
}

func TestReceiverDeleteHidesForReceiverOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceConn := newConn("a1")
	h.connect(t, alice, aliceConn)

	msg := h.send(t, alice, bob, "private")

	result, err := h.engine.DeleteMessage(ctx, bob, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, DeleteSoft, result.Mode)
	_, err = h.engine.DeleteMessage(ctx, bob, msg.ID)
	require.NoError(t, err)
	assert.Empty(t, aliceConn.eventsOf(models.EventMessageDeleted))

	summary, err := h.engine.UnreadSummary(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)

	bobView, err := h.engine.History(ctx, bob, msg.ConversationID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, bobView.Messages)

	aliceView, err := h.engine.History(ctx, alice, msg.ConversationID, 1, 10)
	require.NoError(t, err)
	require.Len(t, aliceView.Messages, 1)
	// still counted by bob's read, even though hidden for him
	assert.Equal(t, models.StatusRead, aliceView.Messages[0].Status)

	_, err = h.engine.DeleteMessage(ctx, carol, msg.ID)
	assert.True(t, apperr.Is(err, apperr.CodePermission))
}

func TestListConversationsAndUnreadSummary(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.send(t, alice, bob, "from alice")
	h.send(t, carol, bob, "from carol")
	last := h.send(t, carol, bob, "again carol")

	page, err := h.engine.ListConversations(ctx, bob, 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Conversations, 2)

	newest := page.Conversations[0]
	assert.Equal(t, last.ConversationID, newest.ID)
	assert.Equal(t, carol.ID, newest.Other.UserID)
	assert.Equal(t, models.KindVolunteer, newest.Other.Kind)
	assert.Equal(t, 2, newest.UnreadCount)
	require.NotNil(t, newest.LastMessage)
	assert.Equal(t, last.ID, newest.LastMessage.ID)
	assert.Equal(t, first.ConversationID, page.Conversations[1].ID)

	summary, err := h.engine.UnreadSummary(ctx, bob)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Len(t, summary.Conversations, 2)

	summary, err = h.engine.UnreadSummary(ctx, alice)
	require.NoError(t, err)
	assert.Zero(t, summary.Total)
	assert.NotNil(t, summary.Conversations)
}

func TestSupersededConnection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	watcher := newConn("a1")
	h.connect(t, alice, watcher)

	first, second := newConn("b1"), newConn("b2")
	h.connect(t, bob, first)
	h.connect(t, bob, second)
	assert.True(t, first.isClosed())

	// the stale disconnect must not take bob offline
	h.engine.Disconnect(ctx, first)
	conn, ok := h.engine.Registry().Lookup(bob.ID)
	require.True(t, ok)
	assert.Equal(t, "b2", conn.ID())
	assert.Empty(t, watcher.eventsOf(models.EventUserOffline))

	h.engine.Disconnect(ctx, second)
	assert.False(t, h.engine.Registry().IsOnline(bob.ID))

	offline := watcher.eventsOf(models.EventUserOffline)
	require.Len(t, offline, 1)
	p := offline[0].Data.(models.PresencePayload)
	assert.Equal(t, bob.ID, p.UserID)
	require.NotNil(t, p.LastSeen)

	status, err := h.engine.OnlineStatus(ctx, []string{alice.ID, bob.ID, carol.ID})
	require.NoError(t, err)
	assert.True(t, status[alice.ID].Online)
	assert.False(t, status[bob.ID].Online)
	require.NotNil(t, status[bob.ID].LastSeen)
	assert.True(t, status[bob.ID].LastSeen.Equal(*p.LastSeen))
	assert.Equal(t, models.OnlineStatus{}, status[carol.ID])
}

func TestOnlineStatusLimit(t *testing.T) {
	h := newHarness(t)
	ids := make([]string, MaxPresenceQuery+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("user-%d", i)
	}
	_, err := h.engine.OnlineStatus(context.Background(), ids)
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestTypingForwardedToOtherParticipant(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bobConn := newConn("b1")
	h.connect(t, bob, bobConn)

	conv, err := h.engine.GetOrCreateConversation(ctx, alice, bob.ID, bob.Role)
	require.NoError(t, err)

	require.NoError(t, h.engine.Typing(ctx, alice, conv.ID, true))
	require.NoError(t, h.engine.Typing(ctx, alice, conv.ID, false))

	typing := bobConn.eventsOf(models.EventUserTyping)
	require.Len(t, typing, 2)
	assert.Equal(t, models.TypingPayload{ConversationID: conv.ID, UserID: alice.ID, Typing: true}, typing[0].Data)
	assert.False(t, typing[1].Data.(models.TypingPayload).Typing)

	assert.True(t, apperr.Is(h.engine.Typing(ctx, carol, conv.ID, true), apperr.CodePermission))
}

func TestObserverRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	aliceConn, bobConn, rootConn, carolConn := newConn("a1"), newConn("b1"), newConn("r1"), newConn("c1")
	h.connect(t, alice, aliceConn)
	h.connect(t, bob, bobConn)
	h.connect(t, root, rootConn)
	h.connect(t, carol, carolConn)

	conv, err := h.engine.GetOrCreateConversation(ctx, alice, bob.ID, bob.Role)
	require.NoError(t, err)

	require.NoError(t, h.engine.JoinRoom(ctx, root, rootConn, conv.ID))
	require.NoError(t, h.engine.JoinRoom(ctx, bob, bobConn, conv.ID))
	assert.True(t, apperr.Is(h.engine.JoinRoom(ctx, carol, carolConn, conv.ID), apperr.CodePermission))
	assert.True(t, apperr.Is(h.engine.JoinRoom(ctx, root, rootConn, "missing"), apperr.CodeNotFound))

	msg := h.send(t, alice, bob, "observed")
	observed := rootConn.eventsOf(models.EventReceiveMessage)
	require.Len(t, observed, 1)
	assert.Equal(t, msg.ID, observed[0].Data.(models.ReceiveMessagePayload).Message.ID)
	// bob is in the room too but only gets the direct push
	assert.Len(t, bobConn.eventsOf(models.EventReceiveMessage), 1)

	_, err = h.engine.MarkRead(ctx, bob, conv.ID)
	require.NoError(t, err)
	assert.Len(t, rootConn.eventsOf(models.EventMessagesRead), 1)

	h.engine.LeaveRoom(rootConn, conv.ID)
	h.send(t, alice, bob, "unobserved")
	assert.Len(t, rootConn.eventsOf(models.EventReceiveMessage), 1)
}
