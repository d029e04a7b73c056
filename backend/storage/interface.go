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

package storage

import (
	"context"
	"errors"
	"time"

	"github.com/efchatnet/efdeliver/backend/models"
)

// ErrNotFound is returned when a conversation or message id does not resolve.
var ErrNotFound = errors.New("storage: not found")

type ConversationStore interface {
	// FindConversation looks up the conversation between two user ids in
	// either order. Returns ErrNotFound when none exists.
	FindConversation(ctx context.Context, userA, userB string) (*models.Conversation, error)

	// CreateConversation inserts conv with both unread counters at zero.
	// It reports false, with no error, when the unique pair constraint
	// rejected the insert because another writer created it first.
	CreateConversation(ctx context.Context, conv *models.Conversation) (bool, error)

	GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int, error)

	// RecordMessage points the conversation at messageID, recounts the
	// receiver's unread counter from their pending messages and re-activates
	// an archived conversation, as one atomic storage update.
	RecordMessage(ctx context.Context, conversationID, messageID, receiverID string, at time.Time) error

	SetConversationStatus(ctx context.Context, conversationID string, status models.ConversationStatus, at time.Time) error
	UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error)
}

type MessageStore interface {
	SaveMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID string) (*models.Message, error)
	GetMessages(ctx context.Context, messageIDs []string) (map[string]*models.Message, error)

	// ListMessages returns one page of a conversation as seen by viewerID,
	// oldest first, skipping messages hidden for the viewer. Page offsets
	// count back from the newest message.
	ListMessages(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]models.Message, int, error)

	// MarkDelivered moves a single message from sent to delivered. It
	// reports false when the message was not in sent state.
	MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error)

	// MarkConversationRead moves every sent or delivered message addressed
	// to readerID in the conversation to read and recounts their unread
	// counter in the same transaction.
	MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error)

	// SweepUndelivered moves every message addressed to receiverID that is
	// still in sent state to delivered and returns them.
	SweepUndelivered(ctx context.Context, receiverID string, at time.Time) ([]models.Message, error)

	// DeleteMessage removes the record, repairs the conversation's last
	// message pointer and releases an unread slot if the receiver never
	// read it.
	DeleteMessage(ctx context.Context, messageID string) error

	// HideMessage soft-deletes a message for userID only.
	HideMessage(ctx context.Context, messageID, userID string) error
}

type Store interface {
	ConversationStore
	MessageStore
	Ping(ctx context.Context) error
	Close() error
}
