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

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/storage"
)

const conversationColumns = `c.id, c.last_message_id, c.status, c.created_at, c.updated_at`

type conversationRow struct {
	ID            string         `db:"id"`
	LastMessageID sql.NullString `db:"last_message_id"`
	Status        string         `db:"status"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

func (r conversationRow) toModel() models.Conversation {
	conv := models.Conversation{
		ID:        r.ID,
		Status:    models.ConversationStatus(r.Status),
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.LastMessageID.Valid {
		id := r.LastMessageID.String
		conv.LastMessageID = &id
	}
	return conv
}

type participantRow struct {
	ConversationID string `db:"conversation_id"`
	models.Participant
}

// FindConversation finds the conversation between two users in either order
func (s *Store) FindConversation(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	low, high := models.OrderedPair(userA, userB)

	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.participant_low = ? AND c.participant_high = ?`),
		low, high)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}

	return s.withParticipants(ctx, row)
}

func (s *Store) GetConversation(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var row conversationRow
	err := s.db.GetContext(ctx, &row, s.rebind(`
		SELECT `+conversationColumns+`
		FROM conversations c
		WHERE c.id = ?`),
		conversationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	return s.withParticipants(ctx, row)
}

func (s *Store) withParticipants(ctx context.Context, row conversationRow) (*models.Conversation, error) {
	participants, err := s.loadParticipants(ctx, []string{row.ID})
	if err != nil {
		return nil, err
	}
	conv := row.toModel()
	conv.SetParticipants(participants[row.ID])
	return &conv, nil
}

func (s *Store) loadParticipants(ctx context.Context, conversationIDs []string) (map[string][]models.Participant, error) {
	out := make(map[string][]models.Participant, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}

	query, args, err := s.in(`
		SELECT conversation_id, user_id, role, account_kind, unread_count
		FROM conversation_participants
		WHERE conversation_id IN (?)
		ORDER BY conversation_id, user_id`, conversationIDs)
	if err != nil {
		return nil, err
	}

	var rows []participantRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}
	for _, row := range rows {
		out[row.ConversationID] = append(out[row.ConversationID], row.Participant)
	}
	return out, nil
}

// CreateConversation inserts the conversation and both participant rows in
// one transaction. A lost race on the unique pair leaves nothing behind.
func (s *Store) CreateConversation(ctx context.Context, conv *models.Conversation) (bool, error) {
	if len(conv.Participants) != 2 || conv.Participants[0].UserID == conv.Participants[1].UserID {
		return false, fmt.Errorf("create conversation: need two distinct participants")
	}
	low, high := models.OrderedPair(conv.Participants[0].UserID, conv.Participants[1].UserID)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO conversations (id, participant_low, participant_high, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (participant_low, participant_high) DO NOTHING`),
		conv.ID, low, high, string(conv.Status), conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert conversation: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if inserted == 0 {
		return false, nil
	}

	for _, p := range conv.Participants {
		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO conversation_participants (conversation_id, user_id, role, account_kind, unread_count)
			VALUES (?, ?, ?, ?, 0)`),
			conv.ID, p.UserID, string(p.Role), string(p.Kind))
		if err != nil {
			return false, fmt.Errorf("insert participant: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit conversation: %w", err)
	}
	conv.SetParticipants(conv.Participants)
	return true, nil
}

// ListConversations returns one page of the user's conversations, most
// recently updated first, with the total number of conversations.
func (s *Store) ListConversations(ctx context.Context, userID string, limit, offset int) ([]models.Conversation, int, error) {
	var total int
	err := s.db.GetContext(ctx, &total, s.rebind(`
		SELECT COUNT(*) FROM conversation_participants WHERE user_id = ?`), userID)
	if err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	var rows []conversationRow
	err = s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = ?
		ORDER BY c.updated_at DESC, c.id DESC
		LIMIT ? OFFSET ?`),
		userID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	participants, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, 0, err
	}

	convs := make([]models.Conversation, 0, len(rows))
	for _, row := range rows {
		conv := row.toModel()
		conv.SetParticipants(participants[row.ID])
		convs = append(convs, conv)
	}
	return convs, total, nil
}

// lockParticipant takes the row lock that serializes unread bookkeeping for
// one participant. Writers lock it before touching that receiver's messages.
func (s *Store) lockParticipant(ctx context.Context, tx *sqlx.Tx, conversationID, userID string) error {
	var one int
	err := tx.GetContext(ctx, &one, s.rebind(`
		SELECT 1 FROM conversation_participants
		WHERE conversation_id = ? AND user_id = ?`+s.forUpdate()),
		conversationID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lock participant: %w", err)
	}
	return nil
}

// recountUnread sets the counter from the messages still waiting on the
// participant, so it always agrees with message state inside the tx.
func (s *Store) recountUnread(ctx context.Context, tx *sqlx.Tx, conversationID, userID string) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE conversation_participants
		SET unread_count = (
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = ? AND m.receiver_id = ? AND m.status IN ('sent', 'delivered')
		)
		WHERE conversation_id = ? AND user_id = ?`),
		conversationID, userID, conversationID, userID)
	if err != nil {
		return fmt.Errorf("recount unread: %w", err)
	}
	return nil
}

func (s *Store) RecordMessage(ctx context.Context, conversationID, messageID, receiverID string, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.lockParticipant(ctx, tx, conversationID, receiverID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE conversations
		SET last_message_id = ?,
		    updated_at = ?,
		    status = CASE WHEN status = 'archived' THEN 'active' ELSE status END
		WHERE id = ?`),
		messageID, at, conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if err := s.recountUnread(ctx, tx, conversationID, receiverID); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) SetConversationStatus(ctx context.Context, conversationID string, status models.ConversationStatus, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE conversations SET status = ?, updated_at = ? WHERE id = ?`),
		string(status), at, conversationID)
	if err != nil {
		return fmt.Errorf("set conversation status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) UnreadCounts(ctx context.Context, userID string) ([]models.UnreadCount, error) {
	counts := []models.UnreadCount{}
	err := s.db.SelectContext(ctx, &counts, s.rebind(`
		SELECT conversation_id, unread_count
		FROM conversation_participants
		WHERE user_id = ? AND unread_count > 0
		ORDER BY conversation_id`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	return counts, nil
}
