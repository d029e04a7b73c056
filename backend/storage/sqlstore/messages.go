// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/storage"
)

const messageColumns = `m.id, m.conversation_id, m.sender_id, m.sender_role, m.receiver_id, m.receiver_role,
	m.content, m.type, m.status, m.sent_at, m.delivered_at, m.read_at`

type messageRow struct {
	ID             string       `db:"id"`
	ConversationID string       `db:"conversation_id"`
	SenderID       string       `db:"sender_id"`
	SenderRole     string       `db:"sender_role"`
	ReceiverID     string       `db:"receiver_id"`
	ReceiverRole   string       `db:"receiver_role"`
	Content        string       `db:"content"`
	Type           string       `db:"type"`
	Status         string       `db:"status"`
	SentAt         time.Time    `db:"sent_at"`
	DeliveredAt    sql.NullTime `db:"delivered_at"`
	ReadAt         sql.NullTime `db:"read_at"`
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func (r messageRow) toModel() models.Message {
	return models.Message{
		ID:             r.ID,
		ConversationID: r.ConversationID,
		SenderID:       r.SenderID,
		SenderRole:     models.Role(r.SenderRole),
		ReceiverID:     r.ReceiverID,
		ReceiverRole:   models.Role(r.ReceiverRole),
		Content:        r.Content,
		Type:           models.MessageType(r.Type),
		Status:         models.DeliveryStatus(r.Status),
		SentAt:         r.SentAt.UTC(),
		DeliveredAt:    nullableTime(r.DeliveredAt),
		ReadAt:         nullableTime(r.ReadAt),
	}
}

func (s *Store) SaveMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO messages
		(id, conversation_id, sender_id, sender_role, receiver_id, receiver_role, content, type, status, sent_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		msg.ID, msg.ConversationID, msg.SenderID, string(msg.SenderRole),
		msg.ReceiverID, string(msg.ReceiverRole), msg.Content, string(msg.Type),
		string(msg.Status), msg.SentAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) GetMessage(ctx context.Context, messageID string) (*models.Message, error) {
	msgs, err := s.GetMessages(ctx, []string{messageID})
	if err != nil {
		return nil, err
	}
	msg, ok := msgs[messageID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return msg, nil
}

func (s *Store) GetMessages(ctx context.Context, messageIDs []string) (map[string]*models.Message, error) {
	out := make(map[string]*models.Message, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	query, args, err := s.in(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.id IN (?)`, messageIDs)
	if err != nil {
		return nil, err
	}

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("get messages: %w", err)
	}

	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, row.toModel())
	}
	if err := s.attachHidden(ctx, msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		out[msgs[i].ID] = &msgs[i]
	}
	return out, nil
}

func (s *Store) attachHidden(ctx context.Context, msgs []models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}

	query, args, err := s.in(`
		SELECT message_id, user_id FROM message_hidden WHERE message_id IN (?)`, ids)
	if err != nil {
		return err
	}

	var rows []struct {
		MessageID string `db:"message_id"`
		UserID    string `db:"user_id"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return fmt.Errorf("load hidden markers: %w", err)
	}

	hidden := make(map[string][]string, len(rows))
	for _, row := range rows {
		hidden[row.MessageID] = append(hidden[row.MessageID], row.UserID)
	}
	for i := range msgs {
		msgs[i].HiddenFor = hidden[msgs[i].ID]
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, conversationID, viewerID string, limit, offset int) ([]models.Message, int, error) {
	const visible = `
		FROM messages m
		WHERE m.conversation_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM message_hidden h
			WHERE h.message_id = m.id AND h.user_id = ?
		  )`

	var total int
	if err := s.db.GetContext(ctx, &total, s.rebind(`SELECT COUNT(*) `+visible), conversationID, viewerID); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	var rows []messageRow
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT `+messageColumns+visible+`
		ORDER BY m.seq DESC
		LIMIT ? OFFSET ?`),
		conversationID, viewerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}

	// newest-first from the query, oldest-first on the page
	msgs := make([]models.Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msgs = append(msgs, rows[i].toModel())
	}
	if err := s.attachHidden(ctx, msgs); err != nil {
		return nil, 0, err
	}
	return msgs, total, nil
}

func (s *Store) MarkDelivered(ctx context.Context, messageID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE messages
		SET status = 'delivered', delivered_at = ?
		WHERE id = ? AND status = 'sent'`),
		at, messageID)
	if err != nil {
		return false, fmt.Errorf("mark delivered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) MarkConversationRead(ctx context.Context, conversationID, readerID string, at time.Time) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := s.lockParticipant(ctx, tx, conversationID, readerID); err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE messages
		SET status = 'read',
		    read_at = ?,
		    delivered_at = COALESCE(delivered_at, ?)
		WHERE conversation_id = ? AND receiver_id = ? AND status IN ('sent', 'delivered')`),
		at, at, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if err := s.recountUnread(ctx, tx, conversationID, readerID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return n, nil
}

// SweepUndelivered locks the receiver's pending messages, flips them to
// delivered and returns them in send order. A concurrent sweep for the same
// receiver finds nothing left in sent state.
func (s *Store) SweepUndelivered(ctx context.Context, receiverID string, at time.Time) ([]models.Message, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var rows []messageRow
	err = tx.SelectContext(ctx, &rows, s.rebind(`
		SELECT `+messageColumns+`
		FROM messages m
		WHERE m.receiver_id = ? AND m.status = 'sent'
		ORDER BY m.seq`+s.forUpdate()),
		receiverID)
	if err != nil {
		return nil, fmt.Errorf("select undelivered: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
	}
	query, args, err := s.in(`
		UPDATE messages
		SET status = 'delivered', delivered_at = ?
		WHERE id IN (?) AND status = 'sent'`, at, ids)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("sweep undelivered: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit sweep: %w", err)
	}

	delivered := at.UTC()
	msgs := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		msg := row.toModel()
		msg.Status = models.StatusDelivered
		msg.DeliveredAt = &delivered
		msgs = append(msgs, msg)
	}
	if err := s.attachHidden(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (s *Store) DeleteMessage(ctx context.Context, messageID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var row struct {
		ConversationID string `db:"conversation_id"`
		ReceiverID     string `db:"receiver_id"`
	}
	err = tx.GetContext(ctx, &row, s.rebind(`
		SELECT conversation_id, receiver_id FROM messages WHERE id = ?`),
		messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	// Same lock order as the read path: participant first, then messages.
	if err := s.lockParticipant(ctx, tx, row.ConversationID, row.ReceiverID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE id = ?`), messageID)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}

	if err := s.recountUnread(ctx, tx, row.ConversationID, row.ReceiverID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, s.rebind(`
		UPDATE conversations
		SET last_message_id = (
			SELECT m.id FROM messages m
			WHERE m.conversation_id = ?
			ORDER BY m.seq DESC
			LIMIT 1
		)
		WHERE id = ? AND last_message_id = ?`),
		row.ConversationID, row.ConversationID, messageID)
	if err != nil {
		return fmt.Errorf("repoint last message: %w", err)
	}

	return tx.Commit()
}

func (s *Store) HideMessage(ctx context.Context, messageID, userID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO message_hidden (message_id, user_id)
		VALUES (?, ?)
		ON CONFLICT (message_id, user_id) DO NOTHING`),
		messageID, userID)
	if err != nil {
		return fmt.Errorf("hide message: %w", err)
	}
	return nil
}
