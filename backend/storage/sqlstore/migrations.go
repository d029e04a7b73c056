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
	"fmt"
)

var postgresMigrations = []string{
	// Conversations: exactly one row per unordered participant pair
	`CREATE TABLE IF NOT EXISTS conversations (
		id VARCHAR(64) PRIMARY KEY,
		participant_low VARCHAR(255) NOT NULL,
		participant_high VARCHAR(255) NOT NULL,
		last_message_id VARCHAR(64),
		status VARCHAR(16) NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'archived', 'blocked')),
		created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CONSTRAINT unique_conversation_pair UNIQUE (participant_low, participant_high),
		CONSTRAINT ordered_participants CHECK (participant_low < participant_high)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations(updated_at DESC)`,

	// Participants carry the per-user unread counter
	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL,
		account_kind VARCHAR(32) NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		PRIMARY KEY (conversation_id, user_id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_participants_user
	ON conversation_participants(user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		seq BIGSERIAL PRIMARY KEY,
		id VARCHAR(64) NOT NULL UNIQUE,
		conversation_id VARCHAR(64) NOT NULL,
		sender_id VARCHAR(255) NOT NULL,
		sender_role VARCHAR(32) NOT NULL,
		receiver_id VARCHAR(255) NOT NULL,
		receiver_role VARCHAR(32) NOT NULL,
		content TEXT NOT NULL,
		type VARCHAR(16) NOT NULL DEFAULT 'text'
			CHECK (type IN ('text', 'image', 'file', 'system')),
		status VARCHAR(16) NOT NULL DEFAULT 'sent'
			CHECK (status IN ('sent', 'delivered', 'read')),
		sent_at TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ,
		read_at TIMESTAMPTZ,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, seq DESC)`,

	// Reconnect sweep lookups
	`CREATE INDEX IF NOT EXISTS idx_messages_undelivered
	ON messages(receiver_id)
	WHERE status = 'sent'`,

	`CREATE INDEX IF NOT EXISTS idx_messages_unread
	ON messages(conversation_id, receiver_id, status)`,

	// Per-user soft deletes
	`CREATE TABLE IF NOT EXISTS message_hidden (
		message_id VARCHAR(64) NOT NULL,
		user_id VARCHAR(255) NOT NULL,
		PRIMARY KEY (message_id, user_id),
		FOREIGN KEY (message_id) REFERENCES messages(id) ON DELETE CASCADE
	)`,
}

var sqliteMigrations = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		participant_low TEXT NOT NULL,
		participant_high TEXT NOT NULL,
		last_message_id TEXT,
		status TEXT NOT NULL DEFAULT 'active'
			CHECK (status IN ('active', 'archived', 'blocked')),
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE (participant_low, participant_high),
		CHECK (participant_low < participant_high)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_conversations_updated
	ON conversations(updated_at DESC)`,

	`CREATE TABLE IF NOT EXISTS conversation_participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		account_kind TEXT NOT NULL,
		unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
		PRIMARY KEY (conversation_id, user_id)
	)`,

	`CREATE INDEX IF NOT EXISTS idx_participants_user
	ON conversation_participants(user_id)`,

	`CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id TEXT NOT NULL,
		sender_role TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		receiver_role TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 'text'
			CHECK (type IN ('text', 'image', 'file', 'system')),
		status TEXT NOT NULL DEFAULT 'sent'
			CHECK (status IN ('sent', 'delivered', 'read')),
		sent_at TIMESTAMP NOT NULL,
		delivered_at TIMESTAMP,
		read_at TIMESTAMP
	)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, seq DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_messages_undelivered
	ON messages(receiver_id)
	WHERE status = 'sent'`,

	`CREATE INDEX IF NOT EXISTS idx_messages_unread
	ON messages(conversation_id, receiver_id, status)`,

	`CREATE TABLE IF NOT EXISTS message_hidden (
		message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		PRIMARY KEY (message_id, user_id)
	)`,
}

func (s *Store) Migrate(ctx context.Context) error {
	migrations := postgresMigrations
	if s.dialect == SQLite {
		migrations = sqliteMigrations
	}

	for i, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}

	return nil
}
