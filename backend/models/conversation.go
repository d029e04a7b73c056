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

package models

import (
	"time"
)

type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
	ConversationBlocked  ConversationStatus = "blocked"
)

func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationArchived, ConversationBlocked:
		return true
	}
	return false
}

// Participant is one side of a two-party conversation
type Participant struct {
	UserID      string      `json:"user_id" db:"user_id"`
	Role        Role        `json:"role" db:"role"`
	Kind        AccountKind `json:"kind" db:"account_kind"`
	UnreadCount int         `json:"-" db:"unread_count"`
}

func NewParticipant(id Identity) Participant {
	return Participant{UserID: id.ID, Role: id.Role, Kind: id.Role.AccountKind()}
}

// Conversation is the durable relationship between exactly two participants
type Conversation struct {
	ID            string             `json:"id"`
	Participants  []Participant      `json:"participants"`
	LastMessageID *string            `json:"last_message_id,omitempty"`
	UnreadCounts  map[string]int     `json:"unread_counts"`
	Status        ConversationStatus `json:"status"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// SetParticipants replaces the participant list and rebuilds the unread map.
func (c *Conversation) SetParticipants(ps []Participant) {
	c.Participants = ps
	c.UnreadCounts = make(map[string]int, len(ps))
	for _, p := range ps {
		c.UnreadCounts[p.UserID] = p.UnreadCount
	}
}

func (c *Conversation) HasParticipant(userID string) bool {
	_, ok := c.Participant(userID)
	return ok
}

func (c *Conversation) Participant(userID string) (Participant, bool) {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p, true
		}
	}
	return Participant{}, false
}

// Other returns the participant that is not userID.
func (c *Conversation) Other(userID string) (Participant, bool) {
	if !c.HasParticipant(userID) {
		return Participant{}, false
	}
	for _, p := range c.Participants {
		if p.UserID != userID {
			return p, true
		}
	}
	return Participant{}, false
}

func (c *Conversation) UnreadFor(userID string) int {
	return c.UnreadCounts[userID]
}

// OrderedPair returns the two ids in canonical order. The pair is unique
// per conversation regardless of who started it.
func OrderedPair(a, b string) (string, string) {
	if a > b {
		return b, a
	}
	return a, b
}

// ConversationSummary is a conversation as seen by one participant
type ConversationSummary struct {
	ID          string             `json:"id"`
	Other       Participant        `json:"other_participant"`
	LastMessage *Message           `json:"last_message,omitempty"`
	UnreadCount int                `json:"unread_count"`
	Status      ConversationStatus `json:"status"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// UnreadCount is one row of a caller's unread breakdown
type UnreadCount struct {
	ConversationID string `json:"conversation_id" db:"conversation_id"`
	Count          int    `json:"count" db:"unread_count"`
}

type UnreadSummary struct {
	Total         int           `json:"total"`
	Conversations []UnreadCount `json:"conversations"`
}
