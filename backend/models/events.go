// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import (
	"encoding/json"
	"time"
)

type EventType string

// Server to client
const (
	EventReceiveMessage EventType = "receive-message"
	EventMessageSent    EventType = "message-sent"
	EventMessagesRead   EventType = "messages-read"
	EventMessageDeleted EventType = "message-deleted"
	EventUserOnline     EventType = "user-online"
	EventUserOffline    EventType = "user-offline"
	EventUserTyping     EventType = "user-typing"
)

// Client to server
const (
	EventSendMessage       EventType = "send-message"
	EventTypingStart       EventType = "typing-start"
	EventTypingStop        EventType = "typing-stop"
	EventMarkRead          EventType = "mark-read"
	EventJoinConversation  EventType = "join-conversation"
	EventLeaveConversation EventType = "leave-conversation"
	EventOnlineStatus      EventType = "online-status"
)

// EventAck flows both ways: clients ack pushed messages, the server acks
// client events that carried an id.
const EventAck EventType = "ack"

// Event is the envelope of every live-connection frame
type Event struct {
	Type EventType `json:"event"`
	ID   string    `json:"id,omitempty"`
	Data any       `json:"data,omitempty"`
}

// InboundEvent is an Event whose payload has not been decoded yet
type InboundEvent struct {
	Type EventType       `json:"event"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type ReceiveMessagePayload struct {
	Message    *Message `json:"message"`
	Redelivery bool     `json:"redelivery"`
}

type MessageSentPayload struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	Status         DeliveryStatus `json:"status"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
}

type MessagesReadPayload struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	ReadAt         time.Time `json:"read_at"`
	Count          int64     `json:"count"`
}

type MessageDeletedPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
}

type PresencePayload struct {
	UserID   string     `json:"user_id"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	Typing         bool   `json:"typing"`
}

// OnlineStatus answers an online-status query for one identity
type OnlineStatus struct {
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}
