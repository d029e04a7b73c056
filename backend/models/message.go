// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package models

import "time"

type MessageType string

const (
	MessageText   MessageType = "text"
	MessageImage  MessageType = "image"
	MessageFile   MessageType = "file"
	MessageSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageFile, MessageSystem:
		return true
	}
	return false
}

// DeliveryStatus only ever moves forward: sent -> delivered -> read
type DeliveryStatus string

const (
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return 0
}

// Precedes reports whether s is strictly earlier than next.
func (s DeliveryStatus) Precedes(next DeliveryStatus) bool {
	return s.rank() > 0 && s.rank() < next.rank()
}

// Message is one directed communication inside a conversation
type Message struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	SenderRole     Role           `json:"sender_role"`
	ReceiverID     string         `json:"receiver_id"`
	ReceiverRole   Role           `json:"receiver_role"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type"`
	Status         DeliveryStatus `json:"status"`
	SentAt         time.Time      `json:"sent_at"`
	DeliveredAt    *time.Time     `json:"delivered_at,omitempty"`
	ReadAt         *time.Time     `json:"read_at,omitempty"`
	HiddenFor      []string       `json:"-"`
}

func (m *Message) IsHiddenFor(userID string) bool {
	for _, id := range m.HiddenFor {
		if id == userID {
			return true
		}
	}
	return false
}

// MessageSummary is what a sender gets back from a send
type MessageSummary struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	Status         DeliveryStatus `json:"status"`
	SentAt         time.Time      `json:"sent_at"`
}

func (m *Message) Summary() MessageSummary {
	return MessageSummary{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Status:         m.Status,
		SentAt:         m.SentAt,
	}
}

type Pagination struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasMore    bool `json:"has_more"`
}

func NewPagination(page, pageSize, total int) Pagination {
	pages := 0
	if pageSize > 0 {
		pages = (total + pageSize - 1) / pageSize
	}
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: pages,
		HasMore:    page < pages,
	}
}
