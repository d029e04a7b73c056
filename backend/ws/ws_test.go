// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/delivery"
	"github.com/efchatnet/efdeliver/backend/middleware"
	"github.com/efchatnet/efdeliver/backend/models"
	"github.com/efchatnet/efdeliver/backend/storage/sqlstore"
)

const testSecret = "ws-secret"

var (
	alice = models.Identity{ID: "alice", Role: models.RoleUser}
	bob   = models.Identity{ID: "bob", Role: models.RoleOrphanage}
)

type server struct {
	url    string
	engine *delivery.Engine
}

func newServer(t *testing.T, ackTimeout time.Duration) *server {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	engine := delivery.New(delivery.Config{Store: store, AckTimeout: ackTimeout})
	handler := NewHandler(Config{
		Engine:         engine,
		AllowedOrigins: []string{"https://chat.example"},
		AckTimeout:     ackTimeout,
		WriteTimeout:   time.Second,
	})
	auth := middleware.NewAuthMiddleware(middleware.JWTConfig{Secret: testSecret, Issuer: "efchat", Cookie: "token"})

	srv := httptest.NewServer(auth(handler))
	t.Cleanup(srv.Close)
	return &server{url: "ws" + strings.TrimPrefix(srv.URL, "http"), engine: engine}
}

func (s *server) dial(t *testing.T, identity models.Identity, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, middleware.Claims{
		UserID:    identity.ID,
		Role:      string(identity.Role),
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Issuer:    "efchat",
	})
	require.NoError(t, err)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+tok)
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(s.url, header)
}

func (s *server) connect(t *testing.T, identity models.Identity) *websocket.Conn {
	t.Helper()
	conn, _, err := s.dial(t, identity, "")
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Connect has registered the identity once it is visible online.
	require.Eventually(t, func() bool {
		return s.engine.Registry().IsOnline(identity.ID)
	}, 2*time.Second, 10*time.Millisecond)
	return conn
}

func write(t *testing.T, conn *websocket.Conn, typ models.EventType, id string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(models.Event{Type: typ, ID: id, Data: data}))
}

// next skips frames until one of type typ arrives.
func next(t *testing.T, conn *websocket.Conn, typ models.EventType) models.InboundEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var in models.InboundEvent
		require.NoError(t, conn.ReadJSON(&in))
		if in.Type == typ {
			return in
		}
	}
}

type ackFrame struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ackError       `json:"error"`
}

func ackOf(t *testing.T, conn *websocket.Conn) ackFrame {
	t.Helper()
	in := next(t, conn, models.EventAck)
	var a ackFrame
	require.NoError(t, json.Unmarshal(in.Data, &a))
	return a
}

func sendRequest(content string) delivery.SendRequest {
	return delivery.SendRequest{ReceiverID: bob.ID, ReceiverRole: bob.Role, Content: content}
}

func TestLivePushAcknowledged(t *testing.T) {
	s := newServer(t, 2*time.Second)
	bobConn := s.connect(t, bob)
	aliceConn := s.connect(t, alice)

	online := next(t, bobConn, models.EventUserOnline)
	assert.Contains(t, string(online.Data), `"alice"`)

	write(t, aliceConn, models.EventSendMessage, "req-1", sendRequest("hello bob"))

	push := next(t, bobConn, models.EventReceiveMessage)
	var payload models.ReceiveMessagePayload
	require.NoError(t, json.Unmarshal(push.Data, &payload))
	assert.Equal(t, "hello bob", payload.Message.Content)
	assert.False(t, payload.Redelivery)
	assert.Equal(t, payload.Message.ID, push.ID)
	write(t, bobConn, models.EventAck, push.ID, nil)

	sent := next(t, aliceConn, models.EventMessageSent)
	assert.Contains(t, string(sent.Data), `"status":"delivered"`)

	ack := ackOf(t, aliceConn)
	require.True(t, ack.Success)
	var msg models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &msg))
	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.NotNil(t, msg.DeliveredAt)

	write(t, bobConn, models.EventMarkRead, "req-2", conversationRef{ConversationID: msg.ConversationID})
	receipt := next(t, aliceConn, models.EventMessagesRead)
	assert.Contains(t, string(receipt.Data), `"count":1`)
	assert.True(t, ackOf(t, bobConn).Success)
}

func TestUnackedPushStaysSent(t *testing.T) {
	s := newServer(t, 200*time.Millisecond)
	bobConn := s.connect(t, bob)
	aliceConn := s.connect(t, alice)

	write(t, aliceConn, models.EventSendMessage, "req-1", sendRequest("are you there"))
	next(t, bobConn, models.EventReceiveMessage)

	ack := ackOf(t, aliceConn)
	require.True(t, ack.Success)
	var msg models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &msg))
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestReconnectSweep(t *testing.T) {
	s := newServer(t, time.Second)
	aliceConn := s.connect(t, alice)

	write(t, aliceConn, models.EventSendMessage, "req-1", sendRequest("while you were out"))
	ack := ackOf(t, aliceConn)
	require.True(t, ack.Success)
	var msg models.Message
	require.NoError(t, json.Unmarshal(ack.Data, &msg))
	assert.Equal(t, models.StatusSent, msg.Status)

	bobConn := s.connect(t, bob)
	push := next(t, bobConn, models.EventReceiveMessage)
	var payload models.ReceiveMessagePayload
	require.NoError(t, json.Unmarshal(push.Data, &payload))
	assert.True(t, payload.Redelivery)
	assert.Equal(t, msg.ID, payload.Message.ID)

	sent := next(t, aliceConn, models.EventMessageSent)
	assert.Contains(t, string(sent.Data), msg.ID)
	assert.Contains(t, string(sent.Data), `"status":"delivered"`)
}

func TestEventErrors(t *testing.T) {
	s := newServer(t, time.Second)
	aliceConn := s.connect(t, alice)

	tests := []struct {
		name string
		typ  models.EventType
		data any
		code apperr.Code
	}{
		{"empty content", models.EventSendMessage, sendRequest(""), apperr.CodeValidation},
		{"role pair", models.EventSendMessage, delivery.SendRequest{ReceiverID: "carol", ReceiverRole: models.RoleVolunteer, Content: "hi"}, apperr.CodePermission},
		{"missing data", models.EventMarkRead, nil, apperr.CodeValidation},
		{"unknown conversation", models.EventTypingStart, conversationRef{ConversationID: "nope"}, apperr.CodeNotFound},
		{"unknown event", "dance", map[string]string{}, apperr.CodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			write(t, aliceConn, tc.typ, "req-"+tc.name, tc.data)
			ack := ackOf(t, aliceConn)
			assert.False(t, ack.Success)
			require.NotNil(t, ack.Error)
			assert.Equal(t, tc.code, ack.Error.Code)
		})
	}
}

func TestOnlineStatusEvent(t *testing.T) {
	s := newServer(t, time.Second)
	aliceConn := s.connect(t, alice)

	write(t, aliceConn, models.EventOnlineStatus, "q", onlineStatusQuery{UserIDs: []string{"alice", "bob"}})
	ack := ackOf(t, aliceConn)
	require.True(t, ack.Success)
	var status map[string]models.OnlineStatus
	require.NoError(t, json.Unmarshal(ack.Data, &status))
	assert.True(t, status["alice"].Online)
	assert.False(t, status["bob"].Online)
}

func TestSupersededConnectionClosed(t *testing.T) {
	s := newServer(t, time.Second)
	first := s.connect(t, bob)
	s.connect(t, bob)

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	assert.True(t, s.engine.Registry().IsOnline(bob.ID))
}

func TestDisconnectGoesOffline(t *testing.T) {
	s := newServer(t, time.Second)
	aliceConn := s.connect(t, alice)
	bobConn := s.connect(t, bob)
	next(t, aliceConn, models.EventUserOnline)

	bobConn.Close()
	offline := next(t, aliceConn, models.EventUserOffline)
	assert.Contains(t, string(offline.Data), `"last_seen"`)
	assert.False(t, s.engine.Registry().IsOnline(bob.ID))
}

func TestOriginCheck(t *testing.T) {
	s := newServer(t, time.Second)

	_, resp, err := s.dial(t, alice, "https://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := s.dial(t, alice, "https://chat.example")
	require.NoError(t, err)
	conn.Close()
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	s := newServer(t, time.Second)
	_, resp, err := websocket.DefaultDialer.Dial(s.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
