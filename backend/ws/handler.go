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
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/delivery"
	"github.com/efchatnet/efdeliver/backend/logging"
	"github.com/efchatnet/efdeliver/backend/middleware"
	"github.com/efchatnet/efdeliver/backend/models"
)

const (
	DefaultWriteTimeout = 10 * time.Second
	eventQueueSize      = 64
)

var errMalformed = apperr.Validation("malformed event frame")

type Config struct {
	Engine         *delivery.Engine
	AllowedOrigins []string
	AckTimeout     time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// Handler upgrades authenticated requests to live connections.
type Handler struct {
	engine       *delivery.Engine
	upgrader     websocket.Upgrader
	ackTimeout   time.Duration
	writeTimeout time.Duration
	log          *slog.Logger
}

func NewHandler(cfg Config) *Handler {
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = delivery.DefaultAckTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	origins := cfg.AllowedOrigins
	return &Handler{
		engine: cfg.Engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || middleware.OriginAllowed(origins, origin)
			},
		},
		ackTimeout:   cfg.AckTimeout,
		writeTimeout: cfg.WriteTimeout,
		log:          cfg.Logger,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("ws_upgrade_failed", "user_id", identity.ID, "error", err)
		return
	}

	c := newClient(conn, identity, h.ackTimeout, h.writeTimeout, h.log)
	go c.writer()

	// The request context ends with the handler, the connection does not.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	if n, err := h.engine.Connect(ctx, identity, c); err != nil {
		h.log.Error("sweep_failed", "user_id", identity.ID, "error", err)
	} else {
		h.log.Debug("ws_connected", "user_id", identity.ID, "conn_id", c.ID(), "redelivered", n)
	}

	// Client events run one at a time off the read loop so acks for
	// in-flight pushes are never stuck behind a send.
	events := make(chan models.InboundEvent, eventQueueSize)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		for in := range events {
			h.dispatch(ctx, c, in)
		}
	}()

	c.reader(func(in models.InboundEvent) {
		select {
		case events <- in:
		case <-c.done:
		}
	})

	close(events)
	c.Close()
	<-finished
	h.engine.Disconnect(ctx, c)
	h.log.Debug("ws_disconnected", "user_id", identity.ID, "conn_id", c.ID())
}

type conversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type onlineStatusQuery struct {
	UserIDs []string `json:"user_ids"`
}

type ackError struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

type ackPayload struct {
	Success bool      `json:"success"`
	Data    any       `json:"data,omitempty"`
	Error   *ackError `json:"error,omitempty"`
}

func success(data any) ackPayload {
	return ackPayload{Success: true, Data: data}
}

func failure(err error) ackPayload {
	appErr := apperr.As(err)
	return ackPayload{Error: &ackError{Code: appErr.Code, Message: appErr.PublicMessage()}}
}

func (h *Handler) dispatch(ctx context.Context, c *Client, in models.InboundEvent) {
	data, err := h.handle(ctx, c, in)
	if err != nil && apperr.CodeOf(err) == apperr.CodeDependency {
		h.log.Error("ws_event_failed", "event", in.Type, "user_id", c.identity.ID, "error", err)
	}
	if in.ID == "" {
		return
	}

	reply := success(data)
	if err != nil {
		reply = failure(err)
	}
	if err := c.Send(models.Event{Type: models.EventAck, ID: in.ID, Data: reply}); err != nil {
		h.log.Debug("ws_ack_failed", "event", in.Type, "conn_id", c.ID(), "error", err)
	}
}

func (h *Handler) handle(ctx context.Context, c *Client, in models.InboundEvent) (any, error) {
	switch in.Type {
	case models.EventSendMessage:
		var req delivery.SendRequest
		if err := decode(in.Data, &req); err != nil {
			return nil, err
		}
		msg, err := h.engine.SendMessage(ctx, c.identity, req)
		if err != nil {
			return nil, err
		}
		return msg, nil

	case models.EventTypingStart, models.EventTypingStop:
		var ref conversationRef
		if err := decode(in.Data, &ref); err != nil {
			return nil, err
		}
		return nil, h.engine.Typing(ctx, c.identity, ref.ConversationID, in.Type == models.EventTypingStart)

	case models.EventMarkRead:
		var ref conversationRef
		if err := decode(in.Data, &ref); err != nil {
			return nil, err
		}
		return h.engine.MarkRead(ctx, c.identity, ref.ConversationID)

	case models.EventJoinConversation:
		var ref conversationRef
		if err := decode(in.Data, &ref); err != nil {
			return nil, err
		}
		return nil, h.engine.JoinRoom(ctx, c.identity, c, ref.ConversationID)

	case models.EventLeaveConversation:
		var ref conversationRef
		if err := decode(in.Data, &ref); err != nil {
			return nil, err
		}
		h.engine.LeaveRoom(c, ref.ConversationID)
		return nil, nil

	case models.EventOnlineStatus:
		var q onlineStatusQuery
		if err := decode(in.Data, &q); err != nil {
			return nil, err
		}
		return h.engine.OnlineStatus(ctx, q.UserIDs)
	}
	return nil, apperr.Validation("unknown event %q", in.Type)
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return apperr.Validation("event data is required")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return apperr.Validation("invalid event data")
	}
	return nil
}
