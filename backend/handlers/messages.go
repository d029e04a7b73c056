// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/delivery"
	"github.com/efchatnet/efdeliver/backend/middleware"
	"github.com/efchatnet/efdeliver/backend/models"
)

type MessageHandler struct {
	engine *delivery.Engine
}

func NewMessageHandler(engine *delivery.Engine) *MessageHandler {
	return &MessageHandler{engine: engine}
}

// SendMessage handles POST /messages
func (h *MessageHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	sender, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	var req delivery.SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation("invalid request body"))
		return
	}

	msg, err := h.engine.SendMessage(r.Context(), sender, req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]models.MessageSummary{
		"message": msg.Summary(),
	})
}

// DeleteMessage handles DELETE /messages/{messageId}. Senders remove the
// message for both sides, receivers only hide it for themselves.
func (h *MessageHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	result, err := h.engine.DeleteMessage(r.Context(), caller, mux.Vars(r)["messageId"])
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
