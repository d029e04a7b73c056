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

package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/delivery"
	"github.com/efchatnet/efdeliver/backend/middleware"
	"github.com/efchatnet/efdeliver/backend/models"
)

type ConversationHandler struct {
	engine *delivery.Engine
}

func NewConversationHandler(engine *delivery.Engine) *ConversationHandler {
	return &ConversationHandler{engine: engine}
}

// GetOrCreate handles POST /conversations
func (h *ConversationHandler) GetOrCreate(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	var req struct {
		ReceiverID   string      `json:"receiver_id"`
		ReceiverRole models.Role `json:"receiver_role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation("invalid request body"))
		return
	}

	conv, err := h.engine.GetOrCreateConversation(r.Context(), caller, req.ReceiverID, req.ReceiverRole)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"participants":    conv.Participants,
		"status":          conv.Status,
	})
}

// List handles GET /conversations?page=&page_size=
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	page, pageSize, err := pageParams(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	result, err := h.engine.ListConversations(r.Context(), caller, page, pageSize)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// History handles GET /conversations/{conversationId}/messages. Fetching
// history marks the caller's incoming messages read.
func (h *ConversationHandler) History(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	page, pageSize, err := pageParams(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	result, err := h.engine.History(r.Context(), caller, mux.Vars(r)["conversationId"], page, pageSize)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// MarkRead handles POST /conversations/{conversationId}/read
func (h *ConversationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	receipt, err := h.engine.MarkRead(r.Context(), caller, mux.Vars(r)["conversationId"])
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// SetStatus handles PATCH /conversations/{conversationId}/status
func (h *ConversationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	var req struct {
		Status models.ConversationStatus `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperr.WriteHTTP(w, apperr.Validation("invalid request body"))
		return
	}

	conv, err := h.engine.SetConversationStatus(r.Context(), caller, mux.Vars(r)["conversationId"], req.Status)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation_id": conv.ID,
		"status":          conv.Status,
		"updated_at":      conv.UpdatedAt,
	})
}

// Unread handles GET /unread
func (h *ConversationHandler) Unread(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.IdentityFrom(r.Context())
	if !ok {
		apperr.WriteHTTP(w, apperr.Unauthorized("unauthorized"))
		return
	}

	summary, err := h.engine.UnreadSummary(r.Context(), caller)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// pageParams reads ?page and ?page_size. Missing values are left at zero
// for the engine to default.
func pageParams(r *http.Request) (int, int, error) {
	q := r.URL.Query()
	page, err := intParam(q.Get("page"), "page")
	if err != nil {
		return 0, 0, err
	}
	pageSize, err := intParam(q.Get("page_size"), "page_size")
	if err != nil {
		return 0, 0, err
	}
	return page, pageSize, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}
