// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package handlers

import (
	"net/http"
	"strings"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/delivery"
)

type PresenceHandler struct {
	engine *delivery.Engine
}

func NewPresenceHandler(engine *delivery.Engine) *PresenceHandler {
	return &PresenceHandler{engine: engine}
}

// OnlineStatus handles GET /presence?ids=a,b
func (h *PresenceHandler) OnlineStatus(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		apperr.WriteHTTP(w, apperr.Validation("ids is required"))
		return
	}

	status, err := h.engine.OnlineStatus(r.Context(), ids)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
