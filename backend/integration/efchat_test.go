// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efchatnet/efdeliver/backend/logging"
	"github.com/efchatnet/efdeliver/backend/metrics"
	"github.com/efchatnet/efdeliver/backend/middleware"
	"github.com/efchatnet/efdeliver/backend/storage/sqlstore"
)

const secret = "integration-secret"

func newIntegration(t *testing.T, rateLimit int) (*ChatIntegration, *mux.Router) {
	t.Helper()
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	chat, err := NewChatIntegration(&Config{
		Store:          store,
		JWTSecret:      secret,
		JWTIssuer:      "efchat",
		JWTCookie:      "token",
		AllowedOrigins: []string{"https://chat.example"},
		RateLimit:      rateLimit,
		Metrics:        metrics.New(prometheus.NewRegistry()),
		Logger:         logging.Discard(),
	})
	require.NoError(t, err)

	r := mux.NewRouter()
	r.Use(chat.CORS())
	chat.RegisterRoutes(r, nil)
	return chat, r
}

func bearer(t *testing.T, userID, role string) string {
	t.Helper()
	tok, err := middleware.IssueToken(secret, middleware.Claims{
		UserID:    userID,
		Role:      role,
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
		Issuer:    "efchat",
	})
	require.NoError(t, err)
	return "Bearer " + tok
}

func TestNewChatIntegrationValidates(t *testing.T) {
	_, err := NewChatIntegration(&Config{JWTSecret: "x"})
	assert.Error(t, err)

	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()
	_, err = NewChatIntegration(&Config{Store: store})
	assert.Error(t, err)
}

func TestRoutes(t *testing.T) {
	chat, r := newIntegration(t, 100)

	body := `{"receiver_id":"bob","receiver_role":"orphanage","content":"hello"}`
	req := httptest.NewRequest(http.MethodPost, "/api/chat/messages", strings.NewReader(body))
	req.Header.Set("Authorization", bearer(t, "alice", "user"))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"sent"`)

	req = httptest.NewRequest(http.MethodGet, "/api/chat/unread", nil)
	req.Header.Set("Authorization", bearer(t, "bob", "orphanage"))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"total":1`)

	req = httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	assert.Equal(t, 0, chat.OnlineCount())
}

func TestPreflightSkipsAuth(t *testing.T) {
	_, r := newIntegration(t, 100)

	req := httptest.NewRequest(http.MethodOptions, "/api/chat/messages", nil)
	req.Header.Set("Origin", "https://chat.example")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://chat.example", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimitApplied(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	store, err := sqlstore.Open(context.Background(), sqlstore.SQLite, filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	defer store.Close()
	chat, err := NewChatIntegration(&Config{Store: store, JWTSecret: secret, JWTIssuer: "efchat", RateLimit: 2, Metrics: m})
	require.NoError(t, err)
	r := mux.NewRouter()
	chat.RegisterRoutes(r, nil)

	auth := bearer(t, "alice", "user")
	var codes []int
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/chat/unread", nil)
		req.Header.Set("Authorization", auth)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	families, err := reg.Gather()
	require.NoError(t, err)
	var limited float64
	for _, f := range families {
		if f.GetName() == "chat_rate_limited_total" {
			limited = f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, 1.0, limited)
}

func TestCustomAuthMiddleware(t *testing.T) {
	chat, _ := newIntegration(t, 100)

	r := mux.NewRouter()
	chat.RegisterRoutes(r, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/chat/unread", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
