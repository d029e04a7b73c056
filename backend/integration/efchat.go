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

package integration

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/delivery"
	"github.com/efchatnet/efdeliver/backend/handlers"
	"github.com/efchatnet/efdeliver/backend/logging"
	"github.com/efchatnet/efdeliver/backend/metrics"
	"github.com/efchatnet/efdeliver/backend/middleware"
	"github.com/efchatnet/efdeliver/backend/presence"
	"github.com/efchatnet/efdeliver/backend/storage"
	chatredis "github.com/efchatnet/efdeliver/backend/storage/redis"
	"github.com/efchatnet/efdeliver/backend/ws"
)

// ChatIntegration provides chat delivery and presence as a plugin for efchat
type ChatIntegration struct {
	engine              *delivery.Engine
	messageHandler      *handlers.MessageHandler
	conversationHandler *handlers.ConversationHandler
	presenceHandler     *handlers.PresenceHandler
	wsHandler           *ws.Handler
	limiter             *middleware.RateLimiter
	jwt                 middleware.JWTConfig
	allowedOrigins      []string
}

// Config holds configuration for the chat integration
type Config struct {
	Store storage.Store

	// Redis is optional. Without it last-seen times live in memory and no
	// offline notifications are published.
	Redis *redis.Client

	JWTSecret string
	JWTIssuer string
	JWTCookie string

	AllowedOrigins   []string
	RateLimit        int
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	MaxMessageLength int

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// NewChatIntegration wires the delivery engine and its HTTP and websocket
// surfaces around an already migrated store.
func NewChatIntegration(config *Config) (*ChatIntegration, error) {
	if config.Store == nil {
		return nil, apperr.Validation("chat store is not configured")
	}
	if config.JWTSecret == "" {
		return nil, apperr.Validation("JWT secret is not configured")
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Log
	}

	engineConfig := delivery.Config{
		Store:            config.Store,
		Metrics:          config.Metrics,
		Logger:           logger,
		MaxMessageLength: config.MaxMessageLength,
		AckTimeout:       config.AckTimeout,
	}
	if config.Redis != nil {
		engineConfig.LastSeen = chatredis.NewPresenceStore(config.Redis)
		engineConfig.Notifier = chatredis.NewNotifier(config.Redis)
	} else {
		engineConfig.LastSeen = presence.NewMemoryLastSeen()
	}
	engine := delivery.New(engineConfig)

	return &ChatIntegration{
		engine:              engine,
		messageHandler:      handlers.NewMessageHandler(engine),
		conversationHandler: handlers.NewConversationHandler(engine),
		presenceHandler:     handlers.NewPresenceHandler(engine),
		wsHandler: ws.NewHandler(ws.Config{
			Engine:         engine,
			AllowedOrigins: config.AllowedOrigins,
			AckTimeout:     config.AckTimeout,
			WriteTimeout:   config.WriteTimeout,
			Logger:         logger,
		}),
		limiter: middleware.NewRateLimiter(config.RateLimit, config.Metrics),
		jwt: middleware.JWTConfig{
			Secret: config.JWTSecret,
			Issuer: config.JWTIssuer,
			Cookie: config.JWTCookie,
		},
		allowedOrigins: config.AllowedOrigins,
	}, nil
}

// RegisterRoutes adds chat routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (c *ChatIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/chat").Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(c.jwt))
	}

	// The live connection is long-lived; only its upgrade is authenticated.
	api.Handle("/ws", c.wsHandler).Methods("GET")

	rest := api.NewRoute().Subrouter()
	rest.Use(c.limiter.Middleware)

	rest.HandleFunc("/messages", c.messageHandler.SendMessage).Methods("POST", "OPTIONS")
	rest.HandleFunc("/messages/{messageId}", c.messageHandler.DeleteMessage).Methods("DELETE", "OPTIONS")

	rest.HandleFunc("/conversations", c.conversationHandler.List).Methods("GET", "OPTIONS")
	rest.HandleFunc("/conversations", c.conversationHandler.GetOrCreate).Methods("POST", "OPTIONS")
	rest.HandleFunc("/conversations/{conversationId}/messages", c.conversationHandler.History).Methods("GET", "OPTIONS")
	rest.HandleFunc("/conversations/{conversationId}/read", c.conversationHandler.MarkRead).Methods("POST", "OPTIONS")
	rest.HandleFunc("/conversations/{conversationId}/status", c.conversationHandler.SetStatus).Methods("PATCH", "OPTIONS")

	rest.HandleFunc("/unread", c.conversationHandler.Unread).Methods("GET", "OPTIONS")
	rest.HandleFunc("/presence", c.presenceHandler.OnlineStatus).Methods("GET", "OPTIONS")
}

// CORS returns the origin policy the websocket upgrade also enforces.
func (c *ChatIntegration) CORS() func(http.Handler) http.Handler {
	return middleware.CORS(c.allowedOrigins)
}

func (c *ChatIntegration) Engine() *delivery.Engine {
	return c.engine
}

// OnlineCount reports how many identities hold a live connection.
func (c *ChatIntegration) OnlineCount() int {
	return c.engine.Registry().Len()
}

// Handler getters for bridge integration
func (c *ChatIntegration) GetMessageHandler() *handlers.MessageHandler {
	return c.messageHandler
}

func (c *ChatIntegration) GetConversationHandler() *handlers.ConversationHandler {
	return c.conversationHandler
}

func (c *ChatIntegration) GetPresenceHandler() *handlers.PresenceHandler {
	return c.presenceHandler
}

func (c *ChatIntegration) GetWebsocketHandler() *ws.Handler {
	return c.wsHandler
}
