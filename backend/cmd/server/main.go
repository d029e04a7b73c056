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

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efdeliver/backend/config"
	"github.com/efchatnet/efdeliver/backend/integration"
	"github.com/efchatnet/efdeliver/backend/logging"
	"github.com/efchatnet/efdeliver/backend/metrics"
	"github.com/efchatnet/efdeliver/backend/storage/sqlstore"
	chatredis "github.com/efchatnet/efdeliver/backend/storage/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	log := logging.Init(cfg.LogLevel, cfg.LogSink)
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database connection, migrations run on open
	store, err := sqlstore.Open(ctx, sqlstore.Dialect(cfg.DatabaseDriver), cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", "driver", cfg.DatabaseDriver, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	// Redis connection, optional
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = chatredis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn("redis unavailable at startup", "error", err)
		}
	} else {
		log.Info("redis disabled, last seen kept in memory")
	}

	chat, err := integration.NewChatIntegration(&integration.Config{
		Store:            store,
		Redis:            rdb,
		JWTSecret:        cfg.JWTSecret,
		JWTIssuer:        cfg.JWTIssuer,
		JWTCookie:        cfg.AuthCookie,
		AllowedOrigins:   cfg.AllowedOrigins,
		RateLimit:        cfg.RateLimit,
		AckTimeout:       cfg.AckTimeout,
		WriteTimeout:     cfg.WriteTimeout,
		MaxMessageLength: cfg.MaxMessageLength,
		Metrics:          metrics.New(prometheus.DefaultRegisterer),
		Logger:           log,
	})
	if err != nil {
		log.Error("failed to set up chat", "error", err)
		os.Exit(1)
	}

	// Setup router
	r := mux.NewRouter()
	r.Use(chat.CORS())
	chat.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info("chat server starting", "port", cfg.Port, "driver", cfg.DatabaseDriver, "jwt_issuer", cfg.JWTIssuer)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		os.Exit(1)
	}
	log.Info("chat server stopped")
}
