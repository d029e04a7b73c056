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

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/efchatnet/efdeliver/backend/apperr"
)

type Config struct {
	Port             string
	DatabaseDriver   string
	DatabaseURL      string
	RedisURL         string
	JWTSecret        string
	JWTIssuer        string
	AuthCookie       string
	RateLimit        int
	AckTimeout       time.Duration
	WriteTimeout     time.Duration
	MaxMessageLength int
	AllowedOrigins   []string
	LogLevel         string
	LogSink          string
}

// Load reads an optional .env file and then the environment. Values already
// set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	cfg := &Config{
		Port:           getenv("PORT", "8081"),
		DatabaseDriver: getenv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		JWTSecret:      os.Getenv("JWT_SECRET"),
		JWTIssuer:      getenv("JWT_ISSUER", "efchat"),
		AuthCookie:     getenv("AUTH_COOKIE", "token"),
		AllowedOrigins: splitList(os.Getenv("ALLOWED_ORIGINS")),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogSink:        os.Getenv("LOG_SINK"),
	}
	if cfg.DatabaseURL == "" && cfg.DatabaseDriver == "postgres" {
		cfg.DatabaseURL = "postgres://localhost/efchat?sslmode=disable"
	}

	var err error
	if cfg.RateLimit, err = getint("RATE_LIMIT_PER_MINUTE", 120); err != nil {
		return nil, err
	}
	if cfg.MaxMessageLength, err = getint("MAX_MESSAGE_LENGTH", 5000); err != nil {
		return nil, err
	}
	if cfg.AckTimeout, err = getduration("ACK_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = getduration("WRITE_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return apperr.Validation("JWT_SECRET environment variable is required")
	}
	switch c.DatabaseDriver {
	case "postgres", "sqlite":
	default:
		return apperr.Validation("unsupported DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.DatabaseURL == "" {
		return apperr.Validation("DATABASE_URL is required for %s", c.DatabaseDriver)
	}
	if c.RateLimit <= 0 {
		return apperr.Validation("RATE_LIMIT_PER_MINUTE must be positive")
	}
	if c.MaxMessageLength <= 0 {
		return apperr.Validation("MAX_MESSAGE_LENGTH must be positive")
	}
	if c.AckTimeout <= 0 || c.WriteTimeout <= 0 {
		return apperr.Validation("ACK_TIMEOUT and WRITE_TIMEOUT must be positive")
	}
	return nil
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.Validation("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func getduration(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, apperr.Validation("%s: %q is not a duration", key, v)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
