// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package middleware

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/efchatnet/efdeliver/backend/apperr"
	"github.com/efchatnet/efdeliver/backend/metrics"
)

// A bucket left alone this long has refilled completely, so dropping it
// changes nothing for its caller.
const limiterIdle = 3 * time.Minute

// RateLimiter keeps one token bucket per caller. The bucket refills at
// perMinute/60 per second and holds a full minute's budget. Idle buckets are
// swept out as requests arrive.
type RateLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*limiterEntry
	lastSweep time.Time
	perMinute int
	metrics   *metrics.Metrics
	now       func() time.Time
}

type limiterEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewRateLimiter(perMinute int, m *metrics.Metrics) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 120
	}
	return &RateLimiter{
		limiters:  make(map[string]*limiterEntry),
		lastSweep: time.Now(),
		perMinute: perMinute,
		metrics:   m,
		now:       time.Now,
	}
}

func (l *RateLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastSweep) >= limiterIdle {
		l.sweep(now)
	}
	if e, ok := l.limiters[key]; ok {
		e.seen = now
		return e.lim
	}
	lim := rate.NewLimiter(rate.Limit(float64(l.perMinute)/60), l.perMinute)
	l.limiters[key] = &limiterEntry{lim: lim, seen: now}
	return lim
}

// sweep drops buckets idle for limiterIdle. Callers hold l.mu.
func (l *RateLimiter) sweep(now time.Time) {
	for key, e := range l.limiters {
		if now.Sub(e.seen) >= limiterIdle {
			delete(l.limiters, key)
		}
	}
	l.lastSweep = now
}

// Len reports how many callers currently hold a bucket.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *RateLimiter) Allow(key string) bool {
	if l.get(key).Allow() {
		return true
	}
	l.metrics.RateLimited()
	return false
}

// Middleware keys on the authenticated identity, so it must run after the
// auth middleware. Unauthenticated requests fall back to the client address.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := "addr:" + clientAddr(r)
		if identity, ok := IdentityFrom(r.Context()); ok {
			key = "user:" + identity.ID
		}
		if !l.Allow(key) {
			w.Header().Set("Retry-After", "60")
			apperr.WriteHTTP(w, apperr.RateLimited("rate limit of %d requests per minute exceeded", l.perMinute))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
