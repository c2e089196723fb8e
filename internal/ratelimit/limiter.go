// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package ratelimit throttles operation traffic per connection so a single
// runaway tab cannot starve the project lane for everyone else.
package ratelimit

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"
)

var rateLimitExceeded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "canvashub",
		Name:      "ratelimit_exceeded_total",
		Help:      "Total rate limit rejections",
	},
	[]string{"limit_type"},
)

// Config holds rate limiting parameters.
type Config struct {
	// Global operation budget across all connections.
	GlobalRate  rate.Limit
	GlobalBurst int

	// Per-connection operation budget.
	PerConnRate  rate.Limit
	PerConnBurst int

	// How often stale per-connection limiters are dropped.
	CleanupInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		GlobalRate:      2000,
		GlobalBurst:     4000,
		PerConnRate:     200,
		PerConnBurst:    400,
		CleanupInterval: 5 * time.Minute,
	}
}

// Limiter enforces global and per-connection operation rates.
type Limiter struct {
	config Config

	global  *rate.Limiter
	perConn map[string]*rate.Limiter
	mu      sync.Mutex

	lastCleanup time.Time
}

// New creates a Limiter from config.
func New(config Config) *Limiter {
	return &Limiter{
		config:      config,
		global:      rate.NewLimiter(config.GlobalRate, config.GlobalBurst),
		perConn:     make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether one more operation from connID fits the budget.
func (l *Limiter) Allow(connID string) bool {
	if !l.global.Allow() {
		rateLimitExceeded.WithLabelValues("global").Inc()
		return false
	}

	if !l.connLimiter(connID).Allow() {
		rateLimitExceeded.WithLabelValues("per_connection").Inc()
		return false
	}

	l.maybeCleanup()
	return true
}

// Release drops the limiter state for a closed connection.
func (l *Limiter) Release(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.perConn, connID)
}

func (l *Limiter) connLimiter(connID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, exists := l.perConn[connID]
	if !exists {
		limiter = rate.NewLimiter(l.config.PerConnRate, l.config.PerConnBurst)
		l.perConn[connID] = limiter
	}
	return limiter
}

func (l *Limiter) maybeCleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if time.Since(l.lastCleanup) < l.config.CleanupInterval {
		return
	}
	// Dropping everything is fine: live connections recreate their limiter
	// on the next operation with a full burst.
	l.perConn = make(map[string]*rate.Limiter)
	l.lastCleanup = time.Now()
}
