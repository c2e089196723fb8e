// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

// Package dedup short-circuits operation replays. Every accepted operation
// remembers its ack payload under the client-chosen operation id; a retry
// within the TTL gets the original ack back instead of a second sequence
// number.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/ManuGH/canvashub/internal/metrics"
)

// Cache is the idempotency window over recently accepted operations.
type Cache interface {
	// Check returns the remembered ack for opID, if any.
	Check(ctx context.Context, opID string) ([]byte, bool, error)
	// Remember stores the ack for opID for the cache's TTL.
	Remember(ctx context.Context, opID string, ack []byte) error
	Close() error
}

// BadgerCache keeps the idempotency window in an embedded badger database,
// keyed "idem:<operationId>" with a per-entry TTL.
type BadgerCache struct {
	db  *badger.DB
	ttl time.Duration
}

// OpenBadger opens (or creates) the cache at path.
func OpenBadger(path string, ttl time.Duration) (*BadgerCache, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerCache{db: db, ttl: ttl}, nil
}

func (c *BadgerCache) Check(ctx context.Context, opID string) ([]byte, bool, error) {
	key := []byte("idem:" + opID)
	var ack []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			ack = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		if err == badger.ErrKeyNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	metrics.DedupHitsTotal.Inc()
	return ack, true, nil
}

func (c *BadgerCache) Remember(ctx context.Context, opID string, ack []byte) error {
	entry := badger.NewEntry([]byte("idem:"+opID), ack).WithTTL(c.ttl)
	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(entry)
	})
}

func (c *BadgerCache) Close() error { return c.db.Close() }

type memoryEntry struct {
	ack       []byte
	expiresAt time.Time
}

// MemoryCache is the in-process fallback when no cache directory is
// configured. Expired entries are dropped lazily on Check.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	now     func() time.Time
}

func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Check(ctx context.Context, opID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[opID]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expiresAt) {
		delete(c.entries, opID)
		return nil, false, nil
	}
	metrics.DedupHitsTotal.Inc()
	return e.ack, true, nil
}

func (c *MemoryCache) Remember(ctx context.Context, opID string, ack []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[opID] = memoryEntry{
		ack:       append([]byte(nil), ack...),
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

func (c *MemoryCache) Close() error { return nil }

var (
	_ Cache = (*BadgerCache)(nil)
	_ Cache = (*MemoryCache)(nil)
)
