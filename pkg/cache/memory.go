// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"context"
	"slices"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the in-memory cache sweeps expired keys.
const DefaultCleanupInterval = 30 * time.Second

// entry wraps a value with its expiry for TTL tracking.
type entry struct {
	value     []byte
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryCache implements Cache with in-process maps. It serves single-worker
// deployments and tests; cross-worker coordination requires the Redis
// backend because nothing here is visible to other processes.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]*entry

	subMu sync.RWMutex
	subs  map[string][]*memorySubscription

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryCacheOption configures a MemoryCache instance.
type MemoryCacheOption func(*MemoryCache)

// WithCleanupInterval sets a custom cleanup interval.
func WithCleanupInterval(interval time.Duration) MemoryCacheOption {
	return func(c *MemoryCache) {
		c.cleanupInterval = interval
	}
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup
// goroutine.
func NewMemoryCache(opts ...MemoryCacheOption) *MemoryCache {
	c := &MemoryCache{
		entries:         make(map[string]*entry),
		subs:            make(map[string][]*memorySubscription),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Start background cleanup goroutine
	go c.cleanupLoop()

	return c
}

// Get returns the value stored at key, or ErrNotFound.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok || e.expired(time.Now()) {
		return nil, ErrNotFound
	}
	return slices.Clone(e.value), nil
}

// Set stores value at key with the given TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = newEntry(value, ttl)
	return nil
}

// SetNX stores value at key only if the key does not exist.
func (c *MemoryCache) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.expired(time.Now()) {
		return false, nil
	}
	c.entries[key] = newEntry(value, ttl)
	return true, nil
}

// Expire resets the TTL of key.
func (c *MemoryCache) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	return true, nil
}

// Del removes the given keys.
func (c *MemoryCache) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		delete(c.entries, k)
	}
	return nil
}

// Publish sends payload to every current subscriber of channel. Slow
// subscribers that cannot keep up drop messages rather than block the
// publisher.
func (c *MemoryCache) Publish(_ context.Context, channel string, payload []byte) error {
	c.subMu.RLock()
	subs := slices.Clone(c.subs[channel])
	c.subMu.RUnlock()

	for _, sub := range subs {
		sub.deliver(Message{Channel: channel, Payload: slices.Clone(payload)})
	}
	return nil
}

// Subscribe starts listening on the given channels.
func (c *MemoryCache) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		cache:    c,
		channels: slices.Clone(channels),
		out:      make(chan Message, 64),
	}

	c.subMu.Lock()
	for _, ch := range channels {
		c.subs[ch] = append(c.subs[ch], sub)
	}
	c.subMu.Unlock()

	return sub, nil
}

// Ping is a no-op for in-memory storage since it is always available.
func (*MemoryCache) Ping(_ context.Context) error {
	return nil
}

// Close stops the background cleanup goroutine and waits for it to finish.
func (c *MemoryCache) Close() error {
	close(c.stopCleanup)
	<-c.cleanupDone
	return nil
}

func newEntry(value []byte, ttl time.Duration) *entry {
	e := &entry{value: slices.Clone(value)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	return e
}

// cleanupLoop runs periodic cleanup of expired entries.
func (c *MemoryCache) cleanupLoop() {
	defer close(c.cleanupDone)

	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCleanup:
			return
		case <-ticker.C:
			c.cleanupExpired()
		}
	}
}

// cleanupExpired removes all expired entries. Collects expired keys under
// read lock, then deletes under write lock to keep the write lock short.
func (c *MemoryCache) cleanupExpired() {
	now := time.Now()

	c.mu.RLock()
	var expired []string
	for k, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, k)
		}
	}
	c.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	c.mu.Lock()
	for _, k := range expired {
		if e, ok := c.entries[k]; ok && e.expired(now) {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}

func (c *MemoryCache) unsubscribe(sub *memorySubscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, ch := range sub.channels {
		list := c.subs[ch]
		for i, s := range list {
			if s == sub {
				c.subs[ch] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if len(c.subs[ch]) == 0 {
			delete(c.subs, ch)
		}
	}
}

type memorySubscription struct {
	cache    *MemoryCache
	channels []string
	out      chan Message

	mu     sync.RWMutex
	closed bool
}

func (s *memorySubscription) deliver(msg Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.out <- msg:
	default:
	}
}

func (s *memorySubscription) Messages() <-chan Message {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cache.unsubscribe(s)
	close(s.out)
	return nil
}

// Compile-time interface compliance checks
var (
	_ Cache        = (*MemoryCache)(nil)
	_ Subscription = (*memorySubscription)(nil)
)
