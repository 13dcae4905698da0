// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"sync"
	"time"
)

// Table holds the sessions this worker owns, with TTL cleanup. Sessions
// idle past the TTL are evicted and their eviction hook runs, which is
// where transports tear down streams and release the ownership record.
type Table struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl     time.Duration
	onEvict func(*Session)
	stopCh  chan struct{}
	stopped sync.Once
}

// NewTable creates a session table and starts its cleanup worker. onEvict
// runs outside the table lock for every session the cleanup removes; it may
// be nil.
func NewTable(ttl time.Duration, onEvict func(*Session)) *Table {
	t := &Table{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		onEvict:  onEvict,
		stopCh:   make(chan struct{}),
	}
	go t.cleanupRoutine()
	return t
}

func (t *Table) cleanupRoutine() {
	ticker := time.NewTicker(t.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.CleanupExpired()
		case <-t.stopCh:
			return
		}
	}
}

// Add stores a session this worker owns. The ID must be unused.
func (t *Table) Add(sess *Session) error {
	if sess.ID() == "" {
		return fmt.Errorf("session ID cannot be empty")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.sessions[sess.ID()]; exists {
		return fmt.Errorf("session %q already exists", sess.ID())
	}
	t.sessions[sess.ID()] = sess
	return nil
}

// Get retrieves an owned session and marks it active.
func (t *Table) Get(id string) (*Session, bool) {
	t.mu.RLock()
	sess, ok := t.sessions[id]
	t.mu.RUnlock()

	if !ok {
		return nil, false
	}
	sess.Touch()
	return sess, true
}

// Remove deletes a session from the table and returns it, or nil when the
// table does not hold it. The caller is responsible for closing it.
func (t *Table) Remove(id string) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	sess := t.sessions[id]
	delete(t.sessions, id)
	return sess
}

// Len returns the number of owned sessions.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.sessions)
}

// All snapshots the owned sessions.
func (t *Table) All() []*Session {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, sess)
	}
	return out
}

// CleanupExpired evicts sessions idle past the TTL.
func (t *Table) CleanupExpired() {
	cutoff := time.Now().Add(-t.ttl)

	t.mu.Lock()
	var evicted []*Session
	for id, sess := range t.sessions {
		if sess.LastActivity().Before(cutoff) {
			evicted = append(evicted, sess)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, sess := range evicted {
		if t.onEvict != nil {
			t.onEvict(sess)
		}
	}
}

// Stop stops the cleanup worker. Sessions stay in the table.
func (t *Table) Stop() {
	t.stopped.Do(func() { close(t.stopCh) })
}
