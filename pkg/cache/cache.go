// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cache provides the shared key/value and pub/sub layer the gateway
// workers coordinate through. Session ownership, pool affinity, cancellation
// fan-out, and code-execution session registration all go through this
// package so that a worker never assumes it is alone.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist or has expired.
var ErrNotFound = errors.New("cache: key not found")

// Message is one pub/sub delivery. Channel carries the logical channel name
// without the worker prefix.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Messages is closed after
// Close returns or the subscribing context ends.
type Subscription interface {
	// Messages returns the delivery channel.
	Messages() <-chan Message

	// Close unsubscribes and releases the subscription.
	Close() error
}

// Cache is the coordination backend shared by all gateway workers.
// Implementations must be safe for concurrent use.
type Cache interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value at key only if the key does not exist.
	// Returns true when the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Expire resets the TTL of key. Returns false when the key does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Publish sends payload to every subscriber of channel.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe starts listening on the given channels.
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend connection.
	Close() error
}
