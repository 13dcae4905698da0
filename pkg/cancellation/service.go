// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package cancellation provides gateway-authoritative cancellation of
// in-flight tool runs.
//
// Each worker keeps a local registry of the runs it is executing. A cancel
// request for a run the worker holds trips the run's context immediately;
// anything else is published on the cluster channel, where every worker
// listens and cancels matching local runs.
package cancellation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/stacklok/mcp-gateway/pkg/cache"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

// CancelChannel is the cluster-wide pub/sub channel cancel requests travel on.
const CancelChannel = "cancellation:cancel"

// Cancel statuses returned to the caller.
const (
	// StatusCancelled means the run was found locally and its signal tripped.
	StatusCancelled = "cancelled"
	// StatusQueued means the request was published for whichever worker
	// holds the run.
	StatusQueued = "queued"
)

// DeliverFunc writes one serialized JSON-RPC message to the run's client.
type DeliverFunc func(ctx context.Context, message []byte) error

// Result is the answer to one cancel request.
type Result struct {
	Status    string `json:"status"`
	RequestID string `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// Status describes one locally registered run.
type Status struct {
	RequestID    string     `json:"requestId"`
	Name         string     `json:"name"`
	RegisteredAt time.Time  `json:"registeredAt"`
	Cancelled    bool       `json:"cancelled"`
	CancelledAt  *time.Time `json:"cancelledAt,omitempty"`
	CancelReason string     `json:"cancelReason,omitempty"`
}

// tombstoneTTL is how long a cancelled run remains queryable after the
// dispatch unwinds and deregisters it. Without the tombstone a status poll
// racing the unwind would see not-found instead of cancelled.
const tombstoneTTL = 5 * time.Minute

// cancelMessage is the wire form published on CancelChannel.
type cancelMessage struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason,omitempty"`
}

// run is one in-flight tool execution tracked for cancellation.
type run struct {
	name         string
	registeredAt time.Time
	cancel       context.CancelCauseFunc
	deliver      DeliverFunc

	cancelled    bool
	cancelledAt  time.Time
	cancelReason string
}

// tombstone is the retained status of a cancelled run that has finished.
type tombstone struct {
	status  Status
	expires time.Time
}

// Service is the per-worker cancellation service.
type Service struct {
	cache cache.Cache

	mu         sync.Mutex
	runs       map[string]*run
	tombstones map[string]tombstone
}

// NewService builds the cancellation service for this worker.
func NewService(c cache.Cache) *Service {
	return &Service{
		cache:      c,
		runs:       make(map[string]*run),
		tombstones: make(map[string]tombstone),
	}
}

// RegisterRun tracks a new in-flight run. The returned context is derived
// from ctx and additionally ends when the run is cancelled; the dispatcher
// must thread it through every blocking call. deliver, when non-nil, is
// used to send notifications/cancelled to the client and may be called from
// another goroutine. The returned func deregisters the run and must run
// exactly once when the dispatch finishes.
func (s *Service) RegisterRun(ctx context.Context, requestID, name string, deliver DeliverFunc) (context.Context, func(), error) {
	runCtx, cancel := context.WithCancelCause(ctx)

	s.mu.Lock()
	if _, exists := s.runs[requestID]; exists {
		s.mu.Unlock()
		cancel(nil)
		return nil, nil, gwerrors.NewInternalError(
			fmt.Sprintf("run %s is already registered", requestID), nil)
	}
	s.runs[requestID] = &run{
		name:         name,
		registeredAt: time.Now(),
		cancel:       cancel,
		deliver:      deliver,
	}
	s.mu.Unlock()

	deregister := func() {
		s.mu.Lock()
		if r, ok := s.runs[requestID]; ok && r.cancelled {
			// Keep a tombstone so a status poll after the dispatch unwinds
			// still reports the cancellation instead of not-found.
			s.pruneTombstonesLocked()
			at := r.cancelledAt
			s.tombstones[requestID] = tombstone{
				status: Status{
					RequestID:    requestID,
					Name:         r.name,
					RegisteredAt: r.registeredAt,
					Cancelled:    true,
					CancelledAt:  &at,
					CancelReason: r.cancelReason,
				},
				expires: time.Now().Add(tombstoneTTL),
			}
		}
		delete(s.runs, requestID)
		s.mu.Unlock()
		cancel(nil)
	}
	return runCtx, deregister, nil
}

// pruneTombstonesLocked drops expired tombstones. Caller holds s.mu.
func (s *Service) pruneTombstonesLocked() {
	now := time.Now()
	for id, ts := range s.tombstones {
		if now.After(ts.expires) {
			delete(s.tombstones, id)
		}
	}
}

// CancelRun cancels a run wherever it is executing. Local runs are tripped
// immediately and the client is notified; unknown runs are published on the
// cluster channel and reported as queued.
func (s *Service) CancelRun(ctx context.Context, requestID, reason string) (*Result, error) {
	if s.cancelLocal(ctx, requestID, reason) {
		return &Result{Status: StatusCancelled, RequestID: requestID, Reason: reason}, nil
	}

	payload, err := json.Marshal(&cancelMessage{RequestID: requestID, Reason: reason})
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to encode cancel message", err)
	}
	if err := s.cache.Publish(ctx, CancelChannel, payload); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("failed to publish cancel for run %s", requestID), err)
	}
	return &Result{Status: StatusQueued, RequestID: requestID, Reason: reason}, nil
}

// cancelLocal trips a locally registered run. Returns false when this worker
// does not hold the run. Cancelling an already-cancelled run is idempotent.
func (s *Service) cancelLocal(ctx context.Context, requestID, reason string) bool {
	s.mu.Lock()
	r, ok := s.runs[requestID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	alreadyCancelled := r.cancelled
	if !alreadyCancelled {
		r.cancelled = true
		r.cancelledAt = time.Now()
		r.cancelReason = reason
	}
	cancel := r.cancel
	deliver := r.deliver
	s.mu.Unlock()

	if alreadyCancelled {
		return true
	}

	cancel(gwerrors.NewCancelledError(fmt.Sprintf("run %s cancelled", requestID), nil))

	if deliver != nil {
		if err := deliver(ctx, Notification(requestID, reason)); err != nil {
			logger.Warnw("failed to deliver cancellation notification",
				"request_id", requestID, "error", err)
		}
	}
	return true
}

// Status reports a locally registered run, or the retained tombstone of a
// cancelled run that already finished. Runs held by other workers are a
// NotFound; status is best-effort on the owning worker only.
func (s *Service) Status(requestID string) (*Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[requestID]
	if !ok {
		if ts, held := s.tombstones[requestID]; held {
			if time.Now().After(ts.expires) {
				delete(s.tombstones, requestID)
			} else {
				st := ts.status
				return &st, nil
			}
		}
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("run %s not found", requestID), nil)
	}

	st := &Status{
		RequestID:    requestID,
		Name:         r.name,
		RegisteredAt: r.registeredAt,
		Cancelled:    r.cancelled,
		CancelReason: r.cancelReason,
	}
	if r.cancelled {
		at := r.cancelledAt
		st.CancelledAt = &at
	}
	return st, nil
}

// Len returns the number of locally registered runs.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.runs)
}

// Run subscribes to the cluster cancel channel and serves it until ctx
// ends. Every worker runs one of these.
func (s *Service) Run(ctx context.Context) error {
	sub, err := s.cache.Subscribe(ctx, CancelChannel)
	if err != nil {
		return fmt.Errorf("failed to subscribe to cancel channel: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			var cm cancelMessage
			if err := json.Unmarshal(msg.Payload, &cm); err != nil {
				logger.Warnf("dropping malformed cancel message: %v", err)
				continue
			}
			if s.cancelLocal(ctx, cm.RequestID, cm.Reason) {
				logger.Infow("cancelled run from cluster request",
					"request_id", cm.RequestID, "reason", cm.Reason)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Notification builds the notifications/cancelled JSON-RPC frame sent to
// the run's client.
func Notification(requestID, reason string) []byte {
	frame, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/cancelled",
		"params": map[string]any{
			"requestId": requestID,
			"reason":    reason,
		},
	})
	return frame
}
