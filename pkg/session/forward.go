// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/mcp-gateway/pkg/cache"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
)

const (
	// rpcInboxPrefix is the per-worker forwarded-RPC inbox channel.
	rpcInboxPrefix = "pool_rpc:"
	// rpcResponsePrefix is the per-call response channel.
	rpcResponsePrefix = "pool_rpc_response:"
)

// DefaultForwardTimeout bounds one forwarded RPC when the config sets none.
const DefaultForwardTimeout = 30 * time.Second

// ForwardedRPC is the envelope published on the owner's inbox when another
// worker needs the owner to execute a request. Message carries the full
// JSON-RPC frame so the response keeps the client's request ID; Method and
// Params are duplicated for logging and deadline triage.
type ForwardedRPC struct {
	Method          string          `json:"method"`
	Params          json.RawMessage `json:"params,omitempty"`
	SessionID       string          `json:"session_id"`
	ResponseChannel string          `json:"response_channel"`
	DeadlineUnixMS  int64           `json:"deadline_unix_ms"`
	Message         json.RawMessage `json:"message"`
}

// Expired reports whether the envelope's deadline has passed. Owners drop
// expired envelopes instead of executing them, so a caller that already
// timed out can never race a late execution into a double dispatch.
func (f *ForwardedRPC) Expired(now time.Time) bool {
	return now.UnixMilli() > f.DeadlineUnixMS
}

// ForwardedResponse is published exactly once on the envelope's response
// channel. ErrorType carries the gateway error taxonomy type so the caller
// can rebuild a typed error.
type ForwardedResponse struct {
	Message   json.RawMessage `json:"message,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Forwarder sends requests to the workers that own their sessions.
type Forwarder struct {
	cache   cache.Cache
	timeout time.Duration
}

// NewForwarder builds a forwarder. A zero timeout uses the default.
func NewForwarder(c cache.Cache, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultForwardTimeout
	}
	return &Forwarder{cache: c, timeout: timeout}
}

// Call publishes message to the owner's inbox and waits for the response.
// Timeouts map to UpstreamUnavailable: the owner may be gone, and its
// session record will expire shortly.
func (f *Forwarder) Call(ctx context.Context, ownerID, sessionID string, message []byte) ([]byte, error) {
	var frame struct {
		Method string          `json:"method"`
		Params json.RawMessage `json:"params,omitempty"`
	}
	// Malformed frames are still forwarded; the owner's dispatcher
	// produces the JSON-RPC parse error so behavior matches local dispatch.
	_ = json.Unmarshal(message, &frame)

	responseChannel := rpcResponsePrefix + uuid.NewString()

	sub, err := f.cache.Subscribe(ctx, responseChannel)
	if err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("failed to open response channel for session %s", sessionID), err)
	}
	defer sub.Close()

	deadline := time.Now().Add(f.timeout)
	envelope, err := json.Marshal(&ForwardedRPC{
		Method:          frame.Method,
		Params:          frame.Params,
		SessionID:       sessionID,
		ResponseChannel: responseChannel,
		DeadlineUnixMS:  deadline.UnixMilli(),
		Message:         message,
	})
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to encode forwarded RPC", err)
	}

	if err := f.cache.Publish(ctx, rpcInboxPrefix+ownerID, envelope); err != nil {
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("failed to forward request for session %s to worker %s", sessionID, ownerID), err)
	}

	timer := time.NewTimer(f.timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			return nil, gwerrors.NewUpstreamUnavailableError(
				fmt.Sprintf("response channel closed for session %s", sessionID), nil)
		}
		return decodeForwardedResponse(msg.Payload)
	case <-timer.C:
		return nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("worker %s did not answer for session %s within %s", ownerID, sessionID, f.timeout), nil)
	case <-ctx.Done():
		return nil, gwerrors.NewCancelledError(
			fmt.Sprintf("forwarded request for session %s cancelled", sessionID), ctx.Err())
	}
}

func decodeForwardedResponse(payload []byte) ([]byte, error) {
	var resp ForwardedResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, gwerrors.NewInternalError("malformed forwarded response", err)
	}
	if resp.ErrorType != "" || resp.Error != "" {
		errType := resp.ErrorType
		if errType == "" {
			errType = gwerrors.ErrInternal
		}
		return nil, gwerrors.NewError(errType, resp.Error, nil)
	}
	return resp.Message, nil
}

// Listener serves this worker's forwarded-RPC inbox: it executes envelopes
// against locally owned sessions and publishes exactly one response each.
type Listener struct {
	cache    cache.Cache
	workerID string
	table    *Table
	dispatch DispatchFunc
}

// NewListener builds the inbox listener for this worker.
func NewListener(c cache.Cache, workerID string, table *Table, dispatch DispatchFunc) *Listener {
	return &Listener{cache: c, workerID: workerID, table: table, dispatch: dispatch}
}

// Run subscribes to the worker's inbox and serves envelopes until ctx ends.
func (l *Listener) Run(ctx context.Context) error {
	sub, err := l.cache.Subscribe(ctx, rpcInboxPrefix+l.workerID)
	if err != nil {
		return fmt.Errorf("failed to subscribe to forwarded-RPC inbox: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case msg, ok := <-sub.Messages():
			if !ok {
				return nil
			}
			// Envelopes dispatch concurrently: a slow upstream call must
			// not head-of-line block the inbox.
			go l.handle(ctx, msg.Payload)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *Listener) handle(ctx context.Context, payload []byte) {
	var env ForwardedRPC
	if err := json.Unmarshal(payload, &env); err != nil {
		logger.Warnf("dropping malformed forwarded RPC: %v", err)
		return
	}

	if env.Expired(time.Now()) {
		logger.Warnw("dropping expired forwarded RPC",
			"session_id", env.SessionID, "method", env.Method)
		return
	}

	sess, ok := l.table.Get(env.SessionID)
	if !ok {
		l.respondError(ctx, &env, gwerrors.NewNotFoundError(
			fmt.Sprintf("session %s not owned by worker %s", env.SessionID, l.workerID), nil))
		return
	}

	callCtx, cancel := context.WithDeadline(ctx, time.UnixMilli(env.DeadlineUnixMS))
	defer cancel()

	response, err := l.dispatch(callCtx, sess, env.Message)
	if err != nil {
		l.respondError(ctx, &env, err)
		return
	}
	l.respond(ctx, &env, &ForwardedResponse{Message: response})
}

func (l *Listener) respondError(ctx context.Context, env *ForwardedRPC, err error) {
	l.respond(ctx, env, &ForwardedResponse{
		ErrorType: gwerrors.TypeOf(err),
		Error:     err.Error(),
	})
}

func (l *Listener) respond(ctx context.Context, env *ForwardedRPC, resp *ForwardedResponse) {
	payload, err := json.Marshal(resp)
	if err != nil {
		logger.Errorf("failed to encode forwarded response for session %s: %v", env.SessionID, err)
		return
	}
	if err := l.cache.Publish(ctx, env.ResponseChannel, payload); err != nil {
		logger.Warnw("failed to publish forwarded response",
			"session_id", env.SessionID, "channel", env.ResponseChannel, "error", err)
	}
}
