// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/mcpparse"
	"github.com/stacklok/mcp-gateway/pkg/session"
	"github.com/stacklok/mcp-gateway/pkg/storage"
	"github.com/stacklok/mcp-gateway/pkg/versions"
)

// protocolVersion is the MCP protocol revision the gateway speaks.
const protocolVersion = "2025-03-26"

// Reserved JSON-RPC codes handled at the framing layer.
const (
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
)

// Dispatcher turns inbound JSON-RPC frames into federation calls. It
// implements session.DispatchFunc for every transport.
type Dispatcher struct {
	svc     *Service
	cancels *cancellation.Service
}

// NewDispatcher builds the JSON-RPC dispatcher.
func NewDispatcher(svc *Service, cancels *cancellation.Service) *Dispatcher {
	return &Dispatcher{svc: svc, cancels: cancels}
}

// Dispatch handles one frame for a session. The returned bytes are the
// serialized JSON-RPC response; nil means no reply (notifications).
func (d *Dispatcher) Dispatch(ctx context.Context, sess *session.Session, message []byte) ([]byte, error) {
	parsed := mcpparse.ParseMessage(message)
	if parsed == nil {
		// Responses and malformed frames produce no reply; a batch array
		// is an explicit protocol error.
		if isBatch(message) {
			return encodeError(nil, codeInvalidRequest, "batch requests are not supported", nil)
		}
		return nil, nil
	}

	if parsed.ID == nil {
		d.handleNotification(ctx, parsed)
		return nil, nil
	}

	result, err := d.handleRequest(ctx, sess, parsed)
	if err != nil {
		var notFound *methodNotFoundError
		if errors.As(err, &notFound) {
			return encodeError(parsed.ID, codeMethodNotFound, notFound.Error(), nil)
		}
		code, msg, data := gwerrors.JSONRPCError(err)
		return encodeError(parsed.ID, code, msg, data)
	}
	return encodeResult(parsed.ID, result)
}

// handleRequest routes one MCP request method.
func (d *Dispatcher) handleRequest(
	ctx context.Context, sess *session.Session, parsed *mcpparse.ParsedMCPRequest,
) (any, error) {
	user := sess.User()
	requestID := requestIDString(parsed.ID)

	switch parsed.Method {
	case "initialize":
		return d.initializeResult(), nil
	case "ping":
		return struct{}{}, nil

	case "tools/list":
		page, err := pageFromCursor(parsed.ResourceID)
		if err != nil {
			return nil, err
		}
		tools, err := d.svc.ListTools(ctx, user, page)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(tools))
		for _, t := range tools {
			out = append(out, ToMCPTool(t))
		}
		return listResult("tools", out, page), nil

	case "tools/call":
		return d.svc.InvokeTool(ctx, &InvokeRequest{
			Name:      parsed.ResourceID,
			Args:      parsed.Arguments,
			RequestID: requestID,
			User:      user,
			Deliver:   sess.Deliver,
		})

	case "resources/list":
		page, err := pageFromCursor(parsed.ResourceID)
		if err != nil {
			return nil, err
		}
		resources, err := d.svc.ListResources(ctx, user, page)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(resources))
		for _, r := range resources {
			out = append(out, ToMCPResource(r))
		}
		return listResult("resources", out, page), nil

	case "resources/read":
		return d.svc.ReadResource(ctx, &ReadRequest{
			URI:       parsed.ResourceID,
			RequestID: requestID,
			User:      user,
			Deliver:   sess.Deliver,
		})

	case "prompts/list":
		page, err := pageFromCursor(parsed.ResourceID)
		if err != nil {
			return nil, err
		}
		prompts, err := d.svc.ListPrompts(ctx, user, page)
		if err != nil {
			return nil, err
		}
		out := make([]any, 0, len(prompts))
		for _, p := range prompts {
			out = append(out, ToMCPPrompt(p))
		}
		return listResult("prompts", out, page), nil

	case "prompts/get":
		return d.svc.GetPrompt(ctx, &PromptRequest{
			Name:      parsed.ResourceID,
			Args:      parsed.Arguments,
			RequestID: requestID,
			User:      user,
			Deliver:   sess.Deliver,
		})

	default:
		return nil, &methodNotFoundError{method: parsed.Method}
	}
}

// handleNotification processes client notifications. Unknown notifications
// are dropped.
func (d *Dispatcher) handleNotification(ctx context.Context, parsed *mcpparse.ParsedMCPRequest) {
	switch parsed.Method {
	case "notifications/cancelled":
		if d.cancels == nil {
			return
		}
		requestID := parsed.ResourceID
		reason, _ := parsed.Arguments["reason"].(string)
		if requestID == "" {
			return
		}
		if _, err := d.cancels.CancelRun(ctx, requestID, reason); err != nil {
			logger.Warnw("failed to process cancellation notification",
				"request_id", requestID, "error", err)
		}
	case "notifications/initialized":
		// Handshake complete; nothing to do.
	default:
		logger.Debugw("ignoring notification", "method", parsed.Method)
	}
}

func (*Dispatcher) initializeResult() any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{},
			"prompts":   map[string]any{},
		},
		"serverInfo": map[string]any{
			"name":    "mcp-gateway",
			"version": versions.Version,
		},
	}
}

// methodNotFoundError maps to the reserved -32601 code.
type methodNotFoundError struct {
	method string
}

func (e *methodNotFoundError) Error() string {
	return fmt.Sprintf("method %s not found", e.method)
}

// pageFromCursor converts an MCP list cursor into a storage page. The cursor
// is the next page number issued by the previous listing.
func pageFromCursor(cursor string) (Page, error) {
	page := Page{Page: 1, PerPage: storage.DefaultPerPage}
	if cursor == "" {
		return page, nil
	}
	n, err := strconv.Atoi(cursor)
	if err != nil || n < 1 {
		return Page{}, gwerrors.NewInvalidArgsError("cursor is not valid", err)
	}
	page.Page = n
	return page, nil
}

// listResult builds a paginated MCP list result. A full page yields a cursor
// for the next one.
func listResult(field string, items []any, page Page) map[string]any {
	result := map[string]any{field: items}
	if len(items) == page.PerPage {
		result["nextCursor"] = strconv.Itoa(page.Page + 1)
	}
	return result
}

// requestIDString renders a JSON-RPC id for the cancellation registry.
func requestIDString(id any) string {
	switch v := id.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatInt(int64(v), 10)
	default:
		return fmt.Sprintf("%v", v)
	}
}

// isBatch reports whether the frame is a JSON array.
func isBatch(message []byte) bool {
	for _, b := range message {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// encodeResult serializes a success response.
func encodeResult(id any, result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return encodeError(id, gwerrors.CodeInternalError, "internal_error", nil)
	}
	rpcID, err := toRPCID(id)
	if err != nil {
		return encodeError(id, gwerrors.CodeInternalError, "internal_error", nil)
	}
	frame, err := jsonrpc2.EncodeMessage(&jsonrpc2.Response{ID: rpcID, Result: raw})
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to encode response", err)
	}
	return frame, nil
}

// errorBody is the wire form of a JSON-RPC error object, hand-encoded so the
// structured data block survives.
type errorBody struct {
	Code    int64          `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

type errorFrame struct {
	JSONRPC string     `json:"jsonrpc"`
	ID      any        `json:"id"`
	Error   *errorBody `json:"error"`
}

// encodeError serializes an error response.
func encodeError(id any, code int64, message string, data map[string]any) ([]byte, error) {
	frame, err := json.Marshal(&errorFrame{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &errorBody{Code: code, Message: message, Data: data},
	})
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to encode error response", err)
	}
	return frame, nil
}

// toRPCID converts a decoded id into the jsonrpc2 form.
func toRPCID(id any) (jsonrpc2.ID, error) {
	switch v := id.(type) {
	case nil:
		return jsonrpc2.ID{}, nil
	case string:
		return jsonrpc2.StringID(v), nil
	case int:
		return jsonrpc2.Int64ID(int64(v)), nil
	case int64:
		return jsonrpc2.Int64ID(v), nil
	case float64:
		return jsonrpc2.Int64ID(int64(v)), nil
	default:
		return jsonrpc2.ID{}, fmt.Errorf("unsupported ID type: %T", id)
	}
}
