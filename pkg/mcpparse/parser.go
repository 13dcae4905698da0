// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package mcpparse provides HTTP middleware and helpers that parse MCP
// JSON-RPC messages and expose the extracted method, resource identifier,
// and arguments to downstream consumers via the request context.
package mcpparse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/exp/jsonrpc2"
)

// contextKey is a type for context keys to avoid collisions.
type contextKey string

// MCPRequestContextKey is the context key for storing parsed MCP request data.
const MCPRequestContextKey contextKey = "mcp_request"

// sseEndpointSuffix matches the SSE establishment endpoint, which carries no
// JSON-RPC payload.
const sseEndpointSuffix = "/sse"

// ParsedMCPRequest contains the parsed MCP request information.
type ParsedMCPRequest struct {
	// Method is the MCP method name (e.g., "tools/call", "resources/read")
	Method string
	// ID is the JSON-RPC request ID (int64 for numeric IDs, string otherwise)
	ID any
	// Params contains the raw JSON parameters
	Params json.RawMessage
	// ResourceID is the extracted resource identifier (tool name, resource URI, etc.)
	ResourceID string
	// Arguments contains the extracted arguments for the operation
	Arguments map[string]any
	// IsRequest indicates if this is a JSON-RPC request (vs response or error)
	IsRequest bool
	// IsBatch indicates if this is a batch request. Batch arrays are rejected
	// at the transport layer, so parsed requests are always single messages.
	IsBatch bool
}

// ParsingMiddleware parses MCP JSON-RPC request bodies and stores the parsed
// information in the request context for downstream middleware (plugin
// pipeline, audit, federation dispatch).
//
// The request body is restored after parsing so downstream handlers can read
// it again. Requests that are not MCP messages (GET, non-JSON content, SSE
// establishment) pass through untouched.
func ParsingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !shouldParseRequest(r) {
			next.ServeHTTP(w, r)
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			// If the body cannot be read, let the next handler deal with it.
			next.ServeHTTP(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))

		if parsed := ParseMessage(bodyBytes); parsed != nil {
			ctx := context.WithValue(r.Context(), MCPRequestContextKey, parsed)
			r = r.WithContext(ctx)
		}

		next.ServeHTTP(w, r)
	})
}

// GetParsedMCPRequest retrieves the parsed MCP request from the request context.
// Returns nil if no parsed request is available.
func GetParsedMCPRequest(ctx context.Context) *ParsedMCPRequest {
	if parsed, ok := ctx.Value(MCPRequestContextKey).(*ParsedMCPRequest); ok {
		return parsed
	}
	return nil
}

// GetMCPMethod is a convenience function to get the MCP method from the context.
func GetMCPMethod(ctx context.Context) string {
	if parsed := GetParsedMCPRequest(ctx); parsed != nil {
		return parsed.Method
	}
	return ""
}

// GetMCPResourceID is a convenience function to get the MCP resource ID from the context.
func GetMCPResourceID(ctx context.Context) string {
	if parsed := GetParsedMCPRequest(ctx); parsed != nil {
		return parsed.ResourceID
	}
	return ""
}

// GetMCPArguments is a convenience function to get the MCP arguments from the context.
func GetMCPArguments(ctx context.Context) map[string]any {
	if parsed := GetParsedMCPRequest(ctx); parsed != nil {
		return parsed.Arguments
	}
	return nil
}

// shouldParseRequest determines if the request should be parsed as an MCP request.
func shouldParseRequest(r *http.Request) bool {
	// Only parse POST requests with JSON content type.
	if r.Method != http.MethodPost {
		return false
	}

	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, "application/json") {
		return false
	}

	// Skip SSE establishment requests; the JSON-RPC traffic for those
	// sessions arrives on the message endpoint.
	return !strings.HasSuffix(r.URL.Path, sseEndpointSuffix)
}

// ParseMessage parses a single JSON-RPC message and extracts MCP-specific
// information. Returns nil for responses, errors, batch arrays, and bodies
// that are not valid JSON-RPC. Transports that do not speak HTTP (stdio,
// WebSocket) call this directly on each inbound frame.
func ParseMessage(bodyBytes []byte) *ParsedMCPRequest {
	if len(bodyBytes) == 0 {
		return nil
	}

	msg, err := jsonrpc2.DecodeMessage(bodyBytes)
	if err != nil {
		return nil
	}

	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		return nil
	}

	resourceID, arguments := extractResourceAndArguments(req.Method, req.Params)

	return &ParsedMCPRequest{
		Method:     req.Method,
		ID:         req.ID.Raw(),
		Params:     req.Params,
		ResourceID: resourceID,
		Arguments:  arguments,
		IsRequest:  true,
		IsBatch:    false,
	}
}

// methodHandler extracts the resource ID and arguments from decoded params
// for a specific MCP method.
type methodHandler func(map[string]any) (string, map[string]any)

// methodHandlers maps MCP methods to their respective handlers.
var methodHandlers = map[string]methodHandler{
	"initialize":               handleInitialize,
	"tools/call":               handleNamedResource,
	"prompts/get":              handleNamedResource,
	"resources/read":           handleResourceURI,
	"resources/subscribe":      handleResourceURI,
	"resources/unsubscribe":    handleResourceURI,
	"tools/list":               handleListCursor,
	"resources/list":           handleListCursor,
	"prompts/list":             handleListCursor,
	"resources/templates/list": handleListCursor,
	"progress/update":          handleProgressUpdate,
	"logging/setLevel":         handleLogLevel,
	"completion/complete":      handleCompletion,
	"elicitation/create":       handleElicitation,
	"sampling/createMessage":   handleSampling,
	"notifications/progress":   handleProgressNotification,
	"notifications/cancelled":  handleCancelledNotification,
}

// staticResourceIDs maps methods to resource IDs that do not depend on params.
var staticResourceIDs = map[string]string{
	"ping":                                 "ping",
	"notifications/initialized":            "initialized",
	"notifications/roots/list_changed":     "roots",
	"notifications/prompts/list_changed":   "prompts",
	"notifications/resources/list_changed": "resources",
	"notifications/resources/updated":      "resources",
	"notifications/tools/list_changed":     "tools",
}

func extractResourceAndArguments(method string, params json.RawMessage) (string, map[string]any) {
	if params == nil {
		return staticResourceIDs[method], nil
	}

	var paramsMap map[string]any
	if err := json.Unmarshal(params, &paramsMap); err != nil {
		return staticResourceIDs[method], nil
	}

	if handler, exists := methodHandlers[method]; exists {
		return handler(paramsMap)
	}
	return staticResourceIDs[method], nil
}

// handleInitialize extracts the client name for initialize requests and keeps
// the full params, including the advertised capabilities, as arguments.
func handleInitialize(paramsMap map[string]any) (string, map[string]any) {
	var resourceID string
	if clientInfo, ok := paramsMap["clientInfo"].(map[string]any); ok {
		if name, ok := clientInfo["name"].(string); ok {
			resourceID = name
		}
	}
	return resourceID, paramsMap
}

// handleNamedResource extracts resource ID and arguments for methods that
// address a named entity (tools/call, prompts/get).
func handleNamedResource(paramsMap map[string]any) (string, map[string]any) {
	var resourceID string
	var arguments map[string]any

	if name, ok := paramsMap["name"].(string); ok {
		resourceID = name
	}
	if args, ok := paramsMap["arguments"].(map[string]any); ok {
		arguments = args
	}

	return resourceID, arguments
}

// handleResourceURI extracts the URI for resource read/subscribe operations.
func handleResourceURI(paramsMap map[string]any) (string, map[string]any) {
	if uri, ok := paramsMap["uri"].(string); ok {
		return uri, nil
	}
	return "", nil
}

// handleListCursor extracts the pagination cursor for list operations.
func handleListCursor(paramsMap map[string]any) (string, map[string]any) {
	if cursor, ok := paramsMap["cursor"].(string); ok && cursor != "" {
		return cursor, nil
	}
	return "", nil
}

func handleProgressUpdate(paramsMap map[string]any) (string, map[string]any) {
	return tokenString(paramsMap["progressToken"]), nil
}

func handleProgressNotification(paramsMap map[string]any) (string, map[string]any) {
	return tokenString(paramsMap["progressToken"]), paramsMap
}

// handleCancelledNotification extracts the cancelled request ID and keeps the
// full params, including the reason, as arguments.
func handleCancelledNotification(paramsMap map[string]any) (string, map[string]any) {
	return tokenString(paramsMap["requestId"]), paramsMap
}

func handleLogLevel(paramsMap map[string]any) (string, map[string]any) {
	if level, ok := paramsMap["level"].(string); ok {
		return level, nil
	}
	return "", nil
}

// handleCompletion extracts the prompt name or resource template URI the
// completion request references.
func handleCompletion(paramsMap map[string]any) (string, map[string]any) {
	if ref, ok := paramsMap["ref"].(map[string]any); ok {
		if name, ok := ref["name"].(string); ok && name != "" {
			return name, paramsMap
		}
		if uri, ok := ref["uri"].(string); ok {
			return uri, paramsMap
		}
	}
	return "", paramsMap
}

func handleElicitation(paramsMap map[string]any) (string, map[string]any) {
	message, _ := paramsMap["message"].(string)
	return message, paramsMap
}

// handleSampling extracts the preferred model name, falling back to the
// system prompt when no model preference is given.
func handleSampling(paramsMap map[string]any) (string, map[string]any) {
	if prefs, ok := paramsMap["modelPreferences"].(map[string]any); ok {
		if name, ok := prefs["name"].(string); ok && name != "" {
			return name, paramsMap
		}
	}
	if prompt, ok := paramsMap["systemPrompt"].(string); ok {
		return prompt, paramsMap
	}
	return "", paramsMap
}

// tokenString normalizes progress tokens and request IDs, which may arrive as
// JSON strings or numbers.
func tokenString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return ""
}
