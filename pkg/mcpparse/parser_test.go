// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package mcpparse

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsingMiddleware(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name           string
		method         string
		path           string
		contentType    string
		body           string
		expectParsed   bool
		expectedMethod string
		expectedID     any
		expectedResID  string
	}{
		{
			name:           "tools/call on streamable endpoint",
			method:         "POST",
			path:           "/mcp",
			contentType:    "application/json",
			body:           `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_weather","arguments":{"city":"Oslo"}}}`,
			expectParsed:   true,
			expectedMethod: "tools/call",
			expectedID:     int64(1), // numeric JSON-RPC IDs decode as int64
			expectedResID:  "get_weather",
		},
		{
			name:           "initialize with string ID",
			method:         "POST",
			path:           "/mcp",
			contentType:    "application/json; charset=utf-8",
			body:           `{"jsonrpc":"2.0","id":"init-1","method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"inspector","version":"0.4.0"},"capabilities":{}}}`,
			expectParsed:   true,
			expectedMethod: "initialize",
			expectedID:     "init-1",
			expectedResID:  "inspector",
		},
		{
			name:           "resources/read on SSE message endpoint",
			method:         "POST",
			path:           "/sse/messages",
			contentType:    "application/json",
			body:           `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"file:///srv/data.csv"}}`,
			expectParsed:   true,
			expectedMethod: "resources/read",
			expectedID:     int64(2),
			expectedResID:  "file:///srv/data.csv",
		},
		{
			name:           "prompts/get on worker RPC endpoint",
			method:         "POST",
			path:           "/rpc",
			contentType:    "application/json",
			body:           `{"jsonrpc":"2.0","id":3,"method":"prompts/get","params":{"name":"code_review","arguments":{"language":"go"}}}`,
			expectParsed:   true,
			expectedMethod: "prompts/get",
			expectedID:     int64(3),
			expectedResID:  "code_review",
		},
		{
			name:           "ping",
			method:         "POST",
			path:           "/message",
			contentType:    "application/json",
			body:           `{"jsonrpc":"2.0","id":4,"method":"ping","params":{}}`,
			expectParsed:   true,
			expectedMethod: "ping",
			expectedID:     int64(4),
			expectedResID:  "ping",
		},
		{
			name:         "GET request skipped",
			method:       "GET",
			path:         "/mcp",
			contentType:  "application/json",
			body:         "",
			expectParsed: false,
		},
		{
			name:         "non-JSON content type skipped",
			method:       "POST",
			path:         "/message",
			contentType:  "text/plain",
			body:         "not json",
			expectParsed: false,
		},
		{
			name:         "SSE establishment skipped",
			method:       "POST",
			path:         "/sse",
			contentType:  "application/json",
			body:         `{"jsonrpc":"2.0","id":5,"method":"tools/call"}`,
			expectParsed: false,
		},
		{
			name:         "batch array not parsed",
			method:       "POST",
			path:         "/mcp",
			contentType:  "application/json",
			body:         `[{"jsonrpc":"2.0","id":1,"method":"ping"},{"jsonrpc":"2.0","id":2,"method":"ping"}]`,
			expectParsed: false,
		},
		{
			name:         "JSON-RPC response not parsed",
			method:       "POST",
			path:         "/rpc",
			contentType:  "application/json",
			body:         `{"jsonrpc":"2.0","id":1,"result":{"content":[]}}`,
			expectParsed: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var capturedCtx context.Context
			testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				capturedCtx = r.Context()
				w.WriteHeader(http.StatusOK)
			})

			middleware := ParsingMiddleware(testHandler)

			req := httptest.NewRequest(tt.method, tt.path, bytes.NewBufferString(tt.body))
			req.Header.Set("Content-Type", tt.contentType)
			w := httptest.NewRecorder()

			middleware.ServeHTTP(w, req)

			parsed := GetParsedMCPRequest(capturedCtx)
			if !tt.expectParsed {
				assert.Nil(t, parsed, "expected request not to be parsed")
				return
			}
			require.NotNil(t, parsed, "expected request to be parsed")
			assert.Equal(t, tt.expectedMethod, parsed.Method)
			assert.Equal(t, tt.expectedID, parsed.ID)
			assert.Equal(t, tt.expectedResID, parsed.ResourceID)
			assert.True(t, parsed.IsRequest)
			assert.False(t, parsed.IsBatch)
		})
	}
}

func TestExtractResourceAndArguments(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name               string
		method             string
		params             string
		expectedResourceID string
		expectedArguments  map[string]any
	}{
		{
			name:               "tools/call with arguments",
			method:             "tools/call",
			params:             `{"name":"create_ticket","arguments":{"title":"login broken","priority":"high"}}`,
			expectedResourceID: "create_ticket",
			expectedArguments: map[string]any{
				"title":    "login broken",
				"priority": "high",
			},
		},
		{
			name:               "tools/call without arguments",
			method:             "tools/call",
			params:             `{"name":"list_projects"}`,
			expectedResourceID: "list_projects",
			expectedArguments:  nil,
		},
		{
			name:               "prompts/get with arguments",
			method:             "prompts/get",
			params:             `{"name":"summarize","arguments":{"style":"bullet"}}`,
			expectedResourceID: "summarize",
			expectedArguments: map[string]any{
				"style": "bullet",
			},
		},
		{
			name:               "initialize keeps full params",
			method:             "initialize",
			params:             `{"protocolVersion":"2025-03-26","clientInfo":{"name":"cli","version":"2.1.0"},"capabilities":{}}`,
			expectedResourceID: "cli",
			expectedArguments: map[string]any{
				"protocolVersion": "2025-03-26",
				"clientInfo": map[string]any{
					"name":    "cli",
					"version": "2.1.0",
				},
				"capabilities": map[string]any{},
			},
		},
		{
			name:               "resources/read",
			method:             "resources/read",
			params:             `{"uri":"postgres://db/reports"}`,
			expectedResourceID: "postgres://db/reports",
			expectedArguments:  nil,
		},
		{
			name:               "resources/subscribe",
			method:             "resources/subscribe",
			params:             `{"uri":"file:///watched.log"}`,
			expectedResourceID: "file:///watched.log",
			expectedArguments:  nil,
		},
		{
			name:               "resources/unsubscribe",
			method:             "resources/unsubscribe",
			params:             `{"uri":"file:///watched.log"}`,
			expectedResourceID: "file:///watched.log",
			expectedArguments:  nil,
		},
		{
			name:               "tools/list with cursor",
			method:             "tools/list",
			params:             `{"cursor":"page-3"}`,
			expectedResourceID: "page-3",
			expectedArguments:  nil,
		},
		{
			name:               "tools/list without cursor",
			method:             "tools/list",
			params:             `{}`,
			expectedResourceID: "",
			expectedArguments:  nil,
		},
		{
			name:               "resources/templates/list with cursor",
			method:             "resources/templates/list",
			params:             `{"cursor":"tpl-2"}`,
			expectedResourceID: "tpl-2",
			expectedArguments:  nil,
		},
		{
			name:               "logging/setLevel",
			method:             "logging/setLevel",
			params:             `{"level":"warning"}`,
			expectedResourceID: "warning",
			expectedArguments:  nil,
		},
		{
			name:               "progress/update",
			method:             "progress/update",
			params:             `{"progressToken":"job-17","progress":40}`,
			expectedResourceID: "job-17",
			expectedArguments:  nil,
		},
		{
			name:               "notifications/progress keeps full params",
			method:             "notifications/progress",
			params:             `{"progressToken":"job-17","progress":80,"total":100}`,
			expectedResourceID: "job-17",
			expectedArguments: map[string]any{
				"progressToken": "job-17",
				"progress":      float64(80),
				"total":         float64(100),
			},
		},
		{
			name:               "notifications/progress with numeric token",
			method:             "notifications/progress",
			params:             `{"progressToken":42,"progress":10}`,
			expectedResourceID: "42",
			expectedArguments: map[string]any{
				"progressToken": float64(42),
				"progress":      float64(10),
			},
		},
		{
			name:               "notifications/cancelled with string requestId",
			method:             "notifications/cancelled",
			params:             `{"requestId":"req-9","reason":"client disconnected"}`,
			expectedResourceID: "req-9",
			expectedArguments: map[string]any{
				"requestId": "req-9",
				"reason":    "client disconnected",
			},
		},
		{
			name:               "notifications/cancelled with numeric requestId",
			method:             "notifications/cancelled",
			params:             `{"requestId":31}`,
			expectedResourceID: "31",
			expectedArguments: map[string]any{
				"requestId": float64(31),
			},
		},
		{
			name:               "completion/complete with prompt reference",
			method:             "completion/complete",
			params:             `{"ref":{"type":"ref/prompt","name":"greeting"},"argument":{"name":"user","value":"Ada"}}`,
			expectedResourceID: "greeting",
			expectedArguments: map[string]any{
				"ref": map[string]any{
					"type": "ref/prompt",
					"name": "greeting",
				},
				"argument": map[string]any{
					"name":  "user",
					"value": "Ada",
				},
			},
		},
		{
			name:               "completion/complete with resource template reference",
			method:             "completion/complete",
			params:             `{"ref":{"type":"ref/resource","uri":"template://reports"},"argument":{"name":"quarter","value":"Q3"}}`,
			expectedResourceID: "template://reports",
			expectedArguments: map[string]any{
				"ref": map[string]any{
					"type": "ref/resource",
					"uri":  "template://reports",
				},
				"argument": map[string]any{
					"name":  "quarter",
					"value": "Q3",
				},
			},
		},
		{
			name:               "elicitation/create keeps full params",
			method:             "elicitation/create",
			params:             `{"message":"Which environment?","requestedSchema":{"type":"object"}}`,
			expectedResourceID: "Which environment?",
			expectedArguments: map[string]any{
				"message": "Which environment?",
				"requestedSchema": map[string]any{
					"type": "object",
				},
			},
		},
		{
			name:               "sampling/createMessage with model preferences",
			method:             "sampling/createMessage",
			params:             `{"modelPreferences":{"name":"claude-sonnet"},"messages":[],"maxTokens":50}`,
			expectedResourceID: "claude-sonnet",
			expectedArguments: map[string]any{
				"modelPreferences": map[string]any{
					"name": "claude-sonnet",
				},
				"messages":  []any{},
				"maxTokens": float64(50),
			},
		},
		{
			name:               "sampling/createMessage falls back to system prompt",
			method:             "sampling/createMessage",
			params:             `{"systemPrompt":"You are terse","messages":[],"maxTokens":50}`,
			expectedResourceID: "You are terse",
			expectedArguments: map[string]any{
				"systemPrompt": "You are terse",
				"messages":     []any{},
				"maxTokens":    float64(50),
			},
		},
		{
			name:               "ping with empty params",
			method:             "ping",
			params:             `{}`,
			expectedResourceID: "ping",
			expectedArguments:  nil,
		},
		{
			name:               "roots/list",
			method:             "roots/list",
			params:             `{}`,
			expectedResourceID: "",
			expectedArguments:  nil,
		},
		{
			name:               "notifications/initialized without params",
			method:             "notifications/initialized",
			params:             "",
			expectedResourceID: "initialized",
			expectedArguments:  nil,
		},
		{
			name:               "notifications/tools/list_changed",
			method:             "notifications/tools/list_changed",
			params:             `{}`,
			expectedResourceID: "tools",
			expectedArguments:  nil,
		},
		{
			name:               "notifications/resources/updated is static",
			method:             "notifications/resources/updated",
			params:             `{"uri":"file:///updated.txt"}`,
			expectedResourceID: "resources",
			expectedArguments:  nil,
		},
		{
			name:               "notifications/prompts/list_changed",
			method:             "notifications/prompts/list_changed",
			params:             `{}`,
			expectedResourceID: "prompts",
			expectedArguments:  nil,
		},
		{
			name:               "unknown method",
			method:             "gateway/custom",
			params:             `{"anything":"goes"}`,
			expectedResourceID: "",
			expectedArguments:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var params json.RawMessage
			if tt.params != "" {
				params = json.RawMessage(tt.params)
			}

			resourceID, arguments := extractResourceAndArguments(tt.method, params)

			assert.Equal(t, tt.expectedResourceID, resourceID)
			if tt.expectedArguments == nil {
				assert.Nil(t, arguments)
			} else {
				assert.Equal(t, tt.expectedArguments, arguments)
			}
		})
	}
}

func TestParseMessageRejectsNonRequests(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{
			name: "empty body",
			body: "",
		},
		{
			name: "invalid JSON",
			body: "not json at all",
		},
		{
			name: "result response",
			body: `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`,
		},
		{
			name: "error response",
			body: `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"method not found"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Nil(t, ParseMessage([]byte(tt.body)))
		})
	}
}

func TestParseMessageNotification(t *testing.T) {
	t.Parallel()
	parsed := ParseMessage([]byte(`{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":"req-1","reason":"timeout"}}`))

	require.NotNil(t, parsed)
	assert.Equal(t, "notifications/cancelled", parsed.Method)
	assert.Equal(t, "req-1", parsed.ResourceID)
	assert.Equal(t, "timeout", parsed.Arguments["reason"])
}

func TestConvenienceAccessors(t *testing.T) {
	t.Parallel()
	parsed := &ParsedMCPRequest{
		Method:     "tools/call",
		ID:         "call-1",
		ResourceID: "get_weather",
		Arguments: map[string]any{
			"city": "Oslo",
		},
	}
	ctx := context.WithValue(context.Background(), MCPRequestContextKey, parsed)

	assert.Equal(t, "tools/call", GetMCPMethod(ctx))
	assert.Equal(t, "get_weather", GetMCPResourceID(ctx))
	assert.Equal(t, map[string]any{"city": "Oslo"}, GetMCPArguments(ctx))

	empty := context.Background()
	assert.Empty(t, GetMCPMethod(empty))
	assert.Empty(t, GetMCPResourceID(empty))
	assert.Nil(t, GetMCPArguments(empty))
}

func TestMiddlewarePreservesRequestBody(t *testing.T) {
	t.Parallel()
	originalBody := `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_weather"}}`

	var capturedBody string
	testHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bodyBytes, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		capturedBody = string(bodyBytes)
		w.WriteHeader(http.StatusOK)
	})

	middleware := ParsingMiddleware(testHandler)

	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewBufferString(originalBody))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	middleware.ServeHTTP(w, req)

	assert.Equal(t, originalBody, capturedBody)
}
