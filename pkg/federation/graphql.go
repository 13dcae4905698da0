// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// graphqlRequest is the standard GraphQL HTTP POST body.
type graphqlRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// callGraphQLTool dispatches a tool backed by a GraphQL operation. Arguments
// become variables, renamed through the spec's mapping; unmapped arguments
// pass through under their own name.
func (s *Service) callGraphQLTool(
	ctx context.Context, tool *catalog.Tool, args map[string]any,
) (*mcp.CallToolResult, error) {
	spec := tool.GraphQL
	if spec == nil {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("tool %s has no GraphQL spec", tool.Name), nil)
	}

	variables := make(map[string]any, len(args))
	for name, value := range args {
		if mapped, ok := spec.VariableMapping[name]; ok {
			variables[mapped] = value
			continue
		}
		variables[name] = value
	}

	payload, err := json.Marshal(&graphqlRequest{
		Query:         spec.Operation,
		OperationName: spec.OperationName,
		Variables:     variables,
	})
	if err != nil {
		return nil, gwerrors.NewInvalidArgsError("arguments are not serializable", err)
	}

	callCtx := ctx
	if timeout := s.restTimeout(tool); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, spec.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to build upstream request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range spec.Headers {
		req.Header.Set(name, value)
	}

	status, _, body, err := s.doHTTP(req, tool.Name)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s upstream returned status %d", tool.Name, status), status, nil)
	}

	// GraphQL reports execution failures in-band with status 200.
	if errs := gjson.GetBytes(body, "errors"); errs.Exists() && len(errs.Array()) > 0 {
		first := errs.Array()[0].Get("message").String()
		return nil, gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s operation failed: %s", tool.Name, first), status, nil)
	}

	data := gjson.GetBytes(body, "data")
	text := string(body)
	if data.Exists() {
		text = data.Raw
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
	}, nil
}
