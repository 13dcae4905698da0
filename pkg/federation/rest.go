// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// callRESTTool dispatches a tool backed by a single templated HTTP endpoint.
func (s *Service) callRESTTool(
	ctx context.Context, tool *catalog.Tool, args map[string]any,
) (*mcp.CallToolResult, error) {
	spec := tool.REST
	if spec == nil {
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("tool %s has no REST spec", tool.Name), nil)
	}

	callCtx := ctx
	if timeout := s.restTimeout(tool); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := s.buildRESTRequest(callCtx, spec, args)
	if err != nil {
		return nil, err
	}

	status, _, body, err := s.doHTTP(req, tool.Name)
	if err != nil {
		return nil, err
	}

	if status >= 400 {
		return nil, gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s upstream returned status %d", tool.Name, status), status, nil)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: string(body)}},
	}, nil
}

// buildRESTRequest assembles the outbound request: path template substitution
// first, then query and header mappings, then the remaining arguments as the
// JSON body for methods that carry one.
func (s *Service) buildRESTRequest(
	ctx context.Context, spec *catalog.RESTToolSpec, args map[string]any,
) (*http.Request, error) {
	remaining := make(map[string]any, len(args))
	for k, v := range args {
		remaining[k] = v
	}

	targetPath, err := expandPathTemplate(spec.PathTemplate, remaining)
	if err != nil {
		return nil, err
	}

	target, err := s.passthrough.checkTarget(
		strings.TrimSuffix(spec.BaseURL, "/")+targetPath,
		spec.Allowlist, spec.AllowPrivateNetworks)
	if err != nil {
		return nil, err
	}

	query := target.Query()
	for argName, paramName := range spec.QueryMapping {
		if v, ok := remaining[argName]; ok {
			query.Set(paramName, fmt.Sprintf("%v", v))
			delete(remaining, argName)
		}
	}
	target.RawQuery = query.Encode()

	headers := http.Header{}
	for name, value := range spec.Headers {
		headers.Set(name, value)
	}
	for argName, headerName := range spec.HeaderMapping {
		if v, ok := remaining[argName]; ok {
			headers.Set(headerName, fmt.Sprintf("%v", v))
			delete(remaining, argName)
		}
	}

	method := strings.ToUpper(spec.Method)
	if method == "" {
		method = http.MethodPost
	}

	var body io.Reader
	if methodHasBody(method) && len(remaining) > 0 {
		encoded, err := json.Marshal(remaining)
		if err != nil {
			return nil, gwerrors.NewInvalidArgsError("arguments are not serializable", err)
		}
		body = bytes.NewReader(encoded)
		headers.Set("Content-Type", "application/json")
	}

	if spec.AllowPrivateNetworks {
		// The dial-time guard checks resolved addresses; a tool that opted
		// in to private targets must pass the opt-in down to the dialer.
		ctx = WithPrivateDialAllowed(ctx)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to build upstream request", err)
	}
	req.Header = headers
	return req, nil
}

// doHTTP executes one outbound call and maps transport failures to the error
// taxonomy. The response body is capped at the configured limit.
func (s *Service) doHTTP(req *http.Request, name string) (int, http.Header, []byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		if gwerrors.IsSSRFBlocked(err) {
			return 0, nil, nil, gwerrors.NewSSRFBlockedError(
				fmt.Sprintf("tool %s target resolves to a refused address", name), nil)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, nil, nil, gwerrors.NewUpstreamTimeoutError(
				fmt.Sprintf("tool %s upstream timed out", name), err)
		}
		if errors.Is(err, context.Canceled) {
			return 0, nil, nil, gwerrors.NewCancelledError(
				fmt.Sprintf("tool %s call cancelled", name), err)
		}
		return 0, nil, nil, gwerrors.NewUpstreamUnavailableError(
			fmt.Sprintf("tool %s upstream unreachable", name), err)
	}
	defer resp.Body.Close()

	limit := s.passCfg.MaxResponseBytes
	if limit <= 0 {
		limit = 50 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return 0, nil, nil, gwerrors.NewUpstreamError(
			fmt.Sprintf("tool %s response read failed", name), resp.StatusCode, err)
	}
	if int64(len(body)) > limit {
		return 0, nil, nil, gwerrors.NewPayloadTooLargeError(
			fmt.Sprintf("tool %s response exceeds the size limit", name), nil)
	}
	return resp.StatusCode, resp.Header, body, nil
}

func (s *Service) restTimeout(tool *catalog.Tool) time.Duration {
	if d := time.Duration(tool.Timeout); d > 0 {
		return d
	}
	if s.passCfg != nil {
		if d := time.Duration(s.passCfg.DefaultTimeout); d > 0 {
			return d
		}
	}
	return defaultDispatchTimeout
}

func methodHasBody(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodDelete, http.MethodOptions:
		return false
	default:
		return true
	}
}

// expandPathTemplate substitutes {param} placeholders from args, escaping
// each value as a path segment. Used arguments are removed from args.
// A placeholder with no matching argument is an error.
func expandPathTemplate(template string, args map[string]any) (string, error) {
	if template == "" {
		return "", nil
	}
	var out strings.Builder
	rest := template
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			out.WriteString(rest)
			break
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			out.WriteString(rest)
			break
		}
		out.WriteString(rest[:open])
		name := rest[open+1 : open+closing]
		value, ok := args[name]
		if !ok {
			return "", gwerrors.NewInvalidArgsError(
				fmt.Sprintf("path template requires argument %s", name), nil)
		}
		out.WriteString(url.PathEscape(fmt.Sprintf("%v", value)))
		delete(args, name)
		rest = rest[open+closing+1:]
	}

	expanded := out.String()
	if expanded != "" && !strings.HasPrefix(expanded, "/") {
		expanded = "/" + expanded
	}
	return expanded, nil
}
