// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/cancellation"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/plugins"
	"github.com/stacklok/mcp-gateway/pkg/storage"
)

// InvokeRequest carries one tools/call through the pipeline.
type InvokeRequest struct {
	// Name is the catalog tool name.
	Name string
	// Args are the call arguments.
	Args map[string]any
	// RequestID is the JSON-RPC id, used to register the run for
	// cancellation. Empty skips registration.
	RequestID string
	// User is the authenticated caller, nil when anonymous.
	User *auth.UserContext
	// Headers are the scrubbed client headers, consulted for upstream
	// passthrough forwarding.
	Headers map[string][]string
	// Deliver sends notifications/cancelled back on the caller's
	// transport. Nil drops the notification.
	Deliver cancellation.DeliverFunc
}

// ReadRequest carries one resources/read through the pipeline.
type ReadRequest struct {
	URI       string
	RequestID string
	User      *auth.UserContext
	Headers   map[string][]string
	Deliver   cancellation.DeliverFunc
}

// PromptRequest carries one prompts/get through the pipeline.
type PromptRequest struct {
	Name      string
	Args      map[string]any
	RequestID string
	User      *auth.UserContext
	Headers   map[string][]string
	Deliver   cancellation.DeliverFunc
}

// InvokeTool resolves, validates, and dispatches one tool call.
func (s *Service) InvokeTool(ctx context.Context, req *InvokeRequest) (*mcp.CallToolResult, error) {
	tool, err := s.resolveTool(ctx, req.Name, req.User)
	if err != nil {
		return nil, err
	}

	if err := validateArgs(tool.Schema, req.Args); err != nil {
		return nil, err
	}

	args := req.Args
	payload, violation, err := s.plugins.RunPre(ctx, plugins.HookToolPreInvoke,
		&plugins.ToolPreInvokePayload{Name: tool.Name, Args: args}, tool.PluginChains)
	if violation != nil {
		s.audit(ctx, req.User, "tool.invoke", "tool", tool.Name, "denied",
			map[string]any{"plugin": violation.Plugin, "reason": violation.Reason})
		return nil, gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
	}
	if err != nil {
		return nil, err
	}
	if pre, ok := payload.(*plugins.ToolPreInvokePayload); ok {
		args = pre.Args
	}

	runCtx, finish, err := s.beginRun(ctx, req.RequestID, tool.Name, req.Deliver)
	if err != nil {
		return nil, err
	}
	defer finish()

	start := time.Now()
	result, err := s.dispatchTool(runCtx, tool, args, req.User, req.Headers)
	err = s.resolveCancellation(runCtx, err)
	if err != nil {
		s.audit(ctx, req.User, "tool.invoke", "tool", tool.Name, outcomeOf(err),
			map[string]any{"error": gwerrors.TypeOf(err), "duration_ms": time.Since(start).Milliseconds()})
		return nil, err
	}

	post, violation, err := s.plugins.RunPost(ctx, plugins.HookToolPostInvoke,
		&plugins.ToolPostInvokePayload{Name: tool.Name, Result: result}, tool.PluginChains)
	if violation != nil {
		s.audit(ctx, req.User, "tool.invoke", "tool", tool.Name, "denied",
			map[string]any{"plugin": violation.Plugin, "reason": violation.Reason})
		return nil, gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
	}
	if err != nil {
		return nil, err
	}
	if p, ok := post.(*plugins.ToolPostInvokePayload); ok {
		if r, ok := p.Result.(*mcp.CallToolResult); ok {
			result = r
		}
	}

	s.audit(ctx, req.User, "tool.invoke", "tool", tool.Name, "success",
		map[string]any{"duration_ms": time.Since(start).Milliseconds()})
	return result, nil
}

// ReadResource resolves and serves one resource read. Locally registered
// resources answer from the catalog; federated resources are fetched from
// their upstream over a pooled session.
func (s *Service) ReadResource(ctx context.Context, req *ReadRequest) (*mcp.ReadResourceResult, error) {
	res, err := s.resolveResource(ctx, req.URI, req.User)
	if err != nil {
		return nil, err
	}

	_, violation, err := s.plugins.RunPre(ctx, plugins.HookResourcePreFetch,
		&plugins.ResourcePreFetchPayload{URI: res.URI}, res.PluginChains)
	if violation != nil {
		s.audit(ctx, req.User, "resource.read", "resource", res.URI, "denied",
			map[string]any{"plugin": violation.Plugin, "reason": violation.Reason})
		return nil, gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
	}
	if err != nil {
		return nil, err
	}

	runCtx, finish, err := s.beginRun(ctx, req.RequestID, res.URI, req.Deliver)
	if err != nil {
		return nil, err
	}
	defer finish()

	var result *mcp.ReadResourceResult
	if res.GatewayID == "" {
		result = localResourceResult(res)
	} else {
		result, err = s.readUpstreamResource(runCtx, res, req.User, req.Headers)
		err = s.resolveCancellation(runCtx, err)
		if err != nil {
			s.audit(ctx, req.User, "resource.read", "resource", res.URI, outcomeOf(err),
				map[string]any{"error": gwerrors.TypeOf(err)})
			return nil, err
		}
	}

	post, violation, err := s.plugins.RunPost(ctx, plugins.HookResourcePostFetch,
		&plugins.ResourcePostFetchPayload{URI: res.URI, Content: result}, res.PluginChains)
	if violation != nil {
		return nil, gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
	}
	if err != nil {
		return nil, err
	}
	if p, ok := post.(*plugins.ResourcePostFetchPayload); ok {
		if r, ok := p.Content.(*mcp.ReadResourceResult); ok {
			result = r
		}
	}

	s.audit(ctx, req.User, "resource.read", "resource", res.URI, "success", nil)
	return result, nil
}

// GetPrompt resolves and serves one prompt fetch. Locally registered prompts
// render their template; federated prompts are fetched from their upstream.
func (s *Service) GetPrompt(ctx context.Context, req *PromptRequest) (*mcp.GetPromptResult, error) {
	prompt, err := s.resolvePrompt(ctx, req.Name, req.User)
	if err != nil {
		return nil, err
	}

	args := req.Args
	payload, violation, err := s.plugins.RunPre(ctx, plugins.HookPromptPreFetch,
		&plugins.PromptPreFetchPayload{Name: prompt.Name, Args: args}, prompt.PluginChains)
	if violation != nil {
		s.audit(ctx, req.User, "prompt.get", "prompt", prompt.Name, "denied",
			map[string]any{"plugin": violation.Plugin, "reason": violation.Reason})
		return nil, gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
	}
	if err != nil {
		return nil, err
	}
	if pre, ok := payload.(*plugins.PromptPreFetchPayload); ok {
		args = pre.Args
	}

	runCtx, finish, err := s.beginRun(ctx, req.RequestID, prompt.Name, req.Deliver)
	if err != nil {
		return nil, err
	}
	defer finish()

	var result *mcp.GetPromptResult
	if prompt.GatewayID == "" {
		result, err = renderPrompt(prompt, args)
	} else {
		result, err = s.getUpstreamPrompt(runCtx, prompt, args, req.User, req.Headers)
		err = s.resolveCancellation(runCtx, err)
	}
	if err != nil {
		s.audit(ctx, req.User, "prompt.get", "prompt", prompt.Name, outcomeOf(err),
			map[string]any{"error": gwerrors.TypeOf(err)})
		return nil, err
	}

	post, violation, err := s.plugins.RunPost(ctx, plugins.HookPromptPostFetch,
		&plugins.PromptPostFetchPayload{Name: prompt.Name, Rendered: result}, prompt.PluginChains)
	if violation != nil {
		return nil, gwerrors.NewPolicyViolationError(violation.Plugin, violation.Severity, violation.Reason)
	}
	if err != nil {
		return nil, err
	}
	if p, ok := post.(*plugins.PromptPostFetchPayload); ok {
		if r, ok := p.Rendered.(*mcp.GetPromptResult); ok {
			result = r
		}
	}

	s.audit(ctx, req.User, "prompt.get", "prompt", prompt.Name, "success", nil)
	return result, nil
}

// beginRun registers the run for cancellation. A missing request id means the
// call is not cancellable and registration is skipped.
func (s *Service) beginRun(
	ctx context.Context, requestID, name string, deliver cancellation.DeliverFunc,
) (context.Context, func(), error) {
	if s.cancels == nil || requestID == "" {
		return ctx, func() {}, nil
	}
	return s.cancels.RegisterRun(ctx, requestID, name, deliver)
}

// resolveCancellation rewrites errors produced by a tripped run context into
// the cancelled type. Cancellation always beats other outcomes.
func (*Service) resolveCancellation(runCtx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if cause := context.Cause(runCtx); cause != nil && gwerrors.IsCancelled(cause) {
		return cause
	}
	return err
}

// dispatchTool routes the call by integration type.
func (s *Service) dispatchTool(
	ctx context.Context, tool *catalog.Tool, args map[string]any,
	user *auth.UserContext, headers map[string][]string,
) (*mcp.CallToolResult, error) {
	switch tool.IntegrationType {
	case catalog.IntegrationMCP:
		return s.callUpstreamTool(ctx, tool, args, user, headers)
	case catalog.IntegrationREST, catalog.IntegrationPassthrough:
		return s.callRESTTool(ctx, tool, args)
	case catalog.IntegrationGraphQL:
		return s.callGraphQLTool(ctx, tool, args)
	case catalog.IntegrationGRPC:
		return s.callGRPCTool(ctx, tool, args)
	case catalog.IntegrationCodeExecution:
		if s.codeExec == nil {
			return nil, gwerrors.NewNotFoundError(
				fmt.Sprintf("tool %s requires code execution, which is disabled", tool.Name), nil)
		}
		return s.codeExec.Execute(ctx, tool, args, user)
	default:
		return nil, gwerrors.NewInternalError(
			fmt.Sprintf("tool %s has unknown integration type %q", tool.Name, tool.IntegrationType), nil)
	}
}

// resolveTool finds an enabled, visible tool by name.
func (s *Service) resolveTool(ctx context.Context, name string, user *auth.UserContext) (*catalog.Tool, error) {
	tool, err := s.store.Tools().GetByName(ctx, name, scopeFor(user))
	if err != nil {
		return nil, mapStorageErr(err, fmt.Sprintf("tool %s not found", name))
	}
	if !tool.Enabled {
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("tool %s not found", name), nil)
	}
	return tool, nil
}

func (s *Service) resolveResource(ctx context.Context, uri string, user *auth.UserContext) (*catalog.Resource, error) {
	res, err := s.store.Resources().GetByURI(ctx, uri, scopeFor(user))
	if err != nil {
		return nil, mapStorageErr(err, fmt.Sprintf("resource %s not found", uri))
	}
	if !res.Enabled {
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("resource %s not found", uri), nil)
	}
	return res, nil
}

func (s *Service) resolvePrompt(ctx context.Context, name string, user *auth.UserContext) (*catalog.Prompt, error) {
	prompt, err := s.store.Prompts().GetByName(ctx, name, scopeFor(user))
	if err != nil {
		return nil, mapStorageErr(err, fmt.Sprintf("prompt %s not found", name))
	}
	if !prompt.Enabled {
		return nil, gwerrors.NewNotFoundError(fmt.Sprintf("prompt %s not found", name), nil)
	}
	return prompt, nil
}

// mapStorageErr translates storage sentinels into taxonomy errors so the
// edges render the right status.
func mapStorageErr(err error, notFoundMsg string) error {
	if storage.IsNotFound(err) {
		return gwerrors.NewNotFoundError(notFoundMsg, nil)
	}
	return gwerrors.NewInternalError("storage lookup failed", err)
}

// validateArgs checks args against the tool's JSON Schema. Tools without a
// schema accept anything.
func validateArgs(schema json.RawMessage, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return gwerrors.NewInvalidArgsError("arguments are not serializable", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schema),
		gojsonschema.NewBytesLoader(argsJSON),
	)
	if err != nil {
		// A malformed stored schema is a catalog defect, not a caller error.
		return gwerrors.NewInternalError("tool schema is invalid", err)
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return gwerrors.NewInvalidArgsError(
			fmt.Sprintf("arguments failed validation: %s", strings.Join(details, "; ")), nil)
	}
	return nil
}

// localResourceResult serves a locally registered resource from its stored
// content.
func localResourceResult(res *catalog.Resource) *mcp.ReadResourceResult {
	mimeType := res.MimeType
	if mimeType == "" {
		mimeType = "text/plain"
	}
	return &mcp.ReadResourceResult{
		Contents: []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      res.URI,
				MIMEType: mimeType,
				Text:     res.Content,
			},
		},
	}
}

// renderPrompt substitutes {{argument}} placeholders in a local prompt
// template. Missing required arguments are an error; missing optional ones
// render empty.
func renderPrompt(prompt *catalog.Prompt, args map[string]any) (*mcp.GetPromptResult, error) {
	for _, arg := range prompt.Arguments {
		if !arg.Required {
			continue
		}
		if _, ok := args[arg.Name]; !ok {
			return nil, gwerrors.NewInvalidArgsError(
				fmt.Sprintf("prompt %s requires argument %s", prompt.Name, arg.Name), nil)
		}
	}

	text := prompt.Template
	for _, arg := range prompt.Arguments {
		value := ""
		if v, ok := args[arg.Name]; ok {
			value = fmt.Sprintf("%v", v)
		}
		text = strings.ReplaceAll(text, "{{"+arg.Name+"}}", value)
	}

	return &mcp.GetPromptResult{
		Description: prompt.Description,
		Messages: []mcp.PromptMessage{
			{
				Role:    mcp.RoleUser,
				Content: mcp.TextContent{Type: "text", Text: text},
			},
		},
	}, nil
}

// outcomeOf classifies an error for the audit trail.
func outcomeOf(err error) string {
	switch gwerrors.TypeOf(err) {
	case gwerrors.ErrPolicyViolation, gwerrors.ErrForbidden, gwerrors.ErrSSRFBlocked, gwerrors.ErrAllowlistViolation:
		return "denied"
	default:
		return "error"
	}
}

// audit writes one record; failures are logged, never surfaced.
func (s *Service) audit(
	ctx context.Context, user *auth.UserContext,
	action, entityType, entityID, outcome string, detail map[string]any,
) {
	rec := &catalog.AuditRecord{
		Time:       time.Now(),
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Outcome:    outcome,
	}
	if user != nil {
		rec.UserID = user.UserID
		rec.Email = user.Email
		rec.AuthMethod = user.AuthMethod
	}
	if len(detail) > 0 {
		if raw, err := json.Marshal(detail); err == nil {
			rec.Detail = raw
		}
	}
	if err := s.store.Audit().Insert(ctx, rec); err != nil {
		logger.Warnw("failed to write audit record", "action", action, "error", err)
	}
}
