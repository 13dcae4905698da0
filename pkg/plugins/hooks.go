// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package plugins

// Hook identifies one of the pipeline events around prompt, tool, and
// resource operations.
type Hook string

// The six hook points the pipeline runs.
const (
	// HookPromptPreFetch runs before a prompt is fetched from upstream.
	HookPromptPreFetch Hook = "prompt_pre_fetch"
	// HookPromptPostFetch runs after a prompt has been rendered.
	HookPromptPostFetch Hook = "prompt_post_fetch"
	// HookToolPreInvoke runs before a tool call is dispatched.
	HookToolPreInvoke Hook = "tool_pre_invoke"
	// HookToolPostInvoke runs after a tool call returned.
	HookToolPostInvoke Hook = "tool_post_invoke"
	// HookResourcePreFetch runs before a resource is read.
	HookResourcePreFetch Hook = "resource_pre_fetch"
	// HookResourcePostFetch runs after resource content arrived.
	HookResourcePostFetch Hook = "resource_post_fetch"
)

// Enforcement modes for plugin instances.
const (
	// ModeEnforce aborts the request on violation and surfaces plugin
	// errors as internal failures.
	ModeEnforce = "enforce"
	// ModeEnforceIgnoreError aborts on violation but proceeds as if the
	// plugin were absent when it errors.
	ModeEnforceIgnoreError = "enforce_ignore_error"
	// ModePermissive logs violations and continues.
	ModePermissive = "permissive"
	// ModeDisabled skips the plugin entirely.
	ModeDisabled = "disabled"
)

// Violation severities.
const (
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Violation is a policy decision against the current payload. Whether it
// aborts the request depends on the emitting instance's mode.
type Violation struct {
	// Plugin is the instance name; the manager fills it in when empty.
	Plugin string `json:"plugin"`

	// Severity is warn or error.
	Severity string `json:"severity"`

	// Reason is the client-facing explanation.
	Reason string `json:"reason"`
}

// Outcome is the result of one plugin invocation: either continue with a
// possibly replaced payload, or a violation.
type Outcome struct {
	// Payload carries the payload the rest of the chain sees. Nil means
	// the plugin left the payload unchanged.
	Payload any

	// Violation, when non-nil, stops the chain subject to the instance mode.
	Violation *Violation
}

// Continue returns an outcome that keeps the chain running with payload.
func Continue(payload any) Outcome {
	return Outcome{Payload: payload}
}

// Block returns an outcome carrying a violation.
func Block(v *Violation) Outcome {
	return Outcome{Violation: v}
}

// ToolPreInvokePayload is the payload for tool_pre_invoke. Passthrough calls
// reuse it with args {method, url, headers, query_params, body}.
type ToolPreInvokePayload struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// ToolPostInvokePayload is the payload for tool_post_invoke. Passthrough
// calls reuse it with a result of {status_code, headers, body, duration_ms}.
type ToolPostInvokePayload struct {
	Name   string `json:"name"`
	Result any    `json:"result,omitempty"`
}

// ResourcePreFetchPayload is the payload for resource_pre_fetch.
type ResourcePreFetchPayload struct {
	URI    string         `json:"uri"`
	Params map[string]any `json:"params,omitempty"`
}

// ResourcePostFetchPayload is the payload for resource_post_fetch.
type ResourcePostFetchPayload struct {
	URI     string `json:"uri"`
	Content any    `json:"content,omitempty"`
}

// PromptPreFetchPayload is the payload for prompt_pre_fetch.
type PromptPreFetchPayload struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// PromptPostFetchPayload is the payload for prompt_post_fetch.
type PromptPostFetchPayload struct {
	Name     string `json:"name"`
	Rendered any    `json:"rendered,omitempty"`
}

/// EntityID returns the identifier a payload addresses: the tool name, prompt
// name, or resource URI. Unknown payload types yield "".
func EntityID(payload any) string {
	switch p := payload.(type) {
	case *ToolPreInvokePayload:
		return p.Name
	case *ToolPostInvokePayload:
		return p.Name
	case *ResourcePreFetchPayload:
		return p.URI
	case *ResourcePostFetchPayload:
		return p.URI
	case *PromptPreFetchPayload:
		return p.Name
	case *PromptPostFetchPayload:
		return p.Name
	}
	return ""
}

// Arguments returns the argument map a payload carries, or nil for payload
// types without one.
func Arguments(payload any) map[string]any {
	switch p := payload.(type) {
	case *ToolPreInvokePayload:
		return p.Args
	case *ResourcePreFetchPayload:
		return p.Params
	case *PromptPreFetchPayload:
		return p.Args
	}
	return nil
}
