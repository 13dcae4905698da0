// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/catalog"
	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// Supported sandbox languages.
const (
	LanguagePython = "python"
	LanguageDeno   = "deno"
)

const defaultWallClock = 30 * time.Second

// BridgeFunc lets sandboxed code call a federated tool by name. The Service
// wires permission checks and depth tracking before handing it to the
// runtime.
type BridgeFunc func(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

// ExecRequest is one sandboxed execution.
type ExecRequest struct {
	// SessionRoot is the materialized session directory. The runtime
	// must use it as the working directory scope.
	SessionRoot string
	// Language selects the interpreter, python or deno.
	Language string
	// Code is the (already validated and tokenized) program text.
	Code string
	// Policy carries the resource limits to enforce.
	Policy *SandboxPolicy
	// Bridge serves sandbox-initiated tool calls. Nil when bridging is
	// unavailable.
	Bridge BridgeFunc
	// Env is extra environment for the sandbox process.
	Env map[string]string
}

// ExecResult is the captured outcome of one execution.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runtime is the external executor contract. Implementations run code in an
// isolated interpreter honoring the request's policy limits.
type Runtime interface {
	Exec(ctx context.Context, req *ExecRequest) (*ExecResult, error)
}

// dangerousPatterns are rejected outright per language.
var dangerousPatterns = map[string][]string{
	LanguagePython: {
		"os.system", "subprocess", "shutil.rmtree", "__import__",
		"ctypes", "os.fork", "os.exec", "pty.spawn",
	},
	LanguageDeno: {
		"Deno.run", "Deno.Command", "child_process", "Deno.removeSync",
		"Deno.remove(", "Deno.chmod", "Worker(",
	},
}

// networkPatterns are rejected unless the sandbox policy allows raw HTTP.
var networkPatterns = map[string][]string{
	LanguagePython: {
		"socket", "urllib", "requests", "http.client", "httpx", "ftplib",
	},
	LanguageDeno: {
		"fetch(", "WebSocket", "Deno.connect", "XMLHttpRequest", "EventSource",
	},
}

// normalizeLanguage maps client language names onto the two runtimes.
func normalizeLanguage(language string) (string, error) {
	switch strings.ToLower(language) {
	case "", LanguagePython, "python3":
		return LanguagePython, nil
	case LanguageDeno, "javascript", "typescript", "js", "ts":
		return LanguageDeno, nil
	default:
		return "", gwerrors.NewInvalidArgsError(
			fmt.Sprintf("unsupported language %q", language), nil)
	}
}

// validateCode applies the dangerous-pattern list for the language. Network
// primitives are additionally rejected when the policy forbids raw HTTP.
func validateCode(language, code string, policy *SandboxPolicy) error {
	for _, pattern := range dangerousPatterns[language] {
		if strings.Contains(code, pattern) {
			return gwerrors.NewForbiddenError(
				fmt.Sprintf("code uses forbidden construct %q", pattern), nil)
		}
	}
	if policy != nil && policy.AllowRawHTTP {
		return nil
	}
	for _, pattern := range networkPatterns[language] {
		if strings.Contains(code, pattern) {
			return gwerrors.NewForbiddenError(
				fmt.Sprintf("network egress is not permitted: %q", pattern), nil)
		}
	}
	return nil
}

// shellResult is the JSON body returned to the client.
type shellResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// shellExec validates, tokenizes, and runs one piece of code in the user's
// session sandbox.
func (s *Service) shellExec(
	ctx context.Context, server *catalog.VirtualServer, user *auth.UserContext, args map[string]any,
) (*mcp.CallToolResult, error) {
	code := stringArg(args, "code")
	if code == "" {
		return nil, gwerrors.NewInvalidArgsError("code is required", nil)
	}
	language, err := normalizeLanguage(stringArg(args, "language"))
	if err != nil {
		return nil, err
	}

	policy, err := decodePolicy(server.SandboxPolicy)
	if err != nil {
		return nil, err
	}
	if err := validateCode(language, code, policy); err != nil {
		return nil, err
	}
	if s.runtime == nil {
		return nil, gwerrors.NewInternalError("no sandbox runtime is configured", nil)
	}

	sess, err := s.ensureSession(ctx, server, userEmail(user), language)
	if err != nil {
		return nil, err
	}

	tok, err := decodeTokenization(server.Tokenization)
	if err != nil {
		return nil, err
	}
	if tok.Enabled {
		code = s.tokenizeInput(ctx, server, user, sess, language, code, tok)
	}

	execCtx, cancel := context.WithTimeout(ctx, wallClock(policy))
	defer cancel()

	res, err := s.runtime.Exec(execCtx, &ExecRequest{
		SessionRoot: sess.Root,
		Language:    language,
		Code:        code,
		Policy:      policy,
		Bridge:      s.bridgeFunc(server, user, policy),
		Env:         map[string]string{"MCPGW_SESSION_ID": sess.ID},
	})
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return nil, gwerrors.NewUpstreamTimeoutError("sandbox execution timed out", err)
		}
		return nil, gwerrors.NewInternalError("sandbox execution failed", err)
	}

	body := shellResult{
		Stdout:   detokenize(res.Stdout, sess.row.Tokens),
		Stderr:   detokenize(res.Stderr, sess.row.Tokens),
		ExitCode: res.ExitCode,
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, gwerrors.NewInternalError("failed to encode execution result", err)
	}
	result := mcp.NewToolResultText(string(encoded))
	result.IsError = res.ExitCode != 0
	return result, nil
}

func wallClock(policy *SandboxPolicy) time.Duration {
	if policy != nil && policy.WallClockSeconds > 0 {
		return time.Duration(policy.WallClockSeconds) * time.Second
	}
	return defaultWallClock
}
