// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	gwerrors "github.com/stacklok/mcp-gateway/pkg/errors"
)

// LocalRuntime executes sandbox code in a local interpreter subprocess.
// Python runs in isolated mode; Deno evaluates with no permissions granted,
// so filesystem and network access beyond the session root are denied by
// the interpreter itself. The tool bridge is not reachable from a
// subprocess, so bridged calls require an in-process runtime.
type LocalRuntime struct {
	// PythonPath overrides the python interpreter. Defaults to python3.
	PythonPath string
	// DenoPath overrides the deno binary. Defaults to deno.
	DenoPath string
}

// NewLocalRuntime builds a LocalRuntime with default interpreter paths.
func NewLocalRuntime() *LocalRuntime {
	return &LocalRuntime{PythonPath: "python3", DenoPath: "deno"}
}

// Exec runs req.Code and captures its output. A non-zero interpreter exit
// is a successful Exec with the exit code recorded; only launch failures
// and context expiry surface as errors.
func (r *LocalRuntime) Exec(ctx context.Context, req *ExecRequest) (*ExecResult, error) {
	var cmd *exec.Cmd
	switch req.Language {
	case LanguagePython:
		cmd = exec.CommandContext(ctx, r.PythonPath, "-I", "-c", req.Code)
	case LanguageDeno:
		cmd = exec.CommandContext(ctx, r.DenoPath, "eval",
			"--no-prompt", "--allow-read="+req.SessionRoot, "--allow-write="+req.SessionRoot,
			req.Code)
	default:
		return nil, gwerrors.NewInvalidArgsError(
			fmt.Sprintf("unsupported sandbox language %q", req.Language), nil)
	}

	cmd.Dir = req.SessionRoot
	cmd.Env = []string{
		"HOME=" + req.SessionRoot,
		"TMPDIR=" + req.SessionRoot + "/scratch",
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
	for name, value := range req.Env {
		cmd.Env = append(cmd.Env, name+"="+value)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &ExecResult{
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
				ExitCode: exitErr.ExitCode(),
			}, nil
		}
		return nil, gwerrors.NewInternalError("failed to launch sandbox interpreter", err)
	}

	return &ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}, nil
}
