// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/stacklok/mcp-gateway/pkg/auth"
	"github.com/stacklok/mcp-gateway/pkg/logger"
	"github.com/stacklok/mcp-gateway/pkg/session"
)

// StdioServer serves newline-delimited JSON-RPC 2.0 over a reader/writer
// pair. One stream carries exactly one logical session; there is no
// multiplexing.
type StdioServer struct {
	dispatch session.DispatchFunc
	user     *auth.UserContext
}

// NewStdioServer builds a stdio transport around the given dispatch
// function. user is the identity the stream runs as, nil for anonymous.
func NewStdioServer(dispatch session.DispatchFunc, user *auth.UserContext) *StdioServer {
	return &StdioServer{dispatch: dispatch, user: user}
}

// Serve reads frames from in until EOF or ctx ends, dispatching each and
// writing responses to out. Server-initiated notifications share the writer
// through the session's delivery function.
func (s *StdioServer) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	var writeMu sync.Mutex
	write := func(message []byte) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		if _, err := out.Write(append(message, '\n')); err != nil {
			return fmt.Errorf("failed to write stdio frame: %w", err)
		}
		return nil
	}

	sess := session.New(NewSessionID(), session.TransportStdio,
		session.WithUser(s.user),
		session.WithDeliver(func(_ context.Context, message []byte) error {
			return write(message)
		}),
	)
	defer sess.Close()

	lines := make(chan []byte)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 0, 64*1024), MaxMessageBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			select {
			case lines <- frame:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			sess.Touch()
			response, err := s.dispatch(ctx, sess, frame)
			if err != nil {
				logger.Warnw("stdio dispatch failed", "session_id", sess.ID(), "error", err)
				continue
			}
			if response == nil {
				continue
			}
			if err := write(response); err != nil {
				return err
			}
		}
	}
}
